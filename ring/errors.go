// Copyright 2025 The ringserver Authors
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ring

import (
	"fmt"

	"github.com/pkg/errors"
)

// Sentinel errors returned by ring construction and cursor positioning.
var (
	// ErrGeometryMismatch is returned when an on-disk ring's pktsize/maxpackets
	// disagree with the requested geometry and no converter can reconcile it.
	ErrGeometryMismatch = errors.New("ring: geometry mismatch with existing file")

	// ErrCorrupt is returned when the header is inconsistent, offsets are out
	// of range, or the corruption flag was left set by an unclean shutdown.
	ErrCorrupt = errors.New("ring: corruption detected")

	// ErrIO wraps failures opening, sizing or mapping the backing file.
	ErrIO = errors.New("ring: io error")

	// ErrWouldBlock is returned by Cursor.Next when the cursor has caught up
	// with the writer and no packet is immediately available.
	ErrWouldBlock = errors.New("ring: cursor would block")
)

// OldVersionError reports a recognized older on-disk format that a converter
// can migrate; Version is the detected format version k.
type OldVersionError struct {
	Version int
}

func (e *OldVersionError) Error() string {
	return fmt.Sprintf("ring: old format version %d requires conversion", e.Version)
}

// SkippedError is returned by Cursor.Next when the writer evicted packets
// out from under a parked cursor; Skipped counts the packets it never saw.
type SkippedError struct {
	Skipped uint64
}

func (e *SkippedError) Error() string {
	return fmt.Sprintf("ring: cursor skipped %d packets, repositioned to earliest", e.Skipped)
}
