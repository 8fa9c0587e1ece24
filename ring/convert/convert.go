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

// Package convert migrates a V1-format ring file into a current-format
// Ring, replaying its packets in pktid order.
package convert

import (
	"encoding/binary"
	"io"
	"os"

	"github.com/pkg/errors"

	"github.com/ringserver/ringserver/ring"
)

// v1 packet slots predate the next_in_stream chain pointer: magic, pktid,
// start, end, payload length, key length, key, payload. The V1 ring was
// written append-only in pktid order, so a single sequential pass recovers
// every packet without needing to track ring offsets.
const (
	v1Magic          uint32 = 0x52534c31 // "RSL1"
	v1HeaderSize            = 64
	v1SlotFixedBytes        = 4 + 8 + 8 + 8 + 4 + 1 + 60 // magic,pktid,start,end,len,keylen,key
)

// ConvertV1 opens the V1 ring at srcPath read-only and writes every packet
// it recovers into dst via Ring.Write, in the order encountered (which is
// pktid order for a V1 file). It does not mutate srcPath.
func ConvertV1(srcPath string, dst *ring.Ring) error {
	f, err := os.Open(srcPath)
	if err != nil {
		return errors.Wrapf(err, "convert: open %s", srcPath)
	}
	defer f.Close()

	if _, err := f.Seek(v1HeaderSize, io.SeekStart); err != nil {
		return errors.Wrap(err, "convert: seek past v1 header")
	}

	slotBuf := make([]byte, v1SlotFixedBytes)
	var recovered int
	for {
		if _, err := io.ReadFull(f, slotBuf); err != nil {
			if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
				break
			}
			return errors.Wrap(err, "convert: read v1 slot header")
		}

		magic := binary.LittleEndian.Uint32(slotBuf[0:4])
		if magic != v1Magic {
			// Unwritten tail slot; V1 rings are append-only so this marks
			// the end of recorded packets.
			break
		}

		payloadLen := int(binary.LittleEndian.Uint32(slotBuf[28:32]))
		keyLen := int(slotBuf[32])
		if keyLen > 60 {
			return errors.Errorf("convert: corrupt v1 slot, key length %d", keyLen)
		}
		streamKey := string(slotBuf[33 : 33+keyLen])

		payload := make([]byte, payloadLen)
		if _, err := io.ReadFull(f, payload); err != nil {
			return errors.Wrap(err, "convert: read v1 payload")
		}

		startTime := int64(binary.LittleEndian.Uint64(slotBuf[12:20]))
		endTime := int64(binary.LittleEndian.Uint64(slotBuf[20:28]))

		if _, err := dst.Write(streamKey, startTime, endTime, payload); err != nil {
			return errors.Wrapf(err, "convert: replay packet %d", recovered)
		}
		recovered++
	}

	return nil
}
