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

import "encoding/binary"

// headerMagic identifies a ringserver packetbuf file.
const headerMagic uint32 = 0x52494e47 // "RING"

// formatVersion is the current on-disk header layout version.
const formatVersion uint32 = 2

// headerSize is the fixed size, in bytes, of the persisted header region
// at offset 0 of the backing file; the first packet slot starts here.
const headerSize = 4096

// header is the persisted control block for a Ring, including the
// aggregate rate fields the supervisor publishes each tick.
type header struct {
	magic      uint32
	version    uint32
	pktsize    uint32
	maxpackets uint32
	maxoffset  int64

	earliestID     uint64
	latestID       uint64
	earliestOffset int64
	latestOffset   int64

	// corruptionFlag is set on open and cleared only by a clean Shutdown;
	// finding it set on open is what drives the §4.1 auto-recovery policy.
	corruptionFlag uint32

	txPacketRate float64
	txByteRate   float64
	rxPacketRate float64
	rxByteRate   float64
}

const headerEncodedSize = 4 + 4 + 4 + 4 + 8 + 8 + 8 + 8 + 8 + 4 + 8*4

func (h *header) marshal(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], h.magic)
	binary.LittleEndian.PutUint32(buf[4:8], h.version)
	binary.LittleEndian.PutUint32(buf[8:12], h.pktsize)
	binary.LittleEndian.PutUint32(buf[12:16], h.maxpackets)
	binary.LittleEndian.PutUint64(buf[16:24], uint64(h.maxoffset))
	binary.LittleEndian.PutUint64(buf[24:32], h.earliestID)
	binary.LittleEndian.PutUint64(buf[32:40], h.latestID)
	binary.LittleEndian.PutUint64(buf[40:48], uint64(h.earliestOffset))
	binary.LittleEndian.PutUint64(buf[48:56], uint64(h.latestOffset))
	binary.LittleEndian.PutUint32(buf[56:60], h.corruptionFlag)
	binary.LittleEndian.PutUint64(buf[60:68], float64bits(h.txPacketRate))
	binary.LittleEndian.PutUint64(buf[68:76], float64bits(h.txByteRate))
	binary.LittleEndian.PutUint64(buf[76:84], float64bits(h.rxPacketRate))
	binary.LittleEndian.PutUint64(buf[84:92], float64bits(h.rxByteRate))
}

func (h *header) unmarshal(buf []byte) {
	h.magic = binary.LittleEndian.Uint32(buf[0:4])
	h.version = binary.LittleEndian.Uint32(buf[4:8])
	h.pktsize = binary.LittleEndian.Uint32(buf[8:12])
	h.maxpackets = binary.LittleEndian.Uint32(buf[12:16])
	h.maxoffset = int64(binary.LittleEndian.Uint64(buf[16:24]))
	h.earliestID = binary.LittleEndian.Uint64(buf[24:32])
	h.latestID = binary.LittleEndian.Uint64(buf[32:40])
	h.earliestOffset = int64(binary.LittleEndian.Uint64(buf[40:48]))
	h.latestOffset = int64(binary.LittleEndian.Uint64(buf[48:56]))
	h.corruptionFlag = binary.LittleEndian.Uint32(buf[56:60])
	h.txPacketRate = float64frombits(binary.LittleEndian.Uint64(buf[60:68]))
	h.txByteRate = float64frombits(binary.LittleEndian.Uint64(buf[68:76]))
	h.rxPacketRate = float64frombits(binary.LittleEndian.Uint64(buf[76:84]))
	h.rxByteRate = float64frombits(binary.LittleEndian.Uint64(buf[84:92]))
}

// validate classifies an on-disk header against the requested geometry
// as corrupt, geometry-mismatched, or an older migratable version.
func (h *header) validate(pktsize, maxpackets uint32) error {
	if h.magic != headerMagic {
		return ErrCorrupt
	}
	if h.corruptionFlag != 0 {
		return ErrCorrupt
	}
	if h.version < formatVersion {
		return &OldVersionError{Version: int(h.version)}
	}
	if h.version > formatVersion {
		return ErrGeometryMismatch
	}
	if h.pktsize != pktsize || h.maxpackets != maxpackets {
		return ErrGeometryMismatch
	}
	if h.earliestOffset < 0 || h.earliestOffset >= h.maxoffset ||
		h.latestOffset < 0 || h.latestOffset >= h.maxoffset {
		return ErrCorrupt
	}
	if h.latestID < h.earliestID && h.latestID != 0 {
		return ErrCorrupt
	}
	return nil
}
