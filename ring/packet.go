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

// slotMagic tags the start of every packet slot so a torn write (process
// killed mid-Write) is detectable as corruption rather than silently read
// back as a zero-length packet.
const slotMagic uint32 = 0x52534c54 // "RSLT"

// maxStreamKeyLen bounds the stream key field in a slot's fixed header.
const maxStreamKeyLen = 60

// slotHeaderSize is the fixed, on-disk encoding of everything in Packet
// except the payload bytes themselves.
const slotHeaderSize = 4 /* magic */ + 8 /* pktid */ + 8 /* start */ + 8 /* end */ +
	8 /* nextInStream */ + 4 /* payloadLen */ + 1 /* keyLen */ + maxStreamKeyLen

// Packet is a single immutable record resident in one ring slot.
type Packet struct {
	PktID         uint64
	StreamKey     string
	DataStartTime int64 // nanoseconds since epoch
	DataEndTime   int64 // nanoseconds since epoch
	Payload       []byte

	// Offset is this packet's position in the ring's backing storage.
	Offset int64

	// NextInStream is the offset of this stream's next packet, or
	// common.RingIDMaximum when this is the stream's latest packet.
	NextInStream int64
}

func (p *Packet) encodedLen() int {
	return slotHeaderSize + len(p.Payload)
}

// marshalInto writes the packet's wire form into buf, which must be at
// least p.encodedLen() bytes. It does not allocate.
func (p *Packet) marshalInto(buf []byte) {
	binary.LittleEndian.PutUint32(buf[0:4], slotMagic)
	binary.LittleEndian.PutUint64(buf[4:12], p.PktID)
	binary.LittleEndian.PutUint64(buf[12:20], uint64(p.DataStartTime))
	binary.LittleEndian.PutUint64(buf[20:28], uint64(p.DataEndTime))
	binary.LittleEndian.PutUint64(buf[28:36], uint64(p.NextInStream))
	binary.LittleEndian.PutUint32(buf[36:40], uint32(len(p.Payload)))

	key := p.StreamKey
	if len(key) > maxStreamKeyLen {
		key = key[:maxStreamKeyLen]
	}
	buf[40] = byte(len(key))
	copy(buf[41:41+maxStreamKeyLen], key)

	copy(buf[slotHeaderSize:], p.Payload)
}

// unmarshalSlot reads a packet out of a raw slot buffer of length pktsize.
// It returns false if the slot's magic does not match (empty or corrupt).
func unmarshalSlot(buf []byte) (Packet, bool) {
	if len(buf) < slotHeaderSize {
		return Packet{}, false
	}
	if binary.LittleEndian.Uint32(buf[0:4]) != slotMagic {
		return Packet{}, false
	}

	keyLen := int(buf[40])
	if keyLen > maxStreamKeyLen {
		return Packet{}, false
	}
	payloadLen := int(binary.LittleEndian.Uint32(buf[36:40]))
	if slotHeaderSize+payloadLen > len(buf) {
		return Packet{}, false
	}

	payload := make([]byte, payloadLen)
	copy(payload, buf[slotHeaderSize:slotHeaderSize+payloadLen])

	return Packet{
		PktID:         binary.LittleEndian.Uint64(buf[4:12]),
		DataStartTime: int64(binary.LittleEndian.Uint64(buf[12:20])),
		DataEndTime:   int64(binary.LittleEndian.Uint64(buf[20:28])),
		NextInStream:  int64(binary.LittleEndian.Uint64(buf[28:36])),
		StreamKey:     string(buf[41 : 41+keyLen]),
		Payload:       payload,
	}, true
}
