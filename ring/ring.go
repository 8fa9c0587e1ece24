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

// Package ring implements the packet ring: a fixed-capacity, circular,
// memory-mapped packet store with a per-stream secondary index and reader
// cursors supporting time-based seek, ID-based seek and pattern-filtered
// iteration under concurrent single-writer/many-reader access.
package ring

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/trace"

	"github.com/ringserver/ringserver/common"
	"github.com/ringserver/ringserver/internal/fasttime"
)

const packetBufName = "packetbuf"

// Config describes the geometry of a ring to open or create.
type Config struct {
	// Dir is the ring directory; empty selects an anonymous, non-persisted
	// mapping (used by tests).
	Dir string

	PktSize    uint32
	MaxPackets uint32
}

// Ring is a fixed-slot circular packet store. The zero value is not usable;
// construct with Open.
type Ring struct {
	cfg Config

	file *mmapFile

	slotsBase int64 // offset of slot 0 within the mapped file
	maxoffset int64

	// writeMu serializes publishers; the ring has exactly one writer at a
	// time.
	writeMu sync.Mutex

	// Published with release ordering on write, read with acquire ordering
	// by cursors without holding writeMu.
	earliestID     atomic.Uint64
	latestID       atomic.Uint64
	earliestOffset atomic.Int64
	latestOffset   atomic.Int64

	// resident counts packets currently occupying a slot; once it reaches
	// maxpackets every further Write evicts the oldest before storing.
	resident atomic.Uint32

	rateMu       sync.Mutex
	txPacketRate float64
	txByteRate   float64
	rxPacketRate float64
	rxByteRate   float64

	// lastWrite is the unix timestamp of the most recent publish, coarse
	// to one second via fasttime.
	lastWrite atomic.Int64

	streamIndex *StreamIndex

	// wake is closed and replaced on every publish so parked cursors can
	// select on it as an edge-triggered broadcast.
	wakeMu sync.Mutex
	wake   chan struct{}

	tracer trace.Tracer
}

// Open maps (or creates) the ring's backing file and adopts its header in
// place, or initializes a fresh one. On a pre-existing file that fails
// validation it returns ErrCorrupt, ErrGeometryMismatch or
// *OldVersionError; the caller (see package persistence) applies the
// auto-recovery policy and retries.
func Open(cfg Config) (*Ring, error) {
	if cfg.PktSize == 0 || cfg.MaxPackets == 0 {
		return nil, errors.New("ring: pktsize and maxpackets must be non-zero")
	}

	maxoffset := int64(cfg.PktSize) * int64(cfg.MaxPackets)
	totalSize := headerSize + maxoffset

	var path string
	if cfg.Dir != "" {
		path = filepath.Join(cfg.Dir, packetBufName)
	}

	file, err := openMmapFile(path, totalSize)
	if err != nil {
		return nil, err
	}

	r := &Ring{
		cfg:         cfg,
		file:        file,
		slotsBase:   headerSize,
		maxoffset:   maxoffset,
		streamIndex: NewStreamIndex(),
		wake:        make(chan struct{}),
		tracer:      trace.NewNoopTracerProvider().Tracer("ring"),
	}

	var hdr header
	hdr.unmarshal(file.data[:headerEncodedSize])

	if hdr.magic == 0 && hdr.version == 0 && hdr.pktsize == 0 {
		r.initFreshHeader()
		if err := r.file.sync(); err != nil {
			r.file.close()
			return nil, err
		}
		return r, nil
	}

	if err := hdr.validate(cfg.PktSize, cfg.MaxPackets); err != nil {
		file.close()
		return nil, err
	}

	r.earliestID.Store(hdr.earliestID)
	r.latestID.Store(hdr.latestID)
	r.earliestOffset.Store(hdr.earliestOffset)
	r.latestOffset.Store(hdr.latestOffset)
	r.txPacketRate, r.txByteRate = hdr.txPacketRate, hdr.txByteRate
	r.rxPacketRate, r.rxByteRate = hdr.rxPacketRate, hdr.rxByteRate

	if hdr.latestID != common.RingIDMaximum {
		latest := hdr.latestOffset
		if latest < hdr.earliestOffset {
			latest += r.maxoffset
		}
		r.resident.Store(uint32((latest-hdr.earliestOffset)/int64(cfg.PktSize)) + 1)
	}

	// Re-arm the corruption flag for this generation: it stays set on disk
	// until the next clean Shutdown, so an unclean kill is detected on the
	// following open.
	r.writeHeaderLocked(true)
	if err := r.file.sync(); err != nil {
		r.file.close()
		return nil, err
	}

	return r, nil
}

func (r *Ring) initFreshHeader() {
	r.earliestID.Store(common.RingIDMaximum)
	r.latestID.Store(common.RingIDMaximum)
	r.earliestOffset.Store(0)
	r.latestOffset.Store(0)
	r.writeHeaderLocked(true)
}

// writeHeaderLocked serializes the current in-memory header state into the
// mapped header region. setCorrupt controls the persisted corruption flag:
// true at startup (cleared only by a clean Shutdown), false when Shutdown
// itself writes the final clean header.
func (r *Ring) writeHeaderLocked(setCorrupt bool) {
	r.rateMu.Lock()
	h := header{
		magic:          headerMagic,
		version:        formatVersion,
		pktsize:        r.cfg.PktSize,
		maxpackets:     r.cfg.MaxPackets,
		maxoffset:      r.maxoffset,
		earliestID:     r.earliestID.Load(),
		latestID:       r.latestID.Load(),
		earliestOffset: r.earliestOffset.Load(),
		latestOffset:   r.latestOffset.Load(),
		txPacketRate:   r.txPacketRate,
		txByteRate:     r.txByteRate,
		rxPacketRate:   r.rxPacketRate,
		rxByteRate:     r.rxByteRate,
	}
	r.rateMu.Unlock()

	if setCorrupt {
		h.corruptionFlag = 1
	}
	h.marshal(r.file.data[:headerEncodedSize])
}

// PktSize returns the configured packet slot size.
func (r *Ring) PktSize() uint32 { return r.cfg.PktSize }

// MaxPackets returns the ring's capacity in packets.
func (r *Ring) MaxPackets() uint32 { return r.cfg.MaxPackets }

// StreamIndex returns the ring's secondary index.
func (r *Ring) StreamIndex() *StreamIndex { return r.streamIndex }

// SetStreamIndex replaces the ring's secondary index wholesale. Used by
// package persistence to restore the sidecar snapshot after Open adopts an
// existing packet buffer; callers must not invoke this once Write has been
// called.
func (r *Ring) SetStreamIndex(idx *StreamIndex) { r.streamIndex = idx }

// ReindexOffsets walks every resident slot once, from the current earliest
// offset to the current latest offset, and patches each stream's earliest/
// latest chain offset in the StreamIndex. The counts and IDs restored from
// the persisted sidecar are trusted as-is; only the in-ring offsets (which
// the sidecar does not persist) are recomputed, since they are only valid
// for the lifetime of a single mapping. Called once by package persistence
// after adopting an existing (non-fresh) ring and its sidecar.
func (r *Ring) ReindexOffsets() {
	if r.earliestID.Load() == common.RingIDMaximum {
		return
	}

	offset := r.earliestOffset.Load()
	latestOffset := r.latestOffset.Load()
	for {
		p, ok := r.readSlot(offset)
		if ok {
			r.streamIndex.patchOffsets(p.StreamKey, offset)
		}
		if offset == latestOffset {
			break
		}
		offset = (offset + int64(r.cfg.PktSize)) % r.maxoffset
	}
}

// EarliestID returns the oldest resident packet ID.
func (r *Ring) EarliestID() uint64 { return r.earliestID.Load() }

// LatestID returns the most recently published packet ID.
func (r *Ring) LatestID() uint64 { return r.latestID.Load() }

func (r *Ring) slotOffset(ringOffset int64) int64 { return r.slotsBase + ringOffset }

func (r *Ring) readSlot(ringOffset int64) (Packet, bool) {
	start := r.slotOffset(ringOffset)
	p, ok := unmarshalSlot(r.file.data[start : start+int64(r.cfg.PktSize)])
	if ok {
		p.Offset = ringOffset
	}
	return p, ok
}

// Write publishes a new packet for streamKey, assigning it the next
// monotonic pktid and evicting the oldest resident packet if the ring is
// full.
func (r *Ring) Write(streamKey string, startTime, endTime int64, payload []byte) (uint64, error) {
	_, span := r.tracer.Start(context.Background(), "ring.Write")
	defer span.End()

	if len(streamKey) == 0 || len(streamKey) > maxStreamKeyLen {
		return 0, errors.Errorf("ring: stream key length %d out of bounds", len(streamKey))
	}
	need := slotHeaderSize + len(payload)
	if need > int(r.cfg.PktSize) {
		return 0, errors.Errorf("ring: payload too large for pktsize (%d > %d)", need, r.cfg.PktSize)
	}

	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	prevLatestID := r.latestID.Load()
	var pktid uint64
	if prevLatestID == common.RingIDMaximum {
		pktid = 1 // fresh ring, IDs start at 1
	} else if prevLatestID+1 == common.RingIDMaximum {
		pktid = 1 // wrap at the sentinel
	} else {
		pktid = prevLatestID + 1
	}

	curLatestOffset := r.latestOffset.Load()
	curEarliestOffset := r.earliestOffset.Load()

	var newOffset int64
	if prevLatestID == common.RingIDMaximum {
		newOffset = 0
	} else {
		newOffset = (curLatestOffset + int64(r.cfg.PktSize)) % r.maxoffset
	}

	full := r.resident.Load() >= r.cfg.MaxPackets
	if full {
		r.evictOldestLocked()
		curEarliestOffset = r.earliestOffset.Load()
	} else {
		r.resident.Add(1)
	}

	p := Packet{
		PktID:         pktid,
		StreamKey:     streamKey,
		DataStartTime: startTime,
		DataEndTime:   endTime,
		Payload:       payload,
		Offset:        newOffset,
		NextInStream:  common.RingIDMaximumInt64,
	}

	if entry, ok := r.streamIndex.Get(streamKey); ok {
		r.patchNextInStream(entry.latestOffset, newOffset)
	}

	buf := r.file.data[r.slotOffset(newOffset) : r.slotOffset(newOffset)+int64(r.cfg.PktSize)]
	p.marshalInto(buf)

	r.streamIndex.applyPublish(&p)

	r.earliestOffset.Store(curEarliestOffset)
	r.latestOffset.Store(newOffset)
	r.latestID.Store(pktid)
	if r.earliestID.Load() == common.RingIDMaximum {
		r.earliestID.Store(pktid)
	}

	r.lastWrite.Store(fasttime.UnixTimestamp())
	r.broadcastWake()

	return pktid, nil
}

// patchNextInStream rewrites the next_in_stream field of the slot at
// prevOffset to point at newOffset, without disturbing the rest of the slot.
func (r *Ring) patchNextInStream(prevOffset, newOffset int64) {
	start := r.slotOffset(prevOffset)
	buf := r.file.data[start : start+int64(r.cfg.PktSize)]
	for i, b := range u64le(uint64(newOffset)) {
		buf[28+i] = b
	}
}

// evictOldestLocked drops the packet at the current earliest offset,
// advances earliestoffset/earliestid, and updates that stream's index
// entry by following its next_in_stream chain. Caller holds writeMu.
func (r *Ring) evictOldestLocked() {
	oldOffset := r.earliestOffset.Load()
	p, ok := r.readSlot(oldOffset)
	if !ok {
		// Nothing coherent at this offset; advance blindly rather than
		// wedge the writer, it will be overwritten next wrap anyway.
		r.earliestOffset.Store((oldOffset + int64(r.cfg.PktSize)) % r.maxoffset)
		return
	}

	nextOffset := p.NextInStream
	var nextID uint64
	var nextTime int64
	if nextOffset != common.RingIDMaximumInt64 {
		if np, ok := r.readSlot(nextOffset); ok {
			nextID = np.PktID
			nextTime = np.DataStartTime
		}
	}

	r.streamIndex.applyEviction(p.StreamKey, uint64(len(p.Payload)), nextOffset, nextID, nextTime)

	newEarliestOffset := (oldOffset + int64(r.cfg.PktSize)) % r.maxoffset
	r.earliestOffset.Store(newEarliestOffset)
	r.earliestID.Store(p.PktID + 1)
}

func (r *Ring) broadcastWake() {
	r.wakeMu.Lock()
	old := r.wake
	r.wake = make(chan struct{})
	r.wakeMu.Unlock()
	close(old)
}

func (r *Ring) wakeChan() chan struct{} {
	r.wakeMu.Lock()
	defer r.wakeMu.Unlock()
	return r.wake
}

// PublishRates is called by the supervisor once per tick with the
// aggregated client tx/rx rates.
func (r *Ring) PublishRates(txPacketRate, txByteRate, rxPacketRate, rxByteRate float64) {
	r.rateMu.Lock()
	defer r.rateMu.Unlock()
	r.txPacketRate = txPacketRate
	r.txByteRate = txByteRate
	r.rxPacketRate = rxPacketRate
	r.rxByteRate = rxByteRate
}

// Rates returns the last published aggregate rates.
func (r *Ring) Rates() (txPacketRate, txByteRate, rxPacketRate, rxByteRate float64) {
	r.rateMu.Lock()
	defer r.rateMu.Unlock()
	return r.txPacketRate, r.txByteRate, r.rxPacketRate, r.rxByteRate
}

// Shutdown flushes the header (clearing the corruption flag) and unmaps
// the backing file. The StreamIndex sidecar is persisted separately by
// package persistence, which calls StreamIndex() before Shutdown.
func (r *Ring) Shutdown() error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	r.writeHeaderLocked(false)
	if err := r.file.sync(); err != nil {
		return err
	}
	return r.file.close()
}

// MaxOffset returns pktsize*maxpackets, the unwrapped ring length in bytes.
func (r *Ring) MaxOffset() int64 { return r.maxoffset }

// EarliestOffset and LatestOffset expose the current ring cursor
// endpoints, used by percent-lag computation.
func (r *Ring) EarliestOffset() int64 { return r.earliestOffset.Load() }
func (r *Ring) LatestOffset() int64   { return r.latestOffset.Load() }

func u64le(v uint64) [8]byte {
	return [8]byte{
		byte(v), byte(v >> 8), byte(v >> 16), byte(v >> 24),
		byte(v >> 32), byte(v >> 40), byte(v >> 48), byte(v >> 56),
	}
}

// LastWriteTime returns the unix timestamp of the most recent publish, or
// zero if nothing has been written since open.
func (r *Ring) LastWriteTime() int64 { return r.lastWrite.Load() }
