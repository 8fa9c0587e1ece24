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
	"sync"

	"github.com/cespare/xxhash/v2"
)

// StreamEntry tracks the resident extent of one stream within the ring.
type StreamEntry struct {
	StreamKey    string
	EarliestID   uint64
	LatestID     uint64
	EarliestTime int64
	LatestTime   int64
	PacketCount  uint64
	ByteCount    uint64

	// earliestOffset/latestOffset let the writer walk and update the
	// stream's next_in_stream chain without a second map lookup.
	earliestOffset int64
	latestOffset   int64
}

const streamIndexShards = 16

// StreamIndex maps stream key to StreamEntry, sharded across a fixed
// number of buckets so publish/lookup contention on unrelated streams
// does not serialize through one mutex.
type StreamIndex struct {
	shards [streamIndexShards]streamShard
}

type streamShard struct {
	mut     sync.RWMutex
	entries map[string]*StreamEntry
}

func NewStreamIndex() *StreamIndex {
	idx := &StreamIndex{}
	for i := range idx.shards {
		idx.shards[i].entries = make(map[string]*StreamEntry)
	}
	return idx
}

func (idx *StreamIndex) shardFor(key string) *streamShard {
	h := xxhash.Sum64String(key)
	return &idx.shards[h%streamIndexShards]
}

// Get returns a copy of the current entry for key, if any.
func (idx *StreamIndex) Get(key string) (StreamEntry, bool) {
	shard := idx.shardFor(key)
	shard.mut.RLock()
	defer shard.mut.RUnlock()

	e, ok := shard.entries[key]
	if !ok {
		return StreamEntry{}, false
	}
	return *e, true
}

// Len returns the number of distinct streams currently indexed.
func (idx *StreamIndex) Len() int {
	total := 0
	for i := range idx.shards {
		idx.shards[i].mut.RLock()
		total += len(idx.shards[i].entries)
		idx.shards[i].mut.RUnlock()
	}
	return total
}

// Each calls f for every StreamEntry currently indexed, shard by shard.
// f receives a copy and may be called concurrently with writer updates to
// other shards, but never to the shard it is iterating.
func (idx *StreamIndex) Each(f func(StreamEntry)) {
	for i := range idx.shards {
		idx.shards[i].mut.RLock()
		for _, e := range idx.shards[i].entries {
			f(*e)
		}
		idx.shards[i].mut.RUnlock()
	}
}

// applyPublish updates (or creates) the entry for a freshly written
// packet. Called only by the ring writer under its single writer lock, so
// no additional synchronization is needed beyond the shard mutex that
// protects concurrent readers.
func (idx *StreamIndex) applyPublish(p *Packet) {
	shard := idx.shardFor(p.StreamKey)
	shard.mut.Lock()
	defer shard.mut.Unlock()

	e, ok := shard.entries[p.StreamKey]
	if !ok {
		e = &StreamEntry{StreamKey: p.StreamKey, EarliestID: p.PktID, EarliestTime: p.DataStartTime}
		shard.entries[p.StreamKey] = e
	}
	e.LatestID = p.PktID
	e.LatestTime = p.DataEndTime
	e.PacketCount++
	e.ByteCount += uint64(len(p.Payload))
	e.latestOffset = p.Offset
	if e.PacketCount == 1 {
		e.earliestOffset = p.Offset
	}
}

// RestoreEntry inserts a StreamEntry loaded from the persisted sidecar.
// Offsets are set to -1 (not resident at any slot yet); ReindexOffsets
// patches them from a single forward scan of the ring immediately after
// restore.
func (idx *StreamIndex) RestoreEntry(e StreamEntry) {
	shard := idx.shardFor(e.StreamKey)
	shard.mut.Lock()
	defer shard.mut.Unlock()
	entry := e
	entry.earliestOffset = -1
	entry.latestOffset = -1
	shard.entries[e.StreamKey] = &entry
}

// patchOffsets records offset as a resident slot for streamKey: the first
// time a stream is seen during a forward scan it becomes earliestOffset;
// every sighting updates latestOffset, so the last one wins.
func (idx *StreamIndex) patchOffsets(streamKey string, offset int64) {
	shard := idx.shardFor(streamKey)
	shard.mut.Lock()
	defer shard.mut.Unlock()

	e, ok := shard.entries[streamKey]
	if !ok {
		return
	}
	if e.earliestOffset < 0 {
		e.earliestOffset = offset
	}
	e.latestOffset = offset
}

// applyEviction decrements counts for an evicted packet and advances the
// stream's earliest pointer to nextOffset/nextID (the packet now at the
// head of that stream's chain, discovered by following next_in_stream).
// When the evicted packet was the stream's last one, the entry is deleted
// here and false is returned; false is also returned for an unknown stream.
func (idx *StreamIndex) applyEviction(streamKey string, bytesFreed uint64, nextOffset int64, nextID uint64, nextTime int64) bool {
	shard := idx.shardFor(streamKey)
	shard.mut.Lock()
	defer shard.mut.Unlock()

	e, ok := shard.entries[streamKey]
	if !ok {
		return false
	}

	if e.PacketCount <= 1 {
		delete(shard.entries, streamKey)
		return false
	}

	e.PacketCount--
	if e.ByteCount >= bytesFreed {
		e.ByteCount -= bytesFreed
	} else {
		e.ByteCount = 0
	}
	e.EarliestID = nextID
	e.EarliestTime = nextTime
	e.earliestOffset = nextOffset
	return true
}
