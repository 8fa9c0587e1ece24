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
	"context"
	"math"
	"regexp"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/ringserver/ringserver/common"
)

// cursorPos is a tagged position: set distinguishes a positioned cursor
// from a fresh one, so the ID sentinel never doubles as "unset".
type cursorPos struct {
	set    bool
	pktid  uint64
	offset int64
}

// Cursor is a reader's position in the global packet sequence plus its
// filters.
type Cursor struct {
	id   string
	ring *Ring

	mu        sync.Mutex
	pos       cursorPos
	startTime *int64
	endTime   *int64
	match     *regexp.Regexp
	reject    *regexp.Regexp
}

// NewCursor opens a cursor against r. The cursor starts unpositioned;
// callers must call one of the Position* methods before Next.
func NewCursor(r *Ring) *Cursor {
	return &Cursor{id: uuid.New().String(), ring: r}
}

func (c *Cursor) ID() string { return c.id }

// PositionEarliest sets the cursor so the next Next() call returns the
// oldest resident packet.
func (c *Cursor) PositionEarliest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.positionEarliestLocked()
}

func (c *Cursor) positionEarliestLocked() {
	// pktid == RingIDMaximum marks "before earliest": Next()'s advance-then-
	// read loop delivers the current earliest packet on its first call.
	c.pos = cursorPos{set: true, pktid: common.RingIDMaximum}
}

// PositionLatest sets the cursor so the next Next() call blocks until a
// packet published after this call arrives.
func (c *Cursor) PositionLatest() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.pos = cursorPos{set: true, pktid: c.ring.LatestID(), offset: c.ring.LatestOffset()}
}

// PositionAfterID sets the cursor to deliver the packet with the smallest
// pktid > id on the next Next() call. If id is no longer resident, the
// cursor snaps to current earliest.
func (c *Cursor) PositionAfterID(id uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	earliestID := c.ring.EarliestID()
	if earliestID == common.RingIDMaximum || id == common.RingIDMaximum || id < earliestID {
		c.positionEarliestLocked()
		return
	}

	latestID := c.ring.LatestID()
	if id >= latestID {
		c.pos = cursorPos{set: true, pktid: latestID, offset: c.ring.LatestOffset()}
		return
	}

	offset := c.ring.offsetForID(id)
	c.pos = cursorPos{set: true, pktid: id, offset: offset}
}

// PositionAtTime positions the cursor within a single stream's chain to
// the first packet whose start time satisfies direction relative to t:
// forward finds the first packet with start_time >= t, backward finds the
// last packet with start_time <= t.
func (c *Cursor) PositionAtTime(streamKey string, t int64, forward bool) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.ring.streamIndex.Get(streamKey)
	if !ok {
		return errors.Errorf("ring: unknown stream %q", streamKey)
	}

	offset := entry.earliestOffset
	var best *Packet
	for {
		p, ok := c.ring.readSlot(offset)
		if !ok {
			break
		}
		if forward {
			if p.DataStartTime >= t {
				best = &p
				break
			}
		} else {
			if p.DataStartTime <= t {
				cp := p
				best = &cp
			} else {
				break
			}
		}
		if p.NextInStream == common.RingIDMaximumInt64 {
			break
		}
		offset = p.NextInStream
	}

	if best == nil {
		return errors.New("ring: no packet satisfies time seek")
	}

	// Position one packet before best so Next() delivers it first.
	if best.PktID <= c.ring.EarliestID() {
		c.pos = cursorPos{set: true, pktid: common.RingIDMaximum}
	} else {
		c.pos = cursorPos{set: true, pktid: best.PktID - 1, offset: c.ring.offsetForID(best.PktID - 1)}
	}
	return nil
}

// SetMatch compiles pattern and restricts delivered packets to streams
// whose key matches it.
func (c *Cursor) SetMatch(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return errors.Wrap(err, "ring: compile match pattern")
	}
	c.mu.Lock()
	c.match = re
	c.mu.Unlock()
	return nil
}

// SetReject compiles pattern and excludes streams whose key matches it.
func (c *Cursor) SetReject(pattern string) error {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return errors.Wrap(err, "ring: compile reject pattern")
	}
	c.mu.Lock()
	c.reject = re
	c.mu.Unlock()
	return nil
}

// SetTimeWindow restricts delivered packets to those whose data time range
// intersects [start, end].
func (c *Cursor) SetTimeWindow(start, end int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.startTime = &start
	c.endTime = &end
}

func (c *Cursor) matchesLocked(p Packet) bool {
	if c.match != nil && !c.match.MatchString(p.StreamKey) {
		return false
	}
	if c.reject != nil && c.reject.MatchString(p.StreamKey) {
		return false
	}
	if c.startTime != nil && p.DataEndTime < *c.startTime {
		return false
	}
	if c.endTime != nil && p.DataStartTime > *c.endTime {
		return false
	}
	return true
}

// Next returns the next packet satisfying the cursor's filters, blocking
// until ctx is done, a matching packet arrives, or the writer evicts past
// the cursor's position (ErrWouldBlock / *SkippedError respectively).
func (c *Cursor) Next(ctx context.Context) (Packet, error) {
	for {
		c.mu.Lock()

		if !c.pos.set {
			c.positionEarliestLocked()
		}

		earliestID := c.ring.EarliestID()
		latestID := c.ring.LatestID()

		if latestID == common.RingIDMaximum {
			wake := c.ring.wakeChan()
			c.mu.Unlock()
			if err := waitOrBlock(ctx, wake); err != nil {
				return Packet{}, err
			}
			continue
		}

		if c.pos.pktid != common.RingIDMaximum && earliestID != common.RingIDMaximum && c.pos.pktid+1 < earliestID {
			skipped := earliestID - (c.pos.pktid + 1)
			c.positionEarliestLocked()
			c.mu.Unlock()
			return Packet{}, &SkippedError{Skipped: skipped}
		}

		if c.pos.pktid != common.RingIDMaximum && c.pos.pktid >= latestID {
			wake := c.ring.wakeChan()
			c.mu.Unlock()
			if err := waitOrBlock(ctx, wake); err != nil {
				return Packet{}, err
			}
			continue
		}

		var candOffset int64
		if c.pos.pktid == common.RingIDMaximum {
			candOffset = c.ring.EarliestOffset()
		} else {
			candOffset = (c.pos.offset + int64(c.ring.PktSize())) % c.ring.MaxOffset()
		}

		p, ok := c.ring.readSlot(candOffset)
		if !ok {
			c.mu.Unlock()
			return Packet{}, ErrCorrupt
		}

		c.pos = cursorPos{set: true, pktid: p.PktID, offset: p.Offset}

		if !c.matchesLocked(p) {
			c.mu.Unlock()
			continue
		}

		c.mu.Unlock()
		return p, nil
	}
}

// waitOrBlock blocks until wake closes or ctx is cancelled.
func waitOrBlock(ctx context.Context, wake chan struct{}) error {
	select {
	case <-wake:
		return nil
	case <-ctx.Done():
		return ErrWouldBlock
	}
}

// PercentLag recomputes the cursor's lag from the ring's live offsets on
// every call, so a parked reader that fell behind reads as lagged even
// though it has not delivered a packet since. Lag is computed over
// unwrapped offsets: an offset lying before the current earliest is
// shifted up by maxoffset so the arithmetic stays linear across the wrap
// point.
func (c *Cursor) PercentLag() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	earliestOffset := c.ring.EarliestOffset()
	latestOffset := c.ring.LatestOffset()
	maxoffset := c.ring.MaxOffset()

	latestUnwrapped := latestOffset
	if latestOffset < earliestOffset {
		latestUnwrapped += maxoffset
	}

	// An unpositioned cursor, or one parked before the current earliest,
	// is maximally lagged.
	readerOffset := c.pos.offset
	if !c.pos.set || c.pos.pktid == common.RingIDMaximum {
		readerOffset = earliestOffset
	}
	readerUnwrapped := readerOffset
	if readerOffset < earliestOffset {
		readerUnwrapped += maxoffset
	}

	denom := latestUnwrapped - earliestOffset
	if denom <= 0 {
		return 0
	}

	lag := int(math.Round(float64(latestUnwrapped-readerUnwrapped) / float64(denom) * 100))
	if lag < 0 {
		lag = 0
	}
	if lag > 100 {
		lag = 100
	}
	return lag
}

// offsetForID computes the slot offset of a resident pktid in O(1): every
// Write advances the offset by exactly pktsize and assigns the next pktid,
// so offset and pktid move in lockstep for resident packets.
func (r *Ring) offsetForID(id uint64) int64 {
	latestID := r.latestID.Load()
	latestOffset := r.latestOffset.Load()
	back := int64(latestID-id) * int64(r.cfg.PktSize)
	offset := latestOffset - back
	for offset < 0 {
		offset += r.maxoffset
	}
	return offset % r.maxoffset
}
