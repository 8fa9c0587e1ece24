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
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestCursorDeliversPacketsInOrder(t *testing.T) {
	r := newTestRing(t, 100)
	for i := 0; i < 5; i++ {
		_, err := r.Write("S", int64(i), int64(i), []byte("x"))
		require.NoError(t, err)
	}

	c := NewCursor(r)
	c.PositionEarliest()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	for i := 0; i < 5; i++ {
		p, err := c.Next(ctx)
		require.NoError(t, err)
		require.Equal(t, uint64(i+1), p.PktID)
	}
}

func TestCursorNextBlocksUntilPublish(t *testing.T) {
	r := newTestRing(t, 100)
	c := NewCursor(r)
	c.PositionLatest()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := c.Next(ctx)
	require.ErrorIs(t, err, ErrWouldBlock)

	go func() {
		time.Sleep(10 * time.Millisecond)
		_, _ = r.Write("S", 0, 0, []byte("late"))
	}()

	c2 := NewCursor(r)
	c2.PositionLatest()
	ctx2, cancel2 := context.WithTimeout(context.Background(), time.Second)
	defer cancel2()
	p, err := c2.Next(ctx2)
	require.NoError(t, err)
	require.Equal(t, "S", p.StreamKey)
}

func TestCursorSkippedOnEviction(t *testing.T) {
	r := newTestRing(t, 2)
	_, err := r.Write("S", 0, 0, []byte("a"))
	require.NoError(t, err)

	c := NewCursor(r)
	c.PositionAfterID(1)

	// Overflow the ring past the cursor's position without it reading, so
	// pktid 2 is evicted before Next catches up.
	_, err = r.Write("S", 1, 1, []byte("b"))
	require.NoError(t, err)
	_, err = r.Write("S", 2, 2, []byte("c"))
	require.NoError(t, err)
	_, err = r.Write("S", 3, 3, []byte("d"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	_, err = c.Next(ctx)
	var skipped *SkippedError
	require.ErrorAs(t, err, &skipped)
}

func TestCursorPercentLag(t *testing.T) {
	r := newTestRing(t, 100)
	for i := 0; i < 100; i++ {
		_, err := r.Write("S", int64(i), int64(i), []byte("x"))
		require.NoError(t, err)
	}

	// Park the cursor at the 10th-from-latest packet (pktid 91 of 100).
	c := NewCursor(r)
	c.PositionAfterID(90)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	p, err := c.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, uint64(91), p.PktID)
	require.InDelta(t, 10, c.PercentLag(), 1)

	// Catching up to the latest packet drives lag to zero.
	for i := 0; i < 9; i++ {
		_, err := c.Next(ctx)
		require.NoError(t, err)
	}
	require.Equal(t, 0, c.PercentLag())
}

func TestCursorPercentLagTracksWriterWhileParked(t *testing.T) {
	r := newTestRing(t, 100)
	for i := 0; i < 51; i++ {
		_, err := r.Write("S", int64(i), int64(i), []byte("x"))
		require.NoError(t, err)
	}

	c := NewCursor(r)
	c.PositionLatest()
	require.Equal(t, 0, c.PercentLag())

	// The writer advances while the cursor sits parked; lag must reflect
	// the live offsets without the cursor delivering a packet.
	for i := 51; i < 100; i++ {
		_, err := r.Write("S", int64(i), int64(i), []byte("x"))
		require.NoError(t, err)
	}
	require.InDelta(t, 50, c.PercentLag(), 1)
}

func TestCursorPositionAtTimeForwardAndBackward(t *testing.T) {
	r := newTestRing(t, 100)
	for i := 0; i < 5; i++ {
		_, err := r.Write("S", int64(i*10), int64(i*10+1), []byte("x"))
		require.NoError(t, err)
	}

	c := NewCursor(r)
	require.NoError(t, c.PositionAtTime("S", 25, true))
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	p, err := c.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(30), p.DataStartTime)

	c2 := NewCursor(r)
	require.NoError(t, c2.PositionAtTime("S", 25, false))
	p2, err := c2.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(20), p2.DataStartTime)
}

func TestCursorMatchAndRejectFilters(t *testing.T) {
	r := newTestRing(t, 100)
	_, err := r.Write("FOO.X", 0, 0, []byte("a"))
	require.NoError(t, err)
	_, err = r.Write("BAR.Y", 1, 1, []byte("b"))
	require.NoError(t, err)

	c := NewCursor(r)
	require.NoError(t, c.SetMatch("^FOO"))
	c.PositionEarliest()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	p, err := c.Next(ctx)
	require.NoError(t, err)
	require.Equal(t, "FOO.X", p.StreamKey)

	_, err = c.Next(ctx)
	require.ErrorIs(t, err, ErrWouldBlock)
}
