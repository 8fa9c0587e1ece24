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

package supervisor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ringserver/ringserver/listener"
	"github.com/ringserver/ringserver/registry"
)

// fakeClientParams satisfies the narrow interfaces sweepClientThreads and
// publishRates type-assert Entry.Params against, without pulling in a real
// net.Conn.
type fakeClientParams struct {
	last   int64
	calced int
	txPkt  float64
}

func (f *fakeClientParams) CalcStats()          { f.calced++ }
func (f *fakeClientParams) LastExchange() int64 { return f.last }
func (f *fakeClientParams) Rates() (float64, float64, float64, float64) {
	return f.txPkt, 0, 0, 0
}

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	sv, err := New(Config{PktSize: 128, MaxPackets: 16}, "", listener.NoopHandler{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, sv.Shutdown()) })
	return sv
}

func TestSweepClientThreadsReapsIdleClients(t *testing.T) {
	sv := newTestSupervisor(t)
	sv.cfg.ClientTimeout = 10 * time.Millisecond

	fc := &fakeClientParams{last: time.Now().Add(-time.Second).UnixNano()}
	entry := sv.clientReg.Spawn(registry.KindClient, fc)
	entry.SetState(registry.StateActive)

	sv.sweepClientThreads(time.Now(), false)
	require.Equal(t, 1, fc.calced)
	require.Equal(t, registry.StateClose, entry.State())
}

func TestSweepClientThreadsRemovesClosedEntries(t *testing.T) {
	sv := newTestSupervisor(t)

	fc := &fakeClientParams{last: time.Now().UnixNano()}
	entry := sv.clientReg.Spawn(registry.KindClient, fc)
	entry.SetState(registry.StateClosed)
	sv.clientCount.Add(1)

	sv.sweepClientThreads(time.Now(), false)
	require.Equal(t, 0, sv.clientReg.Len())
	require.Equal(t, int64(0), sv.clientCount.Load())
}

func TestPublishRatesAggregatesClients(t *testing.T) {
	sv := newTestSupervisor(t)

	a := &fakeClientParams{txPkt: 3}
	b := &fakeClientParams{txPkt: 4}
	ea := sv.clientReg.Spawn(registry.KindClient, a)
	ea.SetState(registry.StateActive)
	eb := sv.clientReg.Spawn(registry.KindClient, b)
	eb.SetState(registry.StateActive)

	sv.publishRates()
	txp, _, _, _ := sv.r.Rates()
	require.Equal(t, 7.0, txp)
}

func TestStepReturnsErrorAfterShutdownDeadlock(t *testing.T) {
	sv := newTestSupervisor(t)
	sv.shutdownSig.Store(2)
	sv.shutdownTicks = shutdownDeadlockTicks - 1

	done, err := sv.step()
	require.True(t, done)
	require.ErrorIs(t, err, ErrShutdownDeadlock)
}

func TestStepExitsWhenRegistriesDrainAfterShutdown(t *testing.T) {
	sv := newTestSupervisor(t)
	sv.shutdownSig.Store(2)

	done, err := sv.step()
	require.True(t, done)
	require.NoError(t, err)
}

func TestStepDoesNotExitWithLiveClientThreads(t *testing.T) {
	sv := newTestSupervisor(t)
	sv.shutdownSig.Store(2)

	fc := &fakeClientParams{last: time.Now().UnixNano()}
	entry := sv.clientReg.Spawn(registry.KindClient, fc)
	entry.SetState(registry.StateActive)

	done, err := sv.step()
	require.False(t, done)
	require.NoError(t, err)
}

func TestSubscribePublishesSnapshotOnTick(t *testing.T) {
	sv := newTestSupervisor(t)
	q := sv.Subscribe()
	defer q.Close()

	_, err := sv.step()
	require.NoError(t, err)

	_, ok := q.PopTimeout(time.Second)
	require.True(t, ok)
}
