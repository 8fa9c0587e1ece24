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

package registry

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSpawnTracksKindAndState(t *testing.T) {
	r := New()
	e := r.Spawn(KindListener, "params")
	require.Equal(t, KindListener, e.Kind())
	require.Equal(t, StateSpawning, e.State())
	require.Equal(t, 1, r.Len())

	e.SetState(StateActive)
	require.Equal(t, StateActive, e.State())
}

func TestRegistryHoldsMultipleKinds(t *testing.T) {
	r := New()
	l := r.Spawn(KindListener, nil)
	s := r.Spawn(KindScanner, nil)
	require.Equal(t, 2, r.Len())

	counts := map[Kind]int{}
	r.Each(func(e *Entry) { counts[e.Kind()]++ })
	require.Equal(t, 1, counts[KindListener])
	require.Equal(t, 1, counts[KindScanner])
	require.NotEqual(t, l.ID(), s.ID())
}

func TestRequestCloseDoesNotRegressClosing(t *testing.T) {
	r := New()
	e := r.Spawn(KindClient, nil)
	e.SetState(StateClosing)
	e.RequestClose()
	require.Equal(t, StateClosing, e.State())
}

func TestRequestCloseFiresCloseNotify(t *testing.T) {
	r := New()
	e := r.Spawn(KindClient, nil)

	select {
	case <-e.CloseNotify():
		t.Fatal("close notify fired before any request")
	default:
	}

	e.RequestClose()
	e.RequestClose() // second request must not panic on the closed channel

	select {
	case <-e.CloseNotify():
	default:
		t.Fatal("close notify did not fire")
	}
	require.Equal(t, StateClose, e.State())
}

func TestRemoveIsIdempotent(t *testing.T) {
	r := New()
	e := r.Spawn(KindClient, nil)
	r.Remove(e.ID())
	require.Equal(t, 0, r.Len())
	r.Remove(e.ID())
	require.Equal(t, 0, r.Len())
}

func TestKindString(t *testing.T) {
	require.Equal(t, "LISTENER", KindListener.String())
	require.Equal(t, "SCANNER", KindScanner.String())
	require.Equal(t, "CLIENT", KindClient.String())
}
