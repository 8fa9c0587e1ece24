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

// Package registry tracks server-side worker goroutines (listeners,
// scanners, clients) as owned handles: a map keyed by handle identifier,
// one mutex per list, iteration holding only a short lock, removal O(1)
// by handle.
package registry

import (
	"sync"

	"github.com/google/uuid"
)

// Kind classifies a worker entry: listener, scanner or client.
type Kind int

const (
	KindListener Kind = iota
	KindScanner
	KindClient
)

func (k Kind) String() string {
	switch k {
	case KindListener:
		return "LISTENER"
	case KindScanner:
		return "SCANNER"
	case KindClient:
		return "CLIENT"
	default:
		return "UNKNOWN"
	}
}

// State is a worker entry's lifecycle state.
type State int32

const (
	StateSpawning State = iota
	StateActive
	StateClose
	StateClosing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateSpawning:
		return "SPAWNING"
	case StateActive:
		return "ACTIVE"
	case StateClose:
		return "CLOSE"
	case StateClosing:
		return "CLOSING"
	case StateClosed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// Entry is one owned worker handle. Its own mutex guards only state
// transitions.
type Entry struct {
	id   string
	kind Kind

	mu      sync.Mutex
	state   State
	closeCh chan struct{}

	// Params is the opaque per-entry payload: the *listener.Listener for
	// listener entries, the *registry.ClientInfo for client entries.
	Params any
}

func (e *Entry) ID() string { return e.id }
func (e *Entry) Kind() Kind { return e.kind }

func (e *Entry) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// RequestClose transitions the entry to CLOSE unless it is already
// CLOSING or CLOSED, and fires CloseNotify so a worker blocked in I/O
// observes the request.
func (e *Entry) RequestClose() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StateClosing && e.state != StateClosed {
		e.state = StateClose
	}
	select {
	case <-e.closeCh:
	default:
		close(e.closeCh)
	}
}

// CloseNotify returns a channel closed on the first RequestClose, the
// cooperative-cancellation signal a worker selects on alongside its I/O.
func (e *Entry) CloseNotify() <-chan struct{} { return e.closeCh }

// SetState unconditionally sets the entry's state; used by the owning
// worker goroutine to advance its own lifecycle (SPAWNING->ACTIVE,
// CLOSE->CLOSING->CLOSED).
func (e *Entry) SetState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

// Registry owns one thread list's worker handles. Two instances exist,
// one for server threads and one for client threads; a Registry may hold
// entries of more than one Kind (the server-threads registry holds both
// LISTENER and SCANNER entries).
type Registry struct {
	mu      sync.Mutex
	entries map[string]*Entry
}

func New() *Registry {
	return &Registry{entries: make(map[string]*Entry)}
}

// Spawn creates a new SPAWNING entry and adds it to the registry.
func (r *Registry) Spawn(kind Kind, params any) *Entry {
	e := &Entry{id: uuid.New().String(), kind: kind, state: StateSpawning, closeCh: make(chan struct{}), Params: params}
	r.mu.Lock()
	r.entries[e.id] = e
	r.mu.Unlock()
	return e
}

// Remove deletes an entry by handle, O(1).
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	delete(r.entries, id)
	r.mu.Unlock()
}

// Len returns the number of entries currently tracked.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.entries)
}

// Each calls f for a snapshot of the current entries, outside the
// registry's lock, since f may itself lock a per-entry mutex.
func (r *Registry) Each(f func(*Entry)) {
	r.mu.Lock()
	snapshot := make([]*Entry, 0, len(r.entries))
	for _, e := range r.entries {
		snapshot = append(snapshot, e)
	}
	r.mu.Unlock()

	for _, e := range snapshot {
		f(e)
	}
}
