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

// Package ipacl implements the CIDR-style address-list matcher behind
// the match/reject/write/trusted/limit connection policy classes.
package ipacl

import (
	"net"
	"net/netip"

	"github.com/pkg/errors"
)

// Entry is one member of a List: a network plus an optional payload used
// by the limit list to carry a per-address stream-limit pattern.
type Entry struct {
	Net     *net.IPNet
	Payload string
}

// List is an ordered, immutable collection of network entries. Reloads
// build a new List and swap it in atomically.
type List struct {
	entries []Entry
}

// NewList compiles cidrs, each a bare CIDR string, into a List; entries
// carry no payload (limit lists are built with NewLimitList). An empty/nil
// input yields an empty, always-non-
// matching List, distinct from "policy not configured" which callers
// represent as a nil *List.
func NewList(cidrs ...string) (*List, error) {
	l := &List{entries: make([]Entry, 0, len(cidrs))}
	for _, c := range cidrs {
		_, ipnet, err := net.ParseCIDR(c)
		if err != nil {
			return nil, errors.Wrapf(err, "ipacl: parse %q", c)
		}
		l.entries = append(l.entries, Entry{Net: ipnet})
	}
	return l, nil
}

// NewLimitList compiles a limit list, where each entry additionally
// carries a stream-pattern payload constraining that address's
// subscriptions.
func NewLimitList(pairs map[string]string) (*List, error) {
	l := &List{entries: make([]Entry, 0, len(pairs))}
	for cidr, pattern := range pairs {
		_, ipnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, errors.Wrapf(err, "ipacl: parse %q", cidr)
		}
		l.entries = append(l.entries, Entry{Net: ipnet, Payload: pattern})
	}
	return l, nil
}

// Match returns the first entry whose network contains addr, comparing
// family and masked bits in list order. Returns nil, false if list is nil
// (policy not configured) or no entry matches.
func (l *List) Match(addr net.IP) (*Entry, bool) {
	if l == nil {
		return nil, false
	}
	for i := range l.entries {
		if l.entries[i].Net.Contains(addr) {
			return &l.entries[i], true
		}
	}
	return nil, false
}

// Contains reports only membership, discarding any payload.
func (l *List) Contains(addr net.IP) bool {
	_, ok := l.Match(addr)
	return ok
}

// Len returns the number of compiled entries.
func (l *List) Len() int {
	if l == nil {
		return 0
	}
	return len(l.entries)
}

// ParseAddr converts the numeric host string of an accepted connection
// into a net.IP suitable for Match/Contains.
func ParseAddr(host string) (net.IP, error) {
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return nil, errors.Wrapf(err, "ipacl: parse address %q", host)
	}
	return net.IP(addr.AsSlice()), nil
}
