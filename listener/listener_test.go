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

package listener

import (
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/ringserver/ringserver/ipacl"
	"github.com/ringserver/ringserver/registry"
)

// fakeConn stands in for a dialed net.Conn with a controllable remote
// address, so the admission cascade can be exercised without real sockets.
type fakeConn struct {
	net.Conn
	remote string
}

func (c *fakeConn) RemoteAddr() net.Addr {
	return fakeAddr(c.remote)
}

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

func newTestListener(t *testing.T, policy *Policy) (*Listener, *atomic.Int64) {
	t.Helper()
	var count atomic.Int64
	clientReg := registry.New()
	l := New(Config{Address: ":16000", Protocol: "SL"}, NewPolicyHolder(policy), NoopHandler{}, clientReg, &count)
	return l, &count
}

func TestAdmitRejectsNonMatchingAddress(t *testing.T) {
	match, err := ipacl.NewList("192.168.0.0/24")
	require.NoError(t, err)
	l, _ := newTestListener(t, &Policy{MatchIPs: match})

	_, ok := l.admit(&fakeConn{remote: "10.0.0.5:4000"})
	require.False(t, ok)
}

func TestAdmitRejectsListedAddress(t *testing.T) {
	reject, err := ipacl.NewList("10.0.0.0/8")
	require.NoError(t, err)
	l, _ := newTestListener(t, &Policy{RejectIPs: reject})

	_, ok := l.admit(&fakeConn{remote: "10.1.2.3:4000"})
	require.False(t, ok)
}

func TestAdmitEnforcesPerIPCap(t *testing.T) {
	l, count := newTestListener(t, &Policy{MaxClientsPerIP: 1})

	ci, ok := l.admit(&fakeConn{remote: "1.2.3.4:1111"})
	require.True(t, ok)
	l.clientReg.Spawn(registry.KindClient, ci)
	count.Add(1)

	_, ok = l.admit(&fakeConn{remote: "1.2.3.4:2222"})
	require.False(t, ok)
}

func TestAdmitGlobalCapAllowsReserveForWriteMatch(t *testing.T) {
	write, err := ipacl.NewList("5.5.5.0/24")
	require.NoError(t, err)
	l, count := newTestListener(t, &Policy{WriteIPs: write, MaxClients: 1})
	count.Store(1)

	_, ok := l.admit(&fakeConn{remote: "9.9.9.9:1111"})
	require.False(t, ok, "non-write address must be rejected once at cap")

	ci, ok := l.admit(&fakeConn{remote: "5.5.5.5:1111"})
	require.True(t, ok, "write-matched address gets reserve headroom")
	require.True(t, ci.WritePerm)
}

func TestAdmitCascadeOrder(t *testing.T) {
	match, err := ipacl.NewList("10.0.0.0/8")
	require.NoError(t, err)
	reject, err := ipacl.NewList("10.1.0.0/16")
	require.NoError(t, err)
	write, err := ipacl.NewList("10.2.0.0/16")
	require.NoError(t, err)

	l, count := newTestListener(t, &Policy{
		MatchIPs:   match,
		RejectIPs:  reject,
		WriteIPs:   write,
		MaxClients: 2,
	})

	// The reject list wins over the match list.
	_, ok := l.admit(&fakeConn{remote: "10.1.0.5:1000"})
	require.False(t, ok)

	// Matching, unlisted address admitted while under the cap.
	_, ok = l.admit(&fakeConn{remote: "10.3.0.5:1000"})
	require.True(t, ok)

	// At the cap, only write-matched addresses get reserve headroom.
	count.Store(2)
	ci, ok := l.admit(&fakeConn{remote: "10.2.0.5:1000"})
	require.True(t, ok)
	require.True(t, ci.WritePerm)

	_, ok = l.admit(&fakeConn{remote: "10.3.0.5:2000"})
	require.False(t, ok)
}

func TestAdmitSetsLimitPattern(t *testing.T) {
	limit, err := ipacl.NewLimitList(map[string]string{"7.7.7.0/24": "FOO.*"})
	require.NoError(t, err)
	l, _ := newTestListener(t, &Policy{LimitIPs: limit})

	ci, ok := l.admit(&fakeConn{remote: "7.7.7.7:3333"})
	require.True(t, ok)
	require.Equal(t, "FOO.*", ci.LimitPattern)
}

func TestPortStringExtractsPort(t *testing.T) {
	require.Equal(t, "16000", PortString(":16000"))
	require.Equal(t, "16000", PortString("0.0.0.0:16000"))
}
