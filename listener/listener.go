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

// Package listener implements the per-endpoint acceptor and the ordered
// admission cascade applied to every accepted connection before it is
// handed to a protocol handler.
package listener

import (
	"context"
	"net"
	"strconv"
	"sync/atomic"

	"github.com/pkg/errors"

	"github.com/ringserver/ringserver/common"
	"github.com/ringserver/ringserver/internal/rescue"
	"github.com/ringserver/ringserver/ipacl"
	"github.com/ringserver/ringserver/logger"
	"github.com/ringserver/ringserver/registry"
)

// ProtocolHandler serves the wire-level SL/DL/HTTP protocol on an
// admitted connection; implementations live outside this package.
type ProtocolHandler interface {
	Name() string
	Serve(ctx context.Context, conn net.Conn, info *registry.ClientInfo) error
}

// NoopHandler accepts a connection and immediately closes it. It stands
// in for a real ProtocolHandler (SL/DL/HTTP) wherever none is configured,
// so the admission cascade and thread bookkeeping can be exercised
// without any wire-level parsing.
type NoopHandler struct{}

func (NoopHandler) Name() string { return "noop" }

func (NoopHandler) Serve(_ context.Context, _ net.Conn, _ *registry.ClientInfo) error {
	return nil
}

// Policy bundles the IP policy lists and client caps a Listener enforces
// during its admission cascade. A Policy is immutable once built; reloads
// construct a new one and swap it into the shared PolicyHolder.
type Policy struct {
	MatchIPs   *ipacl.List
	RejectIPs  *ipacl.List
	WriteIPs   *ipacl.List
	TrustedIPs *ipacl.List
	LimitIPs   *ipacl.List

	MaxClientsPerIP int
	MaxClients      int
}

// PolicyHolder is the process-wide atomic snapshot pointer every Listener
// reads its Policy through.
type PolicyHolder struct {
	p atomic.Pointer[Policy]
}

func NewPolicyHolder(p *Policy) *PolicyHolder {
	h := &PolicyHolder{}
	h.p.Store(p)
	return h
}

func (h *PolicyHolder) Load() *Policy   { return h.p.Load() }
func (h *PolicyHolder) Store(p *Policy) { h.p.Store(p) }

// Config describes one configured endpoint.
type Config struct {
	Address  string // "host:port" to net.Listen on
	Protocol string // label used in ClientInfo.Protocols and logging
	TLS      bool
}

// Listener accepts connections for one endpoint and dispatches them to a
// ProtocolHandler after the admission cascade.
type Listener struct {
	cfg     Config
	policy  *PolicyHolder
	handler ProtocolHandler

	clientReg   *registry.Registry
	clientCount *atomic.Int64

	ln net.Listener
}

func New(cfg Config, policy *PolicyHolder, handler ProtocolHandler, clientReg *registry.Registry, clientCount *atomic.Int64) *Listener {
	return &Listener{cfg: cfg, policy: policy, handler: handler, clientReg: clientReg, clientCount: clientCount}
}

// Bind opens the listening socket. Called by the supervisor before
// spawning Serve in its own goroutine, so a bind failure surfaces
// synchronously at startup.
func (l *Listener) Bind() error {
	ln, err := net.Listen("tcp", l.cfg.Address)
	if err != nil {
		return errors.Wrapf(err, "listener: bind %s", l.cfg.Address)
	}
	l.ln = ln
	return nil
}

// Close closes the listening socket, causing a blocked Accept to return
// an error and Serve's loop to exit.
func (l *Listener) Close() error {
	if l.ln == nil {
		return nil
	}
	return l.ln.Close()
}

// Serve runs the accept loop until Accept fails, which is how closing the
// listener stops it; the entry's state is consulted only then, to skip
// logging the error when a close was requested. Each admitted connection is
// dispatched to its own goroutine running the configured ProtocolHandler.
func (l *Listener) Serve(entry *registry.Entry) {
	entry.SetState(registry.StateActive)
	logger.Infof("Listening for connections on %s (%s)", l.cfg.Address, l.cfg.Protocol)

	defer entry.SetState(registry.StateClosed)

	for {
		conn, err := l.ln.Accept()
		if err != nil {
			if entry.State() == registry.StateClose || entry.State() == registry.StateClosing {
				return
			}
			logger.Errorf("listener %s: accept: %v", l.cfg.Address, err)
			return
		}

		if tcp, ok := conn.(*net.TCPConn); ok {
			_ = tcp.SetNoDelay(true)
		}

		ci, ok := l.admit(conn)
		if !ok {
			conn.Close()
			continue
		}

		clientEntry := l.clientReg.Spawn(registry.KindClient, ci)
		l.clientCount.Add(1)

		go l.runClient(clientEntry, ci)
	}
}

// admit runs the admission cascade in order, short-circuiting on the
// first rejection: match list, reject list, per-IP cap, global cap with
// reserve headroom for write-permitted addresses.
func (l *Listener) admit(conn net.Conn) (*registry.ClientInfo, bool) {
	policy := l.policy.Load()

	host, port, err := net.SplitHostPort(conn.RemoteAddr().String())
	if err != nil {
		logger.Errorf("listener %s: split remote addr: %v", l.cfg.Address, err)
		return nil, false
	}
	addr, err := ipacl.ParseAddr(host)
	if err != nil {
		logger.Errorf("listener %s: parse remote addr: %v", l.cfg.Address, err)
		return nil, false
	}

	if policy.MatchIPs != nil && !policy.MatchIPs.Contains(addr) {
		logger.Infof("Rejecting non-matching connection from %s:%s", host, port)
		return nil, false
	}

	if policy.RejectIPs != nil && policy.RejectIPs.Contains(addr) {
		logger.Infof("Rejecting connection from %s:%s", host, port)
		return nil, false
	}

	writeMatch := policy.WriteIPs != nil && policy.WriteIPs.Contains(addr)

	if policy.MaxClientsPerIP > 0 && !writeMatch {
		if l.countByAddr(host) >= policy.MaxClientsPerIP {
			logger.Infof("Too many connections from %s:%s", host, port)
			return nil, false
		}
	}

	if policy.MaxClients > 0 {
		count := int(l.clientCount.Load())
		if count >= policy.MaxClients {
			if writeMatch && count <= policy.MaxClients+common.Reserve {
				logger.Infof("Allowing connection in reserve space from %s:%s", host, port)
			} else {
				logger.Infof("Maximum number of clients exceeded: %d, rejecting %s:%s", policy.MaxClients, host, port)
				return nil, false
			}
		}
	}

	ci := registry.NewClientInfo(conn, net.JoinHostPort(host, port), l.cfg.Address)
	ci.Protocols = []string{l.cfg.Protocol}
	ci.TLS = l.cfg.TLS
	ci.WritePerm = writeMatch
	ci.Trusted = policy.TrustedIPs != nil && policy.TrustedIPs.Contains(addr)

	if policy.LimitIPs != nil {
		if entry, ok := policy.LimitIPs.Match(addr); ok {
			ci.LimitPattern = entry.Payload
		}
	}

	return ci, true
}

func (l *Listener) countByAddr(host string) int {
	count := 0
	l.clientReg.Each(func(e *registry.Entry) {
		ci, ok := e.Params.(*registry.ClientInfo)
		if !ok {
			return
		}
		h, _, err := net.SplitHostPort(ci.RemoteAddr)
		if err == nil && h == host {
			count++
		}
	})
	return count
}

func (l *Listener) runClient(entry *registry.Entry, ci *registry.ClientInfo) {
	defer rescue.HandleCrash()

	entry.SetState(registry.StateActive)
	defer entry.SetState(registry.StateClosed)
	defer ci.Conn.Close()

	// Cooperative cancellation: the supervisor requests CLOSE
	// on the entry; this watcher turns that into a context cancel and a
	// socket close so a handler blocked in I/O returns promptly.
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-entry.CloseNotify():
			entry.SetState(registry.StateClosing)
			cancel()
			ci.Conn.Close()
		case <-ctx.Done():
		}
	}()

	if err := l.handler.Serve(ctx, ci.Conn, ci); err != nil && ctx.Err() == nil {
		logger.Warnf("client %s: %v", ci.RemoteAddr, err)
	}
}

// PortString extracts the numeric port from an endpoint address, for log
// lines that only want the port.
func PortString(addr string) string {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return addr
	}
	if _, err := strconv.Atoi(port); err != nil {
		return addr
	}
	return port
}
