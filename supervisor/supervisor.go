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

// Package supervisor implements the watchdog loop: thread status review,
// idle-client reaping, rate aggregation, config reload and transfer-log
// window rollover, signal-driven shutdown.
package supervisor

import (
	"context"
	"os"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/pkg/errors"

	"github.com/ringserver/ringserver/confengine"
	"github.com/ringserver/ringserver/internal/pubsub"
	"github.com/ringserver/ringserver/ipacl"
	"github.com/ringserver/ringserver/listener"
	"github.com/ringserver/ringserver/logger"
	"github.com/ringserver/ringserver/persistence"
	"github.com/ringserver/ringserver/registry"
	"github.com/ringserver/ringserver/ring"
)

// snapshotQueueSize bounds the per-subscriber backlog of a status-stream
// watcher; Push drops a snapshot rather than block the watchdog loop.
const snapshotQueueSize = 4

const (
	tickNormal   = 250 * time.Millisecond
	tickShutdown = 100 * time.Millisecond

	// shutdownDeadlockTicks bounds shutdown to roughly 10s at the 100ms
	// post-initiation tick rate.
	shutdownDeadlockTicks = 100
)

// Publisher is the narrow producer-facing interface a Scanner writes
// through; it is the subset of *ring.Ring a filesystem-scan producer
// needs.
type Publisher interface {
	Write(streamKey string, startTime, endTime int64, payload []byte) (uint64, error)
}

// Scanner is the interface an auxiliary filesystem-scan producer
// implements to feed packets into the ring.
type Scanner interface {
	Name() string
	Run(ctx context.Context, pub Publisher) error
}

// Supervisor owns the ring, the two thread registries, and the admission
// policy, and drives the watchdog loop.
type Supervisor struct {
	cfg      Config
	confPath string

	r *ring.Ring

	serverReg *registry.Registry
	clientReg *registry.Registry

	clientCount atomic.Int64

	policy    *listener.PolicyHolder
	listeners []*listener.Listener
	handler   listener.ProtocolHandler

	scanners    []Scanner
	scanCancels []context.CancelFunc

	shutdownSig   atomic.Int32 // 0=running, 1=requested, 2=initiated
	shutdownTicks int

	tlogWindowStart int64
	tlogWindowEnd   int64
	configResetFlag bool

	configFileMtime time.Time

	// bus fans out DumpState snapshots to status-stream subscribers, e.g.
	// an SSE-style status route, one per watchdog tick.
	bus *pubsub.PubSub
}

// Subscribe registers a watcher that receives a Snapshot every watchdog
// tick; callers must Close the returned Queue when done watching.
func (sv *Supervisor) Subscribe() pubsub.Queue {
	return sv.bus.Subscribe(snapshotQueueSize)
}

// New opens (or recovers) the ring and constructs a Supervisor ready to
// Run. handler serves admitted connections; confPath, if non-empty, is
// polled for mtime-driven reload.
func New(cfg Config, confPath string, handler listener.ProtocolHandler, scanners []Scanner) (*Supervisor, error) {
	r, err := persistence.Open(ring.Config{Dir: cfg.RingDir, PktSize: cfg.PktSize, MaxPackets: cfg.MaxPackets})
	if err != nil {
		return nil, errors.Wrap(err, "supervisor: open ring")
	}

	policy, err := buildPolicy(cfg)
	if err != nil {
		r.Shutdown()
		return nil, err
	}

	sv := &Supervisor{
		cfg:       cfg,
		confPath:  confPath,
		r:         r,
		serverReg: registry.New(),
		clientReg: registry.New(),
		policy:    listener.NewPolicyHolder(policy),
		handler:   handler,
		scanners:  scanners,
		bus:       pubsub.New(),
	}
	if confPath != "" {
		if info, err := os.Stat(confPath); err == nil {
			sv.configFileMtime = info.ModTime()
		}
	}
	sv.recomputeWindow(time.Now())
	return sv, nil
}

func buildPolicy(cfg Config) (*listener.Policy, error) {
	var merr *multierror.Error

	match, err := ipacl.NewList(cfg.MatchIPs...)
	merr = multierror.Append(merr, err)
	reject, err := ipacl.NewList(cfg.RejectIPs...)
	merr = multierror.Append(merr, err)
	write, err := ipacl.NewList(cfg.WriteIPs...)
	merr = multierror.Append(merr, err)
	trusted, err := ipacl.NewList(cfg.TrustedIPs...)
	merr = multierror.Append(merr, err)
	limit, err := ipacl.NewLimitList(cfg.LimitIPs)
	merr = multierror.Append(merr, err)

	if err := merr.ErrorOrNil(); err != nil {
		return nil, errors.Wrap(err, "supervisor: compile IP policy lists")
	}

	return &listener.Policy{
		MatchIPs:        emptyToNil(match),
		RejectIPs:       emptyToNil(reject),
		WriteIPs:        emptyToNil(write),
		TrustedIPs:      emptyToNil(trusted),
		LimitIPs:        limit,
		MaxClientsPerIP: cfg.MaxClientsPerIP,
		MaxClients:      cfg.MaxClients,
	}, nil
}

func emptyToNil(l *ipacl.List) *ipacl.List {
	if l == nil || l.Len() == 0 {
		return nil
	}
	return l
}

// Ring exposes the underlying packet ring, e.g. for an HTTP status route.
func (sv *Supervisor) Ring() *ring.Ring { return sv.r }

// Start binds every configured endpoint and spawns its accept loop, and
// starts every configured Scanner. Called once before Run.
func (sv *Supervisor) Start() error {
	for _, ep := range sv.cfg.Endpoints {
		l := listener.New(listener.Config{Address: ep.Address, Protocol: ep.Protocol, TLS: ep.TLS}, sv.policy, sv.handler, sv.clientReg, &sv.clientCount)
		if err := l.Bind(); err != nil {
			return err
		}
		sv.listeners = append(sv.listeners, l)

		entry := sv.serverReg.Spawn(registry.KindListener, l)
		go l.Serve(entry)
	}

	for _, s := range sv.scanners {
		ctx, cancel := context.WithCancel(context.Background())
		sv.scanCancels = append(sv.scanCancels, cancel)
		entry := sv.serverReg.Spawn(registry.KindScanner, s)
		go sv.runScanner(ctx, entry, s)
	}

	return nil
}

func (sv *Supervisor) runScanner(ctx context.Context, entry *registry.Entry, s Scanner) {
	entry.SetState(registry.StateActive)
	defer entry.SetState(registry.StateClosed)

	if err := s.Run(ctx, sv.r); err != nil && ctx.Err() == nil {
		logger.Errorf("scanner %s: %v", s.Name(), err)
	}
}

// RequestShutdown transitions shutdownsig 0->1, observed by the next
// watchdog tick. Called from the signal-router goroutine on TERM/INT.
func (sv *Supervisor) RequestShutdown() {
	sv.shutdownSig.CompareAndSwap(0, 1)
}

// Run executes the watchdog loop until shutdown completes or ctx is
// canceled. While healthy it sleeps in ticks but runs a full pass only
// once per second. The tick sleep itself is not interrupted by a shutdown
// request; once one is pending, the once-per-second gate is dropped, so the
// next pass runs at the end of the current tick and every later tick
// (100ms) runs a pass.
func (sv *Supervisor) Run(ctx context.Context) error {
	var lastPass time.Time
	for {
		tick := tickNormal
		if sv.shutdownSig.Load() >= 1 {
			tick = tickShutdown
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(tick):
		}

		if sv.shutdownSig.Load() == 0 && time.Since(lastPass) < time.Second {
			continue
		}
		lastPass = time.Now()

		if done, err := sv.step(); done {
			return err
		}
	}
}

// step runs one watchdog tick and reports whether Run should return.
func (sv *Supervisor) step() (bool, error) {
	now := time.Now()

	// Step 1: shutdown initiation, once, on the 1->2 transition.
	if sv.shutdownSig.CompareAndSwap(1, 2) {
		sv.initiateShutdown()
	}

	// Step 2: shutdown deadlock watchdog.
	if sv.shutdownSig.Load() >= 2 {
		sv.shutdownTicks++
		if sv.shutdownTicks >= shutdownDeadlockTicks {
			logger.Errorf("supervisor: shutdown deadlock after %d ticks, giving up", sv.shutdownTicks)
			return true, ErrShutdownDeadlock
		}
	}

	// Step 3: transfer-log window rollover.
	flush := sv.cfg.TransferLogWindow > 0 && now.UnixNano() >= sv.tlogWindowEnd

	// Step 4: server-thread sweep.
	sv.sweepServerThreads()

	// Step 5: client-thread sweep.
	sv.sweepClientThreads(now, flush)

	// Step 6: publish aggregated rates.
	sv.publishRates()
	if sv.bus.Num() > 0 {
		sv.bus.Publish(sv.DumpState())
	}

	// Step 7: config reload.
	if sv.confPath != "" && sv.shutdownSig.Load() == 0 {
		sv.maybeReload()
	}

	// Step 8: window recompute.
	if flush || sv.configResetFlag {
		sv.recomputeWindow(now)
		sv.configResetFlag = false
	}

	// Step 9: exit condition.
	if sv.shutdownSig.Load() >= 2 && sv.clientReg.Len() == 0 && sv.serverReg.Len() == 0 {
		logger.Infof("supervisor: shutdown complete")
		return true, nil
	}

	return false, nil
}

// initiateShutdown requests CLOSE on every scanner, listener and client
// entry, then closes every listener's socket so a blocked Accept returns
// and observes the already-requested state.
func (sv *Supervisor) initiateShutdown() {
	logger.Infof("supervisor: shutdown initiated")

	sv.serverReg.Each(func(e *registry.Entry) { e.RequestClose() })
	sv.clientReg.Each(func(e *registry.Entry) { e.RequestClose() })

	for _, l := range sv.listeners {
		if err := l.Close(); err != nil {
			logger.Warnf("supervisor: close listener: %v", err)
		}
	}
	for _, cancel := range sv.scanCancels {
		cancel()
	}
}

// sweepServerThreads reaps CLOSED listener/scanner entries. A reaped
// entry is simply removed; recreating a crashed listener is Start's job,
// not the sweep's.
func (sv *Supervisor) sweepServerThreads() {
	sv.serverReg.Each(func(e *registry.Entry) {
		if e.State() == registry.StateClosed {
			sv.serverReg.Remove(e.ID())
		}
	})
}

func (sv *Supervisor) sweepClientThreads(now time.Time, flush bool) {
	sv.clientReg.Each(func(e *registry.Entry) {
		ci, ok := e.Params.(interface {
			CalcStats()
			LastExchange() int64
		})
		if !ok {
			return
		}

		if e.State() == registry.StateClosed {
			sv.clientReg.Remove(e.ID())
			sv.clientCount.Add(-1)
			return
		}

		ci.CalcStats()

		if flush {
			sv.emitTransferLogLine(e)
		}

		if sv.cfg.ClientTimeout > 0 && now.UnixNano()-ci.LastExchange() > sv.cfg.ClientTimeout.Nanoseconds() {
			e.RequestClose()
		}
	})
}

// emitTransferLogLine is the hook a configured TransferLogger would use;
// transfer-log rotation lives outside this package, so by default this
// only emits a debug-level line.
func (sv *Supervisor) emitTransferLogLine(e *registry.Entry) {
	logger.Debugf("transfer-log: thread=%s", e.ID())
}

func (sv *Supervisor) publishRates() {
	var txPackets, txBytes, rxPackets, rxBytes float64

	type rateSource interface {
		Rates() (float64, float64, float64, float64)
	}
	sv.clientReg.Each(func(e *registry.Entry) {
		rs, ok := e.Params.(rateSource)
		if !ok {
			return
		}
		tp, tb, rp, rb := rs.Rates()
		txPackets += tp
		txBytes += tb
		rxPackets += rp
		rxBytes += rb
	})

	sv.r.PublishRates(txPackets, txBytes, rxPackets, rxBytes)
}

func (sv *Supervisor) maybeReload() {
	if sv.confPath == "" {
		return
	}
	info, err := os.Stat(sv.confPath)
	if err != nil {
		return
	}
	if !info.ModTime().After(sv.configFileMtime) {
		return
	}

	logger.Infof("supervisor: re-reading configuration from %s", sv.confPath)
	conf, err := confengine.LoadConfigPath(sv.confPath)
	if err != nil {
		logger.Errorf("supervisor: reload %s: %v", sv.confPath, err)
		return
	}

	var cfg Config
	if err := conf.UnpackChild("supervisor", &cfg); err != nil {
		logger.Errorf("supervisor: unpack reloaded config: %v", err)
		return
	}

	policy, err := buildPolicy(cfg)
	if err != nil {
		logger.Errorf("supervisor: reload IP policy: %v", err)
		return
	}

	sv.policy.Store(policy)
	sv.cfg.ClientTimeout = cfg.ClientTimeout
	sv.cfg.TransferLogWindow = cfg.TransferLogWindow

	sv.configFileMtime = info.ModTime()
	sv.configResetFlag = true
}

func (sv *Supervisor) recomputeWindow(now time.Time) {
	sv.tlogWindowStart = now.UnixNano()
	if sv.cfg.TransferLogWindow > 0 {
		sv.tlogWindowEnd = sv.tlogWindowStart + sv.cfg.TransferLogWindow.Nanoseconds()
	} else {
		sv.tlogWindowEnd = 0
	}
}

// Shutdown persists the StreamIndex sidecar and unmaps the ring. Called
// after Run returns cleanly.
func (sv *Supervisor) Shutdown() error {
	if err := persistence.SaveIndex(sv.cfg.RingDir, sv.r); err != nil {
		logger.Warnf("supervisor: save stream index: %v", err)
	}
	return sv.r.Shutdown()
}
