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
	"net"
	"sync/atomic"
	"time"

	"github.com/ringserver/ringserver/common"
	"github.com/ringserver/ringserver/ring"
)

// ArchiveWriter mirrors outgoing packets to a filesystem archive;
// implementations live outside this package.
type ArchiveWriter interface {
	Write(streamKey string, payload []byte) error
	Close() error
}

// ClientInfo is the per-connection state a Listener constructs and a
// client worker drives.
type ClientInfo struct {
	Conn       net.Conn
	RemoteAddr string
	ServerPort string
	Protocols  []string
	TLS        bool

	WritePerm bool
	Trusted   bool

	// LimitPattern constrains this client's allowed subscriptions when the
	// limitips policy matched its address.
	LimitPattern string

	ConnectTime int64 // nanoseconds since epoch

	// lastExchange is updated by the client worker on every read/write and
	// polled by the supervisor's idle-reaping sweep; idle timeouts are
	// enforced there, not by the worker.
	lastExchange atomic.Int64

	Cursor  *ring.Cursor
	Archive ArchiveWriter

	// Negotiated holds protocol-handshake parameters a ProtocolHandler picks
	// up off the wire (e.g. DL selector strings, HTTP query flags) that
	// don't warrant a dedicated field on ClientInfo.
	Negotiated common.Options

	// Counters the client worker increments; CalcStats reads and shifts
	// them into rate history once per supervisor tick.
	txPackets atomic.Uint64
	txBytes   atomic.Uint64
	rxPackets atomic.Uint64
	rxBytes   atomic.Uint64

	// Rate-meter history, touched only by CalcStats (called from a single
	// supervisor goroutine, never concurrently for the same client).
	prevTxPackets uint64
	prevTxBytes   uint64
	prevRxPackets uint64
	prevRxBytes   uint64
	rateTime      int64

	TxPacketRate float64
	TxByteRate   float64
	RxPacketRate float64
	RxByteRate   float64
	PercentLag   int
}

func NewClientInfo(conn net.Conn, remoteAddr, serverPort string) *ClientInfo {
	ci := &ClientInfo{Conn: conn, RemoteAddr: remoteAddr, ServerPort: serverPort, Negotiated: common.NewOptions()}
	now := time.Now().UnixNano()
	ci.ConnectTime = now
	ci.lastExchange.Store(now)
	return ci
}

func (ci *ClientInfo) LastExchange() int64 { return ci.lastExchange.Load() }

// Rates returns the client's last-computed tx/rx packet/byte rates, read
// by the supervisor's per-tick aggregation.
func (ci *ClientInfo) Rates() (txPacketRate, txByteRate, rxPacketRate, rxByteRate float64) {
	return ci.TxPacketRate, ci.TxByteRate, ci.RxPacketRate, ci.RxByteRate
}

// Touch records a read/write exchange, resetting the idle-timeout clock.
func (ci *ClientInfo) Touch() { ci.lastExchange.Store(time.Now().UnixNano()) }

func (ci *ClientInfo) AddTx(packets, bytes uint64) {
	ci.txPackets.Add(packets)
	ci.txBytes.Add(bytes)
}

func (ci *ClientInfo) AddRx(packets, bytes uint64) {
	ci.rxPackets.Add(packets)
	ci.rxBytes.Add(bytes)
}

// CalcStats recomputes percent lag and tx/rx rates: dt = max(now-ratetime,
// 1s), first call (ratetime == 0) uses dt = 1s, then shifts current counts
// into the previous-snapshot history.
func (ci *ClientInfo) CalcStats() {
	if ci.Cursor != nil {
		ci.PercentLag = ci.Cursor.PercentLag()
	}

	now := time.Now().UnixNano()
	var deltaSec float64
	if ci.rateTime == 0 {
		deltaSec = 1.0
	} else {
		deltaSec = float64(now-ci.rateTime) / float64(time.Second)
		if deltaSec < 1.0 {
			deltaSec = 1.0
		}
	}

	curTxPackets := ci.txPackets.Load()
	curTxBytes := ci.txBytes.Load()
	if curTxPackets > 0 {
		ci.TxPacketRate = float64(curTxPackets-ci.prevTxPackets) / deltaSec
		ci.TxByteRate = float64(curTxBytes-ci.prevTxBytes) / deltaSec
		ci.prevTxPackets = curTxPackets
		ci.prevTxBytes = curTxBytes
	}

	curRxPackets := ci.rxPackets.Load()
	curRxBytes := ci.rxBytes.Load()
	if curRxPackets > 0 {
		ci.RxPacketRate = float64(curRxPackets-ci.prevRxPackets) / deltaSec
		ci.RxByteRate = float64(curRxBytes-ci.prevRxBytes) / deltaSec
		ci.prevRxPackets = curRxPackets
		ci.prevRxBytes = curRxBytes
	}

	ci.rateTime = now
}
