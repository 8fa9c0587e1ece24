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
	"time"

	"github.com/ringserver/ringserver/common"
	"github.com/ringserver/ringserver/registry"
)

// Snapshot is the structured state dump the supervisor produces on SIGUSR1
// and serves from the HTTP /status route.
type Snapshot struct {
	EarliestID    uint64
	LatestID      uint64
	StreamCount   int
	LastWriteTime int64

	TxPacketRate float64
	TxByteRate   float64
	RxPacketRate float64
	RxByteRate   float64

	ListenerThreads int
	ScannerThreads  int
	ClientThreads   int
	ClientCount     int64

	ShutdownSig int32

	// UptimeSeconds is seconds since process start, not since ring open.
	UptimeSeconds int64
}

// DumpState returns a point-in-time snapshot of ring and server
// parameters without disturbing the running server.
func (sv *Supervisor) DumpState() Snapshot {
	txp, txb, rxp, rxb := sv.r.Rates()
	counts := sv.kindCounts()

	return Snapshot{
		EarliestID:      sv.r.EarliestID(),
		LatestID:        sv.r.LatestID(),
		StreamCount:     sv.r.StreamIndex().Len(),
		LastWriteTime:   sv.r.LastWriteTime(),
		TxPacketRate:    txp,
		TxByteRate:      txb,
		RxPacketRate:    rxp,
		RxByteRate:      rxb,
		ListenerThreads: counts[registry.KindListener],
		ScannerThreads:  counts[registry.KindScanner],
		ClientThreads:   sv.clientReg.Len(),
		ClientCount:     sv.clientCount.Load(),
		ShutdownSig:     sv.shutdownSig.Load(),
		UptimeSeconds:   time.Now().Unix() - common.Started(),
	}
}

// kindCounts tallies server-thread entries by kind.
func (sv *Supervisor) kindCounts() map[registry.Kind]int {
	counts := make(map[registry.Kind]int)
	sv.serverReg.Each(func(e *registry.Entry) {
		counts[e.Kind()]++
	})
	return counts
}
