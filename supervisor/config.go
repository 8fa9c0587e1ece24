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

import "time"

// EndpointConfig describes one configured listening endpoint.
type EndpointConfig struct {
	Address  string `config:"address"`
	Protocol string `config:"protocol"`
	TLS      bool   `config:"tls"`
}

// Config is the supervisor's unpacked configuration, covering ring
// geometry, admission caps, timeouts, IP policy lists and the endpoint
// list.
type Config struct {
	RingDir    string `config:"ringDir"`
	PktSize    uint32 `config:"pktSize"`
	MaxPackets uint32 `config:"maxPackets"`

	Endpoints []EndpointConfig `config:"endpoints"`

	MatchIPs   []string          `config:"matchips"`
	RejectIPs  []string          `config:"rejectips"`
	WriteIPs   []string          `config:"writeips"`
	TrustedIPs []string          `config:"trustedips"`
	LimitIPs   map[string]string `config:"limitips"`

	MaxClientsPerIP int `config:"maxClientsPerIP"`
	MaxClients      int `config:"maxClients"`

	ClientTimeout time.Duration `config:"clientTimeout"`

	// TransferLogWindow is the accumulation interval described in the
	// glossary's "Window (transfer-log)" entry. Zero disables transfer
	// logging.
	TransferLogWindow time.Duration `config:"transferLogWindow"`
}
