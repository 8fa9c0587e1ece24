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

package sigs

import (
	"os"
	"os/signal"
	"syscall"
)

// Terminate returns a channel fed by SIGINT/SIGTERM, the shutdown signals.
func Terminate() chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, os.Interrupt, syscall.SIGTERM)
	return ch
}

// Reload returns a channel fed by SIGHUP, the config-reload signal.
func Reload() chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGHUP)
	return ch
}

// SelfReload sends this process a SIGHUP, e.g. in response to an HTTP
// reload request so the watchdog loop picks it up on its normal path.
func SelfReload() error {
	return syscall.Kill(syscall.Getpid(), syscall.SIGHUP)
}

// Dump returns a channel fed by SIGUSR1, the state-dump signal: on receipt
// the supervisor writes a snapshot of ring, registry and listener state to
// the log at info level without otherwise disturbing the running server.
func Dump() chan os.Signal {
	ch := make(chan os.Signal, 1)
	signal.Notify(ch, syscall.SIGUSR1)
	return ch
}
