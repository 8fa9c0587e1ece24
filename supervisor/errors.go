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

import "github.com/pkg/errors"

// ErrShutdownDeadlock is returned from Run when the shutdown watchdog
// bound (~10s after shutdown initiation) elapses with threads still
// outstanding.
var ErrShutdownDeadlock = errors.New("supervisor: shutdown deadlock, giving up")
