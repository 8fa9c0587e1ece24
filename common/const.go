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

package common

const (
	// App is the application name, used as the metrics namespace.
	App = "ringserver"

	// Version is the application version.
	Version = "v0.0.1"

	// RingIDMaximum is the sentinel packet ID: the wraparound cap for
	// monotonic pktid assignment, the earliest/latest ID of an empty ring, and
	// a reader cursor's "before earliest" position. A cursor that was never
	// positioned is marked by its own set flag, not by this value.
	RingIDMaximum uint64 = ^uint64(0) - 1

	// Reserve is headroom above maxclients usable only by addresses with write
	// permission, so producers are never locked out by read-only consumers.
	Reserve = 10
)

// RingIDMaximumInt64 is RingIDMaximum reinterpreted as the int64 bit pattern
// used by fields such as Packet.NextInStream. Declared as a variable (not a
// constant conversion) because RingIDMaximum does not fit in an int64.
var RingIDMaximumInt64 = int64(ringIDMaximumVar)

var ringIDMaximumVar uint64 = RingIDMaximum
