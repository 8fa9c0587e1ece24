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

package ipacl

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestListContainsMatchesCIDR(t *testing.T) {
	l, err := NewList("192.168.1.0/24", "10.0.0.0/8")
	require.NoError(t, err)

	addr, err := ParseAddr("192.168.1.42")
	require.NoError(t, err)
	require.True(t, l.Contains(addr))

	addr2, err := ParseAddr("172.16.0.1")
	require.NoError(t, err)
	require.False(t, l.Contains(addr2))
}

func TestNilListNeverMatches(t *testing.T) {
	var l *List
	addr, err := ParseAddr("1.2.3.4")
	require.NoError(t, err)
	require.False(t, l.Contains(addr))
	require.Equal(t, 0, l.Len())
}

func TestEmptyListAlwaysRejects(t *testing.T) {
	l, err := NewList()
	require.NoError(t, err)
	addr, err := ParseAddr("8.8.8.8")
	require.NoError(t, err)
	require.False(t, l.Contains(addr))
	require.Equal(t, 0, l.Len())
}

func TestLimitListCarriesPayload(t *testing.T) {
	l, err := NewLimitList(map[string]string{
		"203.0.113.0/24": "FOO.*",
	})
	require.NoError(t, err)

	addr, err := ParseAddr("203.0.113.5")
	require.NoError(t, err)

	entry, ok := l.Match(addr)
	require.True(t, ok)
	require.Equal(t, "FOO.*", entry.Payload)
}

func TestNewListRejectsInvalidCIDR(t *testing.T) {
	_, err := NewList("not-a-cidr")
	require.Error(t, err)
}
