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

import (
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestOptionsGetIntCoercesFromString(t *testing.T) {
	o := NewOptions()
	o.Merge("maxselectors", "4")
	n, err := o.GetInt("maxselectors")
	require.NoError(t, err)
	require.Equal(t, 4, n)
}

func TestOptionsGetBoolCoercesFromString(t *testing.T) {
	o := NewOptions()
	o.Merge("verbose", "true")
	b, err := o.GetBool("verbose")
	require.NoError(t, err)
	require.True(t, b)
}

func TestOptionsGetStringSliceFromStringSlice(t *testing.T) {
	o := NewOptions()
	o.Merge("selectors", []string{"FDSN", "HHZ"})
	s, err := o.GetStringSlice("selectors")
	require.NoError(t, err)
	require.Equal(t, []string{"FDSN", "HHZ"}, s)
}

func TestOptionsMergeOverwritesExistingKey(t *testing.T) {
	o := NewOptions()
	o.Merge("maxselectors", 1)
	o.Merge("maxselectors", 2)
	n, err := o.GetInt("maxselectors")
	require.NoError(t, err)
	require.Equal(t, 2, n)
}

func TestConcurrencyIsTwiceNumCPU(t *testing.T) {
	require.Equal(t, runtime.NumCPU()*2, Concurrency())
}

func TestStartedIsProcessStartTimestamp(t *testing.T) {
	require.InDelta(t, time.Now().Unix(), Started(), 5)
}

func TestGetBuildInfoReturnsLinkTimeDefaults(t *testing.T) {
	bi := GetBuildInfo()
	require.Equal(t, "", bi.Version)
}
