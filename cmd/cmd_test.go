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

package cmd

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestRootCommandCarriesVersion(t *testing.T) {
	require.Equal(t, "ringserver", rootCmd.Use)
	require.NotEmpty(t, rootCmd.Version)
}

func TestConvertCommandIsRegisteredUnderRoot(t *testing.T) {
	found := false
	for _, c := range rootCmd.Commands() {
		if c.Name() == "convert" {
			found = true
		}
	}
	require.True(t, found)
}

func TestConvertCommandDeclaresSrcAndDstFlags(t *testing.T) {
	srcFlag := convertCmd.Flags().Lookup("src")
	dstFlag := convertCmd.Flags().Lookup("dst")
	require.NotNil(t, srcFlag)
	require.NotNil(t, dstFlag)
	require.NotEmpty(t, srcFlag.Annotations, "MarkFlagRequired should annotate the flag")
}

func TestConvertCommandDefaultsPktSizeAndMaxPackets(t *testing.T) {
	require.Equal(t, uint32(512), convertPktSize)
	require.Equal(t, uint32(1_000_000), convertMaxPackets)
}
