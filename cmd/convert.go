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
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ringserver/ringserver/ring"
	"github.com/ringserver/ringserver/ring/convert"
)

var (
	convertSrcPath    string
	convertDstDir     string
	convertPktSize    uint32
	convertMaxPackets uint32
)

var convertCmd = &cobra.Command{
	Use:     "convert",
	Short:   "Migrate a V1-format ring file into the current format",
	Example: "# ringserver convert --src packetbuf.version1 --dst /var/ring",
	Run: func(cmd *cobra.Command, args []string) {
		dst, err := ring.Open(ring.Config{Dir: convertDstDir, PktSize: convertPktSize, MaxPackets: convertMaxPackets})
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to open destination ring: %v\n", err)
			os.Exit(1)
		}

		if err := convert.ConvertV1(convertSrcPath, dst); err != nil {
			fmt.Fprintf(os.Stderr, "conversion failed: %v\n", err)
			dst.Shutdown()
			os.Exit(1)
		}

		if err := dst.Shutdown(); err != nil {
			fmt.Fprintf(os.Stderr, "failed to close destination ring: %v\n", err)
			os.Exit(1)
		}
		fmt.Printf("converted %s into %s\n", convertSrcPath, convertDstDir)
	},
}

func init() {
	convertCmd.Flags().StringVar(&convertSrcPath, "src", "", "Path to the V1 packetbuf file")
	convertCmd.Flags().StringVar(&convertDstDir, "dst", "", "Directory for the migrated ring")
	convertCmd.Flags().Uint32Var(&convertPktSize, "pktsize", 512, "Destination ring packet slot size")
	convertCmd.Flags().Uint32Var(&convertMaxPackets, "maxpackets", 1_000_000, "Destination ring capacity in packets")
	convertCmd.MarkFlagRequired("src")
	convertCmd.MarkFlagRequired("dst")
	rootCmd.AddCommand(convertCmd)
}
