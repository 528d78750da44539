// Copyright Pigeonworks LLC
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package cli provides the command-line interface for go-svcgate.
package cli

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	// Version is set during build time
	Version = "dev"

	configPath string

	rootCmd = &cobra.Command{
		Use:   "go-svcgate",
		Short: "Supervise local services behind a fault-tolerant gateway",
		Long: `go-svcgate starts local services on collision-free ports and routes
requests to them through a single HTTP gateway.

Features:
  - Port leases with stale owner reclaiming (20000-30000 range)
  - Process supervision with readiness markers and active health probes
  - Sliding-window circuit breakers with fallback payloads
  - Longest-prefix routing with path rewriting
  - Status and Prometheus metrics under /_gateway/

Example:
  # Run the gateway with ./svcgate.yaml
  go-svcgate serve

  # Check a configuration file
  go-svcgate validate --config deploy/svcgate.yaml

  # Show port leases
  go-svcgate ports list`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
)

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "",
		"Config file path (defaults to $SVCGATE_CONFIG, then svcgate.yaml)")

	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(validateCmd)
	rootCmd.AddCommand(portsCmd)
	rootCmd.AddCommand(versionCmd)
}

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintf(cmd.OutOrStdout(), "go-svcgate version %s\n", Version)
	},
}
