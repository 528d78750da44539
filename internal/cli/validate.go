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

package cli

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pigeonworks-llc/go-svcgate/internal/config"
	"github.com/spf13/cobra"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate a gateway configuration file",
	Long: `Validate loads the configuration file and checks it without starting
anything.

This command verifies:
  1. The file parses and every duration is well formed
  2. Services have a command or an external URL
  3. Routes have unique prefixes and name known services
  4. Port range, breaker and supervisor settings are usable`,
	Example: `  # Validate ./svcgate.yaml
  go-svcgate validate

  # Validate a specific file
  go-svcgate validate --config deploy/svcgate.yaml`,
	RunE: runValidate,
}

func runValidate(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	path := config.ResolvePath(configPath)

	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(out, "❌ Validation failed: %s\n", path)
		for _, line := range problems(err) {
			fmt.Fprintf(out, "  - %s\n", line)
		}
		return err
	}

	fmt.Fprintln(out, "✅ Configuration is valid!")
	fmt.Fprintln(out)
	fmt.Fprintf(out, "  Config File: %s\n", path)
	fmt.Fprintf(out, "  Gateway:     %s\n", cfg.Gateway.Addr)
	fmt.Fprintf(out, "  Ports:       %d-%d\n", cfg.Ports.Start, cfg.Ports.End)
	fmt.Fprintf(out, "  Services:    %d\n", len(cfg.Services))
	fmt.Fprintf(out, "  Routes:      %d\n", len(cfg.Routes))
	fmt.Fprintf(out, "  Fallback:    %s\n", cfg.Fallback)

	return nil
}

// problems flattens a joined validation error into one line per problem.
func problems(err error) []string {
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		var lines []string
		for _, e := range joined.Unwrap() {
			lines = append(lines, e.Error())
		}
		return lines
	}
	return strings.Split(err.Error(), "\n")
}
