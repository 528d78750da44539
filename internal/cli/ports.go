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
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"strings"
	"time"

	"github.com/pigeonworks-llc/go-svcgate/internal/config"
	"github.com/pigeonworks-llc/go-svcgate/pkg/procinspect"
	"github.com/pigeonworks-llc/go-svcgate/pkg/state"
	"github.com/spf13/cobra"
)

var (
	portsBackend   string
	portsStatePath string
	listFormat     string
	releaseAll     bool
)

var portsCmd = &cobra.Command{
	Use:   "ports",
	Short: "Inspect and manage port leases",
	Long: `Ports works on the lease record shared by every go-svcgate instance.

The store is taken from --backend and --state when given, otherwise from
the state section of the configuration file, otherwise the default file
store under ~/.go-svcgate.`,
}

var portsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List port leases",
	Long: `List all active and stale port leases.

A lease is stale when its owner process is no longer running.`,
	Example: `  # List leases in table format
  go-svcgate ports list

  # List in JSON format
  go-svcgate ports list --format json`,
	Args: cobra.NoArgs,
	RunE: runPortsList,
}

var portsReleaseCmd = &cobra.Command{
	Use:   "release [service...]",
	Short: "Release port leases",
	Long: `Release removes leases from the record so their ports can be handed
to other services. Running processes are not signalled.`,
	Example: `  # Release one lease
  go-svcgate ports release api

  # Release every lease
  go-svcgate ports release --all`,
	RunE: runPortsRelease,
}

var portsPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Remove leases whose owner process has exited",
	Args:  cobra.NoArgs,
	RunE:  runPortsPrune,
}

func init() {
	portsCmd.PersistentFlags().StringVar(&portsBackend, "backend", "", "Lease store backend (file, sqlite)")
	portsCmd.PersistentFlags().StringVar(&portsStatePath, "state", "", "Lease store path")

	portsListCmd.Flags().StringVar(&listFormat, "format", "table", "Output format (table, json)")
	portsReleaseCmd.Flags().BoolVar(&releaseAll, "all", false, "Release every lease")

	portsCmd.AddCommand(portsListCmd)
	portsCmd.AddCommand(portsReleaseCmd)
	portsCmd.AddCommand(portsPruneCmd)
}

// openStore resolves the lease store from flags, then config, then defaults.
func openStore() (state.Store, error) {
	backend, path := portsBackend, portsStatePath
	if backend == "" && path == "" {
		cfg, err := config.Load(config.ResolvePath(configPath))
		switch {
		case err == nil:
			backend, path = cfg.State.Backend, cfg.State.Path
		case errors.Is(err, fs.ErrNotExist):
		default:
			return nil, fmt.Errorf("failed to load config: %w", err)
		}
	}

	store, err := state.Open(backend, path)
	if err != nil {
		return nil, fmt.Errorf("failed to open lease store: %w", err)
	}
	return store, nil
}

func runPortsList(cmd *cobra.Command, args []string) error {
	if listFormat != "table" && listFormat != "json" {
		return fmt.Errorf("unknown format: %s", listFormat)
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	leases, err := store.List()
	if err != nil {
		return fmt.Errorf("failed to list leases: %w", err)
	}

	out := cmd.OutOrStdout()
	if listFormat == "json" {
		return outputListJSON(out, leases)
	}

	if len(leases) == 0 {
		fmt.Fprintln(out, "No leases found")
		return nil
	}
	outputListTable(out, leases)

	if last, err := store.LastReconciled(); err == nil && !last.IsZero() {
		fmt.Fprintf(out, "Last pruned: %s\n", formatTimeAgo(last))
	}
	return nil
}

func outputListJSON(out io.Writer, leases []*state.Lease) error {
	output := make([]map[string]interface{}, 0, len(leases))
	for _, lease := range leases {
		output = append(output, map[string]interface{}{
			"service":     lease.Service,
			"port":        lease.Port,
			"owner_pid":   lease.OwnerPID,
			"owner":       procinspect.ProcessName(lease.OwnerPID),
			"status":      state.GetLeaseStatus(lease),
			"reserved_at": lease.ReservedAt.Format(time.RFC3339),
		})
	}

	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(output)
}

func outputListTable(out io.Writer, leases []*state.Lease) {
	fmt.Fprintf(out, "%-20s %-6s %-9s %-8s %-20s %s\n",
		"SERVICE", "PORT", "STATUS", "PID", "RESERVED", "OWNER")
	fmt.Fprintln(out, strings.Repeat("-", 80))

	stale := 0
	for _, lease := range leases {
		status := state.GetLeaseStatus(lease)
		statusStr := string(status)
		pidStr := fmt.Sprintf("%d", lease.OwnerPID)
		owner := "-"
		if status == state.StatusStale {
			statusStr += " ⚠️"
			pidStr = "-"
			stale++
		} else if name := procinspect.ProcessName(lease.OwnerPID); name != "" {
			owner = name
		}

		fmt.Fprintf(out, "%-20s %-6d %-9s %-8s %-20s %s\n",
			truncate(lease.Service, 20),
			lease.Port,
			statusStr,
			pidStr,
			formatTimeAgo(lease.ReservedAt),
			owner)
	}

	fmt.Fprintf(out, "\nTotal: %d lease(s)", len(leases))
	if stale > 0 {
		fmt.Fprintf(out, " (%d stale, run 'go-svcgate ports prune')", stale)
	}
	fmt.Fprintln(out)
}

func runPortsRelease(cmd *cobra.Command, args []string) error {
	if releaseAll == (len(args) > 0) {
		return fmt.Errorf("either service names or --all must be specified")
	}

	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	out := cmd.OutOrStdout()
	if releaseAll {
		if err := store.RemoveAll(); err != nil {
			return fmt.Errorf("failed to release leases: %w", err)
		}
		fmt.Fprintln(out, "✅ Released all leases")
		return nil
	}

	failed := 0
	for _, service := range args {
		if _, err := store.Get(service); errors.Is(err, state.ErrLeaseNotFound) {
			fmt.Fprintf(out, "⚠️  No lease for %s\n", service)
			failed++
			continue
		}
		if err := store.Remove(service); err != nil {
			fmt.Fprintf(out, "⚠️  Failed to release %s: %v\n", service, err)
			failed++
			continue
		}
		fmt.Fprintf(out, "✅ Released %s\n", service)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d lease(s) not released", failed, len(args))
	}
	return nil
}

func runPortsPrune(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = store.Close() }()

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, "🔄 Pruning stale leases...")

	removed, err := state.PruneStale(store)
	for _, lease := range removed {
		fmt.Fprintf(out, "✅ Pruned: %s (port %d, pid %d not running)\n", lease.Service, lease.Port, lease.OwnerPID)
	}
	if err != nil {
		return fmt.Errorf("failed to prune leases: %w", err)
	}

	if len(removed) == 0 {
		fmt.Fprintln(out, "No stale leases found")
		return nil
	}
	fmt.Fprintf(out, "\n✅ Pruned %d lease(s)\n", len(removed))
	return nil
}

func formatTimeAgo(t time.Time) string {
	duration := time.Since(t)

	switch {
	case duration < time.Minute:
		return "just now"
	case duration < time.Hour:
		return fmt.Sprintf("%dm ago", int(duration.Minutes()))
	case duration < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(duration.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(duration.Hours()/24))
	}
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
