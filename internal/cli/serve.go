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
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/pigeonworks-llc/go-svcgate/internal/app"
	"github.com/pigeonworks-llc/go-svcgate/internal/config"
	"github.com/pigeonworks-llc/go-svcgate/internal/logging"
	"github.com/pigeonworks-llc/go-svcgate/pkg/state"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var serveAddr string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the services and the gateway",
	Long: `Serve starts every managed service in configuration order and routes
requests to them until interrupted.

Requests for a service that is still starting are answered with 503 and a
Retry-After header. On SIGINT or SIGTERM the gateway stops accepting
requests and shuts services down in reverse start order.`,
	Example: `  # Serve with the default configuration file
  go-svcgate serve

  # Override the listen address
  go-svcgate serve --addr 127.0.0.1:9000`,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().StringVar(&serveAddr, "addr", "", "Gateway listen address (overrides gateway.addr)")
}

func runServe(cmd *cobra.Command, args []string) error {
	path := config.ResolvePath(configPath)
	cfg, err := config.Load(path)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if serveAddr != "" {
		cfg.Gateway.Addr = serveAddr
	}

	logger, _, err := logging.New(logging.Config{
		Level:  cfg.Logging.Level,
		Format: cfg.Logging.Format,
	})
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer func() { _ = logger.Sync() }()

	store, err := state.Open(cfg.State.Backend, cfg.State.Path)
	if err != nil {
		return fmt.Errorf("failed to open lease store: %w", err)
	}
	defer func() { _ = store.Close() }()

	gw, err := app.New(cfg, store, logger)
	if err != nil {
		return fmt.Errorf("failed to build gateway: %w", err)
	}

	printBanner(cmd, path, cfg)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger.Info("starting go-svcgate",
		zap.String("config", path),
		zap.String("addr", cfg.Gateway.Addr),
		zap.Int("services", len(cfg.Services)),
		zap.Int("routes", len(cfg.Routes)),
	)
	if err := gw.Run(ctx); err != nil {
		return err
	}
	logger.Info("go-svcgate stopped")
	return nil
}

func printBanner(cmd *cobra.Command, path string, cfg *config.Config) {
	out := cmd.OutOrStdout()
	cyan := color.New(color.FgCyan)
	green := color.New(color.FgGreen)
	gray := color.New(color.FgHiBlack)

	cyan.Fprintln(out, "go-svcgate")
	gray.Fprintf(out, "    version: %s\n\n", Version)

	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Config:   %s\n", path)
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Gateway:  http://%s\n", cfg.Gateway.Addr)
	green.Fprint(out, "    ▶ ")
	fmt.Fprintf(out, "Leases:   %s\n", cfg.State.Backend)

	for _, svc := range cfg.Services {
		green.Fprint(out, "    ▶ ")
		fmt.Fprintf(out, "Service:  %s", svc.Name)
		if svc.Managed() {
			gray.Fprintf(out, " (%s)", svc.Command)
		} else {
			gray.Fprintf(out, " (external %s)", svc.External)
		}
		fmt.Fprintln(out)
	}
	fmt.Fprintln(out)
}
