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

// Package config loads the gateway configuration from YAML. ${VAR} references
// are expanded from the environment and durations use time.ParseDuration
// syntax.
package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"regexp"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pigeonworks-llc/go-svcgate/pkg/state"
)

// EnvConfigPath names the environment variable holding the config path.
const EnvConfigPath = "SVCGATE_CONFIG"

// DefaultPath is used when neither a flag nor EnvConfigPath is set.
const DefaultPath = "svcgate.yaml"

// Fallback strategies applied when managed services fail to start.
const (
	FallbackNone     = "none"
	FallbackExternal = "external"
)

// State backends.
const (
	BackendFile   = state.BackendFile
	BackendSQLite = state.BackendSQLite
)

// Config is the complete gateway configuration.
type Config struct {
	Gateway    GatewayConfig    `yaml:"gateway"`
	State      StateConfig      `yaml:"state"`
	Logging    LoggingConfig    `yaml:"logging"`
	Ports      PortsConfig      `yaml:"ports"`
	Supervisor SupervisorConfig `yaml:"supervisor"`
	Health     HealthConfig     `yaml:"health"`
	Breaker    BreakerConfig    `yaml:"breaker"`
	Fallback   string           `yaml:"fallback"`
	Services   []ServiceConfig  `yaml:"services"`
	Routes     []RouteConfig    `yaml:"routes"`
}

// GatewayConfig holds the listener settings.
type GatewayConfig struct {
	Addr               string   `yaml:"addr"`
	StartingRetryAfter Duration `yaml:"starting_retry_after"`
	ShutdownTimeout    Duration `yaml:"shutdown_timeout"`
	MetricsNamespace   string   `yaml:"metrics_namespace"`
}

// StateConfig selects the lease store.
type StateConfig struct {
	Backend string `yaml:"backend"`
	// Path of the lease record. Empty uses the backend default.
	Path string `yaml:"path"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// PortsConfig controls automatic port selection and reclaiming.
type PortsConfig struct {
	Start        int      `yaml:"start"`
	End          int      `yaml:"end"`
	ReclaimGrace Duration `yaml:"reclaim_grace"`
}

// SupervisorConfig holds spawn and shutdown policy.
type SupervisorConfig struct {
	SpawnAttempts int      `yaml:"spawn_attempts"`
	SpawnBackoff  Duration `yaml:"spawn_backoff"`
	ReadyTimeout  Duration `yaml:"ready_timeout"`
	StopTimeout   Duration `yaml:"stop_timeout"`
	// Markers replaces the default readiness substrings when set.
	Markers []string `yaml:"markers"`
}

// HealthConfig holds active probing settings.
type HealthConfig struct {
	Interval     Duration `yaml:"interval"`
	MaxDuration  Duration `yaml:"max_duration"`
	ProbeTimeout Duration `yaml:"probe_timeout"`
}

// BreakerConfig holds circuit breaker settings.
type BreakerConfig struct {
	Threshold int      `yaml:"threshold"`
	Window    Duration `yaml:"window"`
	Cooldown  Duration `yaml:"cooldown"`
	// RecoveryInterval enables the advisory recovery probe when positive.
	RecoveryInterval Duration `yaml:"recovery_interval"`
	RecoveryTimeout  Duration `yaml:"recovery_timeout"`
}

// ServiceConfig declares one dependent service.
type ServiceConfig struct {
	Name    string            `yaml:"name"`
	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Dir     string            `yaml:"dir"`
	Env     map[string]string `yaml:"env"`
	Port    int               `yaml:"port"`
	PortEnv string            `yaml:"port_env"`
	// HealthPath enables active probing of the service.
	HealthPath   string   `yaml:"health_path"`
	ReadyTimeout Duration `yaml:"ready_timeout"`
	// External is the base URL used when the service is not spawned, either
	// because it has no command or because the external fallback is active.
	External string `yaml:"external"`
}

// Managed reports whether the gateway spawns the service.
func (s ServiceConfig) Managed() bool {
	return s.Command != ""
}

// RouteConfig maps a path prefix to a service.
type RouteConfig struct {
	Prefix   string          `yaml:"prefix"`
	Service  string          `yaml:"service"`
	Rewrite  string          `yaml:"rewrite"`
	Guarded  bool            `yaml:"guarded"`
	Target   string          `yaml:"target"`
	Fallback *FallbackConfig `yaml:"fallback"`
}

// FallbackConfig is a static degraded-mode response.
type FallbackConfig struct {
	Status      int    `yaml:"status"`
	ContentType string `yaml:"content_type"`
	Body        string `yaml:"body"`
}

// Duration is a time.Duration read from a string such as "500ms".
type Duration time.Duration

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	var raw string
	if err := node.Decode(&raw); err != nil {
		return fmt.Errorf("line %d: duration must be a string: %w", node.Line, err)
	}
	parsed, err := time.ParseDuration(raw)
	if err != nil {
		return fmt.Errorf("line %d: parsing duration %q: %w", node.Line, raw, err)
	}
	*d = Duration(parsed)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Default returns a configuration with every default filled in.
func Default() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Addr:               "127.0.0.1:8080",
			StartingRetryAfter: Duration(time.Second),
			ShutdownTimeout:    Duration(30 * time.Second),
			MetricsNamespace:   "svcgate",
		},
		State: StateConfig{
			Backend: BackendFile,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Ports: PortsConfig{
			Start:        20000,
			End:          30000,
			ReclaimGrace: Duration(1200 * time.Millisecond),
		},
		Supervisor: SupervisorConfig{
			SpawnAttempts: 3,
			SpawnBackoff:  Duration(time.Second),
			ReadyTimeout:  Duration(8 * time.Second),
			StopTimeout:   Duration(5 * time.Second),
		},
		Health: HealthConfig{
			Interval:     Duration(500 * time.Millisecond),
			MaxDuration:  Duration(8 * time.Second),
			ProbeTimeout: Duration(2 * time.Second),
		},
		Breaker: BreakerConfig{
			Threshold:       5,
			Window:          Duration(60 * time.Second),
			Cooldown:        Duration(15 * time.Second),
			RecoveryTimeout: Duration(2 * time.Second),
		},
		Fallback: FallbackNone,
	}
}

// ResolvePath returns flagPath, else $SVCGATE_CONFIG, else DefaultPath.
func ResolvePath(flagPath string) string {
	if flagPath != "" {
		return flagPath
	}
	if env := os.Getenv(EnvConfigPath); env != "" {
		return env
	}
	return DefaultPath
}

// Load reads, expands, parses and validates the configuration at path.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}
	return Parse(data)
}

// Parse decodes YAML on top of Default and validates the result.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal([]byte(expandEnvVars(string(data))), cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} with the variable's value, or with the
// empty string if it is unset.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

// Validate checks the configuration and reports every problem found.
func (c *Config) Validate() error {
	var errs []error
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Errorf(format, args...))
	}

	if c.Gateway.Addr == "" {
		add("gateway.addr is required")
	}

	switch c.State.Backend {
	case BackendFile, BackendSQLite:
	default:
		add("state.backend must be %q or %q, got %q", BackendFile, BackendSQLite, c.State.Backend)
	}

	switch strings.ToLower(c.Logging.Format) {
	case "json", "console":
	default:
		add("logging.format must be json or console, got %q", c.Logging.Format)
	}

	if c.Ports.Start <= 0 || c.Ports.End > 65535 || c.Ports.Start >= c.Ports.End {
		add("ports range %d-%d is invalid", c.Ports.Start, c.Ports.End)
	}
	if c.Supervisor.SpawnAttempts <= 0 {
		add("supervisor.spawn_attempts must be positive")
	}
	if c.Breaker.Threshold <= 0 {
		add("breaker.threshold must be positive")
	}

	switch c.Fallback {
	case "", FallbackNone, FallbackExternal:
	default:
		add("fallback must be %q or %q, got %q", FallbackNone, FallbackExternal, c.Fallback)
	}

	// A port held by one service or by the gateway can never be reclaimed
	// for another, since the gateway does not signal itself.
	ports := map[int]string{}
	if _, raw, err := net.SplitHostPort(c.Gateway.Addr); err == nil {
		if p, err := strconv.Atoi(raw); err == nil && p > 0 {
			ports[p] = "the gateway"
		}
	}

	services := map[string]bool{}
	for i, svc := range c.Services {
		switch {
		case svc.Name == "":
			add("services[%d]: name is required", i)
			continue
		case services[svc.Name]:
			add("services[%d]: duplicate name %q", i, svc.Name)
		}
		services[svc.Name] = true

		if !svc.Managed() && svc.External == "" {
			add("service %q: command or external is required", svc.Name)
		}
		if svc.External != "" {
			if u, err := url.Parse(svc.External); err != nil || u.Scheme == "" || u.Host == "" {
				add("service %q: external %q is not an absolute URL", svc.Name, svc.External)
			}
		} else if c.Fallback == FallbackExternal {
			add("service %q: external is required when fallback is %q", svc.Name, FallbackExternal)
		}
		if svc.Port < 0 || svc.Port > 65535 {
			add("service %q: port %d is out of range", svc.Name, svc.Port)
		} else if svc.Port > 0 && svc.Managed() {
			if owner, dup := ports[svc.Port]; dup {
				add("service %q: port %d is already used by %s", svc.Name, svc.Port, owner)
			} else {
				ports[svc.Port] = fmt.Sprintf("service %q", svc.Name)
			}
		}
		if svc.HealthPath != "" && !strings.HasPrefix(svc.HealthPath, "/") {
			add("service %q: health_path must start with /", svc.Name)
		}
	}

	prefixes := map[string]bool{}
	for i, rt := range c.Routes {
		if !strings.HasPrefix(rt.Prefix, "/") {
			add("routes[%d]: prefix %q must start with /", i, rt.Prefix)
		}
		if prefixes[rt.Prefix] {
			add("routes[%d]: duplicate prefix %q", i, rt.Prefix)
		}
		prefixes[rt.Prefix] = true

		if !services[rt.Service] {
			add("routes[%d]: unknown service %q", i, rt.Service)
		}
	}

	return errors.Join(errs...)
}
