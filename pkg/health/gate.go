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

// Package health gates routing on per-service readiness. A service becomes
// ready either passively, from supervisor transitions, or actively, by
// polling its health endpoint. Readiness is a one-way latch.
package health

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pigeonworks-llc/go-svcgate/pkg/supervisor"
)

const (
	DefaultInterval     = 500 * time.Millisecond
	DefaultMaxDuration  = 8 * time.Second
	DefaultProbeTimeout = 2 * time.Second
)

// ErrHealthProbeTimeout is returned by Probe when no probe succeeded within
// MaxDuration. The service is promoted anyway.
var ErrHealthProbeTimeout = errors.New("health probe timeout")

// Config controls active probing.
type Config struct {
	Interval     time.Duration
	MaxDuration  time.Duration
	ProbeTimeout time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		Interval:     DefaultInterval,
		MaxDuration:  DefaultMaxDuration,
		ProbeTimeout: DefaultProbeTimeout,
	}
}

// Result is the outcome of a single health probe.
type Result struct {
	Service    string
	Success    bool
	Timestamp  time.Time
	Latency    time.Duration
	StatusCode int
	Err        error
}

// ServiceStatus is the gate's view of one service.
type ServiceStatus struct {
	Name       string            `json:"name"`
	Ready      bool              `json:"ready"`
	Reason     supervisor.Reason `json:"reason,omitempty"`
	PromotedAt time.Time         `json:"promoted_at,omitempty"`
	LastProbe  *ProbeStatus      `json:"last_probe,omitempty"`
}

// ProbeStatus is the JSON form of a Result.
type ProbeStatus struct {
	Success    bool      `json:"success"`
	At         time.Time `json:"at"`
	LatencyMS  int64     `json:"latency_ms"`
	StatusCode int       `json:"status_code,omitempty"`
	Error      string    `json:"error,omitempty"`
}

type entry struct {
	ready      chan struct{}
	promoted   bool
	reason     supervisor.Reason
	promotedAt time.Time
	last       *Result
}

// Gate tracks readiness per service.
type Gate struct {
	config *Config
	client *http.Client
	logger *zap.Logger

	mu        sync.Mutex
	entries   map[string]*entry
	onPromote []func(name string, reason supervisor.Reason)
	onProbe   []func(result Result)
}

// New creates a gate.
func New(config *Config, logger *zap.Logger) *Gate {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.MaxDuration <= 0 {
		config.MaxDuration = defaults.MaxDuration
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = defaults.ProbeTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Gate{
		config: config,
		client: &http.Client{
			Timeout: config.ProbeTimeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxIdleConnsPerHost: 10,
				IdleConnTimeout:     90 * time.Second,
			},
		},
		logger:  logger.Named("health"),
		entries: map[string]*entry{},
	}
}

// OnPromote registers fn to run after every promotion.
func (g *Gate) OnPromote(fn func(name string, reason supervisor.Reason)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onPromote = append(g.onPromote, fn)
}

// OnProbe registers fn to run after every recorded probe result.
func (g *Gate) OnProbe(fn func(result Result)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onProbe = append(g.onProbe, fn)
}

// entryLocked returns the entry for name, creating it. g.mu must be held.
func (g *Gate) entryLocked(name string) *entry {
	e, ok := g.entries[name]
	if !ok {
		e = &entry{ready: make(chan struct{})}
		g.entries[name] = e
	}
	return e
}

// Track registers name so it shows up in snapshots before any signal.
func (g *Gate) Track(name string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.entryLocked(name)
}

// IsReady reports whether name has been promoted.
func (g *Gate) IsReady(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	e, ok := g.entries[name]
	return ok && e.promoted
}

// Ready returns a channel that is closed once name is promoted.
func (g *Gate) Ready(name string) <-chan struct{} {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.entryLocked(name).ready
}

// Promote latches name as ready. Only the first call has any effect; it
// reports whether this call performed the promotion.
func (g *Gate) Promote(name string, reason supervisor.Reason) bool {
	g.mu.Lock()
	e := g.entryLocked(name)
	if e.promoted {
		g.mu.Unlock()
		return false
	}
	e.promoted = true
	e.reason = reason
	e.promotedAt = time.Now()
	close(e.ready)
	callbacks := append([]func(string, supervisor.Reason){}, g.onPromote...)
	g.mu.Unlock()

	if reason.Confirmed() {
		g.logger.Info("route opened", zap.String("service", name), zap.String("reason", string(reason)))
	} else {
		g.logger.Warn("route opened without confirmed readiness", zap.String("service", name), zap.String("reason", string(reason)))
	}

	for _, fn := range callbacks {
		fn(name, reason)
	}
	return true
}

// HandleEvent consumes supervisor transitions. Only promotions matter;
// later exits never close the gate again.
func (g *Gate) HandleEvent(ev supervisor.Event) {
	if ev.To == supervisor.StateHealthy {
		g.Promote(ev.Service, ev.Reason)
	}
}

// ProbeOnce performs a single GET against url and records the result. It
// never demotes a promoted service.
func (g *Gate) ProbeOnce(ctx context.Context, name, url string) Result {
	result := Result{Service: name, Timestamp: time.Now()}

	ctx, cancel := context.WithTimeout(ctx, g.config.ProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		result.Err = err
		g.record(name, result)
		return result
	}

	resp, err := g.client.Do(req)
	result.Latency = time.Since(result.Timestamp)
	if err != nil {
		result.Err = err
		g.record(name, result)
		return result
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()

	result.StatusCode = resp.StatusCode
	result.Success = resp.StatusCode >= 200 && resp.StatusCode < 300
	if !result.Success {
		result.Err = fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	g.record(name, result)
	return result
}

func (g *Gate) record(name string, result Result) {
	g.mu.Lock()
	g.entryLocked(name).last = &result
	callbacks := append([]func(Result){}, g.onProbe...)
	g.mu.Unlock()

	g.logger.Debug("health probe",
		zap.String("service", name),
		zap.Bool("success", result.Success),
		zap.Int("status", result.StatusCode),
		zap.Duration("latency", result.Latency),
		zap.Error(result.Err),
	)

	for _, fn := range callbacks {
		fn(result)
	}
}

// Probe polls url every Interval until it answers 2xx, promoting name with
// reason probe. If MaxDuration passes first, name is promoted anyway with
// reason probe-timeout and ErrHealthProbeTimeout is returned. Probe returns
// early if name is promoted by another path.
func (g *Gate) Probe(ctx context.Context, name, url string) error {
	ready := g.Ready(name)
	select {
	case <-ready:
		return nil
	default:
	}

	deadline := time.NewTimer(g.config.MaxDuration)
	defer deadline.Stop()
	ticker := time.NewTicker(g.config.Interval)
	defer ticker.Stop()

	for {
		if result := g.ProbeOnce(ctx, name, url); result.Success {
			g.Promote(name, supervisor.ReasonProbe)
			return nil
		}

		select {
		case <-ready:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			g.logger.Warn("health probing exhausted, promoting optimistically",
				zap.String("service", name),
				zap.Duration("max_duration", g.config.MaxDuration),
			)
			g.Promote(name, supervisor.ReasonProbeTimeout)
			return fmt.Errorf("service %s: %w", name, ErrHealthProbeTimeout)
		case <-ticker.C:
		}
	}
}

// Snapshot returns the gate state of every known service, sorted by name.
func (g *Gate) Snapshot() []ServiceStatus {
	g.mu.Lock()
	defer g.mu.Unlock()

	out := make([]ServiceStatus, 0, len(g.entries))
	for name, e := range g.entries {
		st := ServiceStatus{
			Name:       name,
			Ready:      e.promoted,
			Reason:     e.reason,
			PromotedAt: e.promotedAt,
		}
		if e.last != nil {
			st.LastProbe = &ProbeStatus{
				Success:    e.last.Success,
				At:         e.last.Timestamp,
				LatencyMS:  e.last.Latency.Milliseconds(),
				StatusCode: e.last.StatusCode,
			}
			if e.last.Err != nil {
				st.LastProbe.Error = e.last.Err.Error()
			}
		}
		out = append(out, st)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}
