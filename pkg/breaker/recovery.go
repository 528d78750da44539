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

package breaker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"maps"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"
)

var (
	// ErrInvalidRecoveryInterval indicates that the recovery interval must be positive.
	ErrInvalidRecoveryInterval = errors.New("breaker: recovery interval must be positive")
	// ErrInvalidRecoveryTimeout indicates that the recovery check timeout must be positive.
	ErrInvalidRecoveryTimeout = errors.New("breaker: recovery timeout must be positive")
)

// CheckFunc reports whether a downstream is reachable.
type CheckFunc func(ctx context.Context) error

// HTTPCheck returns a CheckFunc that treats any response below 500 from url
// as reachable.
func HTTPCheck(client *http.Client, url string) CheckFunc {
	if client == nil {
		client = http.DefaultClient
	}
	return func(ctx context.Context) error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := client.Do(req)
		if err != nil {
			return err
		}
		_, _ = io.Copy(io.Discard, resp.Body)
		_ = resp.Body.Close()
		if resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
		return nil
	}
}

// Recoverer probes the downstreams of open breakers in the background and
// resets a breaker early once its downstream answers. It is advisory: a
// breaker closes on cooldown expiry whether or not a Recoverer runs.
type Recoverer struct {
	registry  *Registry
	interval  time.Duration
	timeout   time.Duration
	logger    *zap.Logger
	immediate chan string

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewRecoverer creates a recoverer. interval is how often open breakers are
// checked; timeout bounds each check.
func NewRecoverer(registry *Registry, interval, timeout time.Duration, logger *zap.Logger) (*Recoverer, error) {
	if interval <= 0 {
		return nil, ErrInvalidRecoveryInterval
	}
	if timeout <= 0 {
		return nil, ErrInvalidRecoveryTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	r := &Recoverer{
		registry:  registry,
		interval:  interval,
		timeout:   timeout,
		logger:    logger.Named("breaker"),
		immediate: make(chan string, 10),
		checks:    map[string]CheckFunc{},
	}
	registry.OnOpen(r.trigger)
	return r, nil
}

// Register adds a check for the breaker called name.
func (r *Recoverer) Register(name string, check CheckFunc) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.checks[name] = check
}

// trigger schedules an immediate check without blocking the caller.
func (r *Recoverer) trigger(name string) {
	select {
	case r.immediate <- name:
	default:
		r.logger.Debug("recovery queue full, checking on next interval", zap.String("breaker", name))
	}
}

// Run checks open breakers until ctx is done.
func (r *Recoverer) Run(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case name := <-r.immediate:
			r.check(ctx, name)
		case <-ticker.C:
			r.checkAll(ctx)
		}
	}
}

func (r *Recoverer) checkAll(ctx context.Context) {
	r.mu.RLock()
	checks := maps.Clone(r.checks)
	r.mu.RUnlock()

	for name := range checks {
		r.check(ctx, name)
	}
}

// check probes name if its breaker is open and resets it on success.
func (r *Recoverer) check(ctx context.Context, name string) bool {
	b, ok := r.registry.Lookup(name)
	if !ok || !b.IsOpen() {
		return false
	}

	r.mu.RLock()
	check, ok := r.checks[name]
	r.mu.RUnlock()
	if !ok {
		return false
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	if err := check(ctx); err != nil {
		r.logger.Debug("downstream still unreachable",
			zap.String("breaker", name),
			zap.Duration("retry_after", b.RetryAfter()),
			zap.Error(err),
		)
		return false
	}

	b.Reset()
	r.logger.Info("downstream reachable, circuit closed early", zap.String("breaker", name))
	return true
}
