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

// Package breaker implements a sliding-window circuit breaker with
// cooldown-based passive recovery.
//
// A breaker opens once the number of failures recorded inside the window
// reaches the threshold. It stays open until the cooldown elapses and then
// closes on its own; there is no half-open trial request.
package breaker

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

const (
	DefaultThreshold = 5
	DefaultWindow    = 60 * time.Second
	DefaultCooldown  = 15 * time.Second
)

// ErrCircuitOpen is wrapped by every *OpenError.
var ErrCircuitOpen = errors.New("circuit open")

// Config holds breaker thresholds.
type Config struct {
	Threshold int
	Window    time.Duration
	Cooldown  time.Duration
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		Threshold: DefaultThreshold,
		Window:    DefaultWindow,
		Cooldown:  DefaultCooldown,
	}
}

// OpenError is returned by Allow while the breaker is open.
type OpenError struct {
	Name       string
	RetryAfter time.Duration
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("circuit %s open, retry after %s", e.Name, e.RetryAfter)
}

func (e *OpenError) Unwrap() error {
	return ErrCircuitOpen
}

// Option configures a Breaker.
type Option func(*Breaker)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(b *Breaker) {
		b.now = now
	}
}

// State is a point-in-time view of a breaker.
type State struct {
	Name          string    `json:"name"`
	Open          bool      `json:"open"`
	Failures      int       `json:"failures_in_window"`
	Threshold     int       `json:"threshold"`
	CooldownUntil time.Time `json:"cooldown_until,omitempty"`
	RetryAfterMS  int64     `json:"retry_after_ms,omitempty"`
}

// Breaker guards a single downstream.
type Breaker struct {
	name   string
	config Config
	now    func() time.Time
	onOpen func(name string)

	mu            sync.Mutex
	failures      []time.Time
	cooldownUntil time.Time
}

// New creates a closed breaker.
func New(name string, config *Config, opts ...Option) *Breaker {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	c := *config
	if c.Threshold <= 0 {
		c.Threshold = defaults.Threshold
	}
	if c.Window <= 0 {
		c.Window = defaults.Window
	}
	if c.Cooldown <= 0 {
		c.Cooldown = defaults.Cooldown
	}

	b := &Breaker{name: name, config: c, now: time.Now}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Name returns the breaker name.
func (b *Breaker) Name() string {
	return b.name
}

// RecordFailure appends a failure at the current time and prunes entries
// that fell out of the window. It reports whether this call opened the
// breaker.
func (b *Breaker) RecordFailure() bool {
	b.mu.Lock()
	now := b.now()
	b.failures = append(b.failures, now)
	b.pruneLocked(now)

	opened := false
	if len(b.failures) >= b.config.Threshold && !now.Before(b.cooldownUntil) {
		b.cooldownUntil = now.Add(b.config.Cooldown)
		opened = true
	}
	onOpen := b.onOpen
	b.mu.Unlock()

	if opened && onOpen != nil {
		onOpen(b.name)
	}
	return opened
}

// pruneLocked drops failures at or before now-window.
func (b *Breaker) pruneLocked(now time.Time) {
	cutoff := now.Add(-b.config.Window)
	i := 0
	for i < len(b.failures) && !b.failures[i].After(cutoff) {
		i++
	}
	b.failures = b.failures[i:]
}

// IsOpen reports whether now is before the cooldown deadline.
func (b *Breaker) IsOpen() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.now().Before(b.cooldownUntil)
}

// RetryAfter returns the remaining cooldown, or zero if closed.
func (b *Breaker) RetryAfter() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if d := b.cooldownUntil.Sub(b.now()); d > 0 {
		return d
	}
	return 0
}

// Allow returns an *OpenError while the breaker is open.
func (b *Breaker) Allow() error {
	if d := b.RetryAfter(); d > 0 {
		return &OpenError{Name: b.name, RetryAfter: d}
	}
	return nil
}

// Reset closes the breaker and forgets recorded failures.
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures = nil
	b.cooldownUntil = time.Time{}
}

// Snapshot returns the current state.
func (b *Breaker) Snapshot() State {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.now()
	b.pruneLocked(now)
	st := State{
		Name:      b.name,
		Failures:  len(b.failures),
		Threshold: b.config.Threshold,
	}
	if now.Before(b.cooldownUntil) {
		st.Open = true
		st.CooldownUntil = b.cooldownUntil
		st.RetryAfterMS = b.cooldownUntil.Sub(now).Milliseconds()
	}
	return st
}
