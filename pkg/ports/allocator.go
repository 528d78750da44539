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

// Package ports reserves, persists and reclaims per-service TCP ports.
package ports

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pigeonworks-llc/go-svcgate/pkg/procinspect"
	"github.com/pigeonworks-llc/go-svcgate/pkg/state"
)

const (
	// DefaultStartPort is the default starting port for automatic allocation
	DefaultStartPort = 20000
	// DefaultEndPort is the default ending port for automatic allocation
	DefaultEndPort = 30000
	// DefaultMaxRetries is the default number of automatic allocation retries
	DefaultMaxRetries = 10
	// DefaultReclaimGrace is how long a stale owner gets between SIGTERM and SIGKILL
	DefaultReclaimGrace = 1200 * time.Millisecond
)

// ErrPortUnavailable is returned when a port stays occupied after reclaim.
var ErrPortUnavailable = errors.New("port unavailable")

// ErrNotReserved is returned by AssignOwner when the service holds no
// reservation, for example because it was released concurrently.
var ErrNotReserved = errors.New("port not reserved")

// AllocatorConfig holds configuration for port allocation.
type AllocatorConfig struct {
	StartPort    int
	EndPort      int
	MaxRetries   int
	RetryDelay   time.Duration
	ReclaimGrace time.Duration
	// DefaultPorts is the static fallback table consulted by Port.
	DefaultPorts map[string]int
}

// DefaultAllocatorConfig returns default configuration.
func DefaultAllocatorConfig() *AllocatorConfig {
	return &AllocatorConfig{
		StartPort:    DefaultStartPort,
		EndPort:      DefaultEndPort,
		MaxRetries:   DefaultMaxRetries,
		RetryDelay:   10 * time.Millisecond,
		ReclaimGrace: DefaultReclaimGrace,
		DefaultPorts: map[string]int{},
	}
}

// Allocator reserves ports for managed services. A reserved port stays bound
// by the allocator until Handoff or Release, so no other process can take it.
type Allocator struct {
	config    *AllocatorConfig
	store     state.Store
	inspector procinspect.Inspector
	logger    *zap.Logger

	mu       sync.Mutex
	held     map[string]net.Listener
	reserved map[string]int
}

// NewAllocator creates a new port allocator.
func NewAllocator(config *AllocatorConfig, store state.Store, inspector procinspect.Inspector, logger *zap.Logger) *Allocator {
	if config == nil {
		config = DefaultAllocatorConfig()
	}
	if config.ReclaimGrace <= 0 {
		config.ReclaimGrace = DefaultReclaimGrace
	}
	if inspector == nil {
		inspector = procinspect.New()
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Allocator{
		config:    config,
		store:     store,
		inspector: inspector,
		logger:    logger.Named("ports"),
		held:      map[string]net.Listener{},
		reserved:  map[string]int{},
	}
}

// Reserve binds port preferred for service, reclaiming it from any process
// that currently listens on it. A preferred port of 0 picks a free port from
// the configured range. The lease is persisted before Reserve returns.
func (a *Allocator) Reserve(ctx context.Context, service string, preferred int) (int, error) {
	if service == "" {
		return 0, fmt.Errorf("service name is required")
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	// Re-reserving drops any listener still held for the service.
	a.closeHeldLocked(service)

	var (
		listener net.Listener
		err      error
	)
	if preferred == 0 {
		listener, err = a.allocateFree()
	} else {
		listener, err = a.claim(ctx, service, preferred)
	}
	if err != nil {
		return 0, err
	}

	port := listener.Addr().(*net.TCPAddr).Port
	lease := &state.Lease{
		Service:    service,
		Port:       port,
		OwnerPID:   os.Getpid(),
		ReservedAt: time.Now(),
	}
	if a.store != nil {
		if err := a.store.Put(lease); err != nil {
			_ = listener.Close()
			return 0, fmt.Errorf("failed to record lease for %s: %w", service, err)
		}
	}

	a.held[service] = listener
	a.reserved[service] = port
	a.logger.Info("port reserved", zap.String("service", service), zap.Int("port", port))
	return port, nil
}

// claim binds the preferred port, reclaiming it from stale owners if needed.
func (a *Allocator) claim(ctx context.Context, service string, port int) (net.Listener, error) {
	if listener, err := listen(port); err == nil {
		return listener, nil
	}

	reclaimed, err := a.reclaim(ctx, service, port)
	if err != nil {
		return nil, err
	}

	listener, err := listen(port)
	if err != nil {
		return nil, fmt.Errorf("service %s port %d (reclaimed pids %v): %w", service, port, reclaimed, ErrPortUnavailable)
	}
	return listener, nil
}

// reclaim terminates every process listening on port.
func (a *Allocator) reclaim(ctx context.Context, service string, port int) ([]int, error) {
	pids, err := a.inspector.ListeningPIDs(ctx, port)
	if err != nil {
		return nil, fmt.Errorf("service %s port %d: inspecting owners: %v: %w", service, port, err, ErrPortUnavailable)
	}
	if len(pids) == 0 {
		return nil, fmt.Errorf("service %s port %d: occupied by an unknown owner: %w", service, port, ErrPortUnavailable)
	}

	for _, pid := range pids {
		name := procinspect.ProcessName(pid)
		a.logger.Warn("reclaiming port from foreign process",
			zap.String("service", service),
			zap.Int("port", port),
			zap.Int("pid", pid),
			zap.String("process", name),
		)

		forced, err := procinspect.Terminate(ctx, a.inspector, pid, a.config.ReclaimGrace)
		if err != nil {
			a.logger.Error("failed to reclaim port", zap.String("service", service), zap.Int("pid", pid), zap.Error(err))
			continue
		}
		a.logger.Info("reclaimed port",
			zap.String("service", service),
			zap.Int("port", port),
			zap.Int("pid", pid),
			zap.Bool("forced", forced),
		)
	}

	return pids, nil
}

// randomIntn generates a cryptographically secure random integer in range [0, n).
func randomIntn(n int) (int, error) {
	if n <= 0 {
		return 0, fmt.Errorf("invalid range: n must be positive")
	}
	var b [8]byte
	if _, err := rand.Read(b[:]); err != nil {
		return 0, err
	}
	val := binary.BigEndian.Uint64(b[:])
	// #nosec G115 - Modulo operation ensures result fits in int range
	return int(val % uint64(n)), nil
}

// allocateFree binds a random free port from the configured range.
func (a *Allocator) allocateFree() (net.Listener, error) {
	portRange := a.config.EndPort - a.config.StartPort
	if portRange <= 0 {
		return nil, fmt.Errorf("insufficient port range %d-%d", a.config.StartPort, a.config.EndPort)
	}

	for attempt := 0; attempt < a.config.MaxRetries; attempt++ {
		// Random starting point to reduce collision probability
		offset, err := randomIntn(portRange)
		if err != nil {
			return nil, fmt.Errorf("failed to generate random offset: %w", err)
		}

		if listener, err := listen(a.config.StartPort + offset); err == nil {
			return listener, nil
		}

		time.Sleep(a.config.RetryDelay)
	}

	return nil, fmt.Errorf("no free port in %d-%d after %d attempts: %w",
		a.config.StartPort, a.config.EndPort, a.config.MaxRetries, ErrPortUnavailable)
}

// Handoff stops holding the port reserved for service so the managed process
// can bind it. The lease stays in place.
func (a *Allocator) Handoff(service string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.closeHeldLocked(service)
}

// AssignOwner records pid as the owner of the lease for service. A service
// that was released in the meantime keeps no lease.
func (a *Allocator) AssignOwner(service string, pid int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	port, ok := a.reserved[service]
	if !ok {
		return fmt.Errorf("service %s: %w", service, ErrNotReserved)
	}
	if a.store == nil {
		return nil
	}
	lease, err := a.store.Get(service)
	if err != nil {
		return err
	}
	if lease.Port != port {
		return fmt.Errorf("service %s: lease names port %d, reserved %d: %w", service, lease.Port, port, ErrNotReserved)
	}
	lease.OwnerPID = pid
	return a.store.Put(lease)
}

// Release removes the lease for service. Releasing an absent lease is a no-op.
func (a *Allocator) Release(service string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.closeHeldLocked(service)
	delete(a.reserved, service)
	if a.store == nil {
		return nil
	}
	if err := a.store.Remove(service); err != nil {
		return fmt.Errorf("failed to release %s: %w", service, err)
	}
	return nil
}

// ReleaseAll removes every lease.
func (a *Allocator) ReleaseAll() error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for service := range a.held {
		a.closeHeldLocked(service)
	}
	a.reserved = map[string]int{}
	if a.store == nil {
		return nil
	}
	if err := a.store.RemoveAll(); err != nil {
		return fmt.Errorf("failed to release leases: %w", err)
	}
	return nil
}

// Port returns the leased port for service, falling back to the static
// default table.
func (a *Allocator) Port(service string) (int, bool) {
	if a.store != nil {
		if lease, err := a.store.Get(service); err == nil {
			return lease.Port, true
		}
	}
	port, ok := a.config.DefaultPorts[service]
	return port, ok
}

func (a *Allocator) closeHeldLocked(service string) {
	if listener, ok := a.held[service]; ok {
		_ = listener.Close()
		delete(a.held, service)
	}
}

// IsPortInUse checks if a port is currently in use.
func (a *Allocator) IsPortInUse(port int) bool {
	listener, err := listen(port)
	if err != nil {
		return true
	}
	_ = listener.Close()
	return false
}

func listen(port int) (net.Listener, error) {
	return net.Listen("tcp", fmt.Sprintf(":%d", port))
}
