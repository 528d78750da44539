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

// Package supervisor spawns dependent service processes on reserved ports,
// infers their readiness and monitors them until shutdown.
package supervisor

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"
)

// PortReserver is the slice of the port allocator the supervisor needs.
type PortReserver interface {
	Reserve(ctx context.Context, service string, preferred int) (int, error)
	Handoff(service string)
	AssignOwner(service string, pid int) error
	Release(service string) error
}

// Config holds supervisor timing and retry policy.
type Config struct {
	SpawnAttempts int
	SpawnBackoff  time.Duration
	ReadyTimeout  time.Duration
	StopTimeout   time.Duration
	Detector      ReadinessDetector
}

// DefaultConfig returns default configuration.
func DefaultConfig() *Config {
	return &Config{
		SpawnAttempts: 3,
		SpawnBackoff:  time.Second,
		ReadyTimeout:  8 * time.Second,
		StopTimeout:   5 * time.Second,
		Detector:      NewMarkerDetector(),
	}
}

// handle is the supervisor-owned record for one service. All fields are
// guarded by Supervisor.mu.
type handle struct {
	desc      Descriptor
	cmd       *exec.Cmd
	port      int
	state     State
	promotion Reason
	attempts  int
	startedAt time.Time
	lastProbe time.Time
	stopping  bool
	promoted  chan struct{}
	exited    chan struct{}
	exitErr   error
}

// Supervisor manages a set of service processes. Instances are independent;
// nothing is kept at package level.
type Supervisor struct {
	config *Config
	ports  PortReserver
	logger *zap.Logger

	mu          sync.Mutex
	handles     map[string]*handle
	order       []string
	subscribers []func(Event)
}

// New creates a supervisor.
func New(config *Config, ports PortReserver, logger *zap.Logger) *Supervisor {
	defaults := DefaultConfig()
	if config == nil {
		config = defaults
	}
	if config.SpawnAttempts <= 0 {
		config.SpawnAttempts = defaults.SpawnAttempts
	}
	if config.ReadyTimeout <= 0 {
		config.ReadyTimeout = defaults.ReadyTimeout
	}
	if config.StopTimeout <= 0 {
		config.StopTimeout = defaults.StopTimeout
	}
	if config.Detector == nil {
		config.Detector = defaults.Detector
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Supervisor{
		config:  config,
		ports:   ports,
		logger:  logger.Named("supervisor"),
		handles: map[string]*handle{},
	}
}

// Subscribe registers fn for every state transition. fn must not block.
func (s *Supervisor) Subscribe(fn func(Event)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.subscribers = append(s.subscribers, fn)
}

func (s *Supervisor) emit(ev Event) {
	if ev.From == ev.To {
		return
	}
	ev.At = time.Now()

	s.mu.Lock()
	subs := append([]func(Event){}, s.subscribers...)
	s.mu.Unlock()

	for _, fn := range subs {
		fn(ev)
	}
}

// Start reserves a port for d and spawns it, returning once the service is
// Healthy (confirmed or optimistically promoted). Address-in-use failures and
// exits before readiness are retried with linearly increasing delay.
func (s *Supervisor) Start(ctx context.Context, d Descriptor) error {
	if d.Name == "" || d.Command == "" {
		return fmt.Errorf("descriptor requires name and command")
	}

	s.mu.Lock()
	h, exists := s.handles[d.Name]
	if exists && (h.state == StateStarting || h.state == StateHealthy) {
		s.mu.Unlock()
		return fmt.Errorf("service %s is already %s", d.Name, h.state)
	}
	if !exists {
		s.order = append(s.order, d.Name)
	}
	h = &handle{desc: d, state: StateStarting}
	s.handles[d.Name] = h
	s.mu.Unlock()

	var lastErr error
	for attempt := 1; attempt <= s.config.SpawnAttempts; attempt++ {
		port, err := s.ports.Reserve(ctx, d.Name, d.Port)
		if err != nil {
			s.fail(h, ReasonSpawnFailure, err)
			return fmt.Errorf("service %s: %w", d.Name, err)
		}

		ready, err := s.spawn(ctx, h, port, attempt)
		if ready {
			return nil
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			s.fail(h, ReasonSpawnFailure, ctxErr)
			_ = s.ports.Release(d.Name)
			return ctxErr
		}

		lastErr = err
		if attempt == s.config.SpawnAttempts {
			break
		}

		delay := s.config.SpawnBackoff * time.Duration(attempt)
		s.logger.Warn("service failed to start, retrying",
			zap.String("service", d.Name),
			zap.Int("attempt", attempt),
			zap.Duration("delay", delay),
			zap.Error(err),
		)
		select {
		case <-ctx.Done():
			s.fail(h, ReasonSpawnFailure, ctx.Err())
			_ = s.ports.Release(d.Name)
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	spawnErr := &SpawnError{Service: d.Name, Attempts: s.config.SpawnAttempts, Err: lastErr}
	s.fail(h, ReasonSpawnFailure, spawnErr)
	_ = s.ports.Release(d.Name)
	s.logger.Error("service failed to start", zap.String("service", d.Name), zap.Error(spawnErr))
	return spawnErr
}

// spawn runs one start attempt. It reports whether the service became ready.
func (s *Supervisor) spawn(ctx context.Context, h *handle, port, attempt int) (bool, error) {
	d := h.desc
	s.ports.Handoff(d.Name)

	// #nosec G204 - commands come from operator configuration
	cmd := exec.Command(d.Command, d.Args...)
	cmd.Dir = d.Dir
	cmd.Env = buildEnv(d, port)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return false, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return false, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return false, fmt.Errorf("spawn %s: %w", d.Command, err)
	}

	pid := cmd.Process.Pid
	if err := s.ports.AssignOwner(d.Name, pid); err != nil {
		s.logger.Warn("failed to record lease owner", zap.String("service", d.Name), zap.Error(err))
	}

	promoted := make(chan struct{})
	exited := make(chan struct{})
	addrInUse := make(chan struct{}, 1)

	s.mu.Lock()
	from := h.state
	h.cmd = cmd
	h.port = port
	h.state = StateStarting
	h.promotion = ""
	h.attempts = attempt
	h.startedAt = time.Now()
	h.promoted = promoted
	h.exited = exited
	h.exitErr = nil
	s.mu.Unlock()

	s.logger.Info("service spawned",
		zap.String("service", d.Name),
		zap.Int("port", port),
		zap.Int("pid", pid),
		zap.Int("attempt", attempt),
	)
	s.emit(Event{Service: d.Name, From: from, To: StateStarting, Reason: ReasonSpawned, Port: port, PID: pid})

	var wg sync.WaitGroup
	wg.Add(2)
	go s.scan(h, cmd, stdout, "stdout", nil, &wg)
	go s.scan(h, cmd, stderr, "stderr", addrInUse, &wg)
	go func() {
		// Pipes must be drained before Wait closes them.
		wg.Wait()
		err := cmd.Wait()
		s.onExit(h, cmd, err)
		close(exited)
	}()

	readyTimeout := d.ReadyTimeout
	if readyTimeout <= 0 {
		readyTimeout = s.config.ReadyTimeout
	}
	timer := time.NewTimer(readyTimeout)
	defer timer.Stop()

	select {
	case <-promoted:
		return true, nil
	case <-addrInUse:
		s.kill(cmd, exited)
		return false, fmt.Errorf("port %d: address already in use", port)
	case <-exited:
		select {
		case <-addrInUse:
			return false, fmt.Errorf("port %d: address already in use", port)
		default:
		}
		s.mu.Lock()
		exitErr := h.exitErr
		s.mu.Unlock()
		return false, fmt.Errorf("exited before ready: %v", exitErr)
	case <-timer.C:
		s.promote(h, cmd, ReasonTimeout)
		return true, nil
	case <-ctx.Done():
		s.kill(cmd, exited)
		return false, ctx.Err()
	}
}

// scan reads one output stream line by line.
func (s *Supervisor) scan(h *handle, cmd *exec.Cmd, r io.Reader, stream string, addrInUse chan<- struct{}, wg *sync.WaitGroup) {
	defer wg.Done()

	name := h.desc.Name
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		s.logger.Debug("service output",
			zap.String("service", name),
			zap.String("stream", stream),
			zap.String("line", line),
		)

		if addrInUse != nil && isAddrInUse(line) {
			select {
			case addrInUse <- struct{}{}:
			default:
			}
			continue
		}
		if s.config.Detector.Ready(line) {
			s.promote(h, cmd, ReasonMarker)
		}
	}
	// Keep draining so the child never blocks on a full pipe.
	_, _ = io.Copy(io.Discard, r)
}

// promote moves h from Starting to Healthy if cmd is still its current process.
func (s *Supervisor) promote(h *handle, cmd *exec.Cmd, reason Reason) bool {
	s.mu.Lock()
	if h.cmd != cmd || h.state != StateStarting {
		s.mu.Unlock()
		return false
	}
	h.state = StateHealthy
	h.promotion = reason
	close(h.promoted)
	port, pid := h.port, cmd.Process.Pid
	s.mu.Unlock()

	fields := []zap.Field{
		zap.String("service", h.desc.Name),
		zap.Int("port", port),
		zap.String("reason", string(reason)),
	}
	if reason.Confirmed() {
		s.logger.Info("service ready", fields...)
	} else {
		s.logger.Warn("service assumed healthy without confirmation", fields...)
	}

	s.emit(Event{Service: h.desc.Name, From: StateStarting, To: StateHealthy, Reason: reason, Port: port, PID: pid})
	return true
}

// MarkReady promotes a starting service through an explicit readiness signal
// (for example a successful active probe). It returns false if the service is
// unknown or not starting.
func (s *Supervisor) MarkReady(name string, reason Reason) bool {
	s.mu.Lock()
	h, ok := s.handles[name]
	var cmd *exec.Cmd
	if ok {
		cmd = h.cmd
	}
	s.mu.Unlock()

	if !ok || cmd == nil {
		return false
	}
	if reason == "" {
		reason = ReasonExplicit
	}
	return s.promote(h, cmd, reason)
}

// RecordProbe stores the time of the latest health probe for name.
func (s *Supervisor) RecordProbe(name string, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok := s.handles[name]; ok {
		h.lastProbe = at
	}
}

// onExit handles process exit for the attempt running cmd.
func (s *Supervisor) onExit(h *handle, cmd *exec.Cmd, exitErr error) {
	s.mu.Lock()
	if h.cmd != cmd {
		s.mu.Unlock()
		return
	}
	h.exitErr = exitErr
	from := h.state
	to := from
	reason := ReasonExit
	switch {
	case h.stopping:
		to = StateStopped
		reason = ReasonShutdown
	case from == StateStarting || from == StateHealthy:
		to = StateUnhealthy
	}
	h.state = to
	port, pid := h.port, cmd.Process.Pid
	s.mu.Unlock()

	if to == StateUnhealthy {
		s.logger.Warn("service exited unexpectedly",
			zap.String("service", h.desc.Name),
			zap.Int("pid", pid),
			zap.String("previous_state", string(from)),
			zap.Error(exitErr),
		)
	}
	s.emit(Event{Service: h.desc.Name, From: from, To: to, Reason: reason, Port: port, PID: pid, Err: exitErr})
}

// fail marks h Unhealthy after a failed start.
func (s *Supervisor) fail(h *handle, reason Reason, err error) {
	s.mu.Lock()
	from := h.state
	h.state = StateUnhealthy
	port := h.port
	s.mu.Unlock()
	s.emit(Event{Service: h.desc.Name, From: from, To: StateUnhealthy, Reason: reason, Port: port, Err: err})
}

// kill force-terminates cmd and waits (bounded) for its exit bookkeeping.
func (s *Supervisor) kill(cmd *exec.Cmd, exited <-chan struct{}) {
	_ = cmd.Process.Kill()
	select {
	case <-exited:
	case <-time.After(s.config.StopTimeout):
		s.logger.Error("process did not exit after kill", zap.Int("pid", cmd.Process.Pid))
	}
}

// Shutdown stops every tracked process in reverse start order. Each process
// gets SIGTERM and up to StopTimeout to exit before SIGKILL. Leases are
// released. The sequence is bounded even if processes misbehave.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	order := append([]string{}, s.order...)
	s.mu.Unlock()

	var errs []error
	for i := len(order) - 1; i >= 0; i-- {
		name := order[i]

		s.mu.Lock()
		h := s.handles[name]
		h.stopping = true
		cmd, exited := h.cmd, h.exited
		s.mu.Unlock()

		if cmd != nil && exited != nil {
			if err := s.stop(ctx, name, cmd, exited); err != nil {
				errs = append(errs, err)
			}
		}

		s.mu.Lock()
		from := h.state
		h.state = StateStopped
		s.mu.Unlock()
		s.emit(Event{Service: name, From: from, To: StateStopped, Reason: ReasonShutdown})

		if err := s.ports.Release(name); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

func (s *Supervisor) stop(ctx context.Context, name string, cmd *exec.Cmd, exited <-chan struct{}) error {
	select {
	case <-exited:
		return nil
	default:
	}

	s.logger.Info("stopping service", zap.String("service", name), zap.Int("pid", cmd.Process.Pid))
	_ = cmd.Process.Signal(syscall.SIGTERM)

	timer := time.NewTimer(s.config.StopTimeout)
	defer timer.Stop()

	select {
	case <-exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	s.logger.Warn("service did not stop in time, killing",
		zap.String("service", name),
		zap.Duration("timeout", s.config.StopTimeout),
		zap.Error(ErrShutdownTimeout),
	)
	_ = cmd.Process.Kill()

	select {
	case <-exited:
		return nil
	case <-time.After(s.config.StopTimeout):
		return fmt.Errorf("service %s: %w", name, ErrShutdownTimeout)
	}
}

// Status returns a snapshot of one service handle.
func (s *Supervisor) Status(name string) (Status, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[name]
	if !ok {
		return Status{}, fmt.Errorf("service %s: %w", name, ErrUnknownService)
	}
	return h.snapshot(), nil
}

// Statuses returns snapshots of all handles in start order.
func (s *Supervisor) Statuses() []Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Status, 0, len(s.order))
	for _, name := range s.order {
		out = append(out, s.handles[name].snapshot())
	}
	return out
}

// Port returns the port currently assigned to a service.
func (s *Supervisor) Port(name string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.handles[name]
	if !ok || h.port == 0 {
		return 0, false
	}
	return h.port, true
}

func (h *handle) snapshot() Status {
	st := Status{
		Name:      h.desc.Name,
		Port:      h.port,
		State:     h.state,
		Promotion: h.promotion,
		Attempts:  h.attempts,
		StartedAt: h.startedAt,
		LastProbe: h.lastProbe,
	}
	if h.cmd != nil && h.cmd.Process != nil {
		st.PID = h.cmd.Process.Pid
	}
	return st
}

func buildEnv(d Descriptor, port int) []string {
	portEnv := d.PortEnv
	if portEnv == "" {
		portEnv = "PORT"
	}
	env := os.Environ()
	for k, v := range d.Env {
		env = append(env, k+"="+v)
	}
	return append(env, portEnv+"="+strconv.Itoa(port))
}
