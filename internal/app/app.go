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

// Package app wires the port allocator, supervisor, health gate, breakers
// and router into a running gateway.
package app

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pigeonworks-llc/go-svcgate/internal/config"
	"github.com/pigeonworks-llc/go-svcgate/pkg/breaker"
	"github.com/pigeonworks-llc/go-svcgate/pkg/health"
	"github.com/pigeonworks-llc/go-svcgate/pkg/ports"
	"github.com/pigeonworks-llc/go-svcgate/pkg/procinspect"
	"github.com/pigeonworks-llc/go-svcgate/pkg/router"
	"github.com/pigeonworks-llc/go-svcgate/pkg/state"
	"github.com/pigeonworks-llc/go-svcgate/pkg/supervisor"
)

// Orchestration modes.
const (
	ModeManaged  = "managed"
	ModeExternal = "external"
)

// App is one gateway instance. Several may coexist in a process.
type App struct {
	cfg      *config.Config
	logger   *zap.Logger
	services []config.ServiceConfig
	byName   map[string]config.ServiceConfig

	alloc     *ports.Allocator
	sup       *supervisor.Supervisor
	breakers  *breaker.Registry
	recoverer *breaker.Recoverer
	metrics   *router.Metrics
	router    *router.Router
	startedAt time.Time

	mu     sync.RWMutex
	mode   string
	gate   *health.Gate
	probes map[string]context.CancelFunc
	runCtx context.Context
}

// Option configures an App.
type Option func(*appOptions)

type appOptions struct {
	inspector procinspect.Inspector
	clock     func() time.Time
}

// WithInspector overrides the platform process inspector.
func WithInspector(insp procinspect.Inspector) Option {
	return func(o *appOptions) {
		o.inspector = insp
	}
}

// WithBreakerClock overrides the breaker clock.
func WithBreakerClock(now func() time.Time) Option {
	return func(o *appOptions) {
		o.clock = now
	}
}

// New builds an App from cfg. store holds the port leases and stays owned by
// the caller.
func New(cfg *config.Config, store state.Store, logger *zap.Logger, opts ...Option) (*App, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	var o appOptions
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		cfg:       cfg,
		logger:    logger,
		services:  cfg.Services,
		byName:    make(map[string]config.ServiceConfig, len(cfg.Services)),
		mode:      ModeManaged,
		probes:    map[string]context.CancelFunc{},
		runCtx:    context.Background(),
		startedAt: time.Now(),
	}

	defaultPorts := map[string]int{}
	for _, svc := range cfg.Services {
		a.byName[svc.Name] = svc
		if svc.Port > 0 {
			defaultPorts[svc.Name] = svc.Port
		}
	}

	allocConfig := ports.DefaultAllocatorConfig()
	allocConfig.StartPort = cfg.Ports.Start
	allocConfig.EndPort = cfg.Ports.End
	allocConfig.ReclaimGrace = cfg.Ports.ReclaimGrace.Std()
	allocConfig.DefaultPorts = defaultPorts
	a.alloc = ports.NewAllocator(allocConfig, store, o.inspector, logger)

	a.sup = supervisor.New(&supervisor.Config{
		SpawnAttempts: cfg.Supervisor.SpawnAttempts,
		SpawnBackoff:  cfg.Supervisor.SpawnBackoff.Std(),
		ReadyTimeout:  cfg.Supervisor.ReadyTimeout.Std(),
		StopTimeout:   cfg.Supervisor.StopTimeout.Std(),
		Detector:      supervisor.NewMarkerDetector(cfg.Supervisor.Markers...),
	}, a.alloc, logger)

	a.gate = a.newGate()
	a.sup.Subscribe(a.onEvent)

	var breakerOpts []breaker.Option
	if o.clock != nil {
		breakerOpts = append(breakerOpts, breaker.WithClock(o.clock))
	}
	a.breakers = breaker.NewRegistry(&breaker.Config{
		Threshold: cfg.Breaker.Threshold,
		Window:    cfg.Breaker.Window.Std(),
		Cooldown:  cfg.Breaker.Cooldown.Std(),
	}, breakerOpts...)

	routes := make([]router.Route, 0, len(cfg.Routes))
	for _, rc := range cfg.Routes {
		rt := router.Route{
			Prefix:  rc.Prefix,
			Service: rc.Service,
			Rewrite: rc.Rewrite,
			Guarded: rc.Guarded,
			Target:  rc.Target,
		}
		if rc.Fallback != nil {
			rt.Fallback = &router.Fallback{
				Status:      rc.Fallback.Status,
				ContentType: rc.Fallback.ContentType,
				Body:        []byte(rc.Fallback.Body),
			}
		}
		if rc.Guarded {
			a.breakers.Get(rc.Service)
		}
		routes = append(routes, rt)
	}
	table, err := router.NewTable(routes)
	if err != nil {
		return nil, fmt.Errorf("building route table: %w", err)
	}

	if interval := cfg.Breaker.RecoveryInterval.Std(); interval > 0 {
		a.recoverer, err = breaker.NewRecoverer(a.breakers, interval, cfg.Breaker.RecoveryTimeout.Std(), logger)
		if err != nil {
			return nil, err
		}
		client := &http.Client{Timeout: cfg.Breaker.RecoveryTimeout.Std()}
		for _, name := range a.breakers.Names() {
			a.recoverer.Register(name, a.recoveryCheck(client, name))
		}
	}

	a.metrics = router.NewMetrics(cfg.Gateway.MetricsNamespace, a.breakers)
	a.router = router.New(table, a, a.breakers, router.TargetFunc(a.Target),
		router.WithLogger(logger),
		router.WithMetrics(a.metrics),
		router.WithStatus(func() any { return a.Status() }),
		router.WithStartingRetryAfter(cfg.Gateway.StartingRetryAfter.Std()),
	)

	return a, nil
}

// newGate creates a gate whose promotions and probe results are reported
// back to the supervisor so handles record confirmed readiness.
func (a *App) newGate() *health.Gate {
	g := health.New(&health.Config{
		Interval:     a.cfg.Health.Interval.Std(),
		MaxDuration:  a.cfg.Health.MaxDuration.Std(),
		ProbeTimeout: a.cfg.Health.ProbeTimeout.Std(),
	}, a.logger)
	g.OnPromote(func(name string, reason supervisor.Reason) {
		a.sup.MarkReady(name, reason)
	})
	g.OnProbe(func(r health.Result) {
		a.sup.RecordProbe(r.Service, r.Timestamp)
	})
	for _, svc := range a.services {
		g.Track(svc.Name)
	}
	return g
}

func (a *App) currentGate() *health.Gate {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.gate
}

// Handler returns the gateway HTTP handler.
func (a *App) Handler() http.Handler {
	return a.router
}

// Mode returns the active orchestration mode.
func (a *App) Mode() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.mode
}

// IsReady implements router.Gate against the current gate.
func (a *App) IsReady(service string) bool {
	return a.currentGate().IsReady(service)
}

// Ready returns a channel closed once service is routable.
func (a *App) Ready(service string) <-chan struct{} {
	return a.currentGate().Ready(service)
}

// Target resolves the base URL for service in the current mode.
func (a *App) Target(service string) (*url.URL, bool) {
	svc, ok := a.byName[service]
	if !ok {
		return nil, false
	}
	if !svc.Managed() || a.Mode() == ModeExternal {
		u, err := url.Parse(svc.External)
		return u, err == nil && svc.External != ""
	}

	port, ok := a.sup.Port(service)
	if !ok {
		if port, ok = a.alloc.Port(service); !ok {
			return nil, false
		}
	}
	return &url.URL{Scheme: "http", Host: net.JoinHostPort("127.0.0.1", strconv.Itoa(port))}, true
}

func (a *App) healthURL(service string) (string, bool) {
	svc := a.byName[service]
	if svc.HealthPath == "" {
		return "", false
	}
	u, ok := a.Target(service)
	if !ok {
		return "", false
	}
	return u.JoinPath(svc.HealthPath).String(), true
}

func (a *App) recoveryCheck(client *http.Client, service string) breaker.CheckFunc {
	return func(ctx context.Context) error {
		u, ok := a.Target(service)
		if !ok {
			return fmt.Errorf("no address for %s", service)
		}
		if path := a.byName[service].HealthPath; path != "" {
			u = u.JoinPath(path)
		}
		return breaker.HTTPCheck(client, u.String())(ctx)
	}
}

// onEvent feeds supervisor transitions to the gate and drives active probes.
func (a *App) onEvent(ev supervisor.Event) {
	a.currentGate().HandleEvent(ev)

	switch {
	case ev.To == supervisor.StateStarting:
		if a.byName[ev.Service].HealthPath != "" {
			a.startProbe(ev.Service)
		}
	case ev.To == supervisor.StateStopped,
		ev.To == supervisor.StateUnhealthy && ev.Reason == supervisor.ReasonSpawnFailure:
		a.stopProbe(ev.Service)
	}
}

// startProbe (re)starts active probing of service against its current target.
func (a *App) startProbe(service string) {
	probeURL, ok := a.healthURL(service)
	if !ok {
		return
	}

	a.mu.Lock()
	if cancel, ok := a.probes[service]; ok {
		cancel()
	}
	ctx, cancel := context.WithCancel(a.runCtx)
	a.probes[service] = cancel
	gate := a.gate
	a.mu.Unlock()

	go func() {
		err := gate.Probe(ctx, service, probeURL)
		switch {
		case errors.Is(err, health.ErrHealthProbeTimeout):
			a.logger.Warn("health probe exhausted", zap.String("service", service), zap.Error(err))
		case err != nil && ctx.Err() == nil:
			a.logger.Error("health probe failed", zap.String("service", service), zap.Error(err))
		}
	}()
}

func (a *App) stopProbe(service string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if cancel, ok := a.probes[service]; ok {
		cancel()
		delete(a.probes, service)
	}
}

func (a *App) stopProbes() {
	a.mu.Lock()
	defer a.mu.Unlock()
	for name, cancel := range a.probes {
		cancel()
		delete(a.probes, name)
	}
}

// Start launches managed services in configuration order and opens the gate
// for unmanaged ones. A fatal startup error is returned unless the external
// fallback is configured, in which case the gateway switches to it.
func (a *App) Start(ctx context.Context) error {
	a.mu.Lock()
	a.runCtx = ctx
	a.mu.Unlock()

	for _, svc := range a.services {
		if !svc.Managed() {
			a.openExternal(svc)
			continue
		}

		err := a.sup.Start(ctx, supervisor.Descriptor{
			Name:         svc.Name,
			Command:      svc.Command,
			Args:         svc.Args,
			Dir:          svc.Dir,
			Env:          svc.Env,
			Port:         svc.Port,
			PortEnv:      svc.PortEnv,
			HealthPath:   svc.HealthPath,
			ReadyTimeout: svc.ReadyTimeout.Std(),
		})
		if err == nil {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		a.logger.Error("service startup failed", zap.String("service", svc.Name), zap.Error(err))
		if a.cfg.Fallback != config.FallbackExternal {
			return fmt.Errorf("starting %s: %w", svc.Name, err)
		}
		return a.fallbackExternal(ctx, err)
	}

	a.logger.Info("all services started", zap.Int("services", len(a.services)))
	return nil
}

// openExternal gates an unspawned service on active probing of its external
// address, or opens it optimistically when it declares no health path.
func (a *App) openExternal(svc config.ServiceConfig) {
	if svc.HealthPath == "" {
		a.currentGate().Promote(svc.Name, supervisor.ReasonTimeout)
		return
	}
	a.startProbe(svc.Name)
}

// fallbackExternal stops every spawned process and routes all services to
// their external addresses. Routes stay closed until each external target
// passes (or exhausts) active probing.
func (a *App) fallbackExternal(ctx context.Context, cause error) error {
	a.logger.Warn("falling back to external services", zap.Error(cause))

	a.stopProbes()
	if err := a.sup.Shutdown(ctx); err != nil {
		a.logger.Error("stopping managed services", zap.Error(err))
	}

	// Earlier promotions referred to the spawned processes, so the external
	// targets start behind a fresh gate.
	gate := a.newGate()
	a.mu.Lock()
	a.mode = ModeExternal
	a.gate = gate
	a.mu.Unlock()

	for _, svc := range a.services {
		a.openExternal(svc)
	}
	return nil
}

// Shutdown stops probes and every managed service in reverse start order.
func (a *App) Shutdown(ctx context.Context) error {
	a.stopProbes()
	return a.sup.Shutdown(ctx)
}

// Run listens on the configured address and serves until ctx is done.
func (a *App) Run(ctx context.Context) error {
	ln, err := net.Listen("tcp", a.cfg.Gateway.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", a.cfg.Gateway.Addr, err)
	}
	return a.Serve(ctx, ln)
}

// Serve runs the gateway on ln: the HTTP server, service startup and the
// recovery probe run together, and everything is torn down in bounded time
// once ctx is done or startup fails fatally.
func (a *App) Serve(ctx context.Context, ln net.Listener) error {
	srv := &http.Server{
		Handler:           a.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		a.logger.Info("gateway listening", zap.String("addr", ln.Addr().String()))
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("gateway server: %w", err)
		}
		return nil
	})

	g.Go(func() error {
		err := a.Start(gctx)
		if err != nil && gctx.Err() != nil && errors.Is(err, gctx.Err()) {
			return nil
		}
		return err
	})

	if a.recoverer != nil {
		g.Go(func() error {
			a.recoverer.Run(gctx)
			return nil
		})
	}

	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.Gateway.ShutdownTimeout.Std())
		defer cancel()

		a.logger.Info("shutting down gateway")
		errs := []error{}
		if err := srv.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, fmt.Errorf("gateway server: %w", err))
		}
		if err := a.Shutdown(shutdownCtx); err != nil {
			errs = append(errs, err)
		}
		return errors.Join(errs...)
	})

	return g.Wait()
}

// ServiceStatus merges supervisor and gate views of one service.
type ServiceStatus struct {
	Name    string               `json:"name"`
	Managed bool                 `json:"managed"`
	Target  string               `json:"target,omitempty"`
	Process *supervisor.Status   `json:"process,omitempty"`
	Gate    health.ServiceStatus `json:"gate"`
}

// RouteStatus describes one configured route.
type RouteStatus struct {
	Prefix  string `json:"prefix"`
	Service string `json:"service"`
	Guarded bool   `json:"guarded"`
}

// Status is the body of the gateway status endpoint.
type Status struct {
	Mode      string          `json:"mode"`
	StartedAt time.Time       `json:"started_at"`
	Services  []ServiceStatus `json:"services"`
	Routes    []RouteStatus   `json:"routes"`
	Breakers  []breaker.State `json:"breakers"`
}

// Status returns a snapshot of the whole gateway.
func (a *App) Status() Status {
	gates := map[string]health.ServiceStatus{}
	for _, gs := range a.currentGate().Snapshot() {
		gates[gs.Name] = gs
	}
	procs := map[string]supervisor.Status{}
	for _, ps := range a.sup.Statuses() {
		procs[ps.Name] = ps
	}

	st := Status{
		Mode:      a.Mode(),
		StartedAt: a.startedAt,
		Breakers:  a.breakers.Snapshot(),
	}
	for _, svc := range a.services {
		ss := ServiceStatus{
			Name:    svc.Name,
			Managed: svc.Managed(),
			Gate:    gates[svc.Name],
		}
		if ps, ok := procs[svc.Name]; ok {
			ss.Process = &ps
		}
		if u, ok := a.Target(svc.Name); ok {
			ss.Target = u.String()
		}
		st.Services = append(st.Services, ss)
	}
	for _, rc := range a.cfg.Routes {
		st.Routes = append(st.Routes, RouteStatus{Prefix: rc.Prefix, Service: rc.Service, Guarded: rc.Guarded})
	}
	return st
}
