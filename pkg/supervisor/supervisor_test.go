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

package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pigeonworks-llc/go-svcgate/pkg/ports"
	"github.com/pigeonworks-llc/go-svcgate/pkg/state"
)

// TestHelperProcess is not a real test; it is re-executed as a managed service.
func TestHelperProcess(t *testing.T) {
	if os.Getenv("GO_WANT_HELPER_PROCESS") != "1" {
		return
	}

	switch os.Getenv("HELPER_MODE") {
	case "ready":
		time.Sleep(20 * time.Millisecond)
		fmt.Printf("server listening on port %s\n", os.Getenv("PORT"))
	case "silent":
	case "addrinuse":
		fmt.Fprintf(os.Stderr, "Error: listen EADDRINUSE: address already in use :::%s\n", os.Getenv("PORT"))
		os.Exit(1)
	case "crash":
		fmt.Println("started")
		time.Sleep(100 * time.Millisecond)
		os.Exit(2)
	case "stubborn":
		signal.Ignore(syscall.SIGTERM)
		fmt.Println("running")
	case "echo-port":
		fmt.Printf("initialized port=%s\n", os.Getenv("APP_PORT"))
	}
	time.Sleep(time.Minute)
	os.Exit(0)
}

func helperDescriptor(name, mode string) Descriptor {
	return Descriptor{
		Name:    name,
		Command: os.Args[0],
		Args:    []string{"-test.run=TestHelperProcess"},
		Env: map[string]string{
			"GO_WANT_HELPER_PROCESS": "1",
			"HELPER_MODE":            mode,
		},
	}
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) record(ev Event) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, ev)
}

func (l *eventLog) to(state State) []Event {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []Event
	for _, ev := range l.events {
		if ev.To == state {
			out = append(out, ev)
		}
	}
	return out
}

func newTestSupervisor(t *testing.T, config *Config) (*Supervisor, *ports.Allocator, *eventLog) {
	t.Helper()

	store, err := state.NewManager(filepath.Join(t.TempDir(), "leases.json"))
	require.NoError(t, err)
	alloc := ports.NewAllocator(nil, store, nil, nil)

	if config == nil {
		config = DefaultConfig()
	}
	config.SpawnBackoff = 10 * time.Millisecond
	if config.StopTimeout == 0 {
		config.StopTimeout = time.Second
	}

	sup := New(config, alloc, nil)
	events := &eventLog{}
	sup.Subscribe(events.record)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = sup.Shutdown(ctx)
	})
	return sup, alloc, events
}

func TestSupervisor_StartReadyMarker(t *testing.T) {
	sup, alloc, events := newTestSupervisor(t, nil)

	require.NoError(t, sup.Start(context.Background(), helperDescriptor("auth", "ready")))

	status, err := sup.Status("auth")
	require.NoError(t, err)
	assert.Equal(t, StateHealthy, status.State)
	assert.Equal(t, ReasonMarker, status.Promotion)
	assert.NotZero(t, status.PID)
	assert.Equal(t, 1, status.Attempts)

	port, ok := alloc.Port("auth")
	require.True(t, ok)
	assert.Equal(t, status.Port, port)

	healthy := events.to(StateHealthy)
	require.Len(t, healthy, 1)
	assert.Equal(t, ReasonMarker, healthy[0].Reason)
	assert.True(t, healthy[0].Reason.Confirmed())
}

func TestSupervisor_StartsSeveralServicesQuickly(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, nil)

	names := []string{"auth", "emr", "rtc"}
	start := time.Now()

	var wg sync.WaitGroup
	errs := make(chan error, len(names))
	for _, name := range names {
		wg.Add(1)
		go func(name string) {
			defer wg.Done()
			errs <- sup.Start(context.Background(), helperDescriptor(name, "ready"))
		}(name)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	assert.Less(t, time.Since(start), time.Second)
	for _, status := range sup.Statuses() {
		assert.Equal(t, StateHealthy, status.State, status.Name)
	}
	assert.Len(t, sup.Statuses(), 3)
}

func TestSupervisor_OptimisticPromotion(t *testing.T) {
	config := DefaultConfig()
	config.ReadyTimeout = 150 * time.Millisecond
	sup, _, events := newTestSupervisor(t, config)

	require.NoError(t, sup.Start(context.Background(), helperDescriptor("emr", "silent")))

	status, err := sup.Status("emr")
	require.NoError(t, err)
	assert.Equal(t, StateHealthy, status.State)
	assert.Equal(t, ReasonTimeout, status.Promotion)

	healthy := events.to(StateHealthy)
	require.Len(t, healthy, 1)
	assert.False(t, healthy[0].Reason.Confirmed())
}

func TestSupervisor_RetriesAddressInUse(t *testing.T) {
	sup, alloc, events := newTestSupervisor(t, nil)

	err := sup.Start(context.Background(), helperDescriptor("rtc", "addrinuse"))
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrProcessSpawnFailure)

	var spawnErr *SpawnError
	require.True(t, errors.As(err, &spawnErr))
	assert.Equal(t, 3, spawnErr.Attempts)
	assert.Contains(t, spawnErr.Error(), "address already in use")

	status, err := sup.Status("rtc")
	require.NoError(t, err)
	assert.Equal(t, StateUnhealthy, status.State)
	assert.Equal(t, 3, status.Attempts)

	assert.Len(t, events.to(StateStarting), 3)

	_, leased := alloc.Port("rtc")
	assert.False(t, leased, "lease is released after giving up")
}

func TestSupervisor_UnexpectedExit(t *testing.T) {
	sup, _, events := newTestSupervisor(t, nil)

	require.NoError(t, sup.Start(context.Background(), helperDescriptor("emr", "crash")))
	first, err := sup.Status("emr")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		status, err := sup.Status("emr")
		return err == nil && status.State == StateUnhealthy
	}, 3*time.Second, 20*time.Millisecond)

	// No automatic respawn
	time.Sleep(100 * time.Millisecond)
	status, err := sup.Status("emr")
	require.NoError(t, err)
	assert.Equal(t, first.PID, status.PID)
	assert.Equal(t, 1, status.Attempts)

	unhealthy := events.to(StateUnhealthy)
	require.Len(t, unhealthy, 1)
	assert.Equal(t, ReasonExit, unhealthy[0].Reason)
	assert.Error(t, unhealthy[0].Err)
}

func TestSupervisor_MarkReady(t *testing.T) {
	config := DefaultConfig()
	config.ReadyTimeout = 10 * time.Second
	sup, _, _ := newTestSupervisor(t, config)

	done := make(chan error, 1)
	go func() { done <- sup.Start(context.Background(), helperDescriptor("auth", "silent")) }()

	require.Eventually(t, func() bool {
		status, err := sup.Status("auth")
		return err == nil && status.State == StateStarting && status.PID != 0
	}, 3*time.Second, 10*time.Millisecond)

	assert.True(t, sup.MarkReady("auth", ReasonProbe))
	assert.False(t, sup.MarkReady("auth", ReasonProbe), "second promotion is a no-op")
	assert.False(t, sup.MarkReady("unknown", ReasonProbe))

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Start did not return after MarkReady")
	}

	status, err := sup.Status("auth")
	require.NoError(t, err)
	assert.Equal(t, ReasonProbe, status.Promotion)
}

type recordingDetector struct {
	mu    sync.Mutex
	lines []string
}

func (d *recordingDetector) Ready(line string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.lines = append(d.lines, line)
	return strings.HasPrefix(line, "initialized")
}

func TestSupervisor_InjectsPort(t *testing.T) {
	detector := &recordingDetector{}
	config := DefaultConfig()
	config.Detector = detector
	sup, _, _ := newTestSupervisor(t, config)

	d := helperDescriptor("api", "echo-port")
	d.PortEnv = "APP_PORT"
	require.NoError(t, sup.Start(context.Background(), d))

	status, err := sup.Status("api")
	require.NoError(t, err)

	detector.mu.Lock()
	defer detector.mu.Unlock()
	assert.Contains(t, detector.lines, fmt.Sprintf("initialized port=%d", status.Port))
}

func TestSupervisor_ShutdownReverseOrder(t *testing.T) {
	sup, alloc, events := newTestSupervisor(t, nil)

	for _, name := range []string{"auth", "emr", "rtc"} {
		require.NoError(t, sup.Start(context.Background(), helperDescriptor(name, "ready")))
	}

	require.NoError(t, sup.Shutdown(context.Background()))

	stopped := events.to(StateStopped)
	require.Len(t, stopped, 3)
	assert.Equal(t, "rtc", stopped[0].Service)
	assert.Equal(t, "emr", stopped[1].Service)
	assert.Equal(t, "auth", stopped[2].Service)

	for _, name := range []string{"auth", "emr", "rtc"} {
		_, leased := alloc.Port(name)
		assert.False(t, leased, name)
	}
	assert.Empty(t, events.to(StateUnhealthy), "shutdown exits are expected")
}

func TestSupervisor_ShutdownForcesStubbornProcess(t *testing.T) {
	config := DefaultConfig()
	config.StopTimeout = 200 * time.Millisecond
	sup, _, _ := newTestSupervisor(t, config)

	require.NoError(t, sup.Start(context.Background(), helperDescriptor("rtc", "stubborn")))

	start := time.Now()
	require.NoError(t, sup.Shutdown(context.Background()))
	assert.Less(t, time.Since(start), 2*time.Second)

	status, err := sup.Status("rtc")
	require.NoError(t, err)
	assert.Equal(t, StateStopped, status.State)
}

func TestSupervisor_StartValidation(t *testing.T) {
	sup, _, _ := newTestSupervisor(t, nil)

	assert.Error(t, sup.Start(context.Background(), Descriptor{Name: "x"}))

	require.NoError(t, sup.Start(context.Background(), helperDescriptor("auth", "ready")))
	assert.Error(t, sup.Start(context.Background(), helperDescriptor("auth", "ready")), "already running")

	_, err := sup.Status("missing")
	assert.ErrorIs(t, err, ErrUnknownService)
}

func TestSupervisor_StartCanceled(t *testing.T) {
	config := DefaultConfig()
	config.ReadyTimeout = 10 * time.Second
	sup, _, _ := newTestSupervisor(t, config)

	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()

	err := sup.Start(ctx, helperDescriptor("emr", "silent"))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestMarkerDetector(t *testing.T) {
	d := NewMarkerDetector()
	assert.True(t, d.Ready("Server LISTENING on :3000"))
	assert.True(t, d.Ready("database initialized"))
	assert.False(t, d.Ready("loading configuration"))

	custom := NewMarkerDetector("ready to accept")
	assert.True(t, custom.Ready("Ready to accept connections"))
	assert.False(t, custom.Ready("listening"))

	assert.True(t, isAddrInUse("Error: listen EADDRINUSE :::3000"))
	assert.True(t, isAddrInUse("bind: address already in use"))
	assert.False(t, isAddrInUse("listening"))
}
