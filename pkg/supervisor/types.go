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
	"errors"
	"fmt"
	"time"
)

// State is the lifecycle state of a managed service.
type State string

const (
	StateStarting  State = "starting"
	StateHealthy   State = "healthy"
	StateUnhealthy State = "unhealthy"
	StateStopped   State = "stopped"
)

// Reason explains a state transition.
type Reason string

const (
	// ReasonSpawned marks a freshly started process.
	ReasonSpawned Reason = "spawned"
	// ReasonMarker means a readiness marker was seen in the process output.
	ReasonMarker Reason = "marker"
	// ReasonExplicit means readiness was signalled through MarkReady.
	ReasonExplicit Reason = "explicit"
	// ReasonProbe means an active health probe succeeded.
	ReasonProbe Reason = "probe"
	// ReasonTimeout means no readiness was observed and the service was
	// optimistically promoted.
	ReasonTimeout Reason = "timeout"
	// ReasonProbeTimeout means active probing was exhausted and the service
	// was optimistically promoted.
	ReasonProbeTimeout Reason = "probe-timeout"

	ReasonExit         Reason = "exit"
	ReasonSpawnFailure Reason = "spawn-failure"
	ReasonShutdown     Reason = "shutdown"
)

// Confirmed reports whether the reason is a verified readiness signal rather
// than an optimistic promotion.
func (r Reason) Confirmed() bool {
	switch r {
	case ReasonMarker, ReasonExplicit, ReasonProbe:
		return true
	}
	return false
}

var (
	// ErrProcessSpawnFailure is returned once the spawn attempt cap is exceeded.
	ErrProcessSpawnFailure = errors.New("process spawn failure")
	// ErrShutdownTimeout marks a process that did not exit after SIGTERM.
	ErrShutdownTimeout = errors.New("shutdown timeout")
	// ErrUnknownService is returned for services the supervisor does not track.
	ErrUnknownService = errors.New("unknown service")
)

// SpawnError describes a service that could not be started.
type SpawnError struct {
	Service  string
	Attempts int
	Err      error
}

func (e *SpawnError) Error() string {
	return fmt.Sprintf("service %s failed to start after %d attempt(s): %v", e.Service, e.Attempts, e.Err)
}

func (e *SpawnError) Unwrap() []error {
	return []error{ErrProcessSpawnFailure, e.Err}
}

// Descriptor declares how to run a managed service.
type Descriptor struct {
	Name    string
	Command string
	Args    []string
	Dir     string
	Env     map[string]string
	// Port is the preferred port; 0 lets the allocator choose.
	Port int
	// PortEnv is the environment variable carrying the port (default PORT).
	PortEnv string
	// HealthPath is an optional HTTP path for active probing.
	HealthPath string
	// ReadyTimeout overrides the supervisor default for this service.
	ReadyTimeout time.Duration
}

// Event is a handle state transition.
type Event struct {
	Service string
	From    State
	To      State
	Reason  Reason
	Port    int
	PID     int
	Err     error
	At      time.Time
}

// Status is a point-in-time copy of a service handle.
type Status struct {
	Name      string    `json:"name"`
	PID       int       `json:"pid,omitempty"`
	Port      int       `json:"port"`
	State     State     `json:"state"`
	Promotion Reason    `json:"promotion,omitempty"`
	Attempts  int       `json:"attempts"`
	StartedAt time.Time `json:"started_at"`
	LastProbe time.Time `json:"last_probe,omitempty"`
}
