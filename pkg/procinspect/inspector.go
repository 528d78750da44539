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

// Package procinspect discovers which processes own a TCP port and stops them.
package procinspect

import (
	"context"
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	ps "github.com/mitchellh/go-ps"
)

// Inspector finds the processes listening on a local TCP port.
type Inspector interface {
	// ListeningPIDs returns the PIDs holding a listening socket on port.
	ListeningPIDs(ctx context.Context, port int) ([]int, error)
	// Alive reports whether pid is a live (non-zombie) process.
	Alive(pid int) bool
}

// pollInterval is how often Terminate re-checks a signalled process.
const pollInterval = 50 * time.Millisecond

// ProcessName returns the executable name for pid, or "" if unknown.
func ProcessName(pid int) string {
	p, err := ps.FindProcess(pid)
	if err != nil || p == nil {
		return ""
	}
	return p.Executable()
}

// Terminate sends SIGTERM to pid, waits up to grace for it to exit and then
// sends SIGKILL. forced reports whether SIGKILL was needed.
func Terminate(ctx context.Context, insp Inspector, pid int, grace time.Duration) (forced bool, err error) {
	if pid <= 0 || pid == os.Getpid() {
		return false, fmt.Errorf("refusing to terminate pid %d", pid)
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return false, fmt.Errorf("failed to find process %d: %w", pid, err)
	}

	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) || !insp.Alive(pid) {
			return false, nil
		}
		return false, fmt.Errorf("failed to signal process %d: %w", pid, err)
	}

	if waitGone(ctx, insp, pid, grace) {
		return false, nil
	}

	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) && insp.Alive(pid) {
		return true, fmt.Errorf("failed to kill process %d: %w", pid, err)
	}

	if !waitGone(ctx, insp, pid, grace) {
		return true, fmt.Errorf("process %d still alive after SIGKILL", pid)
	}
	return true, nil
}

// waitGone polls until pid is gone or the timeout elapses.
func waitGone(ctx context.Context, insp Inspector, pid int, timeout time.Duration) bool {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if !insp.Alive(pid) {
			return true
		}
		select {
		case <-ctx.Done():
			return !insp.Alive(pid)
		case <-deadline.C:
			return !insp.Alive(pid)
		case <-ticker.C:
		}
	}
}
