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

package procinspect

import (
	"context"
	"fmt"
	"math"
	"sort"

	"github.com/shirou/gopsutil/v3/net"
	"github.com/shirou/gopsutil/v3/process"
)

// statusListen is the connection status of a listening TCP socket.
const statusListen = "LISTEN"

// System inspects the local host through gopsutil.
type System struct{}

// New returns the host inspector.
func New() Inspector {
	return &System{}
}

// ListeningPIDs returns the PIDs holding a listening socket on port.
func (s *System) ListeningPIDs(ctx context.Context, port int) ([]int, error) {
	conns, err := net.ConnectionsWithContext(ctx, "tcp")
	if err != nil {
		return nil, fmt.Errorf("failed to list tcp sockets: %w", err)
	}
	return listenersOn(conns, port), nil
}

// Alive reports whether pid is a running process that is not a zombie.
func (s *System) Alive(pid int) bool {
	return Running(context.Background(), pid)
}

// Running reports whether pid is a running process that is not a zombie.
func Running(ctx context.Context, pid int) bool {
	if pid <= 0 || pid > math.MaxInt32 {
		return false
	}
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false
	}
	running, err := proc.IsRunningWithContext(ctx)
	if err != nil || !running {
		return false
	}

	// Not every platform reports status; an unknown status counts as alive.
	statuses, err := proc.StatusWithContext(ctx)
	if err != nil {
		return true
	}
	for _, st := range statuses {
		if st == process.Zombie {
			return false
		}
	}
	return true
}

// listenersOn picks the owners of listening sockets on port, deduplicated
// and sorted. Sockets whose owner is not visible have no PID and are skipped.
func listenersOn(conns []net.ConnectionStat, port int) []int {
	seen := map[int]struct{}{}
	var pids []int
	for _, c := range conns {
		if c.Status != statusListen || int(c.Laddr.Port) != port || c.Pid <= 0 {
			continue
		}
		pid := int(c.Pid)
		if _, dup := seen[pid]; dup {
			continue
		}
		seen[pid] = struct{}{}
		pids = append(pids, pid)
	}
	sort.Ints(pids)
	return pids
}
