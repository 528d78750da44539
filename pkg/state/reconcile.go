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

package state

import (
	"context"
	"fmt"
	"time"

	"github.com/pigeonworks-llc/go-svcgate/pkg/procinspect"
)

// PruneStale removes leases whose owner process is no longer running,
// stamps the store with the prune time and returns the removed leases.
func PruneStale(store Store) ([]*Lease, error) {
	leases, err := store.List()
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}

	var removed []*Lease
	for _, lease := range leases {
		if GetLeaseStatus(lease) != StatusStale {
			continue
		}
		if err := store.Remove(lease.Service); err != nil {
			return removed, fmt.Errorf("failed to remove stale lease %s: %w", lease.Service, err)
		}
		removed = append(removed, lease)
	}

	if err := store.MarkReconciled(time.Now()); err != nil {
		return removed, fmt.Errorf("failed to record reconcile time: %w", err)
	}
	return removed, nil
}

// IsProcessRunning checks if a process is running. Zombies count as exited.
func IsProcessRunning(pid int) bool {
	return procinspect.Running(context.Background(), pid)
}

// GetLeaseStatus returns the status of a lease owner.
func GetLeaseStatus(lease *Lease) LeaseStatus {
	if IsProcessRunning(lease.OwnerPID) {
		return StatusActive
	}
	return StatusStale
}
