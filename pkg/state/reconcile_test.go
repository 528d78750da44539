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
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsProcessRunning(t *testing.T) {
	t.Run("current process is running", func(t *testing.T) {
		assert.True(t, IsProcessRunning(os.Getpid()))
	})

	t.Run("invalid PIDs are not running", func(t *testing.T) {
		assert.False(t, IsProcessRunning(0))
		assert.False(t, IsProcessRunning(-1))
	})

	t.Run("unlikely PID is not running", func(t *testing.T) {
		assert.False(t, IsProcessRunning(4194303))
	})
}

func TestGetLeaseStatus(t *testing.T) {
	assert.Equal(t, StatusActive, GetLeaseStatus(&Lease{OwnerPID: os.Getpid()}))
	assert.Equal(t, StatusStale, GetLeaseStatus(&Lease{OwnerPID: 4194303}))
}

func TestPruneStale(t *testing.T) {
	mgr, err := NewManager(filepath.Join(t.TempDir(), "leases.json"))
	require.NoError(t, err)

	require.NoError(t, mgr.Put(&Lease{Service: "live", Port: 4001, OwnerPID: os.Getpid(), ReservedAt: time.Now()}))
	require.NoError(t, mgr.Put(&Lease{Service: "dead", Port: 4002, OwnerPID: 4194303, ReservedAt: time.Now()}))

	removed, err := PruneStale(mgr)
	require.NoError(t, err)
	require.Len(t, removed, 1)
	assert.Equal(t, "dead", removed[0].Service)

	leases, err := mgr.List()
	require.NoError(t, err)
	require.Len(t, leases, 1)
	assert.Equal(t, "live", leases[0].Service)

	removed, err = PruneStale(mgr)
	require.NoError(t, err)
	assert.Empty(t, removed)
}

func TestPruneStale_RecordsReconcileTime(t *testing.T) {
	for name, store := range storeBackends(t) {
		t.Run(name, func(t *testing.T) {
			last, err := store.LastReconciled()
			require.NoError(t, err)
			assert.True(t, last.IsZero())

			before := time.Now().Add(-time.Second)
			_, err = PruneStale(store)
			require.NoError(t, err)

			last, err = store.LastReconciled()
			require.NoError(t, err)
			assert.True(t, last.After(before), "last reconciled %s", last)
		})
	}
}

func TestManager_ReconcileTimeInRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "leases.json")
	mgr, err := NewManager(path)
	require.NoError(t, err)

	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	require.NoError(t, mgr.MarkReconciled(at))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `"last_reconciled_at": "2025-03-01T12:00:00Z"`)
}
