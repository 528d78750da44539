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
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"syscall"
	"time"
)

// Manager is a Store backed by a JSON file with file locking.
type Manager struct {
	statePath string
	mu        sync.Mutex
}

var _ Store = (*Manager)(nil)

// DefaultPath returns the default lease file location.
func DefaultPath() (string, error) {
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get home directory: %w", err)
	}
	return filepath.Join(homeDir, ".go-svcgate", "leases.json"), nil
}

// NewManager creates a new lease file manager. An empty path selects DefaultPath.
func NewManager(statePath string) (*Manager, error) {
	if statePath == "" {
		p, err := DefaultPath()
		if err != nil {
			return nil, err
		}
		statePath = p
	}

	if err := os.MkdirAll(filepath.Dir(statePath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	return &Manager{
		statePath: statePath,
	}, nil
}

// Path returns the lease file path.
func (m *Manager) Path() string {
	return m.statePath
}

// lockFile locks the state file for exclusive access.
func (m *Manager) lockFile(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_EX)
}

// unlockFile unlocks the state file.
func (m *Manager) unlockFile(f *os.File) error {
	return syscall.Flock(int(f.Fd()), syscall.LOCK_UN)
}

// readRecord reads the lease file (must be called with lock held).
func (m *Manager) readRecord(f *os.File) (*Record, error) {
	stat, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("failed to stat state file: %w", err)
	}

	// Empty file, return new record
	if stat.Size() == 0 {
		return newRecord(), nil
	}

	var record Record
	decoder := json.NewDecoder(f)
	if err := decoder.Decode(&record); err != nil {
		return nil, fmt.Errorf("failed to decode state file: %w", err)
	}
	if record.Leases == nil {
		record.Leases = map[string]*Lease{}
	}
	for name, lease := range record.Leases {
		lease.Service = name
	}

	return &record, nil
}

// writeRecord rewrites the whole lease file (must be called with lock held).
func (m *Manager) writeRecord(f *os.File, record *Record) error {
	if err := f.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate state file: %w", err)
	}

	if _, err := f.Seek(0, 0); err != nil {
		return fmt.Errorf("failed to seek to beginning: %w", err)
	}

	encoder := json.NewEncoder(f)
	encoder.SetIndent("", "  ")
	if err := encoder.Encode(record); err != nil {
		return fmt.Errorf("failed to encode state: %w", err)
	}

	return f.Sync()
}

// update runs fn against the current record and writes the result back.
func (m *Manager) update(fn func(*Record) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	f, err := os.OpenFile(m.statePath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open state file: %w", err)
	}
	defer f.Close()

	if err := m.lockFile(f); err != nil {
		return fmt.Errorf("failed to lock state file: %w", err)
	}
	defer func() { _ = m.unlockFile(f) }()

	record, err := m.readRecord(f)
	if err != nil {
		return err
	}

	if err := fn(record); err != nil {
		return err
	}

	return m.writeRecord(f, record)
}

// load reads the record under a shared lock.
func (m *Manager) load() (*Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, err := os.Stat(m.statePath); os.IsNotExist(err) {
		return newRecord(), nil
	}

	f, err := os.OpenFile(m.statePath, os.O_RDONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open state file: %w", err)
	}
	defer f.Close()

	if err := syscall.Flock(int(f.Fd()), syscall.LOCK_SH); err != nil {
		return nil, fmt.Errorf("failed to lock state file: %w", err)
	}
	defer func() { _ = syscall.Flock(int(f.Fd()), syscall.LOCK_UN) }()

	return m.readRecord(f)
}

// Put records a lease, replacing any existing lease for the same service.
func (m *Manager) Put(lease *Lease) error {
	if lease == nil || lease.Service == "" {
		return fmt.Errorf("lease must name a service")
	}
	stored := *lease
	return m.update(func(r *Record) error {
		r.Leases[lease.Service] = &stored
		return nil
	})
}

// Remove deletes the lease for a service. Removing an absent lease is a no-op.
func (m *Manager) Remove(service string) error {
	return m.update(func(r *Record) error {
		delete(r.Leases, service)
		return nil
	})
}

// RemoveAll deletes every lease.
func (m *Manager) RemoveAll() error {
	return m.update(func(r *Record) error {
		r.Leases = map[string]*Lease{}
		return nil
	})
}

// Get returns the lease for a service.
func (m *Manager) Get(service string) (*Lease, error) {
	record, err := m.load()
	if err != nil {
		return nil, err
	}

	lease, ok := record.Leases[service]
	if !ok {
		return nil, fmt.Errorf("service %s: %w", service, ErrLeaseNotFound)
	}
	return lease, nil
}

// List returns all leases ordered by service name.
func (m *Manager) List() ([]*Lease, error) {
	record, err := m.load()
	if err != nil {
		return nil, err
	}
	return sortedLeases(record.Leases), nil
}

// MarkReconciled stamps the record with the last prune time.
func (m *Manager) MarkReconciled(at time.Time) error {
	return m.update(func(r *Record) error {
		r.LastReconciledAt = at.UTC()
		return nil
	})
}

// LastReconciled returns the record's last prune time.
func (m *Manager) LastReconciled() (time.Time, error) {
	record, err := m.load()
	if err != nil {
		return time.Time{}, err
	}
	return record.LastReconciledAt, nil
}

// Close is a no-op for the file store.
func (m *Manager) Close() error {
	return nil
}

func sortedLeases(leases map[string]*Lease) []*Lease {
	out := make([]*Lease, 0, len(leases))
	for _, lease := range leases {
		out = append(out, lease)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Service < out[j].Service })
	return out
}
