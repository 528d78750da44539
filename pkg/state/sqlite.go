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
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a Store backed by a SQLite database. Each mutation runs in
// its own transaction.
type SQLiteStore struct {
	db *sql.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (and if needed creates) a lease database at path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enabling WAL mode: %w", err)
	}

	const schema = `CREATE TABLE IF NOT EXISTS leases (
		service     TEXT PRIMARY KEY,
		port        INTEGER NOT NULL,
		owner_pid   INTEGER NOT NULL,
		reserved_at TEXT NOT NULL
	)`
	const metaSchema = `CREATE TABLE IF NOT EXISTS meta (
		key   TEXT PRIMARY KEY,
		value TEXT NOT NULL
	)`
	for _, stmt := range []string{schema, metaSchema} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Put records a lease, replacing any existing lease for the same service.
func (s *SQLiteStore) Put(lease *Lease) error {
	if lease == nil || lease.Service == "" {
		return fmt.Errorf("lease must name a service")
	}

	_, err := s.db.Exec(`INSERT INTO leases (service, port, owner_pid, reserved_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(service) DO UPDATE SET
			port = excluded.port,
			owner_pid = excluded.owner_pid,
			reserved_at = excluded.reserved_at`,
		lease.Service, lease.Port, lease.OwnerPID, lease.ReservedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("writing lease %s: %w", lease.Service, err)
	}
	return nil
}

// Remove deletes the lease for a service. Removing an absent lease is a no-op.
func (s *SQLiteStore) Remove(service string) error {
	if _, err := s.db.Exec("DELETE FROM leases WHERE service = ?", service); err != nil {
		return fmt.Errorf("removing lease %s: %w", service, err)
	}
	return nil
}

// RemoveAll deletes every lease.
func (s *SQLiteStore) RemoveAll() error {
	if _, err := s.db.Exec("DELETE FROM leases"); err != nil {
		return fmt.Errorf("removing leases: %w", err)
	}
	return nil
}

// Get returns the lease for a service.
func (s *SQLiteStore) Get(service string) (*Lease, error) {
	row := s.db.QueryRow("SELECT service, port, owner_pid, reserved_at FROM leases WHERE service = ?", service)
	lease, err := scanLease(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("service %s: %w", service, ErrLeaseNotFound)
	}
	return lease, err
}

// List returns all leases ordered by service name.
func (s *SQLiteStore) List() ([]*Lease, error) {
	rows, err := s.db.Query("SELECT service, port, owner_pid, reserved_at FROM leases ORDER BY service")
	if err != nil {
		return nil, fmt.Errorf("listing leases: %w", err)
	}
	defer rows.Close()

	var leases []*Lease
	for rows.Next() {
		lease, err := scanLease(rows)
		if err != nil {
			return nil, err
		}
		leases = append(leases, lease)
	}
	return leases, rows.Err()
}

const metaLastReconciled = "last_reconciled_at"

// MarkReconciled records the last prune time.
func (s *SQLiteStore) MarkReconciled(at time.Time) error {
	_, err := s.db.Exec(`INSERT INTO meta (key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`,
		metaLastReconciled, at.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("writing reconcile time: %w", err)
	}
	return nil
}

// LastReconciled returns the last prune time, or zero if none was recorded.
func (s *SQLiteStore) LastReconciled() (time.Time, error) {
	var raw string
	err := s.db.QueryRow("SELECT value FROM meta WHERE key = ?", metaLastReconciled).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("reading reconcile time: %w", err)
	}
	at, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parsing reconcile time: %w", err)
	}
	return at, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanLease(row scanner) (*Lease, error) {
	var (
		lease      Lease
		reservedAt string
	)
	if err := row.Scan(&lease.Service, &lease.Port, &lease.OwnerPID, &reservedAt); err != nil {
		return nil, err
	}
	t, err := time.Parse(time.RFC3339Nano, reservedAt)
	if err != nil {
		return nil, fmt.Errorf("parsing reserved_at for %s: %w", lease.Service, err)
	}
	lease.ReservedAt = t
	return &lease, nil
}
