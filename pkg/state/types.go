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

// Package state persists port leases for go-svcgate.
package state

import (
	"errors"
	"time"
)

// Record represents the entire lease file structure.
type Record struct {
	Version          string            `json:"version"`
	Leases           map[string]*Lease `json:"leases"`
	LastReconciledAt time.Time         `json:"last_reconciled_at,omitempty"`
}

// Lease asserts that a service currently owns a port.
type Lease struct {
	Service    string    `json:"-"`
	Port       int       `json:"port"`
	OwnerPID   int       `json:"owner_pid"`
	ReservedAt time.Time `json:"reserved_at"`
}

// LeaseStatus represents the status of a lease owner.
type LeaseStatus string

const (
	// StatusActive indicates the lease owner process is running.
	StatusActive LeaseStatus = "active"
	// StatusStale indicates the lease owner process is gone.
	StatusStale LeaseStatus = "stale"
)

// CurrentVersion is the current version of the lease file format.
const CurrentVersion = "1.0"

// ErrLeaseNotFound is returned when no lease exists for a service.
var ErrLeaseNotFound = errors.New("lease not found")

// Store is the durable lease record. Every mutation rewrites the full record.
type Store interface {
	Put(lease *Lease) error
	Remove(service string) error
	RemoveAll() error
	Get(service string) (*Lease, error)
	List() ([]*Lease, error)
	// MarkReconciled records when stale leases were last pruned.
	MarkReconciled(at time.Time) error
	// LastReconciled returns the last MarkReconciled time, or zero.
	LastReconciled() (time.Time, error)
	Close() error
}

func newRecord() *Record {
	return &Record{
		Version: CurrentVersion,
		Leases:  map[string]*Lease{},
	}
}
