// Package store defines the abstract persistence contracts the core depends
// on. Implementations must support optimistic concurrency on Save: a record
// whose Version does not match the stored one is rejected so per-record races
// resolve to exactly one winner.
package store

import (
	"context"
	"time"

	"licensectl/pkg/contracts/domain"
)

// LicenseStore persists license records.
type LicenseStore interface {
	// GetByKey returns the license for an opaque key, or ErrNotFound.
	GetByKey(ctx context.Context, key string) (*domain.License, error)
	// GetByID returns the license by id, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*domain.License, error)
	// FindByMachine returns the license a fingerprint is bound to, or
	// ErrNotFound when the machine is unbound.
	FindByMachine(ctx context.Context, fingerprint string) (*domain.License, error)
	// ListByClient returns every license owned by a client.
	ListByClient(ctx context.Context, clientID string) ([]*domain.License, error)
	// ListByStatus returns every license in the given status.
	ListByStatus(ctx context.Context, status domain.LicenseStatus) ([]*domain.License, error)
	// Save persists a record. A new record (Version 0, empty ID rejected)
	// is inserted; an existing one is updated only when the Version matches,
	// otherwise ErrConcurrencyConflict. The stored Version is incremented on
	// success and reflected back into the passed record.
	Save(ctx context.Context, license *domain.License) error
}

// MachineStore persists machine records and the append-only usage log.
type MachineStore interface {
	// GetByFingerprint returns the machine by fingerprint, or ErrNotFound.
	GetByFingerprint(ctx context.Context, fingerprint string) (*domain.Machine, error)
	// GetByID returns the machine by id, or ErrNotFound.
	GetByID(ctx context.Context, id string) (*domain.Machine, error)
	// ListByClient returns every machine owned by a client.
	ListByClient(ctx context.Context, clientID string) ([]*domain.Machine, error)
	// List returns a snapshot of all machines for sweep scans.
	List(ctx context.Context) ([]*domain.Machine, error)
	// ListClients returns the distinct client ids owning machines.
	ListClients(ctx context.Context) ([]string, error)
	// Save persists a record under the same versioning rules as LicenseStore.
	Save(ctx context.Context, machine *domain.Machine) error

	// AppendUsageEvent appends to the usage log. The log is append-only with
	// bounded retention; events are never mutated.
	AppendUsageEvent(ctx context.Context, event domain.UsageEvent) error
	// QueryUsageEvents returns a client's events with from <= ts < to,
	// ordered by timestamp ascending.
	QueryUsageEvents(ctx context.Context, clientID string, from, to time.Time) ([]domain.UsageEvent, error)
}
