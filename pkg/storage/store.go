package storage

import "github.com/nexusvm/microvmctl/pkg/types"

// Store is the durable, single-writer tenant catalog. Implementations
// must serialize writes at the underlying database level and never
// panic on a concurrent-access failure.
type Store interface {
	// InsertTenant atomically persists a new record; fails with
	// types.ErrDuplicate if the id already exists.
	InsertTenant(tenant *types.Tenant) error

	// UpdateTenantStatus atomically updates status and PID.
	UpdateTenantStatus(id string, status types.Status, vmPid int) error

	// DeleteTenant removes the record. Deleting an absent id is not an error.
	DeleteTenant(id string) error

	// LoadAllTenants returns the full snapshot of tenants.
	LoadAllTenants() ([]*types.Tenant, error)

	// NextIndex returns the persisted allocator cursor, defaulting to 1.
	NextIndex() (uint16, error)

	// SetNextIndex persists the allocator cursor.
	SetNextIndex(next uint16) error

	Close() error
}
