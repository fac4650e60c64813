/*
Package storage provides the control plane's durable tenant table.

BoltStore persists the Store interface over a single bbolt database
file under the configured data directory: one bucket for tenant
records keyed by tenant ID, one for control-plane metadata (schema
version, the subnet allocator's next-index cursor). Records are
JSON-encoded; unknown status or tier values decode to Failed/Free
rather than failing the read, so a tenant added by a newer build
doesn't break an older one reading the same file.

	store, err := storage.NewBoltStore(dataDir)
	tenants, err := store.LoadAllTenants()

Schema changes are applied once at open time via migrate, gated on a
schema_version key in the meta bucket.
*/
package storage
