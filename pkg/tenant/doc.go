/*
Package tenant is the control plane's orchestration core: it owns the
in-memory tenant table and drives every operation that touches a
tenant's microVM — provisioning, lifecycle transitions, snapshotting,
and crash recovery.

# Provisioning and rollback

Create allocates a /30 subnet, creates the tenant's TAP device and data
volume, injects environment variables into the data volume, copies the
shared rootfs image, and boots the VM via the hypervisor's control
socket. If any step fails, every earlier step is unwound: the subnet is
released, the TAP device deleted, the data directory removed, and the
socket file cleaned up. A partially-provisioned tenant is never left
registered in the store or the in-memory table.

# Recovery

Recover runs once at startup. It loads every persisted tenant, restores
the subnet allocator's cursor, and reconciles each tenant's recorded
status against whether its VM process is still alive (via a signal-0
liveness probe, not a /proc read, so the same code works on any POSIX
host). Tenants caught mid-provision at a crash are marked Failed;
tenants that claim to be Running or Paused but whose process is gone
are marked Stopped.

# Concurrency

A single sync.RWMutex guards the tenant table. Lifecycle operations
take the write lock only around the in-memory mutation; the
potentially slow hypervisor calls happen outside it, so a stuck VM
start doesn't block unrelated reads.
*/
package tenant
