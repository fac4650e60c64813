// Package subnet allocates one /30 subnet per tenant out of a single
// /16 pool, handing each tenant a stable gateway/VM IP pair for the
// lifetime of its microVM.
package subnet

import (
	"fmt"
	"strings"
	"sync"

	"github.com/nexusvm/microvmctl/pkg/types"
)

// Allocator hands out /30 subnets from a configured /16 CIDR. Each
// tenant gets index.1 as its gateway (host TAP) address and index.2 as
// its VM address. Indexes are never reused within a process lifetime:
// Release frees the tenant_id -> index mapping but does not roll back
// the cursor, so a released index is never handed out again. This
// keeps subnet assignments stable and gap-tolerant across restarts.
type Allocator struct {
	mu          sync.Mutex
	baseNetwork string // first two octets, e.g. "172.16"
	nextIndex   uint16
	allocated   map[string]uint16
}

// New builds an Allocator over cidr (only the first two octets are
// used; the pool is always treated as a /16).
func New(cidr string) *Allocator {
	parts := strings.SplitN(cidr, ".", 3)
	base := cidr
	if len(parts) >= 2 {
		base = parts[0] + "." + parts[1]
	}
	return &Allocator{
		baseNetwork: base,
		nextIndex:   1,
		allocated:   make(map[string]uint16),
	}
}

// Allocate assigns the next free index to tenantID and returns its
// gateway and VM IPs. Fails with types.ErrAlreadyAllocated if the
// tenant already holds a subnet, or types.ErrPoolExhausted once the
// /16 pool's index space is used up.
func (a *Allocator) Allocate(tenantID string) (gatewayIP, vmIP string, err error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, ok := a.allocated[tenantID]; ok {
		return "", "", fmt.Errorf("%w: %s", types.ErrAlreadyAllocated, tenantID)
	}
	if a.nextIndex > 65000 {
		return "", "", types.ErrPoolExhausted
	}

	index := a.nextIndex
	a.nextIndex++
	a.allocated[tenantID] = index

	return a.addresses(index)
}

// Release frees tenantID's subnet mapping. The underlying index is
// never reissued.
func (a *Allocator) Release(tenantID string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.allocated, tenantID)
}

// Restore re-registers a previously allocated index for tenantID
// without consuming a new one or advancing the cursor. Used during
// startup recovery to rebuild allocator state from persisted tenant
// records; the cursor itself is restored separately via SetNextIndex
// from the store's persisted value.
func (a *Allocator) Restore(tenantID string, index uint16) (gatewayIP, vmIP string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.allocated[tenantID] = index
	gatewayIP, vmIP, _ = a.addresses(index)
	return gatewayIP, vmIP
}

// NextIndex returns the allocator's current cursor, for persistence.
func (a *Allocator) NextIndex() uint16 {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.nextIndex
}

// SetNextIndex seeds the allocator's cursor, e.g. from a persisted
// value at startup. It never moves the cursor backwards.
func (a *Allocator) SetNextIndex(next uint16) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if next > a.nextIndex {
		a.nextIndex = next
	}
}

func (a *Allocator) addresses(index uint16) (gatewayIP, vmIP string, err error) {
	gatewayIP = fmt.Sprintf("%s.%d.1", a.baseNetwork, index)
	vmIP = fmt.Sprintf("%s.%d.2", a.baseNetwork, index)
	return gatewayIP, vmIP, nil
}
