// Package tenant implements the control plane's core orchestration:
// provisioning a tenant's microVM end to end, tearing it down cleanly
// on failure, driving its lifecycle, and reconciling persisted state
// against reality on startup.
package tenant

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/nexusvm/microvmctl/pkg/events"
	"github.com/nexusvm/microvmctl/pkg/hostnet"
	"github.com/nexusvm/microvmctl/pkg/hypervisor"
	"github.com/nexusvm/microvmctl/pkg/log"
	"github.com/nexusvm/microvmctl/pkg/metrics"
	"github.com/nexusvm/microvmctl/pkg/storage"
	"github.com/nexusvm/microvmctl/pkg/subnet"
	"github.com/nexusvm/microvmctl/pkg/types"
)

// Config holds the paths and binaries the Manager needs to provision
// and run microVMs.
type Config struct {
	FCBin       string
	VmlinuxPath string
	RootfsPath  string
	DataDir     string
	SnapshotDir string
}

// hostNetwork is the subset of hostnet.HostNetwork the Manager relies
// on. Narrowed to an interface so rollback paths can be exercised
// against a fake that fails on command.
type hostNetwork interface {
	CreateTap(tapName, gatewayIP string) error
	DeleteTap(tapName string) error
	CreateDataVolume(path string, sizeMB int) error
}

// vmClient is the subset of hypervisor.Client the Manager drives a
// single VM through.
type vmClient interface {
	StartVM(ctx context.Context, spec hypervisor.BootSpec) (int, error)
	Pause(ctx context.Context) error
	Resume(ctx context.Context) error
	CreateSnapshot(ctx context.Context, snapshotPath, memPath string) error
}

// snapshotManager is the subset of hypervisor.SnapshotManager the
// Manager needs for golden-snapshot fast starts.
type snapshotManager interface {
	HasGoldenSnapshot() bool
	GoldenSnapshotPath() (snapshotPath, memPath string)
	RestoreFromSnapshot(ctx context.Context, socketPath, snapshotPath, memPath string) (pid int, err error)
}

// Manager owns the in-memory tenant table and orchestrates every
// lifecycle operation against it. A single Manager instance is shared
// across the control API; all mutating methods take the lock.
type Manager struct {
	mu      sync.RWMutex
	tenants map[string]*types.Tenant

	cfg         Config
	store       storage.Store
	allocator   *subnet.Allocator
	snapshots   snapshotManager
	hostnet     hostNetwork
	newVMClient func(fcBin, socketPath string) vmClient
	broker      *events.Broker
}

// NewManager wires a Manager over an already-open Store and Allocator.
func NewManager(cfg Config, store storage.Store, allocator *subnet.Allocator, broker *events.Broker) *Manager {
	return &Manager{
		tenants:   make(map[string]*types.Tenant),
		cfg:       cfg,
		store:     store,
		allocator: allocator,
		snapshots: hypervisor.NewSnapshotManager(cfg.FCBin, cfg.SnapshotDir),
		hostnet:   hostnet.New(),
		newVMClient: func(fcBin, socketPath string) vmClient {
			return hypervisor.New(fcBin, socketPath)
		},
		broker: broker,
	}
}

// Recover loads persisted tenants on startup, rebuilds the subnet
// allocator's cursor, and reconciles each tenant's recorded status
// against whether its VM process is actually still alive. A tenant
// stuck in Creating means the process crashed mid-provision and is
// marked Failed; a Running/Paused tenant whose PID is gone or dead is
// marked Stopped.
func (m *Manager) Recover(ctx context.Context) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.ReconciliationDuration)

	tenants, err := m.store.LoadAllTenants()
	if err != nil {
		return fmt.Errorf("load tenants: %w", err)
	}

	if next, err := m.store.NextIndex(); err != nil {
		log.Logger.Warn().Err(err).Msg("failed to load subnet next_index from store")
	} else {
		m.allocator.SetNextIndex(next)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	counts := make(map[string]int, len(tenants))
	for _, t := range tenants {
		if index, ok := parseSubnetIndex(t.VMIP); ok {
			m.allocator.Restore(t.ID, index)
		}

		switch t.Status {
		case types.StatusRunning, types.StatusPaused:
			if t.VMPid == 0 || !processAlive(t.VMPid) {
				log.Logger.Warn().Str("tenant_id", t.ID).Str("status", string(t.Status)).
					Msg("tenant VM process is not alive, marking Stopped")
				t.Status = types.StatusStopped
				t.VMPid = 0
				if err := m.store.UpdateTenantStatus(t.ID, types.StatusStopped, 0); err != nil {
					log.Logger.Warn().Err(err).Str("tenant_id", t.ID).Msg("failed to persist reconciled status")
				}
			}
		case types.StatusCreating:
			log.Logger.Warn().Str("tenant_id", t.ID).Msg("tenant was mid-provision at crash, marking Failed")
			t.Status = types.StatusFailed
			if err := m.store.UpdateTenantStatus(t.ID, types.StatusFailed, 0); err != nil {
				log.Logger.Warn().Err(err).Str("tenant_id", t.ID).Msg("failed to persist reconciled status")
			}
		}

		m.tenants[t.ID] = t
		counts[string(t.Status)]++
	}
	metrics.SetTenantCounts(counts)

	if len(tenants) > 0 {
		log.Logger.Info().Int("count", len(tenants)).Msg("recovered tenants from store")
	}
	return nil
}

// Create provisions a new tenant end to end: subnet, TAP device, data
// volume, env injection, rootfs copy, and a booted microVM. Any
// failure along the way releases the subnet, deletes the TAP device,
// removes the data directory and socket, and returns the error —
// nothing partially-provisioned is left registered.
func (m *Manager) Create(ctx context.Context, req types.CreateRequest) (*types.Tenant, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.LifecycleOpDuration, "create")

	m.mu.Lock()
	if _, exists := m.tenants[req.TenantID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", types.ErrDuplicate, req.TenantID)
	}
	m.mu.Unlock()

	gatewayIP, vmIP, err := m.allocator.Allocate(req.TenantID)
	if err != nil {
		return nil, err
	}

	tapDevice := "fc-" + truncate(req.TenantID, 11)
	socketPath := filepath.Join(os.TempDir(), "fc-"+req.TenantID+".sock")
	tenantDataDir := filepath.Join(m.cfg.DataDir, req.TenantID)

	vmPid, err := m.provision(ctx, req, gatewayIP, vmIP, tapDevice, socketPath, tenantDataDir)
	if err != nil {
		log.Logger.Warn().Err(err).Str("tenant_id", req.TenantID).Msg("provisioning failed, rolling back")
		m.allocator.Release(req.TenantID)
		_ = m.hostnet.DeleteTap(tapDevice)
		_ = os.RemoveAll(tenantDataDir)
		_ = os.Remove(socketPath)
		metrics.ProvisionFailuresTotal.Inc()
		return nil, err
	}

	t := &types.Tenant{
		ID:               req.TenantID,
		Tier:             req.Tier,
		Status:           types.StatusRunning,
		VMIP:             vmIP,
		GatewayIP:        gatewayIP,
		TapDevice:        tapDevice,
		SocketPath:       socketPath,
		DataDir:          tenantDataDir,
		VMPid:            vmPid,
		Channels:         req.Channels,
		CreatedAt:        time.Now().UTC(),
		SkipToolApproval: req.SkipToolApproval,
	}

	if err := m.store.InsertTenant(t); err != nil {
		return nil, err
	}
	if err := m.store.SetNextIndex(m.allocator.NextIndex()); err != nil {
		log.Logger.Warn().Err(err).Msg("failed to persist subnet next_index")
	}

	m.mu.Lock()
	m.tenants[t.ID] = t
	m.mu.Unlock()

	m.publish(events.EventTenantCreated, t.ID, "tenant created")
	m.refreshMetrics()
	timer.ObserveDuration(metrics.ProvisionDuration)
	log.Logger.Info().Str("tenant_id", t.ID).Msg("tenant created successfully")

	return t.Clone(), nil
}

func (m *Manager) provision(ctx context.Context, req types.CreateRequest, gatewayIP, vmIP, tapDevice, socketPath, tenantDataDir string) (int, error) {
	if err := m.hostnet.CreateTap(tapDevice, gatewayIP); err != nil {
		return 0, err
	}

	if err := os.MkdirAll(tenantDataDir, 0755); err != nil {
		return 0, fmt.Errorf("create tenant data dir: %w", err)
	}

	res := types.TierResources[req.Tier]
	if err := hostnet.CheckDiskSpace(m.cfg.DataDir, res.DiskMB); err != nil {
		return 0, err
	}

	dataVol := filepath.Join(tenantDataDir, "data.ext4")
	if err := m.hostnet.CreateDataVolume(dataVol, res.DiskMB); err != nil {
		return 0, err
	}

	envVars := cloneEnv(req.EnvVars)
	if req.SkipToolApproval {
		envVars["MICROCLAW_SKIP_TOOL_APPROVAL"] = "true"
	}
	if err := writeTenantEnv(tenantDataDir, envVars); err != nil {
		return 0, err
	}

	tenantRootfs := filepath.Join(tenantDataDir, "rootfs.ext4")
	if err := copyFile(m.cfg.RootfsPath, tenantRootfs); err != nil {
		return 0, fmt.Errorf("copy rootfs: %w", err)
	}

	client := m.newVMClient(m.cfg.FCBin, socketPath)
	pid, err := client.StartVM(ctx, hypervisor.BootSpec{
		VmlinuxPath: m.cfg.VmlinuxPath,
		RootfsPath:  tenantRootfs,
		DataVolPath: dataVol,
		VCPU:        res.VCPU,
		MemoryMB:    res.MemoryMB,
		VMIP:        vmIP,
		GatewayIP:   gatewayIP,
		TapDevice:   tapDevice,
		TenantID:    req.TenantID,
	})
	if err != nil {
		return 0, err
	}
	return pid, nil
}

// RegisterTenant inserts a pre-built tenant record directly, bypassing
// provisioning. Used by the debug/testing registration endpoint.
func (m *Manager) RegisterTenant(t *types.Tenant) error {
	if err := m.store.InsertTenant(t); err != nil {
		return err
	}
	m.mu.Lock()
	m.tenants[t.ID] = t
	m.mu.Unlock()
	m.refreshMetrics()
	return nil
}

// List returns a snapshot of all known tenants.
func (m *Manager) List() []*types.Tenant {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]*types.Tenant, 0, len(m.tenants))
	for _, t := range m.tenants {
		out = append(out, t.Clone())
	}
	return out
}

// Get returns a single tenant by id.
func (m *Manager) Get(id string) (*types.Tenant, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok {
		return nil, false
	}
	return t.Clone(), true
}

// VMIPFor resolves a tenant id to its VM IP for the proxy router. It
// reports false for unknown tenants and for tenants that are not
// currently running, since there is nothing listening on the other end
// otherwise.
func (m *Manager) VMIPFor(id string) (string, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	t, ok := m.tenants[id]
	if !ok || t.Status != types.StatusRunning {
		return "", false
	}
	return t.VMIP, true
}

// Delete stops the tenant's VM, tears down its TAP device and data
// directory, releases its subnet, and removes it from the store. Best
// effort past the VM kill: network/filesystem cleanup failures are
// logged, not propagated, since the tenant is leaving the table either
// way.
func (m *Manager) Delete(ctx context.Context, id string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.LifecycleOpDuration, "delete")

	m.mu.Lock()
	t, ok := m.tenants[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}

	if t.HasPID() {
		killProcess(t.VMPid)
	}
	if err := m.hostnet.DeleteTap(t.TapDevice); err != nil {
		log.Logger.Warn().Err(err).Str("tenant_id", id).Msg("failed to delete TAP device during teardown")
	}
	if err := os.RemoveAll(t.DataDir); err != nil {
		log.Logger.Warn().Err(err).Str("tenant_id", id).Msg("failed to remove tenant data dir during teardown")
	}
	m.allocator.Release(id)
	_ = os.Remove(t.SocketPath)

	if err := m.store.DeleteTenant(id); err != nil {
		return err
	}

	m.mu.Lock()
	delete(m.tenants, id)
	m.mu.Unlock()

	m.publish(events.EventTenantDeleted, id, "tenant deleted")
	m.refreshMetrics()
	log.Logger.Info().Str("tenant_id", id).Msg("tenant deleted")
	return nil
}

// refreshMetrics recomputes the tenants-by-status gauge (and the total
// derived from it) from the current in-memory table. Called after every
// mutation rather than tracked as independent deltas, so the two metrics
// can never drift out of coherence with each other or with the table.
func (m *Manager) refreshMetrics() {
	m.mu.RLock()
	counts := make(map[string]int, len(m.tenants))
	for _, t := range m.tenants {
		counts[string(t.Status)]++
	}
	m.mu.RUnlock()
	metrics.SetTenantCounts(counts)
}

func (m *Manager) publish(t events.EventType, tenantID, msg string) {
	if m.broker == nil {
		return
	}
	m.broker.Publish(&events.Event{Type: t, TenantID: tenantID, Message: msg})
}

func parseSubnetIndex(vmIP string) (uint16, bool) {
	parts := splitDots(vmIP)
	if len(parts) != 4 {
		return 0, false
	}
	n, err := strconv.ParseUint(parts[2], 10, 16)
	if err != nil {
		return 0, false
	}
	return uint16(n), true
}

func splitDots(s string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(s); i++ {
		if s[i] == '.' {
			parts = append(parts, s[start:i])
			start = i + 1
		}
	}
	parts = append(parts, s[start:])
	return parts
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func cloneEnv(in map[string]string) map[string]string {
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
