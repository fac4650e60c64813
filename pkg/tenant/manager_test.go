package tenant

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusvm/microvmctl/pkg/hypervisor"
	"github.com/nexusvm/microvmctl/pkg/subnet"
	"github.com/nexusvm/microvmctl/pkg/types"
)

// fakeStore is a minimal in-memory storage.Store for tests that don't
// need real bbolt durability.
type fakeStore struct {
	mu      sync.Mutex
	tenants map[string]*types.Tenant
	next    uint16
}

func newFakeStore() *fakeStore {
	return &fakeStore{tenants: make(map[string]*types.Tenant), next: 1}
}

func (s *fakeStore) InsertTenant(t *types.Tenant) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tenants[t.ID]; ok {
		return types.ErrDuplicate
	}
	s.tenants[t.ID] = t.Clone()
	return nil
}

func (s *fakeStore) UpdateTenantStatus(id string, status types.Status, vmPid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tenants[id]
	if !ok {
		return types.ErrNotFound
	}
	t.Status = status
	t.VMPid = vmPid
	return nil
}

func (s *fakeStore) DeleteTenant(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.tenants, id)
	return nil
}

func (s *fakeStore) LoadAllTenants() ([]*types.Tenant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*types.Tenant, 0, len(s.tenants))
	for _, t := range s.tenants {
		out = append(out, t.Clone())
	}
	return out, nil
}

func (s *fakeStore) NextIndex() (uint16, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.next, nil
}

func (s *fakeStore) SetNextIndex(next uint16) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next = next
	return nil
}

func (s *fakeStore) Close() error { return nil }

// fakeHostNetwork lets tests force a failure at a chosen step of
// provisioning to exercise Create's rollback path.
type fakeHostNetwork struct {
	failCreateTap    bool
	failCreateVolume bool
	deletedTaps      []string
}

func (f *fakeHostNetwork) CreateTap(tapName, gatewayIP string) error {
	if f.failCreateTap {
		return errors.New("simulated tap failure")
	}
	return nil
}

func (f *fakeHostNetwork) DeleteTap(tapName string) error {
	f.deletedTaps = append(f.deletedTaps, tapName)
	return nil
}

func (f *fakeHostNetwork) CreateDataVolume(path string, sizeMB int) error {
	if f.failCreateVolume {
		return errors.New("simulated volume failure")
	}
	return nil
}

type fakeVMClient struct {
	failStart bool
	started   bool
}

func (f *fakeVMClient) StartVM(ctx context.Context, spec hypervisor.BootSpec) (int, error) {
	if f.failStart {
		return 0, errors.New("simulated hypervisor failure")
	}
	f.started = true
	return 4242, nil
}
func (f *fakeVMClient) Pause(ctx context.Context) error  { return nil }
func (f *fakeVMClient) Resume(ctx context.Context) error { return nil }
func (f *fakeVMClient) CreateSnapshot(ctx context.Context, snapshotPath, memPath string) error {
	return nil
}

type fakeSnapshotManager struct{ golden bool }

func (f *fakeSnapshotManager) HasGoldenSnapshot() bool                     { return f.golden }
func (f *fakeSnapshotManager) GoldenSnapshotPath() (string, string)        { return "", "" }
func (f *fakeSnapshotManager) RestoreFromSnapshot(ctx context.Context, socketPath, snapshotPath, memPath string) (int, error) {
	return 9999, nil
}

func newTestManager(t *testing.T, hn *fakeHostNetwork, vm *fakeVMClient) (*Manager, *fakeStore) {
	t.Helper()
	store := newFakeStore()
	m := &Manager{
		tenants:   make(map[string]*types.Tenant),
		cfg:       Config{DataDir: t.TempDir(), RootfsPath: writeTempFile(t)},
		store:     store,
		allocator: subnet.New("172.16.0.0/16"),
		snapshots: &fakeSnapshotManager{},
		hostnet:   hn,
		newVMClient: func(fcBin, socketPath string) vmClient {
			return vm
		},
	}
	return m, store
}

func writeTempFile(t *testing.T) string {
	t.Helper()
	f := t.TempDir() + "/rootfs.img"
	require.NoError(t, os.WriteFile(f, []byte("rootfs"), 0644))
	return f
}

func TestManager_CreateRollsBackOnHypervisorFailure(t *testing.T) {
	hn := &fakeHostNetwork{}
	vm := &fakeVMClient{failStart: true}
	m, store := newTestManager(t, hn, vm)

	_, err := m.Create(context.Background(), types.CreateRequest{
		TenantID: "acme",
		Tier:     types.TierFree,
	})
	require.Error(t, err)

	assert.Empty(t, m.List(), "failed tenant must not remain registered")
	tenants, _ := store.LoadAllTenants()
	assert.Empty(t, tenants, "failed tenant must not be persisted")
	assert.Contains(t, hn.deletedTaps, "fc-acme", "rollback must delete the TAP device it created")

	// The subnet index is not reused even though the tenant was rolled back.
	gw, _, err := m.allocator.Allocate("acme-2")
	require.NoError(t, err)
	assert.Equal(t, "172.16.2.1", gw)
}

func TestManager_CreateRollsBackOnTapFailure(t *testing.T) {
	hn := &fakeHostNetwork{failCreateTap: true}
	vm := &fakeVMClient{}
	m, store := newTestManager(t, hn, vm)

	_, err := m.Create(context.Background(), types.CreateRequest{
		TenantID: "acme",
		Tier:     types.TierFree,
	})
	require.Error(t, err)
	assert.False(t, vm.started, "hypervisor must never be started when tap creation fails")
	assert.Empty(t, m.List())
	tenants, _ := store.LoadAllTenants()
	assert.Empty(t, tenants)
}

func TestManager_CreateSucceeds(t *testing.T) {
	hn := &fakeHostNetwork{}
	vm := &fakeVMClient{}
	m, store := newTestManager(t, hn, vm)

	got, err := m.Create(context.Background(), types.CreateRequest{
		TenantID: "acme",
		Tier:     types.TierPro,
	})
	require.NoError(t, err)
	assert.Equal(t, types.StatusRunning, got.Status)
	assert.Equal(t, 4242, got.VMPid)
	assert.Equal(t, "172.16.1.2", got.VMIP)

	tenants, _ := store.LoadAllTenants()
	require.Len(t, tenants, 1)
	assert.Equal(t, "acme", tenants[0].ID)
}

func TestManager_CreateRejectsDuplicate(t *testing.T) {
	hn := &fakeHostNetwork{}
	vm := &fakeVMClient{}
	m, _ := newTestManager(t, hn, vm)

	_, err := m.Create(context.Background(), types.CreateRequest{TenantID: "acme", Tier: types.TierFree})
	require.NoError(t, err)

	_, err = m.Create(context.Background(), types.CreateRequest{TenantID: "acme", Tier: types.TierFree})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrDuplicate))
}

func TestManager_DeleteReleasesSubnetAndRemovesTenant(t *testing.T) {
	hn := &fakeHostNetwork{}
	vm := &fakeVMClient{}
	m, store := newTestManager(t, hn, vm)

	_, err := m.Create(context.Background(), types.CreateRequest{TenantID: "acme", Tier: types.TierFree})
	require.NoError(t, err)

	require.NoError(t, m.Delete(context.Background(), "acme"))

	_, ok := m.Get("acme")
	assert.False(t, ok)
	tenants, _ := store.LoadAllTenants()
	assert.Empty(t, tenants)

	// Subnet index still not reused after explicit delete.
	gw, _, err := m.allocator.Allocate("acme-2")
	require.NoError(t, err)
	assert.Equal(t, "172.16.2.1", gw)
}

func TestManager_RecoverMarksDeadProcessesStopped(t *testing.T) {
	hn := &fakeHostNetwork{}
	vm := &fakeVMClient{}
	m, store := newTestManager(t, hn, vm)

	require.NoError(t, store.InsertTenant(&types.Tenant{
		ID:     "zombie",
		Tier:   types.TierFree,
		Status: types.StatusRunning,
		VMIP:   "172.16.7.2",
		VMPid:  999999999, // astronomically unlikely to be a live pid
	}))

	require.NoError(t, m.Recover(context.Background()))

	got, ok := m.Get("zombie")
	require.True(t, ok)
	assert.Equal(t, types.StatusStopped, got.Status)
	assert.Equal(t, 0, got.VMPid)
}

func TestManager_RecoverMarksCreatingTenantsFailed(t *testing.T) {
	hn := &fakeHostNetwork{}
	vm := &fakeVMClient{}
	m, store := newTestManager(t, hn, vm)

	require.NoError(t, store.InsertTenant(&types.Tenant{
		ID:     "half-built",
		Tier:   types.TierFree,
		Status: types.StatusCreating,
	}))

	require.NoError(t, m.Recover(context.Background()))

	got, ok := m.Get("half-built")
	require.True(t, ok)
	assert.Equal(t, types.StatusFailed, got.Status)
}
