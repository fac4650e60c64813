package tenant

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nexusvm/microvmctl/pkg/types"
)

func TestManager_PauseRequiresRunning(t *testing.T) {
	hn := &fakeHostNetwork{}
	vm := &fakeVMClient{}
	m, _ := newTestManager(t, hn, vm)

	_, err := m.Create(context.Background(), types.CreateRequest{TenantID: "acme", Tier: types.TierFree})
	require.NoError(t, err)
	require.NoError(t, m.Stop(context.Background(), "acme"))

	err = m.Pause(context.Background(), "acme")
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvalidState))
}

func TestManager_PauseResumeRoundTrip(t *testing.T) {
	hn := &fakeHostNetwork{}
	vm := &fakeVMClient{}
	m, _ := newTestManager(t, hn, vm)

	_, err := m.Create(context.Background(), types.CreateRequest{TenantID: "acme", Tier: types.TierFree})
	require.NoError(t, err)

	require.NoError(t, m.Pause(context.Background(), "acme"))
	got, _ := m.Get("acme")
	assert.Equal(t, types.StatusPaused, got.Status)

	require.NoError(t, m.Resume(context.Background(), "acme"))
	got, _ = m.Get("acme")
	assert.Equal(t, types.StatusRunning, got.Status)
}

func TestManager_UpdateEnvRejectsRunningTenant(t *testing.T) {
	hn := &fakeHostNetwork{}
	vm := &fakeVMClient{}
	m, _ := newTestManager(t, hn, vm)

	_, err := m.Create(context.Background(), types.CreateRequest{TenantID: "acme", Tier: types.TierFree})
	require.NoError(t, err)

	err = m.UpdateEnv(context.Background(), "acme", map[string]string{"FOO": "bar"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, types.ErrInvalidState))
}

func TestManager_CheckHealthReportsStatusForStoppedTenant(t *testing.T) {
	hn := &fakeHostNetwork{}
	vm := &fakeVMClient{}
	m, _ := newTestManager(t, hn, vm)

	_, err := m.Create(context.Background(), types.CreateRequest{TenantID: "acme", Tier: types.TierFree})
	require.NoError(t, err)
	require.NoError(t, m.Stop(context.Background(), "acme"))

	health, err := m.CheckHealth(context.Background(), "acme")
	require.NoError(t, err)
	assert.Equal(t, "Stopped", health.VMStatus)
	assert.Equal(t, "n/a", health.MicroVMStatus)
}

func TestManager_GetUnknownTenant(t *testing.T) {
	hn := &fakeHostNetwork{}
	vm := &fakeVMClient{}
	m, _ := newTestManager(t, hn, vm)

	_, ok := m.Get("nope")
	assert.False(t, ok)
}
