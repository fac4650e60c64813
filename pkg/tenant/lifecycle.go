package tenant

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sys/unix"

	"github.com/nexusvm/microvmctl/pkg/events"
	"github.com/nexusvm/microvmctl/pkg/health"
	"github.com/nexusvm/microvmctl/pkg/hypervisor"
	"github.com/nexusvm/microvmctl/pkg/log"
	"github.com/nexusvm/microvmctl/pkg/metrics"
	"github.com/nexusvm/microvmctl/pkg/types"
)

// Start boots a stopped tenant's VM, preferring the golden snapshot
// when one exists since it skips guest boot entirely.
func (m *Manager) Start(ctx context.Context, id string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.LifecycleOpDuration, "start")

	m.mu.Lock()
	t, ok := m.tenants[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	if t.Status == types.StatusRunning {
		return fmt.Errorf("%w: tenant is already running", types.ErrInvalidState)
	}

	var pid int
	var err error
	if m.snapshots.HasGoldenSnapshot() {
		snap, mem := m.snapshots.GoldenSnapshotPath()
		log.Logger.Info().Str("tenant_id", id).Msg("starting tenant from golden snapshot")
		pid, err = m.snapshots.RestoreFromSnapshot(ctx, t.SocketPath, snap, mem)
	} else {
		res := types.TierResources[t.Tier]
		client := m.newVMClient(m.cfg.FCBin, t.SocketPath)
		pid, err = client.StartVM(ctx, hypervisor.BootSpec{
			VmlinuxPath: m.cfg.VmlinuxPath,
			RootfsPath:  filepath.Join(t.DataDir, "rootfs.ext4"),
			DataVolPath: filepath.Join(t.DataDir, "data.ext4"),
			VCPU:        res.VCPU,
			MemoryMB:    res.MemoryMB,
			VMIP:        t.VMIP,
			GatewayIP:   t.GatewayIP,
			TapDevice:   t.TapDevice,
			TenantID:    id,
		})
	}
	if err != nil {
		return err
	}

	if err := m.store.UpdateTenantStatus(id, types.StatusRunning, pid); err != nil {
		return err
	}

	m.mu.Lock()
	t.VMPid = pid
	t.Status = types.StatusRunning
	m.mu.Unlock()

	m.publish(events.EventTenantStatusChanged, id, "tenant started")
	m.refreshMetrics()
	return nil
}

// Stop terminates the tenant's VM process and marks it Stopped. It is
// best effort at the process-signal level: a VM that ignores SIGTERM
// is force-killed, and both signal errors are swallowed, since a
// process that is already gone is not a failure condition here.
func (m *Manager) Stop(ctx context.Context, id string) error {
	timer := metrics.NewTimer()
	defer timer.ObserveDurationVec(metrics.LifecycleOpDuration, "stop")

	m.mu.Lock()
	t, ok := m.tenants[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}

	if t.HasPID() {
		killProcess(t.VMPid)
	}

	if err := m.store.UpdateTenantStatus(id, types.StatusStopped, 0); err != nil {
		return err
	}

	m.mu.Lock()
	t.VMPid = 0
	t.Status = types.StatusStopped
	m.mu.Unlock()

	_ = os.Remove(t.SocketPath)
	m.publish(events.EventTenantStatusChanged, id, "tenant stopped")
	m.refreshMetrics()
	return nil
}

// Pause suspends a running VM in place.
func (m *Manager) Pause(ctx context.Context, id string) error {
	m.mu.Lock()
	t, ok := m.tenants[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	if t.Status != types.StatusRunning {
		return fmt.Errorf("%w: tenant is not running", types.ErrInvalidState)
	}

	client := m.newVMClient(m.cfg.FCBin, t.SocketPath)
	if err := client.Pause(ctx); err != nil {
		return err
	}

	if err := m.store.UpdateTenantStatus(id, types.StatusPaused, t.VMPid); err != nil {
		return err
	}

	m.mu.Lock()
	t.Status = types.StatusPaused
	m.mu.Unlock()

	m.publish(events.EventTenantStatusChanged, id, "tenant paused")
	m.refreshMetrics()
	return nil
}

// Resume unsuspends a paused VM.
func (m *Manager) Resume(ctx context.Context, id string) error {
	m.mu.Lock()
	t, ok := m.tenants[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	if t.Status != types.StatusPaused {
		return fmt.Errorf("%w: tenant is not paused", types.ErrInvalidState)
	}

	client := m.newVMClient(m.cfg.FCBin, t.SocketPath)
	if err := client.Resume(ctx); err != nil {
		return err
	}

	if err := m.store.UpdateTenantStatus(id, types.StatusRunning, t.VMPid); err != nil {
		return err
	}

	m.mu.Lock()
	t.Status = types.StatusRunning
	m.mu.Unlock()

	m.publish(events.EventTenantStatusChanged, id, "tenant resumed")
	m.refreshMetrics()
	return nil
}

// Snapshot takes a full VM snapshot under the tenant's data directory,
// pausing and resuming around it if the tenant is currently running.
// Returns the snapshot directory.
func (m *Manager) Snapshot(ctx context.Context, id string) (string, error) {
	m.mu.Lock()
	t, ok := m.tenants[id]
	m.mu.Unlock()
	if !ok {
		return "", fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	if t.Status != types.StatusRunning && t.Status != types.StatusPaused {
		return "", fmt.Errorf("%w: tenant must be running or paused to snapshot", types.ErrInvalidState)
	}

	// The uuid suffix guards against two snapshots landing in the same
	// second and colliding on directory name.
	snapshotDir := filepath.Join(t.DataDir, "snapshots",
		time.Now().UTC().Format("20060102_150405")+"_"+uuid.NewString()[:8])
	if err := os.MkdirAll(snapshotDir, 0755); err != nil {
		return "", fmt.Errorf("create snapshot dir: %w", err)
	}

	client := m.newVMClient(m.cfg.FCBin, t.SocketPath)

	wasRunning := t.Status == types.StatusRunning
	if wasRunning {
		if err := client.Pause(ctx); err != nil {
			return "", err
		}
	}

	snapPath := filepath.Join(snapshotDir, "vm.snap")
	memPath := filepath.Join(snapshotDir, "vm.mem")
	if err := client.CreateSnapshot(ctx, snapPath, memPath); err != nil {
		return "", err
	}

	if wasRunning {
		if err := client.Resume(ctx); err != nil {
			return "", err
		}
	}

	m.publish(events.EventTenantSnapshotted, id, "tenant snapshotted")
	return snapshotDir, nil
}

// UpdateEnv rewrites the tenant's injected environment. The data
// volume must not be in use by a running VM, since it's mounted
// directly to write the new values.
func (m *Manager) UpdateEnv(ctx context.Context, id string, envVars map[string]string) error {
	m.mu.RLock()
	t, ok := m.tenants[id]
	m.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}
	if t.Status == types.StatusRunning || t.Status == types.StatusPaused {
		return fmt.Errorf("%w: tenant must be stopped before updating env", types.ErrInvalidState)
	}

	if err := writeTenantEnv(t.DataDir, envVars); err != nil {
		return err
	}
	log.Logger.Info().Str("tenant_id", id).Msg("tenant env updated")
	return nil
}

// CheckHealth reports the tenant's lifecycle status plus, for running
// tenants, whether the guest workload answers its own health endpoint.
func (m *Manager) CheckHealth(ctx context.Context, id string) (*types.HealthStatus, error) {
	m.mu.RLock()
	t, ok := m.tenants[id]
	m.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: %s", types.ErrNotFound, id)
	}

	microVMStatus := "n/a"
	if t.Status == types.StatusRunning {
		reqCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		defer cancel()

		checker := health.NewHTTPChecker(fmt.Sprintf("http://%s:8080/health", t.VMIP)).
			WithTimeout(2 * time.Second)
		if checker.Check(reqCtx).Healthy {
			microVMStatus = "healthy"
		} else {
			microVMStatus = "unreachable"
		}
	}

	return &types.HealthStatus{
		VMStatus:      string(t.Status),
		MicroVMStatus: microVMStatus,
	}, nil
}

// processAlive reports whether pid is a live process, signaling it
// with signal 0 rather than checking /proc directly so the check also
// works on non-Linux POSIX hosts.
func processAlive(pid int) bool {
	return unix.Kill(pid, 0) == nil
}

// killProcess sends SIGTERM, polls for up to 2s for the process to
// exit, then SIGKILLs it if it's still alive. Both signal errors are
// swallowed: by the time this is called the caller only cares that the
// process is gone.
func killProcess(pid int) {
	_ = unix.Kill(pid, unix.SIGTERM)

	deadline := time.Now().Add(2 * time.Second)
	for processAlive(pid) && time.Now().Before(deadline) {
		time.Sleep(100 * time.Millisecond)
	}

	if processAlive(pid) {
		_ = unix.Kill(pid, unix.SIGKILL)
	}
}

// copyFile makes a plain byte-for-byte copy of src at dst, giving each
// tenant its own writable rootfs without relying on a CoW filesystem.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}

// writeTenantEnv mounts the tenant's data volume as a loop device,
// writes /config/.env inside it, removes any stale generated
// config.yaml so the guest init script regenerates it, and always
// unmounts afterwards even if writing the env file failed.
func writeTenantEnv(dataDir string, envVars map[string]string) error {
	if len(envVars) == 0 {
		return nil
	}

	dataVol := filepath.Join(dataDir, "data.ext4")
	mountDir := filepath.Join(dataDir, "mnt")

	if err := os.MkdirAll(mountDir, 0755); err != nil {
		return err
	}

	if out, err := exec.Command("mount", "-o", "loop", dataVol, mountDir).CombinedOutput(); err != nil {
		return fmt.Errorf("%w: mount %s: %s", types.ErrCommandFailed, dataVol, string(out))
	}

	err := func() error {
		configDir := filepath.Join(mountDir, "config")
		if err := os.MkdirAll(configDir, 0755); err != nil {
			return err
		}

		var content string
		for k, v := range envVars {
			content += fmt.Sprintf("%s=%q\n", k, v)
		}
		if err := os.WriteFile(filepath.Join(configDir, ".env"), []byte(content), 0644); err != nil {
			return err
		}

		_ = os.Remove(filepath.Join(configDir, "config.yaml"))
		_ = exec.Command("chown", "-R", "1000:1000", configDir).Run()
		return nil
	}()

	_ = exec.Command("umount", mountDir).Run()
	_ = os.Remove(mountDir)

	return err
}
