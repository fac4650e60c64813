package hypervisor

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"syscall"
	"time"

	"github.com/nexusvm/microvmctl/pkg/log"
	"github.com/nexusvm/microvmctl/pkg/types"
)

// SnapshotManager locates and restores golden snapshots, letting new
// tenants start from a pre-booted VM image instead of a cold boot.
type SnapshotManager struct {
	fcBin       string
	snapshotDir string
}

// NewSnapshotManager builds a manager rooted at snapshotDir.
func NewSnapshotManager(fcBin, snapshotDir string) *SnapshotManager {
	return &SnapshotManager{fcBin: fcBin, snapshotDir: snapshotDir}
}

// GoldenSnapshotPath returns the fixed snapshot-state and memory-file
// paths for the shared golden image.
func (m *SnapshotManager) GoldenSnapshotPath() (snapshotPath, memPath string) {
	return filepath.Join(m.snapshotDir, "golden", "vm.snap"),
		filepath.Join(m.snapshotDir, "golden", "vm.mem")
}

// HasGoldenSnapshot reports whether both golden snapshot artifacts exist.
func (m *SnapshotManager) HasGoldenSnapshot() bool {
	snap, mem := m.GoldenSnapshotPath()
	if _, err := os.Stat(snap); err != nil {
		return false
	}
	if _, err := os.Stat(mem); err != nil {
		return false
	}
	return true
}

// RestoreFromSnapshot spawns a hypervisor process bound to socketPath
// and loads VM state from snapshotPath/memPath, resuming it
// immediately. Returns the spawned process PID.
func (m *SnapshotManager) RestoreFromSnapshot(ctx context.Context, socketPath, snapshotPath, memPath string) (pid int, err error) {
	_ = os.Remove(socketPath)

	cmd := exec.Command(m.fcBin, "--api-sock", socketPath)
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start hypervisor process: %w", err)
	}
	proc := cmd.Process

	if err := waitForSocketFile(ctx, proc, socketPath); err != nil {
		_ = proc.Kill()
		return 0, err
	}

	client := New(m.fcBin, socketPath)
	if err := client.apiPut(ctx, "/snapshot/load", map[string]any{
		"snapshot_path": snapshotPath,
		"mem_backend": map[string]any{
			"backend_path": memPath,
			"backend_type": "File",
		},
		"enable_diff_snapshots": false,
		"resume_vm":             true,
	}); err != nil {
		_ = proc.Kill()
		return 0, fmt.Errorf("restore snapshot: %w", err)
	}

	log.Logger.Info().Int("pid", proc.Pid).Str("snapshot", snapshotPath).Msg("VM restored from snapshot")
	return proc.Pid, nil
}

func waitForSocketFile(ctx context.Context, proc *os.Process, socketPath string) error {
	deadline := time.Now().Add(time.Duration(socketPollAttempts) * socketPollInterval)
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if err := proc.Signal(syscall.Signal(0)); err != nil {
			return fmt.Errorf("hypervisor process exited before socket ready: %w", err)
		}

		if _, err := os.Stat(socketPath); err == nil {
			conn, dialErr := net.Dial("unix", socketPath)
			if dialErr == nil {
				conn.Close()
				return nil
			}
		}
		time.Sleep(socketPollInterval)
	}
	return types.ErrSocketTimeout
}
