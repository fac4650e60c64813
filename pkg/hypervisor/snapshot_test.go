package hypervisor

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSnapshotManager_HasGoldenSnapshot(t *testing.T) {
	dir := t.TempDir()
	m := NewSnapshotManager("/bin/true", dir)

	assert.False(t, m.HasGoldenSnapshot())

	goldenDir := filepath.Join(dir, "golden")
	require.NoError(t, os.MkdirAll(goldenDir, 0755))
	require.NoError(t, os.WriteFile(filepath.Join(goldenDir, "vm.snap"), []byte("x"), 0644))

	assert.False(t, m.HasGoldenSnapshot(), "missing mem file should still report false")

	require.NoError(t, os.WriteFile(filepath.Join(goldenDir, "vm.mem"), []byte("x"), 0644))
	assert.True(t, m.HasGoldenSnapshot())
}

func TestSnapshotManager_GoldenSnapshotPath(t *testing.T) {
	m := NewSnapshotManager("/bin/true", "/var/lib/microvmctl/snapshots")
	snap, mem := m.GoldenSnapshotPath()
	assert.Equal(t, "/var/lib/microvmctl/snapshots/golden/vm.snap", snap)
	assert.Equal(t, "/var/lib/microvmctl/snapshots/golden/vm.mem", mem)
}
