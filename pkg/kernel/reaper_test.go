package kernel

import (
	"math"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nbforge/hatchery/pkg/types"
)

func TestPIDAlive(t *testing.T) {
	assert.False(t, PIDAlive(0))
	assert.False(t, PIDAlive(-5))
	assert.True(t, PIDAlive(os.Getpid()))
	// Far beyond pid_max, reliably absent.
	assert.False(t, PIDAlive(math.MaxInt32))
}

func TestHasKernelMarkerAbsent(t *testing.T) {
	if _, err := os.Stat("/proc/self/environ"); err != nil {
		t.Skip("procfs not available")
	}
	// The test process is not a kernel, so no marker.
	ok, err := HasKernelMarker(os.Getpid(), "not-our-uuid")
	assert.NoError(t, err)
	assert.False(t, ok)
}

func TestHasKernelMarkerUnreadable(t *testing.T) {
	_, err := HasKernelMarker(math.MaxInt32, "any")
	assert.Error(t, err)
}

func TestIsZombie(t *testing.T) {
	ci, err := NewConnectionInfo()
	assert.NoError(t, err)
	connFile := filepath.Join(t.TempDir(), "kernel-x.json")
	assert.NoError(t, ci.WriteFile(connFile))

	// Owning server gone: zombie regardless of the connection file.
	assert.True(t, IsZombie(&types.SessionDescriptor{
		ServerPID:      math.MaxInt32,
		ConnectionFile: connFile,
	}))

	// Server alive (pid 1 always is) with a valid connection file.
	assert.False(t, IsZombie(&types.SessionDescriptor{
		ServerPID:      1,
		ConnectionFile: connFile,
	}))

	// Server alive but the connection file is lost: unreachable kernel.
	assert.True(t, IsZombie(&types.SessionDescriptor{
		ServerPID:      1,
		ConnectionFile: filepath.Join(t.TempDir(), "lost.json"),
	}))
}

func TestCleanStaleConnectionFiles(t *testing.T) {
	dir := t.TempDir()
	keep := filepath.Join(dir, "kernel-keep.json")
	stale := filepath.Join(dir, "kernel-stale.json")
	other := filepath.Join(dir, "notes.txt")
	for _, f := range []string{keep, stale, other} {
		assert.NoError(t, os.WriteFile(f, []byte("{}"), 0o600))
	}
	assert.NoError(t, os.Mkdir(filepath.Join(dir, "kernel-subdir.json"), 0o755))

	removed := CleanStaleConnectionFiles(dir, map[string]bool{keep: true})
	assert.Equal(t, 1, removed)

	_, err := os.Stat(keep)
	assert.NoError(t, err)
	_, err = os.Stat(stale)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(other)
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(dir, "kernel-subdir.json"))
	assert.NoError(t, err)
}

func TestCleanStaleConnectionFilesMissingDir(t *testing.T) {
	assert.Zero(t, CleanStaleConnectionFiles(filepath.Join(t.TempDir(), "nope"), nil))
}
