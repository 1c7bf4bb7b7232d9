package kernel

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nbforge/hatchery/pkg/log"
	"github.com/nbforge/hatchery/pkg/types"
)

const reapGrace = 3 * time.Second

// PIDAlive reports whether a process with the given pid exists. EPERM
// means the process exists but belongs to another user, which still
// counts as alive.
func PIDAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	err := unix.Kill(pid, 0)
	if err == nil {
		return true
	}
	return errors.Is(err, unix.EPERM)
}

// HasKernelMarker reports whether the process environment carries the
// expected per-kernel UUID marker. It reads /proc/<pid>/environ; an
// unreadable environ (process gone, different owner, no procfs) returns
// an error so callers can decline to act on an unverified process.
func HasKernelMarker(pid int, kernelUUID string) (bool, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/environ", pid))
	if err != nil {
		return false, fmt.Errorf("cannot read environ for pid %d: %w", pid, err)
	}
	want := EnvKernelUUID + "=" + kernelUUID
	for _, entry := range bytes.Split(data, []byte{0}) {
		if string(entry) == want {
			return true, nil
		}
	}
	return false, nil
}

// IsZombie applies the reconciliation rule to a persisted descriptor: a
// kernel is orphaned when its owning server is gone, or when the server
// is alive but the connection file it would need has been lost.
func IsZombie(desc *types.SessionDescriptor) bool {
	if !PIDAlive(desc.ServerPID) {
		return true
	}
	return !connectionFileValid(desc.ConnectionFile)
}

func connectionFileValid(path string) bool {
	ci, err := ReadConnectionFile(path)
	if err != nil {
		return false
	}
	return ci.Validate() == nil
}

// ReapZombie terminates the kernel named by a descriptor after
// verifying the process really is the kernel the descriptor describes.
// A pid that was recycled by the OS will not carry the UUID marker and
// is left alone.
func ReapZombie(desc *types.SessionDescriptor) error {
	logger := log.WithComponent("reaper").With().
		Int("pid", desc.KernelPID).
		Str("kernel_uuid", desc.KernelUUID).
		Logger()

	if !PIDAlive(desc.KernelPID) {
		logger.Debug().Msg("kernel already gone")
		return nil
	}
	ok, err := HasKernelMarker(desc.KernelPID, desc.KernelUUID)
	if err != nil {
		logger.Warn().Err(err).Msg("cannot verify kernel identity, leaving process alone")
		return err
	}
	if !ok {
		logger.Warn().Msg("pid does not carry expected kernel marker, leaving process alone")
		return nil
	}

	logger.Info().Str("notebook", desc.NotebookPath).Msg("terminating zombie kernel")
	return terminate(desc.KernelPID)
}

// terminate sends SIGTERM to the process group, waits briefly, then
// escalates to SIGKILL.
func terminate(pid int) error {
	signalTree(pid, unix.SIGTERM)

	deadline := time.Now().Add(reapGrace)
	for time.Now().Before(deadline) {
		if !PIDAlive(pid) {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}

	signalTree(pid, unix.SIGKILL)
	time.Sleep(200 * time.Millisecond)
	if PIDAlive(pid) {
		return fmt.Errorf("pid %d survived SIGKILL", pid)
	}
	return nil
}

func signalTree(pid int, sig unix.Signal) {
	if err := unix.Kill(-pid, sig); err != nil {
		_ = unix.Kill(pid, sig)
	}
}

// CleanStaleConnectionFiles removes kernel-*.json files in the runtime
// directory that no live descriptor references.
func CleanStaleConnectionFiles(runtimeDir string, live map[string]bool) int {
	entries, err := os.ReadDir(runtimeDir)
	if err != nil {
		return 0
	}
	removed := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasPrefix(name, "kernel-") || !strings.HasSuffix(name, ".json") {
			continue
		}
		full := runtimeDir + string(os.PathSeparator) + name
		if live[full] {
			continue
		}
		if os.Remove(full) == nil {
			removed++
		}
	}
	return removed
}
