package session

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/nbforge/hatchery/pkg/types"
)

// descriptorPath keys the per-session recovery file by a hash of the
// notebook path, so arbitrary paths stay filesystem-safe.
func descriptorPath(sessionsDir, notebookPath string) string {
	sum := sha256.Sum256([]byte(notebookPath))
	return filepath.Join(sessionsDir, hex.EncodeToString(sum[:])[:16]+".json")
}

// writeDescriptor persists the recovery record for one session.
func writeDescriptor(sessionsDir string, d *types.SessionDescriptor) error {
	if err := os.MkdirAll(sessionsDir, 0755); err != nil {
		return fmt.Errorf("create sessions dir: %w", err)
	}
	data, err := json.MarshalIndent(d, "", "  ")
	if err != nil {
		return err
	}
	path := descriptorPath(sessionsDir, d.NotebookPath)
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("write descriptor: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit descriptor: %w", err)
	}
	return nil
}

// removeDescriptor deletes the recovery record. Missing files are fine.
func removeDescriptor(sessionsDir, notebookPath string) {
	os.Remove(descriptorPath(sessionsDir, notebookPath))
}

// readDescriptors loads every persisted session record. Corrupt files
// are skipped and removed so they cannot wedge startup forever.
func readDescriptors(sessionsDir string) []*types.SessionDescriptor {
	entries, err := os.ReadDir(sessionsDir)
	if err != nil {
		return nil
	}
	var descs []*types.SessionDescriptor
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		full := filepath.Join(sessionsDir, e.Name())
		data, err := os.ReadFile(full)
		if err != nil {
			continue
		}
		var d types.SessionDescriptor
		if err := json.Unmarshal(data, &d); err != nil || d.NotebookPath == "" {
			os.Remove(full)
			continue
		}
		descs = append(descs, &d)
	}
	return descs
}
