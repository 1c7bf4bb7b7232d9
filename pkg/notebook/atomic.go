package notebook

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
)

// WriteAtomic serializes the notebook and replaces path in one step:
// encode to a tempfile in the same directory, fsync, rename over the
// target. A crash at any point leaves either the old file or the new
// file, never a torn one.
func WriteAtomic(path string, nb *Notebook) error {
	if nb.Metadata == nil {
		nb.Metadata = map[string]interface{}{}
	}
	// Jupyter writes with a single-space indent; matching it keeps
	// diffs quiet for files also touched by other tools.
	data, err := json.MarshalIndent(nb, "", " ")
	if err != nil {
		return fmt.Errorf("encode notebook: %w", err)
	}
	data = append(data, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-")
	if err != nil {
		return fmt.Errorf("create tempfile: %w", err)
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("write tempfile: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("sync tempfile: %w", err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		tmp.Close()
		return fmt.Errorf("chmod tempfile: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close tempfile: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		return fmt.Errorf("rename into place: %w", err)
	}
	// Persist the rename itself so the swap survives a crash.
	if d, err := os.Open(dir); err == nil {
		_ = d.Sync()
		_ = d.Close()
	}
	return nil
}
