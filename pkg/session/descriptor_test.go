package session

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nbforge/hatchery/pkg/types"
)

func sampleDescriptor(notebookPath string) *types.SessionDescriptor {
	return &types.SessionDescriptor{
		NotebookPath:   notebookPath,
		ConnectionFile: "/run/hatchery/kernel-abc.json",
		KernelPID:      4242,
		ServerPID:      os.Getpid(),
		KernelUUID:     "uuid-1",
		Env:            types.EnvInfo{EnvName: "py311", Interpreter: "/usr/bin/python3"},
		CreatedAt:      time.Now().UTC(),
	}
}

func TestDescriptorRoundTrip(t *testing.T) {
	dir := t.TempDir()
	desc := sampleDescriptor("/nb/analysis.ipynb")
	assert.NoError(t, writeDescriptor(dir, desc))

	descs := readDescriptors(dir)
	assert.Len(t, descs, 1)
	got := descs[0]
	assert.Equal(t, desc.NotebookPath, got.NotebookPath)
	assert.Equal(t, desc.ConnectionFile, got.ConnectionFile)
	assert.Equal(t, 4242, got.KernelPID)
	assert.Equal(t, "uuid-1", got.KernelUUID)
	assert.Equal(t, "py311", got.Env.EnvName)
}

func TestDescriptorPathKeyedByNotebook(t *testing.T) {
	a := descriptorPath("/sessions", "/nb/a.ipynb")
	b := descriptorPath("/sessions", "/nb/b.ipynb")
	assert.NotEqual(t, a, b)
	assert.Equal(t, a, descriptorPath("/sessions", "/nb/a.ipynb"))

	base := filepath.Base(a)
	assert.True(t, strings.HasSuffix(base, ".json"))
	// 16 hex chars plus the extension.
	assert.Len(t, base, 16+len(".json"))
}

func TestWriteDescriptorCreatesDir(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "state", "sessions")
	assert.NoError(t, writeDescriptor(dir, sampleDescriptor("/nb/a.ipynb")))
	assert.Len(t, readDescriptors(dir), 1)
}

func TestWriteDescriptorOverwrites(t *testing.T) {
	dir := t.TempDir()
	desc := sampleDescriptor("/nb/a.ipynb")
	assert.NoError(t, writeDescriptor(dir, desc))

	desc.KernelPID = 7777
	assert.NoError(t, writeDescriptor(dir, desc))

	descs := readDescriptors(dir)
	assert.Len(t, descs, 1)
	assert.Equal(t, 7777, descs[0].KernelPID)
}

func TestReadDescriptorsSkipsAndRemovesCorrupt(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, writeDescriptor(dir, sampleDescriptor("/nb/good.ipynb")))

	badPath := filepath.Join(dir, "bad.json")
	assert.NoError(t, os.WriteFile(badPath, []byte("{truncated"), 0600))
	emptyPath := filepath.Join(dir, "empty.json")
	assert.NoError(t, os.WriteFile(emptyPath, []byte("{}"), 0600))
	notesPath := filepath.Join(dir, "notes.txt")
	assert.NoError(t, os.WriteFile(notesPath, []byte("unrelated"), 0600))

	descs := readDescriptors(dir)
	assert.Len(t, descs, 1)
	assert.Equal(t, "/nb/good.ipynb", descs[0].NotebookPath)

	// Corrupt records are deleted so the next startup does not trip
	// over them again; unrelated files are left alone.
	_, err := os.Stat(badPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(emptyPath)
	assert.True(t, os.IsNotExist(err))
	_, err = os.Stat(notesPath)
	assert.NoError(t, err)
}

func TestReadDescriptorsMissingDir(t *testing.T) {
	assert.Nil(t, readDescriptors(filepath.Join(t.TempDir(), "nope")))
}

func TestRemoveDescriptor(t *testing.T) {
	dir := t.TempDir()
	assert.NoError(t, writeDescriptor(dir, sampleDescriptor("/nb/a.ipynb")))
	assert.NoError(t, writeDescriptor(dir, sampleDescriptor("/nb/b.ipynb")))

	removeDescriptor(dir, "/nb/a.ipynb")
	descs := readDescriptors(dir)
	assert.Len(t, descs, 1)
	assert.Equal(t, "/nb/b.ipynb", descs[0].NotebookPath)

	// Removing a record that never existed is fine.
	removeDescriptor(dir, "/nb/ghost.ipynb")
}
