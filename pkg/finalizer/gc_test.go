package finalizer

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nbforge/hatchery/pkg/notebook"
	"github.com/nbforge/hatchery/pkg/storage"
)

func newGCStore(t *testing.T) *storage.SQLiteStore {
	t.Helper()
	store, err := storage.NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

// placeAsset drops a file under <dir>/assets and returns its path.
func placeAsset(t *testing.T, dir, name string) string {
	t.Helper()
	assetDir := filepath.Join(dir, AssetsDirName)
	if err := os.MkdirAll(assetDir, 0755); err != nil {
		t.Fatalf("mkdir assets: %v", err)
	}
	path := filepath.Join(assetDir, name)
	if err := os.WriteFile(path, []byte("blob "+name), 0644); err != nil {
		t.Fatalf("write asset: %v", err)
	}
	return path
}

func TestCollectRemovesExpiredUnreferenced(t *testing.T) {
	store := newGCStore(t)
	dir := t.TempDir()
	nbPath := filepath.Join(dir, "report.ipynb")
	writeTestNotebook(t, nbPath, codeCell("abc12345", "x = 1"))

	assetPath := placeAsset(t, dir, "old.png")
	assert.NoError(t, store.RenewLease(assetPath, nbPath, -time.Hour))

	removed, err := NewGC(store).Collect(nbPath)
	assert.NoError(t, err)
	assert.Equal(t, 1, removed)

	_, err = os.Stat(assetPath)
	assert.True(t, os.IsNotExist(err))
	leases, err := store.LeasesFor(nbPath)
	assert.NoError(t, err)
	assert.Empty(t, leases)
}

func TestCollectKeepsReferencedAssets(t *testing.T) {
	store := newGCStore(t)
	dir := t.TempDir()
	nbPath := filepath.Join(dir, "report.ipynb")

	cell := codeCell("abc12345", "open('big')")
	cell.Outputs = []notebook.Output{{
		OutputType: notebook.OutputTypeStream,
		Name:       "stdout",
		Text:       notebook.SourceText("preview\n"),
		Metadata: map[string]interface{}{
			"asset": map[string]interface{}{"path": "assets/keep.txt"},
		},
	}}
	writeTestNotebook(t, nbPath, cell)

	assetPath := placeAsset(t, dir, "keep.txt")
	// Expired, but the notebook still points at it.
	assert.NoError(t, store.RenewLease(assetPath, nbPath, -time.Hour))

	removed, err := NewGC(store).Collect(nbPath)
	assert.NoError(t, err)
	assert.Equal(t, 0, removed)

	_, err = os.Stat(assetPath)
	assert.NoError(t, err)
	leases, err := store.LeasesFor(nbPath)
	assert.NoError(t, err)
	assert.Len(t, leases, 1)
}

func TestCollectKeepsLiveLeases(t *testing.T) {
	store := newGCStore(t)
	dir := t.TempDir()
	nbPath := filepath.Join(dir, "report.ipynb")
	writeTestNotebook(t, nbPath, codeCell("abc12345", "x = 1"))

	assetPath := placeAsset(t, dir, "fresh.png")
	assert.NoError(t, store.RenewLease(assetPath, nbPath, time.Hour))

	removed, err := NewGC(store).Collect(nbPath)
	assert.NoError(t, err)
	assert.Equal(t, 0, removed)
	_, err = os.Stat(assetPath)
	assert.NoError(t, err)
}

func TestCollectAfterNotebookDeleted(t *testing.T) {
	store := newGCStore(t)
	dir := t.TempDir()
	nbPath := filepath.Join(dir, "gone.ipynb")

	// No notebook on disk: nothing is referenced, expired assets go.
	assetPath := placeAsset(t, dir, "orphan.png")
	assert.NoError(t, store.RenewLease(assetPath, nbPath, -time.Hour))

	removed, err := NewGC(store).Collect(nbPath)
	assert.NoError(t, err)
	assert.Equal(t, 1, removed)
	_, err = os.Stat(assetPath)
	assert.True(t, os.IsNotExist(err))
}

func TestCollectSkipsUnparseableNotebook(t *testing.T) {
	store := newGCStore(t)
	dir := t.TempDir()
	nbPath := filepath.Join(dir, "corrupt.ipynb")
	assert.NoError(t, os.WriteFile(nbPath, []byte("{not json"), 0644))

	assetPath := placeAsset(t, dir, "unknown.png")
	assert.NoError(t, store.RenewLease(assetPath, nbPath, -time.Hour))

	// Without a readable reference list nothing is safe to delete.
	removed, err := NewGC(store).Collect(nbPath)
	assert.NoError(t, err)
	assert.Equal(t, 0, removed)
	_, err = os.Stat(assetPath)
	assert.NoError(t, err)
}

func TestCollectExpiredSweepsAllNotebooks(t *testing.T) {
	store := newGCStore(t)
	gc := NewGC(store)

	var expired []string
	for _, name := range []string{"one", "two"} {
		dir := t.TempDir()
		nbPath := filepath.Join(dir, name+".ipynb")
		writeTestNotebook(t, nbPath, codeCell("abc12345", "x = 1"))

		old := placeAsset(t, dir, "stale.bin")
		assert.NoError(t, store.RenewLease(old, nbPath, -time.Hour))
		expired = append(expired, old)

		fresh := placeAsset(t, dir, "fresh.bin")
		assert.NoError(t, store.RenewLease(fresh, nbPath, time.Hour))
	}

	removed, err := gc.CollectExpired()
	assert.NoError(t, err)
	assert.Equal(t, 2, removed)
	for _, path := range expired {
		_, err := os.Stat(path)
		assert.True(t, os.IsNotExist(err), path)
	}
}

func TestCollectClearsLeaseForMissingFile(t *testing.T) {
	store := newGCStore(t)
	dir := t.TempDir()
	nbPath := filepath.Join(dir, "report.ipynb")
	writeTestNotebook(t, nbPath, codeCell("abc12345", "x = 1"))

	// Lease for a file someone already deleted by hand.
	ghost := filepath.Join(dir, AssetsDirName, "ghost.png")
	assert.NoError(t, store.RenewLease(ghost, nbPath, -time.Hour))

	removed, err := NewGC(store).Collect(nbPath)
	assert.NoError(t, err)
	assert.Equal(t, 1, removed)
	leases, err := store.LeasesFor(nbPath)
	assert.NoError(t, err)
	assert.Empty(t, leases)
}
