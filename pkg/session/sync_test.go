package session

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nbforge/hatchery/pkg/notebook"
	"github.com/nbforge/hatchery/pkg/types"
)

// execCell builds a code cell; a non-empty hash stamps provenance as if
// source with that hash had been executed before.
func execCell(id, source, hash string) notebook.Cell {
	cell := notebook.Cell{
		ID:       id,
		CellType: notebook.CellTypeCode,
		Source:   notebook.SourceText(source),
		Metadata: map[string]interface{}{},
	}
	if hash != "" {
		cell.SetProvenance(notebook.Provenance{
			ExecutionHash: hash,
			ExecutedAt:    "2026-08-25T12:00:00Z",
			EnvName:       "py311",
			Interpreter:   "/usr/bin/python3",
			SessionUUID:   "sess-1",
		})
	}
	return cell
}

func mdCell(id, text string) notebook.Cell {
	return notebook.Cell{
		ID:       id,
		CellType: notebook.CellTypeMarkdown,
		Source:   notebook.SourceText(text),
		Metadata: map[string]interface{}{},
	}
}

func writeNotebookFile(t *testing.T, path string, cells ...notebook.Cell) {
	t.Helper()
	nb := &notebook.Notebook{
		Cells:         cells,
		Metadata:      map[string]interface{}{},
		NBFormat:      notebook.Version,
		NBFormatMinor: notebook.VersionMinor,
	}
	if err := notebook.WriteAtomic(path, nb); err != nil {
		t.Fatalf("write notebook: %v", err)
	}
}

// syncNotebook covers every sync-relevant cell shape: executed clean,
// executed then edited, markdown, never executed, and empty source.
func syncNotebook() *notebook.Notebook {
	return &notebook.Notebook{
		Cells: []notebook.Cell{
			execCell("c0", "x = 0", notebook.ExecutionHash("x = 0")),
			execCell("c1", "x = 1 # edited", notebook.ExecutionHash("x = 1")),
			mdCell("m2", "# heading"),
			execCell("c3", "x = 3", ""),
			execCell("c4", "x = 4", notebook.ExecutionHash("x = 4")),
			execCell("c5", "x = 5", ""),
			execCell("c6", "   ", ""),
		},
		Metadata:      map[string]interface{}{},
		NBFormat:      notebook.Version,
		NBFormatMinor: notebook.VersionMinor,
	}
}

func TestStrategyTargets(t *testing.T) {
	nb := syncNotebook()
	codeIdxs := nb.CodeCellIndexes()
	assert.Equal(t, []int{0, 1, 3, 4, 5, 6}, codeIdxs)

	// Cell 1 changed after execution, cells 3 and 5 never ran, cell 6 is
	// blank and must never be targeted.
	tests := []struct {
		strategy types.SyncStrategy
		want     []int
	}{
		{types.SyncMinimalAppend, []int{5}},
		{types.SyncIncremental, []int{1}},
		{types.SyncSmart, []int{1, 3, 4, 5}},
		{types.SyncFull, []int{1, 3, 5}},
		{types.SyncForce, []int{0, 1, 3, 4, 5}},
	}
	for _, tt := range tests {
		t.Run(string(tt.strategy), func(t *testing.T) {
			assert.Equal(t, tt.want, strategyTargets(nb, codeIdxs, tt.strategy))
		})
	}
}

func TestStrategyTargetsNothingChanged(t *testing.T) {
	nb := &notebook.Notebook{
		Cells: []notebook.Cell{
			execCell("c0", "a = 1", notebook.ExecutionHash("a = 1")),
			execCell("c1", "b = 2", notebook.ExecutionHash("b = 2")),
		},
		Metadata:      map[string]interface{}{},
		NBFormat:      notebook.Version,
		NBFormatMinor: notebook.VersionMinor,
	}
	codeIdxs := nb.CodeCellIndexes()

	for _, strategy := range []types.SyncStrategy{
		types.SyncMinimalAppend, types.SyncIncremental, types.SyncSmart, types.SyncFull,
	} {
		assert.Empty(t, strategyTargets(nb, codeIdxs, strategy), "strategy %s", strategy)
	}
	assert.Equal(t, []int{0, 1}, strategyTargets(nb, codeIdxs, types.SyncForce))
}

func TestDetectSyncReportsChangedCells(t *testing.T) {
	fx := newMgrFixture(t)
	path := filepath.Join(fx.cfg.DataDir, "sync.ipynb")
	writeNotebookFile(t, path,
		execCell("c0", "x = 0", notebook.ExecutionHash("x = 0")),
		execCell("c1", "x = 1 # edited", notebook.ExecutionHash("x = 1")),
		execCell("c2", "x = 2", ""),
	)

	// Cell 2 never ran, so it has nothing to drift from.
	report, err := fx.mgr.DetectSync(path, nil)
	assert.NoError(t, err)
	assert.True(t, report.SyncNeeded)
	assert.Equal(t, []int{1}, report.ChangedCells)
}

func TestDetectSyncBufferHashMasksDiskEdit(t *testing.T) {
	fx := newMgrFixture(t)
	path := filepath.Join(fx.cfg.DataDir, "buffer.ipynb")
	writeNotebookFile(t, path,
		execCell("c0", "x = 1 # edited", notebook.ExecutionHash("x = 1")),
	)

	// The editor reports its live buffer still matches what ran, so the
	// stale on-disk copy does not count as drift.
	report, err := fx.mgr.DetectSync(path, map[int]string{0: notebook.ExecutionHash("x = 1")})
	assert.NoError(t, err)
	assert.False(t, report.SyncNeeded)
	assert.Empty(t, report.ChangedCells)
}

func TestDetectSyncBufferHashFlagsDirtyBuffer(t *testing.T) {
	fx := newMgrFixture(t)
	path := filepath.Join(fx.cfg.DataDir, "dirty.ipynb")
	writeNotebookFile(t, path,
		execCell("c0", "x = 0", notebook.ExecutionHash("x = 0")),
	)

	// Disk is clean but the editor has unsaved edits.
	report, err := fx.mgr.DetectSync(path, map[int]string{0: notebook.ExecutionHash("x = 0 # dirty")})
	assert.NoError(t, err)
	assert.True(t, report.SyncNeeded)
	assert.Equal(t, []int{0}, report.ChangedCells)
}

func TestDetectSyncMissingNotebook(t *testing.T) {
	fx := newMgrFixture(t)
	_, err := fx.mgr.DetectSync(filepath.Join(fx.cfg.DataDir, "ghost.ipynb"), nil)
	assert.Error(t, err)
}

func TestDetectSyncEmptyPath(t *testing.T) {
	fx := newMgrFixture(t)
	_, err := fx.mgr.DetectSync("", nil)
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestResyncInvalidStrategy(t *testing.T) {
	fx := newMgrFixture(t)
	_, err := fx.mgr.Resync("/nb/a.ipynb", types.SyncStrategy("bogus"))
	assert.ErrorIs(t, err, ErrInvalid)
	assert.Contains(t, err.Error(), "bogus")
}

func TestResyncWithoutSession(t *testing.T) {
	fx := newMgrFixture(t)
	_, err := fx.mgr.Resync("/nb/a.ipynb", types.SyncSmart)
	assert.ErrorIs(t, err, ErrNoSession)
}
