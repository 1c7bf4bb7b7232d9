package session

import (
	"fmt"
	"strings"

	"github.com/nbforge/hatchery/pkg/notebook"
	"github.com/nbforge/hatchery/pkg/types"
)

// DetectSync reports which code cells have source that no longer
// matches the execution hash recorded in their provenance metadata.
// bufferHashes lets a client substitute hashes of unsaved editor
// buffers, keyed by cell index, computed the same way as
// notebook.ExecutionHash; where present they win over the file.
// Cells that were never executed carry no hash to compare and are not
// reported; they are resync's concern.
func (m *Manager) DetectSync(notebookPath string, bufferHashes map[int]string) (*types.SyncReport, error) {
	path, err := CanonicalPath(notebookPath)
	if err != nil {
		return nil, err
	}
	nb, err := notebook.Read(path)
	if err != nil {
		return nil, err
	}

	report := &types.SyncReport{ChangedCells: []int{}}
	for _, idx := range nb.CodeCellIndexes() {
		cell := &nb.Cells[idx]
		prov, ok := cell.GetProvenance()
		if !ok {
			continue
		}
		current, supplied := bufferHashes[idx]
		if !supplied {
			current = notebook.ExecutionHash(cell.Source.String())
		}
		if prov.ExecutionHash != current {
			report.ChangedCells = append(report.ChangedCells, idx)
		}
	}
	report.SyncNeeded = len(report.ChangedCells) > 0
	return report, nil
}

// Resync brings a notebook's outputs back in line with its source. It
// first re-enqueues any durable pending tasks for the notebook (the
// interrupted work left behind by a previous run), then submits the
// cells the strategy selects, reading source from the file on disk.
// The session must already be running; resync never starts one.
func (m *Manager) Resync(notebookPath string, strategy types.SyncStrategy) (*types.ResyncReport, error) {
	if !strategy.Valid() {
		return nil, fmt.Errorf("%w: unknown sync strategy %q", ErrInvalid, strategy)
	}
	path, err := CanonicalPath(notebookPath)
	if err != nil {
		return nil, err
	}
	sess, err := m.lookup(path)
	if err != nil {
		return nil, err
	}

	report := &types.ResyncReport{}
	queuedCells := make(map[int]bool)

	pending, err := m.store.PendingTasks(path)
	if err != nil {
		return nil, fmt.Errorf("loading pending tasks: %w", err)
	}
	for _, task := range pending {
		if task.CellIndex >= 0 && queuedCells[task.CellIndex] {
			continue
		}
		if err := sess.Resubmit(task); err != nil {
			m.logger.Warn().Err(err).Str("task_id", task.ID).Msg("pending task resubmit failed")
			continue
		}
		report.QueuedCount++
		if task.CellIndex >= 0 {
			queuedCells[task.CellIndex] = true
		}
	}

	nb, err := notebook.Read(path)
	if err != nil {
		return nil, err
	}
	codeIdxs := nb.CodeCellIndexes()
	for _, idx := range strategyTargets(nb, codeIdxs, strategy) {
		if queuedCells[idx] {
			continue
		}
		if _, err := sess.Submit(idx, nb.Cells[idx].Source.String(), ""); err != nil {
			return report, err
		}
		report.QueuedCount++
		queuedCells[idx] = true
	}

	for _, idx := range codeIdxs {
		if !queuedCells[idx] {
			report.SkippedCount++
		}
	}
	m.logger.Info().
		Str("notebook", path).
		Str("strategy", string(strategy)).
		Int("queued", report.QueuedCount).
		Int("skipped", report.SkippedCount).
		Msg("resync queued")
	return report, nil
}

// strategyTargets selects the cell indexes a strategy re-executes.
// Empty cells are never targeted.
//
//	minimal_append: never-executed cells after the last executed one
//	incremental:    cells whose source changed since execution
//	smart:          every code cell from the first changed one on
//	full:           changed and never-executed cells
//	force:          every code cell
func strategyTargets(nb *notebook.Notebook, codeIdxs []int, strategy types.SyncStrategy) []int {
	executed := make(map[int]bool, len(codeIdxs))
	changed := make(map[int]bool)
	lastExecuted := -1
	firstChanged := -1

	for _, idx := range codeIdxs {
		cell := &nb.Cells[idx]
		prov, ok := cell.GetProvenance()
		if !ok {
			continue
		}
		executed[idx] = true
		if idx > lastExecuted {
			lastExecuted = idx
		}
		if prov.ExecutionHash != notebook.ExecutionHash(cell.Source.String()) {
			changed[idx] = true
			if firstChanged == -1 {
				firstChanged = idx
			}
		}
	}

	var targets []int
	for _, idx := range codeIdxs {
		if strings.TrimSpace(nb.Cells[idx].Source.String()) == "" {
			continue
		}
		include := false
		switch strategy {
		case types.SyncMinimalAppend:
			include = !executed[idx] && idx > lastExecuted
		case types.SyncIncremental:
			include = changed[idx]
		case types.SyncSmart:
			include = firstChanged != -1 && idx >= firstChanged
		case types.SyncFull:
			include = changed[idx] || !executed[idx]
		case types.SyncForce:
			include = true
		}
		if include {
			targets = append(targets, idx)
		}
	}
	return targets
}
