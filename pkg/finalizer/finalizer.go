package finalizer

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nbforge/hatchery/pkg/log"
	"github.com/nbforge/hatchery/pkg/metrics"
	"github.com/nbforge/hatchery/pkg/notebook"
	"github.com/nbforge/hatchery/pkg/types"
)

// DefaultLeaseTTL is how long an asset lease stays valid without
// renewal.
const DefaultLeaseTTL = 24 * time.Hour

// Store is the durable-store slice the finalizer needs: the committed
// task record for provenance, lease renewal for written assets, and the
// save-failure annotation.
type Store interface {
	Task(id string) (*types.Task, error)
	RenewLease(assetPath, notebookPath string, ttl time.Duration) error
	NoteSaveFailure(id, errorMessage string) error
}

// SubscriberCounter reports live streaming subscribers for a notebook.
type SubscriberCounter interface {
	SubscriberCount(notebook string) int
}

// Config tunes one session's finalizer.
type Config struct {
	NotebookPath string
	Env          types.EnvInfo
	SessionUUID  string
	StorageCap   int64
	LeaseTTL     time.Duration
	// SkipWhenStreaming defers notebook writes while subscribers are
	// connected, avoiding file-watch conflicts with live editors. The
	// deferred updates land in one batch when the last subscriber
	// leaves or the session stops.
	SkipWhenStreaming bool
}

// Finalizer turns a terminal execution record into the durable result:
// sanitized outputs, offloaded assets, provenance metadata, and an
// atomically rewritten notebook file.
type Finalizer struct {
	notebookPath string
	notebookDir  string
	env          types.EnvInfo
	sessionUUID  string
	store        Store
	subs         SubscriberCounter
	writer       *assetWriter
	storageCap   int64
	leaseTTL     time.Duration
	skipStream   bool
	logger       zerolog.Logger

	mu      sync.Mutex
	pending map[int]*cellUpdate
}

type cellUpdate struct {
	outputs        []notebook.Output
	executionCount int
	provenance     notebook.Provenance
}

// New builds a finalizer for one session.
func New(cfg Config, store Store, subs SubscriberCounter) *Finalizer {
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = DefaultLeaseTTL
	}
	dir := filepath.Dir(cfg.NotebookPath)
	logger := log.WithComponent("finalizer").With().Str("notebook", cfg.NotebookPath).Logger()
	return &Finalizer{
		notebookPath: cfg.NotebookPath,
		notebookDir:  dir,
		env:          cfg.Env,
		sessionUUID:  cfg.SessionUUID,
		store:        store,
		subs:         subs,
		writer:       newAssetWriter(dir, logger),
		storageCap:   cfg.StorageCap,
		leaseTTL:     cfg.LeaseTTL,
		skipStream:   cfg.SkipWhenStreaming,
		logger:       logger,
		pending:      make(map[int]*cellUpdate),
	}
}

// Finalize sanitizes and persists one execution's outputs. It runs only
// after the scheduler has committed the terminal status, so the task
// read here always observes the durable record. Maintenance submissions
// never touch the notebook.
func (f *Finalizer) Finalize(rec *types.ExecutionRecord) error {
	if rec.CellIndex < 0 {
		return nil
	}
	task, err := f.store.Task(rec.TaskID)
	if err != nil {
		return fmt.Errorf("finalize %s: %w", rec.TaskID, err)
	}

	outputs := rec.Outputs()
	for i := range outputs {
		out := &outputs[i]
		// Sanitize first: the asset references written below must not
		// pass back through the redactor.
		sanitizeOutput(out)
		if rel, err := f.writer.extractBinary(out); err != nil {
			f.logger.Error().Err(err).Msg("binary asset extraction failed")
		} else if rel != "" {
			f.renewLease(rel)
		}
		// Offload runs after redaction so secrets never reach the
		// asset file.
		if rel, err := f.writer.offloadText(out); err != nil {
			f.logger.Error().Err(err).Msg("text offload failed")
		} else if rel != "" {
			f.renewLease(rel)
		}
	}

	upd := &cellUpdate{
		outputs:        outputs,
		executionCount: rec.ExecutionCount(),
		provenance: notebook.NewProvenance(
			task.Code, f.env.EnvName, f.env.Interpreter, f.sessionUUID),
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.pending[rec.CellIndex] = upd

	if f.skipStream && f.subs != nil && f.subs.SubscriberCount(f.notebookPath) > 0 {
		metrics.NotebookWritesTotal.WithLabelValues("deferred").Inc()
		f.logger.Debug().Int("cell_index", rec.CellIndex).Msg("notebook write deferred, subscribers streaming")
		return nil
	}
	if err := f.flushLocked(); err != nil {
		// The task stays terminal with whatever status the scheduler
		// committed; the record just carries the save failure. Outputs
		// remain in the pending map for a later flush.
		if serr := f.store.NoteSaveFailure(rec.TaskID, err.Error()); serr != nil {
			f.logger.Error().Err(serr).Str("task_id", rec.TaskID).Msg("save failure annotation failed")
		}
		return err
	}
	return nil
}

// Flush applies all deferred cell updates in one atomic write. Called
// when the last subscriber disconnects and on session stop or restart.
func (f *Finalizer) Flush() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.flushLocked()
}

// PendingCount returns the number of cells awaiting a deferred write.
func (f *Finalizer) PendingCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

// PruneAssets enforces the storage quota explicitly.
func (f *Finalizer) PruneAssets() (int, int64) {
	return f.writer.pruneQuota(f.storageCap)
}

func (f *Finalizer) flushLocked() error {
	if len(f.pending) == 0 {
		return nil
	}
	nb, err := notebook.Read(f.notebookPath)
	if err != nil {
		metrics.NotebookWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("finalize read: %w", err)
	}
	notebook.Migrate(nb)

	applied := 0
	for idx, upd := range f.pending {
		cell, err := nb.CellAt(idx)
		if err != nil {
			f.logger.Warn().Int("cell_index", idx).Msg("cell vanished before finalize, dropping update")
			continue
		}
		if cell.CellType != notebook.CellTypeCode {
			f.logger.Warn().Int("cell_index", idx).Str("cell_type", cell.CellType).
				Msg("cell is no longer code, dropping update")
			continue
		}
		cell.Outputs = upd.outputs
		if upd.executionCount > 0 {
			count := upd.executionCount
			cell.ExecutionCount = &count
		}
		cell.SetProvenance(upd.provenance)
		applied++
	}

	if err := notebook.WriteAtomic(f.notebookPath, nb); err != nil {
		// Keep the pending updates so a later flush can retry them.
		metrics.NotebookWritesTotal.WithLabelValues("error").Inc()
		return fmt.Errorf("finalize write: %w", err)
	}
	f.pending = make(map[int]*cellUpdate)
	metrics.NotebookWritesTotal.WithLabelValues("written").Inc()
	f.logger.Debug().Int("cells", applied).Msg("notebook updated")

	f.writer.pruneQuota(f.storageCap)
	return nil
}

func (f *Finalizer) renewLease(rel string) {
	abs := filepath.Join(f.notebookDir, rel)
	if err := f.store.RenewLease(abs, f.notebookPath, f.leaseTTL); err != nil {
		f.logger.Warn().Err(err).Str("asset", rel).Msg("lease renewal failed")
	}
}
