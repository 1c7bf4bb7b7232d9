package storage

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"

	"github.com/nbforge/hatchery/pkg/notebook"
	"github.com/nbforge/hatchery/pkg/types"
)

// sqliteOpenMu serializes Open calls. Concurrent first-opens of the same
// file can race on journal creation inside the driver.
var sqliteOpenMu sync.Mutex

// SQLiteStore implements Store on a single local SQLite database with
// write-ahead journaling, so a torn write cannot corrupt prior committed
// state.
type SQLiteStore struct {
	db   *sql.DB
	path string
}

// NewSQLiteStore opens (creating if needed) the database under dataDir
// and applies the schema.
func NewSQLiteStore(dataDir string) (*SQLiteStore, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return OpenSQLite(filepath.Join(dataDir, "hatchery.db"))
}

// OpenSQLite opens the database at an explicit path.
func OpenSQLite(path string) (*SQLiteStore, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on", path)

	sqliteOpenMu.Lock()
	db, err := sql.Open("sqlite3", dsn)
	if err == nil {
		err = db.Ping()
	}
	sqliteOpenMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("failed to open database %s: %w", path, err)
	}

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &SQLiteStore{db: db, path: path}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Path returns the database file location.
func (s *SQLiteStore) Path() string { return s.path }

func isBusy(err error) bool {
	if se, ok := err.(sqlite3.Error); ok {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// withRetry retries busy/locked failures with bounded exponential
// backoff. The busy_timeout pragma covers most contention; this covers
// the rest without spinning forever.
func (s *SQLiteStore) withRetry(fn func() error) error {
	delay := 50 * time.Millisecond
	var err error
	for attempt := 0; attempt < 4; attempt++ {
		err = fn()
		if err == nil || !isBusy(err) {
			return err
		}
		time.Sleep(delay)
		delay *= 2
	}
	return err
}

// Enqueue inserts a pending row. Idempotent on task id: re-enqueueing an
// existing id atomically overwrites the row back to a fresh pending
// state. Returns the (possibly generated) task id.
func (s *SQLiteStore) Enqueue(notebookPath string, cellIndex int, code, taskID string) (string, error) {
	if taskID == "" {
		taskID = uuid.NewString()
	}
	now := time.Now().UTC()
	err := s.withRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO execution_queue (task_id, notebook_path, cell_index, code, status, created_at, retries)
			VALUES (?, ?, ?, ?, 'pending', ?, 0)
			ON CONFLICT(task_id) DO UPDATE SET
				notebook_path   = excluded.notebook_path,
				cell_index      = excluded.cell_index,
				code            = excluded.code,
				status          = 'pending',
				created_at      = excluded.created_at,
				started_at      = NULL,
				completed_at    = NULL,
				error_message   = NULL,
				execution_count = NULL,
				outputs_blob    = NULL,
				retries         = 0`,
			taskID, notebookPath, cellIndex, code, now)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue task: %w", err)
	}
	return taskID, nil
}

const taskColumns = `task_id, notebook_path, cell_index, code, status, created_at,
	started_at, completed_at, error_message, execution_count, outputs_blob, retries`

// PendingTasks returns pending rows ordered by created_at ascending,
// rowid as the tiebreaker for equal timestamps. An empty notebookPath
// returns pending tasks across the whole database (startup recovery).
func (s *SQLiteStore) PendingTasks(notebookPath string) ([]*types.Task, error) {
	query := `SELECT ` + taskColumns + ` FROM execution_queue WHERE status = 'pending'`
	args := []interface{}{}
	if notebookPath != "" {
		query += ` AND notebook_path = ?`
		args = append(args, notebookPath)
	}
	query += ` ORDER BY created_at ASC, rowid ASC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pending tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*types.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// Task returns a single row by id.
func (s *SQLiteStore) Task(id string) (*types.Task, error) {
	row := s.db.QueryRow(`SELECT `+taskColumns+` FROM execution_queue WHERE task_id = ?`, id)
	t, err := scanTask(row)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	return t, err
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanTask(sc scanner) (*types.Task, error) {
	var (
		t         types.Task
		started   sql.NullTime
		completed sql.NullTime
		errMsg    sql.NullString
		execCount sql.NullInt64
		outputs   sql.NullString
	)
	err := sc.Scan(&t.ID, &t.NotebookPath, &t.CellIndex, &t.Code, &t.Status, &t.CreatedAt,
		&started, &completed, &errMsg, &execCount, &outputs, &t.Retries)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, err
		}
		return nil, fmt.Errorf("failed to scan task: %w", err)
	}
	if started.Valid {
		t.StartedAt = &started.Time
	}
	if completed.Valid {
		t.CompletedAt = &completed.Time
	}
	if errMsg.Valid {
		t.ErrorMessage = errMsg.String
	}
	if execCount.Valid {
		t.ExecutionCount = int(execCount.Int64)
	}
	if outputs.Valid && outputs.String != "" {
		if err := json.Unmarshal([]byte(outputs.String), &t.Outputs); err != nil {
			return nil, fmt.Errorf("failed to decode outputs for task %s: %w", t.ID, err)
		}
	}
	return &t, nil
}

// MarkRunning transitions pending → running and records started_at.
func (s *SQLiteStore) MarkRunning(id string) error {
	now := time.Now().UTC()
	return s.transition(id, `
		UPDATE execution_queue SET status = 'running', started_at = ?
		WHERE task_id = ? AND status = 'pending'`, now, id)
}

// MarkComplete transitions running → completed. Outputs and execution
// count update the row only when provided.
func (s *SQLiteStore) MarkComplete(id string, outputs []notebook.Output, executionCount int) error {
	now := time.Now().UTC()
	var blob interface{}
	if outputs != nil {
		raw, err := json.Marshal(outputs)
		if err != nil {
			return fmt.Errorf("failed to encode outputs: %w", err)
		}
		blob = string(raw)
	}
	var count interface{}
	if executionCount > 0 {
		count = executionCount
	}
	return s.transition(id, `
		UPDATE execution_queue SET
			status          = 'completed',
			completed_at    = ?,
			outputs_blob    = COALESCE(?, outputs_blob),
			execution_count = COALESCE(?, execution_count)
		WHERE task_id = ? AND status = 'running'`, now, blob, count, id)
}

// MarkFailed transitions to failed and records the error message.
func (s *SQLiteStore) MarkFailed(id, errorMessage string) error {
	return s.MarkTerminal(id, types.TaskFailed, errorMessage)
}

// MarkTerminal transitions any non-terminal row to the given terminal
// status. Marking an already-terminal task is a no-op, which keeps
// cancellation idempotent.
func (s *SQLiteStore) MarkTerminal(id string, status types.TaskStatus, errorMessage string) error {
	if !status.IsTerminal() {
		return fmt.Errorf("status %q is not terminal", status)
	}
	now := time.Now().UTC()
	var msg interface{}
	if errorMessage != "" {
		msg = errorMessage
	}
	err := s.withRetry(func() error {
		res, err := s.db.Exec(`
			UPDATE execution_queue SET status = ?, completed_at = ?, error_message = COALESCE(?, error_message)
			WHERE task_id = ? AND status IN ('pending','running')`,
			string(status), now, msg, id)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return s.missingOrTerminal(id)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to mark task %s %s: %w", id, status, err)
	}
	return nil
}

// Requeue returns a pending or running row to a fresh pending state and
// bumps its retry counter. Used by startup recovery for tasks caught
// mid-flight by a crash.
func (s *SQLiteStore) Requeue(id string) error {
	return s.transition(id, `
		UPDATE execution_queue SET
			status        = 'pending',
			retries       = retries + 1,
			started_at    = NULL,
			completed_at  = NULL,
			error_message = NULL
		WHERE task_id = ? AND status IN ('pending','running')`, id)
}

// RecoverRunning flips every running task for a notebook back to
// pending. Called when a session (re)starts: rows left running belong
// to a worker that no longer exists, and resync resubmits them.
func (s *SQLiteStore) RecoverRunning(notebookPath string) (int, error) {
	var n int64
	err := s.withRetry(func() error {
		res, err := s.db.Exec(`
			UPDATE execution_queue SET
				status       = 'pending',
				retries      = retries + 1,
				started_at   = NULL
			WHERE notebook_path = ? AND status = 'running'`, notebookPath)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to recover running tasks: %w", err)
	}
	return int(n), nil
}

// NoteSaveFailure records a notebook write failure against a task that
// is already terminal. The status stays as committed; only the error
// message carries the flag.
func (s *SQLiteStore) NoteSaveFailure(id, errorMessage string) error {
	err := s.withRetry(func() error {
		_, err := s.db.Exec(`
			UPDATE execution_queue SET error_message = ? WHERE task_id = ?`,
			"failed_save: "+errorMessage, id)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to note save failure for task %s: %w", id, err)
	}
	return nil
}

// CleanupCompleted deletes terminal rows whose completion is older than
// age. Returns the number deleted.
func (s *SQLiteStore) CleanupCompleted(age time.Duration) (int, error) {
	cutoff := time.Now().UTC().Add(-age)
	var n int64
	err := s.withRetry(func() error {
		res, err := s.db.Exec(`
			DELETE FROM execution_queue
			WHERE status IN ('completed','failed','cancelled','timeout') AND completed_at < ?`, cutoff)
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("failed to clean up completed tasks: %w", err)
	}
	return int(n), nil
}

func (s *SQLiteStore) transition(id, query string, args ...interface{}) error {
	err := s.withRetry(func() error {
		res, err := s.db.Exec(query, args...)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if n == 0 {
			return s.stateConflict(id)
		}
		return nil
	})
	if err != nil {
		if err == ErrNotFound {
			return ErrNotFound
		}
		return fmt.Errorf("failed to update task %s: %w", id, err)
	}
	return nil
}

// stateConflict explains a zero-row transition: the task either does not
// exist or sits in a state the transition does not accept.
func (s *SQLiteStore) stateConflict(id string) error {
	var status string
	err := s.db.QueryRow(`SELECT status FROM execution_queue WHERE task_id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return fmt.Errorf("task in status %q: %w", status, ErrConflict)
}

// missingOrTerminal is stateConflict with terminal states tolerated:
// marking an already-terminal task terminal again is a no-op.
func (s *SQLiteStore) missingOrTerminal(id string) error {
	var status string
	err := s.db.QueryRow(`SELECT status FROM execution_queue WHERE task_id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	if types.TaskStatus(status).IsTerminal() {
		return nil
	}
	return fmt.Errorf("invalid transition from status %q", status)
}

// RenewLease upserts a lease: last_seen = now, expiry = now + ttl.
// created_at is set once and never touched by renewal.
func (s *SQLiteStore) RenewLease(assetPath, notebookPath string, ttl time.Duration) error {
	now := time.Now().UTC()
	err := s.withRetry(func() error {
		_, err := s.db.Exec(`
			INSERT INTO asset_leases (asset_path, notebook_path, last_seen, lease_expires, created_at)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(asset_path) DO UPDATE SET
				notebook_path = excluded.notebook_path,
				last_seen     = excluded.last_seen,
				lease_expires = excluded.lease_expires`,
			assetPath, notebookPath, now, now.Add(ttl), now)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to renew lease for %s: %w", assetPath, err)
	}
	return nil
}

// ExpiredAssets returns leases whose expiry is before now.
func (s *SQLiteStore) ExpiredAssets(now time.Time) ([]*types.AssetLease, error) {
	rows, err := s.db.Query(`
		SELECT asset_path, notebook_path, last_seen, lease_expires, created_at
		FROM asset_leases WHERE lease_expires < ?`, now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to list expired assets: %w", err)
	}
	defer rows.Close()
	return scanLeases(rows)
}

// LeasesFor returns all leases owned by a notebook.
func (s *SQLiteStore) LeasesFor(notebookPath string) ([]*types.AssetLease, error) {
	rows, err := s.db.Query(`
		SELECT asset_path, notebook_path, last_seen, lease_expires, created_at
		FROM asset_leases WHERE notebook_path = ?`, notebookPath)
	if err != nil {
		return nil, fmt.Errorf("failed to list leases: %w", err)
	}
	defer rows.Close()
	return scanLeases(rows)
}

func scanLeases(rows *sql.Rows) ([]*types.AssetLease, error) {
	var leases []*types.AssetLease
	for rows.Next() {
		var l types.AssetLease
		if err := rows.Scan(&l.AssetPath, &l.NotebookPath, &l.LastSeen, &l.LeaseExpires, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan lease: %w", err)
		}
		leases = append(leases, &l)
	}
	return leases, rows.Err()
}

// DeleteLease removes a lease row. Deleting a missing lease is a no-op.
func (s *SQLiteStore) DeleteLease(assetPath string) error {
	err := s.withRetry(func() error {
		_, err := s.db.Exec(`DELETE FROM asset_leases WHERE asset_path = ?`, assetPath)
		return err
	})
	if err != nil {
		return fmt.Errorf("failed to delete lease for %s: %w", assetPath, err)
	}
	return nil
}
