/*
Package storage persists the execution queue and asset leases in SQLite.

The durable store is the server's source of truth for task state. A
submit is not acknowledged until its row is committed here, and a task's
terminal status is committed here before the finalizer touches the
notebook. Restart recovery and resync are both plain queries against
this database.

# Schema

Two tables in one database file under the data directory:

	execution_queue(
	    task_id TEXT PRIMARY KEY,
	    notebook_path TEXT, cell_index INTEGER, code TEXT,
	    status TEXT, created_at, started_at, completed_at,
	    error_message TEXT, execution_count INTEGER,
	    outputs_blob TEXT, retries INTEGER)
	  with indexes on (notebook_path, status) and (status)

	asset_leases(
	    asset_path TEXT PRIMARY KEY,
	    notebook_path TEXT, last_seen, lease_expires, created_at)
	  with an index on notebook_path

The connection opens with WAL journaling and a busy timeout, so the
scheduler goroutines of concurrent sessions can commit without
serializing on each other.

# Status Transition Guards

Writes that move a task forward guard on the current status in SQL:
MarkRunning and MarkTerminal only touch rows still in ('pending',
'running'). A terminal row is immutable except for NoteSaveFailure,
which annotates the error message after a failed notebook save without
changing the status. RecoverRunning is the startup reconciliation step:
it flips a notebook's 'running' rows back to 'pending' with a bumped
retry count, putting work interrupted by a crash back where resync can
find it.

# Retry Policy

SQLite returns SQLITE_BUSY under write contention even with WAL. Every
write runs through a short bounded retry with backoff; after the last
attempt the error propagates to the caller, which for the scheduler
means the submit is refused rather than silently dropped.

# Usage

	store, err := storage.NewSQLiteStore(dataDir)
	if err != nil { ... }
	defer store.Close()

	err = store.Enqueue(task)
	tasks, err := store.PendingTasks(notebookPath)
	err = store.MarkTerminal(task.ID, types.TaskCompleted, ...)

# Integration Points

  - pkg/scheduler commits every status transition
  - pkg/session runs RecoverRunning at start and reads tasks back
  - pkg/finalizer tracks offloaded assets through the lease table
  - cmd/hatchery opens the store and owns its lifetime
*/
package storage
