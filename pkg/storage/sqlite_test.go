package storage

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nbforge/hatchery/pkg/notebook"
	"github.com/nbforge/hatchery/pkg/types"
)

func newTestStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewSQLiteStore() error = %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestEnqueueGeneratesTaskID(t *testing.T) {
	store := newTestStore(t)

	id, err := store.Enqueue("/nb/a.ipynb", 0, "print(1)", "")
	assert.NoError(t, err)
	assert.NotEmpty(t, id)

	task, err := store.Task(id)
	assert.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.Status)
	assert.Equal(t, "/nb/a.ipynb", task.NotebookPath)
	assert.Equal(t, 0, task.CellIndex)
	assert.Equal(t, "print(1)", task.Code)
	assert.Equal(t, 0, task.Retries)
}

func TestEnqueueIdempotentOnTaskID(t *testing.T) {
	store := newTestStore(t)

	id, err := store.Enqueue("/nb/a.ipynb", 2, "x = 1", "task-1")
	assert.NoError(t, err)
	assert.Equal(t, "task-1", id)

	// Move the task through to completed, then re-enqueue the same id.
	assert.NoError(t, store.MarkRunning(id))
	assert.NoError(t, store.MarkComplete(id, nil, 1))

	id2, err := store.Enqueue("/nb/a.ipynb", 2, "x = 2", "task-1")
	assert.NoError(t, err)
	assert.Equal(t, "task-1", id2)

	task, err := store.Task(id)
	assert.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.Status)
	assert.Equal(t, "x = 2", task.Code)
	assert.Nil(t, task.StartedAt)
	assert.Nil(t, task.CompletedAt)
	assert.Equal(t, 0, task.ExecutionCount)
	assert.Equal(t, 0, task.Retries)
}

func TestPendingTasksOrder(t *testing.T) {
	store := newTestStore(t)

	// Same-millisecond inserts must still come back in submission order.
	for i := 0; i < 5; i++ {
		_, err := store.Enqueue("/nb/a.ipynb", i, "code", "")
		assert.NoError(t, err)
	}
	// A different notebook must not leak into the listing.
	_, err := store.Enqueue("/nb/b.ipynb", 0, "code", "")
	assert.NoError(t, err)

	tasks, err := store.PendingTasks("/nb/a.ipynb")
	assert.NoError(t, err)
	assert.Len(t, tasks, 5)
	for i, task := range tasks {
		assert.Equal(t, i, task.CellIndex)
	}
}

func TestPendingTasksAllNotebooks(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Enqueue("/nb/a.ipynb", 0, "code", "")
	assert.NoError(t, err)
	_, err = store.Enqueue("/nb/b.ipynb", 0, "code", "")
	assert.NoError(t, err)

	tasks, err := store.PendingTasks("")
	assert.NoError(t, err)
	assert.Len(t, tasks, 2)
}

func TestPendingTasksExcludesNonPending(t *testing.T) {
	store := newTestStore(t)

	id1, _ := store.Enqueue("/nb/a.ipynb", 0, "code", "")
	id2, _ := store.Enqueue("/nb/a.ipynb", 1, "code", "")
	_, _ = store.Enqueue("/nb/a.ipynb", 2, "code", "")

	assert.NoError(t, store.MarkRunning(id1))
	assert.NoError(t, store.MarkRunning(id2))
	assert.NoError(t, store.MarkComplete(id2, nil, 1))

	tasks, err := store.PendingTasks("/nb/a.ipynb")
	assert.NoError(t, err)
	assert.Len(t, tasks, 1)
	assert.Equal(t, 2, tasks[0].CellIndex)
}

func TestTaskNotFound(t *testing.T) {
	store := newTestStore(t)

	_, err := store.Task("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkRunningRecordsStart(t *testing.T) {
	store := newTestStore(t)

	id, _ := store.Enqueue("/nb/a.ipynb", 0, "code", "")
	assert.NoError(t, store.MarkRunning(id))

	task, err := store.Task(id)
	assert.NoError(t, err)
	assert.Equal(t, types.TaskRunning, task.Status)
	assert.NotNil(t, task.StartedAt)
}

func TestMarkRunningGuardsState(t *testing.T) {
	store := newTestStore(t)

	id, _ := store.Enqueue("/nb/a.ipynb", 0, "code", "")
	assert.NoError(t, store.MarkTerminal(id, types.TaskCancelled, "cancelled before start"))

	// The worker dequeued this task before the cancel landed; running it
	// now must be refused so the cancel sticks.
	err := store.MarkRunning(id)
	assert.ErrorIs(t, err, ErrConflict)

	task, _ := store.Task(id)
	assert.Equal(t, types.TaskCancelled, task.Status)
}

func TestMarkRunningMissing(t *testing.T) {
	store := newTestStore(t)

	err := store.MarkRunning("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestMarkCompleteStoresOutputs(t *testing.T) {
	store := newTestStore(t)

	id, _ := store.Enqueue("/nb/a.ipynb", 0, "print('hi')", "")
	assert.NoError(t, store.MarkRunning(id))

	outputs := []notebook.Output{
		{OutputType: notebook.OutputTypeStream, Name: "stdout", Text: "hi\n"},
	}
	assert.NoError(t, store.MarkComplete(id, outputs, 3))

	task, err := store.Task(id)
	assert.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, task.Status)
	assert.NotNil(t, task.CompletedAt)
	assert.Equal(t, 3, task.ExecutionCount)
	assert.Len(t, task.Outputs, 1)
	assert.Equal(t, "hi\n", task.Outputs[0].Text.String())
}

func TestMarkCompleteRequiresRunning(t *testing.T) {
	store := newTestStore(t)

	id, _ := store.Enqueue("/nb/a.ipynb", 0, "code", "")

	err := store.MarkComplete(id, nil, 1)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestMarkFailedRecordsMessage(t *testing.T) {
	store := newTestStore(t)

	id, _ := store.Enqueue("/nb/a.ipynb", 0, "boom", "")
	assert.NoError(t, store.MarkRunning(id))
	assert.NoError(t, store.MarkFailed(id, "ZeroDivisionError: division by zero"))

	task, err := store.Task(id)
	assert.NoError(t, err)
	assert.Equal(t, types.TaskFailed, task.Status)
	assert.Equal(t, "ZeroDivisionError: division by zero", task.ErrorMessage)
}

func TestMarkTerminalRejectsNonTerminal(t *testing.T) {
	store := newTestStore(t)

	id, _ := store.Enqueue("/nb/a.ipynb", 0, "code", "")
	err := store.MarkTerminal(id, types.TaskRunning, "")
	assert.Error(t, err)
	assert.NotErrorIs(t, err, ErrConflict)
}

func TestMarkTerminalIdempotent(t *testing.T) {
	store := newTestStore(t)

	id, _ := store.Enqueue("/nb/a.ipynb", 0, "code", "")
	assert.NoError(t, store.MarkTerminal(id, types.TaskCancelled, "first"))

	// A second terminal mark is a no-op, not an error, and does not
	// clobber the original message.
	assert.NoError(t, store.MarkTerminal(id, types.TaskFailed, "second"))

	task, _ := store.Task(id)
	assert.Equal(t, types.TaskCancelled, task.Status)
	assert.Equal(t, "first", task.ErrorMessage)
}

func TestMarkTerminalFromRunning(t *testing.T) {
	store := newTestStore(t)

	id, _ := store.Enqueue("/nb/a.ipynb", 0, "code", "")
	assert.NoError(t, store.MarkRunning(id))
	assert.NoError(t, store.MarkTerminal(id, types.TaskTimeout, "execution timed out after 300s"))

	task, _ := store.Task(id)
	assert.Equal(t, types.TaskTimeout, task.Status)
	assert.NotNil(t, task.CompletedAt)
}

func TestRequeueBumpsRetries(t *testing.T) {
	store := newTestStore(t)

	id, _ := store.Enqueue("/nb/a.ipynb", 0, "code", "")
	assert.NoError(t, store.MarkRunning(id))
	assert.NoError(t, store.Requeue(id))

	task, err := store.Task(id)
	assert.NoError(t, err)
	assert.Equal(t, types.TaskPending, task.Status)
	assert.Equal(t, 1, task.Retries)
	assert.Nil(t, task.StartedAt)
	assert.Nil(t, task.CompletedAt)
	assert.Empty(t, task.ErrorMessage)
}

func TestRequeueRefusesTerminal(t *testing.T) {
	store := newTestStore(t)

	id, _ := store.Enqueue("/nb/a.ipynb", 0, "code", "")
	assert.NoError(t, store.MarkRunning(id))
	assert.NoError(t, store.MarkComplete(id, nil, 1))

	err := store.Requeue(id)
	assert.ErrorIs(t, err, ErrConflict)
}

func TestRecoverRunning(t *testing.T) {
	store := newTestStore(t)

	id1, _ := store.Enqueue("/nb/a.ipynb", 0, "code", "")
	id2, _ := store.Enqueue("/nb/a.ipynb", 1, "code", "")
	id3, _ := store.Enqueue("/nb/b.ipynb", 0, "code", "")
	assert.NoError(t, store.MarkRunning(id1))
	assert.NoError(t, store.MarkRunning(id3))

	n, err := store.RecoverRunning("/nb/a.ipynb")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	// The interrupted task is pending again with a bumped retry count.
	task, _ := store.Task(id1)
	assert.Equal(t, types.TaskPending, task.Status)
	assert.Equal(t, 1, task.Retries)
	assert.Nil(t, task.StartedAt)

	// Untouched: the task that never started and the other notebook.
	task2, _ := store.Task(id2)
	assert.Equal(t, types.TaskPending, task2.Status)
	assert.Equal(t, 0, task2.Retries)
	task3, _ := store.Task(id3)
	assert.Equal(t, types.TaskRunning, task3.Status)
}

func TestRecoverRunningEmpty(t *testing.T) {
	store := newTestStore(t)

	n, err := store.RecoverRunning("/nb/a.ipynb")
	assert.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestNoteSaveFailureKeepsStatus(t *testing.T) {
	store := newTestStore(t)

	id, _ := store.Enqueue("/nb/a.ipynb", 0, "code", "")
	assert.NoError(t, store.MarkRunning(id))
	assert.NoError(t, store.MarkComplete(id, nil, 2))

	assert.NoError(t, store.NoteSaveFailure(id, "disk full"))

	task, err := store.Task(id)
	assert.NoError(t, err)
	assert.Equal(t, types.TaskCompleted, task.Status)
	assert.Equal(t, "failed_save: disk full", task.ErrorMessage)
	assert.Equal(t, 2, task.ExecutionCount)
}

func TestCleanupCompleted(t *testing.T) {
	store := newTestStore(t)

	oldID, _ := store.Enqueue("/nb/a.ipynb", 0, "code", "")
	assert.NoError(t, store.MarkRunning(oldID))
	assert.NoError(t, store.MarkComplete(oldID, nil, 1))

	freshID, _ := store.Enqueue("/nb/a.ipynb", 1, "code", "")
	assert.NoError(t, store.MarkRunning(freshID))
	assert.NoError(t, store.MarkFailed(freshID, "boom"))

	pendingID, _ := store.Enqueue("/nb/a.ipynb", 2, "code", "")

	// Age the first task's completion stamp past the cutoff.
	_, err := store.db.Exec(`UPDATE execution_queue SET completed_at = ? WHERE task_id = ?`,
		time.Now().UTC().Add(-48*time.Hour), oldID)
	assert.NoError(t, err)

	n, err := store.CleanupCompleted(24 * time.Hour)
	assert.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = store.Task(oldID)
	assert.ErrorIs(t, err, ErrNotFound)
	_, err = store.Task(freshID)
	assert.NoError(t, err)
	_, err = store.Task(pendingID)
	assert.NoError(t, err)
}

func TestSurvivesReopen(t *testing.T) {
	dir := t.TempDir()
	store, err := NewSQLiteStore(dir)
	assert.NoError(t, err)

	id, err := store.Enqueue("/nb/a.ipynb", 4, "x = 1", "")
	assert.NoError(t, err)
	assert.NoError(t, store.MarkRunning(id))
	assert.NoError(t, store.Close())

	// Reopen as a restarted server would.
	store2, err := NewSQLiteStore(dir)
	assert.NoError(t, err)
	defer store2.Close()

	task, err := store2.Task(id)
	assert.NoError(t, err)
	assert.Equal(t, types.TaskRunning, task.Status)

	n, err := store2.RecoverRunning("/nb/a.ipynb")
	assert.NoError(t, err)
	assert.Equal(t, 1, n)
}

func TestRenewLeaseUpsert(t *testing.T) {
	store := newTestStore(t)

	assert.NoError(t, store.RenewLease("/nb/assets/img.png", "/nb/a.ipynb", time.Hour))

	leases, err := store.LeasesFor("/nb/a.ipynb")
	assert.NoError(t, err)
	assert.Len(t, leases, 1)
	created := leases[0].CreatedAt
	firstExpiry := leases[0].LeaseExpires

	time.Sleep(10 * time.Millisecond)
	assert.NoError(t, store.RenewLease("/nb/assets/img.png", "/nb/a.ipynb", time.Hour))

	leases, err = store.LeasesFor("/nb/a.ipynb")
	assert.NoError(t, err)
	assert.Len(t, leases, 1)
	assert.True(t, leases[0].LeaseExpires.After(firstExpiry))
	// created_at survives renewal.
	assert.Equal(t, created.Unix(), leases[0].CreatedAt.Unix())
}

func TestExpiredAssets(t *testing.T) {
	store := newTestStore(t)

	assert.NoError(t, store.RenewLease("/nb/assets/old.png", "/nb/a.ipynb", -time.Hour))
	assert.NoError(t, store.RenewLease("/nb/assets/live.png", "/nb/a.ipynb", time.Hour))

	expired, err := store.ExpiredAssets(time.Now())
	assert.NoError(t, err)
	assert.Len(t, expired, 1)
	assert.Equal(t, "/nb/assets/old.png", expired[0].AssetPath)
}

func TestDeleteLease(t *testing.T) {
	store := newTestStore(t)

	assert.NoError(t, store.RenewLease("/nb/assets/img.png", "/nb/a.ipynb", time.Hour))
	assert.NoError(t, store.DeleteLease("/nb/assets/img.png"))

	leases, err := store.LeasesFor("/nb/a.ipynb")
	assert.NoError(t, err)
	assert.Empty(t, leases)

	// Deleting again is a no-op.
	assert.NoError(t, store.DeleteLease("/nb/assets/img.png"))
}

func TestIsBusyDetection(t *testing.T) {
	if isBusy(errors.New("plain error")) {
		t.Error("plain error misclassified as busy")
	}
	if isBusy(nil) {
		t.Error("nil misclassified as busy")
	}
}
