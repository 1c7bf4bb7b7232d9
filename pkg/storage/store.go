package storage

import (
	"errors"
	"time"

	"github.com/nbforge/hatchery/pkg/notebook"
	"github.com/nbforge/hatchery/pkg/types"
)

// ErrNotFound is returned when a task or lease does not exist.
var ErrNotFound = errors.New("not found")

// ErrConflict is returned when a transition finds the task in a state it
// does not accept, e.g. marking running a task that was cancelled while
// still queued. Callers skip such tasks instead of executing them.
var ErrConflict = errors.New("conflicting task state")

// Store is the durable persistence interface for the execution queue and
// the asset leases. Implementations must be safe for concurrent callers;
// transactions are the correctness boundary, and no call may be held
// across kernel I/O.
type Store interface {
	// Execution queue
	Enqueue(notebookPath string, cellIndex int, code, taskID string) (string, error)
	PendingTasks(notebookPath string) ([]*types.Task, error)
	Task(id string) (*types.Task, error)
	MarkRunning(id string) error
	MarkComplete(id string, outputs []notebook.Output, executionCount int) error
	MarkFailed(id, errorMessage string) error
	MarkTerminal(id string, status types.TaskStatus, errorMessage string) error
	Requeue(id string) error
	RecoverRunning(notebookPath string) (int, error)
	NoteSaveFailure(id, errorMessage string) error
	CleanupCompleted(age time.Duration) (int, error)

	// Asset leases
	RenewLease(assetPath, notebookPath string, ttl time.Duration) error
	ExpiredAssets(now time.Time) ([]*types.AssetLease, error)
	LeasesFor(notebookPath string) ([]*types.AssetLease, error)
	DeleteLease(assetPath string) error

	// Utility
	Close() error
}
