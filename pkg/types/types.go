package types

import (
	"sync"
	"time"

	"github.com/nbforge/hatchery/pkg/notebook"
)

// MaintenanceCellIndex marks internal code submissions (environment
// probes, package installs) that must never be written back to the
// notebook file.
const MaintenanceCellIndex = -1

// TaskStatus represents the state of a queued execution.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskRunning   TaskStatus = "running"
	TaskCompleted TaskStatus = "completed"
	TaskFailed    TaskStatus = "failed"
	TaskCancelled TaskStatus = "cancelled"
	TaskTimeout   TaskStatus = "timeout"
)

// IsTerminal reports whether the status admits no further transitions.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case TaskCompleted, TaskFailed, TaskCancelled, TaskTimeout:
		return true
	}
	return false
}

// Valid reports whether s is one of the known statuses.
func (s TaskStatus) Valid() bool {
	switch s {
	case TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled, TaskTimeout:
		return true
	}
	return false
}

// Task is one unit of submitted code. The durable store commits the
// record before submit acknowledges, and commits every status
// transition synchronously.
type Task struct {
	ID             string            `json:"task_id"`
	NotebookPath   string            `json:"notebook_path"`
	CellIndex      int               `json:"cell_index"`
	Code           string            `json:"code"`
	Status         TaskStatus        `json:"status"`
	CreatedAt      time.Time         `json:"created_at"`
	StartedAt      *time.Time        `json:"started_at,omitempty"`
	CompletedAt    *time.Time        `json:"completed_at,omitempty"`
	ErrorMessage   string            `json:"error_message,omitempty"`
	ExecutionCount int               `json:"execution_count,omitempty"`
	Outputs        []notebook.Output `json:"outputs,omitempty"`
	Retries        int               `json:"retries,omitempty"`
}

// KernelState is the kernel's reported execution state.
type KernelState string

const (
	KernelStarting KernelState = "starting"
	KernelBusy     KernelState = "busy"
	KernelIdle     KernelState = "idle"
)

// ExecutionRecord is the transient in-memory accounting for a task that
// has been sent to a kernel, keyed by the kernel-assigned message id of
// the execute request. The scheduler creates it and owns status
// transitions; the multiplexer appends outputs and flips kernel state.
// A mutex covers the overlap (timeout vs error both write Status).
type ExecutionRecord struct {
	mu sync.Mutex

	TaskID    string
	CellIndex int

	status         TaskStatus
	outputs        []notebook.Output
	cumulative     int
	pendingNotify  int
	lastActivity   time.Time
	kernelState    KernelState
	executionCount int
	errorMessage   string

	completeOnce sync.Once
	complete     chan struct{}
	finalizeOnce sync.Once
	finalize     chan struct{}
}

// NewExecutionRecord returns a record in running state with unsignalled
// completion and finalization events.
func NewExecutionRecord(taskID string, cellIndex int) *ExecutionRecord {
	return &ExecutionRecord{
		TaskID:       taskID,
		CellIndex:    cellIndex,
		status:       TaskRunning,
		kernelState:  KernelBusy,
		lastActivity: time.Now(),
		complete:     make(chan struct{}),
		finalize:     make(chan struct{}),
	}
}

// Status returns the current task status.
func (r *ExecutionRecord) Status() TaskStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// SetStatus transitions the record's status. Terminal statuses stick:
// once terminal, further transitions are ignored and reported false.
func (r *ExecutionRecord) SetStatus(s TaskStatus) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.IsTerminal() {
		return false
	}
	r.status = s
	return true
}

// SetError transitions to failed-by-user-code and stores the message.
func (r *ExecutionRecord) SetError(msg string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.status.IsTerminal() {
		return false
	}
	r.status = TaskFailed
	r.errorMessage = msg
	return true
}

// ErrorMessage returns the recorded user-code error, if any.
func (r *ExecutionRecord) ErrorMessage() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.errorMessage
}

// AppendOutput appends one output, bumps the cumulative counter and
// last-activity, and returns the output's cumulative index (1-based).
func (r *ExecutionRecord) AppendOutput(o notebook.Output) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs = append(r.outputs, o)
	r.cumulative++
	r.lastActivity = time.Now()
	return r.cumulative
}

// ResetOutputs clears the current output list (clear_output handling).
// The cumulative counter is preserved: subscribers index by cumulative
// count, not by current list length.
func (r *ExecutionRecord) ResetOutputs() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.outputs = r.outputs[:0]
	r.lastActivity = time.Now()
}

// Outputs returns a copy of the current output list.
func (r *ExecutionRecord) Outputs() []notebook.Output {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]notebook.Output, len(r.outputs))
	copy(out, r.outputs)
	return out
}

// CumulativeOutputs returns the total number of outputs ever appended.
func (r *ExecutionRecord) CumulativeOutputs() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cumulative
}

// LastActivity returns the time of the most recent kernel message.
func (r *ExecutionRecord) LastActivity() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActivity
}

// Touch refreshes last-activity without recording an output.
func (r *ExecutionRecord) Touch() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.lastActivity = time.Now()
}

// SetKernelState records the kernel's busy/idle transitions.
func (r *ExecutionRecord) SetKernelState(s KernelState) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.kernelState = s
	r.lastActivity = time.Now()
}

// KernelStateNow returns the last observed kernel state.
func (r *ExecutionRecord) KernelStateNow() KernelState {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.kernelState
}

// SetExecutionCount records the kernel-assigned execution count seen on
// execute_result messages.
func (r *ExecutionRecord) SetExecutionCount(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executionCount = n
}

// ExecutionCount returns the kernel-assigned execution count, 0 if none.
func (r *ExecutionRecord) ExecutionCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.executionCount
}

// DeferNotify counts an output notification suppressed by throttling.
func (r *ExecutionRecord) DeferNotify() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pendingNotify++
}

// TakeDeferred returns and clears the suppressed-notification count.
func (r *ExecutionRecord) TakeDeferred() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := r.pendingNotify
	r.pendingNotify = 0
	return n
}

// SignalComplete fires the completion event. Safe to call repeatedly.
func (r *ExecutionRecord) SignalComplete() {
	r.completeOnce.Do(func() { close(r.complete) })
}

// Completed returns the completion event channel, closed when the
// multiplexer observes a terminal condition for this execution.
func (r *ExecutionRecord) Completed() <-chan struct{} { return r.complete }

// SignalFinalizeReady fires the finalization event. The scheduler calls
// this only after the terminal status is committed to the durable store,
// so the finalizer always observes a committed record.
func (r *ExecutionRecord) SignalFinalizeReady() {
	r.finalizeOnce.Do(func() { close(r.finalize) })
}

// FinalizeReady returns the finalization event channel.
func (r *ExecutionRecord) FinalizeReady() <-chan struct{} { return r.finalize }

// AssetLease asserts that a file under a notebook's assets directory is
// still in use. Deletion requires lease expiry AND no reference from the
// notebook on disk.
type AssetLease struct {
	AssetPath    string    `json:"asset_path"`
	NotebookPath string    `json:"notebook_path"`
	LastSeen     time.Time `json:"last_seen"`
	LeaseExpires time.Time `json:"lease_expires"`
	CreatedAt    time.Time `json:"created_at"`
}

// SessionState is the lifecycle state of a notebook session.
type SessionState string

const (
	SessionAbsent     SessionState = "absent"
	SessionStarting   SessionState = "starting"
	SessionRunning    SessionState = "running"
	SessionRestarting SessionState = "restarting"
	SessionStopping   SessionState = "stopping"
	SessionStopped    SessionState = "stopped"
)

// EnvInfo is the environment provenance recorded for a session.
type EnvInfo struct {
	EnvName     string `json:"env_name"`
	Interpreter string `json:"interpreter"`
}

// SessionInfo is the client-visible summary of a session.
type SessionInfo struct {
	NotebookPath   string       `json:"notebook_path"`
	State          SessionState `json:"state"`
	KernelPID      int          `json:"kernel_pid,omitempty"`
	SessionUUID    string       `json:"session_uuid,omitempty"`
	Env            EnvInfo      `json:"env"`
	StartedAt      time.Time    `json:"started_at"`
	ExecutionCount int          `json:"execution_count"`
	QueueDepth     int          `json:"queue_depth"`
	AwaitingInput  bool         `json:"awaiting_input"`
	Subscribers    int          `json:"subscribers"`
}

// SessionDescriptor is the persisted per-session record used for
// startup recovery and zombie reconciliation.
type SessionDescriptor struct {
	NotebookPath   string    `json:"notebook_path"`
	ConnectionFile string    `json:"connection_file"`
	KernelPID      int       `json:"kernel_pid"`
	ServerPID      int       `json:"server_pid"`
	KernelUUID     string    `json:"kernel_uuid"`
	Env            EnvInfo   `json:"env_info"`
	CreatedAt      time.Time `json:"created_at"`
}

// HealthStatus is the result of one kernel health probe.
type HealthStatus struct {
	Alive      bool          `json:"alive"`
	Responsive bool          `json:"responsive"`
	Latency    time.Duration `json:"latency"`
	CheckedAt  time.Time     `json:"checked_at"`
	Error      string        `json:"error,omitempty"`
}

// SyncStrategy selects which cells resync re-executes.
type SyncStrategy string

const (
	SyncMinimalAppend SyncStrategy = "minimal_append"
	SyncSmart         SyncStrategy = "smart"
	SyncIncremental   SyncStrategy = "incremental"
	SyncFull          SyncStrategy = "full"
	SyncForce         SyncStrategy = "force"
)

// Valid reports whether s is a known strategy.
func (s SyncStrategy) Valid() bool {
	switch s {
	case SyncMinimalAppend, SyncSmart, SyncIncremental, SyncFull, SyncForce:
		return true
	}
	return false
}

// SyncReport is the detect_sync result: which code cells have source
// that no longer matches the outputs recorded for them.
type SyncReport struct {
	SyncNeeded   bool  `json:"sync_needed"`
	ChangedCells []int `json:"changed_cells"`
}

// ResyncReport summarizes one resync invocation.
type ResyncReport struct {
	QueuedCount  int `json:"queued_count"`
	SkippedCount int `json:"skipped_count"`
}

// TaskStatusInfo is the task_status result shape.
type TaskStatusInfo struct {
	TaskID         string     `json:"task_id"`
	Status         TaskStatus `json:"status"`
	OutputsCount   int        `json:"outputs_count"`
	LastActivity   *time.Time `json:"last_activity,omitempty"`
	ExecutionCount int        `json:"execution_count,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
}
