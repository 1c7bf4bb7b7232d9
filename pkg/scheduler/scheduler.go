package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nbforge/hatchery/pkg/events"
	"github.com/nbforge/hatchery/pkg/log"
	"github.com/nbforge/hatchery/pkg/metrics"
	"github.com/nbforge/hatchery/pkg/storage"
	"github.com/nbforge/hatchery/pkg/types"
)

const (
	// DefaultQueueCapacity bounds the in-memory queue per session.
	DefaultQueueCapacity = 256
	// DefaultTaskTimeout bounds the wait for a single cell to finish.
	DefaultTaskTimeout = 300 * time.Second
)

// ErrQueueFull is returned by Submit when the session queue is at
// capacity. Callers may retry after a short delay.
var ErrQueueFull = errors.New("execution queue full")

// Executor sends code to the kernel and returns the kernel-assigned
// message id of the execute request.
type Executor interface {
	Execute(code string, silent bool) (string, error)
}

// Interrupter delivers the wire-protocol interrupt.
type Interrupter interface {
	Interrupt(ctx context.Context) error
}

// Recorder installs execution records for output correlation.
type Recorder interface {
	Register(msgID string, rec *types.ExecutionRecord)
}

// RecordSource resolves in-flight records by task id.
type RecordSource interface {
	LookupTask(taskID string) (*types.ExecutionRecord, bool)
}

// Progress reports how far through the notebook execution has gone.
type Progress interface {
	MaxExecutedIndex() int
}

// Config tunes one session's scheduler.
type Config struct {
	NotebookPath  string
	QueueCapacity int
	TaskTimeout   time.Duration
	StopOnError   bool
}

// Scheduler runs one linear FIFO of tasks for a session. A single
// worker pops tasks, sends them to the kernel, and waits for the
// terminal state before popping the next, so cells never interleave.
type Scheduler struct {
	notebookPath string
	store        storage.Store
	exec         Executor
	interrupter  Interrupter
	recorder     Recorder
	records      RecordSource
	progress     Progress
	broker       *events.Broker
	logger       zerolog.Logger

	taskTimeout time.Duration

	mu          sync.Mutex
	queue       chan *types.Task
	execCounter int
	stopOnError bool
	current     string

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// New builds a scheduler for one session.
func New(cfg Config, store storage.Store, exec Executor, intr Interrupter,
	recorder Recorder, records RecordSource, progress Progress, broker *events.Broker) *Scheduler {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = DefaultQueueCapacity
	}
	if cfg.TaskTimeout <= 0 {
		cfg.TaskTimeout = DefaultTaskTimeout
	}
	return &Scheduler{
		notebookPath: cfg.NotebookPath,
		store:        store,
		exec:         exec,
		interrupter:  intr,
		recorder:     recorder,
		records:      records,
		progress:     progress,
		broker:       broker,
		logger:       log.WithComponent("scheduler").With().Str("notebook", cfg.NotebookPath).Logger(),
		taskTimeout:  cfg.TaskTimeout,
		queue:        make(chan *types.Task, cfg.QueueCapacity),
		stopOnError:  cfg.StopOnError,
		stopCh:       make(chan struct{}),
		done:         make(chan struct{}),
	}
}

// Submit durably persists the task as pending, pushes it onto the
// in-memory queue, and returns its id without waiting for execution.
// Re-submitting an existing task id resets that task instead of
// creating a duplicate.
func (s *Scheduler) Submit(cellIndex int, code, taskID string) (string, error) {
	id, err := s.store.Enqueue(s.notebookPath, cellIndex, code, taskID)
	if err != nil {
		return "", fmt.Errorf("enqueue failed: %w", err)
	}
	task, err := s.store.Task(id)
	if err != nil {
		return "", err
	}
	if err := s.push(task); err != nil {
		// Roll the durable record off the queue so recovery does not
		// resubmit a task the caller was told to retry.
		if terr := s.store.MarkTerminal(id, types.TaskCancelled, "queue full at submit"); terr != nil {
			s.logger.Error().Err(terr).Str("task_id", id).Msg("failed to cancel overflow task")
		}
		return "", err
	}
	metrics.QueueDepth.WithLabelValues(s.notebookPath).Set(float64(len(s.queue)))
	return id, nil
}

// Resubmit pushes an already-persisted task back onto the queue, used
// by recovery and resync.
func (s *Scheduler) Resubmit(task *types.Task) error {
	if err := s.push(task); err != nil {
		return err
	}
	metrics.QueueDepth.WithLabelValues(s.notebookPath).Set(float64(len(s.queue)))
	return nil
}

func (s *Scheduler) push(task *types.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	select {
	case s.queue <- task:
		return nil
	default:
		return ErrQueueFull
	}
}

// Depth returns the number of queued tasks.
func (s *Scheduler) Depth() int { return len(s.queue) }

// ExecCounter returns the session's monotone execution ordinal.
func (s *Scheduler) ExecCounter() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.execCounter
}

// Current returns the id of the task the worker is executing, or ""
// when the worker is idle.
func (s *Scheduler) Current() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// ResetCounter zeroes the execution ordinal. A restarted kernel starts
// a fresh namespace, so its counts restart at 1.
func (s *Scheduler) ResetCounter() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.execCounter = 0
}

// SetStopOnError flips the halt-queue-on-failure policy.
func (s *Scheduler) SetStopOnError(v bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopOnError = v
}

// Stop shuts the worker down after the current task. Queued tasks stay
// pending in the durable store and are recovered on the next start.
func (s *Scheduler) Stop() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
		select {
		case s.queue <- nil:
		default:
		}
	})
	<-s.done
}

// Run is the worker loop. One per session.
func (s *Scheduler) Run(ctx context.Context) {
	defer close(s.done)
	for {
		var task *types.Task
		select {
		case task = <-s.queue:
		case <-s.stopCh:
			return
		case <-ctx.Done():
			return
		}
		if task == nil {
			// Shutdown sentinel.
			return
		}
		metrics.QueueDepth.WithLabelValues(s.notebookPath).Set(float64(len(s.queue)))
		s.runTask(ctx, task)
	}
}

func (s *Scheduler) runTask(ctx context.Context, task *types.Task) {
	started := time.Now()

	s.mu.Lock()
	s.execCounter++
	ordinal := s.execCounter
	s.current = task.ID
	s.mu.Unlock()
	defer func() {
		s.mu.Lock()
		s.current = ""
		s.mu.Unlock()
	}()

	if maxIdx := s.progress.MaxExecutedIndex(); task.CellIndex >= 0 && task.CellIndex <= maxIdx {
		msg := fmt.Sprintf("cell %d executed after cell %d; results may not reflect top-to-bottom order",
			task.CellIndex, maxIdx)
		s.logger.Warn().Int("cell_index", task.CellIndex).Int("max_executed", maxIdx).Msg("out-of-order execution")
		s.broker.LinearityWarning(s.notebookPath, types.LinearityWarningNotification{
			NotebookPath:     s.notebookPath,
			CellIndex:        task.CellIndex,
			MaxExecutedIndex: maxIdx,
			Message:          msg,
		})
	}

	if err := s.store.MarkRunning(task.ID); err != nil {
		if errors.Is(err, storage.ErrConflict) {
			// Cancelled while queued; never execute it.
			s.logger.Debug().Str("task_id", task.ID).Msg("skipping task no longer pending")
			return
		}
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("cannot mark task running")
		return
	}

	msgID, err := s.exec.Execute(task.Code, false)
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("execute send failed")
		s.failTask(task, fmt.Sprintf("failed to send code to kernel: %v", err))
		s.haltOnError()
		return
	}

	rec := types.NewExecutionRecord(task.ID, task.CellIndex)
	rec.SetExecutionCount(ordinal)
	s.recorder.Register(msgID, rec)

	select {
	case <-rec.Completed():
		s.commitTerminal(task, rec, started)
	case <-time.After(s.taskTimeout):
		s.timeoutTask(task, rec)
	case <-s.stopCh:
		// Leave the task running in the store; restart recovery will
		// requeue it.
		return
	case <-ctx.Done():
		return
	}

	status := rec.Status()
	if status == types.TaskFailed || status == types.TaskTimeout {
		s.haltOnError()
	}
}

// commitTerminal persists the record's terminal status, then fires the
// finalization event. The order matters: the multiplexer holds the
// notebook write until the durable record is committed.
func (s *Scheduler) commitTerminal(task *types.Task, rec *types.ExecutionRecord, started time.Time) {
	status := rec.Status()
	var err error
	switch status {
	case types.TaskCompleted:
		err = s.store.MarkComplete(task.ID, rec.Outputs(), rec.ExecutionCount())
	case types.TaskFailed:
		err = s.store.MarkFailed(task.ID, rec.ErrorMessage())
	case types.TaskCancelled:
		err = s.store.MarkTerminal(task.ID, types.TaskCancelled, "cancelled by user")
	default:
		err = s.store.MarkTerminal(task.ID, status, rec.ErrorMessage())
	}
	if err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Str("status", string(status)).
			Msg("terminal status commit failed")
	}
	rec.SignalFinalizeReady()

	metrics.TasksTotal.WithLabelValues(string(status)).Inc()
	metrics.ExecutionDuration.Observe(time.Since(started).Seconds())
	s.logger.Info().
		Str("task_id", task.ID).
		Int("cell_index", task.CellIndex).
		Str("status", string(status)).
		Dur("took", time.Since(started)).
		Msg("task finished")
}

// timeoutTask handles a cell that outran the per-task budget. The
// kernel is left running; the caller decides whether to interrupt.
func (s *Scheduler) timeoutTask(task *types.Task, rec *types.ExecutionRecord) {
	s.logger.Warn().Str("task_id", task.ID).Dur("timeout", s.taskTimeout).Msg("task timed out")
	rec.SetStatus(types.TaskTimeout)

	msg := fmt.Sprintf("execution exceeded %s", s.taskTimeout)
	if err := s.store.MarkTerminal(task.ID, types.TaskTimeout, msg); err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("timeout commit failed")
	}
	rec.SignalFinalizeReady()

	metrics.TasksTotal.WithLabelValues(string(types.TaskTimeout)).Inc()
	s.broker.Status(s.notebookPath, types.StatusNotification{
		NotebookPath: s.notebookPath,
		TaskID:       task.ID,
		CellIndex:    task.CellIndex,
		Status:       types.TaskTimeout,
		ErrorMessage: msg,
	})
}

// failTask is the path for tasks that never reached the kernel.
func (s *Scheduler) failTask(task *types.Task, msg string) {
	if err := s.store.MarkFailed(task.ID, msg); err != nil {
		s.logger.Error().Err(err).Str("task_id", task.ID).Msg("failure commit failed")
	}
	metrics.TasksTotal.WithLabelValues(string(types.TaskFailed)).Inc()
	s.broker.Status(s.notebookPath, types.StatusNotification{
		NotebookPath: s.notebookPath,
		TaskID:       task.ID,
		CellIndex:    task.CellIndex,
		Status:       types.TaskFailed,
		ErrorMessage: msg,
	})
}

// haltOnError drains the queue after a failed or timed-out task when
// stop-on-error is set, cancelling every queued task in one sweep so a
// concurrent submit cannot slip between drains.
func (s *Scheduler) haltOnError() {
	s.mu.Lock()
	if !s.stopOnError {
		s.mu.Unlock()
		return
	}
	var drained []*types.Task
	for {
		select {
		case t := <-s.queue:
			if t != nil {
				drained = append(drained, t)
			}
		default:
			s.mu.Unlock()
			s.cancelDrained(drained)
			return
		}
	}
}

func (s *Scheduler) cancelDrained(drained []*types.Task) {
	if len(drained) == 0 {
		return
	}
	s.logger.Warn().Int("count", len(drained)).Msg("cancelling queued tasks after failure")
	for _, t := range drained {
		reason := "cancelled: an earlier cell failed and stop_on_error is set"
		if err := s.store.MarkTerminal(t.ID, types.TaskCancelled, reason); err != nil {
			s.logger.Error().Err(err).Str("task_id", t.ID).Msg("drain cancel commit failed")
		}
		metrics.TasksTotal.WithLabelValues(string(types.TaskCancelled)).Inc()
		s.broker.Status(s.notebookPath, types.StatusNotification{
			NotebookPath: s.notebookPath,
			TaskID:       t.ID,
			CellIndex:    t.CellIndex,
			Status:       types.TaskCancelled,
			ErrorMessage: reason,
		})
	}
	metrics.QueueDepth.WithLabelValues(s.notebookPath).Set(0)
}

// DrainAll cancels every queued task with the given reason, regardless
// of the stop-on-error setting. Used around restart.
func (s *Scheduler) DrainAll(reason string) int {
	s.mu.Lock()
	var drained []*types.Task
	for {
		select {
		case t := <-s.queue:
			if t != nil {
				drained = append(drained, t)
			}
		default:
			s.mu.Unlock()
			for _, t := range drained {
				if err := s.store.MarkTerminal(t.ID, types.TaskCancelled, reason); err != nil {
					s.logger.Error().Err(err).Str("task_id", t.ID).Msg("drain cancel commit failed")
				}
				s.broker.Status(s.notebookPath, types.StatusNotification{
					NotebookPath: s.notebookPath,
					TaskID:       t.ID,
					CellIndex:    t.CellIndex,
					Status:       types.TaskCancelled,
					ErrorMessage: reason,
				})
			}
			if len(drained) > 0 {
				metrics.QueueDepth.WithLabelValues(s.notebookPath).Set(0)
			}
			return len(drained)
		}
	}
}

// Cancel cancels a task. Queued tasks are marked cancelled and never
// execute; the running task is cancelled by interrupting the kernel and
// letting the idle edge settle the record. Terminal tasks are returned
// unchanged.
func (s *Scheduler) Cancel(ctx context.Context, taskID string) (types.TaskStatus, error) {
	task, err := s.store.Task(taskID)
	if err != nil {
		return "", err
	}
	switch task.Status {
	case types.TaskPending:
		if err := s.store.MarkTerminal(taskID, types.TaskCancelled, "cancelled before execution"); err != nil {
			return "", err
		}
		metrics.TasksTotal.WithLabelValues(string(types.TaskCancelled)).Inc()
		s.broker.Status(s.notebookPath, types.StatusNotification{
			NotebookPath: s.notebookPath,
			TaskID:       taskID,
			CellIndex:    task.CellIndex,
			Status:       types.TaskCancelled,
		})
		return types.TaskCancelled, nil
	case types.TaskRunning:
		if rec, ok := s.records.LookupTask(taskID); ok {
			rec.SetStatus(types.TaskCancelled)
		}
		intrCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := s.interrupter.Interrupt(intrCtx); err != nil {
			return "", fmt.Errorf("interrupt failed: %w", err)
		}
		return types.TaskCancelled, nil
	default:
		return task.Status, nil
	}
}
