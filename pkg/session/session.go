package session

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/nbforge/hatchery/pkg/config"
	"github.com/nbforge/hatchery/pkg/events"
	"github.com/nbforge/hatchery/pkg/finalizer"
	"github.com/nbforge/hatchery/pkg/iomux"
	"github.com/nbforge/hatchery/pkg/kernel"
	"github.com/nbforge/hatchery/pkg/log"
	"github.com/nbforge/hatchery/pkg/metrics"
	"github.com/nbforge/hatchery/pkg/notebook"
	"github.com/nbforge/hatchery/pkg/scheduler"
	"github.com/nbforge/hatchery/pkg/storage"
	"github.com/nbforge/hatchery/pkg/types"
)

var (
	// ErrNoSession is returned when no session exists for a notebook.
	ErrNoSession = errors.New("no session for notebook")
	// ErrKernelCapReached is returned when starting one more kernel
	// would exceed the configured cap. Retryable after stopping another
	// session.
	ErrKernelCapReached = errors.New("kernel cap reached")
	// ErrNotReady is returned for operations that need a running session
	// while it is starting, restarting, or stopping. Retryable.
	ErrNotReady = errors.New("session not ready")
	// ErrInvalid marks caller mistakes: bad paths, bad cell indexes,
	// malformed identifiers. Never retryable.
	ErrInvalid = errors.New("invalid argument")
)

// StartOptions carries the per-start parameters of a session.
type StartOptions struct {
	// EnvRoot is an explicit virtualenv root; empty means the fallback
	// interpreter from configuration.
	EnvRoot string
	// ReadyTimeout overrides the configured kernel ready-wait.
	ReadyTimeout time.Duration
	// AgentID isolates the kernel working directory under
	// <notebook_dir>/<agent_id> so concurrent agents do not trample each
	// other's scratch files.
	AgentID string
}

// Session pairs one notebook path with one kernel subprocess and the
// background machinery around it: the scheduler worker, the output
// multiplexer, the stdin listener, the health prober, and the exit
// watcher. A session pointer, once published by the manager, stays
// valid for the session's lifetime.
type Session struct {
	notebookPath string
	cfg          *config.Config
	store        storage.Store
	broker       *events.Broker
	gc           *finalizer.GC
	opts         StartOptions
	logger       zerolog.Logger

	// ready closes when the initial start settles; startErr holds the
	// outcome for callers that waited on it.
	ready     chan struct{}
	readyOnce sync.Once

	group  *errgroup.Group
	bgCtx  context.Context
	cancel context.CancelFunc

	// onDeath tells the owner to drop the session from its table after
	// an unrecoverable kernel failure.
	onDeath func(notebookPath string)

	mu          sync.Mutex
	state       types.SessionState
	startErr    error
	kern        *kernel.Kernel
	mux         *iomux.Mux
	sched       *scheduler.Scheduler
	fin         *finalizer.Finalizer
	prober      *kernel.Prober
	maxExecuted int
	startedAt   time.Time
}

// validateAgentID restricts agent ids to a single safe path segment.
func validateAgentID(id string) error {
	if len(id) > 64 {
		return fmt.Errorf("%w: agent id longer than 64 characters", ErrInvalid)
	}
	if id == "." || id == ".." {
		return fmt.Errorf("%w: agent id %q not allowed", ErrInvalid, id)
	}
	for _, r := range id {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.':
		default:
			return fmt.Errorf("%w: agent id may only contain letters, digits, '.', '-' and '_'", ErrInvalid)
		}
	}
	return nil
}

func newSession(baseCtx context.Context, cfg *config.Config, store storage.Store,
	broker *events.Broker, notebookPath string, opts StartOptions, onDeath func(string)) *Session {
	bgCtx, cancel := context.WithCancel(baseCtx)
	return &Session{
		notebookPath: notebookPath,
		cfg:          cfg,
		store:        store,
		broker:       broker,
		gc:           finalizer.NewGC(store),
		opts:         opts,
		logger:       log.WithComponent("session").With().Str("notebook", notebookPath).Logger(),
		ready:        make(chan struct{}),
		group:        &errgroup.Group{},
		bgCtx:        bgCtx,
		cancel:       cancel,
		onDeath:      onDeath,
		state:        types.SessionStarting,
		maxExecuted:  -1,
	}
}

// start launches a fresh kernel and brings the session to running. It
// is called exactly once, by the manager, on the caller's goroutine;
// concurrent starters wait on Ready instead.
func (s *Session) start(ctx context.Context) error {
	err := s.doStart(ctx)
	s.settle(err)
	return err
}

// adopt re-attaches to a kernel that survived a previous server run
// instead of launching a new one.
func (s *Session) adopt(ctx context.Context, desc *types.SessionDescriptor) error {
	err := s.doAdopt(ctx, desc)
	s.settle(err)
	return err
}

func (s *Session) settle(err error) {
	s.mu.Lock()
	s.startErr = err
	if err != nil {
		s.state = types.SessionStopped
	}
	s.mu.Unlock()
	if err != nil {
		s.cancel()
	}
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Session) doStart(ctx context.Context) error {
	nb, err := notebook.Read(s.notebookPath)
	if err != nil {
		return err
	}
	if notebook.Migrate(nb) {
		if err := notebook.WriteAtomic(s.notebookPath, nb); err != nil {
			return fmt.Errorf("persist notebook migration: %w", err)
		}
		s.logger.Info().Msg("notebook migrated, fresh cell ids persisted")
	}

	workDir := filepath.Dir(s.notebookPath)
	if s.opts.AgentID != "" {
		if err := validateAgentID(s.opts.AgentID); err != nil {
			return err
		}
		workDir = filepath.Join(workDir, s.opts.AgentID)
		if err := os.MkdirAll(workDir, 0o755); err != nil {
			return fmt.Errorf("create agent workdir: %w", err)
		}
	}

	readyTimeout := s.cfg.ReadyTimeout
	if s.opts.ReadyTimeout > 0 {
		readyTimeout = s.opts.ReadyTimeout
	}

	kern, err := kernel.Launch(ctx, kernel.LaunchOptions{
		NotebookPath: s.notebookPath,
		WorkDir:      workDir,
		EnvRoot:      s.opts.EnvRoot,
		Fallback:     s.cfg.FallbackInterpreter,
		RuntimeDir:   s.cfg.RuntimeDir(),
		ReadyTimeout: readyTimeout,
	})
	if err != nil {
		return err
	}
	return s.finishStart(kern)
}

func (s *Session) doAdopt(ctx context.Context, desc *types.SessionDescriptor) error {
	kern, err := kernel.Attach(ctx, desc)
	if err != nil {
		return err
	}
	s.logger.Info().Int("pid", kern.PID()).Str("kernel_uuid", kern.UUID).
		Msg("re-attached to surviving kernel")
	return s.finishStart(kern)
}

// finishStart wires the per-session machinery around a ready kernel,
// persists the recovery descriptor, reconciles the durable queue, and
// spawns the background tasks.
func (s *Session) finishStart(kern *kernel.Kernel) error {
	fin := finalizer.New(finalizer.Config{
		NotebookPath:      s.notebookPath,
		Env:               kern.Env(),
		SessionUUID:       kern.UUID,
		StorageCap:        s.cfg.AssetStorageCap,
		LeaseTTL:          s.cfg.AssetLeaseTTL,
		SkipWhenStreaming: true,
	}, s.store, s.broker)

	mux := iomux.New(iomux.Config{
		NotebookPath: s.notebookPath,
		OrphanCap:    s.cfg.OrphanBufferMax,
		InputTimeout: s.cfg.InputRequestTimeout,
	}, kern.Client(), s.broker, fin, s)

	sched := scheduler.New(scheduler.Config{
		NotebookPath:  s.notebookPath,
		QueueCapacity: s.cfg.QueueCapacity,
		TaskTimeout:   s.cfg.ExecutionTimeout,
		StopOnError:   s.cfg.StopOnError,
	}, s.store, kern.Client(), kern, mux, mux.Registry(), s, s.broker)

	prober := kernel.NewProber(kern, s.cfg.HealthCheckInterval)

	s.mu.Lock()
	s.kern = kern
	s.fin = fin
	s.mux = mux
	s.sched = sched
	s.prober = prober
	s.state = types.SessionRunning
	s.startedAt = time.Now()
	desc := s.descriptorLocked()
	s.mu.Unlock()

	if err := writeDescriptor(s.cfg.SessionsDir(), desc); err != nil {
		s.logger.Warn().Err(err).Msg("descriptor write failed; crash recovery unavailable for this session")
	}

	// Rows left running belong to a worker that no longer exists. They
	// go back to pending so task_status is truthful and resync can
	// resubmit them; nothing re-executes until a client asks.
	if n, err := s.store.RecoverRunning(s.notebookPath); err != nil {
		s.logger.Warn().Err(err).Msg("queue reconciliation failed")
	} else if n > 0 {
		s.logger.Info().Int("requeued", n).Msg("interrupted tasks back to pending, resync resubmits them")
	}

	s.group.Go(func() error { sched.Run(s.bgCtx); return nil })
	s.group.Go(func() error { mux.Run(s.bgCtx); return nil })
	s.group.Go(func() error { mux.RunStdin(s.bgCtx); return nil })
	s.group.Go(func() error { prober.Run(s.bgCtx); return nil })
	exitCh := kern.ExitChan()
	s.group.Go(func() error { s.watchKernel(exitCh); return nil })
	return nil
}

func (s *Session) descriptorLocked() *types.SessionDescriptor {
	return &types.SessionDescriptor{
		NotebookPath:   s.notebookPath,
		ConnectionFile: s.kern.ConnectionFile,
		KernelPID:      s.kern.PID(),
		ServerPID:      os.Getpid(),
		KernelUUID:     s.kern.UUID,
		Env:            s.kern.Env(),
		CreatedAt:      s.kern.StartedAt().UTC(),
	}
}

// Ready closes once the initial start attempt settles either way.
func (s *Session) Ready() <-chan struct{} { return s.ready }

// StartErr reports how the start attempt ended. Valid after Ready.
func (s *Session) StartErr() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.startErr
}

// NotebookPath returns the canonical notebook path this session serves.
func (s *Session) NotebookPath() string { return s.notebookPath }

// State returns the lifecycle state.
func (s *Session) State() types.SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Info returns the client-visible session summary.
func (s *Session) Info() *types.SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()
	info := &types.SessionInfo{
		NotebookPath: s.notebookPath,
		State:        s.state,
		Subscribers:  s.broker.SubscriberCount(s.notebookPath),
	}
	if s.kern != nil {
		info.KernelPID = s.kern.PID()
		info.SessionUUID = s.kern.UUID
		info.Env = s.kern.Env()
		info.StartedAt = s.startedAt
	}
	if s.sched != nil {
		info.ExecutionCount = s.sched.ExecCounter()
		info.QueueDepth = s.sched.Depth()
	}
	if s.mux != nil {
		info.AwaitingInput = s.mux.AwaitingInput()
	}
	return info
}

// MarkExecuted records that a cell reached a terminal state, advancing
// the high-water mark the linearity warning compares against.
func (s *Session) MarkExecuted(cellIndex int) {
	s.mu.Lock()
	if cellIndex > s.maxExecuted {
		s.maxExecuted = cellIndex
	}
	s.mu.Unlock()
}

// MaxExecutedIndex returns the highest cell index executed so far this
// kernel lifetime, -1 before any.
func (s *Session) MaxExecutedIndex() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxExecuted
}

// Submit queues one cell execution. A cellIndex of -1 runs the code
// without ever touching the notebook file. Returns the durable task id.
func (s *Session) Submit(cellIndex int, code, taskID string) (string, error) {
	s.mu.Lock()
	st, sched := s.state, s.sched
	s.mu.Unlock()
	if st != types.SessionRunning || sched == nil {
		return "", fmt.Errorf("session is %s: %w", st, ErrNotReady)
	}
	if cellIndex < -1 {
		return "", fmt.Errorf("%w: cell index %d", ErrInvalid, cellIndex)
	}
	if cellIndex >= 0 {
		nb, err := notebook.Read(s.notebookPath)
		if err != nil {
			return "", err
		}
		if _, err := nb.CellAt(cellIndex); err != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return sched.Submit(cellIndex, code, taskID)
}

// Resubmit pushes an already-persisted pending task onto the live
// queue. Used by resync recovery.
func (s *Session) Resubmit(task *types.Task) error {
	s.mu.Lock()
	st, sched := s.state, s.sched
	s.mu.Unlock()
	if st != types.SessionRunning || sched == nil {
		return fmt.Errorf("session is %s: %w", st, ErrNotReady)
	}
	return sched.Resubmit(task)
}

// Cancel cancels a task by id; an empty id targets the currently
// executing task.
func (s *Session) Cancel(ctx context.Context, taskID string) (types.TaskStatus, error) {
	s.mu.Lock()
	sched := s.sched
	s.mu.Unlock()
	if sched == nil {
		return "", ErrNotReady
	}
	if taskID == "" {
		taskID = sched.Current()
		if taskID == "" {
			return "", fmt.Errorf("%w: no task is running", ErrInvalid)
		}
	}
	return sched.Cancel(ctx, taskID)
}

// SubmitInput answers a pending kernel input_request.
func (s *Session) SubmitInput(text string) error {
	s.mu.Lock()
	mux := s.mux
	s.mu.Unlock()
	if mux == nil {
		return ErrNotReady
	}
	return mux.SubmitInput(text)
}

// Interrupt delivers an interrupt to the kernel without waiting for the
// task to settle.
func (s *Session) Interrupt(ctx context.Context) error {
	s.mu.Lock()
	kern := s.kern
	s.mu.Unlock()
	if kern == nil {
		return ErrNotReady
	}
	return kern.Interrupt(ctx)
}

// LiveRecord returns the in-flight execution record for a task, if one
// exists right now.
func (s *Session) LiveRecord(taskID string) (*types.ExecutionRecord, bool) {
	s.mu.Lock()
	mux := s.mux
	s.mu.Unlock()
	if mux == nil {
		return nil, false
	}
	return mux.Registry().LookupTask(taskID)
}

// Flush applies any deferred notebook writes immediately. Called when
// the last streaming subscriber disconnects.
func (s *Session) Flush() error {
	s.mu.Lock()
	fin := s.fin
	s.mu.Unlock()
	if fin == nil {
		return nil
	}
	return fin.Flush()
}

// Health returns the last probe result.
func (s *Session) Health() types.HealthStatus {
	s.mu.Lock()
	prober := s.prober
	s.mu.Unlock()
	if prober == nil {
		return types.HealthStatus{}
	}
	return prober.Last()
}

// Restart restarts the kernel in place: queued tasks are cancelled,
// in-flight executions are aborted, deferred writes land, and the
// execution counters reset with the fresh kernel namespace. Already
// persisted notebook outputs are untouched.
func (s *Session) Restart(ctx context.Context) error {
	return s.restart(ctx, "requested")
}

func (s *Session) restart(ctx context.Context, reason string) error {
	s.mu.Lock()
	if s.state != types.SessionRunning {
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("session is %s: %w", st, ErrNotReady)
	}
	s.state = types.SessionRestarting
	kern, sched, mux, fin := s.kern, s.sched, s.mux, s.fin
	s.mu.Unlock()

	metrics.KernelRestartsTotal.WithLabelValues(reason).Inc()

	if n := sched.DrainAll("cancelled: session restarting"); n > 0 {
		s.logger.Info().Int("cancelled", n).Msg("queued tasks cancelled by restart")
	}
	mux.AbortInflight("cancelled: session restarting", false)

	if err := fin.Flush(); err != nil {
		s.logger.Warn().Err(err).Msg("deferred notebook flush failed before restart")
	}
	if _, err := s.gc.Collect(s.notebookPath); err != nil {
		s.logger.Warn().Err(err).Msg("asset sweep failed before restart")
	}

	if err := kern.Restart(ctx, s.cfg.ReadyTimeout); err != nil {
		s.logger.Error().Err(err).Msg("kernel restart failed, tearing session down")
		s.teardownDead()
		if s.onDeath != nil {
			s.onDeath(s.notebookPath)
		}
		return fmt.Errorf("kernel restart failed: %w", err)
	}

	s.mu.Lock()
	s.maxExecuted = -1
	s.state = types.SessionRunning
	s.startedAt = time.Now()
	desc := s.descriptorLocked()
	s.mu.Unlock()
	sched.ResetCounter()

	exitCh := kern.ExitChan()
	s.group.Go(func() error { s.watchKernel(exitCh); return nil })

	if err := writeDescriptor(s.cfg.SessionsDir(), desc); err != nil {
		s.logger.Warn().Err(err).Msg("descriptor update failed after restart")
	}
	s.logger.Info().Int("pid", kern.PID()).Str("reason", reason).Msg("session restarted")
	return nil
}

// Stop shuts the session down: the in-flight cell gets an interrupt and
// a short window to settle, the worker drains, deferred writes land,
// and the kernel receives a graceful shutdown before being killed.
// Queued tasks stay pending in the durable store for later recovery.
func (s *Session) Stop(ctx context.Context, cleanupAssets bool) error {
	s.mu.Lock()
	switch s.state {
	case types.SessionStopped, types.SessionStopping:
		s.mu.Unlock()
		return nil
	case types.SessionStarting, types.SessionRestarting:
		st := s.state
		s.mu.Unlock()
		return fmt.Errorf("session is %s: %w", st, ErrNotReady)
	}
	s.state = types.SessionStopping
	kern, sched, mux, prober, fin := s.kern, s.sched, s.mux, s.prober, s.fin
	s.mu.Unlock()

	if sched.Current() != "" && kern.Exited() == nil {
		ictx, icancel := context.WithTimeout(ctx, 3*time.Second)
		if err := kern.Interrupt(ictx); err != nil {
			s.logger.Debug().Err(err).Msg("interrupt before stop failed")
		}
		icancel()
		deadline := time.Now().Add(3 * time.Second)
		for sched.Current() != "" && time.Now().Before(deadline) {
			time.Sleep(100 * time.Millisecond)
		}
	}
	mux.AbortInflight("cancelled: session stopping", false)
	sched.Stop()
	mux.Stop()
	prober.Stop()

	kctx, kcancel := context.WithTimeout(ctx, 15*time.Second)
	if err := kern.Stop(kctx); err != nil {
		s.logger.Warn().Err(err).Msg("kernel stop failed")
	}
	kcancel()

	s.cancel()
	if err := s.group.Wait(); err != nil {
		s.logger.Warn().Err(err).Msg("background task error at stop")
	}

	if err := fin.Flush(); err != nil {
		s.logger.Warn().Err(err).Msg("deferred notebook flush failed at stop")
	}
	if cleanupAssets {
		if n, err := s.gc.Collect(s.notebookPath); err != nil {
			s.logger.Warn().Err(err).Msg("asset sweep failed at stop")
		} else if n > 0 {
			s.logger.Info().Int("removed", n).Msg("assets swept at stop")
		}
	}

	removeDescriptor(s.cfg.SessionsDir(), s.notebookPath)
	s.mu.Lock()
	s.state = types.SessionStopped
	s.mu.Unlock()
	s.logger.Info().Msg("session stopped")
	return nil
}

// watchKernel waits on one kernel generation's exit channel. Expected
// exits (stop, restart, shutdown) pass through quietly; an exit while
// the session believes it is running is a crash.
func (s *Session) watchKernel(exitCh <-chan struct{}) {
	select {
	case <-exitCh:
	case <-s.bgCtx.Done():
		return
	}
	s.mu.Lock()
	st, kern := s.state, s.kern
	s.mu.Unlock()
	if st != types.SessionRunning {
		return
	}
	s.handleKernelDeath(kern.Exited())
}

func (s *Session) handleKernelDeath(exit *kernel.ExitStatus) {
	msg := "kernel process died"
	if exit != nil {
		if exit.OOM {
			msg = "kernel killed: out of memory"
		} else {
			msg = "kernel process died: " + exit.String()
		}
	}
	s.logger.Error().Str("detail", msg).Msg("kernel died unexpectedly")

	// Fail whatever was executing; the scheduler worker unblocks and
	// commits through its normal path, then the partial outputs are
	// finalized so they are not lost with the process.
	aborted := s.mux.AbortInflight(msg, true)
	for _, rec := range aborted {
		select {
		case <-rec.FinalizeReady():
			if err := s.fin.Finalize(rec); err != nil {
				s.logger.Warn().Err(err).Str("task_id", rec.TaskID).Msg("post-crash finalize failed")
			}
		case <-time.After(10 * time.Second):
			s.logger.Warn().Str("task_id", rec.TaskID).Msg("terminal commit missing after kernel death")
		}
	}

	if s.cfg.KernelAutoRestart {
		s.logger.Warn().Msg("auto-restarting dead kernel")
		if err := s.restart(s.bgCtx, "crash"); err != nil {
			s.logger.Error().Err(err).Msg("auto-restart failed")
		}
		// restart tears the session down itself on failure.
		return
	}

	s.teardownDead()
	if s.onDeath != nil {
		s.onDeath(s.notebookPath)
	}
}

// teardownDead dismantles a session whose kernel is already gone. It
// runs on a background goroutine owned by the session's own errgroup,
// so it must not call group.Wait.
func (s *Session) teardownDead() {
	s.mu.Lock()
	s.state = types.SessionStopping
	kern, sched, mux, prober, fin := s.kern, s.sched, s.mux, s.prober, s.fin
	s.mu.Unlock()

	sched.Stop()
	mux.Stop()
	prober.Stop()
	kern.ForceKill()
	s.cancel()

	if err := fin.Flush(); err != nil {
		s.logger.Warn().Err(err).Msg("deferred notebook flush failed at teardown")
	}
	removeDescriptor(s.cfg.SessionsDir(), s.notebookPath)
	s.mu.Lock()
	s.state = types.SessionStopped
	s.mu.Unlock()
	s.logger.Info().Msg("session torn down after kernel death")
}
