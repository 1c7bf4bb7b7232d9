package session

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nbforge/hatchery/pkg/config"
	"github.com/nbforge/hatchery/pkg/events"
	"github.com/nbforge/hatchery/pkg/finalizer"
	"github.com/nbforge/hatchery/pkg/kernel"
	"github.com/nbforge/hatchery/pkg/log"
	"github.com/nbforge/hatchery/pkg/metrics"
	"github.com/nbforge/hatchery/pkg/storage"
	"github.com/nbforge/hatchery/pkg/types"
)

const (
	janitorInterval = 15 * time.Second
	// Terminal queue rows older than this are deleted by the janitor.
	completedRetention = 24 * time.Hour
	cleanupInterval    = time.Hour
	adoptProbeTimeout  = 15 * time.Second
)

// Manager owns the canonical session table and routes every client
// operation to the right session. Only the manager mutates the table;
// session pointers, once published, stay valid for the session's
// lifetime.
type Manager struct {
	cfg    *config.Config
	store  storage.Store
	broker *events.Broker
	gc     *finalizer.GC
	logger zerolog.Logger

	baseCtx context.Context
	cancel  context.CancelFunc

	mu       sync.Mutex
	sessions map[string]*Session
	stopping bool

	clientMu     sync.Mutex
	clients      int
	lastClientAt time.Time
	idleCh       chan struct{}
	idleOnce     sync.Once

	janitorDone chan struct{}
}

// NewManager builds the manager. Start must be called before use.
func NewManager(cfg *config.Config, store storage.Store, broker *events.Broker) *Manager {
	ctx, cancel := context.WithCancel(context.Background())
	return &Manager{
		cfg:          cfg,
		store:        store,
		broker:       broker,
		gc:           finalizer.NewGC(store),
		logger:       log.WithComponent("manager"),
		baseCtx:      ctx,
		cancel:       cancel,
		sessions:     make(map[string]*Session),
		lastClientAt: time.Now(),
		idleCh:       make(chan struct{}),
		janitorDone:  make(chan struct{}),
	}
}

// Start runs startup recovery and spawns the janitor: persisted session
// descriptors are reconciled (re-attach, reap, or discard), stale
// connection files are swept, and expired unreferenced assets are
// collected.
func (m *Manager) Start() error {
	m.recoverSessions()

	if n, err := m.gc.CollectExpired(); err != nil {
		m.logger.Warn().Err(err).Msg("startup asset sweep failed")
	} else if n > 0 {
		m.logger.Info().Int("removed", n).Msg("expired unreferenced assets collected at startup")
	}

	go m.janitor()
	return nil
}

// recoverSessions walks the persisted descriptors. Descriptors owned by
// another live server are left alone entirely, kernels that survived
// our own previous run are re-attached where possible, and everything
// else is reaped with its descriptor removed.
func (m *Manager) recoverSessions() {
	descs := readDescriptors(m.cfg.SessionsDir())
	liveConn := make(map[string]bool)

	for _, desc := range descs {
		logger := m.logger.With().
			Str("notebook", desc.NotebookPath).
			Int("kernel_pid", desc.KernelPID).
			Int("server_pid", desc.ServerPID).Logger()

		if desc.ServerPID != 0 && desc.ServerPID != os.Getpid() && kernel.PIDAlive(desc.ServerPID) {
			// Another server instance owns this kernel. Touching it
			// would kill a session out from under a live peer.
			logger.Info().Msg("descriptor owned by a live server, leaving it alone")
			liveConn[desc.ConnectionFile] = true
			continue
		}

		if !kernel.PIDAlive(desc.KernelPID) {
			logger.Info().Msg("kernel from previous run is gone, discarding descriptor")
			removeDescriptor(m.cfg.SessionsDir(), desc.NotebookPath)
			continue
		}

		if m.adoptDescriptor(desc, logger) {
			liveConn[desc.ConnectionFile] = true
			continue
		}

		if err := kernel.ReapZombie(desc); err != nil {
			logger.Warn().Err(err).Msg("zombie reap failed")
		} else {
			metrics.ZombiesReapedTotal.Inc()
		}
		removeDescriptor(m.cfg.SessionsDir(), desc.NotebookPath)
	}

	if n := kernel.CleanStaleConnectionFiles(m.cfg.RuntimeDir(), liveConn); n > 0 {
		m.logger.Info().Int("removed", n).Msg("stale connection files swept")
	}
}

// adoptDescriptor tries to resurrect a session around a kernel that
// survived our previous run. Returns false when the kernel should be
// reaped instead.
func (m *Manager) adoptDescriptor(desc *types.SessionDescriptor, logger zerolog.Logger) bool {
	m.mu.Lock()
	if len(m.sessions) >= m.cfg.MaxConcurrentKernels {
		m.mu.Unlock()
		logger.Warn().Msg("kernel cap reached, not adopting surviving kernel")
		return false
	}
	if _, exists := m.sessions[desc.NotebookPath]; exists {
		m.mu.Unlock()
		logger.Warn().Msg("duplicate descriptor for notebook, reaping the extra kernel")
		return false
	}
	sess := newSession(m.baseCtx, m.cfg, m.store, m.broker, desc.NotebookPath,
		StartOptions{}, m.dropSession)
	m.sessions[desc.NotebookPath] = sess
	m.mu.Unlock()

	ctx, cancel := context.WithTimeout(m.baseCtx, adoptProbeTimeout)
	err := sess.adopt(ctx, desc)
	cancel()
	if err != nil {
		logger.Warn().Err(err).Msg("re-attach failed, falling back to reap")
		m.dropSession(desc.NotebookPath)
		return false
	}
	logger.Info().Msg("session re-attached to surviving kernel")
	return true
}

// dropSession removes a dead session's table entry.
func (m *Manager) dropSession(notebookPath string) {
	m.mu.Lock()
	delete(m.sessions, notebookPath)
	m.mu.Unlock()
}

// Shutdown stops every session in parallel, bounded by ctx. Sessions
// that cannot stop gracefully inside the deadline have their kernels
// force-killed by the session stop path.
func (m *Manager) Shutdown(ctx context.Context) {
	m.mu.Lock()
	m.stopping = true
	snapshot := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range snapshot {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			if err := s.Stop(ctx, false); err != nil {
				m.logger.Warn().Err(err).Str("notebook", s.NotebookPath()).Msg("session stop failed at shutdown")
			}
		}(sess)
	}
	wg.Wait()

	m.mu.Lock()
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	m.cancel()
	<-m.janitorDone
	m.logger.Info().Msg("all sessions stopped")
}

// StartSession starts (or returns) the session for a notebook path.
// Starting an already running session is a stable no-op; a concurrent
// start waits for the first one to settle.
func (m *Manager) StartSession(ctx context.Context, notebookPath string, opts StartOptions) (*types.SessionInfo, error) {
	path, err := CanonicalPath(notebookPath)
	if err != nil {
		return nil, err
	}

	for {
		m.mu.Lock()
		if m.stopping {
			m.mu.Unlock()
			return nil, fmt.Errorf("server shutting down: %w", ErrNotReady)
		}
		existing := m.sessions[path]
		if existing == nil {
			if len(m.sessions) >= m.cfg.MaxConcurrentKernels {
				m.mu.Unlock()
				return nil, fmt.Errorf("%w (%d running)", ErrKernelCapReached, m.cfg.MaxConcurrentKernels)
			}
			sess := newSession(m.baseCtx, m.cfg, m.store, m.broker, path, opts, m.dropSession)
			m.sessions[path] = sess
			m.mu.Unlock()

			if err := sess.start(ctx); err != nil {
				m.mu.Lock()
				if m.sessions[path] == sess {
					delete(m.sessions, path)
				}
				m.mu.Unlock()
				return nil, err
			}
			return sess.Info(), nil
		}
		m.mu.Unlock()

		switch existing.State() {
		case types.SessionRunning:
			return existing.Info(), nil
		case types.SessionStarting:
			select {
			case <-existing.Ready():
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if err := existing.StartErr(); err != nil {
				return nil, err
			}
			return existing.Info(), nil
		case types.SessionRestarting, types.SessionStopping:
			return nil, fmt.Errorf("session is %s: %w", existing.State(), ErrNotReady)
		case types.SessionStopped:
			// Stale entry; replace it.
			m.mu.Lock()
			if m.sessions[path] == existing {
				delete(m.sessions, path)
			}
			m.mu.Unlock()
		default:
			return nil, fmt.Errorf("session is %s: %w", existing.State(), ErrNotReady)
		}
	}
}

// StopSession stops and removes the session for a notebook path.
func (m *Manager) StopSession(ctx context.Context, notebookPath string, cleanupAssets bool) error {
	path, err := CanonicalPath(notebookPath)
	if err != nil {
		return err
	}
	sess, err := m.lookup(path)
	if err != nil {
		return err
	}
	if sess.State() == types.SessionStarting {
		select {
		case <-sess.Ready():
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := sess.Stop(ctx, cleanupAssets); err != nil {
		return err
	}
	m.mu.Lock()
	if m.sessions[path] == sess {
		delete(m.sessions, path)
	}
	m.mu.Unlock()
	return nil
}

// RestartSession restarts the session's kernel in place.
func (m *Manager) RestartSession(ctx context.Context, notebookPath string) (*types.SessionInfo, error) {
	sess, err := m.lookupPath(notebookPath)
	if err != nil {
		return nil, err
	}
	if err := sess.Restart(ctx); err != nil {
		return nil, err
	}
	return sess.Info(), nil
}

// InterruptSession interrupts whatever the kernel is running.
func (m *Manager) InterruptSession(ctx context.Context, notebookPath string) error {
	sess, err := m.lookupPath(notebookPath)
	if err != nil {
		return err
	}
	return sess.Interrupt(ctx)
}

// Submit queues one cell execution on the notebook's session.
func (m *Manager) Submit(notebookPath string, cellIndex int, code, taskID string) (string, error) {
	sess, err := m.lookupPath(notebookPath)
	if err != nil {
		return "", err
	}
	return sess.Submit(cellIndex, code, taskID)
}

// CancelTask cancels a queued or running task. An empty task id targets
// the currently executing one.
func (m *Manager) CancelTask(ctx context.Context, notebookPath, taskID string) (types.TaskStatus, error) {
	sess, err := m.lookupPath(notebookPath)
	if err != nil {
		return "", err
	}
	return sess.Cancel(ctx, taskID)
}

// SubmitInput answers a pending input_request prompt.
func (m *Manager) SubmitInput(notebookPath, text string) error {
	sess, err := m.lookupPath(notebookPath)
	if err != nil {
		return err
	}
	return sess.SubmitInput(text)
}

// TaskStatus reports a task's durable state, overlaid with live
// in-flight detail when the execution is still in progress.
func (m *Manager) TaskStatus(notebookPath, taskID string) (*types.TaskStatusInfo, error) {
	path, err := CanonicalPath(notebookPath)
	if err != nil {
		return nil, err
	}
	task, err := m.store.Task(taskID)
	if err != nil {
		return nil, err
	}
	if task.NotebookPath != path {
		return nil, storage.ErrNotFound
	}

	info := &types.TaskStatusInfo{
		TaskID:         task.ID,
		Status:         task.Status,
		OutputsCount:   len(task.Outputs),
		ExecutionCount: task.ExecutionCount,
		ErrorMessage:   task.ErrorMessage,
	}
	if task.CompletedAt != nil {
		info.LastActivity = task.CompletedAt
	}

	m.mu.Lock()
	sess := m.sessions[path]
	m.mu.Unlock()
	if sess != nil {
		if rec, ok := sess.LiveRecord(taskID); ok {
			info.Status = rec.Status()
			info.OutputsCount = rec.CumulativeOutputs()
			if last := rec.LastActivity(); !last.IsZero() {
				info.LastActivity = &last
			}
			if n := rec.ExecutionCount(); n > 0 {
				info.ExecutionCount = n
			}
		}
	}
	return info, nil
}

// ListSessions returns every session's summary, ordered by path.
func (m *Manager) ListSessions() []*types.SessionInfo {
	m.mu.Lock()
	snapshot := make([]*Session, 0, len(m.sessions))
	for _, s := range m.sessions {
		snapshot = append(snapshot, s)
	}
	m.mu.Unlock()

	sort.Slice(snapshot, func(i, j int) bool {
		return snapshot[i].NotebookPath() < snapshot[j].NotebookPath()
	})
	infos := make([]*types.SessionInfo, 0, len(snapshot))
	for _, s := range snapshot {
		infos = append(infos, s.Info())
	}
	return infos
}

// FlushNotebook lands any deferred notebook writes for a path. Invoked
// when the last streaming subscriber disconnects; a missing session is
// fine, there is nothing to flush.
func (m *Manager) FlushNotebook(notebookPath string) error {
	sess, err := m.lookupPath(notebookPath)
	if err != nil {
		return nil
	}
	return sess.Flush()
}

// ClientConnected records one more attached client for idle tracking.
func (m *Manager) ClientConnected() {
	m.clientMu.Lock()
	m.clients++
	m.clientMu.Unlock()
}

// ClientDisconnected records a client detaching.
func (m *Manager) ClientDisconnected() {
	m.clientMu.Lock()
	m.clients--
	if m.clients <= 0 {
		m.clients = 0
		m.lastClientAt = time.Now()
	}
	m.clientMu.Unlock()
}

// IdleShutdown closes when the configured idle timeout elapses with no
// clients connected. A zero timeout never fires.
func (m *Manager) IdleShutdown() <-chan struct{} {
	return m.idleCh
}

func (m *Manager) lookupPath(notebookPath string) (*Session, error) {
	path, err := CanonicalPath(notebookPath)
	if err != nil {
		return nil, err
	}
	return m.lookup(path)
}

func (m *Manager) lookup(path string) (*Session, error) {
	m.mu.Lock()
	sess := m.sessions[path]
	m.mu.Unlock()
	if sess == nil {
		return nil, fmt.Errorf("%w: %s", ErrNoSession, path)
	}
	return sess, nil
}

// janitor keeps the gauges current, fires the idle shutdown, and
// periodically deletes old terminal queue rows.
func (m *Manager) janitor() {
	defer close(m.janitorDone)
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	lastCleanup := time.Now()

	for {
		select {
		case <-m.baseCtx.Done():
			return
		case <-ticker.C:
		}

		m.updateGauges()
		m.checkIdle()

		if time.Since(lastCleanup) >= cleanupInterval {
			lastCleanup = time.Now()
			if n, err := m.store.CleanupCompleted(completedRetention); err != nil {
				m.logger.Warn().Err(err).Msg("queue cleanup failed")
			} else if n > 0 {
				m.logger.Debug().Int("deleted", n).Msg("old terminal tasks deleted")
			}
		}
	}
}

func (m *Manager) updateGauges() {
	counts := map[types.SessionState]int{}
	running := 0
	m.mu.Lock()
	for _, s := range m.sessions {
		st := s.State()
		counts[st]++
		if st == types.SessionRunning || st == types.SessionRestarting {
			running++
		}
	}
	m.mu.Unlock()

	for _, st := range []types.SessionState{
		types.SessionStarting, types.SessionRunning, types.SessionRestarting,
		types.SessionStopping, types.SessionStopped,
	} {
		metrics.SessionsActive.WithLabelValues(string(st)).Set(float64(counts[st]))
	}
	metrics.KernelsRunning.Set(float64(running))
	metrics.NotificationsDropped.Set(float64(m.broker.Dropped()))
}

func (m *Manager) checkIdle() {
	if m.cfg.IdleTimeout <= 0 {
		return
	}
	m.clientMu.Lock()
	idle := m.clients == 0 && time.Since(m.lastClientAt) >= m.cfg.IdleTimeout
	m.clientMu.Unlock()
	if idle {
		m.idleOnce.Do(func() {
			m.logger.Info().Dur("idle_timeout", m.cfg.IdleTimeout).Msg("no clients connected, triggering idle shutdown")
			close(m.idleCh)
		})
	}
}

// CanonicalPath normalizes a client-supplied notebook path to the
// absolute cleaned form used as the session key everywhere.
func CanonicalPath(p string) (string, error) {
	if p == "" {
		return "", fmt.Errorf("%w: notebook path is empty", ErrInvalid)
	}
	abs, err := filepath.Abs(p)
	if err != nil {
		return "", fmt.Errorf("%w: notebook path %q: %v", ErrInvalid, p, err)
	}
	return filepath.Clean(abs), nil
}
