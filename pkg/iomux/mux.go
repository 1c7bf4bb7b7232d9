package iomux

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nbforge/hatchery/pkg/events"
	"github.com/nbforge/hatchery/pkg/kernel"
	"github.com/nbforge/hatchery/pkg/log"
	"github.com/nbforge/hatchery/pkg/metrics"
	"github.com/nbforge/hatchery/pkg/notebook"
	"github.com/nbforge/hatchery/pkg/types"
)

const (
	// breakerLimit is the consecutive drain failure count that stops
	// the output loop.
	breakerLimit = 5
	// maxBackoff caps the exponential wait between drain failures.
	maxBackoff = 16 * time.Second

	defaultThrottle     = 100 * time.Millisecond
	defaultFinalizeWait = 330 * time.Second
	defaultInputTimeout = 60 * time.Second
)

// backoffBase is the first drain-failure delay; doubled per consecutive
// failure. Variable so tests can shrink it.
var backoffBase = time.Second

// Finalizer persists a finished execution's outputs. The multiplexer
// calls it only after the scheduler has committed the terminal status,
// so the finalizer always observes a durable record.
type Finalizer interface {
	Finalize(rec *types.ExecutionRecord) error
}

// ExecutedMarker records which cell indexes have completed execution.
type ExecutedMarker interface {
	MarkExecuted(cellIndex int)
}

// KernelIO is the slice of the kernel client the multiplexer consumes.
type KernelIO interface {
	IOPub() <-chan kernel.Delivery
	Stdin() <-chan kernel.Delivery
	SendInputReply(value string) error
	Interrupt(ctx context.Context) error
}

// Config tunes one session's multiplexer.
type Config struct {
	NotebookPath string
	OrphanCap    int
	Throttle     time.Duration
	FinalizeWait time.Duration
	InputTimeout time.Duration
	FuzzyRouting bool
}

// Mux consumes one kernel's iopub and stdin channels, correlates
// messages to executions by parent-id, and publishes both into the
// execution record and outward to subscribers.
type Mux struct {
	notebookPath string
	io           KernelIO
	registry     *Registry
	broker       *events.Broker
	finalizer    Finalizer
	marker       ExecutedMarker
	logger       zerolog.Logger

	throttleEvery time.Duration
	finalizeWait  time.Duration
	inputTimeout  time.Duration

	// dispatchMu serializes message handling so orphan flushes keep
	// arrival order relative to live traffic.
	dispatchMu   sync.Mutex
	lastNotify   map[string]time.Time
	pendingClear map[string]bool

	inputMu      sync.Mutex
	inputPending bool
	inputTimer   *time.Timer

	mu        sync.Mutex
	unhealthy bool

	stopCh   chan struct{}
	stopOnce sync.Once
}

// New builds a multiplexer for one session.
func New(cfg Config, io KernelIO, broker *events.Broker, fin Finalizer, marker ExecutedMarker) *Mux {
	if cfg.Throttle <= 0 {
		cfg.Throttle = defaultThrottle
	}
	if cfg.FinalizeWait <= 0 {
		cfg.FinalizeWait = defaultFinalizeWait
	}
	if cfg.InputTimeout <= 0 {
		cfg.InputTimeout = defaultInputTimeout
	}
	return &Mux{
		notebookPath:  cfg.NotebookPath,
		io:            io,
		registry:      NewRegistry(cfg.OrphanCap, cfg.FuzzyRouting),
		broker:        broker,
		finalizer:     fin,
		marker:        marker,
		logger:        log.WithComponent("iomux").With().Str("notebook", cfg.NotebookPath).Logger(),
		throttleEvery: cfg.Throttle,
		finalizeWait:  cfg.FinalizeWait,
		inputTimeout:  cfg.InputTimeout,
		lastNotify:    make(map[string]time.Time),
		pendingClear:  make(map[string]bool),
		stopCh:        make(chan struct{}),
	}
}

// Registry exposes the in-flight table for status queries.
func (m *Mux) Registry() *Registry { return m.registry }

// AbortInflight terminates every in-flight execution and clears the
// dispatch state, including a pending stdin prompt. Used on kernel
// restart and death. Each record is failed (fail true) or cancelled,
// then its completion event fires so the scheduler worker unblocks and
// commits the terminal status through its normal path.
func (m *Mux) AbortInflight(msg string, fail bool) []*types.ExecutionRecord {
	m.dispatchMu.Lock()
	recs := m.registry.Drain()
	m.lastNotify = make(map[string]time.Time)
	m.pendingClear = make(map[string]bool)
	m.dispatchMu.Unlock()

	m.inputMu.Lock()
	m.inputPending = false
	if m.inputTimer != nil {
		m.inputTimer.Stop()
		m.inputTimer = nil
	}
	m.inputMu.Unlock()

	for _, rec := range recs {
		if fail {
			rec.SetError(msg)
		} else {
			rec.SetStatus(types.TaskCancelled)
		}
		rec.SignalComplete()
	}
	if len(recs) > 0 {
		m.logger.Warn().Int("count", len(recs)).Bool("failed", fail).Str("reason", msg).Msg("aborted in-flight executions")
	}
	return recs
}

// Stop halts both loops.
func (m *Mux) Stop() {
	m.stopOnce.Do(func() { close(m.stopCh) })
}

// Healthy reports whether the output loop is still draining.
func (m *Mux) Healthy() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return !m.unhealthy
}

// Register installs an execution record under the kernel message id
// returned by the execute request, flushing any orphaned messages in
// arrival order before newer live traffic is handled.
func (m *Mux) Register(msgID string, rec *types.ExecutionRecord) {
	m.dispatchMu.Lock()
	defer m.dispatchMu.Unlock()

	orphans := m.registry.Register(msgID, rec)
	for _, msg := range orphans {
		m.handle(msg)
	}
	if len(orphans) > 0 {
		m.logger.Debug().Str("msg_id", msgID).Int("flushed", len(orphans)).Msg("flushed orphan buffer")
	}
}

// Run drains the iopub channel until the channel closes, Stop is
// called, or the circuit breaker trips. Five consecutive drain failures
// mark the loop unhealthy; successive failures back off exponentially.
func (m *Mux) Run(ctx context.Context) {
	failures := 0
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case d, ok := <-m.io.IOPub():
			if !ok {
				m.logger.Debug().Msg("iopub channel closed")
				return
			}
			if d.Err != nil {
				failures++
				metrics.DrainFailuresTotal.Inc()
				m.logger.Warn().Err(d.Err).Int("consecutive", failures).Msg("iopub drain failure")
				if failures >= breakerLimit {
					m.mu.Lock()
					m.unhealthy = true
					m.mu.Unlock()
					m.logger.Error().Msg("output listener unhealthy, stopping loop")
					return
				}
				if !m.backoff(ctx, failures) {
					return
				}
				continue
			}
			failures = 0
			m.dispatchMu.Lock()
			m.handle(d.Msg)
			m.dispatchMu.Unlock()
		}
	}
}

// backoff sleeps 1s, 2s, 4s, 8s, 16s by failure count. Returns false
// if the mux stopped while waiting.
func (m *Mux) backoff(ctx context.Context, failures int) bool {
	delay := backoffBase << (failures - 1)
	if delay > maxBackoff {
		delay = maxBackoff
	}
	select {
	case <-time.After(delay):
		return true
	case <-m.stopCh:
		return false
	case <-ctx.Done():
		return false
	}
}

// handle dispatches one iopub message. Caller holds dispatchMu.
func (m *Mux) handle(msg *kernel.Message) {
	msgType := msg.Type()
	metrics.IOPubMessagesTotal.WithLabelValues(msgType).Inc()

	parentID := msg.ParentID()
	if parentID == "" {
		m.logger.Debug().Str("type", msgType).Msg("iopub message without parent id")
		return
	}

	rec, ok := m.registry.Lookup(parentID)
	if !ok {
		// Not ours (yet): hold in the orphan ring until a record
		// registers under this parent-id.
		m.registry.Buffer(parentID, msg)
		metrics.OrphanedMessagesTotal.Inc()
		return
	}

	switch msgType {
	case kernel.MsgStatus:
		m.handleStatus(parentID, rec, msg)
	case kernel.MsgStream:
		var c kernel.StreamContent
		if err := msg.DecodeContent(&c); err != nil {
			m.logger.Warn().Err(err).Msg("bad stream content")
			return
		}
		m.appendOutput(parentID, rec, notebook.Output{
			OutputType: notebook.OutputTypeStream,
			Name:       c.Name,
			Text:       notebook.SourceText(c.Text),
		})
	case kernel.MsgDisplayData:
		var c kernel.DisplayDataContent
		if err := msg.DecodeContent(&c); err != nil {
			m.logger.Warn().Err(err).Msg("bad display_data content")
			return
		}
		m.appendOutput(parentID, rec, notebook.Output{
			OutputType: notebook.OutputTypeDisplayData,
			Data:       c.Data,
			Metadata:   c.Metadata,
		})
	case kernel.MsgExecuteResult:
		var c kernel.ExecuteResultContent
		if err := msg.DecodeContent(&c); err != nil {
			m.logger.Warn().Err(err).Msg("bad execute_result content")
			return
		}
		rec.SetExecutionCount(c.ExecutionCount)
		count := c.ExecutionCount
		m.appendOutput(parentID, rec, notebook.Output{
			OutputType:     notebook.OutputTypeExecuteResult,
			Data:           c.Data,
			Metadata:       c.Metadata,
			ExecutionCount: &count,
		})
	case kernel.MsgError:
		var c kernel.ErrorContent
		if err := msg.DecodeContent(&c); err != nil {
			m.logger.Warn().Err(err).Msg("bad error content")
			return
		}
		rec.SetError(fmt.Sprintf("%s: %s", c.Ename, c.Evalue))
		m.appendOutput(parentID, rec, notebook.Output{
			OutputType: notebook.OutputTypeError,
			Ename:      c.Ename,
			Evalue:     c.Evalue,
			Traceback:  c.Traceback,
		})
	case kernel.MsgClearOutput:
		var c kernel.ClearOutputContent
		if err := msg.DecodeContent(&c); err != nil {
			return
		}
		if c.Wait {
			// Clear deferred until the next output arrives, so
			// progress displays swap without flicker.
			m.pendingClear[parentID] = true
		} else {
			rec.ResetOutputs()
		}
	case kernel.MsgExecuteInput:
		rec.Touch()
	default:
		m.logger.Debug().Str("type", msgType).Msg("ignoring iopub message")
	}
}

// handleStatus tracks busy/idle. Idle is the completion edge: the
// record flips to completed unless a terminal status already stuck, the
// scheduler is signalled, and once it has committed the durable record
// the finalizer runs and subscribers get the terminal notification.
func (m *Mux) handleStatus(parentID string, rec *types.ExecutionRecord, msg *kernel.Message) {
	var c kernel.StatusContent
	if err := msg.DecodeContent(&c); err != nil {
		m.logger.Warn().Err(err).Msg("bad status content")
		return
	}
	state := types.KernelState(c.ExecutionState)
	rec.SetKernelState(state)
	if state != types.KernelIdle {
		return
	}

	rec.SetStatus(types.TaskCompleted)
	rec.SignalComplete()

	select {
	case <-rec.FinalizeReady():
	case <-time.After(m.finalizeWait):
		m.logger.Error().
			Str("task_id", rec.TaskID).
			Msg("finalization event never fired, skipping notebook write")
		m.finishExecution(parentID, rec, false)
		return
	case <-m.stopCh:
		return
	}
	m.finishExecution(parentID, rec, true)
}

// finishExecution runs the post-completion tail: finalize, mark the
// cell executed, flush any throttled output, emit the terminal status.
func (m *Mux) finishExecution(parentID string, rec *types.ExecutionRecord, finalize bool) {
	if finalize && m.finalizer != nil {
		if err := m.finalizer.Finalize(rec); err != nil {
			m.logger.Error().Err(err).Str("task_id", rec.TaskID).Msg("finalize failed")
		}
	}
	if m.marker != nil && rec.CellIndex >= 0 {
		m.marker.MarkExecuted(rec.CellIndex)
	}
	m.flushDeferred(rec)

	m.broker.Status(m.notebookPath, types.StatusNotification{
		NotebookPath:   m.notebookPath,
		TaskID:         rec.TaskID,
		CellIndex:      rec.CellIndex,
		Status:         rec.Status(),
		ExecutionCount: rec.ExecutionCount(),
		ErrorMessage:   rec.ErrorMessage(),
	})

	m.registry.Remove(parentID)
	delete(m.lastNotify, parentID)
	delete(m.pendingClear, parentID)
}

// appendOutput applies a deferred clear if one is pending, appends to
// the record, and notifies subscribers subject to the output throttle.
func (m *Mux) appendOutput(parentID string, rec *types.ExecutionRecord, out notebook.Output) {
	if m.pendingClear[parentID] {
		rec.ResetOutputs()
		delete(m.pendingClear, parentID)
	}
	cumulative := rec.AppendOutput(out)
	m.notifyOutput(parentID, rec, &out, cumulative)
}

// notifyOutput rate-limits output notifications per execution. Status
// notifications never pass through here and are never throttled.
func (m *Mux) notifyOutput(parentID string, rec *types.ExecutionRecord, out *notebook.Output, cumulative int) {
	now := time.Now()
	if last, ok := m.lastNotify[parentID]; ok && now.Sub(last) < m.throttleEvery {
		rec.DeferNotify()
		return
	}
	m.lastNotify[parentID] = now
	m.broker.Output(m.notebookPath, types.OutputNotification{
		NotebookPath:    m.notebookPath,
		TaskID:          rec.TaskID,
		CellIndex:       rec.CellIndex,
		Output:          out,
		CumulativeIndex: cumulative,
		Coalesced:       rec.TakeDeferred(),
	})
}

// flushDeferred emits one final coalesced notification if the throttle
// suppressed trailing outputs.
func (m *Mux) flushDeferred(rec *types.ExecutionRecord) {
	deferred := rec.TakeDeferred()
	if deferred == 0 {
		return
	}
	outs := rec.Outputs()
	var last *notebook.Output
	if len(outs) > 0 {
		last = &outs[len(outs)-1]
	}
	m.broker.Output(m.notebookPath, types.OutputNotification{
		NotebookPath:    m.notebookPath,
		TaskID:          rec.TaskID,
		CellIndex:       rec.CellIndex,
		Output:          last,
		CumulativeIndex: rec.CumulativeOutputs(),
		Coalesced:       deferred,
	})
}
