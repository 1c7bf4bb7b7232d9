package iomux

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/nbforge/hatchery/pkg/events"
	"github.com/nbforge/hatchery/pkg/kernel"
	"github.com/nbforge/hatchery/pkg/notebook"
	"github.com/nbforge/hatchery/pkg/types"
)

// fakeIO feeds scripted deliveries to the mux.
type fakeIO struct {
	iopub chan kernel.Delivery
	stdin chan kernel.Delivery

	mu         sync.Mutex
	replies    []string
	replyErr   error
	interrupts int
}

func newFakeIO() *fakeIO {
	return &fakeIO{
		iopub: make(chan kernel.Delivery, 64),
		stdin: make(chan kernel.Delivery, 8),
	}
}

func (f *fakeIO) IOPub() <-chan kernel.Delivery { return f.iopub }
func (f *fakeIO) Stdin() <-chan kernel.Delivery { return f.stdin }

func (f *fakeIO) SendInputReply(value string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.replyErr != nil {
		return f.replyErr
	}
	f.replies = append(f.replies, value)
	return nil
}

func (f *fakeIO) Interrupt(ctx context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.interrupts++
	return nil
}

func (f *fakeIO) sentReplies() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.replies))
	copy(out, f.replies)
	return out
}

// fakeFinalizer records which tasks were finalized.
type fakeFinalizer struct {
	mu    sync.Mutex
	tasks []string
}

func (f *fakeFinalizer) Finalize(rec *types.ExecutionRecord) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tasks = append(f.tasks, rec.TaskID)
	return nil
}

func (f *fakeFinalizer) finalized() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.tasks))
	copy(out, f.tasks)
	return out
}

type fakeMarker struct {
	mu    sync.Mutex
	cells []int
}

func (f *fakeMarker) MarkExecuted(cellIndex int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cells = append(f.cells, cellIndex)
}

func (f *fakeMarker) executed() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]int, len(f.cells))
	copy(out, f.cells)
	return out
}

var msgSeq int

func iopubMsg(msgType, parentID string, content interface{}) *kernel.Message {
	raw, err := json.Marshal(content)
	if err != nil {
		panic(err)
	}
	msgSeq++
	return &kernel.Message{
		Header:  kernel.Header{MsgID: fmt.Sprintf("iopub-%d", msgSeq), MsgType: msgType},
		Parent:  kernel.Header{MsgID: parentID},
		Content: raw,
		Channel: kernel.ChannelIOPub,
	}
}

func stream(parentID, name, text string) *kernel.Message {
	return iopubMsg(kernel.MsgStream, parentID, kernel.StreamContent{Name: name, Text: text})
}

func status(parentID, state string) *kernel.Message {
	return iopubMsg(kernel.MsgStatus, parentID, kernel.StatusContent{ExecutionState: state})
}

type muxFixture struct {
	mux    *Mux
	io     *fakeIO
	broker *events.Broker
	fin    *fakeFinalizer
	marker *fakeMarker
	cancel context.CancelFunc
}

func newMuxFixture(t *testing.T, cfg Config) *muxFixture {
	t.Helper()
	if cfg.NotebookPath == "" {
		cfg.NotebookPath = "/nb/mux.ipynb"
	}
	io := newFakeIO()
	broker := events.NewBroker()
	broker.Start()
	t.Cleanup(broker.Stop)

	fin := &fakeFinalizer{}
	marker := &fakeMarker{}
	m := New(cfg, io, broker, fin, marker)

	ctx, cancel := context.WithCancel(context.Background())
	go m.Run(ctx)
	go m.RunStdin(ctx)
	t.Cleanup(func() {
		m.Stop()
		cancel()
	})
	return &muxFixture{mux: m, io: io, broker: broker, fin: fin, marker: marker, cancel: cancel}
}

// settle runs one full execution: register, deliver messages, deliver
// idle, signal the scheduler's durable commit, wait for removal.
func (fx *muxFixture) deliver(msgs ...*kernel.Message) {
	for _, m := range msgs {
		fx.io.iopub <- kernel.Delivery{Msg: m}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for !cond() {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for " + what)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func TestOutputsRouteByParentID(t *testing.T) {
	fx := newMuxFixture(t, Config{Throttle: time.Nanosecond})

	recA := types.NewExecutionRecord("task-a", 0)
	recB := types.NewExecutionRecord("task-b", 1)
	fx.mux.Register("msg-a", recA)
	fx.mux.Register("msg-b", recB)

	fx.deliver(
		stream("msg-a", "stdout", "from a\n"),
		stream("msg-b", "stdout", "from b\n"),
		stream("msg-a", "stderr", "warn a\n"),
	)

	waitFor(t, "outputs to land", func() bool {
		return recA.CumulativeOutputs() == 2 && recB.CumulativeOutputs() == 1
	})

	outs := recA.Outputs()
	assert.Equal(t, "from a\n", outs[0].Text.String())
	assert.Equal(t, "stderr", outs[1].Name)
	assert.Equal(t, "from b\n", recB.Outputs()[0].Text.String())
}

func TestIdleCompletesAfterDurableCommit(t *testing.T) {
	fx := newMuxFixture(t, Config{Throttle: time.Nanosecond})

	sub := fx.broker.Subscribe("/nb/mux.ipynb")
	defer fx.broker.Unsubscribe(sub)

	rec := types.NewExecutionRecord("task-1", 3)
	fx.mux.Register("msg-1", rec)
	fx.deliver(
		stream("msg-1", "stdout", "hi\n"),
		status("msg-1", "idle"),
	)

	// Idle fires completion; the scheduler's commit gate holds the
	// finalize tail until the store write lands.
	select {
	case <-rec.Completed():
	case <-time.After(2 * time.Second):
		t.Fatal("idle never completed the record")
	}
	assert.Equal(t, types.TaskCompleted, rec.Status())
	assert.Empty(t, fx.fin.finalized(), "finalize must wait for the durable commit")

	rec.SignalFinalizeReady()

	waitFor(t, "registry removal", func() bool { return fx.mux.Registry().InflightCount() == 0 })
	assert.Equal(t, []string{"task-1"}, fx.fin.finalized())
	assert.Equal(t, []int{3}, fx.marker.executed())

	// Terminal status reaches subscribers after finalization.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-sub.Ch():
			if n.Method != types.NotifyStatus {
				continue
			}
			p := n.Payload.(types.StatusNotification)
			assert.Equal(t, "task-1", p.TaskID)
			assert.Equal(t, types.TaskCompleted, p.Status)
			return
		case <-deadline:
			t.Fatal("no terminal status notification")
		}
	}
}

func TestErrorMessageSticksThroughIdle(t *testing.T) {
	fx := newMuxFixture(t, Config{Throttle: time.Nanosecond})

	rec := types.NewExecutionRecord("task-err", 0)
	fx.mux.Register("msg-err", rec)
	fx.deliver(
		iopubMsg(kernel.MsgError, "msg-err", kernel.ErrorContent{
			Ename:     "ValueError",
			Evalue:    "bad input",
			Traceback: []string{"frame1", "frame2"},
		}),
		status("msg-err", "idle"),
	)

	select {
	case <-rec.Completed():
	case <-time.After(2 * time.Second):
		t.Fatal("record never completed")
	}

	// Idle must not overwrite the failure: terminal statuses stick.
	assert.Equal(t, types.TaskFailed, rec.Status())
	assert.Equal(t, "ValueError: bad input", rec.ErrorMessage())

	outs := rec.Outputs()
	assert.Len(t, outs, 1)
	assert.Equal(t, notebook.OutputTypeError, outs[0].OutputType)
	rec.SignalFinalizeReady()
}

func TestOrphansReplayOnRegister(t *testing.T) {
	fx := newMuxFixture(t, Config{Throttle: time.Nanosecond})

	// Output arrives before the scheduler registers the record: the
	// execute_request send and the reply race this way routinely.
	fx.deliver(
		stream("msg-early", "stdout", "first\n"),
		stream("msg-early", "stdout", "second\n"),
	)
	waitFor(t, "orphans to buffer", func() bool { return fx.mux.Registry().OrphanCount() == 2 })

	rec := types.NewExecutionRecord("task-early", 0)
	fx.mux.Register("msg-early", rec)

	waitFor(t, "orphan replay", func() bool { return rec.CumulativeOutputs() == 2 })
	outs := rec.Outputs()
	assert.Equal(t, "first\n", outs[0].Text.String())
	assert.Equal(t, "second\n", outs[1].Text.String())
	assert.Equal(t, 0, fx.mux.Registry().OrphanCount())
}

func TestOrphanRingBounded(t *testing.T) {
	fx := newMuxFixture(t, Config{OrphanCap: 3, Throttle: time.Nanosecond})

	for i := 0; i < 5; i++ {
		fx.deliver(stream("msg-flood", "stdout", fmt.Sprintf("line %d\n", i)))
	}
	waitFor(t, "ring to absorb flood", func() bool { return fx.mux.Registry().OrphanCount() == 3 })

	rec := types.NewExecutionRecord("task-flood", 0)
	fx.mux.Register("msg-flood", rec)
	waitFor(t, "replay", func() bool { return rec.CumulativeOutputs() == 3 })

	// Oldest entries were evicted; the newest three survive.
	outs := rec.Outputs()
	assert.Equal(t, "line 2\n", outs[0].Text.String())
	assert.Equal(t, "line 4\n", outs[2].Text.String())
}

func TestExecuteResultCarriesCount(t *testing.T) {
	fx := newMuxFixture(t, Config{Throttle: time.Nanosecond})

	rec := types.NewExecutionRecord("task-res", 0)
	fx.mux.Register("msg-res", rec)
	fx.deliver(iopubMsg(kernel.MsgExecuteResult, "msg-res", kernel.ExecuteResultContent{
		Data:           map[string]interface{}{"text/plain": "42"},
		ExecutionCount: 7,
	}))

	waitFor(t, "result output", func() bool { return rec.CumulativeOutputs() == 1 })
	assert.Equal(t, 7, rec.ExecutionCount())
	out := rec.Outputs()[0]
	assert.Equal(t, notebook.OutputTypeExecuteResult, out.OutputType)
	assert.NotNil(t, out.ExecutionCount)
	assert.Equal(t, 7, *out.ExecutionCount)
}

func TestClearOutputImmediate(t *testing.T) {
	fx := newMuxFixture(t, Config{Throttle: time.Nanosecond})

	rec := types.NewExecutionRecord("task-clear", 0)
	fx.mux.Register("msg-clear", rec)
	fx.deliver(
		stream("msg-clear", "stdout", "progress 1\n"),
		stream("msg-clear", "stdout", "progress 2\n"),
		iopubMsg(kernel.MsgClearOutput, "msg-clear", kernel.ClearOutputContent{Wait: false}),
		stream("msg-clear", "stdout", "done\n"),
	)

	waitFor(t, "final output", func() bool { return rec.CumulativeOutputs() == 3 })
	outs := rec.Outputs()
	assert.Len(t, outs, 1)
	assert.Equal(t, "done\n", outs[0].Text.String())
}

func TestClearOutputDeferred(t *testing.T) {
	fx := newMuxFixture(t, Config{Throttle: time.Nanosecond})

	rec := types.NewExecutionRecord("task-wait", 0)
	fx.mux.Register("msg-wait", rec)
	fx.deliver(
		stream("msg-wait", "stdout", "old frame\n"),
		iopubMsg(kernel.MsgClearOutput, "msg-wait", kernel.ClearOutputContent{Wait: true}),
	)

	// With wait=true the visible output survives until a replacement
	// arrives.
	waitFor(t, "first output", func() bool { return rec.CumulativeOutputs() == 1 })
	assert.Len(t, rec.Outputs(), 1)

	fx.deliver(stream("msg-wait", "stdout", "new frame\n"))
	waitFor(t, "replacement", func() bool { return rec.CumulativeOutputs() == 2 })
	outs := rec.Outputs()
	assert.Len(t, outs, 1)
	assert.Equal(t, "new frame\n", outs[0].Text.String())
}

func TestThrottleCoalescesNotifications(t *testing.T) {
	fx := newMuxFixture(t, Config{Throttle: time.Hour})

	sub := fx.broker.Subscribe("/nb/mux.ipynb")
	defer fx.broker.Unsubscribe(sub)

	rec := types.NewExecutionRecord("task-spam", 0)
	fx.mux.Register("msg-spam", rec)
	for i := 0; i < 10; i++ {
		fx.deliver(stream("msg-spam", "stdout", fmt.Sprintf("%d\n", i)))
	}
	waitFor(t, "all outputs", func() bool { return rec.CumulativeOutputs() == 10 })

	// First output notifies immediately; the rest defer behind the
	// one-hour throttle.
	n := <-sub.Ch()
	p := n.Payload.(types.OutputNotification)
	assert.Equal(t, 1, p.CumulativeIndex)
	assert.Equal(t, 0, p.Coalesced)

	// Completion flushes the deferred tail as one coalesced notification.
	fx.deliver(status("msg-spam", "idle"))
	<-rec.Completed()
	rec.SignalFinalizeReady()

	deadline := time.After(2 * time.Second)
	for {
		select {
		case n := <-sub.Ch():
			if n.Method != types.NotifyOutput {
				continue
			}
			p := n.Payload.(types.OutputNotification)
			assert.Equal(t, 10, p.CumulativeIndex)
			assert.Equal(t, 9, p.Coalesced)
			return
		case <-deadline:
			t.Fatal("no coalesced flush notification")
		}
	}
}

func TestAbortInflightFailsRecords(t *testing.T) {
	fx := newMuxFixture(t, Config{Throttle: time.Nanosecond})

	rec1 := types.NewExecutionRecord("task-1", 0)
	rec2 := types.NewExecutionRecord("task-2", 1)
	fx.mux.Register("msg-1", rec1)
	fx.mux.Register("msg-2", rec2)

	recs := fx.mux.AbortInflight("kernel died (probable OOM kill)", true)
	assert.Len(t, recs, 2)

	for _, rec := range []*types.ExecutionRecord{rec1, rec2} {
		select {
		case <-rec.Completed():
		default:
			t.Errorf("task %s not signalled", rec.TaskID)
		}
		assert.Equal(t, types.TaskFailed, rec.Status())
		assert.Contains(t, rec.ErrorMessage(), "OOM")
	}
	assert.Equal(t, 0, fx.mux.Registry().InflightCount())
}

func TestAbortInflightCancelMode(t *testing.T) {
	fx := newMuxFixture(t, Config{Throttle: time.Nanosecond})

	rec := types.NewExecutionRecord("task-int", 0)
	fx.mux.Register("msg-int", rec)

	fx.mux.AbortInflight("interrupted", false)
	assert.Equal(t, types.TaskCancelled, rec.Status())
}

func TestStdinPromptAndReply(t *testing.T) {
	fx := newMuxFixture(t, Config{Throttle: time.Nanosecond, InputTimeout: time.Hour})

	sub := fx.broker.Subscribe("/nb/mux.ipynb")
	defer fx.broker.Unsubscribe(sub)

	assert.False(t, fx.mux.AwaitingInput())
	assert.ErrorIs(t, fx.mux.SubmitInput("too early"), ErrNoPendingInput)

	fx.io.stdin <- kernel.Delivery{Msg: iopubMsg(kernel.MsgInputRequest, "msg-in", kernel.InputRequestContent{
		Prompt: "Enter name: ",
	})}

	waitFor(t, "prompt to arm", fx.mux.AwaitingInput)

	n := <-sub.Ch()
	assert.Equal(t, types.NotifyInputRequest, n.Method)
	p := n.Payload.(types.InputRequestNotification)
	assert.Equal(t, "Enter name: ", p.Prompt)

	assert.NoError(t, fx.mux.SubmitInput("Ada"))
	assert.Equal(t, []string{"Ada"}, fx.io.sentReplies())
	assert.False(t, fx.mux.AwaitingInput())

	// A second submit finds nothing pending.
	assert.ErrorIs(t, fx.mux.SubmitInput("again"), ErrNoPendingInput)
}

func TestStdinTimeoutSendsEmptyReply(t *testing.T) {
	fx := newMuxFixture(t, Config{Throttle: time.Nanosecond, InputTimeout: 30 * time.Millisecond})

	fx.io.stdin <- kernel.Delivery{Msg: iopubMsg(kernel.MsgInputRequest, "msg-in", kernel.InputRequestContent{
		Prompt:   "password: ",
		Password: true,
	})}

	waitFor(t, "timeout reply", func() bool { return len(fx.io.sentReplies()) == 1 })
	assert.Equal(t, []string{""}, fx.io.sentReplies())
	assert.False(t, fx.mux.AwaitingInput())
}

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	old := backoffBase
	backoffBase = time.Millisecond
	defer func() { backoffBase = old }()

	io := newFakeIO()
	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	m := New(Config{NotebookPath: "/nb/broken.ipynb"}, io, broker, nil, nil)
	done := make(chan struct{})
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		m.Run(ctx)
		close(done)
	}()

	assert.True(t, m.Healthy())
	go func() {
		for i := 0; i < breakerLimit; i++ {
			io.iopub <- kernel.Delivery{Err: fmt.Errorf("socket receive failed %d", i)}
		}
	}()

	// The loop backs off between failures, then exits unhealthy on the
	// fifth consecutive one.
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("breaker never tripped")
	}
	assert.False(t, m.Healthy())
}

func TestMessagesWithoutParentIgnored(t *testing.T) {
	fx := newMuxFixture(t, Config{Throttle: time.Nanosecond})

	// The kernel's startup status has no parent header.
	fx.deliver(status("", "starting"))
	fx.deliver(stream("", "stdout", "banner\n"))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, 0, fx.mux.Registry().OrphanCount())
	assert.Equal(t, 0, fx.mux.Registry().InflightCount())
}

func TestFuzzyLookupResolvesPrefix(t *testing.T) {
	r := NewRegistry(0, true)
	rec := types.NewExecutionRecord("task-f", 0)
	r.Register("abcdef0123456789-original", rec)

	got, ok := r.Lookup("abcdef0123456789-mangled")
	assert.True(t, ok)
	assert.Equal(t, rec, got)

	// Ambiguity disables the fuzzy match.
	r.Register("abcdef0123456789-second", types.NewExecutionRecord("task-g", 1))
	_, ok = r.Lookup("abcdef0123456789-mangled")
	assert.False(t, ok)

	// Exact matching never engages the prefix path.
	strict := NewRegistry(0, false)
	strict.Register("abcdef0123456789-original", rec)
	_, ok = strict.Lookup("abcdef0123456789-mangled")
	assert.False(t, ok)
}
