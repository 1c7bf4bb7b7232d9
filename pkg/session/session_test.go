package session

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/nbforge/hatchery/pkg/config"
	"github.com/nbforge/hatchery/pkg/events"
	"github.com/nbforge/hatchery/pkg/storage"
	"github.com/nbforge/hatchery/pkg/types"
)

// newBareSession builds a session whose kernel never started, the state
// every guard path must hold in.
func newBareSession(t *testing.T) *Session {
	t.Helper()
	cfg := config.Default()
	cfg.DataDir = t.TempDir()
	store, err := storage.NewSQLiteStore(cfg.DataDir)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	broker := events.NewBroker()
	broker.Start()

	sess := newSession(context.Background(), cfg, store, broker, "/nb/test.ipynb", StartOptions{}, nil)
	t.Cleanup(func() {
		sess.cancel()
		broker.Stop()
		store.Close()
	})
	return sess
}

func TestValidateAgentID(t *testing.T) {
	tests := []struct {
		name    string
		id      string
		wantErr bool
	}{
		{"simple", "agent-1", false},
		{"mixed charset", "A.b_c", false},
		{"empty", "", false},
		{"max length", strings.Repeat("a", 64), false},
		{"too long", strings.Repeat("a", 65), true},
		{"dot", ".", true},
		{"dotdot", "..", true},
		{"path separator", "a/b", true},
		{"space", "a b", true},
		{"non ascii", "naïve", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateAgentID(tt.id)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalid)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSessionGuardsBeforeRunning(t *testing.T) {
	sess := newBareSession(t)

	_, err := sess.Submit(0, "print(1)", "")
	assert.ErrorIs(t, err, ErrNotReady)

	_, err = sess.Cancel(context.Background(), "task-1")
	assert.ErrorIs(t, err, ErrNotReady)

	assert.ErrorIs(t, sess.SubmitInput("yes"), ErrNotReady)
	assert.ErrorIs(t, sess.Interrupt(context.Background()), ErrNotReady)

	_, ok := sess.LiveRecord("task-1")
	assert.False(t, ok)

	// Nothing is pending yet, so flushing is a no-op and health is
	// simply unknown.
	assert.NoError(t, sess.Flush())
	assert.Equal(t, types.HealthStatus{}, sess.Health())

	// Stopping mid-start is refused rather than left to race the
	// starter.
	assert.ErrorIs(t, sess.Stop(context.Background(), false), ErrNotReady)
}

func TestSessionInfoBeforeStart(t *testing.T) {
	sess := newBareSession(t)

	info := sess.Info()
	assert.Equal(t, "/nb/test.ipynb", info.NotebookPath)
	assert.Equal(t, types.SessionStarting, info.State)
	assert.Zero(t, info.KernelPID)
	assert.Zero(t, info.Subscribers)
	assert.False(t, info.AwaitingInput)
}

func TestSettleReleasesWaiters(t *testing.T) {
	ok := newBareSession(t)
	ok.settle(nil)
	select {
	case <-ok.Ready():
	default:
		t.Fatal("ready channel still open after settle")
	}
	assert.NoError(t, ok.StartErr())
	// A clean settle leaves the state alone; doStart already moved it.
	assert.Equal(t, types.SessionStarting, ok.State())

	failed := newBareSession(t)
	boom := errors.New("no interpreter found")
	failed.settle(boom)
	select {
	case <-failed.Ready():
	default:
		t.Fatal("ready channel still open after failed settle")
	}
	assert.ErrorIs(t, failed.StartErr(), boom)
	assert.Equal(t, types.SessionStopped, failed.State())
}

func TestMarkExecutedHighWaterMark(t *testing.T) {
	sess := newBareSession(t)
	assert.Equal(t, -1, sess.MaxExecutedIndex())

	sess.MarkExecuted(3)
	assert.Equal(t, 3, sess.MaxExecutedIndex())

	// Re-running an earlier cell does not lower the mark.
	sess.MarkExecuted(1)
	assert.Equal(t, 3, sess.MaxExecutedIndex())

	sess.MarkExecuted(7)
	assert.Equal(t, 7, sess.MaxExecutedIndex())
}
