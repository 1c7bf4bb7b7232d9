package events

import (
	"testing"
	"time"

	"github.com/nbforge/hatchery/pkg/types"
)

func recv(t *testing.T, sub *Subscriber) *Notification {
	t.Helper()
	select {
	case n := <-sub.Ch():
		return n
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for notification")
		return nil
	}
}

func TestBroadcastToMatchingSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe("/nb/a.ipynb")
	defer b.Unsubscribe(sub)

	b.Status("/nb/a.ipynb", types.StatusNotification{
		NotebookPath: "/nb/a.ipynb",
		TaskID:       "t1",
		Status:       types.TaskCompleted,
	})

	n := recv(t, sub)
	if n.Method != types.NotifyStatus {
		t.Errorf("method = %q, want %q", n.Method, types.NotifyStatus)
	}
	payload, ok := n.Payload.(types.StatusNotification)
	if !ok {
		t.Fatalf("payload type = %T", n.Payload)
	}
	if payload.TaskID != "t1" {
		t.Errorf("task id = %q, want t1", payload.TaskID)
	}
}

func TestFilterExcludesOtherNotebooks(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	subA := b.Subscribe("/nb/a.ipynb")
	subAll := b.Subscribe("")
	defer b.Unsubscribe(subA)
	defer b.Unsubscribe(subAll)

	b.Output("/nb/b.ipynb", types.OutputNotification{NotebookPath: "/nb/b.ipynb", TaskID: "t1"})

	// The wildcard subscriber sees it, the filtered one must not.
	n := recv(t, subAll)
	if n.Notebook != "/nb/b.ipynb" {
		t.Errorf("notebook = %q", n.Notebook)
	}
	select {
	case n := <-subA.Ch():
		t.Errorf("filtered subscriber received %v", n)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannelAndCounts(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub1 := b.Subscribe("/nb/a.ipynb")
	sub2 := b.Subscribe("/nb/a.ipynb")
	wildcard := b.Subscribe("")

	if got := b.SubscriberCount("/nb/a.ipynb"); got != 3 {
		t.Fatalf("SubscriberCount = %d, want 3", got)
	}

	if remaining := b.Unsubscribe(sub1); remaining != 2 {
		t.Errorf("remaining after first unsubscribe = %d, want 2", remaining)
	}
	if _, open := <-sub1.Ch(); open {
		t.Error("channel still open after unsubscribe")
	}

	// Unsubscribing twice is harmless and reports the same count.
	if remaining := b.Unsubscribe(sub1); remaining != 2 {
		t.Errorf("remaining after repeat unsubscribe = %d, want 2", remaining)
	}

	if remaining := b.Unsubscribe(sub2); remaining != 1 {
		t.Errorf("remaining = %d, want 1 (wildcard still matches)", remaining)
	}
	b.Unsubscribe(wildcard)
	if got := b.SubscriberCount("/nb/a.ipynb"); got != 0 {
		t.Errorf("SubscriberCount = %d, want 0", got)
	}
}

func TestSlowSubscriberDropsInsteadOfBlocking(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe("/nb/a.ipynb")
	defer b.Unsubscribe(sub)

	// Overfill the subscriber buffer (128) without draining it. The
	// publisher must never stall, and the overflow must be counted.
	for i := 0; i < 200; i++ {
		b.Output("/nb/a.ipynb", types.OutputNotification{NotebookPath: "/nb/a.ipynb"})
	}

	deadline := time.After(2 * time.Second)
	for b.Dropped() == 0 {
		select {
		case <-deadline:
			t.Fatal("no drops recorded for a slow subscriber")
		case <-time.After(10 * time.Millisecond):
		}
	}

	// The buffered portion is still deliverable.
	n := recv(t, sub)
	if n.Method != types.NotifyOutput {
		t.Errorf("method = %q", n.Method)
	}
}

func TestPublishAfterStopDoesNotBlock(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			b.Publish(&Notification{Method: types.NotifyStatus, Notebook: "/nb/a.ipynb"})
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Publish blocked after Stop")
	}
}

func TestStopIdempotent(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()
	b.Stop()
}
