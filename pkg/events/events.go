package events

import (
	"sync"
	"sync/atomic"

	"github.com/nbforge/hatchery/pkg/types"
)

// Notification is one outbound message to streaming subscribers. The
// method names match the RPC notification methods; Payload is the
// corresponding notification struct from pkg/types.
type Notification struct {
	Method   string
	Notebook string
	Payload  interface{}
}

// Subscriber receives notifications for one notebook, or for all
// notebooks when the filter is empty.
type Subscriber struct {
	ch       chan *Notification
	notebook string
}

// Ch returns the receive channel. It is closed on Unsubscribe.
func (s *Subscriber) Ch() <-chan *Notification { return s.ch }

// Notebook returns the subscription filter, empty for all.
func (s *Subscriber) Notebook() string { return s.notebook }

// Broker fans notifications out to subscribers. Both the intake and the
// per-subscriber sends are non-blocking: a full buffer drops the
// notification rather than stalling the publisher.
type Broker struct {
	subscribers map[*Subscriber]bool
	mu          sync.RWMutex
	notifyCh    chan *Notification
	stopCh      chan struct{}
	stopOnce    sync.Once
	dropped     atomic.Int64
}

// NewBroker creates a new notification broker.
func NewBroker() *Broker {
	return &Broker{
		subscribers: make(map[*Subscriber]bool),
		notifyCh:    make(chan *Notification, 256),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the broker's distribution loop.
func (b *Broker) Start() {
	go b.run()
}

// Stop stops the broker.
func (b *Broker) Stop() {
	b.stopOnce.Do(func() { close(b.stopCh) })
}

// Subscribe registers a subscriber for a notebook path; an empty path
// subscribes to every notebook.
func (b *Broker) Subscribe(notebook string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()

	sub := &Subscriber{
		ch:       make(chan *Notification, 128),
		notebook: notebook,
	}
	b.subscribers[sub] = true
	return sub
}

// Unsubscribe removes a subscriber and closes its channel. It returns
// how many subscribers remain for the same notebook, so callers can
// flush pending notebook writes when the count reaches zero.
func (b *Broker) Unsubscribe(sub *Subscriber) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.subscribers[sub] {
		return b.countLocked(sub.notebook)
	}
	delete(b.subscribers, sub)
	close(sub.ch)
	return b.countLocked(sub.notebook)
}

// Publish queues a notification for distribution. Never blocks; when
// the intake buffer is full the notification is counted as dropped.
func (b *Broker) Publish(n *Notification) {
	select {
	case b.notifyCh <- n:
	case <-b.stopCh:
	default:
		b.dropped.Add(1)
	}
}

// Output publishes an output notification for a notebook.
func (b *Broker) Output(notebook string, payload types.OutputNotification) {
	b.Publish(&Notification{Method: types.NotifyOutput, Notebook: notebook, Payload: payload})
}

// Status publishes a task status notification for a notebook.
func (b *Broker) Status(notebook string, payload types.StatusNotification) {
	b.Publish(&Notification{Method: types.NotifyStatus, Notebook: notebook, Payload: payload})
}

// InputRequest publishes a stdin prompt notification for a notebook.
func (b *Broker) InputRequest(notebook string, payload types.InputRequestNotification) {
	b.Publish(&Notification{Method: types.NotifyInputRequest, Notebook: notebook, Payload: payload})
}

// LinearityWarning publishes an out-of-order execution warning.
func (b *Broker) LinearityWarning(notebook string, payload types.LinearityWarningNotification) {
	b.Publish(&Notification{Method: types.NotifyLinearityWarning, Notebook: notebook, Payload: payload})
}

func (b *Broker) run() {
	for {
		select {
		case n := <-b.notifyCh:
			b.broadcast(n)
		case <-b.stopCh:
			return
		}
	}
}

func (b *Broker) broadcast(n *Notification) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	for sub := range b.subscribers {
		if sub.notebook != "" && sub.notebook != n.Notebook {
			continue
		}
		select {
		case sub.ch <- n:
		default:
			// Subscriber buffer full, skip
			b.dropped.Add(1)
		}
	}
}

// SubscriberCount returns the number of subscribers whose filter
// matches the notebook, including wildcard subscribers.
func (b *Broker) SubscriberCount(notebook string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.countLocked(notebook)
}

func (b *Broker) countLocked(notebook string) int {
	count := 0
	for sub := range b.subscribers {
		if sub.notebook == "" || sub.notebook == notebook {
			count++
		}
	}
	return count
}

// Dropped returns how many notifications were discarded due to full
// buffers since the broker started.
func (b *Broker) Dropped() int64 {
	return b.dropped.Load()
}
