/*
Package events fans execution notifications out to streaming clients.

The broker sits between the execution pipeline and the RPC transports:
the I/O multiplexer and scheduler publish output, status, input_request,
and linearity_warning notifications; each connected client that called
subscribe holds a Subscriber whose channel feeds its connection.

# Architecture

	Publisher (iomux, scheduler)
	     │  Publish / Output / Status / ...
	     ▼
	intake channel (buffer 256, non-blocking)
	     │
	broadcast loop
	     │  per-subscriber send (buffer 128, non-blocking)
	     ▼
	Subscriber channels ──► RPC connections ──► clients

Every send along the way is non-blocking. A full buffer drops the
notification and increments the dropped counter instead of stalling
kernel I/O; status notifications still reach the durable store, so a
dropped push never loses state, only a live update.

# Subscription Filters

A subscriber is created with a notebook path filter. The empty filter
receives notifications for every notebook; a non-empty filter receives
only its notebook's. Unsubscribe reports how many subscribers remain
for the same notebook so the caller can flush deferred notebook writes
when the last streaming client detaches.

# Usage

	broker := events.NewBroker()
	broker.Start()
	defer broker.Stop()

	sub := broker.Subscribe("/work/analysis.ipynb")
	go func() {
		for n := range sub.Ch() {
			send(n.Method, n.Payload)
		}
	}()
	// later
	remaining := broker.Unsubscribe(sub)
	if remaining == 0 {
		flushNotebook("/work/analysis.ipynb")
	}

# Integration Points

  - pkg/iomux publishes output and input_request notifications
  - pkg/scheduler publishes status transitions and linearity warnings
  - pkg/rpc pumps subscriber channels onto client connections
  - pkg/session reads Dropped() into the notifications gauge

# Limitations

  - Delivery is best effort; slow clients lose notifications
  - No replay: a subscriber sees only what is published after Subscribe
  - Payloads are shared pointers; subscribers must not mutate them
*/
package events
