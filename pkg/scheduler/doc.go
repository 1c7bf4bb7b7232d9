/*
Package scheduler runs one session's executions in order.

Each session owns one Scheduler: a bounded FIFO queue and a single
worker goroutine, so a session never has more than one cell executing
in its kernel. Ordering is the package's contract: tasks become running
in submission order, and execution counts assigned at dequeue are
strictly monotone per session.

# Submission

Submit persists the task as pending before pushing it onto the live
queue; once Submit returns, the task survives a process kill. A full
queue refuses the submit with ErrQueueFull rather than blocking the
caller. Resubmit pushes a task that is already pending in the store,
which is how resync re-enqueues work recovered from a previous run.

# Worker Loop

	pop task ──► mark running (durable) ──► send to kernel
	     ──► register record ──► wait: completion | timeout | stop
	     ──► commit terminal status (durable) ──► signal finalize

The worker counts executions at dequeue time, checks the cell index
against the session's max-executed index to emit linearity warnings,
and publishes every status transition. On completion the terminal
status is committed to the store before the finalize event fires; the
finalizer never sees an uncommitted task.

# Timeouts and Errors

A task that exceeds the per-task timeout is committed as timeout; the
kernel is left running and the caller may interrupt it. When
stop-on-error is enabled, a failed or timed-out task drains everything
still queued as cancelled, so later cells do not run against a broken
namespace.

# Cancellation

Cancel on a queued task marks it cancelled in the store; the worker
skips it at dequeue. Cancel on the running task interrupts the kernel
and lets the normal completion path commit the cancelled status. Stop
places a sentinel so the worker finishes the in-flight task and exits;
a task still executing at shutdown stays running in the store and is
recovered on the next start.

# Integration Points

  - pkg/storage commits every status transition
  - pkg/kernel executes code and delivers interrupts
  - pkg/iomux owns the records the worker waits on
  - pkg/events receives status and linearity notifications
  - pkg/session wires one scheduler per session and stops it
*/
package scheduler
