/*
Package session ties a notebook to a running kernel and everything
around it.

A Session owns one kernel plus the plumbing built per kernel lifetime:
the iopub mux, the execution scheduler, the health prober, and the
finalizer. The Manager keys sessions by canonical notebook path,
enforces the concurrent kernel cap, and is the single entry point the
RPC layer calls.

# Session States

	absent -> starting -> running -> restarting -> running
	                         |            |
	                         v            v
	                      stopping  -> stopped

start and adopt run asynchronously; callers wait on Ready and then
check StartErr. A session that fails to start settles into stopped and
is dropped from the manager's table, so the next StartSession attempt
begins clean. Restart swaps the kernel process in place, drains the
queue, and resets the execution counter; the Session and its Client
pointer survive.

# Recovery

On startup the Manager reads every descriptor in the sessions
directory and decides per descriptor: skip it when another live server
owns it, remove it when the kernel PID is gone, adopt it when the
kernel answers a probe, and reap it as a zombie otherwise. Adopted
sessions replay any orphaned iopub traffic and flip their interrupted
"running" tasks back to pending in the store. Recovered pending work is
not resubmitted automatically; a resync call decides what actually
re-runs.

# Staleness and Resync

DetectSync compares each executed cell's provenance hash against its
current source (or against editor-supplied buffer hashes, which win
when present) and reports the changed cells. Resync first requeues the
durable pending backlog, then queues cells chosen by strategy:

	minimal_append   never-executed cells after the last executed one
	incremental      changed cells only
	smart            everything from the first changed cell onward
	full             changed plus never-executed cells
	force            every code cell

Cells with empty sources are never targeted, and a cell already queued
from the backlog is not queued twice.

# Kernel Death

watchKernel observes the kernel's exit channel. An unexpected death
aborts in-flight records with a reason (OOM kills are classified from
the exit status), fails the queued backlog, and either restarts the
kernel in place when kernel_auto_restart is set or tears the session
down.
*/
package session
