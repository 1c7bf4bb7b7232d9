/*
Package types defines the domain model shared across the server.

The types here cross package boundaries: tasks and their statuses,
session states and descriptors, live execution records, health probes,
sync strategies, and the notification payloads pushed to subscribers.
Packages that own a concept privately keep their types to themselves;
only what two or more packages exchange lives here.

# Task Lifecycle

A task is one cell execution. Its durable row moves through:

	pending ──► running ──► completed
	                    ├──► failed
	                    ├──► cancelled
	                    └──► timeout

The four right-hand statuses are terminal; TaskStatus.IsTerminal
reports them. Status transitions are committed to the durable store by
the scheduler before anything else observes them.

# Execution Records

ExecutionRecord is the live, in-memory side of a running task: outputs
as they stream in, kernel state flags, the completion and
finalize-ready events. The scheduler creates records and commits their
terminal status; the I/O multiplexer appends outputs and signals
completion; the finalizer reads them after the terminal commit. Records
guard their mutable fields with an internal mutex, and the two events
fire exactly once each.

# Session States

	absent ──► starting ──► running ──► stopping ──► stopped
	                          │  ▲
	                          ▼  │
	                        restarting

SessionDescriptor is the persisted form: enough to find the kernel
process again after a server restart (PIDs, connection file, kernel
UUID, environment provenance).

# Sync Strategies

SyncStrategy selects which cells a resync re-executes, from
minimal_append (only never-executed cells at the end) through force
(every code cell). SyncReport and ResyncReport are the wire shapes of
the detect_sync and resync operations.

# Integration Points

  - pkg/storage persists Task rows and queries them back
  - pkg/scheduler and pkg/iomux share ExecutionRecord ownership
  - pkg/session publishes SessionInfo and persists SessionDescriptor
  - pkg/events carries the *Notification payload structs
  - pkg/rpc serializes nearly everything here as JSON results
*/
package types
