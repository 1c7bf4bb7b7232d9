/*
Package iomux routes a kernel's iopub traffic to execution records.

Every iopub message carries the id of the execute_request that caused
it. The Mux reads the kernel's iopub stream in one goroutine, looks the
parent id up in its Registry, and appends outputs, tracks status, and
publishes notifications against the matching in-flight record. Messages
whose parent id is unknown are not discarded: they land in per-parent
orphan rings and replay in arrival order the moment the id is
registered. That closes the race between sending an execute_request and
registering it, and it is also how outputs emitted while the server was
down are recovered after adoption.

# Completion Handshake

A record is done only when both of two signals arrive: the kernel's
idle status for the parent id, and the shell execute_reply (delivered
via SignalComplete by whoever waits on the shell channel). When both
are in, the mux finalizes the record through the Finalizer and drops it
from the Registry. AbortInflight short-circuits this for records that
can never complete, such as kernel death or interrupt drain.

Orphan rings are capped per parent and in total; overflow evicts the
oldest ring whole. A fuzzy matching mode (off by default) also resolves
a parent id that shares a 16-character prefix with exactly one
in-flight entry, for kernels that mangle message ids in transit.

# Stdin

RunStdin watches the stdin channel for input_request messages. The mux
arms a single pending prompt, notifies subscribers, and forwards the
reply submitted through SubmitInput. A prompt unanswered within the
configured timeout is failed with an empty input_reply so the kernel
does not block forever. SubmitInput with nothing armed returns
ErrNoPendingInput.

# Backpressure

Output notifications are throttled to one per parent id per interval
(100ms by default). Appends to the record itself are never dropped;
only per-output notifications are suppressed under flood, a final
coalesced notification is emitted at completion, and the cumulative
output count in each notification lets clients detect the gap and
refetch.
*/
package iomux
