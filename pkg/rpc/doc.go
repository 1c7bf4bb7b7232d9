/*
Package rpc serves the JSON-RPC 2.0 control API over stdio and
websocket.

Both transports share one machinery: a Conn wraps a byte sink, parses
newline-free JSON frames, and dispatches to the session manager.
ServeStdio runs a Conn over stdin/stdout with newline-delimited frames;
WebsocketHandler runs one Conn per websocket connection with one frame
per text message. Requests on a single connection are handled in order;
notifications are pushed on the same connection interleaved with
responses, serialized by a per-connection write lock.

# Methods

	start_session      stop_session       restart_session
	interrupt_session  submit             cancel_task
	submit_input       task_status        detect_sync
	resync             list_sessions      notebook_flush
	subscribe          unsubscribe

subscribe and unsubscribe are per-connection: each subscription pumps
broker notifications for one notebook (or all, with an empty filter)
into the connection. When a connection's last subscriber for a notebook
detaches, its deferred notebook writes are flushed.

# Errors

Standard JSON-RPC codes cover protocol faults (parse error, invalid
request, method not found, invalid params, internal). Caller mistakes
the session layer reports, such as a bad cell index or an unknown
notebook, also map to invalid params. Operational conditions map to
the domain code -32000 with structured data:

	{
	  "kind": "kernel_cap",
	  "retryable": true,
	  "retry_after_seconds": 30,
	  "suggestion": "stop an idle session ..."
	}

Kinds in use: no_session, kernel_cap, not_ready, queue_full,
no_pending_input, not_found, deadline. Retryable tells the caller
whether backing off and repeating the identical call can succeed.

Batch requests are not supported and are rejected with invalid
request. Requests without an id are treated as notifications and
produce no response frame.
*/
package rpc
