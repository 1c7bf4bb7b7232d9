/*
Package client provides a Go client for the hatchery JSON-RPC API.

The client dials the server's websocket endpoint and exposes one typed
method per RPC operation. Requests are matched to responses by id, so a
single connection can carry concurrent calls from multiple goroutines.

# Usage

	cl, err := client.Dial(ctx, "127.0.0.1:9180", token)
	if err != nil {
		return err
	}
	defer cl.Close()

	info, err := cl.StartSession(ctx, "analysis.ipynb", client.StartOptions{})
	if err != nil {
		return err
	}
	taskID, err := cl.Submit(ctx, info.NotebookPath, 3, "len(df)", "")

# Notifications

Server-pushed notifications (outputs, status changes, input requests)
arrive on the channel returned by Notifications after a Subscribe call.
The channel is buffered; when the consumer falls behind, notifications
are dropped rather than blocking the read loop. Dropped reports how
many were lost.

	if err := cl.Subscribe(ctx, info.NotebookPath); err != nil {
		return err
	}
	for n := range cl.Notifications() {
		switch n.Method {
		case types.NotifyOutput:
			// render the output payload
		}
	}

The notification channel is closed when the connection drops. In-flight
calls fail with the read error at that point.

# Errors

RPC-level failures are returned as *rpc.Error, preserving the server's
code and structured data. Use errors.As to inspect them:

	var rpcErr *rpc.Error
	if errors.As(err, &rpcErr) && rpcErr.Code == rpc.CodeDomain {
		// inspect rpcErr.Data for retry hints
	}

Transport failures (dial errors, dropped connections) surface as
ordinary wrapped errors.
*/
package client
