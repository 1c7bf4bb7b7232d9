/*
Package kernel launches, connects to, and reaps Jupyter kernel processes.

A Kernel owns one ipykernel child process and the zmq connections to it.
Launch writes a connection file with freshly generated ports and an HMAC
key, spawns the interpreter in its own process group, and waits for the
kernel to answer a kernel_info probe before declaring it ready. Launch
retries a failed spawn a few times with backoff; port collisions at bind
time are the common cause.

# Connection Lifecycle

	k, err := kernel.Launch(ctx, kernel.LaunchOptions{...})
	if err != nil {
		return err
	}
	msgID, err := k.Client().Execute("print('hi')", false)

The Client multiplexes the shell, control, iopub, and stdin channels.
IOPub and Stdin expose raw message streams for the routing layer; shell
replies are matched to their request by message id internally.

Stop shuts down in escalating steps: a shutdown_request on the control
channel, then SIGTERM to the process group, then SIGKILL. Restart keeps
the same connection file and ports so the Client survives across the
kernel swap.

# Recovery

A server restart does not kill kernels. Attach reconnects to a process
launched by a previous server using its saved descriptor: it verifies
the PID still carries the marker environment variable stamped at launch
(guarding against PID reuse), rebuilds the Client from the connection
file on disk, and watches the PID for exit by polling, since a
non-child process delivers no SIGCHLD.

The reaper half handles what cannot be adopted. IsZombie flags a
descriptor whose process is alive but unreachable, ReapZombie
terminates the process tree, and CleanStaleConnectionFiles sweeps
runtime files no live kernel owns.

Exit classification is in ExitStatus: an exit code of 137 or a SIGKILL
termination is reported as a probable OOM kill so the death reason can
say something more useful than "exited".
*/
package kernel
