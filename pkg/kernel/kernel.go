package kernel

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/nbforge/hatchery/pkg/log"
	"github.com/nbforge/hatchery/pkg/types"
)

// Environment variables injected into every kernel subprocess. The UUID
// marker is what zombie reconciliation matches before it will kill a
// process, so a reused PID is never mistaken for one of ours.
const (
	EnvKernelUUID = "HATCHERY_KERNEL_UUID"
	EnvServerPID  = "HATCHERY_SERVER_PID"
)

const (
	launchAttempts = 3
	stopGrace      = 5 * time.Second
	readyPollEvery = time.Second
)

// ErrNotRunning is returned by operations that need a live kernel.
var ErrNotRunning = errors.New("kernel not running")

// ExitStatus describes how a kernel process ended.
type ExitStatus struct {
	Code int
	OOM  bool
	Err  error
	At   time.Time
}

func (e *ExitStatus) String() string {
	if e == nil {
		return "running"
	}
	if e.OOM {
		return fmt.Sprintf("killed (exit %d, likely out of memory)", e.Code)
	}
	return fmt.Sprintf("exit %d", e.Code)
}

// LaunchOptions configures a kernel start.
type LaunchOptions struct {
	NotebookPath string
	WorkDir      string
	EnvRoot      string
	Fallback     string
	RuntimeDir   string
	ReadyTimeout time.Duration

	// ConnectionFile reuses an existing connection file instead of
	// generating one; set on restart so the ports stay stable.
	ConnectionFile string
	// UUID reuses a kernel identity across restart.
	UUID string
}

// Kernel owns one kernel subprocess and its wire-protocol client. A
// kernel is either launched (cmd set) or re-attached to a surviving
// process from a previous server run (attachedPID set).
type Kernel struct {
	UUID           string
	ConnectionFile string

	conn        *ConnectionInfo
	client      *Client
	interpreter string
	envName     string
	envRoot     string
	workDir     string
	startedAt   time.Time
	logger      zerolog.Logger

	mu          sync.Mutex
	cmd         *exec.Cmd
	attachedPID int
	exit        *ExitStatus
	exitCh      chan struct{}
	stderr      *tailBuffer

	watchOnce sync.Once
	watchStop chan struct{}
}

// Launch resolves the interpreter, writes a connection file, starts the
// subprocess, and waits for the kernel to answer a kernel_info probe.
// Port-binding collisions are retried with fresh ports; the final
// failure carries remediation hints.
func Launch(ctx context.Context, opts LaunchOptions) (*Kernel, error) {
	interpreter, envName, err := ResolveInterpreter(opts.EnvRoot, opts.Fallback)
	if err != nil {
		return nil, err
	}
	if opts.ReadyTimeout <= 0 {
		opts.ReadyTimeout = 120 * time.Second
	}

	kuuid := opts.UUID
	if kuuid == "" {
		kuuid = uuid.NewString()
	}

	k := &Kernel{
		UUID:        kuuid,
		interpreter: interpreter,
		envName:     envName,
		envRoot:     opts.EnvRoot,
		workDir:     opts.WorkDir,
		logger:      log.WithComponent("kernel").With().Str("notebook", opts.NotebookPath).Logger(),
	}

	var lastErr error
	for attempt := 1; attempt <= launchAttempts; attempt++ {
		if err := k.prepareConnection(opts); err != nil {
			return nil, err
		}
		if err := k.spawn(); err != nil {
			return nil, err
		}
		err := k.waitReady(ctx, opts.ReadyTimeout)
		if err == nil {
			k.startedAt = time.Now()
			k.logger.Info().
				Int("pid", k.PID()).
				Str("interpreter", interpreter).
				Str("env", envName).
				Int("attempt", attempt).
				Msg("kernel ready")
			return k, nil
		}
		lastErr = err
		k.teardownAttempt()
		if !retryableLaunch(err) {
			break
		}
		k.logger.Warn().Err(err).Int("attempt", attempt).Msg("kernel start failed, retrying with fresh ports")
	}
	return nil, launchError(lastErr)
}

// retryableLaunch reports whether a start failure is worth another
// attempt with fresh ports.
func retryableLaunch(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "address already in use") ||
		strings.Contains(s, "Address already in use") ||
		strings.Contains(s, "ZMQError") ||
		errors.Is(err, context.DeadlineExceeded)
}

func launchError(err error) error {
	return fmt.Errorf("kernel failed to start: %w "+
		"(check for stale kernel instances holding ports, exhausted ephemeral port range, "+
		"or a missing ipykernel package in the target environment)", err)
}

func (k *Kernel) prepareConnection(opts LaunchOptions) error {
	if opts.ConnectionFile != "" && k.conn == nil {
		ci, err := ReadConnectionFile(opts.ConnectionFile)
		if err != nil {
			return err
		}
		k.conn = ci
		k.ConnectionFile = opts.ConnectionFile
		return nil
	}
	ci, err := NewConnectionInfo()
	if err != nil {
		return err
	}
	path := filepath.Join(opts.RuntimeDir, fmt.Sprintf("kernel-%s.json", k.UUID))
	if err := ci.WriteFile(path); err != nil {
		return err
	}
	k.conn = ci
	k.ConnectionFile = path
	return nil
}

func (k *Kernel) spawn() error {
	cmd := exec.Command(k.interpreter, "-m", "ipykernel_launcher", "-f", k.ConnectionFile)
	cmd.Dir = k.workDir
	cmd.Env = childEnv(k.UUID, k.envRoot, k.interpreter)
	// Own process group so a kill sweeps the kernel's subprocess tree.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	stderr := newTailBuffer(8 * 1024)
	cmd.Stderr = stderr
	cmd.Stdout = stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start interpreter %s: %w", k.interpreter, err)
	}

	k.mu.Lock()
	k.cmd = cmd
	k.attachedPID = 0
	k.exit = nil
	k.exitCh = make(chan struct{})
	k.stderr = stderr
	exitCh := k.exitCh
	k.mu.Unlock()

	go k.monitor(cmd, exitCh)
	return nil
}

// monitor waits on the subprocess and records how it died. Exit code
// 137 and a SIGKILL both classify as probable OOM kills.
func (k *Kernel) monitor(cmd *exec.Cmd, exitCh chan struct{}) {
	err := cmd.Wait()
	status := &ExitStatus{At: time.Now(), Err: err}
	if ws, ok := cmd.ProcessState.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Code = 128 + int(ws.Signal())
		status.OOM = ws.Signal() == syscall.SIGKILL
	} else {
		status.Code = cmd.ProcessState.ExitCode()
		status.OOM = status.Code == 137
	}

	k.mu.Lock()
	// A restart may have replaced cmd; only record our own exit.
	if k.cmd == cmd {
		k.exit = status
	}
	k.mu.Unlock()
	close(exitCh)

	if status.Code != 0 {
		k.logger.Warn().Int("code", status.Code).Bool("oom", status.OOM).Msg("kernel process exited")
	}
}

// waitReady polls kernel_info until the kernel answers, the timeout
// lapses, or the process dies first.
func (k *Kernel) waitReady(ctx context.Context, timeout time.Duration) error {
	if k.client == nil {
		client, err := NewClient(k.conn, k.UUID)
		if err != nil {
			return err
		}
		k.client = client
	}
	deadline := time.Now().Add(timeout)
	for {
		probeCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
		_, err := k.client.KernelInfo(probeCtx)
		cancel()
		if err == nil {
			return nil
		}
		if exit := k.Exited(); exit != nil {
			return fmt.Errorf("kernel process died before ready (%s): %s", exit, k.stderrTail())
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("kernel not ready after %s: %w", timeout, context.DeadlineExceeded)
		}
		select {
		case <-time.After(readyPollEvery):
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// teardownAttempt kills a half-started kernel between launch retries.
// The connection file is discarded so the next attempt picks new ports.
func (k *Kernel) teardownAttempt() {
	k.killGroup()
	if k.client != nil {
		k.client.Close()
		k.client = nil
	}
	os.Remove(k.ConnectionFile)
	k.conn = nil
}

// Client returns the wire-protocol client.
func (k *Kernel) Client() *Client { return k.client }

// Connection returns the active connection info.
func (k *Kernel) Connection() *ConnectionInfo { return k.conn }

// PID returns the subprocess pid, 0 if not running.
func (k *Kernel) PID() int {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.cmd != nil && k.cmd.Process != nil {
		return k.cmd.Process.Pid
	}
	return k.attachedPID
}

// Env reports the environment provenance for this kernel.
func (k *Kernel) Env() types.EnvInfo {
	return types.EnvInfo{EnvName: k.envName, Interpreter: k.interpreter}
}

// StartedAt returns when the kernel became ready.
func (k *Kernel) StartedAt() time.Time { return k.startedAt }

// Exited returns the recorded exit status, nil while running.
func (k *Kernel) Exited() *ExitStatus {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.exit
}

// ExitChan closes when the current subprocess terminates.
func (k *Kernel) ExitChan() <-chan struct{} {
	k.mu.Lock()
	defer k.mu.Unlock()
	return k.exitCh
}

// Interrupt delivers the wire-protocol interrupt; if the control send
// fails it falls back to SIGINT on the process group.
func (k *Kernel) Interrupt(ctx context.Context) error {
	if k.client == nil {
		return ErrNotRunning
	}
	if err := k.client.Interrupt(ctx); err != nil {
		k.logger.Warn().Err(err).Msg("control interrupt failed, sending SIGINT")
		return k.signalGroup(syscall.SIGINT)
	}
	return nil
}

// Stop sends a graceful shutdown, waits out the grace window, then
// force-kills the process group.
func (k *Kernel) Stop(ctx context.Context) error {
	exitCh := k.ExitChan()
	if k.client != nil {
		if err := k.client.Shutdown(false); err != nil {
			k.logger.Debug().Err(err).Msg("graceful shutdown send failed")
		}
	}
	select {
	case <-exitCh:
	case <-time.After(stopGrace):
		k.logger.Warn().Int("pid", k.PID()).Msg("kernel ignored shutdown, killing process group")
		k.killGroup()
		select {
		case <-exitCh:
		case <-time.After(2 * time.Second):
		}
	case <-ctx.Done():
		k.killGroup()
	}
	if k.client != nil {
		k.client.Close()
		k.client = nil
	}
	k.stopPIDWatch()
	os.Remove(k.ConnectionFile)
	return nil
}

// Restart asks the kernel to exit for restart and relaunches it on the
// same connection file, preserving ports so the existing sockets
// reconnect. The client survives; callers clear their own in-memory
// execution state.
func (k *Kernel) Restart(ctx context.Context, readyTimeout time.Duration) error {
	exitCh := k.ExitChan()
	if k.client == nil {
		return ErrNotRunning
	}
	if err := k.client.Shutdown(true); err != nil {
		k.logger.Debug().Err(err).Msg("restart shutdown send failed")
	}
	select {
	case <-exitCh:
	case <-time.After(stopGrace):
		k.killGroup()
		select {
		case <-exitCh:
		case <-time.After(2 * time.Second):
			return fmt.Errorf("kernel would not exit for restart")
		}
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := k.spawn(); err != nil {
		return fmt.Errorf("failed to respawn kernel: %w", err)
	}
	if err := k.waitReady(ctx, readyTimeout); err != nil {
		return fmt.Errorf("restarted kernel not ready: %w", err)
	}
	k.startedAt = time.Now()
	k.logger.Info().Int("pid", k.PID()).Msg("kernel restarted")
	return nil
}

// ForceKill kills the process group without ceremony.
func (k *Kernel) ForceKill() {
	k.killGroup()
	if k.client != nil {
		k.client.Close()
		k.client = nil
	}
	k.stopPIDWatch()
}

func (k *Kernel) stopPIDWatch() {
	if k.watchStop == nil {
		return
	}
	k.watchOnce.Do(func() { close(k.watchStop) })
}

func (k *Kernel) killGroup() {
	_ = k.signalGroup(syscall.SIGKILL)
}

func (k *Kernel) signalGroup(sig syscall.Signal) error {
	pid := k.PID()
	if pid <= 0 {
		return ErrNotRunning
	}
	// Negative pid targets the whole process group.
	if err := syscall.Kill(-pid, sig); err != nil {
		return syscall.Kill(pid, sig)
	}
	return nil
}

func (k *Kernel) stderrTail() string {
	k.mu.Lock()
	defer k.mu.Unlock()
	if k.stderr == nil {
		return ""
	}
	return k.stderr.String()
}

// tailBuffer keeps the last max bytes written, for diagnostics.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf bytes.Buffer
}

func newTailBuffer(max int) *tailBuffer {
	return &tailBuffer{max: max}
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if t.buf.Len() > t.max {
		data := t.buf.Bytes()
		trimmed := make([]byte, t.max)
		copy(trimmed, data[len(data)-t.max:])
		t.buf.Reset()
		t.buf.Write(trimmed)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return strings.TrimSpace(t.buf.String())
}
