package kernel

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/nbforge/hatchery/pkg/log"
	"github.com/nbforge/hatchery/pkg/types"
)

const attachProbeTimeout = 10 * time.Second

// Attach reconstructs a kernel handle around a subprocess that survived
// a server restart. The connection file still names live ports, so a
// fresh client dials straight in; a kernel_info round trip proves the
// kernel is actually answering before the handle is handed out.
func Attach(ctx context.Context, desc *types.SessionDescriptor) (*Kernel, error) {
	ci, err := ReadConnectionFile(desc.ConnectionFile)
	if err != nil {
		return nil, fmt.Errorf("attach: %w", err)
	}
	if err := ci.Validate(); err != nil {
		return nil, fmt.Errorf("attach: %w", err)
	}

	k := &Kernel{
		UUID:           desc.KernelUUID,
		ConnectionFile: desc.ConnectionFile,
		conn:           ci,
		interpreter:    desc.Env.Interpreter,
		envName:        desc.Env.EnvName,
		envRoot:        deriveEnvRoot(desc.Env),
		workDir:        filepath.Dir(desc.NotebookPath),
		attachedPID:    desc.KernelPID,
		exitCh:         make(chan struct{}),
		watchStop:      make(chan struct{}),
		logger: log.WithComponent("kernel").With().
			Str("notebook", desc.NotebookPath).
			Bool("attached", true).
			Logger(),
	}

	client, err := NewClient(ci, k.UUID)
	if err != nil {
		return nil, fmt.Errorf("attach: %w", err)
	}
	k.client = client

	probeCtx, cancel := context.WithTimeout(ctx, attachProbeTimeout)
	defer cancel()
	latency, err := client.KernelInfo(probeCtx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("attach: kernel pid %d not answering: %w", desc.KernelPID, err)
	}

	k.startedAt = desc.CreatedAt
	go k.watchAttachedPID()
	k.logger.Info().Int("pid", desc.KernelPID).Dur("latency", latency).Msg("re-attached to surviving kernel")
	return k, nil
}

// deriveEnvRoot reverses the interpreter layout: <env>/bin/python3
// belongs to env root <env>. System interpreters have no root.
func deriveEnvRoot(env types.EnvInfo) string {
	if env.EnvName == "" || env.EnvName == "system" {
		return ""
	}
	return filepath.Dir(filepath.Dir(env.Interpreter))
}

// watchAttachedPID polls process liveness for kernels without a child
// handle to wait on, feeding the same exit channel launched kernels get
// from cmd.Wait.
func (k *Kernel) watchAttachedPID() {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if PIDAlive(k.attachedPID) {
				continue
			}
			k.mu.Lock()
			exitCh := k.exitCh
			if k.exit == nil {
				k.exit = &ExitStatus{Code: -1, At: time.Now()}
			}
			k.mu.Unlock()
			close(exitCh)
			k.logger.Warn().Int("pid", k.attachedPID).Msg("attached kernel process exited")
			return
		case <-k.watchStop:
			return
		}
	}
}
