package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nbforge/hatchery/pkg/log"
	"github.com/nbforge/hatchery/pkg/types"
)

const probeTimeout = 5 * time.Second

// Prober periodically round-trips kernel_info to distinguish a healthy
// kernel from a wedged one. A kernel whose process is alive but which
// stops answering within the timeout is reported unresponsive; only
// process death is treated as dead.
type Prober struct {
	kernel   *Kernel
	interval time.Duration
	logger   zerolog.Logger

	mu   sync.RWMutex
	last types.HealthStatus

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// NewProber creates a prober for the given kernel.
func NewProber(k *Kernel, interval time.Duration) *Prober {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	return &Prober{
		kernel:   k,
		interval: interval,
		logger:   log.WithComponent("health"),
		stopCh:   make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Run probes until Stop is called or the context ends. The first check
// fires immediately so status is available right after startup.
func (p *Prober) Run(ctx context.Context) {
	defer close(p.done)

	p.probe(ctx)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.probe(ctx)
		case <-p.stopCh:
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop halts the probe loop and waits for it to exit.
func (p *Prober) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.done
}

// Last returns the most recent health observation.
func (p *Prober) Last() types.HealthStatus {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.last
}

func (p *Prober) probe(ctx context.Context) {
	status := p.Check(ctx)
	p.mu.Lock()
	p.last = status
	p.mu.Unlock()

	if !status.Alive {
		p.logger.Warn().Str("error", status.Error).Msg("kernel process dead")
	} else if !status.Responsive {
		p.logger.Warn().Str("error", status.Error).Msg("kernel unresponsive")
	} else {
		p.logger.Debug().Dur("latency", status.Latency).Msg("kernel healthy")
	}
}

// Check performs one health probe.
func (p *Prober) Check(ctx context.Context) types.HealthStatus {
	status := types.HealthStatus{CheckedAt: time.Now().UTC()}

	if exit := p.kernel.Exited(); exit != nil {
		status.Error = exit.String()
		return status
	}
	status.Alive = true

	client := p.kernel.Client()
	if client == nil {
		status.Error = "no client"
		return status
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()
	latency, err := client.KernelInfo(probeCtx)
	if err != nil {
		// Alive but not answering: unresponsive, likely executing a
		// long-running cell or wedged in native code.
		status.Error = "kernel_info timed out"
		return status
	}
	status.Responsive = true
	status.Latency = latency
	return status
}
