package iomux

import (
	"context"
	"errors"
	"time"

	"github.com/nbforge/hatchery/pkg/kernel"
	"github.com/nbforge/hatchery/pkg/types"
)

// ErrNoPendingInput is returned by SubmitInput when the kernel has not
// asked for input.
var ErrNoPendingInput = errors.New("no pending input request")

// RunStdin watches the kernel's stdin channel. On an input_request it
// notifies subscribers and arms a timeout; if no client answers within
// the window, an empty string is sent to unblock the kernel, and if
// even that fails the kernel is interrupted.
func (m *Mux) RunStdin(ctx context.Context) {
	for {
		select {
		case <-m.stopCh:
			return
		case <-ctx.Done():
			return
		case d, ok := <-m.io.Stdin():
			if !ok {
				return
			}
			if d.Err != nil {
				m.logger.Warn().Err(d.Err).Msg("stdin drain failure")
				continue
			}
			if d.Msg.Type() != kernel.MsgInputRequest {
				continue
			}
			var c kernel.InputRequestContent
			if err := d.Msg.DecodeContent(&c); err != nil {
				m.logger.Warn().Err(err).Msg("bad input_request content")
				continue
			}
			m.armInputRequest(c)
		}
	}
}

func (m *Mux) armInputRequest(c kernel.InputRequestContent) {
	m.inputMu.Lock()
	m.inputPending = true
	if m.inputTimer != nil {
		m.inputTimer.Stop()
	}
	m.inputTimer = time.AfterFunc(m.inputTimeout, m.inputTimedOut)
	m.inputMu.Unlock()

	m.logger.Info().Str("prompt", c.Prompt).Bool("password", c.Password).Msg("kernel requested input")
	m.broker.InputRequest(m.notebookPath, types.InputRequestNotification{
		NotebookPath: m.notebookPath,
		Prompt:       c.Prompt,
		Password:     c.Password,
	})
}

// SubmitInput forwards client-provided text to a kernel blocked on
// input. Returns ErrNoPendingInput if nothing is waiting.
func (m *Mux) SubmitInput(text string) error {
	m.inputMu.Lock()
	if !m.inputPending {
		m.inputMu.Unlock()
		return ErrNoPendingInput
	}
	m.inputPending = false
	if m.inputTimer != nil {
		m.inputTimer.Stop()
		m.inputTimer = nil
	}
	m.inputMu.Unlock()

	return m.io.SendInputReply(text)
}

// AwaitingInput reports whether the kernel is blocked on an
// unanswered input_request.
func (m *Mux) AwaitingInput() bool {
	m.inputMu.Lock()
	defer m.inputMu.Unlock()
	return m.inputPending
}

// inputTimedOut unblocks a kernel nobody answered. An empty reply
// mirrors what pressing enter on an empty prompt would produce; when
// even the reply cannot be delivered the kernel is interrupted so the
// session does not hang forever.
func (m *Mux) inputTimedOut() {
	m.inputMu.Lock()
	if !m.inputPending {
		m.inputMu.Unlock()
		return
	}
	m.inputPending = false
	m.inputTimer = nil
	m.inputMu.Unlock()

	m.logger.Warn().Dur("timeout", m.inputTimeout).Msg("input request timed out, sending empty reply")
	if err := m.io.SendInputReply(""); err != nil {
		m.logger.Error().Err(err).Msg("empty input reply failed, interrupting kernel")
		interruptCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.io.Interrupt(interruptCtx); err != nil {
			m.logger.Error().Err(err).Msg("interrupt after input timeout failed")
		}
	}
}
