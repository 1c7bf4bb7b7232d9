package kernel

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-zeromq/zmq4"
	"github.com/rs/zerolog"

	"github.com/nbforge/hatchery/pkg/log"
)

// Delivery is one item from an inbound channel pump: a decoded message
// or the receive/decode error that took its place.
type Delivery struct {
	Msg *Message
	Err error
}

// pumpErrorLimit stops a pump after this many consecutive socket
// failures; the consumer's circuit breaker observes the closed channel.
const pumpErrorLimit = 5

// Client speaks the Jupyter wire protocol to one kernel over four
// ZeroMQ sockets. Inbound iopub and stdin traffic is pumped into
// channels; shell and control replies are routed to waiting callers by
// parent message id. Sockets reconnect automatically, so the client
// survives a kernel restart on the same connection file.
type Client struct {
	conn    *ConnectionInfo
	codec   *wireCodec
	session string
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shell   zmq4.Socket
	control zmq4.Socket
	stdin   zmq4.Socket
	iopub   zmq4.Socket

	shellMu   sync.Mutex
	controlMu sync.Mutex
	stdinMu   sync.Mutex

	iopubCh chan Delivery
	stdinCh chan Delivery

	pendingMu sync.Mutex
	pending   map[string]chan *Message

	closeOnce sync.Once
}

// NewClient dials all four channels described by conn. The session id
// becomes the zmq identity and the session field of outbound headers.
func NewClient(conn *ConnectionInfo, sessionID string) (*Client, error) {
	ctx, cancel := context.WithCancel(context.Background())
	c := &Client{
		conn:        conn,
		codec:       newWireCodec(conn.Key, sessionID),
		session:     sessionID,
		logger:      log.WithComponent("kernel-client").With().Str("session", sessionID).Logger(),
		ctx:         ctx,
		cancel:      cancel,
		iopubCh:     make(chan Delivery, 1024),
		stdinCh:     make(chan Delivery, 16),
		pending:     map[string]chan *Message{},
	}

	id := zmq4.SocketIdentity(sessionID)
	c.shell = zmq4.NewDealer(ctx, zmq4.WithID(id), zmq4.WithAutomaticReconnect(true))
	c.control = zmq4.NewDealer(ctx, zmq4.WithID(id), zmq4.WithAutomaticReconnect(true))
	c.stdin = zmq4.NewDealer(ctx, zmq4.WithID(id), zmq4.WithAutomaticReconnect(true))
	c.iopub = zmq4.NewSub(ctx, zmq4.WithAutomaticReconnect(true))

	dials := []struct {
		sock zmq4.Socket
		port int
		name string
	}{
		{c.shell, conn.ShellPort, ChannelShell},
		{c.control, conn.ControlPort, ChannelControl},
		{c.stdin, conn.StdinPort, ChannelStdin},
		{c.iopub, conn.IOPubPort, ChannelIOPub},
	}
	for _, d := range dials {
		if err := d.sock.Dial(conn.endpoint(d.port)); err != nil {
			c.Close()
			return nil, fmt.Errorf("failed to dial %s channel: %w", d.name, err)
		}
	}
	if err := c.iopub.SetOption(zmq4.OptionSubscribe, ""); err != nil {
		c.Close()
		return nil, fmt.Errorf("failed to subscribe iopub: %w", err)
	}

	c.wg.Add(4)
	go c.pump(c.iopub, ChannelIOPub, c.iopubCh)
	go c.pump(c.stdin, ChannelStdin, c.stdinCh)
	go c.replyLoop(c.shell, ChannelShell)
	go c.replyLoop(c.control, ChannelControl)
	return c, nil
}

// IOPub returns the iopub delivery channel. Closed when the client shuts
// down or the socket fails persistently.
func (c *Client) IOPub() <-chan Delivery { return c.iopubCh }

// Stdin returns the stdin-channel delivery channel.
func (c *Client) Stdin() <-chan Delivery { return c.stdinCh }

// SessionID returns the client session identifier.
func (c *Client) SessionID() string { return c.session }

// pump drains one socket into ch. Decode failures are forwarded as
// Delivery errors; after pumpErrorLimit consecutive socket failures the
// channel is closed and the pump exits.
func (c *Client) pump(sock zmq4.Socket, channel string, ch chan Delivery) {
	defer c.wg.Done()
	defer close(ch)
	consecutive := 0
	for {
		raw, err := sock.Recv()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			consecutive++
			if consecutive >= pumpErrorLimit {
				c.logger.Error().Err(err).Str("channel", channel).Msg("channel receive failing persistently, stopping pump")
				return
			}
			select {
			case ch <- Delivery{Err: fmt.Errorf("%s receive: %w", channel, err)}:
			case <-c.ctx.Done():
				return
			}
			continue
		}
		consecutive = 0
		msg, err := c.codec.decode(raw.Frames, channel)
		if err != nil {
			select {
			case ch <- Delivery{Err: err}:
			case <-c.ctx.Done():
				return
			}
			continue
		}
		select {
		case ch <- Delivery{Msg: msg}:
		case <-c.ctx.Done():
			return
		}
	}
}

// replyLoop drains a request/reply socket, handing each reply to the
// caller waiting on its parent id. Unclaimed replies are dropped.
func (c *Client) replyLoop(sock zmq4.Socket, channel string) {
	defer c.wg.Done()
	for {
		raw, err := sock.Recv()
		if err != nil {
			if c.ctx.Err() != nil {
				return
			}
			c.logger.Debug().Err(err).Str("channel", channel).Msg("reply receive failed")
			select {
			case <-time.After(100 * time.Millisecond):
			case <-c.ctx.Done():
				return
			}
			continue
		}
		msg, err := c.codec.decode(raw.Frames, channel)
		if err != nil {
			c.logger.Warn().Err(err).Str("channel", channel).Msg("dropping undecodable reply")
			continue
		}
		c.pendingMu.Lock()
		ch, ok := c.pending[msg.ParentID()]
		if ok {
			delete(c.pending, msg.ParentID())
		}
		c.pendingMu.Unlock()
		if ok {
			ch <- msg
		} else {
			c.logger.Debug().Str("channel", channel).Str("msg_type", msg.Type()).Msg("unclaimed reply")
		}
	}
}

func (c *Client) addPending(msgID string) chan *Message {
	ch := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[msgID] = ch
	c.pendingMu.Unlock()
	return ch
}

func (c *Client) removePending(msgID string) {
	c.pendingMu.Lock()
	delete(c.pending, msgID)
	c.pendingMu.Unlock()
}

func (c *Client) send(sock zmq4.Socket, mu *sync.Mutex, m *Message) error {
	z, err := c.codec.encode(m)
	if err != nil {
		return err
	}
	mu.Lock()
	defer mu.Unlock()
	return sock.SendMulti(z)
}

// Execute submits code on the shell channel and returns the
// kernel-assigned message id that all resulting output will carry as
// its parent id. Silent executions skip history and the counter.
func (c *Client) Execute(code string, silent bool) (string, error) {
	m, err := c.codec.newMessage("execute_request", &ExecuteRequest{
		Code:            code,
		Silent:          silent,
		StoreHistory:    !silent,
		UserExpressions: map[string]interface{}{},
		AllowStdin:      true,
		StopOnError:     false,
	})
	if err != nil {
		return "", err
	}
	if err := c.send(c.shell, &c.shellMu, m); err != nil {
		return "", fmt.Errorf("failed to send execute request: %w", err)
	}
	return m.Header.MsgID, nil
}

// KernelInfo round-trips a kernel_info_request on the shell channel and
// returns the observed latency. Used both for the ready wait and as the
// health probe.
func (c *Client) KernelInfo(ctx context.Context) (time.Duration, error) {
	m, err := c.codec.newMessage("kernel_info_request", struct{}{})
	if err != nil {
		return 0, err
	}
	replyCh := c.addPending(m.Header.MsgID)
	defer c.removePending(m.Header.MsgID)

	start := time.Now()
	if err := c.send(c.shell, &c.shellMu, m); err != nil {
		return 0, fmt.Errorf("failed to send kernel info request: %w", err)
	}
	select {
	case <-replyCh:
		return time.Since(start), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	case <-c.ctx.Done():
		return 0, fmt.Errorf("client closed")
	}
}

// SendInputReply answers a pending input_request.
func (c *Client) SendInputReply(value string) error {
	m, err := c.codec.newMessage("input_reply", &InputReply{Value: value})
	if err != nil {
		return err
	}
	if err := c.send(c.stdin, &c.stdinMu, m); err != nil {
		return fmt.Errorf("failed to send input reply: %w", err)
	}
	return nil
}

// Interrupt sends interrupt_request on the control channel. Success
// means the signal was delivered; the caller observes the resulting
// state transition through iopub.
func (c *Client) Interrupt(ctx context.Context) error {
	m, err := c.codec.newMessage("interrupt_request", &InterruptRequest{})
	if err != nil {
		return err
	}
	replyCh := c.addPending(m.Header.MsgID)
	defer c.removePending(m.Header.MsgID)
	if err := c.send(c.control, &c.controlMu, m); err != nil {
		return fmt.Errorf("failed to send interrupt request: %w", err)
	}
	// The reply is advisory; a busy kernel may answer only after the
	// interrupt takes effect.
	select {
	case <-replyCh:
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
	}
	return nil
}

// Shutdown sends shutdown_request on the control channel. The exit
// monitor observes the process actually terminating.
func (c *Client) Shutdown(restart bool) error {
	m, err := c.codec.newMessage("shutdown_request", &ShutdownRequest{Restart: restart})
	if err != nil {
		return err
	}
	if err := c.send(c.control, &c.controlMu, m); err != nil {
		return fmt.Errorf("failed to send shutdown request: %w", err)
	}
	return nil
}

// Close tears down all sockets and waits for the pumps to exit.
func (c *Client) Close() error {
	c.closeOnce.Do(func() {
		c.cancel()
		for _, s := range []zmq4.Socket{c.shell, c.control, c.stdin, c.iopub} {
			if s != nil {
				s.Close()
			}
		}
	})
	c.wg.Wait()
	return nil
}
