package client

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gorilla/websocket"

	"github.com/nbforge/hatchery/pkg/rpc"
	"github.com/nbforge/hatchery/pkg/types"
)

// Client speaks JSON-RPC to a hatchery server over a websocket. Safe
// for concurrent use; responses are matched to calls by id.
type Client struct {
	conn *websocket.Conn

	writeMu sync.Mutex

	mu      sync.Mutex
	pending map[int64]chan *inbound
	closed  bool
	readErr error

	nextID   atomic.Int64
	notifyCh chan *Notification
	dropped  atomic.Int64
	done     chan struct{}
}

// Notification is a server push forwarded to Notifications().
type Notification struct {
	Method string
	Params json.RawMessage
}

// inbound covers both responses and notifications on the wire; a
// non-empty Method marks a notification.
type inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  json.RawMessage `json:"result"`
	Error   *rpc.Error      `json:"error"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params"`
}

// Dial connects to a server. addr takes "host:port" or a full ws://
// URL; a non-empty token rides along as the auth query parameter.
func Dial(ctx context.Context, addr, token string) (*Client, error) {
	if !strings.Contains(addr, "://") {
		addr = "ws://" + addr
	}
	u, err := url.Parse(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid server address %q: %w", addr, err)
	}
	if token != "" {
		q := u.Query()
		q.Set("token", token)
		u.RawQuery = q.Encode()
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to %s: %w", u.Host, err)
	}

	c := &Client{
		conn:     conn,
		pending:  make(map[int64]chan *inbound),
		notifyCh: make(chan *Notification, 256),
		done:     make(chan struct{}),
	}
	go c.readLoop()
	return c, nil
}

// Close tears down the connection. In-flight calls fail.
func (c *Client) Close() error {
	err := c.conn.Close()
	<-c.done
	return err
}

// Notifications returns the stream of server pushes. The channel closes
// when the connection does; a slow consumer loses notifications rather
// than stalling the protocol.
func (c *Client) Notifications() <-chan *Notification {
	return c.notifyCh
}

// Dropped reports notifications discarded because Notifications() was
// not drained fast enough.
func (c *Client) Dropped() int64 {
	return c.dropped.Load()
}

func (c *Client) readLoop() {
	defer close(c.done)
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			c.failPending(err)
			close(c.notifyCh)
			return
		}
		var msg inbound
		if err := json.Unmarshal(data, &msg); err != nil {
			continue
		}
		if msg.Method != "" {
			select {
			case c.notifyCh <- &Notification{Method: msg.Method, Params: msg.Params}:
			default:
				c.dropped.Add(1)
			}
			continue
		}
		id, err := strconv.ParseInt(string(msg.ID), 10, 64)
		if err != nil {
			continue
		}
		c.mu.Lock()
		ch := c.pending[id]
		delete(c.pending, id)
		c.mu.Unlock()
		if ch != nil {
			ch <- &msg
		}
	}
}

func (c *Client) failPending(err error) {
	c.mu.Lock()
	c.closed = true
	c.readErr = err
	pending := c.pending
	c.pending = make(map[int64]chan *inbound)
	c.mu.Unlock()
	for _, ch := range pending {
		close(ch)
	}
}

func (c *Client) call(ctx context.Context, method string, params, result interface{}) error {
	id := c.nextID.Add(1)
	req := &rpc.Request{
		JSONRPC: rpc.Version,
		ID:      json.RawMessage(strconv.FormatInt(id, 10)),
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshaling params: %w", err)
		}
		req.Params = raw
	}
	frame, err := json.Marshal(req)
	if err != nil {
		return err
	}

	ch := make(chan *inbound, 1)
	c.mu.Lock()
	if c.closed {
		readErr := c.readErr
		c.mu.Unlock()
		return fmt.Errorf("connection closed: %w", readErr)
	}
	c.pending[id] = ch
	c.mu.Unlock()

	c.writeMu.Lock()
	err = c.conn.WriteMessage(websocket.TextMessage, frame)
	c.writeMu.Unlock()
	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return fmt.Errorf("sending %s: %w", method, err)
	}

	select {
	case <-ctx.Done():
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			c.mu.Lock()
			readErr := c.readErr
			c.mu.Unlock()
			return fmt.Errorf("connection closed: %w", readErr)
		}
		if resp.Error != nil {
			return resp.Error
		}
		if result != nil && len(resp.Result) > 0 {
			if err := json.Unmarshal(resp.Result, result); err != nil {
				return fmt.Errorf("decoding %s result: %w", method, err)
			}
		}
		return nil
	}
}

// StartOptions carries optional start_session parameters.
type StartOptions struct {
	EnvRoot        string
	TimeoutSeconds int
	AgentID        string
}

// StartSession starts (or finds) the session for a notebook.
func (c *Client) StartSession(ctx context.Context, notebookPath string, opts StartOptions) (*types.SessionInfo, error) {
	params := map[string]interface{}{"notebook_path": notebookPath}
	if opts.EnvRoot != "" {
		params["env_root"] = opts.EnvRoot
	}
	if opts.TimeoutSeconds > 0 {
		params["timeout_seconds"] = opts.TimeoutSeconds
	}
	if opts.AgentID != "" {
		params["agent_id"] = opts.AgentID
	}
	var info types.SessionInfo
	if err := c.call(ctx, "start_session", params, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// StopSession stops a session, optionally deleting its offloaded assets.
func (c *Client) StopSession(ctx context.Context, notebookPath string, cleanupAssets bool) error {
	return c.call(ctx, "stop_session", map[string]interface{}{
		"notebook_path":  notebookPath,
		"cleanup_assets": cleanupAssets,
	}, nil)
}

// RestartSession restarts a session's kernel in place.
func (c *Client) RestartSession(ctx context.Context, notebookPath string) (*types.SessionInfo, error) {
	var info types.SessionInfo
	err := c.call(ctx, "restart_session", map[string]string{"notebook_path": notebookPath}, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// InterruptSession interrupts the running execution.
func (c *Client) InterruptSession(ctx context.Context, notebookPath string) error {
	return c.call(ctx, "interrupt_session", map[string]string{"notebook_path": notebookPath}, nil)
}

// Submit queues one cell execution and returns its task id.
func (c *Client) Submit(ctx context.Context, notebookPath string, cellIndex int, code, taskID string) (string, error) {
	params := map[string]interface{}{
		"notebook_path": notebookPath,
		"cell_index":    cellIndex,
		"code":          code,
	}
	if taskID != "" {
		params["task_id"] = taskID
	}
	var result struct {
		TaskID string `json:"task_id"`
	}
	if err := c.call(ctx, "submit", params, &result); err != nil {
		return "", err
	}
	return result.TaskID, nil
}

// CancelTask cancels a task; an empty id targets the running one.
func (c *Client) CancelTask(ctx context.Context, notebookPath, taskID string) (types.TaskStatus, error) {
	params := map[string]string{"notebook_path": notebookPath}
	if taskID != "" {
		params["task_id"] = taskID
	}
	var result struct {
		Status types.TaskStatus `json:"status"`
	}
	if err := c.call(ctx, "cancel_task", params, &result); err != nil {
		return "", err
	}
	return result.Status, nil
}

// SubmitInput answers a pending input_request prompt.
func (c *Client) SubmitInput(ctx context.Context, notebookPath, text string) error {
	return c.call(ctx, "submit_input", map[string]string{
		"notebook_path": notebookPath,
		"text":          text,
	}, nil)
}

// TaskStatus fetches a task's current state.
func (c *Client) TaskStatus(ctx context.Context, notebookPath, taskID string) (*types.TaskStatusInfo, error) {
	var info types.TaskStatusInfo
	err := c.call(ctx, "task_status", map[string]string{
		"notebook_path": notebookPath,
		"task_id":       taskID,
	}, &info)
	if err != nil {
		return nil, err
	}
	return &info, nil
}

// DetectSync reports cells whose source drifted from their outputs.
func (c *Client) DetectSync(ctx context.Context, notebookPath string, bufferHashes map[int]string) (*types.SyncReport, error) {
	params := map[string]interface{}{"notebook_path": notebookPath}
	if len(bufferHashes) > 0 {
		hashes := make(map[string]string, len(bufferHashes))
		for idx, h := range bufferHashes {
			hashes[strconv.Itoa(idx)] = h
		}
		params["buffer_hashes"] = hashes
	}
	var report types.SyncReport
	if err := c.call(ctx, "detect_sync", params, &report); err != nil {
		return nil, err
	}
	return &report, nil
}

// Resync re-executes the cells the strategy selects.
func (c *Client) Resync(ctx context.Context, notebookPath string, strategy types.SyncStrategy) (*types.ResyncReport, error) {
	var report types.ResyncReport
	err := c.call(ctx, "resync", map[string]string{
		"notebook_path": notebookPath,
		"strategy":      string(strategy),
	}, &report)
	if err != nil {
		return nil, err
	}
	return &report, nil
}

// ListSessions fetches every live session's summary.
func (c *Client) ListSessions(ctx context.Context) ([]*types.SessionInfo, error) {
	var result struct {
		Sessions []*types.SessionInfo `json:"sessions"`
	}
	if err := c.call(ctx, "list_sessions", nil, &result); err != nil {
		return nil, err
	}
	return result.Sessions, nil
}

// Subscribe streams notifications for one notebook, or all notebooks
// when the path is empty. Read them from Notifications().
func (c *Client) Subscribe(ctx context.Context, notebookPath string) error {
	params := map[string]string{}
	if notebookPath != "" {
		params["notebook_path"] = notebookPath
	}
	return c.call(ctx, "subscribe", params, nil)
}

// Unsubscribe ends a subscription started by Subscribe.
func (c *Client) Unsubscribe(ctx context.Context, notebookPath string) error {
	params := map[string]string{}
	if notebookPath != "" {
		params["notebook_path"] = notebookPath
	}
	return c.call(ctx, "unsubscribe", params, nil)
}

// NotebookFlush forces any deferred notebook writes to land.
func (c *Client) NotebookFlush(ctx context.Context, notebookPath string) error {
	return c.call(ctx, "notebook_flush", map[string]string{"notebook_path": notebookPath}, nil)
}
