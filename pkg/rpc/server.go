package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/nbforge/hatchery/pkg/config"
	"github.com/nbforge/hatchery/pkg/events"
	"github.com/nbforge/hatchery/pkg/iomux"
	"github.com/nbforge/hatchery/pkg/log"
	"github.com/nbforge/hatchery/pkg/metrics"
	"github.com/nbforge/hatchery/pkg/scheduler"
	"github.com/nbforge/hatchery/pkg/session"
	"github.com/nbforge/hatchery/pkg/storage"
	"github.com/nbforge/hatchery/pkg/types"
)

// Server dispatches JSON-RPC requests to the session manager. One
// Server serves every transport; per-client state lives on Conn.
type Server struct {
	cfg    *config.Config
	mgr    *session.Manager
	broker *events.Broker
	logger zerolog.Logger
}

// NewServer builds the dispatch layer over a started manager.
func NewServer(cfg *config.Config, mgr *session.Manager, broker *events.Broker) *Server {
	return &Server{
		cfg:    cfg,
		mgr:    mgr,
		broker: broker,
		logger: log.WithComponent("rpc"),
	}
}

// Conn is one client connection, stdio or websocket. It owns the
// connection's subscriptions and serializes all outbound frames so
// responses and pushed notifications never interleave mid-frame.
type Conn struct {
	srv    *Server
	logger zerolog.Logger

	writeMu sync.Mutex
	sink    func([]byte) error

	subMu sync.Mutex
	subs  map[string]*events.Subscriber
	pumps sync.WaitGroup

	closeOnce sync.Once
}

// NewConn wires a transport's frame writer into a connection. The sink
// receives one complete JSON frame per call, without trailing newline.
func (s *Server) NewConn(sink func([]byte) error) *Conn {
	return &Conn{
		srv:    s,
		logger: s.logger,
		sink:   sink,
		subs:   make(map[string]*events.Subscriber),
	}
}

// HandleFrame processes one inbound frame and writes the response, if
// the request carried an id.
func (c *Conn) HandleFrame(ctx context.Context, raw []byte) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return
	}
	if raw[0] == '[' {
		c.writeJSON(errorResponse(nil, CodeInvalidRequest, "batch requests are not supported", nil))
		return
	}

	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		c.writeJSON(errorResponse(nil, CodeParseError, "parse error: "+err.Error(), nil))
		return
	}
	if req.JSONRPC != Version || req.Method == "" {
		c.writeJSON(errorResponse(req.ID, CodeInvalidRequest, "invalid request", nil))
		return
	}

	resp := c.dispatch(ctx, &req)
	if req.ID == nil {
		// Client notification, no response goes back.
		return
	}
	resp.ID = req.ID
	c.writeJSON(resp)
}

func (c *Conn) dispatch(ctx context.Context, req *Request) *Response {
	timer := metrics.NewTimer()
	resp := c.invoke(ctx, req)
	outcome := "ok"
	if resp.Error != nil {
		outcome = "error"
	}
	metrics.RPCRequestsTotal.WithLabelValues(req.Method, outcome).Inc()
	timer.ObserveDurationVec(metrics.RPCRequestDuration, req.Method)
	if resp.Error != nil {
		c.logger.Debug().
			Str("method", req.Method).
			Int("code", resp.Error.Code).
			Str("error", resp.Error.Message).
			Msg("request failed")
	}
	return resp
}

func (c *Conn) invoke(ctx context.Context, req *Request) *Response {
	switch req.Method {
	case "start_session":
		resp := c.srv.startSession(ctx, req.Params)
		if resp.Error == nil {
			c.subscribeCaller(req.Params)
		}
		return resp
	case "stop_session":
		return c.srv.stopSession(ctx, req.Params)
	case "restart_session":
		return c.srv.restartSession(ctx, req.Params)
	case "interrupt_session":
		return c.srv.interruptSession(ctx, req.Params)
	case "submit":
		resp := c.srv.submit(req.Params)
		if resp.Error == nil {
			c.subscribeCaller(req.Params)
		}
		return resp
	case "cancel_task":
		return c.srv.cancelTask(ctx, req.Params)
	case "submit_input":
		return c.srv.submitInput(req.Params)
	case "task_status":
		return c.srv.taskStatus(req.Params)
	case "detect_sync":
		return c.srv.detectSync(req.Params)
	case "resync":
		return c.srv.resync(req.Params)
	case "list_sessions":
		return c.srv.listSessions()
	case "notebook_flush":
		return c.srv.notebookFlush(req.Params)
	case "subscribe":
		return c.subscribe(req.Params)
	case "unsubscribe":
		return c.unsubscribe(req.Params)
	default:
		return errorResponse(nil, CodeMethodNotFound, fmt.Sprintf("method %q not found", req.Method), nil)
	}
}

// Close tears down the connection's subscriptions. Safe to call more
// than once; the transport calls it when the client goes away.
func (c *Conn) Close() {
	c.closeOnce.Do(func() {
		c.subMu.Lock()
		subs := c.subs
		c.subs = make(map[string]*events.Subscriber)
		c.subMu.Unlock()

		for filter, sub := range subs {
			c.srv.releaseSubscriber(filter, sub)
		}
		c.pumps.Wait()
	})
}

func (c *Conn) writeJSON(v interface{}) {
	data, err := json.Marshal(v)
	if err != nil {
		c.logger.Error().Err(err).Msg("response marshal failed")
		return
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if err := c.sink(data); err != nil {
		c.logger.Debug().Err(err).Msg("frame write failed")
	}
}

func (c *Conn) notify(method string, payload interface{}) {
	c.writeJSON(&Notification{JSONRPC: Version, Method: method, Params: payload})
}

// subscribe streams notifications for one notebook (or all, when the
// path is empty) to this connection until unsubscribe or disconnect.
func (c *Conn) subscribe(params json.RawMessage) *Response {
	var p struct {
		NotebookPath string `json:"notebook_path"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return invalidParams(err)
	}
	filter := ""
	if p.NotebookPath != "" {
		path, err := session.CanonicalPath(p.NotebookPath)
		if err != nil {
			return invalidParams(err)
		}
		filter = path
	}
	c.addSubscription(filter)
	return resultResponse(nil, map[string]bool{"subscribed": true})
}

// addSubscription registers a broker subscription for this connection
// and starts its pump. A duplicate filter is a no-op.
func (c *Conn) addSubscription(filter string) {
	c.subMu.Lock()
	defer c.subMu.Unlock()
	if _, ok := c.subs[filter]; ok {
		return
	}
	sub := c.srv.broker.Subscribe(filter)
	c.subs[filter] = sub

	c.pumps.Add(1)
	go func() {
		defer c.pumps.Done()
		for n := range sub.Ch() {
			c.notify(n.Method, n.Payload)
		}
	}()
}

// subscribeCaller implicitly subscribes the connection to a notebook it
// started or submitted to.
func (c *Conn) subscribeCaller(params json.RawMessage) {
	var p struct {
		NotebookPath string `json:"notebook_path"`
	}
	if json.Unmarshal(params, &p) != nil || p.NotebookPath == "" {
		return
	}
	path, err := session.CanonicalPath(p.NotebookPath)
	if err != nil {
		return
	}
	c.addSubscription(path)
}

func (c *Conn) unsubscribe(params json.RawMessage) *Response {
	var p struct {
		NotebookPath string `json:"notebook_path"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return invalidParams(err)
	}
	filter := ""
	if p.NotebookPath != "" {
		path, err := session.CanonicalPath(p.NotebookPath)
		if err != nil {
			return invalidParams(err)
		}
		filter = path
	}

	c.subMu.Lock()
	sub, ok := c.subs[filter]
	if ok {
		delete(c.subs, filter)
	}
	c.subMu.Unlock()
	if !ok {
		return invalidParams(fmt.Errorf("no subscription for %q", p.NotebookPath))
	}
	c.srv.releaseSubscriber(filter, sub)
	return resultResponse(nil, map[string]bool{"subscribed": false})
}

// releaseSubscriber drops one subscriber and, when it was the last for
// its notebook, lands any deferred notebook writes.
func (s *Server) releaseSubscriber(filter string, sub *events.Subscriber) {
	remaining := s.broker.Unsubscribe(sub)
	if filter == "" || remaining > 0 {
		return
	}
	if err := s.mgr.FlushNotebook(filter); err != nil {
		s.logger.Warn().Err(err).Str("notebook", filter).Msg("flush after last unsubscribe failed")
	}
}

type ackResult struct {
	OK bool `json:"ok"`
}

func (s *Server) startSession(ctx context.Context, params json.RawMessage) *Response {
	var p struct {
		NotebookPath   string `json:"notebook_path"`
		EnvRoot        string `json:"env_root"`
		TimeoutSeconds int    `json:"timeout_seconds"`
		AgentID        string `json:"agent_id"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return invalidParams(err)
	}
	if p.NotebookPath == "" {
		return invalidParams(errors.New("notebook_path is required"))
	}
	opts := session.StartOptions{
		EnvRoot: p.EnvRoot,
		AgentID: p.AgentID,
	}
	if p.TimeoutSeconds > 0 {
		opts.ReadyTimeout = time.Duration(p.TimeoutSeconds) * time.Second
	}
	info, err := s.mgr.StartSession(ctx, p.NotebookPath, opts)
	if err != nil {
		return domainError(err)
	}
	return resultResponse(nil, info)
}

func (s *Server) stopSession(ctx context.Context, params json.RawMessage) *Response {
	var p struct {
		NotebookPath  string `json:"notebook_path"`
		CleanupAssets bool   `json:"cleanup_assets"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return invalidParams(err)
	}
	if p.NotebookPath == "" {
		return invalidParams(errors.New("notebook_path is required"))
	}
	if err := s.mgr.StopSession(ctx, p.NotebookPath, p.CleanupAssets); err != nil {
		return domainError(err)
	}
	return resultResponse(nil, ackResult{OK: true})
}

func (s *Server) restartSession(ctx context.Context, params json.RawMessage) *Response {
	var p struct {
		NotebookPath string `json:"notebook_path"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return invalidParams(err)
	}
	if p.NotebookPath == "" {
		return invalidParams(errors.New("notebook_path is required"))
	}
	info, err := s.mgr.RestartSession(ctx, p.NotebookPath)
	if err != nil {
		return domainError(err)
	}
	return resultResponse(nil, info)
}

func (s *Server) interruptSession(ctx context.Context, params json.RawMessage) *Response {
	var p struct {
		NotebookPath string `json:"notebook_path"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return invalidParams(err)
	}
	if p.NotebookPath == "" {
		return invalidParams(errors.New("notebook_path is required"))
	}
	if err := s.mgr.InterruptSession(ctx, p.NotebookPath); err != nil {
		return domainError(err)
	}
	return resultResponse(nil, ackResult{OK: true})
}

func (s *Server) submit(params json.RawMessage) *Response {
	var p struct {
		NotebookPath string `json:"notebook_path"`
		CellIndex    *int   `json:"cell_index"`
		Code         string `json:"code"`
		TaskID       string `json:"task_id"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return invalidParams(err)
	}
	if p.NotebookPath == "" {
		return invalidParams(errors.New("notebook_path is required"))
	}
	if p.CellIndex == nil {
		return invalidParams(errors.New("cell_index is required (-1 submits scratch code)"))
	}
	taskID, err := s.mgr.Submit(p.NotebookPath, *p.CellIndex, p.Code, p.TaskID)
	if err != nil {
		return domainError(err)
	}
	return resultResponse(nil, map[string]string{"task_id": taskID})
}

func (s *Server) cancelTask(ctx context.Context, params json.RawMessage) *Response {
	var p struct {
		NotebookPath string `json:"notebook_path"`
		TaskID       string `json:"task_id"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return invalidParams(err)
	}
	if p.NotebookPath == "" {
		return invalidParams(errors.New("notebook_path is required"))
	}
	status, err := s.mgr.CancelTask(ctx, p.NotebookPath, p.TaskID)
	if err != nil {
		return domainError(err)
	}
	return resultResponse(nil, map[string]interface{}{"ok": true, "status": status})
}

func (s *Server) submitInput(params json.RawMessage) *Response {
	var p struct {
		NotebookPath string `json:"notebook_path"`
		Text         string `json:"text"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return invalidParams(err)
	}
	if p.NotebookPath == "" {
		return invalidParams(errors.New("notebook_path is required"))
	}
	if err := s.mgr.SubmitInput(p.NotebookPath, p.Text); err != nil {
		return domainError(err)
	}
	return resultResponse(nil, ackResult{OK: true})
}

func (s *Server) taskStatus(params json.RawMessage) *Response {
	var p struct {
		NotebookPath string `json:"notebook_path"`
		TaskID       string `json:"task_id"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return invalidParams(err)
	}
	if p.NotebookPath == "" || p.TaskID == "" {
		return invalidParams(errors.New("notebook_path and task_id are required"))
	}
	info, err := s.mgr.TaskStatus(p.NotebookPath, p.TaskID)
	if err != nil {
		return domainError(err)
	}
	return resultResponse(nil, info)
}

func (s *Server) detectSync(params json.RawMessage) *Response {
	var p struct {
		NotebookPath string            `json:"notebook_path"`
		BufferHashes map[string]string `json:"buffer_hashes"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return invalidParams(err)
	}
	if p.NotebookPath == "" {
		return invalidParams(errors.New("notebook_path is required"))
	}
	hashes := make(map[int]string, len(p.BufferHashes))
	for key, hash := range p.BufferHashes {
		idx, err := strconv.Atoi(key)
		if err != nil || idx < 0 {
			return invalidParams(fmt.Errorf("buffer_hashes key %q is not a cell index", key))
		}
		hashes[idx] = hash
	}
	report, err := s.mgr.DetectSync(p.NotebookPath, hashes)
	if err != nil {
		return domainError(err)
	}
	return resultResponse(nil, report)
}

func (s *Server) resync(params json.RawMessage) *Response {
	var p struct {
		NotebookPath string `json:"notebook_path"`
		Strategy     string `json:"strategy"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return invalidParams(err)
	}
	if p.NotebookPath == "" {
		return invalidParams(errors.New("notebook_path is required"))
	}
	strategy := types.SyncStrategy(p.Strategy)
	if p.Strategy == "" {
		strategy = types.SyncSmart
	}
	if !strategy.Valid() {
		return invalidParams(fmt.Errorf("unknown strategy %q", p.Strategy))
	}
	report, err := s.mgr.Resync(p.NotebookPath, strategy)
	if err != nil {
		return domainError(err)
	}
	return resultResponse(nil, report)
}

func (s *Server) listSessions() *Response {
	return resultResponse(nil, map[string]interface{}{"sessions": s.mgr.ListSessions()})
}

func (s *Server) notebookFlush(params json.RawMessage) *Response {
	var p struct {
		NotebookPath string `json:"notebook_path"`
	}
	if err := unmarshalParams(params, &p); err != nil {
		return invalidParams(err)
	}
	if p.NotebookPath == "" {
		return invalidParams(errors.New("notebook_path is required"))
	}
	if err := s.mgr.FlushNotebook(p.NotebookPath); err != nil {
		return domainError(err)
	}
	return resultResponse(nil, ackResult{OK: true})
}

func unmarshalParams(params json.RawMessage, v interface{}) error {
	if len(params) == 0 {
		return nil
	}
	if err := json.Unmarshal(params, v); err != nil {
		return fmt.Errorf("malformed params: %w", err)
	}
	return nil
}

func invalidParams(err error) *Response {
	return errorResponse(nil, CodeInvalidParams, err.Error(), nil)
}

// domainError maps operational failures onto the wire. Caller mistakes
// (unknown session, bad cell index) come back as invalid params;
// transient resource limits come back retryable with a suggestion.
func domainError(err error) *Response {
	switch {
	case errors.Is(err, session.ErrInvalid):
		return errorResponse(nil, CodeInvalidParams, err.Error(), nil)
	case errors.Is(err, session.ErrNoSession):
		return errorResponse(nil, CodeInvalidParams, err.Error(), &ErrorData{
			Kind:       "no_session",
			Suggestion: "call start_session for this notebook first",
		})
	case errors.Is(err, session.ErrKernelCapReached):
		return errorResponse(nil, CodeDomain, err.Error(), &ErrorData{
			Kind:              "kernel_cap",
			Retryable:         true,
			RetryAfterSeconds: 30,
			Suggestion:        "stop an idle session (list_sessions shows candidates) or raise MAX_CONCURRENT_KERNELS",
		})
	case errors.Is(err, session.ErrNotReady):
		return errorResponse(nil, CodeDomain, err.Error(), &ErrorData{
			Kind:              "not_ready",
			Retryable:         true,
			RetryAfterSeconds: 2,
			Suggestion:        "the session is starting, restarting, or stopping; retry shortly",
		})
	case errors.Is(err, scheduler.ErrQueueFull):
		return errorResponse(nil, CodeDomain, err.Error(), &ErrorData{
			Kind:              "queue_full",
			Retryable:         true,
			RetryAfterSeconds: 5,
			Suggestion:        "wait for queued tasks to finish or cancel some",
		})
	case errors.Is(err, iomux.ErrNoPendingInput):
		return errorResponse(nil, CodeDomain, err.Error(), &ErrorData{
			Kind: "no_pending_input",
		})
	case errors.Is(err, storage.ErrNotFound):
		return errorResponse(nil, CodeInvalidParams, err.Error(), &ErrorData{
			Kind: "not_found",
		})
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return errorResponse(nil, CodeDomain, err.Error(), &ErrorData{
			Kind:      "deadline",
			Retryable: true,
		})
	default:
		return errorResponse(nil, CodeInternal, err.Error(), nil)
	}
}
