package rpc

import (
	"encoding/json"
	"fmt"
)

// Version is the only protocol version the server speaks.
const Version = "2.0"

// JSON-RPC 2.0 error codes. Protocol failures use the standard range;
// operational failures share CodeDomain and carry an ErrorData payload.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternal       = -32603
	CodeDomain         = -32000
)

// Request is one inbound JSON-RPC call. A nil ID marks a client
// notification, which gets no response.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is one outbound reply. Exactly one of Result and Error is
// set; the ID echoes the request's (null when it was unreadable).
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id"`
	Result  interface{}     `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Notification is a server-push message: a call with no id.
type Notification struct {
	JSONRPC string      `json:"jsonrpc"`
	Method  string      `json:"method"`
	Params  interface{} `json:"params"`
}

// Error is the JSON-RPC error member.
type Error struct {
	Code    int         `json:"code"`
	Message string      `json:"message"`
	Data    interface{} `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// ErrorData rides on CodeDomain errors so callers can react without
// parsing message text.
type ErrorData struct {
	Kind              string `json:"kind"`
	Retryable         bool   `json:"retryable"`
	RetryAfterSeconds int    `json:"retry_after_seconds,omitempty"`
	Suggestion        string `json:"suggestion,omitempty"`
}

func resultResponse(id json.RawMessage, result interface{}) *Response {
	return &Response{JSONRPC: Version, ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string, data interface{}) *Response {
	return &Response{JSONRPC: Version, ID: id, Error: &Error{Code: code, Message: message, Data: data}}
}
