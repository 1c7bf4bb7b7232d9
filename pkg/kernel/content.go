package kernel

// Typed content payloads for the closed set of message types the server
// sends and receives. Field sets follow the messaging spec; fields we
// never read are omitted.

// ExecuteRequest asks the kernel to run code.
type ExecuteRequest struct {
	Code            string                 `json:"code"`
	Silent          bool                   `json:"silent"`
	StoreHistory    bool                   `json:"store_history"`
	UserExpressions map[string]interface{} `json:"user_expressions"`
	AllowStdin      bool                   `json:"allow_stdin"`
	StopOnError     bool                   `json:"stop_on_error"`
}

// ExecuteReply is the shell-channel reply to an execute request.
type ExecuteReply struct {
	Status         string `json:"status"`
	ExecutionCount int    `json:"execution_count"`
}

// StatusContent reports kernel execution state on iopub.
type StatusContent struct {
	ExecutionState string `json:"execution_state"`
}

// StreamContent is stdout/stderr text.
type StreamContent struct {
	Name string `json:"name"`
	Text string `json:"text"`
}

// DisplayDataContent carries a mime bundle.
type DisplayDataContent struct {
	Data     map[string]interface{} `json:"data"`
	Metadata map[string]interface{} `json:"metadata"`
}

// ExecuteResultContent is a mime bundle plus the kernel-assigned count.
type ExecuteResultContent struct {
	Data           map[string]interface{} `json:"data"`
	Metadata       map[string]interface{} `json:"metadata"`
	ExecutionCount int                    `json:"execution_count"`
}

// ErrorContent describes a raised exception.
type ErrorContent struct {
	Ename     string   `json:"ename"`
	Evalue    string   `json:"evalue"`
	Traceback []string `json:"traceback"`
}

// ClearOutputContent asks the frontend to clear displayed output.
type ClearOutputContent struct {
	Wait bool `json:"wait"`
}

// InputRequestContent asks the frontend for stdin input.
type InputRequestContent struct {
	Prompt   string `json:"prompt"`
	Password bool   `json:"password"`
}

// InputReply answers an input request on the stdin channel.
type InputReply struct {
	Value string `json:"value"`
}

// InterruptRequest is sent on the control channel.
type InterruptRequest struct{}

// ShutdownRequest asks the kernel to exit; with Restart the manager is
// expected to relaunch it on the same connection file.
type ShutdownRequest struct {
	Restart bool `json:"restart"`
}

// KernelInfoReply is the part of kernel_info_reply we inspect.
type KernelInfoReply struct {
	Status          string `json:"status"`
	ProtocolVersion string `json:"protocol_version"`
	Implementation  string `json:"implementation"`
	Banner          string `json:"banner"`
}
