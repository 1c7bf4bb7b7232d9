package types

import "github.com/nbforge/hatchery/pkg/notebook"

// Notification method names pushed to subscribers as JSON-RPC
// notifications (requests without an id).
const (
	NotifyOutput           = "output"
	NotifyStatus           = "status"
	NotifyInputRequest     = "input_request"
	NotifyLinearityWarning = "linearity_warning"
)

// OutputNotification streams one output to subscribers. CumulativeIndex
// is the 1-based position in the task's full output history; clients
// index by it because clear_output can shrink the current list.
type OutputNotification struct {
	NotebookPath    string           `json:"notebook_path"`
	TaskID          string           `json:"task_id"`
	CellIndex       int              `json:"cell_index"`
	Output          *notebook.Output `json:"output,omitempty"`
	CumulativeIndex int              `json:"cumulative_index"`
	Coalesced       int              `json:"coalesced,omitempty"`
}

// StatusNotification announces task status transitions. Never throttled.
type StatusNotification struct {
	NotebookPath   string     `json:"notebook_path"`
	TaskID         string     `json:"task_id"`
	CellIndex      int        `json:"cell_index"`
	Status         TaskStatus `json:"status"`
	ExecutionCount int        `json:"execution_count,omitempty"`
	ErrorMessage   string     `json:"error_message,omitempty"`
}

// InputRequestNotification asks connected clients for stdin input.
type InputRequestNotification struct {
	NotebookPath string `json:"notebook_path"`
	Prompt       string `json:"prompt"`
	Password     bool   `json:"password"`
}

// LinearityWarningNotification is the non-fatal advisory emitted when a
// cell is executed after a later cell has already run.
type LinearityWarningNotification struct {
	NotebookPath     string `json:"notebook_path"`
	CellIndex        int    `json:"cell_index"`
	MaxExecutedIndex int    `json:"max_executed_index"`
	Message          string `json:"message"`
}
