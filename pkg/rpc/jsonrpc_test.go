package rpc

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestResponseIDMarshalsNull(t *testing.T) {
	// A response to an unreadable request still carries an explicit
	// null id, per the protocol.
	data, err := json.Marshal(errorResponse(nil, CodeParseError, "parse error", nil))
	assert.NoError(t, err)
	assert.Contains(t, string(data), `"id":null`)
	assert.NotContains(t, string(data), `"result"`)
}

func TestNotificationHasNoID(t *testing.T) {
	data, err := json.Marshal(&Notification{
		JSONRPC: Version,
		Method:  "status",
		Params:  map[string]int{"cell_index": 1},
	})
	assert.NoError(t, err)
	assert.NotContains(t, string(data), `"id"`)
	assert.Contains(t, string(data), `"method":"status"`)
}

func TestErrorString(t *testing.T) {
	e := &Error{Code: CodeDomain, Message: "kernel cap reached"}
	assert.Equal(t, "jsonrpc error -32000: kernel cap reached", e.Error())
}

func TestErrorDataOmitsUnsetFields(t *testing.T) {
	data, err := json.Marshal(&ErrorData{Kind: "no_pending_input"})
	assert.NoError(t, err)
	assert.Contains(t, string(data), `"kind":"no_pending_input"`)
	assert.NotContains(t, string(data), "retry_after_seconds")
	assert.NotContains(t, string(data), "suggestion")
}
