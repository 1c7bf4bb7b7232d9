package kernel

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExitStatusString(t *testing.T) {
	var running *ExitStatus
	assert.Equal(t, "running", running.String())

	assert.Equal(t, "exit 1", (&ExitStatus{Code: 1}).String())
	assert.Equal(t, "killed (exit 137, likely out of memory)",
		(&ExitStatus{Code: 137, OOM: true}).String())
}

func TestTailBufferKeepsOnlyTail(t *testing.T) {
	tb := newTailBuffer(16)
	n, err := tb.Write([]byte("0123456789"))
	assert.NoError(t, err)
	assert.Equal(t, 10, n)

	_, err = tb.Write([]byte("abcdefghij"))
	assert.NoError(t, err)
	assert.Equal(t, "456789abcdefghij", tb.String())
}

func TestTailBufferUnderLimit(t *testing.T) {
	tb := newTailBuffer(64)
	_, err := tb.Write([]byte("Traceback: boom\n"))
	assert.NoError(t, err)
	assert.Equal(t, "Traceback: boom", tb.String())
}
