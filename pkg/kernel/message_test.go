package kernel

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestWireCodecRoundTrip(t *testing.T) {
	codec := newWireCodec("secret-key", "sess-1")

	msg, err := codec.newMessage("execute_request", map[string]interface{}{
		"code":   "print('hi')",
		"silent": false,
	})
	assert.NoError(t, err)
	msg.Parent = Header{MsgID: "parent-1", MsgType: "execute_request"}
	msg.Metadata = map[string]interface{}{"trusted": true}

	wire, err := codec.encode(msg)
	assert.NoError(t, err)
	// delimiter, signature, header, parent, metadata, content
	assert.Len(t, wire.Frames, 6)
	assert.Equal(t, string(delimiter), string(wire.Frames[0]))

	got, err := codec.decode(wire.Frames, ChannelShell)
	assert.NoError(t, err)
	assert.Equal(t, msg.Header.MsgID, got.Header.MsgID)
	assert.Equal(t, "execute_request", got.Type())
	assert.Equal(t, "parent-1", got.ParentID())
	assert.Equal(t, ChannelShell, got.Channel)
	assert.Equal(t, true, got.Metadata["trusted"])

	var content struct {
		Code string `json:"code"`
	}
	assert.NoError(t, got.DecodeContent(&content))
	assert.Equal(t, "print('hi')", content.Code)
}

func TestWireCodecRejectsTamperedContent(t *testing.T) {
	codec := newWireCodec("secret-key", "sess-1")
	msg, err := codec.newMessage("execute_request", map[string]string{"code": "x = 1"})
	assert.NoError(t, err)

	wire, err := codec.encode(msg)
	assert.NoError(t, err)
	wire.Frames[5] = []byte(`{"code":"tampered"}`)

	_, err = codec.decode(wire.Frames, ChannelShell)
	if assert.Error(t, err) {
		assert.Contains(t, err.Error(), "bad signature")
	}
}

func TestWireCodecSkipsRoutingFrames(t *testing.T) {
	codec := newWireCodec("secret-key", "sess-1")
	msg, err := codec.newMessage("status", map[string]string{"execution_state": "idle"})
	assert.NoError(t, err)

	wire, err := codec.encode(msg)
	assert.NoError(t, err)
	// ROUTER identities and SUB topics ride ahead of the delimiter.
	frames := append([][]byte{[]byte("router-identity"), []byte("status")}, wire.Frames...)

	got, err := codec.decode(frames, ChannelIOPub)
	assert.NoError(t, err)
	assert.Equal(t, "status", got.Type())
}

func TestWireCodecEmptyKeySkipsVerification(t *testing.T) {
	signed := newWireCodec("secret-key", "sess-1")
	msg, err := signed.newMessage("status", map[string]string{"execution_state": "busy"})
	assert.NoError(t, err)

	wire, err := signed.encode(msg)
	assert.NoError(t, err)
	wire.Frames[5] = []byte(`{"execution_state":"idle"}`)

	open := newWireCodec("", "sess-1")
	got, err := open.decode(wire.Frames, ChannelIOPub)
	assert.NoError(t, err)

	var content struct {
		ExecutionState string `json:"execution_state"`
	}
	assert.NoError(t, got.DecodeContent(&content))
	assert.Equal(t, "idle", content.ExecutionState)
}

func TestWireCodecMalformedFrames(t *testing.T) {
	codec := newWireCodec("secret-key", "sess-1")

	_, err := codec.decode([][]byte{[]byte("no-delimiter-here")}, ChannelShell)
	assert.Error(t, err)

	msg, err := codec.newMessage("status", nil)
	assert.NoError(t, err)
	wire, err := codec.encode(msg)
	assert.NoError(t, err)

	// Delimiter present but the payload frames are truncated.
	_, err = codec.decode(wire.Frames[:4], ChannelShell)
	assert.Error(t, err)
}

func TestNewMessageFillsHeader(t *testing.T) {
	codec := newWireCodec("secret-key", "sess-1")
	msg, err := codec.newMessage("kernel_info_request", struct{}{})
	assert.NoError(t, err)

	assert.NotEmpty(t, msg.Header.MsgID)
	assert.Equal(t, "sess-1", msg.Header.Session)
	assert.Equal(t, "hatchery", msg.Header.Username)
	assert.Equal(t, "kernel_info_request", msg.Header.MsgType)
	assert.Equal(t, ProtocolVersion, msg.Header.Version)

	_, err = time.Parse(time.RFC3339, msg.Header.Date)
	assert.NoError(t, err)
}

func TestDecodeContentEmpty(t *testing.T) {
	m := &Message{}
	var dst map[string]interface{}
	assert.NoError(t, m.DecodeContent(&dst))
	assert.Nil(t, dst)
	assert.Empty(t, m.ParentID())
}
