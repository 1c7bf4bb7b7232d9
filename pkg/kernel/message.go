package kernel

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/go-zeromq/zmq4"
)

// ProtocolVersion is the Jupyter messaging protocol version we speak.
const ProtocolVersion = "5.3"

// Channel names, recorded on every decoded message.
const (
	ChannelShell   = "shell"
	ChannelIOPub   = "iopub"
	ChannelStdin   = "stdin"
	ChannelControl = "control"
)

// Inbound message types the multiplexer dispatches on. The set is
// closed; unknown types are logged and dropped.
const (
	MsgStatus        = "status"
	MsgStream        = "stream"
	MsgDisplayData   = "display_data"
	MsgExecuteResult = "execute_result"
	MsgError         = "error"
	MsgClearOutput   = "clear_output"
	MsgExecuteInput  = "execute_input"
	MsgExecuteReply  = "execute_reply"
	MsgInputRequest  = "input_request"
	MsgKernelInfoReply = "kernel_info_reply"
)

// Header is a Jupyter message header. The zero value doubles as the
// empty parent header.
type Header struct {
	MsgID    string `json:"msg_id"`
	Session  string `json:"session"`
	Username string `json:"username"`
	Date     string `json:"date"`
	MsgType  string `json:"msg_type"`
	Version  string `json:"version"`
}

// Message is one decoded wire-protocol message.
type Message struct {
	Header   Header
	Parent   Header
	Metadata map[string]interface{}
	Content  json.RawMessage
	Channel  string
}

// Type returns the message type from the header.
func (m *Message) Type() string { return m.Header.MsgType }

// ParentID identifies the request that caused this message. Empty for
// messages the kernel emits spontaneously (e.g. the starting status).
func (m *Message) ParentID() string { return m.Parent.MsgID }

// DecodeContent unmarshals the content payload into dst.
func (m *Message) DecodeContent(dst interface{}) error {
	if len(m.Content) == 0 {
		return nil
	}
	return json.Unmarshal(m.Content, dst)
}

// delimiter separates zmq routing frames from the signed payload.
var delimiter = []byte("<IDS|MSG>")

// wireCodec signs outbound and verifies inbound messages for one kernel
// connection.
type wireCodec struct {
	key     []byte
	session string
}

func newWireCodec(key, session string) *wireCodec {
	return &wireCodec{key: []byte(key), session: session}
}

// newMessage builds an outbound message of the given type.
func (c *wireCodec) newMessage(msgType string, content interface{}) (*Message, error) {
	raw, err := json.Marshal(content)
	if err != nil {
		return nil, fmt.Errorf("failed to encode %s content: %w", msgType, err)
	}
	return &Message{
		Header: Header{
			MsgID:    uuid.NewString(),
			Session:  c.session,
			Username: "hatchery",
			Date:     time.Now().UTC().Format(time.RFC3339),
			MsgType:  msgType,
			Version:  ProtocolVersion,
		},
		Content: raw,
	}, nil
}

func (c *wireCodec) sign(parts ...[]byte) string {
	mac := hmac.New(sha256.New, c.key)
	for _, p := range parts {
		mac.Write(p)
	}
	return hex.EncodeToString(mac.Sum(nil))
}

// encode serializes and signs a message into zmq frames. Client-side
// DEALER sockets prepend no routing envelope, so frames start at the
// delimiter.
func (c *wireCodec) encode(m *Message) (zmq4.Msg, error) {
	header, err := json.Marshal(m.Header)
	if err != nil {
		return zmq4.Msg{}, fmt.Errorf("failed to encode header: %w", err)
	}
	parent := []byte("{}")
	if m.Parent.MsgID != "" {
		if parent, err = json.Marshal(m.Parent); err != nil {
			return zmq4.Msg{}, fmt.Errorf("failed to encode parent header: %w", err)
		}
	}
	metadata := []byte("{}")
	if len(m.Metadata) > 0 {
		if metadata, err = json.Marshal(m.Metadata); err != nil {
			return zmq4.Msg{}, fmt.Errorf("failed to encode metadata: %w", err)
		}
	}
	content := []byte(m.Content)
	if len(content) == 0 {
		content = []byte("{}")
	}
	sig := []byte(c.sign(header, parent, metadata, content))
	return zmq4.NewMsgFrom(delimiter, sig, header, parent, metadata, content), nil
}

// decode parses zmq frames into a Message, verifying the signature.
// Routing frames before the delimiter (ROUTER identities, SUB topics)
// are skipped.
func (c *wireCodec) decode(frames [][]byte, channel string) (*Message, error) {
	start := -1
	for i, f := range frames {
		if string(f) == string(delimiter) {
			start = i
			break
		}
	}
	if start < 0 || len(frames) < start+6 {
		return nil, fmt.Errorf("malformed wire message on %s: %d frames, no delimiter", channel, len(frames))
	}
	sig := string(frames[start+1])
	header, parent, metadata, content := frames[start+2], frames[start+3], frames[start+4], frames[start+5]

	if len(c.key) > 0 {
		expect := c.sign(header, parent, metadata, content)
		if !hmac.Equal([]byte(expect), []byte(sig)) {
			return nil, fmt.Errorf("bad signature on %s message", channel)
		}
	}

	m := &Message{Channel: channel, Content: json.RawMessage(content)}
	if err := json.Unmarshal(header, &m.Header); err != nil {
		return nil, fmt.Errorf("failed to parse header: %w", err)
	}
	// Parent header is {} for kernel-initiated messages.
	if err := json.Unmarshal(parent, &m.Parent); err != nil {
		return nil, fmt.Errorf("failed to parse parent header: %w", err)
	}
	if len(metadata) > 2 {
		if err := json.Unmarshal(metadata, &m.Metadata); err != nil {
			return nil, fmt.Errorf("failed to parse metadata: %w", err)
		}
	}
	return m, nil
}
