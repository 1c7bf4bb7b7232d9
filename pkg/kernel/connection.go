package kernel

import (
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/google/uuid"
)

// SignatureScheme is the only message signing scheme this client speaks.
const SignatureScheme = "hmac-sha256"

// ConnectionInfo is the standard Jupyter connection file: five ZeroMQ
// endpoints plus the HMAC key kernels use to sign every message.
type ConnectionInfo struct {
	ShellPort       int    `json:"shell_port"`
	IOPubPort       int    `json:"iopub_port"`
	StdinPort       int    `json:"stdin_port"`
	ControlPort     int    `json:"control_port"`
	HBPort          int    `json:"hb_port"`
	IP              string `json:"ip"`
	Key             string `json:"key"`
	Transport       string `json:"transport"`
	SignatureScheme string `json:"signature_scheme"`
	KernelName      string `json:"kernel_name,omitempty"`
}

// NewConnectionInfo picks five free loopback ports and a fresh signing
// key. The ports are released before the kernel binds them, so a rare
// collision window exists; launch retries with fresh ports cover it.
func NewConnectionInfo() (*ConnectionInfo, error) {
	ports, err := pickPorts(5)
	if err != nil {
		return nil, err
	}
	return &ConnectionInfo{
		ShellPort:       ports[0],
		IOPubPort:       ports[1],
		StdinPort:       ports[2],
		ControlPort:     ports[3],
		HBPort:          ports[4],
		IP:              "127.0.0.1",
		Key:             uuid.NewString(),
		Transport:       "tcp",
		SignatureScheme: SignatureScheme,
		KernelName:      "python3",
	}, nil
}

func pickPorts(n int) ([]int, error) {
	ports := make([]int, 0, n)
	listeners := make([]net.Listener, 0, n)
	defer func() {
		for _, l := range listeners {
			l.Close()
		}
	}()
	for i := 0; i < n; i++ {
		l, err := net.Listen("tcp4", "127.0.0.1:0")
		if err != nil {
			return nil, fmt.Errorf("failed to reserve ephemeral port: %w", err)
		}
		listeners = append(listeners, l)
		ports = append(ports, l.Addr().(*net.TCPAddr).Port)
	}
	return ports, nil
}

// WriteFile persists the connection info where the kernel will read it.
func (ci *ConnectionInfo) WriteFile(path string) error {
	raw, err := json.MarshalIndent(ci, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode connection info: %w", err)
	}
	// The file carries the signing key; keep it owner-only.
	if err := os.WriteFile(path, raw, 0o600); err != nil {
		return fmt.Errorf("failed to write connection file: %w", err)
	}
	return nil
}

// ReadConnectionFile loads and validates a connection file.
func ReadConnectionFile(path string) (*ConnectionInfo, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read connection file: %w", err)
	}
	ci := &ConnectionInfo{}
	if err := json.Unmarshal(raw, ci); err != nil {
		return nil, fmt.Errorf("failed to parse connection file %s: %w", path, err)
	}
	if err := ci.Validate(); err != nil {
		return nil, fmt.Errorf("connection file %s: %w", path, err)
	}
	return ci, nil
}

// Validate checks the fields a client needs to dial the kernel.
func (ci *ConnectionInfo) Validate() error {
	for name, port := range map[string]int{
		"shell": ci.ShellPort, "iopub": ci.IOPubPort, "stdin": ci.StdinPort, "control": ci.ControlPort,
	} {
		if port <= 0 || port > 65535 {
			return fmt.Errorf("invalid %s port %d", name, port)
		}
	}
	if ci.IP == "" {
		return fmt.Errorf("missing ip")
	}
	if ci.Key == "" {
		return fmt.Errorf("missing signing key")
	}
	if ci.SignatureScheme != "" && ci.SignatureScheme != SignatureScheme {
		return fmt.Errorf("unsupported signature scheme %q", ci.SignatureScheme)
	}
	if ci.Transport != "" && ci.Transport != "tcp" {
		return fmt.Errorf("unsupported transport %q", ci.Transport)
	}
	return nil
}

func (ci *ConnectionInfo) endpoint(port int) string {
	return fmt.Sprintf("tcp://%s:%d", ci.IP, port)
}
