package kernel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewConnectionInfo(t *testing.T) {
	ci, err := NewConnectionInfo()
	assert.NoError(t, err)

	ports := map[int]bool{
		ci.ShellPort: true, ci.IOPubPort: true, ci.StdinPort: true,
		ci.ControlPort: true, ci.HBPort: true,
	}
	assert.Len(t, ports, 5, "ports must be distinct")

	assert.Equal(t, "127.0.0.1", ci.IP)
	assert.Equal(t, "tcp", ci.Transport)
	assert.Equal(t, SignatureScheme, ci.SignatureScheme)
	assert.NotEmpty(t, ci.Key)
	assert.NoError(t, ci.Validate())
}

func TestConnectionFileRoundTrip(t *testing.T) {
	ci, err := NewConnectionInfo()
	assert.NoError(t, err)

	path := filepath.Join(t.TempDir(), "kernel-test.json")
	assert.NoError(t, ci.WriteFile(path))

	info, err := os.Stat(path)
	assert.NoError(t, err)
	// The file carries the signing key, so it must stay owner-only.
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	got, err := ReadConnectionFile(path)
	assert.NoError(t, err)
	assert.Equal(t, ci, got)
}

func TestReadConnectionFileMissing(t *testing.T) {
	_, err := ReadConnectionFile(filepath.Join(t.TempDir(), "nope.json"))
	assert.Error(t, err)
}

func TestReadConnectionFileGarbage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.json")
	assert.NoError(t, os.WriteFile(path, []byte("{oops"), 0o600))
	_, err := ReadConnectionFile(path)
	assert.Error(t, err)
}

func TestConnectionInfoValidate(t *testing.T) {
	base := func() *ConnectionInfo {
		return &ConnectionInfo{
			ShellPort: 5001, IOPubPort: 5002, StdinPort: 5003, ControlPort: 5004, HBPort: 5005,
			IP: "127.0.0.1", Key: "k", Transport: "tcp", SignatureScheme: SignatureScheme,
		}
	}
	tests := []struct {
		name   string
		mutate func(*ConnectionInfo)
		ok     bool
	}{
		{"valid", func(ci *ConnectionInfo) {}, true},
		{"optional fields empty", func(ci *ConnectionInfo) { ci.Transport = ""; ci.SignatureScheme = "" }, true},
		{"zero shell port", func(ci *ConnectionInfo) { ci.ShellPort = 0 }, false},
		{"port out of range", func(ci *ConnectionInfo) { ci.IOPubPort = 70000 }, false},
		{"missing ip", func(ci *ConnectionInfo) { ci.IP = "" }, false},
		{"missing key", func(ci *ConnectionInfo) { ci.Key = "" }, false},
		{"unsupported scheme", func(ci *ConnectionInfo) { ci.SignatureScheme = "hmac-sha1" }, false},
		{"unsupported transport", func(ci *ConnectionInfo) { ci.Transport = "ipc" }, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ci := base()
			tt.mutate(ci)
			err := ci.Validate()
			if tt.ok {
				assert.NoError(t, err)
			} else {
				assert.Error(t, err)
			}
		})
	}
}
