// Package ipc implements the daemon's local control surface: newline-delimited
// JSON over a unix socket (loopback TCP where sockets are unavailable), with
// an endpoint descriptor file for discovery and two streaming upgrades.
package ipc

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/cccc-dev/cccc/pkg/kernel"
	"github.com/cccc-dev/cccc/pkg/models"
)

// Version is the request/response envelope version.
const Version = 1

const (
	// DefaultRequestTimeout bounds every non-streaming request.
	DefaultRequestTimeout = 60 * time.Second

	// MaxLineBytes caps a single request line. Oversized payloads belong in
	// blobs, not the control channel.
	MaxLineBytes = 1 << 20

	// HeartbeatInterval paces keepalive frames on event streams.
	HeartbeatInterval = 15 * time.Second
)

// Transports recorded in the endpoint descriptor.
const (
	TransportUnix = "unix"
	TransportTCP  = "tcp"
)

// Request is one line from the client.
type Request struct {
	V    int             `json:"v"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// DecodeArgs unmarshals the request args into v. Missing args decode into
// the zero value so handlers validate fields, not presence.
func (r *Request) DecodeArgs(v any) error {
	if len(r.Args) == 0 {
		return nil
	}
	if err := json.Unmarshal(r.Args, v); err != nil {
		return kernel.Newf(kernel.CodeInvalidRequest, "malformed args for %s: %v", r.Op, err)
	}
	return nil
}

// Response is one line back to the client.
type Response struct {
	V      int           `json:"v"`
	OK     bool          `json:"ok"`
	Result any           `json:"result,omitempty"`
	Error  *kernel.Error `json:"error,omitempty"`
}

// Stream frame types pushed after an events_stream handshake.
const (
	FrameEvent     = "event"
	FrameHeartbeat = "heartbeat"
)

// StreamFrame is one pushed frame on an upgraded event stream.
type StreamFrame struct {
	T     string        `json:"t"`
	Event *models.Event `json:"event,omitempty"`
}

// Addr is the endpoint descriptor persisted at daemon/addr.json so ports and
// CLIs can find a running daemon without configuration.
type Addr struct {
	Transport string `json:"transport"`
	Path      string `json:"path,omitempty"`
	Host      string `json:"host,omitempty"`
	Port      int    `json:"port,omitempty"`
	PID       int    `json:"pid"`
	Version   string `json:"version"`
}

// Network returns the net.Dial network and address for this endpoint.
func (a *Addr) Network() (network, address string) {
	if a.Transport == TransportUnix {
		return "unix", a.Path
	}
	return "tcp", fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// WriteAddr persists the descriptor atomically.
func WriteAddr(path string, addr Addr) error {
	data, err := json.MarshalIndent(addr, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal addr descriptor: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create daemon dir: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write addr descriptor: %w", err)
	}
	return os.Rename(tmp, path)
}

// ReadAddr loads the descriptor.
func ReadAddr(path string) (*Addr, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read addr descriptor: %w", err)
	}
	var a Addr
	if err := json.Unmarshal(data, &a); err != nil {
		return nil, fmt.Errorf("parse addr descriptor %s: %w", path, err)
	}
	return &a, nil
}

// RemoveAddr deletes the descriptor on clean shutdown. Missing is fine.
func RemoveAddr(path string) {
	_ = os.Remove(path)
}
