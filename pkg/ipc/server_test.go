package ipc

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cccc-dev/cccc/pkg/kernel"
	"github.com/cccc-dev/cccc/pkg/models"
)

func testServer(t *testing.T) (*Server, *Client) {
	t.Helper()
	dir := t.TempDir()
	s := NewServer(Options{
		SocketPath: filepath.Join(dir, "d.sock"),
		AddrFile:   filepath.Join(dir, "addr.json"),
		Version:    "test",
	})
	s.Register("ping", func(ctx context.Context, req *Request, c *Conn) (any, error) {
		return map[string]string{"pong": "ok"}, nil
	})
	require.NoError(t, s.Listen())

	ctx, cancel := context.WithCancel(context.Background())
	go s.Serve(ctx)
	t.Cleanup(func() {
		cancel()
		s.Close()
	})

	cl, err := DialFile(filepath.Join(dir, "addr.json"))
	require.NoError(t, err)
	t.Cleanup(func() { cl.Close() })
	return s, cl
}

func TestPingRoundTrip(t *testing.T) {
	_, cl := testServer(t)
	var out map[string]string
	require.NoError(t, cl.Call(context.Background(), "ping", nil, &out))
	assert.Equal(t, "ok", out["pong"])
}

func TestUnknownOp(t *testing.T) {
	_, cl := testServer(t)
	err := cl.Call(context.Background(), "nope", nil, nil)
	assert.Equal(t, kernel.CodeUnknownOp, kernel.CodeOf(err))
}

func TestCodedErrorSurvivesTheWire(t *testing.T) {
	s, cl := testServer(t)
	s.Register("boom", func(ctx context.Context, req *Request, c *Conn) (any, error) {
		return nil, kernel.New(kernel.CodeActorNotRunning, "fox is not running")
	})
	err := cl.Call(context.Background(), "boom", nil, nil)
	assert.Equal(t, kernel.CodeActorNotRunning, kernel.CodeOf(err))
	assert.Contains(t, err.Error(), "fox is not running")
}

func TestArgsDecode(t *testing.T) {
	s, cl := testServer(t)
	type echoArgs struct {
		Name string `json:"name"`
	}
	s.Register("echo", func(ctx context.Context, req *Request, c *Conn) (any, error) {
		var args echoArgs
		if err := req.DecodeArgs(&args); err != nil {
			return nil, err
		}
		return args, nil
	})

	var out echoArgs
	require.NoError(t, cl.Call(context.Background(), "echo", echoArgs{Name: "fox"}, &out))
	assert.Equal(t, "fox", out.Name)
}

func TestSequentialRequestsOnOneConnection(t *testing.T) {
	_, cl := testServer(t)
	for i := 0; i < 3; i++ {
		require.NoError(t, cl.Call(context.Background(), "ping", nil, nil))
	}
}

func TestStreamUpgrade(t *testing.T) {
	s, cl := testServer(t)
	s.RegisterStream("events_stream", func(ctx context.Context, req *Request, c *Conn) (any, error) {
		c.Hijack()
		if err := c.Reply(map[string]bool{"streaming": true}); err != nil {
			return nil, err
		}
		for i := 0; i < 2; i++ {
			ev := &models.Event{V: 1, ID: "01E", Kind: models.KindChatMessage}
			if err := c.WriteFrame(StreamFrame{T: FrameEvent, Event: ev}); err != nil {
				return nil, err
			}
		}
		return nil, c.WriteFrame(StreamFrame{T: FrameHeartbeat})
	})

	fr, err := cl.Stream(context.Background(), "events_stream", nil)
	require.NoError(t, err)

	got := []string{}
	for i := 0; i < 3; i++ {
		f, err := fr.Next()
		require.NoError(t, err)
		got = append(got, f.T)
	}
	assert.Equal(t, []string{FrameEvent, FrameEvent, FrameHeartbeat}, got)
}

func TestOversizedRequestRejected(t *testing.T) {
	_, cl := testServer(t)
	big := strings.Repeat("z", MaxLineBytes+16)
	err := cl.Call(context.Background(), "ping", map[string]string{"pad": big}, nil)
	assert.Error(t, err)
}

func TestRequestTimeout(t *testing.T) {
	dir := t.TempDir()
	s := NewServer(Options{
		SocketPath:     filepath.Join(dir, "d.sock"),
		RequestTimeout: 50 * time.Millisecond,
	})
	s.Register("slow", func(ctx context.Context, req *Request, c *Conn) (any, error) {
		select {
		case <-ctx.Done():
			return nil, kernel.New(kernel.CodeResourceError, "request timed out")
		case <-time.After(5 * time.Second):
			return "done", nil
		}
	})
	require.NoError(t, s.Listen())
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go s.Serve(ctx)
	defer s.Close()

	cl, err := Dial(&Addr{Transport: TransportUnix, Path: filepath.Join(dir, "d.sock")})
	require.NoError(t, err)
	defer cl.Close()

	err = cl.Call(context.Background(), "slow", nil, nil)
	assert.Equal(t, kernel.CodeResourceError, kernel.CodeOf(err))
}

func TestAddrDescriptor(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "addr.json")
	require.NoError(t, WriteAddr(path, Addr{
		Transport: TransportTCP, Host: "127.0.0.1", Port: 4321, PID: 42, Version: "v1",
	}))

	a, err := ReadAddr(path)
	require.NoError(t, err)
	network, address := a.Network()
	assert.Equal(t, "tcp", network)
	assert.Equal(t, "127.0.0.1:4321", address)

	// The descriptor stays valid JSON for non-Go consumers.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.EqualValues(t, 42, raw["pid"])

	RemoveAddr(path)
	_, err = ReadAddr(path)
	assert.Error(t, err)
}
