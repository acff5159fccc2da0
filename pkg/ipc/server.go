package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/cccc-dev/cccc/pkg/kernel"
)

// Handler serves one request. The returned value becomes the response
// result; a returned error is mapped to its stable code.
type Handler func(ctx context.Context, req *Request, c *Conn) (any, error)

// Conn is the server side of one client connection. Stream handlers hijack
// it after writing their own handshake; the request loop then stops reading.
type Conn struct {
	id  string
	raw net.Conn
	r   *bufio.Reader

	wmu      sync.Mutex
	w        *bufio.Writer
	hijacked bool
}

// Reply writes a success response line. Stream handlers use it for the
// handshake before pushing frames.
func (c *Conn) Reply(result any) error {
	return c.writeLine(Response{V: Version, OK: true, Result: result})
}

// WriteFrame writes one stream frame line.
func (c *Conn) WriteFrame(f StreamFrame) error {
	return c.writeLine(f)
}

// Hijack hands the connection to the current handler. After the handler
// returns the connection is closed; no further requests are read.
func (c *Conn) Hijack() { c.hijacked = true }

// Raw exposes the underlying connection for byte-stream upgrades
// (terminal attach). Only valid after Hijack.
func (c *Conn) Raw() net.Conn { return c.raw }

// Reader returns the buffered reader. A terminal attach drains client
// keystrokes from here so bytes buffered during the handshake are not lost.
func (c *Conn) Reader() *bufio.Reader { return c.r }

func (c *Conn) writeLine(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal ipc line: %w", err)
	}
	c.wmu.Lock()
	defer c.wmu.Unlock()
	if _, err := c.w.Write(append(data, '\n')); err != nil {
		return err
	}
	return c.w.Flush()
}

// Options configures the server.
type Options struct {
	// SocketPath is the unix socket endpoint. When the socket cannot be
	// bound the server falls back to loopback TCP on an ephemeral port.
	SocketPath string

	// AddrFile is where the endpoint descriptor is written. Empty skips it.
	AddrFile string

	// Version is recorded in the descriptor.
	Version string

	// RequestTimeout bounds non-streaming requests. Zero means the default.
	RequestTimeout time.Duration
}

// Server accepts nl-JSON connections and dispatches ops to registered
// handlers. Requests on one connection are served in order.
type Server struct {
	opts     Options
	listener net.Listener
	addr     Addr

	mu      sync.Mutex
	ops     map[string]Handler
	streams map[string]bool
	conns   map[net.Conn]struct{}
	closed  bool

	wg sync.WaitGroup
}

// NewServer creates a server with an empty op table.
func NewServer(opts Options) *Server {
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = DefaultRequestTimeout
	}
	return &Server{
		opts:    opts,
		ops:     make(map[string]Handler),
		streams: make(map[string]bool),
		conns:   make(map[net.Conn]struct{}),
	}
}

// Register installs a request/response handler for an op.
func (s *Server) Register(op string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op] = h
}

// RegisterStream installs a streaming handler. Stream ops are exempt from
// the request timeout and are expected to hijack the connection.
func (s *Server) RegisterStream(op string, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ops[op] = h
	s.streams[op] = true
}

// Listen binds the endpoint and writes the descriptor file. A stale socket
// from a dead daemon is removed before binding.
func (s *Server) Listen() error {
	ln, addr, err := s.bind()
	if err != nil {
		return err
	}
	s.listener = ln
	s.addr = addr

	if s.opts.AddrFile != "" {
		if err := WriteAddr(s.opts.AddrFile, addr); err != nil {
			ln.Close()
			return err
		}
	}
	slog.Info("IPC server listening",
		"transport", addr.Transport, "path", addr.Path, "host", addr.Host, "port", addr.Port)
	return nil
}

func (s *Server) bind() (net.Listener, Addr, error) {
	if s.opts.SocketPath != "" {
		if _, err := os.Stat(s.opts.SocketPath); err == nil {
			// A live daemon still answers on it; a dead one left it behind.
			if c, err := net.DialTimeout("unix", s.opts.SocketPath, time.Second); err == nil {
				c.Close()
				return nil, Addr{}, fmt.Errorf("daemon already listening on %s", s.opts.SocketPath)
			}
			_ = os.Remove(s.opts.SocketPath)
		}
		ln, err := net.Listen("unix", s.opts.SocketPath)
		if err == nil {
			return ln, Addr{
				Transport: TransportUnix,
				Path:      s.opts.SocketPath,
				PID:       os.Getpid(),
				Version:   s.opts.Version,
			}, nil
		}
		slog.Warn("Unix socket unavailable, falling back to loopback TCP",
			"path", s.opts.SocketPath, "error", err)
	}
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, Addr{}, fmt.Errorf("bind ipc endpoint: %w", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	return ln, Addr{
		Transport: TransportTCP,
		Host:      "127.0.0.1",
		Port:      port,
		PID:       os.Getpid(),
		Version:   s.opts.Version,
	}, nil
}

// Addr returns the bound endpoint. Valid after Listen.
func (s *Server) Addr() Addr { return s.addr }

// Serve accepts connections until the context is canceled or Close is
// called.
func (s *Server) Serve(ctx context.Context) error {
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
			}
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("accept ipc connection: %w", err)
		}
		s.mu.Lock()
		if s.closed {
			s.mu.Unlock()
			conn.Close()
			return nil
		}
		s.conns[conn] = struct{}{}
		s.mu.Unlock()

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(ctx, conn)
		}()
	}
}

// Close stops the listener, closes open connections and removes the
// descriptor and socket files.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	conns := make([]net.Conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if s.listener != nil {
		s.listener.Close()
	}
	for _, c := range conns {
		c.Close()
	}
	s.wg.Wait()

	if s.opts.AddrFile != "" {
		RemoveAddr(s.opts.AddrFile)
	}
	if s.addr.Transport == TransportUnix {
		_ = os.Remove(s.addr.Path)
	}
}

func (s *Server) serveConn(ctx context.Context, raw net.Conn) {
	defer func() {
		raw.Close()
		s.mu.Lock()
		delete(s.conns, raw)
		s.mu.Unlock()
	}()

	c := &Conn{
		id:  uuid.NewString()[:8],
		raw: raw,
		r:   bufio.NewReaderSize(raw, 64<<10),
		w:   bufio.NewWriter(raw),
	}
	slog.Debug("IPC connection opened", "conn_id", c.id)
	for {
		line, err := readLine(c.r, MaxLineBytes)
		if err != nil {
			if errors.Is(err, errLineTooLong) {
				_ = c.writeLine(Response{V: Version, Error: kernel.New(
					kernel.CodeInvalidRequest, "request line exceeds size limit")})
			}
			return
		}
		if len(strings.TrimSpace(string(line))) == 0 {
			continue
		}

		var req Request
		if err := json.Unmarshal(line, &req); err != nil {
			_ = c.writeLine(Response{V: Version, Error: kernel.Newf(
				kernel.CodeInvalidRequest, "malformed request: %v", err)})
			return
		}
		if !s.dispatch(ctx, &req, c) {
			return
		}
	}
}

// dispatch runs one request; false means the connection is done.
func (s *Server) dispatch(ctx context.Context, req *Request, c *Conn) bool {
	s.mu.Lock()
	h, ok := s.ops[req.Op]
	stream := s.streams[req.Op]
	s.mu.Unlock()

	if !ok {
		_ = c.writeLine(Response{V: Version, Error: kernel.Newf(
			kernel.CodeUnknownOp, "unknown op %q", req.Op)})
		return true
	}

	hctx := ctx
	if !stream {
		var cancel context.CancelFunc
		hctx, cancel = context.WithTimeout(ctx, s.opts.RequestTimeout)
		defer cancel()
	}

	result, err := h(hctx, req, c)
	if c.hijacked {
		return false
	}
	if err != nil {
		ke := kernel.AsError(err)
		slog.Debug("IPC request failed",
			"conn_id", c.id, "op", req.Op, "code", ke.Code, "error", err)
		_ = c.writeLine(Response{V: Version, Error: ke})
		return true
	}
	if err := c.writeLine(Response{V: Version, OK: true, Result: result}); err != nil {
		return false
	}
	return true
}

var errLineTooLong = errors.New("line too long")

// readLine reads one \n-terminated line with a hard size cap. The cap maps
// to a transport error rather than silently truncating.
func readLine(r *bufio.Reader, max int) ([]byte, error) {
	var buf []byte
	for {
		chunk, err := r.ReadSlice('\n')
		buf = append(buf, chunk...)
		if len(buf) > max {
			return nil, errLineTooLong
		}
		if err == nil {
			return buf[:len(buf)-1], nil
		}
		if !errors.Is(err, bufio.ErrBufferFull) {
			return nil, err
		}
	}
}
