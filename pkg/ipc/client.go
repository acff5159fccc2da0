package ipc

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"time"
)

// Client is a minimal nl-JSON client used by ports, the attach tooling and
// tests. One connection, requests in order.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to the endpoint described by an Addr.
func Dial(addr *Addr) (*Client, error) {
	network, address := addr.Network()
	return DialEndpoint(network, address)
}

// DialFile reads the descriptor file and connects.
func DialFile(addrFile string) (*Client, error) {
	addr, err := ReadAddr(addrFile)
	if err != nil {
		return nil, err
	}
	return Dial(addr)
}

// DialEndpoint connects to an explicit network endpoint.
func DialEndpoint(network, address string) (*Client, error) {
	conn, err := net.DialTimeout(network, address, 5*time.Second)
	if err != nil {
		return nil, fmt.Errorf("dial daemon: %w", err)
	}
	return &Client{conn: conn, r: bufio.NewReaderSize(conn, 64<<10)}, nil
}

// Call sends one request and decodes the response result into out (when out
// is non-nil). A daemon-side error comes back as the coded error.
func (c *Client) Call(ctx context.Context, op string, args, out any) error {
	resp, err := c.roundTrip(ctx, op, args)
	if err != nil {
		return err
	}
	if resp.Error != nil {
		return resp.Error
	}
	if out == nil || resp.Result == nil {
		return nil
	}
	data, err := json.Marshal(resp.Result)
	if err != nil {
		return fmt.Errorf("re-encode result: %w", err)
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode %s result: %w", op, err)
	}
	return nil
}

// Stream sends an upgrade request and, after a successful handshake, returns
// a frame reader. The connection is dedicated to the stream afterwards.
func (c *Client) Stream(ctx context.Context, op string, args any) (*FrameReader, error) {
	resp, err := c.roundTrip(ctx, op, args)
	if err != nil {
		return nil, err
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return &FrameReader{r: c.r}, nil
}

// Conn exposes the raw connection for terminal attach after a handshake.
func (c *Client) Conn() net.Conn { return c.conn }

// Reader exposes the buffered read side, which may hold bytes received
// right after a handshake.
func (c *Client) Reader() *bufio.Reader { return c.r }

// Close closes the connection.
func (c *Client) Close() error { return c.conn.Close() }

func (c *Client) roundTrip(ctx context.Context, op string, args any) (*Response, error) {
	var raw json.RawMessage
	if args != nil {
		data, err := json.Marshal(args)
		if err != nil {
			return nil, fmt.Errorf("marshal %s args: %w", op, err)
		}
		raw = data
	}
	line, err := json.Marshal(Request{V: Version, Op: op, Args: raw})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	if dl, ok := ctx.Deadline(); ok {
		_ = c.conn.SetDeadline(dl)
		defer c.conn.SetDeadline(time.Time{})
	}
	if _, err := c.conn.Write(append(line, '\n')); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	respLine, err := readLine(c.r, MaxLineBytes)
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	var resp Response
	if err := json.Unmarshal(respLine, &resp); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &resp, nil
}

// FrameReader reads pushed stream frames.
type FrameReader struct {
	r *bufio.Reader
}

// Next blocks for the next frame.
func (fr *FrameReader) Next() (*StreamFrame, error) {
	line, err := readLine(fr.r, MaxLineBytes)
	if err != nil {
		return nil, err
	}
	var f StreamFrame
	if err := json.Unmarshal(line, &f); err != nil {
		return nil, fmt.Errorf("decode stream frame: %w", err)
	}
	return &f, nil
}
