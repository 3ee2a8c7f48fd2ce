package control

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"net"
	"syscall"
	"time"
)

// Client is a connection to the control socket. A Client is not safe for
// concurrent use.
type Client struct {
	conn net.Conn
	r    *bufio.Reader
}

// Dial connects to the socket at path.
func Dial(ctx context.Context, path string) (*Client, error) {
	var d net.Dialer
	c, err := d.DialContext(ctx, "unix", path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.ECONNREFUSED) {
			return nil, fmt.Errorf("%w: %s", ErrNotRunning, path)
		}
		return nil, fmt.Errorf("control: dial: %w", err)
	}
	return &Client{conn: c, r: bufio.NewReader(c)}, nil
}

// Call sends req and decodes the response data into out, which may be nil.
// An error reported by the daemon is returned as a *RemoteError.
func (c *Client) Call(ctx context.Context, req Request, out any) error {
	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Time{}
	}
	if err := c.conn.SetDeadline(deadline); err != nil {
		return fmt.Errorf("control: set deadline: %w", err)
	}
	stop := context.AfterFunc(ctx, func() {
		_ = c.conn.SetDeadline(time.Now())
	})
	defer stop()

	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("control: encode request: %w", err)
	}
	if _, err := c.conn.Write(append(data, '\n')); err != nil {
		return c.ioError(ctx, err)
	}
	line, err := c.r.ReadBytes('\n')
	if err != nil {
		return c.ioError(ctx, err)
	}

	var resp Response
	if err := json.Unmarshal(line, &resp); err != nil {
		return fmt.Errorf("control: decode response: %w", err)
	}
	if !resp.OK {
		return &RemoteError{Op: req.Op, Msg: resp.Error}
	}
	if out != nil && len(resp.Data) > 0 {
		if err := json.Unmarshal(resp.Data, out); err != nil {
			return fmt.Errorf("control: decode %s result: %w", req.Op, err)
		}
	}
	return nil
}

func (c *Client) ioError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("control: %w", err)
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

// Call dials path, performs one request and closes the connection.
func Call(ctx context.Context, path string, req Request, out any) error {
	c, err := Dial(ctx, path)
	if err != nil {
		return err
	}
	defer c.Close() //nolint:errcheck // best-effort close
	return c.Call(ctx, req, out)
}
