// Package control implements a client for the speedtracker control channel.
package control

import (
	"bytes"
	"context"
	"errors"
	"net"
	"os"
	"time"

	"github.com/m-lab/speedtracker/pkg/control/spec"
)

// DefaultDialTimeout is the default timeout used to connect to the server.
const DefaultDialTimeout = 5 * time.Second

// Client sends commands over a single control connection.
type Client struct {
	conn net.Conn

	// QuietPeriod is how long to wait for more data once part of a response
	// has been received.
	QuietPeriod time.Duration
}

// Dial connects to the control server at addr.
func Dial(ctx context.Context, addr string) (*Client, error) {
	d := net.Dialer{Timeout: DefaultDialTimeout}
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}
	return &Client{
		conn:        conn,
		QuietPeriod: spec.ResponseQuietPeriod,
	}, nil
}

// Send sends cmd and returns the server's response. Since responses are not
// framed, the response is considered complete when no data has been received
// for QuietPeriod after the first read.
func (c *Client) Send(ctx context.Context, cmd string) (string, error) {
	if deadline, ok := ctx.Deadline(); ok {
		c.conn.SetDeadline(deadline)
	} else {
		c.conn.SetDeadline(time.Time{})
	}
	if _, err := c.conn.Write([]byte(cmd)); err != nil {
		return "", err
	}

	var resp bytes.Buffer
	buf := make([]byte, 64*1024)
	// The first read blocks until the server replies or the deadline expires.
	n, err := c.conn.Read(buf)
	if err != nil {
		return "", err
	}
	resp.Write(buf[:n])
	for {
		c.conn.SetReadDeadline(time.Now().Add(c.QuietPeriod))
		n, err := c.conn.Read(buf)
		resp.Write(buf[:n])
		if errors.Is(err, os.ErrDeadlineExceeded) {
			return resp.String(), nil
		}
		if err != nil {
			return resp.String(), err
		}
	}
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}
