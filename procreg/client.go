// Package procreg registers processes with the PIPC daemon. A process connects to
// the daemon's unix socket, sends its name and uid, and receives its node id. The
// connection stays open for the life of the process; the daemon treats its close
// as the process exiting.
package procreg

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/linchenxuan/pipc/log"
	"github.com/linchenxuan/pipc/network/retcode"
	"github.com/linchenxuan/pipc/network/socket"
	"go.uber.org/ratelimit"
)

const (
	// DialAttempts is how often Register tries to reach the daemon.
	DialAttempts = 20
	// DialRate is the number of attempts per second.
	DialRate = 10
)

// Client is a registered process's connection to the daemon.
type Client struct {
	path string
	dial func(ctx context.Context, path string) (net.Conn, error)

	mu   sync.Mutex
	conn net.Conn
	node socket.NodeID
}

// NewClient returns a client for the registration socket at path. It connects on Register.
func NewClient(path string) *Client {
	return &Client{path: path, dial: func(ctx context.Context, path string) (net.Conn, error) {
		var d net.Dialer
		return d.DialContext(ctx, "unix", path)
	}}
}

// Register connects and asks for a node id. A daemon that is not up yet is retried
// DialAttempts times, DialRate per second.
func (c *Client) Register(ctx context.Context, name string, uid uint32) (socket.NodeID, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn != nil {
		return c.node, nil
	}

	req := Request{Name: name, UID: uid, Nonce: uuid.New()}
	body, err := req.marshal()
	if err != nil {
		return 0, err
	}

	conn, err := c.connect(ctx)
	if err != nil {
		return 0, err
	}
	if dl, ok := ctx.Deadline(); ok {
		_ = conn.SetDeadline(dl)
	}

	reply, err := exchange(conn, body)
	if err != nil {
		conn.Close()
		return 0, fmt.Errorf("procreg exchange: %w", err)
	}
	if reply.Nonce != req.Nonce {
		conn.Close()
		return 0, fmt.Errorf("procreg reply for another request: %w", retcode.GeneralError)
	}
	if err := reply.Result.Err(); err != nil {
		conn.Close()
		return 0, fmt.Errorf("procreg denied %s: %w", name, err)
	}
	_ = conn.SetDeadline(time.Time{})

	c.conn = conn
	c.node = reply.Node
	log.Info().Str("name", name).Uint16("node", uint16(reply.Node)).Msg("process registered")
	return reply.Node, nil
}

func (c *Client) connect(ctx context.Context) (net.Conn, error) {
	rl := ratelimit.New(DialRate, ratelimit.WithoutSlack)
	var lastErr error
	for i := 0; i < DialAttempts; i++ {
		rl.Take()
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		conn, err := c.dial(ctx, c.path)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		log.Debug().Int("attempt", i+1).Err(err).Msg("procreg dial failed")
	}
	return nil, fmt.Errorf("procreg %s unreachable after %d attempts: %v: %w", c.path, DialAttempts, lastErr, retcode.NotConnected)
}

func exchange(conn net.Conn, body []byte) (*Reply, error) {
	if err := writeFrame(conn, body); err != nil {
		return nil, err
	}
	frame, err := readFrame(bufio.NewReader(conn))
	if err != nil {
		return nil, err
	}
	reply := &Reply{}
	if err := reply.unmarshal(frame); err != nil {
		return nil, err
	}
	return reply, nil
}

// Node is the id assigned by Register.
func (c *Client) Node() socket.NodeID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.node
}

// Close ends the registration.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	if errors.Is(err, net.ErrClosed) {
		return nil
	}
	return err
}
