// Package storeclient dials the store server and multiplexes RPC calls over
// a fixed pool of pre-dialed, handshake-complete connections. A connection is
// leased for exactly one call; failed connections are poisoned and redialed
// on the next acquire.
package storeclient

import (
	"context"
	"crypto/rsa"
	"fmt"
	"net"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/runbox/backend/internal/protocol"
	"github.com/runbox/backend/internal/secure"
	"github.com/runbox/backend/internal/store"
)

const (
	dialTimeout = 5 * time.Second

	// callTimeout bounds an RPC whose caller context carries no deadline; a
	// wedged server must not hold a pooled connection forever.
	callTimeout = 30 * time.Second
)

// Client is one dialed and handshaked store connection. It is owned by a
// single caller at a time; the pool enforces that with leases.
type Client struct {
	ch       *secure.Channel
	poisoned bool
}

// Dial connects to addr and performs the key-exchange handshake under the
// server's public key.
func Dial(addr string, pub *rsa.PublicKey) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial store %s: %w", addr, err)
	}
	ch, err := secure.ClientHandshake(conn, pub)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("handshake with %s: %w", addr, err)
	}
	return &Client{ch: ch}, nil
}

// Call issues one request and reads its response. Any transport failure
// poisons the client: the connection state is unknown and it must not carry
// another call.
func (c *Client) Call(ctx context.Context, req protocol.Request) (protocol.Response, error) {
	if c.poisoned {
		return protocol.Response{}, fmt.Errorf("call %s: connection poisoned", req.Command)
	}

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(callTimeout)
	}
	if err := c.ch.SetDeadline(deadline); err != nil {
		c.poisoned = true
		return protocol.Response{}, fmt.Errorf("set deadline: %w", err)
	}

	if err := c.ch.Send(req); err != nil {
		c.poisoned = true
		return protocol.Response{}, fmt.Errorf("send %s: %w", req.Command, err)
	}
	var resp protocol.Response
	if err := c.ch.Recv(&resp); err != nil {
		c.poisoned = true
		return protocol.Response{}, fmt.Errorf("recv %s: %w", req.Command, err)
	}
	return resp, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.ch.Close()
}

// responseError turns an error-status response into a typed error. The store
// sentinels come back so callers can dispatch with errors.Is.
func responseError(resp protocol.Response) error {
	switch resp.ErrorType {
	case protocol.ErrTypeUserNotFound:
		return fmt.Errorf("%s: %w", resp.Message, store.ErrNotFound)
	case protocol.ErrTypeUserExists:
		return fmt.Errorf("%s: %w", resp.Message, store.ErrExists)
	default:
		return fmt.Errorf("store error %s: %s", resp.ErrorType, resp.Message)
	}
}

// decode unpacks a successful response's data into out (nil out discards).
func decode(resp protocol.Response, out interface{}) error {
	if resp.Status != protocol.StatusSuccess {
		return responseError(resp)
	}
	if out == nil || len(resp.Data) == 0 {
		return nil
	}
	if err := cbor.Unmarshal(resp.Data, out); err != nil {
		return fmt.Errorf("decode response data: %w", err)
	}
	return nil
}
