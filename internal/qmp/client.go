// Package qmp implements the subset of the QEMU Machine Protocol needed to
// drive a memory balloon and pc-dimm hotplug.
package qmp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/containerd/log"
	qmpapi "github.com/digitalocean/go-qemu/qmp"
)

// DefaultTimeout bounds the handshake and every command exchange.
const DefaultTimeout = 5 * time.Second

// Endpoint identifies the monitor transport.
// Network is "unix" (Address is a socket path) or "tcp" (Address is host:port).
type Endpoint struct {
	Network string
	Address string
}

func (e Endpoint) String() string {
	return e.Network + ":" + e.Address
}

// Client is a QMP client for a single QEMU monitor.
//
// Commands are serialized by the client. A command that times out or fails
// at the transport level closes the connection; callers check Connected and
// call Connect again on the next cycle.
type Client struct {
	endpoint Endpoint

	mu             sync.Mutex
	monitor        *monitor
	connectTimeout time.Duration
	commandTimeout time.Duration
}

// response is the tagged result of a single command: exactly one of
// Return or Error is set by a well-behaved server.
type response struct {
	Return json.RawMessage `json:"return,omitempty"`
	Error  *Error          `json:"error,omitempty"`
}

// NewClient returns an unconnected client for the endpoint.
func NewClient(endpoint Endpoint) *Client {
	return &Client{
		endpoint:       endpoint,
		connectTimeout: DefaultTimeout,
		commandTimeout: DefaultTimeout,
	}
}

// SetTimeouts overrides the handshake and command timeouts.
// Zero values keep the defaults.
func (c *Client) SetTimeouts(connect, command time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if connect > 0 {
		c.connectTimeout = connect
	}
	if command > 0 {
		c.commandTimeout = command
	}
}

// Endpoint returns the transport the client dials.
func (c *Client) Endpoint() Endpoint {
	return c.endpoint
}

// Connect opens the transport, consumes the greeting and negotiates
// capabilities. Connecting an already connected client is a no-op.
func (c *Client) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.monitor != nil {
		return nil
	}

	m, err := dialMonitor(ctx, c.endpoint, c.connectTimeout)
	if err != nil {
		return &ConnectionError{Endpoint: c.endpoint.String(), Err: transportError(ctx, "dial", c.connectTimeout, err)}
	}
	if err := m.handshake(ctx, c.connectTimeout); err != nil {
		_ = m.close()
		return &ConnectionError{Endpoint: c.endpoint.String(), Err: transportError(ctx, "negotiate capabilities", c.connectTimeout, err)}
	}

	entry := log.G(ctx).WithField("endpoint", c.endpoint.String())
	if m.version != nil {
		entry = entry.WithField("qemu", m.version.String())
	}
	entry.Debug("qmp: connected")

	c.monitor = m
	return nil
}

// Connected reports whether the transport is open.
func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.monitor != nil
}

// Close closes the transport. It is safe to call repeatedly.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeLocked()
}

func (c *Client) closeLocked() error {
	if c.monitor == nil {
		return nil
	}
	err := c.monitor.close()
	c.monitor = nil
	return err
}

// execute sends one command and decodes the "return" payload into out
// (which may be nil when the payload is irrelevant).
func (c *Client) execute(ctx context.Context, command string, args map[string]any, out any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.monitor == nil {
		return &ConnectionError{Endpoint: c.endpoint.String(), Err: errNotConnected}
	}

	cmd := qmpapi.Command{Execute: command}
	// QEMU rejects "arguments": null.
	if args != nil {
		cmd.Args = args
	}
	payload, err := json.Marshal(cmd)
	if err != nil {
		return fmt.Errorf("encode QMP command %s: %w", command, err)
	}

	raw, err := c.monitor.run(ctx, payload, c.commandTimeout)
	if err != nil {
		// The reply stream is unusable after a transport failure.
		_ = c.closeLocked()
		return &ConnectionError{Endpoint: c.endpoint.String(), Err: transportError(ctx, command, c.commandTimeout, err)}
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return &ProtocolError{Command: command, Err: fmt.Errorf("parse response: %w", err)}
	}
	if resp.Error != nil {
		return &ProtocolError{Command: command, Class: resp.Error.Class, Desc: resp.Error.Desc}
	}
	if resp.Return == nil {
		return &ProtocolError{Command: command, Err: errNoReturn}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Return, out); err != nil {
		return &ProtocolError{Command: command, Err: fmt.Errorf("parse return value: %w", err)}
	}
	return nil
}

// query sends a command without arguments and decodes its return value.
func query[T any](ctx context.Context, c *Client, command string) (T, error) {
	var result T
	err := c.execute(ctx, command, nil, &result)
	return result, err
}
