package qmp

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Sentinel errors. Use errors.Is to classify failures returned by Client.
var (
	// ErrConnection indicates the transport could not be established or broke.
	ErrConnection = errors.New("qmp connection error")

	// ErrProtocol indicates an error-flagged or malformed response.
	ErrProtocol = errors.New("qmp protocol error")

	errNotConnected = errors.New("not connected")
	errNoReturn     = errors.New("response has neither return nor error")
)

// Error is the "error" member of a failed QMP response.
type Error struct {
	Class string `json:"class"`
	Desc  string `json:"desc"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Class, e.Desc)
}

// ConnectionError reports a transport failure for an endpoint.
type ConnectionError struct {
	Endpoint string
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("qmp %s: %v", e.Endpoint, e.Err)
}

func (e *ConnectionError) Unwrap() error {
	return e.Err
}

func (e *ConnectionError) Is(target error) bool {
	return target == ErrConnection
}

// ProtocolError reports a command the server rejected or answered with
// something that could not be decoded.
type ProtocolError struct {
	Command string
	Class   string
	Desc    string
	Err     error
}

func (e *ProtocolError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("QMP %s: %v", e.Command, e.Err)
	}
	return fmt.Sprintf("QMP error for %s: %s: %s", e.Command, e.Class, e.Desc)
}

func (e *ProtocolError) Unwrap() error {
	return e.Err
}

func (e *ProtocolError) Is(target error) bool {
	return target == ErrProtocol
}

// transportError describes a failed exchange, preferring the context's
// error when the context ended it.
func transportError(ctx context.Context, op string, timeout time.Duration, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", op, ctxErr)
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%s: timeout (%v) waiting for QMP peer: %w", op, timeout, err)
	}
	return fmt.Errorf("%s: %w", op, err)
}
