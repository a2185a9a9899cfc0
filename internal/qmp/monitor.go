package qmp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"time"

	qmpapi "github.com/digitalocean/go-qemu/qmp"
)

// monitor is one QMP session over a connection it owns. Every exchange,
// including the greeting, runs under a deadline, and the session can be
// closed whether or not the handshake completed.
type monitor struct {
	conn net.Conn
	dec  *json.Decoder

	version *qmpapi.Version
}

type greeting struct {
	QMP *struct {
		Version qmpapi.Version `json:"version"`
	} `json:"QMP"`
}

var errNoGreeting = errors.New("peer did not send a QMP greeting")

func dialMonitor(ctx context.Context, endpoint Endpoint, timeout time.Duration) (*monitor, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, endpoint.Network, endpoint.Address)
	if err != nil {
		return nil, err
	}
	return &monitor{conn: conn, dec: json.NewDecoder(conn)}, nil
}

// handshake consumes the greeting and negotiates capabilities.
func (m *monitor) handshake(ctx context.Context, timeout time.Duration) error {
	stop := m.bound(ctx, timeout)
	defer stop()

	var g greeting
	if err := m.dec.Decode(&g); err != nil {
		return fmt.Errorf("read greeting: %w", err)
	}
	if g.QMP == nil {
		return errNoGreeting
	}
	m.version = &g.QMP.Version

	payload, err := json.Marshal(qmpapi.Command{Execute: "qmp_capabilities"})
	if err != nil {
		return err
	}
	raw, err := m.exchange(payload)
	if err != nil {
		return err
	}

	var resp response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return fmt.Errorf("parse capabilities reply: %w", err)
	}
	if resp.Error != nil {
		return resp.Error
	}
	return nil
}

// run sends one encoded command and returns the raw reply document.
func (m *monitor) run(ctx context.Context, payload []byte, timeout time.Duration) (json.RawMessage, error) {
	stop := m.bound(ctx, timeout)
	defer stop()
	return m.exchange(payload)
}

// bound applies timeout to the connection and cuts it short if ctx ends.
func (m *monitor) bound(ctx context.Context, timeout time.Duration) (stop func() bool) {
	_ = m.conn.SetDeadline(time.Now().Add(timeout))
	return context.AfterFunc(ctx, func() {
		_ = m.conn.SetDeadline(time.Unix(1, 0))
	})
}

func (m *monitor) exchange(payload []byte) (json.RawMessage, error) {
	if _, err := m.conn.Write(append(payload, '\n')); err != nil {
		return nil, err
	}
	for {
		var raw json.RawMessage
		if err := m.dec.Decode(&raw); err != nil {
			return nil, err
		}
		// Asynchronous events may arrive ahead of the reply.
		var ev qmpapi.Event
		if err := json.Unmarshal(raw, &ev); err == nil && ev.Event != "" {
			continue
		}
		return raw, nil
	}
}

func (m *monitor) close() error {
	return m.conn.Close()
}
