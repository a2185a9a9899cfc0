package balloon

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/spin-stack/balloond/internal/qmp"
)

func loopConfig() Config {
	cfg := testConfig(8192)
	cfg.CheckInterval = time.Millisecond
	return cfg
}

func writeMarker(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "balloon.pid")
	require.NoError(t, os.WriteFile(path, []byte(strconv.Itoa(os.Getpid())), 0o644))
	return path
}

func TestRunOnce(t *testing.T) {
	client := &mockQMPClient{balloonMB: 2048}
	source := &mockTelemetry{record: snapshot(1, 4096, 800)}
	cfg := loopConfig()
	cfg.RunOnce = true
	marker := writeMarker(t)

	c := newTestController(client, source, cfg, WithPIDFile(marker))
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, 1, source.readCount())
	assert.Len(t, client.hotplugCalls, 1)
	assert.Equal(t, int64(2048), c.State().FloorMB)
	assert.Equal(t, 1, client.closeCalls)
	assert.NoFileExists(t, marker)
}

func TestRunExitsWhenVMStops(t *testing.T) {
	client := &mockQMPClient{balloonMB: 2048}
	source := &mockTelemetry{record: snapshot(1, 4096, 2000)}

	var probes atomic.Int32
	c := newTestController(client, source, loopConfig(), WithLiveness(func() bool {
		probes.Add(1)
		return false
	}))

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, c.Run(ctx))

	// Liveness is probed on the third iteration, before its cycle.
	assert.Equal(t, int32(1), probes.Load())
	assert.Equal(t, 2, source.readCount())
	assert.NoError(t, ctx.Err())
}

func TestRunProbesEveryThirdIteration(t *testing.T) {
	client := &mockQMPClient{balloonMB: 2048}
	source := &mockTelemetry{record: snapshot(1, 4096, 2000)}

	var probes atomic.Int32
	c := newTestController(client, source, loopConfig(), WithLiveness(func() bool {
		return probes.Add(1) < 3
	}))

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, int32(3), probes.Load())
	assert.Equal(t, 8, source.readCount())
}

func TestRunStopsOnCancel(t *testing.T) {
	client := &mockQMPClient{balloonMB: 2048}
	source := &mockTelemetry{record: snapshot(1, 4096, 2000)}

	ctx, cancel := context.WithCancel(context.Background())
	firstRead := make(chan struct{})
	source.onRead = func(reads int) {
		if reads == 1 {
			close(firstRead)
		}
	}

	cfg := loopConfig()
	cfg.CheckInterval = time.Hour
	marker := writeMarker(t)
	c := newTestController(client, source, cfg, WithPIDFile(marker))

	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	// The first sleep is an hour; cancellation must interrupt it.
	<-firstRead
	cancel()

	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return after cancellation")
	}
	assert.Equal(t, 1, source.readCount())
	assert.NoFileExists(t, marker)
}

func TestRunConnectFailure(t *testing.T) {
	client := &mockQMPClient{
		connectErr: &qmp.ConnectionError{Endpoint: "unix:/tmp/missing.sock", Err: errors.New("no such file or directory")},
	}
	source := &mockTelemetry{record: snapshot(1, 4096, 800)}
	marker := writeMarker(t)
	c := newTestController(client, source, loopConfig(), WithPIDFile(marker))

	err := c.Run(context.Background())
	require.Error(t, err)
	assert.ErrorIs(t, err, qmp.ErrConnection)
	assert.Contains(t, err.Error(), "test-vm")

	assert.Zero(t, source.readCount())
	assert.Equal(t, 1, client.closeCalls)
	assert.NoFileExists(t, marker)
}

func TestRunReconnectsBrokenTransport(t *testing.T) {
	// The initial query breaks the transport; the first cycle reconnects.
	client := &mockQMPClient{balloonMB: 2048, queryFailures: 1}
	source := &mockTelemetry{record: snapshot(1, 4096, 800)}
	cfg := loopConfig()
	cfg.RunOnce = true

	c := newTestController(client, source, cfg)
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, 2, client.connectCalls)
	assert.Len(t, client.hotplugCalls, 1)
	assert.Equal(t, int64(2048), c.State().FloorMB)
}

func TestRunSkipsCycleWhenReconnectFails(t *testing.T) {
	client := &mockQMPClient{balloonMB: 2048, queryFailures: 1}
	source := &mockTelemetry{record: snapshot(1, 4096, 800)}
	cfg := loopConfig()
	cfg.RunOnce = true

	wrapped := &failAfterFirstConnect{mockQMPClient: client}
	c := NewController("test-vm", wrapped, source, cfg)

	require.NoError(t, c.Run(context.Background()))
	assert.Equal(t, 2, wrapped.attempts)
	assert.Zero(t, source.readCount())
	assert.Empty(t, client.hotplugCalls)
}

type failAfterFirstConnect struct {
	*mockQMPClient
	attempts int
}

func (f *failAfterFirstConnect) Connect(ctx context.Context) error {
	f.attempts++
	if f.attempts > 1 {
		return fmt.Errorf("%w: connection refused", qmp.ErrConnection)
	}
	return f.mockQMPClient.Connect(ctx)
}

func TestRunAdoptsDIMMsFromEarlierRun(t *testing.T) {
	client := &mockQMPClient{balloonMB: 2048}
	source := &mockTelemetry{record: snapshot(1, 4096, 800)}
	cfg := loopConfig()
	cfg.RunOnce = true

	first := newTestController(client, source, cfg)
	require.NoError(t, first.Run(context.Background()))
	require.Len(t, client.hotplugCalls, 1)
	assert.Equal(t, "slot1", client.hotplugCalls[0].slot)

	// A restarted controller sees the DIMM through query-memory-devices.
	source.set(snapshot(2, 4096, 800))
	second := newTestController(client, source, cfg)
	require.NoError(t, second.Run(context.Background()))

	require.Len(t, client.hotplugCalls, 2)
	assert.Equal(t, "slot2", client.hotplugCalls[1].slot)
	assert.Equal(t, int64(4096), second.State().FloorMB)
	assert.Equal(t, 2, second.State().SlotCount)
}

func TestRunAdoptsForeignDIMMs(t *testing.T) {
	client := &mockQMPClient{
		balloonMB: 3072,
		devices:   []qmp.MemoryDeviceInfo{dimm("dimm0", 1024)},
	}
	source := &mockTelemetry{record: snapshot(1, 3072, 1200)}
	cfg := loopConfig()
	cfg.RunOnce = true
	cfg.MaxSlots = 1

	c := newTestController(client, source, cfg)
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, 1, c.State().SlotCount)
	assert.True(t, c.State().SlotsExhausted())

	source.set(snapshot(2, 3072, 300))
	d, err := c.Adjust(context.Background())
	require.ErrorIs(t, err, ErrCapacityExhausted)
	assert.Equal(t, ReasonSlotsExhausted, d.Reason)
	assert.Empty(t, client.hotplugCalls)
}

func TestRunContinuesWhenDeviceQueryFails(t *testing.T) {
	client := &mockQMPClient{balloonMB: 2048, devicesErr: errors.New("CommandNotFound")}
	source := &mockTelemetry{record: snapshot(1, 4096, 800)}
	cfg := loopConfig()
	cfg.RunOnce = true

	c := newTestController(client, source, cfg)
	require.NoError(t, c.Run(context.Background()))

	require.Len(t, client.hotplugCalls, 1)
	assert.Equal(t, "slot1", client.hotplugCalls[0].slot)
}
