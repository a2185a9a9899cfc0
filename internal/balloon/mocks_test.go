package balloon

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/spin-stack/balloond/internal/qmp"
	"github.com/spin-stack/balloond/internal/telemetry"
)

type hotplugCall struct {
	sizeMB int64
	slot   string
}

// mockQMPClient simulates the QMP client. Hotplugged memory is reflected in
// the reported balloon size, as QEMU does for a guest with a balloon device.
type mockQMPClient struct {
	mu sync.Mutex

	balloonMB  int64
	connected  bool
	connectErr error
	queryErr   error
	setErr     error
	hotplugErr error
	devicesErr error

	// devices are the pc-dimms plugged so far, including ones added by
	// HotplugMemory.
	devices []qmp.MemoryDeviceInfo

	// queryFailures makes the next N balloon queries fail with a
	// connection error that drops the transport.
	queryFailures int

	connectCalls int
	queryCalls   int
	closeCalls   int
	setCalls     []int64
	hotplugCalls []hotplugCall
}

func (m *mockQMPClient) Connect(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectCalls++
	if m.connectErr != nil {
		return m.connectErr
	}
	m.connected = true
	return nil
}

func (m *mockQMPClient) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockQMPClient) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closeCalls++
	m.connected = false
	return nil
}

func (m *mockQMPClient) QueryBalloon(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queryCalls++
	if m.queryFailures > 0 {
		m.queryFailures--
		m.connected = false
		return 0, &qmp.ConnectionError{Endpoint: "unix:/tmp/test-monitor.sock", Err: errors.New("broken pipe")}
	}
	if m.queryErr != nil {
		return 0, m.queryErr
	}
	return m.balloonMB * bytesPerMB, nil
}

func (m *mockQMPClient) SetBalloon(ctx context.Context, sizeBytes int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.setCalls = append(m.setCalls, sizeBytes)
	if m.setErr != nil {
		return m.setErr
	}
	m.balloonMB = sizeBytes / bytesPerMB
	return nil
}

func (m *mockQMPClient) HotplugMemory(ctx context.Context, sizeMB int64, slot string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.hotplugCalls = append(m.hotplugCalls, hotplugCall{sizeMB: sizeMB, slot: slot})
	if m.hotplugErr != nil {
		return m.hotplugErr
	}
	m.balloonMB += sizeMB
	m.devices = append(m.devices, dimm(qmp.DIMMID(slot), sizeMB))
	return nil
}

func (m *mockQMPClient) QueryMemoryDevices(ctx context.Context) ([]qmp.MemoryDeviceInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.devicesErr != nil {
		return nil, m.devicesErr
	}
	return append([]qmp.MemoryDeviceInfo(nil), m.devices...), nil
}

func (m *mockQMPClient) QueryMemorySizeSummary(ctx context.Context) (*qmp.MemorySizeSummary, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var plugged int64
	for _, dev := range m.devices {
		if size, ok := dev.Data["size"].(int64); ok {
			plugged += size
		}
	}
	return &qmp.MemorySizeSummary{
		BaseMemory:    (m.balloonMB * bytesPerMB) - plugged,
		PluggedMemory: plugged,
	}, nil
}

func (m *mockQMPClient) commands() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.setCalls) + len(m.hotplugCalls)
}

// mockTelemetry serves a fixed record until replaced.
type mockTelemetry struct {
	mu     sync.Mutex
	record *telemetry.Record
	reads  int
	onRead func(reads int)
}

func (m *mockTelemetry) set(rec *telemetry.Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.record = rec
}

func (m *mockTelemetry) Read(ctx context.Context) (*telemetry.Record, error) {
	m.mu.Lock()
	m.reads++
	reads, rec, hook := m.reads, m.record, m.onRead
	m.mu.Unlock()

	if hook != nil {
		hook(reads)
	}
	if rec == nil {
		return nil, fmt.Errorf("%w: no status file", telemetry.ErrStale)
	}
	cp := *rec
	return &cp, nil
}

func (m *mockTelemetry) readCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads
}

func dimm(id string, sizeMB int64) qmp.MemoryDeviceInfo {
	return qmp.MemoryDeviceInfo{
		Type: "dimm",
		Data: map[string]any{"id": id, "size": sizeMB * bytesPerMB},
	}
}

func snapshot(seq, totalMB, availableMB int64) *telemetry.Record {
	return &telemetry.Record{
		SequenceID:  seq,
		TotalMB:     totalMB,
		AvailableMB: availableMB,
		UsedMB:      totalMB - availableMB,
	}
}
