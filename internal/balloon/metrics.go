package balloon

import (
	"github.com/prometheus/client_golang/prometheus"
)

// MetricsProvider defines the interface for recording controller activity.
type MetricsProvider interface {
	ObserveDecision(action Action)
	IncrementCommandErrors(action Action)
	IncrementConnectErrors()
	SetCapacity(state *CapacityState)
	SetBalloonMB(sizeMB int64)
	SetFreeRatio(ratio float64)
}

// NoopMetricsProvider implements MetricsProvider with no-op operations.
type NoopMetricsProvider struct{}

func (n *NoopMetricsProvider) ObserveDecision(action Action)        {}
func (n *NoopMetricsProvider) IncrementCommandErrors(action Action) {}
func (n *NoopMetricsProvider) IncrementConnectErrors()              {}
func (n *NoopMetricsProvider) SetCapacity(state *CapacityState)     {}
func (n *NoopMetricsProvider) SetBalloonMB(sizeMB int64)            {}
func (n *NoopMetricsProvider) SetFreeRatio(ratio float64)           {}

// NewNoopMetricsProvider creates a new NoopMetricsProvider.
func NewNoopMetricsProvider() *NoopMetricsProvider {
	return &NoopMetricsProvider{}
}

// PrometheusMetricsProvider implements MetricsProvider using Prometheus.
type PrometheusMetricsProvider struct {
	decisions     *prometheus.CounterVec
	commandErrors *prometheus.CounterVec
	connectErrors prometheus.Counter
	floorMB       prometheus.Gauge
	ceilingMB     prometheus.Gauge
	hotpluggedMB  prometheus.Gauge
	slotsUsed     prometheus.Gauge
	balloonMB     prometheus.Gauge
	freeRatio     prometheus.Gauge
}

// NewPrometheusMetricsProvider creates a new PrometheusMetricsProvider. All
// series carry a constant "vm" label.
func NewPrometheusMetricsProvider(registry prometheus.Registerer, vmName string) *PrometheusMetricsProvider {
	labels := prometheus.Labels{"vm": vmName}
	gauge := func(name, help string) prometheus.Gauge {
		return prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
	}

	p := &PrometheusMetricsProvider{
		decisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "balloond_decisions_total",
			Help:        "Number of evaluated telemetry snapshots by resulting action",
			ConstLabels: labels,
		}, []string{"action"}),
		commandErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "balloond_command_errors_total",
			Help:        "Number of failed balloon or hotplug commands",
			ConstLabels: labels,
		}, []string{"action"}),
		connectErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "balloond_connect_errors_total",
			Help:        "Number of failed QMP connection attempts",
			ConstLabels: labels,
		}),
		floorMB:      gauge("balloond_floor_mb", "Minimum guest memory in MiB"),
		ceilingMB:    gauge("balloond_ceiling_mb", "Maximum guest memory in MiB"),
		hotpluggedMB: gauge("balloond_hotplugged_mb", "Memory added through pc-dimm hotplug in MiB"),
		slotsUsed:    gauge("balloond_slots_used", "Number of occupied pc-dimm slots"),
		balloonMB:    gauge("balloond_balloon_mb", "Last observed balloon size in MiB"),
		freeRatio:    gauge("balloond_guest_free_ratio", "Guest available/total memory ratio of the last snapshot"),
	}

	registry.MustRegister(
		p.decisions,
		p.commandErrors,
		p.connectErrors,
		p.floorMB,
		p.ceilingMB,
		p.hotpluggedMB,
		p.slotsUsed,
		p.balloonMB,
		p.freeRatio,
	)

	return p
}

func (p *PrometheusMetricsProvider) ObserveDecision(action Action) {
	p.decisions.WithLabelValues(string(action)).Inc()
}

func (p *PrometheusMetricsProvider) IncrementCommandErrors(action Action) {
	p.commandErrors.WithLabelValues(string(action)).Inc()
}

func (p *PrometheusMetricsProvider) IncrementConnectErrors() {
	p.connectErrors.Inc()
}

func (p *PrometheusMetricsProvider) SetCapacity(state *CapacityState) {
	p.floorMB.Set(float64(state.FloorMB))
	p.ceilingMB.Set(float64(state.CeilingMB))
	p.hotpluggedMB.Set(float64(state.HotpluggedMB))
	p.slotsUsed.Set(float64(state.SlotCount))
}

func (p *PrometheusMetricsProvider) SetBalloonMB(sizeMB int64) {
	p.balloonMB.Set(float64(sizeMB))
}

func (p *PrometheusMetricsProvider) SetFreeRatio(ratio float64) {
	p.freeRatio.Set(ratio)
}
