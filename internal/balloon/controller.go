// Package balloon decides how much memory a running QEMU guest should have
// and applies the decision through balloon inflation or pc-dimm hotplug.
package balloon

import (
	"context"
	"fmt"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/balloond/internal/journal"
	"github.com/spin-stack/balloond/internal/qmp"
	"github.com/spin-stack/balloond/internal/telemetry"
)

// qmpClient defines the QMP operations the controller needs.
// This interface exists to enable testing with mocks.
type qmpClient interface {
	Connect(ctx context.Context) error
	Connected() bool
	Close() error
	QueryBalloon(ctx context.Context) (int64, error)
	SetBalloon(ctx context.Context, sizeBytes int64) error
	HotplugMemory(ctx context.Context, sizeMB int64, slot string) error
	QueryMemoryDevices(ctx context.Context) ([]qmp.MemoryDeviceInfo, error)
	QueryMemorySizeSummary(ctx context.Context) (*qmp.MemorySizeSummary, error)
}

// TelemetrySource returns the latest guest memory snapshot.
type TelemetrySource interface {
	Read(ctx context.Context) (*telemetry.Record, error)
}

// Journal records issued commands.
type Journal interface {
	Append(ctx context.Context, ev journal.Event) error
}

// LivenessProbe reports whether the VM process is still running.
type LivenessProbe func() bool

// Action is the outcome of one decision.
type Action string

const (
	// ActionSkip: the snapshot was stale, duplicate or not actionable.
	ActionSkip Action = "skip"
	// ActionNone: free memory is inside the neutral band.
	ActionNone Action = "none"
	// ActionHotplug: a DIMM was (or was attempted to be) added.
	ActionHotplug Action = "hotplug"
	// ActionBalloon: the balloon target was (or was attempted to be) lowered.
	ActionBalloon Action = "balloon"
	// ActionLimited: an adjustment was wanted but a bound prevented it.
	ActionLimited Action = "limited"
)

// Decision describes what Adjust did with one snapshot.
type Decision struct {
	Action     Action
	SequenceID int64
	FreeRatio  float64
	// CurrentMB is the balloon size observed before acting.
	CurrentMB int64
	// TargetMB is the new balloon size, or the new floor+hotplugged total
	// after a hotplug.
	TargetMB int64
	AmountMB int64
	Slot     string
	Reason   LimitReason
}

// Config holds the decision and loop parameters.
type Config struct {
	CheckInterval time.Duration

	// Free-ratio hysteresis band; the band is inclusive on both ends.
	LowThreshold  float64
	HighThreshold float64

	// StepMB is the minimum size of any single adjustment.
	StepMB int64

	MaxSlots  int
	CeilingMB int64

	// MinMemoryMB is the guest memory the VM was started with. It is only
	// used to warn when the observed floor differs.
	MinMemoryMB int64

	// LivenessEvery probes the VM every N loop iterations.
	LivenessEvery int

	// RunOnce stops the loop after a single cycle.
	RunOnce bool
}

// DefaultConfig returns the defaults of the controller.
func DefaultConfig() Config {
	return Config{
		CheckInterval: 5 * time.Second,
		LowThreshold:  0.30,
		HighThreshold: 0.50,
		StepMB:        256,
		MaxSlots:      DefaultMaxSlots,
		MinMemoryMB:   1024,
		LivenessEvery: 3,
	}
}

// Option configures optional controller collaborators.
type Option func(*Controller)

// WithMetrics sets the metrics provider.
func WithMetrics(m MetricsProvider) Option {
	return func(c *Controller) {
		c.metrics = m
	}
}

// WithJournal records every issued command in j.
func WithJournal(j Journal) Option {
	return func(c *Controller) {
		c.journal = j
	}
}

// WithLiveness sets the probe used by Run to detect that the VM exited.
func WithLiveness(probe LivenessProbe) Option {
	return func(c *Controller) {
		c.alive = probe
	}
}

// WithPIDFile makes Run remove path when it returns.
func WithPIDFile(path string) Option {
	return func(c *Controller) {
		c.pidFile = path
	}
}

// Controller owns the capacity state of one VM.
type Controller struct {
	vmName    string
	client    qmpClient
	telemetry TelemetrySource
	config    Config
	state     *CapacityState

	metrics MetricsProvider
	journal Journal
	alive   LivenessProbe
	pidFile string
}

// NewController creates a controller. In production client is a *qmp.Client
// and source a *telemetry.Reader.
func NewController(vmName string, client qmpClient, source TelemetrySource, config Config, opts ...Option) *Controller {
	defaults := DefaultConfig()
	if config.CheckInterval <= 0 {
		config.CheckInterval = defaults.CheckInterval
	}
	if config.StepMB <= 0 {
		config.StepMB = defaults.StepMB
	}
	if config.MaxSlots < 1 {
		config.MaxSlots = DefaultMaxSlots
	}
	if config.LivenessEvery < 1 {
		config.LivenessEvery = defaults.LivenessEvery
	}

	c := &Controller{
		vmName:    vmName,
		client:    client,
		telemetry: source,
		config:    config,
		state:     NewCapacityState(config.CeilingMB, config.MaxSlots),
		metrics:   NewNoopMetricsProvider(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// State returns the capacity state. It must not be modified concurrently
// with Adjust.
func (c *Controller) State() *CapacityState {
	return c.state
}

// Adjust evaluates the latest snapshot and issues at most one command.
//
// Stale, duplicate and zero-total snapshots return an error wrapping
// telemetry.ErrStale. Bounds that prevent an adjustment return an error
// wrapping ErrCapacityExhausted. QMP failures wrap qmp.ErrConnection or
// qmp.ErrProtocol. The sequence id is marked processed once the balloon
// size is known, before any command is issued.
func (c *Controller) Adjust(ctx context.Context) (Decision, error) {
	rec, err := c.telemetry.Read(ctx)
	if err != nil {
		return Decision{Action: ActionSkip}, err
	}

	d := Decision{Action: ActionSkip, SequenceID: rec.SequenceID}
	if !c.state.IsNew(rec.SequenceID) {
		return d, fmt.Errorf("%w: seq_id %d already processed", telemetry.ErrStale, rec.SequenceID)
	}
	if !rec.Actionable() {
		return d, fmt.Errorf("%w: seq_id %d reports zero total memory", telemetry.ErrStale, rec.SequenceID)
	}

	currentBytes, err := c.client.QueryBalloon(ctx)
	if err != nil {
		return d, fmt.Errorf("query balloon: %w", err)
	}
	current := currentBytes / bytesPerMB
	c.observeFloor(ctx, current)

	d.CurrentMB = current
	d.FreeRatio = rec.FreeRatio()

	log.G(ctx).WithFields(log.Fields{
		"vm":           c.vmName,
		"seq_id":       rec.SequenceID,
		"available_mb": rec.AvailableMB,
		"total_mb":     rec.TotalMB,
		"used_mb":      rec.TotalMB - rec.AvailableMB,
		"free_ratio":   fmt.Sprintf("%.1f%%", d.FreeRatio*100),
		"balloon_mb":   current,
	}).Debug("balloon: status")

	c.state.MarkProcessed(rec.SequenceID)
	c.metrics.SetFreeRatio(d.FreeRatio)
	c.metrics.SetBalloonMB(current)

	switch {
	case d.FreeRatio < c.config.LowThreshold:
		err = c.grow(ctx, rec, &d)
	case d.FreeRatio > c.config.HighThreshold:
		err = c.reclaim(ctx, &d)
	default:
		d.Action = ActionNone
		log.G(ctx).WithFields(log.Fields{
			"vm":         c.vmName,
			"seq_id":     rec.SequenceID,
			"free_ratio": fmt.Sprintf("%.1f%%", d.FreeRatio*100),
			"balloon_mb": current,
		}).Info("balloon: memory OK, no adjustment needed")
	}

	c.metrics.ObserveDecision(d.Action)
	c.metrics.SetCapacity(c.state)
	return d, err
}

func (c *Controller) observeFloor(ctx context.Context, currentMB int64) {
	if c.state.FloorKnown() {
		return
	}
	raised := c.state.SetFloor(currentMB)

	logger := log.G(ctx).WithFields(log.Fields{
		"vm":         c.vmName,
		"floor_mb":   c.state.FloorMB,
		"ceiling_mb": c.state.CeilingMB,
	})
	logger.Info("balloon: initial balloon size captured as floor")
	if raised {
		logger.Warn("balloon: configured ceiling below floor, raised to floor")
	}
	if c.config.MinMemoryMB > 0 && currentMB != c.config.MinMemoryMB {
		logger.WithField("min_memory_mb", c.config.MinMemoryMB).
			Warn("balloon: observed floor differs from configured minimum memory")
	}
	c.metrics.SetCapacity(c.state)
}

// grow hotplugs a DIMM of half the guest total, rounded up to 1GiB and
// clamped to the remaining headroom.
func (c *Controller) grow(ctx context.Context, rec *telemetry.Record, d *Decision) error {
	s := c.state
	logger := log.G(ctx).WithFields(log.Fields{
		"vm":         c.vmName,
		"free_ratio": fmt.Sprintf("%.1f%%", d.FreeRatio*100),
	})

	if s.AtCeiling() {
		d.Action, d.Reason = ActionLimited, ReasonAtCeiling
		logger.WithField("ceiling_mb", s.CeilingMB).Info("balloon: already at maximum, cannot add more memory")
		return &CapacityError{Reason: ReasonAtCeiling, Detail: fmt.Sprintf("%dMB of %dMB", s.TotalMB(), s.CeilingMB)}
	}
	if s.SlotsExhausted() {
		d.Action, d.Reason = ActionLimited, ReasonSlotsExhausted
		logger.WithField("max_slots", s.MaxSlots).Info("balloon: all DIMM slots used, cannot add more memory")
		return &CapacityError{Reason: ReasonSlotsExhausted, Detail: fmt.Sprintf("%d/%d slots used", s.SlotCount, s.MaxSlots)}
	}

	desired := roundUp(max(rec.TotalMB/2, c.config.StepMB), dimmRoundMB)
	amount := min(desired, s.HeadroomMB())
	if amount < MinDIMMMB {
		d.Action, d.Reason = ActionLimited, ReasonTooSmall
		logger.WithField("headroom_mb", s.HeadroomMB()).Info("balloon: cannot add more memory, increase below minimum DIMM size")
		return &CapacityError{Reason: ReasonTooSmall, Detail: fmt.Sprintf("need at least %dMB, headroom %dMB", MinDIMMMB, s.HeadroomMB())}
	}

	slot, err := s.ReserveSlot()
	if err != nil {
		d.Action, d.Reason = ActionLimited, ReasonSlotsExhausted
		return err
	}

	d.Action = ActionHotplug
	d.Slot = slot
	d.AmountMB = amount
	d.TargetMB = s.TotalMB() + amount

	logger = logger.WithFields(log.Fields{
		"slot":       slot,
		"amount_mb":  amount,
		"slots_used": fmt.Sprintf("%d/%d", s.SlotCount, s.MaxSlots),
	})
	logger.Info("balloon: guest low on memory, hotplugging DIMM")

	if err := c.client.HotplugMemory(ctx, amount, slot); err != nil {
		s.ReleaseSlot()
		c.metrics.IncrementCommandErrors(ActionHotplug)
		c.record(ctx, d, err)
		return fmt.Errorf("hotplug %dMB in %s: %w", amount, slot, err)
	}
	if err := s.CommitHotplug(amount); err != nil {
		return err
	}

	logger.WithField("hotplugged_mb", s.HotpluggedMB).Info("balloon: memory hotplug successful")
	c.record(ctx, d, nil)
	return nil
}

// reclaim inflates the balloon by 30% of its current size, never going
// below the floor.
func (c *Controller) reclaim(ctx context.Context, d *Decision) error {
	s := c.state
	current := d.CurrentMB
	logger := log.G(ctx).WithFields(log.Fields{
		"vm":         c.vmName,
		"free_ratio": fmt.Sprintf("%.1f%%", d.FreeRatio*100),
	})

	if current <= s.FloorMB {
		d.Action, d.Reason = ActionLimited, ReasonAtFloor
		logger.WithField("floor_mb", s.FloorMB).Info("balloon: already at minimum, cannot reclaim more memory")
		return &CapacityError{Reason: ReasonAtFloor, Detail: fmt.Sprintf("balloon %dMB, floor %dMB", current, s.FloorMB)}
	}

	decrease := max(current*3/10, c.config.StepMB)
	target := max(current-decrease, s.FloorMB)

	d.Action = ActionBalloon
	d.TargetMB = target
	d.AmountMB = current - target

	logger = logger.WithFields(log.Fields{
		"from_mb": current,
		"to_mb":   target,
	})
	logger.Info("balloon: guest has excess memory, inflating balloon")

	if err := c.client.SetBalloon(ctx, target*bytesPerMB); err != nil {
		c.metrics.IncrementCommandErrors(ActionBalloon)
		c.record(ctx, d, err)
		return fmt.Errorf("set balloon to %dMB: %w", target, err)
	}

	c.metrics.SetBalloonMB(target)
	c.record(ctx, d, nil)
	return nil
}

func (c *Controller) record(ctx context.Context, d *Decision, cmdErr error) {
	if c.journal == nil {
		return
	}
	ev := journal.Event{
		VM:         c.vmName,
		SequenceID: d.SequenceID,
		Action:     string(d.Action),
		FromMB:     d.CurrentMB,
		ToMB:       d.TargetMB,
		Slot:       d.Slot,
		Success:    cmdErr == nil,
	}
	if d.Action == ActionHotplug {
		ev.FromMB = d.TargetMB - d.AmountMB
	}
	if cmdErr != nil {
		ev.Error = cmdErr.Error()
	}
	if err := c.journal.Append(ctx, ev); err != nil {
		log.G(ctx).WithError(err).Warn("balloon: failed to journal adjustment")
	}
}
