package balloon

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/containerd/log"

	"github.com/spin-stack/balloond/internal/pidfile"
	"github.com/spin-stack/balloond/internal/qmp"
	"github.com/spin-stack/balloond/internal/telemetry"
)

// Run connects to the VM and adjusts its memory every CheckInterval until
// ctx is cancelled, the liveness probe reports the VM gone, or a single
// cycle ran with RunOnce.
//
// Only the initial connection failure is returned; per-cycle errors are
// logged. The client is always closed and the PID marker, if any, removed.
func (c *Controller) Run(ctx context.Context) (retErr error) {
	defer func() {
		retErr = errors.Join(retErr, c.cleanup(ctx))
	}()

	if err := c.client.Connect(ctx); err != nil {
		c.metrics.IncrementConnectErrors()
		return fmt.Errorf("connect to VM %s: %w", c.vmName, err)
	}

	log.G(ctx).WithFields(log.Fields{
		"vm":             c.vmName,
		"min_memory_mb":  c.config.MinMemoryMB,
		"ceiling_mb":     c.config.CeilingMB,
		"low_threshold":  c.config.LowThreshold,
		"high_threshold": c.config.HighThreshold,
		"check_interval": c.config.CheckInterval,
	}).Info("balloon: controller started")

	if current, err := c.client.QueryBalloon(ctx); err != nil {
		log.G(ctx).WithError(err).Warn("balloon: initial balloon query failed, floor taken from first snapshot")
	} else {
		c.observeFloor(ctx, current/bytesPerMB)
	}
	c.adoptExistingDIMMs(ctx)

	for iteration := 1; ; iteration++ {
		if ctx.Err() != nil {
			break
		}
		if c.alive != nil && iteration%c.config.LivenessEvery == 0 && !c.alive() {
			log.G(ctx).WithField("vm", c.vmName).Info("balloon: VM has stopped, exiting controller")
			break
		}

		c.cycle(ctx)

		if c.config.RunOnce {
			break
		}

		select {
		case <-ctx.Done():
		case <-time.After(c.config.CheckInterval):
		}
	}

	log.G(ctx).WithField("vm", c.vmName).Info("balloon: controller stopped")
	return nil
}

func (c *Controller) cycle(ctx context.Context) {
	logger := log.G(ctx).WithField("vm", c.vmName)

	if !c.client.Connected() {
		if err := c.client.Connect(ctx); err != nil {
			c.metrics.IncrementConnectErrors()
			logger.WithError(err).Warn("balloon: reconnect failed, skipping cycle")
			return
		}
		logger.Info("balloon: reconnected to QMP")
	}

	logger.Debug("balloon: checking memory")
	_, err := c.Adjust(ctx)
	switch {
	case err == nil:
	case errors.Is(err, telemetry.ErrStale):
		logger.WithError(err).Debug("balloon: no new telemetry")
	case errors.Is(err, ErrCapacityExhausted):
		logger.WithError(err).Debug("balloon: adjustment limited")
	case errors.Is(err, qmp.ErrConnection):
		logger.WithError(err).Warn("balloon: QMP connection lost")
	default:
		logger.WithError(err).Warn("balloon: adjustment failed")
	}
}

// adoptExistingDIMMs accounts pc-dimms already plugged into the guest, for
// instance by an earlier controller run, so new slot ids do not collide
// with them.
func (c *Controller) adoptExistingDIMMs(ctx context.Context) {
	logger := log.G(ctx).WithField("vm", c.vmName)

	devices, err := c.client.QueryMemoryDevices(ctx)
	if err != nil {
		logger.WithError(err).Warn("balloon: query memory devices failed, existing DIMMs not accounted")
		return
	}

	used, highest := 0, 0
	for _, dev := range devices {
		if dev.Type != "dimm" {
			continue
		}
		used++
		slot, _ := qmp.SlotOf(dev.ID())
		if n, ok := slotNumber(slot); ok {
			highest = max(highest, n)
		}
	}
	if used == 0 {
		return
	}
	c.state.AdoptSlots(used, highest)

	fields := log.Fields{
		"dimms":      used,
		"slots_used": fmt.Sprintf("%d/%d", c.state.SlotCount, c.state.MaxSlots),
	}
	if summary, err := c.client.QueryMemorySizeSummary(ctx); err == nil {
		fields["plugged_mb"] = summary.PluggedMemory / bytesPerMB
	}
	logger.WithFields(fields).Info("balloon: adopted DIMMs already present in the guest")
	c.metrics.SetCapacity(c.state)
}

func (c *Controller) cleanup(ctx context.Context) error {
	if err := c.client.Close(); err != nil {
		log.G(ctx).WithError(err).Debug("balloon: close QMP client")
	}
	if c.pidFile == "" {
		return nil
	}
	return pidfile.Remove(c.pidFile)
}
