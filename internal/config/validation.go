package config

import (
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Validate validates the entire configuration.
func (c *Config) Validate() error {
	if err := c.validateVM(); err != nil {
		return fmt.Errorf("vm: %w", err)
	}
	if err := c.validateTransport(); err != nil {
		return fmt.Errorf("transport: %w", err)
	}
	if err := c.validateTelemetry(); err != nil {
		return fmt.Errorf("telemetry: %w", err)
	}
	if err := c.validateBalloon(); err != nil {
		return fmt.Errorf("balloon: %w", err)
	}
	if err := c.validateTimeouts(); err != nil {
		return fmt.Errorf("timeouts: %w", err)
	}
	if err := c.validateMetrics(); err != nil {
		return fmt.Errorf("metrics: %w", err)
	}
	if err := c.validateJournal(); err != nil {
		return fmt.Errorf("journal: %w", err)
	}
	return nil
}

func (c *Config) validateVM() error {
	if c.VM.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if strings.ContainsAny(c.VM.Name, `/\`) || c.VM.Name == "." || c.VM.Name == ".." {
		return fmt.Errorf("name: must be a plain name, got %q", c.VM.Name)
	}
	if c.VM.StateDir != "" {
		if err := ensureDirWritable(c.VM.StateDir, "state_dir"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateTransport() error {
	switch c.Transport.Network {
	case "", "unix":
	case "tcp":
		if c.Transport.Address == "" {
			return fmt.Errorf("address: required for tcp")
		}
		if err := validateHostPort(c.Transport.Address, "address"); err != nil {
			return err
		}
	default:
		return fmt.Errorf("network must be \"unix\" or \"tcp\", got %q", c.Transport.Network)
	}
	return nil
}

func (c *Config) validateTelemetry() error {
	if c.Telemetry.SharedDir != "" {
		if err := validateDirExists(c.Telemetry.SharedDir, "shared_dir"); err != nil {
			return err
		}
	}
	return nil
}

func (c *Config) validateBalloon() error {
	b := &c.Balloon

	if b.MinMemoryMB <= 0 {
		return fmt.Errorf("min_memory_mb: must be > 0, got %d", b.MinMemoryMB)
	}
	if b.MaxMemoryMB < 0 {
		return fmt.Errorf("max_memory_mb: must be >= 0, got %d", b.MaxMemoryMB)
	}
	if b.MaxMemoryMB > 0 && b.MaxMemoryMB < b.MinMemoryMB {
		return fmt.Errorf("max_memory_mb (%d) must be >= min_memory_mb (%d)", b.MaxMemoryMB, b.MinMemoryMB)
	}
	if b.HostReserveMB < 0 {
		return fmt.Errorf("host_reserve_mb: must be >= 0, got %d", b.HostReserveMB)
	}

	// Thresholds are free-memory ratios (0 < low < high < 1)
	if b.LowThreshold <= 0 || b.LowThreshold >= 1 {
		return fmt.Errorf("low_threshold: must be between 0 and 1, got %.2f", b.LowThreshold)
	}
	if b.HighThreshold <= 0 || b.HighThreshold >= 1 {
		return fmt.Errorf("high_threshold: must be between 0 and 1, got %.2f", b.HighThreshold)
	}
	if b.LowThreshold >= b.HighThreshold {
		return fmt.Errorf("low_threshold (%.2f) must be < high_threshold (%.2f)", b.LowThreshold, b.HighThreshold)
	}

	if b.StepMB <= 0 {
		return fmt.Errorf("step_mb: must be > 0, got %d", b.StepMB)
	}
	if b.MaxSlots <= 0 || b.MaxSlots > 256 {
		return fmt.Errorf("max_slots: must be 1-256, got %d", b.MaxSlots)
	}
	if b.LivenessEvery <= 0 {
		return fmt.Errorf("liveness_every: must be > 0, got %d", b.LivenessEvery)
	}

	d, err := time.ParseDuration(b.CheckInterval)
	if err != nil {
		return fmt.Errorf("check_interval: invalid duration %q", b.CheckInterval)
	}
	if d <= 0 {
		return fmt.Errorf("check_interval: must be positive, got %s", d)
	}
	return nil
}

func (c *Config) validateTimeouts() error {
	fields := map[string]string{
		"qmp_connect": c.Timeouts.QMPConnect,
		"qmp_command": c.Timeouts.QMPCommand,
	}

	for name, val := range fields {
		d, err := time.ParseDuration(val)
		if err != nil {
			return fmt.Errorf("%s: invalid duration %q", name, val)
		}
		if d <= 0 {
			return fmt.Errorf("%s: must be positive, got %s", name, d)
		}
		if d > time.Hour {
			return fmt.Errorf("%s: too large (%s), max is 1h", name, d)
		}
	}
	return nil
}

func (c *Config) validateMetrics() error {
	if c.Metrics.ListenAddr == "" {
		return nil
	}
	return validateHostPort(c.Metrics.ListenAddr, "listen_addr")
}

func (c *Config) validateJournal() error {
	if c.Journal.Keep <= 0 {
		return fmt.Errorf("keep: must be > 0, got %d", c.Journal.Keep)
	}
	if c.Journal.Path != "" && !c.Journal.Disabled {
		if err := ensureDirWritable(filepath.Dir(c.Journal.Path), "path"); err != nil {
			return err
		}
	}
	return nil
}

// Helper functions

func validateHostPort(addr, name string) error {
	if _, _, err := net.SplitHostPort(addr); err != nil {
		return fmt.Errorf("%s: expected host:port, got %q", name, addr)
	}
	return nil
}

func canonicalizePath(path string) (string, error) {
	cleaned := filepath.Clean(path)
	resolved, err := filepath.EvalSymlinks(cleaned)
	if err == nil {
		return resolved, nil
	}
	if os.IsNotExist(err) {
		return cleaned, nil
	}
	return "", fmt.Errorf("failed to resolve path %s: %w", path, err)
}

func validateDirExists(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, err := os.Stat(canonical)
	if err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: directory does not exist: %s", name, canonical)
		}
		return fmt.Errorf("%s: cannot access: %w", name, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("%s: not a directory: %s", name, canonical)
	}
	return nil
}

func ensureDirWritable(path, name string) error {
	canonical, err := canonicalizePath(path)
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}

	info, statErr := os.Stat(canonical)
	if statErr != nil {
		if os.IsNotExist(statErr) {
			if err := os.MkdirAll(canonical, 0750); err != nil {
				return fmt.Errorf("%s: cannot create directory %s: %w", name, canonical, err)
			}
		} else {
			return fmt.Errorf("%s: cannot access %s: %w", name, canonical, statErr)
		}
	} else if !info.IsDir() {
		return fmt.Errorf("%s: not a directory: %s", name, canonical)
	}

	if !writable(canonical) {
		return fmt.Errorf("%s: not writable: %s", name, canonical)
	}
	return nil
}
