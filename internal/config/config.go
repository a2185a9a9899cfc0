// Package config provides configuration management for balloond.
// Configuration is loaded from a JSON file at /etc/balloond/config.json
// (overridable via BALLOOND_CONFIG environment variable).
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"time"
)

const (
	// DefaultConfigPath is the default location for the config file
	DefaultConfigPath = "/etc/balloond/config.json"

	// ConfigEnvVar is the environment variable to override config file location
	ConfigEnvVar = "BALLOOND_CONFIG"

	// DefaultVMName is the VM managed when none is configured.
	DefaultVMName = "student-vm"
)

// Config is the root configuration structure
type Config struct {
	VM        VMConfig        `json:"vm"`
	Transport TransportConfig `json:"transport"`
	Telemetry TelemetryConfig `json:"telemetry"`
	Balloon   BalloonConfig   `json:"balloon"`
	Timeouts  TimeoutsConfig  `json:"timeouts"`
	Metrics   MetricsConfig   `json:"metrics"`
	Journal   JournalConfig   `json:"journal"`
}

// VMConfig identifies the managed VM and where its state lives.
type VMConfig struct {
	Name     string `json:"name"`
	StateDir string `json:"state_dir"` // Per-VM directory (derived from name if empty)
	PIDFile  string `json:"pid_file"`  // Controller PID marker (derived if empty)
}

// TransportConfig defines how to reach the QEMU monitor.
type TransportConfig struct {
	Network string `json:"network"` // "unix" or "tcp" (platform default if empty)
	Address string `json:"address"` // Socket path or host:port (derived if empty)
}

// TelemetryConfig defines where the guest agent writes its snapshots.
type TelemetryConfig struct {
	SharedDir  string `json:"shared_dir"`  // Directory shared with the guest (derived if empty)
	StatusFile string `json:"status_file"` // Explicit status file, overrides shared_dir
}

// BalloonConfig defines the decision parameters.
type BalloonConfig struct {
	MinMemoryMB   int64   `json:"min_memory_mb"`   // Memory the VM was started with
	MaxMemoryMB   int64   `json:"max_memory_mb"`   // Ceiling; 0 derives it from host memory
	HostReserveMB int64   `json:"host_reserve_mb"` // Kept for the host when the ceiling is derived
	LowThreshold  float64 `json:"low_threshold"`   // Free ratio below which memory is added
	HighThreshold float64 `json:"high_threshold"`  // Free ratio above which memory is reclaimed
	StepMB        int64   `json:"step_mb"`         // Minimum adjustment
	MaxSlots      int     `json:"max_slots"`       // pc-dimm slots the VM was started with
	CheckInterval string  `json:"check_interval"`  // Poll interval (e.g., "5s")
	LivenessEvery int     `json:"liveness_every"`  // Probe the VM every N iterations
}

// GetCheckInterval returns the poll interval as a time.Duration.
func (b *BalloonConfig) GetCheckInterval() time.Duration {
	return mustParseDuration(b.CheckInterval)
}

// TimeoutsConfig defines timeout durations for QMP operations.
// All values are duration strings (e.g., "5s", "500ms").
type TimeoutsConfig struct {
	// QMPConnect bounds dialing the monitor and the capabilities handshake.
	// Default: 5s.
	QMPConnect string `json:"qmp_connect"`

	// QMPCommand is the timeout for a single QMP command.
	// Default: 5s. Increase for slow hosts.
	QMPCommand string `json:"qmp_command"`
}

// GetQMPConnect returns the QMP connect timeout as a time.Duration.
// Panics if the configuration is invalid (should be caught by validation).
func (t *TimeoutsConfig) GetQMPConnect() time.Duration {
	return mustParseDuration(t.QMPConnect)
}

// GetQMPCommand returns the QMP command timeout as a time.Duration.
func (t *TimeoutsConfig) GetQMPCommand() time.Duration {
	return mustParseDuration(t.QMPCommand)
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	ListenAddr string `json:"listen_addr"` // host:port; empty disables the endpoint
}

// JournalConfig configures the adjustment journal.
type JournalConfig struct {
	Path     string `json:"path"`     // bbolt file (derived if empty)
	Keep     int    `json:"keep"`     // Number of events retained
	Disabled bool   `json:"disabled"` // Do not record adjustments
}

// mustParseDuration parses a duration string, panicking on error.
// This is safe because validation should have already verified the format.
func mustParseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		panic(fmt.Sprintf("invalid duration %q: %v (config validation should have caught this)", s, err))
	}
	return d
}

// Load loads configuration from BALLOOND_CONFIG or /etc/balloond/config.json.
// When neither the variable is set nor the default file exists, the
// defaults are returned.
func Load() (*Config, error) {
	configPath := os.Getenv(ConfigEnvVar)
	if configPath != "" {
		return LoadFrom(configPath)
	}

	if _, err := os.Stat(DefaultConfigPath); os.IsNotExist(err) {
		cfg := DefaultConfig()
		return cfg, cfg.Validate()
	}
	return LoadFrom(DefaultConfigPath)
}

// LoadFrom loads configuration from a specific path.
// Returns error if file doesn't exist or is invalid.
func LoadFrom(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s", path)
		}
		return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
	}

	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w (ensure it's valid JSON)", path, err)
	}

	// Apply defaults for empty fields
	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration in %s: %w", path, err)
	}

	return &cfg, nil
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		VM: VMConfig{
			Name: DefaultVMName,
		},
		Balloon: BalloonConfig{
			MinMemoryMB:   1024,
			MaxMemoryMB:   0, // Host memory minus reserve
			HostReserveMB: 1024,
			LowThreshold:  0.30,
			HighThreshold: 0.50,
			StepMB:        256,
			MaxSlots:      16,
			CheckInterval: "5s",
			LivenessEvery: 3,
		},
		Timeouts: TimeoutsConfig{
			QMPConnect: "5s",
			QMPCommand: "5s",
		},
		Journal: JournalConfig{
			Keep: 500,
		},
	}
}

// ApplyDefaults fills in default values for any empty fields. Callers that
// build a Config by hand (flag overrides) use it before Validate.
func (c *Config) ApplyDefaults() {
	c.applyDefaults()
}

// applyDefaults fills in default values for any empty fields
func (c *Config) applyDefaults() {
	defaults := DefaultConfig()

	c.applyVMDefaults(defaults)
	c.applyBalloonDefaults(defaults)
	c.applyTimeoutsDefaults(defaults)
	c.applyJournalDefaults(defaults)
}

func (c *Config) applyVMDefaults(defaults *Config) {
	if c.VM.Name == "" {
		c.VM.Name = defaults.VM.Name
	}
	// StateDir, PIDFile, transport and telemetry paths are derived per VM
	// by the paths package.
}

func (c *Config) applyBalloonDefaults(defaults *Config) {
	if c.Balloon.MinMemoryMB == 0 {
		c.Balloon.MinMemoryMB = defaults.Balloon.MinMemoryMB
	}
	if c.Balloon.HostReserveMB == 0 {
		c.Balloon.HostReserveMB = defaults.Balloon.HostReserveMB
	}
	if c.Balloon.LowThreshold == 0 {
		c.Balloon.LowThreshold = defaults.Balloon.LowThreshold
	}
	if c.Balloon.HighThreshold == 0 {
		c.Balloon.HighThreshold = defaults.Balloon.HighThreshold
	}
	if c.Balloon.StepMB == 0 {
		c.Balloon.StepMB = defaults.Balloon.StepMB
	}
	if c.Balloon.MaxSlots == 0 {
		c.Balloon.MaxSlots = defaults.Balloon.MaxSlots
	}
	if c.Balloon.CheckInterval == "" {
		c.Balloon.CheckInterval = defaults.Balloon.CheckInterval
	}
	if c.Balloon.LivenessEvery == 0 {
		c.Balloon.LivenessEvery = defaults.Balloon.LivenessEvery
	}
}

func (c *Config) applyTimeoutsDefaults(defaults *Config) {
	if c.Timeouts.QMPConnect == "" {
		c.Timeouts.QMPConnect = defaults.Timeouts.QMPConnect
	}
	if c.Timeouts.QMPCommand == "" {
		c.Timeouts.QMPCommand = defaults.Timeouts.QMPCommand
	}
}

func (c *Config) applyJournalDefaults(defaults *Config) {
	if c.Journal.Keep == 0 {
		c.Journal.Keep = defaults.Journal.Keep
	}
}
