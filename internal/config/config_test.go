package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.VM.Name != DefaultVMName {
		t.Errorf("expected VM name %s, got %s", DefaultVMName, cfg.VM.Name)
	}

	// Verify decision defaults
	if cfg.Balloon.LowThreshold != 0.30 {
		t.Errorf("expected LowThreshold 0.30, got %.2f", cfg.Balloon.LowThreshold)
	}
	if cfg.Balloon.HighThreshold != 0.50 {
		t.Errorf("expected HighThreshold 0.50, got %.2f", cfg.Balloon.HighThreshold)
	}
	if cfg.Balloon.StepMB != 256 {
		t.Errorf("expected StepMB 256, got %d", cfg.Balloon.StepMB)
	}
	if cfg.Balloon.MaxSlots != 16 {
		t.Errorf("expected MaxSlots 16, got %d", cfg.Balloon.MaxSlots)
	}
	if cfg.Balloon.HostReserveMB != 1024 {
		t.Errorf("expected HostReserveMB 1024, got %d", cfg.Balloon.HostReserveMB)
	}
	if got := cfg.Balloon.GetCheckInterval(); got != 5*time.Second {
		t.Errorf("expected CheckInterval 5s, got %s", got)
	}

	// Verify timeouts
	if got := cfg.Timeouts.GetQMPCommand(); got != 5*time.Second {
		t.Errorf("expected QMPCommand 5s, got %s", got)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoadFrom_MissingFile(t *testing.T) {
	_, err := LoadFrom("/nonexistent/path/config.json")
	if err == nil {
		t.Fatal("expected error for missing file, got nil")
	}

	errMsg := err.Error()
	if !strings.Contains(errMsg, "/nonexistent/path/config.json") {
		t.Errorf("error should mention config file path, got: %s", errMsg)
	}
	if !strings.Contains(errMsg, "config file not found") {
		t.Errorf("error should mention 'config file not found', got: %s", errMsg)
	}
}

func TestLoadFrom_InvalidJSON(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")

	if err := os.WriteFile(configPath, []byte("{invalid json}"), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFrom(configPath)
	if err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
	if !strings.Contains(err.Error(), "failed to parse config file") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoadFrom_ValidConfig(t *testing.T) {
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.json")
	stateDir := filepath.Join(tmpDir, "state")
	sharedDir := filepath.Join(tmpDir, "shared")

	if err := os.MkdirAll(sharedDir, 0750); err != nil {
		t.Fatal(err)
	}

	cfg := &Config{
		VM: VMConfig{
			Name:     "lab-vm",
			StateDir: stateDir,
		},
		Transport: TransportConfig{
			Network: "tcp",
			Address: "127.0.0.1:4444",
		},
		Telemetry: TelemetryConfig{
			SharedDir: sharedDir,
		},
		Balloon: BalloonConfig{
			MinMemoryMB:   2048,
			MaxMemoryMB:   8192,
			LowThreshold:  0.25,
			HighThreshold: 0.60,
			CheckInterval: "10s",
		},
		Metrics: MetricsConfig{
			ListenAddr: "127.0.0.1:9464",
		},
	}

	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(configPath, data, 0600); err != nil {
		t.Fatal(err)
	}

	loaded, err := LoadFrom(configPath)
	if err != nil {
		t.Fatalf("failed to load valid config: %v", err)
	}

	if loaded.Balloon.LowThreshold != 0.25 {
		t.Errorf("expected LowThreshold 0.25, got %.2f", loaded.Balloon.LowThreshold)
	}
	if loaded.Balloon.GetCheckInterval() != 10*time.Second {
		t.Errorf("expected CheckInterval 10s, got %s", loaded.Balloon.GetCheckInterval())
	}
	// Defaults fill what the file left out
	if loaded.Balloon.StepMB != 256 {
		t.Errorf("expected default StepMB, got %d", loaded.Balloon.StepMB)
	}
	if loaded.Timeouts.QMPConnect != "5s" {
		t.Errorf("expected default QMPConnect, got %s", loaded.Timeouts.QMPConnect)
	}
	if info, err := os.Stat(stateDir); err != nil || !info.IsDir() {
		t.Errorf("state_dir should have been created: %v", err)
	}
}

func TestLoadFrom_InvalidValues(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(configPath, []byte(`{"balloon": {"low_threshold": 0.7, "high_threshold": 0.5}}`), 0600); err != nil {
		t.Fatal(err)
	}

	_, err := LoadFrom(configPath)
	if err == nil {
		t.Fatal("expected validation error, got nil")
	}
	if !strings.Contains(err.Error(), "invalid configuration") || !strings.Contains(err.Error(), "balloon:") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.json")
	if err := os.WriteFile(configPath, []byte(`{"vm": {"name": "env-vm"}}`), 0600); err != nil {
		t.Fatal(err)
	}
	t.Setenv(ConfigEnvVar, configPath)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() failed: %v", err)
	}
	if cfg.VM.Name != "env-vm" {
		t.Errorf("expected VM name env-vm, got %s", cfg.VM.Name)
	}
}

func TestLoad_EnvMissingFile(t *testing.T) {
	t.Setenv(ConfigEnvVar, filepath.Join(t.TempDir(), "missing.json"))

	if _, err := Load(); err == nil {
		t.Fatal("expected error when BALLOOND_CONFIG points to a missing file")
	}
}

func TestApplyDefaults(t *testing.T) {
	cfg := &Config{
		VM: VMConfig{
			Name: "custom",
		},
		Balloon: BalloonConfig{
			StepMB: 512,
		},
	}

	cfg.ApplyDefaults()

	if cfg.VM.Name != "custom" {
		t.Errorf("expected custom VM name to be preserved, got %s", cfg.VM.Name)
	}
	if cfg.Balloon.StepMB != 512 {
		t.Errorf("expected custom StepMB to be preserved, got %d", cfg.Balloon.StepMB)
	}
	if cfg.Balloon.MinMemoryMB != 1024 {
		t.Errorf("expected default MinMemoryMB, got %d", cfg.Balloon.MinMemoryMB)
	}
	if cfg.Balloon.CheckInterval != "5s" {
		t.Errorf("expected default CheckInterval, got %s", cfg.Balloon.CheckInterval)
	}
	if cfg.Journal.Keep != 500 {
		t.Errorf("expected default Keep, got %d", cfg.Journal.Keep)
	}
	if cfg.VM.StateDir != "" {
		t.Errorf("state_dir should stay empty for derivation, got %s", cfg.VM.StateDir)
	}
}

func TestMustParseDurationPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Error("expected panic for invalid duration")
		}
	}()
	tc := TimeoutsConfig{QMPCommand: "soon"}
	tc.GetQMPCommand()
}
