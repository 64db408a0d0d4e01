package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadMergesFileOverDefaults(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "fleet.yaml")
	content := `
discovery:
  scan_interval: 30s
  known:
    - address: 10.0.0.5:5555
      transport: WIFI
channel:
  mode: fifo
`
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Discovery.ScanInterval != 30*time.Second {
		t.Fatalf("scan interval = %s", cfg.Discovery.ScanInterval)
	}
	if cfg.Discovery.ProbeBatchSize != 20 {
		t.Fatalf("default batch size lost: %d", cfg.Discovery.ProbeBatchSize)
	}
	if len(cfg.Discovery.Known) != 1 || cfg.Discovery.Known[0].Address != "10.0.0.5:5555" {
		t.Fatalf("known = %+v", cfg.Discovery.Known)
	}
	if cfg.Channel.Mode != "fifo" {
		t.Fatalf("mode = %s", cfg.Channel.Mode)
	}
}

func TestEnvOverridesKnownAddresses(t *testing.T) {
	t.Setenv("FLEET_KNOWN_ADDRESSES", "10.0.0.7:5555, lan@10.0.1.9:5555")
	t.Setenv("FLEET_SUBNETS", "192.168.1.0/30")
	cfg := Default()
	cfg.ApplyEnvOverrides()
	if len(cfg.Discovery.Known) != 2 {
		t.Fatalf("known = %+v", cfg.Discovery.Known)
	}
	if cfg.Discovery.Known[1].Transport != "LAN" || cfg.Discovery.Known[1].Address != "10.0.1.9:5555" {
		t.Fatalf("unexpected second entry %+v", cfg.Discovery.Known[1])
	}
	if !cfg.Discovery.SubnetSweep || len(cfg.Discovery.Subnets) != 1 {
		t.Fatalf("subnet sweep not enabled: %+v", cfg.Discovery)
	}
}

func TestValidateRejectsUnknownMode(t *testing.T) {
	cfg := Default()
	cfg.Channel.Mode = "parallel"
	if err := cfg.Validate(); err == nil {
		t.Fatalf("expected validation error")
	}
}

func TestEnvOverridesTypedValues(t *testing.T) {
	t.Setenv("FLEET_STORAGE_ENABLED", "no")
	t.Setenv("FLEET_SCAN_INTERVAL", "45s")
	t.Setenv("FLEET_SWEEP_RATE", "125.5")
	t.Setenv("FLEET_MAX_TASKS_PER_DEVICE", "5")
	t.Setenv("FLEET_ACK_TIMEOUT", "90s")
	cfg := Default()
	cfg.ApplyEnvOverrides()
	if cfg.Storage.Enabled {
		t.Fatalf("storage should be disabled")
	}
	if cfg.Discovery.ScanInterval != 45*time.Second {
		t.Fatalf("scan interval = %s", cfg.Discovery.ScanInterval)
	}
	if cfg.Discovery.SweepRate != 125.5 {
		t.Fatalf("sweep rate = %v", cfg.Discovery.SweepRate)
	}
	if cfg.Dispatcher.MaxTasksPerDevice != 5 {
		t.Fatalf("max tasks = %d", cfg.Dispatcher.MaxTasksPerDevice)
	}
	if cfg.Dispatcher.AckTimeout != 90*time.Second {
		t.Fatalf("ack timeout = %s", cfg.Dispatcher.AckTimeout)
	}

	t.Setenv("FLEET_SWEEP_RATE", "fast")
	cfg = Default()
	cfg.ApplyEnvOverrides()
	if cfg.Discovery.SweepRate != 500 {
		t.Fatalf("invalid value should keep the default, got %v", cfg.Discovery.SweepRate)
	}
}
