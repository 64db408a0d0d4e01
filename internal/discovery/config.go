package discovery

import (
	"math"
	"time"

	"github.com/exe-blue/doai-me-app-sub000/internal/device"
)

const (
	defaultScanInterval        = 60 * time.Second
	defaultHotplugInterval     = 5 * time.Second
	defaultHealthCheckInterval = 30 * time.Second
	defaultProbeTimeout        = 5 * time.Second
	defaultProbeBatchSize      = 20
	defaultControlPort         = 5555
	defaultSweepTimeout        = 300 * time.Millisecond
	defaultSweepConcurrency    = 64
	defaultSweepRate           = 500
	defaultReconnectInterval   = 10 * time.Second
	defaultReconnectMultiplier = 1.5
	defaultReconnectAttempts   = 3
	maxSweepHosts              = 1 << 16
)

// KnownAddress is a statically configured network device.
type KnownAddress struct {
	Address   string
	Transport device.Transport
}

// ReconnectPolicy controls the per-device retry schedule for WiFi/LAN devices.
type ReconnectPolicy struct {
	Interval    time.Duration
	Multiplier  float64
	MaxAttempts int
}

// Delay returns interval × multiplier^(attempt-1); attempt counts from 1.
func (p ReconnectPolicy) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	return time.Duration(float64(p.Interval) * math.Pow(p.Multiplier, float64(attempt-1)))
}

// Config controls scanning, health checks and reconnection.
type Config struct {
	ScanInterval        time.Duration
	HotplugInterval     time.Duration
	HealthCheckInterval time.Duration
	ProbeTimeout        time.Duration
	ProbeBatchSize      int
	Known               []KnownAddress

	SubnetSweep      bool
	Subnets          []string
	ControlPort      int
	SweepTimeout     time.Duration
	SweepConcurrency int
	// SweepRate caps TCP dials per second across the sweep.
	SweepRate float64

	Reconnect ReconnectPolicy
}

func (c *Config) normalise() {
	if c.ScanInterval <= 0 {
		c.ScanInterval = defaultScanInterval
	}
	if c.HotplugInterval <= 0 {
		c.HotplugInterval = defaultHotplugInterval
	}
	if c.HealthCheckInterval <= 0 {
		c.HealthCheckInterval = defaultHealthCheckInterval
	}
	if c.ProbeTimeout <= 0 {
		c.ProbeTimeout = defaultProbeTimeout
	}
	if c.ProbeBatchSize <= 0 {
		c.ProbeBatchSize = defaultProbeBatchSize
	}
	if c.ControlPort <= 0 {
		c.ControlPort = defaultControlPort
	}
	if c.SweepTimeout <= 0 {
		c.SweepTimeout = defaultSweepTimeout
	}
	if c.SweepConcurrency <= 0 {
		c.SweepConcurrency = defaultSweepConcurrency
	}
	if c.SweepRate <= 0 {
		c.SweepRate = defaultSweepRate
	}
	if c.Reconnect.Interval <= 0 {
		c.Reconnect.Interval = defaultReconnectInterval
	}
	if c.Reconnect.Multiplier < 1 {
		c.Reconnect.Multiplier = defaultReconnectMultiplier
	}
	if c.Reconnect.MaxAttempts <= 0 {
		c.Reconnect.MaxAttempts = defaultReconnectAttempts
	}
}
