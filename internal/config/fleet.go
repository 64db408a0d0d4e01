package config

import (
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Example fleet file:
//
//	discovery:
//	  scan_interval: 60s
//	  known:
//	    - address: 10.0.0.5:5555
//	      transport: WIFI
//	  subnet_sweep: true
//	  subnets: [192.168.1.0/24]
//	channel:
//	  url: ws://127.0.0.1:22221/
//	  mode: serial
//	http:
//	  addr: :8080

// Fleet is the complete control plane configuration.
type Fleet struct {
	Discovery  Discovery  `yaml:"discovery"`
	Channel    Channel    `yaml:"channel"`
	Dispatcher Dispatcher `yaml:"dispatcher"`
	Stream     Stream     `yaml:"stream"`
	Router     Router     `yaml:"router"`
	HTTP       HTTP       `yaml:"http"`
	Storage    Storage    `yaml:"storage"`
}

// KnownAddress is a statically configured WiFi/LAN device.
type KnownAddress struct {
	Address   string `yaml:"address"`
	Transport string `yaml:"transport"`
}

// Discovery configures scanning and reconnection.
type Discovery struct {
	ScanInterval        time.Duration  `yaml:"scan_interval"`
	HotplugInterval     time.Duration  `yaml:"hotplug_interval"`
	HealthCheckInterval time.Duration  `yaml:"health_check_interval"`
	ProbeTimeout        time.Duration  `yaml:"probe_timeout"`
	ProbeBatchSize      int            `yaml:"probe_batch_size"`
	Known               []KnownAddress `yaml:"known"`

	SubnetSweep      bool          `yaml:"subnet_sweep"`
	Subnets          []string      `yaml:"subnets"`
	ControlPort      int           `yaml:"control_port"`
	SweepTimeout     time.Duration `yaml:"sweep_timeout"`
	SweepConcurrency int           `yaml:"sweep_concurrency"`
	SweepRate        float64       `yaml:"sweep_rate"`

	Reconnect ReconnectPolicy `yaml:"reconnect"`
}

// ReconnectPolicy is the per-device WiFi/LAN retry schedule.
type ReconnectPolicy struct {
	Interval    time.Duration `yaml:"interval"`
	Multiplier  float64       `yaml:"multiplier"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Channel configures the command channel socket.
type Channel struct {
	URL               string        `yaml:"url"`
	Mode              string        `yaml:"mode"` // serial | fifo
	CommandTimeout    time.Duration `yaml:"command_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	PingInterval      time.Duration `yaml:"ping_interval"`
	PongTimeout       time.Duration `yaml:"pong_timeout"`
	StaleDrainWindow  time.Duration `yaml:"stale_drain_window"`
	Backoff           Backoff       `yaml:"backoff"`
}

// Backoff is a capped exponential retry schedule.
type Backoff struct {
	Base        time.Duration `yaml:"base"`
	Multiplier  float64       `yaml:"multiplier"`
	Max         time.Duration `yaml:"max"`
	MaxAttempts int           `yaml:"max_attempts"`
}

// Dispatcher configures the task dispatch loop.
type Dispatcher struct {
	TickInterval      time.Duration `yaml:"tick_interval"`
	MaxTasksPerDevice int           `yaml:"max_tasks_per_device"`
	SendTimeout       time.Duration `yaml:"send_timeout"`
	AckTimeout        time.Duration `yaml:"ack_timeout"`
}

// Stream configures capture processes and viewer sockets.
type Stream struct {
	ADBPath        string        `yaml:"adb_path"`
	DefaultQuality string        `yaml:"default_quality"`
	RestartDelay   time.Duration `yaml:"restart_delay"`
	TimeLimit      time.Duration `yaml:"time_limit"`
	ViewerBuffer   int           `yaml:"viewer_buffer"`
}

// Router configures the on-device agent.
type Router struct {
	Version        string        `yaml:"version"`
	DrainInterval  time.Duration `yaml:"drain_interval"`
	PoolSize       int           `yaml:"pool_size"`
	ListenAddr     string        `yaml:"listen_addr"`
	ControlURL     string        `yaml:"control_url"`
	ScriptPath     string        `yaml:"script_path"`
	CommandTimeout time.Duration `yaml:"command_timeout"`
}

// HTTP configures the management surface.
type HTTP struct {
	Addr string `yaml:"addr"`
}

// Storage configures the SQLite audit recorder.
type Storage struct {
	Enabled bool   `yaml:"enabled"`
	Path    string `yaml:"path"`
}

// Default returns a fleet config with production defaults.
func Default() *Fleet {
	return &Fleet{
		Discovery: Discovery{
			ScanInterval:        60 * time.Second,
			HotplugInterval:     5 * time.Second,
			HealthCheckInterval: 30 * time.Second,
			ProbeTimeout:        5 * time.Second,
			ProbeBatchSize:      20,
			ControlPort:         5555,
			SweepTimeout:        300 * time.Millisecond,
			SweepConcurrency:    64,
			SweepRate:           500,
			Reconnect: ReconnectPolicy{
				Interval:    10 * time.Second,
				Multiplier:  1.5,
				MaxAttempts: 3,
			},
		},
		Channel: Channel{
			URL:               "ws://127.0.0.1:22221/",
			Mode:              "serial",
			CommandTimeout:    10 * time.Second,
			HeartbeatInterval: 30 * time.Second,
			PingInterval:      15 * time.Second,
			PongTimeout:       10 * time.Second,
			StaleDrainWindow:  500 * time.Millisecond,
			Backoff: Backoff{
				Base:        time.Second,
				Multiplier:  2,
				Max:         30 * time.Second,
				MaxAttempts: 10,
			},
		},
		Dispatcher: Dispatcher{
			TickInterval:      time.Second,
			MaxTasksPerDevice: 3,
			SendTimeout:       10 * time.Second,
			AckTimeout:        5 * time.Minute,
		},
		Stream: Stream{
			ADBPath:        "adb",
			DefaultQuality: "medium",
			RestartDelay:   time.Second,
			TimeLimit:      180 * time.Second,
			ViewerBuffer:   64,
		},
		Router: Router{
			Version:        "1.0",
			DrainInterval:  100 * time.Millisecond,
			PoolSize:       4,
			ListenAddr:     ":8700",
			CommandTimeout: 60 * time.Second,
		},
		HTTP:    HTTP{Addr: ":8080"},
		Storage: Storage{Enabled: true},
	}
}

// Load reads path (when non-empty) over the defaults and applies env overrides.
func Load(path string) (*Fleet, error) {
	cfg := Default()
	path = strings.TrimSpace(path)
	if path == "" {
		path = String("FLEET_CONFIG", "")
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, errors.Wrapf(err, "read fleet config %s", path)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, errors.Wrapf(err, "parse fleet config %s", path)
		}
	}
	cfg.ApplyEnvOverrides()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnvOverrides applies FLEET_* environment variables.
func (c *Fleet) ApplyEnvOverrides() {
	c.HTTP.Addr = String("FLEET_HTTP_ADDR", c.HTTP.Addr)
	c.Channel.URL = String("FLEET_CHANNEL_URL", c.Channel.URL)
	c.Channel.Mode = String("FLEET_CHANNEL_MODE", c.Channel.Mode)
	c.Router.ControlURL = String("FLEET_CONTROL_URL", c.Router.ControlURL)
	c.Router.ListenAddr = String("FLEET_AGENT_ADDR", c.Router.ListenAddr)
	c.Router.ScriptPath = String("FLEET_AGENT_SCRIPT", c.Router.ScriptPath)
	c.Storage.Path = String("FLEET_DB_PATH", c.Storage.Path)
	c.Storage.Enabled = Bool("FLEET_STORAGE_ENABLED", c.Storage.Enabled)
	c.Stream.ADBPath = String("FLEET_ADB_PATH", c.Stream.ADBPath)
	c.Discovery.ScanInterval = Duration("FLEET_SCAN_INTERVAL", c.Discovery.ScanInterval)
	c.Discovery.SweepRate = Float("FLEET_SWEEP_RATE", c.Discovery.SweepRate)
	c.Dispatcher.AckTimeout = Duration("FLEET_ACK_TIMEOUT", c.Dispatcher.AckTimeout)
	c.Dispatcher.MaxTasksPerDevice = Int("FLEET_MAX_TASKS_PER_DEVICE", c.Dispatcher.MaxTasksPerDevice)
	if subnets := Strings("FLEET_SUBNETS", nil); len(subnets) > 0 {
		c.Discovery.Subnets = subnets
		c.Discovery.SubnetSweep = true
	}
	// FLEET_KNOWN_ADDRESSES=10.0.0.5:5555,lan@10.0.1.9:5555
	for _, raw := range Strings("FLEET_KNOWN_ADDRESSES", nil) {
		transport := "WIFI"
		if prefix, addr, ok := strings.Cut(raw, "@"); ok {
			transport = strings.ToUpper(prefix)
			raw = addr
		}
		c.Discovery.Known = append(c.Discovery.Known, KnownAddress{Address: raw, Transport: transport})
	}
}

// Validate rejects values that cannot be normalised by the components.
func (c *Fleet) Validate() error {
	switch strings.ToLower(c.Channel.Mode) {
	case "", "serial", "fifo":
	default:
		return errors.Errorf("channel.mode must be serial or fifo, got %q", c.Channel.Mode)
	}
	for _, k := range c.Discovery.Known {
		if strings.TrimSpace(k.Address) == "" {
			return errors.New("discovery.known entries require an address")
		}
		switch strings.ToUpper(k.Transport) {
		case "", "WIFI", "LAN":
		default:
			return errors.Errorf("discovery.known %s: transport must be WIFI or LAN", k.Address)
		}
	}
	if c.Discovery.Reconnect.Multiplier != 0 && c.Discovery.Reconnect.Multiplier < 1 {
		return errors.New("discovery.reconnect.multiplier must be >= 1")
	}
	return nil
}
