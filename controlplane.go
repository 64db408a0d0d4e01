package doai

import (
	"context"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/exe-blue/doai-me-app-sub000/internal/api"
	"github.com/exe-blue/doai-me-app-sub000/internal/channel"
	"github.com/exe-blue/doai-me-app-sub000/internal/config"
	"github.com/exe-blue/doai-me-app-sub000/internal/device"
	"github.com/exe-blue/doai-me-app-sub000/internal/discovery"
	"github.com/exe-blue/doai-me-app-sub000/internal/metrics"
	"github.com/exe-blue/doai-me-app-sub000/internal/providers/adb"
	"github.com/exe-blue/doai-me-app-sub000/internal/recorder"
	"github.com/exe-blue/doai-me-app-sub000/internal/stream"
	"github.com/exe-blue/doai-me-app-sub000/internal/tasks"
)

const (
	shutdownGrace   = 10 * time.Second
	recordTimeout   = 5 * time.Second
	readHeaderLimit = 10 * time.Second
)

// Option customises a ControlPlane.
type Option func(*options)

type options struct {
	cable       discovery.CableLister
	prober      discovery.Prober
	discoveryOp []discovery.Option
	capturer    stream.Capturer
	recorder    recorder.Recorder
}

// WithDiscoveryBackend replaces the adb-backed cable lister and prober.
func WithDiscoveryBackend(cable discovery.CableLister, prober discovery.Prober, opts ...discovery.Option) Option {
	return func(o *options) {
		o.cable = cable
		o.prober = prober
		o.discoveryOp = opts
	}
}

// WithCapturer replaces the adb screenrecord capturer.
func WithCapturer(c stream.Capturer) Option {
	return func(o *options) { o.capturer = c }
}

// WithRecorder replaces the recorder selected by the storage config.
func WithRecorder(r recorder.Recorder) Option {
	return func(o *options) { o.recorder = r }
}

// ControlPlane wires discovery, the command channel, the dispatcher, the
// stream hub and the management API around one device registry.
type ControlPlane struct {
	cfg *config.Fleet

	broker     *device.Broker
	discovery  *discovery.Manager
	channel    *channel.Adapter
	dispatcher *tasks.Dispatcher
	hub        *stream.Hub
	viewers    *stream.Server
	recorder   recorder.Recorder
	handler    http.Handler
	closeOnce  sync.Once

	// serialises count read-and-publish so observers cannot reorder them
	countMu sync.Mutex
}

// New builds every component from cfg. Nothing runs until Run.
func New(cfg *config.Fleet, opts ...Option) (*ControlPlane, error) {
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	if o.prober == nil {
		provider, err := adb.NewDefault()
		if err != nil {
			return nil, err
		}
		prober := discovery.NewADBProber(provider)
		o.cable, o.prober = provider, prober
	}
	if o.capturer == nil {
		o.capturer = stream.ADBCapturer{ADBPath: cfg.Stream.ADBPath, TimeLimit: cfg.Stream.TimeLimit}
	}
	if o.recorder == nil {
		o.recorder = recorder.Noop{}
		if cfg.Storage.Enabled {
			store, err := recorder.Open(cfg.Storage.Path)
			if err != nil {
				return nil, err
			}
			o.recorder = store
		}
	}

	cp := &ControlPlane{cfg: cfg, broker: device.NewBroker(), recorder: o.recorder}
	cp.discovery = discovery.NewManager(DiscoveryConfig(cfg.Discovery), device.NewRegistry(), cp.broker,
		o.cable, o.prober, o.discoveryOp...)
	cp.channel = channel.New(channelConfig(cfg.Channel), cp.onChannelEvent)

	queue := tasks.NewQueue()
	queue.SetObserver(func(task tasks.Task) {
		cp.recordTask(task)
		cp.syncTaskCount(queue, task.DeviceID)
	})
	cp.dispatcher = tasks.NewDispatcher(tasks.Config{
		TickInterval:      cfg.Dispatcher.TickInterval,
		MaxTasksPerDevice: cfg.Dispatcher.MaxTasksPerDevice,
		SendTimeout:       cfg.Dispatcher.SendTimeout,
		AckTimeout:        cfg.Dispatcher.AckTimeout,
	}, queue, cp.discovery, deviceTransmitter{devices: cp.discovery, sender: cp.channel})

	cp.hub = stream.NewHub(stream.Config{
		DefaultQuality: cfg.Stream.DefaultQuality,
		RestartDelay:   cfg.Stream.RestartDelay,
	}, cp.discovery, o.capturer, cp.channel)
	cp.viewers = stream.NewServer(cp.hub, cp.discovery, stream.ServerConfig{ViewerBuffer: cfg.Stream.ViewerBuffer})
	cp.handler = api.NewServer(managedDiscovery{Manager: cp.discovery, recorder: cp.recorder},
		cp.dispatcher, cp.recorder, cp.viewers)
	return cp, nil
}

// Discovery returns the discovery manager.
func (cp *ControlPlane) Discovery() *discovery.Manager { return cp.discovery }

// Dispatcher returns the task dispatcher.
func (cp *ControlPlane) Dispatcher() *tasks.Dispatcher { return cp.dispatcher }

// Hub returns the stream hub.
func (cp *ControlPlane) Hub() *stream.Hub { return cp.hub }

// Channel returns the command channel adapter.
func (cp *ControlPlane) Channel() *channel.Adapter { return cp.channel }

// Handler returns the management HTTP handler.
func (cp *ControlPlane) Handler() http.Handler { return cp.handler }

// Run starts every worker and blocks until ctx is done or a worker fails.
func (cp *ControlPlane) Run(ctx context.Context) error {
	metrics.Init()
	cp.seedKnownDevices(ctx)

	if err := cp.channel.Connect(ctx); err != nil {
		log.Warn().Err(err).Str("url", cp.cfg.Channel.URL).Msg("command channel not ready, retrying in background")
	}

	sg := NewSafeGroup(ctx)
	sg.Go("discovery", cp.discovery.Run)
	sg.Go("dispatcher", cp.dispatcher.Run)
	sg.Go("stream-watch", func(ctx context.Context) error {
		events, unsubscribe := cp.discovery.Subscribe()
		defer unsubscribe()
		return cp.hub.Watch(ctx, events)
	})
	sg.Go("device-recorder", cp.recordDevices)
	if addr := strings.TrimSpace(cp.cfg.HTTP.Addr); addr != "" {
		sg.Go("http", func(ctx context.Context) error {
			return ServeHTTP(ctx, addr, cp.handler)
		})
	}
	log.Info().Str("http_addr", cp.cfg.HTTP.Addr).Str("channel_url", cp.cfg.Channel.URL).Msg("control plane started")

	err := sg.WaitOrInterrupt(shutdownGrace)
	cp.Close()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

// Close releases sockets, capture processes and the recorder.
func (cp *ControlPlane) Close() {
	cp.closeOnce.Do(func() {
		cp.hub.Close()
		cp.channel.Disconnect()
		cp.discovery.Close()
		cp.dispatcher.Wait()
		if err := cp.recorder.Close(); err != nil {
			log.Warn().Err(err).Msg("close recorder failed")
		}
	})
}

func (cp *ControlPlane) seedKnownDevices(ctx context.Context) {
	known, err := cp.recorder.KnownAddresses(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("load recorded devices failed")
		return
	}
	for _, dev := range known {
		cp.discovery.Remember(dev.Address, dev.Transport)
	}
	if len(known) > 0 {
		log.Info().Int("count", len(known)).Msg("recorded network devices restored")
	}
}

func (cp *ControlPlane) recordDevices(ctx context.Context) error {
	events, unsubscribe := cp.discovery.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Type == device.EventRemoved {
				// explicit removals are forgotten by managedDiscovery
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, recordTimeout)
			if err := cp.recorder.RecordDevice(writeCtx, ev.Device); err != nil {
				log.Warn().Err(err).Str("address", ev.Device.Address).Msg("record device failed")
			}
			cancel()
		}
	}
}

func (cp *ControlPlane) recordTask(task tasks.Task) {
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := cp.recorder.RecordTask(ctx, task); err != nil {
		log.Warn().Err(err).Str("task_id", task.ID).Str("status", string(task.Status)).Msg("record task failed")
	}
}

// syncTaskCount mirrors the queue's per-device count onto the registry.
func (cp *ControlPlane) syncTaskCount(queue *tasks.Queue, address string) {
	if address == "" {
		return
	}
	cp.countMu.Lock()
	defer cp.countMu.Unlock()
	cp.discovery.SetTaskCount(address, queue.GetDeviceTaskCount(address))
}

func (cp *ControlPlane) onChannelEvent(ev channel.Event) {
	switch ev.Type {
	case channel.EventHeartbeat:
		log.Debug().Dur("latency", ev.Latency).Msg("command channel heartbeat")
	case channel.EventTerminal:
		log.Error().Err(ev.Err).Str("state", string(ev.State)).Msg("command channel gave up reconnecting")
	case channel.EventLivenessFailed, channel.EventDisconnected:
		log.Warn().Err(ev.Err).Str("event", string(ev.Type)).Str("state", string(ev.State)).Msg("command channel interrupted")
	}
}

// managedDiscovery forgets recorded devices on explicit removal.
type managedDiscovery struct {
	*discovery.Manager
	recorder recorder.Recorder
}

func (d managedDiscovery) RemoveDevice(address string) error {
	if err := d.Manager.RemoveDevice(address); err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), recordTimeout)
	defer cancel()
	if err := d.recorder.ForgetDevice(ctx, strings.TrimSpace(address)); err != nil {
		log.Warn().Err(err).Str("address", address).Msg("forget recorded device failed")
	}
	return nil
}

// ServeHTTP serves handler on addr until ctx is done, then shuts down.
func ServeHTTP(ctx context.Context, addr string, handler http.Handler) error {
	srv := &http.Server{Addr: addr, Handler: handler, ReadHeaderTimeout: readHeaderLimit}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", addr).Msg("http server listening")
		errCh <- srv.ListenAndServe()
	}()
	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return errors.Wrapf(err, "listen %s", addr)
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return errors.Wrap(srv.Shutdown(shutdownCtx), "shutdown http server")
}

// DiscoveryConfig converts the YAML section, dropping known entries that are
// not WiFi/LAN.
func DiscoveryConfig(c config.Discovery) discovery.Config {
	known := make([]discovery.KnownAddress, 0, len(c.Known))
	for _, k := range c.Known {
		transport, ok := device.ParseTransport(k.Transport)
		if !ok || !transport.Networked() {
			continue
		}
		known = append(known, discovery.KnownAddress{Address: strings.TrimSpace(k.Address), Transport: transport})
	}
	return discovery.Config{
		ScanInterval:        c.ScanInterval,
		HotplugInterval:     c.HotplugInterval,
		HealthCheckInterval: c.HealthCheckInterval,
		ProbeTimeout:        c.ProbeTimeout,
		ProbeBatchSize:      c.ProbeBatchSize,
		Known:               known,
		SubnetSweep:         c.SubnetSweep,
		Subnets:             c.Subnets,
		ControlPort:         c.ControlPort,
		SweepTimeout:        c.SweepTimeout,
		SweepConcurrency:    c.SweepConcurrency,
		SweepRate:           c.SweepRate,
		Reconnect: discovery.ReconnectPolicy{
			Interval:    c.Reconnect.Interval,
			Multiplier:  c.Reconnect.Multiplier,
			MaxAttempts: c.Reconnect.MaxAttempts,
		},
	}
}

func channelConfig(c config.Channel) channel.Config {
	return channel.Config{
		URL:               c.URL,
		Mode:              channel.ParseMode(strings.ToLower(c.Mode)),
		CommandTimeout:    c.CommandTimeout,
		HeartbeatInterval: c.HeartbeatInterval,
		PingInterval:      c.PingInterval,
		PongTimeout:       c.PongTimeout,
		StaleDrainWindow:  c.StaleDrainWindow,
		Backoff: channel.Backoff{
			Base:        c.Backoff.Base,
			Multiplier:  c.Backoff.Multiplier,
			Max:         c.Backoff.Max,
			MaxAttempts: c.Backoff.MaxAttempts,
		},
	}
}
