package discovery

import (
	"context"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/exe-blue/doai-me-app-sub000/internal/device"
	"github.com/exe-blue/doai-me-app-sub000/internal/metrics"
	"github.com/exe-blue/doai-me-app-sub000/internal/providers/adb"
)

var (
	ErrUnknownDevice    = errors.New("discovery: unknown device")
	ErrInvalidTransport = errors.New("discovery: only WIFI or LAN addresses can be added")
	ErrInvalidAddress   = errors.New("discovery: address must be host:port")
)

// Timer is the handle returned by AfterFunc.
type Timer interface {
	Stop() bool
}

// AfterFunc schedules f after d.
type AfterFunc func(d time.Duration, f func()) Timer

func realAfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// Option customises a Manager.
type Option func(*Manager)

// WithPinger overrides the health check pinger.
func WithPinger(p Pinger) Option {
	return func(m *Manager) { m.pinger = p }
}

// WithAfterFunc overrides the reconnection timer source.
func WithAfterFunc(f AfterFunc) Option {
	return func(m *Manager) { m.afterFunc = f }
}

// WithDialer overrides the subnet sweep dialer.
func WithDialer(d DialFunc) Option {
	return func(m *Manager) { m.dial = d }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithDisconnector sets the adb disconnect hook used by RemoveDevice.
func WithDisconnector(d Disconnector) Option {
	return func(m *Manager) { m.disconnector = d }
}

// ScanResult summarises one scan pass.
type ScanResult struct {
	StartedAt time.Time     `json:"startedAt"`
	Duration  time.Duration `json:"duration"`
	Found     int           `json:"found"`
	Added     int           `json:"added"`
	Changed   int           `json:"changed"`
	Removed   int           `json:"removed"`
	Manual    bool          `json:"manual"`
}

// Status is the management view of the manager.
type Status struct {
	Counts       device.Counts `json:"counts"`
	Scanning     bool          `json:"scanning"`
	LastScanAt   time.Time     `json:"lastScanAt"`
	LastScan     ScanResult    `json:"lastScan"`
	Known        int           `json:"known"`
	Reconnecting []string      `json:"reconnecting"`
}

// DeviceCount is the (total, online) pair.
type DeviceCount struct {
	Total  int `json:"total"`
	Online int `json:"online"`
}

type reconnectState struct {
	attempt int
	timer   Timer
}

type target struct {
	address   string
	transport device.Transport
}

type hit struct {
	target
	props device.Properties
}

// scanPlan records what a pass looked at, so the diff only judges devices in scope.
type scanPlan struct {
	cableListed  bool
	cablePresent map[string]bool
	probed       map[string]bool
	manual       bool
}

// Manager 负责设备发现：周期扫描、热插拔轮询、健康检查以及 WiFi/LAN 设备重连。
// 它是 Registry 的唯一写入方。
type Manager struct {
	cfg          Config
	registry     *device.Registry
	broker       *device.Broker
	cable        CableLister
	prober       Prober
	pinger       Pinger
	disconnector Disconnector
	afterFunc    AfterFunc
	dial         DialFunc
	now          func() time.Time

	ctx    context.Context
	cancel context.CancelFunc

	scanMu     sync.Mutex
	scanning   bool
	lastScan   ScanResult
	lastScanAt time.Time

	// writeMu serialises registry mutation and event publication.
	writeMu sync.Mutex

	mu         sync.Mutex
	known      []KnownAddress
	reconnects map[string]*reconnectState
}

// NewManager builds a discovery manager. cable may be nil when no adb server
// is available; prober is required.
func NewManager(cfg Config, registry *device.Registry, broker *device.Broker, cable CableLister, prober Prober, opts ...Option) *Manager {
	cfg.normalise()
	if registry == nil {
		registry = device.NewRegistry()
	}
	if broker == nil {
		broker = device.NewBroker()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		cfg:        cfg,
		registry:   registry,
		broker:     broker,
		cable:      cable,
		prober:     prober,
		afterFunc:  realAfterFunc,
		dial:       (&net.Dialer{}).DialContext,
		now:        time.Now,
		ctx:        ctx,
		cancel:     cancel,
		reconnects: make(map[string]*reconnectState),
	}
	if p, ok := prober.(Pinger); ok {
		m.pinger = p
	}
	if d, ok := prober.(Disconnector); ok {
		m.disconnector = d
	}
	for _, opt := range opts {
		opt(m)
	}
	for _, k := range cfg.Known {
		m.addKnown(k.Address, k.Transport)
	}
	return m
}

// Registry exposes the registry for read-only consumers.
func (m *Manager) Registry() *device.Registry {
	return m.registry
}

// Subscribe registers for added/changed/removed events.
func (m *Manager) Subscribe() (<-chan device.Event, func()) {
	return m.broker.Subscribe()
}

// GetDevices returns a snapshot of every registered device.
func (m *Manager) GetDevices() []device.Device {
	return m.registry.Snapshot()
}

// GetDevice returns a single device by address.
func (m *Manager) GetDevice(address string) (device.Device, bool) {
	return m.registry.Get(address)
}

// GetDeviceCount returns total and online counts.
func (m *Manager) GetDeviceCount() DeviceCount {
	c := m.registry.Counts()
	return DeviceCount{Total: c.Total, Online: c.Online}
}

// Status returns counts, scan state and the set of devices under reconnection.
func (m *Manager) Status() Status {
	m.scanMu.Lock()
	st := Status{
		Scanning:   m.scanning,
		LastScanAt: m.lastScanAt,
		LastScan:   m.lastScan,
	}
	m.scanMu.Unlock()

	m.mu.Lock()
	st.Known = len(m.known)
	st.Reconnecting = make([]string, 0, len(m.reconnects))
	for _, k := range m.known {
		if _, ok := m.reconnects[k.Address]; ok {
			st.Reconnecting = append(st.Reconnecting, k.Address)
		}
	}
	m.mu.Unlock()
	st.Counts = m.registry.Counts()
	return st
}

// FullScan runs the periodic scan. While another scan runs it returns the
// previous result and false.
func (m *Manager) FullScan(ctx context.Context) (ScanResult, bool) {
	return m.scan(ctx, false)
}

// Rescan is the manual trigger. Unlike FullScan it also probes devices in
// ERROR or under reconnection.
func (m *Manager) Rescan(ctx context.Context) (ScanResult, bool) {
	return m.scan(ctx, true)
}

func (m *Manager) scan(ctx context.Context, manual bool) (ScanResult, bool) {
	m.scanMu.Lock()
	if m.scanning {
		prior := m.lastScan
		m.scanMu.Unlock()
		metrics.ObserveScan(metrics.ResultSkipped, 0)
		log.Debug().Bool("manual", manual).Msg("scan already running, returning previous result")
		return prior, false
	}
	m.scanning = true
	m.scanMu.Unlock()
	defer func() {
		m.scanMu.Lock()
		m.scanning = false
		m.scanMu.Unlock()
	}()

	start := m.now()
	plan := scanPlan{probed: make(map[string]bool), manual: manual}
	var targets []target

	// 1. cable
	targets = append(targets, m.cableTargets(ctx, &plan, false)...)

	// 2. statically known WiFi/LAN addresses
	for _, k := range m.knownSnapshot() {
		if !manual && m.skipInPeriodicScan(k.Address) {
			continue
		}
		plan.probed[k.Address] = true
		targets = append(targets, target{address: k.Address, transport: k.Transport})
	}

	// 3. subnet sweep
	if m.cfg.SubnetSweep && len(m.cfg.Subnets) > 0 {
		for _, addr := range m.sweep(ctx) {
			if plan.probed[addr] {
				continue
			}
			if !manual && m.skipInPeriodicScan(addr) {
				continue
			}
			m.addKnown(addr, device.TransportLAN)
			plan.probed[addr] = true
			targets = append(targets, target{address: addr, transport: device.TransportLAN})
		}
	}

	hits := m.probeAll(ctx, targets)
	res := m.apply(hits, plan)
	res.StartedAt = start
	res.Duration = m.now().Sub(start)
	res.Manual = manual

	m.scanMu.Lock()
	m.lastScan = res
	m.lastScanAt = start
	m.scanMu.Unlock()

	metrics.ObserveScan(metrics.ResultSuccess, res.Duration)
	log.Info().
		Bool("manual", manual).
		Int("targets", len(targets)).
		Int("found", res.Found).
		Int("added", res.Added).
		Int("changed", res.Changed).
		Int("removed", res.Removed).
		Dur("duration", res.Duration).
		Msg("device scan finished")
	return res, true
}

// PollHotplug catches cable insertions and removals between full scans.
func (m *Manager) PollHotplug(ctx context.Context) {
	plan := scanPlan{probed: make(map[string]bool)}
	targets := m.cableTargets(ctx, &plan, true)
	if !plan.cableListed {
		return
	}
	hits := m.probeAll(ctx, targets)
	m.apply(hits, plan)
}

// cableTargets lists adb devices. Network serials (host:port) are handled by
// the known-address path. With onlyNew set, devices already ONLINE are not
// re-probed.
func (m *Manager) cableTargets(ctx context.Context, plan *scanPlan, onlyNew bool) []target {
	if m.cable == nil {
		return nil
	}
	attached, err := m.cable.AttachedDevices(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("list cable devices failed")
		return nil
	}
	plan.cableListed = true
	plan.cablePresent = make(map[string]bool, len(attached))
	var targets []target
	for _, a := range attached {
		if isNetworkSerial(a.Serial) {
			continue
		}
		plan.cablePresent[a.Serial] = true
		if !a.Ready {
			log.Debug().Str("address", a.Serial).Str("state", a.State).Msg("skip cable device not ready")
			plan.probed[a.Serial] = true
			continue
		}
		if onlyNew {
			if dev, ok := m.registry.Get(a.Serial); ok && dev.Online() {
				continue
			}
		}
		plan.probed[a.Serial] = true
		targets = append(targets, target{address: a.Serial, transport: device.TransportCable})
	}
	return targets
}

func isNetworkSerial(serial string) bool {
	_, _, err := net.SplitHostPort(serial)
	return err == nil
}

func (m *Manager) skipInPeriodicScan(address string) bool {
	m.mu.Lock()
	_, reconnecting := m.reconnects[address]
	m.mu.Unlock()
	if reconnecting {
		return true
	}
	dev, ok := m.registry.Get(address)
	return ok && dev.Status == device.StatusError
}

// probeAll probes targets in fixed-size batches; failures are silent.
func (m *Manager) probeAll(ctx context.Context, targets []target) []hit {
	results := make([]*hit, len(targets))
	for start := 0; start < len(targets); start += m.cfg.ProbeBatchSize {
		end := start + m.cfg.ProbeBatchSize
		if end > len(targets) {
			end = len(targets)
		}
		var g errgroup.Group
		for i := start; i < end; i++ {
			i := i
			g.Go(func() error {
				t := targets[i]
				props, err := m.probe(ctx, t.address, t.transport)
				if err != nil {
					log.Debug().Err(err).Str("address", t.address).Str("transport", string(t.transport)).Msg("probe failed")
					return nil
				}
				results[i] = &hit{target: t, props: props}
				return nil
			})
		}
		_ = g.Wait()
		if ctx.Err() != nil {
			break
		}
	}
	hits := make([]hit, 0, len(results))
	for _, h := range results {
		if h != nil {
			hits = append(hits, *h)
		}
	}
	return hits
}

func (m *Manager) probe(ctx context.Context, address string, transport device.Transport) (device.Properties, error) {
	probeCtx, cancel := context.WithTimeout(ctx, m.cfg.ProbeTimeout)
	defer cancel()
	props, err := m.prober.Probe(probeCtx, address, transport)
	if err != nil {
		metrics.IncProbeFailure(string(transport))
	}
	return props, err
}

// apply diffs one pass into the registry.
func (m *Manager) apply(hits []hit, plan scanPlan) ScanResult {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()

	now := m.now()
	res := ScanResult{Found: len(hits)}
	seen := make(map[string]bool, len(hits))
	for _, h := range hits {
		seen[h.address] = true
		switch m.markOnlineLocked(h.address, h.transport, h.props, now) {
		case device.EventAdded:
			res.Added++
		case device.EventChanged:
			res.Changed++
		}
	}

	for _, dev := range m.registry.Snapshot() {
		if seen[dev.Address] {
			continue
		}
		if dev.Transport == device.TransportCable {
			if plan.cableListed && !plan.cablePresent[dev.Address] {
				if removed, ok := m.registry.Remove(dev.Address); ok {
					removed.Status = device.StatusOffline
					m.broker.Publish(device.Event{Type: device.EventRemoved, Device: removed, At: now})
					res.Removed++
					log.Info().Str("address", dev.Address).Msg("cable device unplugged")
				}
				continue
			}
			if plan.probed[dev.Address] && dev.Online() {
				m.markOfflineLocked(dev.Address, "cable probe failed", now)
				res.Removed++
			}
			continue
		}
		if !plan.probed[dev.Address] {
			continue
		}
		switch {
		case dev.Online():
			m.markOfflineLocked(dev.Address, "missing from scan", now)
			res.Removed++
		case plan.manual && dev.Status == device.StatusError:
			m.startReconnect(dev.Address)
		}
	}
	m.refreshMetricsLocked()
	return res
}

// markOnlineLocked stores a successful probe. Caller holds writeMu.
func (m *Manager) markOnlineLocked(address string, transport device.Transport, props device.Properties, now time.Time) device.EventType {
	m.cancelReconnect(address)
	prev, exists := m.registry.Get(address)
	if !exists {
		dev := device.Device{
			Address:     address,
			Transport:   transport,
			Status:      device.StatusOnline,
			ConnectedAt: now,
			LastSeenAt:  now,
		}
		dev.Apply(props)
		m.registry.Upsert(dev)
		m.broker.Publish(device.Event{Type: device.EventAdded, Device: dev, At: now})
		log.Info().Str("address", address).Str("transport", string(transport)).Str("model", dev.Model).Msg("device added")
		return device.EventAdded
	}
	_, after, _ := m.registry.Update(address, func(d *device.Device) {
		d.Apply(props)
		d.LastSeenAt = now
		d.ReconnectAttempts = 0
		if d.Status != device.StatusOnline {
			d.Status = device.StatusOnline
			d.ConnectedAt = now
			d.LastError = ""
		}
	})
	if prev.Status != after.Status || prev.DisplaySize != after.DisplaySize || prev.Model != after.Model || prev.OSVersion != after.OSVersion {
		m.broker.Publish(device.Event{Type: device.EventChanged, Device: after, At: now})
		if prev.Status != after.Status {
			log.Info().Str("address", address).Str("from", string(prev.Status)).Msg("device back online")
		}
		return device.EventChanged
	}
	return ""
}

// markOfflineLocked flips an ONLINE device to OFFLINE, emits removed and, for
// network transports, starts reconnection. Caller holds writeMu.
func (m *Manager) markOfflineLocked(address, reason string, now time.Time) {
	_, after, ok := m.registry.Update(address, func(d *device.Device) {
		d.Status = device.StatusOffline
		d.LastError = reason
	})
	if !ok {
		return
	}
	m.broker.Publish(device.Event{Type: device.EventRemoved, Device: after, At: now})
	log.Warn().Str("address", address).Str("reason", reason).Msg("device offline")
	if after.Transport.Networked() {
		m.startReconnect(address)
	}
}

func (m *Manager) setStatusLocked(address string, status device.Status, reason string, attempts int) (device.Device, bool) {
	before, after, ok := m.registry.Update(address, func(d *device.Device) {
		d.Status = status
		if reason != "" {
			d.LastError = reason
		}
		d.ReconnectAttempts = attempts
	})
	if ok && before.Status != after.Status {
		m.broker.Publish(device.Event{Type: device.EventChanged, Device: after, At: m.now()})
	}
	return after, ok
}

// startReconnect (re)starts the schedule with attempt 1 due immediately.
func (m *Manager) startReconnect(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.reconnects[address]; ok && st.timer != nil {
		st.timer.Stop()
	}
	st := &reconnectState{}
	m.reconnects[address] = st
	m.scheduleLocked(address, st, 0)
}

func (m *Manager) scheduleLocked(address string, st *reconnectState, delay time.Duration) {
	st.timer = m.afterFunc(delay, func() { m.attemptReconnect(address, st) })
	log.Debug().Str("address", address).Int("attempt", st.attempt+1).Dur("delay", delay).Msg("reconnect scheduled")
}

func (m *Manager) cancelReconnect(address string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if st, ok := m.reconnects[address]; ok {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(m.reconnects, address)
	}
}

func (m *Manager) isCurrent(address string, st *reconnectState) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reconnects[address] == st
}

func (m *Manager) attemptReconnect(address string, st *reconnectState) {
	if m.ctx.Err() != nil || !m.isCurrent(address, st) {
		return
	}
	dev, ok := m.registry.Get(address)
	if !ok {
		m.cancelReconnect(address)
		return
	}
	m.mu.Lock()
	st.attempt++
	attempt := st.attempt
	m.mu.Unlock()

	m.writeMu.Lock()
	m.setStatusLocked(address, device.StatusConnecting, "", attempt)
	m.writeMu.Unlock()

	props, err := m.probe(m.ctx, address, dev.Transport)
	if err == nil {
		m.finishReconnect(address, st, dev.Transport, props, attempt)
		return
	}
	m.failReconnect(address, st, attempt, err)
}

func (m *Manager) finishReconnect(address string, st *reconnectState, transport device.Transport, props device.Properties, attempt int) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if !m.isCurrent(address, st) {
		return
	}
	metrics.IncReconnect(metrics.ResultSuccess)
	m.markOnlineLocked(address, transport, props, m.now())
	m.refreshMetricsLocked()
	log.Info().Str("address", address).Int("attempt", attempt).Msg("device reconnected")
}

func (m *Manager) failReconnect(address string, st *reconnectState, attempt int, cause error) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if !m.isCurrent(address, st) {
		return
	}
	metrics.IncReconnect(metrics.ResultError)
	reason := "reconnect failed"
	if cause != nil {
		reason = cause.Error()
	}
	if attempt >= m.cfg.Reconnect.MaxAttempts {
		m.mu.Lock()
		delete(m.reconnects, address)
		m.mu.Unlock()
		reason = "reconnect attempts exhausted after " + strconv.Itoa(attempt) + " tries: " + reason
		m.setStatusLocked(address, device.StatusError, reason, attempt)
		m.refreshMetricsLocked()
		log.Error().Str("address", address).Int("attempt", attempt).Msg("device marked ERROR")
		return
	}
	delay := m.cfg.Reconnect.Delay(attempt)
	m.setStatusLocked(address, device.StatusOffline, reason, attempt)
	m.mu.Lock()
	if m.reconnects[address] == st {
		m.scheduleLocked(address, st, delay)
	}
	m.mu.Unlock()
	m.refreshMetricsLocked()
}

// AddDevice registers a WiFi/LAN address and probes it immediately. Any
// reconnection schedule is reset; on failure a fresh schedule continues from
// attempt 2.
func (m *Manager) AddDevice(ctx context.Context, address string, transport device.Transport) (device.Device, error) {
	address = strings.TrimSpace(address)
	if !transport.Networked() {
		return device.Device{}, ErrInvalidTransport
	}
	if !isNetworkSerial(address) {
		return device.Device{}, errors.Wrapf(ErrInvalidAddress, "%q", address)
	}
	m.addKnown(address, transport)
	m.cancelReconnect(address)

	_, exists := m.registry.Get(address)
	if exists {
		m.writeMu.Lock()
		m.setStatusLocked(address, device.StatusConnecting, "", 0)
		m.writeMu.Unlock()
	}

	props, err := m.probe(ctx, address, transport)

	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	if err == nil {
		m.markOnlineLocked(address, transport, props, m.now())
		m.refreshMetricsLocked()
		dev, _ := m.registry.Get(address)
		return dev, nil
	}
	if exists {
		m.setStatusLocked(address, device.StatusOffline, err.Error(), 1)
		m.mu.Lock()
		st := &reconnectState{attempt: 1}
		m.reconnects[address] = st
		m.scheduleLocked(address, st, m.cfg.Reconnect.Delay(1))
		m.mu.Unlock()
		m.refreshMetricsLocked()
	}
	return device.Device{}, errors.Wrapf(err, "probe %s", address)
}

// RemoveDevice forgets an address: it leaves the known list, reconnection
// stops and the registry entry is deleted.
func (m *Manager) RemoveDevice(address string) error {
	address = strings.TrimSpace(address)
	wasKnown := m.removeKnown(address)
	m.cancelReconnect(address)

	m.writeMu.Lock()
	dev, ok := m.registry.Remove(address)
	if ok {
		m.broker.Publish(device.Event{Type: device.EventRemoved, Device: dev, At: m.now()})
		m.refreshMetricsLocked()
	}
	m.writeMu.Unlock()

	if !ok && !wasKnown {
		return errors.Wrapf(ErrUnknownDevice, "%s", address)
	}
	if ok && dev.Transport.Networked() && m.disconnector != nil {
		if err := m.disconnector.Disconnect(address); err != nil {
			log.Debug().Err(err).Str("address", address).Msg("adb disconnect failed")
		}
	}
	log.Info().Str("address", address).Msg("device removed")
	return nil
}

// ReportError bumps the error counter used by dispatcher scoring.
func (m *Manager) ReportError(address, reason string) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	m.registry.Update(address, func(d *device.Device) {
		d.ErrorCount++
		d.LastError = reason
	})
}

// SetTaskCount records how many tasks the dispatcher holds on address and
// publishes a change when the value moved.
func (m *Manager) SetTaskCount(address string, n int) {
	m.writeMu.Lock()
	defer m.writeMu.Unlock()
	before, after, ok := m.registry.Update(address, func(d *device.Device) {
		d.TaskCount = n
	})
	if ok && before.TaskCount != after.TaskCount {
		m.broker.Publish(device.Event{Type: device.EventChanged, Device: after, At: m.now()})
	}
}

// HealthCheck shell-pings every ONLINE device. A failed ping is the only way a
// device leaves ONLINE outside of a scan.
func (m *Manager) HealthCheck(ctx context.Context) {
	if m.pinger == nil {
		return
	}
	var online []device.Device
	for _, dev := range m.registry.Snapshot() {
		if dev.Online() {
			online = append(online, dev)
		}
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(m.cfg.ProbeBatchSize)
	for _, dev := range online {
		dev := dev
		g.Go(func() error {
			pingCtx, cancel := context.WithTimeout(gctx, m.cfg.ProbeTimeout)
			err := m.pinger.Ping(pingCtx, dev.Address)
			cancel()

			m.writeMu.Lock()
			defer m.writeMu.Unlock()
			now := m.now()
			if err == nil {
				m.registry.Update(dev.Address, func(d *device.Device) { d.LastSeenAt = now })
				return nil
			}
			metrics.IncHealthCheckFailure()
			if cur, ok := m.registry.Get(dev.Address); ok && cur.Online() {
				m.markOfflineLocked(dev.Address, "health check failed: "+err.Error(), now)
				m.refreshMetricsLocked()
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Run drives the scan, hot-plug and health check loops until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	defer m.Close()
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return tickLoop(gctx, m.cfg.ScanInterval, true, func(c context.Context) { m.FullScan(c) })
	})
	g.Go(func() error {
		return tickLoop(gctx, m.cfg.HotplugInterval, false, m.PollHotplug)
	})
	g.Go(func() error {
		return tickLoop(gctx, m.cfg.HealthCheckInterval, false, m.HealthCheck)
	})
	log.Info().
		Dur("scan_interval", m.cfg.ScanInterval).
		Dur("hotplug_interval", m.cfg.HotplugInterval).
		Dur("health_interval", m.cfg.HealthCheckInterval).
		Int("known", len(m.knownSnapshot())).
		Msg("discovery started")
	return g.Wait()
}

// Close stops all reconnection timers.
func (m *Manager) Close() {
	m.cancel()
	m.mu.Lock()
	defer m.mu.Unlock()
	for addr, st := range m.reconnects {
		if st.timer != nil {
			st.timer.Stop()
		}
		delete(m.reconnects, addr)
	}
}

func tickLoop(ctx context.Context, interval time.Duration, immediate bool, fn func(context.Context)) error {
	if immediate {
		fn(ctx)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// Remember adds a WiFi/LAN address to the known list without probing it; the
// next full scan picks it up.
func (m *Manager) Remember(address string, transport device.Transport) {
	if !transport.Networked() || !isNetworkSerial(strings.TrimSpace(address)) {
		return
	}
	m.addKnown(address, transport)
}

func (m *Manager) addKnown(address string, transport device.Transport) {
	address = strings.TrimSpace(address)
	if address == "" {
		return
	}
	if transport == "" {
		transport = device.TransportWiFi
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, k := range m.known {
		if k.Address == address {
			m.known[i].Transport = transport
			return
		}
	}
	m.known = append(m.known, KnownAddress{Address: address, Transport: transport})
}

func (m *Manager) removeKnown(address string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, k := range m.known {
		if k.Address == address {
			m.known = append(m.known[:i], m.known[i+1:]...)
			return true
		}
	}
	return false
}

func (m *Manager) knownSnapshot() []KnownAddress {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]KnownAddress, len(m.known))
	copy(out, m.known)
	return out
}

func (m *Manager) refreshMetricsLocked() {
	counts := make(map[[2]string]int)
	for _, dev := range m.registry.Snapshot() {
		counts[[2]string{string(dev.Transport), string(dev.Status)}]++
	}
	metrics.SetDevices(counts)
}

// AttachedLister adapts a function to CableLister.
type AttachedLister func(ctx context.Context) ([]adb.AttachedDevice, error)

// AttachedDevices calls f.
func (f AttachedLister) AttachedDevices(ctx context.Context) ([]adb.AttachedDevice, error) {
	return f(ctx)
}
