package stream

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/exe-blue/doai-me-app-sub000/internal/device"
	"github.com/exe-blue/doai-me-app-sub000/internal/metrics"
)

var (
	ErrUnknownDevice      = errors.New("stream: unknown device")
	ErrDeviceOffline      = errors.New("stream: device offline")
	ErrInvalidCoordinates = errors.New("stream: invalid coordinates")
	ErrUnknownQuality     = errors.New("stream: unknown quality")
	ErrNoSession          = errors.New("stream: no active session")
	ErrCaptureStart       = errors.New("stream: capture failed to start")
)

const (
	defaultRestartDelay = time.Second
	defaultChunkSize    = 64 << 10
)

// Subscriber receives frames for the devices it subscribed to.
type Subscriber interface {
	ID() string
	// Deliver must not block. It reports false when the frame was dropped.
	Deliver(address string, payload []byte) bool
	// Notify queues a JSON control message.
	Notify(msg any)
}

// DeviceLookup resolves a device from the registry snapshot.
type DeviceLookup interface {
	GetDevice(address string) (device.Device, bool)
}

// Config tunes the hub.
type Config struct {
	DefaultQuality string
	RestartDelay   time.Duration
	ChunkSize      int
}

func (c *Config) normalise() {
	if _, ok := ParseQuality(c.DefaultQuality); !ok {
		c.DefaultQuality = QualityMedium
	}
	if c.RestartDelay <= 0 {
		c.RestartDelay = defaultRestartDelay
	}
	if c.ChunkSize <= 0 {
		c.ChunkSize = defaultChunkSize
	}
}

type session struct {
	address   string
	quality   Quality
	subs      map[string]Subscriber
	capture   Capture
	gen       uint64
	startedAt time.Time
	restarts  int
	closed    bool
	bytes     atomic.Uint64
}

// SessionStats describes one active stream session.
type SessionStats struct {
	Address     string       `json:"address"`
	Hash        uint32       `json:"hash"`
	Quality     string       `json:"quality"`
	Subscribers int          `json:"subscribers"`
	Running     bool         `json:"running"`
	Restarts    int          `json:"restarts"`
	Bytes       uint64       `json:"bytes"`
	StartedAt   time.Time    `json:"startedAt"`
	Pid         int          `json:"pid,omitempty"`
	Process     ProcessStats `json:"process"`
}

// Hub owns every stream session. A session binds one device's capture
// process to its current subscribers; there is never more than one capture
// process per device.
type Hub struct {
	cfg      Config
	devices  DeviceLookup
	capturer Capturer
	control  Controller

	ctx    context.Context
	cancel context.CancelFunc
	after  func(time.Duration, func())

	mu       sync.Mutex
	sessions map[string]*session
	pumps    sync.WaitGroup
}

// NewHub creates a hub. control may be nil when touch/key forwarding is not
// wired.
func NewHub(cfg Config, devices DeviceLookup, capturer Capturer, control Controller) *Hub {
	cfg.normalise()
	ctx, cancel := context.WithCancel(context.Background())
	return &Hub{
		cfg:      cfg,
		devices:  devices,
		capturer: capturer,
		control:  control,
		ctx:      ctx,
		cancel:   cancel,
		after:    func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		sessions: make(map[string]*session),
	}
}

// Subscribe adds sub to the device's session, starting the capture process
// when the session is new. An empty quality selects the default preset; it
// is ignored when the session already runs.
func (h *Hub) Subscribe(address string, sub Subscriber, quality string) (Quality, error) {
	dev, err := h.onlineDevice(address)
	if err != nil {
		return Quality{}, err
	}
	if quality == "" {
		quality = h.cfg.DefaultQuality
	}
	q, ok := ParseQuality(quality)
	if !ok {
		return Quality{}, errors.Wrapf(ErrUnknownQuality, "%q", quality)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[address]; ok {
		if _, dup := s.subs[sub.ID()]; !dup {
			s.subs[sub.ID()] = sub
			metrics.AddStreamViewers(1)
		}
		log.Debug().Str("address", address).Str("viewer", sub.ID()).Int("subscribers", len(s.subs)).Msg("viewer joined stream")
		return s.quality, nil
	}

	capture, err := h.capturer.Start(h.ctx, dev, q)
	if err != nil {
		return Quality{}, errors.Wrapf(ErrCaptureStart, "%s: %v", address, err)
	}
	s := &session{
		address:   address,
		quality:   q,
		subs:      map[string]Subscriber{sub.ID(): sub},
		capture:   capture,
		gen:       1,
		startedAt: time.Now(),
	}
	h.sessions[address] = s
	metrics.AddStreamSessions(1)
	metrics.AddStreamViewers(1)
	h.pumps.Add(1)
	go h.pump(s, s.gen, capture)
	log.Info().Str("address", address).Str("quality", q.Name).Int("pid", capture.Pid()).Msg("stream session started")
	return q, nil
}

// Unsubscribe removes subID from the device's session. The last subscriber
// leaving kills the capture process and drops the session.
func (h *Hub) Unsubscribe(address, subID string) {
	h.mu.Lock()
	s, ok := h.sessions[address]
	if !ok {
		h.mu.Unlock()
		return
	}
	if _, ok := s.subs[subID]; !ok {
		h.mu.Unlock()
		return
	}
	delete(s.subs, subID)
	metrics.AddStreamViewers(-1)
	if len(s.subs) > 0 {
		remaining := len(s.subs)
		h.mu.Unlock()
		log.Debug().Str("address", address).Str("viewer", subID).Int("subscribers", remaining).Msg("viewer left stream")
		return
	}
	_, capture := h.teardownLocked(s)
	h.mu.Unlock()

	if capture != nil {
		killCapture(address, capture)
	}
	log.Info().Str("address", address).Msg("stream session stopped")
}

// UnsubscribeAll drops subID from every session, as on socket close.
func (h *Hub) UnsubscribeAll(subID string) {
	h.mu.Lock()
	var addresses []string
	for addr, s := range h.sessions {
		if _, ok := s.subs[subID]; ok {
			addresses = append(addresses, addr)
		}
	}
	h.mu.Unlock()
	for _, addr := range addresses {
		h.Unsubscribe(addr, subID)
	}
}

// SetQuality restarts the device's capture process with another preset.
func (h *Hub) SetQuality(address, quality string) error {
	q, ok := ParseQuality(quality)
	if !ok {
		return errors.Wrapf(ErrUnknownQuality, "%q", quality)
	}
	dev, err := h.onlineDevice(address)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[address]
	if !ok {
		return errors.Wrapf(ErrNoSession, "%s", address)
	}
	if s.quality.Name == q.Name {
		return nil
	}
	s.quality = q
	s.gen++
	if s.capture != nil {
		killCapture(address, s.capture)
		s.capture = nil
	}
	capture, err := h.capturer.Start(h.ctx, dev, q)
	if err != nil {
		log.Warn().Err(err).Str("address", address).Str("quality", q.Name).Msg("capture restart after quality change failed")
		gen := s.gen
		h.after(h.cfg.RestartDelay, func() { h.restart(s, gen) })
		return errors.Wrapf(ErrCaptureStart, "%s: %v", address, err)
	}
	s.capture = capture
	h.pumps.Add(1)
	go h.pump(s, s.gen, capture)
	log.Info().Str("address", address).Str("quality", q.Name).Msg("stream quality changed")
	return nil
}

// DeviceOffline tears down the device's session and tells its subscribers.
func (h *Hub) DeviceOffline(address string) {
	h.mu.Lock()
	s, ok := h.sessions[address]
	if !ok {
		h.mu.Unlock()
		return
	}
	subs, capture := h.teardownLocked(s)
	h.mu.Unlock()

	if capture != nil {
		killCapture(address, capture)
	}
	notifyAll(subs, newError(CodeDeviceOffline, address, "device went offline"))
	log.Info().Str("address", address).Int("subscribers", len(subs)).Msg("stream session closed: device offline")
}

// HandleEvent reacts to registry events.
func (h *Hub) HandleEvent(ev device.Event) {
	switch {
	case ev.Type == device.EventRemoved:
		h.DeviceOffline(ev.Device.Address)
	case ev.Type == device.EventChanged && !ev.Device.Online():
		h.DeviceOffline(ev.Device.Address)
	}
}

// Watch applies registry events until ctx is done or events closes.
func (h *Hub) Watch(ctx context.Context, events <-chan device.Event) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			h.HandleEvent(ev)
		}
	}
}

// SubscriberCount returns the number of subscribers on the device's session.
func (h *Hub) SubscriberCount(address string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[address]; ok {
		return len(s.subs)
	}
	return 0
}

// Running reports whether a capture process is currently attached to the
// device's session.
func (h *Hub) Running(address string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[address]
	return ok && s.capture != nil
}

// Stats lists active sessions sorted by address.
func (h *Hub) Stats() []SessionStats {
	h.mu.Lock()
	out := make([]SessionStats, 0, len(h.sessions))
	for _, s := range h.sessions {
		st := SessionStats{
			Address:     s.address,
			Hash:        DeviceHash(s.address),
			Quality:     s.quality.Name,
			Subscribers: len(s.subs),
			Running:     s.capture != nil,
			Restarts:    s.restarts,
			Bytes:       s.bytes.Load(),
			StartedAt:   s.startedAt,
		}
		if s.capture != nil {
			st.Pid = s.capture.Pid()
		}
		out = append(out, st)
	}
	h.mu.Unlock()

	for i := range out {
		out[i].Process = processStats(out[i].Pid)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Close stops every session and waits for the capture pumps.
func (h *Hub) Close() {
	h.cancel()
	h.mu.Lock()
	type victim struct {
		address string
		capture Capture
	}
	var victims []victim
	for _, s := range h.sessions {
		if _, capture := h.teardownLocked(s); capture != nil {
			victims = append(victims, victim{s.address, capture})
		}
	}
	h.mu.Unlock()
	for _, v := range victims {
		killCapture(v.address, v.capture)
	}
	h.pumps.Wait()
}

func (h *Hub) onlineDevice(address string) (device.Device, error) {
	dev, ok := h.devices.GetDevice(address)
	if !ok {
		return device.Device{}, errors.Wrapf(ErrUnknownDevice, "%s", address)
	}
	if !dev.Online() {
		return device.Device{}, errors.Wrapf(ErrDeviceOffline, "%s is %s", address, dev.Status)
	}
	return dev, nil
}

// teardownLocked removes s and returns its subscribers and capture process.
func (h *Hub) teardownLocked(s *session) ([]Subscriber, Capture) {
	if h.sessions[s.address] == s {
		delete(h.sessions, s.address)
	}
	s.closed = true
	subs := make([]Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	metrics.AddStreamSessions(-1)
	metrics.AddStreamViewers(-len(s.subs))
	s.subs = map[string]Subscriber{}
	capture := s.capture
	s.capture = nil
	return subs, capture
}

// pump copies capture output to subscribers until the process exits.
func (h *Hub) pump(s *session, gen uint64, capture Capture) {
	defer h.pumps.Done()
	buf := make([]byte, h.cfg.ChunkSize)
	out := capture.Output()
	for {
		n, err := out.Read(buf)
		if n > 0 {
			h.broadcast(s, gen, buf[:n])
		}
		if err != nil {
			break
		}
	}
	h.captureExited(s, gen, capture.Wait())
}

func (h *Hub) broadcast(s *session, gen uint64, chunk []byte) {
	h.mu.Lock()
	if s.closed || s.gen != gen {
		h.mu.Unlock()
		return
	}
	subs := make([]Subscriber, 0, len(s.subs))
	for _, sub := range s.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	payload := append([]byte(nil), chunk...)
	s.bytes.Add(uint64(len(payload)))
	metrics.AddFrameBytes(len(payload))
	for _, sub := range subs {
		if !sub.Deliver(s.address, payload) {
			metrics.IncFrameDropped()
		}
	}
}

// captureExited restarts the capture after RestartDelay while subscribers
// remain, or tears the session down when the device is gone.
func (h *Hub) captureExited(s *session, gen uint64, err error) {
	h.mu.Lock()
	if s.closed || s.gen != gen {
		h.mu.Unlock()
		return
	}
	s.capture = nil
	if dev, ok := h.devices.GetDevice(s.address); !ok || !dev.Online() {
		subs, _ := h.teardownLocked(s)
		h.mu.Unlock()
		notifyAll(subs, newError(CodeDeviceOffline, s.address, "device went offline"))
		log.Info().Str("address", s.address).Msg("capture exited on offline device; session closed")
		return
	}
	h.mu.Unlock()

	reason := "exit"
	if err != nil {
		reason = "error"
	}
	metrics.IncCaptureRestart(reason)
	log.Debug().Err(err).Str("address", s.address).Dur("delay", h.cfg.RestartDelay).Msg("capture exited; restarting")
	h.after(h.cfg.RestartDelay, func() { h.restart(s, gen) })
}

func (h *Hub) restart(s *session, gen uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s.closed || s.gen != gen || h.ctx.Err() != nil {
		return
	}
	dev, ok := h.devices.GetDevice(s.address)
	if !ok || !dev.Online() {
		subs, _ := h.teardownLocked(s)
		go notifyAll(subs, newError(CodeDeviceOffline, s.address, "device went offline"))
		return
	}
	capture, err := h.capturer.Start(h.ctx, dev, s.quality)
	if err != nil {
		log.Warn().Err(err).Str("address", s.address).Msg("capture restart failed")
		h.after(h.cfg.RestartDelay, func() { h.restart(s, gen) })
		return
	}
	s.gen++
	s.capture = capture
	s.restarts++
	h.pumps.Add(1)
	go h.pump(s, s.gen, capture)
	log.Info().Str("address", s.address).Int("restarts", s.restarts).Msg("capture restarted")
}

func notifyAll(subs []Subscriber, msg any) {
	for _, sub := range subs {
		sub.Notify(msg)
	}
}

func killCapture(address string, capture Capture) {
	if err := capture.Kill(); err != nil {
		log.Debug().Err(err).Str("address", address).Msg("kill capture")
	}
}
