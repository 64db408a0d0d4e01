package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/exe-blue/doai-me-app-sub000/internal/device"
)

const (
	defaultViewerBuffer = 64
	defaultPingInterval = 20 * time.Second
	writeTimeout        = 5 * time.Second
	maxMessageSize      = 64 << 10
	// controlQueueSize bounds control messages waiting behind a slow device.
	controlQueueSize = 16
)

// Fleet is the registry view the viewer sockets need.
type Fleet interface {
	DeviceLookup
	GetDevices() []device.Device
	Subscribe() (<-chan device.Event, func())
}

// ServerConfig tunes viewer sockets.
type ServerConfig struct {
	// ViewerBuffer bounds the per-viewer send queue; frames beyond it are
	// dropped for that viewer only.
	ViewerBuffer int
	PingInterval time.Duration
}

// Server accepts viewer WebSocket connections.
type Server struct {
	hub      *Hub
	fleet    Fleet
	cfg      ServerConfig
	upgrader websocket.Upgrader
}

// NewServer creates the viewer endpoint over hub.
func NewServer(hub *Hub, fleet Fleet, cfg ServerConfig) *Server {
	if cfg.ViewerBuffer <= 0 {
		cfg.ViewerBuffer = defaultViewerBuffer
	}
	if cfg.PingInterval <= 0 {
		cfg.PingInterval = defaultPingInterval
	}
	return &Server{
		hub:   hub,
		fleet: fleet,
		cfg:   cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 64 << 10,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

type outbound struct {
	kind int
	data []byte
}

// viewer is one WebSocket connection. Writes go through a bounded queue
// drained by writeLoop.
type viewer struct {
	id   string
	conn *websocket.Conn
	raw  bool
	out  chan outbound
	done chan struct{}
	once sync.Once
}

func newViewer(conn *websocket.Conn, raw bool, buffer int) *viewer {
	return &viewer{
		id:   uuid.New().String(),
		conn: conn,
		raw:  raw,
		out:  make(chan outbound, buffer),
		done: make(chan struct{}),
	}
}

func (v *viewer) ID() string { return v.id }

// Deliver frames payload for the shared socket, or passes it through raw on
// a dedicated socket.
func (v *viewer) Deliver(address string, payload []byte) bool {
	data := payload
	if !v.raw {
		data = EncodeFrame(DeviceHash(address), payload)
	}
	return v.enqueue(outbound{kind: websocket.BinaryMessage, data: data})
}

func (v *viewer) Notify(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Error().Err(err).Msg("encode viewer message")
		return
	}
	if !v.enqueue(outbound{kind: websocket.TextMessage, data: data}) {
		log.Debug().Str("viewer", v.id).Msg("viewer message dropped")
	}
}

func (v *viewer) enqueue(o outbound) bool {
	select {
	case <-v.done:
		return false
	default:
	}
	select {
	case v.out <- o:
		return true
	default:
		return false
	}
}

func (v *viewer) close() {
	v.once.Do(func() {
		close(v.done)
		_ = v.conn.Close()
	})
}

func (v *viewer) writeLoop(ping time.Duration) {
	ticker := time.NewTicker(ping)
	defer ticker.Stop()
	for {
		select {
		case <-v.done:
			return
		case o := <-v.out:
			_ = v.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := v.conn.WriteMessage(o.kind, o.data); err != nil {
				v.close()
				return
			}
		case <-ticker.C:
			if err := v.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				v.close()
				return
			}
		}
	}
}

// ServeShared handles the multiplexed viewer socket: a device-list feed plus
// opt-in binary subscriptions framed with a device hash.
func (s *Server) ServeShared(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("viewer upgrade failed")
		return
	}
	v := newViewer(conn, false, s.cfg.ViewerBuffer)
	go v.writeLoop(s.cfg.PingInterval)
	log.Info().Str("viewer", v.id).Str("remote", r.RemoteAddr).Msg("viewer connected")

	events, cancel := s.fleet.Subscribe()
	defer cancel()

	devices := s.fleet.GetDevices()
	v.Notify(DevicesUpdated{Type: TypeDevicesUpdated, Action: "list", Devices: devices, Count: len(devices)})
	go s.forwardEvents(v, events)

	s.readLoop(r.Context(), v, "")
	s.hub.UnsubscribeAll(v.id)
	v.close()
	log.Info().Str("viewer", v.id).Msg("viewer disconnected")
}

// ServeDevice handles a dedicated socket for one device: raw codec frames,
// no header.
func (s *Server) ServeDevice(w http.ResponseWriter, r *http.Request, address string) {
	if _, ok := s.fleet.GetDevice(address); !ok {
		http.Error(w, "unknown device", http.StatusNotFound)
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("viewer upgrade failed")
		return
	}
	v := newViewer(conn, true, s.cfg.ViewerBuffer)
	go v.writeLoop(s.cfg.PingInterval)

	if _, err := s.hub.Subscribe(address, v, r.URL.Query().Get("quality")); err != nil {
		v.Notify(newError(errorCode(err), address, err.Error()))
		// let the error message flush before closing
		time.Sleep(50 * time.Millisecond)
		v.close()
		return
	}
	log.Info().Str("viewer", v.id).Str("address", address).Msg("dedicated viewer connected")
	s.readLoop(r.Context(), v, address)
	s.hub.Unsubscribe(address, v.id)
	v.close()
}

func (s *Server) forwardEvents(v *viewer, events <-chan device.Event) {
	for {
		select {
		case <-v.done:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			dev := ev.Device
			v.Notify(DevicesUpdated{
				Type:   TypeDevicesUpdated,
				Action: string(ev.Type),
				Device: &dev,
				Count:  len(s.fleet.GetDevices()),
			})
		}
	}
}

func (s *Server) readLoop(ctx context.Context, v *viewer, fixed string) {
	v.conn.SetReadLimit(maxMessageSize)
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	controls := make(chan func(context.Context), controlQueueSize)
	go runControls(ctx, controls)
	for {
		kind, data, err := v.conn.ReadMessage()
		if err != nil {
			return
		}
		if kind != websocket.TextMessage {
			continue
		}
		s.handleMessage(ctx, v, data, fixed, controls)
	}
}

// runControls executes one viewer's control messages in order, off the read
// loop, until ctx ends.
func runControls(ctx context.Context, controls <-chan func(context.Context)) {
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-controls:
			job(ctx)
		}
	}
}

// queueControl hands run to the viewer's control worker. A full queue is
// reported back rather than waited on.
func queueControl(v Subscriber, controls chan<- func(context.Context), deviceID string, run func(context.Context) error) {
	job := func(ctx context.Context) {
		if err := run(ctx); err != nil {
			v.Notify(newError(errorCode(err), deviceID, err.Error()))
		}
	}
	select {
	case controls <- job:
	default:
		v.Notify(newError(CodeControlBusy, deviceID, "control queue full"))
	}
}

// handleMessage executes one viewer message. fixed pins the device for
// dedicated sockets. Control messages go to controls.
func (s *Server) handleMessage(ctx context.Context, v Subscriber, data []byte, fixed string, controls chan<- func(context.Context)) {
	var msg clientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		v.Notify(newError(CodeBadMessage, "", err.Error()))
		return
	}
	if fixed != "" {
		msg.DeviceID = fixed
		msg.Devices = nil
	}

	switch msg.Type {
	case TypeSubscribe:
		for _, addr := range msg.Devices {
			q, err := s.hub.Subscribe(addr, v, msg.Quality)
			if err != nil {
				v.Notify(newError(errorCode(err), addr, err.Error()))
				continue
			}
			v.Notify(Subscribed{Type: TypeSubscribed, DeviceID: addr, Hash: DeviceHash(addr), Quality: q.Name})
		}
	case TypeUnsubscribe:
		for _, addr := range msg.Devices {
			s.hub.Unsubscribe(addr, v.ID())
		}
	case TypeQuality:
		if err := s.hub.SetQuality(msg.DeviceID, msg.Quality); err != nil {
			v.Notify(newError(errorCode(err), msg.DeviceID, err.Error()))
		}
	case TypeTouch:
		touch := Touch{
			DeviceID: msg.DeviceID,
			Action:   msg.Action,
			X:        msg.X,
			Y:        msg.Y,
			X2:       msg.X2,
			Y2:       msg.Y2,
			Duration: time.Duration(msg.Duration) * time.Millisecond,
		}
		queueControl(v, controls, msg.DeviceID, func(ctx context.Context) error {
			return s.hub.Touch(ctx, touch)
		})
	case TypeKey:
		key := Key{DeviceID: msg.DeviceID, Keycode: msg.Keycode, Text: msg.Text}
		queueControl(v, controls, msg.DeviceID, func(ctx context.Context) error {
			return s.hub.Key(ctx, key)
		})
	default:
		v.Notify(newError(CodeUnknownType, msg.DeviceID, "unknown message type "+msg.Type))
	}
}
