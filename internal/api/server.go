// Package api exposes the control plane over HTTP.
//
// Discovery:
//   - POST   /api/discovery/rescan
//   - POST   /api/discovery/devices
//   - DELETE /api/discovery/devices/{address}
//   - GET    /api/discovery/status
//   - GET    /api/devices
//
// Tasks:
//   - POST /api/tasks
//   - GET  /api/tasks?status=PENDING
//   - GET  /api/tasks/{id}
//   - POST /api/tasks/{id}/cancel
//   - POST /api/tasks/{id}/ack
//   - GET  /api/tasks/{id}/history
//
// Viewers and health:
//   - GET /ws
//   - GET /ws/devices/{id}
//   - GET /metrics
//   - GET /healthz
package api

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"

	"github.com/exe-blue/doai-me-app-sub000/internal/device"
	"github.com/exe-blue/doai-me-app-sub000/internal/discovery"
	"github.com/exe-blue/doai-me-app-sub000/internal/recorder"
	"github.com/exe-blue/doai-me-app-sub000/internal/tasks"
	"github.com/exe-blue/doai-me-app-sub000/pkg/envelope"
)

const maxBodyBytes = 1 << 20

// Discovery is the management side of the discovery manager.
type Discovery interface {
	Rescan(ctx context.Context) (discovery.ScanResult, bool)
	AddDevice(ctx context.Context, address string, transport device.Transport) (device.Device, error)
	RemoveDevice(address string) error
	Status() discovery.Status
	GetDevices() []device.Device
}

// Tasks is the task surface of the dispatcher.
type Tasks interface {
	Submit(task tasks.Task) (tasks.Task, error)
	HandleAck(ack envelope.Ack) (tasks.Task, error)
	Queue() *tasks.Queue
}

// History reads recorded task transitions.
type History interface {
	TaskHistory(ctx context.Context, taskID string) ([]recorder.TaskEvent, error)
}

// Viewers serves the stream sockets.
type Viewers interface {
	ServeShared(w http.ResponseWriter, r *http.Request)
	ServeDevice(w http.ResponseWriter, r *http.Request, address string)
}

// Server routes management requests to the control plane components.
type Server struct {
	discovery Discovery
	tasks     Tasks
	history   History
	viewers   Viewers
	mux       *http.ServeMux
}

// NewServer registers every route. history and viewers may be nil.
func NewServer(disc Discovery, t Tasks, history History, viewers Viewers) *Server {
	if history == nil {
		history = recorder.Noop{}
	}
	s := &Server{
		discovery: disc,
		tasks:     t,
		history:   history,
		viewers:   viewers,
		mux:       http.NewServeMux(),
	}
	s.registerRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	s.mux.ServeHTTP(w, r)
	log.Debug().Str("method", r.Method).Str("path", r.URL.Path).Dur("duration", time.Since(start)).Msg("request")
}

func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	s.mux.Handle("GET /metrics", promhttp.Handler())

	s.mux.HandleFunc("POST /api/discovery/rescan", s.handleRescan)
	s.mux.HandleFunc("POST /api/discovery/devices", s.handleAddDevice)
	s.mux.HandleFunc("DELETE /api/discovery/devices/{address}", s.handleRemoveDevice)
	s.mux.HandleFunc("GET /api/discovery/status", s.handleDiscoveryStatus)
	s.mux.HandleFunc("GET /api/devices", s.handleListDevices)

	s.mux.HandleFunc("POST /api/tasks", s.handleSubmitTask)
	s.mux.HandleFunc("GET /api/tasks", s.handleListTasks)
	s.mux.HandleFunc("GET /api/tasks/{id}", s.handleGetTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/cancel", s.handleCancelTask)
	s.mux.HandleFunc("POST /api/tasks/{id}/ack", s.handleAckTask)
	s.mux.HandleFunc("GET /api/tasks/{id}/history", s.handleTaskHistory)

	if s.viewers != nil {
		s.mux.HandleFunc("GET /ws", s.viewers.ServeShared)
		s.mux.HandleFunc("GET /ws/devices/{id}", func(w http.ResponseWriter, r *http.Request) {
			s.viewers.ServeDevice(w, r, r.PathValue("id"))
		})
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

type rescanResponse struct {
	discovery.ScanResult
	// Scanning is set when another scan was running and the previous
	// result is returned instead.
	Scanning bool `json:"scanning"`
}

func (s *Server) handleRescan(w http.ResponseWriter, r *http.Request) {
	result, ran := s.discovery.Rescan(r.Context())
	if !ran {
		writeJSON(w, http.StatusAccepted, rescanResponse{ScanResult: result, Scanning: true})
		return
	}
	writeJSON(w, http.StatusOK, rescanResponse{ScanResult: result})
}

type addDeviceRequest struct {
	Address   string `json:"address"`
	Transport string `json:"transport"`
}

func (s *Server) handleAddDevice(w http.ResponseWriter, r *http.Request) {
	var req addDeviceRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	transport, ok := device.ParseTransport(req.Transport)
	if !ok {
		writeError(w, http.StatusBadRequest, "unknown transport "+req.Transport)
		return
	}
	dev, err := s.discovery.AddDevice(r.Context(), req.Address, transport)
	if err != nil {
		switch {
		case errors.Is(err, discovery.ErrInvalidTransport), errors.Is(err, discovery.ErrInvalidAddress):
			writeError(w, http.StatusBadRequest, err.Error())
		default:
			// the address stays known and keeps being retried
			writeError(w, http.StatusBadGateway, err.Error())
		}
		return
	}
	writeJSON(w, http.StatusOK, dev)
}

func (s *Server) handleRemoveDevice(w http.ResponseWriter, r *http.Request) {
	address := r.PathValue("address")
	if err := s.discovery.RemoveDevice(address); err != nil {
		if errors.Is(err, discovery.ErrUnknownDevice) {
			writeError(w, http.StatusNotFound, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleDiscoveryStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.discovery.Status())
}

func (s *Server) handleListDevices(w http.ResponseWriter, r *http.Request) {
	devices := s.discovery.GetDevices()
	writeJSON(w, http.StatusOK, map[string]any{"devices": devices, "count": len(devices)})
}

type submitTaskRequest struct {
	Type           envelope.Type     `json:"type"`
	Priority       envelope.Priority `json:"priority"`
	Payload        json.RawMessage   `json:"payload,omitempty"`
	TargetDeviceID string            `json:"targetDeviceId,omitempty"`
	Immediate      bool              `json:"immediate,omitempty"`
	TTLSeconds     *int              `json:"ttlSeconds,omitempty"`
	AckRequired    *bool             `json:"ackRequired,omitempty"`
}

func (s *Server) handleSubmitTask(w http.ResponseWriter, r *http.Request) {
	var req submitTaskRequest
	if err := decodeBody(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	ackRequired := true
	if req.AckRequired != nil {
		ackRequired = *req.AckRequired
	}
	task, err := s.tasks.Submit(tasks.Task{
		Type:           req.Type,
		Priority:       req.Priority,
		Payload:        req.Payload,
		TargetDeviceID: strings.TrimSpace(req.TargetDeviceID),
		Immediate:      req.Immediate,
		TTLSeconds:     req.TTLSeconds,
		AckRequired:    ackRequired,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, task)
}

func (s *Server) handleListTasks(w http.ResponseWriter, r *http.Request) {
	status := tasks.Status(strings.ToUpper(strings.TrimSpace(r.URL.Query().Get("status"))))
	list := s.tasks.Queue().List(status)
	writeJSON(w, http.StatusOK, map[string]any{"tasks": list, "count": len(list)})
}

func (s *Server) handleGetTask(w http.ResponseWriter, r *http.Request) {
	task, ok := s.tasks.Queue().Get(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, tasks.ErrNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleCancelTask(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.tasks.Queue().Cancel(id); err != nil {
		writeError(w, taskErrorStatus(err), err.Error())
		return
	}
	task, _ := s.tasks.Queue().Get(id)
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleAckTask(w http.ResponseWriter, r *http.Request) {
	var ack envelope.Ack
	if err := decodeBody(r, &ack); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	id := r.PathValue("id")
	if ack.EnvelopeID == "" {
		ack.EnvelopeID = id
	}
	if ack.EnvelopeID != id {
		writeError(w, http.StatusBadRequest, "envelopeId does not match task id")
		return
	}
	if ack.Status != envelope.AckSuccess && ack.Status != envelope.AckFailure {
		writeError(w, http.StatusBadRequest, "ack status must be success or failure")
		return
	}
	task, err := s.tasks.HandleAck(ack)
	if err != nil {
		writeError(w, taskErrorStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, task)
}

func (s *Server) handleTaskHistory(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	events, err := s.history.TaskHistory(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if len(events) == 0 {
		if _, ok := s.tasks.Queue().Get(id); !ok {
			writeError(w, http.StatusNotFound, tasks.ErrNotFound.Error())
			return
		}
	}
	if events == nil {
		events = []recorder.TaskEvent{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"taskId": id, "events": events})
}

func taskErrorStatus(err error) int {
	switch {
	case errors.Is(err, tasks.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, tasks.ErrInvalidTransition):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func decodeBody(r *http.Request, v any) error {
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		return errors.Wrap(err, "read body")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(err, "decode body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
