package router

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/exe-blue/doai-me-app-sub000/pkg/envelope"
)

const maxEnvelopeBytes = 1 << 20

// HTTPAckSink posts acks to the control plane at
// {baseURL}/api/tasks/{envelopeId}/ack.
type HTTPAckSink struct {
	baseURL    string
	httpClient *http.Client
}

// NewHTTPAckSink validates baseURL and builds the sink.
func NewHTTPAckSink(baseURL string, httpClient *http.Client) (*HTTPAckSink, error) {
	baseURL = strings.TrimSuffix(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		return nil, errors.New("control plane url is empty")
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &HTTPAckSink{baseURL: baseURL, httpClient: httpClient}, nil
}

// Ack implements AckSink.
func (s *HTTPAckSink) Ack(ctx context.Context, ack envelope.Ack) error {
	body, err := json.Marshal(ack)
	if err != nil {
		return errors.Wrap(err, "encode ack")
	}
	endpoint := fmt.Sprintf("%s/api/tasks/%s/ack", s.baseURL, url.PathEscape(ack.EnvelopeID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "build ack request")
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return errors.Wrap(err, "post ack")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return errors.Errorf("ack rejected with status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
	}
	log.Debug().Str("envelope_id", ack.EnvelopeID).Str("status", string(ack.Status)).Msg("ack delivered")
	return nil
}

// LogAckSink only logs acks; used when no control plane url is configured.
type LogAckSink struct{}

func (LogAckSink) Ack(ctx context.Context, ack envelope.Ack) error {
	log.Info().Str("envelope_id", ack.EnvelopeID).Str("status", string(ack.Status)).
		Str("error_code", ack.ErrorCode).Str("error", ack.ErrorMessage).Msg("envelope ack")
	return nil
}

// NewHTTPHandler exposes the router to the command channel:
//
//	POST /v1/envelopes  route one envelope
//	GET  /v1/status     router stats
func NewHTTPHandler(r *Router) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/envelopes", func(w http.ResponseWriter, req *http.Request) {
		raw, err := io.ReadAll(io.LimitReader(req.Body, maxEnvelopeBytes))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
			return
		}
		env, err := envelope.Decode(raw)
		if err == nil {
			err = r.Route(env)
		}
		if err != nil {
			writeJSON(w, statusFor(err), map[string]string{"error": err.Error(), "envelopeId": env.ID})
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"envelopeId": env.ID})
	})
	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, req *http.Request) {
		writeJSON(w, http.StatusOK, r.Stats())
	})
	return mux
}

func statusFor(err error) int {
	switch {
	case errors.Is(err, envelope.ErrMalformed),
		errors.Is(err, envelope.ErrInvalidPriority),
		errors.Is(err, envelope.ErrUnknownType),
		errors.Is(err, envelope.ErrUnsupportedVersion),
		errors.Is(err, envelope.ErrMissingID):
		return http.StatusBadRequest
	case errors.Is(err, ErrNoHandler):
		return http.StatusNotImplemented
	case errors.Is(err, ErrExpired):
		return http.StatusGone
	case errors.Is(err, ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("write response")
	}
}
