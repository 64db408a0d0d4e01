package main

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/exe-blue/doai-me-app-sub000/internal/config"
	"github.com/exe-blue/doai-me-app-sub000/pkg/envelope"
)

func TestSubmitTaskPostsRequest(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/api/tasks" {
			t.Errorf("unexpected %s %s", r.Method, r.URL.Path)
		}
		raw, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(raw, &got)
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"id":"t-1"}`))
	}))
	defer srv.Close()

	body, err := submitTask(context.Background(), srv.Client(), submitOptions{
		Server:   srv.URL + "/",
		Type:     "system",
		Priority: 4,
		Payload:  `{"command":"reboot"}`,
		Target:   "10.0.0.5:5555",
		TTL:      30,
		NoAck:    true,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if !strings.Contains(string(body), "t-1") {
		t.Fatalf("unexpected body %s", body)
	}
	if got["type"] != "SYSTEM" || got["priority"] != float64(4) || got["ackRequired"] != false {
		t.Fatalf("unexpected request %v", got)
	}
	if got["targetDeviceId"] != "10.0.0.5:5555" || got["ttlSeconds"] != float64(30) {
		t.Fatalf("unexpected request %v", got)
	}
}

func TestSubmitTaskRejections(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"bad priority"}`, http.StatusBadRequest)
	}))
	defer srv.Close()
	if _, err := submitTask(context.Background(), srv.Client(), submitOptions{Server: srv.URL, Type: "POP", Priority: 9}); err == nil {
		t.Fatalf("expected rejection error")
	}
	if _, err := submitTask(context.Background(), srv.Client(), submitOptions{Server: srv.URL, Payload: "{oops"}); err == nil {
		t.Fatalf("expected invalid payload error")
	}
}

func TestBuildRouterRegistersHandlers(t *testing.T) {
	cfg := config.Default().Router
	cfg.ScriptPath = "/usr/local/bin/run-task"
	cfg.DrainInterval = time.Hour
	r, err := buildRouter(cfg)
	if err != nil {
		t.Fatalf("build router: %v", err)
	}
	defer r.Close()
	for _, typ := range []envelope.Type{envelope.TypeSystem, envelope.TypePop, envelope.TypeAccident, envelope.TypeCommission} {
		env := envelope.New(typ, envelope.PriorityNormal, json.RawMessage(`{}`))
		if err := r.Route(env); err != nil {
			t.Fatalf("route %s: %v", typ, err)
		}
	}
	if r.Stats().Queued != 4 {
		t.Fatalf("expected 4 queued envelopes, got %+v", r.Stats())
	}
}

func TestSetupLogging(t *testing.T) {
	defer zerolog.SetGlobalLevel(zerolog.InfoLevel)
	if err := setupLogging("WARN", false); err != nil {
		t.Fatalf("setup: %v", err)
	}
	if zerolog.GlobalLevel() != zerolog.WarnLevel {
		t.Fatalf("level = %s", zerolog.GlobalLevel())
	}
	if err := setupLogging("loud", false); err == nil {
		t.Fatalf("expected invalid level error")
	}
}
