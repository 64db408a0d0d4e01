package stream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func dialViewer(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial("ws"+strings.TrimPrefix(url, "http"), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func readText(t *testing.T, conn *websocket.Conn, into any) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if kind != websocket.TextMessage {
		t.Fatalf("expected text message, got %d", kind)
	}
	if err := json.Unmarshal(data, into); err != nil {
		t.Fatalf("decode %s: %v", data, err)
	}
}

func TestSharedSocketSubscribeAndFrames(t *testing.T) {
	capturer := &fakeCapturer{}
	fleet := newStubFleet(onlinePhone())
	hub := newTestHub(t, fleet, capturer, nil)
	srv := NewServer(hub, fleet, ServerConfig{})
	ts := httptest.NewServer(http.HandlerFunc(srv.ServeShared))
	t.Cleanup(ts.Close)

	conn := dialViewer(t, ts.URL)
	var list DevicesUpdated
	readText(t, conn, &list)
	if list.Type != TypeDevicesUpdated || list.Action != "list" || list.Count != 1 {
		t.Fatalf("unexpected device list %+v", list)
	}

	if err := conn.WriteJSON(map[string]any{"type": TypeSubscribe, "devices": []string{phone}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ack Subscribed
	readText(t, conn, &ack)
	if ack.DeviceID != phone || ack.Hash != DeviceHash(phone) || ack.Quality != QualityMedium {
		t.Fatalf("unexpected ack %+v", ack)
	}

	go func() { _, _ = capturer.get(0).w.Write([]byte("nal-unit")) }()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil || kind != websocket.BinaryMessage {
		t.Fatalf("expected binary frame, got %d %v", kind, err)
	}
	hash, payload, err := DecodeFrame(data)
	if err != nil || hash != DeviceHash(phone) || string(payload) != "nal-unit" {
		t.Fatalf("frame = %x %q %v", hash, payload, err)
	}

	if err := conn.WriteJSON(map[string]any{"type": "control:dance"}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var bad ErrorMessage
	readText(t, conn, &bad)
	if bad.Code != CodeUnknownType {
		t.Fatalf("expected UNKNOWN_TYPE, got %+v", bad)
	}

	_ = conn.Close()
	waitFor(t, "unsubscribe on close", func() bool { return hub.SubscriberCount(phone) == 0 })
	if !capturer.get(0).isKilled() {
		t.Fatalf("closing the only viewer must kill the capture")
	}
}

func TestDedicatedSocketRawFrames(t *testing.T) {
	capturer := &fakeCapturer{}
	fleet := newStubFleet(onlinePhone())
	hub := newTestHub(t, fleet, capturer, nil)
	srv := NewServer(hub, fleet, ServerConfig{})
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		srv.ServeDevice(w, r, strings.TrimPrefix(r.URL.Path, "/ws/devices/"))
	}))
	t.Cleanup(ts.Close)

	resp, err := http.Get(ts.URL + "/ws/devices/unknown")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	_ = resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("unknown device status = %d", resp.StatusCode)
	}

	conn := dialViewer(t, ts.URL+"/ws/devices/"+phone+"?quality=low")
	waitFor(t, "capture start", func() bool { return capturer.count() == 1 })
	if capturer.get(0).quality != QualityLow {
		t.Fatalf("quality query ignored")
	}
	go func() { _, _ = capturer.get(0).w.Write([]byte("raw")) }()
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	kind, data, err := conn.ReadMessage()
	if err != nil || kind != websocket.BinaryMessage || string(data) != "raw" {
		t.Fatalf("expected raw frame, got %d %q %v", kind, data, err)
	}
}

func TestDeviceEventsReachViewers(t *testing.T) {
	fleet := newStubFleet(onlinePhone())
	hub := newTestHub(t, fleet, &fakeCapturer{}, nil)
	srv := NewServer(hub, fleet, ServerConfig{})
	ts := httptest.NewServer(http.HandlerFunc(srv.ServeShared))
	t.Cleanup(ts.Close)

	conn := dialViewer(t, ts.URL)
	var list DevicesUpdated
	readText(t, conn, &list)

	// the broker subscription is registered before the list is sent
	fleet.broker.Publish(deviceEvent("added"))
	var ev DevicesUpdated
	readText(t, conn, &ev)
	if ev.Action != "added" || ev.Device == nil || ev.Device.Address != phone {
		t.Fatalf("unexpected event %+v", ev)
	}
}

type blockingController struct {
	stubController
	entered chan struct{}
	release chan struct{}
}

func (b *blockingController) Tap(ctx context.Context, id string, x, y int) error {
	b.entered <- struct{}{}
	select {
	case <-b.release:
	case <-ctx.Done():
		return ctx.Err()
	}
	return b.stubController.Tap(ctx, id, x, y)
}

func TestSlowControlDoesNotDelayUnsubscribe(t *testing.T) {
	capturer := &fakeCapturer{}
	fleet := newStubFleet(onlinePhone())
	ctrl := &blockingController{entered: make(chan struct{}, 1), release: make(chan struct{})}
	hub := newTestHub(t, fleet, capturer, ctrl)
	srv := NewServer(hub, fleet, ServerConfig{})
	ts := httptest.NewServer(http.HandlerFunc(srv.ServeShared))
	t.Cleanup(ts.Close)
	t.Cleanup(func() { close(ctrl.release) })

	conn := dialViewer(t, ts.URL)
	var list DevicesUpdated
	readText(t, conn, &list)
	if err := conn.WriteJSON(map[string]any{"type": TypeSubscribe, "devices": []string{phone}}); err != nil {
		t.Fatalf("write: %v", err)
	}
	var ack Subscribed
	readText(t, conn, &ack)

	if err := conn.WriteJSON(map[string]any{"type": TypeTouch, "deviceId": phone, "action": ActionTap, "x": 0.5, "y": 0.5}); err != nil {
		t.Fatalf("write touch: %v", err)
	}
	select {
	case <-ctrl.entered:
	case <-time.After(2 * time.Second):
		t.Fatalf("tap never reached the controller")
	}

	if err := conn.WriteJSON(map[string]any{"type": TypeUnsubscribe, "devices": []string{phone}}); err != nil {
		t.Fatalf("write unsubscribe: %v", err)
	}
	waitFor(t, "unsubscribe while a tap is in flight", func() bool { return hub.SubscriberCount(phone) == 0 })
}
