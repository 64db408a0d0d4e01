package discovery

import (
	"context"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/exe-blue/doai-me-app-sub000/internal/device"
	"github.com/exe-blue/doai-me-app-sub000/internal/providers/adb"
)

type stubProber struct {
	mu    sync.Mutex
	fail  map[string]error
	calls map[string]int
}

func newStubProber() *stubProber {
	return &stubProber{fail: make(map[string]error), calls: make(map[string]int)}
}

func (p *stubProber) Probe(ctx context.Context, address string, transport device.Transport) (device.Properties, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls[address]++
	if err := p.fail[address]; err != nil {
		return device.Properties{}, err
	}
	return device.Properties{
		Serial:      address,
		Model:       "Pixel",
		OSVersion:   "14",
		DisplaySize: device.DisplaySize{Width: 1080, Height: 2400},
	}, nil
}

func (p *stubProber) setFail(address string, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if err == nil {
		delete(p.fail, address)
		return
	}
	p.fail[address] = err
}

func (p *stubProber) count(address string) int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls[address]
}

type stubPinger struct {
	mu   sync.Mutex
	fail map[string]bool
}

func (p *stubPinger) Ping(ctx context.Context, address string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.fail[address] {
		return errors.New("no route to host")
	}
	return nil
}

type fakeTimer struct {
	delay   time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	was := !t.stopped
	t.stopped = true
	return was
}

type fakeScheduler struct {
	mu     sync.Mutex
	timers []*fakeTimer
}

func (s *fakeScheduler) AfterFunc(d time.Duration, f func()) Timer {
	s.mu.Lock()
	defer s.mu.Unlock()
	t := &fakeTimer{delay: d, fn: f}
	s.timers = append(s.timers, t)
	return t
}

// fireNext runs the oldest live timer and returns its delay.
func (s *fakeScheduler) fireNext(t *testing.T) time.Duration {
	t.Helper()
	s.mu.Lock()
	var next *fakeTimer
	for _, tm := range s.timers {
		if !tm.stopped {
			next = tm
			break
		}
	}
	if next != nil {
		next.stopped = true
	}
	s.mu.Unlock()
	if next == nil {
		t.Fatalf("no pending timer")
	}
	next.fn()
	return next.delay
}

func (s *fakeScheduler) pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, tm := range s.timers {
		if !tm.stopped {
			n++
		}
	}
	return n
}

func (s *fakeScheduler) lastDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timers[len(s.timers)-1].delay
}

func staticCable(devs ...adb.AttachedDevice) CableLister {
	return AttachedLister(func(ctx context.Context) ([]adb.AttachedDevice, error) {
		return devs, nil
	})
}

func TestFullScanEmpty(t *testing.T) {
	m := NewManager(Config{}, nil, nil, staticCable(), newStubProber())
	defer m.Close()
	if _, started := m.FullScan(context.Background()); !started {
		t.Fatalf("scan should start")
	}
	if got := m.GetDeviceCount(); got != (DeviceCount{Total: 0, Online: 0}) {
		t.Fatalf("unexpected count %+v", got)
	}
}

func TestRescanWhileScanningIsNoop(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var (
		mu    sync.Mutex
		calls int
	)
	lister := AttachedLister(func(ctx context.Context) ([]adb.AttachedDevice, error) {
		mu.Lock()
		calls++
		first := calls == 1
		mu.Unlock()
		if first {
			close(entered)
			<-release
		}
		return nil, nil
	})
	m := NewManager(Config{}, nil, nil, lister, newStubProber())
	defer m.Close()

	done := make(chan struct{})
	go func() {
		m.FullScan(context.Background())
		close(done)
	}()
	<-entered

	for i := 0; i < 3; i++ {
		if _, started := m.Rescan(context.Background()); started {
			t.Fatalf("rescan started a second concurrent scan")
		}
	}
	if !m.Status().Scanning {
		t.Fatalf("status should report scanning")
	}
	close(release)
	<-done

	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Fatalf("expected exactly one scan start, got %d", calls)
	}
}

func TestCableScanSkipsUnreadyAndNetworkSerials(t *testing.T) {
	prober := newStubProber()
	attached := []adb.AttachedDevice{
		{Serial: "usb-1", State: "online", Ready: true},
		{Serial: "usb-2", State: "unauthorized"},
		{Serial: "10.0.0.9:5555", State: "online", Ready: true},
	}
	var mu sync.Mutex
	lister := AttachedLister(func(ctx context.Context) ([]adb.AttachedDevice, error) {
		mu.Lock()
		defer mu.Unlock()
		return attached, nil
	})
	m := NewManager(Config{}, nil, nil, lister, prober)
	defer m.Close()

	m.FullScan(context.Background())
	devs := m.GetDevices()
	if len(devs) != 1 || devs[0].Address != "usb-1" || devs[0].Transport != device.TransportCable {
		t.Fatalf("unexpected devices: %+v", devs)
	}
	if prober.count("usb-2") != 0 || prober.count("10.0.0.9:5555") != 0 {
		t.Fatalf("unready or network serials must not be probed as cable")
	}

	events, cancel := m.Subscribe()
	defer cancel()

	mu.Lock()
	attached = nil
	mu.Unlock()
	m.PollHotplug(context.Background())

	if m.GetDeviceCount().Total != 0 {
		t.Fatalf("unplugged cable device should be removed")
	}
	select {
	case ev := <-events:
		if ev.Type != device.EventRemoved || ev.Device.Address != "usb-1" {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no removed event")
	}
}

func TestHotplugDoesNotReprobeOnlineDevices(t *testing.T) {
	prober := newStubProber()
	m := NewManager(Config{}, nil, nil, staticCable(adb.AttachedDevice{Serial: "usb-1", Ready: true}), prober)
	defer m.Close()

	m.PollHotplug(context.Background())
	m.PollHotplug(context.Background())
	if prober.count("usb-1") != 1 {
		t.Fatalf("expected one probe, got %d", prober.count("usb-1"))
	}
	if dev, _ := m.GetDevice("usb-1"); !dev.Online() {
		t.Fatalf("device should be online: %+v", dev)
	}
}

func TestReconnectExhaustsToErrorAndAddDeviceResets(t *testing.T) {
	const addr = "10.0.0.5:5555"
	prober := newStubProber()
	sched := &fakeScheduler{}
	m := NewManager(Config{
		Known: []KnownAddress{{Address: addr, Transport: device.TransportWiFi}},
	}, nil, nil, nil, prober, WithAfterFunc(sched.AfterFunc))
	defer m.Close()

	m.FullScan(context.Background())
	if dev, _ := m.GetDevice(addr); !dev.Online() {
		t.Fatalf("device should be online after first scan: %+v", dev)
	}

	prober.setFail(addr, errors.New("connection refused"))
	m.FullScan(context.Background())
	dev, _ := m.GetDevice(addr)
	if dev.Status != device.StatusOffline {
		t.Fatalf("expected OFFLINE, got %s", dev.Status)
	}

	// attempt 1 is immediate, the following ones back off by 1.5x.
	if d := sched.fireNext(t); d != 0 {
		t.Fatalf("first attempt should be immediate, got %s", d)
	}
	if d := sched.lastDelay(); d != 10*time.Second {
		t.Fatalf("second attempt delay = %s", d)
	}
	sched.fireNext(t)
	if d := sched.lastDelay(); d != 15*time.Second {
		t.Fatalf("third attempt delay = %s", d)
	}
	sched.fireNext(t)

	dev, _ = m.GetDevice(addr)
	if dev.Status != device.StatusError {
		t.Fatalf("expected ERROR after 3 attempts, got %s", dev.Status)
	}
	if dev.LastError == "" || dev.ReconnectAttempts != 3 {
		t.Fatalf("expected reason and attempt count, got %+v", dev)
	}
	if sched.pending() != 0 {
		t.Fatalf("no retries expected after exhaustion")
	}

	// A periodic scan leaves the ERROR device alone.
	before := prober.count(addr)
	m.FullScan(context.Background())
	if prober.count(addr) != before {
		t.Fatalf("periodic scan must not retry an ERROR device")
	}

	// Manual add retries immediately and restarts the counter.
	if _, err := m.AddDevice(context.Background(), addr, device.TransportWiFi); err == nil {
		t.Fatalf("expected probe error")
	}
	if prober.count(addr) != before+1 {
		t.Fatalf("AddDevice should probe synchronously")
	}
	dev, _ = m.GetDevice(addr)
	if dev.ReconnectAttempts != 1 || dev.Status != device.StatusOffline {
		t.Fatalf("attempt counter not reset: %+v", dev)
	}
	if sched.lastDelay() != 10*time.Second {
		t.Fatalf("next retry should use the first interval, got %s", sched.lastDelay())
	}

	prober.setFail(addr, nil)
	got, err := m.AddDevice(context.Background(), addr, device.TransportWiFi)
	if err != nil {
		t.Fatalf("add device: %v", err)
	}
	if !got.Online() || got.ReconnectAttempts != 0 {
		t.Fatalf("expected ONLINE with reset attempts, got %+v", got)
	}
	if sched.pending() != 0 {
		t.Fatalf("successful add must cancel the schedule")
	}
}

func TestReconnectSuccessEmitsChangedNotAdded(t *testing.T) {
	const addr = "10.0.0.6:5555"
	prober := newStubProber()
	sched := &fakeScheduler{}
	m := NewManager(Config{
		Known: []KnownAddress{{Address: addr, Transport: device.TransportLAN}},
	}, nil, nil, nil, prober, WithAfterFunc(sched.AfterFunc))
	defer m.Close()

	m.FullScan(context.Background())
	prober.setFail(addr, errors.New("timeout"))
	m.FullScan(context.Background())

	events, cancel := m.Subscribe()
	defer cancel()
	prober.setFail(addr, nil)
	sched.fireNext(t)

	var seen []device.Event
	timeout := time.After(time.Second)
	for len(seen) < 2 {
		select {
		case ev := <-events:
			seen = append(seen, ev)
		case <-timeout:
			t.Fatalf("expected 2 events, got %+v", seen)
		}
	}
	for _, ev := range seen {
		if ev.Type != device.EventChanged {
			t.Fatalf("reconnect must emit changed only, got %s", ev.Type)
		}
	}
	if seen[1].Device.Status != device.StatusOnline {
		t.Fatalf("final event should be ONLINE, got %s", seen[1].Device.Status)
	}
}

func TestHealthCheckDowngradesAndStartsReconnect(t *testing.T) {
	const addr = "10.0.0.7:5555"
	prober := newStubProber()
	pinger := &stubPinger{fail: map[string]bool{}}
	sched := &fakeScheduler{}
	m := NewManager(Config{
		Known: []KnownAddress{{Address: addr, Transport: device.TransportWiFi}},
	}, nil, nil, nil, prober, WithPinger(pinger), WithAfterFunc(sched.AfterFunc))
	defer m.Close()

	m.FullScan(context.Background())
	m.HealthCheck(context.Background())
	if dev, _ := m.GetDevice(addr); !dev.Online() {
		t.Fatalf("healthy device should stay online")
	}

	pinger.mu.Lock()
	pinger.fail[addr] = true
	pinger.mu.Unlock()
	m.HealthCheck(context.Background())

	dev, _ := m.GetDevice(addr)
	if dev.Status != device.StatusOffline {
		t.Fatalf("expected OFFLINE after failed ping, got %s", dev.Status)
	}
	if sched.pending() != 1 {
		t.Fatalf("expected reconnection to be scheduled")
	}
	if st := m.Status(); len(st.Reconnecting) != 1 || st.Reconnecting[0] != addr {
		t.Fatalf("status should list reconnecting device: %+v", st)
	}
}

func TestRemoveDevice(t *testing.T) {
	const addr = "10.0.0.8:5555"
	m := NewManager(Config{
		Known: []KnownAddress{{Address: addr, Transport: device.TransportWiFi}},
	}, nil, nil, nil, newStubProber())
	defer m.Close()
	m.FullScan(context.Background())

	if err := m.RemoveDevice(addr); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if m.GetDeviceCount().Total != 0 || m.Status().Known != 0 {
		t.Fatalf("device should be forgotten")
	}
	if err := m.RemoveDevice(addr); !errors.Is(err, ErrUnknownDevice) {
		t.Fatalf("expected ErrUnknownDevice, got %v", err)
	}
}

func TestRememberFeedsNextScan(t *testing.T) {
	prober := newStubProber()
	m := NewManager(Config{}, nil, nil, nil, prober)
	defer m.Close()
	m.Remember("10.0.0.12:5555", device.TransportLAN)
	m.Remember("R58M-cable", device.TransportCable)
	m.Remember("10.0.0.13", device.TransportWiFi)
	if m.Status().Known != 1 {
		t.Fatalf("expected one remembered address, got %d", m.Status().Known)
	}
	if prober.count("10.0.0.12:5555") != 0 {
		t.Fatalf("remember must not probe")
	}
	m.FullScan(context.Background())
	dev, ok := m.GetDevice("10.0.0.12:5555")
	if !ok || dev.Transport != device.TransportLAN || !dev.Online() {
		t.Fatalf("remembered device not discovered: %+v", dev)
	}
}

func TestSetTaskCountPublishesOnChange(t *testing.T) {
	const addr = "10.0.0.14:5555"
	m := NewManager(Config{
		Known: []KnownAddress{{Address: addr, Transport: device.TransportWiFi}},
	}, nil, nil, nil, newStubProber())
	defer m.Close()
	m.FullScan(context.Background())
	events, cancel := m.Subscribe()
	defer cancel()

	m.SetTaskCount(addr, 2)
	m.SetTaskCount(addr, 2)
	m.SetTaskCount("10.9.9.9:5555", 1)
	if dev, _ := m.GetDevice(addr); dev.TaskCount != 2 {
		t.Fatalf("task count = %d", dev.TaskCount)
	}
	select {
	case ev := <-events:
		if ev.Type != device.EventChanged || ev.Device.TaskCount != 2 {
			t.Fatalf("unexpected event %+v", ev)
		}
	case <-time.After(time.Second):
		t.Fatalf("no changed event")
	}
	select {
	case ev := <-events:
		t.Fatalf("unchanged count must not publish: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestAddDeviceRejectsCable(t *testing.T) {
	m := NewManager(Config{}, nil, nil, nil, newStubProber())
	defer m.Close()
	if _, err := m.AddDevice(context.Background(), "usb-1", device.TransportCable); !errors.Is(err, ErrInvalidTransport) {
		t.Fatalf("expected ErrInvalidTransport, got %v", err)
	}
	if _, err := m.AddDevice(context.Background(), "10.0.0.1", device.TransportWiFi); !errors.Is(err, ErrInvalidAddress) {
		t.Fatalf("expected ErrInvalidAddress, got %v", err)
	}
}

func TestSubnetSweepProbesOpenHosts(t *testing.T) {
	prober := newStubProber()
	dial := func(ctx context.Context, network, address string) (net.Conn, error) {
		if address == "192.168.7.2:5555" {
			client, server := net.Pipe()
			_ = server.Close()
			return client, nil
		}
		return nil, errors.New("refused")
	}
	m := NewManager(Config{
		SubnetSweep: true,
		Subnets:     []string{"192.168.7.0/30"},
	}, nil, nil, nil, prober, WithDialer(dial))
	defer m.Close()

	m.FullScan(context.Background())
	devs := m.GetDevices()
	if len(devs) != 1 || devs[0].Address != "192.168.7.2:5555" || devs[0].Transport != device.TransportLAN {
		t.Fatalf("unexpected sweep result: %+v", devs)
	}
	if prober.count("192.168.7.1:5555") != 0 {
		t.Fatalf("closed hosts must not be probed")
	}
}

func TestExpandCIDR(t *testing.T) {
	hosts, err := expandCIDR("10.1.2.0/30")
	if err != nil {
		t.Fatalf("expand: %v", err)
	}
	if len(hosts) != 2 || hosts[0] != "10.1.2.1" || hosts[1] != "10.1.2.2" {
		t.Fatalf("unexpected hosts %v", hosts)
	}
	if hosts, _ := expandCIDR("10.1.2.4/31"); len(hosts) != 2 {
		t.Fatalf("/31 should keep both addresses: %v", hosts)
	}
	if _, err := expandCIDR("10.0.0.0/8"); err == nil {
		t.Fatalf("expected /8 to be rejected")
	}
}

func TestReconnectDelay(t *testing.T) {
	p := ReconnectPolicy{Interval: 10 * time.Second, Multiplier: 1.5, MaxAttempts: 3}
	want := []time.Duration{10 * time.Second, 15 * time.Second, 22500 * time.Millisecond}
	for i, w := range want {
		if got := p.Delay(i + 1); got != w {
			t.Fatalf("delay(%d) = %s want %s", i+1, got, w)
		}
	}
}

func TestParseDisplaySize(t *testing.T) {
	size, ok := parseDisplaySize("Physical size: 1080x2340\nOverride size: 720x1560\n")
	if !ok || size.Width != 720 || size.Height != 1560 {
		t.Fatalf("override should win: %+v", size)
	}
	size, ok = parseDisplaySize("Physical size: 1440x3200")
	if !ok || size.Width != 1440 {
		t.Fatalf("unexpected %+v", size)
	}
	if _, ok := parseDisplaySize("error: no display"); ok {
		t.Fatalf("expected parse failure")
	}
}
