package discovery

import (
	"context"
	"regexp"
	"strconv"
	"strings"

	"github.com/pkg/errors"

	"github.com/exe-blue/doai-me-app-sub000/internal/device"
	"github.com/exe-blue/doai-me-app-sub000/internal/providers/adb"
)

// Prober connects to one address and returns its live properties.
type Prober interface {
	Probe(ctx context.Context, address string, transport device.Transport) (device.Properties, error)
}

// Pinger checks that an online device still answers shell commands.
type Pinger interface {
	Ping(ctx context.Context, address string) error
}

// CableLister returns devices attached to the local adb server.
type CableLister interface {
	AttachedDevices(ctx context.Context) ([]adb.AttachedDevice, error)
}

// Disconnector releases a network device from the adb server.
type Disconnector interface {
	Disconnect(address string) error
}

type adbBackend interface {
	Connect(ctx context.Context, address string) error
	Disconnect(address string) error
	Shell(ctx context.Context, serial string, args ...string) (string, error)
}

// ADBProber probes devices over adb. WiFi/LAN addresses are connected first.
type ADBProber struct {
	backend adbBackend
}

// NewADBProber wraps an adb provider.
func NewADBProber(backend adbBackend) *ADBProber {
	return &ADBProber{backend: backend}
}

// Probe reads model, OS version and display size.
func (p *ADBProber) Probe(ctx context.Context, address string, transport device.Transport) (device.Properties, error) {
	if transport.Networked() {
		if err := p.backend.Connect(ctx, address); err != nil {
			return device.Properties{}, err
		}
	}
	model, err := p.getprop(ctx, address, "ro.product.model")
	if err != nil {
		return device.Properties{}, err
	}
	osVersion, err := p.getprop(ctx, address, "ro.build.version.release")
	if err != nil {
		return device.Properties{}, err
	}
	out, err := p.backend.Shell(ctx, address, "wm", "size")
	if err != nil {
		return device.Properties{}, errors.Wrapf(err, "query display size of %s", address)
	}
	size, ok := parseDisplaySize(out)
	if !ok {
		return device.Properties{}, errors.Errorf("unexpected wm size output from %s: %q", address, strings.TrimSpace(out))
	}
	return device.Properties{
		Serial:      address,
		Model:       model,
		OSVersion:   osVersion,
		DisplaySize: size,
	}, nil
}

// Ping runs `echo ok` on the device.
func (p *ADBProber) Ping(ctx context.Context, address string) error {
	out, err := p.backend.Shell(ctx, address, "echo", "ok")
	if err != nil {
		return err
	}
	if strings.TrimSpace(out) != "ok" {
		return errors.Errorf("unexpected ping reply %q", strings.TrimSpace(out))
	}
	return nil
}

// Disconnect forwards to adb disconnect.
func (p *ADBProber) Disconnect(address string) error {
	return p.backend.Disconnect(address)
}

func (p *ADBProber) getprop(ctx context.Context, address, key string) (string, error) {
	out, err := p.backend.Shell(ctx, address, "getprop", key)
	if err != nil {
		return "", errors.Wrapf(err, "getprop %s on %s", key, address)
	}
	return strings.TrimSpace(out), nil
}

var sizePattern = regexp.MustCompile(`(Physical|Override) size:\s*(\d+)x(\d+)`)

// parseDisplaySize prefers the override size when one is set.
func parseDisplaySize(out string) (device.DisplaySize, bool) {
	var physical, override device.DisplaySize
	for _, m := range sizePattern.FindAllStringSubmatch(out, -1) {
		w, _ := strconv.Atoi(m[2])
		h, _ := strconv.Atoi(m[3])
		if m[1] == "Override" {
			override = device.DisplaySize{Width: w, Height: h}
		} else {
			physical = device.DisplaySize{Width: w, Height: h}
		}
	}
	if override.Valid() {
		return override, true
	}
	return physical, physical.Valid()
}
