package adb

import (
	"context"
	"net"
	"strconv"
	"strings"

	"github.com/httprunner/httprunner/v5/pkg/gadb"
	"github.com/pkg/errors"
)

// AttachedDevice is one entry of the adb device list.
type AttachedDevice struct {
	Serial string
	State  string
	// Ready is false for unauthorized/offline/recovery entries.
	Ready bool
}

// Provider wraps a gadb client for listing, connecting and shelling into devices.
type Provider struct {
	client gadb.Client
}

// New creates a Provider backed by the given gadb client.
func New(client gadb.Client) *Provider {
	return &Provider{client: client}
}

// NewDefault creates a Provider using a default gadb client.
func NewDefault() (*Provider, error) {
	client, err := gadb.NewClient()
	if err != nil {
		return nil, errors.Wrap(err, "init adb client for provider")
	}
	return New(client), nil
}

// AttachedDevices returns every device the adb server knows with its raw state.
func (p *Provider) AttachedDevices(ctx context.Context) ([]AttachedDevice, error) {
	if p == nil {
		return nil, errors.New("adb provider is nil")
	}
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	out := make([]AttachedDevice, 0, len(devs))
	for _, dev := range devs {
		if dev == nil {
			continue
		}
		serial := strings.TrimSpace(dev.Serial())
		if serial == "" {
			continue
		}
		state, err := dev.State()
		if err != nil {
			out = append(out, AttachedDevice{Serial: serial, State: string(gadb.StateUnknown)})
			continue
		}
		out = append(out, AttachedDevice{
			Serial: serial,
			State:  string(state),
			Ready:  state == gadb.StateOnline,
		})
	}
	return out, ctx.Err()
}

// Connect runs `adb connect host:port`.
func (p *Provider) Connect(ctx context.Context, address string) error {
	if p == nil {
		return errors.New("adb provider is nil")
	}
	host, port, err := splitAddress(address)
	if err != nil {
		return err
	}
	return runWithContext(ctx, func() error {
		return errors.Wrapf(p.client.Connect(host, port), "adb connect %s", address)
	})
}

// Disconnect runs `adb disconnect host:port`.
func (p *Provider) Disconnect(address string) error {
	if p == nil {
		return errors.New("adb provider is nil")
	}
	host, port, err := splitAddress(address)
	if err != nil {
		return err
	}
	return errors.Wrapf(p.client.Disconnect(host, port), "adb disconnect %s", address)
}

// Shell executes a shell command on serial. The context bounds how long the
// caller waits; the command itself cannot be aborted once issued.
func (p *Provider) Shell(ctx context.Context, serial string, args ...string) (string, error) {
	if p == nil {
		return "", errors.New("adb provider is nil")
	}
	if len(args) == 0 {
		return "", errors.New("adb provider: empty shell command")
	}
	var out string
	err := runWithContext(ctx, func() error {
		dev, err := p.find(serial)
		if err != nil {
			return err
		}
		out, err = dev.RunShellCommand(args[0], args[1:]...)
		return err
	})
	return out, err
}

func (p *Provider) find(serial string) (*gadb.Device, error) {
	devs, err := p.client.DeviceList()
	if err != nil {
		return nil, errors.Wrap(err, "list adb devices")
	}
	target := strings.TrimSpace(serial)
	for _, d := range devs {
		if d == nil {
			continue
		}
		if strings.TrimSpace(d.Serial()) == target {
			return d, nil
		}
	}
	return nil, errors.Errorf("device %s not found", serial)
}

func runWithContext(ctx context.Context, fn func() error) error {
	done := make(chan error, 1)
	go func() { done <- fn() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "adb call abandoned")
	}
}

func splitAddress(address string) (string, int, error) {
	host, portStr, err := net.SplitHostPort(strings.TrimSpace(address))
	if err != nil {
		return "", 0, errors.Wrapf(err, "invalid device address %q", address)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port <= 0 || port > 65535 {
		return "", 0, errors.Errorf("invalid device port in %q", address)
	}
	return host, port, nil
}
