package doai

import (
	"context"

	"github.com/pkg/errors"

	"github.com/exe-blue/doai-me-app-sub000/internal/discovery"
	"github.com/exe-blue/doai-me-app-sub000/internal/stream"
	"github.com/exe-blue/doai-me-app-sub000/pkg/envelope"
)

type envelopeSender interface {
	SendEnvelope(ctx context.Context, deviceID string, env envelope.Envelope) error
}

// deviceTransmitter maps registry addresses to the id the device-control
// endpoint knows the device by.
type deviceTransmitter struct {
	devices stream.DeviceLookup
	sender  envelopeSender
}

func (t deviceTransmitter) SendEnvelope(ctx context.Context, address string, env envelope.Envelope) error {
	dev, ok := t.devices.GetDevice(address)
	if !ok {
		return errors.Wrapf(discovery.ErrUnknownDevice, "%s", address)
	}
	return t.sender.SendEnvelope(ctx, stream.ControlID(dev), env)
}
