package tasks

import (
	"context"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"

	"github.com/exe-blue/doai-me-app-sub000/internal/channel"
	"github.com/exe-blue/doai-me-app-sub000/internal/device"
	"github.com/exe-blue/doai-me-app-sub000/pkg/envelope"
)

const (
	defaultTickInterval      = time.Second
	defaultMaxTasksPerDevice = 3
	defaultSendTimeout       = 10 * time.Second
	defaultRecentWindow      = 60 * time.Second
	defaultAckTimeout        = 5 * time.Minute
)

// DeviceSource is the read side of the registry plus the error feedback hook.
type DeviceSource interface {
	GetDevices() []device.Device
	ReportError(address, reason string)
}

// Transmitter delivers an envelope to a device.
type Transmitter interface {
	SendEnvelope(ctx context.Context, deviceID string, env envelope.Envelope) error
}

// Config controls the dispatch loop.
type Config struct {
	TickInterval      time.Duration
	MaxTasksPerDevice int
	SendTimeout       time.Duration
	RecentWindow      time.Duration
	// AckTimeout fails an IN_PROGRESS task whose ack never arrived.
	AckTimeout time.Duration
}

func (c *Config) normalise() {
	if c.TickInterval <= 0 {
		c.TickInterval = defaultTickInterval
	}
	if c.MaxTasksPerDevice <= 0 {
		c.MaxTasksPerDevice = defaultMaxTasksPerDevice
	}
	if c.SendTimeout <= 0 {
		c.SendTimeout = defaultSendTimeout
	}
	if c.RecentWindow <= 0 {
		c.RecentWindow = defaultRecentWindow
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = defaultAckTimeout
	}
}

// Score ranks a device for a new task. Higher is better.
func Score(dev device.Device, taskCount int, now time.Time, recent time.Duration) int {
	score := 100 - 10*taskCount - 50*dev.ErrorCount
	if !dev.LastSeenAt.IsZero() && now.Sub(dev.LastSeenAt) <= recent {
		score += 10
	}
	return score
}

// Dispatcher assigns pending tasks to devices and transmits them.
type Dispatcher struct {
	cfg     Config
	queue   *Queue
	devices DeviceSource
	tx      Transmitter
	now     func() time.Time

	tickMu sync.Mutex
	kick   chan struct{}
	sends  sync.WaitGroup
}

// NewDispatcher wires a dispatcher over queue.
func NewDispatcher(cfg Config, queue *Queue, devices DeviceSource, tx Transmitter) *Dispatcher {
	cfg.normalise()
	return &Dispatcher{
		cfg:     cfg,
		queue:   queue,
		devices: devices,
		tx:      tx,
		now:     time.Now,
		kick:    make(chan struct{}, 1),
	}
}

// Queue returns the underlying queue.
func (d *Dispatcher) Queue() *Queue {
	return d.queue
}

// Submit enqueues task. Urgent tasks flagged Immediate trigger an
// out-of-band tick.
func (d *Dispatcher) Submit(task Task) (Task, error) {
	id, err := d.queue.Add(task)
	if err != nil {
		return Task{}, err
	}
	stored, _ := d.queue.Get(id)
	log.Info().Str("task_id", id).Str("type", string(stored.Type)).Int("priority", int(stored.Priority)).
		Str("target", stored.TargetDeviceID).Msg("task submitted")
	if stored.Immediate && stored.Priority >= envelope.PriorityUrgent {
		d.Kick()
	}
	return stored, nil
}

// Kick requests a dispatch pass without waiting for the next tick.
func (d *Dispatcher) Kick() {
	select {
	case d.kick <- struct{}{}:
	default:
	}
}

// Run ticks until ctx is done, then waits for in-flight sends.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.TickInterval)
	defer ticker.Stop()
	log.Info().Dur("tick", d.cfg.TickInterval).Int("max_per_device", d.cfg.MaxTasksPerDevice).Msg("dispatcher started")
	for {
		select {
		case <-ctx.Done():
			d.sends.Wait()
			return nil
		case <-ticker.C:
		case <-d.kick:
		}
		d.Tick(ctx)
	}
}

// Tick first releases device slots held by tasks that can no longer be
// acked, then dispatches at most one task: the first pending task, in
// priority order, that has a selectable device. Targeted tasks whose device
// is not available stay pending without blocking the tasks behind them.
func (d *Dispatcher) Tick(ctx context.Context) bool {
	d.tickMu.Lock()
	defer d.tickMu.Unlock()

	devices := d.devices.GetDevices()
	now := d.now()
	d.reap(devices, now)

	pending := d.queue.Pending()
	if len(pending) == 0 {
		return false
	}
	for _, task := range pending {
		dev, ok := d.selectDevice(task, devices, now)
		if !ok {
			continue
		}
		if err := d.queue.Assign(task.ID, dev.Address); err != nil {
			// cancelled between snapshot and assign
			log.Debug().Err(err).Str("task_id", task.ID).Msg("assign skipped")
			continue
		}
		log.Info().Str("task_id", task.ID).Str("device_id", dev.Address).Msg("task assigned")
		d.sends.Add(1)
		go d.transmit(ctx, task, dev.Address)
		return true
	}
	return false
}

func (d *Dispatcher) selectDevice(task Task, devices []device.Device, now time.Time) (device.Device, bool) {
	if task.TargetDeviceID != "" {
		for _, dev := range devices {
			if dev.Address != task.TargetDeviceID && dev.Serial != task.TargetDeviceID {
				continue
			}
			if dev.Online() && d.queue.GetDeviceTaskCount(dev.Address) < d.cfg.MaxTasksPerDevice {
				return dev, true
			}
			return device.Device{}, false
		}
		return device.Device{}, false
	}

	var (
		best      device.Device
		bestScore int
		found     bool
	)
	for _, dev := range devices {
		if !dev.Online() {
			continue
		}
		count := d.queue.GetDeviceTaskCount(dev.Address)
		if count >= d.cfg.MaxTasksPerDevice {
			continue
		}
		score := Score(dev, count, now, d.cfg.RecentWindow)
		if !found || score > bestScore {
			best, bestScore, found = dev, score, true
		}
	}
	return best, found
}

// reap fails IN_PROGRESS tasks whose device left the registry or went to
// ERROR, and those whose ack is overdue. ASSIGNED tasks belong to transmit.
func (d *Dispatcher) reap(devices []device.Device, now time.Time) {
	status := make(map[string]device.Status, len(devices))
	for _, dev := range devices {
		status[dev.Address] = dev.Status
	}
	for _, task := range d.queue.Active() {
		if task.Status != StatusInProgress {
			continue
		}
		var reason string
		st, known := status[task.DeviceID]
		switch {
		case !known:
			reason = "device removed before ack"
		case st == device.StatusError:
			reason = "device in error before ack"
		case now.Sub(task.UpdatedAt) > d.cfg.AckTimeout:
			reason = "no ack within " + d.cfg.AckTimeout.String()
		default:
			continue
		}
		if err := d.queue.Fail(task.ID, reason); err != nil {
			// acked concurrently
			continue
		}
		log.Warn().Str("task_id", task.ID).Str("device_id", task.DeviceID).Str("reason", reason).Msg("task released without ack")
	}
}

// deviceFault reports whether a send error is attributable to the device
// rather than the shared command channel.
func deviceFault(err error) bool {
	return !errors.Is(err, channel.ErrNotConnected) &&
		!errors.Is(err, channel.ErrTerminal) &&
		!errors.Is(err, channel.ErrDisconnected)
}

func (d *Dispatcher) transmit(ctx context.Context, task Task, deviceID string) {
	defer d.sends.Done()
	sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), d.cfg.SendTimeout)
	defer cancel()

	err := d.tx.SendEnvelope(sendCtx, deviceID, task.Envelope(d.now()))
	if err != nil {
		reason := errors.Wrap(err, "transmit").Error()
		if ferr := d.queue.Fail(task.ID, reason); ferr != nil {
			log.Debug().Err(ferr).Str("task_id", task.ID).Msg("fail after send error skipped")
		}
		if deviceFault(err) {
			d.devices.ReportError(deviceID, reason)
		}
		log.Warn().Err(err).Str("task_id", task.ID).Str("device_id", deviceID).Msg("task transmission failed")
		return
	}
	if !task.AckRequired {
		// nothing will come back, delivery is completion
		if err := d.queue.Complete(task.ID); err != nil {
			log.Debug().Err(err).Str("task_id", task.ID).Msg("complete after delivery skipped")
			return
		}
		log.Info().Str("task_id", task.ID).Str("device_id", deviceID).Msg("task delivered")
		d.Kick()
		return
	}
	if err := d.queue.MarkInProgress(task.ID); err != nil {
		// an ack may already have completed the task
		log.Debug().Err(err).Str("task_id", task.ID).Msg("mark in progress skipped")
		return
	}
	log.Info().Str("task_id", task.ID).Str("device_id", deviceID).Msg("task in progress")
}

// HandleAck closes the loop for a device ack: success completes the task,
// failure fails it.
func (d *Dispatcher) HandleAck(ack envelope.Ack) (Task, error) {
	var err error
	if ack.Succeeded() {
		err = d.queue.Complete(ack.EnvelopeID)
	} else {
		reason := ack.ErrorMessage
		if ack.ErrorCode != "" {
			reason = ack.ErrorCode + ": " + reason
		}
		err = d.queue.Fail(ack.EnvelopeID, reason)
	}
	if err != nil {
		return Task{}, err
	}
	task, _ := d.queue.Get(ack.EnvelopeID)
	log.Info().Str("task_id", task.ID).Str("status", string(task.Status)).Msg("task acknowledged")
	d.Kick()
	return task, nil
}

// Wait blocks until every in-flight transmission has finished.
func (d *Dispatcher) Wait() {
	d.sends.Wait()
}
