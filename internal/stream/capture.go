package stream

import (
	"context"
	"io"
	"os/exec"
	"strconv"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog/log"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/exe-blue/doai-me-app-sub000/internal/device"
)

// Capture is one running capture process.
type Capture interface {
	// Output yields the raw codec stream.
	Output() io.Reader
	// Wait blocks until the process exits.
	Wait() error
	Kill() error
	Pid() int
}

// Capturer starts capture processes.
type Capturer interface {
	Start(ctx context.Context, dev device.Device, q Quality) (Capture, error)
}

// ADBCapturer runs `adb exec-out screenrecord` and streams raw H.264 from
// its stdout.
type ADBCapturer struct {
	ADBPath   string
	TimeLimit time.Duration
}

// Args builds the adb argument list for dev at quality q.
func (c ADBCapturer) Args(dev device.Device, q Quality) []string {
	w, h := q.fit(dev.DisplaySize.Width, dev.DisplaySize.Height)
	limit := c.TimeLimit
	if limit <= 0 || limit > 180*time.Second {
		limit = 180 * time.Second
	}
	serial := dev.Serial
	if serial == "" {
		serial = dev.Address
	}
	return []string{
		"-s", serial,
		"exec-out", "screenrecord",
		"--output-format=h264",
		"--size", strconv.Itoa(w) + "x" + strconv.Itoa(h),
		"--bit-rate", strconv.Itoa(q.BitRate),
		"--time-limit", strconv.Itoa(int(limit / time.Second)),
		"-",
	}
}

// Start launches the capture process.
func (c ADBCapturer) Start(ctx context.Context, dev device.Device, q Quality) (Capture, error) {
	bin := c.ADBPath
	if bin == "" {
		bin = "adb"
	}
	cmd := exec.CommandContext(ctx, bin, c.Args(dev, q)...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, errors.Wrap(err, "capture stdout pipe")
	}
	if err := cmd.Start(); err != nil {
		return nil, errors.Wrapf(err, "start capture for %s", dev.Address)
	}
	log.Debug().Str("address", dev.Address).Str("quality", q.Name).Int("pid", cmd.Process.Pid).Msg("capture process started")
	return &execCapture{cmd: cmd, stdout: stdout}, nil
}

type execCapture struct {
	cmd    *exec.Cmd
	stdout io.ReadCloser
}

func (e *execCapture) Output() io.Reader { return e.stdout }

func (e *execCapture) Wait() error { return e.cmd.Wait() }

func (e *execCapture) Kill() error {
	if e.cmd.Process == nil {
		return nil
	}
	return e.cmd.Process.Kill()
}

func (e *execCapture) Pid() int {
	if e.cmd.Process == nil {
		return 0
	}
	return e.cmd.Process.Pid
}

// ProcessStats is the resource usage of a capture process.
type ProcessStats struct {
	CPUPercent float64 `json:"cpuPercent"`
	RSSBytes   uint64  `json:"rssBytes"`
}

// processStats samples pid via gopsutil; zero when the process is gone.
func processStats(pid int) ProcessStats {
	if pid <= 0 {
		return ProcessStats{}
	}
	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		return ProcessStats{}
	}
	var st ProcessStats
	if cpu, err := proc.CPUPercent(); err == nil {
		st.CPUPercent = cpu
	}
	if mem, err := proc.MemoryInfo(); err == nil && mem != nil {
		st.RSSBytes = mem.RSS
	}
	return st
}
