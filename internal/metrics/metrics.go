package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	metricPrefix = "fleet_"

	ResultSuccess = "success"
	ResultError   = "error"
	ResultTimeout = "timeout"
	ResultSkipped = "skipped"
)

var (
	registerOnce sync.Once

	devicesGauge *prometheus.GaugeVec

	scansTotal      *prometheus.CounterVec
	scanDuration    prometheus.Histogram
	probeFailures   *prometheus.CounterVec
	reconnectTotal  *prometheus.CounterVec
	healthCheckFail prometheus.Counter

	commandResults  *prometheus.CounterVec
	commandLatency  prometheus.Histogram
	commandsPending prometheus.Gauge
	staleResponses  prometheus.Counter
	heartbeatRTT    prometheus.Gauge
	channelState    *prometheus.GaugeVec

	taskTransitions *prometheus.CounterVec

	streamSessions  prometheus.Gauge
	streamViewers   prometheus.Gauge
	captureRestarts *prometheus.CounterVec
	frameBytes      prometheus.Counter
	framesDropped   prometheus.Counter

	envelopesTotal *prometheus.CounterVec
)

// Init registers fleet metrics with the default registry. Helpers are no-ops
// before Init is called.
func Init() {
	registerOnce.Do(func() {
		devicesGauge = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "devices",
				Help: "Registered devices by transport and status",
			},
			[]string{"transport", "status"},
		)
		scansTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "scans_total",
				Help: "Discovery scans by result",
			},
			[]string{"result"},
		)
		scanDuration = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "scan_duration_seconds",
				Help:    "Full scan duration in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
			},
		)
		probeFailures = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "probe_failures_total",
				Help: "Failed device probes by transport",
			},
			[]string{"transport"},
		)
		reconnectTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "reconnect_attempts_total",
				Help: "Reconnection attempts by outcome",
			},
			[]string{"result"},
		)
		healthCheckFail = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "health_check_failures_total",
				Help: "Failed shell pings",
			},
		)
		commandResults = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "command_results_total",
				Help: "Command channel results by status",
			},
			[]string{"status"},
		)
		commandLatency = prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    metricPrefix + "command_latency_seconds",
				Help:    "Command round trip latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
		)
		commandsPending = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "commands_pending",
				Help: "Commands waiting for the channel",
			},
		)
		staleResponses = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "stale_responses_total",
				Help: "Responses received with no waiting caller",
			},
		)
		heartbeatRTT = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "heartbeat_latency_seconds",
				Help: "Latest heartbeat round trip",
			},
		)
		channelState = prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: metricPrefix + "channel_state",
				Help: "1 for the current command channel state",
			},
			[]string{"state"},
		)
		taskTransitions = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "task_transitions_total",
				Help: "Task status transitions",
			},
			[]string{"status"},
		)
		streamSessions = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "stream_sessions",
				Help: "Active capture sessions",
			},
		)
		streamViewers = prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: metricPrefix + "stream_viewers",
				Help: "Connected viewer sockets",
			},
		)
		captureRestarts = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "capture_restarts_total",
				Help: "Capture process restarts by reason",
			},
			[]string{"reason"},
		)
		frameBytes = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "stream_bytes_total",
				Help: "Capture bytes read from devices",
			},
		)
		framesDropped = prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: metricPrefix + "stream_frames_dropped_total",
				Help: "Frames dropped for slow viewers",
			},
		)
		envelopesTotal = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: metricPrefix + "router_envelopes_total",
				Help: "On-device router envelopes by outcome",
			},
			[]string{"outcome"},
		)

		prometheus.MustRegister(
			devicesGauge,
			scansTotal,
			scanDuration,
			probeFailures,
			reconnectTotal,
			healthCheckFail,
			commandResults,
			commandLatency,
			commandsPending,
			staleResponses,
			heartbeatRTT,
			channelState,
			taskTransitions,
			streamSessions,
			streamViewers,
			captureRestarts,
			frameBytes,
			framesDropped,
			envelopesTotal,
		)
	})
}

// SetDevices replaces the device gauge with counts keyed by transport/status.
func SetDevices(counts map[[2]string]int) {
	if devicesGauge == nil {
		return
	}
	devicesGauge.Reset()
	for key, n := range counts {
		devicesGauge.WithLabelValues(key[0], key[1]).Set(float64(n))
	}
}

// ObserveScan records a finished scan.
func ObserveScan(result string, duration time.Duration) {
	if result == "" {
		result = ResultSuccess
	}
	if scansTotal != nil {
		scansTotal.WithLabelValues(result).Inc()
	}
	if scanDuration != nil && result != ResultSkipped {
		scanDuration.Observe(duration.Seconds())
	}
}

// IncProbeFailure counts a failed probe.
func IncProbeFailure(transport string) {
	if probeFailures != nil {
		probeFailures.WithLabelValues(transport).Inc()
	}
}

// IncReconnect counts a reconnection attempt outcome.
func IncReconnect(result string) {
	if reconnectTotal != nil {
		reconnectTotal.WithLabelValues(result).Inc()
	}
}

// IncHealthCheckFailure counts a failed shell ping.
func IncHealthCheckFailure() {
	if healthCheckFail != nil {
		healthCheckFail.Inc()
	}
}

// ObserveCommand records a command channel result.
func ObserveCommand(status string, latency time.Duration) {
	if status == "" {
		status = "unknown"
	}
	if commandResults != nil {
		commandResults.WithLabelValues(status).Inc()
	}
	if commandLatency != nil && status == ResultSuccess {
		commandLatency.Observe(latency.Seconds())
	}
}

// SetCommandsPending sets the queued plus in-flight command gauge.
func SetCommandsPending(n int) {
	if commandsPending != nil {
		commandsPending.Set(float64(n))
	}
}

// IncStaleResponse counts an unmatched inbound response.
func IncStaleResponse() {
	if staleResponses != nil {
		staleResponses.Inc()
	}
}

// ObserveHeartbeat sets the latest heartbeat latency.
func ObserveHeartbeat(latency time.Duration) {
	if heartbeatRTT != nil {
		heartbeatRTT.Set(latency.Seconds())
	}
}

// SetChannelState marks state as current among all known states.
func SetChannelState(state string, all []string) {
	if channelState == nil {
		return
	}
	for _, s := range all {
		v := 0.0
		if s == state {
			v = 1
		}
		channelState.WithLabelValues(s).Set(v)
	}
}

// IncTaskTransition counts a task entering status.
func IncTaskTransition(status string) {
	if taskTransitions != nil {
		taskTransitions.WithLabelValues(status).Inc()
	}
}

// AddStreamSessions adjusts the active session gauge.
func AddStreamSessions(delta int) {
	if streamSessions != nil {
		streamSessions.Add(float64(delta))
	}
}

// AddStreamViewers adjusts the viewer gauge.
func AddStreamViewers(delta int) {
	if streamViewers != nil {
		streamViewers.Add(float64(delta))
	}
}

// IncCaptureRestart counts a capture restart.
func IncCaptureRestart(reason string) {
	if captureRestarts != nil {
		captureRestarts.WithLabelValues(reason).Inc()
	}
}

// AddFrameBytes counts bytes read from a capture process.
func AddFrameBytes(n int) {
	if frameBytes != nil && n > 0 {
		frameBytes.Add(float64(n))
	}
}

// IncFrameDropped counts a frame skipped for a slow viewer.
func IncFrameDropped() {
	if framesDropped != nil {
		framesDropped.Inc()
	}
}

// IncEnvelope counts a router outcome (dispatched, queued, expired, rejected...).
func IncEnvelope(outcome string) {
	if envelopesTotal != nil {
		envelopesTotal.WithLabelValues(outcome).Inc()
	}
}
