package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestHelpersAreNoopsBeforeInit(t *testing.T) {
	if scansTotal != nil {
		t.Skip("metrics already initialised in this process")
	}
	ObserveScan(ResultSuccess, time.Second)
	IncEnvelope("dispatched")
	SetDevices(map[[2]string]int{{"WIFI", "ONLINE"}: 1})
}

func TestInitRegistersCounters(t *testing.T) {
	Init()
	Init()
	ObserveScan(ResultSuccess, 2*time.Second)
	ObserveScan(ResultSkipped, 0)
	if got := testutil.ToFloat64(scansTotal.WithLabelValues(ResultSuccess)); got < 1 {
		t.Fatalf("scan counter = %v", got)
	}
	SetDevices(map[[2]string]int{{"WIFI", "ONLINE"}: 2, {"CABLE", "ONLINE"}: 1})
	if got := testutil.ToFloat64(devicesGauge.WithLabelValues("WIFI", "ONLINE")); got != 2 {
		t.Fatalf("device gauge = %v", got)
	}
}
