// internal/metrics/server_metrics_test.go
package metrics

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gaugeValue(t *testing.T, g prometheus.Gauge) float64 {
	t.Helper()
	var m dto.Metric
	if err := g.Write(&m); err != nil {
		t.Fatalf("failed to read gauge: %v", err)
	}
	return m.GetGauge().GetValue()
}

func counterValue(t *testing.T, c prometheus.Counter) float64 {
	t.Helper()
	var m dto.Metric
	if err := c.Write(&m); err != nil {
		t.Fatalf("failed to read counter: %v", err)
	}
	return m.GetCounter().GetValue()
}

func TestRecordConnectionTracksActiveAndTotal(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry(), 10)

	c.RecordConnection(true)
	c.RecordConnection(true)
	c.RecordConnection(false)

	if got := gaugeValue(t, c.activeConnections); got != 1 {
		t.Errorf("active connections = %v, want 1", got)
	}
	if got := counterValue(t, c.connectionsTotal); got != 2 {
		t.Errorf("connections total = %v, want 2", got)
	}
}

func TestRecordErrorBoundsBuffer(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry(), 2)

	c.RecordError("test", "first")
	c.RecordError("test", "second")
	c.RecordError("test", "third")

	snap := c.Snapshot()
	if len(snap.LastErrors) != 2 {
		t.Fatalf("len(LastErrors) = %d, want 2", len(snap.LastErrors))
	}
	if snap.LastErrors[0].Message != "second" || snap.LastErrors[1].Message != "third" {
		t.Errorf("buffer did not evict oldest entry: %+v", snap.LastErrors)
	}
}

func TestSnapshotReportsUptime(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry(), 1)
	time.Sleep(5 * time.Millisecond)

	snap := c.Snapshot()
	if snap.Uptime <= 0 {
		t.Errorf("Uptime = %v, want > 0", snap.Uptime)
	}
	if snap.GoVersion == "" {
		t.Error("GoVersion should not be empty")
	}
}

func TestRecordDispatchObservesLatencyAndErrors(t *testing.T) {
	c := NewCollector(prometheus.NewRegistry(), 1)

	c.RecordDispatch("echo", 10*time.Millisecond, "")
	c.RecordDispatch("echo", 20*time.Millisecond, "NotFound")

	var m dto.Metric
	if err := c.dispatchErrors.WithLabelValues("NotFound").Write(&m); err != nil {
		t.Fatalf("failed to read dispatch error counter: %v", err)
	}
	if m.GetCounter().GetValue() != 1 {
		t.Errorf("NotFound dispatch errors = %v, want 1", m.GetCounter().GetValue())
	}
}
