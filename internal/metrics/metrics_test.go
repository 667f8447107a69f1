package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestNilMetricsAreNoops(t *testing.T) {
	var m *Metrics
	m.ConnectionOpened()
	m.Broadcast("compact", 10)
	m.ProtocolViolation("close")
	m.ImplicitAdd()
}

func TestMetricsRecord(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ConnectionOpened()
	m.ConnectionOpened()
	m.ConnectionClosed()
	m.Broadcast("compact", 24)
	m.Broadcast("json", 100)
	m.ProtocolViolation("ignore")
	m.SuppressedEcho()

	if got := testutil.ToFloat64(m.connections); got != 1 {
		t.Errorf("Expected 1 connection, got %v", got)
	}
	if got := testutil.ToFloat64(m.broadcasts.WithLabelValues("compact")); got != 1 {
		t.Errorf("Expected 1 compact broadcast, got %v", got)
	}
	if got := testutil.ToFloat64(m.broadcastBytes); got != 124 {
		t.Errorf("Expected 124 bytes, got %v", got)
	}
	if got := testutil.ToFloat64(m.protocolViolations.WithLabelValues("ignore")); got != 1 {
		t.Errorf("Expected 1 ignored violation, got %v", got)
	}
	if got := testutil.ToFloat64(m.suppressedEchoes); got != 1 {
		t.Errorf("Expected 1 suppressed echo, got %v", got)
	}
}
