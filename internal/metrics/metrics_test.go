package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	dto "github.com/prometheus/client_model/go"
)

func TestCounter_ReturnsSameCollectorOnRepeatedLookup(t *testing.T) {
	r := NewRegistry()
	a := r.Counter("example_total", "an example counter")
	b := r.Counter("example_total", "an example counter")
	if a != b {
		t.Fatal("Counter should return the same CounterVec on repeated lookups")
	}
}

func TestGauge_ReturnsSameCollectorOnRepeatedLookup(t *testing.T) {
	r := NewRegistry()
	a := r.Gauge("example_gauge", "an example gauge")
	b := r.Gauge("example_gauge", "an example gauge")
	if a != b {
		t.Fatal("Gauge should return the same GaugeVec on repeated lookups")
	}
}

func TestHistogram_DefaultBucketsWhenNil(t *testing.T) {
	r := NewRegistry()
	h := r.Histogram("example_duration_seconds", "an example histogram", nil)
	h.WithLabelValues().Observe(0.25)

	metric := &dto.Metric{}
	if err := h.WithLabelValues().Write(metric); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if metric.Histogram.GetSampleCount() != 1 {
		t.Fatalf("sample count = %d, want 1", metric.Histogram.GetSampleCount())
	}
}

func TestHandler_ServesExpositionFormat(t *testing.T) {
	r := NewRegistry()
	c := r.Counter("requests_total", "total requests", "route")
	c.WithLabelValues("/health").Inc()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL)
	if err != nil {
		t.Fatalf("GET: %v", err)
	}
	defer resp.Body.Close()

	body := make([]byte, 4096)
	n, _ := resp.Body.Read(body)
	if !strings.Contains(string(body[:n]), "requests_total") {
		t.Fatalf("exposition output missing metric name: %s", body[:n])
	}
}

func TestNewStandard_RegistersEveryNamedMetric(t *testing.T) {
	r := NewRegistry()
	std := NewStandard(r)

	std.IntentsAdmitted.WithLabelValues()
	std.IntentsRejected.WithLabelValues("invalid_signature")
	std.BidsAccepted.WithLabelValues()
	std.BidsRejected.WithLabelValues("stale_window")
	std.AuctionsClosed.WithLabelValues("filled")
	std.ActiveAuctions.WithLabelValues()
	std.SolverSessions.WithLabelValues()
	std.SubSessions.WithLabelValues()
	std.ReaperSwept.WithLabelValues()
	std.BidAdmissionDur.WithLabelValues()

	if r.Counter(MetricIntentsAdmittedTotal, "") != std.IntentsAdmitted {
		t.Error("IntentsAdmitted not registered under its documented name")
	}
	if r.Gauge(MetricActiveAuctions, "") != std.ActiveAuctions {
		t.Error("ActiveAuctions not registered under its documented name")
	}
}
