// Package metrics wraps github.com/prometheus/client_golang behind the
// coordinator's own get-or-create Registry shape, the way the teacher's
// pkg/metrics/registry.go exposes Counter/Gauge/Histogram lookups -- only
// here each lookup returns a real Prometheus collector instead of an
// in-process counter, and Handler() serves /metrics via promhttp instead
// of a hand-rolled exposition writer.
package metrics

import (
	"net/http"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every metric the coordinator exports, created on first
// access so call sites never need a package-level init order.
type Registry struct {
	reg *prometheus.Registry

	mu         sync.Mutex
	counters   map[string]*prometheus.CounterVec
	gauges     map[string]*prometheus.GaugeVec
	histograms map[string]*prometheus.HistogramVec
}

// NewRegistry builds an empty Registry with its own prometheus.Registry,
// so test processes never collide on the global default registry.
func NewRegistry() *Registry {
	return &Registry{
		reg:        prometheus.NewRegistry(),
		counters:   make(map[string]*prometheus.CounterVec),
		gauges:     make(map[string]*prometheus.GaugeVec),
		histograms: make(map[string]*prometheus.HistogramVec),
	}
}

// Counter returns the CounterVec registered under name with the given
// label names, creating it on first use.
func (r *Registry) Counter(name, help string, labels ...string) *prometheus.CounterVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.counters[name]; ok {
		return c
	}
	c := prometheus.NewCounterVec(prometheus.CounterOpts{Name: name, Help: help}, labels)
	r.reg.MustRegister(c)
	r.counters[name] = c
	return c
}

// Gauge returns the GaugeVec registered under name, creating it on first use.
func (r *Registry) Gauge(name, help string, labels ...string) *prometheus.GaugeVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if g, ok := r.gauges[name]; ok {
		return g
	}
	g := prometheus.NewGaugeVec(prometheus.GaugeOpts{Name: name, Help: help}, labels)
	r.reg.MustRegister(g)
	r.gauges[name] = g
	return g
}

// Histogram returns the HistogramVec registered under name, creating it
// on first use with the given bucket boundaries (default buckets if nil).
func (r *Registry) Histogram(name, help string, buckets []float64, labels ...string) *prometheus.HistogramVec {
	r.mu.Lock()
	defer r.mu.Unlock()
	if h, ok := r.histograms[name]; ok {
		return h
	}
	if buckets == nil {
		buckets = prometheus.DefBuckets
	}
	h := prometheus.NewHistogramVec(prometheus.HistogramOpts{Name: name, Help: help, Buckets: buckets}, labels)
	r.reg.MustRegister(h)
	r.histograms[name] = h
	return h
}

// Handler returns the http.Handler that serves /metrics in Prometheus
// text exposition format.
func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{})
}

// Coordinator-wide metric names, collected once so every component shares
// the same name/label shape instead of ad hoc strings scattered around.
const (
	MetricIntentsAdmittedTotal  = "coordinator_intents_admitted_total"
	MetricIntentsRejectedTotal  = "coordinator_intents_rejected_total"
	MetricBidsAcceptedTotal     = "coordinator_bids_accepted_total"
	MetricBidsRejectedTotal     = "coordinator_bids_rejected_total"
	MetricAuctionsClosedTotal   = "coordinator_auctions_closed_total"
	MetricActiveAuctions        = "coordinator_active_auctions"
	MetricSolverSessions        = "coordinator_solver_sessions"
	MetricSubscriberSessions    = "coordinator_subscriber_sessions"
	MetricReaperSweptTotal      = "coordinator_reaper_swept_total"
	MetricBidAdmissionDuration  = "coordinator_bid_admission_duration_seconds"
)

// Standard wires the coordinator's named metrics into r, returning a
// handle struct so callers get typed accessors instead of re-stringing
// names at every call site.
type Standard struct {
	IntentsAdmitted *prometheus.CounterVec
	IntentsRejected *prometheus.CounterVec
	BidsAccepted    *prometheus.CounterVec
	BidsRejected    *prometheus.CounterVec
	AuctionsClosed  *prometheus.CounterVec
	ActiveAuctions  *prometheus.GaugeVec
	SolverSessions  *prometheus.GaugeVec
	SubSessions     *prometheus.GaugeVec
	ReaperSwept     *prometheus.CounterVec
	BidAdmissionDur *prometheus.HistogramVec
}

// NewStandard registers the coordinator's standard metric set on r.
func NewStandard(r *Registry) *Standard {
	return &Standard{
		IntentsAdmitted: r.Counter(MetricIntentsAdmittedTotal, "Total intents admitted into the auction engine"),
		IntentsRejected: r.Counter(MetricIntentsRejectedTotal, "Total intents rejected during admission", "reason"),
		BidsAccepted:    r.Counter(MetricBidsAcceptedTotal, "Total bids accepted into an auction"),
		BidsRejected:    r.Counter(MetricBidsRejectedTotal, "Total bids rejected during submission", "reason"),
		AuctionsClosed:  r.Counter(MetricAuctionsClosedTotal, "Total auctions closed", "outcome"),
		ActiveAuctions:  r.Gauge(MetricActiveAuctions, "Auctions currently in BROADCASTING or BIDDING"),
		SolverSessions:  r.Gauge(MetricSolverSessions, "Currently connected solver sessions"),
		SubSessions:     r.Gauge(MetricSubscriberSessions, "Currently connected subscriber sessions"),
		ReaperSwept:     r.Counter(MetricReaperSweptTotal, "Total intents transitioned to EXPIRED by the reaper"),
		BidAdmissionDur: r.Histogram(MetricBidAdmissionDuration, "Latency of bid admission end to end", nil),
	}
}
