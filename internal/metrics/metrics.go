// Package metrics exposes Prometheus instrumentation for the guard.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Request outcomes recorded by the guard pipeline.
const (
	OutcomeAllowed     = "allowed"
	OutcomeBlocked     = "blocked"
	OutcomeLimited     = "limited"
	OutcomeStoreFailed = "store_failed"
)

// Metrics holds every collector the guard updates.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	requests         *prometheus.CounterVec
	geoLookups       *prometheus.CounterVec
	limiterDenials   *prometheus.CounterVec
	detectorFlags    *prometheus.CounterVec
	detectorErrors   prometheus.Counter
	detectorDuration prometheus.Histogram
	blocklistErrors  prometheus.Counter
}

// New registers the guard collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	f := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeguard_requests_total",
			Help: "Requests seen by the guard, by outcome.",
		}, []string{"outcome"}),
		geoLookups: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeguard_geo_lookups_total",
			Help: "Geolocation lookups, by result (hit, miss, error).",
		}, []string{"result"}),
		limiterDenials: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeguard_ratelimit_denied_total",
			Help: "Requests denied by a rate limit policy.",
		}, []string{"policy"}),
		detectorFlags: f.NewCounterVec(prometheus.CounterOpts{
			Name: "edgeguard_detector_flags_total",
			Help: "New suspicious IP flags raised by the anomaly detector.",
		}, []string{"reason"}),
		detectorErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "edgeguard_detector_errors_total",
			Help: "Anomaly detector steps or upserts that failed.",
		}),
		detectorDuration: f.NewHistogram(prometheus.HistogramOpts{
			Name:    "edgeguard_detector_run_seconds",
			Help:    "Duration of anomaly detector runs.",
			Buckets: prometheus.DefBuckets,
		}),
		blocklistErrors: f.NewCounter(prometheus.CounterOpts{
			Name: "edgeguard_blocklist_errors_total",
			Help: "Blocklist storage lookups that failed.",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) Request(outcome string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(outcome).Inc()
}

func (m *Metrics) GeoLookup(result string) {
	if m == nil {
		return
	}
	m.geoLookups.WithLabelValues(result).Inc()
}

func (m *Metrics) LimiterDenied(policy string) {
	if m == nil {
		return
	}
	m.limiterDenials.WithLabelValues(policy).Inc()
}

func (m *Metrics) DetectorFlag(reason string) {
	if m == nil {
		return
	}
	m.detectorFlags.WithLabelValues(reason).Inc()
}

func (m *Metrics) DetectorError() {
	if m == nil {
		return
	}
	m.detectorErrors.Inc()
}

func (m *Metrics) DetectorRun(seconds float64) {
	if m == nil {
		return
	}
	m.detectorDuration.Observe(seconds)
}

func (m *Metrics) BlocklistError() {
	if m == nil {
		return
	}
	m.blocklistErrors.Inc()
}
