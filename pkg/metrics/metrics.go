// Package metrics exposes Prometheus collectors for the crawler.
// Every method is safe to call on a nil *Metrics, so components can run without metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics bundles Prometheus collectors for the crawler.
type Metrics struct {
	Registry           *prometheus.Registry
	RequestsTotal      *prometheus.CounterVec
	RequestDuration    prometheus.Histogram
	RetriesTotal       prometheus.Counter
	RotationsTotal     *prometheus.CounterVec
	ProbeFailuresTotal prometheus.Counter
	RecordsTotal       *prometheus.CounterVec
	PagesTotal         *prometheus.CounterVec
	InFlightDetails    prometheus.Gauge
}

// New constructs and registers all metrics on a dedicated registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	requests := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_requests_total",
			Help: "HTTP attempts by outcome (success, blocked, permanent, transport).",
		},
		[]string{"outcome"},
	)
	duration := prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "crawler_request_duration_seconds",
			Help:    "Latency of individual HTTP attempts.",
			Buckets: prometheus.DefBuckets,
		},
	)
	retries := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_retries_total",
			Help: "Retry attempts scheduled after a blocking response or transport error.",
		},
	)
	rotations := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_identity_rotations_total",
			Help: "Identity rotations by trigger (scheduled, forced).",
		},
		[]string{"trigger"},
	)
	probeFailures := prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "crawler_proxy_probe_failures_total",
			Help: "Proxy probes that failed, causing a direct connection.",
		},
	)
	records := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_records_total",
			Help: "Detail records by result (accepted, rejected, discarded, failed, duplicate).",
		},
		[]string{"result"},
	)
	pages := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "crawler_listing_pages_total",
			Help: "Listing pages by result (ok, empty, failed).",
		},
		[]string{"result"},
	)
	inFlight := prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "crawler_detail_fetches_in_flight",
			Help: "Detail fetches currently running in the enrichment pool.",
		},
	)

	registry.MustRegister(requests, duration, retries, rotations, probeFailures, records, pages, inFlight)

	return &Metrics{
		Registry:           registry,
		RequestsTotal:      requests,
		RequestDuration:    duration,
		RetriesTotal:       retries,
		RotationsTotal:     rotations,
		ProbeFailuresTotal: probeFailures,
		RecordsTotal:       records,
		PagesTotal:         pages,
		InFlightDetails:    inFlight,
	}
}

// IncRequest counts one HTTP attempt.
func (m *Metrics) IncRequest(outcome string) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(outcome).Inc()
}

// ObserveDuration records an HTTP attempt duration.
func (m *Metrics) ObserveDuration(d time.Duration) {
	if m == nil {
		return
	}
	m.RequestDuration.Observe(d.Seconds())
}

// IncRetries increments the retries counter.
func (m *Metrics) IncRetries() {
	if m == nil {
		return
	}
	m.RetriesTotal.Inc()
}

// IncRotation counts a rotation.
func (m *Metrics) IncRotation(trigger string) {
	if m == nil {
		return
	}
	m.RotationsTotal.WithLabelValues(trigger).Inc()
}

// IncProbeFailure counts a failed proxy probe.
func (m *Metrics) IncProbeFailure() {
	if m == nil {
		return
	}
	m.ProbeFailuresTotal.Inc()
}

// IncRecord counts a detail record outcome.
func (m *Metrics) IncRecord(result string) {
	if m == nil {
		return
	}
	m.RecordsTotal.WithLabelValues(result).Inc()
}

// IncPage counts a listing page outcome.
func (m *Metrics) IncPage(result string) {
	if m == nil {
		return
	}
	m.PagesTotal.WithLabelValues(result).Inc()
}

// DetailStarted and DetailFinished track in-flight enrichment work.
func (m *Metrics) DetailStarted() {
	if m == nil {
		return
	}
	m.InFlightDetails.Inc()
}

func (m *Metrics) DetailFinished() {
	if m == nil {
		return
	}
	m.InFlightDetails.Dec()
}
