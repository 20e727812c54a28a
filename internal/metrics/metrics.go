// Package metrics holds the Prometheus collectors for the discovery pipeline and HTTP API.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics for the service.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	// Pipeline metrics
	FetchAttempts   *prometheus.CounterVec
	FetchDuration   *prometheus.HistogramVec
	Lookups         *prometheus.CounterVec
	CacheOps        *prometheus.CounterVec
	RegistryUpserts *prometheus.CounterVec
	ScanDomains     *prometheus.CounterVec
	Refreshes       *prometheus.CounterVec
	Jobs            *prometheus.CounterVec

	// HTTP metrics
	RequestsTotal   *prometheus.CounterVec
	RequestDuration *prometheus.HistogramVec

	gatherer prometheus.Gatherer
}

// New creates a Metrics instance registered with the default registry
func New() *Metrics {
	return NewWithRegistry(prometheus.DefaultRegisterer, prometheus.DefaultGatherer)
}

// NewWithRegistry creates a Metrics instance with a custom registry
func NewWithRegistry(registerer prometheus.Registerer, gatherer prometheus.Gatherer) *Metrics {
	factory := promauto.With(registerer)

	return &Metrics{
		FetchAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoconfig_fetch_attempts_total",
				Help: "Autoconfig document fetch attempts by candidate position and outcome",
			},
			[]string{"candidate", "outcome"},
		),
		FetchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autoconfig_fetch_duration_seconds",
				Help:    "Autoconfig candidate fetch latencies in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"candidate"},
		),
		Lookups: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoconfig_lookups_total",
				Help: "FetchAndRegister calls by resolving source and outcome",
			},
			[]string{"source", "outcome"},
		),
		CacheOps: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoconfig_cache_operations_total",
				Help: "Config cache operations by kind and outcome",
			},
			[]string{"op", "outcome"},
		),
		RegistryUpserts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoconfig_registry_upserts_total",
				Help: "Provider registry upserts by outcome",
			},
			[]string{"outcome"},
		),
		ScanDomains: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoconfig_scan_domains_total",
				Help: "Domains processed by account scans by outcome",
			},
			[]string{"outcome"},
		),
		Refreshes: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoconfig_background_refreshes_total",
				Help: "Background refreshes of stale cache entries by outcome",
			},
			[]string{"outcome"},
		),
		Jobs: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoconfig_jobs_processed_total",
				Help: "Queue jobs handled by the worker by type and outcome",
			},
			[]string{"type", "outcome"},
		),
		RequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "autoconfig_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		RequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "autoconfig_http_request_duration_seconds",
				Help:    "HTTP request latencies in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		gatherer: gatherer,
	}
}

// Handler serves the registry this instance was created with
func (m *Metrics) Handler() http.Handler {
	if m == nil || m.gatherer == nil {
		return promhttp.Handler()
	}
	return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
}

// FetchAttempt records one candidate URL attempt
func (m *Metrics) FetchAttempt(candidate, outcome string, seconds float64) {
	if m == nil {
		return
	}
	m.FetchAttempts.WithLabelValues(candidate, outcome).Inc()
	m.FetchDuration.WithLabelValues(candidate).Observe(seconds)
}

// Lookup records the result of one FetchAndRegister call
func (m *Metrics) Lookup(source, outcome string) {
	if m == nil {
		return
	}
	m.Lookups.WithLabelValues(source, outcome).Inc()
}

// CacheOp records one cache operation
func (m *Metrics) CacheOp(op, outcome string) {
	if m == nil {
		return
	}
	m.CacheOps.WithLabelValues(op, outcome).Inc()
}

// RegistryUpsert records one registry upsert
func (m *Metrics) RegistryUpsert(outcome string) {
	if m == nil {
		return
	}
	m.RegistryUpserts.WithLabelValues(outcome).Inc()
}

// ScanDomain records one domain processed by a scan
func (m *Metrics) ScanDomain(outcome string) {
	if m == nil {
		return
	}
	m.ScanDomains.WithLabelValues(outcome).Inc()
}

// Refresh records one background refresh
func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.Refreshes.WithLabelValues(outcome).Inc()
}

// Job records one queue job handled by the worker
func (m *Metrics) Job(jobType, outcome string) {
	if m == nil {
		return
	}
	m.Jobs.WithLabelValues(jobType, outcome).Inc()
}

// HTTPRequest records one served request
func (m *Metrics) HTTPRequest(method, route, status string, seconds float64) {
	if m == nil {
		return
	}
	m.RequestsTotal.WithLabelValues(method, route, status).Inc()
	m.RequestDuration.WithLabelValues(method, route).Observe(seconds)
}
