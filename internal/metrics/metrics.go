// Package metrics exposes Prometheus metrics for the enhancement pipeline.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the pipeline's collectors on a private registry.
type Metrics struct {
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec
	attemptsTotal   *prometheus.CounterVec
	attemptDuration *prometheus.HistogramVec
	exhaustedTotal  *prometheus.CounterVec
	admissionsTotal *prometheus.CounterVec
	fallbackDepth   prometheus.Histogram

	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	registry *prometheus.Registry
}

// New creates and registers all collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		requestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lumen_enhance_requests_total",
				Help: "Enhancement requests by terminal outcome and error kind",
			},
			[]string{"outcome", "kind", "technique", "format"},
		),
		requestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lumen_enhance_duration_seconds",
				Help:    "End-to-end pipeline latency in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30, 60},
			},
			[]string{"outcome"},
		),
		attemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lumen_backend_attempts_total",
				Help: "Backend attempts by candidate and failure reason (empty on success)",
			},
			[]string{"candidate", "provider", "reason"},
		),
		attemptDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lumen_backend_attempt_duration_seconds",
				Help:    "Latency of individual backend attempts in seconds",
				Buckets: []float64{0.1, 0.25, 0.5, 1, 2, 5, 10, 20, 30},
			},
			[]string{"candidate"},
		),
		exhaustedTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lumen_backends_exhausted_total",
				Help: "Requests for which every backend candidate failed",
			},
			[]string{"kind"},
		),
		admissionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lumen_quota_admissions_total",
				Help: "Quota admission decisions by tier",
			},
			[]string{"tier", "decision"},
		),
		fallbackDepth: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "lumen_fallback_depth",
				Help:    "Position of the serving candidate in the fallback order",
				Buckets: []float64{0, 1, 2, 3, 4, 5},
			},
		),
		httpRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "lumen_http_requests_total",
				Help: "HTTP requests by route, method and status",
			},
			[]string{"route", "method", "status"},
		),
		httpRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "lumen_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"route", "method"},
		),
		registry: registry,
	}

	registry.MustRegister(
		m.requestsTotal,
		m.requestDuration,
		m.attemptsTotal,
		m.attemptDuration,
		m.exhaustedTotal,
		m.admissionsTotal,
		m.fallbackDepth,
		m.httpRequestsTotal,
		m.httpRequestDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns the /metrics HTTP handler.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordRequest records a terminal pipeline outcome. kind is empty on success.
func (m *Metrics) RecordRequest(outcome, kind, technique, format string, d time.Duration) {
	m.requestsTotal.WithLabelValues(outcome, kind, technique, format).Inc()
	m.requestDuration.WithLabelValues(outcome).Observe(d.Seconds())
}

// RecordAttempt records one backend attempt.
func (m *Metrics) RecordAttempt(candidate, provider, reason string, d time.Duration) {
	m.attemptsTotal.WithLabelValues(candidate, provider, reason).Inc()
	m.attemptDuration.WithLabelValues(candidate).Observe(d.Seconds())
}

// RecordExhausted counts a request where every candidate failed, labelled by
// the classified kind so total outages stay separate from single-backend ones.
func (m *Metrics) RecordExhausted(kind string) {
	m.exhaustedTotal.WithLabelValues(kind).Inc()
}

// RecordAdmission records a rate-limit decision.
func (m *Metrics) RecordAdmission(tier string, allowed bool) {
	decision := "denied"
	if allowed {
		decision = "admitted"
	}
	m.admissionsTotal.WithLabelValues(tier, decision).Inc()
}

// RecordFallbackDepth records which candidate served a completed request.
func (m *Metrics) RecordFallbackDepth(depth int) {
	m.fallbackDepth.Observe(float64(depth))
}

// RecordHTTP records an HTTP request.
func (m *Metrics) RecordHTTP(route, method, status string, d time.Duration) {
	m.httpRequestsTotal.WithLabelValues(route, method, status).Inc()
	m.httpRequestDuration.WithLabelValues(route, method).Observe(d.Seconds())
}
