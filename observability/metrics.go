// Package observability exposes the router's Prometheus metrics via a
// private registry, using the prometheus/client_golang collectors
// rather than a hand-rolled counter/histogram/text-exposition scheme.
package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics bundles every collector the router registers. Handlers pull a
// *Metrics out of request-scoped wiring and call its methods; nothing
// here is goroutine-unsafe to share.
type Metrics struct {
	registry *prometheus.Registry

	requestsTotal   *prometheus.CounterVec
	planDuration    *prometheus.HistogramVec
	cacheResults    *prometheus.CounterVec
	rateLimited     prometheus.Counter
	stickinessIssued prometheus.Counter
	overlayDenied   prometheus.Counter
}

// NewMetrics constructs and registers every collector against a fresh,
// private registry (never the global default — multiple engines in the
// same test binary must not collide on metric names).
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,
		requestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_requests_total",
			Help: "Total route plan requests by alias and outcome.",
		}, []string{"alias", "outcome"}),
		planDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "router_plan_duration_seconds",
			Help:    "Time spent producing a route plan, including cache lookups.",
			Buckets: prometheus.DefBuckets,
		}, []string{"alias", "cache_status"}),
		cacheResults: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "router_plan_cache_results_total",
			Help: "Plan cache lookup results by status.",
		}, []string{"status"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_rate_limited_total",
			Help: "Requests refused by the admission-control rate limiter.",
		}),
		stickinessIssued: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_stickiness_tokens_issued_total",
			Help: "Stickiness tokens issued or progressed.",
		}),
		overlayDenied: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "router_overlay_denied_total",
			Help: "Requests hard-denied for an oversized prompt overlay.",
		}),
	}

	reg.MustRegister(
		m.requestsTotal,
		m.planDuration,
		m.cacheResults,
		m.rateLimited,
		m.stickinessIssued,
		m.overlayDenied,
	)
	return m
}

func (m *Metrics) ObservePlan(alias, outcome, cacheStatus string, seconds float64) {
	m.requestsTotal.WithLabelValues(alias, outcome).Inc()
	m.planDuration.WithLabelValues(alias, cacheStatus).Observe(seconds)
}

func (m *Metrics) ObserveCacheResult(status string) {
	m.cacheResults.WithLabelValues(status).Inc()
}

func (m *Metrics) IncRateLimited()     { m.rateLimited.Inc() }
func (m *Metrics) IncStickinessIssued() { m.stickinessIssued.Inc() }
func (m *Metrics) IncOverlayDenied()   { m.overlayDenied.Inc() }

// Handler returns the HTTP handler for GET /metrics.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
