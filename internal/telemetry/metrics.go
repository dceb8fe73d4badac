package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus instruments of the proxy. Create it once at
// startup with NewMetrics and pass it to the components that record.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight        prometheus.Gauge
	httpRequestsTotal   *prometheus.CounterVec
	httpRequestDuration *prometheus.HistogramVec

	authOutcomes    *prometheus.CounterVec // type, outcome
	policyDecisions *prometheus.CounterVec // operation, allowed
	tokenEvents     *prometheus.CounterVec // policy, event
	pluginFailures  *prometheus.CounterVec // plugin
	rateLimited     prometheus.Counter
}

// NewMetrics registers all instruments on a fresh registry together with the
// Go runtime and process collectors.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "teeproxy_http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teeproxy_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "teeproxy_http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
		authOutcomes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teeproxy_auth_attempts_total",
			Help: "Authentication attempts by strategy and outcome.",
		}, []string{"type", "outcome"}),
		policyDecisions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teeproxy_policy_decisions_total",
			Help: "Policy engine decisions by operation.",
		}, []string{"operation", "allowed"}),
		tokenEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teeproxy_token_events_total",
			Help: "Token lifecycle events.",
		}, []string{"policy", "event"}),
		pluginFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "teeproxy_plugin_load_failures_total",
			Help: "Plugins that failed to load at startup.",
		}, []string{"plugin"}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "teeproxy_rate_limited_requests_total",
			Help: "Requests rejected by the per-client rate limiter.",
		}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.httpInFlight, m.httpRequestsTotal, m.httpRequestDuration,
		m.authOutcomes, m.policyDecisions, m.tokenEvents, m.pluginFailures, m.rateLimited,
	)
	return m
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the metrics in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// AuthOutcome counts an authentication attempt.
func (m *Metrics) AuthOutcome(authType, outcome string) {
	if m == nil {
		return
	}
	m.authOutcomes.WithLabelValues(authType, outcome).Inc()
}

// PolicyDecision counts one policy engine decision.
func (m *Metrics) PolicyDecision(operation string, allowed bool) {
	if m == nil {
		return
	}
	m.policyDecisions.WithLabelValues(operation, strconv.FormatBool(allowed)).Inc()
}

// TokenEvent counts issue, refresh, revoke and validation failures.
func (m *Metrics) TokenEvent(policy, event string) {
	if m == nil {
		return
	}
	m.tokenEvents.WithLabelValues(policy, event).Inc()
}

// PluginFailure counts a plugin that could not be loaded.
func (m *Metrics) PluginFailure(name string) {
	if m == nil {
		return
	}
	m.pluginFailures.WithLabelValues(name).Inc()
}

// RateLimited counts a throttled request.
func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

// Instrument measures request count, latency and in-flight requests. The
// route label is the chi route pattern so path parameters do not explode
// cardinality.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()
		start := time.Now()

		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		next.ServeHTTP(sw, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if pattern := rctx.RoutePattern(); pattern != "" {
				route = pattern
			}
		}
		status := strconv.Itoa(sw.code)
		m.httpRequestDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpRequestsTotal.WithLabelValues(r.Method, route, status).Inc()
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (w *statusWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}
