package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics owns the gateway's Prometheus collectors. It is registered on its
// own registry so tests can build several apps in one process.
type Metrics struct {
	registry *prometheus.Registry

	loginStarted     *prometheus.CounterVec
	loginCompleted   *prometheus.CounterVec
	exchangeDuration *prometheus.HistogramVec
	httpInFlight     prometheus.Gauge
	httpRequests     *prometheus.CounterVec
	httpDuration     *prometheus.HistogramVec
}

// NewMetrics builds and registers every collector.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		loginStarted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traced_login_started_total",
			Help: "Login redirects issued, by provider.",
		}, []string{"provider"}),
		loginCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "traced_login_completed_total",
			Help: "Callbacks handled, by provider and outcome.",
		}, []string{"provider", "outcome"}),
		exchangeDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "traced_exchange_duration_seconds",
			Help:    "Time spent completing a callback, including the provider exchange.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider"}),
		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "http_in_flight_requests",
			Help: "In-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "route", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "route", "status"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.loginStarted,
		m.loginCompleted,
		m.exchangeDuration,
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
	)
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// LoginStarted counts an issued authorization redirect.
func (m *Metrics) LoginStarted(provider string) {
	m.loginStarted.WithLabelValues(provider).Inc()
}

// ObserveLogin records a callback outcome.
func (m *Metrics) ObserveLogin(provider, outcome string, took time.Duration) {
	m.loginCompleted.WithLabelValues(provider, outcome).Inc()
	m.exchangeDuration.WithLabelValues(provider).Observe(took.Seconds())
}

// Instrument measures requests by chi route pattern so path parameters do
// not explode label cardinality.
func (m *Metrics) Instrument(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		m.httpInFlight.Inc()
		defer m.httpInFlight.Dec()
		start := time.Now()

		rec := &responseRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		route := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				route = p
			}
		}
		status := strconv.Itoa(rec.status)
		m.httpDuration.WithLabelValues(r.Method, route, status).Observe(time.Since(start).Seconds())
		m.httpRequests.WithLabelValues(r.Method, route, status).Inc()
	})
}
