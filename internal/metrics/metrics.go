// Package metrics holds the Prometheus collectors for the auth service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics is safe to use through a nil pointer; every method is then a
// no-op, which keeps tests and tools free of registry plumbing.
type Metrics struct {
	reg prometheus.Gatherer

	logins        *prometheus.CounterVec
	refreshes     *prometheus.CounterVec
	lockouts      *prometheus.CounterVec
	reuse         prometheus.Counter
	storeLatency  *prometheus.HistogramVec
	httpRequests  *prometheus.CounterVec
	httpDurations *prometheus.HistogramVec
}

// New registers all collectors on a fresh registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		reg: reg,
		logins: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_login_total",
			Help: "Login attempts by outcome.",
		}, []string{"outcome"}),
		refreshes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_refresh_total",
			Help: "Refresh attempts by outcome.",
		}, []string{"outcome"}),
		lockouts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "auth_lockouts_total",
			Help: "Keys that crossed their failure threshold.",
		}, []string{"namespace"}),
		reuse: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "auth_refresh_reuse_detected_total",
			Help: "Rotated refresh tokens presented again.",
		}),
		storeLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "auth_store_duration_seconds",
			Help:    "Latency of credential and kv store calls.",
			Buckets: prometheus.DefBuckets,
		}, []string{"op"}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path", "status"}),
		httpDurations: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request latencies in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path", "status"}),
	}
	reg.MustRegister(
		m.logins, m.refreshes, m.lockouts, m.reuse, m.storeLatency,
		m.httpRequests, m.httpDurations,
		prometheus.NewGoCollector(),
		prometheus.NewProcessCollector(prometheus.ProcessCollectorOpts{}),
	)
	return m
}

// Handler exposes the registry in the text exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

func (m *Metrics) Login(outcome string) {
	if m != nil {
		m.logins.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Refresh(outcome string) {
	if m != nil {
		m.refreshes.WithLabelValues(outcome).Inc()
	}
}

func (m *Metrics) Lockout(namespace string) {
	if m != nil {
		m.lockouts.WithLabelValues(namespace).Inc()
	}
}

func (m *Metrics) ReuseDetected() {
	if m != nil {
		m.reuse.Inc()
	}
}

// ObserveStore records how long op took since start.
func (m *Metrics) ObserveStore(op string, start time.Time) {
	if m != nil {
		m.storeLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	}
}

// ObserveHTTP records one served request. path should be the route
// template, not the raw URL, to keep label cardinality bounded.
func (m *Metrics) ObserveHTTP(method, path, status string, d time.Duration) {
	if m != nil {
		m.httpRequests.WithLabelValues(method, path, status).Inc()
		m.httpDurations.WithLabelValues(method, path, status).Observe(d.Seconds())
	}
}
