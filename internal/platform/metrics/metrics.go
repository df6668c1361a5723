package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds Prometheus collectors for the live relay.
// All methods are safe to call on a nil *Metrics, which records nothing.
type Metrics struct {
	registry        *prometheus.Registry
	requestsTotal   prometheus.Counter
	errorsTotal     prometheus.Counter
	activeSessions  prometheus.Gauge
	activeConsumers *prometheus.GaugeVec
	chunksFetched   prometheus.Counter
	chunksCommitted prometheus.Counter
	fetchErrors     *prometheus.CounterVec
	fetchLatency    prometheus.Histogram
	resyncsTotal    prometheus.Counter
	destroyedTotal  *prometheus.CounterVec
	targetBuffer    prometheus.Gauge
}

// New creates and registers Prometheus metrics for the relay.
func New() *Metrics {
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		requestsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "live_requests_total",
			Help: "Total number of HTTP requests received",
		}),
		errorsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "live_errors_total",
			Help: "Total number of HTTP responses with error status (4xx or 5xx)",
		}),
		activeSessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "live_active_sessions",
			Help: "Number of stream sessions that are not destroyed",
		}),
		activeConsumers: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "live_active_consumers",
			Help: "Number of attached consumers by delivery mode",
		}, []string{"mode"}),
		chunksFetched: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "live_chunks_fetched_total",
			Help: "Total number of non-empty chunks received from the upstream",
		}),
		chunksCommitted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "live_chunks_committed_total",
			Help: "Total number of fragments committed to session buffers",
		}),
		fetchErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "live_fetch_errors_total",
			Help: "Upstream fetch failures by error class",
		}, []string{"class"}),
		fetchLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "live_fetch_latency_seconds",
			Help:    "Round-trip time of upstream chunk fetches",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5},
		}),
		resyncsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "live_resyncs_total",
			Help: "Total number of session resynchronisations (generation bumps)",
		}),
		destroyedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "live_sessions_destroyed_total",
			Help: "Sessions torn down, by reason",
		}, []string{"reason"}),
		targetBuffer: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "live_target_buffer_chunks",
			Help: "Most recently computed target buffer size in chunks",
		}),
	}

	registry.MustRegister(
		m.requestsTotal,
		m.errorsTotal,
		m.activeSessions,
		m.activeConsumers,
		m.chunksFetched,
		m.chunksCommitted,
		m.fetchErrors,
		m.fetchLatency,
		m.resyncsTotal,
		m.destroyedTotal,
		m.targetBuffer,
	)

	return m
}

// IncRequests increments the total request counter.
func (m *Metrics) IncRequests() {
	if m == nil {
		return
	}
	m.requestsTotal.Inc()
}

// IncErrors increments the errors counter.
func (m *Metrics) IncErrors() {
	if m == nil {
		return
	}
	m.errorsTotal.Inc()
}

// SetActiveSessions sets the active sessions gauge.
func (m *Metrics) SetActiveSessions(n int) {
	if m == nil {
		return
	}
	m.activeSessions.Set(float64(n))
}

// AddConsumers adjusts the consumer gauge for mode ("push" or "pull") by delta.
func (m *Metrics) AddConsumers(mode string, delta int) {
	if m == nil {
		return
	}
	m.activeConsumers.WithLabelValues(mode).Add(float64(delta))
}

// ObserveFetch records one successful upstream chunk fetch and its round-trip time.
func (m *Metrics) ObserveFetch(rtt time.Duration) {
	if m == nil {
		return
	}
	m.chunksFetched.Inc()
	m.fetchLatency.Observe(rtt.Seconds())
}

// AddCommitted increments the committed fragment counter by n.
func (m *Metrics) AddCommitted(n int) {
	if m == nil {
		return
	}
	m.chunksCommitted.Add(float64(n))
}

// IncFetchError increments the fetch error counter for class.
func (m *Metrics) IncFetchError(class string) {
	if m == nil {
		return
	}
	m.fetchErrors.WithLabelValues(class).Inc()
}

// IncResyncs increments the resync counter.
func (m *Metrics) IncResyncs() {
	if m == nil {
		return
	}
	m.resyncsTotal.Inc()
}

// IncDestroyed increments the destroyed sessions counter for reason.
func (m *Metrics) IncDestroyed(reason string) {
	if m == nil {
		return
	}
	m.destroyedTotal.WithLabelValues(reason).Inc()
}

// SetTargetBuffer records the latest target buffer size.
func (m *Metrics) SetTargetBuffer(chunks int) {
	if m == nil {
		return
	}
	m.targetBuffer.Set(float64(chunks))
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler returns an http.Handler that serves Prometheus metrics.
// updateGauges is called before each scrape to refresh gauge values (e.g. active sessions).
func (m *Metrics) Handler(updateGauges func()) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if updateGauges != nil {
			updateGauges()
		}
		promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{}).ServeHTTP(w, r)
	})
}
