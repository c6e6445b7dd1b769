package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics groups the collectors exported on /metrics.
//
// Every recording method is safe to call on a nil receiver so components can
// run without instrumentation in tests.
type Metrics struct {
	registry *prometheus.Registry

	// SessionsCreated counts sessions opened through CreateSession.
	SessionsCreated prometheus.Counter

	// SessionsReaped counts sessions removed by the idle sweep.
	SessionsReaped prometheus.Counter

	// RelayDeliveries counts envelopes handed to subscriber buffers.
	// Labels: kind
	RelayDeliveries *prometheus.CounterVec

	// RelayDrops counts envelopes discarded because a subscriber buffer was full.
	// Labels: kind
	RelayDrops *prometheus.CounterVec

	// ExecutionDuration measures interpreter wall clock in seconds.
	// Labels: language, status (success|failure|rejected|timeout|error)
	ExecutionDuration *prometheus.HistogramVec

	// AssistantRequests counts generative calls.
	// Labels: operation (generate_question|analyze_code), outcome (success|fallback|error)
	AssistantRequests *prometheus.CounterVec

	// HTTPRequestDuration measures API latency.
	// Labels: method, path, status_code
	HTTPRequestDuration *prometheus.HistogramVec
}

// New builds a Metrics set on a private registry that also carries the Go
// runtime and process collectors.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(registry)

	return &Metrics{
		registry: registry,
		SessionsCreated: factory.NewCounter(prometheus.CounterOpts{
			Name: "codecollab_sessions_created_total",
			Help: "Total number of collaboration sessions created",
		}),
		SessionsReaped: factory.NewCounter(prometheus.CounterOpts{
			Name: "codecollab_sessions_reaped_total",
			Help: "Total number of idle collaboration sessions removed by the sweep",
		}),
		RelayDeliveries: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codecollab_relay_deliveries_total",
			Help: "Total number of relay events delivered to subscribers by kind",
		}, []string{"kind"}),
		RelayDrops: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codecollab_relay_drops_total",
			Help: "Total number of relay events dropped on full subscriber buffers by kind",
		}, []string{"kind"}),
		ExecutionDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codecollab_execution_duration_seconds",
			Help:    "Duration of code execution subprocesses in seconds",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10, 15},
		}, []string{"language", "status"}),
		AssistantRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codecollab_assistant_requests_total",
			Help: "Total number of generative assistant requests by operation and outcome",
		}, []string{"operation", "outcome"}),
		HTTPRequestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "codecollab_http_request_duration_seconds",
			Help:    "Duration of HTTP API requests in seconds",
			Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1, 5},
		}, []string{"method", "path", "status_code"}),
	}
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// TrackActiveSessions registers a gauge sampled from the session store on scrape.
func (m *Metrics) TrackActiveSessions(sample func() float64) {
	if m == nil || sample == nil {
		return
	}
	m.registry.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "codecollab_active_sessions",
		Help: "Number of collaboration sessions currently held by the session store",
	}, sample))
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

func (m *Metrics) SessionsRemoved(count int) {
	if m == nil || count <= 0 {
		return
	}
	m.SessionsReaped.Add(float64(count))
}

func (m *Metrics) RelayDelivered(kind string) {
	if m == nil {
		return
	}
	m.RelayDeliveries.WithLabelValues(kind).Inc()
}

func (m *Metrics) RelayDropped(kind string) {
	if m == nil {
		return
	}
	m.RelayDrops.WithLabelValues(kind).Inc()
}

func (m *Metrics) ExecutionObserved(language, status string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.ExecutionDuration.WithLabelValues(language, status).Observe(elapsed.Seconds())
}

func (m *Metrics) AssistantRequest(operation, outcome string) {
	if m == nil {
		return
	}
	m.AssistantRequests.WithLabelValues(operation, outcome).Inc()
}

func (m *Metrics) HTTPRequestObserved(method, path string, statusCode int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestDuration.WithLabelValues(method, path, strconv.Itoa(statusCode)).Observe(elapsed.Seconds())
}
