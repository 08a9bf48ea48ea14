// Package metrics exposes Prometheus collectors for the color service.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "colorwheel"

// Metrics owns a registry and the service's collectors.
type Metrics struct {
	registry *prometheus.Registry

	httpInFlight  prometheus.Gauge
	httpRequests  *prometheus.CounterVec
	httpDuration  *prometheus.HistogramVec
	authFailures  *prometheus.CounterVec
	colorCycles   prometheus.Counter
	colorQueries  prometheus.Counter
	channels      prometheus.Gauge
	streamClients prometheus.Gauge
	broadcasts    *prometheus.CounterVec
}

// New creates collectors registered on a fresh registry. With withRuntime the Go
// and process collectors are registered too.
func New(withRuntime bool) *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		httpInFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		httpRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"service", "method", "path", "status"}),
		httpDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 12), // 0.5ms to ~1s
		}, []string{"service", "method", "path"}),
		authFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "auth",
			Name:      "failures_total",
			Help:      "Rejected requests by failure code.",
		}, []string{"code"}),
		colorCycles: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "color",
			Name:      "cycles_total",
			Help:      "Total number of color advances.",
		}),
		colorQueries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "color",
			Name:      "queries_total",
			Help:      "Total number of color reads.",
		}),
		channels: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "color",
			Name:      "channels",
			Help:      "Channels holding a non-default color.",
		}),
		streamClients: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "stream",
			Name:      "clients",
			Help:      "Connected websocket stream clients.",
		}),
		broadcasts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "broadcast",
			Name:      "messages_total",
			Help:      "PubSub broadcast attempts by result.",
		}, []string{"result"}),
	}

	m.registry.MustRegister(
		m.httpInFlight,
		m.httpRequests,
		m.httpDuration,
		m.authFailures,
		m.colorCycles,
		m.colorQueries,
		m.channels,
		m.streamClients,
		m.broadcasts,
	)
	if withRuntime {
		m.registry.MustRegister(
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
			collectors.NewGoCollector(),
		)
	}
	return m
}

// Registry returns the underlying registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) IncrementInFlight() { m.httpInFlight.Inc() }
func (m *Metrics) DecrementInFlight() { m.httpInFlight.Dec() }

// RecordHTTPRequest records one completed request.
func (m *Metrics) RecordHTTPRequest(service, method, path, status string, duration time.Duration) {
	m.httpRequests.WithLabelValues(service, method, path, status).Inc()
	m.httpDuration.WithLabelValues(service, method, path).Observe(duration.Seconds())
}

func (m *Metrics) RecordAuthFailure(code string) {
	m.authFailures.WithLabelValues(code).Inc()
}

// RecordCycle counts an advance and refreshes the channel gauge.
func (m *Metrics) RecordCycle(channels int) {
	m.colorCycles.Inc()
	m.channels.Set(float64(channels))
}

func (m *Metrics) RecordQuery() {
	m.colorQueries.Inc()
}

func (m *Metrics) StreamClientConnected()    { m.streamClients.Inc() }
func (m *Metrics) StreamClientDisconnected() { m.streamClients.Dec() }

// RecordBroadcast counts a broadcast outcome: "sent", "failed" or "dropped".
func (m *Metrics) RecordBroadcast(result string) {
	m.broadcasts.WithLabelValues(result).Inc()
}
