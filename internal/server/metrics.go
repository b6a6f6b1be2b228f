package server

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const metricsNamespace = "lanchat"

// Metrics holds the relay's Prometheus collectors on a private registry.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	sessions      prometheus.Gauge
	connects      *prometheus.CounterVec   // by transport
	disconnects   *prometheus.CounterVec   // by reason
	envelopesIn   *prometheus.CounterVec   // by kind
	deliveries    *prometheus.CounterVec   // by kind
	failures      *prometheus.CounterVec   // by error code
	dropped       *prometheus.CounterVec   // by reason
	frameBytes    *prometheus.HistogramVec // by kind
	historyLength prometheus.Gauge
}

// NewMetrics creates the collectors and registers them, together with the
// Go runtime and process collectors, on a new registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),

		sessions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "sessions",
			Help:      "Number of registered sessions",
		}),
		connects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "connections_total",
			Help:      "Total accepted connections",
		}, []string{"transport"}),
		disconnects: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "disconnections_total",
			Help:      "Total disconnected sessions",
		}, []string{"reason"}), // reason: closed, idle, slow, shutdown
		envelopesIn: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "envelopes_received_total",
			Help:      "Total envelopes decoded from clients",
		}, []string{"kind"}),
		deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "deliveries_total",
			Help:      "Total frames queued to recipients",
		}, []string{"kind"}),
		failures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "errors_total",
			Help:      "Total session-local errors reported to clients",
		}, []string{"code"}),
		dropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Name:      "dropped_envelopes_total",
			Help:      "Total inbound envelopes discarded without a reply",
		}, []string{"reason"}), // reason: rate_limited, unknown_kind
		frameBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Name:      "frame_bytes",
			Help:      "Size of encoded outbound frames",
			Buckets:   prometheus.ExponentialBuckets(64, 4, 10), // 64B to 16MiB
		}, []string{"kind"}),
		historyLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Name:      "history_entries",
			Help:      "Number of entries in the history ring",
		}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.sessions,
		m.connects,
		m.disconnects,
		m.envelopesIn,
		m.deliveries,
		m.failures,
		m.dropped,
		m.frameBytes,
		m.historyLength,
	)
	return m
}

// Registry returns the registry holding the relay's collectors.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) recordAccept(transport string) {
	if m == nil {
		return
	}
	m.connects.WithLabelValues(transport).Inc()
}

func (m *Metrics) recordDisconnect(reason string) {
	if m == nil {
		return
	}
	m.disconnects.WithLabelValues(reason).Inc()
}

func (m *Metrics) setSessions(n int) {
	if m == nil {
		return
	}
	m.sessions.Set(float64(n))
}

func (m *Metrics) recordInbound(kind string) {
	if m == nil {
		return
	}
	m.envelopesIn.WithLabelValues(kind).Inc()
}

func (m *Metrics) recordDelivery(kind string, recipients, frameSize int) {
	if m == nil {
		return
	}
	m.deliveries.WithLabelValues(kind).Add(float64(recipients))
	m.frameBytes.WithLabelValues(kind).Observe(float64(frameSize))
}

func (m *Metrics) recordError(code string) {
	if m == nil {
		return
	}
	m.failures.WithLabelValues(code).Inc()
}

func (m *Metrics) recordDrop(reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(reason).Inc()
}

func (m *Metrics) setHistoryLength(n int) {
	if m == nil {
		return
	}
	m.historyLength.Set(float64(n))
}
