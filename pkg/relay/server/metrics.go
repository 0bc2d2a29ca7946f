package server

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Session outcomes recorded in sessions_total.
const (
	OutcomeClientClosed   = "client_closed"
	OutcomeUpstreamClosed = "upstream_closed"
	OutcomeTimeLimit      = "time_limit"
	OutcomeDrained        = "drained"
	OutcomeRejected       = "rejected"
	OutcomeUpstreamFailed = "upstream_failed"
	OutcomeError          = "error"
)

// Metrics holds the relay's Prometheus collectors on a private registry.
type Metrics struct {
	registry *prometheus.Registry

	SessionsActive    prometheus.Gauge
	SessionsTotal     *prometheus.CounterVec
	SessionDuration   prometheus.Histogram
	RelayedBytesTotal *prometheus.CounterVec
	ProbesTotal       prometheus.Counter
}

func NewMetrics(namespace string) *Metrics {
	if namespace == "" {
		namespace = "voicecall_relay"
	}
	registry := prometheus.NewRegistry()

	m := &Metrics{
		registry: registry,
		SessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "sessions_active",
			Help:      "Number of conversations currently relayed",
		}),
		SessionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "sessions_total",
			Help:      "Relayed conversations by outcome",
		}, []string{"outcome"}),
		SessionDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "session_duration_seconds",
			Help:      "Relayed conversation duration in seconds",
			Buckets:   []float64{5, 15, 30, 60, 120, 300, 600, 1800, 3600},
		}),
		RelayedBytesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "relayed_bytes_total",
			Help:      "Frame payload bytes relayed by direction",
		}, []string{"direction"}),
		ProbesTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "probes_total",
			Help:      "Probe round-trips served",
		}),
	}

	registry.MustRegister(
		m.SessionsActive,
		m.SessionsTotal,
		m.SessionDuration,
		m.RelayedBytesTotal,
		m.ProbesTotal,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m
}

func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) sessionStarted() {
	m.SessionsActive.Inc()
}

func (m *Metrics) sessionEnded(outcome string, d time.Duration) {
	m.SessionsActive.Dec()
	m.SessionsTotal.WithLabelValues(outcome).Inc()
	m.SessionDuration.Observe(d.Seconds())
}

func (m *Metrics) relayed(direction string, n int) {
	m.RelayedBytesTotal.WithLabelValues(direction).Add(float64(n))
}
