package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics tracks relay activity. A nil *Metrics is a no-op so components and
// tests that do not care about metrics can pass nil.
type Metrics struct {
	registry *prometheus.Registry

	sessionsActive   prometheus.Gauge
	sessionsRejected prometheus.Counter
	eventsRelayed    *prometheus.CounterVec
	payloadsDropped  prometheus.Counter
}

// New creates a Metrics with its own registry.
func New() *Metrics {
	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector())
	registry.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	m := &Metrics{
		registry: registry,
		sessionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "relay_sessions_active",
			Help: "Number of live stream sessions",
		}),
		sessionsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_sessions_rejected_total",
			Help: "Stream requests rejected because no subscriber connection was available",
		}),
		eventsRelayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_events_total",
			Help: "Events delivered to stream clients, by kind",
		}, []string{"kind"}),
		payloadsDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "relay_payloads_dropped_total",
			Help: "Notification payloads dropped because they could not be parsed",
		}),
	}

	registry.MustRegister(m.sessionsActive, m.sessionsRejected, m.eventsRelayed, m.payloadsDropped)
	return m
}

func (m *Metrics) SessionStarted() {
	if m == nil {
		return
	}
	m.sessionsActive.Inc()
}

func (m *Metrics) SessionEnded() {
	if m == nil {
		return
	}
	m.sessionsActive.Dec()
}

func (m *Metrics) SessionRejected() {
	if m == nil {
		return
	}
	m.sessionsRejected.Inc()
}

func (m *Metrics) EventRelayed(kind string) {
	if m == nil {
		return
	}
	m.eventsRelayed.WithLabelValues(kind).Inc()
}

func (m *Metrics) PayloadDropped() {
	if m == nil {
		return
	}
	m.payloadsDropped.Inc()
}

// Handler serves the metrics in Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
