// Copyright 2024-2026 Aiku AI

package connector

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Event sources and outcomes used as metric labels.
const (
	sourceMatrix   = "matrix"
	sourceTelegram = "telegram"

	outcomeHandled = "handled"
	outcomeDropped = "dropped"
	outcomeFailed  = "failed"
	outcomePanic   = "panic"
)

// Metrics tracks bridge counters in a private prometheus registry.
type Metrics struct {
	registry *prometheus.Registry

	events          *prometheus.CounterVec
	relayed         *prometheus.CounterVec
	forbiddenRetry  prometheus.Counter
	handlerDuration *prometheus.HistogramVec
}

// NewMetrics creates and registers the bridge metrics.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		events: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telematrix",
			Name:      "events_total",
			Help:      "Inbound events by source and outcome.",
		}, []string{"source", "outcome"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "telematrix",
			Name:      "messages_relayed_total",
			Help:      "Messages successfully sent to the other network, by source network.",
		}, []string{"source"}),
		forbiddenRetry: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "telematrix",
			Name:      "ghost_provision_retries_total",
			Help:      "Matrix sends retried after provisioning the ghost.",
		}),
		handlerDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "telematrix",
			Name:      "event_handler_duration_seconds",
			Help:      "Time spent handling one inbound event.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"source"}),
	}
	m.registry.MustRegister(m.events, m.relayed, m.forbiddenRetry, m.handlerDuration)
	return m
}

// Handler serves the registry in the prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// RecordEvent counts one inbound event.
func (m *Metrics) RecordEvent(source, outcome string) {
	m.events.WithLabelValues(source, outcome).Inc()
}

// RecordRelay counts one message relayed from source to the other network.
func (m *Metrics) RecordRelay(source string) {
	m.relayed.WithLabelValues(source).Inc()
}

// RecordForbiddenRetry counts one provision-and-retry attempt.
func (m *Metrics) RecordForbiddenRetry() {
	m.forbiddenRetry.Inc()
}

// ObserveHandler records how long handling one event took.
func (m *Metrics) ObserveHandler(source string, d time.Duration) {
	m.handlerDuration.WithLabelValues(source).Observe(d.Seconds())
}
