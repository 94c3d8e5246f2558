// Package observability exposes client-side counters for the messaging core.
package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Command outcomes.
const (
	OutcomeSuccess      = "success"
	OutcomeRejected     = "rejected"
	OutcomeTimeout      = "timeout"
	OutcomeNotConnected = "not_connected"
	OutcomeInvalid      = "invalid"
	OutcomeError        = "error"
)

// Metrics owns a dedicated registry so several sessions never collide on
// the global one. A nil *Metrics is a valid no-op.
type Metrics struct {
	registry       *prometheus.Registry
	eventsReceived *prometheus.CounterVec
	eventsIgnored  *prometheus.CounterVec
	commands       *prometheus.CounterVec
	ackLatency     *prometheus.HistogramVec
	reconnects     prometheus.Counter
	connected      prometheus.Gauge
	bufferLength   *prometheus.GaugeVec
	bufferCapacity *prometheus.GaugeVec
}

func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		eventsReceived: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat_sync",
			Name:      "events_received_total",
			Help:      "Server push events applied by the dispatcher.",
		}, []string{"type"}),
		eventsIgnored: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat_sync",
			Name:      "events_ignored_total",
			Help:      "Events dropped as no-ops (unknown type, absent target).",
		}, []string{"type", "reason"}),
		commands: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "chat_sync",
			Name:      "commands_total",
			Help:      "Acknowledged commands by outcome.",
		}, []string{"command", "outcome"}),
		ackLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "chat_sync",
			Name:      "ack_latency_seconds",
			Help:      "Time between a command and its acknowledgement.",
			Buckets:   prometheus.ExponentialBuckets(0.01, 2, 11),
		}, []string{"command"}),
		reconnects: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "chat_sync",
			Name:      "reconnects_total",
			Help:      "Sessions re-established after a drop.",
		}),
		connected: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "chat_sync",
			Name:      "connected",
			Help:      "1 when the connection is authenticated.",
		}),
		bufferLength: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chat_sync",
			Name:      "buffer_length",
			Help:      "Items waiting in a named channel at the last sample.",
		}, []string{"buffer"}),
		bufferCapacity: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "chat_sync",
			Name:      "buffer_capacity",
			Help:      "Capacity of a named channel.",
		}, []string{"buffer"}),
	}
	m.registry.MustRegister(m.eventsReceived, m.eventsIgnored, m.commands,
		m.ackLatency, m.reconnects, m.connected, m.bufferLength, m.bufferCapacity)
	return m
}

func (m *Metrics) EventReceived(eventType string) {
	if m == nil {
		return
	}
	m.eventsReceived.WithLabelValues(eventType).Inc()
}

func (m *Metrics) EventIgnored(eventType, reason string) {
	if m == nil {
		return
	}
	m.eventsIgnored.WithLabelValues(eventType, reason).Inc()
}

func (m *Metrics) CommandDone(command, outcome string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.commands.WithLabelValues(command, outcome).Inc()
	if outcome == OutcomeSuccess || outcome == OutcomeRejected {
		m.ackLatency.WithLabelValues(command).Observe(elapsed.Seconds())
	}
}

func (m *Metrics) Reconnected() {
	if m == nil {
		return
	}
	m.reconnects.Inc()
}

func (m *Metrics) SetConnected(connected bool) {
	if m == nil {
		return
	}
	if connected {
		m.connected.Set(1)
		return
	}
	m.connected.Set(0)
}

// BufferSampled records the fill level of a named channel.
func (m *Metrics) BufferSampled(name string, length, capacity int) {
	if m == nil {
		return
	}
	m.bufferLength.WithLabelValues(name).Set(float64(length))
	m.bufferCapacity.WithLabelValues(name).Set(float64(capacity))
}

func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}
