// Package metrics exposes routing and connection counters to Prometheus.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/memohai/omnibox/internal/channel"
	"github.com/memohai/omnibox/internal/message"
	"github.com/memohai/omnibox/internal/message/event"
)

const namespace = "omnibox"

// Metrics owns a private registry so several instances can coexist in tests.
// It implements channel.Observer and the ingest pipeline observer.
type Metrics struct {
	registry     *prometheus.Registry
	inbound      *prometheus.CounterVec
	unattributed *prometheus.CounterVec
	ruleErrors   prometheus.Counter
	busDropped   prometheus.Counter
	connections  *prometheus.GaugeVec
	outbound     *prometheus.CounterVec
}

// New creates and registers every collector.
func New() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "inbound_messages_total",
			Help:      "Inbound messages persisted, by platform and priority.",
		}, []string{"platform", "priority"}),
		unattributed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "unattributed_messages_total",
			Help:      "Messages stored without an owner and not fanned out.",
		}, []string{"platform"}),
		ruleErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "rule_errors_total",
			Help:      "Rule engine failures; the original message was kept.",
		}),
		busDropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "bus_dropped_events_total",
			Help:      "Events dropped because a subscriber buffer was full.",
		}),
		connections: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "connections",
			Help:      "Live connections by platform and status.",
		}, []string{"platform", "status"}),
		outbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "outbound_messages_total",
			Help:      "Outbound sends by platform and result.",
		}, []string{"platform", "result"}),
	}
	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.inbound,
		m.unattributed,
		m.ruleErrors,
		m.busDropped,
		m.connections,
		m.outbound,
	)
	return m
}

// Registry returns the registry backing Handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *Metrics) ConnectionStatusChanged(platform message.Platform, from, to channel.Status) {
	if from == to {
		return
	}
	if from != "" {
		m.connections.WithLabelValues(platform.String(), string(from)).Dec()
	}
	if to != "" {
		m.connections.WithLabelValues(platform.String(), string(to)).Inc()
	}
}

func (m *Metrics) OutboundResult(platform message.Platform, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.outbound.WithLabelValues(platform.String(), result).Inc()
}

func (m *Metrics) MessageIngested(platform message.Platform, p message.Priority) {
	m.inbound.WithLabelValues(platform.String(), string(p)).Inc()
}

func (m *Metrics) MessageUnattributed(platform message.Platform) {
	m.unattributed.WithLabelValues(platform.String()).Inc()
}

func (m *Metrics) RuleFailed() {
	m.ruleErrors.Inc()
}

// EventDropped matches event.DropObserver.
func (m *Metrics) EventDropped(string, event.Event) {
	m.busDropped.Inc()
}
