package telemetry

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the gateway's prometheus collectors. A nil *Metrics is
// valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	listeners    prometheus.Gauge
	reconciles   *prometheus.CounterVec
	relayed      *prometheus.CounterVec
	toolCalls    *prometheus.CounterVec
	scans        *prometheus.CounterVec
	relayLatency *prometheus.HistogramVec
}

// NewMetrics creates collectors on a fresh registry.
func NewMetrics() *Metrics {
	m := &Metrics{
		registry: prometheus.NewRegistry(),
		listeners: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "mcpgate_fleet_listeners",
			Help: "Number of running per-alias listeners.",
		}),
		reconciles: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpgate_reconcile_total",
			Help: "Fleet reconciliations by result.",
		}, []string{"result"}),
		relayed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpgate_relay_requests_total",
			Help: "Relayed requests by alias and response mode.",
		}, []string{"alias", "mode"}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpgate_tool_calls_total",
			Help: "Intercepted tool calls by alias and outcome.",
		}, []string{"alias", "outcome"}),
		scans: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mcpgate_scans_total",
			Help: "Classifier scans by text type and verdict.",
		}, []string{"text_type", "verdict"}),
		relayLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "mcpgate_relay_duration_seconds",
			Help:    "Time to relay a request through the alias listener, including any streamed body.",
			Buckets: prometheus.DefBuckets,
		}, []string{"alias"}),
	}

	m.registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		m.listeners,
		m.reconciles,
		m.relayed,
		m.toolCalls,
		m.scans,
		m.relayLatency,
	)
	return m
}

// Handler serves the registry in the prometheus text format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) SetListeners(n int) {
	if m == nil {
		return
	}
	m.listeners.Set(float64(n))
}

func (m *Metrics) Reconciled(err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "partial_failure"
	}
	m.reconciles.WithLabelValues(result).Inc()
}

func (m *Metrics) Relayed(alias, mode string, seconds float64) {
	if m == nil {
		return
	}
	m.relayed.WithLabelValues(alias, mode).Inc()
	m.relayLatency.WithLabelValues(alias).Observe(seconds)
}

func (m *Metrics) ToolCall(alias, outcome string) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(alias, outcome).Inc()
}

func (m *Metrics) Scan(textType, verdict string) {
	if m == nil {
		return
	}
	m.scans.WithLabelValues(textType, verdict).Inc()
}
