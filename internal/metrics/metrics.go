// Package metrics exposes the facilitator's Prometheus instrumentation.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics is the facilitator's collector set. It satisfies the signer
// pool's telemetry interface and records the HTTP-facing counters.
type Metrics struct {
	registry *prometheus.Registry

	requests     *prometheus.CounterVec
	settleTime   *prometheus.HistogramVec
	queueDepth   *prometheus.GaugeVec
	queueWarning *prometheus.CounterVec
	fallbackUse  *prometheus.GaugeVec
}

// New creates the collector set on a fresh registry, including the
// standard Go and process collectors.
func New() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "facilitator",
			Name:      "requests_total",
			Help:      "Facilitator requests by operation, network, protocol version and outcome.",
		}, []string{"operation", "network", "version", "outcome"}),
		settleTime: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "facilitator",
			Name:      "settle_duration_seconds",
			Help:      "End-to-end settlement latency including receipt wait.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 20, 30, 60},
		}, []string{"network", "outcome"}),
		queueDepth: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "facilitator",
			Name:      "signer_queue_depth",
			Help:      "Active plus queued settlements per signer account.",
		}, []string{"network", "account"}),
		queueWarning: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "facilitator",
			Name:      "signer_queue_warnings_total",
			Help:      "Admissions that found a signer queue above the warning threshold.",
		}, []string{"network", "account"}),
		fallbackUse: factory.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: "facilitator",
			Name:      "price_fallback_in_use",
			Help:      "1 when the native price oracle is serving a hardcoded fallback.",
		}, []string{"network"}),
	}
}

// Registry exposes the underlying registry for the /metrics handler.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// RecordRequest counts one facilitator request.
func (m *Metrics) RecordRequest(operation, network, version, outcome string) {
	m.requests.WithLabelValues(operation, network, version, outcome).Inc()
}

// ObserveSettleDuration records one settlement's end-to-end latency.
func (m *Metrics) ObserveSettleDuration(network, outcome string, d time.Duration) {
	m.settleTime.WithLabelValues(network, outcome).Observe(d.Seconds())
}

// SetPriceFallback flags whether a network's native price is a fallback.
func (m *Metrics) SetPriceFallback(network string, inUse bool) {
	v := 0.0
	if inUse {
		v = 1.0
	}
	m.fallbackUse.WithLabelValues(network).Set(v)
}

// ObserveQueueDepth implements the signer pool's telemetry hook.
func (m *Metrics) ObserveQueueDepth(network, account string, depth int) {
	m.queueDepth.WithLabelValues(network, account).Set(float64(depth))
}

// QueueWarning implements the signer pool's telemetry hook.
func (m *Metrics) QueueWarning(network, account string, depth int) {
	m.queueWarning.WithLabelValues(network, account).Inc()
}
