package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// ResilienceMetrics receives retry and circuit breaker events of outbound calls to
// Ollama, Qdrant and NATS.
type ResilienceMetrics struct {
	service string

	retriesTotal  *prometheus.CounterVec
	rejectedTotal *prometheus.CounterVec
	breakerOpen   *prometheus.GaugeVec
}

func newResilienceMetrics(registry prometheus.Registerer, service string) *ResilienceMetrics {
	retriesTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "outbound",
			Name:      "retries_total",
			Help:      "Retries scheduled for outbound operations.",
		},
		[]string{"service", "operation"},
	)
	rejectedTotal := prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "engine",
			Subsystem: "outbound",
			Name:      "rejected_total",
			Help:      "Outbound calls rejected by an open circuit breaker.",
		},
		[]string{"service", "operation"},
	)
	breakerOpen := prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: "engine",
			Subsystem: "outbound",
			Name:      "breaker_open",
			Help:      "1 while the operation's circuit breaker is open or half-open.",
		},
		[]string{"service", "operation"},
	)
	registry.MustRegister(retriesTotal, rejectedTotal, breakerOpen)

	return &ResilienceMetrics{
		service:       service,
		retriesTotal:  retriesTotal,
		rejectedTotal: rejectedTotal,
		breakerOpen:   breakerOpen,
	}
}

func (m *ResilienceMetrics) RetryScheduled(operation string, _ int) {
	m.retriesTotal.WithLabelValues(m.service, operation).Inc()
}

func (m *ResilienceMetrics) BreakerStateChanged(operation, _, to string) {
	value := 1.0
	if to == "closed" {
		value = 0
	}
	m.breakerOpen.WithLabelValues(m.service, operation).Set(value)
}

func (m *ResilienceMetrics) CallRejected(operation string) {
	m.rejectedTotal.WithLabelValues(m.service, operation).Inc()
}
