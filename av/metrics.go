package av

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports call signaling counters to Prometheus.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	calls        *prometheus.CounterVec
	terminations *prometheus.CounterVec
	violations   *prometheus.CounterVec
	activeCalls  prometheus.Gauge
}

// NewMetrics registers the call metrics with reg. A nil registerer disables
// metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)

	return &Metrics{
		calls: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toxav",
			Subsystem: "msi",
			Name:      "calls_total",
			Help:      "Calls created by direction",
		}, []string{"direction"}),
		terminations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toxav",
			Subsystem: "msi",
			Name:      "terminations_total",
			Help:      "Calls terminated by reason",
		}, []string{"reason"}),
		violations: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toxav",
			Subsystem: "msi",
			Name:      "protocol_violations_total",
			Help:      "Rejected inbound signaling messages by kind of violation",
		}, []string{"violation"}),
		activeCalls: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "toxav",
			Subsystem: "msi",
			Name:      "calls",
			Help:      "Calls currently in the call table",
		}),
	}
}

func (m *Metrics) callCreated(direction string) {
	if m == nil {
		return
	}
	m.calls.WithLabelValues(direction).Inc()
	m.activeCalls.Inc()
}

func (m *Metrics) callTerminated(reason string) {
	if m == nil {
		return
	}
	m.terminations.WithLabelValues(reason).Inc()
	m.activeCalls.Dec()
}

func (m *Metrics) violation(kind string) {
	if m == nil {
		return
	}
	m.violations.WithLabelValues(kind).Inc()
}
