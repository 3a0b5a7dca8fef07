package rtp

import (
	"strconv"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics exports media stream counters to Prometheus. One Metrics is shared
// by every session of a manager; streams are told apart by payload type.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	packets      *prometheus.CounterVec
	dropped      *prometheus.CounterVec
	reports      *prometheus.CounterVec
	lossVerdicts *prometheus.CounterVec
}

// NewMetrics registers the stream metrics with reg. A nil registerer
// disables metrics.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}
	factory := promauto.With(reg)

	return &Metrics{
		packets: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toxav",
			Subsystem: "rtp",
			Name:      "packets_total",
			Help:      "Media packets by payload type and direction",
		}, []string{"payload_type", "direction"}),
		dropped: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toxav",
			Subsystem: "rtp",
			Name:      "dropped_total",
			Help:      "Inbound datagrams dropped by payload type and reason",
		}, []string{"payload_type", "reason"}),
		reports: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toxav",
			Subsystem: "rtcp",
			Name:      "reports_total",
			Help:      "Loss reports by payload type and direction",
		}, []string{"payload_type", "direction"}),
		lossVerdicts: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "toxav",
			Subsystem: "rtcp",
			Name:      "loss_verdicts_total",
			Help:      "Evaluated report windows by payload type and outcome",
		}, []string{"payload_type", "degraded"}),
	}
}

func (m *Metrics) packet(pt byte, direction string) {
	if m == nil {
		return
	}
	m.packets.WithLabelValues(ptLabel(pt), direction).Inc()
}

func (m *Metrics) drop(pt byte, reason string) {
	if m == nil {
		return
	}
	m.dropped.WithLabelValues(ptLabel(pt), reason).Inc()
}

func (m *Metrics) report(pt byte, direction string) {
	if m == nil {
		return
	}
	m.reports.WithLabelValues(ptLabel(pt), direction).Inc()
}

func (m *Metrics) verdict(pt byte, v Verdict) {
	if m == nil {
		return
	}
	m.lossVerdicts.WithLabelValues(ptLabel(pt), strconv.FormatBool(v.Degraded)).Inc()
}

func ptLabel(pt byte) string {
	return strconv.Itoa(int(pt))
}
