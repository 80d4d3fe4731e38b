package orchestrator

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for room invocations.
// All metrics use the kibanda_orchestrator_ prefix.
type Metrics struct {
	Inbound     *prometheus.CounterVec
	Invocations *prometheus.CounterVec
	Duration    *prometheus.HistogramVec
	Deliveries  *prometheus.CounterVec
	QueueDepth  prometheus.Gauge
}

// NewMetrics creates and registers orchestrator metrics on the given registry.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Inbound: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kibanda",
			Subsystem: "orchestrator",
			Name:      "inbound_total",
			Help:      "Inbound room messages by outcome (accepted, ignored, duplicate, busy, rate_limited, unknown_room).",
		}, []string{"outcome"}),

		Invocations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kibanda",
			Subsystem: "orchestrator",
			Name:      "invocations_total",
			Help:      "Agent invocations by trigger and result kind.",
		}, []string{"trigger", "result"}),

		Duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "kibanda",
			Subsystem: "orchestrator",
			Name:      "invocation_duration_seconds",
			Help:      "End-to-end invocation duration including mount validation and IPC drain.",
			Buckets:   []float64{0.5, 1, 2, 5, 10, 30, 60, 120, 300, 600},
		}, []string{"trigger"}),

		Deliveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kibanda",
			Subsystem: "orchestrator",
			Name:      "deliveries_total",
			Help:      "Messages delivered to rooms by kind (reply, notice, ipc) and status.",
		}, []string{"kind", "status"}),

		QueueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kibanda",
			Subsystem: "orchestrator",
			Name:      "queued_messages",
			Help:      "Inbound messages waiting behind a running invocation.",
		}),
	}

	reg.MustRegister(
		m.Inbound,
		m.Invocations,
		m.Duration,
		m.Deliveries,
		m.QueueDepth,
	)

	return m
}
