package ipc

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for IPC processing.
type Metrics struct {
	Processed    *prometheus.CounterVec
	DeadLettered prometheus.Counter
	DrainLatency prometheus.Histogram
}

// NewMetrics creates and registers IPC metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}
	m := &Metrics{
		Processed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kibanda",
			Subsystem: "ipc",
			Name:      "requests_total",
			Help:      "IPC requests processed, by type and outcome.",
		}, []string{"type", "outcome"}),
		DeadLettered: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kibanda",
			Subsystem: "ipc",
			Name:      "dead_lettered_total",
			Help:      "IPC files moved to the dead-letter directory.",
		}),
		DrainLatency: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kibanda",
			Subsystem: "ipc",
			Name:      "request_age_seconds",
			Help:      "Time between a request file's creation and its dispatch.",
			Buckets:   []float64{0.05, 0.1, 0.25, 0.5, 1, 2, 5, 30},
		}),
	}
	reg.MustRegister(m.Processed, m.DeadLettered, m.DrainLatency)
	return m
}
