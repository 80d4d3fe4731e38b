package sandbox

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for agent runs.
type Metrics struct {
	Runs        *prometheus.CounterVec
	RunDuration prometheus.Histogram
	Active      prometheus.Gauge
	Waiting     prometheus.Gauge
}

// NewMetrics creates and registers runner metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "kibanda",
			Subsystem: "sandbox",
			Name:      "runs_total",
			Help:      "Agent runs by outcome (ok or error kind).",
		}, []string{"outcome"}),
		RunDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kibanda",
			Subsystem: "sandbox",
			Name:      "run_duration_seconds",
			Help:      "Wall-clock duration of agent runs.",
			Buckets:   []float64{1, 5, 15, 30, 60, 120, 300, 600},
		}),
		Active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kibanda",
			Subsystem: "sandbox",
			Name:      "active_runs",
			Help:      "Agent runs currently executing.",
		}),
		Waiting: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "kibanda",
			Subsystem: "sandbox",
			Name:      "waiting_runs",
			Help:      "Agent runs waiting for a room lock or a global slot.",
		}),
	}

	reg.MustRegister(m.Runs, m.RunDuration, m.Active, m.Waiting)
	return m
}
