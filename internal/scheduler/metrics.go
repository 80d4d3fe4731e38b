package scheduler

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds Prometheus metrics for the task scheduler.
type Metrics struct {
	TasksFired     prometheus.Counter
	TasksSucceeded prometheus.Counter
	TasksFailed    prometheus.Counter
	TasksMissed    prometheus.Counter
	TasksDeferred  prometheus.Counter
	TickDuration   prometheus.Histogram
}

// NewMetrics creates and registers scheduler metrics.
// Returns nil if reg is nil.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	if reg == nil {
		return nil
	}

	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "kibanda",
			Subsystem: "scheduler",
			Name:      name,
			Help:      help,
		})
	}
	m := &Metrics{
		TasksFired:     counter("tasks_fired_total", "Total scheduled task runs started."),
		TasksSucceeded: counter("tasks_succeeded_total", "Total scheduled task runs that succeeded."),
		TasksFailed:    counter("tasks_failed_total", "Total scheduled task runs that failed."),
		TasksMissed:    counter("tasks_missed_total", "Total due runs skipped because they were outside the missed run window."),
		TasksDeferred:  counter("tasks_deferred_total", "Total due runs postponed because the concurrency limit was reached."),
		TickDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "kibanda",
			Subsystem: "scheduler",
			Name:      "tick_duration_seconds",
			Help:      "Duration of each scheduler tick (poll + fire cycle).",
			Buckets:   []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}),
	}

	reg.MustRegister(
		m.TasksFired,
		m.TasksSucceeded,
		m.TasksFailed,
		m.TasksMissed,
		m.TasksDeferred,
		m.TickDuration,
	)

	return m
}
