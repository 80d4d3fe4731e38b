// Package observability bundles kibanda's metrics registry, trace pipeline,
// readiness checks and error-rate anomaly detector. Disabled parts are nil
// and every consumer tolerates that.
package observability

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kibanda/internal/config"
)

// Observability is what serve hands to the sandbox wrapper, the
// orchestrator, the scheduler and the admin API.
type Observability struct {
	Metrics *MetricsCollector
	Tracer  *TracerSetup
	Anomaly *AnomalyDetector
	Health  *HealthChecker

	logger *slog.Logger
}

// New builds the enabled parts of cfg. The health checker always exists so
// /readyz works without an observability section.
func New(cfg *config.ObservabilityConfig, logger *slog.Logger) (*Observability, error) {
	o := &Observability{Health: NewHealthChecker(logger), logger: logger}
	if cfg == nil {
		return o, nil
	}
	if cfg.Metrics != nil && cfg.Metrics.Enabled {
		o.Metrics = NewMetricsCollector()
	}
	ts, err := NewTracerSetup(cfg.Tracing)
	if err != nil {
		return nil, fmt.Errorf("initializing tracing: %w", err)
	}
	o.Tracer = ts
	if cfg.Anomaly != nil && cfg.Anomaly.Enabled {
		o.Anomaly = NewAnomalyDetector(cfg.Anomaly, o.Metrics, nil, logger)
	}
	return o, nil
}

// Shutdown flushes buffered spans. Export failures are logged only.
func (o *Observability) Shutdown(ctx context.Context) {
	if o == nil {
		return
	}
	if err := o.Tracer.Shutdown(ctx); err != nil && o.logger != nil {
		o.logger.Warn("flushing traces", slog.String("error", err.Error()))
	}
}

// Registry is nil when metrics are off; component NewMetrics constructors
// then return nil too.
func (o *Observability) Registry() *prometheus.Registry {
	if o == nil || o.Metrics == nil {
		return nil
	}
	return o.Metrics.Registry
}

// TracerOrNoop never returns nil.
func (o *Observability) TracerOrNoop() trace.Tracer {
	if o == nil {
		return (*TracerSetup)(nil).Tracer()
	}
	return o.Tracer.Tracer()
}
