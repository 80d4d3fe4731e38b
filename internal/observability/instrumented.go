package observability

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kibanda/internal/sandbox"
)

// InstrumentedSandbox wraps a sandbox backend with tracing, metrics and
// anomaly recording. Each dependency may be nil.
type InstrumentedSandbox struct {
	inner       sandbox.Sandbox
	sandboxType string
	metrics     *MetricsCollector
	tracer      trace.Tracer
	anomaly     *AnomalyDetector
}

var _ sandbox.Sandbox = (*InstrumentedSandbox)(nil)

// NewInstrumentedSandbox wraps inner. sandboxType labels metrics and spans.
func NewInstrumentedSandbox(inner sandbox.Sandbox, sandboxType string, metrics *MetricsCollector, tracer trace.Tracer, anomaly *AnomalyDetector) *InstrumentedSandbox {
	return &InstrumentedSandbox{
		inner:       inner,
		sandboxType: sandboxType,
		metrics:     metrics,
		tracer:      tracer,
		anomaly:     anomaly,
	}
}

func (s *InstrumentedSandbox) Execute(ctx context.Context, req sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	var span trace.Span
	if s.tracer != nil {
		ctx, span = s.tracer.Start(ctx, spanSandboxExecute,
			trace.WithAttributes(attribute.String("sandbox.type", s.sandboxType)))
		defer span.End()
	}

	start := time.Now()
	res, err := s.inner.Execute(ctx, req)
	elapsed := time.Since(start)

	status := executionStatus(res, err)
	if span != nil {
		span.SetAttributes(attribute.String("sandbox.status", status))
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
	}
	if s.metrics != nil {
		s.metrics.SandboxExecutionsTotal.WithLabelValues(s.sandboxType, status).Inc()
		s.metrics.SandboxExecutionDuration.WithLabelValues(s.sandboxType).Observe(elapsed.Seconds())
	}
	operation := "sandbox_" + s.sandboxType
	if status == "ok" {
		s.anomaly.RecordSuccess(operation)
	} else {
		s.anomaly.RecordError(operation)
	}
	return res, err
}

func executionStatus(res *sandbox.ExecutionResult, err error) string {
	switch {
	case errors.Is(err, sandbox.ErrTimeout):
		return "timeout"
	case err != nil:
		return "error"
	case res != nil && res.ExitCode != 0:
		return "exit_nonzero"
	default:
		return "ok"
	}
}

// statusCode converts an HTTP status code to a string label.
func statusCode(code int) string {
	return strconv.Itoa(code)
}
