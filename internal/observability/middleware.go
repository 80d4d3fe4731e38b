package observability

import (
	"net/http"
	"slices"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// MetricsMiddleware records a span, a request count and a latency sample per
// admin API request. Requests to skip paths (the metrics endpoint itself)
// pass through untouched.
func MetricsMiddleware(metrics *MetricsCollector, tracer trace.Tracer, skip ...string) okapi.Middleware {
	return func(next okapi.HandlerFunc) okapi.HandlerFunc {
		return func(c *okapi.Context) error {
			r := c.Request()
			if slices.Contains(skip, r.URL.Path) {
				return next(c)
			}
			route := routeLabel(r.URL.Path)

			var span trace.Span
			if tracer != nil {
				_, span = tracer.Start(r.Context(), spanHTTPRequest,
					trace.WithAttributes(
						attribute.String("http.method", r.Method),
						attribute.String("http.route", route),
					))
				defer span.End()
			}
			if metrics != nil {
				metrics.ActiveRequests.Inc()
				defer metrics.ActiveRequests.Dec()
			}

			start := time.Now()
			err := next(c)

			code := c.Response().StatusCode()
			if code == 0 {
				code = http.StatusOK
			}
			if span != nil {
				span.SetAttributes(attribute.Int("http.status_code", code))
			}
			if metrics != nil {
				metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, statusCode(code)).Inc()
				metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
			}
			return err
		}
	}
}

// routeLabel collapses task IDs so per-task endpoints share one label:
// /v1/tasks/abc/runs becomes /v1/tasks/{id}/runs.
func routeLabel(path string) string {
	rest, ok := strings.CutPrefix(path, "/v1/tasks/")
	if !ok || rest == "" {
		return path
	}
	_, action, found := strings.Cut(rest, "/")
	if !found {
		return "/v1/tasks/{id}"
	}
	return "/v1/tasks/{id}/" + action
}
