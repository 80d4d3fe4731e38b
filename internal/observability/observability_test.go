package observability

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	dto "github.com/prometheus/client_model/go"

	"github.com/jkaninda/kibanda/internal/config"
	"github.com/jkaninda/kibanda/internal/sandbox"
)

func TestNew_NilConfig(t *testing.T) {
	obs, err := New(nil, nil)
	if err != nil {
		t.Fatalf("New(nil) error: %v", err)
	}
	if obs.Metrics != nil || obs.Tracer != nil || obs.Anomaly != nil {
		t.Error("nil config must leave every optional component off")
	}
	if obs.Health == nil {
		t.Error("health checker should always be created")
	}
	if obs.Registry() != nil {
		t.Error("Registry() should be nil without metrics")
	}
	if obs.TracerOrNoop() == nil {
		t.Error("TracerOrNoop() must never return nil")
	}
}

func TestNew_MetricsAndAnomaly(t *testing.T) {
	obs, err := New(&config.ObservabilityConfig{
		Metrics: &config.MetricsConfig{Enabled: true},
		Anomaly: &config.AnomalyConfig{Enabled: true, ErrorRateThreshold: 0.5},
	}, nil)
	if err != nil {
		t.Fatalf("New() error: %v", err)
	}
	if obs.Registry() == nil {
		t.Fatal("expected a registry")
	}
	if obs.Anomaly == nil {
		t.Fatal("expected an anomaly detector")
	}
}

func TestObservability_ShutdownNil(t *testing.T) {
	var obs *Observability
	obs.Shutdown(context.Background())
}

func TestMetricsCollector_Gather(t *testing.T) {
	m := NewMetricsCollector()
	m.HTTPRequestsTotal.WithLabelValues("GET", "/healthz", "200").Inc()

	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := map[string]bool{}
	for _, f := range families {
		found[f.GetName()] = true
	}
	for _, want := range []string{"kibanda_http_requests_total", "go_goroutines"} {
		if !found[want] {
			t.Errorf("metric %s not gathered", want)
		}
	}
}

type stubSandbox struct {
	res *sandbox.ExecutionResult
	err error
}

func (s stubSandbox) Execute(context.Context, sandbox.ExecutionRequest) (*sandbox.ExecutionResult, error) {
	return s.res, s.err
}

func TestInstrumentedSandbox_Status(t *testing.T) {
	tests := []struct {
		name string
		sbx  stubSandbox
		want string
	}{
		{"ok", stubSandbox{res: &sandbox.ExecutionResult{}}, "ok"},
		{"nonzero", stubSandbox{res: &sandbox.ExecutionResult{ExitCode: 2}}, "exit_nonzero"},
		{"timeout", stubSandbox{err: sandbox.ErrTimeout}, "timeout"},
		{"error", stubSandbox{err: errors.New("boom")}, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := NewMetricsCollector()
			s := NewInstrumentedSandbox(tt.sbx, "process", m, nil, nil)
			_, _ = s.Execute(context.Background(), sandbox.ExecutionRequest{})

			if got := counterValue(t, m, "kibanda_sandbox_backend_executions_total", map[string]string{"type": "process", "status": tt.want}); got != 1 {
				t.Errorf("executions{status=%s} = %v, want 1", tt.want, got)
			}
		})
	}
}

func TestAnomalyDetector_MinSamplesAndRecovery(t *testing.T) {
	clock := clockwork.NewFakeClock()
	m := NewMetricsCollector()
	a := NewAnomalyDetector(&config.AnomalyConfig{
		Enabled:            true,
		ErrorRateThreshold: 0.5,
		MinSamples:         4,
		WindowSeconds:      60,
	}, m, clock, nil)

	for range 3 {
		a.RecordError("invocation")
	}
	if a.Alerting("invocation") {
		t.Fatal("alerted before reaching the minimum sample count")
	}
	a.RecordError("invocation")
	if !a.Alerting("invocation") {
		t.Fatal("expected alert at 4/4 errors")
	}
	a.RecordError("invocation")
	if got := counterValue(t, m, "kibanda_anomaly_detected_total", map[string]string{"operation": "invocation"}); got != 1 {
		t.Errorf("anomalies = %v, want 1 (alert is edge-triggered)", got)
	}

	// Errors age out; fresh successes clear the alert.
	clock.Advance(2 * time.Minute)
	for range 4 {
		a.RecordSuccess("invocation")
	}
	if a.Alerting("invocation") {
		t.Error("alert should clear once the window holds only successes")
	}
	rate, n := a.ErrorRate("invocation")
	if rate != 0 || n != 4 {
		t.Errorf("ErrorRate = %v over %d, want 0 over 4", rate, n)
	}
}

func TestAnomalyDetector_Nil(t *testing.T) {
	var a *AnomalyDetector
	a.RecordError("x")
	a.RecordSuccess("x")
	if a.Alerting("x") {
		t.Error("nil detector never alerts")
	}
}

func TestHealthChecker_Ready(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("workspace", DirCheck(t.TempDir()))
	h.AddCheck("broken", func(context.Context) error { return errors.New("down") })

	st := h.CheckReady(context.Background())
	if st.Status != "degraded" {
		t.Errorf("status = %q, want degraded", st.Status)
	}
	if st.Checks["workspace"].Status != "ok" {
		t.Errorf("workspace check = %+v", st.Checks["workspace"])
	}
	if st.Checks["broken"].Message != "down" {
		t.Errorf("broken check = %+v", st.Checks["broken"])
	}
}

func TestHealthChecker_ReplaceAndLiveness(t *testing.T) {
	h := NewHealthChecker(nil)
	h.AddCheck("storage", func(context.Context) error { return errors.New("down") })
	h.AddCheck("storage", func(context.Context) error { return nil })

	st := h.CheckReady(context.Background())
	if st.Status != StatusOK || len(st.Checks) != 1 {
		t.Errorf("ready = %+v, want a single passing check", st)
	}
	if live := h.CheckHealth(); live.Status != StatusOK || live.Uptime == "" {
		t.Errorf("liveness = %+v", live)
	}

	var nilChecker *HealthChecker
	if nilChecker.CheckReady(context.Background()).Status != StatusOK {
		t.Error("nil checker should report ok")
	}
}

func TestBacklogCheck(t *testing.T) {
	dir := t.TempDir()
	check := BacklogCheck(dir, 2)
	ctx := context.Background()

	if err := BacklogCheck(filepath.Join(dir, "missing"), 0)(ctx); err != nil {
		t.Errorf("missing dir: %v", err)
	}
	for _, name := range []string{"team-1.json", "team-1.json.error", "team-2.json"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte("{}"), 0o644); err != nil {
			t.Fatal(err)
		}
	}
	if err := check(ctx); err != nil {
		t.Errorf("two requests at limit 2: %v", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "main-3.json"), []byte("{}"), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := check(ctx); err == nil {
		t.Error("expected failure above the limit")
	}
}

func TestDirCheck_Missing(t *testing.T) {
	if err := DirCheck(t.TempDir() + "/nope")(context.Background()); err == nil {
		t.Error("expected error for missing directory")
	}
}

func counterValue(t *testing.T, m *MetricsCollector, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := m.Registry.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	for _, f := range families {
		if f.GetName() != name {
			continue
		}
		for _, metric := range f.GetMetric() {
			if labelsMatch(metric, labels) {
				return metric.GetCounter().GetValue()
			}
		}
	}
	return 0
}

func labelsMatch(m *dto.Metric, want map[string]string) bool {
	got := make(map[string]string, len(m.GetLabel()))
	for _, lp := range m.GetLabel() {
		got[lp.GetName()] = lp.GetValue()
	}
	for k, v := range want {
		if got[k] != v {
			return false
		}
	}
	return true
}

func TestTracerSetup(t *testing.T) {
	ts, err := NewTracerSetup(&config.TracingConfig{Enabled: false})
	if err != nil || ts != nil {
		t.Fatalf("disabled tracing = %v, %v; want nil, nil", ts, err)
	}
	if ts.Tracer() == nil {
		t.Error("nil setup must still hand out a tracer")
	}
	if err := ts.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown on nil setup: %v", err)
	}

	if _, err := NewTracerSetup(&config.TracingConfig{Enabled: true, Protocol: "zipkin"}); err == nil {
		t.Error("expected error for unknown protocol")
	}
}

func TestSampler(t *testing.T) {
	tests := []struct {
		rate float64
		want string
	}{
		{0, "AlwaysOnSampler"},
		{1, "AlwaysOnSampler"},
		{0.25, "ParentBased"},
	}
	for _, tt := range tests {
		if got := sampler(tt.rate).Description(); !strings.HasPrefix(got, tt.want) {
			t.Errorf("sampler(%v) = %q, want prefix %q", tt.rate, got, tt.want)
		}
	}
}

func TestRouteLabel(t *testing.T) {
	tests := map[string]string{
		"/v1/tasks":              "/v1/tasks",
		"/v1/tasks/":             "/v1/tasks/",
		"/v1/tasks/task-1":       "/v1/tasks/{id}",
		"/v1/tasks/task-1/runs":  "/v1/tasks/{id}/runs",
		"/v1/tasks/task-1/pause": "/v1/tasks/{id}/pause",
		"/v1/rooms":              "/v1/rooms",
	}
	for in, want := range tests {
		if got := routeLabel(in); got != want {
			t.Errorf("routeLabel(%q) = %q, want %q", in, got, want)
		}
	}
}
