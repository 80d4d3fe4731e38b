package sandbox

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/jkaninda/kibanda/internal/domain"
)

type staticEnv map[string]string

func (e staticEnv) Values(context.Context) (map[string]string, error) { return e, nil }

const okAgent = `cat >/dev/null
echo "agent log line"
echo '` + BeginMarker + `'
printf '{"status":"ok","responseText":"%s","newSessionToken":"tok-1"}\n' "$REPLY_TEXT"
echo '` + EndMarker + `'`

func newTestRunner(t *testing.T, script string, cfg RunnerConfig, env EnvSource) *Runner {
	t.Helper()
	skipIfNoShell(t)
	cfg.Command = []string{"sh", "-c", script}
	if cfg.EnvAllowlist == nil {
		cfg.EnvAllowlist = []string{"REPLY_TEXT", "TRACE_FILE", "AWS_*"}
	}
	sbx := NewProcessSandbox(ProcessConfig{DefaultTimeout: 10 * time.Second}, testLogger())
	return NewRunner(sbx, cfg, env, NewMetrics(prometheus.NewRegistry()), testLogger())
}

func TestRunner_Outcomes(t *testing.T) {
	tests := []struct {
		name     string
		script   string
		timeout  time.Duration
		wantOK   bool
		wantKind domain.ErrorKind
		wantErr  string
	}{
		{"ok", okAgent, 0, true, "", ""},
		{"garbage output", `cat >/dev/null; echo 'not framed'`, 0, false, domain.KindParse, ""},
		{"nonzero exit", `cat >/dev/null; echo 'kaboom' >&2; exit 7`, 0, false, domain.KindRuntime, "agent exited with code 7"},
		{"agent reported error", `cat >/dev/null; echo '` + BeginMarker + `'; echo '{"status":"error","error":"model refused"}'; echo '` + EndMarker + `'`, 0, false, domain.KindRuntime, "model refused"},
		{"timeout", `sleep 10`, 200 * time.Millisecond, false, domain.KindTimeout, "timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newTestRunner(t, tt.script, RunnerConfig{Timeout: tt.timeout}, staticEnv{"REPLY_TEXT": "4"})
			out := r.Run(context.Background(), Input{Prompt: "what's 2+2", RoomFolder: "r1"}, nil)
			if out.OK() != tt.wantOK {
				t.Fatalf("OK() = %v, out = %+v", out.OK(), out)
			}
			if tt.wantOK {
				if out.ResponseText != "4" || out.NewSessionToken != "tok-1" {
					t.Errorf("got %+v", out)
				}
				return
			}
			if out.Kind != tt.wantKind {
				t.Errorf("Kind = %q, want %q", out.Kind, tt.wantKind)
			}
			if tt.wantErr != "" && out.Error != tt.wantErr {
				t.Errorf("Error = %q, want %q", out.Error, tt.wantErr)
			}
		})
	}
}

func TestRunner_StderrIsBounded(t *testing.T) {
	script := `cat >/dev/null; i=0; while [ $i -lt 200 ]; do echo "diagnostic line $i" >&2; i=$((i+1)); done; exit 1`
	r := newTestRunner(t, script, RunnerConfig{StderrLimit: 100}, nil)
	out := r.Run(context.Background(), Input{RoomFolder: "r1"}, nil)
	if out.Kind != domain.KindRuntime {
		t.Fatalf("Kind = %q", out.Kind)
	}
	if !strings.Contains(out.Diagnostic, "diagnostic line 199") {
		t.Errorf("diagnostic should keep the tail: %q", out.Diagnostic)
	}
	if len(out.Diagnostic) > 160 {
		t.Errorf("diagnostic is %d bytes, want it bounded", len(out.Diagnostic))
	}
}

func TestRunner_EnvAllowlist(t *testing.T) {
	script := `cat >/dev/null
echo '` + BeginMarker + `'
printf '{"status":"ok","responseText":"%s|%s|%s|%s"}\n' "$REPLY_TEXT" "$AWS_REGION" "$DATABASE_PASSWORD" "$KIBANDA_ROOM"
echo '` + EndMarker + `'`
	env := staticEnv{"REPLY_TEXT": "a", "AWS_REGION": "eu-west-1", "DATABASE_PASSWORD": "hunter2"}
	r := newTestRunner(t, script, RunnerConfig{}, env)

	out := r.Run(context.Background(), Input{RoomFolder: "team"}, nil)
	if !out.OK() {
		t.Fatalf("run failed: %+v", out)
	}
	if out.ResponseText != "a|eu-west-1||team" {
		t.Errorf("ResponseText = %q", out.ResponseText)
	}
}

func TestRunner_SameRoomRunsSerialize(t *testing.T) {
	trace := filepath.Join(t.TempDir(), "trace")
	script := `cat >/dev/null
echo start >> "$TRACE_FILE"
sleep 0.2
echo end >> "$TRACE_FILE"
echo '` + BeginMarker + `'
echo '{"status":"ok"}'
echo '` + EndMarker + `'`
	r := newTestRunner(t, script, RunnerConfig{MaxConcurrent: 4}, staticEnv{"TRACE_FILE": trace})

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if out := r.Run(context.Background(), Input{RoomFolder: "r1"}, nil); !out.OK() {
				t.Errorf("run failed: %+v", out)
			}
		}()
	}
	wg.Wait()

	data, err := os.ReadFile(trace)
	if err != nil {
		t.Fatal(err)
	}
	lines := strings.Fields(string(data))
	if len(lines) != 6 {
		t.Fatalf("trace = %v", lines)
	}
	for i, l := range lines {
		want := "start"
		if i%2 == 1 {
			want = "end"
		}
		if l != want {
			t.Fatalf("runs overlapped: %v", lines)
		}
	}
}

func TestRunner_CancelledBeforeStart(t *testing.T) {
	r := newTestRunner(t, okAgent, RunnerConfig{}, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	out := r.Run(ctx, Input{RoomFolder: "r1"}, nil)
	if out.OK() {
		t.Fatal("expected failure for cancelled context")
	}
}

func TestFilterEnv(t *testing.T) {
	got := FilterEnv(map[string]string{
		"AWS_ACCESS_KEY_ID": "x",
		"AWSOME":            "no",
		"OPENAI_API_KEY":    "k",
		"HOME":              "/root",
	}, []string{"AWS_*", "OPENAI_API_KEY"})

	if len(got) != 2 || got["AWS_ACCESS_KEY_ID"] != "x" || got["OPENAI_API_KEY"] != "k" {
		t.Errorf("FilterEnv = %v", got)
	}
}
