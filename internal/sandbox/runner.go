package sandbox

import (
	"cmp"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/jkaninda/kibanda/internal/domain"
	"github.com/jkaninda/kibanda/internal/mounts"
)

const (
	defaultMaxConcurrent = 4
	defaultStderrLimit   = 64 << 10
)

// DefaultEnvAllowlist names the host variables an agent may see.
// A trailing "*" matches by prefix.
var DefaultEnvAllowlist = []string{
	"ANTHROPIC_API_KEY",
	"ANTHROPIC_BASE_URL",
	"CLAUDE_CODE_OAUTH_TOKEN",
	"OPENAI_API_KEY",
	"GEMINI_API_KEY",
	"GROQ_API_KEY",
	"MISTRAL_API_KEY",
	"OPENROUTER_API_KEY",
	"AWS_*",
	"LANG",
	"LC_ALL",
	"TZ",
}

// EnvSource supplies candidate environment values for agents. Only names
// on the allowlist are ever forwarded.
type EnvSource interface {
	Values(ctx context.Context) (map[string]string, error)
}

// Input is the JSON document written to the agent's stdin.
type Input struct {
	Prompt          string `json:"prompt"`
	RoomFolder      string `json:"roomFolder"`
	ChatRef         string `json:"chatRef"`
	IsMain          bool   `json:"isMain"`
	SessionToken    string `json:"sessionToken,omitempty"`
	IsScheduledTask bool   `json:"isScheduledTask"`
}

// RunnerConfig configures a Runner.
type RunnerConfig struct {
	Command       []string // Agent entrypoint inside the sandbox.
	Timeout       time.Duration
	MaxConcurrent int
	EnvAllowlist  []string
	StderrLimit   int // Bytes of stderr kept for failure diagnostics.
	Limits        ResourceLimits
}

// Runner executes agent invocations. Runs for the same room are serialized;
// runs across rooms are bounded by a global ceiling.
type Runner struct {
	sbx     Sandbox
	cfg     RunnerConfig
	env     EnvSource
	sem     *semaphore.Weighted
	metrics *Metrics
	logger  *slog.Logger

	mu    sync.Mutex
	rooms map[string]chan struct{}
}

// NewRunner creates a Runner. env and metrics may be nil.
func NewRunner(sbx Sandbox, cfg RunnerConfig, env EnvSource, metrics *Metrics, logger *slog.Logger) *Runner {
	cfg.MaxConcurrent = cmp.Or(cfg.MaxConcurrent, defaultMaxConcurrent)
	cfg.StderrLimit = cmp.Or(cfg.StderrLimit, defaultStderrLimit)
	cfg.Timeout = cmp.Or(cfg.Timeout, defaultTimeout)
	if cfg.EnvAllowlist == nil {
		cfg.EnvAllowlist = DefaultEnvAllowlist
	}
	return &Runner{
		sbx:     sbx,
		cfg:     cfg,
		env:     env,
		sem:     semaphore.NewWeighted(int64(cfg.MaxConcurrent)),
		metrics: metrics,
		logger:  logger,
		rooms:   make(map[string]chan struct{}),
	}
}

// Run executes one invocation and always returns an Output; failures are
// reported through Status, Error and Kind.
func (r *Runner) Run(ctx context.Context, in Input, ms []mounts.Mount) Output {
	if r.metrics != nil {
		r.metrics.Waiting.Inc()
	}
	release, err := r.acquire(ctx, in.RoomFolder)
	if r.metrics != nil {
		r.metrics.Waiting.Dec()
	}
	if err != nil {
		return r.record(failure(domain.KindRuntime, "cancelled before start", err.Error()), 0)
	}
	defer release()

	if r.metrics != nil {
		r.metrics.Active.Inc()
		defer r.metrics.Active.Dec()
	}

	stdin, err := json.Marshal(in)
	if err != nil {
		return r.record(failure(domain.KindRuntime, "encoding input", err.Error()), 0)
	}

	env, err := r.buildEnv(ctx, in)
	if err != nil {
		return r.record(failure(domain.KindConfiguration, "resolving agent environment", err.Error()), 0)
	}

	r.logger.Info("agent run starting",
		slog.String("room", in.RoomFolder),
		slog.Bool("scheduled", in.IsScheduledTask),
		slog.Bool("resume", in.SessionToken != ""),
	)

	start := time.Now()
	res, err := r.sbx.Execute(ctx, ExecutionRequest{
		Command:    r.cfg.Command,
		Label:      in.RoomFolder,
		WorkingDir: mounts.WorkspaceRoot + "/group",
		Env:        env,
		Stdin:      stdin,
		Mounts:     ms,
		Timeout:    r.cfg.Timeout,
		Limits:     r.cfg.Limits,
	})
	out := r.interpret(res, err)

	r.logger.Info("agent run finished",
		slog.String("room", in.RoomFolder),
		slog.String("status", out.Status),
		slog.String("kind", string(out.Kind)),
		slog.Duration("duration", time.Since(start)),
	)
	return r.record(out, time.Since(start))
}

func (r *Runner) interpret(res *ExecutionResult, err error) Output {
	var stderr string
	if res != nil {
		stderr = tail(res.Stderr, r.cfg.StderrLimit)
	}
	if err != nil {
		if errors.Is(err, ErrTimeout) {
			return failure(domain.KindTimeout, "timeout", stderr)
		}
		return failure(domain.KindRuntime, err.Error(), stderr)
	}

	out, diag, perr := ParseOutput(res.Stdout)
	if perr != nil {
		if res.ExitCode != 0 {
			return failure(domain.KindRuntime, "agent exited with code "+strconv.Itoa(res.ExitCode), stderr)
		}
		msg := perr.Error()
		if res.Truncated {
			msg += " (output truncated)"
		}
		return failure(domain.KindParse, msg, tail(diag+stderr, r.cfg.StderrLimit))
	}
	if !out.OK() {
		out.Kind = domain.KindRuntime
		out.Diagnostic = stderr
	}
	return out
}

func (r *Runner) record(out Output, d time.Duration) Output {
	if r.metrics != nil {
		outcome := "ok"
		if !out.OK() {
			outcome = string(out.Kind)
		}
		r.metrics.Runs.WithLabelValues(outcome).Inc()
		if d > 0 {
			r.metrics.RunDuration.Observe(d.Seconds())
		}
	}
	return out
}

// acquire takes the room lock, then a global slot.
func (r *Runner) acquire(ctx context.Context, room string) (func(), error) {
	r.mu.Lock()
	lock, ok := r.rooms[room]
	if !ok {
		lock = make(chan struct{}, 1)
		r.rooms[room] = lock
	}
	r.mu.Unlock()

	select {
	case lock <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if err := r.sem.Acquire(ctx, 1); err != nil {
		<-lock
		return nil, err
	}
	return func() {
		r.sem.Release(1)
		<-lock
	}, nil
}

func (r *Runner) buildEnv(ctx context.Context, in Input) (map[string]string, error) {
	env := map[string]string{
		"KIBANDA_IPC_DIR": mounts.WorkspaceRoot + "/ipc",
		"KIBANDA_ROOM":    in.RoomFolder,
		"KIBANDA_IS_MAIN": strconv.FormatBool(in.IsMain),
	}
	if r.env == nil {
		return env, nil
	}
	vals, err := r.env.Values(ctx)
	if err != nil {
		return nil, err
	}
	for k, v := range FilterEnv(vals, r.cfg.EnvAllowlist) {
		env[k] = v
	}
	return env, nil
}

// FilterEnv returns the entries of vals whose names match the allowlist.
func FilterEnv(vals map[string]string, allowlist []string) map[string]string {
	out := make(map[string]string)
	for k, v := range vals {
		if envAllowed(k, allowlist) {
			out[k] = v
		}
	}
	return out
}

func envAllowed(name string, allowlist []string) bool {
	for _, a := range allowlist {
		if prefix, ok := strings.CutSuffix(a, "*"); ok {
			if strings.HasPrefix(name, prefix) {
				return true
			}
			continue
		}
		if name == a {
			return true
		}
	}
	return false
}

func failure(kind domain.ErrorKind, msg, diag string) Output {
	return Output{Status: StatusError, Error: msg, Kind: kind, Diagnostic: diag}
}

// tail keeps the last n bytes of s.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return fmt.Sprintf("...[%d bytes truncated]\n%s", len(s)-n, s[len(s)-n:])
}
