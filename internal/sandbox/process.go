package sandbox

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strings"
	"time"

	"github.com/jkaninda/kibanda/internal/mounts"
)

// ulimitPrelude applies memory (KiB) and CPU-seconds limits, then execs the
// real command from "$@" so it never passes through the shell parser.
const ulimitPrelude = `ulimit -v %d 2>/dev/null; ulimit -t %d 2>/dev/null; exec "$@"`

// ProcessConfig configures the process-based sandbox.
type ProcessConfig struct {
	DefaultTimeout time.Duration
	DefaultLimits  ResourceLimits
}

// ProcessSandbox runs the agent directly on the host for development and
// CI. Mounts are not enforced: container paths in the working directory and
// environment are rewritten to their host locations. Each run still gets a
// throwaway HOME, its own process group, an empty inherited environment and
// ulimit caps.
type ProcessSandbox struct {
	timeout time.Duration
	limits  ResourceLimits
	logger  *slog.Logger
}

func NewProcessSandbox(cfg ProcessConfig, logger *slog.Logger) *ProcessSandbox {
	return &ProcessSandbox{
		timeout: cmp.Or(cfg.DefaultTimeout, defaultTimeout),
		limits:  cfg.DefaultLimits.or(ResourceLimits{MaxCPUSeconds: defaultCPUSeconds, MaxMemoryMB: defaultMemoryMB}),
		logger:  logger,
	}
}

func (s *ProcessSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 {
		return nil, errEmptyCommand
	}
	timeout := cmp.Or(req.Timeout, s.timeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	home, err := os.MkdirTemp("", "kibanda-home-*")
	if err != nil {
		return nil, fmt.Errorf("creating scratch home: %w", err)
	}
	defer func() {
		if err := os.RemoveAll(home); err != nil {
			s.logger.Warn("removing scratch home", slog.String("dir", home), slog.String("error", err.Error()))
		}
	}()

	limits := req.Limits.or(s.limits)
	args := append([]string{"-c", fmt.Sprintf(ulimitPrelude, limits.MaxMemoryMB*1024, limits.MaxCPUSeconds), "_"}, req.Command...)
	cmd := exec.CommandContext(ctx, "/bin/sh", args...)
	cmd.Dir = home
	if dir := hostPath(req.Mounts, req.WorkingDir); req.WorkingDir != "" && isDir(dir) {
		cmd.Dir = dir
	}
	cmd.Env = processEnv(home, req.Mounts, req.Env)

	return runLogged(ctx, s.logger, cmd, req, timeout,
		slog.String("backend", "process"),
		slog.String("dir", cmd.Dir),
		slog.Int("memory_mb", limits.MaxMemoryMB),
	)
}

// processEnv is the complete child environment. Only PATH comes from the
// host; values naming sandbox paths are rewritten to host paths.
func processEnv(home string, ms []mounts.Mount, extra map[string]string) []string {
	env := []string{
		"PATH=" + cmp.Or(os.Getenv("PATH"), "/usr/local/bin:/usr/bin:/bin"),
		"HOME=" + home,
		"TMPDIR=" + home,
		"TERM=dumb",
	}
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		env = append(env, k+"="+hostPath(ms, extra[k]))
	}
	return env
}

// hostPath maps a sandbox path through the longest mount prefix covering
// it. Paths outside every mount come back unchanged.
func hostPath(ms []mounts.Mount, p string) string {
	var match *mounts.Mount
	for i := range ms {
		m := &ms[i]
		if p != m.ContainerPath && !strings.HasPrefix(p, m.ContainerPath+"/") {
			continue
		}
		if match == nil || len(m.ContainerPath) > len(match.ContainerPath) {
			match = m
		}
	}
	if match == nil {
		return p
	}
	return match.HostPath + p[len(match.ContainerPath):]
}

func isDir(p string) bool {
	fi, err := os.Stat(p)
	return err == nil && fi.IsDir()
}
