package sandbox

import (
	"cmp"
	"context"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"time"
)

// systemROBinds are host directories exposed read-only so the agent's
// runtime can execute. Missing ones are skipped (--ro-bind-try).
var systemROBinds = []string{
	"/usr",
	"/bin",
	"/sbin",
	"/lib",
	"/lib64",
	"/etc/alternatives",
	"/etc/ssl",
	"/etc/ca-certificates",
	"/etc/resolv.conf",
	"/etc/hosts",
	"/etc/localtime",
	"/opt",
}

// BwrapConfig configures the bubblewrap sandbox.
type BwrapConfig struct {
	Path           string // bwrap binary; "bwrap" from PATH by default.
	DefaultTimeout time.Duration
	NetworkAllowed bool
}

// BwrapSandbox runs each invocation inside fresh Linux namespaces via
// bubblewrap. Only system directories and the validated mounts are visible.
type BwrapSandbox struct {
	config BwrapConfig
	logger *slog.Logger
}

// NewBwrapSandbox creates a bubblewrap sandbox.
func NewBwrapSandbox(cfg BwrapConfig, logger *slog.Logger) *BwrapSandbox {
	cfg.Path = cmp.Or(cfg.Path, "bwrap")
	cfg.DefaultTimeout = cmp.Or(cfg.DefaultTimeout, defaultTimeout)
	return &BwrapSandbox{config: cfg, logger: logger}
}

// Execute runs the command under bwrap.
func (s *BwrapSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 {
		return nil, errEmptyCommand
	}
	timeout := cmp.Or(req.Timeout, s.config.DefaultTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(ctx, s.config.Path, s.buildArgs(req)...)
	cmd.Env = bwrapEnv(req.Env)
	return runLogged(ctx, s.logger, cmd, req, timeout, slog.String("backend", "bwrap"))
}

func (s *BwrapSandbox) buildArgs(req ExecutionRequest) []string {
	args := []string{
		"--unshare-pid",
		"--unshare-ipc",
		"--unshare-uts",
		"--unshare-cgroup-try",
	}
	if !s.config.NetworkAllowed {
		args = append(args, "--unshare-net")
	}
	args = append(args, "--new-session", "--die-with-parent")

	for _, p := range systemROBinds {
		if _, err := os.Lstat(p); err != nil {
			continue
		}
		args = append(args, "--ro-bind-try", p, p)
	}
	args = append(args,
		"--proc", "/proc",
		"--dev", "/dev",
		"--tmpfs", "/tmp",
		"--tmpfs", "/home/agent",
		"--dir", "/workspace",
	)

	for _, m := range req.Mounts {
		flag := "--bind"
		if m.ReadOnly {
			flag = "--ro-bind"
		}
		args = append(args, flag, m.HostPath, m.ContainerPath)
	}

	args = append(args, "--chdir", cmp.Or(req.WorkingDir, "/workspace/group"), "--")
	return append(args, req.Command...)
}

// bwrapEnv is the complete environment of bwrap, inherited by the sandboxed
// command. Values never appear in argv.
func bwrapEnv(extra map[string]string) []string {
	env := []string{
		"HOME=/home/agent",
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"TERM=dumb",
	}
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		env = append(env, k+"="+extra[k])
	}
	return env
}
