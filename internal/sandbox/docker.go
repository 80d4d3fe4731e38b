package sandbox

import (
	"bytes"
	"cmp"
	"context"
	"log/slog"
	"maps"
	"os"
	"os/exec"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	defaultDockerPIDsLimit = 256
	defaultDockerCPUCores  = 1.0
	defaultDockerImage     = "kibanda-agent:latest"
	defaultDockerUser      = "1000:1000"

	containerRemoveTimeout = 5 * time.Second
)

// DockerConfig configures the Docker-based sandbox.
type DockerConfig struct {
	Binary         string        // Container CLI, "docker" or a compatible one.
	Image          string        // Agent image.
	User           string        // --user; the image's agent user by default.
	DefaultTimeout time.Duration // Wall-clock timeout per execution.
	MemoryMB       int           // --memory hard limit.
	CPUCores       float64       // --cpus rate limit (e.g. 0.5 = half a core).
	PIDsLimit      int           // --pids-limit.
	NetworkAllowed bool          // false = --network=none.
}

// DockerSandbox starts one throwaway container per invocation: no
// capabilities, no privilege escalation, a read-only root with tmpfs
// scratch, and only the validated mounts bound in.
type DockerSandbox struct {
	config DockerConfig
	logger *slog.Logger
}

func NewDockerSandbox(cfg DockerConfig, logger *slog.Logger) *DockerSandbox {
	cfg.Binary = cmp.Or(cfg.Binary, "docker")
	cfg.Image = cmp.Or(cfg.Image, defaultDockerImage)
	cfg.User = cmp.Or(cfg.User, defaultDockerUser)
	cfg.DefaultTimeout = cmp.Or(cfg.DefaultTimeout, defaultTimeout)
	cfg.MemoryMB = cmp.Or(cfg.MemoryMB, defaultMemoryMB)
	cfg.CPUCores = cmp.Or(max(cfg.CPUCores, 0), defaultDockerCPUCores)
	cfg.PIDsLimit = cmp.Or(max(cfg.PIDsLimit, 0), defaultDockerPIDsLimit)
	return &DockerSandbox{config: cfg, logger: logger}
}

// Execute runs the command with "docker run -i" and feeds Stdin to it. The
// container is force-removed afterwards since killing the client does not
// always stop it.
func (s *DockerSandbox) Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error) {
	if len(req.Command) == 0 {
		return nil, errEmptyCommand
	}
	timeout := cmp.Or(req.Timeout, s.config.DefaultTimeout)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	name := containerName(req.Label)
	args := append(s.buildDockerArgs(name, req), req.Command...)
	cmd := exec.CommandContext(ctx, s.config.Binary, args...)
	cmd.Env = dockerClientEnv(req.Env)
	defer s.remove(name)

	return runLogged(ctx, s.logger, cmd, req, timeout,
		slog.String("backend", "docker"),
		slog.String("container", name),
		slog.String("image", s.config.Image),
	)
}

// buildDockerArgs returns everything up to and including the image; the
// caller appends the command. Request variables are passed by name only so
// their values never show up in the process table.
func (s *DockerSandbox) buildDockerArgs(name string, req ExecutionRequest) []string {
	mem := strconv.Itoa(cmp.Or(max(req.Limits.MaxMemoryMB, 0), s.config.MemoryMB)) + "m"
	network := "none"
	if s.config.NetworkAllowed {
		network = "bridge"
	}

	args := []string{
		"run", "-i", "--rm", "--name", name,
		"--cap-drop=ALL",
		"--security-opt=no-new-privileges",
		"--read-only",
		"--user=" + s.config.User,
		"--network=" + network,
		"--memory=" + mem,
		"--memory-swap=" + mem,
		"--cpus=" + strconv.FormatFloat(s.config.CPUCores, 'f', 2, 64),
		"--pids-limit=" + strconv.Itoa(s.config.PIDsLimit),
		"--tmpfs", "/tmp:rw,nosuid,size=256m",
		"--tmpfs", "/home/agent:rw,nosuid,size=256m",
		"--env", "HOME=/home/agent",
		"--env", "TERM=dumb",
	}
	for _, m := range req.Mounts {
		bind := m.HostPath + ":" + m.ContainerPath
		if m.ReadOnly {
			bind += ":ro"
		}
		args = append(args, "-v", bind)
	}
	args = append(args, "--workdir", cmp.Or(req.WorkingDir, "/workspace/group"))
	for _, k := range slices.Sorted(maps.Keys(req.Env)) {
		args = append(args, "--env", k)
	}
	return append(args, s.config.Image)
}

// dockerClientEnv is the CLI's own environment plus the request variables,
// which "--env NAME" then copies into the container.
func dockerClientEnv(extra map[string]string) []string {
	env := os.Environ()
	for _, k := range slices.Sorted(maps.Keys(extra)) {
		env = append(env, k+"="+extra[k])
	}
	return env
}

// remove is the safety net for containers --rm missed (OOM kill, daemon
// restart, cancel race).
func (s *DockerSandbox) remove(name string) {
	ctx, cancel := context.WithTimeout(context.Background(), containerRemoveTimeout)
	defer cancel()

	out, err := exec.CommandContext(ctx, s.config.Binary, "rm", "-f", name).CombinedOutput()
	if err != nil && !bytes.Contains(out, []byte("No such container")) {
		s.logger.Warn("removing container",
			slog.String("container", name),
			slog.String("error", err.Error()),
			slog.String("output", strings.TrimSpace(string(out))),
		)
	}
}

// containerName is kibanda-<label>-<8 hex>, with the label reduced to
// characters docker accepts so operators can spot a room's container.
func containerName(label string) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	clean := strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r >= 'A' && r <= 'Z':
			return r + ('a' - 'A')
		}
		return -1
	}, label)
	if clean == "" {
		return "kibanda-" + suffix
	}
	return "kibanda-" + clean + "-" + suffix
}
