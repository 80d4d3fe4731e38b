package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"syscall"
	"time"

	"golang.org/x/sys/unix"
)

const (
	// maxOutputBytes caps stdout to prevent OOM from chatty agents.
	maxOutputBytes = 10 << 20 // 10 MB
	// maxStderrBytes caps diagnostics kept in memory.
	maxStderrBytes = 1 << 20

	defaultTimeout    = 5 * time.Minute
	defaultCPUSeconds = 600
	defaultMemoryMB   = 1024

	// waitDelay bounds how long Wait blocks on pipes held open by
	// descendants after the main process exited.
	waitDelay = 2 * time.Second
)

// runGrouped runs cmd in its own process group. On timeout or cancellation
// the whole group gets SIGKILL, and any stragglers are killed once the
// leader exits.
func runGrouped(ctx context.Context, cmd *exec.Cmd, stdin []byte, timeout time.Duration) (*ExecutionResult, error) {
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	cmd.Cancel = func() error {
		if cmd.Process == nil {
			return nil
		}
		return killGroup(cmd.Process.Pid)
	}
	cmd.WaitDelay = waitDelay

	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdoutBuf, stderrBuf bytes.Buffer
	stdout := &limitedWriter{w: &stdoutBuf, remaining: maxOutputBytes}
	cmd.Stdout = stdout
	cmd.Stderr = &limitedWriter{w: &stderrBuf, remaining: maxStderrBytes}

	start := time.Now()
	runErr := cmd.Run()
	duration := time.Since(start)

	if cmd.Process != nil {
		_ = killGroup(cmd.Process.Pid)
	}

	result := &ExecutionResult{
		Stdout:    stdoutBuf.String(),
		Stderr:    stderrBuf.String(),
		Duration:  duration,
		Truncated: stdout.truncated,
	}

	if runErr != nil {
		if ctx.Err() != nil {
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return result, fmt.Errorf("%w after %s", ErrTimeout, timeout)
			}
			return result, ctx.Err()
		}
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			result.ExitCode = exitErr.ExitCode()
			return result, nil
		}
		if errors.Is(runErr, exec.ErrWaitDelay) {
			return result, nil
		}
		return nil, fmt.Errorf("execution failed: %w", runErr)
	}
	return result, nil
}

// runLogged is runGrouped with the log lines every backend emits. attrs
// identify the backend and invocation.
func runLogged(ctx context.Context, logger *slog.Logger, cmd *exec.Cmd, req ExecutionRequest, timeout time.Duration, attrs ...any) (*ExecutionResult, error) {
	log := logger.With(attrs...)
	if req.Label != "" {
		log = log.With(slog.String("label", req.Label))
	}
	log.Debug("sandbox starting",
		slog.Any("command", req.Command),
		slog.Int("mounts", len(req.Mounts)),
		slog.Duration("timeout", timeout),
	)
	res, err := runGrouped(ctx, cmd, req.Stdin, timeout)
	if err != nil {
		log.Warn("sandbox execution failed", slog.String("error", err.Error()))
		return res, err
	}
	log.Debug("sandbox execution finished",
		slog.Int("exit_code", res.ExitCode),
		slog.Duration("duration", res.Duration),
		slog.Int("stdout_bytes", len(res.Stdout)),
		slog.Bool("truncated", res.Truncated),
	)
	return res, nil
}

// killGroup sends SIGKILL to the process group led by pid.
func killGroup(pid int) error {
	err := unix.Kill(-pid, unix.SIGKILL)
	if errors.Is(err, unix.ESRCH) {
		return nil
	}
	return err
}

// limitedWriter wraps a writer and stops writing after a byte limit.
// Excess data is discarded, not reported as a write error.
type limitedWriter struct {
	w         io.Writer
	remaining int
	truncated bool
}

func (lw *limitedWriter) Write(p []byte) (int, error) {
	n := len(p)
	if lw.remaining <= 0 {
		lw.truncated = lw.truncated || n > 0
		return n, nil
	}
	if len(p) > lw.remaining {
		p = p[:lw.remaining]
		lw.truncated = true
	}
	written, err := lw.w.Write(p)
	lw.remaining -= written
	if err != nil {
		return written, err
	}
	return n, nil
}
