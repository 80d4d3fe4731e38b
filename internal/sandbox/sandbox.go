// Package sandbox runs agent invocations in isolated processes.
// Every invocation gets its own process (or container) with only the
// validated mounts and the allowlisted environment.
package sandbox

import (
	"context"
	"errors"
	"time"

	"github.com/jkaninda/kibanda/internal/mounts"
)

// ErrTimeout is returned by Execute when the wall-clock limit fired and the
// process tree was killed.
var ErrTimeout = errors.New("execution timed out")

var errEmptyCommand = errors.New("empty command")

// Sandbox executes commands in an isolated environment.
type Sandbox interface {
	Execute(ctx context.Context, req ExecutionRequest) (*ExecutionResult, error)
}

// ExecutionRequest defines what to run and under what constraints.
type ExecutionRequest struct {
	// Command is the program and arguments to execute.
	Command []string

	// Label names the invocation in logs and container names, usually the
	// room folder.
	Label string

	// WorkingDir is a path inside the sandbox. Empty = backend default.
	WorkingDir string

	// Env is the complete environment visible to the process on top of the
	// backend's fixed PATH/HOME. Nothing is inherited from the host.
	Env map[string]string

	// Stdin is written to the process and then closed.
	Stdin []byte

	// Mounts are the host → sandbox bindings, already validated.
	Mounts []mounts.Mount

	// Timeout overrides the sandbox default. Zero = use default.
	Timeout time.Duration

	// Limits overrides resource limits. Zero values = use sandbox defaults.
	Limits ResourceLimits
}

// ResourceLimits constrains the sandboxed process.
type ResourceLimits struct {
	MaxCPUSeconds int // CPU time limit (ulimit -t).
	MaxMemoryMB   int // Memory limit in MB.
}

// or fills unset fields of l from def.
func (l ResourceLimits) or(def ResourceLimits) ResourceLimits {
	if l.MaxCPUSeconds <= 0 {
		l.MaxCPUSeconds = def.MaxCPUSeconds
	}
	if l.MaxMemoryMB <= 0 {
		l.MaxMemoryMB = def.MaxMemoryMB
	}
	return l
}

// ExecutionResult captures the outcome of a sandboxed command.
type ExecutionResult struct {
	Stdout    string
	Stderr    string
	ExitCode  int
	Duration  time.Duration
	Truncated bool // stdout hit the output cap.
}
