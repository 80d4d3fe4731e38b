// Package secrets resolves the credentials forwarded into agent sandboxes.
// Sources return candidate name/value pairs; the sandbox runner applies its
// allowlist before anything reaches an agent. Secret values are never logged.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"strings"

	"github.com/joho/godotenv"
)

// ErrSecretNotFound is returned when a configured secret location holds nothing.
var ErrSecretNotFound = errors.New("secret not found")

// Source supplies environment values. Implementations must be safe for
// concurrent use.
type Source interface {
	Values(ctx context.Context) (map[string]string, error)
	// Name identifies the source in logs.
	Name() string
}

// EnvSource reads the host process environment.
type EnvSource struct{}

func (EnvSource) Name() string { return "env" }

func (EnvSource) Values(context.Context) (map[string]string, error) {
	out := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok && k != "" {
			out[k] = v
		}
	}
	return out, nil
}

// FileSource reads a dotenv file on every call, so edits apply to the next
// run without a restart. A missing file yields no values.
type FileSource struct {
	Path string
}

func (s FileSource) Name() string { return "dotenv" }

func (s FileSource) Values(context.Context) (map[string]string, error) {
	vals, err := godotenv.Read(s.Path)
	if errors.Is(err, os.ErrNotExist) {
		return map[string]string{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.Path, err)
	}
	return vals, nil
}

// Chain merges several sources. Later sources override earlier ones.
type Chain struct {
	sources []Source
	logger  *slog.Logger
}

// NewChain creates a Chain over sources, in increasing precedence.
func NewChain(logger *slog.Logger, sources ...Source) *Chain {
	return &Chain{sources: sources, logger: logger}
}

func (c *Chain) Name() string { return "chain" }

// Values merges every source. A failing source aborts the merge so an agent
// never starts with a silently incomplete environment.
func (c *Chain) Values(ctx context.Context) (map[string]string, error) {
	out := make(map[string]string)
	for _, s := range c.sources {
		vals, err := s.Values(ctx)
		if err != nil {
			if c.logger != nil {
				c.logger.WarnContext(ctx, "secret source failed",
					slog.String("source", s.Name()),
					slog.String("error", err.Error()),
				)
			}
			return nil, fmt.Errorf("%s source: %w", s.Name(), err)
		}
		maps.Copy(out, vals)
	}
	return out, nil
}
