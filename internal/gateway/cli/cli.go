// Package cli implements an interactive terminal gateway. The terminal acts
// as one direct room: every line is an inbound message and replies are
// printed as they are delivered.
package cli

import (
	"bufio"
	"cmp"
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/kibanda/internal/gateway"
	"github.com/jkaninda/kibanda/internal/orchestrator"
)

const (
	defaultChatRef = "cli"
	prompt         = "kibanda> "
)

// InboundHandler receives terminal input. *orchestrator.Orchestrator implements it.
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg orchestrator.Inbound) error
}

var (
	_ gateway.Gateway   = (*Gateway)(nil)
	_ gateway.Deliverer = (*Gateway)(nil)
)

// Config configures the CLI gateway.
type Config struct {
	ChatRef   string
	Sender    string
	Assistant string
	In        io.Reader // Default: os.Stdin.
	Out       io.Writer // Default: os.Stdout.
}

// Gateway is the interactive command-line interface.
type Gateway struct {
	cfg     Config
	handler InboundHandler
	logger  *slog.Logger
	done    chan struct{} // closed by Stop to signal shutdown

	mu sync.Mutex // Serializes writes to Out.
}

// NewGateway creates a CLI gateway feeding handler.
func NewGateway(cfg Config, handler InboundHandler, logger *slog.Logger) *Gateway {
	cfg.ChatRef = cmp.Or(cfg.ChatRef, defaultChatRef)
	cfg.Sender = cmp.Or(cfg.Sender, os.Getenv("USER"), "you")
	cfg.Assistant = cmp.Or(cfg.Assistant, "kibanda")
	if cfg.In == nil {
		cfg.In = os.Stdin
	}
	if cfg.Out == nil {
		cfg.Out = os.Stdout
	}
	return &Gateway{
		cfg:     cfg,
		handler: handler,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// ChatRef is the chat reference of the terminal room.
func (g *Gateway) ChatRef() string { return g.cfg.ChatRef }

// Start runs the interactive REPL. Blocks until ctx is cancelled,
// Stop is called, input ends, or the user types "exit".
func (g *Gateway) Start(ctx context.Context) error {
	scanner := bufio.NewScanner(g.cfg.In)

	g.printf("%s is listening as room %q.\n", g.cfg.Assistant, g.cfg.ChatRef)
	g.printf("Type your message (or \"exit\" to quit).\n\n")

	for {
		g.printf(prompt)

		// Check for context cancellation or Stop signal between prompts.
		select {
		case <-ctx.Done():
			g.printf("\nShutting down.\n")
			return nil
		case <-g.done:
			g.printf("\nShutting down.\n")
			return nil
		default:
		}

		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "exit" || line == "quit" {
			g.printf("Goodbye.\n")
			return nil
		}

		msg := orchestrator.Inbound{
			ID:        newEventID(),
			ChatRef:   g.cfg.ChatRef,
			ChatName:  "terminal",
			Sender:    g.cfg.Sender,
			SenderID:  g.cfg.Sender,
			Text:      line,
			Timestamp: time.Now(),
			Direct:    true,
		}
		g.logger.DebugContext(ctx, "cli message", slog.String("event_id", msg.ID))

		if err := g.handler.HandleInbound(ctx, msg); err != nil {
			// A busy room has already been told through Deliver.
			if errors.Is(err, orchestrator.ErrRoomBusy) {
				continue
			}
			g.logger.ErrorContext(ctx, "cli message rejected",
				slog.String("event_id", msg.ID),
				slog.String("error", err.Error()),
			)
			g.printf("Error: %v\n", err)
		}
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("reading stdin: %w", err)
	}
	return nil
}

// Stop signals the REPL to shut down.
func (g *Gateway) Stop(_ context.Context) error {
	select {
	case <-g.done:
		// Already closed.
	default:
		close(g.done)
	}
	return nil
}

// Deliver prints a message addressed to the terminal room.
func (g *Gateway) Deliver(_ context.Context, chatRef, text string) error {
	if chatRef != g.cfg.ChatRef {
		return fmt.Errorf("%w %q", gateway.ErrNoRoute, chatRef)
	}
	g.printf("\n%s: %s\n\n%s", g.cfg.Assistant, text, prompt)
	return nil
}

func (g *Gateway) printf(format string, args ...any) {
	g.mu.Lock()
	defer g.mu.Unlock()
	fmt.Fprintf(g.cfg.Out, format, args...)
}

// newEventID generates a short random hex ID for deduplication.
func newEventID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return fmt.Sprintf("cli-%x", b)
}
