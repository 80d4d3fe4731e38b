// Package gateway defines the interface for user-facing entry points and
// routes outbound room messages to the gateway that owns each chat.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
)

// ErrNoRoute is returned when no gateway can deliver to a chat.
var ErrNoRoute = errors.New("no gateway for chat")

// Gateway is a user-facing interface (CLI, HTTP, chat bridge).
type Gateway interface {
	// Start launches the gateway's event loop and blocks until the gateway
	// exits or the context is canceled. Returns an error only on failure.
	Start(ctx context.Context) error

	// Stop performs graceful shutdown. The context carries a deadline
	// for the grace period. In-flight requests should drain before returning.
	Stop(ctx context.Context) error
}

// Deliverer posts text to a chat.
type Deliverer interface {
	Deliver(ctx context.Context, chatRef, text string) error
}

// Refresher resyncs chat metadata.
type Refresher interface {
	RefreshRooms(ctx context.Context) error
}

// Mux routes deliveries by chat reference. Chats claimed with Handle go to
// their gateway; everything else goes to the fallback (the chat bridge).
type Mux struct {
	mu       sync.RWMutex
	routes   map[string]Deliverer
	fallback Deliverer
}

// NewMux creates an empty Mux.
func NewMux() *Mux {
	return &Mux{routes: make(map[string]Deliverer)}
}

// Handle routes chatRef to d.
func (m *Mux) Handle(chatRef string, d Deliverer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.routes[chatRef] = d
}

// Fallback sets the deliverer for unclaimed chats.
func (m *Mux) Fallback(d Deliverer) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.fallback = d
}

func (m *Mux) Deliver(ctx context.Context, chatRef, text string) error {
	m.mu.RLock()
	d, ok := m.routes[chatRef]
	if !ok {
		d = m.fallback
	}
	m.mu.RUnlock()

	if d == nil {
		return fmt.Errorf("%w %q", ErrNoRoute, chatRef)
	}
	return d.Deliver(ctx, chatRef, text)
}

// RefreshRooms asks the fallback to resync when it supports it.
func (m *Mux) RefreshRooms(ctx context.Context) error {
	m.mu.RLock()
	r, ok := m.fallback.(Refresher)
	m.mu.RUnlock()
	if !ok {
		return nil
	}
	return r.RefreshRooms(ctx)
}
