package gateway

import (
	"context"
	"errors"
	"testing"
)

type recorder struct {
	got       []string
	refreshed int
}

func (r *recorder) Deliver(_ context.Context, chatRef, text string) error {
	r.got = append(r.got, chatRef+":"+text)
	return nil
}

func (r *recorder) RefreshRooms(context.Context) error {
	r.refreshed++
	return nil
}

func TestMux_Routes(t *testing.T) {
	ctx := context.Background()
	m := NewMux()

	if err := m.Deliver(ctx, "x", "hi"); !errors.Is(err, ErrNoRoute) {
		t.Fatalf("Deliver without routes = %v, want ErrNoRoute", err)
	}
	if err := m.RefreshRooms(ctx); err != nil {
		t.Fatalf("RefreshRooms without fallback = %v", err)
	}

	cli, bridge := &recorder{}, &recorder{}
	m.Handle("cli", cli)
	m.Fallback(bridge)

	_ = m.Deliver(ctx, "cli", "a")
	_ = m.Deliver(ctx, "team@chat", "b")
	if len(cli.got) != 1 || cli.got[0] != "cli:a" {
		t.Errorf("cli got %v", cli.got)
	}
	if len(bridge.got) != 1 || bridge.got[0] != "team@chat:b" {
		t.Errorf("bridge got %v", bridge.got)
	}

	if err := m.RefreshRooms(ctx); err != nil || bridge.refreshed != 1 {
		t.Errorf("RefreshRooms = %v, refreshed %d", err, bridge.refreshed)
	}
}
