package main

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/jkaninda/kibanda/internal/config"
	"github.com/jkaninda/kibanda/internal/rooms"
)

func TestMainChatRef(t *testing.T) {
	tests := []struct {
		name string
		cfg  config.Config
		want string
	}{
		{
			name: "configured main wins",
			cfg:  config.Config{Rooms: config.RoomsConfig{MainChatRef: "120363@g.us"}},
			want: "120363@g.us",
		},
		{
			name: "terminal by default",
			want: "cli",
		},
		{
			name: "custom terminal ref",
			cfg: config.Config{Gateways: config.GatewaysConfig{
				CLI: &config.CLIGatewayConfig{Enabled: true, ChatRef: "desk"},
			}},
			want: "desk",
		},
		{
			name: "no main without terminal",
			cfg: config.Config{Gateways: config.GatewaysConfig{
				WebSocket: &config.WebSocketGatewayConfig{Enabled: true},
			}},
			want: "",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := mainChatRef(&tt.cfg); got != tt.want {
				t.Errorf("mainChatRef() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEnsureCLIRoom(t *testing.T) {
	ctx := context.Background()
	reg := rooms.NewRegistry(rooms.NewMemStore(), rooms.Config{}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	for range 2 {
		if err := ensureCLIRoom(ctx, reg, "cli"); err != nil {
			t.Fatalf("ensureCLIRoom: %v", err)
		}
	}
	room, err := reg.ByChatRef(ctx, "cli")
	if err != nil {
		t.Fatalf("ByChatRef: %v", err)
	}
	if room.IsMain || room.NeedsTrigger() {
		t.Errorf("terminal room = %+v, want non-main without trigger", room)
	}
}

func TestTruncate(t *testing.T) {
	if got := truncate("short", 10); got != "short" {
		t.Errorf("truncate short = %q", got)
	}
	if got := truncate("ünïcödé text here", 8); got != "ünïcö..." {
		t.Errorf("truncate long = %q", got)
	}
}
