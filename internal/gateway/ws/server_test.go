package ws

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/kibanda/internal/config"
	"github.com/jkaninda/kibanda/internal/domain"
	"github.com/jkaninda/kibanda/internal/orchestrator"
	"github.com/jkaninda/kibanda/internal/protocol"
)

type fakeHandler struct {
	mu  sync.Mutex
	got []orchestrator.Inbound
	err error
}

func (h *fakeHandler) HandleInbound(_ context.Context, msg orchestrator.Inbound) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.got = append(h.got, msg)
	return h.err
}

type fakeRooms struct {
	mu    sync.Mutex
	rooms map[string]*domain.Room
}

func (f *fakeRooms) ByChatRef(_ context.Context, chatRef string) (*domain.Room, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.rooms[chatRef]
	if !ok {
		return nil, domain.ErrNotFound
	}
	cp := *r
	return &cp, nil
}

func (f *fakeRooms) Update(_ context.Context, room *domain.Room) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.rooms[room.ChatRef] = room
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

const testToken = "bridge-secret"

func newTestServer(t *testing.T, h InboundHandler, rooms RoomDirectory) (*Server, string) {
	t.Helper()
	s := NewServer(&config.WebSocketGatewayConfig{
		BridgeToken:           testToken,
		DeliverTimeoutSeconds: 2,
	}, h, rooms, "Andy", testLogger())
	hs := httptest.NewServer(s.Handler())
	t.Cleanup(hs.Close)
	return s, "ws" + strings.TrimPrefix(hs.URL, "http")
}

// dialBridge connects and completes the hello handshake.
func dialBridge(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{protocol.Subprotocol},
		HTTPHeader:   http.Header{"Authorization": []string{"Bearer " + testToken}},
	})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	hello, _ := protocol.NewEnvelope(protocol.MsgHello, protocol.HelloPayload{Bridge: "test"})
	send(t, conn, hello)
	if env := recv(t, conn); env.Type != protocol.MsgWelcome {
		t.Fatalf("got %s, want %s", env.Type, protocol.MsgWelcome)
	}
	return conn
}

func send(t *testing.T, conn *websocket.Conn, env *protocol.Envelope) {
	t.Helper()
	data, _ := json.Marshal(env)
	if err := conn.Write(context.Background(), websocket.MessageText, data); err != nil {
		t.Fatalf("Write: %v", err)
	}
}

func recv(t *testing.T, conn *websocket.Conn) *protocol.Envelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("Read: %v", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("Unmarshal: %v", err)
	}
	return &env
}

func TestServer_RejectsBadToken(t *testing.T) {
	_, url := newTestServer(t, &fakeHandler{}, nil)
	_, resp, err := websocket.Dial(context.Background(), url+"?token=wrong", nil)
	if err == nil {
		t.Fatal("expected dial to fail")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("status = %v, want 401", resp)
	}
}

func TestServer_Inbound(t *testing.T) {
	h := &fakeHandler{}
	_, url := newTestServer(t, h, nil)
	conn := dialBridge(t, url)

	in, _ := protocol.NewEnvelope(protocol.MsgInbound, protocol.InboundPayload{
		EventID: "evt-1",
		ChatRef: "team@chat",
		Sender:  "alice",
		Text:    "@Andy hi",
	})
	send(t, conn, in)

	ack := recv(t, conn)
	if ack.Type != protocol.MsgAck || ack.ReplyTo != in.ID {
		t.Fatalf("got %+v, want ack for %s", ack, in.ID)
	}
	var p protocol.AckPayload
	_ = ack.Decode(&p)
	if !p.OK {
		t.Errorf("ack not ok: %s", p.Error)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.got) != 1 || h.got[0].ID != "evt-1" || h.got[0].ChatRef != "team@chat" {
		t.Errorf("handler got %+v", h.got)
	}
}

func TestServer_InboundRejected(t *testing.T) {
	h := &fakeHandler{err: orchestrator.ErrRoomBusy}
	_, url := newTestServer(t, h, nil)
	conn := dialBridge(t, url)

	in, _ := protocol.NewEnvelope(protocol.MsgInbound, protocol.InboundPayload{ChatRef: "c", Text: "x"})
	send(t, conn, in)

	var p protocol.AckPayload
	_ = recv(t, conn).Decode(&p)
	if p.OK || p.Error != orchestrator.ErrRoomBusy.Error() {
		t.Errorf("ack = %+v, want busy rejection", p)
	}
}

func TestServer_Deliver(t *testing.T) {
	s, url := newTestServer(t, &fakeHandler{}, nil)

	if err := s.Deliver(context.Background(), "c", "x"); !errors.Is(err, ErrNotConnected) {
		t.Fatalf("Deliver without bridge = %v, want ErrNotConnected", err)
	}

	conn := dialBridge(t, url)
	done := make(chan error, 1)
	go func() { done <- s.Deliver(context.Background(), "team@chat", "hello") }()

	env := recv(t, conn)
	if env.Type != protocol.MsgDeliver {
		t.Fatalf("got %s, want %s", env.Type, protocol.MsgDeliver)
	}
	var p protocol.DeliverPayload
	_ = env.Decode(&p)
	if p.ChatRef != "team@chat" || p.Text != "hello" {
		t.Errorf("payload = %+v", p)
	}
	send(t, conn, protocol.NewAck(env.ID, nil))

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Deliver: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Deliver did not return")
	}
}

func TestServer_DeliverNack(t *testing.T) {
	s, url := newTestServer(t, &fakeHandler{}, nil)
	conn := dialBridge(t, url)

	done := make(chan error, 1)
	go func() { done <- s.Deliver(context.Background(), "gone@chat", "hello") }()

	env := recv(t, conn)
	send(t, conn, protocol.NewAck(env.ID, errors.New("chat not found")))

	if err := <-done; !errors.Is(err, ErrRejected) {
		t.Errorf("Deliver = %v, want ErrRejected", err)
	}
}

func TestServer_RoomsRefreshAndUpdate(t *testing.T) {
	rooms := &fakeRooms{rooms: map[string]*domain.Room{
		"team@chat": {Folder: "team", ChatRef: "team@chat", Name: "Old"},
	}}
	s, url := newTestServer(t, &fakeHandler{}, rooms)
	conn := dialBridge(t, url)

	done := make(chan error, 1)
	go func() { done <- s.RefreshRooms(context.Background()) }()

	req := recv(t, conn)
	if req.Type != protocol.MsgRoomsRefresh {
		t.Fatalf("got %s, want %s", req.Type, protocol.MsgRoomsRefresh)
	}
	send(t, conn, protocol.NewAck(req.ID, nil))
	if err := <-done; err != nil {
		t.Fatalf("RefreshRooms: %v", err)
	}

	upd, _ := protocol.NewEnvelope(protocol.MsgRoomsUpdate, protocol.RoomsUpdatePayload{Chats: []protocol.ChatInfo{
		{ChatRef: "team@chat", Name: "New"},
		{ChatRef: "unknown@chat", Name: "Ignored"},
	}})
	send(t, conn, upd)
	if ack := recv(t, conn); ack.ReplyTo != upd.ID {
		t.Fatalf("got %+v, want ack for update", ack)
	}

	room, _ := rooms.ByChatRef(context.Background(), "team@chat")
	if room.Name != "New" {
		t.Errorf("room name = %q, want New", room.Name)
	}
}
