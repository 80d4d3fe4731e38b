// Package ws implements the WebSocket server an external chat bridge
// connects to. The bridge pushes inbound chat messages and receives
// deliveries and room refresh requests. One bridge is active at a time;
// a new connection replaces the previous one.
package ws

import (
	"cmp"
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/kibanda/internal/config"
	"github.com/jkaninda/kibanda/internal/domain"
	"github.com/jkaninda/kibanda/internal/gateway"
	"github.com/jkaninda/kibanda/internal/orchestrator"
	"github.com/jkaninda/kibanda/internal/protocol"
)

const (
	defaultListenAddr = ":8081"
	helloTimeout      = 10 * time.Second
)

var (
	// ErrNotConnected is returned when no bridge is connected.
	ErrNotConnected = errors.New("chat bridge not connected")
	// ErrRejected wraps a negative acknowledgement from the bridge.
	ErrRejected = errors.New("chat bridge rejected request")
)

// InboundHandler receives chat messages. *orchestrator.Orchestrator implements it.
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg orchestrator.Inbound) error
}

// RoomDirectory is the part of the room registry the bridge keeps in sync.
type RoomDirectory interface {
	ByChatRef(ctx context.Context, chatRef string) (*domain.Room, error)
	Update(ctx context.Context, room *domain.Room) error
}

var (
	_ gateway.Gateway   = (*Server)(nil)
	_ gateway.Deliverer = (*Server)(nil)
	_ gateway.Refresher = (*Server)(nil)
)

// Server is the chat bridge WebSocket server.
type Server struct {
	cfg       *config.WebSocketGatewayConfig
	handler   InboundHandler
	rooms     RoomDirectory
	assistant string
	logger    *slog.Logger
	acks      *ackWaiter

	mu     sync.Mutex
	bridge *bridgeConn
	srv    *http.Server
}

type bridgeConn struct {
	conn *websocket.Conn
	name string
}

// NewServer creates a bridge server. rooms may be nil.
func NewServer(cfg *config.WebSocketGatewayConfig, handler InboundHandler, rooms RoomDirectory, assistant string, logger *slog.Logger) *Server {
	if cfg == nil {
		cfg = &config.WebSocketGatewayConfig{}
	}
	return &Server{
		cfg:       cfg,
		handler:   handler,
		rooms:     rooms,
		assistant: assistant,
		logger:    logger,
		acks:      newAckWaiter(),
	}
}

// Path returns the URL path the bridge connects to.
func (s *Server) Path() string { return s.cfg.WSPath() }

// Connected reports whether a bridge is connected.
func (s *Server) Connected() bool {
	return s.current() != nil
}

// Start serves the bridge endpoint on its own listener until ctx is done.
// Use Handler instead to mount it on another server.
func (s *Server) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(s.Path(), s.Handler())

	s.mu.Lock()
	s.srv = &http.Server{
		Addr:              cmp.Or(s.cfg.ListenAddr, defaultListenAddr),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	srv := s.srv
	s.mu.Unlock()

	s.logger.Info("chat bridge gateway listening",
		slog.String("addr", srv.Addr),
		slog.String("path", s.Path()),
	)

	errCh := make(chan error, 1)
	go func() { errCh <- srv.ListenAndServe() }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("chat bridge server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.Stop(shutdownCtx)
	}
}

// Stop closes the bridge connection and the standalone listener, if any.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	b, srv := s.bridge, s.srv
	s.bridge = nil
	s.mu.Unlock()

	if b != nil {
		b.conn.Close(websocket.StatusGoingAway, "server shutting down")
	}
	if srv != nil {
		return srv.Shutdown(ctx)
	}
	return nil
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if !s.authorized(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{protocol.Subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	s.handleConnection(r.Context(), conn)
}

func (s *Server) authorized(r *http.Request) bool {
	want := s.cfg.BridgeToken
	if want == "" {
		return true
	}
	token := r.URL.Query().Get("token")
	if token == "" {
		token, _ = strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	}
	return subtle.ConstantTimeCompare([]byte(token), []byte(want)) == 1
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn) {
	b, err := s.waitForHello(ctx, conn)
	if err != nil {
		s.logger.Error("bridge handshake failed", slog.String("error", err.Error()))
		conn.Close(websocket.StatusPolicyViolation, "handshake failed")
		return
	}
	defer func() {
		s.mu.Lock()
		active := s.bridge == b
		if active {
			s.bridge = nil
		}
		s.mu.Unlock()
		if active {
			s.acks.failAll(ErrNotConnected.Error())
		}
		conn.Close(websocket.StatusNormalClosure, "connection closed")
	}()

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go s.heartbeatLoop(hbCtx, b)

	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			if websocket.CloseStatus(err) == websocket.StatusNormalClosure {
				s.logger.Info("bridge disconnected normally", slog.String("bridge", b.name))
			} else {
				s.logger.Warn("bridge connection error",
					slog.String("bridge", b.name),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		var env protocol.Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			s.logger.Warn("invalid message from bridge",
				slog.String("bridge", b.name),
				slog.String("error", err.Error()),
			)
			continue
		}
		s.handleMessage(ctx, b, &env)
	}
}

func (s *Server) waitForHello(ctx context.Context, conn *websocket.Conn) (*bridgeConn, error) {
	helloCtx, cancel := context.WithTimeout(ctx, helloTimeout)
	defer cancel()

	_, data, err := conn.Read(helloCtx)
	if err != nil {
		return nil, fmt.Errorf("reading hello: %w", err)
	}
	var env protocol.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("parsing hello: %w", err)
	}
	if env.Type != protocol.MsgHello {
		return nil, fmt.Errorf("expected %s, got %s", protocol.MsgHello, env.Type)
	}
	var hello protocol.HelloPayload
	if err := env.Decode(&hello); err != nil {
		return nil, fmt.Errorf("parsing hello payload: %w", err)
	}

	b := &bridgeConn{conn: conn, name: cmp.Or(hello.Bridge, "bridge")}
	s.mu.Lock()
	prev := s.bridge
	s.bridge = b
	s.mu.Unlock()
	if prev != nil {
		s.logger.Warn("replacing connected bridge", slog.String("previous", prev.name))
		prev.conn.Close(websocket.StatusGoingAway, "replaced by a new bridge")
	}

	welcome, _ := protocol.NewEnvelope(protocol.MsgWelcome, protocol.WelcomePayload{Assistant: s.assistant})
	if err := s.writeEnvelope(ctx, conn, welcome); err != nil {
		return nil, fmt.Errorf("sending welcome: %w", err)
	}
	s.logger.Info("chat bridge connected",
		slog.String("bridge", b.name),
		slog.String("version", hello.Version),
	)
	return b, nil
}

func (s *Server) handleMessage(ctx context.Context, b *bridgeConn, env *protocol.Envelope) {
	switch env.Type {
	case protocol.MsgInbound:
		err := s.handleInbound(ctx, env)
		_ = s.writeEnvelope(ctx, b.conn, protocol.NewAck(env.ID, err))

	case protocol.MsgRoomsUpdate:
		err := s.handleRoomsUpdate(ctx, env)
		_ = s.writeEnvelope(ctx, b.conn, protocol.NewAck(env.ID, err))

	case protocol.MsgAck:
		var ack protocol.AckPayload
		if err := env.Decode(&ack); err != nil {
			ack = protocol.AckPayload{Error: "malformed ack"}
		}
		if !s.acks.resolve(env.ReplyTo, ack) {
			s.logger.Debug("ack for unknown request", slog.String("reply_to", env.ReplyTo))
		}

	case protocol.MsgPing:
		pong, _ := protocol.NewEnvelope(protocol.MsgPong, nil)
		pong.ReplyTo = env.ID
		_ = s.writeEnvelope(ctx, b.conn, pong)

	case protocol.MsgPong:

	default:
		s.logger.Warn("unknown message type from bridge",
			slog.String("bridge", b.name),
			slog.String("type", string(env.Type)),
		)
		errEnv, _ := protocol.NewEnvelope(protocol.MsgError, protocol.ErrorPayload{
			Message: fmt.Sprintf("unknown message type %q", env.Type),
		})
		errEnv.ReplyTo = env.ID
		_ = s.writeEnvelope(ctx, b.conn, errEnv)
	}
}

func (s *Server) handleInbound(ctx context.Context, env *protocol.Envelope) error {
	var in protocol.InboundPayload
	if err := env.Decode(&in); err != nil {
		return fmt.Errorf("parsing inbound: %w", err)
	}
	if in.ChatRef == "" {
		return errors.New("chat_ref is required")
	}
	return s.handler.HandleInbound(ctx, orchestrator.Inbound{
		ID:        cmp.Or(in.EventID, env.ID),
		ChatRef:   in.ChatRef,
		ChatName:  in.ChatName,
		Sender:    in.Sender,
		SenderID:  in.SenderID,
		Text:      in.Text,
		Timestamp: in.Timestamp,
		Direct:    in.Direct,
	})
}

// handleRoomsUpdate renames registered rooms whose chat name changed.
// Unknown chats are ignored; registration stays with the main room.
func (s *Server) handleRoomsUpdate(ctx context.Context, env *protocol.Envelope) error {
	var upd protocol.RoomsUpdatePayload
	if err := env.Decode(&upd); err != nil {
		return fmt.Errorf("parsing rooms update: %w", err)
	}
	if s.rooms == nil {
		return nil
	}
	renamed := 0
	for _, c := range upd.Chats {
		room, err := s.rooms.ByChatRef(ctx, c.ChatRef)
		if errors.Is(err, domain.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		if c.Name == "" || c.Name == room.Name {
			continue
		}
		room.Name = c.Name
		if err := s.rooms.Update(ctx, room); err != nil {
			return fmt.Errorf("renaming room %s: %w", room.Folder, err)
		}
		renamed++
	}
	s.logger.Info("rooms metadata synced",
		slog.Int("chats", len(upd.Chats)),
		slog.Int("renamed", renamed),
	)
	return nil
}

// Deliver posts text to chatRef through the bridge and waits for its ack.
func (s *Server) Deliver(ctx context.Context, chatRef, text string) error {
	return s.request(ctx, protocol.MsgDeliver, protocol.DeliverPayload{ChatRef: chatRef, Text: text})
}

// RefreshRooms asks the bridge to report current chat metadata. The
// metadata arrives separately as rooms.update.
func (s *Server) RefreshRooms(ctx context.Context) error {
	return s.request(ctx, protocol.MsgRoomsRefresh, nil)
}

func (s *Server) request(ctx context.Context, typ protocol.MessageType, payload any) error {
	b := s.current()
	if b == nil {
		return ErrNotConnected
	}
	env, err := protocol.NewEnvelope(typ, payload)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", typ, err)
	}

	ch := s.acks.register(env.ID)
	if err := s.writeEnvelope(ctx, b.conn, env); err != nil {
		s.acks.remove(env.ID)
		return fmt.Errorf("sending %s: %w", typ, err)
	}

	timeout := s.cfg.WSDeliverTimeout()
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case ack := <-ch:
		if !ack.OK {
			return fmt.Errorf("%w: %s", ErrRejected, ack.Error)
		}
		return nil
	case <-timer.C:
		s.acks.remove(env.ID)
		return fmt.Errorf("%s not acknowledged within %s", typ, timeout)
	case <-ctx.Done():
		s.acks.remove(env.ID)
		return ctx.Err()
	}
}

func (s *Server) current() *bridgeConn {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.bridge
}

func (s *Server) heartbeatLoop(ctx context.Context, b *bridgeConn) {
	ticker := time.NewTicker(s.cfg.WSHeartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			env, _ := protocol.NewEnvelope(protocol.MsgPing, nil)
			if err := s.writeEnvelope(ctx, b.conn, env); err != nil {
				s.logger.Debug("heartbeat ping failed",
					slog.String("bridge", b.name),
					slog.String("error", err.Error()),
				)
				return
			}
		}
	}
}

func (s *Server) writeEnvelope(ctx context.Context, conn *websocket.Conn, env *protocol.Envelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}
