// Package protocol defines the WebSocket messages exchanged between kibanda
// and an external chat bridge. All messages are JSON-encoded and wrapped in
// an Envelope for uniform routing.
package protocol

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Subprotocol is negotiated on the WebSocket handshake.
const Subprotocol = "kibanda-bridge-v1"

// MessageType identifies the kind of message in the bridge protocol.
type MessageType string

const (
	// Bridge → kibanda
	MsgHello       MessageType = "bridge.hello"
	MsgInbound     MessageType = "message.inbound"
	MsgRoomsUpdate MessageType = "rooms.update"

	// kibanda → Bridge
	MsgWelcome      MessageType = "gateway.welcome"
	MsgDeliver      MessageType = "message.deliver"
	MsgRoomsRefresh MessageType = "rooms.refresh"
	MsgPing         MessageType = "gateway.ping"

	// Bidirectional
	MsgAck   MessageType = "ack"
	MsgPong  MessageType = "pong"
	MsgError MessageType = "error"
)

// Envelope is the top-level wrapper for every bridge message.
type Envelope struct {
	Type      MessageType     `json:"type"`
	ID        string          `json:"id"`                 // Message ID for correlation and deduplication.
	ReplyTo   string          `json:"reply_to,omitempty"` // Set on acks: the ID being acknowledged.
	Payload   json.RawMessage `json:"payload,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewEnvelope creates an Envelope with a fresh ID and current timestamp.
func NewEnvelope(msgType MessageType, payload any) (*Envelope, error) {
	var raw json.RawMessage
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		raw = data
	}
	return &Envelope{
		Type:      msgType,
		ID:        uuid.New().String(),
		Payload:   raw,
		Timestamp: time.Now().UTC(),
	}, nil
}

// NewAck acknowledges the envelope with id. A non-nil err marks it failed.
func NewAck(id string, err error) *Envelope {
	p := AckPayload{OK: err == nil}
	if err != nil {
		p.Error = err.Error()
	}
	env, _ := NewEnvelope(MsgAck, p)
	env.ReplyTo = id
	return env
}

// Decode unmarshals the Payload into the given target.
func (e *Envelope) Decode(target any) error {
	return json.Unmarshal(e.Payload, target)
}

// HelloPayload is the first message a bridge sends after connecting.
type HelloPayload struct {
	Bridge  string `json:"bridge"` // Adapter name, for logs.
	Version string `json:"version,omitempty"`
}

// WelcomePayload confirms the handshake.
type WelcomePayload struct {
	Assistant string `json:"assistant"`
}

// InboundPayload carries one chat message received by the bridge.
type InboundPayload struct {
	EventID   string    `json:"event_id,omitempty"` // Protocol event ID, used for deduplication.
	ChatRef   string    `json:"chat_ref"`
	ChatName  string    `json:"chat_name,omitempty"`
	Sender    string    `json:"sender"`
	SenderID  string    `json:"sender_id,omitempty"`
	Text      string    `json:"text"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	Direct    bool      `json:"direct,omitempty"`
}

// DeliverPayload asks the bridge to post text to a chat.
type DeliverPayload struct {
	ChatRef string `json:"chat_ref"`
	Text    string `json:"text"`
}

// RoomsUpdatePayload reports current chat metadata, usually in answer to
// rooms.refresh.
type RoomsUpdatePayload struct {
	Chats []ChatInfo `json:"chats"`
}

// ChatInfo describes one chat known to the bridge.
type ChatInfo struct {
	ChatRef string `json:"chat_ref"`
	Name    string `json:"name"`
}

// AckPayload is the outcome of a request envelope.
type AckPayload struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// ErrorPayload reports a protocol error.
type ErrorPayload struct {
	Message string `json:"message"`
}
