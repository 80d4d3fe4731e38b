package httpapi

import (
	"cmp"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/kibanda/internal/domain"
	"github.com/jkaninda/kibanda/internal/orchestrator"
	"github.com/jkaninda/kibanda/internal/ratelimit"
	"github.com/jkaninda/kibanda/internal/rooms"
)

// RoomRequest is the JSON body for POST /v1/rooms.
type RoomRequest struct {
	Folder         string                `json:"folder"`
	ChatRef        string                `json:"chat_ref"`
	Name           string                `json:"name"`
	Trigger        string                `json:"trigger,omitempty"`         // e.g. "@Andy". Empty = the assistant name.
	RequireTrigger *bool                 `json:"require_trigger,omitempty"` // Pointer to distinguish absent from false.
	MountAllowlist []string              `json:"mount_allowlist,omitempty"` // Narrows the operator allowlist for this room.
	ExtraMounts    []domain.MountRequest `json:"extra_mounts,omitempty"`
}

// RoomUpdate is the JSON body for PUT /v1/rooms/{folder}. Absent fields
// are left unchanged; an empty list clears mounts.
type RoomUpdate struct {
	Name           string                 `json:"name,omitempty"`
	Trigger        string                 `json:"trigger,omitempty"`
	RequireTrigger *bool                  `json:"require_trigger,omitempty"`
	MountAllowlist *[]string              `json:"mount_allowlist,omitempty"`
	ExtraMounts    *[]domain.MountRequest `json:"extra_mounts,omitempty"`
}

// RoomResponse is the JSON response for room endpoints.
type RoomResponse struct {
	Folder         string                `json:"folder"`
	ChatRef        string                `json:"chat_ref"`
	Name           string                `json:"name"`
	IsMain         bool                  `json:"is_main"`
	TriggerPattern string                `json:"trigger_pattern,omitempty"`
	RequireTrigger bool                  `json:"require_trigger"`
	MountAllowlist []string              `json:"mount_allowlist,omitempty"`
	ExtraMounts    []domain.MountRequest `json:"extra_mounts,omitempty"`
	AddedAt        time.Time             `json:"added_at"`
}

func toRoomResponse(r *domain.Room) RoomResponse {
	return RoomResponse{
		Folder:         r.Folder,
		ChatRef:        r.ChatRef,
		Name:           r.Name,
		IsMain:         r.IsMain,
		TriggerPattern: r.TriggerPattern,
		RequireTrigger: r.NeedsTrigger(),
		MountAllowlist: r.MountAllowlist,
		ExtraMounts:    r.ExtraMounts,
		AddedAt:        r.AddedAt,
	}
}

// MessageRequest is the JSON body for POST /v1/messages.
type MessageRequest struct {
	EventID  string `json:"event_id,omitempty"` // Optional; repeated IDs are dropped.
	ChatRef  string `json:"chat_ref"`
	ChatName string `json:"chat_name,omitempty"`
	Sender   string `json:"sender"`
	Text     string `json:"text"`
	Direct   bool   `json:"direct,omitempty"`
}

// MessageResponse acknowledges an injected message. Replies are delivered
// to the room asynchronously.
type MessageResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleRoomList(c *okapi.Context) error {
	list, err := g.rooms.List(c.Context())
	if err != nil {
		g.logger.Error("listing rooms failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("failed to list rooms")
	}
	resp := make([]RoomResponse, len(list))
	for i := range list {
		resp[i] = toRoomResponse(&list[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleRoomRegister(c *okapi.Context) error {
	var req RoomRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	room := &domain.Room{
		Folder:         strings.TrimSpace(req.Folder),
		ChatRef:        strings.TrimSpace(req.ChatRef),
		Name:           strings.TrimSpace(req.Name),
		RequireTrigger: req.RequireTrigger,
		MountAllowlist: req.MountAllowlist,
		ExtraMounts:    req.ExtraMounts,
	}
	if t := strings.TrimSpace(req.Trigger); t != "" {
		room.TriggerPattern = rooms.TriggerPattern(t)
	}

	if err := g.rooms.Register(c.Context(), room); err != nil {
		switch {
		case errors.Is(err, rooms.ErrInvalidRoom):
			return c.AbortBadRequest(err.Error())
		case errors.Is(err, domain.ErrDuplicate):
			return c.JSON(http.StatusConflict, ErrorBody{Error: "room already registered"})
		}
		g.logger.Error("room registration failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("failed to register room")
	}

	g.logger.Info("room registered via api",
		slog.String("folder", room.Folder),
		slog.String("client", c.GetString(clientKey)),
	)
	return c.JSON(http.StatusCreated, toRoomResponse(room))
}

func (g *Gateway) handleRoomUpdate(c *okapi.Context) error {
	room, err := g.rooms.Get(c.Context(), c.Param("folder"))
	if errors.Is(err, domain.ErrNotFound) {
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "room not found"})
	}
	if err != nil {
		g.logger.Error("loading room failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("failed to load room")
	}

	var req RoomUpdate
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if n := strings.TrimSpace(req.Name); n != "" {
		room.Name = n
	}
	if t := strings.TrimSpace(req.Trigger); t != "" {
		room.TriggerPattern = rooms.TriggerPattern(t)
	}
	if req.RequireTrigger != nil {
		room.RequireTrigger = req.RequireTrigger
	}
	if req.MountAllowlist != nil {
		room.MountAllowlist = *req.MountAllowlist
	}
	if req.ExtraMounts != nil {
		room.ExtraMounts = *req.ExtraMounts
	}

	if err := g.rooms.Update(c.Context(), room); err != nil {
		if errors.Is(err, rooms.ErrInvalidRoom) {
			return c.AbortBadRequest(err.Error())
		}
		g.logger.Error("room update failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("failed to update room")
	}

	g.logger.Info("room updated via api",
		slog.String("folder", room.Folder),
		slog.Int("extra_mounts", len(room.ExtraMounts)),
		slog.String("client", c.GetString(clientKey)),
	)
	return c.OK(toRoomResponse(room))
}

func (g *Gateway) handleMessage(c *okapi.Context) error {
	var req MessageRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}
	if req.ChatRef == "" {
		return c.AbortBadRequest("chat_ref is required")
	}
	if strings.TrimSpace(req.Text) == "" {
		return c.AbortBadRequest("text is required")
	}

	client := c.GetString(clientKey)
	err := g.inbound.HandleInbound(c.Context(), orchestrator.Inbound{
		ID:        req.EventID,
		ChatRef:   req.ChatRef,
		ChatName:  req.ChatName,
		Sender:    cmp.Or(req.Sender, client),
		SenderID:  client,
		Text:      req.Text,
		Timestamp: time.Now(),
		Direct:    req.Direct,
	})
	switch {
	case err == nil:
		return c.JSON(http.StatusAccepted, MessageResponse{Status: "accepted"})
	case errors.Is(err, orchestrator.ErrUnknownRoom):
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "unknown room"})
	case errors.Is(err, orchestrator.ErrRoomBusy):
		return c.AbortTooManyRequests("room is busy")
	case errors.Is(err, ratelimit.ErrRateLimited):
		return c.AbortTooManyRequests(err.Error())
	default:
		g.logger.Error("message injection failed",
			slog.String("chat_ref", req.ChatRef),
			slog.String("error", err.Error()),
		)
		return c.AbortInternalServerError("failed to accept message")
	}
}
