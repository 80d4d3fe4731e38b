// Package ipc implements the file-based channel through which sandboxed
// agents ask the host to act on their behalf.
//
// An agent drops one JSON file per request into its room's messages/ or
// tasks/ directory. The host claims files by rename, dispatches them in
// filename order and deletes them. Who sent a request is decided by the
// directory it was found in, never by its contents.
package ipc

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/jkaninda/kibanda/internal/domain"
)

var (
	// ErrInvalid marks requests that can never succeed; they are consumed,
	// answered and not retried.
	ErrInvalid = errors.New("invalid ipc request")
	// ErrUnreadable marks files that are not a typed JSON document. There is
	// no request to answer, so they are dead-lettered.
	ErrUnreadable = fmt.Errorf("%w: unreadable", ErrInvalid)
)

// Kind is the request discriminator stored in the "type" field.
type Kind string

const (
	KindMessage       Kind = "message"
	KindScheduleTask  Kind = "schedule_task"
	KindPauseTask     Kind = "pause_task"
	KindResumeTask    Kind = "resume_task"
	KindCancelTask    Kind = "cancel_task"
	KindRegisterGroup Kind = "register_group"
	KindRefreshGroups Kind = "refresh_groups"
)

// Request is one of the seven IPC request payloads.
type Request interface {
	Kind() Kind
	validate() error
}

// Provenance identifies the room a request came from.
type Provenance struct {
	RoomFolder string
	IsMain     bool
	Timestamp  time.Time
}

// Message asks the host to post text to a room. An empty ChatRef means
// the sender's own room.
type Message struct {
	ChatRef string `json:"chatRef,omitempty"`
	Text    string `json:"text"`
}

// ScheduleTask creates a scheduled task. TargetGroup is honored for the
// main room only.
type ScheduleTask struct {
	Prompt        string `json:"prompt"`
	ScheduleType  string `json:"schedule_type"`
	ScheduleValue string `json:"schedule_value"`
	ContextMode   string `json:"context_mode,omitempty"`
	TargetGroup   string `json:"target_group,omitempty"`
}

type PauseTask struct {
	TaskID string `json:"taskId"`
}

type ResumeTask struct {
	TaskID string `json:"taskId"`
}

type CancelTask struct {
	TaskID string `json:"taskId"`
}

// RegisterGroup registers a new room. Main only.
type RegisterGroup struct {
	ChatRef string `json:"chatRef"`
	Name    string `json:"name"`
	Folder  string `json:"folder"`
	Trigger string `json:"trigger"`

	// Optional; checked against the operator allowlist before the room is stored.
	MountAllowlist []string              `json:"mountAllowlist,omitempty"`
	ExtraMounts    []domain.MountRequest `json:"extraMounts,omitempty"`
}

// RefreshGroups re-syncs room metadata from the chat service. Main only.
type RefreshGroups struct{}

// MainOnly reports whether only the main room may send requests of kind k.
func (k Kind) MainOnly() bool {
	return k == KindRegisterGroup || k == KindRefreshGroups
}

func (*Message) Kind() Kind       { return KindMessage }
func (*ScheduleTask) Kind() Kind  { return KindScheduleTask }
func (*PauseTask) Kind() Kind     { return KindPauseTask }
func (*ResumeTask) Kind() Kind    { return KindResumeTask }
func (*CancelTask) Kind() Kind    { return KindCancelTask }
func (*RegisterGroup) Kind() Kind { return KindRegisterGroup }
func (*RefreshGroups) Kind() Kind { return KindRefreshGroups }

func (r *Message) validate() error {
	if strings.TrimSpace(r.Text) == "" {
		return missing("text")
	}
	return nil
}

func (r *ScheduleTask) validate() error {
	switch {
	case strings.TrimSpace(r.Prompt) == "":
		return missing("prompt")
	case r.ScheduleType == "":
		return missing("schedule_type")
	case r.ScheduleValue == "":
		return missing("schedule_value")
	}
	return nil
}

func (r *PauseTask) validate() error  { return requireTaskID(r.TaskID) }
func (r *ResumeTask) validate() error { return requireTaskID(r.TaskID) }
func (r *CancelTask) validate() error { return requireTaskID(r.TaskID) }

func (r *RegisterGroup) validate() error {
	switch {
	case r.ChatRef == "":
		return missing("chatRef")
	case r.Name == "":
		return missing("name")
	case r.Folder == "":
		return missing("folder")
	case r.Trigger == "":
		return missing("trigger")
	}
	return nil
}

func (*RefreshGroups) validate() error { return nil }

func requireTaskID(id string) error {
	if id == "" {
		return missing("taskId")
	}
	return nil
}

func missing(field string) error {
	return fmt.Errorf("%w: %s is required", ErrInvalid, field)
}

// PeekKind reads the "type" field without decoding the payload. The kind
// may still be one Decode does not know.
func PeekKind(data []byte) (Kind, error) {
	if !gjson.ValidBytes(data) {
		return "", fmt.Errorf("%w: not valid JSON", ErrUnreadable)
	}
	typ := gjson.GetBytes(data, "type")
	if typ.Type != gjson.String || typ.Str == "" {
		return "", fmt.Errorf("%w: missing type", ErrUnreadable)
	}
	return Kind(typ.Str), nil
}

// Decode parses and validates a request file.
func Decode(data []byte) (Request, error) {
	kind, err := PeekKind(data)
	if err != nil {
		return nil, err
	}

	var req Request
	switch kind {
	case KindMessage:
		req = &Message{}
	case KindScheduleTask:
		req = &ScheduleTask{}
	case KindPauseTask:
		req = &PauseTask{}
	case KindResumeTask:
		req = &ResumeTask{}
	case KindCancelTask:
		req = &CancelTask{}
	case KindRegisterGroup:
		req = &RegisterGroup{}
	case KindRefreshGroups:
		req = &RefreshGroups{}
	default:
		return nil, fmt.Errorf("%w: unknown type %q", ErrInvalid, kind)
	}

	if err := json.Unmarshal(data, req); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	if err := req.validate(); err != nil {
		return nil, err
	}
	return req, nil
}

// Encode renders a request file, stamping its type.
func Encode(req Request) ([]byte, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encoding %s request: %w", req.Kind(), err)
	}
	return sjson.SetBytes(body, "type", string(req.Kind()))
}

// DirFor returns the queue directory a request belongs in.
func DirFor(req Request) string {
	if req.Kind() == KindMessage {
		return DirMessages
	}
	return DirTasks
}
