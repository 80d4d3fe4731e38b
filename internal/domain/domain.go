// Package domain defines cross-cutting entity types used across the system.
package domain

import (
	"errors"
	"time"
)

// MainRoomFolder is the folder of the single privileged room.
const MainRoomFolder = "main"

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// ErrDuplicate is returned by stores when a unique key is already taken.
var ErrDuplicate = errors.New("already exists")

// Room is a conversational room the assistant participates in.
// Folder doubles as the room's filesystem namespace and IPC namespace.
type Room struct {
	Folder         string
	ChatRef        string // Opaque chat-protocol identifier.
	Name           string
	IsMain         bool
	TriggerPattern string // Regex; empty means "^@<assistant>\b", case-insensitive.
	RequireTrigger *bool  // nil means: required unless main.
	MountAllowlist []string
	ExtraMounts    []MountRequest
	AddedAt        time.Time
}

// NeedsTrigger reports whether inbound traffic must match the trigger.
func (r *Room) NeedsTrigger() bool {
	if r.RequireTrigger != nil {
		return *r.RequireTrigger
	}
	return !r.IsMain
}

// MountRequest is an extra host directory a room asks to see inside its sandbox.
// ContainerPath is relative to the sandbox's extra-mount directory.
type MountRequest struct {
	HostPath      string `json:"hostPath" yaml:"host_path"`
	ContainerPath string `json:"containerPath" yaml:"container_path"`
	ReadOnly      *bool  `json:"readonly,omitempty" yaml:"readonly,omitempty"` // nil means read-only.
}

// Session is an opaque conversation token owned by an agent engine.
type Session struct {
	RoomFolder string
	EngineID   string
	Token      []byte
	UpdatedAt  time.Time
}

type ScheduleType string

const (
	ScheduleCron     ScheduleType = "cron"
	ScheduleInterval ScheduleType = "interval"
	ScheduleOnce     ScheduleType = "once"
)

type TaskStatus string

const (
	TaskActive    TaskStatus = "active"
	TaskPaused    TaskStatus = "paused"
	TaskCancelled TaskStatus = "cancelled"
	TaskError     TaskStatus = "error"
)

// ContextMode decides whether a scheduled run reuses the target room's session.
type ContextMode string

const (
	ContextGroup    ContextMode = "group"
	ContextIsolated ContextMode = "isolated"
)

// ScheduledTask is a durable definition that re-triggers agent runs.
// OwnerRoomFolder is the room that created it; TargetRoomFolder is the room
// it runs against. They differ only for tasks created by the main room.
type ScheduledTask struct {
	ID               string
	Prompt           string
	ScheduleType     ScheduleType
	ScheduleValue    string
	ContextMode      ContextMode
	OwnerRoomFolder  string
	TargetRoomFolder string
	Status           TaskStatus
	NextRunAt        *time.Time
	LastRunAt        *time.Time
	LastResult       string
	LastError        string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Terminal reports whether the task can never fire again without an explicit resume.
func (t *ScheduledTask) Terminal() bool {
	return t.Status == TaskCancelled || t.Status == TaskError
}

// TaskRun is one entry of a task's run log.
type TaskRun struct {
	ID       uint
	TaskID   string
	RunAt    time.Time
	Duration time.Duration
	Status   string // "success" or "error".
	Result   string
	Error    string
}

// ErrorKind classifies invocation and dispatch failures.
type ErrorKind string

const (
	KindConfiguration ErrorKind = "configuration_error"
	KindTimeout       ErrorKind = "timeout"
	KindParse         ErrorKind = "parse_error"
	KindRuntime       ErrorKind = "runtime_failure"
	KindPermission    ErrorKind = "permission_denied"
	KindIPCDispatch   ErrorKind = "ipc_dispatch_error"
)
