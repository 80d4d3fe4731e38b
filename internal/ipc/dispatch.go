package ipc

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
)

// ErrPermissionDenied marks requests the source room is not allowed to make.
var ErrPermissionDenied = errors.New("permission denied")

// Handler performs host-side actions. Each method receives the provenance
// derived from the request's directory.
type Handler interface {
	SendMessage(ctx context.Context, from Provenance, req *Message) error
	ScheduleTask(ctx context.Context, from Provenance, req *ScheduleTask) (taskID string, err error)
	PauseTask(ctx context.Context, from Provenance, taskID string) error
	ResumeTask(ctx context.Context, from Provenance, taskID string) error
	CancelTask(ctx context.Context, from Provenance, taskID string) error
	RegisterGroup(ctx context.Context, from Provenance, req *RegisterGroup) error
	RefreshGroups(ctx context.Context, from Provenance) error
}

// Response statuses written back to the requesting room.
const (
	ResponseOK      = "ok"
	ResponseDenied  = "denied"
	ResponseInvalid = "invalid"
)

// Response is the host's answer to a request file.
type Response struct {
	Status string `json:"status"`
	TaskID string `json:"taskId,omitempty"`
	Error  string `json:"error,omitempty"`
}

// DecodeResponse parses a response document.
func DecodeResponse(data []byte) (*Response, error) {
	var r Response
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return &r, nil
}

// Dispatch routes a request to the handler. Main-only requests from other
// rooms are refused here, before any handler code runs.
func Dispatch(ctx context.Context, h Handler, from Provenance, req Request) (*Response, error) {
	if err := authorize(from, req.Kind()); err != nil {
		return nil, err
	}
	var (
		taskID string
		err    error
	)
	switch r := req.(type) {
	case *Message:
		err = h.SendMessage(ctx, from, r)
	case *ScheduleTask:
		taskID, err = h.ScheduleTask(ctx, from, r)
	case *PauseTask:
		err = h.PauseTask(ctx, from, r.TaskID)
	case *ResumeTask:
		err = h.ResumeTask(ctx, from, r.TaskID)
	case *CancelTask:
		err = h.CancelTask(ctx, from, r.TaskID)
	case *RegisterGroup:
		err = h.RegisterGroup(ctx, from, r)
	case *RefreshGroups:
		err = h.RefreshGroups(ctx, from)
	default:
		return nil, fmt.Errorf("%w: unsupported request %T", ErrInvalid, req)
	}
	if err != nil {
		return nil, err
	}
	return &Response{Status: ResponseOK, TaskID: taskID}, nil
}

// authorize refuses main-only kinds from other rooms. It needs only the
// kind, so the watcher can apply it before the payload is validated.
func authorize(from Provenance, kind Kind) error {
	if kind.MainOnly() && !from.IsMain {
		return fmt.Errorf("%w: %s is restricted to the main room", ErrPermissionDenied, kind)
	}
	return nil
}
