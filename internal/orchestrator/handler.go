package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/jkaninda/kibanda/internal/domain"
	"github.com/jkaninda/kibanda/internal/ipc"
	"github.com/jkaninda/kibanda/internal/rooms"
	"github.com/jkaninda/kibanda/internal/scheduler"
)

var _ ipc.Handler = (*Orchestrator)(nil)

// SendMessage posts an agent-authored message. Non-main rooms may only
// post to themselves.
func (o *Orchestrator) SendMessage(ctx context.Context, from ipc.Provenance, req *ipc.Message) error {
	src, err := o.sourceRoom(ctx, from)
	if err != nil {
		return err
	}
	target := src
	if req.ChatRef != "" && req.ChatRef != src.ChatRef {
		if !from.IsMain {
			return fmt.Errorf("%w: %s may only message its own room", ipc.ErrPermissionDenied, from.RoomFolder)
		}
		target, err = o.rooms.ByChatRef(ctx, req.ChatRef)
		if errors.Is(err, domain.ErrNotFound) {
			return fmt.Errorf("%w: no room with chat %s", ipc.ErrInvalid, req.ChatRef)
		}
		if err != nil {
			return err
		}
	}

	if err := o.deliverer.Deliver(ctx, target.ChatRef, req.Text); err != nil {
		if o.metrics != nil {
			o.metrics.Deliveries.WithLabelValues("ipc", "error").Inc()
		}
		return fmt.Errorf("%s: delivering to %s: %w", domain.KindIPCDispatch, target.Folder, err)
	}
	if o.metrics != nil {
		o.metrics.Deliveries.WithLabelValues("ipc", "ok").Inc()
	}
	o.markSent(target.Folder)
	return nil
}

// ScheduleTask creates a task owned by the source room. Only main may
// target another room.
func (o *Orchestrator) ScheduleTask(ctx context.Context, from ipc.Provenance, req *ipc.ScheduleTask) (string, error) {
	if o.sched == nil {
		return "", fmt.Errorf("%w: scheduler is disabled", ipc.ErrInvalid)
	}
	target := from.RoomFolder
	if req.TargetGroup != "" && req.TargetGroup != from.RoomFolder {
		if !from.IsMain {
			return "", fmt.Errorf("%w: %s may only schedule tasks for itself", ipc.ErrPermissionDenied, from.RoomFolder)
		}
		room, err := o.lookupTarget(ctx, req.TargetGroup)
		if err != nil {
			return "", err
		}
		target = room.Folder
	} else if _, err := o.sourceRoom(ctx, from); err != nil {
		return "", err
	}

	typ := domain.ScheduleType(req.ScheduleType)
	if err := scheduler.ValidateSchedule(typ, req.ScheduleValue, o.sched.Location()); err != nil {
		return "", fmt.Errorf("%w: %v", ipc.ErrInvalid, err)
	}
	task := &domain.ScheduledTask{
		Prompt:           req.Prompt,
		ScheduleType:     typ,
		ScheduleValue:    req.ScheduleValue,
		ContextMode:      domain.ContextMode(req.ContextMode),
		OwnerRoomFolder:  from.RoomFolder,
		TargetRoomFolder: target,
	}
	if err := o.sched.Create(ctx, task); err != nil {
		return "", err
	}
	return task.ID, nil
}

func (o *Orchestrator) PauseTask(ctx context.Context, from ipc.Provenance, taskID string) error {
	return o.changeTask(ctx, from, taskID, o.sched.Pause)
}

func (o *Orchestrator) ResumeTask(ctx context.Context, from ipc.Provenance, taskID string) error {
	return o.changeTask(ctx, from, taskID, o.sched.Resume)
}

func (o *Orchestrator) CancelTask(ctx context.Context, from ipc.Provenance, taskID string) error {
	return o.changeTask(ctx, from, taskID, o.sched.Cancel)
}

// changeTask applies a status change if the source room owns or is the
// target of the task, or is main.
func (o *Orchestrator) changeTask(ctx context.Context, from ipc.Provenance, taskID string, apply func(context.Context, string) error) error {
	if o.sched == nil {
		return fmt.Errorf("%w: scheduler is disabled", ipc.ErrInvalid)
	}
	task, err := o.sched.Get(ctx, taskID)
	if errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("%w: no task %s", ipc.ErrInvalid, taskID)
	}
	if err != nil {
		return err
	}
	if !from.IsMain && task.OwnerRoomFolder != from.RoomFolder && task.TargetRoomFolder != from.RoomFolder {
		return fmt.Errorf("%w: task %s belongs to another room", ipc.ErrPermissionDenied, taskID)
	}
	if err := apply(ctx, taskID); err != nil {
		if errors.Is(err, scheduler.ErrInvalidTransition) {
			return fmt.Errorf("%w: %v", ipc.ErrInvalid, err)
		}
		return err
	}
	return nil
}

// RegisterGroup registers a room on behalf of main.
func (o *Orchestrator) RegisterGroup(ctx context.Context, from ipc.Provenance, req *ipc.RegisterGroup) error {
	room := &domain.Room{
		Folder:         strings.TrimSpace(req.Folder),
		ChatRef:        strings.TrimSpace(req.ChatRef),
		Name:           strings.TrimSpace(req.Name),
		TriggerPattern: rooms.TriggerPattern(strings.TrimSpace(req.Trigger)),
		MountAllowlist: req.MountAllowlist,
		ExtraMounts:    req.ExtraMounts,
	}
	err := o.rooms.Register(ctx, room)
	switch {
	case errors.Is(err, rooms.ErrInvalidRoom), errors.Is(err, domain.ErrDuplicate):
		return fmt.Errorf("%w: %v", ipc.ErrInvalid, err)
	case err != nil:
		return err
	}
	o.logger.InfoContext(ctx, "room registered over ipc",
		slog.String("by", from.RoomFolder),
		slog.String("folder", room.Folder),
	)
	return o.refreshSnapshots(ctx, from)
}

// RefreshGroups resyncs room metadata from the bridge, when it supports
// that, and rewrites main's snapshots.
func (o *Orchestrator) RefreshGroups(ctx context.Context, from ipc.Provenance) error {
	if o.refresher != nil {
		if err := o.refresher.RefreshRooms(ctx); err != nil {
			return fmt.Errorf("%s: refreshing rooms: %w", domain.KindIPCDispatch, err)
		}
	}
	return o.refreshSnapshots(ctx, from)
}

func (o *Orchestrator) refreshSnapshots(ctx context.Context, from ipc.Provenance) error {
	room, err := o.sourceRoom(ctx, from)
	if err != nil {
		return err
	}
	return o.writeSnapshots(ctx, room)
}

// sourceRoom loads the room a request came from. Requests from folders
// with no registered room are refused.
func (o *Orchestrator) sourceRoom(ctx context.Context, from ipc.Provenance) (*domain.Room, error) {
	room, err := o.rooms.Get(ctx, from.RoomFolder)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: %s is not a registered room", ipc.ErrPermissionDenied, from.RoomFolder)
	}
	return room, err
}

// lookupTarget accepts a room folder or a chat reference.
func (o *Orchestrator) lookupTarget(ctx context.Context, ref string) (*domain.Room, error) {
	room, err := o.rooms.Get(ctx, ref)
	if errors.Is(err, domain.ErrNotFound) {
		room, err = o.rooms.ByChatRef(ctx, ref)
	}
	if errors.Is(err, domain.ErrNotFound) {
		return nil, fmt.Errorf("%w: target room %s is not registered", ipc.ErrInvalid, ref)
	}
	return room, err
}
