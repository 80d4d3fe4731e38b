package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/jkaninda/kibanda/internal/domain"
	"github.com/jkaninda/kibanda/internal/scheduler"
)

// Snapshot files written into a room's IPC directory before each run, so
// the agent can see its schedule and, for main, the registered rooms.
const (
	TasksSnapshot  = "current_tasks.json"
	GroupsSnapshot = "available_groups.json"
)

type taskSnapshot struct {
	ID            string     `json:"id"`
	Prompt        string     `json:"prompt"`
	ScheduleType  string     `json:"schedule_type"`
	ScheduleValue string     `json:"schedule_value"`
	ContextMode   string     `json:"context_mode"`
	Owner         string     `json:"owner_group"`
	Target        string     `json:"target_group"`
	Status        string     `json:"status"`
	NextRun       *time.Time `json:"next_run,omitempty"`
	LastRun       *time.Time `json:"last_run,omitempty"`
	LastResult    string     `json:"last_result,omitempty"`
}

type groupSnapshot struct {
	Folder  string    `json:"folder"`
	ChatRef string    `json:"chatRef"`
	Name    string    `json:"name"`
	IsMain  bool      `json:"isMain"`
	AddedAt time.Time `json:"addedAt"`
}

// writeSnapshots refreshes both snapshot files for room. Main sees every
// task and room; other rooms see their own tasks and no rooms.
func (o *Orchestrator) writeSnapshots(ctx context.Context, room *domain.Room) error {
	dir := o.ws.RoomIPCDir(room.Folder)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating snapshot dir: %w", err)
	}

	tasks := []taskSnapshot{}
	if o.sched != nil {
		filter := scheduler.TaskFilter{}
		if !room.IsMain {
			filter.Room = room.Folder
		}
		list, err := o.sched.List(ctx, filter)
		if err != nil {
			return fmt.Errorf("listing tasks: %w", err)
		}
		for _, t := range list {
			tasks = append(tasks, taskSnapshot{
				ID:            t.ID,
				Prompt:        t.Prompt,
				ScheduleType:  string(t.ScheduleType),
				ScheduleValue: t.ScheduleValue,
				ContextMode:   string(t.ContextMode),
				Owner:         t.OwnerRoomFolder,
				Target:        t.TargetRoomFolder,
				Status:        string(t.Status),
				NextRun:       t.NextRunAt,
				LastRun:       t.LastRunAt,
				LastResult:    t.LastResult,
			})
		}
	}
	if err := writeJSON(dir, TasksSnapshot, tasks); err != nil {
		return err
	}

	groups := []groupSnapshot{}
	if room.IsMain {
		list, err := o.rooms.List(ctx)
		if err != nil {
			return fmt.Errorf("listing rooms: %w", err)
		}
		for _, r := range list {
			groups = append(groups, groupSnapshot{
				Folder:  r.Folder,
				ChatRef: r.ChatRef,
				Name:    r.Name,
				IsMain:  r.IsMain,
				AddedAt: r.AddedAt,
			})
		}
	}
	return writeJSON(dir, GroupsSnapshot, groups)
}

// writeJSON replaces dir/name atomically.
func writeJSON(dir, name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	f, err := os.CreateTemp(dir, "."+name+".*")
	if err != nil {
		return fmt.Errorf("writing %s: %w", name, err)
	}
	tmp := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := os.Chmod(tmp, 0o644); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", name, err)
	}
	if err := os.Rename(tmp, filepath.Join(dir, name)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("writing %s: %w", name, err)
	}
	return nil
}
