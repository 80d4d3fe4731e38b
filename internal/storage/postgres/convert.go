package postgres

import (
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	"gorm.io/gorm"

	"github.com/jkaninda/kibanda/internal/domain"
)

// mapError translates driver errors into domain sentinels.
func mapError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return domain.ErrNotFound
	case isDuplicate(err):
		return domain.ErrDuplicate
	}
	return err
}

func isDuplicate(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code == "23505"
	}
	return strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func toRoomModel(r *domain.Room) RoomModel {
	allow, _ := json.Marshal(nonNil(r.MountAllowlist))
	extra, _ := json.Marshal(nonNil(r.ExtraMounts))
	return RoomModel{
		Folder:         r.Folder,
		ChatRef:        r.ChatRef,
		Name:           r.Name,
		IsMain:         r.IsMain,
		TriggerPattern: r.TriggerPattern,
		RequireTrigger: r.RequireTrigger,
		MountAllowlist: string(allow),
		ExtraMounts:    string(extra),
		AddedAt:        r.AddedAt,
	}
}

func toRoomDomain(m *RoomModel) *domain.Room {
	r := &domain.Room{
		Folder:         m.Folder,
		ChatRef:        m.ChatRef,
		Name:           m.Name,
		IsMain:         m.IsMain,
		TriggerPattern: m.TriggerPattern,
		RequireTrigger: m.RequireTrigger,
		AddedAt:        m.AddedAt,
	}
	_ = json.Unmarshal([]byte(m.MountAllowlist), &r.MountAllowlist)
	_ = json.Unmarshal([]byte(m.ExtraMounts), &r.ExtraMounts)
	return r
}

func toTaskModel(t *domain.ScheduledTask) ScheduledTaskModel {
	return ScheduledTaskModel{
		ID:               t.ID,
		Prompt:           t.Prompt,
		ScheduleType:     string(t.ScheduleType),
		ScheduleValue:    t.ScheduleValue,
		ContextMode:      string(t.ContextMode),
		OwnerRoomFolder:  t.OwnerRoomFolder,
		TargetRoomFolder: t.TargetRoomFolder,
		Status:           string(t.Status),
		NextRunAt:        t.NextRunAt,
		LastRunAt:        t.LastRunAt,
		LastResult:       t.LastResult,
		LastError:        t.LastError,
		CreatedAt:        t.CreatedAt,
		UpdatedAt:        t.UpdatedAt,
	}
}

func toTaskDomain(m *ScheduledTaskModel) *domain.ScheduledTask {
	return &domain.ScheduledTask{
		ID:               m.ID,
		Prompt:           m.Prompt,
		ScheduleType:     domain.ScheduleType(m.ScheduleType),
		ScheduleValue:    m.ScheduleValue,
		ContextMode:      domain.ContextMode(m.ContextMode),
		OwnerRoomFolder:  m.OwnerRoomFolder,
		TargetRoomFolder: m.TargetRoomFolder,
		Status:           domain.TaskStatus(m.Status),
		NextRunAt:        utcPtr(m.NextRunAt),
		LastRunAt:        utcPtr(m.LastRunAt),
		LastResult:       m.LastResult,
		LastError:        m.LastError,
		CreatedAt:        m.CreatedAt.UTC(),
		UpdatedAt:        m.UpdatedAt.UTC(),
	}
}

func toTaskRunModel(r *domain.TaskRun) TaskRunModel {
	return TaskRunModel{
		TaskID:     r.TaskID,
		RunAt:      r.RunAt,
		DurationMS: r.Duration.Milliseconds(),
		Status:     r.Status,
		Result:     r.Result,
		Error:      r.Error,
	}
}

func toTaskRunDomain(m *TaskRunModel) domain.TaskRun {
	return domain.TaskRun{
		ID:       m.ID,
		TaskID:   m.TaskID,
		RunAt:    m.RunAt.UTC(),
		Duration: time.Duration(m.DurationMS) * time.Millisecond,
		Status:   m.Status,
		Result:   m.Result,
		Error:    m.Error,
	}
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
