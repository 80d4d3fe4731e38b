package postgres

import (
	"time"
)

// RoomModel maps to the "rooms" table.
// List-valued columns hold JSON text so the schema is identical on SQLite.
type RoomModel struct {
	Folder         string `gorm:"primaryKey"`
	ChatRef        string `gorm:"not null;uniqueIndex"`
	Name           string `gorm:"not null"`
	IsMain         bool   `gorm:"not null;default:false"`
	TriggerPattern string `gorm:"not null;default:''"`
	RequireTrigger *bool
	MountAllowlist string `gorm:"type:text;not null;default:'[]'"`
	ExtraMounts    string `gorm:"type:text;not null;default:'[]'"`
	AddedAt        time.Time
	UpdatedAt      time.Time
}

func (RoomModel) TableName() string { return "rooms" }

// SessionModel maps to the "sessions" table.
// One row per (room, engine); the token is opaque to us.
type SessionModel struct {
	RoomFolder string `gorm:"primaryKey"`
	EngineID   string `gorm:"primaryKey"`
	Token      []byte `gorm:"not null"`
	UpdatedAt  time.Time
}

func (SessionModel) TableName() string { return "sessions" }

// ScheduledTaskModel maps to the "scheduled_tasks" table.
type ScheduledTaskModel struct {
	ID               string     `gorm:"primaryKey"`
	Prompt           string     `gorm:"type:text;not null"`
	ScheduleType     string     `gorm:"not null"`
	ScheduleValue    string     `gorm:"not null"`
	ContextMode      string     `gorm:"not null;default:'isolated'"`
	OwnerRoomFolder  string     `gorm:"not null;index"`
	TargetRoomFolder string     `gorm:"not null;index"`
	Status           string     `gorm:"not null;index"`
	NextRunAt        *time.Time `gorm:"index"`
	LastRunAt        *time.Time
	LastResult       string `gorm:"type:text"`
	LastError        string `gorm:"type:text"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (ScheduledTaskModel) TableName() string { return "scheduled_tasks" }

// TaskRunModel maps to the "task_run_logs" table.
// Append-only; no UpdatedAt.
type TaskRunModel struct {
	ID         uint      `gorm:"primaryKey;autoIncrement"`
	TaskID     string    `gorm:"not null;index:idx_task_runs_task_run_at,priority:1"`
	RunAt      time.Time `gorm:"not null;index:idx_task_runs_task_run_at,priority:2"`
	DurationMS int64     `gorm:"not null;default:0"`
	Status     string    `gorm:"not null"`
	Result     string    `gorm:"type:text"`
	Error      string    `gorm:"type:text"`
}

func (TaskRunModel) TableName() string { return "task_run_logs" }

// Models lists every model in migration order.
func Models() []any {
	return []any{
		&RoomModel{},
		&SessionModel{},
		&ScheduledTaskModel{},
		&TaskRunModel{},
	}
}
