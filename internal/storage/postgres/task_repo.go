package postgres

import (
	"context"
	"fmt"
	"time"

	"gorm.io/gorm"

	"github.com/jkaninda/kibanda/internal/domain"
	"github.com/jkaninda/kibanda/internal/scheduler"
)

// TaskRepository implements scheduler.TaskStore with GORM.
type TaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository creates a TaskRepository.
func NewTaskRepository(db *gorm.DB) *TaskRepository {
	return &TaskRepository{db: db}
}

// Create persists a new scheduled task.
func (r *TaskRepository) Create(ctx context.Context, t *domain.ScheduledTask) error {
	model := toTaskModel(t)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("creating task %s: %w", t.ID, mapError(err))
	}
	return nil
}

// Get retrieves a task by ID.
func (r *TaskRepository) Get(ctx context.Context, id string) (*domain.ScheduledTask, error) {
	var model ScheduledTaskModel
	if err := r.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		return nil, fmt.Errorf("getting task %s: %w", id, mapError(err))
	}
	return toTaskDomain(&model), nil
}

// Update persists every column of an existing task, including nil run times.
func (r *TaskRepository) Update(ctx context.Context, t *domain.ScheduledTask) error {
	model := toTaskModel(t)
	result := r.db.WithContext(ctx).
		Model(&ScheduledTaskModel{}).
		Where("id = ?", t.ID).
		Select("*").
		Omit("id", "created_at").
		Updates(&model)
	if result.Error != nil {
		return fmt.Errorf("updating task %s: %w", t.ID, result.Error)
	}
	if result.RowsAffected == 0 {
		return fmt.Errorf("updating task %s: %w", t.ID, domain.ErrNotFound)
	}
	return nil
}

// List returns tasks matching f, oldest first.
func (r *TaskRepository) List(ctx context.Context, f scheduler.TaskFilter) ([]domain.ScheduledTask, error) {
	q := r.db.WithContext(ctx).Order("created_at, id")
	if f.Room != "" {
		q = q.Where("owner_room_folder = ? OR target_room_folder = ?", f.Room, f.Room)
	}
	if f.Status != "" {
		q = q.Where("status = ?", string(f.Status))
	}
	var models []ScheduledTaskModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	return toTasks(models), nil
}

// Due returns active tasks whose next run is at or before now, earliest first.
func (r *TaskRepository) Due(ctx context.Context, now time.Time) ([]domain.ScheduledTask, error) {
	var models []ScheduledTaskModel
	if err := r.db.WithContext(ctx).
		Where("status = ? AND next_run_at IS NOT NULL AND next_run_at <= ?", string(domain.TaskActive), now.UTC()).
		Order("next_run_at").
		Find(&models).Error; err != nil {
		return nil, fmt.Errorf("getting due tasks: %w", err)
	}
	return toTasks(models), nil
}

func toTasks(models []ScheduledTaskModel) []domain.ScheduledTask {
	out := make([]domain.ScheduledTask, len(models))
	for i := range models {
		out[i] = *toTaskDomain(&models[i])
	}
	return out
}

// TaskRunRepository implements scheduler.RunLog with GORM.
type TaskRunRepository struct {
	db *gorm.DB
}

// NewTaskRunRepository creates a TaskRunRepository.
func NewTaskRunRepository(db *gorm.DB) *TaskRunRepository {
	return &TaskRunRepository{db: db}
}

// AppendRun records one run. run.ID is set on success.
func (r *TaskRunRepository) AppendRun(ctx context.Context, run *domain.TaskRun) error {
	model := toTaskRunModel(run)
	if err := r.db.WithContext(ctx).Create(&model).Error; err != nil {
		return fmt.Errorf("recording run of task %s: %w", run.TaskID, err)
	}
	run.ID = model.ID
	return nil
}

// ListRuns returns the latest runs of a task, newest first. limit <= 0 means all.
func (r *TaskRunRepository) ListRuns(ctx context.Context, taskID string, limit int) ([]domain.TaskRun, error) {
	q := r.db.WithContext(ctx).Where("task_id = ?", taskID).Order("run_at DESC, id DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	var models []TaskRunModel
	if err := q.Find(&models).Error; err != nil {
		return nil, fmt.Errorf("listing runs of task %s: %w", taskID, err)
	}
	out := make([]domain.TaskRun, len(models))
	for i := range models {
		out[i] = toTaskRunDomain(&models[i])
	}
	return out, nil
}
