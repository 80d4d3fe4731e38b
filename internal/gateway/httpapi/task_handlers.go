package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/kibanda/internal/domain"
	"github.com/jkaninda/kibanda/internal/scheduler"
)

const (
	defaultRunsLimit = 20
	maxRunsLimit     = 100
)

// TaskResponse is the JSON response for task endpoints.
type TaskResponse struct {
	ID            string     `json:"id"`
	Prompt        string     `json:"prompt"`
	ScheduleType  string     `json:"schedule_type"`
	ScheduleValue string     `json:"schedule_value"`
	ContextMode   string     `json:"context_mode"`
	OwnerRoom     string     `json:"owner_room"`
	TargetRoom    string     `json:"target_room"`
	Status        string     `json:"status"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty"`
	LastResult    string     `json:"last_result,omitempty"`
	LastError     string     `json:"last_error,omitempty"`
	CreatedAt     time.Time  `json:"created_at"`
	UpdatedAt     time.Time  `json:"updated_at"`
}

func toTaskResponse(t *domain.ScheduledTask) TaskResponse {
	return TaskResponse{
		ID:            t.ID,
		Prompt:        t.Prompt,
		ScheduleType:  string(t.ScheduleType),
		ScheduleValue: t.ScheduleValue,
		ContextMode:   string(t.ContextMode),
		OwnerRoom:     t.OwnerRoomFolder,
		TargetRoom:    t.TargetRoomFolder,
		Status:        string(t.Status),
		NextRunAt:     t.NextRunAt,
		LastRunAt:     t.LastRunAt,
		LastResult:    t.LastResult,
		LastError:     t.LastError,
		CreatedAt:     t.CreatedAt,
		UpdatedAt:     t.UpdatedAt,
	}
}

// TaskRunResponse is one entry of a task's run log.
type TaskRunResponse struct {
	RunAt      time.Time `json:"run_at"`
	DurationMS int64     `json:"duration_ms"`
	Status     string    `json:"status"`
	Result     string    `json:"result,omitempty"`
	Error      string    `json:"error,omitempty"`
}

func toTaskRunResponse(r *domain.TaskRun) TaskRunResponse {
	return TaskRunResponse{
		RunAt:      r.RunAt,
		DurationMS: r.Duration.Milliseconds(),
		Status:     r.Status,
		Result:     r.Result,
		Error:      r.Error,
	}
}

func (g *Gateway) handleTaskList(c *okapi.Context) error {
	status := domain.TaskStatus(query(c, "status"))
	if status != "" && !validStatus(status) {
		return c.AbortBadRequest("invalid status")
	}
	tasks, err := g.tasks.List(c.Context(), scheduler.TaskFilter{
		Room:   query(c, "room"),
		Status: status,
	})
	if err != nil {
		g.logger.Error("listing tasks failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("failed to list tasks")
	}
	resp := make([]TaskResponse, len(tasks))
	for i := range tasks {
		resp[i] = toTaskResponse(&tasks[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleTaskGet(c *okapi.Context) error {
	t, err := g.tasks.Get(c.Context(), c.Param("id"))
	if err != nil {
		return g.taskError(c, err)
	}
	return c.OK(toTaskResponse(t))
}

func (g *Gateway) handleTaskRuns(c *okapi.Context) error {
	limit := defaultRunsLimit
	if v := query(c, "limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			return c.AbortBadRequest("limit must be a positive integer")
		}
		limit = min(n, maxRunsLimit)
	}

	id := c.Param("id")
	if _, err := g.tasks.Get(c.Context(), id); err != nil {
		return g.taskError(c, err)
	}
	runs, err := g.tasks.Runs(c.Context(), id, limit)
	if err != nil {
		return g.taskError(c, err)
	}
	resp := make([]TaskRunResponse, len(runs))
	for i := range runs {
		resp[i] = toTaskRunResponse(&runs[i])
	}
	return c.OK(resp)
}

// handleTaskAction returns the handler for POST /v1/tasks/{id}/<action>.
func (g *Gateway) handleTaskAction(action string) okapi.HandlerFunc {
	apply := map[string]func(*okapi.Context, string) error{
		"pause":  func(c *okapi.Context, id string) error { return g.tasks.Pause(c.Context(), id) },
		"resume": func(c *okapi.Context, id string) error { return g.tasks.Resume(c.Context(), id) },
		"cancel": func(c *okapi.Context, id string) error { return g.tasks.Cancel(c.Context(), id) },
	}[action]

	return func(c *okapi.Context) error {
		id := c.Param("id")
		if err := apply(c, id); err != nil {
			return g.taskError(c, err)
		}
		g.logger.Info("task updated via api",
			slog.String("task_id", id),
			slog.String("action", action),
			slog.String("client", c.GetString(clientKey)),
		)
		t, err := g.tasks.Get(c.Context(), id)
		if err != nil {
			return g.taskError(c, err)
		}
		return c.OK(toTaskResponse(t))
	}
}

// taskError maps scheduler errors to HTTP responses.
func (g *Gateway) taskError(c *okapi.Context, err error) error {
	switch {
	case errors.Is(err, domain.ErrNotFound):
		return c.JSON(http.StatusNotFound, ErrorBody{Error: "task not found"})
	case errors.Is(err, scheduler.ErrInvalidTransition):
		return c.JSON(http.StatusConflict, ErrorBody{Error: err.Error()})
	default:
		g.logger.Error("task request failed", slog.String("error", err.Error()))
		return c.AbortInternalServerError("task request failed")
	}
}

func validStatus(s domain.TaskStatus) bool {
	switch s {
	case domain.TaskActive, domain.TaskPaused, domain.TaskCancelled, domain.TaskError:
		return true
	}
	return false
}

func query(c *okapi.Context, key string) string {
	return c.Request().URL.Query().Get(key)
}
