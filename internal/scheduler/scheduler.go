// Package scheduler fires scheduled tasks against their target rooms.
//
// Due tasks are found by polling the task store on a fixed tick. A task's
// next fire time is persisted before its run starts, so a crash mid-run
// never fires the same occurrence twice. Scheduled execution is not
// privileged: each run goes through the same invocation path as a chat
// message in the target room.
package scheduler

import (
	"cmp"
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jkaninda/kibanda/internal/domain"
)

const (
	defaultPollInterval    = 30 * time.Second
	defaultMaxConcurrent   = 4
	defaultMissedJobWindow = time.Hour
	resultPreviewLen       = 200
)

// ErrFatal marks a run failure that must stop the task from firing again
// (e.g. its target room no longer exists). Runners wrap it.
var ErrFatal = errors.New("fatal task failure")

// ErrInvalidTransition is returned when a status change is not allowed.
var ErrInvalidTransition = errors.New("invalid task status transition")

// Runner executes one run of a task and returns its result text.
type Runner interface {
	RunTask(ctx context.Context, task *domain.ScheduledTask) (string, error)
}

// Config holds scheduler tuning.
type Config struct {
	PollInterval    time.Duration
	MaxConcurrent   int
	MissedJobWindow time.Duration // Recurring runs overdue by more than this are skipped.
	Location        *time.Location
}

// Scheduler owns task lifecycle transitions and fires due tasks.
// Mutations and the due-task scan are serialized, so a pause, resume or
// cancel always lands between two ticks.
type Scheduler struct {
	store   TaskStore
	runs    RunLog
	runner  Runner
	clock   clockwork.Clock
	cfg     Config
	metrics *Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	inflight map[string]bool
	sem      chan struct{}
	wg       sync.WaitGroup
}

// New creates a Scheduler. A nil clock means the real clock.
func New(store TaskStore, runs RunLog, runner Runner, cfg Config, clock clockwork.Clock, metrics *Metrics, logger *slog.Logger) *Scheduler {
	cfg.PollInterval = cmp.Or(cfg.PollInterval, defaultPollInterval)
	cfg.MaxConcurrent = cmp.Or(cfg.MaxConcurrent, defaultMaxConcurrent)
	cfg.MissedJobWindow = cmp.Or(cfg.MissedJobWindow, defaultMissedJobWindow)
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Scheduler{
		store:    store,
		runs:     runs,
		runner:   runner,
		clock:    clock,
		cfg:      cfg,
		metrics:  metrics,
		logger:   logger,
		inflight: make(map[string]bool),
		sem:      make(chan struct{}, cfg.MaxConcurrent),
	}
}

// Location returns the timezone cron expressions are evaluated in.
func (s *Scheduler) Location() *time.Location { return s.cfg.Location }

// Start reloads persisted tasks and begins polling in a background
// goroutine. The returned function stops polling and waits for in-flight
// runs to return.
func (s *Scheduler) Start(ctx context.Context) func() {
	ctx, cancel := context.WithCancel(ctx)
	loopDone := make(chan struct{})

	go func() {
		defer close(loopDone)

		if err := s.Reload(ctx); err != nil {
			s.logger.ErrorContext(ctx, "scheduler reload failed", slog.String("error", err.Error()))
		}

		ticker := s.clock.NewTicker(s.cfg.PollInterval)
		defer ticker.Stop()

		s.logger.InfoContext(ctx, "scheduler started",
			slog.Duration("poll_interval", s.cfg.PollInterval),
			slog.Int("max_concurrent", s.cfg.MaxConcurrent),
			slog.String("timezone", s.cfg.Location.String()),
		)

		s.Tick(ctx)
		for {
			select {
			case <-ctx.Done():
				s.logger.Info("scheduler stopped")
				return
			case <-ticker.Chan():
				s.Tick(ctx)
			}
		}
	}()

	return func() {
		cancel()
		<-loopDone
		s.wg.Wait()
	}
}

// Reload brings persisted active tasks into a consistent state after a
// restart: once tasks that already started a run are cancelled, and
// tasks with no next run get one computed from now.
func (s *Scheduler) Reload(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.store.List(ctx, TaskFilter{Status: domain.TaskActive})
	if err != nil {
		return fmt.Errorf("listing active tasks: %w", err)
	}
	now := s.clock.Now().UTC()

	for i := range tasks {
		t := &tasks[i]
		switch {
		case t.ScheduleType == domain.ScheduleOnce && t.LastRunAt != nil:
			t.Status = domain.TaskCancelled
			t.NextRunAt = nil
		case t.NextRunAt == nil:
			next, err := s.resumeNext(t, now)
			if err != nil {
				s.markError(ctx, t, err)
				continue
			}
			t.NextRunAt = &next
		default:
			continue
		}
		t.UpdatedAt = now
		if err := s.store.Update(ctx, t); err != nil {
			return fmt.Errorf("reloading task %s: %w", t.ID, err)
		}
		s.logger.InfoContext(ctx, "task reloaded",
			slog.String("task_id", t.ID),
			slog.String("status", string(t.Status)),
		)
	}
	return nil
}

// Tick fires every due task that is not already running.
func (s *Scheduler) Tick(ctx context.Context) {
	start := s.clock.Now()
	defer func() {
		if s.metrics != nil {
			s.metrics.TickDuration.Observe(s.clock.Since(start).Seconds())
		}
	}()

	s.mu.Lock()
	defer s.mu.Unlock()

	now := start.UTC()
	due, err := s.store.Due(ctx, now)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler: failed to load due tasks", slog.String("error", err.Error()))
		return
	}

	for i := range due {
		t := due[i]
		if s.inflight[t.ID] {
			continue
		}

		if t.ScheduleType != domain.ScheduleOnce && now.Sub(*t.NextRunAt) > s.cfg.MissedJobWindow {
			s.skipMissed(ctx, &t, now)
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			if s.metrics != nil {
				s.metrics.TasksDeferred.Inc()
			}
			s.logger.WarnContext(ctx, "scheduler at capacity, deferring task", slog.String("task_id", t.ID))
			continue
		}

		if err := s.advance(ctx, &t, now); err != nil {
			<-s.sem
			s.logger.ErrorContext(ctx, "scheduler: failed to advance task",
				slog.String("task_id", t.ID),
				slog.String("error", err.Error()),
			)
			continue
		}

		s.inflight[t.ID] = true
		s.wg.Add(1)
		go s.run(ctx, t, now)
	}
}

// advance persists the run start and the following fire time before the
// run begins.
func (s *Scheduler) advance(ctx context.Context, t *domain.ScheduledTask, now time.Time) error {
	next, err := NextAfterRun(t, now, s.cfg.Location)
	if err != nil {
		s.markError(ctx, t, err)
		return err
	}
	startedAt := now
	t.LastRunAt = &startedAt
	t.NextRunAt = next
	t.UpdatedAt = now
	return s.store.Update(ctx, t)
}

func (s *Scheduler) skipMissed(ctx context.Context, t *domain.ScheduledTask, now time.Time) {
	missed := *t.NextRunAt
	next, err := s.resumeNext(t, now)
	if err != nil {
		s.markError(ctx, t, err)
		return
	}
	t.NextRunAt = &next
	t.LastError = "skipped: outside missed run window"
	t.UpdatedAt = now
	if err := s.store.Update(ctx, t); err != nil {
		s.logger.ErrorContext(ctx, "scheduler: failed to skip missed task",
			slog.String("task_id", t.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	if s.metrics != nil {
		s.metrics.TasksMissed.Inc()
	}
	s.logger.WarnContext(ctx, "skipping missed task",
		slog.String("task_id", t.ID),
		slog.Time("missed_run", missed),
		slog.Time("next_run", next),
	)
}

func (s *Scheduler) run(ctx context.Context, t domain.ScheduledTask, startedAt time.Time) {
	defer s.wg.Done()
	defer func() { <-s.sem }()

	correlationID := newCorrelationID()
	if s.metrics != nil {
		s.metrics.TasksFired.Inc()
	}
	s.logger.InfoContext(ctx, "scheduled task firing",
		slog.String("task_id", t.ID),
		slog.String("room", t.TargetRoomFolder),
		slog.String("correlation_id", correlationID),
	)

	result, err := s.invoke(ctx, &t)
	s.complete(ctx, t.ID, startedAt, s.clock.Since(startedAt), result, err)
}

func (s *Scheduler) invoke(ctx context.Context, t *domain.ScheduledTask) (result string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task runner panic: %v", r)
		}
	}()
	return s.runner.RunTask(ctx, t)
}

// complete records the run and updates the task. Status changes made
// while the run was in flight are kept.
func (s *Scheduler) complete(ctx context.Context, id string, startedAt time.Time, dur time.Duration, result string, runErr error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.inflight, id)

	run := &domain.TaskRun{TaskID: id, RunAt: startedAt, Duration: dur, Status: "success", Result: result}
	if runErr != nil {
		run.Status = "error"
		run.Error = runErr.Error()
	}
	if err := s.runs.AppendRun(ctx, run); err != nil {
		s.logger.ErrorContext(ctx, "scheduler: failed to record run",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
	}

	t, err := s.store.Get(ctx, id)
	if err != nil {
		s.logger.ErrorContext(ctx, "scheduler: task vanished during run",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
		return
	}

	if runErr != nil {
		t.LastResult = "Error: " + runErr.Error()
		t.LastError = runErr.Error()
	} else {
		t.LastResult = preview(result)
		t.LastError = ""
	}
	if t.Status == domain.TaskActive {
		switch {
		case errors.Is(runErr, ErrFatal):
			t.Status = domain.TaskError
			t.NextRunAt = nil
		case t.ScheduleType == domain.ScheduleOnce:
			t.Status = domain.TaskCancelled
			t.NextRunAt = nil
		}
	}
	t.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.Update(ctx, t); err != nil {
		s.logger.ErrorContext(ctx, "scheduler: failed to update task after run",
			slog.String("task_id", id),
			slog.String("error", err.Error()),
		)
	}

	if runErr != nil {
		if s.metrics != nil {
			s.metrics.TasksFailed.Inc()
		}
		s.logger.WarnContext(ctx, "scheduled task failed",
			slog.String("task_id", id),
			slog.String("status", string(t.Status)),
			slog.String("error", runErr.Error()),
		)
		return
	}
	if s.metrics != nil {
		s.metrics.TasksSucceeded.Inc()
	}
	s.logger.InfoContext(ctx, "scheduled task completed",
		slog.String("task_id", id),
		slog.Duration("duration", dur),
	)
}

// Create validates and persists a new active task. ID, status and
// timestamps are assigned here; an unknown context mode becomes isolated.
func (s *Scheduler) Create(ctx context.Context, t *domain.ScheduledTask) error {
	if t.Prompt == "" {
		return fmt.Errorf("prompt is required")
	}
	if err := ValidateSchedule(t.ScheduleType, t.ScheduleValue, s.cfg.Location); err != nil {
		return err
	}
	if t.ContextMode != domain.ContextGroup {
		t.ContextMode = domain.ContextIsolated
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.clock.Now().UTC()
	next, err := FirstRun(t.ScheduleType, t.ScheduleValue, now, s.cfg.Location)
	if err != nil {
		return err
	}
	if t.ID == "" {
		t.ID = NewTaskID(now)
	}
	t.Status = domain.TaskActive
	t.NextRunAt = &next
	t.LastRunAt = nil
	t.CreatedAt = now
	t.UpdatedAt = now
	if err := s.store.Create(ctx, t); err != nil {
		return fmt.Errorf("creating task: %w", err)
	}

	s.logger.InfoContext(ctx, "task scheduled",
		slog.String("task_id", t.ID),
		slog.String("schedule_type", string(t.ScheduleType)),
		slog.String("schedule_value", t.ScheduleValue),
		slog.String("owner", t.OwnerRoomFolder),
		slog.String("target", t.TargetRoomFolder),
		slog.Time("next_run", next),
	)
	return nil
}

// Pause stops an active task from firing.
func (s *Scheduler) Pause(ctx context.Context, id string) error {
	return s.transition(ctx, id, func(t *domain.ScheduledTask, _ time.Time) error {
		if t.Status != domain.TaskActive {
			return fmt.Errorf("%w: cannot pause %s task", ErrInvalidTransition, t.Status)
		}
		t.Status = domain.TaskPaused
		return nil
	})
}

// Resume reactivates a paused or errored task.
func (s *Scheduler) Resume(ctx context.Context, id string) error {
	return s.transition(ctx, id, func(t *domain.ScheduledTask, now time.Time) error {
		if t.Status != domain.TaskPaused && t.Status != domain.TaskError {
			return fmt.Errorf("%w: cannot resume %s task", ErrInvalidTransition, t.Status)
		}
		if t.NextRunAt == nil {
			next, err := s.resumeNext(t, now)
			if err != nil {
				return err
			}
			t.NextRunAt = &next
		}
		t.Status = domain.TaskActive
		return nil
	})
}

// Cancel permanently stops a task. Cancelling twice is a no-op.
func (s *Scheduler) Cancel(ctx context.Context, id string) error {
	return s.transition(ctx, id, func(t *domain.ScheduledTask, _ time.Time) error {
		t.Status = domain.TaskCancelled
		t.NextRunAt = nil
		return nil
	})
}

func (s *Scheduler) transition(ctx context.Context, id string, apply func(*domain.ScheduledTask, time.Time) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, err := s.store.Get(ctx, id)
	if err != nil {
		return err
	}
	now := s.clock.Now().UTC()
	if err := apply(t, now); err != nil {
		return err
	}
	t.UpdatedAt = now
	if err := s.store.Update(ctx, t); err != nil {
		return fmt.Errorf("updating task %s: %w", id, err)
	}
	s.logger.InfoContext(ctx, "task status changed",
		slog.String("task_id", id),
		slog.String("status", string(t.Status)),
	)
	return nil
}

// Get returns a task by ID.
func (s *Scheduler) Get(ctx context.Context, id string) (*domain.ScheduledTask, error) {
	return s.store.Get(ctx, id)
}

// List returns tasks matching f.
func (s *Scheduler) List(ctx context.Context, f TaskFilter) ([]domain.ScheduledTask, error) {
	return s.store.List(ctx, f)
}

// Runs returns the most recent runs of a task, newest first.
func (s *Scheduler) Runs(ctx context.Context, id string, limit int) ([]domain.TaskRun, error) {
	return s.runs.ListRuns(ctx, id, limit)
}

// resumeNext computes a fresh next fire time for a task re-entering the
// schedule at now.
func (s *Scheduler) resumeNext(t *domain.ScheduledTask, now time.Time) (time.Time, error) {
	switch t.ScheduleType {
	case domain.ScheduleInterval:
		if t.LastRunAt != nil {
			d, err := ParseInterval(t.ScheduleValue)
			if err != nil {
				return time.Time{}, err
			}
			if next := t.LastRunAt.Add(d); next.After(now) {
				return next.UTC(), nil
			}
		}
	case domain.ScheduleOnce:
		if t.LastRunAt != nil {
			return now, nil
		}
	}
	return FirstRun(t.ScheduleType, t.ScheduleValue, now, s.cfg.Location)
}

func (s *Scheduler) markError(ctx context.Context, t *domain.ScheduledTask, cause error) {
	t.Status = domain.TaskError
	t.NextRunAt = nil
	t.LastError = cause.Error()
	t.UpdatedAt = s.clock.Now().UTC()
	if err := s.store.Update(ctx, t); err != nil {
		s.logger.ErrorContext(ctx, "scheduler: failed to mark task errored",
			slog.String("task_id", t.ID),
			slog.String("error", err.Error()),
		)
	}
	s.logger.WarnContext(ctx, "task disabled",
		slog.String("task_id", t.ID),
		slog.String("error", cause.Error()),
	)
}

func preview(s string) string {
	r := []rune(s)
	if len(r) <= resultPreviewLen {
		return s
	}
	return string(r[:resultPreviewLen])
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
