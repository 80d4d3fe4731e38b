package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/jkaninda/kibanda/internal/domain"
)

var t0 = time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

type fakeRunner struct {
	mu     sync.Mutex
	calls  []domain.ScheduledTask
	result string
	err    error
	block  chan struct{}
	panics bool
}

func (r *fakeRunner) RunTask(_ context.Context, t *domain.ScheduledTask) (string, error) {
	r.mu.Lock()
	r.calls = append(r.calls, *t)
	block, panics := r.block, r.panics
	r.mu.Unlock()
	if block != nil {
		<-block
	}
	if panics {
		panic("boom")
	}
	return r.result, r.err
}

func (r *fakeRunner) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
}

func newTestScheduler(t *testing.T, runner Runner) (*Scheduler, *MemStore, *clockwork.FakeClock) {
	t.Helper()
	store := NewMemStore()
	clock := clockwork.NewFakeClockAt(t0)
	s := New(store, store, runner, Config{MaxConcurrent: 2}, clock, nil, testLogger())
	return s, store, clock
}

func createTask(t *testing.T, s *Scheduler, typ domain.ScheduleType, value string) *domain.ScheduledTask {
	t.Helper()
	task := &domain.ScheduledTask{
		Prompt:           "summarize the day",
		ScheduleType:     typ,
		ScheduleValue:    value,
		OwnerRoomFolder:  "main",
		TargetRoomFolder: "r2",
	}
	if err := s.Create(context.Background(), task); err != nil {
		t.Fatalf("Create: %v", err)
	}
	return task
}

func mustGet(t *testing.T, store *MemStore, id string) *domain.ScheduledTask {
	t.Helper()
	task, err := store.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("Get(%s): %v", id, err)
	}
	return task
}

func TestComputeNextRunFrom_Daily(t *testing.T) {
	first, err := ComputeNextRunFrom("0 9 * * *", t0, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	want := time.Date(2026, 3, 11, 9, 0, 0, 0, time.UTC)
	if !first.Equal(want) {
		t.Fatalf("first = %v, want %v", first, want)
	}
	second, err := ComputeNextRunFrom("0 9 * * *", first, time.UTC)
	if err != nil {
		t.Fatal(err)
	}
	if second.Sub(first) != 24*time.Hour {
		t.Errorf("second - first = %v, want 24h", second.Sub(first))
	}
}

func TestComputeNextRunFrom_Timezone(t *testing.T) {
	loc := time.FixedZone("UTC+2", 2*60*60)
	next, err := ComputeNextRunFrom("0 9 * * *", t0, loc)
	if err != nil {
		t.Fatal(err)
	}
	// 09:00 at UTC+2 is 07:00 UTC; 10:00 UTC has already passed it today.
	want := time.Date(2026, 3, 11, 7, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("next = %v, want %v", next, want)
	}
}

func TestValidateSchedule(t *testing.T) {
	tests := []struct {
		typ     domain.ScheduleType
		value   string
		wantErr bool
	}{
		{domain.ScheduleCron, "0 9 * * *", false},
		{domain.ScheduleCron, "@daily", false},
		{domain.ScheduleCron, "61 * * * *", true},
		{domain.ScheduleInterval, "300000", false},
		{domain.ScheduleInterval, "0", true},
		{domain.ScheduleInterval, "5m", true},
		{domain.ScheduleOnce, "2026-03-10T12:00:00Z", false},
		{domain.ScheduleOnce, "2026-03-10T12:00:00", false},
		{domain.ScheduleOnce, "tomorrow", true},
		{"hourly", "x", true},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s", tt.typ, tt.value), func(t *testing.T) {
			err := ValidateSchedule(tt.typ, tt.value, time.UTC)
			if (err != nil) != tt.wantErr {
				t.Errorf("err = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestCreate_Defaults(t *testing.T) {
	s, _, _ := newTestScheduler(t, &fakeRunner{})
	task := createTask(t, s, domain.ScheduleInterval, "60000")

	if task.Status != domain.TaskActive {
		t.Errorf("status = %s, want active", task.Status)
	}
	if task.ContextMode != domain.ContextIsolated {
		t.Errorf("context mode = %s, want isolated", task.ContextMode)
	}
	if task.NextRunAt == nil || !task.NextRunAt.Equal(t0.Add(time.Minute)) {
		t.Errorf("next run = %v, want %v", task.NextRunAt, t0.Add(time.Minute))
	}
	if err := s.Create(context.Background(), &domain.ScheduledTask{Prompt: "x", ScheduleType: domain.ScheduleCron, ScheduleValue: "nope"}); err == nil {
		t.Error("expected invalid cron to be rejected")
	}
}

func TestTick_IntervalMeasuredFromRunStart(t *testing.T) {
	runner := &fakeRunner{result: "done"}
	s, store, clock := newTestScheduler(t, runner)
	ctx := context.Background()
	task := createTask(t, s, domain.ScheduleInterval, "300000")

	var starts []time.Time
	for range 3 {
		next := mustGet(t, store, task.ID).NextRunAt
		clock.Advance(next.Sub(clock.Now()))
		s.Tick(ctx)
		s.wg.Wait()
		starts = append(starts, *mustGet(t, store, task.ID).LastRunAt)
	}

	if runner.count() != 3 {
		t.Fatalf("runs = %d, want 3", runner.count())
	}
	for i := 1; i < len(starts); i++ {
		if d := starts[i].Sub(starts[i-1]); d != 300000*time.Millisecond {
			t.Errorf("run %d started %v after previous, want 5m", i, d)
		}
	}
	got := mustGet(t, store, task.ID)
	if got.LastResult != "done" || got.Status != domain.TaskActive {
		t.Errorf("task = %+v", got)
	}
}

func TestTick_NotDueDoesNotFire(t *testing.T) {
	runner := &fakeRunner{}
	s, _, clock := newTestScheduler(t, runner)
	createTask(t, s, domain.ScheduleInterval, "300000")

	clock.Advance(4 * time.Minute)
	s.Tick(context.Background())
	s.wg.Wait()
	if runner.count() != 0 {
		t.Errorf("runs = %d, want 0", runner.count())
	}
}

func TestTick_OnceBecomesCancelled(t *testing.T) {
	runner := &fakeRunner{result: "reminder sent"}
	s, store, clock := newTestScheduler(t, runner)
	task := createTask(t, s, domain.ScheduleOnce, "2026-03-10T10:30:00Z")

	clock.Advance(30 * time.Minute)
	s.Tick(context.Background())
	s.wg.Wait()
	s.Tick(context.Background())
	s.wg.Wait()

	if runner.count() != 1 {
		t.Fatalf("runs = %d, want 1", runner.count())
	}
	got := mustGet(t, store, task.ID)
	if got.Status != domain.TaskCancelled || got.NextRunAt != nil {
		t.Errorf("status = %s next = %v, want cancelled with no next run", got.Status, got.NextRunAt)
	}
}

func TestTick_FailureOutcomes(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		panics     bool
		wantStatus domain.TaskStatus
	}{
		{"transient", errors.New("sandbox busy"), false, domain.TaskActive},
		{"fatal", fmt.Errorf("room r2 is gone: %w", ErrFatal), false, domain.TaskError},
		{"panic", nil, true, domain.TaskActive},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			runner := &fakeRunner{err: tt.err, panics: tt.panics}
			s, store, clock := newTestScheduler(t, runner)
			task := createTask(t, s, domain.ScheduleCron, "*/5 * * * *")

			clock.Advance(5 * time.Minute)
			s.Tick(context.Background())
			s.wg.Wait()

			got := mustGet(t, store, task.ID)
			if got.Status != tt.wantStatus {
				t.Errorf("status = %s, want %s", got.Status, tt.wantStatus)
			}
			if got.LastError == "" || got.LastResult[:6] != "Error:" {
				t.Errorf("last result = %q, last error = %q", got.LastResult, got.LastError)
			}
			runs, _ := store.ListRuns(context.Background(), task.ID, 0)
			if len(runs) != 1 || runs[0].Status != "error" {
				t.Errorf("runs = %+v", runs)
			}
		})
	}
}

func TestTick_InFlightTaskNotRefired(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	s, _, clock := newTestScheduler(t, runner)
	createTask(t, s, domain.ScheduleInterval, "1000")

	clock.Advance(time.Second)
	s.Tick(context.Background())
	clock.Advance(5 * time.Second)
	s.Tick(context.Background())
	close(runner.block)
	s.wg.Wait()

	if runner.count() != 1 {
		t.Errorf("runs = %d, want 1", runner.count())
	}
}

func TestTick_ConcurrencyLimitDefers(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	s, _, clock := newTestScheduler(t, runner)
	for range 3 {
		createTask(t, s, domain.ScheduleInterval, "1000")
	}

	clock.Advance(time.Second)
	s.Tick(context.Background())
	if got := runner.count(); got > 2 {
		t.Errorf("concurrent runs = %d, want at most 2", got)
	}
	close(runner.block)
	s.wg.Wait()

	s.Tick(context.Background())
	s.wg.Wait()
	if runner.count() != 3 {
		t.Errorf("total runs = %d, want 3", runner.count())
	}
}

func TestPauseResumeCancel(t *testing.T) {
	runner := &fakeRunner{}
	s, store, clock := newTestScheduler(t, runner)
	ctx := context.Background()
	task := createTask(t, s, domain.ScheduleInterval, "60000")

	if err := s.Pause(ctx, task.ID); err != nil {
		t.Fatalf("Pause: %v", err)
	}
	clock.Advance(time.Minute)
	s.Tick(ctx)
	s.wg.Wait()
	if runner.count() != 0 {
		t.Fatalf("paused task fired")
	}
	if err := s.Pause(ctx, task.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("second Pause err = %v, want ErrInvalidTransition", err)
	}

	if err := s.Resume(ctx, task.ID); err != nil {
		t.Fatalf("Resume: %v", err)
	}
	s.Tick(ctx)
	s.wg.Wait()
	if runner.count() != 1 {
		t.Fatalf("resumed task runs = %d, want 1", runner.count())
	}

	if err := s.Cancel(ctx, task.ID); err != nil {
		t.Fatalf("Cancel: %v", err)
	}
	if err := s.Cancel(ctx, task.ID); err != nil {
		t.Errorf("second Cancel: %v", err)
	}
	clock.Advance(time.Hour)
	s.Tick(ctx)
	s.wg.Wait()
	if runner.count() != 1 {
		t.Errorf("cancelled task fired")
	}
	if err := s.Resume(ctx, task.ID); !errors.Is(err, ErrInvalidTransition) {
		t.Errorf("Resume cancelled err = %v", err)
	}
	if got := mustGet(t, store, task.ID); got.Status != domain.TaskCancelled {
		t.Errorf("status = %s", got.Status)
	}
	if err := s.Pause(ctx, "task-missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Pause missing err = %v", err)
	}
}

func TestCancelDuringRunIsKept(t *testing.T) {
	runner := &fakeRunner{block: make(chan struct{})}
	s, store, clock := newTestScheduler(t, runner)
	ctx := context.Background()
	task := createTask(t, s, domain.ScheduleInterval, "1000")

	clock.Advance(time.Second)
	s.Tick(ctx)
	for runner.count() == 0 {
		time.Sleep(time.Millisecond)
	}
	if err := s.Cancel(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	close(runner.block)
	s.wg.Wait()

	if got := mustGet(t, store, task.ID); got.Status != domain.TaskCancelled {
		t.Errorf("status = %s, want cancelled", got.Status)
	}
}

func TestTick_MissedWindowSkips(t *testing.T) {
	runner := &fakeRunner{}
	s, store, clock := newTestScheduler(t, runner)
	task := createTask(t, s, domain.ScheduleCron, "0 * * * *")

	// Due at 11:00; scheduler comes back at 13:30.
	clock.Advance(3*time.Hour + 30*time.Minute)
	s.Tick(context.Background())
	s.wg.Wait()

	if runner.count() != 0 {
		t.Fatalf("missed run fired")
	}
	got := mustGet(t, store, task.ID)
	want := time.Date(2026, 3, 10, 14, 0, 0, 0, time.UTC)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(want) {
		t.Errorf("next = %v, want %v", got.NextRunAt, want)
	}
}

func TestReload(t *testing.T) {
	runner := &fakeRunner{}
	s, store, _ := newTestScheduler(t, runner)
	ctx := context.Background()

	started := t0.Add(-time.Minute)
	once := &domain.ScheduledTask{
		ID: "task-once", Prompt: "p", ScheduleType: domain.ScheduleOnce, ScheduleValue: "2026-03-10T09:59:00Z",
		Status: domain.TaskActive, LastRunAt: &started, TargetRoomFolder: "r2",
	}
	cronTask := &domain.ScheduledTask{
		ID: "task-cron", Prompt: "p", ScheduleType: domain.ScheduleCron, ScheduleValue: "30 10 * * *",
		Status: domain.TaskActive, TargetRoomFolder: "r2",
	}
	for _, task := range []*domain.ScheduledTask{once, cronTask} {
		if err := store.Create(ctx, task); err != nil {
			t.Fatal(err)
		}
	}

	if err := s.Reload(ctx); err != nil {
		t.Fatalf("Reload: %v", err)
	}
	if got := mustGet(t, store, "task-once"); got.Status != domain.TaskCancelled {
		t.Errorf("once status = %s, want cancelled", got.Status)
	}
	got := mustGet(t, store, "task-cron")
	want := time.Date(2026, 3, 10, 10, 30, 0, 0, time.UTC)
	if got.NextRunAt == nil || !got.NextRunAt.Equal(want) {
		t.Errorf("cron next = %v, want %v", got.NextRunAt, want)
	}
}

func TestStart_FiresAndStops(t *testing.T) {
	runner := &fakeRunner{result: "ok"}
	store := NewMemStore()
	clock := clockwork.NewFakeClockAt(t0)
	s := New(store, store, runner, Config{PollInterval: time.Second}, clock, nil, testLogger())

	task := &domain.ScheduledTask{Prompt: "p", ScheduleType: domain.ScheduleOnce, ScheduleValue: "2026-03-10T10:00:00Z", TargetRoomFolder: "r2"}
	if err := s.Create(context.Background(), task); err != nil {
		t.Fatal(err)
	}

	stop := s.Start(context.Background())
	deadline := time.Now().Add(5 * time.Second)
	for runner.count() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	stop()

	if runner.count() != 1 {
		t.Errorf("runs = %d, want 1", runner.count())
	}
}

func TestPreview(t *testing.T) {
	long := make([]rune, 300)
	for i := range long {
		long[i] = 'é'
	}
	if got := []rune(preview(string(long))); len(got) != resultPreviewLen {
		t.Errorf("preview length = %d, want %d", len(got), resultPreviewLen)
	}
	if preview("short") != "short" {
		t.Error("short result should be unchanged")
	}
}
