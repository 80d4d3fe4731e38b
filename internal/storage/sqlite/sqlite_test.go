package sqlite

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/jkaninda/kibanda/internal/domain"
	"github.com/jkaninda/kibanda/internal/scheduler"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	s, err := Open(Config{Path: filepath.Join(t.TempDir(), "kibanda.db")}, logger)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	if err := s.Migrate(context.Background()); err != nil {
		t.Fatalf("Migrate: %v", err)
	}
	return s
}

func TestRooms(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	rw := false

	room := &domain.Room{
		Folder:         "team",
		ChatRef:        "chat:team",
		Name:           "Team",
		RequireTrigger: &rw,
		MountAllowlist: []string{"/srv/projects"},
		ExtraMounts:    []domain.MountRequest{{HostPath: "/srv/projects/app", ContainerPath: "app", ReadOnly: &rw}},
		AddedAt:        time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC),
	}
	if err := s.Rooms().Create(ctx, room); err != nil {
		t.Fatalf("Create: %v", err)
	}

	dup := *room
	dup.Folder = "other"
	if err := s.Rooms().Create(ctx, &dup); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("duplicate chat ref err = %v, want ErrDuplicate", err)
	}

	got, err := s.Rooms().GetByChatRef(ctx, "chat:team")
	if err != nil {
		t.Fatalf("GetByChatRef: %v", err)
	}
	if got.Folder != "team" || got.RequireTrigger == nil || *got.RequireTrigger {
		t.Errorf("room = %+v", got)
	}
	if len(got.ExtraMounts) != 1 || got.ExtraMounts[0].ContainerPath != "app" || *got.ExtraMounts[0].ReadOnly {
		t.Errorf("extra mounts = %+v", got.ExtraMounts)
	}
	if len(got.MountAllowlist) != 1 || got.MountAllowlist[0] != "/srv/projects" {
		t.Errorf("mount allowlist = %v", got.MountAllowlist)
	}

	got.Name = "Renamed"
	got.RequireTrigger = nil
	if err := s.Rooms().Update(ctx, got); err != nil {
		t.Fatalf("Update: %v", err)
	}
	again, err := s.Rooms().Get(ctx, "team")
	if err != nil {
		t.Fatal(err)
	}
	if again.Name != "Renamed" || again.RequireTrigger != nil {
		t.Errorf("after update = %+v", again)
	}

	if _, err := s.Rooms().Get(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get missing err = %v", err)
	}
	if err := s.Rooms().Update(ctx, &domain.Room{Folder: "missing", ChatRef: "x"}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Update missing err = %v", err)
	}

	list, err := s.Rooms().List(ctx)
	if err != nil || len(list) != 1 {
		t.Errorf("List = %v, %v", list, err)
	}
}

func TestSessions(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if _, err := s.Sessions().Get(ctx, "team", "claude"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get empty err = %v", err)
	}
	if err := s.Sessions().Put(ctx, "team", "claude", []byte("one")); err != nil {
		t.Fatal(err)
	}
	if err := s.Sessions().Put(ctx, "team", "claude", []byte("two")); err != nil {
		t.Fatal(err)
	}
	tok, err := s.Sessions().Get(ctx, "team", "claude")
	if err != nil || !bytes.Equal(tok, []byte("two")) {
		t.Errorf("Get = %q, %v; want two", tok, err)
	}
	if err := s.Sessions().Delete(ctx, "team", "claude"); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Sessions().Get(ctx, "team", "claude"); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Get after delete err = %v", err)
	}
}

func TestTasks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)
	due := now.Add(-time.Second)
	later := now.Add(time.Hour)

	tasks := []*domain.ScheduledTask{
		{ID: "task-a", Prompt: "a", ScheduleType: domain.ScheduleCron, ScheduleValue: "0 9 * * *", OwnerRoomFolder: "main", TargetRoomFolder: "r2", Status: domain.TaskActive, NextRunAt: &due, CreatedAt: now},
		{ID: "task-b", Prompt: "b", ScheduleType: domain.ScheduleInterval, ScheduleValue: "60000", OwnerRoomFolder: "r2", TargetRoomFolder: "r2", Status: domain.TaskActive, NextRunAt: &later, CreatedAt: now.Add(time.Second)},
		{ID: "task-c", Prompt: "c", ScheduleType: domain.ScheduleOnce, ScheduleValue: "2026-03-10T09:00:00Z", OwnerRoomFolder: "r3", TargetRoomFolder: "r3", Status: domain.TaskPaused, NextRunAt: &due, CreatedAt: now.Add(2 * time.Second)},
	}
	for _, task := range tasks {
		if err := s.Tasks().Create(ctx, task); err != nil {
			t.Fatalf("Create %s: %v", task.ID, err)
		}
	}
	if err := s.Tasks().Create(ctx, tasks[0]); !errors.Is(err, domain.ErrDuplicate) {
		t.Errorf("duplicate ID err = %v", err)
	}

	got, err := s.Tasks().Due(ctx, now)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].ID != "task-a" {
		t.Errorf("Due = %+v, want only task-a", got)
	}

	r2, err := s.Tasks().List(ctx, scheduler.TaskFilter{Room: "r2"})
	if err != nil || len(r2) != 2 {
		t.Errorf("List(r2) = %d, %v; want 2", len(r2), err)
	}
	paused, err := s.Tasks().List(ctx, scheduler.TaskFilter{Status: domain.TaskPaused})
	if err != nil || len(paused) != 1 || paused[0].ID != "task-c" {
		t.Errorf("List(paused) = %+v, %v", paused, err)
	}

	a := tasks[0]
	a.NextRunAt = nil
	a.LastRunAt = &now
	a.LastResult = "done"
	a.Status = domain.TaskCancelled
	if err := s.Tasks().Update(ctx, a); err != nil {
		t.Fatal(err)
	}
	back, err := s.Tasks().Get(ctx, "task-a")
	if err != nil {
		t.Fatal(err)
	}
	if back.NextRunAt != nil || back.LastRunAt == nil || !back.LastRunAt.Equal(now) || back.LastResult != "done" || back.Status != domain.TaskCancelled {
		t.Errorf("after update = %+v", back)
	}
	if err := s.Tasks().Update(ctx, &domain.ScheduledTask{ID: "task-missing"}); !errors.Is(err, domain.ErrNotFound) {
		t.Errorf("Update missing err = %v", err)
	}
}

func TestTaskRuns(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 3, 10, 10, 0, 0, 0, time.UTC)

	for i := range 3 {
		run := &domain.TaskRun{TaskID: "task-a", RunAt: base.Add(time.Duration(i) * time.Minute), Duration: 1500 * time.Millisecond, Status: "success"}
		if err := s.TaskRuns().AppendRun(ctx, run); err != nil {
			t.Fatal(err)
		}
		if run.ID == 0 {
			t.Error("run ID not assigned")
		}
	}
	runs, err := s.TaskRuns().ListRuns(ctx, "task-a", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(runs) != 2 || !runs[0].RunAt.Equal(base.Add(2*time.Minute)) || runs[0].Duration != 1500*time.Millisecond {
		t.Errorf("ListRuns = %+v", runs)
	}
}

// The store satisfies the scheduler end to end.
func TestSchedulerOnSQLite(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()
	sched := scheduler.New(s.Tasks(), s.TaskRuns(), nil, scheduler.Config{}, nil, nil, slog.New(slog.DiscardHandler))

	task := &domain.ScheduledTask{Prompt: "p", ScheduleType: domain.ScheduleCron, ScheduleValue: "@hourly", OwnerRoomFolder: "main", TargetRoomFolder: "main"}
	if err := sched.Create(ctx, task); err != nil {
		t.Fatal(err)
	}
	if err := sched.Pause(ctx, task.ID); err != nil {
		t.Fatal(err)
	}
	got, err := sched.Get(ctx, task.ID)
	if err != nil || got.Status != domain.TaskPaused {
		t.Errorf("Get = %+v, %v", got, err)
	}
}

func TestDSNPragmas(t *testing.T) {
	got := dsn("/data/kibanda.db", "wal", 2500*time.Millisecond)
	path, query, ok := strings.Cut(got, "?")
	if !ok || path != "/data/kibanda.db" {
		t.Fatalf("dsn = %q", got)
	}
	q, err := url.ParseQuery(query)
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"journal_mode(wal)", "busy_timeout(2500)", "foreign_keys(ON)"}
	if !slices.Equal(q["_pragma"], want) {
		t.Errorf("pragmas = %v, want %v", q["_pragma"], want)
	}
}
