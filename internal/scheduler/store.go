package scheduler

import (
	"context"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/jkaninda/kibanda/internal/domain"
)

// TaskFilter narrows task listings. Zero fields match everything.
type TaskFilter struct {
	Room   string // Owner or target room folder.
	Status domain.TaskStatus
}

// TaskStore is the persistence interface for scheduled tasks.
// Lookups return domain.ErrNotFound for unknown IDs.
type TaskStore interface {
	Create(ctx context.Context, t *domain.ScheduledTask) error
	Get(ctx context.Context, id string) (*domain.ScheduledTask, error)
	Update(ctx context.Context, t *domain.ScheduledTask) error
	List(ctx context.Context, f TaskFilter) ([]domain.ScheduledTask, error)
	// Due returns active tasks whose NextRunAt <= now.
	Due(ctx context.Context, now time.Time) ([]domain.ScheduledTask, error)
}

// RunLog records every scheduled run.
type RunLog interface {
	AppendRun(ctx context.Context, run *domain.TaskRun) error
	ListRuns(ctx context.Context, taskID string, limit int) ([]domain.TaskRun, error)
}

// MemStore is an in-memory TaskStore and RunLog.
type MemStore struct {
	mu    sync.RWMutex
	tasks map[string]domain.ScheduledTask
	runs  []domain.TaskRun
}

// NewMemStore creates an empty MemStore.
func NewMemStore() *MemStore {
	return &MemStore{tasks: make(map[string]domain.ScheduledTask)}
}

func (s *MemStore) Create(_ context.Context, t *domain.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; ok {
		return domain.ErrDuplicate
	}
	s.tasks[t.ID] = clone(*t)
	return nil
}

func (s *MemStore) Get(_ context.Context, id string) (*domain.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	c := clone(t)
	return &c, nil
}

func (s *MemStore) Update(_ context.Context, t *domain.ScheduledTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[t.ID]; !ok {
		return domain.ErrNotFound
	}
	s.tasks[t.ID] = clone(*t)
	return nil
}

func (s *MemStore) List(_ context.Context, f TaskFilter) ([]domain.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ScheduledTask
	for _, t := range s.tasks {
		if f.Room != "" && t.OwnerRoomFolder != f.Room && t.TargetRoomFolder != f.Room {
			continue
		}
		if f.Status != "" && t.Status != f.Status {
			continue
		}
		out = append(out, clone(t))
	}
	slices.SortFunc(out, func(a, b domain.ScheduledTask) int { return strings.Compare(a.ID, b.ID) })
	return out, nil
}

func (s *MemStore) Due(_ context.Context, now time.Time) ([]domain.ScheduledTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.ScheduledTask
	for _, t := range s.tasks {
		if t.Status == domain.TaskActive && t.NextRunAt != nil && !t.NextRunAt.After(now) {
			out = append(out, clone(t))
		}
	}
	slices.SortFunc(out, func(a, b domain.ScheduledTask) int { return a.NextRunAt.Compare(*b.NextRunAt) })
	return out, nil
}

func (s *MemStore) AppendRun(_ context.Context, run *domain.TaskRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r := *run
	r.ID = uint(len(s.runs) + 1)
	s.runs = append(s.runs, r)
	return nil
}

func (s *MemStore) ListRuns(_ context.Context, taskID string, limit int) ([]domain.TaskRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []domain.TaskRun
	for i := len(s.runs) - 1; i >= 0; i-- {
		if s.runs[i].TaskID == taskID {
			out = append(out, s.runs[i])
			if limit > 0 && len(out) == limit {
				break
			}
		}
	}
	return out, nil
}

func clone(t domain.ScheduledTask) domain.ScheduledTask {
	if t.NextRunAt != nil {
		n := *t.NextRunAt
		t.NextRunAt = &n
	}
	if t.LastRunAt != nil {
		l := *t.LastRunAt
		t.LastRunAt = &l
	}
	return t
}
