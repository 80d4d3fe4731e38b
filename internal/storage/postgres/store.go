package postgres

import (
	"context"
	"fmt"
	"sync"

	"github.com/jkaninda/kibanda/internal/rooms"
	"github.com/jkaninda/kibanda/internal/scheduler"
	"github.com/jkaninda/kibanda/internal/session"
	"github.com/jkaninda/kibanda/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu       sync.Mutex
	rooms    rooms.Store
	sessions session.Store
	tasks    scheduler.TaskStore
	runs     scheduler.RunLog
}

var _ storage.Store = (*Store)(nil)

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := migrate(s.pgDB.GormDB().WithContext(ctx)); err != nil {
		return fmt.Errorf("migrating postgres schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// --- Sub-store accessors ---

func (s *Store) Rooms() rooms.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.rooms == nil {
		s.rooms = NewRoomRepository(s.pgDB.GormDB())
	}
	return s.rooms
}

func (s *Store) Sessions() session.Store {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.sessions == nil {
		s.sessions = NewSessionRepository(s.pgDB.GormDB())
	}
	return s.sessions
}

func (s *Store) Tasks() scheduler.TaskStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.tasks == nil {
		s.tasks = NewTaskRepository(s.pgDB.GormDB())
	}
	return s.tasks
}

func (s *Store) TaskRuns() scheduler.RunLog {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.runs == nil {
		s.runs = NewTaskRunRepository(s.pgDB.GormDB())
	}
	return s.runs
}
