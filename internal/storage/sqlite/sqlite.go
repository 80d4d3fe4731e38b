// Package sqlite is the default single-host store: one database file beside
// the workspace, opened through the pure-Go glebarez/sqlite gorm driver.
// It shares models and repositories with the postgres package.
package sqlite

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"

	"github.com/jkaninda/kibanda/internal/rooms"
	"github.com/jkaninda/kibanda/internal/scheduler"
	"github.com/jkaninda/kibanda/internal/session"
	"github.com/jkaninda/kibanda/internal/storage"
	pgstore "github.com/jkaninda/kibanda/internal/storage/postgres"
)

const (
	defaultJournalMode = "wal"
	defaultBusyTimeout = 5 * time.Second
)

// Config locates the database file.
type Config struct {
	Path        string
	JournalMode string        // Default: wal.
	BusyTimeout time.Duration // How long a writer waits on a lock. Default: 5s.
}

// Store implements storage.Store. All access goes through a single
// connection, so the orchestrator's room workers and the scheduler never
// see SQLITE_BUSY from each other; the busy timeout covers external readers
// such as the admin CLI.
type Store struct {
	db     *gorm.DB
	logger *slog.Logger

	rooms    rooms.Store
	sessions session.Store
	tasks    scheduler.TaskStore
	runs     scheduler.RunLog
}

var _ storage.Store = (*Store)(nil)

// Open creates the parent directory if needed and opens the database.
// Call Migrate before first use.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	if cfg.Path == "" {
		return nil, errors.New("sqlite path is required")
	}
	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o750); err != nil {
		return nil, fmt.Errorf("creating database directory: %w", err)
	}
	mode := cmp.Or(cfg.JournalMode, defaultJournalMode)

	db, err := gorm.Open(sqlite.Open(dsn(cfg.Path, mode, cmp.Or(cfg.BusyTimeout, defaultBusyTimeout))), &gorm.Config{
		Logger:         pgstore.NewGormLogger(logger),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("opening %s: %w", cfg.Path, err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(1)

	logger.Info("sqlite store opened", slog.String("path", cfg.Path), slog.String("journal_mode", mode))
	return &Store{
		db:       db,
		logger:   logger,
		rooms:    pgstore.NewRoomRepository(db),
		sessions: pgstore.NewSessionRepository(db),
		tasks:    pgstore.NewTaskRepository(db),
		runs:     pgstore.NewTaskRunRepository(db),
	}, nil
}

// dsn encodes the pragmas the driver applies on every new connection.
func dsn(path, journalMode string, busy time.Duration) string {
	q := url.Values{}
	q.Add("_pragma", fmt.Sprintf("journal_mode(%s)", journalMode))
	q.Add("_pragma", fmt.Sprintf("busy_timeout(%d)", busy.Milliseconds()))
	q.Add("_pragma", "foreign_keys(ON)")
	return path + "?" + q.Encode()
}

func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(pgstore.Models()...); err != nil {
		return fmt.Errorf("migrating sqlite schema: %w", err)
	}
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (s *Store) Driver() string { return storage.DriverSQLite }

func (s *Store) Rooms() rooms.Store { return s.rooms }
func (s *Store) Sessions() session.Store { return s.sessions }
func (s *Store) Tasks() scheduler.TaskStore { return s.tasks }
func (s *Store) TaskRuns() scheduler.RunLog { return s.runs }
