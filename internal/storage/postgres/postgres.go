// Package postgres implements PostgreSQL-backed storage using GORM.
// All GORM usage is confined to this package and the sqlite package, which
// reuses these models and repositories. Domain types remain ORM-free.
package postgres

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

const (
	defaultMaxOpenConns    = 25
	defaultMaxIdleConns    = 5
	defaultConnMaxLifetime = 30 * time.Minute
	defaultConnMaxIdleTime = 10 * time.Minute
	defaultConnectAttempts = 5

	connectBackoff    = time.Second
	connectBackoffMax = 10 * time.Second
	pingTimeout       = 5 * time.Second
)

// Config configures the PostgreSQL connection and pool. Zero values take
// the defaults above.
type Config struct {
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
	// ConnectAttempts bounds how often Open retries an unreachable server,
	// which covers a database container that starts after kibanda.
	ConnectAttempts int
}

func (c Config) withDefaults() Config {
	c.MaxOpenConns = cmp.Or(c.MaxOpenConns, defaultMaxOpenConns)
	c.MaxIdleConns = cmp.Or(c.MaxIdleConns, defaultMaxIdleConns)
	c.ConnMaxLifetime = cmp.Or(c.ConnMaxLifetime, defaultConnMaxLifetime)
	c.ConnMaxIdleTime = cmp.Or(c.ConnMaxIdleTime, defaultConnMaxIdleTime)
	c.ConnectAttempts = cmp.Or(c.ConnectAttempts, defaultConnectAttempts)
	return c
}

// DB is a pooled GORM connection.
type DB struct {
	gormDB *gorm.DB
	logger *slog.Logger
}

// Open connects and pings the server, retrying with a doubling backoff.
// Tables are created by Store.Migrate.
func Open(cfg Config, slogger *slog.Logger) (*DB, error) {
	cfg = cfg.withDefaults()

	var (
		db      *gorm.DB
		err     error
		backoff = connectBackoff
	)
	for attempt := 1; ; attempt++ {
		db, err = connect(cfg, slogger)
		if err == nil {
			break
		}
		if attempt >= cfg.ConnectAttempts {
			return nil, fmt.Errorf("connecting to postgres after %d attempts: %w", attempt, err)
		}
		slogger.Warn("postgres not reachable, retrying",
			slog.Int("attempt", attempt),
			slog.Duration("backoff", backoff),
			slog.String("error", err.Error()),
		)
		time.Sleep(backoff)
		backoff = min(backoff*2, connectBackoffMax)
	}

	slogger.Info("postgres connected",
		slog.Int("max_open_conns", cfg.MaxOpenConns),
		slog.Int("max_idle_conns", cfg.MaxIdleConns),
	)
	return &DB{gormDB: db, logger: slogger}, nil
}

func connect(cfg Config, slogger *slog.Logger) (*gorm.DB, error) {
	db, err := gorm.Open(postgres.Open(cfg.DSN), &gorm.Config{
		Logger:         NewGormLogger(slogger),
		NowFunc:        func() time.Time { return time.Now().UTC() },
		PrepareStmt:    true,
		TranslateError: true,
	})
	if err != nil {
		return nil, err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("getting underlying sql.DB: %w", err)
	}
	sqlDB.SetMaxOpenConns(cfg.MaxOpenConns)
	sqlDB.SetMaxIdleConns(cfg.MaxIdleConns)
	sqlDB.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	sqlDB.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, err
	}
	return db, nil
}

// GormDB returns the underlying *gorm.DB for repository constructors.
func (d *DB) GormDB() *gorm.DB {
	return d.gormDB
}

// Ping backs the storage readiness check.
func (d *DB) Ping(ctx context.Context) error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close releases the pool.
func (d *DB) Close() error {
	sqlDB, err := d.gormDB.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// migrate creates or updates the rooms, sessions, scheduled_tasks and
// task_run_logs tables.
func migrate(db *gorm.DB) error {
	return db.AutoMigrate(Models()...)
}

// slogAdapter routes GORM's printf-style output through slog. GORM only
// prints warnings, slow queries and errors at the level configured below.
type slogAdapter struct {
	logger *slog.Logger
}

func (s slogAdapter) Printf(format string, args ...any) {
	s.logger.Warn(fmt.Sprintf(format, args...), slog.String("component", "gorm"))
}

// NewGormLogger returns a GORM logger that reports queries slower than
// 200ms and errors other than record-not-found.
func NewGormLogger(slogger *slog.Logger) logger.Interface {
	return logger.New(
		slogAdapter{slogger},
		logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  logger.Warn,
			IgnoreRecordNotFoundError: true,
		},
	)
}
