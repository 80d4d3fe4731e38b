package main

import (
	"cmp"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/kibanda/internal/config"
	"github.com/jkaninda/kibanda/internal/mounts"
	"github.com/jkaninda/kibanda/internal/observability"
	"github.com/jkaninda/kibanda/internal/rooms"
	"github.com/jkaninda/kibanda/internal/sandbox"
	"github.com/jkaninda/kibanda/internal/secrets"
	"github.com/jkaninda/kibanda/internal/storage"
	pgstore "github.com/jkaninda/kibanda/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/kibanda/internal/storage/sqlite"
	"github.com/jkaninda/kibanda/internal/workspace"
)

// configPath is shared by every subcommand that reads the config file.
var configPath string

// SharedComponents holds the subsystems every host-side command needs.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config    *config.Config
	Logger    *slog.Logger
	Workspace *workspace.Workspace
	Store     storage.Store // SQLite or PostgreSQL.
	Obs       *observability.Observability
	Rooms     *rooms.Registry
	Allowlist *mounts.Allowlist // nil = no extra mounts allowed.

	cleanups []func()
}

// Cleanup runs all deferred cleanup functions in reverse order.
func (sc *SharedComponents) Cleanup() {
	for i := len(sc.cleanups) - 1; i >= 0; i-- {
		sc.cleanups[i]()
	}
}

func (sc *SharedComponents) addCleanup(fn func()) {
	sc.cleanups = append(sc.cleanups, fn)
}

// loadConfig resolves the config path (KIBANDA_CONFIG wins over --config).
func loadConfig() (*config.Config, error) {
	return config.Load(goutils.Env("KIBANDA_CONFIG", configPath))
}

// initShared performs the initialization shared by serve and the admin
// subcommands. Callers must call sc.Cleanup() when done.
func initShared(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	ws, err := initWorkspace(cfg)
	if err != nil {
		return nil, fmt.Errorf("initializing workspace: %w", err)
	}
	if err := ws.EnsureAll(); err != nil {
		return nil, fmt.Errorf("preparing workspace: %w", err)
	}
	sc.Workspace = ws
	logger.Debug("workspace initialized", slog.String("root", ws.Root))

	obs, err := observability.New(cfg.Observability, logger)
	if err != nil {
		return nil, fmt.Errorf("initializing observability: %w", err)
	}
	sc.Obs = obs
	sc.addCleanup(func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		obs.Shutdown(shutdownCtx)
	})
	logger.Debug("observability initialized",
		slog.Bool("metrics", obs.Metrics != nil),
		slog.Bool("tracing", obs.Tracer != nil),
		slog.Bool("anomaly", obs.Anomaly != nil),
	)

	store, err := initStore(cfg, ws, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing storage: %w", err)
	}
	sc.addCleanup(func() {
		if err := store.Close(); err != nil {
			logger.Error("closing store", slog.String("error", err.Error()))
		}
	})
	if err := store.Migrate(ctx); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("migrating storage: %w", err)
	}
	sc.Store = store

	allow, err := initAllowlist(cfg, ws)
	if err != nil {
		sc.Cleanup()
		return nil, err
	}
	if allow == nil {
		logger.Info("no mount allowlist found, extra mounts are disabled")
	}
	sc.Allowlist = allow

	sc.Rooms = rooms.NewRegistry(store.Rooms(), rooms.Config{
		AssistantName: cfg.AssistantName,
		MainChatRef:   mainChatRef(cfg),
		AutoRegister:  cfg.Rooms.AutoRegister,
		Allowlist:     allow,
	}, logger)
	if err := sc.Rooms.EnsureMain(ctx); err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("registering main room: %w", err)
	}

	return sc, nil
}

// mainChatRef returns the privileged room's chat reference. With no main
// room configured, a local terminal becomes the main room.
func mainChatRef(cfg *config.Config) string {
	if cfg.Rooms.MainChatRef != "" {
		return cfg.Rooms.MainChatRef
	}
	if cfg.CLIEnabled() {
		return cliChatRef(cfg)
	}
	return ""
}

func cliChatRef(cfg *config.Config) string {
	if cfg.Gateways.CLI != nil && cfg.Gateways.CLI.ChatRef != "" {
		return cfg.Gateways.CLI.ChatRef
	}
	return "cli"
}

// initWorkspace creates and returns the workspace, resolving the root from config or defaults.
func initWorkspace(cfg *config.Config) (*workspace.Workspace, error) {
	if cfg.Workspace == "" {
		return workspace.Default()
	}
	return workspace.New(cfg.Workspace)
}

// initAllowlist loads the operator's mount allowlist. A missing file is
// not an error: it means no room may request extra mounts.
func initAllowlist(cfg *config.Config, ws *workspace.Workspace) (*mounts.Allowlist, error) {
	path := cfg.Mounts.AllowlistPath
	if path == "" {
		path = ws.AllowlistPath()
	}
	allow, err := mounts.LoadAllowlist(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("loading mount allowlist %s: %w", path, err)
	}
	return allow, nil
}

// initStore creates the appropriate storage backend from config.
func initStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	driver := cfg.StorageDriverName()

	switch driver {
	case storage.DriverPostgres:
		return initPostgresStore(cfg, logger)
	case storage.DriverSQLite:
		return initSQLiteStore(cfg, ws, logger)
	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

func initSQLiteStore(cfg *config.Config, ws *workspace.Workspace, logger *slog.Logger) (storage.Store, error) {
	dbPath := ws.DatabasePath()
	if cfg.DataDir != "" {
		dbPath = filepath.Join(cfg.ResolvedDataDir(ws.StateDir()), "kibanda.db")
	}
	sqlCfg := sqlitestore.Config{Path: dbPath}
	if cfg.Storage != nil && cfg.Storage.SQLite != nil {
		sc := cfg.Storage.SQLite
		sqlCfg.Path = cmp.Or(sc.Path, dbPath)
		sqlCfg.JournalMode = sc.JournalMode
		sqlCfg.BusyTimeout = time.Duration(sc.BusyTimeoutMS) * time.Millisecond
	}
	return sqlitestore.Open(sqlCfg, logger)
}

func initPostgresStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	var dsn string
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		dsn = cfg.Storage.Postgres.DSN
	}
	if envDSN := os.Getenv("KIBANDA_DB_DSN"); envDSN != "" {
		dsn = envDSN
	}
	if dsn == "" {
		return nil, fmt.Errorf("postgres DSN is required (set storage.postgres.dsn or KIBANDA_DB_DSN)")
	}

	pgCfg := pgstore.Config{DSN: dsn}
	if cfg.Storage != nil && cfg.Storage.Postgres != nil {
		pgCfg.MaxOpenConns = cfg.Storage.Postgres.MaxOpenConns
		pgCfg.MaxIdleConns = cfg.Storage.Postgres.MaxIdleConns
		pgCfg.ConnMaxLifetime = time.Duration(cfg.Storage.Postgres.ConnMaxLifetimeS) * time.Second
		pgCfg.ConnectAttempts = cfg.Storage.Postgres.ConnectAttempts
	}

	pgDB, err := pgstore.Open(pgCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("opening postgres: %w", err)
	}
	return pgstore.NewStore(pgDB), nil
}

// initSandbox creates the configured isolation backend and returns the
// binary its readiness check looks for.
func initSandbox(cfg *config.Config, logger *slog.Logger) (sandbox.Sandbox, string) {
	sc := cfg.Sandbox
	switch sc.SandboxType() {
	case "docker":
		dc := sc.Docker
		if dc == nil {
			dc = &config.DockerConfig{}
		}
		sbx := sandbox.NewDockerSandbox(sandbox.DockerConfig{
			Binary:         dc.Binary,
			Image:          dc.Image,
			User:           dc.User,
			DefaultTimeout: sc.Timeout(),
			MemoryMB:       sc.MaxMemoryMB,
			CPUCores:       dc.CPUCores,
			PIDsLimit:      dc.PIDsLimit,
			NetworkAllowed: sc.NetworkAllowed,
		}, logger)
		return sbx, cmp.Or(dc.Binary, "docker")
	case "bwrap":
		var path string
		if sc.Bwrap != nil {
			path = sc.Bwrap.Path
		}
		sbx := sandbox.NewBwrapSandbox(sandbox.BwrapConfig{
			Path:           path,
			DefaultTimeout: sc.Timeout(),
			NetworkAllowed: sc.NetworkAllowed,
		}, logger)
		return sbx, cmp.Or(path, "bwrap")
	default:
		sbx := sandbox.NewProcessSandbox(sandbox.ProcessConfig{
			DefaultTimeout: sc.Timeout(),
			DefaultLimits: sandbox.ResourceLimits{
				MaxCPUSeconds: sc.MaxCPUSeconds,
				MaxMemoryMB:   sc.MaxMemoryMB,
			},
		}, logger)
		return sbx, sc.Command[0]
	}
}

// initSecrets builds the credential chain feeding agent environments:
// host environment, then the env file, then Vault. Later sources win.
func initSecrets(cfg *config.Config, logger *slog.Logger) (*secrets.Chain, error) {
	sources := []secrets.Source{secrets.EnvSource{}}
	if cfg.Sandbox.EnvFile != "" {
		sources = append(sources, secrets.FileSource{Path: cfg.Sandbox.EnvFile})
	}
	if cfg.Secrets != nil && cfg.Secrets.Vault != nil {
		vault, err := secrets.NewVaultSource(cfg.Secrets.Vault, nil)
		if err != nil {
			return nil, fmt.Errorf("initializing vault: %w", err)
		}
		sources = append(sources, vault)
		logger.Debug("vault secrets enabled", slog.String("path", cfg.Secrets.Vault.Path))
	}
	return secrets.NewChain(logger, sources...), nil
}
