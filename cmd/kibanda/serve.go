package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/jkaninda/kibanda/internal/config"
	"github.com/jkaninda/kibanda/internal/domain"
	"github.com/jkaninda/kibanda/internal/gateway"
	"github.com/jkaninda/kibanda/internal/gateway/cli"
	"github.com/jkaninda/kibanda/internal/gateway/httpapi"
	"github.com/jkaninda/kibanda/internal/gateway/ws"
	"github.com/jkaninda/kibanda/internal/ipc"
	"github.com/jkaninda/kibanda/internal/observability"
	"github.com/jkaninda/kibanda/internal/orchestrator"
	"github.com/jkaninda/kibanda/internal/ratelimit"
	"github.com/jkaninda/kibanda/internal/rooms"
	"github.com/jkaninda/kibanda/internal/sandbox"
	"github.com/jkaninda/kibanda/internal/scheduler"
)

const limiterPruneInterval = 10 * time.Minute

var (
	servePort  string
	serveDebug bool
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the assistant host (gateways, scheduler, IPC watcher)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `kibanda --config path` and `kibanda serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&configPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
		cmd.Flags().BoolVar(&serveDebug, "debug", false, "enable debug logging")
	}
}

// runServe starts the host: every configured gateway plus the scheduler
// and the IPC watcher, until SIGINT/SIGTERM or a gateway exits.
func runServe(_ *cobra.Command, _ []string) error {
	level := slog.LevelInfo
	if serveDebug {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if servePort != "" {
		if cfg.Gateways.HTTP == nil {
			cfg.Gateways.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateways.HTTP.ListenAddr = servePort
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting kibanda", slog.String("version", version), slog.String("config", configPath))

	sc, err := initShared(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	obs := sc.Obs
	reg := obs.Registry()

	// Sandbox and agent runner.
	rawSbx, sbxBinary := initSandbox(cfg, logger)
	sbx := observability.NewInstrumentedSandbox(rawSbx, cfg.Sandbox.SandboxType(), obs.Metrics, obs.TracerOrNoop(), obs.Anomaly)
	creds, err := initSecrets(cfg, logger)
	if err != nil {
		return err
	}
	runner := sandbox.NewRunner(sbx, sandbox.RunnerConfig{
		Command:       cfg.Sandbox.Command,
		Timeout:       cfg.Sandbox.Timeout(),
		MaxConcurrent: cfg.Sandbox.MaxConcurrent,
		EnvAllowlist:  cfg.Sandbox.EnvAllowlist,
		StderrLimit:   cfg.Sandbox.StderrLimitBytes,
		Limits: sandbox.ResourceLimits{
			MaxCPUSeconds: cfg.Sandbox.MaxCPUSeconds,
			MaxMemoryMB:   cfg.Sandbox.MaxMemoryMB,
		},
	}, creds, sandbox.NewMetrics(reg), logger)
	logger.Debug("sandbox initialized",
		slog.String("type", cfg.Sandbox.SandboxType()),
		slog.Duration("timeout", cfg.Sandbox.Timeout()),
	)

	registerHealthChecks(cfg, sc, sbxBinary)

	queue, err := ipc.NewDirQueue(sc.Workspace.IPCDir(), cfg.IPC.MaxAttempts)
	if err != nil {
		return fmt.Errorf("initializing ipc queue: %w", err)
	}

	mux := gateway.NewMux()
	inboundLimiter := ratelimit.NewLimiter(ratelimit.Config{
		RequestsPerMinute: cfg.Rooms.RateLimit.RequestsPerMinute,
		BurstSize:         cfg.Rooms.RateLimit.BurstSize,
	})

	var outcomes orchestrator.OutcomeRecorder
	if obs.Anomaly != nil {
		outcomes = obs.Anomaly
	}

	orch, err := orchestrator.New(orchestrator.Config{
		EngineID:      cfg.Sandbox.EngineID,
		QueueDepth:    cfg.Rooms.QueueDepth,
		DedupeSize:    cfg.Rooms.DedupeSize,
		DrainInterval: cfg.IPC.PollInterval(),
		ProjectDir:    cfg.Mounts.ProjectDir,
		Location:      cfg.Location(),
	}, orchestrator.Deps{
		Rooms:     sc.Rooms,
		Sessions:  sc.Store.Sessions(),
		Runner:    runner,
		Deliverer: mux,
		Workspace: sc.Workspace,
		Queue:     queue,
		Allowlist: sc.Allowlist,
		Limiter:   inboundLimiter,
		Metrics:   orchestrator.NewMetrics(reg),
		Outcomes:  outcomes,
		Tracer:    obs.TracerOrNoop(),
		Logger:    logger,
	})
	if err != nil {
		return fmt.Errorf("initializing orchestrator: %w", err)
	}
	orch.SetRefresher(mux)

	watcher := ipc.NewWatcher(queue, orch, ipc.WatcherConfig{
		PollInterval: cfg.IPC.PollInterval(),
		ResponseTTL:  cfg.IPC.ResponseTTL(),
	}, ipc.NewMetrics(reg), logger)

	sched := scheduler.New(
		sc.Store.Tasks(),
		sc.Store.TaskRuns(),
		orch,
		scheduler.Config{
			PollInterval:    cfg.Scheduler.PollInterval(),
			MaxConcurrent:   cfg.Scheduler.MaxConcurrent(),
			MissedJobWindow: cfg.Scheduler.MissedJobWindow(),
			Location:        cfg.Location(),
		},
		nil,
		scheduler.NewMetrics(reg),
		logger,
	)
	orch.Bind(sched, watcher)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workers, wctx := errgroup.WithContext(runCtx)
	workers.Go(func() error { return watcher.Run(wctx) })

	if cfg.Scheduler.IsEnabled() {
		cancelScheduler := sched.Start(wctx)
		defer cancelScheduler()
		logger.Debug("scheduler initialized",
			slog.String("poll_interval", cfg.Scheduler.PollInterval().String()),
			slog.Int("max_concurrent", cfg.Scheduler.MaxConcurrent()),
		)
	} else {
		logger.Info("scheduler disabled, tasks are stored but never fire")
	}

	gateways, bridge, httpLimiter, err := buildGateways(ctx, cfg, sc, orch, sched, mux)
	if err != nil {
		return err
	}
	if len(gateways) == 0 {
		return fmt.Errorf("no gateways enabled in config")
	}
	logger.Info("gateways configured", slog.Int("count", len(gateways)))

	workers.Go(func() error {
		pruneLimiters(wctx, logger, inboundLimiter, httpLimiter)
		return nil
	})

	errs := make(chan error, len(gateways))
	for _, gw := range gateways {
		go func(g gateway.Gateway) {
			errs <- g.Start(runCtx)
		}(gw)
	}

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		} else {
			logger.Info("gateway exited")
		}
	}

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	for i := len(gateways) - 1; i >= 0; i-- {
		if err := gateways[i].Stop(shutdownCtx); err != nil {
			logger.Error("stopping gateway", slog.String("error", err.Error()))
		}
	}
	// A bridge mounted on the HTTP API has no gateway of its own.
	if bridge != nil {
		if err := bridge.Stop(shutdownCtx); err != nil {
			logger.Error("stopping chat bridge", slog.String("error", err.Error()))
		}
	}

	cancel()
	if err := workers.Wait(); err != nil {
		logger.Error("background worker failed", slog.String("error", err.Error()))
	}
	orch.Wait()
	logger.Info("kibanda stopped")
	return nil
}

// buildGateways creates every enabled gateway and registers its delivery
// route on mux. The terminal owns its own chat reference; the chat bridge
// receives everything else. When the bridge is mounted on the HTTP API it
// is returned separately so it can be stopped on shutdown.
func buildGateways(ctx context.Context, cfg *config.Config, sc *SharedComponents, orch *orchestrator.Orchestrator, sched *scheduler.Scheduler, mux *gateway.Mux) ([]gateway.Gateway, *ws.Server, *ratelimit.Limiter, error) {
	logger := sc.Logger
	var (
		gateways    []gateway.Gateway
		mounted     *ws.Server
		httpLimiter *ratelimit.Limiter
	)

	var bridge *ws.Server
	if wsc := cfg.Gateways.WebSocket; wsc != nil && wsc.Enabled {
		bridge = ws.NewServer(wsc, orch, sc.Rooms, sc.Rooms.AssistantName(), logger)
		mux.Fallback(bridge)
		logger.Debug("chat bridge initialized", slog.String("path", bridge.Path()))
	}

	if hc := cfg.Gateways.HTTP; hc != nil && hc.Enabled {
		httpLimiter = ratelimit.NewLimiter(ratelimit.Config{
			RequestsPerMinute: hc.RateLimit.RequestsPerMinute,
			BurstSize:         hc.RateLimit.BurstSize,
		})
		gwCfg := httpapi.Config{
			ListenAddr:     hc.ListenAddr,
			EnableDocs:     hc.EnableDocs,
			APIKeys:        hc.APIKeys,
			MaxRequestSize: hc.MaxRequestSizeBytes,
			HealthChecker:  sc.Obs.Health,
			Metrics:        sc.Obs.Metrics,
			Tracer:         sc.Obs.TracerOrNoop(),
		}
		if reg := sc.Obs.Registry(); reg != nil {
			gwCfg.MetricsRegistry = reg
			if mc := cfg.Observability.Metrics; mc != nil {
				gwCfg.MetricsPath = mc.Path
			}
		}
		if len(hc.APIKeys) == 0 {
			logger.Warn("http gateway has no api keys, every /v1 request will be rejected")
		}
		httpGw := httpapi.NewGateway(gwCfg, sched, sc.Rooms, orch, httpLimiter, logger)
		if bridge != nil {
			httpGw.WithHandler(bridge.Path(), bridge.Handler())
			mounted = bridge
		}
		gateways = append(gateways, httpGw)
	}

	if bridge != nil && mounted == nil {
		gateways = append(gateways, bridge)
	}

	if cfg.CLIEnabled() {
		chatRef := cliChatRef(cfg)
		if err := ensureCLIRoom(ctx, sc.Rooms, chatRef); err != nil {
			return nil, nil, nil, err
		}
		var sender string
		if cfg.Gateways.CLI != nil {
			sender = cfg.Gateways.CLI.Sender
		}
		cliGw := cli.NewGateway(cli.Config{
			ChatRef:   chatRef,
			Sender:    sender,
			Assistant: sc.Rooms.AssistantName(),
		}, orch, logger)
		mux.Handle(chatRef, cliGw)
		gateways = append(gateways, cliGw)
	}

	return gateways, mounted, httpLimiter, nil
}

// ensureCLIRoom registers the terminal's room when it is not the main room
// and auto-registration would not create it.
func ensureCLIRoom(ctx context.Context, reg *rooms.Registry, chatRef string) error {
	_, err := reg.ByChatRef(ctx, chatRef)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return fmt.Errorf("looking up terminal room: %w", err)
	}
	noTrigger := false
	err = reg.Register(ctx, &domain.Room{
		Folder:         rooms.FolderFor(chatRef),
		ChatRef:        chatRef,
		Name:           "Terminal",
		RequireTrigger: &noTrigger,
	})
	if err != nil && !errors.Is(err, domain.ErrDuplicate) {
		return fmt.Errorf("registering terminal room: %w", err)
	}
	return nil
}

// registerHealthChecks wires readiness probes. Without a health section
// every check is active.
func registerHealthChecks(cfg *config.Config, sc *SharedComponents, sandboxBinary string) {
	var hc *config.HealthConfig
	if cfg.Observability != nil {
		hc = cfg.Observability.Health
	}
	includeDB, includeSandbox := true, true
	if hc != nil {
		includeDB, includeSandbox = hc.IncludeDB, hc.IncludeSandbox
	}

	health := sc.Obs.Health
	health.AddCheck("workspace", observability.DirCheck(sc.Workspace.IPCDir()))
	health.AddCheck("ipc_dead_letters", observability.BacklogCheck(
		filepath.Join(sc.Workspace.IPCDir(), ipc.DirErrors), hc.DeadLetterLimit()))
	if includeDB {
		health.AddCheck("storage", sc.Store.Ping)
	}
	if includeSandbox {
		health.AddCheck("sandbox", observability.BinaryCheck(sandboxBinary))
	}
}

// pruneLimiters drops idle rate limit buckets until ctx is done.
func pruneLimiters(ctx context.Context, logger *slog.Logger, limiters ...*ratelimit.Limiter) {
	ticker := time.NewTicker(limiterPruneInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var pruned int
			for _, l := range limiters {
				pruned += l.Prune()
			}
			if pruned > 0 {
				logger.Debug("rate limit buckets pruned", slog.Int("count", pruned))
			}
		}
	}
}
