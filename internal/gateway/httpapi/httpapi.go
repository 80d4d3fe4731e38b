// Package httpapi implements the admin HTTP API for kibanda.
//
// Security:
//   - Bearer API keys, stored as SHA-256 digests and compared in constant time
//   - Request body size limits (default 1 MB)
//   - Per-key rate limiting via token bucket
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"cmp"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/jkaninda/okapi"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/kibanda/internal/domain"
	"github.com/jkaninda/kibanda/internal/gateway"
	"github.com/jkaninda/kibanda/internal/observability"
	"github.com/jkaninda/kibanda/internal/orchestrator"
	"github.com/jkaninda/kibanda/internal/ratelimit"
	"github.com/jkaninda/kibanda/internal/scheduler"
)

const (
	defaultMaxRequestSize = 1 << 20 // 1 MB
	defaultListenAddr     = ":8080"
	clientKey             = "client"
)

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // SHA-256 hex of key → client name.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry            // Registry served on the metrics path.
	MetricsPath     string                          // Path for metrics endpoint. Default: "/metrics".
	HealthChecker   *observability.HealthChecker    // Health checker for /readyz.
	Metrics         *observability.MetricsCollector // Metrics collector for HTTP middleware.
	Tracer          trace.Tracer                    // OTel tracer for HTTP middleware.
}

// TaskService manages scheduled tasks. *scheduler.Scheduler implements it.
type TaskService interface {
	Get(ctx context.Context, id string) (*domain.ScheduledTask, error)
	List(ctx context.Context, f scheduler.TaskFilter) ([]domain.ScheduledTask, error)
	Runs(ctx context.Context, id string, limit int) ([]domain.TaskRun, error)
	Pause(ctx context.Context, id string) error
	Resume(ctx context.Context, id string) error
	Cancel(ctx context.Context, id string) error
}

// RoomService lists, registers and updates rooms. *rooms.Registry
// implements it and rejects mounts the allowlist would refuse.
type RoomService interface {
	Get(ctx context.Context, folder string) (*domain.Room, error)
	List(ctx context.Context) ([]domain.Room, error)
	Register(ctx context.Context, room *domain.Room) error
	Update(ctx context.Context, room *domain.Room) error
}

// InboundHandler accepts injected messages. *orchestrator.Orchestrator implements it.
type InboundHandler interface {
	HandleInbound(ctx context.Context, msg orchestrator.Inbound) error
}

var _ gateway.Gateway = (*Gateway)(nil)

// Gateway is the HTTP API gateway.
type Gateway struct {
	config  Config
	tasks   TaskService // nil = task endpoints disabled.
	rooms   RoomService
	inbound InboundHandler
	limiter *ratelimit.Limiter
	logger  *slog.Logger
	server  *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., the chat bridge endpoint).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway. tasks may be nil when the
// scheduler is disabled; rl may be nil for no rate limiting.
func NewGateway(cfg Config, tasks TaskService, rooms RoomService, inbound InboundHandler, rl *ratelimit.Limiter, logger *slog.Logger) *Gateway {
	cfg.MaxRequestSize = cmp.Or(cfg.MaxRequestSize, defaultMaxRequestSize)
	cfg.ListenAddr = cmp.Or(cfg.ListenAddr, defaultListenAddr)
	cfg.MetricsPath = cmp.Or(cfg.MetricsPath, "/metrics")
	return &Gateway{
		config:  cfg,
		tasks:   tasks,
		rooms:   rooms,
		inbound: inbound,
		limiter: rl,
		logger:  logger,
		okapi:   okapi.New(okapi.WithMaxMultipartMemory(cfg.MaxRequestSize)),
	}
}

// WithHandler mounts an additional GET handler at the given pattern.
// Used for the chat bridge WebSocket endpoint.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

func (g *Gateway) withOpenAPIDocs() {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Kibanda",
			Version: "v1",
		},
	)
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	g.routes()

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = g.Stop(shutdownCtx)
	}()

	if err := g.okapi.StartServer(g.server); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

func (g *Gateway) routes() {
	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1",
		observability.MetricsMiddleware(g.config.Metrics, g.config.Tracer),
		g.authenticate,
		g.limitBody,
	)

	g.group.Get("/rooms", g.handleRoomList,
		okapi.DocSummary("List registered rooms"),
		okapi.DocTags("Rooms"),
		okapi.DocResponse([]RoomResponse{}),
		okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
	)
	g.group.Post("/rooms", g.handleRoomRegister,
		okapi.DocSummary("Register a room"),
		okapi.DocTags("Rooms"),
		okapi.DocRequestBody(RoomRequest{}),
		okapi.DocResponse(http.StatusCreated, RoomResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusConflict, ErrorBody{}),
	)
	g.group.Put("/rooms/{folder}", g.handleRoomUpdate,
		okapi.DocSummary("Update a room's trigger and mounts"),
		okapi.DocTags("Rooms"),
		okapi.DocPathParam("folder", "string", "Room folder"),
		okapi.DocRequestBody(RoomUpdate{}),
		okapi.DocResponse(RoomResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/messages", g.handleMessage,
		okapi.DocSummary("Inject an inbound room message"),
		okapi.DocTags("Messages"),
		okapi.DocRequestBody(MessageRequest{}),
		okapi.DocResponse(http.StatusAccepted, MessageResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		okapi.DocResponse(http.StatusTooManyRequests, ErrorBody{}),
	)

	// Task endpoints (only if the scheduler is enabled).
	if g.tasks != nil {
		g.group.Get("/tasks", g.handleTaskList,
			okapi.DocSummary("List scheduled tasks"),
			okapi.DocTags("Tasks"),
			okapi.DocResponse([]TaskResponse{}),
		)
		g.group.Get("/tasks/{id}", g.handleTaskGet,
			okapi.DocSummary("Get a scheduled task"),
			okapi.DocTags("Tasks"),
			okapi.DocPathParam("id", "string", "Task ID"),
			okapi.DocResponse(TaskResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		g.group.Get("/tasks/{id}/runs", g.handleTaskRuns,
			okapi.DocSummary("List recent runs of a task"),
			okapi.DocTags("Tasks"),
			okapi.DocPathParam("id", "string", "Task ID"),
			okapi.DocResponse([]TaskRunResponse{}),
			okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
		)
		for _, action := range []string{"pause", "resume", "cancel"} {
			g.group.Post("/tasks/{id}/"+action, g.handleTaskAction(action),
				okapi.DocSummary(strings.ToUpper(action[:1])+action[1:]+" a scheduled task"),
				okapi.DocTags("Tasks"),
				okapi.DocPathParam("id", "string", "Task ID"),
				okapi.DocResponse(TaskResponse{}),
				okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
				okapi.DocResponse(http.StatusConflict, ErrorBody{}),
			)
		}
	}

	// Extra handlers (e.g., chat bridge endpoint).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)
	g.okapi.Get("/readyz", g.handleReadiness)

	if g.config.MetricsRegistry != nil {
		g.okapi.HandleStd("GET", g.config.MetricsPath, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.withOpenAPIDocs()
	}
}

// HealthResponse is the JSON response for GET /healthz.
type HealthResponse struct {
	Status string `json:"status"`
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}
	return c.OK(g.config.HealthChecker.CheckHealth())
}

// handleReadiness checks all registered dependencies and returns 200 or 503.
func (g *Gateway) handleReadiness(c *okapi.Context) error {
	if g.config.HealthChecker == nil {
		return c.OK(&HealthResponse{Status: "ok"})
	}

	status := g.config.HealthChecker.CheckReady(c.Context())
	code := http.StatusOK
	if status.Status != observability.StatusOK {
		code = http.StatusServiceUnavailable
	}
	return c.JSON(code, status)
}

// --- Authentication ---

// authenticate validates the bearer API key, records the client name and
// applies the client's rate limit.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		apiKey, ok := strings.CutPrefix(c.Header("Authorization"), "Bearer ")
		if !ok || apiKey == "" {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		client := lookupKey(g.config.APIKeys, apiKey)
		if client == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		if err := g.limiter.Allow(client); err != nil {
			return c.AbortTooManyRequests(err.Error())
		}
		c.Set(clientKey, client)
		return next(c)
	}
}

// limitBody caps request bodies at the configured size.
func (g *Gateway) limitBody(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		r := c.Request()
		if r.Body != nil {
			r.Body = http.MaxBytesReader(nil, r.Body, g.config.MaxRequestSize)
		}
		return next(c)
	}
}

// HashKey returns the digest under which an API key is configured.
func HashKey(apiKey string) string {
	sum := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(sum[:])
}

// lookupKey returns the client name for apiKey, or "" when unknown.
// Every configured digest is compared so timing does not depend on position.
func lookupKey(keys map[string]string, apiKey string) string {
	digest := []byte(HashKey(apiKey))
	client := ""
	for hash, name := range keys {
		if subtle.ConstantTimeCompare(digest, []byte(strings.ToLower(hash))) == 1 {
			client = name
		}
	}
	return client
}
