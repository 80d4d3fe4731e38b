// Package config handles loading and validating kibanda configuration.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

func init() {
	// Load .env file if it exists
	_ = godotenv.Load()
}

// Config is the root configuration for kibanda.
type Config struct {
	Workspace     string               `json:"workspace,omitempty" yaml:"workspace,omitempty"`           // Workspace root. Default: ~/.kibanda. Override: KIBANDA_WORKSPACE env var.
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"`             // Persistent data directory. Default: <workspace>/state. Override: KIBANDA_DATA_DIR env var.
	AssistantName string               `json:"assistant_name,omitempty" yaml:"assistant_name,omitempty"` // Default: "Andy".
	Timezone      string               `json:"timezone,omitempty" yaml:"timezone,omitempty"`             // IANA zone for cron and message timestamps. Default: local.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`               // nil = SQLite default (derived from data_dir)
	Sandbox       SandboxConfig        `json:"sandbox" yaml:"sandbox"`
	Mounts        MountsConfig         `json:"mounts" yaml:"mounts"`
	IPC           IPCConfig            `json:"ipc" yaml:"ipc"`
	Scheduler     *SchedulerConfig     `json:"scheduler,omitempty" yaml:"scheduler,omitempty"` // nil = scheduler enabled with defaults
	Rooms         RoomsConfig          `json:"rooms" yaml:"rooms"`
	Gateways      GatewaysConfig       `json:"gateways" yaml:"gateways"`
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	Secrets       *SecretsConfig       `json:"secrets,omitempty" yaml:"secrets,omitempty"`             // nil = env-only secrets
}

// StorageConfig configures the persistence backend.
// When nil, defaults to SQLite with the database path derived from the data directory.
type StorageConfig struct {
	Driver   string                 `json:"driver" yaml:"driver"`                         // "sqlite" (default) or "postgres".
	SQLite   *SQLiteStorageConfig   `json:"sqlite,omitempty" yaml:"sqlite,omitempty"`     // SQLite-specific settings.
	Postgres *PostgresStorageConfig `json:"postgres,omitempty" yaml:"postgres,omitempty"` // PostgreSQL-specific settings.
}

// StorageDriver returns the configured driver, defaulting to "sqlite".
func (s *StorageConfig) StorageDriver() string {
	if s != nil && s.Driver != "" {
		return s.Driver
	}
	return "sqlite"
}

// SQLiteStorageConfig holds SQLite-specific settings.
type SQLiteStorageConfig struct {
	Path          string `json:"path,omitempty" yaml:"path,omitempty"`   // Database file path. Default: derived from data_dir.
	JournalMode   string `json:"journal_mode" yaml:"journal_mode"`       // "wal" (default), "delete", "truncate", etc.
	BusyTimeoutMS int    `json:"busy_timeout_ms" yaml:"busy_timeout_ms"` // Default: 5000
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: KIBANDA_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
	ConnectAttempts  int    `json:"connect_attempts" yaml:"connect_attempts"`       // Default: 5
}

// SandboxConfig configures how agent invocations are isolated.
type SandboxConfig struct {
	Type             string        `json:"type" yaml:"type"`                                       // "process" (default), "bwrap" or "docker".
	Command          []string      `json:"command" yaml:"command"`                                 // Agent entrypoint. Required.
	EngineID         string        `json:"engine_id,omitempty" yaml:"engine_id,omitempty"`         // Session namespace. Default: "default".
	TimeoutSeconds   int           `json:"timeout_seconds" yaml:"timeout_seconds"`                 // Default: 300.
	MaxConcurrent    int           `json:"max_concurrent" yaml:"max_concurrent"`                   // Global ceiling across rooms. Default: 4.
	MaxMemoryMB      int           `json:"max_memory_mb" yaml:"max_memory_mb"`                     // Default: backend specific.
	MaxCPUSeconds    int           `json:"max_cpu_seconds" yaml:"max_cpu_seconds"`                 // Process backend only. 0 = no limit.
	NetworkAllowed   bool          `json:"network_allowed" yaml:"network_allowed"`                 // bwrap and docker only.
	EnvAllowlist     []string      `json:"env_allowlist,omitempty" yaml:"env_allowlist,omitempty"` // nil = built-in allowlist.
	EnvFile          string        `json:"env_file,omitempty" yaml:"env_file,omitempty"`           // Extra credentials in .env format.
	StderrLimitBytes int           `json:"stderr_limit_bytes" yaml:"stderr_limit_bytes"`           // Default: 65536.
	Docker           *DockerConfig `json:"docker,omitempty" yaml:"docker,omitempty"`               // Used when type is "docker".
	Bwrap            *BwrapConfig  `json:"bwrap,omitempty" yaml:"bwrap,omitempty"`                 // Used when type is "bwrap".
}

// SandboxType returns the sandbox backend with a default of "process".
func (s *SandboxConfig) SandboxType() string {
	if s.Type != "" {
		return s.Type
	}
	return "process"
}

// Timeout returns the per-invocation timeout with a default of 5m.
func (s *SandboxConfig) Timeout() time.Duration {
	if s.TimeoutSeconds > 0 {
		return time.Duration(s.TimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// DockerConfig holds Docker backend settings.
type DockerConfig struct {
	Binary    string  `json:"binary,omitempty" yaml:"binary,omitempty"` // Default: "docker".
	Image     string  `json:"image" yaml:"image"`                       // Default: "kibanda-agent:latest".
	User      string  `json:"user,omitempty" yaml:"user,omitempty"`     // Default: "1000:1000".
	CPUCores  float64 `json:"cpu_cores" yaml:"cpu_cores"`               // Default: 1.0.
	PIDsLimit int     `json:"pids_limit" yaml:"pids_limit"`             // Default: 256.
}

// BwrapConfig holds bubblewrap backend settings.
type BwrapConfig struct {
	Path string `json:"path,omitempty" yaml:"path,omitempty"` // Default: "bwrap" from PATH.
}

// MountsConfig configures extra mount validation.
type MountsConfig struct {
	AllowlistPath string `json:"allowlist_path,omitempty" yaml:"allowlist_path,omitempty"` // Default: <workspace>/mount-allowlist.json. Missing file = no extra mounts.
	ProjectDir    string `json:"project_dir,omitempty" yaml:"project_dir,omitempty"`       // Host checkout mounted for the main room.
}

// IPCConfig configures the file-based IPC channel.
type IPCConfig struct {
	PollIntervalMS     int `json:"poll_interval_ms" yaml:"poll_interval_ms"`                             // Default: 500.
	MaxAttempts        int `json:"max_attempts" yaml:"max_attempts"`                                     // Dispatch attempts before dead-lettering. Default: 3.
	ResponseTTLSeconds int `json:"response_ttl_seconds,omitempty" yaml:"response_ttl_seconds,omitempty"` // Uncollected responses are pruned after this. Default: 600.
}

// PollInterval returns the watcher poll interval with a default of 500ms.
func (c *IPCConfig) PollInterval() time.Duration {
	if c.PollIntervalMS > 0 {
		return time.Duration(c.PollIntervalMS) * time.Millisecond
	}
	return 500 * time.Millisecond
}

// ResponseTTL returns how long uncollected IPC responses are kept, 10
// minutes by default.
func (c *IPCConfig) ResponseTTL() time.Duration {
	if c.ResponseTTLSeconds > 0 {
		return time.Duration(c.ResponseTTLSeconds) * time.Second
	}
	return 10 * time.Minute
}

// SchedulerConfig configures the task scheduler.
// When nil, the scheduler runs with defaults.
type SchedulerConfig struct {
	Enabled                bool `json:"enabled" yaml:"enabled"`
	PollIntervalSeconds    int  `json:"poll_interval_seconds" yaml:"poll_interval_seconds"`         // Default: 30.
	MaxConcurrentJobs      int  `json:"max_concurrent_jobs" yaml:"max_concurrent_jobs"`             // Default: 4.
	MissedJobWindowSeconds int  `json:"missed_job_window_seconds" yaml:"missed_job_window_seconds"` // Default: 3600 (1 hour).
}

// IsEnabled reports whether scheduled tasks fire. A nil section means enabled.
func (s *SchedulerConfig) IsEnabled() bool {
	return s == nil || s.Enabled
}

// PollInterval returns the poll interval with a default of 30s.
func (s *SchedulerConfig) PollInterval() time.Duration {
	if s != nil && s.PollIntervalSeconds > 0 {
		return time.Duration(s.PollIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// MaxConcurrent returns the max concurrent jobs with a default of 4.
func (s *SchedulerConfig) MaxConcurrent() int {
	if s != nil && s.MaxConcurrentJobs > 0 {
		return s.MaxConcurrentJobs
	}
	return 4
}

// MissedJobWindow returns the window for recovering missed executions.
// Runs missed by more than this are skipped. Default: 1 hour.
func (s *SchedulerConfig) MissedJobWindow() time.Duration {
	if s != nil && s.MissedJobWindowSeconds > 0 {
		return time.Duration(s.MissedJobWindowSeconds) * time.Second
	}
	return 1 * time.Hour
}

// RoomsConfig configures room registration and inbound handling.
type RoomsConfig struct {
	MainChatRef  string          `json:"main_chat_ref" yaml:"main_chat_ref"` // Chat reference of the privileged room.
	AutoRegister bool            `json:"auto_register" yaml:"auto_register"` // Register unknown rooms on first contact.
	QueueDepth   int             `json:"queue_depth" yaml:"queue_depth"`     // Messages waiting behind a running invocation. Default: 3.
	DedupeSize   int             `json:"dedupe_size" yaml:"dedupe_size"`     // Remembered inbound event IDs. Default: 4096.
	RateLimit    RateLimitConfig `json:"rate_limit" yaml:"rate_limit"`       // Per sender.
}

// GatewaysConfig defines which gateways are enabled and their settings.
// Nil pointers mean the gateway is not configured. If the entire section
// is absent, the CLI gateway is enabled by default.
type GatewaysConfig struct {
	CLI       *CLIGatewayConfig       `json:"cli,omitempty" yaml:"cli,omitempty"`
	HTTP      *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	WebSocket *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"` // Chat bridge server.
}

// CLIGatewayConfig configures the interactive CLI gateway.
type CLIGatewayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	ChatRef string `json:"chat_ref,omitempty" yaml:"chat_ref,omitempty"` // Room the terminal speaks as. Default: "cli".
	Sender  string `json:"sender,omitempty" yaml:"sender,omitempty"`     // Default: $USER.
}

// HTTPGatewayConfig configures the admin HTTP API.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"`
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeys             map[string]string `json:"api_keys" yaml:"api_keys"` // SHA-256 hex of key → client name.
	RateLimit           RateLimitConfig   `json:"rate_limit" yaml:"rate_limit"`
}

// WebSocketGatewayConfig configures the chat bridge WebSocket server.
type WebSocketGatewayConfig struct {
	Enabled                  bool   `json:"enabled" yaml:"enabled"`
	ListenAddr               string `json:"listen_addr,omitempty" yaml:"listen_addr,omitempty"`           // Standalone listen address (when HTTP gateway is disabled). Default: ":8081".
	Path                     string `json:"path" yaml:"path"`                                             // URL path for WebSocket endpoint. Default: "/ws/bridge".
	BridgeToken              string `json:"bridge_token" yaml:"bridge_token"`                             // Shared token for bridge authentication. Override: KIBANDA_BRIDGE_TOKEN.
	HeartbeatIntervalSeconds int    `json:"heartbeat_interval_seconds" yaml:"heartbeat_interval_seconds"` // Default: 30.
	DeliverTimeoutSeconds    int    `json:"deliver_timeout_seconds" yaml:"deliver_timeout_seconds"`       // Default: 10.
}

// WSPath returns the WebSocket path with a default of "/ws/bridge".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/ws/bridge"
}

// WSHeartbeatInterval returns the heartbeat interval with a default of 30s.
func (w *WebSocketGatewayConfig) WSHeartbeatInterval() time.Duration {
	if w != nil && w.HeartbeatIntervalSeconds > 0 {
		return time.Duration(w.HeartbeatIntervalSeconds) * time.Second
	}
	return 30 * time.Second
}

// WSDeliverTimeout returns how long a delivery waits for the bridge's ack.
func (w *WebSocketGatewayConfig) WSDeliverTimeout() time.Duration {
	if w != nil && w.DeliverTimeoutSeconds > 0 {
		return time.Duration(w.DeliverTimeoutSeconds) * time.Second
	}
	return 10 * time.Second
}

// RateLimitConfig configures per-key rate limiting.
type RateLimitConfig struct {
	RequestsPerMinute int `json:"requests_per_minute" yaml:"requests_per_minute"`
	BurstSize         int `json:"burst_size" yaml:"burst_size"`
}

// ObservabilityConfig configures metrics, tracing, health checks, and anomaly detection.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
	Health  *HealthConfig  `json:"health,omitempty" yaml:"health,omitempty"`
	Anomaly *AnomalyConfig `json:"anomaly,omitempty" yaml:"anomaly,omitempty"`
}

// MetricsConfig configures Prometheus metrics exposition.
type MetricsConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"` // Default: "/metrics"
}

// TracingConfig configures OpenTelemetry distributed tracing.
type TracingConfig struct {
	Enabled     bool    `json:"enabled" yaml:"enabled"`
	Endpoint    string  `json:"endpoint" yaml:"endpoint"`         // OTLP endpoint, e.g. "localhost:4317"
	Protocol    string  `json:"protocol" yaml:"protocol"`         // "grpc" or "http". Default: "grpc"
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "kibanda"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev

	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // Sent with every export, e.g. an API key.
}

// HealthConfig configures dependency health checks for readiness probes.
type HealthConfig struct {
	IncludeDB      bool `json:"include_db" yaml:"include_db"`
	IncludeSandbox bool `json:"include_sandbox" yaml:"include_sandbox"`
	MaxDeadLetters int  `json:"max_dead_letters" yaml:"max_dead_letters"` // Readiness fails above this many. Default: 50
}

// DeadLetterLimit returns the dead-letter backlog limit with a default of 50.
func (h *HealthConfig) DeadLetterLimit() int {
	if h != nil && h.MaxDeadLetters > 0 {
		return h.MaxDeadLetters
	}
	return 50
}

// AnomalyConfig configures threshold-based anomaly detection.
type AnomalyConfig struct {
	Enabled            bool    `json:"enabled" yaml:"enabled"`
	ErrorRateThreshold float64 `json:"error_rate_threshold" yaml:"error_rate_threshold"` // e.g. 0.5 = 50% failed invocations
	MinSamples         int     `json:"min_samples" yaml:"min_samples"`                   // Invocations before the rate is judged. Default: 10
	WindowSeconds      int     `json:"window_seconds" yaml:"window_seconds"`             // Sliding window. Default: 300
}

// SecretsConfig configures the credential sources feeding agent environments.
// When nil, only the host environment is consulted.
type SecretsConfig struct {
	Vault *VaultConfig `json:"vault,omitempty" yaml:"vault,omitempty"`
}

// VaultConfig configures a HashiCorp Vault KV v2 source.
type VaultConfig struct {
	Address    string `json:"address" yaml:"address"`                             // Override: VAULT_ADDR.
	Token      string `json:"token,omitempty" yaml:"token,omitempty"`             // Override: VAULT_TOKEN.
	Mount      string `json:"mount,omitempty" yaml:"mount,omitempty"`             // KV v2 mount. Default: "secret".
	Path       string `json:"path" yaml:"path"`                                   // Secret path under the mount, e.g. "kibanda/agent".
	Namespace  string `json:"namespace,omitempty" yaml:"namespace,omitempty"`     // Vault Enterprise namespace.
	TimeoutSec int    `json:"timeout_sec,omitempty" yaml:"timeout_sec,omitempty"` // Default: 10.
}

// DefaultConfigPath returns the default config file path (~/.kibanda/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/kibanda.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".kibanda", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Environment variables take precedence over file values.
func Load(path string) (*Config, error) {
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	cfg, err := Parse(data, filepath.Ext(resolved))
	if err != nil {
		return nil, fmt.Errorf("parsing config %s: %w", resolved, err)
	}
	return cfg, nil
}

// Parse decodes a config document. ext selects YAML (".yml", ".yaml") or JSON.
func Parse(data []byte, ext string) (*Config, error) {
	var cfg Config
	switch strings.ToLower(ext) {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("invalid YAML: %w", err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("invalid JSON: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &cfg, nil
}

// applyEnv applies environment overrides.
func (c *Config) applyEnv() {
	if v := os.Getenv("KIBANDA_WORKSPACE"); v != "" {
		c.Workspace = v
	}
	if v := os.Getenv("KIBANDA_DATA_DIR"); v != "" {
		c.DataDir = v
	}
	if v := os.Getenv("KIBANDA_DB_DSN"); v != "" {
		if c.Storage == nil {
			c.Storage = &StorageConfig{}
		}
		if c.Storage.Postgres == nil {
			c.Storage.Postgres = &PostgresStorageConfig{}
		}
		c.Storage.Postgres.DSN = v
		if c.Storage.Driver == "" {
			c.Storage.Driver = "postgres"
		}
	}
	if v := os.Getenv("KIBANDA_BRIDGE_TOKEN"); v != "" && c.Gateways.WebSocket != nil {
		c.Gateways.WebSocket.BridgeToken = v
	}
	if c.Secrets != nil && c.Secrets.Vault != nil {
		if v := os.Getenv("VAULT_ADDR"); v != "" {
			c.Secrets.Vault.Address = v
		}
		if v := os.Getenv("VAULT_TOKEN"); v != "" {
			c.Secrets.Vault.Token = v
		}
	}
}

func (c *Config) validate() error {
	if len(c.Sandbox.Command) == 0 {
		return fmt.Errorf("sandbox.command is required")
	}
	switch c.Sandbox.SandboxType() {
	case "process", "bwrap", "docker":
		// valid
	default:
		return fmt.Errorf("sandbox.type %q is not supported (use process, bwrap or docker)", c.Sandbox.Type)
	}
	if c.Sandbox.MaxMemoryMB < 0 {
		return fmt.Errorf("sandbox.max_memory_mb must not be negative")
	}
	if c.Sandbox.TimeoutSeconds < 0 {
		return fmt.Errorf("sandbox.timeout_seconds must not be negative")
	}
	if c.Rooms.QueueDepth < 0 {
		return fmt.Errorf("rooms.queue_depth must not be negative")
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("timezone %q: %w", c.Timezone, err)
		}
	}
	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite":
			// valid
		case "postgres":
			if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
				return fmt.Errorf("storage.postgres.dsn is required (set KIBANDA_DB_DSN env var)")
			}
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if ws := c.Gateways.WebSocket; ws != nil && ws.Enabled && ws.BridgeToken == "" {
		return fmt.Errorf("gateways.websocket.bridge_token is required (set KIBANDA_BRIDGE_TOKEN env var)")
	}
	if c.Secrets != nil && c.Secrets.Vault != nil {
		if c.Secrets.Vault.Address == "" || c.Secrets.Vault.Path == "" {
			return fmt.Errorf("secrets.vault.address and secrets.vault.path are required")
		}
	}
	return nil
}

// resolvePath expands ~ to the user home directory and returns an absolute path.
func resolvePath(path string) (string, error) {
	if strings.HasPrefix(path, "~/") || path == "~" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "", err
		}
		path = filepath.Join(home, path[1:])
	}
	return filepath.Abs(path)
}

// Location returns the configured timezone, or the local zone.
func (c *Config) Location() *time.Location {
	if c.Timezone == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.Local
	}
	return loc
}

// ResolvedDataDir returns the data directory, resolving ~ if needed.
// An empty value means the workspace's state directory, which the caller
// supplies as fallback.
func (c *Config) ResolvedDataDir(fallback string) string {
	if c.DataDir == "" {
		return fallback
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// StorageDriverName returns the effective storage driver name.
func (c *Config) StorageDriverName() string {
	if c.Storage != nil {
		return c.Storage.StorageDriver()
	}
	return "sqlite"
}

// CLIEnabled reports whether the terminal gateway should run. It is on by
// default when no gateway is configured at all.
func (c *Config) CLIEnabled() bool {
	g := c.Gateways
	if g.CLI == nil && g.HTTP == nil && g.WebSocket == nil {
		return true
	}
	return g.CLI != nil && g.CLI.Enabled
}
