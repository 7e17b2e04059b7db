// Package config handles loading and validating Vigil configuration.
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

// Config is the root configuration for Vigil.
type Config struct {
	DataDir       string               `json:"data_dir,omitempty" yaml:"data_dir,omitempty"` // Persistent data directory. Default: ~/.vigil/data. Override: VIGIL_DATA_DIR env var.
	Storage       *StorageConfig       `json:"storage,omitempty" yaml:"storage,omitempty"`   // nil = in-memory audit trail only
	Guard         GuardConfig          `json:"guard" yaml:"guard"`
	Audit         AuditConfig          `json:"audit" yaml:"audit"`
	Provider      ProviderConfig       `json:"provider" yaml:"provider"`
	Gateway       GatewayConfig        `json:"gateway" yaml:"gateway"`
	Retention     *RetentionConfig     `json:"retention,omitempty" yaml:"retention,omitempty"`         // nil = no scheduled cleanup
	Observability *ObservabilityConfig `json:"observability,omitempty" yaml:"observability,omitempty"` // nil = observability disabled
	MCP           []MCPServerConfig    `json:"mcp,omitempty" yaml:"mcp,omitempty"`                     // External MCP tool servers.
}

// GuardConfig configures the tool authorization pipeline.
type GuardConfig struct {
	ConfirmationRequired       *bool `json:"confirmation_required,omitempty" yaml:"confirmation_required,omitempty"` // Default: true.
	AutoApprovalEnabled        *bool `json:"auto_approval_enabled,omitempty" yaml:"auto_approval_enabled,omitempty"` // Default: true.
	ConfirmationTimeoutSeconds int   `json:"confirmation_timeout_seconds" yaml:"confirmation_timeout_seconds"`      // Default: 300.
	ExecutionTimeoutSeconds    int   `json:"execution_timeout_seconds" yaml:"execution_timeout_seconds"`            // Default: 120.
	MaxConcurrent              int   `json:"max_concurrent" yaml:"max_concurrent"`                                  // Default: 10.
	Sandboxed                  bool  `json:"sandboxed" yaml:"sandboxed"`
}

// Confirmation returns whether user confirmation is required. Default: true.
func (g *GuardConfig) Confirmation() bool {
	if g != nil && g.ConfirmationRequired != nil {
		return *g.ConfirmationRequired
	}
	return true
}

// AutoApproval returns whether low-risk calls may be auto-approved. Default: true.
func (g *GuardConfig) AutoApproval() bool {
	if g != nil && g.AutoApprovalEnabled != nil {
		return *g.AutoApprovalEnabled
	}
	return true
}

// ConfirmationTimeout returns the confirmation wait with a default of 5m.
func (g *GuardConfig) ConfirmationTimeout() time.Duration {
	if g != nil && g.ConfirmationTimeoutSeconds > 0 {
		return time.Duration(g.ConfirmationTimeoutSeconds) * time.Second
	}
	return 5 * time.Minute
}

// ExecutionTimeout returns the per-tool execution timeout with a default of 2m.
func (g *GuardConfig) ExecutionTimeout() time.Duration {
	if g != nil && g.ExecutionTimeoutSeconds > 0 {
		return time.Duration(g.ExecutionTimeoutSeconds) * time.Second
	}
	return 2 * time.Minute
}

// Concurrency returns the max concurrent executions with a default of 10.
func (g *GuardConfig) Concurrency() int {
	if g != nil && g.MaxConcurrent > 0 {
		return g.MaxConcurrent
	}
	return 10
}

// AuditConfig configures the audit trail.
type AuditConfig struct {
	MaxEntries    int `json:"max_entries" yaml:"max_entries"`       // In-memory ring size. Default: 10000.
	RetentionDays int `json:"retention_days" yaml:"retention_days"` // Entries older than this are purged by the retention job. Default: 90.
}

// Capacity returns the in-memory entry cap with a default of 10000.
func (a *AuditConfig) Capacity() int {
	if a != nil && a.MaxEntries > 0 {
		return a.MaxEntries
	}
	return 10000
}

// MaxAge returns the retention window with a default of 90 days.
func (a *AuditConfig) MaxAge() time.Duration {
	days := 90
	if a != nil && a.RetentionDays > 0 {
		days = a.RetentionDays
	}
	return time.Duration(days) * 24 * time.Hour
}

// StorageConfig configures the persistent audit store backend.
// When nil, audit entries live only in the in-memory trail.
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
	Path        string `json:"path,omitempty" yaml:"path,omitempty"` // Database file path. Default: derived from data dir.
	JournalMode string `json:"journal_mode" yaml:"journal_mode"`     // "wal" (default), "delete", "truncate", etc.
}

// PostgresStorageConfig holds PostgreSQL-specific settings.
type PostgresStorageConfig struct {
	DSN              string `json:"dsn" yaml:"dsn"`                                 // Override: VIGIL_DB_DSN env var.
	MaxOpenConns     int    `json:"max_open_conns" yaml:"max_open_conns"`           // Default: 25
	MaxIdleConns     int    `json:"max_idle_conns" yaml:"max_idle_conns"`           // Default: 5
	ConnMaxLifetimeS int    `json:"conn_max_lifetime_s" yaml:"conn_max_lifetime_s"` // Default: 1800 (30 min)
}

// ProviderConfig configures the model backend driving turns.
type ProviderConfig struct {
	Name            string `json:"name" yaml:"name"` // "openai" or "mock". Empty = "openai".
	APIKey          string `json:"api_key" yaml:"api_key"`
	Model           string `json:"model" yaml:"model"`
	BaseURL         string `json:"base_url" yaml:"base_url"` // Optional. Defaults to https://api.openai.com.
	MaxOutputTokens int    `json:"max_output_tokens" yaml:"max_output_tokens"`
}

// GatewayConfig configures the HTTP API and WebSocket event feed.
type GatewayConfig struct {
	HTTP *HTTPGatewayConfig      `json:"http,omitempty" yaml:"http,omitempty"`
	WS   *WebSocketGatewayConfig `json:"websocket,omitempty" yaml:"websocket,omitempty"`
}

// HTTPGatewayConfig configures the HTTP API gateway.
type HTTPGatewayConfig struct {
	Enabled             bool              `json:"enabled" yaml:"enabled"`
	EnableDocs          bool              `json:"enable_docs" yaml:"enable_docs"`
	ListenAddr          string            `json:"listen_addr" yaml:"listen_addr"` // Default: ":8080".
	MaxRequestSizeBytes int64             `json:"max_request_size_bytes" yaml:"max_request_size_bytes"`
	APIKeyUserMapping   map[string]string `json:"api_keys,omitempty" yaml:"api_keys,omitempty"` // API key → user ID. Extended by VIGIL_API_KEYS ("key:user,...").
}

// Addr returns the listen address with a default of ":8080".
func (h *HTTPGatewayConfig) Addr() string {
	if h != nil && h.ListenAddr != "" {
		return h.ListenAddr
	}
	return ":8080"
}

// WebSocketGatewayConfig configures the WebSocket event feed.
type WebSocketGatewayConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	Path    string `json:"path" yaml:"path"`                         // URL path for the event feed. Default: "/ws/events".
	Token   string `json:"token,omitempty" yaml:"token,omitempty"`   // Client token. Empty disables feed auth. Override: VIGIL_WS_TOKEN env var.
}

// WSPath returns the WebSocket path with a default of "/ws/events".
func (w *WebSocketGatewayConfig) WSPath() string {
	if w != nil && w.Path != "" {
		return w.Path
	}
	return "/ws/events"
}

// RetentionConfig configures the scheduled audit cleanup job.
// When nil, old entries are never purged automatically.
type RetentionConfig struct {
	Enabled  bool   `json:"enabled" yaml:"enabled"`
	Schedule string `json:"schedule" yaml:"schedule"` // Cron expression. Default: "0 3 * * *" (daily at 03:00).
}

// CronSchedule returns the cron expression with a default of daily at 03:00.
func (r *RetentionConfig) CronSchedule() string {
	if r != nil && r.Schedule != "" {
		return r.Schedule
	}
	return "0 3 * * *"
}

// ObservabilityConfig configures metrics and tracing.
// When nil, all observability features are disabled with zero overhead.
type ObservabilityConfig struct {
	Metrics *MetricsConfig `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Tracing *TracingConfig `json:"tracing,omitempty" yaml:"tracing,omitempty"`
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
	ServiceName string  `json:"service_name" yaml:"service_name"` // Default: "vigil"
	SampleRate  float64 `json:"sample_rate" yaml:"sample_rate"`   // 0.0–1.0. Default: 1.0
	Insecure    bool    `json:"insecure" yaml:"insecure"`         // Skip TLS for dev
}

// MCPServerConfig defines a single external MCP server connection.
// Vigil acts as an MCP client, connecting at startup, discovering tools,
// and registering them in the guard registry as untrusted tools.
type MCPServerConfig struct {
	Name      string            `json:"name" yaml:"name"`                           // Server ID used for tool namespacing (e.g., "github").
	Transport string            `json:"transport" yaml:"transport"`                 // "stdio", "sse", or "streamable_http".
	Command   string            `json:"command,omitempty" yaml:"command,omitempty"` // Executable to launch (stdio only).
	Args      []string          `json:"args,omitempty" yaml:"args,omitempty"`       // Command arguments (stdio only).
	Env       map[string]string `json:"env,omitempty" yaml:"env,omitempty"`         // Subprocess env vars (stdio only). Values support ${VAR} expansion.
	URL       string            `json:"url,omitempty" yaml:"url,omitempty"`         // Server endpoint (sse/streamable_http only).
	Headers   map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"` // HTTP headers (sse/streamable_http). Values support ${VAR} expansion.
}

// DefaultConfigPath returns the default config file path (~/.vigil/config.yaml).
func DefaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "configs/vigil.yaml" // fallback for environments without a home dir
	}
	return filepath.Join(home, ".vigil", "config.yaml")
}

// Load reads a JSON or YAML config file and returns a validated Config.
// The format is detected by file extension: .yml/.yaml for YAML, everything else for JSON.
// Provider API keys and DSNs can be set in the config file or overridden
// by environment variables. Environment variables take precedence.
func Load(path string) (*Config, error) {
	// Expand ~ in config path.
	resolved, err := resolvePath(path)
	if err != nil {
		return nil, fmt.Errorf("resolving config path %s: %w", path, err)
	}

	data, err := os.ReadFile(resolved)
	if err != nil {
		return nil, fmt.Errorf("reading config %s: %w", resolved, err)
	}

	var cfg Config
	switch ext := strings.ToLower(filepath.Ext(resolved)); ext {
	case ".yml", ".yaml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing YAML config %s: %w", resolved, err)
		}
	default:
		if err := json.Unmarshal(data, &cfg); err != nil {
			return nil, fmt.Errorf("parsing JSON config %s: %w", resolved, err)
		}
	}

	// Environment variable overrides — env vars take precedence over config values.
	if envKey := os.Getenv("OPENAI_API_KEY"); envKey != "" {
		cfg.Provider.APIKey = envKey
	}
	if envDD := os.Getenv("VIGIL_DATA_DIR"); envDD != "" {
		cfg.DataDir = envDD
	}
	if envToken := os.Getenv("VIGIL_WS_TOKEN"); envToken != "" {
		if cfg.Gateway.WS == nil {
			cfg.Gateway.WS = &WebSocketGatewayConfig{Enabled: true}
		}
		cfg.Gateway.WS.Token = envToken
	}
	if envDSN := os.Getenv("VIGIL_DB_DSN"); envDSN != "" {
		if cfg.Storage == nil {
			cfg.Storage = &StorageConfig{Driver: "postgres"}
		}
		if cfg.Storage.Postgres == nil {
			cfg.Storage.Postgres = &PostgresStorageConfig{}
		}
		cfg.Storage.Postgres.DSN = envDSN
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &cfg, nil
}

// Default returns a usable configuration when no config file exists:
// in-memory audit trail, mock provider, HTTP gateway on :8080.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{Name: "mock"},
		Gateway: GatewayConfig{
			HTTP: &HTTPGatewayConfig{Enabled: true},
			WS:   &WebSocketGatewayConfig{Enabled: true},
		},
	}
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

// ResolvedDataDir returns the data directory, resolving ~ if needed.
func (c *Config) ResolvedDataDir() string {
	if c.DataDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return "data"
		}
		return filepath.Join(home, ".vigil", "data")
	}
	resolved, err := resolvePath(c.DataDir)
	if err != nil {
		return c.DataDir
	}
	return resolved
}

// DatabasePath returns the default SQLite database path under the data directory.
func (c *Config) DatabasePath() string {
	return filepath.Join(c.ResolvedDataDir(), "vigil.db")
}

func (c *Config) validate() error {
	if c.Provider.Name == "" {
		c.Provider.Name = "openai"
	}
	switch c.Provider.Name {
	case "openai":
		if c.Provider.Model == "" {
			return fmt.Errorf("provider.model is required")
		}
		if c.Provider.APIKey == "" {
			return fmt.Errorf("provider.api_key is required (set OPENAI_API_KEY env var)")
		}
	case "mock":
		// No credentials needed.
	default:
		return fmt.Errorf("provider.name %q is not supported (use openai or mock)", c.Provider.Name)
	}

	if c.Guard.ConfirmationTimeoutSeconds < 0 {
		return fmt.Errorf("guard.confirmation_timeout_seconds must not be negative")
	}
	if c.Guard.ExecutionTimeoutSeconds < 0 {
		return fmt.Errorf("guard.execution_timeout_seconds must not be negative")
	}
	if c.Guard.MaxConcurrent < 0 {
		return fmt.Errorf("guard.max_concurrent must not be negative")
	}
	if c.Audit.MaxEntries < 0 {
		return fmt.Errorf("audit.max_entries must not be negative")
	}

	// Storage driver validation.
	if c.Storage != nil && c.Storage.Driver != "" {
		switch c.Storage.Driver {
		case "sqlite", "postgres":
			// valid
		default:
			return fmt.Errorf("storage.driver %q is not supported (use sqlite or postgres)", c.Storage.Driver)
		}
	}
	if c.Storage != nil && c.Storage.StorageDriver() == "postgres" {
		if c.Storage.Postgres == nil || c.Storage.Postgres.DSN == "" {
			return fmt.Errorf("storage.postgres.dsn is required for the postgres driver (set VIGIL_DB_DSN env var)")
		}
	}

	// MCP server config validation.
	mcpNames := make(map[string]bool, len(c.MCP))
	for i, srv := range c.MCP {
		if srv.Name == "" {
			return fmt.Errorf("mcp[%d].name is required", i)
		}
		if mcpNames[srv.Name] {
			return fmt.Errorf("mcp[%d]: duplicate server name %q", i, srv.Name)
		}
		mcpNames[srv.Name] = true
		switch srv.Transport {
		case "stdio":
			if srv.Command == "" {
				return fmt.Errorf("mcp[%d] (%q): command is required for stdio transport", i, srv.Name)
			}
		case "sse", "streamable_http":
			if srv.URL == "" {
				return fmt.Errorf("mcp[%d] (%q): url is required for %s transport", i, srv.Name, srv.Transport)
			}
		default:
			return fmt.Errorf("mcp[%d] (%q): transport must be stdio, sse, or streamable_http", i, srv.Name)
		}
	}
	return nil
}
