package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jkaninda/vigil/internal/audit"
	"github.com/jkaninda/vigil/internal/config"
	"github.com/jkaninda/vigil/internal/confirm"
	"github.com/jkaninda/vigil/internal/conversation"
	"github.com/jkaninda/vigil/internal/events"
	"github.com/jkaninda/vigil/internal/guard"
	"github.com/jkaninda/vigil/internal/guard/mcptools"
	"github.com/jkaninda/vigil/internal/impact"
	"github.com/jkaninda/vigil/internal/llm"
	"github.com/jkaninda/vigil/internal/llm/mock"
	"github.com/jkaninda/vigil/internal/llm/openai"
	"github.com/jkaninda/vigil/internal/observability"
	"github.com/jkaninda/vigil/internal/storage"
	pgstore "github.com/jkaninda/vigil/internal/storage/postgres"
	sqlitestore "github.com/jkaninda/vigil/internal/storage/sqlite"
	"github.com/jkaninda/vigil/internal/turn"
)

// SharedComponents holds all initialized subsystems the runtime requires.
// Built once by initShared, torn down by Cleanup.
type SharedComponents struct {
	Config *config.Config
	Logger *slog.Logger

	Obs    *observability.Observability
	Store  storage.Store // nil = in-memory only.
	Trail  *audit.Trail
	Stream *events.Stream
	Bus    *confirm.Bus
	Guard  *guard.Guard
	Runner *turn.Runner

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

// loadConfig reads the config file, falling back to built-in defaults when
// the default config path does not exist.
func loadConfig(path string, logger *slog.Logger) (*config.Config, error) {
	if path == config.DefaultConfigPath() {
		if _, err := os.Stat(path); os.IsNotExist(err) {
			logger.Info("no config file found, using defaults", slog.String("path", path))
			return config.Default(), nil
		}
	}
	return config.Load(path)
}

// initShared performs all common initialization.
// Callers must call sc.Cleanup() when done.
func initShared(cfg *config.Config, logger *slog.Logger) (*SharedComponents, error) {
	sc := &SharedComponents{
		Config: cfg,
		Logger: logger,
	}

	// Data directory.
	dataDir := cfg.ResolvedDataDir()
	if err := os.MkdirAll(dataDir, 0750); err != nil {
		return nil, fmt.Errorf("creating data directory %s: %w", dataDir, err)
	}

	// Observability.
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
	if obs != nil {
		logger.Debug("observability initialized",
			slog.Bool("metrics", obs.Metrics != nil),
			slog.Bool("tracing", obs.Tracer != nil),
		)
	}

	// Persistent storage (optional).
	if cfg.Storage != nil {
		store, err := initStore(cfg, logger)
		if err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("initializing storage: %w", err)
		}
		sc.Store = store
		sc.addCleanup(func() {
			if err := store.Close(); err != nil {
				logger.Error("closing store", slog.String("error", err.Error()))
			}
		})

		if err := store.Migrate(context.Background()); err != nil {
			sc.Cleanup()
			return nil, fmt.Errorf("running migrations: %w", err)
		}
		logger.Debug("storage initialized", slog.String("driver", store.Driver()))
	}

	// Audit trail, mirrored to persistent storage when configured.
	trail := audit.NewTrail(cfg.Audit.Capacity(), logger)
	if sc.Store != nil {
		trail = trail.WithStore(sc.Store.Audit())
	}
	sc.Trail = trail

	// Guard pipeline.
	stream := events.NewStream()
	bus := confirm.NewBus(stream, logger)
	g := guard.New(guard.Config{
		ConfirmationRequired: cfg.Guard.Confirmation(),
		AutoApprovalEnabled:  cfg.Guard.AutoApproval(),
		ConfirmationTimeout:  cfg.Guard.ConfirmationTimeout(),
		ExecutionTimeout:     cfg.Guard.ExecutionTimeout(),
		MaxConcurrent:        cfg.Guard.Concurrency(),
		Sandboxed:            cfg.Guard.Sandboxed,
	}, impact.NewDefault(), trail, bus, stream, logger)
	if obs != nil && obs.Metrics != nil {
		g = g.WithMetrics(guard.NewMetrics(obs.Registry()))
	}
	if tracer := obs.TracerOrNil(); tracer != nil {
		g = g.WithTracer(tracer)
	}
	sc.Stream = stream
	sc.Bus = bus
	sc.Guard = g
	sc.addCleanup(stream.Close)

	// MCP tool servers.
	if len(cfg.MCP) > 0 {
		bridge := mcptools.NewBridge(logger)
		mcpCtx, mcpCancel := context.WithTimeout(context.Background(), 30*time.Second)
		registered := bridge.ConnectAll(mcpCtx, g, cfg.MCP)
		mcpCancel()
		sc.addCleanup(bridge.Close)
		logger.Info("mcp tools registered", slog.Int("count", registered))
	}

	// Model client.
	client, err := newModelClient(cfg, logger)
	if err != nil {
		sc.Cleanup()
		return nil, fmt.Errorf("initializing model client: %w", err)
	}
	logger.Debug("model client initialized", slog.String("provider", client.Name()))

	// Conversation store: persistent when storage is configured.
	var convStore conversation.Store = conversation.NewInMemoryStore()
	if sc.Store != nil {
		convStore = sc.Store.Conversations()
	}

	runner := turn.NewRunner(client, convStore, g, logger)
	if tracer := obs.TracerOrNil(); tracer != nil {
		runner = runner.WithTracer(tracer)
	}
	if cfg.Provider.MaxOutputTokens > 0 {
		runner = runner.WithMaxOutputTokens(cfg.Provider.MaxOutputTokens)
	}
	sc.Runner = runner

	return sc, nil
}

// initStore creates the persistent storage backend from config.
func initStore(cfg *config.Config, logger *slog.Logger) (storage.Store, error) {
	switch driver := cfg.Storage.StorageDriver(); driver {
	case storage.DriverPostgres:
		pg := cfg.Storage.Postgres // validated non-nil for the postgres driver
		return pgstore.Open(pgstore.Config{
			DSN:             pg.DSN,
			MaxOpenConns:    pg.MaxOpenConns,
			MaxIdleConns:    pg.MaxIdleConns,
			ConnMaxLifetime: time.Duration(pg.ConnMaxLifetimeS) * time.Second,
		}, logger)

	case storage.DriverSQLite:
		dbPath := cfg.DatabasePath()
		journalMode := ""
		if cfg.Storage.SQLite != nil {
			if cfg.Storage.SQLite.Path != "" {
				dbPath = cfg.Storage.SQLite.Path
			}
			journalMode = cfg.Storage.SQLite.JournalMode
		}
		return sqlitestore.Open(sqlitestore.Config{
			Path:        dbPath,
			JournalMode: journalMode,
		}, logger)

	default:
		return nil, fmt.Errorf("unknown storage driver: %q", driver)
	}
}

// newModelClient creates the model client from the provider config.
func newModelClient(cfg *config.Config, logger *slog.Logger) (llm.Client, error) {
	switch cfg.Provider.Name {
	case "mock":
		return mock.NewClient(), nil
	case "openai", "":
		var opts []openai.Option
		if cfg.Provider.BaseURL != "" {
			opts = append(opts, openai.WithBaseURL(cfg.Provider.BaseURL))
		}
		return openai.NewClient(cfg.Provider.APIKey, cfg.Provider.Model, logger, opts...), nil
	default:
		return nil, fmt.Errorf("unknown provider: %q", cfg.Provider.Name)
	}
}
