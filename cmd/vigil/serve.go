package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	goutils "github.com/jkaninda/go-utils"

	"github.com/jkaninda/vigil/internal/config"
	"github.com/jkaninda/vigil/internal/gateway/httpapi"
	"github.com/jkaninda/vigil/internal/gateway/ws"
	"github.com/jkaninda/vigil/internal/retention"
)

var (
	serveConfigPath string
	servePort       string
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the runtime (HTTP API + WebSocket event feed)",
	RunE:  runServe,
}

func init() {
	// Register flags on both root and serve so that
	// `vigil --config path` and `vigil serve --config path` both work.
	for _, cmd := range []*cobra.Command{rootCmd, serveCmd} {
		cmd.Flags().StringVar(&serveConfigPath, "config", config.DefaultConfigPath(), "path to config file")
		cmd.Flags().StringVar(&servePort, "port", "", "override HTTP listen address (e.g. :8080)")
	}
}

// runServe starts the runtime: guard pipeline, retention job, HTTP API and
// WebSocket event feed.
func runServe(_ *cobra.Command, _ []string) error {
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	cfg, err := loadConfig(goutils.Env("VIGIL_CONFIG", serveConfigPath), logger)
	if err != nil {
		return err
	}

	// Apply CLI overrides.
	if servePort != "" {
		if cfg.Gateway.HTTP == nil {
			cfg.Gateway.HTTP = &config.HTTPGatewayConfig{Enabled: true}
		}
		cfg.Gateway.HTTP.ListenAddr = servePort
	}

	sc, err := initShared(cfg, logger)
	if err != nil {
		return err
	}
	defer sc.Cleanup()

	// Signal-aware context.
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Scheduled audit retention (optional).
	if cfg.Retention != nil && cfg.Retention.Enabled {
		job, err := retention.New(sc.Trail, cfg.Retention.CronSchedule(), cfg.Audit.MaxAge(), logger)
		if err != nil {
			return fmt.Errorf("initializing retention job: %w", err)
		}
		cancelRetention := job.Start(ctx)
		defer cancelRetention()
		logger.Debug("retention job scheduled", slog.String("cron", cfg.Retention.CronSchedule()))
	}

	if cfg.Gateway.HTTP == nil || !cfg.Gateway.HTTP.Enabled {
		return fmt.Errorf("no gateway enabled in config (set gateway.http.enabled)")
	}

	gw := buildHTTPGateway(cfg, sc)

	// Mount the WebSocket event feed on the HTTP gateway.
	if cfg.Gateway.WS != nil && cfg.Gateway.WS.Enabled {
		feed := ws.NewServer(sc.Stream, ws.Config{Token: cfg.Gateway.WS.Token}, logger)
		gw.WithHandler(cfg.Gateway.WS.WSPath(), feed.Handler())
		logger.Debug("websocket event feed mounted", slog.String("path", cfg.Gateway.WS.WSPath()))
	}

	errs := make(chan error, 1)
	go func() {
		errs <- gw.Start(ctx)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errs:
		if err != nil {
			logger.Error("gateway exited with error", slog.String("error", err.Error()))
		}
	}

	// Graceful shutdown with deadline.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return gw.Stop(shutdownCtx)
}

// buildHTTPGateway creates the HTTP API gateway from config.
func buildHTTPGateway(cfg *config.Config, sc *SharedComponents) *httpapi.Gateway {
	// API key → user ID mapping from config + env override.
	apiKeys := cfg.Gateway.HTTP.APIKeyUserMapping
	if apiKeys == nil {
		apiKeys = make(map[string]string)
	}
	if envKeys := os.Getenv("VIGIL_API_KEYS"); envKeys != "" {
		for _, entry := range strings.Split(envKeys, ",") {
			parts := strings.SplitN(strings.TrimSpace(entry), ":", 2)
			if len(parts) == 2 {
				apiKeys[parts[0]] = parts[1]
			}
		}
	}

	httpCfg := httpapi.Config{
		ListenAddr:     cfg.Gateway.HTTP.Addr(),
		EnableDocs:     cfg.Gateway.HTTP.EnableDocs,
		APIKeys:        apiKeys,
		MaxRequestSize: cfg.Gateway.HTTP.MaxRequestSizeBytes,
	}
	if sc.Obs != nil {
		httpCfg.MetricsRegistry = sc.Obs.Registry()
		if cfg.Observability != nil && cfg.Observability.Metrics != nil {
			httpCfg.MetricsPath = cfg.Observability.Metrics.Path
		}
	}

	// Turns run on the shared stream so the WebSocket feed sees them.
	return httpapi.NewGateway(httpCfg, sc.Guard, sc.Logger).
		WithRunner(sc.Runner).
		WithStream(sc.Stream)
}
