// Package httpapi implements the HTTP API gateway for Vigil.
//
// Security:
//   - API key authentication on every /v1 request (constant-time comparison)
//   - Request body size limits (default 1 MB)
//   - All requests logged with correlation IDs
//   - TLS expected via reverse proxy (not handled here)
package httpapi

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/vigil/internal/events"
	"github.com/jkaninda/vigil/internal/guard"
	"github.com/jkaninda/vigil/internal/turn"
)

const defaultMaxRequestSize = 1 << 20 // 1 MB

// ErrorBody is the standard error response used in OpenAPI documentation.
type ErrorBody struct {
	Error string `json:"error"`
}

// Config configures the HTTP API gateway.
type Config struct {
	ListenAddr     string // e.g., ":8080"
	EnableDocs     bool
	APIKeys        map[string]string // API key → user ID mapping. Keys from env.
	MaxRequestSize int64             // Maximum request body in bytes. 0 = 1 MB default.

	// Observability
	MetricsRegistry *prometheus.Registry // Custom Prometheus registry for /metrics.
	MetricsPath     string               // Path for metrics endpoint. Default: "/metrics".
}

// Gateway is the HTTP API gateway.
type Gateway struct {
	config Config
	guard  *guard.Guard
	runner *turn.Runner   // nil = turn endpoint disabled.
	stream *events.Stream // nil = turns run on private throwaway streams.
	logger *slog.Logger
	server *http.Server

	// Extra handlers mounted on the HTTP mux (e.g., WebSocket event feed).
	extraRoutes []extraRoute

	okapi *okapi.Okapi
	group *okapi.Group
}

// extraRoute stores an additional handler to be mounted on the HTTP mux.
type extraRoute struct {
	pattern string
	handler http.Handler
}

// NewGateway creates an HTTP API gateway fronting the guard pipeline.
func NewGateway(cfg Config, g *guard.Guard, logger *slog.Logger) *Gateway {
	return &Gateway{
		config: cfg,
		guard:  g,
		logger: logger,
		okapi:  okapi.New(okapi.WithMaxMultipartMemory(defaultMaxRequestSize)),
	}
}

// WithRunner attaches a turn runner, enabling the /v1/turns endpoint.
func (g *Gateway) WithRunner(r *turn.Runner) *Gateway {
	g.runner = r
	return g
}

// WithStream attaches the shared event stream, making API-driven turn
// events visible to event feed subscribers.
func (g *Gateway) WithStream(s *events.Stream) *Gateway {
	g.stream = s
	return g
}

// WithHandler mounts an additional handler on the HTTP mux at the given
// pattern. Used for the WebSocket event feed.
func (g *Gateway) WithHandler(pattern string, handler http.Handler) *Gateway {
	g.extraRoutes = append(g.extraRoutes, extraRoute{pattern: pattern, handler: handler})
	return g
}

// WithOpenAPIDocs enables the OpenAPI documentation endpoint.
func (g *Gateway) WithOpenAPIDocs() *Gateway {
	g.okapi.WithOpenAPIDocs(
		okapi.OpenAPI{
			Title:   "Vigil",
			Version: "v0.1.0",
		},
	)
	return g
}

// Start launches the HTTP server and blocks until it exits or ctx is canceled.
func (g *Gateway) Start(ctx context.Context) error {
	// Authenticated /v1 group.
	g.group = g.okapi.Group("/v1", g.authenticate)

	// Turn endpoint.
	if g.runner != nil {
		g.group.Post("/turns", g.handleTurn,
			okapi.DocSummary("Process one user message through the agent"),
			okapi.DocTags("Turns"),
			okapi.DocRequestBody(TurnRequest{}),
			okapi.DocResponse(TurnResponse{}),
			okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
			okapi.DocResponse(http.StatusUnauthorized, ErrorBody{}),
		)
	}

	// Confirmation endpoints.
	g.group.Get("/confirmations", g.handleConfirmationList,
		okapi.DocSummary("List pending confirmation requests"),
		okapi.DocTags("Confirmations"),
		okapi.DocResponse([]PendingConfirmation{}),
	)
	g.group.Post("/confirmations/{id}/approve", g.handleConfirmationApprove,
		okapi.DocSummary("Approve a pending tool call"),
		okapi.DocTags("Confirmations"),
		okapi.DocPathParam("id", "string", "Confirmation request ID"),
		okapi.DocRequestBody(DecisionRequest{}),
		okapi.DocResponse(DecisionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/confirmations/{id}/deny", g.handleConfirmationDeny,
		okapi.DocSummary("Deny a pending tool call"),
		okapi.DocTags("Confirmations"),
		okapi.DocPathParam("id", "string", "Confirmation request ID"),
		okapi.DocRequestBody(DecisionRequest{}),
		okapi.DocResponse(DecisionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Post("/confirmations/{id}/cancel", g.handleConfirmationCancel,
		okapi.DocSummary("Cancel a pending tool call"),
		okapi.DocTags("Confirmations"),
		okapi.DocPathParam("id", "string", "Confirmation request ID"),
		okapi.DocResponse(DecisionResponse{}),
		okapi.DocResponse(http.StatusNotFound, ErrorBody{}),
	)
	g.group.Get("/confirmations/statistics", g.handleConfirmationStats,
		okapi.DocSummary("Confirmation bus statistics"),
		okapi.DocTags("Confirmations"),
		okapi.DocResponse(ConfirmationStats{}),
	)

	// Audit endpoints.
	g.group.Post("/audit/search", g.handleAuditSearch,
		okapi.DocSummary("Search the audit trail"),
		okapi.DocTags("Audit"),
		okapi.DocRequestBody(AuditSearchRequest{}),
		okapi.DocResponse([]AuditEntryResponse{}),
	)
	g.group.Get("/audit/statistics", g.handleAuditStats,
		okapi.DocSummary("Audit trail statistics"),
		okapi.DocTags("Audit"),
		okapi.DocResponse(AuditStatsResponse{}),
	)
	g.group.Get("/audit/report", g.handleSecurityReport,
		okapi.DocSummary("Security report with score, alerts and recommendations"),
		okapi.DocTags("Audit"),
		okapi.DocResponse(SecurityReportResponse{}),
	)
	g.group.Get("/audit/export/{format}", g.handleAuditExport,
		okapi.DocSummary("Export the audit trail as JSON or CSV"),
		okapi.DocTags("Audit"),
		okapi.DocPathParam("format", "string", "\"json\" or \"csv\""),
		okapi.DocResponse(ExportResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)
	g.group.Delete("/audit", g.handleAuditClear,
		okapi.DocSummary("Clear the audit trail (requires confirmation token)"),
		okapi.DocTags("Audit"),
		okapi.DocRequestBody(ClearRequest{}),
		okapi.DocResponse(DecisionResponse{}),
		okapi.DocResponse(http.StatusBadRequest, ErrorBody{}),
	)

	// Guard control endpoints.
	g.group.Get("/tools", g.handleToolList,
		okapi.DocSummary("List registered tools by trust level"),
		okapi.DocTags("Guard"),
		okapi.DocResponse(ToolListResponse{}),
	)
	g.group.Get("/status", g.handleStatus,
		okapi.DocSummary("Pipeline status: stop flag and in-flight executions"),
		okapi.DocTags("Guard"),
		okapi.DocResponse(StatusResponse{}),
	)
	g.group.Post("/emergency-stop", g.handleEmergencyStop,
		okapi.DocSummary("Activate the emergency stop"),
		okapi.DocTags("Guard"),
		okapi.DocResponse(StatusResponse{}),
	)
	g.group.Post("/emergency-stop/reset", g.handleEmergencyReset,
		okapi.DocSummary("Clear the emergency stop"),
		okapi.DocTags("Guard"),
		okapi.DocResponse(StatusResponse{}),
	)
	g.group.Get("/healthz", g.handleHealth,
		okapi.DocSummary("Authenticated health check"),
		okapi.DocTags("Health"),
		okapi.DocResponse(HealthResponse{}),
	)

	// Extra handlers (e.g., WebSocket event feed).
	for _, er := range g.extraRoutes {
		g.okapi.HandleStd("GET", er.pattern, er.handler.ServeHTTP)
	}

	// Observability endpoints (unauthenticated).
	g.okapi.Get("/healthz", g.handleLiveness)

	if g.config.MetricsRegistry != nil {
		path := g.config.MetricsPath
		if path == "" {
			path = "/metrics"
		}
		g.okapi.HandleStd("GET", path, promhttp.HandlerFor(g.config.MetricsRegistry, promhttp.HandlerOpts{}).ServeHTTP)
	}
	if g.config.EnableDocs {
		g.WithOpenAPIDocs()
	}

	g.server = &http.Server{
		Addr:              g.config.ListenAddr,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	g.logger.Info("http api gateway starting", slog.String("addr", g.config.ListenAddr))

	return g.okapi.StartServer(g.server)
}

// Stop gracefully shuts down the HTTP server.
func (g *Gateway) Stop(_ context.Context) error {
	if g.server == nil {
		return nil
	}
	g.logger.Info("http api gateway stopping")
	return g.okapi.Shutdown(g.server)
}

// HealthResponse is the JSON response for health endpoints.
type HealthResponse struct {
	Status string `json:"status"`
}

func (g *Gateway) handleHealth(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// handleLiveness is the Kubernetes liveness probe
func (g *Gateway) handleLiveness(c *okapi.Context) error {
	return c.OK(&HealthResponse{Status: "ok"})
}

// --- Authentication ---

// authenticate validates the API key and stores the mapped user ID on the
// request context.
func (g *Gateway) authenticate(next okapi.HandlerFunc) okapi.HandlerFunc {
	return func(c *okapi.Context) error {
		authHeader := c.Header("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			return c.AbortUnauthorized("missing or invalid Authorization header")
		}
		apiKey := strings.TrimPrefix(authHeader, "Bearer ")

		userID := ""
		for key, mapped := range g.config.APIKeys {
			if subtle.ConstantTimeCompare([]byte(apiKey), []byte(key)) == 1 {
				userID = mapped
			}
		}
		if userID == "" {
			return c.AbortUnauthorized("invalid API key")
		}
		c.Set("userID", userID)
		return next(c)
	}
}

func newCorrelationID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return hex.EncodeToString(b)
}
