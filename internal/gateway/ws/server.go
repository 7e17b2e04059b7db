// Package ws implements the WebSocket event feed for Vigil.
// Clients connect, optionally filter by event kind, and receive the guard
// pipeline's notification stream in real-time instead of polling the API.
package ws

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/vigil/internal/events"
)

const subprotocol = "vigil-events-v1"

// Config configures the WebSocket event feed.
type Config struct {
	// Token authenticates connecting clients. Empty disables authentication.
	Token string

	// HeartbeatInterval is the server ping cadence. 0 = 30s default.
	HeartbeatInterval time.Duration
}

func (c Config) heartbeat() time.Duration {
	if c.HeartbeatInterval <= 0 {
		return 30 * time.Second
	}
	return c.HeartbeatInterval
}

// Server bridges the event stream to WebSocket clients. Each connection gets
// its own stream subscription, so a slow client never stalls another.
type Server struct {
	stream *events.Stream
	cfg    Config
	logger *slog.Logger
}

// NewServer creates a WebSocket event feed over the given stream.
func NewServer(stream *events.Stream, cfg Config, logger *slog.Logger) *Server {
	return &Server{
		stream: stream,
		cfg:    cfg,
		logger: logger,
	}
}

// Handler returns an http.Handler that upgrades connections to WebSocket.
func (s *Server) Handler() http.Handler {
	return http.HandlerFunc(s.handleUpgrade)
}

func (s *Server) handleUpgrade(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Token != "" {
		token := r.URL.Query().Get("token")
		if token == "" {
			token = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.Token)) != 1 {
			http.Error(w, "unauthorized", http.StatusUnauthorized)
			return
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		Subprotocols: []string{subprotocol},
	})
	if err != nil {
		s.logger.Error("websocket accept failed", slog.String("error", err.Error()))
		return
	}

	// Kind filter from the query string: ?kinds=tool_call,tool_result
	filter := parseKindFilter(r.URL.Query().Get("kinds"))

	s.handleConnection(r.Context(), conn, filter)
}

func (s *Server) handleConnection(ctx context.Context, conn *websocket.Conn, filter map[events.Kind]bool) {
	defer conn.Close(websocket.StatusNormalClosure, "connection closed")

	ch, unsubscribe := s.stream.Subscribe()
	defer unsubscribe()

	s.logger.Info("event feed client connected",
		slog.Int("subscribers", s.stream.SubscriberCount()),
	)

	// The read loop only detects disconnects; clients send nothing after the
	// upgrade. Its error cancels the write loop below.
	readCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		defer cancel()
		for {
			if _, _, err := conn.Read(readCtx); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(s.cfg.heartbeat())
	defer ticker.Stop()

	for {
		select {
		case <-readCtx.Done():
			s.logger.Info("event feed client disconnected")
			return

		case <-ticker.C:
			if err := conn.Ping(readCtx); err != nil {
				s.logger.Debug("event feed ping failed", slog.String("error", err.Error()))
				return
			}

		case ev, ok := <-ch:
			if !ok {
				// Stream closed; the server is shutting down.
				conn.Close(websocket.StatusGoingAway, "stream closed")
				return
			}
			if filter != nil && !filter[ev.Kind] {
				continue
			}
			if err := s.writeEvent(readCtx, conn, ev); err != nil {
				s.logger.Warn("event feed write failed", slog.String("error", err.Error()))
				return
			}
		}
	}
}

func (s *Server) writeEvent(ctx context.Context, conn *websocket.Conn, ev events.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return conn.Write(writeCtx, websocket.MessageText, data)
}

// parseKindFilter parses a comma-separated kind list. Nil means no filter.
func parseKindFilter(raw string) map[events.Kind]bool {
	if raw == "" {
		return nil
	}
	filter := make(map[events.Kind]bool)
	for _, k := range strings.Split(raw, ",") {
		if k = strings.TrimSpace(k); k != "" {
			filter[events.Kind(k)] = true
		}
	}
	if len(filter) == 0 {
		return nil
	}
	return filter
}
