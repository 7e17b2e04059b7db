package httpapi

import (
	"log/slog"

	"github.com/google/uuid"
	"github.com/jkaninda/okapi"

	"github.com/jkaninda/vigil/internal/events"
)

// TurnRequest is the JSON body for POST /v1/turns.
type TurnRequest struct {
	Message        string `json:"message"`
	ConversationID string `json:"conversation_id,omitempty"` // Empty = new conversation.
}

// TurnResponse is the JSON response for POST /v1/turns.
type TurnResponse struct {
	Message        string `json:"message"`
	CorrelationID  string `json:"correlation_id"`
	ConversationID string `json:"conversation_id"`
	ResponseID     string `json:"response_id"`
	TokensUsed     int    `json:"tokens_used,omitempty"`
}

func (g *Gateway) handleTurn(c *okapi.Context) error {
	userID := c.GetString("userID")

	var req TurnRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("message is required")
	}
	if req.Message == "" {
		return c.AbortBadRequest("message is required")
	}

	correlationID := newCorrelationID()

	// Resolve conversation ID: use client-provided or generate new.
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	g.logger.Info("http turn",
		slog.String("user_id", userID),
		slog.String("correlation_id", correlationID),
		slog.String("conversation_id", conversationID),
	)

	stream, release := g.turnStream()
	defer release()

	result := g.runner.Run(c.Context(), stream, conversationID, req.Message)
	if result == nil {
		g.logger.Error("turn processing failed",
			slog.String("correlation_id", correlationID),
			slog.String("conversation_id", conversationID),
		)
		return c.AbortInternalServerError("processing failed")
	}

	return c.OK(TurnResponse{
		Message:        result.FinalText,
		CorrelationID:  correlationID,
		ConversationID: conversationID,
		ResponseID:     result.ResponseID,
		TokensUsed:     result.Usage.TotalTokens,
	})
}

// turnStream returns the stream a turn publishes on. With the shared
// stream attached, turn events reach the WebSocket event feed; otherwise
// the turn runs on a private stream torn down with the request.
func (g *Gateway) turnStream() (*events.Stream, func()) {
	if g.stream != nil {
		return g.stream, func() {}
	}
	s := events.NewStream()
	return s, s.Close
}
