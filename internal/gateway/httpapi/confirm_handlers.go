package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/vigil/internal/confirm"
)

// PendingConfirmation is one unresolved confirmation request.
type PendingConfirmation struct {
	ID            string    `json:"id"`
	ToolName      string    `json:"tool_name"`
	RiskLevel     string    `json:"risk_level"`
	Reversible    bool      `json:"reversible"`
	AffectedPaths []string  `json:"affected_paths,omitempty"`
	RequestTime   time.Time `json:"request_time"`
	TimeoutMS     int64     `json:"timeout_ms"`
}

// DecisionRequest is the JSON body for approve/deny calls.
type DecisionRequest struct {
	Reason string `json:"reason,omitempty"`
}

// DecisionResponse reports the result of a confirmation decision.
type DecisionResponse struct {
	ID     string `json:"id,omitempty"`
	Status string `json:"status"`
}

// ConfirmationStats mirrors the bus statistics.
type ConfirmationStats struct {
	TotalRequests    int   `json:"total_requests"`
	CurrentlyPending int   `json:"currently_pending"`
	MeanResolutionMS int64 `json:"mean_resolution_ms"`
}

func (g *Gateway) handleConfirmationList(c *okapi.Context) error {
	pending := g.guard.Bus().Pending()
	resp := make([]PendingConfirmation, len(pending))
	for i, p := range pending {
		resp[i] = PendingConfirmation{
			ID:            p.ID,
			ToolName:      p.ToolCall.ToolName,
			RiskLevel:     p.ToolCall.RiskLevel.String(),
			Reversible:    p.ToolCall.Reversible,
			AffectedPaths: p.ToolCall.AffectedPaths,
			RequestTime:   p.RequestTime,
			TimeoutMS:     p.Timeout.Milliseconds(),
		}
	}
	return c.OK(resp)
}

func (g *Gateway) handleConfirmationApprove(c *okapi.Context) error {
	userID := c.GetString("userID")
	id := c.Param("id")

	var req DecisionRequest
	_ = c.Bind(&req) // Reason is optional; an empty body is fine.

	if err := g.guard.Bus().Approve(id, userID, req.Reason); err != nil {
		return confirmationError(c, err)
	}
	g.logger.Info("confirmation approved via http",
		slog.String("request_id", id),
		slog.String("user_id", userID),
	)
	return c.OK(DecisionResponse{ID: id, Status: "approved"})
}

func (g *Gateway) handleConfirmationDeny(c *okapi.Context) error {
	userID := c.GetString("userID")
	id := c.Param("id")

	var req DecisionRequest
	_ = c.Bind(&req)

	if err := g.guard.Bus().Deny(id, userID, req.Reason); err != nil {
		return confirmationError(c, err)
	}
	g.logger.Info("confirmation denied via http",
		slog.String("request_id", id),
		slog.String("user_id", userID),
	)
	return c.OK(DecisionResponse{ID: id, Status: "denied"})
}

func (g *Gateway) handleConfirmationCancel(c *okapi.Context) error {
	id := c.Param("id")
	if !g.guard.Bus().Cancel(id) {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "confirmation not found"})
	}
	return c.OK(DecisionResponse{ID: id, Status: "cancelled"})
}

func (g *Gateway) handleConfirmationStats(c *okapi.Context) error {
	stats := g.guard.Bus().Statistics()
	return c.OK(ConfirmationStats{
		TotalRequests:    stats.TotalRequests,
		CurrentlyPending: stats.CurrentlyPending,
		MeanResolutionMS: stats.MeanResolutionTime.Milliseconds(),
	})
}

// confirmationError maps bus errors to appropriate HTTP responses.
func confirmationError(c *okapi.Context, err error) error {
	if errors.Is(err, confirm.ErrNotFound) {
		return c.JSON(http.StatusNotFound, okapi.M{"error": "confirmation not found"})
	}
	return c.AbortInternalServerError("confirmation error")
}
