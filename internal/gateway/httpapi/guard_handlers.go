package httpapi

import (
	"log/slog"

	"github.com/jkaninda/okapi"
)

// ToolListResponse lists registered tools by trust level.
type ToolListResponse struct {
	Trusted   []string `json:"trusted"`
	Untrusted []string `json:"untrusted"`
}

// ActiveExecution is one in-flight tool execution.
type ActiveExecution struct {
	CallID      string `json:"call_id"`
	ToolName    string `json:"tool_name"`
	Environment string `json:"environment"`
	TimeoutMS   int64  `json:"timeout_ms"`
}

// StatusResponse reports the pipeline state.
type StatusResponse struct {
	Stopped          bool              `json:"stopped"`
	ActiveExecutions []ActiveExecution `json:"active_executions"`
}

func (g *Gateway) handleToolList(c *okapi.Context) error {
	trusted, untrusted := g.guard.ToolNames()
	return c.OK(ToolListResponse{Trusted: trusted, Untrusted: untrusted})
}

func (g *Gateway) handleStatus(c *okapi.Context) error {
	return c.OK(g.statusResponse())
}

func (g *Gateway) handleEmergencyStop(c *okapi.Context) error {
	userID := c.GetString("userID")
	g.guard.EmergencyStop()
	g.logger.Warn("emergency stop activated via http",
		slog.String("user_id", userID),
	)
	return c.OK(g.statusResponse())
}

func (g *Gateway) handleEmergencyReset(c *okapi.Context) error {
	userID := c.GetString("userID")
	g.guard.ResetEmergencyStop()
	g.logger.Info("emergency stop reset via http",
		slog.String("user_id", userID),
	)
	return c.OK(g.statusResponse())
}

func (g *Gateway) statusResponse() StatusResponse {
	active := g.guard.ActiveExecutions()
	resp := StatusResponse{
		Stopped:          g.guard.Stopped(),
		ActiveExecutions: make([]ActiveExecution, len(active)),
	}
	for i, ec := range active {
		resp.ActiveExecutions[i] = ActiveExecution{
			CallID:      ec.CallID,
			ToolName:    ec.ToolName,
			Environment: ec.Environment,
			TimeoutMS:   ec.Timeout.Milliseconds(),
		}
	}
	return resp
}
