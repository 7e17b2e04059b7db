package httpapi

import (
	"errors"
	"log/slog"
	"time"

	"github.com/jkaninda/okapi"

	"github.com/jkaninda/vigil/internal/audit"
)

// AuditSearchRequest is the JSON body for POST /v1/audit/search.
// Zero-valued fields are ignored.
type AuditSearchRequest struct {
	Tool           string `json:"tool,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	CallID         string `json:"call_id,omitempty"`
	RiskLevel      string `json:"risk_level,omitempty"`
	Success        *bool  `json:"success,omitempty"`
	Text           string `json:"text,omitempty"`
	SinceRFC3339   string `json:"since,omitempty"`
	UntilRFC3339   string `json:"until,omitempty"`
	Limit          int    `json:"limit,omitempty"`
}

// AuditEntryResponse is one audit trail entry.
type AuditEntryResponse struct {
	ID             string    `json:"id"`
	Timestamp      time.Time `json:"timestamp"`
	ToolName       string    `json:"tool_name"`
	CallID         string    `json:"call_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	Success        bool      `json:"success"`
	Error          string    `json:"error,omitempty"`
	ExecutionMS    int64     `json:"execution_ms"`
	RiskLevel      string    `json:"risk_level"`
	Approved       bool      `json:"approved"`
	ApprovalSource string    `json:"approval_source"`
}

// AuditStatsResponse mirrors the trail statistics.
type AuditStatsResponse struct {
	Total            int               `json:"total"`
	Succeeded        int               `json:"succeeded"`
	Failed           int               `json:"failed"`
	MeanExecutionMS  int64             `json:"mean_execution_ms"`
	ByRiskLevel      map[string]int    `json:"by_risk_level"`
	ByApprovalSource map[string]int    `json:"by_approval_source"`
	TopTools         []audit.ToolCount `json:"top_tools"`
}

// SecurityReportResponse wraps the derived security report.
type SecurityReportResponse struct {
	Report audit.Report `json:"report"`
}

// ClearRequest is the JSON body for DELETE /v1/audit.
type ClearRequest struct {
	ConfirmationToken string `json:"confirmation_token"`
}

func (g *Gateway) handleAuditSearch(c *okapi.Context) error {
	var req AuditSearchRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	q := audit.Query{
		ToolName:       req.Tool,
		ConversationID: req.ConversationID,
		CallID:         req.CallID,
		RiskLevel:      req.RiskLevel,
		Success:        req.Success,
		Text:           req.Text,
		Limit:          req.Limit,
	}
	if req.SinceRFC3339 != "" {
		since, err := time.Parse(time.RFC3339, req.SinceRFC3339)
		if err != nil {
			return c.AbortBadRequest("since must be RFC 3339")
		}
		q.Since = since
	}
	if req.UntilRFC3339 != "" {
		until, err := time.Parse(time.RFC3339, req.UntilRFC3339)
		if err != nil {
			return c.AbortBadRequest("until must be RFC 3339")
		}
		q.Until = until
	}

	entries := g.guard.Trail().Search(q)
	resp := make([]AuditEntryResponse, len(entries))
	for i := range entries {
		resp[i] = toAuditEntryResponse(&entries[i])
	}
	return c.OK(resp)
}

func (g *Gateway) handleAuditStats(c *okapi.Context) error {
	stats := g.guard.Trail().Statistics()

	bySource := make(map[string]int, len(stats.ByApprovalSource))
	for source, n := range stats.ByApprovalSource {
		bySource[string(source)] = n
	}

	return c.OK(AuditStatsResponse{
		Total:            stats.Total,
		Succeeded:        stats.Succeeded,
		Failed:           stats.Failed,
		MeanExecutionMS:  stats.MeanExecution.Milliseconds(),
		ByRiskLevel:      stats.ByRiskLevel,
		ByApprovalSource: bySource,
		TopTools:         stats.TopTools,
	})
}

func (g *Gateway) handleSecurityReport(c *okapi.Context) error {
	return c.OK(SecurityReportResponse{Report: g.guard.Trail().SecurityReport()})
}

// ExportResponse carries an exported audit trail. Data holds the whole
// document in the requested format.
type ExportResponse struct {
	Format string `json:"format"`
	Data   string `json:"data"`
}

func (g *Gateway) handleAuditExport(c *okapi.Context) error {
	format := c.Param("format")
	switch format {
	case "csv":
		data, err := g.guard.Trail().ExportCSV()
		if err != nil {
			return c.AbortInternalServerError("export failed")
		}
		return c.OK(ExportResponse{Format: "csv", Data: string(data)})
	case "json", "":
		data, err := g.guard.Trail().ExportJSON()
		if err != nil {
			return c.AbortInternalServerError("export failed")
		}
		return c.OK(ExportResponse{Format: "json", Data: string(data)})
	default:
		return c.AbortBadRequest("format must be \"json\" or \"csv\"")
	}
}

func (g *Gateway) handleAuditClear(c *okapi.Context) error {
	userID := c.GetString("userID")

	var req ClearRequest
	if err := c.Bind(&req); err != nil {
		return c.AbortBadRequest("invalid request body")
	}

	if err := g.guard.Trail().Clear(req.ConfirmationToken); err != nil {
		if errors.Is(err, audit.ErrClearNotConfirmed) {
			return c.AbortBadRequest("confirmation token mismatch")
		}
		return c.AbortInternalServerError("clear failed")
	}

	g.logger.Info("audit trail cleared",
		slog.String("cleared_by", userID),
	)
	return c.OK(DecisionResponse{Status: "cleared"})
}

func toAuditEntryResponse(e *audit.Entry) AuditEntryResponse {
	return AuditEntryResponse{
		ID:             e.ID,
		Timestamp:      e.Timestamp,
		ToolName:       e.ToolName,
		CallID:         e.CallID,
		ConversationID: e.ConversationID,
		Success:        e.Success,
		Error:          e.Error,
		ExecutionMS:    e.ExecutionTime.Milliseconds(),
		RiskLevel:      e.RiskLevel,
		Approved:       e.Approved,
		ApprovalSource: string(e.ApprovalSource),
	}
}
