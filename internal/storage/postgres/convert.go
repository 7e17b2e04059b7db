package postgres

import (
	"encoding/json"
	"time"

	"github.com/jkaninda/vigil/internal/audit"
	"github.com/jkaninda/vigil/internal/impact"
)

func toAuditModel(e audit.Entry) AuditEntryModel {
	impactJSON, _ := json.Marshal(e.Impact)
	return AuditEntryModel{
		ID:             e.ID,
		Timestamp:      e.Timestamp,
		ToolName:       e.ToolName,
		CallID:         e.CallID,
		ConversationID: e.ConversationID,
		Input:          e.Input,
		Output:         e.Output,
		ExecutionNS:    int64(e.ExecutionTime),
		Success:        e.Success,
		Error:          e.Error,
		RiskLevel:      e.RiskLevel,
		Approved:       e.Approved,
		ApprovalSource: string(e.ApprovalSource),
		Impact:         JSONB(impactJSON),
	}
}

func toAuditDomain(m *AuditEntryModel) audit.Entry {
	var analysis impact.Analysis
	if len(m.Impact) > 0 {
		_ = json.Unmarshal(m.Impact, &analysis)
	}
	return audit.Entry{
		ID:             m.ID,
		Timestamp:      m.Timestamp,
		ToolName:       m.ToolName,
		CallID:         m.CallID,
		ConversationID: m.ConversationID,
		Input:          m.Input,
		Output:         m.Output,
		ExecutionTime:  time.Duration(m.ExecutionNS),
		Success:        m.Success,
		Error:          m.Error,
		RiskLevel:      m.RiskLevel,
		Approved:       m.Approved,
		ApprovalSource: audit.ApprovalSource(m.ApprovalSource),
		Impact:         analysis,
	}
}
