package audit

import (
	"bytes"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"strings"
)

// ExportJSON serializes the full entry set as indented JSON, oldest first.
func (t *Trail) ExportJSON() ([]byte, error) {
	entries := t.snapshot()
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("marshaling audit entries: %w", err)
	}
	return data, nil
}

// ExportCSV serializes the full entry set as a flat table, oldest first.
// Impact paths are joined with ";" to keep one row per entry.
func (t *Trail) ExportCSV() ([]byte, error) {
	entries := t.snapshot()

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)

	header := []string{
		"id", "timestamp", "tool_name", "call_id", "conversation_id",
		"success", "error", "execution_ms", "risk_level", "approved",
		"approval_source", "operation_type", "affected_paths",
	}
	if err := w.Write(header); err != nil {
		return nil, fmt.Errorf("writing csv header: %w", err)
	}

	for _, e := range entries {
		row := []string{
			e.ID,
			e.Timestamp.Format("2006-01-02T15:04:05.000Z"),
			e.ToolName,
			e.CallID,
			e.ConversationID,
			fmt.Sprintf("%t", e.Success),
			e.Error,
			fmt.Sprintf("%d", e.ExecutionTime.Milliseconds()),
			e.RiskLevel,
			fmt.Sprintf("%t", e.Approved),
			string(e.ApprovalSource),
			string(e.Impact.OperationType),
			strings.Join(e.Impact.FilesAffected, ";"),
		}
		if err := w.Write(row); err != nil {
			return nil, fmt.Errorf("writing csv row: %w", err)
		}
	}

	w.Flush()
	if err := w.Error(); err != nil {
		return nil, fmt.Errorf("flushing csv: %w", err)
	}
	return buf.Bytes(), nil
}
