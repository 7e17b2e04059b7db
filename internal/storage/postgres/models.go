package postgres

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// JSONB is a json.RawMessage that implements the driver.Valuer and
// sql.Scanner interfaces for GORM JSONB columns. The SQLite dialect stores
// it as TEXT.
type JSONB json.RawMessage

// Value implements driver.Valuer.
func (j JSONB) Value() (driver.Value, error) {
	if len(j) == 0 {
		return nil, nil
	}
	return []byte(j), nil
}

// Scan implements sql.Scanner.
func (j *JSONB) Scan(value any) error {
	switch v := value.(type) {
	case nil:
		*j = nil
		return nil
	case []byte:
		*j = append((*j)[:0], v...)
		return nil
	case string:
		*j = JSONB(v)
		return nil
	default:
		return fmt.Errorf("unsupported JSONB source type %T", value)
	}
}

// AuditEntryModel maps to the "audit_entries" table. Append-only.
type AuditEntryModel struct {
	ID             string    `gorm:"primaryKey"`
	Timestamp      time.Time `gorm:"not null;index"`
	ToolName       string    `gorm:"not null;index"`
	CallID         string    `gorm:"not null"`
	ConversationID string    `gorm:"index"`
	Input          string
	Output         string
	ExecutionNS    int64 `gorm:"not null"`
	Success        bool  `gorm:"not null"`
	Error          string
	RiskLevel      string `gorm:"not null;index"`
	Approved       bool   `gorm:"not null"`
	ApprovalSource string `gorm:"not null"`
	Impact         JSONB  `gorm:"type:jsonb"`
	CreatedAt      time.Time
}

func (AuditEntryModel) TableName() string { return "audit_entries" }

// ConversationModel maps to the "conversations" table. The full item
// history is stored as one JSON document; turns are serialized per
// conversation, so read-modify-write appends are safe.
type ConversationModel struct {
	ID               string `gorm:"primaryKey"`
	Items            JSONB  `gorm:"type:jsonb;not null;default:'[]'"`
	LatestResponseID string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

func (ConversationModel) TableName() string { return "conversations" }
