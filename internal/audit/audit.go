// Package audit implements Vigil's append-only audit trail: a bounded
// in-memory ring of immutable execution records with search, aggregate
// statistics, a derived security report, and structured export. An optional
// persistent Store mirrors every append.
package audit

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/jkaninda/vigil/internal/impact"
)

// ClearConfirmationToken is the exact token required by Clear.
// Anything else is a no-op returning ErrClearNotConfirmed.
const ClearConfirmationToken = "CONFIRM_CLEAR_AUDIT_LOG"

// ErrClearNotConfirmed is returned when Clear is called without the
// exact confirmation token.
var ErrClearNotConfirmed = errors.New("audit log clear not confirmed")

// DefaultMaxEntries bounds the in-memory trail when no cap is configured.
const DefaultMaxEntries = 10000

// ApprovalSource records how a tool call got its approval decision.
type ApprovalSource string

const (
	SourceUser   ApprovalSource = "user"
	SourceAuto   ApprovalSource = "auto"
	SourcePolicy ApprovalSource = "policy"
)

// Entry is an immutable record of one tool execution attempt.
type Entry struct {
	ID             string          `json:"id"`
	Timestamp      time.Time       `json:"timestamp"`
	ToolName       string          `json:"tool_name"`
	CallID         string          `json:"call_id"`
	ConversationID string          `json:"conversation_id,omitempty"`
	Input          string          `json:"input"`
	Output         string          `json:"output,omitempty"`
	ExecutionTime  time.Duration   `json:"execution_time"`
	Success        bool            `json:"success"`
	Error          string          `json:"error,omitempty"`
	RiskLevel      string          `json:"risk_level"`
	Approved       bool            `json:"approved"`
	ApprovalSource ApprovalSource  `json:"approval_source"`
	Impact         impact.Analysis `json:"impact"`
}

// Execution carries the fields of one execution attempt into LogExecution.
type Execution struct {
	ToolName       string
	CallID         string
	ConversationID string
	Input          string
	Output         string
	Duration       time.Duration
	Success        bool
	Err            error
	RiskLevel      impact.RiskLevel
	Approved       bool
	ApprovalSource ApprovalSource
	Impact         impact.Analysis
}

// Store is an optional persistent backend mirroring the in-memory trail.
// Append-only by contract; no update methods exist.
type Store interface {
	Append(ctx context.Context, entry Entry) error
	DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error)
	Close() error
}

// Trail is the bounded in-memory audit trail.
// Thread-safe. Oldest entries are evicted strictly FIFO once the cap is
// exceeded; eviction is a capacity invariant, not a time-based expiry.
type Trail struct {
	mu         sync.Mutex
	entries    []Entry // Oldest first; Recent iterates backwards.
	maxEntries int
	logger     *slog.Logger
	store      Store // nil = in-memory only.
}

// NewTrail creates a trail capped at maxEntries (DefaultMaxEntries if <= 0).
func NewTrail(maxEntries int, logger *slog.Logger) *Trail {
	if maxEntries <= 0 {
		maxEntries = DefaultMaxEntries
	}
	return &Trail{
		entries:    make([]Entry, 0, 64),
		maxEntries: maxEntries,
		logger:     logger,
	}
}

// WithStore attaches a persistent mirror. Mirror writes are best-effort:
// a failing store never blocks or fails the in-memory append.
func (t *Trail) WithStore(store Store) *Trail {
	t.store = store
	return t
}

// LogExecution appends one entry for an execution attempt, success or
// failure, and returns the stored entry.
func (t *Trail) LogExecution(ctx context.Context, exec Execution) Entry {
	entry := Entry{
		ID:             uuid.NewString(),
		Timestamp:      time.Now().UTC(),
		ToolName:       exec.ToolName,
		CallID:         exec.CallID,
		ConversationID: exec.ConversationID,
		Input:          exec.Input,
		Output:         exec.Output,
		ExecutionTime:  exec.Duration,
		Success:        exec.Success,
		RiskLevel:      exec.RiskLevel.String(),
		Approved:       exec.Approved,
		ApprovalSource: exec.ApprovalSource,
		Impact:         exec.Impact,
	}
	if exec.Err != nil {
		entry.Error = exec.Err.Error()
	}

	t.mu.Lock()
	t.entries = append(t.entries, entry)
	if over := len(t.entries) - t.maxEntries; over > 0 {
		t.entries = append(t.entries[:0:0], t.entries[over:]...)
	}
	t.mu.Unlock()

	if t.store != nil {
		if err := t.store.Append(ctx, entry); err != nil {
			t.logger.ErrorContext(ctx, "audit store append failed",
				slog.String("entry_id", entry.ID),
				slog.String("error", err.Error()),
			)
		}
	}

	t.logger.InfoContext(ctx, "audit entry logged",
		slog.String("tool", entry.ToolName),
		slog.String("call_id", entry.CallID),
		slog.Bool("success", entry.Success),
		slog.String("risk", entry.RiskLevel),
		slog.String("approval_source", string(entry.ApprovalSource)),
	)
	return entry
}

// Len returns the current number of entries.
func (t *Trail) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}

// Recent returns up to limit entries, newest first. limit <= 0 means all.
func (t *Trail) Recent(limit int) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := len(t.entries)
	if limit <= 0 || limit > n {
		limit = n
	}
	out := make([]Entry, 0, limit)
	for i := n - 1; i >= n-limit; i-- {
		out = append(out, t.entries[i])
	}
	return out
}

// ByConversation returns entries for a conversation, newest first.
func (t *Trail) ByConversation(conversationID string) []Entry {
	return t.filter(func(e Entry) bool { return e.ConversationID == conversationID })
}

// ByTool returns entries for a tool name, newest first.
func (t *Trail) ByTool(toolName string) []Entry {
	return t.filter(func(e Entry) bool { return e.ToolName == toolName })
}

// Failures returns failed execution attempts, newest first.
func (t *Trail) Failures() []Entry {
	return t.filter(func(e Entry) bool { return !e.Success })
}

// HighRisk returns entries classified high risk, newest first.
func (t *Trail) HighRisk() []Entry {
	return t.filter(func(e Entry) bool { return e.RiskLevel == impact.RiskHigh.String() })
}

// Unauthorized returns attempts that were not approved, newest first.
func (t *Trail) Unauthorized() []Entry {
	return t.filter(func(e Entry) bool { return !e.Approved })
}

// Query is a multi-field search filter. Zero-valued fields are ignored.
type Query struct {
	ToolName       string
	ConversationID string
	CallID         string
	RiskLevel      string
	ApprovalSource ApprovalSource
	Success        *bool
	Since          time.Time
	Until          time.Time
	Text           string // Substring match over input, output and error.
	Limit          int    // 0 = unlimited.
}

// Search returns entries matching all non-zero query fields, newest first.
func (t *Trail) Search(q Query) []Entry {
	matched := t.filter(func(e Entry) bool { return q.matches(e) })
	if q.Limit > 0 && len(matched) > q.Limit {
		matched = matched[:q.Limit]
	}
	return matched
}

func (q Query) matches(e Entry) bool {
	if q.ToolName != "" && e.ToolName != q.ToolName {
		return false
	}
	if q.ConversationID != "" && e.ConversationID != q.ConversationID {
		return false
	}
	if q.CallID != "" && e.CallID != q.CallID {
		return false
	}
	if q.RiskLevel != "" && e.RiskLevel != q.RiskLevel {
		return false
	}
	if q.ApprovalSource != "" && e.ApprovalSource != q.ApprovalSource {
		return false
	}
	if q.Success != nil && e.Success != *q.Success {
		return false
	}
	if !q.Since.IsZero() && e.Timestamp.Before(q.Since) {
		return false
	}
	if !q.Until.IsZero() && e.Timestamp.After(q.Until) {
		return false
	}
	if q.Text != "" {
		needle := strings.ToLower(q.Text)
		if !strings.Contains(strings.ToLower(e.Input), needle) &&
			!strings.Contains(strings.ToLower(e.Output), needle) &&
			!strings.Contains(strings.ToLower(e.Error), needle) {
			return false
		}
	}
	return true
}

// CleanupOlderThan removes entries older than maxAge and returns the count
// removed. The persistent store, if any, is purged with the same cutoff.
func (t *Trail) CleanupOlderThan(ctx context.Context, maxAge time.Duration) int {
	cutoff := time.Now().UTC().Add(-maxAge)

	t.mu.Lock()
	kept := t.entries[:0:0]
	for _, e := range t.entries {
		if !e.Timestamp.Before(cutoff) {
			kept = append(kept, e)
		}
	}
	removed := len(t.entries) - len(kept)
	t.entries = kept
	t.mu.Unlock()

	if t.store != nil {
		if _, err := t.store.DeleteOlderThan(ctx, cutoff); err != nil {
			t.logger.ErrorContext(ctx, "audit store cleanup failed",
				slog.String("error", err.Error()),
			)
		}
	}

	if removed > 0 {
		t.logger.InfoContext(ctx, "audit entries purged",
			slog.Int("removed", removed),
			slog.Duration("max_age", maxAge),
		)
	}
	return removed
}

// Clear wipes the trail. It only succeeds with the exact confirmation
// token; anything else is a no-op returning ErrClearNotConfirmed — never
// a partial clear.
func (t *Trail) Clear(confirmToken string) error {
	if confirmToken != ClearConfirmationToken {
		return ErrClearNotConfirmed
	}
	t.mu.Lock()
	t.entries = t.entries[:0]
	t.mu.Unlock()
	t.logger.Warn("audit log cleared")
	return nil
}

func (t *Trail) filter(keep func(Entry) bool) []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	var out []Entry
	for i := len(t.entries) - 1; i >= 0; i-- {
		if keep(t.entries[i]) {
			out = append(out, t.entries[i])
		}
	}
	return out
}

// snapshot returns a copy of all entries, oldest first.
func (t *Trail) snapshot() []Entry {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Entry, len(t.entries))
	copy(out, t.entries)
	return out
}

// ToolCount pairs a tool name with its usage count.
type ToolCount struct {
	ToolName string `json:"tool_name"`
	Count    int    `json:"count"`
}

// Stats aggregates the trail's contents.
type Stats struct {
	Total            int                    `json:"total"`
	Succeeded        int                    `json:"succeeded"`
	Failed           int                    `json:"failed"`
	MeanExecution    time.Duration          `json:"mean_execution"`
	ByRiskLevel      map[string]int         `json:"by_risk_level"`
	ByApprovalSource map[ApprovalSource]int `json:"by_approval_source"`
	TopTools         []ToolCount            `json:"top_tools"`
}

// topToolsLimit caps the tool-usage ranking in Statistics.
const topToolsLimit = 10

// Statistics computes aggregate counts, mean execution time, histograms
// over risk level and approval source, and a top tool ranking. Ranking
// ties are broken by first-seen order.
func (t *Trail) Statistics() Stats {
	entries := t.snapshot()

	stats := Stats{
		Total:            len(entries),
		ByRiskLevel:      make(map[string]int),
		ByApprovalSource: make(map[ApprovalSource]int),
	}

	counts := make(map[string]int)
	firstSeen := make(map[string]int)
	var totalDur time.Duration

	for i, e := range entries {
		if e.Success {
			stats.Succeeded++
		} else {
			stats.Failed++
		}
		totalDur += e.ExecutionTime
		stats.ByRiskLevel[e.RiskLevel]++
		stats.ByApprovalSource[e.ApprovalSource]++
		if _, ok := firstSeen[e.ToolName]; !ok {
			firstSeen[e.ToolName] = i
		}
		counts[e.ToolName]++
	}

	if stats.Total > 0 {
		stats.MeanExecution = totalDur / time.Duration(stats.Total)
	}

	ranking := make([]ToolCount, 0, len(counts))
	for name, c := range counts {
		ranking = append(ranking, ToolCount{ToolName: name, Count: c})
	}
	sort.SliceStable(ranking, func(i, j int) bool {
		if ranking[i].Count != ranking[j].Count {
			return ranking[i].Count > ranking[j].Count
		}
		return firstSeen[ranking[i].ToolName] < firstSeen[ranking[j].ToolName]
	})
	if len(ranking) > topToolsLimit {
		ranking = ranking[:topToolsLimit]
	}
	stats.TopTools = ranking
	return stats
}
