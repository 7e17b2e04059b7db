// Package impact classifies the real-world effect of a requested tool call.
// Everything in here is pure and table-driven: the keyword lists and score
// thresholds are tuning policy, not derived business logic, and are exposed
// through Policy so deployments can adjust them.
package impact

import (
	"encoding/json"
	"sort"
	"strings"
)

// OperationType classifies what a tool call does to the outside world.
type OperationType string

const (
	OpRead    OperationType = "read"
	OpWrite   OperationType = "write"
	OpDelete  OperationType = "delete"
	OpExecute OperationType = "execute"
	OpNetwork OperationType = "network"
)

// DataLossRisk grades the potential for irrecoverable data loss.
type DataLossRisk string

const (
	DataLossNone DataLossRisk = "none"
	DataLossLow  DataLossRisk = "low"
	DataLossHigh DataLossRisk = "high"
)

// SystemImpact grades the blast radius of a tool call.
type SystemImpact string

const (
	ImpactNone   SystemImpact = "none"
	ImpactLocal  SystemImpact = "local"
	ImpactGlobal SystemImpact = "global"
)

// RiskLevel classifies the overall danger of an action.
type RiskLevel int

const (
	RiskLow RiskLevel = iota
	RiskMedium
	RiskHigh
)

func (r RiskLevel) String() string {
	switch r {
	case RiskLow:
		return "low"
	case RiskMedium:
		return "medium"
	case RiskHigh:
		return "high"
	default:
		return "unknown"
	}
}

// ParseRiskLevel converts a string to a RiskLevel.
// Unrecognized values default to RiskHigh (default-deny principle).
func ParseRiskLevel(s string) RiskLevel {
	switch s {
	case "low":
		return RiskLow
	case "medium":
		return RiskMedium
	case "high":
		return RiskHigh
	default:
		return RiskHigh
	}
}

// Permission names a capability a tool needs from its host.
type Permission string

const (
	PermRead    Permission = "read"
	PermWrite   Permission = "write"
	PermDelete  Permission = "delete"
	PermExecute Permission = "execute"
	PermNetwork Permission = "network"
)

// Analysis is the derived classification of a single tool call.
// Recomputed per call; embedded in confirmations and audit entries,
// never persisted on its own.
type Analysis struct {
	FilesAffected        []string      `json:"files_affected"`
	OperationType        OperationType `json:"operation_type"`
	Reversible           bool          `json:"reversible"`
	DataLossRisk         DataLossRisk  `json:"data_loss_risk"`
	SystemImpact         SystemImpact  `json:"system_impact"`
	EstimatedChangeScope int           `json:"estimated_change_scope"`
}

// Confirmation is the risk-classified description of a pending tool call,
// consumed by the confirmation bus or the auto-approval check.
type Confirmation struct {
	ToolName         string    `json:"tool_name"`
	RiskLevel        RiskLevel `json:"risk_level"`
	AffectedPaths    []string  `json:"affected_paths"`
	Description      string    `json:"description"`
	RequiresApproval bool      `json:"requires_approval"`
	Impact           Analysis  `json:"impact"`
	Reversible       bool      `json:"reversible"`
}

// Policy holds the keyword tables and thresholds driving classification.
// These defaults are hand-tuned, not derived from a formal model.
type Policy struct {
	DeleteKeywords  []string
	WriteKeywords   []string
	ExecuteKeywords []string
	NetworkKeywords []string

	// Parameter names scanned for file paths.
	PathParams []string

	// Path prefixes treated as system-wide blast radius.
	// Matched case-insensitively in both separator styles.
	SystemPrefixes []string

	// MediumRiskFileCount forces at least medium risk above this many paths.
	MediumRiskFileCount int
	// ApprovalFileCount forces approval above this many paths.
	ApprovalFileCount int
}

// DefaultPolicy returns the built-in classification tables.
func DefaultPolicy() Policy {
	return Policy{
		DeleteKeywords:  []string{"delete", "remove", "destroy", "drop", "purge", "erase", "unlink", "truncate"},
		WriteKeywords:   []string{"write", "create", "update", "edit", "modify", "save", "append", "insert", "patch", "rename", "move", "copy"},
		ExecuteKeywords: []string{"execute", "exec", "run", "command", "shell", "bash", "spawn", "invoke", "launch"},
		NetworkKeywords: []string{"fetch", "http", "download", "upload", "request", "curl", "url", "web", "api_call", "search"},
		PathParams: []string{
			"path", "file", "filename", "filepath", "directory", "dir", "target", "source", "dest", "destination",
			"paths", "files", "filenames", "directories", "targets", "sources",
		},
		SystemPrefixes: []string{
			"/etc", "/usr/bin", "/usr/sbin", "/usr/lib", "/bin", "/sbin", "/boot", "/system", "/dev", "/proc",
			`c:\windows`, `c:\program files`,
		},
		MediumRiskFileCount: 10,
		ApprovalFileCount:   5,
	}
}

// Analyzer applies a Policy to tool calls. Stateless and safe for
// concurrent use.
type Analyzer struct {
	policy Policy
}

// New creates an Analyzer with the given policy.
func New(policy Policy) *Analyzer {
	return &Analyzer{policy: policy}
}

// NewDefault creates an Analyzer with DefaultPolicy.
func NewDefault() *Analyzer {
	return New(DefaultPolicy())
}

// Policy returns the analyzer's policy tables.
func (a *Analyzer) Policy() Policy { return a.policy }

// Analyze classifies a single tool call. It is total: malformed payloads
// degrade to a raw-text scan instead of failing.
func (a *Analyzer) Analyze(toolName, rawInput string, schema map[string]any) Analysis {
	op := a.classifyOperation(toolName, schemaText(schema))
	paths := a.extractPaths(rawInput)

	an := Analysis{
		FilesAffected:        paths,
		OperationType:        op,
		EstimatedChangeScope: len(paths),
	}
	if an.EstimatedChangeScope == 0 {
		an.EstimatedChangeScope = 1
	}

	system := a.touchesSystemPath(paths)

	switch op {
	case OpRead:
		an.Reversible = true
		an.DataLossRisk = DataLossNone
		an.SystemImpact = ImpactNone
	case OpNetwork:
		an.Reversible = true
		an.DataLossRisk = DataLossNone
		if system {
			an.SystemImpact = ImpactGlobal
		} else {
			an.SystemImpact = ImpactNone
		}
	case OpDelete, OpExecute:
		an.Reversible = false
		an.DataLossRisk = DataLossHigh
		if system {
			an.SystemImpact = ImpactGlobal
		} else {
			an.SystemImpact = ImpactLocal
		}
	default: // OpWrite
		an.Reversible = true
		if system {
			an.DataLossRisk = DataLossHigh
			an.SystemImpact = ImpactGlobal
		} else {
			an.DataLossRisk = DataLossLow
			an.SystemImpact = ImpactLocal
		}
	}
	return an
}

// BuildConfirmation derives the risk level and approval requirement for a
// call from its analysis. Thresholds come from the policy tables.
func (a *Analyzer) BuildConfirmation(toolName, description string, an Analysis) Confirmation {
	risk := RiskLow
	switch {
	case an.DataLossRisk == DataLossHigh,
		an.SystemImpact == ImpactGlobal,
		an.OperationType == OpDelete,
		an.OperationType == OpExecute:
		risk = RiskHigh
	case an.DataLossRisk == DataLossLow,
		an.SystemImpact == ImpactLocal,
		an.OperationType == OpWrite,
		len(an.FilesAffected) > a.policy.MediumRiskFileCount:
		risk = RiskMedium
	}

	requires := risk == RiskHigh ||
		(risk == RiskMedium && !an.Reversible) ||
		len(an.FilesAffected) > a.policy.ApprovalFileCount

	return Confirmation{
		ToolName:         toolName,
		RiskLevel:        risk,
		AffectedPaths:    an.FilesAffected,
		Description:      description,
		RequiresApproval: requires,
		Impact:           an,
		Reversible:       an.Reversible,
	}
}

// AssessToolRisk produces the static risk profile for a tool definition,
// independent of any particular call's input. Used at registration time.
func (a *Analyzer) AssessToolRisk(name, description string) RiskLevel {
	switch a.classifyOperation(name, description) {
	case OpDelete, OpExecute:
		return RiskHigh
	case OpWrite:
		return RiskMedium
	default:
		return RiskLow
	}
}

// RequiredPermissions infers the permissions a tool needs from its name
// and description keywords. Always includes read.
func (a *Analyzer) RequiredPermissions(name, description string) []Permission {
	text := strings.ToLower(name + " " + description)
	perms := []Permission{PermRead}
	if containsAny(text, a.policy.DeleteKeywords) {
		perms = append(perms, PermDelete)
	}
	if containsAny(text, a.policy.WriteKeywords) {
		perms = append(perms, PermWrite)
	}
	if containsAny(text, a.policy.ExecuteKeywords) {
		perms = append(perms, PermExecute)
	}
	if containsAny(text, a.policy.NetworkKeywords) {
		perms = append(perms, PermNetwork)
	}
	return perms
}

// classifyOperation maps tool name plus description/schema text onto an
// operation type. Delete outranks execute outranks network outranks write:
// a "delete_remote_file" tool must classify as delete, not network.
func (a *Analyzer) classifyOperation(name, descText string) OperationType {
	text := strings.ToLower(name + " " + descText)
	switch {
	case containsAny(text, a.policy.DeleteKeywords):
		return OpDelete
	case containsAny(text, a.policy.ExecuteKeywords):
		return OpExecute
	case containsAny(text, a.policy.NetworkKeywords):
		return OpNetwork
	case containsAny(text, a.policy.WriteKeywords):
		return OpWrite
	default:
		return OpRead
	}
}

// extractPaths pulls file paths out of the raw JSON payload: conventional
// parameter names first, then any string value that looks path-shaped.
// Malformed JSON degrades to scanning whitespace-separated tokens.
// Duplicates are removed; first-seen order is preserved.
func (a *Analyzer) extractPaths(rawInput string) []string {
	seen := make(map[string]bool)
	var paths []string
	add := func(p string) {
		p = normalizePath(p)
		if p == "" || seen[p] {
			return
		}
		seen[p] = true
		paths = append(paths, p)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(rawInput), &payload); err != nil {
		// Raw-text degradation: scan tokens for anything path-shaped.
		for _, tok := range strings.Fields(rawInput) {
			if looksLikePath(tok) {
				add(tok)
			}
		}
		return paths
	}

	// Conventional parameter names take precedence, in policy order.
	for _, key := range a.policy.PathParams {
		switch v := payload[key].(type) {
		case string:
			add(v)
		case []any:
			for _, item := range v {
				if s, ok := item.(string); ok {
					add(s)
				}
			}
		}
	}

	// Then any remaining string value that looks like a path. Keys are
	// sorted so the scan order is deterministic.
	keys := make([]string, 0, len(payload))
	for k := range payload {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if s, ok := payload[k].(string); ok && looksLikePath(s) {
			add(s)
		}
	}
	return paths
}

// touchesSystemPath reports whether any path sits under a system prefix.
// Checked case-insensitively and in both separator styles.
func (a *Analyzer) touchesSystemPath(paths []string) bool {
	for _, p := range paths {
		lower := strings.ToLower(p)
		for _, prefix := range a.policy.SystemPrefixes {
			pf := strings.ToLower(normalizePath(prefix))
			if strings.HasPrefix(lower, pf) {
				return true
			}
		}
	}
	return false
}

// normalizePath canonicalizes separators to forward slashes and trims
// surrounding whitespace and quotes.
func normalizePath(p string) string {
	p = strings.TrimSpace(p)
	p = strings.Trim(p, `"'`)
	p = strings.ReplaceAll(p, `\`, "/")
	return p
}

// looksLikePath reports whether a string value resembles a filesystem path:
// contains a separator or a drive prefix, and no spaces or URL scheme.
func looksLikePath(s string) bool {
	if s == "" || strings.Contains(s, " ") {
		return false
	}
	if strings.Contains(s, "://") {
		return false
	}
	if len(s) >= 3 && s[1] == ':' && (s[2] == '\\' || s[2] == '/') {
		return true
	}
	return strings.Contains(s, "/") || strings.Contains(s, `\`)
}

// containsAny reports whether text contains any of the keywords.
func containsAny(text string, keywords []string) bool {
	for _, kw := range keywords {
		if strings.Contains(text, kw) {
			return true
		}
	}
	return false
}

// schemaText flattens a JSON schema's description fields into searchable text.
func schemaText(schema map[string]any) string {
	if schema == nil {
		return ""
	}
	var sb strings.Builder
	if d, ok := schema["description"].(string); ok {
		sb.WriteString(d)
		sb.WriteString(" ")
	}
	if props, ok := schema["properties"].(map[string]any); ok {
		for _, v := range props {
			if pm, ok := v.(map[string]any); ok {
				if d, ok := pm["description"].(string); ok {
					sb.WriteString(d)
					sb.WriteString(" ")
				}
			}
		}
	}
	return sb.String()
}
