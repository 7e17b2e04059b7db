// Package guard implements the tool authorization and execution pipeline:
// every tool call is impact-analyzed, confirmed (by policy, auto-approval,
// or a human via the confirmation bus), schema-validated, executed under a
// timeout, and recorded in the audit trail. A global emergency stop blocks
// all new admissions.
package guard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/vigil/internal/audit"
	"github.com/jkaninda/vigil/internal/confirm"
	"github.com/jkaninda/vigil/internal/events"
	"github.com/jkaninda/vigil/internal/impact"
)

// Sentinel errors for pipeline outcomes.
var (
	ErrEmergencyStopActive = errors.New("emergency stop active")
	ErrToolNotFound        = errors.New("tool not found")
	ErrDenied              = errors.New("tool execution denied")
	ErrValidation          = errors.New("input validation failed")
	ErrExecutionTimeout    = errors.New("tool execution timed out")
	ErrDuplicateCallID     = errors.New("call id already active")
	ErrBatchTooLarge       = errors.New("batch exceeds concurrency ceiling")
	ErrEmptyToolName       = errors.New("tool name must not be empty")
)

// Defaults for unset config knobs.
const (
	DefaultConfirmationTimeout = 5 * time.Minute
	DefaultExecutionTimeout    = 2 * time.Minute
	DefaultMaxConcurrent       = 10
)

// Config controls the pipeline's authorization policy and limits.
type Config struct {
	// ConfirmationRequired gates tool calls behind the confirmation
	// policy. When false every call is approved by policy.
	ConfirmationRequired bool
	// AutoApprovalEnabled lets manifestly safe calls skip the human
	// round-trip.
	AutoApprovalEnabled bool
	// ConfirmationTimeout bounds the wait for a human decision.
	ConfirmationTimeout time.Duration
	// ExecutionTimeout bounds a single executor invocation.
	ExecutionTimeout time.Duration
	// MaxConcurrent is the batch concurrency ceiling.
	MaxConcurrent int
	// Sandboxed marks execution contexts as sandboxed rather than direct.
	Sandboxed bool
}

func (c Config) withDefaults() Config {
	if c.ConfirmationTimeout <= 0 {
		c.ConfirmationTimeout = DefaultConfirmationTimeout
	}
	if c.ExecutionTimeout <= 0 {
		c.ExecutionTimeout = DefaultExecutionTimeout
	}
	if c.MaxConcurrent <= 0 {
		c.MaxConcurrent = DefaultMaxConcurrent
	}
	return c
}

// ExecutionContext tracks one in-flight tool call. Held in the
// active-executions map from admission until the call terminates.
type ExecutionContext struct {
	CallID        string              `json:"call_id"`
	ToolName      string              `json:"tool_name"`
	Approved      bool                `json:"approved"`
	Environment   string              `json:"environment"` // "sandboxed" or "direct".
	Timeout       time.Duration       `json:"timeout"`
	AffectedPaths []string            `json:"affected_paths,omitempty"`
	Permissions   []impact.Permission `json:"permissions,omitempty"`
	Metadata      map[string]any      `json:"metadata,omitempty"`
	StartedAt     time.Time           `json:"started_at"`
}

// Guard is the tool authorization and execution pipeline.
type Guard struct {
	cfg      Config
	registry *registry
	analyzer *impact.Analyzer
	trail    *audit.Trail
	bus      *confirm.Bus
	stream   *events.Stream
	logger   *slog.Logger
	metrics  *Metrics
	tracer   trace.Tracer // nil = tracing disabled.

	stopped atomic.Bool

	activeMu sync.Mutex
	active   map[string]*ExecutionContext
}

// New creates a Guard. stream, trail and bus are required; metrics and
// tracer may be nil.
func New(cfg Config, analyzer *impact.Analyzer, trail *audit.Trail, bus *confirm.Bus, stream *events.Stream, logger *slog.Logger) *Guard {
	return &Guard{
		cfg:      cfg.withDefaults(),
		registry: newRegistry(),
		analyzer: analyzer,
		trail:    trail,
		bus:      bus,
		stream:   stream,
		logger:   logger,
		active:   make(map[string]*ExecutionContext),
	}
}

// WithMetrics attaches prometheus metrics.
func (g *Guard) WithMetrics(m *Metrics) *Guard {
	g.metrics = m
	return g
}

// WithTracer attaches an OTel tracer.
func (g *Guard) WithTracer(t trace.Tracer) *Guard {
	g.tracer = t
	return g
}

// Stream returns the guard's notification stream.
func (g *Guard) Stream() *events.Stream { return g.stream }

// Bus returns the confirmation bus, for approval surfaces.
func (g *Guard) Bus() *confirm.Bus { return g.bus }

// Trail returns the audit trail, for query surfaces.
func (g *Guard) Trail() *audit.Trail { return g.trail }

// RegisterTool stores a tool definition with its executor and computes
// the static risk/permission profile. Re-registration under an existing
// name overwrites the previous entry.
func (g *Guard) RegisterTool(def ToolDefinition, executor Executor) error {
	if def.Name == "" {
		return ErrEmptyToolName
	}
	if executor == nil {
		return fmt.Errorf("registering %s: executor must not be nil", def.Name)
	}

	reg := &registration{
		def:      def,
		executor: executor,
		profile: Profile{
			RiskLevel:   g.analyzer.AssessToolRisk(def.Name, def.Description),
			Permissions: g.analyzer.RequiredPermissions(def.Name, def.Description),
		},
	}
	if def.Schema != nil {
		reg.compiled, reg.compileErr = compileSchema(def.Schema)
	}
	g.registry.put(reg)

	g.logger.Info("tool registered",
		slog.String("tool", def.Name),
		slog.Bool("trusted", def.Trusted),
		slog.String("static_risk", reg.profile.RiskLevel.String()),
	)
	return nil
}

// Execute runs the full authorization pipeline for one tool call and
// returns the executor's output. Every terminal outcome except the
// emergency-stop short-circuit produces exactly one audit entry.
func (g *Guard) Execute(ctx context.Context, name, input, callID string) (string, error) {
	// Single admission point for the emergency stop.
	if g.stopped.Load() {
		return "", ErrEmergencyStopActive
	}

	if g.tracer != nil {
		var span trace.Span
		ctx, span = g.tracer.Start(ctx, "guard.execute",
			trace.WithAttributes(
				attribute.String("tool", name),
				attribute.String("call_id", callID),
			))
		defer span.End()
	}

	started := time.Now()
	conversationID := ConversationIDFromContext(ctx)

	reg := g.registry.get(name)
	if reg == nil {
		an := g.analyzer.Analyze(name, input, nil)
		g.logEntry(ctx, audit.Execution{
			ToolName:       name,
			CallID:         callID,
			ConversationID: conversationID,
			Input:          input,
			Duration:       time.Since(started),
			Err:            ErrToolNotFound,
			RiskLevel:      impact.RiskHigh,
			ApprovalSource: audit.SourcePolicy,
			Impact:         an,
		})
		return "", fmt.Errorf("%w: %s", ErrToolNotFound, name)
	}

	execCtx := &ExecutionContext{
		CallID:      callID,
		ToolName:    name,
		Environment: environment(g.cfg.Sandboxed),
		Timeout:     g.cfg.ExecutionTimeout,
		Permissions: reg.profile.Permissions,
		StartedAt:   started,
	}
	if err := g.admit(execCtx); err != nil {
		return "", err
	}
	// The active-executions entry must go away on every path out of here.
	defer g.release(callID)

	g.stream.Publish(events.Event{
		Kind:     events.KindToolExecutionStart,
		ToolName: name,
		CallID:   callID,
	})

	an := g.analyzer.Analyze(name, input, reg.def.Schema)
	execCtx.AffectedPaths = an.FilesAffected
	g.stream.Publish(events.Event{
		Kind:     events.KindToolImpactAnalysis,
		ToolName: name,
		CallID:   callID,
		Payload: map[string]any{
			"operation_type": string(an.OperationType),
			"files_affected": an.FilesAffected,
			"reversible":     an.Reversible,
			"data_loss_risk": string(an.DataLossRisk),
			"system_impact":  string(an.SystemImpact),
		},
	})

	conf := g.analyzer.BuildConfirmation(name, reg.def.Description, an)

	source, err := g.authorize(ctx, conf)
	if err != nil {
		recorded := g.logEntry(ctx, audit.Execution{
			ToolName:       name,
			CallID:         callID,
			ConversationID: conversationID,
			Input:          input,
			Duration:       time.Since(started),
			Err:            err,
			RiskLevel:      conf.RiskLevel,
			Approved:       false,
			ApprovalSource: audit.SourcePolicy,
			Impact:         an,
		})
		g.metrics.recordExecution(name, "denied", time.Since(started).Seconds())
		g.logger.InfoContext(ctx, "tool call denied",
			slog.String("tool", name),
			slog.String("call_id", callID),
			slog.String("entry_id", recorded.ID),
		)
		return "", err
	}
	execCtx.Approved = true

	// Schema validation happens after authorization so denied calls never
	// leak schema errors, and before execution so invalid input never runs.
	if reg.def.Schema != nil {
		if err := g.validateInput(reg, input); err != nil {
			g.logEntry(ctx, audit.Execution{
				ToolName:       name,
				CallID:         callID,
				ConversationID: conversationID,
				Input:          input,
				Duration:       time.Since(started),
				Err:            err,
				RiskLevel:      conf.RiskLevel,
				Approved:       true,
				ApprovalSource: source,
				Impact:         an,
			})
			g.metrics.recordExecution(name, "validation_error", time.Since(started).Seconds())
			return "", err
		}
	}

	output, execErr := g.runExecutor(ctx, reg, input, callID)

	duration := time.Since(started)
	status := "success"
	if execErr != nil {
		status = "failure"
		if errors.Is(execErr, ErrExecutionTimeout) {
			status = "timeout"
		}
	}
	g.metrics.recordExecution(name, status, duration.Seconds())

	g.logEntry(ctx, audit.Execution{
		ToolName:       name,
		CallID:         callID,
		ConversationID: conversationID,
		Input:          input,
		Output:         output,
		Duration:       duration,
		Success:        execErr == nil,
		Err:            execErr,
		RiskLevel:      conf.RiskLevel,
		Approved:       true,
		ApprovalSource: source,
		Impact:         an,
	})

	if execErr != nil {
		if g.tracer != nil {
			if span := trace.SpanFromContext(ctx); span.IsRecording() {
				span.RecordError(execErr)
				span.SetStatus(codes.Error, execErr.Error())
			}
		}
		return "", execErr
	}
	return output, nil
}

// authorize resolves the approval decision for a confirmed call.
// A nil error means approved, with the returned source.
func (g *Guard) authorize(ctx context.Context, conf impact.Confirmation) (audit.ApprovalSource, error) {
	if !g.cfg.ConfirmationRequired {
		return audit.SourcePolicy, nil
	}

	if g.cfg.AutoApprovalEnabled && confirm.ShouldAutoApprove(conf) {
		g.stream.Publish(events.Event{
			Kind:     events.KindToolApproved,
			ToolName: conf.ToolName,
			Payload:  map[string]any{"source": string(audit.SourceAuto)},
		})
		g.metrics.recordConfirmation("auto", "approved")
		return audit.SourceAuto, nil
	}

	if !conf.RequiresApproval {
		g.stream.Publish(events.Event{
			Kind:     events.KindToolApproved,
			ToolName: conf.ToolName,
			Payload:  map[string]any{"source": string(audit.SourcePolicy)},
		})
		g.metrics.recordConfirmation("policy", "approved")
		return audit.SourcePolicy, nil
	}

	approved, err := g.bus.RequestApproval(ctx, conf, g.cfg.ConfirmationTimeout)
	if err != nil {
		g.metrics.recordConfirmation("user", "error")
		return audit.SourcePolicy, fmt.Errorf("%w: %v", ErrDenied, err)
	}
	if !approved {
		g.stream.Publish(events.Event{
			Kind:     events.KindToolDenied,
			ToolName: conf.ToolName,
			Message:  "confirmation denied or timed out",
		})
		g.metrics.recordConfirmation("user", "denied")
		return audit.SourcePolicy, ErrDenied
	}

	g.stream.Publish(events.Event{
		Kind:     events.KindToolApproved,
		ToolName: conf.ToolName,
		Payload:  map[string]any{"source": string(audit.SourceUser)},
	})
	g.metrics.recordConfirmation("user", "approved")
	return audit.SourceUser, nil
}

// validateInput checks the declared schema is well-formed and the parsed
// input conforms to it.
func (g *Guard) validateInput(reg *registration, input string) error {
	if reg.compileErr != nil {
		return fmt.Errorf("%w: malformed schema for %s: %v", ErrValidation, reg.def.Name, reg.compileErr)
	}
	var payload any
	if err := json.Unmarshal([]byte(input), &payload); err != nil {
		return fmt.Errorf("%w: input is not valid JSON: %v", ErrValidation, err)
	}
	if err := reg.compiled.Validate(payload); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// runExecutor races the executor against the per-call timeout. Panics are
// recovered into errors; the loser of a timeout race keeps its goroutine
// but its context is cancelled so well-behaved executors unwind promptly.
func (g *Guard) runExecutor(ctx context.Context, reg *registration, input, callID string) (string, error) {
	execCtx, cancel := context.WithTimeout(ctx, g.cfg.ExecutionTimeout)
	defer cancel()

	type result struct {
		output string
		err    error
	}
	// Buffered so a late finisher after timeout never leaks a goroutine.
	done := make(chan result, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				done <- result{err: fmt.Errorf("executor panicked: %v", r)}
			}
		}()
		out, err := reg.executor(execCtx, input, callID)
		done <- result{output: out, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			return "", fmt.Errorf("tool %s execution failed: %w", reg.def.Name, res.err)
		}
		return res.output, nil
	case <-execCtx.Done():
		if errors.Is(execCtx.Err(), context.DeadlineExceeded) {
			return "", fmt.Errorf("%w: %s after %s", ErrExecutionTimeout, reg.def.Name, g.cfg.ExecutionTimeout)
		}
		return "", execCtx.Err()
	}
}

// ToolCall names one call in a batch.
type ToolCall struct {
	Name   string `json:"name"`
	Input  string `json:"input"`
	CallID string `json:"call_id"`
}

// BatchResult is the outcome of one call in a batch: Result or Err.
type BatchResult struct {
	Result string
	Err    error
}

// ExecuteBatch rejects the whole batch if it exceeds the concurrency
// ceiling (zero calls executed); otherwise it runs all calls concurrently
// and collects per-call outcomes in input order. One failure never aborts
// the others.
func (g *Guard) ExecuteBatch(ctx context.Context, calls []ToolCall) ([]BatchResult, error) {
	if len(calls) > g.cfg.MaxConcurrent {
		return nil, fmt.Errorf("%w: %d calls, ceiling %d", ErrBatchTooLarge, len(calls), g.cfg.MaxConcurrent)
	}

	results := make([]BatchResult, len(calls))
	var wg sync.WaitGroup
	for i, call := range calls {
		wg.Add(1)
		go func(i int, call ToolCall) {
			defer wg.Done()
			out, err := g.Execute(ctx, call.Name, call.Input, call.CallID)
			results[i] = BatchResult{Result: out, Err: err}
		}(i, call)
	}
	wg.Wait()
	return results, nil
}

// EmergencyStop blocks all new executions and clears the active-executions
// map. Executor work already in flight is not cancelled retroactively; it
// is only removed from visibility and accounting.
func (g *Guard) EmergencyStop() {
	g.stopped.Store(true)

	g.activeMu.Lock()
	inFlight := make([]string, 0, len(g.active))
	for _, ec := range g.active {
		inFlight = append(inFlight, ec.ToolName)
	}
	g.active = make(map[string]*ExecutionContext)
	g.activeMu.Unlock()
	g.metrics.setActive(0)
	g.metrics.recordEmergencyStop()

	g.stream.Publish(events.Event{
		Kind:    events.KindEmergencyStop,
		Message: "emergency stop activated",
		Payload: map[string]any{"in_flight_tools": inFlight},
	})
	g.logger.Warn("emergency stop activated",
		slog.Int("in_flight", len(inFlight)),
		slog.Any("tools", inFlight),
	)
}

// ResetEmergencyStop re-enables execution admissions.
func (g *Guard) ResetEmergencyStop() {
	g.stopped.Store(false)
	g.logger.Info("emergency stop reset")
}

// Stopped reports whether the emergency stop is active.
func (g *Guard) Stopped() bool { return g.stopped.Load() }

// ActiveExecutions lists in-flight execution contexts.
func (g *Guard) ActiveExecutions() []ExecutionContext {
	g.activeMu.Lock()
	defer g.activeMu.Unlock()
	out := make([]ExecutionContext, 0, len(g.active))
	for _, ec := range g.active {
		out = append(out, *ec)
	}
	return out
}

// admit registers an execution context under its call id.
// A live duplicate call id is a caller error.
func (g *Guard) admit(ec *ExecutionContext) error {
	g.activeMu.Lock()
	defer g.activeMu.Unlock()
	if _, exists := g.active[ec.CallID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateCallID, ec.CallID)
	}
	g.active[ec.CallID] = ec
	g.metrics.setActive(len(g.active))
	return nil
}

// release drops the call id from the active map. Runs unconditionally on
// every exit path, including early failures.
func (g *Guard) release(callID string) {
	g.activeMu.Lock()
	delete(g.active, callID)
	g.metrics.setActive(len(g.active))
	g.activeMu.Unlock()
}

// logEntry appends an audit entry and emits the audit-log event.
func (g *Guard) logEntry(ctx context.Context, exec audit.Execution) audit.Entry {
	entry := g.trail.LogExecution(ctx, exec)
	g.metrics.recordAuditEntry()
	g.stream.Publish(events.Event{
		Kind:     events.KindToolAuditLog,
		ToolName: exec.ToolName,
		CallID:   exec.CallID,
		Payload:  map[string]any{"entry_id": entry.ID, "success": exec.Success},
	})
	return entry
}

func environment(sandboxed bool) string {
	if sandboxed {
		return "sandboxed"
	}
	return "direct"
}

// contextKey is an unexported type for context keys defined in this package.
type contextKey int

const conversationIDKey contextKey = iota

// ContextWithConversationID returns a context carrying the conversation id
// so audit entries can be tied back to their conversation.
func ContextWithConversationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, conversationIDKey, id)
}

// ConversationIDFromContext extracts the conversation id, or "" if unset.
func ConversationIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(conversationIDKey).(string); ok {
		return v
	}
	return ""
}
