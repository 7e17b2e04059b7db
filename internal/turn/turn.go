// Package turn drives one full processing cycle of a user message: model
// request, tool-call rounds through the guard pipeline, follow-up model
// requests, and final persistence of the newly produced items. Each turn
// owns its own input list and event stream, so concurrent turns never
// share mutable state.
package turn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/jkaninda/vigil/internal/conversation"
	"github.com/jkaninda/vigil/internal/events"
	"github.com/jkaninda/vigil/internal/guard"
	"github.com/jkaninda/vigil/internal/llm"
)

// DefaultMaxRounds caps tool-call rounds within one turn.
const DefaultMaxRounds = 25

// Runner executes turns against a model client, a conversation store and
// the guard pipeline.
type Runner struct {
	client    llm.Client
	store     conversation.Store
	guard     *guard.Guard
	logger    *slog.Logger
	tracer    trace.Tracer // nil = tracing disabled.
	maxRounds int
	maxTokens int
}

// NewRunner creates a turn runner.
func NewRunner(client llm.Client, store conversation.Store, g *guard.Guard, logger *slog.Logger) *Runner {
	return &Runner{
		client:    client,
		store:     store,
		guard:     g,
		logger:    logger,
		maxRounds: DefaultMaxRounds,
	}
}

// WithTracer attaches an OTel tracer.
func (r *Runner) WithTracer(t trace.Tracer) *Runner {
	r.tracer = t
	return r
}

// WithMaxRounds overrides the tool-call round cap.
func (r *Runner) WithMaxRounds(n int) *Runner {
	if n > 0 {
		r.maxRounds = n
	}
	return r
}

// WithMaxOutputTokens sets the per-request output token cap.
func (r *Runner) WithMaxOutputTokens(n int) *Runner {
	r.maxTokens = n
	return r
}

// Result summarizes a completed turn.
type Result struct {
	ConversationID string
	ResponseID     string
	NewItems       []llm.Item
	Usage          llm.Usage
	FinalText      string
}

// Run processes one user message to completion, publishing the turn's
// event sequence on stream. Errors never escape: any failure terminates
// the stream with a single error event and a nil Result.
func (r *Runner) Run(ctx context.Context, stream *events.Stream, conversationID, userMessage string) *Result {
	if r.tracer != nil {
		var span trace.Span
		ctx, span = r.tracer.Start(ctx, "turn.run",
			trace.WithAttributes(attribute.String("conversation_id", conversationID)))
		defer span.End()
	}

	stream.Publish(events.Event{
		Kind:    events.KindTurnStart,
		Payload: map[string]any{"conversation_id": conversationID},
	})

	result, err := r.run(ctx, stream, conversationID, userMessage)
	if err != nil {
		stream.Publish(events.Event{
			Kind:    events.KindError,
			Message: err.Error(),
			Code:    errorCode(err),
		})
		r.logger.ErrorContext(ctx, "turn failed",
			slog.String("conversation_id", conversationID),
			slog.String("error", err.Error()),
		)
		return nil
	}

	stream.Publish(events.Event{
		Kind: events.KindTurnComplete,
		Payload: map[string]any{
			"response_id":   result.ResponseID,
			"input_tokens":  result.Usage.InputTokens,
			"output_tokens": result.Usage.OutputTokens,
			"total_tokens":  result.Usage.TotalTokens,
		},
	})
	return result
}

func (r *Runner) run(ctx context.Context, stream *events.Stream, conversationID, userMessage string) (*Result, error) {
	state, err := r.loadState(ctx, conversationID)
	if err != nil {
		return nil, err
	}

	userItem := llm.UserMessage(userMessage)
	// input carries history plus everything produced this turn; newStart
	// marks where this turn's items begin so only they get persisted.
	input := append(append([]llm.Item{}, state.Items...), userItem)
	newStart := len(state.Items)

	ctx = guard.ContextWithConversationID(ctx, conversationID)
	tools := toolDefinitions(r.guard.Definitions())

	resp, err := r.client.Create(ctx, &llm.Request{
		Input:              input,
		PreviousResponseID: state.LatestResponseID,
		Tools:              tools,
		MaxOutputTokens:    r.maxTokens,
	})
	if err != nil {
		return nil, fmt.Errorf("model request failed: %w", err)
	}
	stream.Publish(events.Event{
		Kind:    events.KindResponseStart,
		Payload: map[string]any{"response_id": resp.ID},
	})

	var usage llm.Usage
	var finalText string

	for round := 0; ; round++ {
		usage.Add(resp.Usage)
		finalText = r.walkOutput(stream, resp)
		input = append(input, resp.Output...)

		calls := resp.FunctionCalls()
		if len(calls) == 0 {
			break
		}
		if round >= r.maxRounds {
			return nil, fmt.Errorf("turn exceeded %d tool-call rounds", r.maxRounds)
		}

		// Execute in the response's listed order; results are appended
		// before the follow-up request is issued.
		for _, call := range calls {
			input = append(input, r.executeCall(ctx, stream, call))
		}

		followup, err := r.client.Followup(ctx, &llm.FollowupRequest{
			Input:              input,
			PreviousResponseID: resp.ID,
			Tools:              tools,
			MaxOutputTokens:    r.maxTokens,
		})
		if err != nil {
			return nil, fmt.Errorf("follow-up model request failed: %w", err)
		}
		// response_start marks only the turn's initial model response;
		// follow-up rounds continue the same response sequence.
		resp = followup
	}

	// Persist only the items produced this turn; the caller-supplied
	// history prefix is never re-submitted.
	newItems := input[newStart:]
	if err := r.store.Update(ctx, conversationID, newItems, resp.ID); err != nil {
		return nil, fmt.Errorf("persisting conversation: %w", err)
	}

	return &Result{
		ConversationID: conversationID,
		ResponseID:     resp.ID,
		NewItems:       newItems,
		Usage:          usage,
		FinalText:      finalText,
	}, nil
}

// walkOutput publishes per-item events for a response and returns the
// concatenated message text.
func (r *Runner) walkOutput(stream *events.Stream, resp *llm.Response) string {
	var text string
	for _, item := range resp.Output {
		switch item.Kind {
		case llm.ItemMessage:
			text += item.Text
			stream.Publish(events.Event{
				Kind:    events.KindContentDelta,
				Message: item.Text,
			})
		case llm.ItemFunctionCall:
			stream.Publish(events.Event{
				Kind:     events.KindToolCall,
				ToolName: item.Name,
				CallID:   item.CallID,
				Payload:  map[string]any{"input": item.Input},
			})
		case llm.ItemReasoning:
			// Items without a summary are skipped silently.
			if item.Summary != "" {
				stream.Publish(events.Event{
					Kind:    events.KindReasoningSummary,
					Message: item.Summary,
				})
			}
		}
	}
	return text
}

// executeCall runs one function call through the guard and converts the
// outcome into a function_call_output item. A tool failure becomes an
// error-shaped result, never a turn failure.
func (r *Runner) executeCall(ctx context.Context, stream *events.Stream, call llm.Item) llm.Item {
	started := time.Now()
	output, err := r.guard.Execute(ctx, call.Name, call.Input, call.CallID)

	var item llm.Item
	if err != nil {
		item = llm.FunctionCallOutput(call.CallID, fmt.Sprintf("Error: %s", err.Error()), true)
	} else {
		item = llm.FunctionCallOutput(call.CallID, output, false)
	}

	stream.Publish(events.Event{
		Kind:     events.KindToolResult,
		ToolName: call.Name,
		CallID:   call.CallID,
		Message:  item.Output,
		Payload: map[string]any{
			"is_error":    item.IsError,
			"duration_ms": time.Since(started).Milliseconds(),
		},
	})
	return item
}

// toolDefinitions converts registered tools into the model-facing shape.
func toolDefinitions(defs []guard.ToolDefinition) []llm.ToolDefinition {
	out := make([]llm.ToolDefinition, 0, len(defs))
	for _, d := range defs {
		out = append(out, llm.ToolDefinition{
			Name:        d.Name,
			Description: d.Description,
			InputSchema: d.Schema,
		})
	}
	return out
}

// loadState fetches or creates the conversation state.
func (r *Runner) loadState(ctx context.Context, conversationID string) (*conversation.State, error) {
	state, err := r.store.Get(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("loading conversation: %w", err)
	}
	if state == nil {
		state, err = r.store.Create(ctx, conversationID)
		if err != nil {
			return nil, fmt.Errorf("creating conversation: %w", err)
		}
	}
	return state, nil
}

// errorCode maps known guard errors to machine-readable codes.
func errorCode(err error) string {
	switch {
	case errors.Is(err, guard.ErrEmergencyStopActive):
		return "emergency_stop"
	case errors.Is(err, guard.ErrToolNotFound):
		return "tool_not_found"
	case errors.Is(err, guard.ErrDenied):
		return "denied"
	case errors.Is(err, guard.ErrValidation):
		return "validation"
	case errors.Is(err, guard.ErrExecutionTimeout):
		return "timeout"
	default:
		return "internal"
	}
}
