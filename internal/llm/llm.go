// Package llm defines the provider-agnostic boundary to the model response
// API. Vigil only depends on this interface; concrete providers live behind
// it and are treated as black boxes that may fail with arbitrary errors.
package llm

import "context"

// Client is the abstraction over a model response backend.
type Client interface {
	// Create sends the initial request of a turn.
	Create(ctx context.Context, req *Request) (*Response, error)
	// Followup continues a turn, carrying the previous response id.
	Followup(ctx context.Context, req *FollowupRequest) (*Response, error)
	// Name returns the provider identifier (e.g. "openai").
	Name() string
}

// ToolDefinition describes a tool the model can invoke.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema,omitempty"`
}

// Request is the initial model request of a turn.
type Request struct {
	Input              []Item
	PreviousResponseID string // "" on the first turn of a conversation.
	Tools              []ToolDefinition
	MaxOutputTokens    int
}

// FollowupRequest continues the tool-call loop within a turn.
type FollowupRequest struct {
	Input              []Item
	PreviousResponseID string
	Tools              []ToolDefinition
	MaxOutputTokens    int
}

// ItemKind tags the variants of Item.
type ItemKind string

const (
	ItemMessage            ItemKind = "message"
	ItemFunctionCall       ItemKind = "function_call"
	ItemFunctionCallOutput ItemKind = "function_call_output"
	ItemReasoning          ItemKind = "reasoning"
	// ItemUnknown preserves unrecognized items for forward compatibility.
	ItemUnknown ItemKind = "unknown"
)

// Item is a tagged union over response/input item kinds. The Kind field
// determines which other fields are meaningful.
type Item struct {
	Kind ItemKind `json:"kind"`

	// message fields.
	Role string `json:"role,omitempty"` // "user" or "assistant".
	Text string `json:"text,omitempty"`

	// function_call fields.
	Name   string `json:"name,omitempty"`
	Input  string `json:"input,omitempty"` // Raw JSON payload.
	CallID string `json:"call_id,omitempty"`

	// function_call_output fields (CallID shared with function_call).
	Output  string `json:"output,omitempty"`
	IsError bool   `json:"is_error,omitempty"`

	// reasoning fields.
	Summary string `json:"summary,omitempty"` // May be empty: skip silently.

	// unknown fields.
	Raw map[string]any `json:"raw,omitempty"`
}

// UserMessage creates a user message item.
func UserMessage(text string) Item {
	return Item{Kind: ItemMessage, Role: "user", Text: text}
}

// AssistantMessage creates an assistant message item.
func AssistantMessage(text string) Item {
	return Item{Kind: ItemMessage, Role: "assistant", Text: text}
}

// FunctionCallOutput creates a function_call_output item for a call id.
func FunctionCallOutput(callID, output string, isError bool) Item {
	return Item{Kind: ItemFunctionCallOutput, CallID: callID, Output: output, IsError: isError}
}

// Usage summarizes token consumption of a response.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Add accumulates another usage summary into u.
func (u *Usage) Add(other Usage) {
	u.InputTokens += other.InputTokens
	u.OutputTokens += other.OutputTokens
	u.TotalTokens += other.TotalTokens
}

// Response is what the model returns: an ordered list of typed output
// items plus a usage summary.
type Response struct {
	ID     string
	Output []Item
	Usage  Usage
}

// FunctionCalls returns the function_call items in listed order.
func (r *Response) FunctionCalls() []Item {
	var calls []Item
	for _, item := range r.Output {
		if item.Kind == ItemFunctionCall {
			calls = append(calls, item)
		}
	}
	return calls
}

// HasFunctionCalls reports whether the response requests any tool use.
func (r *Response) HasFunctionCalls() bool {
	for _, item := range r.Output {
		if item.Kind == ItemFunctionCall {
			return true
		}
	}
	return false
}
