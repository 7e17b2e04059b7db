// Package openai implements the model client interface for the OpenAI
// Responses API. Any OpenAI-compatible endpoint works via WithBaseURL.
package openai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/jkaninda/vigil/internal/llm"
)

const (
	defaultBaseURL   = "https://api.openai.com"
	responsesPath    = "/v1/responses"
	defaultMaxTokens = 4096
)

// Client implements llm.Client using the OpenAI Responses API.
type Client struct {
	apiKey     string
	model      string
	baseURL    string
	name       string
	httpClient *http.Client
	logger     *slog.Logger
}

// Option configures the OpenAI client.
type Option func(*Client)

// WithBaseURL overrides the API base URL.
func WithBaseURL(url string) Option {
	return func(c *Client) { c.baseURL = url }
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates an OpenAI-compatible model client.
func NewClient(apiKey, model string, logger *slog.Logger, opts ...Option) *Client {
	c := &Client{
		apiKey:     apiKey,
		model:      model,
		baseURL:    defaultBaseURL,
		name:       "openai",
		httpClient: http.DefaultClient,
		logger:     logger,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Name() string { return c.name }

// Create sends the initial request of a turn.
func (c *Client) Create(ctx context.Context, req *llm.Request) (*llm.Response, error) {
	return c.send(ctx, apiRequest{
		Model:              c.model,
		Input:              toAPIItems(req.Input),
		PreviousResponseID: req.PreviousResponseID,
		Tools:              toAPITools(req.Tools),
		MaxOutputTokens:    maxTokens(req.MaxOutputTokens),
	})
}

// Followup continues a turn with tool outputs.
func (c *Client) Followup(ctx context.Context, req *llm.FollowupRequest) (*llm.Response, error) {
	return c.send(ctx, apiRequest{
		Model:              c.model,
		Input:              toAPIItems(req.Input),
		PreviousResponseID: req.PreviousResponseID,
		Tools:              toAPITools(req.Tools),
		MaxOutputTokens:    maxTokens(req.MaxOutputTokens),
	})
}

func (c *Client) send(ctx context.Context, apiReq apiRequest) (*llm.Response, error) {
	body, err := json.Marshal(apiReq)
	if err != nil {
		return nil, fmt.Errorf("marshaling request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+responsesPath, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	httpResp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer httpResp.Body.Close()

	respBody, err := io.ReadAll(httpResp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if httpResp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("API error (status %d): %s", httpResp.StatusCode, string(respBody))
	}

	var apiResp apiResponse
	if err := json.Unmarshal(respBody, &apiResp); err != nil {
		return nil, fmt.Errorf("parsing response: %w", err)
	}

	resp := toResponse(&apiResp)

	c.logger.DebugContext(ctx, "model request completed",
		slog.String("provider", c.name),
		slog.String("model", c.model),
		slog.String("response_id", resp.ID),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
	)

	return resp, nil
}

func maxTokens(n int) int {
	if n <= 0 {
		return defaultMaxTokens
	}
	return n
}

func toAPITools(tools []llm.ToolDefinition) []apiTool {
	out := make([]apiTool, len(tools))
	for i, t := range tools {
		out[i] = apiTool{
			Type:        "function",
			Name:        t.Name,
			Description: t.Description,
			Parameters:  t.InputSchema,
		}
	}
	return out
}

func toAPIItems(items []llm.Item) []apiItem {
	out := make([]apiItem, 0, len(items))
	for _, item := range items {
		switch item.Kind {
		case llm.ItemMessage:
			out = append(out, apiItem{
				Type:    "message",
				Role:    item.Role,
				Content: item.Text,
			})
		case llm.ItemFunctionCall:
			out = append(out, apiItem{
				Type:      "function_call",
				Name:      item.Name,
				Arguments: item.Input,
				CallID:    item.CallID,
			})
		case llm.ItemFunctionCallOutput:
			out = append(out, apiItem{
				Type:   "function_call_output",
				CallID: item.CallID,
				Output: item.Output,
			})
		}
		// Reasoning and unknown items are never sent back.
	}
	return out
}

func toResponse(apiResp *apiResponse) *llm.Response {
	resp := &llm.Response{
		ID: apiResp.ID,
		Usage: llm.Usage{
			InputTokens:  apiResp.Usage.InputTokens,
			OutputTokens: apiResp.Usage.OutputTokens,
			TotalTokens:  apiResp.Usage.TotalTokens,
		},
	}
	if resp.Usage.TotalTokens == 0 {
		resp.Usage.TotalTokens = resp.Usage.InputTokens + resp.Usage.OutputTokens
	}

	for _, out := range apiResp.Output {
		switch out.Type {
		case "message":
			var text string
			for _, part := range out.Content {
				if part.Type == "output_text" {
					text += part.Text
				}
			}
			resp.Output = append(resp.Output, llm.Item{
				Kind: llm.ItemMessage,
				Role: out.Role,
				Text: text,
			})
		case "function_call":
			resp.Output = append(resp.Output, llm.Item{
				Kind:   llm.ItemFunctionCall,
				Name:   out.Name,
				Input:  out.Arguments,
				CallID: out.CallID,
			})
		case "reasoning":
			var summary string
			for _, part := range out.Summary {
				summary += part.Text
			}
			resp.Output = append(resp.Output, llm.Item{
				Kind:    llm.ItemReasoning,
				Summary: summary,
			})
		default:
			raw := map[string]any{"type": out.Type}
			resp.Output = append(resp.Output, llm.Item{
				Kind: llm.ItemUnknown,
				Raw:  raw,
			})
		}
	}
	return resp
}

// --- OpenAI Responses API wire types (unexported) ---

type apiRequest struct {
	Model              string    `json:"model"`
	Input              []apiItem `json:"input"`
	PreviousResponseID string    `json:"previous_response_id,omitempty"`
	Tools              []apiTool `json:"tools,omitempty"`
	MaxOutputTokens    int       `json:"max_output_tokens,omitempty"`
}

type apiItem struct {
	Type string `json:"type"`

	// message
	Role    string `json:"role,omitempty"`
	Content string `json:"content,omitempty"`

	// function_call
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// function_call_output
	Output string `json:"output,omitempty"`
}

type apiTool struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type apiResponse struct {
	ID     string          `json:"id"`
	Output []apiOutputItem `json:"output"`
	Usage  apiUsage        `json:"usage"`
}

type apiOutputItem struct {
	Type string `json:"type"`

	// message
	Role    string        `json:"role,omitempty"`
	Content []apiTextPart `json:"content,omitempty"`

	// function_call
	Name      string `json:"name,omitempty"`
	Arguments string `json:"arguments,omitempty"`
	CallID    string `json:"call_id,omitempty"`

	// reasoning
	Summary []apiTextPart `json:"summary,omitempty"`
}

type apiTextPart struct {
	Type string `json:"type"`
	Text string `json:"text"`
}

type apiUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}
