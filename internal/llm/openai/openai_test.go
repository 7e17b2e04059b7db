package openai

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/jkaninda/vigil/internal/llm"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Request Wire Shape ---

func TestCreate_RequestShape(t *testing.T) {
	var captured apiRequest
	var authHeader, contentType string

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/v1/responses" {
			t.Errorf("got %s %s, want POST /v1/responses", r.Method, r.URL.Path)
		}
		authHeader = r.Header.Get("Authorization")
		contentType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		if err := json.Unmarshal(body, &captured); err != nil {
			t.Errorf("request body not valid JSON: %v", err)
		}
		_, _ = w.Write([]byte(`{"id": "resp_1", "output": [], "usage": {}}`))
	}))
	defer srv.Close()

	client := NewClient("sk-test", "gpt-test", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.Create(context.Background(), &llm.Request{
		Input:              []llm.Item{llm.UserMessage("hello")},
		PreviousResponseID: "resp_0",
		Tools: []llm.ToolDefinition{{
			Name:        "read_file",
			Description: "reads a file",
			InputSchema: map[string]any{"type": "object"},
		}},
		MaxOutputTokens: 512,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if authHeader != "Bearer sk-test" {
		t.Errorf("auth header = %q", authHeader)
	}
	if contentType != "application/json" {
		t.Errorf("content type = %q", contentType)
	}
	if captured.Model != "gpt-test" {
		t.Errorf("model = %q", captured.Model)
	}
	if captured.PreviousResponseID != "resp_0" {
		t.Errorf("previous_response_id = %q", captured.PreviousResponseID)
	}
	if captured.MaxOutputTokens != 512 {
		t.Errorf("max_output_tokens = %d", captured.MaxOutputTokens)
	}
	if len(captured.Input) != 1 || captured.Input[0].Type != "message" ||
		captured.Input[0].Role != "user" || captured.Input[0].Content != "hello" {
		t.Errorf("input = %+v", captured.Input)
	}
	if len(captured.Tools) != 1 || captured.Tools[0].Type != "function" || captured.Tools[0].Name != "read_file" {
		t.Errorf("tools = %+v", captured.Tools)
	}
}

func TestCreate_DefaultMaxTokens(t *testing.T) {
	var captured apiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		_, _ = w.Write([]byte(`{"id": "resp_1", "output": [], "usage": {}}`))
	}))
	defer srv.Close()

	client := NewClient("k", "m", discardLogger(), WithBaseURL(srv.URL))
	if _, err := client.Create(context.Background(), &llm.Request{}); err != nil {
		t.Fatal(err)
	}
	if captured.MaxOutputTokens != defaultMaxTokens {
		t.Errorf("max_output_tokens = %d, want default %d", captured.MaxOutputTokens, defaultMaxTokens)
	}
}

func TestFollowup_ItemConversion(t *testing.T) {
	var captured apiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(body, &captured)
		_, _ = w.Write([]byte(`{"id": "resp_2", "output": [], "usage": {}}`))
	}))
	defer srv.Close()

	client := NewClient("k", "m", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.Followup(context.Background(), &llm.FollowupRequest{
		Input: []llm.Item{
			{Kind: llm.ItemFunctionCall, Name: "read_file", Input: `{"path": "/x"}`, CallID: "fc1"},
			llm.FunctionCallOutput("fc1", "contents", false),
			{Kind: llm.ItemReasoning, Summary: "never sent"},
			{Kind: llm.ItemUnknown, Raw: map[string]any{"type": "mystery"}},
		},
		PreviousResponseID: "resp_1",
	})
	if err != nil {
		t.Fatal(err)
	}

	// Reasoning and unknown items are dropped from the outgoing input.
	if len(captured.Input) != 2 {
		t.Fatalf("input = %+v, want 2 items", captured.Input)
	}
	if captured.Input[0].Type != "function_call" || captured.Input[0].Arguments != `{"path": "/x"}` {
		t.Errorf("function_call item = %+v", captured.Input[0])
	}
	if captured.Input[1].Type != "function_call_output" || captured.Input[1].Output != "contents" {
		t.Errorf("function_call_output item = %+v", captured.Input[1])
	}
}

// --- Response Parsing ---

func TestCreate_ParsesOutputItems(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{
  "id": "resp_1",
  "output": [
    {"type": "reasoning", "summary": [{"type": "summary_text", "text": "thinking "}, {"type": "summary_text", "text": "hard"}]},
    {"type": "function_call", "name": "read_file", "arguments": "{\"path\": \"/x\"}", "call_id": "fc1"},
    {"type": "message", "role": "assistant", "content": [{"type": "output_text", "text": "part one "}, {"type": "output_text", "text": "part two"}]},
    {"type": "web_search_call"}
  ],
  "usage": {"input_tokens": 7, "output_tokens": 3, "total_tokens": 10}
}`))
	}))
	defer srv.Close()

	client := NewClient("k", "m", discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.Create(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatalf("create: %v", err)
	}

	if resp.ID != "resp_1" {
		t.Errorf("id = %q", resp.ID)
	}
	if len(resp.Output) != 4 {
		t.Fatalf("output = %d items, want 4", len(resp.Output))
	}
	if resp.Output[0].Kind != llm.ItemReasoning || resp.Output[0].Summary != "thinking hard" {
		t.Errorf("reasoning = %+v", resp.Output[0])
	}
	if resp.Output[1].Kind != llm.ItemFunctionCall || resp.Output[1].CallID != "fc1" {
		t.Errorf("function_call = %+v", resp.Output[1])
	}
	if resp.Output[2].Kind != llm.ItemMessage || resp.Output[2].Text != "part one part two" {
		t.Errorf("message = %+v", resp.Output[2])
	}
	if resp.Output[3].Kind != llm.ItemUnknown || resp.Output[3].Raw["type"] != "web_search_call" {
		t.Errorf("unknown = %+v", resp.Output[3])
	}
	if resp.Usage.TotalTokens != 10 {
		t.Errorf("total tokens = %d", resp.Usage.TotalTokens)
	}

	calls := resp.FunctionCalls()
	if len(calls) != 1 || calls[0].Name != "read_file" {
		t.Errorf("function calls = %+v", calls)
	}
}

func TestCreate_ComputesMissingTotalTokens(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"id": "r", "output": [], "usage": {"input_tokens": 4, "output_tokens": 6}}`))
	}))
	defer srv.Close()

	client := NewClient("k", "m", discardLogger(), WithBaseURL(srv.URL))
	resp, err := client.Create(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Usage.TotalTokens != 10 {
		t.Errorf("total tokens = %d, want computed 10", resp.Usage.TotalTokens)
	}
}

// --- Error Handling ---

func TestCreate_APIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error": {"message": "rate limited"}}`))
	}))
	defer srv.Close()

	client := NewClient("k", "m", discardLogger(), WithBaseURL(srv.URL))
	_, err := client.Create(context.Background(), &llm.Request{})
	if err == nil {
		t.Fatal("expected error for non-200 status")
	}
	if !strings.Contains(err.Error(), "429") || !strings.Contains(err.Error(), "rate limited") {
		t.Errorf("err = %v, want status and body", err)
	}
}

func TestCreate_MalformedResponseBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`not json`))
	}))
	defer srv.Close()

	client := NewClient("k", "m", discardLogger(), WithBaseURL(srv.URL))
	if _, err := client.Create(context.Background(), &llm.Request{}); err == nil {
		t.Fatal("expected parse error")
	}
}

func TestName(t *testing.T) {
	if got := NewClient("k", "m", discardLogger()).Name(); got != "openai" {
		t.Errorf("name = %q", got)
	}
}
