// Package mock implements a deterministic model client for local development
// and demos. It never calls the network: each request is answered with a
// scripted response, or a plain echo when the script runs out.
package mock

import (
	"context"
	"fmt"
	"sync"

	"github.com/jkaninda/vigil/internal/llm"
)

// Client is a scripted llm.Client.
type Client struct {
	mu       sync.Mutex
	script   []*llm.Response
	next     int
	requests int
}

// NewClient creates a mock client. With no script, every request yields a
// single assistant message echoing the last user input.
func NewClient(script ...*llm.Response) *Client {
	return &Client{script: script}
}

func (c *Client) Name() string { return "mock" }

// Create answers the initial request of a turn.
func (c *Client) Create(_ context.Context, req *llm.Request) (*llm.Response, error) {
	return c.respond(req.Input), nil
}

// Followup answers a continuation request.
func (c *Client) Followup(_ context.Context, req *llm.FollowupRequest) (*llm.Response, error) {
	return c.respond(req.Input), nil
}

// Requests returns the number of requests served so far.
func (c *Client) Requests() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.requests
}

func (c *Client) respond(input []llm.Item) *llm.Response {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.requests++

	if c.next < len(c.script) {
		resp := c.script[c.next]
		c.next++
		if resp.ID == "" {
			resp.ID = fmt.Sprintf("mock-resp-%d", c.requests)
		}
		return resp
	}

	text := "(no input)"
	for i := len(input) - 1; i >= 0; i-- {
		if input[i].Kind == llm.ItemMessage && input[i].Role == "user" {
			text = "You said: " + input[i].Text
			break
		}
		if input[i].Kind == llm.ItemFunctionCallOutput {
			text = "Tool output received: " + input[i].Output
			break
		}
	}

	return &llm.Response{
		ID:     fmt.Sprintf("mock-resp-%d", c.requests),
		Output: []llm.Item{llm.AssistantMessage(text)},
		Usage:  llm.Usage{InputTokens: 1, OutputTokens: 1, TotalTokens: 2},
	}
}
