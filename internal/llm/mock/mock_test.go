package mock

import (
	"context"
	"testing"

	"github.com/jkaninda/vigil/internal/llm"
)

func TestClient_ServesScriptInOrder(t *testing.T) {
	client := NewClient(
		&llm.Response{ID: "r1", Output: []llm.Item{llm.AssistantMessage("first")}},
		&llm.Response{Output: []llm.Item{llm.AssistantMessage("second")}},
	)

	resp, err := client.Create(context.Background(), &llm.Request{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.ID != "r1" || resp.Output[0].Text != "first" {
		t.Errorf("first response = %+v", resp)
	}

	resp, err = client.Followup(context.Background(), &llm.FollowupRequest{})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Output[0].Text != "second" {
		t.Errorf("second response = %+v", resp)
	}
	if resp.ID == "" {
		t.Error("missing script IDs should be filled in")
	}
	if client.Requests() != 2 {
		t.Errorf("requests = %d, want 2", client.Requests())
	}
}

func TestClient_EchoesWhenScriptExhausted(t *testing.T) {
	client := NewClient()

	resp, _ := client.Create(context.Background(), &llm.Request{
		Input: []llm.Item{llm.UserMessage("ping")},
	})
	if resp.Output[0].Text != "You said: ping" {
		t.Errorf("echo = %q", resp.Output[0].Text)
	}

	resp, _ = client.Followup(context.Background(), &llm.FollowupRequest{
		Input: []llm.Item{
			llm.UserMessage("earlier"),
			llm.FunctionCallOutput("fc1", "tool says hi", false),
		},
	})
	if resp.Output[0].Text != "Tool output received: tool says hi" {
		t.Errorf("echo = %q", resp.Output[0].Text)
	}

	resp, _ = client.Create(context.Background(), &llm.Request{})
	if resp.Output[0].Text != "(no input)" {
		t.Errorf("empty-input echo = %q", resp.Output[0].Text)
	}
}

func TestClient_Name(t *testing.T) {
	if NewClient().Name() != "mock" {
		t.Error("name should be mock")
	}
}
