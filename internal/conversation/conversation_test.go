package conversation

import (
	"context"
	"testing"

	"github.com/jkaninda/vigil/internal/llm"
)

func TestInMemoryStore_GetUnknownReturnsNil(t *testing.T) {
	store := NewInMemoryStore()
	state, err := store.Get(context.Background(), "nope")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if state != nil {
		t.Errorf("state = %+v, want nil for unknown id", state)
	}
}

func TestInMemoryStore_CreateAndUpdate(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	state, err := store.Create(ctx, "conv-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if state.ID != "conv-1" || len(state.Items) != 0 {
		t.Errorf("created state = %+v", state)
	}

	items := []llm.Item{llm.UserMessage("hi"), llm.AssistantMessage("hello")}
	if err := store.Update(ctx, "conv-1", items, "resp-1"); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, _ := store.Get(ctx, "conv-1")
	if len(got.Items) != 2 || got.LatestResponseID != "resp-1" {
		t.Errorf("state after update = %+v", got)
	}

	// Updates append; they never rewrite history.
	if err := store.Update(ctx, "conv-1", []llm.Item{llm.UserMessage("more")}, "resp-2"); err != nil {
		t.Fatalf("update: %v", err)
	}
	got, _ = store.Get(ctx, "conv-1")
	if len(got.Items) != 3 || got.LatestResponseID != "resp-2" {
		t.Errorf("state after second update = %+v", got)
	}
	if got.Items[0].Text != "hi" {
		t.Error("history prefix must be preserved")
	}
}

func TestInMemoryStore_CreateIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()

	_, _ = store.Create(ctx, "conv-1")
	_ = store.Update(ctx, "conv-1", []llm.Item{llm.UserMessage("hi")}, "resp-1")

	state, err := store.Create(ctx, "conv-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if len(state.Items) != 1 {
		t.Error("re-create must not wipe existing state")
	}
}

func TestInMemoryStore_GetReturnsCopy(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	_ = store.Update(ctx, "conv-1", []llm.Item{llm.UserMessage("hi")}, "resp-1")

	state, _ := store.Get(ctx, "conv-1")
	state.Items[0].Text = "mutated"

	fresh, _ := store.Get(ctx, "conv-1")
	if fresh.Items[0].Text != "hi" {
		t.Error("caller mutation leaked into the store")
	}
}

func TestInMemoryStore_UpdateUnknownCreates(t *testing.T) {
	ctx := context.Background()
	store := NewInMemoryStore()
	if err := store.Update(ctx, "conv-x", []llm.Item{llm.UserMessage("hi")}, "resp-1"); err != nil {
		t.Fatalf("update: %v", err)
	}
	state, _ := store.Get(ctx, "conv-x")
	if state == nil || len(state.Items) != 1 {
		t.Errorf("state = %+v, want implicitly created conversation", state)
	}
}
