// Package conversation defines the conversation store boundary. The turn
// runner only ever appends new items and advances the latest response id;
// it never rewrites or deletes history.
package conversation

import (
	"context"
	"sync"

	"github.com/jkaninda/vigil/internal/llm"
)

// State is a conversation's persisted state: its full item history and
// the id of the latest model response, used for request continuity.
type State struct {
	ID               string
	Items            []llm.Item
	LatestResponseID string
}

// Store persists conversation state.
type Store interface {
	// Get returns the state for id, or nil if the conversation is unknown.
	Get(ctx context.Context, id string) (*State, error)
	// Create initializes an empty conversation under id and returns it.
	Create(ctx context.Context, id string) (*State, error)
	// Update appends newItems and advances the latest response id.
	Update(ctx context.Context, id string, newItems []llm.Item, latestResponseID string) error
}

// InMemoryStore implements Store without persistence.
// History is lost on restart. Used when no database is configured.
type InMemoryStore struct {
	mu     sync.RWMutex
	states map[string]*State
}

// NewInMemoryStore creates an ephemeral conversation store.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{states: make(map[string]*State)}
}

func (s *InMemoryStore) Get(_ context.Context, id string) (*State, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.states[id]
	if !ok {
		return nil, nil
	}
	cp := &State{
		ID:               st.ID,
		Items:            make([]llm.Item, len(st.Items)),
		LatestResponseID: st.LatestResponseID,
	}
	copy(cp.Items, st.Items)
	return cp, nil
}

func (s *InMemoryStore) Create(_ context.Context, id string) (*State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.states[id]; ok {
		return st, nil
	}
	st := &State{ID: id}
	s.states[id] = st
	return st, nil
}

func (s *InMemoryStore) Update(_ context.Context, id string, newItems []llm.Item, latestResponseID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.states[id]
	if !ok {
		st = &State{ID: id}
		s.states[id] = st
	}
	st.Items = append(st.Items, newItems...)
	st.LatestResponseID = latestResponseID
	return nil
}

// Compile-time interface check.
var _ Store = (*InMemoryStore)(nil)
