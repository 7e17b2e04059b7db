// Package events implements the notification stream for Vigil.
// Producers (guard, confirmation bus, turn runner) publish typed events;
// consumers subscribe and receive from a channel instead of registering
// callbacks. Ordering is preserved per subscriber.
package events

import (
	"sync"
	"time"
)

// Kind identifies the type of a notification event.
type Kind string

const (
	KindTurnStart           Kind = "turn_start"
	KindResponseStart       Kind = "response_start"
	KindContentDelta        Kind = "content_delta"
	KindToolCall            Kind = "tool_call"
	KindReasoningSummary    Kind = "reasoning_summary"
	KindToolExecutionStart  Kind = "tool_execution_start"
	KindToolImpactAnalysis  Kind = "tool_impact_analysis"
	KindConfirmationRequest Kind = "tool_confirmation_request"
	KindToolApproved        Kind = "tool_approved"
	KindToolDenied          Kind = "tool_denied"
	KindToolResult          Kind = "tool_result"
	KindToolAuditLog        Kind = "tool_audit_log"
	KindTurnComplete        Kind = "turn_complete"
	KindError               Kind = "error"
	KindEmergencyStop       Kind = "emergency_stop"
)

// Event is a single notification published on the stream.
// Payload holds kind-specific data (impact analysis, confirmation, result text).
type Event struct {
	Kind      Kind           `json:"kind"`
	Timestamp time.Time      `json:"timestamp"`
	ToolName  string         `json:"tool_name,omitempty"`
	CallID    string         `json:"call_id,omitempty"`
	Message   string         `json:"message,omitempty"`
	Code      string         `json:"code,omitempty"` // Machine-readable error code.
	Payload   map[string]any `json:"payload,omitempty"`
}

// Stream is a fan-out broadcaster for events.
// Thread-safe. Slow subscribers drop events rather than block producers;
// each subscriber channel is buffered to absorb bursts.
type Stream struct {
	mu     sync.Mutex
	subs   map[int]chan Event
	nextID int
	closed bool
}

// DefaultBuffer is the per-subscriber channel capacity.
const DefaultBuffer = 256

// NewStream creates an empty event stream.
func NewStream() *Stream {
	return &Stream{subs: make(map[int]chan Event)}
}

// Publish delivers the event to all current subscribers.
// Events for a subscriber that cannot keep up are dropped, never blocking
// the publisher: the guard pipeline must not stall on a dead consumer.
func (s *Stream) Publish(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	for _, ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

// Emit is shorthand for publishing a kind with tool/call context.
func (s *Stream) Emit(kind Kind, toolName, callID string, payload map[string]any) {
	s.Publish(Event{Kind: kind, ToolName: toolName, CallID: callID, Payload: payload})
}

// Subscribe registers a new subscriber and returns its receive channel
// plus an unsubscribe function. The channel is closed on unsubscribe or
// when the stream itself is closed.
func (s *Stream) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan Event, DefaultBuffer)
	if s.closed {
		close(ch)
		return ch, func() {}
	}
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if c, ok := s.subs[id]; ok {
				delete(s.subs, id)
				close(c)
			}
		})
	}
	return ch, cancel
}

// SubscriberCount returns the number of active subscribers.
func (s *Stream) SubscriberCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.subs)
}

// Close shuts the stream down and closes all subscriber channels.
func (s *Stream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	for id, ch := range s.subs {
		delete(s.subs, id)
		close(ch)
	}
}
