// Package confirm implements the in-memory confirmation bus: pending
// approval requests are registered with a unique id and resolved by an
// external approve/deny call, a timeout, or an explicit cancel. Callers
// block on a per-request channel; every terminal transition removes the
// request from the pending set.
package confirm

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/jkaninda/vigil/internal/events"
	"github.com/jkaninda/vigil/internal/impact"
)

var (
	// ErrNotFound is returned for approve/deny on an unknown or already
	// resolved request id.
	ErrNotFound = errors.New("confirmation request not found")
)

// Outcome is the terminal state of a confirmation request.
type Outcome string

const (
	OutcomeApproved  Outcome = "approved"
	OutcomeDenied    Outcome = "denied"
	OutcomeTimedOut  Outcome = "timed_out"
	OutcomeCancelled Outcome = "cancelled"
)

// resolution is sent on a pending request's channel exactly once.
type resolution struct {
	outcome Outcome
	by      string
	reason  string
}

// PendingRequest is the externally visible view of an unresolved request.
type PendingRequest struct {
	ID          string              `json:"id"`
	ToolCall    impact.Confirmation `json:"tool_call"`
	RequestTime time.Time           `json:"request_time"`
	Timeout     time.Duration       `json:"timeout"`
}

type pending struct {
	PendingRequest
	ch chan resolution // Buffered; written at most once under bus lock.
}

// Bus coordinates pending approval requests.
// Thread-safe. At most one live request per id; ids are generated
// internally so they never collide.
type Bus struct {
	mu      sync.Mutex
	pending map[string]*pending
	stream  *events.Stream
	logger  *slog.Logger

	// Statistics.
	totalRequests   int
	resolvedCount   int
	totalResolution time.Duration
}

// NewBus creates an empty confirmation bus publishing on stream.
func NewBus(stream *events.Stream, logger *slog.Logger) *Bus {
	return &Bus{
		pending: make(map[string]*pending),
		stream:  stream,
		logger:  logger,
	}
}

// RequestApproval registers a pending request and blocks until it is
// approved, denied, cancelled, times out, or ctx is done. It returns true
// only for approval before timeout/cancel; every other terminal path
// returns false. The pending entry is removed on any terminal transition.
func (b *Bus) RequestApproval(ctx context.Context, conf impact.Confirmation, timeout time.Duration) (bool, error) {
	id, err := generateID()
	if err != nil {
		return false, err
	}

	p := &pending{
		PendingRequest: PendingRequest{
			ID:          id,
			ToolCall:    conf,
			RequestTime: time.Now().UTC(),
			Timeout:     timeout,
		},
		ch: make(chan resolution, 1),
	}

	b.mu.Lock()
	b.pending[id] = p
	b.totalRequests++
	b.mu.Unlock()

	b.stream.Publish(events.Event{
		Kind:     events.KindConfirmationRequest,
		ToolName: conf.ToolName,
		Payload: map[string]any{
			"request_id": id,
			"risk_level": conf.RiskLevel.String(),
			"paths":      conf.AffectedPaths,
		},
	})
	b.logger.InfoContext(ctx, "confirmation requested",
		slog.String("request_id", id),
		slog.String("tool", conf.ToolName),
		slog.String("risk", conf.RiskLevel.String()),
		slog.Duration("timeout", timeout),
	)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case res := <-p.ch:
		b.recordResolution(p)
		return res.outcome == OutcomeApproved, nil

	case <-timer.C:
		// The timer and an approve/deny call can race; resolve decides
		// who wins by removing the entry under the lock.
		if _, resolved := b.resolve(id, OutcomeTimedOut, "", "confirmation timed out"); resolved {
			b.recordResolution(p)
			b.stream.Publish(events.Event{
				Kind:     events.KindToolDenied,
				ToolName: conf.ToolName,
				Message:  "confirmation timed out",
				Payload:  map[string]any{"request_id": id, "timed_out": true},
			})
			b.logger.InfoContext(ctx, "confirmation timed out",
				slog.String("request_id", id),
				slog.String("tool", conf.ToolName),
			)
			return false, nil
		}
		// Lost the race: a real resolution is already on the channel.
		res := <-p.ch
		b.recordResolution(p)
		return res.outcome == OutcomeApproved, nil

	case <-ctx.Done():
		if _, resolved := b.resolve(id, OutcomeCancelled, "", "context cancelled"); resolved {
			b.recordResolution(p)
			return false, ctx.Err()
		}
		res := <-p.ch
		b.recordResolution(p)
		return res.outcome == OutcomeApproved, nil
	}
}

// Approve resolves a pending request as approved.
func (b *Bus) Approve(id, approvedBy, reason string) error {
	if _, ok := b.resolve(id, OutcomeApproved, approvedBy, reason); !ok {
		return ErrNotFound
	}
	b.logger.Info("confirmation approved",
		slog.String("request_id", id),
		slog.String("approved_by", approvedBy),
	)
	return nil
}

// Deny resolves a pending request as denied.
func (b *Bus) Deny(id, deniedBy, reason string) error {
	if _, ok := b.resolve(id, OutcomeDenied, deniedBy, reason); !ok {
		return ErrNotFound
	}
	b.logger.Info("confirmation denied",
		slog.String("request_id", id),
		slog.String("denied_by", deniedBy),
	)
	return nil
}

// Cancel resolves a pending request as cancelled (the waiter observes
// false). Returns whether a pending request was actually found.
func (b *Bus) Cancel(id string) bool {
	_, ok := b.resolve(id, OutcomeCancelled, "", "cancelled")
	if ok {
		b.logger.Info("confirmation cancelled", slog.String("request_id", id))
	}
	return ok
}

// resolve removes the pending entry and delivers the resolution.
// Returns false if the id is not pending (already resolved or unknown).
func (b *Bus) resolve(id string, outcome Outcome, by, reason string) (*pending, bool) {
	b.mu.Lock()
	p, ok := b.pending[id]
	if !ok {
		b.mu.Unlock()
		return nil, false
	}
	delete(b.pending, id)
	b.mu.Unlock()

	p.ch <- resolution{outcome: outcome, by: by, reason: reason}
	return p, true
}

func (b *Bus) recordResolution(p *pending) {
	b.mu.Lock()
	b.resolvedCount++
	b.totalResolution += time.Since(p.RequestTime)
	b.mu.Unlock()
}

// RequestBatch issues independent concurrent requests and returns results
// in input order. One denial or timeout never blocks or cancels the others.
func (b *Bus) RequestBatch(ctx context.Context, confs []impact.Confirmation, timeout time.Duration) []bool {
	results := make([]bool, len(confs))
	var wg sync.WaitGroup
	for i, conf := range confs {
		wg.Add(1)
		go func(i int, conf impact.Confirmation) {
			defer wg.Done()
			approved, err := b.RequestApproval(ctx, conf, timeout)
			results[i] = approved && err == nil
		}(i, conf)
	}
	wg.Wait()
	return results
}

// ShouldAutoApprove reports whether a call is manifestly safe enough to
// skip the human round-trip: low risk, reversible, no data-loss risk and
// no system impact. Any single violation forces the full confirmation path.
func ShouldAutoApprove(conf impact.Confirmation) bool {
	return conf.RiskLevel == impact.RiskLow &&
		conf.Reversible &&
		conf.Impact.DataLossRisk == impact.DataLossNone &&
		conf.Impact.SystemImpact == impact.ImpactNone
}

// Pending lists requests still awaiting resolution, oldest first.
func (b *Bus) Pending() []PendingRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]PendingRequest, 0, len(b.pending))
	for _, p := range b.pending {
		out = append(out, p.PendingRequest)
	}
	// Map iteration order is random; sort by request time for stable output.
	sort.Slice(out, func(i, j int) bool {
		return out[i].RequestTime.Before(out[j].RequestTime)
	})
	return out
}

// Stats reports bus-level statistics.
type Stats struct {
	TotalRequests      int           `json:"total_requests"`
	CurrentlyPending   int           `json:"currently_pending"`
	MeanResolutionTime time.Duration `json:"mean_resolution_time"`
}

// Statistics returns total requests, pending count, and mean resolution
// latency across resolved requests.
func (b *Bus) Statistics() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := Stats{
		TotalRequests:    b.totalRequests,
		CurrentlyPending: len(b.pending),
	}
	if b.resolvedCount > 0 {
		s.MeanResolutionTime = b.totalResolution / time.Duration(b.resolvedCount)
	}
	return s
}

func generateID() (string, error) {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "", err
	}
	return hex.EncodeToString(buf), nil
}
