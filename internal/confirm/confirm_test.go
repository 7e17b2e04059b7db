package confirm

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/jkaninda/vigil/internal/events"
	"github.com/jkaninda/vigil/internal/impact"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestBus() (*Bus, *events.Stream) {
	stream := events.NewStream()
	return NewBus(stream, discardLogger()), stream
}

// awaitRequestID blocks until a confirmation request event arrives and
// returns its request id.
func awaitRequestID(t *testing.T, ch <-chan events.Event) string {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == events.KindConfirmationRequest {
				id, _ := ev.Payload["request_id"].(string)
				if id == "" {
					t.Fatal("confirmation request event missing request_id")
				}
				return id
			}
		case <-deadline:
			t.Fatal("no confirmation request event received")
		}
	}
}

type approvalResult struct {
	approved bool
	err      error
}

func startRequest(bus *Bus, conf impact.Confirmation, timeout time.Duration) chan approvalResult {
	done := make(chan approvalResult, 1)
	go func() {
		approved, err := bus.RequestApproval(context.Background(), conf, timeout)
		done <- approvalResult{approved, err}
	}()
	return done
}

// --- Approve / Deny ---

func TestRequestApproval_Approved(t *testing.T) {
	bus, stream := newTestBus()
	ch, cancel := stream.Subscribe()
	defer cancel()

	done := startRequest(bus, impact.Confirmation{ToolName: "delete_file"}, 5*time.Second)
	id := awaitRequestID(t, ch)

	if err := bus.Approve(id, "alice", "looks fine"); err != nil {
		t.Fatalf("approve: %v", err)
	}
	res := <-done
	if !res.approved || res.err != nil {
		t.Errorf("result = (%v, %v), want (true, nil)", res.approved, res.err)
	}
	if len(bus.Pending()) != 0 {
		t.Error("pending set should be empty after resolution")
	}
}

func TestRequestApproval_Denied(t *testing.T) {
	bus, stream := newTestBus()
	ch, cancel := stream.Subscribe()
	defer cancel()

	done := startRequest(bus, impact.Confirmation{ToolName: "delete_file"}, 5*time.Second)
	id := awaitRequestID(t, ch)

	if err := bus.Deny(id, "bob", "too risky"); err != nil {
		t.Fatalf("deny: %v", err)
	}
	res := <-done
	if res.approved || res.err != nil {
		t.Errorf("result = (%v, %v), want (false, nil)", res.approved, res.err)
	}
}

func TestApprove_UnknownID(t *testing.T) {
	bus, _ := newTestBus()
	if err := bus.Approve("no-such-id", "alice", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
	if err := bus.Deny("no-such-id", "alice", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("err = %v, want ErrNotFound", err)
	}
}

func TestApprove_SecondResolutionFails(t *testing.T) {
	bus, stream := newTestBus()
	ch, cancel := stream.Subscribe()
	defer cancel()

	done := startRequest(bus, impact.Confirmation{ToolName: "write_file"}, 5*time.Second)
	id := awaitRequestID(t, ch)

	if err := bus.Approve(id, "alice", ""); err != nil {
		t.Fatalf("approve: %v", err)
	}
	<-done
	if err := bus.Deny(id, "bob", ""); !errors.Is(err, ErrNotFound) {
		t.Errorf("second resolution err = %v, want ErrNotFound", err)
	}
}

// --- Timeout and Cancel ---

func TestRequestApproval_Timeout(t *testing.T) {
	bus, stream := newTestBus()
	ch, cancel := stream.Subscribe()
	defer cancel()

	done := startRequest(bus, impact.Confirmation{ToolName: "delete_file"}, 20*time.Millisecond)
	awaitRequestID(t, ch)

	res := <-done
	if res.approved || res.err != nil {
		t.Fatalf("result = (%v, %v), want (false, nil) on timeout", res.approved, res.err)
	}

	// Timeout publishes a denial event tagged timed_out.
	deadline := time.After(2 * time.Second)
	for {
		select {
		case ev := <-ch:
			if ev.Kind == events.KindToolDenied {
				if timedOut, _ := ev.Payload["timed_out"].(bool); !timedOut {
					t.Error("denial event should carry timed_out=true")
				}
				return
			}
		case <-deadline:
			t.Fatal("no denial event after timeout")
		}
	}
}

func TestRequestApproval_ContextCancelled(t *testing.T) {
	bus, stream := newTestBus()
	ch, cancel := stream.Subscribe()
	defer cancel()

	ctx, stop := context.WithCancel(context.Background())
	done := make(chan approvalResult, 1)
	go func() {
		approved, err := bus.RequestApproval(ctx, impact.Confirmation{ToolName: "write_file"}, time.Minute)
		done <- approvalResult{approved, err}
	}()
	awaitRequestID(t, ch)

	stop()
	res := <-done
	if res.approved {
		t.Error("cancelled request must not be approved")
	}
	if !errors.Is(res.err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", res.err)
	}
}

func TestCancel(t *testing.T) {
	bus, stream := newTestBus()
	ch, cancel := stream.Subscribe()
	defer cancel()

	done := startRequest(bus, impact.Confirmation{ToolName: "write_file"}, time.Minute)
	id := awaitRequestID(t, ch)

	if !bus.Cancel(id) {
		t.Fatal("cancel of pending request should report true")
	}
	res := <-done
	if res.approved || res.err != nil {
		t.Errorf("result = (%v, %v), want (false, nil)", res.approved, res.err)
	}
	if bus.Cancel(id) {
		t.Error("second cancel should report false")
	}
}

// --- Batch ---

func TestRequestBatch_ResultsInInputOrder(t *testing.T) {
	bus, stream := newTestBus()
	ch, cancel := stream.Subscribe()
	defer cancel()

	confs := []impact.Confirmation{
		{ToolName: "approve_me"},
		{ToolName: "deny_me"},
		{ToolName: "approve_me_too"},
	}

	// Resolve each request as its event arrives, keyed by tool name.
	go func() {
		for i := 0; i < len(confs); i++ {
			ev := <-ch
			id, _ := ev.Payload["request_id"].(string)
			switch ev.ToolName {
			case "deny_me":
				_ = bus.Deny(id, "tester", "")
			default:
				_ = bus.Approve(id, "tester", "")
			}
		}
	}()

	results := bus.RequestBatch(context.Background(), confs, 5*time.Second)
	if len(results) != 3 {
		t.Fatalf("results = %v, want 3 entries", results)
	}
	if !results[0] || results[1] || !results[2] {
		t.Errorf("results = %v, want [true false true]", results)
	}
}

// --- Auto-Approval ---

func TestShouldAutoApprove(t *testing.T) {
	// Every combination of the four safety dimensions; only the fully safe
	// corner auto-approves.
	for _, lowRisk := range []bool{true, false} {
		for _, reversible := range []bool{true, false} {
			for _, noDataLoss := range []bool{true, false} {
				for _, noSystemImpact := range []bool{true, false} {
					conf := impact.Confirmation{
						RiskLevel:  impact.RiskMedium,
						Reversible: reversible,
					}
					if lowRisk {
						conf.RiskLevel = impact.RiskLow
					}
					conf.Impact.DataLossRisk = impact.DataLossLow
					if noDataLoss {
						conf.Impact.DataLossRisk = impact.DataLossNone
					}
					conf.Impact.SystemImpact = impact.ImpactLocal
					if noSystemImpact {
						conf.Impact.SystemImpact = impact.ImpactNone
					}

					want := lowRisk && reversible && noDataLoss && noSystemImpact
					if got := ShouldAutoApprove(conf); got != want {
						t.Errorf("ShouldAutoApprove(lowRisk=%t reversible=%t noDataLoss=%t noSystemImpact=%t) = %t, want %t",
							lowRisk, reversible, noDataLoss, noSystemImpact, got, want)
					}
				}
			}
		}
	}
}

// --- Pending and Statistics ---

func TestPending_OldestFirst(t *testing.T) {
	bus, stream := newTestBus()
	ch, cancel := stream.Subscribe()
	defer cancel()

	first := startRequest(bus, impact.Confirmation{ToolName: "first"}, time.Minute)
	firstID := awaitRequestID(t, ch)
	time.Sleep(5 * time.Millisecond)
	second := startRequest(bus, impact.Confirmation{ToolName: "second"}, time.Minute)
	secondID := awaitRequestID(t, ch)

	pending := bus.Pending()
	if len(pending) != 2 {
		t.Fatalf("pending = %d, want 2", len(pending))
	}
	if pending[0].ToolCall.ToolName != "first" || pending[1].ToolCall.ToolName != "second" {
		t.Errorf("order = [%s, %s], want oldest first",
			pending[0].ToolCall.ToolName, pending[1].ToolCall.ToolName)
	}

	_ = bus.Approve(firstID, "t", "")
	_ = bus.Approve(secondID, "t", "")
	<-first
	<-second
}

func TestStatistics(t *testing.T) {
	bus, stream := newTestBus()
	ch, cancel := stream.Subscribe()
	defer cancel()

	done := startRequest(bus, impact.Confirmation{ToolName: "write_file"}, time.Minute)
	id := awaitRequestID(t, ch)

	stats := bus.Statistics()
	if stats.TotalRequests != 1 || stats.CurrentlyPending != 1 {
		t.Errorf("stats = %+v, want 1 total / 1 pending", stats)
	}

	_ = bus.Approve(id, "t", "")
	<-done

	stats = bus.Statistics()
	if stats.CurrentlyPending != 0 {
		t.Errorf("pending = %d, want 0", stats.CurrentlyPending)
	}
	if stats.MeanResolutionTime <= 0 {
		t.Errorf("mean resolution = %s, want > 0", stats.MeanResolutionTime)
	}
}
