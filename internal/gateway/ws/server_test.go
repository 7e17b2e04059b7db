package ws

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/jkaninda/vigil/internal/events"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// --- Kind Filter Parsing ---

func TestParseKindFilter(t *testing.T) {
	if got := parseKindFilter(""); got != nil {
		t.Errorf("empty filter = %v, want nil", got)
	}
	if got := parseKindFilter(" , ,"); got != nil {
		t.Errorf("blank entries = %v, want nil", got)
	}

	got := parseKindFilter("tool_call, tool_result")
	if len(got) != 2 || !got[events.KindToolCall] || !got[events.KindToolResult] {
		t.Errorf("filter = %v, want tool_call and tool_result", got)
	}
	if got[events.KindTurnStart] {
		t.Error("unlisted kind must not pass the filter")
	}
}

// --- Authentication ---

func TestHandler_RejectsBadToken(t *testing.T) {
	stream := events.NewStream()
	defer stream.Close()
	srv := httptest.NewServer(NewServer(stream, Config{Token: "secret"}, discardLogger()).Handler())
	defer srv.Close()

	for _, url := range []string{srv.URL, srv.URL + "?token=wrong"} {
		resp, err := http.Get(url)
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusUnauthorized {
			t.Errorf("GET %s = %d, want 401", url, resp.StatusCode)
		}
	}
}

func TestHandler_AcceptsBearerHeader(t *testing.T) {
	stream := events.NewStream()
	defer stream.Close()
	srv := httptest.NewServer(NewServer(stream, Config{Token: "secret"}, discardLogger()).Handler())
	defer srv.Close()

	req, _ := http.NewRequest(http.MethodGet, srv.URL, nil)
	req.Header.Set("Authorization", "Bearer secret")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	// Auth passes; the plain GET then fails the websocket handshake, which
	// is anything but a 401.
	if resp.StatusCode == http.StatusUnauthorized {
		t.Error("valid bearer token rejected")
	}
}

// --- Event Delivery ---

func dialFeed(t *testing.T, ctx context.Context, srvURL, query string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srvURL, "http") + query
	conn, _, err := websocket.Dial(ctx, url, &websocket.DialOptions{
		Subprotocols: []string{subprotocol},
	})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func waitForSubscriber(t *testing.T, stream *events.Stream) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for stream.SubscriberCount() == 0 {
		if time.Now().After(deadline) {
			t.Fatal("server never subscribed to the stream")
		}
		time.Sleep(time.Millisecond)
	}
}

func readEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) events.Event {
	t.Helper()
	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev events.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		t.Fatalf("unmarshal event: %v", err)
	}
	return ev
}

func TestFeed_DeliversEvents(t *testing.T) {
	stream := events.NewStream()
	defer stream.Close()
	srv := httptest.NewServer(NewServer(stream, Config{Token: "secret"}, discardLogger()).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialFeed(t, ctx, srv.URL, "?token=secret")
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitForSubscriber(t, stream)

	stream.Publish(events.Event{Kind: events.KindToolCall, ToolName: "read_file", CallID: "c1"})

	ev := readEvent(t, ctx, conn)
	if ev.Kind != events.KindToolCall || ev.ToolName != "read_file" || ev.CallID != "c1" {
		t.Errorf("event = %+v", ev)
	}
}

func TestFeed_KindFilter(t *testing.T) {
	stream := events.NewStream()
	defer stream.Close()
	srv := httptest.NewServer(NewServer(stream, Config{}, discardLogger()).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialFeed(t, ctx, srv.URL, "?kinds=tool_result")
	defer conn.Close(websocket.StatusNormalClosure, "")
	waitForSubscriber(t, stream)

	// The filtered-out event must be skipped, the matching one delivered.
	stream.Publish(events.Event{Kind: events.KindContentDelta, Message: "skip me"})
	stream.Publish(events.Event{Kind: events.KindToolResult, CallID: "c1"})

	ev := readEvent(t, ctx, conn)
	if ev.Kind != events.KindToolResult {
		t.Errorf("first delivered event = %s, want tool_result", ev.Kind)
	}
}

func TestFeed_StreamCloseEndsConnection(t *testing.T) {
	stream := events.NewStream()
	srv := httptest.NewServer(NewServer(stream, Config{}, discardLogger()).Handler())
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn := dialFeed(t, ctx, srv.URL, "")
	waitForSubscriber(t, stream)

	stream.Close()

	// The server closes the connection; the next read fails.
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("expected read error after stream close")
	}
}
