package sigclient

import (
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlorchat/parlor/internal/protocol"
)

func TestBackoffDelay_Schedule(t *testing.T) {
	base := 1 * time.Second
	cap := 30 * time.Second
	want := []time.Duration{
		1 * time.Second,
		2 * time.Second,
		4 * time.Second,
		8 * time.Second,
		16 * time.Second,
		30 * time.Second,
		30 * time.Second,
		30 * time.Second,
	}
	for attempt, wantDelay := range want {
		if got := backoffDelay(attempt, base, cap); got != wantDelay {
			t.Errorf("backoffDelay(%d)=%v, want %v", attempt, got, wantDelay)
		}
	}
	// Huge attempt counts must not overflow past the cap.
	if got := backoffDelay(500, base, cap); got != cap {
		t.Errorf("backoffDelay(500)=%v, want %v", got, cap)
	}
}

// echoServer accepts signaling connections and records every inbound text
// message. It can drop all live connections on demand.
type echoServer struct {
	ts *httptest.Server

	mu       sync.Mutex
	received []protocol.ClientMessage
	conns    []*websocket.Conn
	accepted int
}

func newEchoServer(t *testing.T) *echoServer {
	t.Helper()
	s := &echoServer{}
	upgrader := websocket.Upgrader{}
	s.ts = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		s.mu.Lock()
		s.conns = append(s.conns, ws)
		s.accepted++
		s.mu.Unlock()
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg protocol.ClientMessage
			if json.Unmarshal(data, &msg) == nil {
				s.mu.Lock()
				s.received = append(s.received, msg)
				s.mu.Unlock()
			}
		}
	}))
	t.Cleanup(s.ts.Close)
	return s
}

func (s *echoServer) url() string {
	return "ws" + strings.TrimPrefix(s.ts.URL, "http") + "?token=test"
}

func (s *echoServer) dropAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for _, ws := range conns {
		ws.Close()
	}
}

func (s *echoServer) messages() []protocol.ClientMessage {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]protocol.ClientMessage(nil), s.received...)
}

func (s *echoServer) acceptedCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool, desc string) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", desc)
}

func testOptions(url string) Options {
	return Options{
		URL:               url,
		Logger:            slog.New(slog.NewTextHandler(io.Discard, nil)),
		BackoffBase:       10 * time.Millisecond,
		BackoffCap:        40 * time.Millisecond,
		MaxAttempts:       5,
		HeartbeatInterval: time.Hour,
	}
}

func TestClient_QueueFlushedInFIFOOrder(t *testing.T) {
	srv := newEchoServer(t)
	c := New(testOptions(srv.url()))
	defer c.Close()

	// Everything sent before connecting is queued, nothing is dropped.
	for i := 0; i < 10; i++ {
		if err := c.Send(protocol.ClientMessage{Type: protocol.TypeChatMessage, Text: fmt.Sprintf("m%d", i)}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state=%q before connect", c.State())
	}

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return len(srv.messages()) == 10 }, "queued messages")

	got := srv.messages()
	for i, msg := range got {
		if want := fmt.Sprintf("m%d", i); msg.Text != want {
			t.Fatalf("message %d text=%q, want %q", i, msg.Text, want)
		}
	}
}

func TestClient_QueueSurvivesFlushFailure(t *testing.T) {
	// The first accepted connection is severed at the TCP level without ever
	// reading, so the backlog flush hits a write error partway through. The
	// unflushed remainder must be re-queued and delivered on the next connect
	// instead of being dropped.
	upgrader := websocket.Upgrader{}
	var srvMu sync.Mutex
	var received []protocol.ClientMessage
	accepted := 0
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		srvMu.Lock()
		accepted++
		first := accepted == 1
		srvMu.Unlock()
		if first {
			ws.UnderlyingConn().Close()
			return
		}
		for {
			_, data, err := ws.ReadMessage()
			if err != nil {
				return
			}
			var msg protocol.ClientMessage
			if json.Unmarshal(data, &msg) == nil {
				srvMu.Lock()
				received = append(received, msg)
				srvMu.Unlock()
			}
		}
	}))
	defer ts.Close()

	c := New(testOptions("ws" + strings.TrimPrefix(ts.URL, "http")))
	defer c.Close()

	// Large payloads so the backlog cannot fit in socket buffers before the
	// reset from the dead peer is noticed.
	filler := strings.Repeat("x", 2048)
	const n = 256
	for i := 0; i < n; i++ {
		if err := c.Send(protocol.ClientMessage{Type: protocol.TypeChatMessage, Text: fmt.Sprintf("m%04d %s", i, filler)}); err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	// A send fired from the connected observer must land behind the backlog.
	tailSent := false
	c.OnStateChange(func(s State) {
		if s == StateConnected && !tailSent {
			tailSent = true
			_ = c.Send(protocol.ClientMessage{Type: protocol.TypeChatMessage, Text: "tail"})
		}
	})

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool {
		srvMu.Lock()
		defer srvMu.Unlock()
		return len(received) > 0 && received[len(received)-1].Text == "tail"
	}, "backlog delivered after reconnect")

	srvMu.Lock()
	got := append([]protocol.ClientMessage(nil), received...)
	srvMu.Unlock()

	msgs := got[:len(got)-1] // strip the tail
	if len(msgs) == 0 {
		t.Fatal("no queued messages delivered after reconnect")
	}
	// Whatever was not consumed by the dead connection arrives as a
	// contiguous, in-order suffix ending at the last queued message.
	var seqs []int
	for _, msg := range msgs {
		var seq int
		if _, err := fmt.Sscanf(msg.Text, "m%04d", &seq); err != nil {
			t.Fatalf("unexpected message %q", msg.Text)
		}
		seqs = append(seqs, seq)
	}
	for i := 1; i < len(seqs); i++ {
		if seqs[i] != seqs[i-1]+1 {
			t.Fatalf("gap or reorder in delivered backlog: %d then %d", seqs[i-1], seqs[i])
		}
	}
	if last := seqs[len(seqs)-1]; last != n-1 {
		t.Fatalf("backlog ends at %d, want %d", last, n-1)
	}
}

func TestClient_ConnectIsIdempotent(t *testing.T) {
	srv := newEchoServer(t)
	c := New(testOptions(srv.url()))
	defer c.Close()

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateConnected }, "connected")
	for i := 0; i < 3; i++ {
		if err := c.Connect(); err != nil {
			t.Fatalf("Connect: %v", err)
		}
	}
	time.Sleep(50 * time.Millisecond)
	if got := srv.acceptedCount(); got != 1 {
		t.Fatalf("accepted %d connections, want 1", got)
	}
}

func TestClient_ReconnectsAfterDropAndResetsAttempts(t *testing.T) {
	srv := newEchoServer(t)
	c := New(testOptions(srv.url()))
	defer c.Close()

	var mu sync.Mutex
	var states []State
	c.OnStateChange(func(s State) {
		mu.Lock()
		states = append(states, s)
		mu.Unlock()
	})

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return srv.acceptedCount() == 1 }, "first connect")

	srv.dropAll()
	waitFor(t, 2*time.Second, func() bool { return srv.acceptedCount() == 2 }, "reconnect")
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateConnected }, "connected after drop")

	// Messages sent during the outage were queued and delivered.
	srv.dropAll()
	waitFor(t, 2*time.Second, func() bool { return c.State() != StateConnected }, "drop noticed")
	if err := c.Send(protocol.ClientMessage{Type: protocol.TypeChatMessage, Text: "after-drop"}); err != nil {
		t.Fatalf("Send: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		for _, msg := range srv.messages() {
			if msg.Text == "after-drop" {
				return true
			}
		}
		return false
	}, "queued message after second drop")

	mu.Lock()
	defer mu.Unlock()
	seen := make(map[State]bool)
	for _, s := range states {
		seen[s] = true
	}
	if !seen[StateReconnecting] || !seen[StateConnected] {
		t.Fatalf("states observed=%v", states)
	}

	// A successful reconnect reset the counter, so the budget is intact.
	c.mu.Lock()
	attempts := c.attempts
	c.mu.Unlock()
	if attempts != 0 {
		t.Fatalf("attempts=%d after successful reconnect, want 0", attempts)
	}
}

func TestClient_FailsTerminallyAfterBudget(t *testing.T) {
	srv := newEchoServer(t)
	url := srv.url()
	srv.ts.Close() // nothing is listening

	opts := testOptions(url)
	opts.MaxAttempts = 3
	c := New(opts)
	defer c.Close()

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 5*time.Second, func() bool { return c.State() == StateFailed }, "terminal failure")

	// Terminal means terminal: no further dial happens.
	time.Sleep(100 * time.Millisecond)
	if c.State() != StateFailed {
		t.Fatalf("state=%q after failure", c.State())
	}
}

func TestClient_HeartbeatSendsPings(t *testing.T) {
	srv := newEchoServer(t)
	opts := testOptions(srv.url())
	opts.HeartbeatInterval = 20 * time.Millisecond
	c := New(opts)
	defer c.Close()

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		pings := 0
		for _, msg := range srv.messages() {
			if msg.Type == protocol.TypePing {
				pings++
			}
		}
		return pings >= 2
	}, "heartbeat pings")
}

func TestClient_DispatchesByTypeAndWildcard(t *testing.T) {
	upgrader := websocket.Upgrader{}
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		payload, _ := json.Marshal(protocol.ServerMessage{Type: protocol.TypePong, Timestamp: 42})
		_ = ws.WriteMessage(websocket.TextMessage, payload)
		// Hold the connection open until the test finishes.
		_, _, _ = ws.ReadMessage()
	}))
	defer ts.Close()

	c := New(testOptions("ws" + strings.TrimPrefix(ts.URL, "http")))
	defer c.Close()

	var mu sync.Mutex
	var typed, wildcard []protocol.ServerMessage
	c.On(protocol.TypePong, func(msg protocol.ServerMessage) {
		mu.Lock()
		typed = append(typed, msg)
		mu.Unlock()
	})
	c.On(Wildcard, func(msg protocol.ServerMessage) {
		mu.Lock()
		wildcard = append(wildcard, msg)
		mu.Unlock()
	})

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(typed) == 1 && len(wildcard) == 1
	}, "dispatch")

	mu.Lock()
	defer mu.Unlock()
	if typed[0].Timestamp != 42 {
		t.Fatalf("typed=%+v", typed[0])
	}
}

func TestClient_CloseCancelsReconnect(t *testing.T) {
	srv := newEchoServer(t)
	url := srv.url()
	srv.ts.Close()

	opts := testOptions(url)
	opts.BackoffBase = time.Hour // never fires within the test
	c := New(opts)

	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	waitFor(t, 2*time.Second, func() bool { return c.State() == StateReconnecting }, "reconnecting")

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if c.State() != StateDisconnected {
		t.Fatalf("state=%q after Close", c.State())
	}
	if err := c.Send(protocol.ClientMessage{Type: protocol.TypePing}); err != ErrClosed {
		t.Fatalf("Send after Close err=%v, want %v", err, ErrClosed)
	}
}
