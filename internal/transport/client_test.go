package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowdeck/flowdeck/internal/relayprotocol"
)

// echoHub is a minimal test server that pushes a canned event to every
// connection and records what it receives.
type echoHub struct {
	upgrader websocket.Upgrader
	push     []byte

	mu       sync.Mutex
	received [][]byte
	conns    int
	session  string
}

func (e *echoHub) handler(w http.ResponseWriter, r *http.Request) {
	conn, err := e.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	e.mu.Lock()
	e.conns++
	e.session = r.URL.Query().Get("session")
	e.mu.Unlock()

	if e.push != nil {
		conn.WriteMessage(websocket.TextMessage, e.push)
	}

	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}
		e.mu.Lock()
		e.received = append(e.received, message)
		e.mu.Unlock()
	}
}

func (e *echoHub) connCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns
}

func (e *echoHub) lastSession() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.session
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestClient_ReceivesAndDispatches(t *testing.T) {
	push, _ := relayprotocol.MarshalEnvelope(relayprotocol.TypeWorkflowLog, relayprotocol.Event{
		AdwID: "adw-1", Level: "INFO", Message: "hello",
	})
	hub := &echoHub{push: push}
	server := httptest.NewServer(http.HandlerFunc(hub.handler))
	defer server.Close()

	client, err := NewClient(Config{ServerURL: wsURL(server)})
	if err != nil {
		t.Fatal(err)
	}

	got := make(chan string, 1)
	client.Subscribe(relayprotocol.TypeWorkflowLog, func(data json.RawMessage) {
		var ev relayprotocol.Event
		json.Unmarshal(data, &ev)
		got <- ev.Message
	})

	if err := client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	select {
	case msg := <-got:
		if msg != "hello" {
			t.Errorf("message = %q, want hello", msg)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for dispatch")
	}
}

// Session ids travel as a query parameter and may carry reserved
// characters; they must arrive at the hub unmangled.
func TestClient_SessionIDEscapedInDialURL(t *testing.T) {
	hub := &echoHub{}
	server := httptest.NewServer(http.HandlerFunc(hub.handler))
	defer server.Close()

	const session = "team a/b#1&tab=2"
	client, err := NewClient(Config{ServerURL: wsURL(server), SessionID: session})
	if err != nil {
		t.Fatal(err)
	}
	if err := client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	deadline := time.After(2 * time.Second)
	for hub.connCount() == 0 {
		select {
		case <-deadline:
			t.Fatal("timed out waiting for connection")
		case <-time.After(10 * time.Millisecond):
		}
	}

	if got := hub.lastSession(); got != session {
		t.Errorf("hub saw session %q, want %q", got, session)
	}
}

// Listener idempotence: subscribing the identical handler twice must still
// deliver each event exactly once.
func TestClient_DuplicateSubscribeDeliversOnce(t *testing.T) {
	push, _ := relayprotocol.MarshalEnvelope(relayprotocol.TypeWorkflowLog, relayprotocol.Event{
		AdwID: "adw-1", Level: "INFO", Message: "once",
	})
	hub := &echoHub{push: push}
	server := httptest.NewServer(http.HandlerFunc(hub.handler))
	defer server.Close()

	client, err := NewClient(Config{ServerURL: wsURL(server)})
	if err != nil {
		t.Fatal(err)
	}

	calls := make(chan struct{}, 10)
	handler := func(data json.RawMessage) { calls <- struct{}{} }

	client.Subscribe(relayprotocol.TypeWorkflowLog, handler)
	client.Subscribe(relayprotocol.TypeWorkflowLog, handler)

	if err := client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	select {
	case <-calls:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}

	select {
	case <-calls:
		t.Error("handler invoked twice for one event")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestClient_ConnectEventAndState(t *testing.T) {
	hub := &echoHub{}
	server := httptest.NewServer(http.HandlerFunc(hub.handler))
	defer server.Close()

	client, err := NewClient(Config{ServerURL: wsURL(server)})
	if err != nil {
		t.Fatal(err)
	}

	connected := make(chan struct{}, 1)
	client.Subscribe(EventConnect, func(data json.RawMessage) { connected <- struct{}{} })

	if err := client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for connect event")
	}
	if client.State() != StateConnected {
		t.Errorf("State = %q, want connected", client.State())
	}
}

func TestClient_BuffersWhileDisconnectedAndFlushes(t *testing.T) {
	hub := &echoHub{}
	server := httptest.NewServer(http.HandlerFunc(hub.handler))
	defer server.Close()

	client, err := NewClient(Config{ServerURL: wsURL(server)})
	if err != nil {
		t.Fatal(err)
	}

	// Queue a trigger before the client ever connects.
	err = client.Send(relayprotocol.TypeTriggerWorkflow, relayprotocol.TriggerRequest{
		AdwID: "adw-9", TaskID: "T1", WorkflowName: "adw_plan_iso",
	})
	if err != nil {
		t.Fatalf("buffered send failed: %v", err)
	}

	if err := client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		n := len(hub.received)
		hub.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("buffered message never flushed after connect")
}

func TestClient_SendBufferBounded(t *testing.T) {
	client, err := NewClient(Config{ServerURL: "ws://127.0.0.1:1", SendBuffer: 2})
	if err != nil {
		t.Fatal(err)
	}

	if err := client.Send(relayprotocol.TypeTriggerWorkflow, nil); err != nil {
		t.Fatal(err)
	}
	if err := client.Send(relayprotocol.TypeTriggerWorkflow, nil); err != nil {
		t.Fatal(err)
	}
	if err := client.Send(relayprotocol.TypeTriggerWorkflow, nil); err == nil {
		t.Error("expected an error once the send buffer is full")
	}
}

func TestClient_FailedAfterMaxAttempts(t *testing.T) {
	// Nothing listens here.
	client, err := NewClient(Config{ServerURL: "ws://127.0.0.1:1", MaxAttempts: 1})
	if err != nil {
		t.Fatal(err)
	}

	errored := make(chan struct{}, 1)
	client.Subscribe(EventError, func(data json.RawMessage) { errored <- struct{}{} })

	if err := client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	select {
	case <-errored:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for failure signal")
	}
	if client.State() != StateFailed {
		t.Errorf("State = %q, want failed", client.State())
	}
}

func TestClient_Reconnects(t *testing.T) {
	hub := &echoHub{}
	server := httptest.NewServer(http.HandlerFunc(hub.handler))
	defer server.Close()

	client, err := NewClient(Config{ServerURL: wsURL(server)})
	if err != nil {
		t.Fatal(err)
	}

	disconnected := make(chan struct{}, 1)
	client.Subscribe(EventDisconnect, func(data json.RawMessage) {
		select {
		case disconnected <- struct{}{}:
		default:
		}
	})

	if err := client.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	// Wait for the first connection, then kill it server-side.
	deadline := time.Now().Add(2 * time.Second)
	for hub.connCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.connCount() < 1 {
		t.Fatal("client never connected")
	}

	client.mu.Lock()
	conn := client.conn
	client.mu.Unlock()
	if conn == nil {
		t.Fatal("no active connection")
	}
	conn.Close()

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("no disconnect signal")
	}

	// Backoff for the first retry is one second.
	deadline = time.Now().Add(5 * time.Second)
	for hub.connCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(50 * time.Millisecond)
	}
	if hub.connCount() < 2 {
		t.Error("client did not reconnect")
	}
}

func TestClient_StartIdempotentAndCloseResets(t *testing.T) {
	hub := &echoHub{}
	server := httptest.NewServer(http.HandlerFunc(hub.handler))
	defer server.Close()

	client, err := NewClient(Config{ServerURL: wsURL(server)})
	if err != nil {
		t.Fatal(err)
	}

	ctx := context.Background()
	if err := client.Start(ctx); err != nil {
		t.Fatal(err)
	}
	// Second Start while running is a no-op: only one run loop may exist.
	if err := client.Start(ctx); err != nil {
		t.Fatal(err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for hub.connCount() < 1 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.connCount() != 1 {
		t.Fatalf("conns = %d, want 1 (double Start must not stack loops)", hub.connCount())
	}

	client.Close()
	if client.State() != StateDisconnected {
		t.Errorf("State after Close = %q, want disconnected", client.State())
	}

	// Restart after Close works and yields exactly one new connection.
	if err := client.Start(ctx); err != nil {
		t.Fatal(err)
	}
	defer client.Close()

	deadline = time.Now().Add(2 * time.Second)
	for hub.connCount() < 2 && time.Now().Before(deadline) {
		time.Sleep(10 * time.Millisecond)
	}
	if hub.connCount() != 2 {
		t.Errorf("conns = %d after restart, want 2", hub.connCount())
	}
}
