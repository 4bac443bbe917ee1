package hub

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowdeck/flowdeck/internal/relayprotocol"
)

func newTestHub(dedupBySession bool) *Hub {
	return New(Config{DedupBySession: dedupBySession})
}

func dialWS(t *testing.T, server *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(server.URL, "http") + path
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial %s failed: %v", path, err)
	}
	return conn
}

func readEnvelope(t *testing.T, conn *websocket.Conn) relayprotocol.EnvelopeRaw {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, message, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read failed: %v", err)
	}
	var env relayprotocol.EnvelopeRaw
	if err := json.Unmarshal(message, &env); err != nil {
		t.Fatalf("unmarshal failed: %v", err)
	}
	return env
}

func TestHub_IngressBroadcastsToClients(t *testing.T) {
	h := newTestHub(false)
	server := httptest.NewServer(h.Handler())
	defer server.Close()

	client := dialWS(t, server, "/ws")
	defer client.Close()
	time.Sleep(50 * time.Millisecond)

	body := `{"type":"status_update","data":{"adw_id":"adw-1","workflow_name":"adw_plan_iso","status":"started","timestamp":"2026-08-30T10:00:00Z"}}`
	resp, err := http.Post(server.URL+"/events", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("ingress status = %d, want 202", resp.StatusCode)
	}

	env := readEnvelope(t, client)
	if env.Type != relayprotocol.TypeStatusUpdate {
		t.Errorf("broadcast type = %q, want status_update", env.Type)
	}
	var ev relayprotocol.Event
	if err := json.Unmarshal(env.Data, &ev); err != nil {
		t.Fatal(err)
	}
	if ev.AdwID != "adw-1" {
		t.Errorf("adw_id = %q, want adw-1 (envelope must pass through unmodified)", ev.AdwID)
	}
}

func TestHub_IngressRejectsMalformed(t *testing.T) {
	h := newTestHub(false)
	server := httptest.NewServer(h.Handler())
	defer server.Close()

	resp, err := http.Post(server.URL+"/events", "application/json", bytes.NewBufferString(`{not json`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("malformed body status = %d, want 400", resp.StatusCode)
	}

	resp, err = http.Post(server.URL+"/events", "application/json", bytes.NewBufferString(`{"type":"board_update","data":{}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Errorf("unknown type status = %d, want 400", resp.StatusCode)
	}
}

// The HTTP ingress carries workflow events only: control and trigger
// types are valid on the sockets but rejected here, and never reach
// dashboard clients as broadcasts.
func TestHub_IngressRejectsNonEventTypes(t *testing.T) {
	h := newTestHub(false)
	server := httptest.NewServer(h.Handler())
	defer server.Close()

	client := dialWS(t, server, "/ws")
	defer client.Close()
	time.Sleep(50 * time.Millisecond)

	for _, body := range []string{
		`{"type":"trigger_workflow","data":{"adw_id":"adw-9","task_id":"T1","workflow_name":"adw_plan_iso"}}`,
		`{"type":"ping"}`,
		`{"type":"pong"}`,
	} {
		resp, err := http.Post(server.URL+"/events", "application/json", bytes.NewBufferString(body))
		if err != nil {
			t.Fatal(err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadRequest {
			t.Errorf("status = %d for %s, want 400", resp.StatusCode, body)
		}
	}

	client.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := client.ReadMessage(); err == nil {
		t.Error("a rejected ingress message was broadcast to a client")
	}
}

func TestHub_RunnerEventsReachClients(t *testing.T) {
	h := newTestHub(false)
	server := httptest.NewServer(h.Handler())
	defer server.Close()

	client := dialWS(t, server, "/ws")
	defer client.Close()
	runner := dialWS(t, server, "/ws/ingest")
	defer runner.Close()
	time.Sleep(50 * time.Millisecond)

	msg := `{"type":"workflow_log","data":{"adw_id":"adw-1","level":"INFO","message":"cloning"}}`
	if err := runner.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatal(err)
	}

	env := readEnvelope(t, client)
	if env.Type != relayprotocol.TypeWorkflowLog {
		t.Errorf("type = %q, want workflow_log", env.Type)
	}
}

func TestHub_TriggerRelayedToRunners(t *testing.T) {
	h := newTestHub(false)
	server := httptest.NewServer(h.Handler())
	defer server.Close()

	runner := dialWS(t, server, "/ws/ingest")
	defer runner.Close()
	client := dialWS(t, server, "/ws")
	defer client.Close()
	time.Sleep(50 * time.Millisecond)

	msg := `{"type":"trigger_workflow","data":{"adw_id":"adw-9","task_id":"T1","workflow_name":"adw_plan_iso"}}`
	if err := client.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatal(err)
	}

	env := readEnvelope(t, runner)
	if env.Type != relayprotocol.TypeTriggerWorkflow {
		t.Errorf("type = %q, want trigger_workflow", env.Type)
	}
}

func TestHub_SessionDedupDeliversOncePerSession(t *testing.T) {
	h := newTestHub(true)
	server := httptest.NewServer(h.Handler())
	defer server.Close()

	tab1 := dialWS(t, server, "/ws?session=alice")
	defer tab1.Close()
	time.Sleep(20 * time.Millisecond)
	tab2 := dialWS(t, server, "/ws?session=alice")
	defer tab2.Close()
	time.Sleep(50 * time.Millisecond)

	body := `{"type":"workflow_log","data":{"adw_id":"adw-1","level":"INFO","message":"one delivery"}}`
	resp, err := http.Post(server.URL+"/events", "application/json", bytes.NewBufferString(body))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()

	// The earliest-connected tab receives.
	env := readEnvelope(t, tab1)
	if env.Type != relayprotocol.TypeWorkflowLog {
		t.Errorf("tab1 type = %q, want workflow_log", env.Type)
	}

	// The second tab must not.
	tab2.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
	if _, _, err := tab2.ReadMessage(); err == nil {
		t.Error("tab2 received a broadcast that should have been deduplicated by session")
	}
}

func TestHub_InvalidMessageKeepsConnectionOpen(t *testing.T) {
	h := newTestHub(false)
	server := httptest.NewServer(h.Handler())
	defer server.Close()

	runner := dialWS(t, server, "/ws/ingest")
	defer runner.Close()
	client := dialWS(t, server, "/ws")
	defer client.Close()
	time.Sleep(50 * time.Millisecond)

	if err := runner.WriteMessage(websocket.TextMessage, []byte(`{broken`)); err != nil {
		t.Fatal(err)
	}

	// The connection survives and later valid messages still flow.
	msg := `{"type":"workflow_log","data":{"adw_id":"adw-1","level":"INFO","message":"still here"}}`
	if err := runner.WriteMessage(websocket.TextMessage, []byte(msg)); err != nil {
		t.Fatal(err)
	}
	env := readEnvelope(t, client)
	if env.Type != relayprotocol.TypeWorkflowLog {
		t.Errorf("type = %q, want workflow_log after malformed message", env.Type)
	}
}

func TestHub_ClientDisconnectUnregisters(t *testing.T) {
	h := newTestHub(false)
	server := httptest.NewServer(h.Handler())
	defer server.Close()

	client := dialWS(t, server, "/ws")
	time.Sleep(50 * time.Millisecond)
	if h.Registry().Count() != 1 {
		t.Fatalf("Count = %d, want 1", h.Registry().Count())
	}

	client.Close()
	time.Sleep(100 * time.Millisecond)
	if h.Registry().Count() != 0 {
		t.Errorf("Count = %d after disconnect, want 0", h.Registry().Count())
	}
}
