package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/flowdeck/flowdeck/internal/relayprotocol"
)

// Config configures the hub
type Config struct {
	Host              string
	Port              int
	HeartbeatInterval time.Duration
	HeartbeatTimeout  time.Duration
	DedupBySession    bool
}

// writeWait is time allowed to write a control message
const writeWait = 10 * time.Second

// Hub relays workflow events between runner processes and dashboard clients
type Hub struct {
	config   Config
	registry *Registry
	upgrader websocket.Upgrader
	server   *http.Server
}

// New creates a hub with the given config. Zero heartbeat values fall back
// to 30s pings and a 5m eviction timeout.
func New(config Config) *Hub {
	if config.HeartbeatInterval == 0 {
		config.HeartbeatInterval = 30 * time.Second
	}
	if config.HeartbeatTimeout == 0 {
		config.HeartbeatTimeout = 5 * time.Minute
	}

	return &Hub{
		config:   config,
		registry: NewRegistry(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Registry returns the connection registry
func (h *Hub) Registry() *Registry {
	return h.registry
}

// Handler returns the hub's HTTP routes
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.HandleClientWS)
	mux.HandleFunc("/ws/ingest", h.HandleRunnerWS)
	mux.HandleFunc("/events", h.HandleEvents)
	mux.HandleFunc("/status", h.HandleStatus)
	return mux
}

// Start starts the hub server and heartbeat loop
func (h *Hub) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", h.config.Host, h.config.Port)
	h.server = &http.Server{Addr: addr, Handler: h.Handler()}

	go h.heartbeatLoop(ctx)

	log.Printf("hub listening on %s", addr)
	return h.server.ListenAndServe()
}

// Stop stops the hub server
func (h *Hub) Stop() error {
	if h.server != nil {
		return h.server.Close()
	}
	return nil
}

// HandleClientWS upgrades a dashboard client connection
func (h *Hub) HandleClientWS(w http.ResponseWriter, r *http.Request) {
	h.handleUpgrade(w, r, KindClient)
}

// HandleRunnerWS upgrades a workflow-runner connection
func (h *Hub) HandleRunnerWS(w http.ResponseWriter, r *http.Request) {
	h.handleUpgrade(w, r, KindRunner)
}

func (h *Hub) handleUpgrade(w http.ResponseWriter, r *http.Request, kind string) {
	socket, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("upgrade failed: %v", err)
		return
	}

	conn := &Conn{
		ID:        uuid.NewString(),
		Kind:      kind,
		SessionID: r.URL.Query().Get("session"),
		Socket:    socket,
	}
	h.registry.Register(conn)
	log.Printf("%s connected (id=%s session=%q), %d live", kind, conn.ID, conn.SessionID, h.registry.Count())

	go h.readLoop(conn)
}

func (h *Hub) readLoop(conn *Conn) {
	defer func() {
		conn.Socket.Close()
		h.registry.Unregister(conn.ID)
		log.Printf("%s disconnected (id=%s), %d live", conn.Kind, conn.ID, h.registry.Count())
	}()

	conn.Socket.SetReadDeadline(time.Now().Add(h.config.HeartbeatTimeout))
	conn.Socket.SetPongHandler(func(string) error {
		conn.SetLastHeartbeat(time.Now())
		conn.Socket.SetReadDeadline(time.Now().Add(h.config.HeartbeatTimeout))
		return nil
	})

	for {
		_, message, err := conn.Socket.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Printf("read error on %s %s: %v", conn.Kind, conn.ID, err)
			}
			return
		}

		// Any traffic proves liveness
		conn.SetLastHeartbeat(time.Now())
		conn.Socket.SetReadDeadline(time.Now().Add(h.config.HeartbeatTimeout))

		h.route(conn, message)
	}
}

// route relays one inbound message. Validation failures drop the message
// and leave the connection open.
func (h *Hub) route(conn *Conn, message []byte) {
	var env relayprotocol.EnvelopeRaw
	if err := json.Unmarshal(message, &env); err != nil {
		log.Printf("invalid message from %s %s: %v", conn.Kind, conn.ID, err)
		return
	}
	if !relayprotocol.KnownType(env.Type) {
		log.Printf("unknown message type %q from %s %s, dropping", env.Type, conn.Kind, conn.ID)
		return
	}

	switch env.Type {
	case relayprotocol.TypePing:
		// Legacy application-level ping; answer in kind.
		if data, err := relayprotocol.MarshalEnvelope(relayprotocol.TypePong, nil); err == nil {
			h.writeTo(conn, data)
		}
	case relayprotocol.TypePong:
		// Liveness already recorded above.
	case relayprotocol.TypeTriggerWorkflow:
		h.relayToRunners(message)
	default:
		// status_update, workflow_log, trigger_response, error: fan out to
		// dashboard clients unmodified.
		h.Broadcast(message)
	}
}

// Broadcast sends the raw envelope to every connected dashboard client, or
// one per session under the dedup policy. A write failure to one connection
// never blocks delivery to the others.
func (h *Hub) Broadcast(message []byte) {
	for _, c := range h.registry.BroadcastTargets(h.config.DedupBySession) {
		h.writeTo(c, message)
	}
}

// relayToRunners forwards trigger requests to runner connections
func (h *Hub) relayToRunners(message []byte) {
	for _, c := range h.registry.OfKind(KindRunner) {
		h.writeTo(c, message)
	}
}

func (h *Hub) writeTo(c *Conn, message []byte) {
	if err := c.WriteMessage(websocket.TextMessage, message); err != nil {
		log.Printf("write to %s %s failed, dropping connection: %v", c.Kind, c.ID, err)
		c.Socket.Close()
		h.registry.Unregister(c.ID)
	}
}

// HandleEvents is the HTTP ingress for runner processes (POST /events).
// The event is broadcast with the envelope unmodified.
func (h *Hub) HandleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var env relayprotocol.EnvelopeRaw
	if err := json.NewDecoder(r.Body).Decode(&env); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	// The HTTP ingress carries workflow events only; control traffic
	// (ping/pong) and trigger relay belong to the socket endpoints, where
	// route dispatches them to the right peers.
	switch env.Type {
	case relayprotocol.TypeStatusUpdate, relayprotocol.TypeWorkflowLog,
		relayprotocol.TypeTriggerResponse, relayprotocol.TypeError:
	default:
		http.Error(w, fmt.Sprintf("message type %q not accepted on this ingress", env.Type), http.StatusBadRequest)
		return
	}

	data, err := json.Marshal(env)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	h.Broadcast(data)
	w.WriteHeader(http.StatusAccepted)
}

// HandleStatus returns hub connection stats
func (h *Hub) HandleStatus(w http.ResponseWriter, r *http.Request) {
	conns := []map[string]interface{}{}
	for _, c := range h.registry.All() {
		conns = append(conns, map[string]interface{}{
			"id":              c.ID,
			"kind":            c.Kind,
			"session":         c.SessionID,
			"connected_since": c.ConnectedAt.Format(time.RFC3339),
		})
	}

	status := map[string]interface{}{
		"connections":      conns,
		"dedup_by_session": h.config.DedupBySession,
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(status)
}

func (h *Hub) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(h.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			h.sendHeartbeats()
			h.evictStale()
		}
	}
}

func (h *Hub) sendHeartbeats() {
	for _, c := range h.registry.All() {
		// Protocol-level ping, not an application message: heartbeats stay
		// out of the event stream and out of application logs.
		c.writeMu.Lock()
		c.Socket.SetWriteDeadline(time.Now().Add(writeWait))
		err := c.Socket.WriteMessage(websocket.PingMessage, nil)
		c.Socket.SetWriteDeadline(time.Time{})
		c.writeMu.Unlock()

		if err != nil {
			c.Socket.Close()
			h.registry.Unregister(c.ID)
		}
	}
}

// evictStale proactively drops connections that have missed heartbeats past
// the timeout instead of waiting for a failed write.
func (h *Hub) evictStale() {
	for _, c := range h.registry.Stale(h.config.HeartbeatTimeout, time.Now()) {
		log.Printf("evicting %s %s: no heartbeat for %v", c.Kind, c.ID, h.config.HeartbeatTimeout)
		c.Socket.Close()
		h.registry.Unregister(c.ID)
	}
}
