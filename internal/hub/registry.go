// Package hub implements the broadcast hub: it accepts workflow lifecycle
// events from runner processes and fans them out to connected dashboard
// clients. The hub is a pure relay; no task or stage state lives here.
package hub

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Conn kinds
const (
	KindClient = "client"
	KindRunner = "runner"
)

// Conn represents one live WebSocket connection.
type Conn struct {
	ID        string
	Kind      string
	SessionID string // optional; groups tabs of the same logical user
	Socket    *websocket.Conn

	ConnectedAt   time.Time
	lastHeartbeat time.Time
	mu            sync.Mutex
	writeMu       sync.Mutex // protects Socket writes
}

// WriteMessage sends a message on the connection (thread-safe)
func (c *Conn) WriteMessage(messageType int, data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.Socket.WriteMessage(messageType, data)
}

// SetLastHeartbeat records the most recent pong (thread-safe)
func (c *Conn) SetLastHeartbeat(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lastHeartbeat = t
}

// LastHeartbeat returns the most recent pong time (thread-safe)
func (c *Conn) LastHeartbeat() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastHeartbeat
}

// Registry tracks live connections. Register, Unregister, and broadcast
// target selection are invoked from different connection goroutines, so all
// access is mutex-guarded.
type Registry struct {
	conns map[string]*Conn
	mu    sync.RWMutex
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Register adds a connection
func (r *Registry) Register(c *Conn) {
	r.mu.Lock()
	defer r.mu.Unlock()
	now := time.Now()
	c.ConnectedAt = now
	c.lastHeartbeat = now
	r.conns[c.ID] = c
}

// Unregister removes a connection by id
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// Get returns a connection by id
func (r *Registry) Get(id string) *Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.conns[id]
}

// Count returns the number of live connections
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}

// All returns every live connection
func (r *Registry) All() []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*Conn, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c)
	}
	return out
}

// OfKind returns live connections of the given kind
func (r *Registry) OfKind(kind string) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Conn
	for _, c := range r.conns {
		if c.Kind == kind {
			out = append(out, c)
		}
	}
	return out
}

// BroadcastTargets returns the client connections a broadcast should reach.
// With dedupBySession enabled, at most one connection per session id is
// selected (earliest-connected wins) so multiple tabs of the same user do
// not each re-emit the event; sessionless connections always receive.
func (r *Registry) BroadcastTargets(dedupBySession bool) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if !dedupBySession {
		var out []*Conn
		for _, c := range r.conns {
			if c.Kind == KindClient {
				out = append(out, c)
			}
		}
		return out
	}

	var out []*Conn
	perSession := make(map[string]*Conn)
	for _, c := range r.conns {
		if c.Kind != KindClient {
			continue
		}
		if c.SessionID == "" {
			out = append(out, c)
			continue
		}
		best, ok := perSession[c.SessionID]
		if !ok || c.ConnectedAt.Before(best.ConnectedAt) {
			perSession[c.SessionID] = c
		}
	}
	for _, c := range perSession {
		out = append(out, c)
	}
	return out
}

// Stale returns connections whose last heartbeat is older than timeout
func (r *Registry) Stale(timeout time.Duration, now time.Time) []*Conn {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*Conn
	for _, c := range r.conns {
		if now.Sub(c.LastHeartbeat()) > timeout {
			out = append(out, c)
		}
	}
	return out
}
