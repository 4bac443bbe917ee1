// Package transport maintains one logical connection to the broadcast hub
// with automatic reconnection, and exposes a typed publish/subscribe surface
// to the rest of the client.
package transport

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/flowdeck/flowdeck/internal/relayprotocol"
)

// Backoff constants for reconnection
const (
	initialBackoff = 1 * time.Second
	maxBackoff     = 60 * time.Second
	backoffFactor  = 2
)

// calculateBackoff returns the delay for a given attempt number using exponential backoff
func calculateBackoff(attempt int) time.Duration {
	delay := initialBackoff
	for i := 0; i < attempt; i++ {
		delay *= backoffFactor
		if delay > maxBackoff {
			return maxBackoff
		}
	}
	return delay
}

// Connection states surfaced to callers
type State string

const (
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateDisconnected State = "disconnected"
	StateFailed       State = "failed"
)

// Local event names synthesized by the transport, alongside the wire types.
const (
	EventConnect    = "connect"
	EventDisconnect = "disconnect"
	EventError      = "error"
)

// pongWait is how long we wait for a pong before the connection is
// considered dead
const pongWait = 90 * time.Second

// pingPeriod must be shorter than pongWait
const pingPeriod = 30 * time.Second

// writeWait is time allowed for a single write
const writeWait = 10 * time.Second

// defaultSendBuffer bounds outbound application messages queued while
// disconnected
const defaultSendBuffer = 64

// Config configures the transport client
type Config struct {
	ServerURL string
	// SessionID groups connections of the same logical user for the hub's
	// per-session broadcast dedup.
	SessionID string
	// MaxAttempts bounds reconnection attempts; 0 means retry forever.
	MaxAttempts int
	// SendBuffer bounds messages queued while disconnected.
	SendBuffer int
}

// Validate checks the config is valid
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return fmt.Errorf("server_url is required")
	}
	return nil
}

// Client is a reconnecting WebSocket client for the broadcast hub.
type Client struct {
	config Config
	subs   *subscriptionRegistry

	mu      sync.Mutex
	conn    *websocket.Conn
	state   State
	writeMu sync.Mutex // serializes data-frame writes

	outbox chan []byte

	// Initialization flag: guards Start so a reconnect cycle after Close
	// cannot stack a second run loop (and with it, duplicate dispatch).
	started bool

	ctx    context.Context
	cancel context.CancelFunc
}

// NewClient creates a transport client
func NewClient(config Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.SendBuffer <= 0 {
		config.SendBuffer = defaultSendBuffer
	}

	return &Client{
		config: config,
		subs:   newSubscriptionRegistry(),
		state:  StateDisconnected,
		outbox: make(chan []byte, config.SendBuffer),
	}, nil
}

// State returns the current connection state
func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Client) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

// Subscribe registers a handler for an event type. Registering the
// identical handler for the identical event type again is a no-op that
// returns the existing subscription, so callers re-running their setup do
// not multiply deliveries.
func (c *Client) Subscribe(eventType string, h Handler) *Subscription {
	return c.subs.add(eventType, h)
}

// Unsubscribe removes a subscription obtained from Subscribe.
func (c *Client) Unsubscribe(sub *Subscription) {
	c.subs.remove(sub)
}

// Send queues an application message. When connected it is written
// immediately; while disconnected it is buffered up to the configured
// bound and flushed on reconnect. Returns an error when the buffer is full.
func (c *Client) Send(msgType string, data interface{}) error {
	payload, err := relayprotocol.MarshalEnvelope(msgType, data)
	if err != nil {
		return err
	}

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()

	if conn != nil {
		if err := c.write(conn, payload); err == nil {
			return nil
		}
		// Write failed; fall through to the buffer and let the run loop
		// handle the reconnect.
	}

	select {
	case c.outbox <- payload:
		return nil
	default:
		return fmt.Errorf("send buffer full, dropping %s", msgType)
	}
}

// Start runs the connect/read/reconnect loop until ctx is canceled, Close
// is called, or the attempt bound is exhausted. It is a no-op when already
// started.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil
	}
	c.started = true
	c.ctx, c.cancel = context.WithCancel(ctx)
	c.mu.Unlock()

	go c.run(c.ctx)
	return nil
}

// Close stops the heartbeat and run loop, drops the connection, and resets
// the initialization flag so a later Start begins cleanly without
// accumulating loops or listeners.
func (c *Client) Close() {
	c.mu.Lock()
	if !c.started {
		c.mu.Unlock()
		return
	}
	c.started = false
	cancel := c.cancel
	conn := c.conn
	c.conn = nil
	c.state = StateDisconnected
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if conn != nil {
		conn.Close()
	}
}

// run owns one connect/read/reconnect cycle. It holds its spawning context
// so a Close followed by a fresh Start cannot hand it a new lifetime.
func (c *Client) run(ctx context.Context) {
	attempt := 0

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		c.setState(StateConnecting)
		conn, err := c.dial()
		if err != nil {
			attempt++
			if c.config.MaxAttempts > 0 && attempt >= c.config.MaxAttempts {
				log.Printf("transport: giving up after %d attempts: %v", attempt, err)
				c.setState(StateFailed)
				c.emitLocal(EventError, map[string]string{"message": err.Error()})
				return
			}

			delay := calculateBackoff(attempt)
			log.Printf("transport: connect failed: %v, retrying in %v", err, delay)

			select {
			case <-ctx.Done():
				return
			case <-time.After(delay):
				continue
			}
		}

		// Connected - reset backoff
		attempt = 0
		c.mu.Lock()
		c.conn = conn
		c.state = StateConnected
		c.mu.Unlock()

		log.Printf("transport: connected to %s", c.config.ServerURL)
		c.emitLocal(EventConnect, nil)
		c.flushOutbox(conn)

		heartbeatDone := make(chan struct{})
		go c.heartbeat(ctx, conn, heartbeatDone)

		err = c.readLoop(ctx, conn)
		close(heartbeatDone)

		c.mu.Lock()
		if c.conn == conn {
			c.conn = nil
		}
		c.state = StateDisconnected
		c.mu.Unlock()
		conn.Close()

		select {
		case <-ctx.Done():
			return
		default:
		}

		if err != nil {
			log.Printf("transport: disconnected: %v", err)
		}
		c.emitLocal(EventDisconnect, nil)
	}
}

func (c *Client) dial() (*websocket.Conn, error) {
	addr := c.config.ServerURL
	if c.config.SessionID != "" {
		addr += "?session=" + url.QueryEscape(c.config.SessionID)
	}
	conn, _, err := websocket.DefaultDialer.Dial(addr, nil)
	if err != nil {
		return nil, fmt.Errorf("dial failed: %w", err)
	}

	conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		// Liveness only; heartbeats stay out of application logs.
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})
	conn.SetPingHandler(func(appData string) error {
		conn.SetReadDeadline(time.Now().Add(pongWait))
		return conn.WriteControl(websocket.PongMessage, []byte(appData), time.Now().Add(writeWait))
	})

	return conn, nil
}

// heartbeat sends protocol-level pings until the connection goes away.
// Heartbeats are never buffered and never appear in the event stream.
func (c *Client) heartbeat(ctx context.Context, conn *websocket.Conn, done <-chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (c *Client) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_, message, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		conn.SetReadDeadline(time.Now().Add(pongWait))

		var env relayprotocol.EnvelopeRaw
		if err := json.Unmarshal(message, &env); err != nil {
			log.Printf("transport: invalid message: %v", err)
			continue
		}

		switch env.Type {
		case relayprotocol.TypePing:
			// Legacy application-level ping; answer quietly.
			if data, err := relayprotocol.MarshalEnvelope(relayprotocol.TypePong, nil); err == nil {
				c.write(conn, data)
			}
		case relayprotocol.TypePong:
			// Liveness only.
		default:
			if !relayprotocol.KnownType(env.Type) {
				log.Printf("transport: unknown message type %q, dropping", env.Type)
				continue
			}
			c.subs.dispatch(env.Type, env.Data)
		}
	}
}

func (c *Client) write(conn *websocket.Conn, payload []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	return conn.WriteMessage(websocket.TextMessage, payload)
}

func (c *Client) flushOutbox(conn *websocket.Conn) {
	for {
		select {
		case payload := <-c.outbox:
			if err := c.write(conn, payload); err != nil {
				log.Printf("transport: flush failed: %v", err)
				return
			}
		default:
			return
		}
	}
}

func (c *Client) emitLocal(eventType string, payload interface{}) {
	var data json.RawMessage
	if payload != nil {
		data, _ = json.Marshal(payload)
	}
	c.subs.dispatch(eventType, data)
}
