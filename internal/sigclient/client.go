// Package sigclient maintains a client's single connection to the signaling
// server: it reconnects with exponential backoff after unexpected drops,
// queues outbound messages while disconnected, and emits connection-state
// transitions to observers.
package sigclient

import (
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/parlorchat/parlor/internal/protocol"
)

// State is the observable connection state. failed is terminal: the retry
// budget is exhausted and no further attempts are made.
type State string

const (
	StateDisconnected State = "disconnected"
	StateConnecting   State = "connecting"
	StateConnected    State = "connected"
	StateReconnecting State = "reconnecting"
	StateFailed       State = "failed"
)

const (
	DefaultBackoffBase       = 1 * time.Second
	DefaultBackoffCap        = 30 * time.Second
	DefaultMaxAttempts       = 10
	DefaultHeartbeatInterval = 30 * time.Second

	writeWait = 5 * time.Second
)

var ErrClosed = errors.New("sigclient: closed")

// Handler observes inbound server messages. Handlers run on the read loop;
// they must not block.
type Handler func(msg protocol.ServerMessage)

// Wildcard subscribes a handler to every message type.
const Wildcard protocol.MessageType = "*"

type Options struct {
	// URL is the full WebSocket URL including the token query parameter.
	URL    string
	Logger *slog.Logger
	Dialer *websocket.Dialer

	BackoffBase       time.Duration
	BackoffCap        time.Duration
	MaxAttempts       int
	HeartbeatInterval time.Duration
}

func (o Options) withDefaults() Options {
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
	if o.Dialer == nil {
		o.Dialer = websocket.DefaultDialer
	}
	if o.BackoffBase <= 0 {
		o.BackoffBase = DefaultBackoffBase
	}
	if o.BackoffCap <= 0 {
		o.BackoffCap = DefaultBackoffCap
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = DefaultMaxAttempts
	}
	if o.HeartbeatInterval <= 0 {
		o.HeartbeatInterval = DefaultHeartbeatInterval
	}
	return o
}

// Client owns at most one live transport at a time. All state is guarded by
// mu; the reconnect timer is the only scheduled work and is cancelled on any
// transition that invalidates it.
type Client struct {
	opts Options
	log  *slog.Logger

	mu             sync.Mutex
	state          State
	ws             *websocket.Conn
	attempts       int
	queue          [][]byte
	handlers       map[protocol.MessageType][]Handler
	stateObservers []func(State)
	reconnectTimer *time.Timer
	heartbeatStop  chan struct{}
	closed         bool
	// generation invalidates read loops and heartbeats from a previous
	// transport after a reconnect.
	generation int
}

func New(opts Options) *Client {
	opts = opts.withDefaults()
	return &Client{
		opts:     opts,
		log:      opts.Logger,
		state:    StateDisconnected,
		handlers: make(map[protocol.MessageType][]Handler),
	}
}

// On registers a handler for one message type (or Wildcard for all).
func (c *Client) On(t protocol.MessageType, h Handler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.handlers[t] = append(c.handlers[t], h)
}

// OnStateChange registers an observer for connection-state transitions.
func (c *Client) OnStateChange(fn func(State)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateObservers = append(c.stateObservers, fn)
}

func (c *Client) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Connect starts the transport. It is a no-op while already connected,
// connecting, or waiting on a scheduled reconnect.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	switch c.state {
	case StateConnected, StateConnecting, StateReconnecting:
		c.mu.Unlock()
		return nil
	}
	c.setStateLocked(StateConnecting)
	c.mu.Unlock()

	c.dial()
	return nil
}

// dial attempts one connection. On failure it schedules the next retry; on
// success it resets the attempt counter and flushes the outbound queue in
// FIFO order.
func (c *Client) dial() {
	ws, _, err := c.opts.Dialer.Dial(c.opts.URL, nil)

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		if ws != nil {
			ws.Close()
		}
		return
	}
	if err != nil {
		c.log.Warn("signaling dial failed", slog.Int("attempt", c.attempts), slog.Any("error", err))
		c.scheduleReconnectLocked()
		c.mu.Unlock()
		return
	}

	c.ws = ws
	c.attempts = 0
	c.generation++
	gen := c.generation

	queued := c.queue
	c.queue = nil
	c.mu.Unlock()

	// The state is still connecting while the backlog drains, so concurrent
	// Sends append behind it and enqueue order holds end to end.
	for i, payload := range queued {
		if err := c.writePayload(ws, payload); err != nil {
			c.log.Warn("flush queued message", slog.Any("error", err))
			c.mu.Lock()
			if !c.closed && gen == c.generation {
				c.queue = append(queued[i:], c.queue...)
				c.ws = nil
				c.scheduleReconnectLocked()
			}
			c.mu.Unlock()
			ws.Close()
			return
		}
	}

	c.mu.Lock()
	if c.closed || gen != c.generation {
		c.mu.Unlock()
		ws.Close()
		return
	}
	c.setStateLocked(StateConnected)
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	go c.readLoop(ws, gen)
	go c.heartbeat(ws, stop)
}

func (c *Client) readLoop(ws *websocket.Conn, gen int) {
	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			c.handleTransportLoss(ws, gen)
			return
		}
		var msg protocol.ServerMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			c.log.Warn("decode server message", slog.Any("error", err))
			continue
		}
		c.dispatch(msg)
	}
}

func (c *Client) dispatch(msg protocol.ServerMessage) {
	c.mu.Lock()
	handlers := append([]Handler(nil), c.handlers[msg.Type]...)
	handlers = append(handlers, c.handlers[Wildcard]...)
	c.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

// handleTransportLoss reacts to an unexpected closure of the given transport
// generation. Losses reported by stale generations are ignored.
func (c *Client) handleTransportLoss(ws *websocket.Conn, gen int) {
	ws.Close()

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed || gen != c.generation {
		return
	}
	c.ws = nil
	c.stopHeartbeatLocked()
	c.scheduleReconnectLocked()
}

// scheduleReconnectLocked arms the backoff timer for the next attempt, or
// transitions to the terminal failed state once the budget is spent.
func (c *Client) scheduleReconnectLocked() {
	if c.attempts >= c.opts.MaxAttempts {
		c.log.Error("reconnect budget exhausted", slog.Int("attempts", c.attempts))
		c.setStateLocked(StateFailed)
		return
	}
	delay := backoffDelay(c.attempts, c.opts.BackoffBase, c.opts.BackoffCap)
	c.attempts++
	c.setStateLocked(StateReconnecting)
	c.log.Info("scheduling reconnect",
		slog.Int("attempt", c.attempts),
		slog.Duration("delay", delay))

	c.reconnectTimer = time.AfterFunc(delay, func() {
		c.mu.Lock()
		if c.closed || c.state != StateReconnecting {
			c.mu.Unlock()
			return
		}
		c.setStateLocked(StateConnecting)
		c.mu.Unlock()
		c.dial()
	})
}

// backoffDelay is the reconnect schedule: min(base << attempt, cap).
func backoffDelay(attempt int, base, cap time.Duration) time.Duration {
	if attempt > 62 {
		return cap
	}
	d := base << uint(attempt)
	if d <= 0 || d > cap {
		return cap
	}
	return d
}

// Send transmits the message, or appends it to the outbound queue when no
// transport is up. Queued messages are delivered in enqueue order on the
// next successful connect.
func (c *Client) Send(msg protocol.ClientMessage) error {
	payload, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state != StateConnected || c.ws == nil {
		c.queue = append(c.queue, payload)
		c.mu.Unlock()
		return nil
	}
	ws := c.ws
	c.mu.Unlock()

	return c.writePayload(ws, payload)
}

func (c *Client) writePayload(ws *websocket.Conn, payload []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	_ = ws.SetWriteDeadline(time.Now().Add(writeWait))
	return ws.WriteMessage(websocket.TextMessage, payload)
}

// heartbeat sends a ping on a fixed interval while the transport is up, as a
// liveness check only.
func (c *Client) heartbeat(ws *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.opts.HeartbeatInterval)
	defer ticker.Stop()
	payload, _ := json.Marshal(protocol.ClientMessage{Type: protocol.TypePing})
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if err := c.writePayload(ws, payload); err != nil {
				return
			}
		}
	}
}

func (c *Client) stopHeartbeatLocked() {
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
}

// Close tears the client down for good: no reconnect is scheduled and any
// pending backoff timer is cancelled. Idempotent.
func (c *Client) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	if c.reconnectTimer != nil {
		c.reconnectTimer.Stop()
		c.reconnectTimer = nil
	}
	c.stopHeartbeatLocked()
	ws := c.ws
	c.ws = nil
	c.setStateLocked(StateDisconnected)
	c.mu.Unlock()

	if ws != nil {
		return ws.Close()
	}
	return nil
}

func (c *Client) setStateLocked(s State) {
	if c.state == s {
		return
	}
	c.state = s
	observers := append([]func(State){}, c.stateObservers...)
	go func() {
		for _, fn := range observers {
			fn(s)
		}
	}()
}
