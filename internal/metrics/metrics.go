// Package metrics provides a minimal, concurrency-safe counter registry for
// signaling events, exposed in Prometheus text format by PrometheusHandler.
package metrics

import "sync"

// Event counter names.
const (
	AuthFailure       = "auth_failure"
	RateLimited       = "rate_limited"
	MalformedMessage  = "malformed_message"
	HandlerError      = "handler_error"
	RoomJoin          = "room_join"
	RoomLeave         = "room_leave"
	RoomClosed        = "room_closed"
	SignalRelayed     = "signal_relayed"
	ChatRelayed       = "chat_relayed"
	ReactionRelayed   = "reaction_relayed"
	PersistenceError  = "persistence_error"
	ConnectionsOpened = "connections_opened"
	ConnectionsClosed = "connections_closed"
)

type Metrics struct {
	mu sync.Mutex
	m  map[string]uint64
}

func New() *Metrics {
	return &Metrics{
		m: make(map[string]uint64),
	}
}

func (m *Metrics) Inc(name string) {
	if m == nil {
		return
	}
	m.mu.Lock()
	m.m[name]++
	m.mu.Unlock()
}

func (m *Metrics) Get(name string) uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.m[name]
}

// Snapshot copies the current counter values.
func (m *Metrics) Snapshot() map[string]uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]uint64, len(m.m))
	for k, v := range m.m {
		out[k] = v
	}
	return out
}
