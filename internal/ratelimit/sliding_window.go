// Package ratelimit contains the rate limiting primitives used by the
// signaling server: a sliding-window message counter consulted before
// dispatching each inbound message, and a token bucket guarding the raw
// WebSocket read loop.
package ratelimit

import (
	"sync"
	"time"
)

const (
	// DefaultWindowLimit is the per-connection message cap within the window.
	DefaultWindowLimit = 100
	// DefaultWindow is the trailing window length.
	DefaultWindow = 60 * time.Second
)

// SlidingWindow admits at most limit events per trailing window. Entries
// older than the window are pruned before each check, so the retained
// timestamp list never exceeds limit entries.
type SlidingWindow struct {
	mu sync.Mutex

	clock  Clock
	limit  int
	window time.Duration

	// timestamps is ordered oldest-first.
	timestamps []time.Time
}

func NewSlidingWindow(clock Clock, limit int, window time.Duration) *SlidingWindow {
	if clock == nil {
		clock = RealClock{}
	}
	if limit <= 0 {
		limit = DefaultWindowLimit
	}
	if window <= 0 {
		window = DefaultWindow
	}
	return &SlidingWindow{
		clock:  clock,
		limit:  limit,
		window: window,
	}
}

// Allow records one event if the window has room and reports whether it was
// admitted.
func (w *SlidingWindow) Allow() bool {
	now := w.clock.Now()

	w.mu.Lock()
	defer w.mu.Unlock()

	w.pruneLocked(now)
	if len(w.timestamps) >= w.limit {
		return false
	}
	w.timestamps = append(w.timestamps, now)
	return true
}

func (w *SlidingWindow) pruneLocked(now time.Time) {
	cutoff := now.Add(-w.window)
	i := 0
	for i < len(w.timestamps) && w.timestamps[i].Before(cutoff) {
		i++
	}
	if i > 0 {
		w.timestamps = append(w.timestamps[:0], w.timestamps[i:]...)
	}
}

// ConnectionLimits owns one SlidingWindow per connection. Windows are created
// lazily on first use and must be removed when the connection closes.
type ConnectionLimits struct {
	mu sync.Mutex

	clock  Clock
	limit  int
	window time.Duration

	windows map[string]*SlidingWindow
}

func NewConnectionLimits(clock Clock, limit int, window time.Duration) *ConnectionLimits {
	if clock == nil {
		clock = RealClock{}
	}
	return &ConnectionLimits{
		clock:   clock,
		limit:   limit,
		window:  window,
		windows: make(map[string]*SlidingWindow),
	}
}

// Allow checks the window for connectionID, creating it if absent.
func (l *ConnectionLimits) Allow(connectionID string) bool {
	l.mu.Lock()
	w, ok := l.windows[connectionID]
	if !ok {
		w = NewSlidingWindow(l.clock, l.limit, l.window)
		l.windows[connectionID] = w
	}
	l.mu.Unlock()

	return w.Allow()
}

// Remove drops the window for a closed connection.
func (l *ConnectionLimits) Remove(connectionID string) {
	l.mu.Lock()
	delete(l.windows, connectionID)
	l.mu.Unlock()
}
