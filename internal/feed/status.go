package feed

import (
	"encoding/json"
	"sync"
	"time"
)

// State is the connection lifecycle position of a Manager.
type State int

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
	StateStale
	StateReconnecting
	StateFailed
)

var stateNames = [...]string{
	StateDisconnected: "disconnected",
	StateConnecting:   "connecting",
	StateConnected:    "connected",
	StateStale:        "stale",
	StateReconnecting: "reconnecting",
	StateFailed:       "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

func (s State) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.String())
}

// Status is a point-in-time copy of the connection health.
type Status struct {
	State         State      `json:"state"`
	Attempts      int        `json:"attempts"`
	LastError     string     `json:"lastError,omitempty"`
	LastErrorAt   *time.Time `json:"lastErrorAt,omitempty"`
	ConnectedAt   *time.Time `json:"connectedAt,omitempty"`
	LastTrafficAt *time.Time `json:"lastTrafficAt,omitempty"`
	Failed        bool       `json:"failed"`
}

// health tracks connection state and the consecutive failure count.
// Run writes it from the connection goroutines while Status reads it from
// request handlers, so every field is guarded by mu.
type health struct {
	mu          sync.Mutex
	state       State
	attempts    int
	lastErr     string
	lastErrAt   time.Time
	connectedAt time.Time
	lastTraffic time.Time
}

func (h *health) setState(s State) Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = s
	return h.statusLocked()
}

func (h *health) recordConnected(now time.Time) Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state = StateConnected
	h.attempts = 0
	h.connectedAt = now
	h.lastTraffic = now
	return h.statusLocked()
}

// recordFailure counts a failed dial or a dropped connection and returns the
// new consecutive attempt count.
func (h *health) recordFailure(err error, now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts++
	if err != nil {
		h.lastErr = err.Error()
		h.lastErrAt = now
	}
	return h.attempts
}

// resetAttempts clears the backoff counter after a manual reconnect.
func (h *health) resetAttempts() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.attempts = 0
}

func (h *health) recordTraffic(now time.Time) {
	h.mu.Lock()
	h.lastTraffic = now
	h.mu.Unlock()
}

// stale reports whether no traffic was seen within after.
func (h *health) stale(now time.Time, after time.Duration) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return !h.lastTraffic.IsZero() && now.Sub(h.lastTraffic) > after
}

func (h *health) status() Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.statusLocked()
}

// statusLocked builds a Status. Caller must hold h.mu.
func (h *health) statusLocked() Status {
	st := Status{
		State:     h.state,
		Attempts:  h.attempts,
		LastError: h.lastErr,
		Failed:    h.state == StateFailed,
	}
	if !h.lastErrAt.IsZero() {
		t := h.lastErrAt
		st.LastErrorAt = &t
	}
	if h.state == StateConnected && !h.connectedAt.IsZero() {
		t := h.connectedAt
		st.ConnectedAt = &t
	}
	if !h.lastTraffic.IsZero() {
		t := h.lastTraffic
		st.LastTrafficAt = &t
	}
	return st
}
