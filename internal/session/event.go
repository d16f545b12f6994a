package session

import (
	"strings"
	"time"
)

// Event is a single occurrence reported by the equipment-control
// application. Events are immutable once recorded; Time is the ordering key.
type Event struct {
	Tag     string         `json:"tag"`
	Time    time.Time      `json:"time"`
	Payload map[string]any `json:"payload,omitempty"`
}

// eventKey identifies logically identical events for deduplication.
type eventKey struct {
	tag  string
	nano int64
}

func (e Event) key() eventKey {
	return eventKey{tag: e.Tag, nano: e.Time.UnixNano()}
}

// NormalizeTime strips the monotonic reading and converts to UTC so that
// identical instants compare equal regardless of how they were produced.
func NormalizeTime(t time.Time) time.Time {
	return t.Round(0).UTC()
}

// NewEvent builds an event with a normalized time.
func NewEvent(tag string, t time.Time, payload map[string]any) Event {
	return Event{Tag: tag, Time: NormalizeTime(t), Payload: payload}
}

// String returns the string field at the dotted path (e.g. "New.Name").
func (e Event) String(path string) (string, bool) {
	v, ok := e.lookup(path)
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// Float returns the numeric field at the dotted path.
func (e Event) Float(path string) (float64, bool) {
	v, ok := e.lookup(path)
	if !ok {
		return 0, false
	}
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// Bool returns the boolean field at the dotted path.
func (e Event) Bool(path string) (bool, bool) {
	v, ok := e.lookup(path)
	if !ok {
		return false, false
	}
	b, ok := v.(bool)
	return b, ok
}

func (e Event) lookup(path string) (any, bool) {
	var cur any = e.Payload
	for _, part := range strings.Split(path, ".") {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = m[part]
		if !ok {
			return nil, false
		}
	}
	return cur, cur != nil
}
