package ws

import (
	"github.com/astro-dash/backend/internal/engine"
	"github.com/astro-dash/backend/internal/session"
)

type MessageType string

const (
	MsgSnapshot MessageType = "snapshot"
	MsgEvent    MessageType = "event"
	MsgStatus   MessageType = "status"
	MsgError    MessageType = "error"
)

type WSMessage struct {
	Type    MessageType `json:"type"`
	Payload interface{} `json:"payload"`
}

// SnapshotPayload carries both projections so old and new widgets can read
// the same frame.
type SnapshotPayload struct {
	Legacy   session.LegacyView   `json:"legacy"`
	Enhanced session.EnhancedView `json:"enhanced"`
}

type EventPayload struct {
	session.ClassifiedEvent
}

type StatusPayload struct {
	engine.Status
	Clients int `json:"clients"`
}

type ErrorPayload struct {
	Message string `json:"message"`
}
