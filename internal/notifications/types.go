// Package notifications fans out connection status changes to live
// subscribers such as the websocket status stream.
package notifications

import (
	"time"

	"github.com/quantumlife/labcal/internal/core"
)

// EventType represents the kind of status event
type EventType string

const (
	EventLinked            EventType = "connection.linked"
	EventUnlinked          EventType = "connection.unlinked"
	EventReconnectRequired EventType = "connection.reconnect_required"
	EventSyncCompleted     EventType = "sync.completed"
	EventSyncFailed        EventType = "sync.failed"
)

// Event is one status change of a calendar connection
type Event struct {
	ID           string                `json:"id"`
	Type         EventType             `json:"type"`
	UserID       string                `json:"user_id"`
	ConnectionID string                `json:"connection_id"`
	Status       core.ConnectionStatus `json:"status"`
	Degraded     bool                  `json:"degraded"`
	Message      string                `json:"message,omitempty"`
	CreatedAt    time.Time             `json:"created_at"`
}

// Filter for querying recent events
type Filter struct {
	UserID       string
	ConnectionID string
	Type         EventType
	Limit        int
}

// WebSocketMessage for real-time delivery
type WebSocketMessage struct {
	Type    string `json:"type"`
	Payload Event  `json:"payload"`
}
