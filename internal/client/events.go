// Package client is the client-side reconciliation layer: it merges REST
// history with live realtime events into a deduplicated, ordered view of one
// conversation, tracks typing and read state, throttles background polls and
// keeps the realtime socket connected.
package client

import (
	"github.com/kindred/chat-relay/internal/chat"
)

// EventKind identifies an Event published on the session bus.
type EventKind string

const (
	EventConnected      EventKind = "connected"
	EventConnectionLost EventKind = "connection_lost"
	EventReconnected    EventKind = "reconnected"
	EventJoined         EventKind = "joined"
	EventLeft           EventKind = "left"
	EventMessage        EventKind = "message"
	EventMessageSent    EventKind = "message_sent"
	EventTyping         EventKind = "typing"
	EventRead           EventKind = "read"
	EventNotification   EventKind = "notification"
	EventError          EventKind = "error"
)

// Event is a decoded realtime event or a transport state change.
type Event struct {
	Kind    EventKind
	MatchID string
	// UserID is the typing user for EventTyping and the reader for EventRead.
	UserID       string
	IsTyping     bool
	TempID       string
	Message      *chat.Message
	Notification *chat.Notification
	// Code is the wire error code for EventError.
	Code string
	Err  error
}
