// Package protocol defines the realtime event contract between chat clients
// and the relay. All events are JSON objects with a "type" discriminator and
// camelCase payload fields.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/kindred/chat-relay/internal/chat"
)

// ---------------------------------------------------------------------------
// Event type constants
// ---------------------------------------------------------------------------

// Client -> Server event types.
const (
	TypeJoinMatch        = "join_match"
	TypeLeaveMatch       = "leave_match"
	TypeSendMessage      = "send_message"
	TypeTypingStart      = "typing_start"
	TypeTypingStop       = "typing_stop"
	TypeMarkMessagesRead = "mark_messages_read"
	TypePing             = "ping"
)

// Server -> Client event types.
const (
	TypeConnected           = "connected"
	TypeMatchJoined         = "match_joined"
	TypeMatchLeft           = "match_left"
	TypeNewMessage          = "new_message"
	TypeMessageSent         = "message_sent"
	TypeUserTyping          = "user_typing"
	TypeMessagesRead        = "messages_read"
	TypeMatchNotification   = "matchNotification"
	TypeMessageNotification = "messageNotification"
	TypeError               = "error"
	TypePong                = "pong"
)

// Error codes carried by ErrorMsg.
const (
	CodeParseError      = "parse_error"
	CodeUnsupportedType = "unsupported_type"
	CodeUnauthorized    = "unauthorized"
	CodeInvalidContent  = "invalid_content"
	CodeRateLimited     = "rate_limited"
	CodeInternal        = "internal"
)

var (
	// ErrMissingMatchID is returned for match-scoped events without a matchId.
	ErrMissingMatchID = errors.New("protocol: missing matchId")
	// ErrUnknownType is returned for events with an unrecognised type.
	ErrUnknownType = errors.New("protocol: unknown message type")
)

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the event type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the rest of the payload can be decoded later.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Client -> Server event structs
// ---------------------------------------------------------------------------

// JoinMatchMsg subscribes the connection to a match channel.
type JoinMatchMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"matchId"`
}

// LeaveMatchMsg unsubscribes the connection from a match channel.
type LeaveMatchMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"matchId"`
}

// SendMessageMsg asks the relay to persist and fan out a message. TempID is
// an optional client-side correlation id echoed in message_sent.
type SendMessageMsg struct {
	Type        string           `json:"type"`
	MatchID     string           `json:"matchId"`
	Content     string           `json:"content"`
	MessageType chat.MessageType `json:"messageType,omitempty"`
	TempID      string           `json:"tempId,omitempty"`
}

// TypingMsg is used for both typing_start and typing_stop.
type TypingMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"matchId"`
}

// MarkReadMsg marks the partner's messages in a match as read.
type MarkReadMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"matchId"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client event structs
// ---------------------------------------------------------------------------

// ConnectedMsg is sent once the authenticated handshake completes.
type ConnectedMsg struct {
	Type         string `json:"type"`
	ConnectionID string `json:"connectionId"`
	UserID       string `json:"userId"`
}

// MatchJoinedMsg acknowledges join_match.
type MatchJoinedMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"matchId"`
}

// MatchLeftMsg acknowledges leave_match.
type MatchLeftMsg struct {
	Type    string `json:"type"`
	MatchID string `json:"matchId"`
}

// NewMessageMsg delivers a persisted message to every joined connection.
type NewMessageMsg struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
	MatchID string       `json:"matchId"`
}

// MessageSentMsg acknowledges send_message to the originating connection.
type MessageSentMsg struct {
	Type    string       `json:"type"`
	Message chat.Message `json:"message"`
	MatchID string       `json:"matchId"`
	TempID  string       `json:"tempId,omitempty"`
}

// UserTypingMsg relays a typing signal.
type UserTypingMsg struct {
	Type     string `json:"type"`
	UserID   string `json:"userId"`
	MatchID  string `json:"matchId"`
	IsTyping bool   `json:"isTyping"`
}

// MessagesReadMsg tells the sender their messages were read.
type MessagesReadMsg struct {
	Type     string `json:"type"`
	MatchID  string `json:"matchId"`
	ReaderID string `json:"readerId"`
}

// NotificationMsg carries a matchNotification or messageNotification.
type NotificationMsg struct {
	Type         string            `json:"type"`
	Notification chat.Notification `json:"notification"`
}

// ErrorMsg is sent only to the connection whose event failed.
type ErrorMsg struct {
	Type       string `json:"type"`
	Code       string `json:"code"`
	Message    string `json:"message"`
	Event      string `json:"event,omitempty"`
	MatchID    string `json:"matchId,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"` // seconds
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client event.
// It returns the event type, the decoded struct and any parse error. Unknown
// types and match-scoped events without a matchId are errors.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg     interface{}
		matchID string
		err     error
	)

	switch env.Type {
	case TypeJoinMatch:
		var m JoinMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg, matchID = m, m.MatchID
	case TypeLeaveMatch:
		var m LeaveMatchMsg
		err = json.Unmarshal(env.Raw, &m)
		msg, matchID = m, m.MatchID
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg, matchID = m, m.MatchID
	case TypeTypingStart, TypeTypingStop:
		var m TypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg, matchID = m, m.MatchID
	case TypeMarkMessagesRead:
		var m MarkReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg, matchID = m, m.MatchID
	case TypePing:
		var m PingMsg
		err = json.Unmarshal(env.Raw, &m)
		return env.Type, m, wrapDecodeErr(env.Type, err)
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, wrapDecodeErr(env.Type, err)
	}
	if matchID == "" {
		return env.Type, nil, fmt.Errorf("%w in %q", ErrMissingMatchID, env.Type)
	}
	return env.Type, msg, nil
}

// ParseServerMessage decodes a server event on the client side.
func ParseServerMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeConnected:
		var m ConnectedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMatchJoined:
		var m MatchJoinedMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMatchLeft:
		var m MatchLeftMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeNewMessage:
		var m NewMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessageSent:
		var m MessageSentMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeUserTyping:
		var m UserTypingMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMessagesRead:
		var m MessagesReadMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeMatchNotification, TypeMessageNotification:
		var m NotificationMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeError:
		var m ErrorMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypePong:
		var m PongMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	default:
		return env.Type, nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err != nil {
		return env.Type, nil, wrapDecodeErr(env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates the JSON bytes for a server event. The msgType is
// injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// NewClientMessage creates the JSON bytes for a client event.
func NewClientMessage(msgType string, payload interface{}) ([]byte, error) {
	return NewServerMessage(msgType, payload)
}

// NotificationType maps a notification to its realtime event type.
func NotificationType(n chat.Notification) string {
	if n.Type == chat.NotificationNewMessage {
		return TypeMessageNotification
	}
	return TypeMatchNotification
}

// ErrorFor builds an error event from a domain error.
func ErrorFor(event, matchID string, err error) ErrorMsg {
	code := chat.Code(err)
	msg := ErrorMsg{
		Code:    code,
		Message: publicMessage(code),
		Event:   event,
		MatchID: matchID,
	}
	if retry := chat.RetryAfter(err); retry > 0 {
		secs := int(retry.Seconds())
		if secs == 0 {
			secs = 1
		}
		msg.RetryAfter = secs
	}
	return msg
}

func publicMessage(code string) string {
	switch code {
	case CodeUnauthorized:
		return "not a participant of this match"
	case CodeInvalidContent:
		return "message content is invalid"
	case CodeRateLimited:
		return "too many requests"
	case "not_found":
		return "not found"
	default:
		return "internal error"
	}
}

func wrapDecodeErr(msgType string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("protocol: failed to decode %q payload: %w", msgType, err)
}
