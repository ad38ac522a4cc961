// Package chat holds the domain types shared by the relay: matches, messages,
// notifications, the connection identity the core works with, and the error
// taxonomy surfaced to clients.
package chat

import (
	"time"
)

// MessageType classifies message content.
type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageGIF   MessageType = "gif"
	MessageAudio MessageType = "audio"
)

var knownMessageTypes = map[MessageType]bool{
	MessageText:  true,
	MessageImage: true,
	MessageGIF:   true,
	MessageAudio: true,
}

// Message is a persisted chat message. Seq is assigned by the store and is
// strictly increasing within a match; it breaks ties between messages that
// share a CreatedAt.
type Message struct {
	ID        string      `json:"id"`
	Seq       int64       `json:"seq"`
	MatchID   string      `json:"matchId"`
	SenderID  string      `json:"senderId"`
	Content   string      `json:"content"`
	Type      MessageType `json:"messageType"`
	CreatedAt time.Time   `json:"createdAt"`
	Read      bool        `json:"read"`
}

// NewMessage is the input to a store write. ID and CreatedAt are filled in by
// the caller so a retried write stays idempotent.
type NewMessage struct {
	ID        string
	MatchID   string
	SenderID  string
	Content   string
	Type      MessageType
	CreatedAt time.Time
}

// Match is a mutual like between exactly two users. Its id doubles as the
// channel id on the realtime side.
type Match struct {
	ID        string    `json:"matchId"`
	UserA     string    `json:"userA"`
	UserB     string    `json:"userB"`
	CreatedAt time.Time `json:"createdAt"`
}

// IsParticipant reports whether userID is one of the two users of the match.
func (m Match) IsParticipant(userID string) bool {
	return userID != "" && (userID == m.UserA || userID == m.UserB)
}

// Partner returns the other participant, or "" if userID is not in the match.
func (m Match) Partner(userID string) string {
	switch userID {
	case m.UserA:
		return m.UserB
	case m.UserB:
		return m.UserA
	}
	return ""
}

// Conversation is the per-match summary served to the conversation list.
type Conversation struct {
	MatchID       string    `json:"matchId"`
	PartnerID     string    `json:"partnerId"`
	PartnerOnline bool      `json:"partnerOnline"`
	LastMessage   *Message  `json:"lastMessage,omitempty"`
	UnreadCount   int       `json:"unreadCount"`
	CreatedAt     time.Time `json:"createdAt"`
}

// Peer identifies the sender of a realtime or REST operation. ConnID is empty
// for REST callers.
type Peer struct {
	ConnID string
	UserID string
}
