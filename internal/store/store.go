// Package store defines the persistence collaborators the relay depends on
// and provides PostgreSQL, in-memory and Redis-cached implementations.
package store

import (
	"context"

	"github.com/kindred/chat-relay/internal/chat"
)

const (
	DefaultHistoryLimit = 50
	MaxHistoryLimit     = 200
)

// MatchDirectory answers who the two participants of a match are.
// GetMatch returns chat.ErrNotFound for unknown matches.
type MatchDirectory interface {
	GetMatch(ctx context.Context, matchID string) (chat.Match, error)
	MatchesForUser(ctx context.Context, userID string) ([]chat.Match, error)
}

// MatchWriter records matches announced by the match engine.
type MatchWriter interface {
	UpsertMatch(ctx context.Context, m chat.Match) error
}

// MessageStore persists chat messages. CreateMessage is the durability
// boundary of a send: once it returns, the message is part of history.
type MessageStore interface {
	CreateMessage(ctx context.Context, msg chat.NewMessage) (chat.Message, error)
	// ListMessages returns up to limit messages with seq < beforeSeq (or the
	// latest ones when beforeSeq is 0), ordered oldest to newest.
	ListMessages(ctx context.Context, matchID string, beforeSeq int64, limit int) ([]chat.Message, error)
	// MarkRead flags every unread message of the match not sent by readerID
	// and returns how many changed.
	MarkRead(ctx context.Context, matchID, readerID string) (int64, error)
	// ConversationStats returns the latest message (nil if none) and the
	// number of messages unread by userID.
	ConversationStats(ctx context.Context, matchID, userID string) (*chat.Message, int, error)
}

// NotificationStore persists per-user notifications.
type NotificationStore interface {
	CreateNotification(ctx context.Context, n chat.Notification) (chat.Notification, error)
	// ListNotifications returns newest first plus the total unread count.
	ListNotifications(ctx context.Context, userID string, limit int) ([]chat.Notification, int, error)
	// MarkNotificationRead returns chat.ErrNotFound when the notification does
	// not exist or belongs to someone else.
	MarkNotificationRead(ctx context.Context, userID, notificationID string) error
	MarkAllNotificationsRead(ctx context.Context, userID string) (int64, error)
}

// Store is the full persistence surface of the relay.
type Store interface {
	MatchDirectory
	MatchWriter
	MessageStore
	NotificationStore
	Close() error
}

// ClampLimit applies the default and maximum history page size.
func ClampLimit(limit int) int {
	if limit <= 0 {
		return DefaultHistoryLimit
	}
	if limit > MaxHistoryLimit {
		return MaxHistoryLimit
	}
	return limit
}
