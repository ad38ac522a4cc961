// Package notify creates user notifications and pushes them to the user's
// live connections and to the platform's push sender.
package notify

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kindred/chat-relay/internal/chat"
	"github.com/kindred/chat-relay/internal/log"
	"github.com/kindred/chat-relay/internal/messaging"
	"github.com/kindred/chat-relay/internal/metrics"
	"github.com/kindred/chat-relay/internal/protocol"
	"github.com/kindred/chat-relay/internal/relay"
	"github.com/kindred/chat-relay/internal/store"
)

const handleTimeout = 5 * time.Second

// Presence lists a user's live connections.
type Presence interface {
	Connections(userID string) []string
}

// Publisher forwards notifications to out-of-process consumers.
type Publisher interface {
	PublishNotification(n chat.Notification) error
}

// MatchSource delivers match.created events.
type MatchSource interface {
	SubscribeMatchCreated(handler func(messaging.MatchCreated)) error
}

// MatchCache holds match participants in front of the match store.
type MatchCache interface {
	Invalidate(ctx context.Context, matchID string) error
}

// Notifier persists and pushes notifications.
type Notifier struct {
	store     store.NotificationStore
	presence  Presence
	out       relay.Deliverer
	publisher Publisher
	cache     MatchCache
	now       func() time.Time
}

// Option configures a Notifier.
type Option func(*Notifier)

// WithMatchCache evicts a match from c whenever match.created rewrites it.
func WithMatchCache(c MatchCache) Option {
	return func(n *Notifier) { n.cache = c }
}

// New creates a Notifier. publisher may be nil.
func New(st store.NotificationStore, presence Presence, out relay.Deliverer, publisher Publisher, opts ...Option) *Notifier {
	n := &Notifier{
		store:     st,
		presence:  presence,
		out:       out,
		publisher: publisher,
		now:       func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(n)
	}
	return n
}

// Notify stores a notification for userID, pushes it to every connection the
// user holds and publishes it on notify.<userID>. Only the store write can
// fail the call.
func (n *Notifier) Notify(ctx context.Context, userID string, typ chat.NotificationType, title, body string, data map[string]string) (chat.Notification, error) {
	created, err := n.store.CreateNotification(ctx, chat.Notification{
		ID:        uuid.NewString(),
		UserID:    userID,
		Type:      typ,
		Title:     title,
		Body:      body,
		Data:      data,
		CreatedAt: n.now(),
	})
	if err != nil {
		return chat.Notification{}, fmt.Errorf("notify: store: %w", err)
	}
	metrics.NotificationsTotal.WithLabelValues(string(typ)).Inc()

	n.push(created)

	if n.publisher != nil {
		if err := n.publisher.PublishNotification(created); err != nil {
			logger := log.Component("notify")
			logger.Warn().Err(err).Str(log.FieldUserID, userID).Msg("publish notification failed")
		}
	}
	return created, nil
}

func (n *Notifier) push(note chat.Notification) {
	conns := n.presence.Connections(note.UserID)
	if len(conns) == 0 {
		return
	}
	data, err := protocol.NewServerMessage(protocol.NotificationType(note), protocol.NotificationMsg{Notification: note})
	if err != nil {
		logger := log.Component("notify")
		logger.Error().Err(err).Msg("encode notification")
		return
	}
	for _, connID := range conns {
		if err := n.out.SendMessage(connID, data); err != nil {
			logger := log.Component("notify")
			logger.Debug().Err(err).Str(log.FieldConnID, connID).Msg("push failed")
		}
	}
}

// HandleMatchCreated records the match and notifies both users.
func (n *Notifier) HandleMatchCreated(ctx context.Context, matches store.MatchWriter, evt messaging.MatchCreated) error {
	match := evt.Match()
	if match.UserA == "" || match.UserB == "" {
		return fmt.Errorf("notify: match %s: missing participant", match.ID)
	}
	if err := matches.UpsertMatch(ctx, match); err != nil {
		return fmt.Errorf("notify: upsert match: %w", err)
	}
	if n.cache != nil {
		if err := n.cache.Invalidate(ctx, match.ID); err != nil {
			logger := log.Component("notify")
			logger.Warn().Err(err).Str(log.FieldMatchID, match.ID).Msg("match cache invalidate failed")
		}
	}

	for _, userID := range []string{match.UserA, match.UserB} {
		_, err := n.Notify(ctx, userID, chat.NotificationNewMatch,
			"It's a match!", "You have a new match. Say hello!",
			map[string]string{"matchId": match.ID, "partnerId": match.Partner(userID)})
		if err != nil {
			return err
		}
	}
	return nil
}

// ListenMatchCreated subscribes to match.created and handles each event with
// a bounded timeout. Failures are logged.
func (n *Notifier) ListenMatchCreated(src MatchSource, matches store.MatchWriter) error {
	return src.SubscribeMatchCreated(func(evt messaging.MatchCreated) {
		ctx, cancel := context.WithTimeout(context.Background(), handleTimeout)
		defer cancel()

		if err := n.HandleMatchCreated(ctx, matches, evt); err != nil {
			logger := log.Component("notify")
			logger.Error().Err(err).Str(log.FieldMatchID, evt.MatchID).Msg("match.created handling failed")
		}
	})
}
