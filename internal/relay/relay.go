// Package relay accepts chat messages, persists them and fans them out to the
// connections joined to the match channel.
package relay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/kindred/chat-relay/internal/channel"
	"github.com/kindred/chat-relay/internal/chat"
	"github.com/kindred/chat-relay/internal/log"
	"github.com/kindred/chat-relay/internal/metrics"
	"github.com/kindred/chat-relay/internal/protocol"
	"github.com/kindred/chat-relay/internal/store"
)

const persistTimeout = 5 * time.Second

// Deliverer writes a frame to one connection.
type Deliverer interface {
	SendMessage(connID string, data []byte) error
}

// Limiter throttles senders. Check returns a chat.ErrRateLimited error when
// the identifier is over its limit.
type Limiter interface {
	Check(ctx context.Context, identifier string) error
}

// Notifier creates a notification for a user.
type Notifier interface {
	Notify(ctx context.Context, userID string, typ chat.NotificationType, title, body string, data map[string]string) (chat.Notification, error)
}

// Relay is the single writer of chat messages.
type Relay struct {
	router   *channel.Router
	messages store.MessageStore
	out      Deliverer
	limiter  Limiter
	notifier Notifier
	now      func() time.Time
}

// Option configures a Relay.
type Option func(*Relay)

// WithLimiter enables per-user send throttling.
func WithLimiter(l Limiter) Option {
	return func(r *Relay) { r.limiter = l }
}

// WithNotifier enables new_message notifications for the recipient.
func WithNotifier(n Notifier) Option {
	return func(r *Relay) { r.notifier = n }
}

// New creates a Relay.
func New(router *channel.Router, messages store.MessageStore, out Deliverer, opts ...Option) *Relay {
	r := &Relay{
		router:   router,
		messages: messages,
		out:      out,
		now:      func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SendMessage persists a message from peer into channelID and delivers it to
// every connection currently joined to the channel, the sender's own
// included. Delivery failures are never reported to the sender. peer.ConnID
// may be empty for REST sends.
func (r *Relay) SendMessage(ctx context.Context, peer chat.Peer, channelID, content string, typ chat.MessageType) (chat.Message, error) {
	match, err := r.router.Authorize(ctx, peer.UserID, channelID)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		return chat.Message{}, err
	}

	text, err := chat.NormalizeContent(content)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		return chat.Message{}, err
	}
	typ, err = chat.NormalizeType(typ)
	if err != nil {
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
		return chat.Message{}, err
	}

	if r.limiter != nil {
		if err := r.limiter.Check(ctx, peer.UserID); err != nil {
			metrics.MessagesTotal.WithLabelValues(metrics.OutcomeRejected).Inc()
			return chat.Message{}, err
		}
	}

	start := time.Now()
	msg, err := r.persistAndFanOut(ctx, chat.NewMessage{
		ID:        uuid.NewString(),
		MatchID:   channelID,
		SenderID:  peer.UserID,
		Content:   text,
		Type:      typ,
		CreatedAt: r.now(),
	})
	if err != nil {
		return chat.Message{}, err
	}
	metrics.FanoutLatency.Observe(time.Since(start).Seconds())

	r.notifyPartner(ctx, match, msg)
	return msg, nil
}

// persistAndFanOut holds the channel lock so per-channel persist order equals
// delivery order.
func (r *Relay) persistAndFanOut(ctx context.Context, in chat.NewMessage) (chat.Message, error) {
	unlock := r.router.Lock(in.MatchID)
	defer unlock()

	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()

	msg, err := r.messages.CreateMessage(pctx, in)
	if err != nil {
		return chat.Message{}, fmt.Errorf("relay: persist: %w", err)
	}
	metrics.MessagesTotal.WithLabelValues(metrics.OutcomePersisted).Inc()

	data, err := protocol.NewServerMessage(protocol.TypeNewMessage, protocol.NewMessageMsg{
		Message: msg,
		MatchID: msg.MatchID,
	})
	if err != nil {
		logger := log.Component("relay")
		logger.Error().Err(err).Str(log.FieldMessageID, msg.ID).Msg("encode new_message")
		return msg, nil
	}
	Broadcast(r.out, r.router.Members(msg.MatchID), "", data)
	return msg, nil
}

func (r *Relay) notifyPartner(ctx context.Context, match chat.Match, msg chat.Message) {
	if r.notifier == nil {
		return
	}
	partner := match.Partner(msg.SenderID)
	if partner == "" {
		return
	}
	_, err := r.notifier.Notify(context.WithoutCancel(ctx), partner, chat.NotificationNewMessage,
		"New message", preview(msg), map[string]string{
			"matchId":   msg.MatchID,
			"messageId": msg.ID,
			"senderId":  msg.SenderID,
		})
	if err != nil {
		logger := log.Component("relay")
		logger.Warn().Err(err).
			Str(log.FieldUserID, partner).
			Str(log.FieldMatchID, msg.MatchID).
			Msg("new_message notification failed")
	}
}

const previewChars = 80

func preview(msg chat.Message) string {
	switch msg.Type {
	case chat.MessageImage:
		return "Sent a photo"
	case chat.MessageGIF:
		return "Sent a GIF"
	case chat.MessageAudio:
		return "Sent a voice message"
	}
	runes := []rune(msg.Content)
	if len(runes) <= previewChars {
		return msg.Content
	}
	return string(runes[:previewChars]) + "…"
}

// Broadcast writes data to every member except skipConnID. Failures are
// logged and counted per connection. It returns the number of successful
// writes.
func Broadcast(out Deliverer, members []channel.Member, skipConnID string, data []byte) int {
	delivered := 0
	for _, m := range members {
		if m.ConnID == skipConnID {
			continue
		}
		if err := out.SendMessage(m.ConnID, data); err != nil {
			metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDropped).Inc()
			logger := log.Component("relay")
			logger.Debug().Err(err).Str(log.FieldConnID, m.ConnID).Msg("delivery failed")
			continue
		}
		metrics.MessagesTotal.WithLabelValues(metrics.OutcomeDelivered).Inc()
		delivered++
	}
	return delivered
}
