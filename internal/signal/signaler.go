// Package signal relays ephemeral typing indicators and read receipts between
// the participants of a match.
package signal

import (
	"context"
	"fmt"
	"time"

	"github.com/kindred/chat-relay/internal/channel"
	"github.com/kindred/chat-relay/internal/chat"
	"github.com/kindred/chat-relay/internal/log"
	"github.com/kindred/chat-relay/internal/metrics"
	"github.com/kindred/chat-relay/internal/protocol"
	"github.com/kindred/chat-relay/internal/relay"
	"github.com/kindred/chat-relay/internal/store"
)

const markReadTimeout = 5 * time.Second

// Signaler broadcasts typing and read-receipt events.
type Signaler struct {
	router   *channel.Router
	messages store.MessageStore
	out      relay.Deliverer
}

// New creates a Signaler.
func New(router *channel.Router, messages store.MessageStore, out relay.Deliverer) *Signaler {
	return &Signaler{router: router, messages: messages, out: out}
}

// StartTyping tells the other joined connections that peer is typing.
func (s *Signaler) StartTyping(peer chat.Peer, channelID string) {
	s.typing(peer, channelID, true)
}

// StopTyping tells the other joined connections that peer stopped typing.
func (s *Signaler) StopTyping(peer chat.Peer, channelID string) {
	s.typing(peer, channelID, false)
}

// typing is fire-and-forget: a peer that has not joined the channel is
// ignored and nothing is reported back.
func (s *Signaler) typing(peer chat.Peer, channelID string, isTyping bool) {
	if !s.router.IsMember(channelID, peer.ConnID) {
		return
	}

	data, err := protocol.NewServerMessage(protocol.TypeUserTyping, protocol.UserTypingMsg{
		UserID:   peer.UserID,
		MatchID:  channelID,
		IsTyping: isTyping,
	})
	if err != nil {
		logger := log.Component("signal")
		logger.Error().Err(err).Msg("encode user_typing")
		return
	}

	unlock := s.router.Lock(channelID)
	defer unlock()
	if relay.Broadcast(s.out, s.router.Members(channelID), peer.ConnID, data) > 0 {
		metrics.SignalsTotal.WithLabelValues("typing").Inc()
	}
}

// MarkRead marks every unread message in the channel not sent by peer's user
// as read and broadcasts messages_read to the other joined connections. The
// broadcast goes out even when nothing changed. It returns the number of
// messages updated.
func (s *Signaler) MarkRead(ctx context.Context, peer chat.Peer, channelID string) (int64, error) {
	if _, err := s.router.Authorize(ctx, peer.UserID, channelID); err != nil {
		return 0, err
	}

	unlock := s.router.Lock(channelID)
	defer unlock()

	mctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), markReadTimeout)
	defer cancel()

	updated, err := s.messages.MarkRead(mctx, channelID, peer.UserID)
	if err != nil {
		return 0, fmt.Errorf("signal: mark read: %w", err)
	}

	data, err := protocol.NewServerMessage(protocol.TypeMessagesRead, protocol.MessagesReadMsg{
		MatchID:  channelID,
		ReaderID: peer.UserID,
	})
	if err != nil {
		return updated, fmt.Errorf("signal: encode messages_read: %w", err)
	}
	relay.Broadcast(s.out, s.router.Members(channelID), peer.ConnID, data)
	metrics.SignalsTotal.WithLabelValues("read").Inc()

	return updated, nil
}
