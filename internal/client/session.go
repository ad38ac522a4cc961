package client

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/kindred/chat-relay/internal/chat"
	"github.com/kindred/chat-relay/internal/eventbus"
	"github.com/kindred/chat-relay/internal/log"
)

// HistoryPageSize is the number of messages fetched on open and on resync.
const HistoryPageSize = 50

// API is the REST surface a Session uses.
type API interface {
	NotificationAPI
	Conversations(ctx context.Context) ([]chat.Conversation, error)
	History(ctx context.Context, matchID string, before int64, limit int) ([]chat.Message, error)
	SendMessage(ctx context.Context, matchID, content string, typ chat.MessageType) (chat.Message, error)
	MarkRead(ctx context.Context, matchID string) (int64, error)
}

// Transport is the realtime surface a Session uses. *Socket implements it.
type Transport interface {
	Connected() bool
	Join(matchID string) error
	Leave(matchID string) error
	SendMessage(matchID, content string, typ chat.MessageType, tempID string) error
	Typing(matchID string, typing bool) error
	MarkRead(matchID string) error
}

// Session ties the realtime transport, the REST client, the open
// conversation and the notification feed together. Events reach it only
// through the bus it is given.
type Session struct {
	self      string
	api       API
	transport Transport
	bus       *eventbus.Bus[Event]

	view  *ChannelView
	feed  *NotificationFeed
	convs *Throttle

	mu            sync.Mutex
	conversations []chat.Conversation
}

// NewSession creates a Session for the user self.
func NewSession(self string, api API, transport Transport, bus *eventbus.Bus[Event], opts ...ThrottleOption) *Session {
	s := &Session{
		self:      self,
		api:       api,
		transport: transport,
		bus:       bus,
		view:      NewChannelView(self),
		feed:      NewNotificationFeed(api, opts...),
	}
	s.convs = NewThrottle(s.fetchConversations, 0, RateLimitBackoff, opts...)
	return s
}

// View returns the open conversation.
func (s *Session) View() *ChannelView { return s.view }

// Feed returns the notification feed.
func (s *Session) Feed() *NotificationFeed { return s.feed }

// Run applies bus events until ctx is done or the bus is closed. Its
// subscription is unbounded, so no live event is lost while a handler is
// slow. Reconnect resyncs run beside the loop.
func (s *Session) Run(ctx context.Context) error {
	id, events := s.bus.SubscribeUnbounded()
	defer s.bus.Unsubscribe(id)

	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-events:
			if !ok {
				return nil
			}
			if ev.Kind == EventReconnected {
				wg.Add(1)
				go func() {
					defer wg.Done()
					s.resyncAfterReconnect(ctx)
				}()
				continue
			}
			s.Apply(ctx, ev)
		}
	}
}

func (s *Session) resyncAfterReconnect(ctx context.Context) {
	if err := s.Resync(ctx); err != nil {
		logger := log.Component("client")
		logger.Warn().Err(err).Msg("resync after reconnect failed")
	}
}

// Apply handles one event.
func (s *Session) Apply(ctx context.Context, ev Event) {
	logger := log.Component("client")

	switch ev.Kind {
	case EventMessage, EventMessageSent:
		if ev.Message == nil {
			return
		}
		if _, markRead := s.view.ApplyMessage(*ev.Message); markRead {
			s.markRead(ctx, ev.Message.MatchID)
		}
	case EventTyping:
		s.view.ApplyTyping(ev.MatchID, ev.UserID, ev.IsTyping)
	case EventRead:
		s.view.ApplyRead(ev.MatchID, ev.UserID)
	case EventNotification:
		if ev.Notification != nil {
			s.feed.Prepend(*ev.Notification)
		}
	case EventReconnected:
		s.resyncAfterReconnect(ctx)
	case EventError:
		logger.Debug().Err(ev.Err).Str(log.FieldMatchID, ev.MatchID).Msg("server rejected event")
	}
}

// Open shows matchID: it joins the channel, loads the newest history page
// and marks the conversation read. Live events that arrive while the page
// loads are kept.
func (s *Session) Open(ctx context.Context, matchID string) error {
	if prev := s.view.MatchID(); prev != "" && prev != matchID {
		s.leave(prev)
	}
	s.view.Open(matchID)

	// Joining while disconnected still registers the channel for re-join.
	if err := s.transport.Join(matchID); err != nil && !errors.Is(err, chat.ErrConnectionLost) {
		return err
	}
	if err := s.loadHistory(ctx, matchID); err != nil {
		return err
	}
	s.markRead(ctx, matchID)
	return nil
}

// Close closes the open conversation.
func (s *Session) Close() {
	if matchID := s.view.MatchID(); matchID != "" {
		s.leave(matchID)
	}
	s.view.Close()
}

func (s *Session) leave(matchID string) {
	if err := s.transport.Leave(matchID); err != nil && !errors.Is(err, chat.ErrConnectionLost) {
		logger := log.Component("client")
		logger.Debug().Err(err).Str(log.FieldMatchID, matchID).Msg("leave failed")
	}
}

// Resync re-fetches history for the open conversation and merges it. Nothing
// is replayed. It also refreshes the notification feed.
func (s *Session) Resync(ctx context.Context) error {
	matchID, ok := s.view.Resync()
	if ok {
		if err := s.loadHistory(ctx, matchID); err != nil {
			return err
		}
		s.markRead(ctx, matchID)
	}
	return s.feed.Refresh(ctx)
}

func (s *Session) loadHistory(ctx context.Context, matchID string) error {
	history, err := s.api.History(ctx, matchID, 0, HistoryPageSize)
	if err != nil {
		return fmt.Errorf("client: history %s: %w", matchID, err)
	}
	s.view.LoadHistory(matchID, history)
	return nil
}

// Send sends content to the open conversation over exactly one path: the
// socket when connected, otherwise REST. The socket path shows the message
// when message_sent comes back; the REST path shows it right away.
func (s *Session) Send(ctx context.Context, content string, typ chat.MessageType, tempID string) error {
	matchID := s.view.MatchID()
	if matchID == "" {
		return fmt.Errorf("client: send: %w: no conversation open", chat.ErrNotFound)
	}
	if s.transport.Connected() {
		return s.transport.SendMessage(matchID, content, typ, tempID)
	}

	msg, err := s.api.SendMessage(ctx, matchID, content, typ)
	if err != nil {
		return err
	}
	s.view.ApplyMessage(msg)
	return nil
}

// Typing reports the user's typing state for the open conversation. It is
// best effort and dropped while disconnected.
func (s *Session) Typing(typing bool) {
	matchID := s.view.MatchID()
	if matchID == "" || !s.transport.Connected() {
		return
	}
	_ = s.transport.Typing(matchID, typing)
}

func (s *Session) markRead(ctx context.Context, matchID string) {
	var err error
	if s.transport.Connected() {
		err = s.transport.MarkRead(matchID)
	} else {
		_, err = s.api.MarkRead(ctx, matchID)
	}
	if err != nil {
		logger := log.Component("client")
		logger.Debug().Err(err).Str(log.FieldMatchID, matchID).Msg("mark read failed")
	}
}

func (s *Session) fetchConversations(ctx context.Context) error {
	convs, err := s.api.Conversations(ctx)
	if err != nil {
		return fmt.Errorf("client: conversations: %w", err)
	}
	s.mu.Lock()
	s.conversations = convs
	s.mu.Unlock()
	return nil
}

// RefreshConversations reloads the conversation list. After a rate limit the
// list pauses for five seconds and then retries once.
func (s *Session) RefreshConversations(ctx context.Context) error {
	return s.convs.Trigger(ctx)
}

// Conversations returns the last loaded conversation list.
func (s *Session) Conversations() []chat.Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]chat.Conversation, len(s.conversations))
	copy(out, s.conversations)
	return out
}

// Stop cancels scheduled polls.
func (s *Session) Stop() {
	s.feed.Stop()
	s.convs.Stop()
}
