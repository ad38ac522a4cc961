package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kindred/chat-relay/internal/chat"
)

// Memory is an in-process Store used by tests and the single-node dev mode.
type Memory struct {
	mu            sync.RWMutex
	seq           int64
	matches       map[string]chat.Match
	messages      map[string][]chat.Message // matchID -> ordered by seq
	notifications map[string][]chat.Notification
	now           func() time.Time
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{
		matches:       make(map[string]chat.Match),
		messages:      make(map[string][]chat.Message),
		notifications: make(map[string][]chat.Notification),
		now:           time.Now,
	}
}

func (m *Memory) UpsertMatch(_ context.Context, match chat.Match) error {
	if match.ID == "" || match.UserA == "" || match.UserB == "" {
		return fmt.Errorf("store: upsert match: incomplete match %+v", match)
	}
	if match.CreatedAt.IsZero() {
		match.CreatedAt = m.now()
	}
	m.mu.Lock()
	m.matches[match.ID] = match
	m.mu.Unlock()
	return nil
}

func (m *Memory) GetMatch(_ context.Context, matchID string) (chat.Match, error) {
	m.mu.RLock()
	match, ok := m.matches[matchID]
	m.mu.RUnlock()
	if !ok {
		return chat.Match{}, fmt.Errorf("store: match %s: %w", matchID, chat.ErrNotFound)
	}
	return match, nil
}

func (m *Memory) MatchesForUser(_ context.Context, userID string) ([]chat.Match, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []chat.Match
	for _, match := range m.matches {
		if match.IsParticipant(userID) {
			out = append(out, match)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (m *Memory) CreateMessage(_ context.Context, in chat.NewMessage) (chat.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.matches[in.MatchID]; !ok {
		return chat.Message{}, fmt.Errorf("store: create message: match %s: %w", in.MatchID, chat.ErrNotFound)
	}

	// Retried writes with the same id return the stored row.
	for _, existing := range m.messages[in.MatchID] {
		if existing.ID == in.ID && in.ID != "" {
			return existing, nil
		}
	}

	m.seq++
	msg := chat.Message{
		ID:        in.ID,
		Seq:       m.seq,
		MatchID:   in.MatchID,
		SenderID:  in.SenderID,
		Content:   in.Content,
		Type:      in.Type,
		CreatedAt: in.CreatedAt,
	}
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = m.now()
	}
	m.messages[in.MatchID] = append(m.messages[in.MatchID], msg)
	return msg, nil
}

func (m *Memory) ListMessages(_ context.Context, matchID string, beforeSeq int64, limit int) ([]chat.Message, error) {
	limit = ClampLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.messages[matchID]
	end := len(all)
	if beforeSeq > 0 {
		end = sort.Search(len(all), func(i int) bool { return all[i].Seq >= beforeSeq })
	}
	start := end - limit
	if start < 0 {
		start = 0
	}

	out := make([]chat.Message, end-start)
	copy(out, all[start:end])
	return out, nil
}

func (m *Memory) MarkRead(_ context.Context, matchID, readerID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	msgs := m.messages[matchID]
	for i := range msgs {
		if msgs[i].SenderID != readerID && !msgs[i].Read {
			msgs[i].Read = true
			n++
		}
	}
	return n, nil
}

func (m *Memory) ConversationStats(_ context.Context, matchID, userID string) (*chat.Message, int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	msgs := m.messages[matchID]
	if len(msgs) == 0 {
		return nil, 0, nil
	}
	last := msgs[len(msgs)-1]

	unread := 0
	for _, msg := range msgs {
		if msg.SenderID != userID && !msg.Read {
			unread++
		}
	}
	return &last, unread, nil
}

func (m *Memory) CreateNotification(_ context.Context, n chat.Notification) (chat.Notification, error) {
	if n.UserID == "" {
		return chat.Notification{}, fmt.Errorf("store: create notification: empty user id")
	}
	if n.ID == "" {
		n.ID = uuid.New().String()
	}
	if n.CreatedAt.IsZero() {
		n.CreatedAt = m.now()
	}

	m.mu.Lock()
	m.notifications[n.UserID] = append(m.notifications[n.UserID], n)
	m.mu.Unlock()
	return n, nil
}

func (m *Memory) ListNotifications(_ context.Context, userID string, limit int) ([]chat.Notification, int, error) {
	limit = ClampLimit(limit)

	m.mu.RLock()
	defer m.mu.RUnlock()

	all := m.notifications[userID]
	unread := 0
	for _, n := range all {
		if !n.Read {
			unread++
		}
	}

	out := make([]chat.Notification, 0, limit)
	for i := len(all) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, all[i])
	}
	return out, unread, nil
}

func (m *Memory) MarkNotificationRead(_ context.Context, userID, notificationID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	list := m.notifications[userID]
	for i := range list {
		if list[i].ID == notificationID {
			list[i].Read = true
			return nil
		}
	}
	return fmt.Errorf("store: notification %s: %w", notificationID, chat.ErrNotFound)
}

func (m *Memory) MarkAllNotificationsRead(_ context.Context, userID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	list := m.notifications[userID]
	for i := range list {
		if !list[i].Read {
			list[i].Read = true
			n++
		}
	}
	return n, nil
}

func (m *Memory) Close() error { return nil }
