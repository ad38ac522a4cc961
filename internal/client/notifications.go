package client

import (
	"context"
	"fmt"
	"sync"

	"github.com/kindred/chat-relay/internal/chat"
)

const notificationPageSize = 50

// NotificationAPI is the REST surface the feed needs.
type NotificationAPI interface {
	Notifications(ctx context.Context, limit int) ([]chat.Notification, int, error)
	MarkNotificationRead(ctx context.Context, id string) error
	MarkAllNotificationsRead(ctx context.Context) (int64, error)
}

// NotificationFeed holds the user's notifications and unread count. Polls go
// through a Throttle so bursts of refreshes cost at most one call every two
// seconds; live notifications are prepended as they arrive.
type NotificationFeed struct {
	api      NotificationAPI
	throttle *Throttle

	mu     sync.Mutex
	items  []chat.Notification
	unread int
}

// NewNotificationFeed creates an empty feed.
func NewNotificationFeed(api NotificationAPI, opts ...ThrottleOption) *NotificationFeed {
	f := &NotificationFeed{api: api}
	f.throttle = NewThrottle(f.fetch, NotificationPollInterval, RateLimitBackoff, opts...)
	return f
}

func (f *NotificationFeed) fetch(ctx context.Context) error {
	list, unread, err := f.api.Notifications(ctx, notificationPageSize)
	if err != nil {
		return fmt.Errorf("client: notifications: %w", err)
	}
	f.mu.Lock()
	f.items = list
	f.unread = unread
	f.mu.Unlock()
	return nil
}

// Load fetches the feed now.
func (f *NotificationFeed) Load(ctx context.Context) error {
	return f.throttle.Fetch(ctx)
}

// Refresh polls the feed subject to the poll interval.
func (f *NotificationFeed) Refresh(ctx context.Context) error {
	return f.throttle.Trigger(ctx)
}

// Prepend adds a live notification unless it is already listed.
func (f *NotificationFeed) Prepend(n chat.Notification) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, existing := range f.items {
		if existing.ID == n.ID {
			return false
		}
	}
	f.items = append([]chat.Notification{n}, f.items...)
	if !n.Read {
		f.unread++
	}
	return true
}

// MarkRead marks one notification read on the server and locally.
func (f *NotificationFeed) MarkRead(ctx context.Context, id string) error {
	if err := f.api.MarkNotificationRead(ctx, id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		if f.items[i].ID == id && !f.items[i].Read {
			f.items[i].Read = true
			if f.unread > 0 {
				f.unread--
			}
		}
	}
	return nil
}

// MarkAllRead marks everything read.
func (f *NotificationFeed) MarkAllRead(ctx context.Context) error {
	if _, err := f.api.MarkAllNotificationsRead(ctx); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.items {
		f.items[i].Read = true
	}
	f.unread = 0
	return nil
}

// Items returns a copy of the notifications, newest first.
func (f *NotificationFeed) Items() []chat.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]chat.Notification, len(f.items))
	copy(out, f.items)
	return out
}

// Unread returns the unread count.
func (f *NotificationFeed) Unread() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.unread
}

// Stop cancels any scheduled poll.
func (f *NotificationFeed) Stop() {
	f.throttle.Stop()
}
