package notify

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/kindred/chat-relay/internal/chat"
	"github.com/kindred/chat-relay/internal/messaging"
	"github.com/kindred/chat-relay/internal/presence"
	"github.com/kindred/chat-relay/internal/protocol"
	"github.com/kindred/chat-relay/internal/store"
)

type recorder struct {
	mu     sync.Mutex
	frames map[string][][]byte
}

func (r *recorder) SendMessage(connID string, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames[connID] = append(r.frames[connID], data)
	return nil
}

type fakePublisher struct {
	published []chat.Notification
	err       error
}

func (f *fakePublisher) PublishNotification(n chat.Notification) error {
	f.published = append(f.published, n)
	return f.err
}

type fakeSource struct {
	handler func(messaging.MatchCreated)
}

func (f *fakeSource) SubscribeMatchCreated(h func(messaging.MatchCreated)) error {
	f.handler = h
	return nil
}

func newTestNotifier(t *testing.T) (*Notifier, *store.Memory, *presence.Registry, *recorder, *fakePublisher) {
	t.Helper()
	mem := store.NewMemory()
	reg := presence.NewRegistry(nil)
	out := &recorder{frames: make(map[string][][]byte)}
	pub := &fakePublisher{}
	return New(mem, reg, out, pub), mem, reg, out, pub
}

// ---------------------------------------------------------------------------
// Test: Notify
// ---------------------------------------------------------------------------

func TestNotify_PersistsPushesAndPublishes(t *testing.T) {
	n, mem, reg, out, pub := newTestNotifier(t)
	ctx := context.Background()
	reg.Register(chat.Peer{ConnID: "phone", UserID: "bob"})
	reg.Register(chat.Peer{ConnID: "laptop", UserID: "bob"})

	created, err := n.Notify(ctx, "bob", chat.NotificationNewMessage, "New message", "hey", map[string]string{"matchId": "m1"})
	if err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if created.ID == "" || created.Read {
		t.Fatalf("unexpected notification %+v", created)
	}

	list, unread, err := mem.ListNotifications(ctx, "bob", 10)
	if err != nil || len(list) != 1 || unread != 1 {
		t.Fatalf("ListNotifications = %v, %d, %v", list, unread, err)
	}

	for _, conn := range []string{"phone", "laptop"} {
		frames := out.frames[conn]
		if len(frames) != 1 {
			t.Fatalf("%s frames = %d, want 1", conn, len(frames))
		}
		var msg protocol.NotificationMsg
		if err := json.Unmarshal(frames[0], &msg); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if msg.Type != protocol.TypeMessageNotification || msg.Notification.ID != created.ID {
			t.Fatalf("%s got %+v", conn, msg)
		}
	}

	if len(pub.published) != 1 || pub.published[0].UserID != "bob" {
		t.Fatalf("published = %+v", pub.published)
	}
}

func TestNotify_OfflineUserOnlyStored(t *testing.T) {
	n, mem, _, out, _ := newTestNotifier(t)
	ctx := context.Background()

	if _, err := n.Notify(ctx, "bob", chat.NotificationLike, "Someone likes you", "", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}
	if len(out.frames) != 0 {
		t.Fatalf("offline user got frames: %v", out.frames)
	}
	if _, unread, _ := mem.ListNotifications(ctx, "bob", 10); unread != 1 {
		t.Fatalf("unread = %d, want 1", unread)
	}
}

func TestNotify_PublishFailureIgnored(t *testing.T) {
	n, _, _, _, pub := newTestNotifier(t)
	pub.err = errors.New("nats down")

	if _, err := n.Notify(context.Background(), "bob", chat.NotificationLike, "t", "b", nil); err != nil {
		t.Fatalf("Notify: %v", err)
	}
}

func TestNotify_StoreErrorReturned(t *testing.T) {
	n, _, _, _, pub := newTestNotifier(t)

	if _, err := n.Notify(context.Background(), "", chat.NotificationLike, "t", "b", nil); err == nil {
		t.Fatal("expected store error for empty user id")
	}
	if len(pub.published) != 0 {
		t.Fatal("nothing should be published when the store write fails")
	}
}

// ---------------------------------------------------------------------------
// Test: match.created
// ---------------------------------------------------------------------------

func TestListenMatchCreated(t *testing.T) {
	n, mem, reg, out, _ := newTestNotifier(t)
	ctx := context.Background()
	reg.Register(chat.Peer{ConnID: "alice-1", UserID: "alice"})

	src := &fakeSource{}
	if err := n.ListenMatchCreated(src, mem); err != nil {
		t.Fatalf("ListenMatchCreated: %v", err)
	}
	src.handler(messaging.MatchCreated{MatchID: "m9", UserA: "alice", UserB: "bob"})

	m, err := mem.GetMatch(ctx, "m9")
	if err != nil || !m.IsParticipant("alice") || !m.IsParticipant("bob") {
		t.Fatalf("GetMatch = %+v, %v", m, err)
	}

	for _, user := range []string{"alice", "bob"} {
		list, _, _ := mem.ListNotifications(ctx, user, 10)
		if len(list) != 1 || list[0].Type != chat.NotificationNewMatch || list[0].Data["matchId"] != "m9" {
			t.Fatalf("%s notifications = %+v", user, list)
		}
	}

	var msg protocol.NotificationMsg
	if err := json.Unmarshal(out.frames["alice-1"][0], &msg); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if msg.Type != protocol.TypeMatchNotification || msg.Notification.Data["partnerId"] != "bob" {
		t.Fatalf("alice got %+v", msg)
	}
}

type fakeMatchCache struct {
	evicted []string
	err     error
}

func (f *fakeMatchCache) Invalidate(_ context.Context, matchID string) error {
	f.evicted = append(f.evicted, matchID)
	return f.err
}

func TestHandleMatchCreated_InvalidatesMatchCache(t *testing.T) {
	tests := []struct {
		name     string
		cacheErr error
	}{
		{"evicted", nil},
		{"cache failure is not fatal", errors.New("redis down")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			mem := store.NewMemory()
			cache := &fakeMatchCache{err: tt.cacheErr}
			n := New(mem, presence.NewRegistry(nil), &recorder{frames: make(map[string][][]byte)}, nil, WithMatchCache(cache))

			evt := messaging.MatchCreated{MatchID: "m9", UserA: "alice", UserB: "bob"}
			if err := n.HandleMatchCreated(context.Background(), mem, evt); err != nil {
				t.Fatalf("HandleMatchCreated: %v", err)
			}
			if len(cache.evicted) != 1 || cache.evicted[0] != "m9" {
				t.Fatalf("evicted = %v, want [m9]", cache.evicted)
			}
			if _, err := mem.GetMatch(context.Background(), "m9"); err != nil {
				t.Fatalf("match not stored: %v", err)
			}
		})
	}
}

func TestHandleMatchCreated_MissingParticipant(t *testing.T) {
	n, mem, _, _, _ := newTestNotifier(t)
	err := n.HandleMatchCreated(context.Background(), mem, messaging.MatchCreated{MatchID: "m1", UserA: "alice"})
	if err == nil {
		t.Fatal("expected error for incomplete match")
	}
	if _, err := mem.GetMatch(context.Background(), "m1"); !errors.Is(err, chat.ErrNotFound) {
		t.Fatalf("match should not be stored, got %v", err)
	}
}
