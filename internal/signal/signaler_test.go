package signal

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kindred/chat-relay/internal/channel"
	"github.com/kindred/chat-relay/internal/chat"
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

func (r *recorder) types(t *testing.T, connID string) []map[string]interface{} {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]interface{}
	for _, f := range r.frames[connID] {
		var m map[string]interface{}
		if err := json.Unmarshal(f, &m); err != nil {
			t.Fatalf("decode: %v", err)
		}
		out = append(out, m)
	}
	return out
}

type fixture struct {
	mem    *store.Memory
	router *channel.Router
	out    *recorder
	sig    *Signaler
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := store.NewMemory()
	ctx := context.Background()
	if err := mem.UpsertMatch(ctx, chat.Match{ID: "m1", UserA: "alice", UserB: "bob", CreatedAt: time.Now()}); err != nil {
		t.Fatalf("UpsertMatch: %v", err)
	}
	router := channel.NewRouter(mem)
	out := &recorder{frames: make(map[string][][]byte)}
	return &fixture{mem: mem, router: router, out: out, sig: New(router, mem, out)}
}

func (f *fixture) join(t *testing.T, connID, userID string) chat.Peer {
	t.Helper()
	p := chat.Peer{ConnID: connID, UserID: userID}
	if err := f.router.Join(context.Background(), p, "m1"); err != nil {
		t.Fatalf("Join: %v", err)
	}
	return p
}

// ---------------------------------------------------------------------------
// Test: typing
// ---------------------------------------------------------------------------

func TestTyping_BroadcastExceptOriginator(t *testing.T) {
	f := newFixture(t)
	alicePhone := f.join(t, "alice-phone", "alice")
	f.join(t, "alice-laptop", "alice")
	f.join(t, "bob", "bob")

	f.sig.StartTyping(alicePhone, "m1")
	f.sig.StopTyping(alicePhone, "m1")

	if got := f.out.types(t, "alice-phone"); len(got) != 0 {
		t.Fatalf("originator received %v", got)
	}
	for _, conn := range []string{"alice-laptop", "bob"} {
		got := f.out.types(t, conn)
		if len(got) != 2 {
			t.Fatalf("%s received %d frames, want 2", conn, len(got))
		}
		if got[0]["type"] != protocol.TypeUserTyping || got[0]["isTyping"] != true || got[0]["userId"] != "alice" {
			t.Fatalf("%s first frame = %v", conn, got[0])
		}
		if got[1]["isTyping"] != false {
			t.Fatalf("%s second frame = %v", conn, got[1])
		}
	}
}

func TestTyping_NotJoinedIsDropped(t *testing.T) {
	f := newFixture(t)
	f.join(t, "bob", "bob")

	f.sig.StartTyping(chat.Peer{ConnID: "alice", UserID: "alice"}, "m1")
	f.sig.StartTyping(chat.Peer{ConnID: "carol", UserID: "carol"}, "m1")

	if got := f.out.types(t, "bob"); len(got) != 0 {
		t.Fatalf("bob received %v", got)
	}
}

func TestTyping_AloneIsNoop(t *testing.T) {
	f := newFixture(t)
	alice := f.join(t, "alice", "alice")
	f.sig.StartTyping(alice, "m1")

	if got := f.out.types(t, "alice"); len(got) != 0 {
		t.Fatalf("alice received %v", got)
	}
}

// ---------------------------------------------------------------------------
// Test: read receipts
// ---------------------------------------------------------------------------

func TestMarkRead(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.join(t, "alice", "alice")
	bob := f.join(t, "bob", "bob")

	for i, sender := range []string{"alice", "alice", "bob"} {
		_, err := f.mem.CreateMessage(ctx, chat.NewMessage{
			ID: string(rune('a' + i)), MatchID: "m1", SenderID: sender,
			Content: "hi", Type: chat.MessageText, CreatedAt: time.Now(),
		})
		if err != nil {
			t.Fatalf("CreateMessage: %v", err)
		}
	}

	n, err := f.sig.MarkRead(ctx, bob, "m1")
	if err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if n != 2 {
		t.Fatalf("updated = %d, want 2", n)
	}

	got := f.out.types(t, "alice")
	if len(got) != 1 || got[0]["type"] != protocol.TypeMessagesRead || got[0]["readerId"] != "bob" || got[0]["matchId"] != "m1" {
		t.Fatalf("alice received %v", got)
	}
	if len(f.out.types(t, "bob")) != 0 {
		t.Fatal("reader should not receive its own receipt")
	}

	// Second call changes nothing but still broadcasts.
	n, err = f.sig.MarkRead(ctx, bob, "m1")
	if err != nil || n != 0 {
		t.Fatalf("second MarkRead = %d, %v", n, err)
	}
	if len(f.out.types(t, "alice")) != 2 {
		t.Fatal("expected a broadcast even with zero updates")
	}

	history, _ := f.mem.ListMessages(ctx, "m1", 0, 10)
	for _, m := range history {
		if m.SenderID == "alice" && !m.Read {
			t.Fatalf("message %s should be read", m.ID)
		}
		if m.SenderID == "bob" && m.Read {
			t.Fatalf("own message %s must not be marked", m.ID)
		}
	}
}

func TestMarkRead_Unauthorized(t *testing.T) {
	f := newFixture(t)
	f.join(t, "alice", "alice")

	_, err := f.sig.MarkRead(context.Background(), chat.Peer{ConnID: "carol", UserID: "carol"}, "m1")
	if !errors.Is(err, chat.ErrUnauthorized) {
		t.Fatalf("err = %v, want ErrUnauthorized", err)
	}
	if len(f.out.types(t, "alice")) != 0 {
		t.Fatal("unauthorized mark-read must not broadcast")
	}
}

func TestMarkRead_RESTPeerBroadcastsToAll(t *testing.T) {
	f := newFixture(t)
	f.join(t, "alice", "alice")

	if _, err := f.sig.MarkRead(context.Background(), chat.Peer{UserID: "bob"}, "m1"); err != nil {
		t.Fatalf("MarkRead: %v", err)
	}
	if len(f.out.types(t, "alice")) != 1 {
		t.Fatal("alice should receive the receipt")
	}
}
