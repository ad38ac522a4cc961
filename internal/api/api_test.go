package api

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/kindred/chat-relay/internal/auth"
	"github.com/kindred/chat-relay/internal/channel"
	"github.com/kindred/chat-relay/internal/chat"
	"github.com/kindred/chat-relay/internal/presence"
	"github.com/kindred/chat-relay/internal/relay"
	"github.com/kindred/chat-relay/internal/signal"
	"github.com/kindred/chat-relay/internal/store"
)

type nopDeliverer struct{}

func (nopDeliverer) SendMessage(string, []byte) error { return nil }

type fixedLimiter struct{ err error }

func (f fixedLimiter) Check(context.Context, string) error { return f.err }

type testAPI struct {
	mem    *store.Memory
	tokens *auth.Manager
	reg    *presence.Registry
	h      http.Handler
}

func newTestAPI(t *testing.T, limiter Limiter) *testAPI {
	t.Helper()
	mem := store.NewMemory()
	ctx := context.Background()
	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	for i, m := range []chat.Match{
		{ID: "m1", UserA: "alice", UserB: "bob", CreatedAt: base},
		{ID: "m2", UserA: "alice", UserB: "carol", CreatedAt: base.Add(time.Hour)},
	} {
		if err := mem.UpsertMatch(ctx, m); err != nil {
			t.Fatalf("UpsertMatch %d: %v", i, err)
		}
	}

	router := channel.NewRouter(mem)
	reg := presence.NewRegistry(nil)
	tokens := auth.NewManager("test-secret", "kindred-test", time.Hour)
	h := NewHandler(Deps{
		Auth:     tokens,
		Store:    mem,
		Router:   router,
		Relay:    relay.New(router, mem, nopDeliverer{}),
		Signaler: signal.New(router, mem, nopDeliverer{}),
		Presence: reg,
		Limiter:  limiter,
	})
	return &testAPI{mem: mem, tokens: tokens, reg: reg, h: h.Routes()}
}

func (a *testAPI) do(t *testing.T, method, path, user string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatalf("encode: %v", err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	if user != "" {
		token, err := a.tokens.Issue(user)
		if err != nil {
			t.Fatalf("Issue: %v", err)
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)
	return rec
}

func decode(t *testing.T, rec *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(rec.Body.Bytes(), v); err != nil {
		t.Fatalf("decode %q: %v", rec.Body.String(), err)
	}
}

// ---------------------------------------------------------------------------
// Test: auth and error mapping
// ---------------------------------------------------------------------------

func TestAPI_StatusCodes(t *testing.T) {
	a := newTestAPI(t, nil)

	tests := []struct {
		name     string
		method   string
		path     string
		user     string
		body     interface{}
		want     int
		wantCode string
	}{
		{"no credential", http.MethodGet, "/chat/conversations", "", nil, http.StatusUnauthorized, "unauthorized"},
		{"not a participant", http.MethodGet, "/chat/matches/m1/messages", "carol", nil, http.StatusForbidden, "unauthorized"},
		{"unknown match", http.MethodPost, "/chat/matches/zzz/messages", "alice", map[string]string{"content": "hi"}, http.StatusForbidden, "unauthorized"},
		{"empty content", http.MethodPost, "/chat/matches/m1/messages", "alice", map[string]string{"content": "  "}, http.StatusBadRequest, "invalid_content"},
		{"bad cursor", http.MethodGet, "/chat/matches/m1/messages?before=-4", "alice", nil, http.StatusBadRequest, "invalid_content"},
		{"unknown notification", http.MethodPut, "/users/notifications/nope/read", "alice", nil, http.StatusNotFound, "not_found"},
		{"read foreign match", http.MethodPut, "/chat/matches/m1/read", "carol", nil, http.StatusForbidden, "unauthorized"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := a.do(t, tt.method, tt.path, tt.user, tt.body)
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d (%s)", rec.Code, tt.want, rec.Body.String())
			}
			var body ErrorBody
			decode(t, rec, &body)
			if body.Error.Code != tt.wantCode {
				t.Fatalf("code = %q, want %q", body.Error.Code, tt.wantCode)
			}
		})
	}
}

func TestAPI_RateLimited(t *testing.T) {
	a := newTestAPI(t, fixedLimiter{&chat.RateLimitError{RetryAfter: 2500 * time.Millisecond}})

	rec := a.do(t, http.MethodGet, "/chat/conversations", "alice", nil)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", rec.Code)
	}
	if got := rec.Header().Get("Retry-After"); got != "3" {
		t.Fatalf("Retry-After = %q, want 3", got)
	}
}

func TestAPI_HealthIsPublic(t *testing.T) {
	a := newTestAPI(t, fixedLimiter{chat.ErrRateLimited})
	a.reg.Register(chat.Peer{ConnID: "c1", UserID: "alice"})

	rec := a.do(t, http.MethodGet, "/health", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body map[string]interface{}
	decode(t, rec, &body)
	if body["status"] != "ok" || body["onlineUsers"] != float64(1) {
		t.Fatalf("unexpected health %v", body)
	}

	if rec := a.do(t, http.MethodGet, "/metrics", "", nil); rec.Code != http.StatusOK {
		t.Fatalf("metrics status = %d", rec.Code)
	}
}

// ---------------------------------------------------------------------------
// Test: chat endpoints
// ---------------------------------------------------------------------------

func TestAPI_SendAndHistory(t *testing.T) {
	a := newTestAPI(t, nil)

	for _, text := range []string{"one", "two", "three"} {
		rec := a.do(t, http.MethodPost, "/chat/matches/m1/messages", "alice", map[string]string{"content": text})
		if rec.Code != http.StatusCreated {
			t.Fatalf("send %q: status = %d (%s)", text, rec.Code, rec.Body.String())
		}
		var msg chat.Message
		decode(t, rec, &msg)
		if msg.Content != text || msg.SenderID != "alice" || msg.Type != chat.MessageText {
			t.Fatalf("unexpected message %+v", msg)
		}
	}

	rec := a.do(t, http.MethodGet, "/chat/matches/m1/messages?limit=2", "bob", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("history status = %d", rec.Code)
	}
	var page struct {
		MatchID  string         `json:"matchId"`
		Messages []chat.Message `json:"messages"`
	}
	decode(t, rec, &page)
	if len(page.Messages) != 2 || page.Messages[0].Content != "two" || page.Messages[1].Content != "three" {
		t.Fatalf("unexpected page %+v", page.Messages)
	}

	rec = a.do(t, http.MethodGet, "/chat/matches/m1/messages?before="+itoa(page.Messages[0].Seq), "bob", nil)
	decode(t, rec, &page)
	if len(page.Messages) != 1 || page.Messages[0].Content != "one" {
		t.Fatalf("older page = %+v", page.Messages)
	}
}

func TestAPI_ConversationsAndRead(t *testing.T) {
	a := newTestAPI(t, nil)
	a.reg.Register(chat.Peer{ConnID: "c-bob", UserID: "bob"})

	a.do(t, http.MethodPost, "/chat/matches/m1/messages", "bob", map[string]string{"content": "hey alice"})
	a.do(t, http.MethodPost, "/chat/matches/m1/messages", "bob", map[string]string{"content": "you there?"})

	rec := a.do(t, http.MethodGet, "/chat/conversations", "alice", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body struct {
		Conversations []chat.Conversation `json:"conversations"`
	}
	decode(t, rec, &body)
	if len(body.Conversations) != 2 {
		t.Fatalf("conversations = %d, want 2", len(body.Conversations))
	}
	first := body.Conversations[0]
	if first.MatchID != "m1" || first.PartnerID != "bob" || !first.PartnerOnline || first.UnreadCount != 2 {
		t.Fatalf("unexpected first conversation %+v", first)
	}
	if first.LastMessage == nil || first.LastMessage.Content != "you there?" {
		t.Fatalf("unexpected last message %+v", first.LastMessage)
	}
	if second := body.Conversations[1]; second.MatchID != "m2" || second.PartnerOnline || second.LastMessage != nil {
		t.Fatalf("unexpected second conversation %+v", second)
	}

	rec = a.do(t, http.MethodPut, "/chat/matches/m1/read", "alice", nil)
	var read struct {
		Updated int64 `json:"updated"`
	}
	decode(t, rec, &read)
	if read.Updated != 2 {
		t.Fatalf("updated = %d, want 2", read.Updated)
	}

	rec = a.do(t, http.MethodGet, "/chat/conversations", "alice", nil)
	decode(t, rec, &body)
	if body.Conversations[0].UnreadCount != 0 {
		t.Fatalf("unread after read = %d", body.Conversations[0].UnreadCount)
	}
}

// ---------------------------------------------------------------------------
// Test: notifications
// ---------------------------------------------------------------------------

func TestAPI_Notifications(t *testing.T) {
	a := newTestAPI(t, nil)
	ctx := context.Background()
	for i, typ := range []chat.NotificationType{chat.NotificationNewMatch, chat.NotificationLike, chat.NotificationNewMessage} {
		_, err := a.mem.CreateNotification(ctx, chat.Notification{
			ID: "n" + itoa(int64(i)), UserID: "alice", Type: typ, Title: "t",
			CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		})
		if err != nil {
			t.Fatalf("CreateNotification: %v", err)
		}
	}

	var list notificationsResponse
	decode(t, a.do(t, http.MethodGet, "/users/notifications", "alice", nil), &list)
	if len(list.Notifications) != 3 || list.UnreadCount != 3 {
		t.Fatalf("list = %d, unread = %d", len(list.Notifications), list.UnreadCount)
	}

	if rec := a.do(t, http.MethodPut, "/users/notifications/n0/read", "alice", nil); rec.Code != http.StatusNoContent {
		t.Fatalf("mark read status = %d", rec.Code)
	}
	if rec := a.do(t, http.MethodPut, "/users/notifications/n1/read", "bob", nil); rec.Code != http.StatusNotFound {
		t.Fatalf("foreign notification status = %d, want 404", rec.Code)
	}

	decode(t, a.do(t, http.MethodGet, "/users/notifications?limit=1", "alice", nil), &list)
	if len(list.Notifications) != 1 || list.UnreadCount != 2 {
		t.Fatalf("list = %d, unread = %d", len(list.Notifications), list.UnreadCount)
	}

	var all map[string]int64
	decode(t, a.do(t, http.MethodPut, "/users/notifications/read-all", "alice", nil), &all)
	if all["updated"] != 2 {
		t.Fatalf("read-all updated = %d, want 2", all["updated"])
	}
}

func TestAPI_CORSPreflight(t *testing.T) {
	a := newTestAPI(t, nil)
	req := httptest.NewRequest(http.MethodOptions, "/chat/conversations", strings.NewReader(""))
	req.Header.Set("Origin", "https://app.example")
	req.Header.Set("Access-Control-Request-Method", http.MethodGet)
	req.Header.Set("Access-Control-Request-Headers", "Authorization")
	rec := httptest.NewRecorder()
	a.h.ServeHTTP(rec, req)

	if got := rec.Header().Get("Access-Control-Allow-Origin"); got == "" {
		t.Fatalf("missing CORS header, status %d", rec.Code)
	}
}

func itoa(n int64) string { return strconv.FormatInt(n, 10) }
