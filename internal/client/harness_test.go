package client

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/kindred/chat-relay/internal/api"
	"github.com/kindred/chat-relay/internal/auth"
	"github.com/kindred/chat-relay/internal/channel"
	"github.com/kindred/chat-relay/internal/chat"
	"github.com/kindred/chat-relay/internal/eventbus"
	"github.com/kindred/chat-relay/internal/gateway"
	"github.com/kindred/chat-relay/internal/presence"
	"github.com/kindred/chat-relay/internal/relay"
	"github.com/kindred/chat-relay/internal/signal"
	"github.com/kindred/chat-relay/internal/store"
	"github.com/kindred/chat-relay/internal/ws"
)

// relayServer is the whole relay running in-process over httptest.
type relayServer struct {
	mem    *store.Memory
	router *channel.Router
	tokens *auth.Manager
	http   *httptest.Server
}

func newRelayServer(t *testing.T, limiter api.Limiter) *relayServer {
	t.Helper()
	mem := store.NewMemory()
	ctx := context.Background()
	for _, m := range []chat.Match{
		{ID: "m1", UserA: "alice", UserB: "bob", CreatedAt: t0},
		{ID: "m2", UserA: "alice", UserB: "carol", CreatedAt: t0.Add(time.Hour)},
	} {
		if err := mem.UpsertMatch(ctx, m); err != nil {
			t.Fatalf("UpsertMatch: %v", err)
		}
	}

	tokens := auth.NewManager("client-test-secret", "kindred-test", time.Hour)
	router := channel.NewRouter(mem)
	reg := presence.NewRegistry(nil)

	cfg := ws.DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	dispatcher := ws.NewMessageDispatcher()
	srv := ws.NewServer(cfg, tokens, dispatcher.Dispatch)

	rl := relay.New(router, mem, srv)
	sig := signal.New(router, mem, srv)
	gateway.New(reg, router, rl, sig).Attach(srv, dispatcher)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h := api.NewHandler(api.Deps{
		Auth:     tokens,
		Store:    mem,
		Router:   router,
		Relay:    rl,
		Signaler: sig,
		Presence: reg,
		Limiter:  limiter,
		Realtime: srv,
	})
	hs := httptest.NewServer(h.Routes())
	t.Cleanup(func() {
		hs.Close()
		_ = srv.Shutdown()
	})
	return &relayServer{mem: mem, router: router, tokens: tokens, http: hs}
}

func (rs *relayServer) token(t *testing.T, user string) string {
	t.Helper()
	tok, err := rs.tokens.Issue(user)
	if err != nil {
		t.Fatalf("Issue: %v", err)
	}
	return tok
}

func (rs *relayServer) apiClient(t *testing.T, user string) *APIClient {
	return NewAPIClient(rs.http.URL, rs.token(t, user), nil)
}

func (rs *relayServer) wsURL() string {
	return "ws" + strings.TrimPrefix(rs.http.URL, "http") + "/ws"
}

func (rs *relayServer) socket(t *testing.T, user string, bus *eventbus.Bus[Event]) *Socket {
	t.Helper()
	s := NewSocket(SocketConfig{
		URL:        rs.wsURL(),
		Token:      rs.token(t, user),
		MinBackoff: 50 * time.Millisecond,
		MaxBackoff: 200 * time.Millisecond,
	}, bus)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func (rs *relayServer) members(matchID string) int {
	return len(rs.router.Members(matchID))
}

// waitFor polls cond until it holds or two seconds pass.
func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
