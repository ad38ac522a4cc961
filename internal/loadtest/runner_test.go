package loadtest

import (
	"context"
	"errors"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/kindred/chat-relay/internal/api"
	"github.com/kindred/chat-relay/internal/auth"
	"github.com/kindred/chat-relay/internal/channel"
	"github.com/kindred/chat-relay/internal/chat"
	"github.com/kindred/chat-relay/internal/gateway"
	"github.com/kindred/chat-relay/internal/presence"
	"github.com/kindred/chat-relay/internal/relay"
	"github.com/kindred/chat-relay/internal/signal"
	"github.com/kindred/chat-relay/internal/store"
	"github.com/kindred/chat-relay/internal/ws"
)

// startRelay runs the relay in-process and returns its store, token manager
// and realtime URL.
func startRelay(t *testing.T) (*store.Memory, *auth.Manager, string) {
	t.Helper()
	mem := store.NewMemory()
	tokens := auth.NewManager("bench-test-secret", "kindred-test", time.Hour)
	router := channel.NewRouter(mem)

	cfg := ws.DefaultServerConfig()
	cfg.WorkerPoolSize = 8
	dispatcher := ws.NewMessageDispatcher()
	srv := ws.NewServer(cfg, tokens, dispatcher.Dispatch)
	rl := relay.New(router, mem, srv)
	sig := signal.New(router, mem, srv)
	gateway.New(presence.NewRegistry(nil), router, rl, sig).Attach(srv, dispatcher)
	if err := srv.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}

	h := api.NewHandler(api.Deps{
		Auth:     tokens,
		Store:    mem,
		Router:   router,
		Relay:    rl,
		Signaler: sig,
		Presence: presence.NewRegistry(nil),
		Realtime: srv,
	})
	hs := httptest.NewServer(h.Routes())
	t.Cleanup(func() {
		hs.Close()
		_ = srv.Shutdown()
	})
	return mem, tokens, "ws" + strings.TrimPrefix(hs.URL, "http") + "/ws"
}

func testConfig(url string) Config {
	cfg := DefaultConfig()
	cfg.WSURL = url
	cfg.RunID = "t"
	cfg.Pairs = 3
	cfg.Messages = 5
	cfg.Interval = 5 * time.Millisecond
	cfg.Concurrency = 2
	cfg.JoinTimeout = 2 * time.Second
	cfg.DrainTimeout = 2 * time.Second
	return cfg
}

// ---------------------------------------------------------------------------
// Test: Runner
// ---------------------------------------------------------------------------

func TestRunner_DeliversEveryMessage(t *testing.T) {
	mem, tokens, url := startRelay(t)
	collector := NewCollector()
	seeder := SeederFunc(func(ctx context.Context, m chat.Match) error {
		return mem.UpsertMatch(ctx, m)
	})

	r := NewRunner(testConfig(url), seeder, tokens, collector)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	if n := collector.ErrorCount(); n != 0 {
		t.Fatalf("errors = %d", n)
	}
	if n := collector.ConnectionCount(); n != 6 {
		t.Fatalf("connections = %d, want 6", n)
	}
	sent, delivered := collector.Counts()
	if sent != 15 || delivered != 15 {
		t.Fatalf("sent %d, delivered %d, want 15/15", sent, delivered)
	}

	history, err := mem.ListMessages(ctx, r.Pair(0).ID, 0, 50)
	if err != nil || len(history) != 5 {
		t.Fatalf("history = %d messages, %v", len(history), err)
	}
}

// The relay learns about matches asynchronously in production, so the
// runner keeps re-joining until the match shows up.
func TestRunner_WaitsForLateMatch(t *testing.T) {
	mem, tokens, url := startRelay(t)
	collector := NewCollector()

	var wg sync.WaitGroup
	seeder := SeederFunc(func(ctx context.Context, m chat.Match) error {
		wg.Add(1)
		time.AfterFunc(300*time.Millisecond, func() {
			defer wg.Done()
			_ = mem.UpsertMatch(context.Background(), m)
		})
		return nil
	})

	cfg := testConfig(url)
	cfg.Pairs = 1
	r := NewRunner(cfg, seeder, tokens, collector)
	if err := r.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	wg.Wait()

	if collector.ErrorCount() != 0 {
		t.Fatalf("errors = %d", collector.ErrorCount())
	}
	if _, delivered := collector.Counts(); delivered != 5 {
		t.Fatalf("delivered = %d", delivered)
	}
}

func TestRunner_SeedFailureCountsAsError(t *testing.T) {
	_, tokens, url := startRelay(t)
	collector := NewCollector()
	seeder := SeederFunc(func(context.Context, chat.Match) error {
		return errors.New("broker down")
	})

	if err := NewRunner(testConfig(url), seeder, tokens, collector).Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if collector.ErrorCount() != 3 || collector.ConnectionCount() != 0 {
		t.Fatalf("errors = %d, connections = %d", collector.ErrorCount(), collector.ConnectionCount())
	}
}

func TestRunner_RejectsEmptyRun(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Pairs = 0
	if err := NewRunner(cfg, nil, nil, NewCollector()).Run(context.Background()); err == nil {
		t.Fatal("expected an error for zero pairs")
	}
}

func TestRunner_PairNames(t *testing.T) {
	cfg := DefaultConfig()
	cfg.RunID = "r1"
	m := NewRunner(cfg, nil, nil, NewCollector()).Pair(7)
	if m.ID != "bench-r1-7" || m.UserA != "bench-r1-7-a" || m.UserB != "bench-r1-7-b" {
		t.Fatalf("pair = %+v", m)
	}
}
