package loadtest

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kindred/chat-relay/internal/chat"
	"github.com/kindred/chat-relay/internal/client"
	"github.com/kindred/chat-relay/internal/eventbus"
	"github.com/kindred/chat-relay/internal/log"
)

// Config controls one bench run.
type Config struct {
	WSURL string
	// RunID namespaces generated match and user ids so runs never collide.
	RunID       string
	Pairs       int
	Messages    int // sent by each pair's first user
	Interval    time.Duration
	Concurrency int
	// JoinTimeout bounds the wait for match_joined, which also covers the
	// relay ingesting a seeded match.
	JoinTimeout time.Duration
	// DrainTimeout bounds the wait for outstanding deliveries after the last
	// send.
	DrainTimeout time.Duration
}

// DefaultConfig returns settings for a small local run.
func DefaultConfig() Config {
	return Config{
		WSURL:        "ws://localhost:8080/ws",
		RunID:        time.Now().UTC().Format("150405"),
		Pairs:        10,
		Messages:     20,
		Interval:     100 * time.Millisecond,
		Concurrency:  20,
		JoinTimeout:  5 * time.Second,
		DrainTimeout: 5 * time.Second,
	}
}

// MatchSeeder makes a match known to the relay before its users connect.
type MatchSeeder interface {
	SeedMatch(ctx context.Context, m chat.Match) error
}

// SeederFunc adapts a function to MatchSeeder.
type SeederFunc func(ctx context.Context, m chat.Match) error

func (f SeederFunc) SeedMatch(ctx context.Context, m chat.Match) error { return f(ctx, m) }

// TokenIssuer mints bearer tokens for generated users.
type TokenIssuer interface {
	Issue(userID string) (string, error)
}

// Runner drives Pairs matched user pairs through connect, join and a one-way
// message stream, recording results in a Collector.
type Runner struct {
	cfg       Config
	seeder    MatchSeeder
	tokens    TokenIssuer
	collector *Collector
}

func NewRunner(cfg Config, seeder MatchSeeder, tokens TokenIssuer, collector *Collector) *Runner {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	return &Runner{cfg: cfg, seeder: seeder, tokens: tokens, collector: collector}
}

// Pair names the match and users of pair i.
func (r *Runner) Pair(i int) chat.Match {
	prefix := fmt.Sprintf("bench-%s-%d", r.cfg.RunID, i)
	return chat.Match{
		ID:        prefix,
		UserA:     prefix + "-a",
		UserB:     prefix + "-b",
		CreatedAt: time.Now().UTC(),
	}
}

// Run executes every pair, at most Concurrency at a time, and returns when
// all pairs finished or ctx is done. Per-pair failures are counted, not
// returned.
func (r *Runner) Run(ctx context.Context) error {
	if r.cfg.Pairs <= 0 {
		return errors.New("loadtest: pairs must be positive")
	}
	logger := log.Component("bench")

	sem := make(chan struct{}, r.cfg.Concurrency)
	var wg sync.WaitGroup
	for i := 0; i < r.cfg.Pairs; i++ {
		select {
		case <-ctx.Done():
			wg.Wait()
			return ctx.Err()
		case sem <- struct{}{}:
		}
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			defer func() { <-sem }()
			if err := r.runPair(ctx, r.Pair(i)); err != nil {
				r.collector.AddError()
				logger.Warn().Err(err).Int("pair", i).Msg("pair failed")
			}
		}(i)
	}
	wg.Wait()
	return nil
}

// benchUser is one connected side of a pair.
type benchUser struct {
	socket *client.Socket
	bus    *eventbus.Bus[client.Event]
	events <-chan client.Event
	subID  uint64
}

func (u *benchUser) close() {
	u.bus.Unsubscribe(u.subID)
	_ = u.socket.Close()
	u.bus.Close()
}

func (r *Runner) connect(ctx context.Context, userID string) (*benchUser, error) {
	token, err := r.tokens.Issue(userID)
	if err != nil {
		return nil, err
	}
	bus := eventbus.New[client.Event](256)
	id, events := bus.Subscribe()
	sock := client.NewSocket(client.SocketConfig{URL: r.cfg.WSURL, Token: token}, bus)

	start := time.Now()
	if err := sock.Connect(ctx); err != nil {
		bus.Close()
		return nil, fmt.Errorf("connect %s: %w", userID, err)
	}
	r.collector.AddConnect(time.Since(start))
	return &benchUser{socket: sock, bus: bus, events: events, subID: id}, nil
}

// awaitJoin retries join_match until the relay confirms it. A freshly seeded
// match may not be visible yet, which the relay reports as unauthorized.
func (r *Runner) awaitJoin(ctx context.Context, u *benchUser, matchID string) error {
	deadline := time.NewTimer(r.cfg.JoinTimeout)
	defer deadline.Stop()
	retry := time.NewTicker(250 * time.Millisecond)
	defer retry.Stop()

	if err := u.socket.Join(matchID); err != nil {
		return err
	}
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("join %s: timed out", matchID)
		case <-retry.C:
			if err := u.socket.Join(matchID); err != nil {
				return err
			}
		case ev, ok := <-u.events:
			if !ok {
				return errors.New("event stream closed")
			}
			if ev.Kind == client.EventJoined && ev.MatchID == matchID {
				return nil
			}
		}
	}
}

func (r *Runner) runPair(ctx context.Context, m chat.Match) error {
	if err := r.seeder.SeedMatch(ctx, m); err != nil {
		return fmt.Errorf("seed %s: %w", m.ID, err)
	}

	sender, err := r.connect(ctx, m.UserA)
	if err != nil {
		return err
	}
	defer sender.close()
	receiver, err := r.connect(ctx, m.UserB)
	if err != nil {
		return err
	}
	defer receiver.close()

	if err := r.awaitJoin(ctx, sender, m.ID); err != nil {
		return err
	}
	if err := r.awaitJoin(ctx, receiver, m.ID); err != nil {
		return err
	}

	var (
		mu      sync.Mutex
		pending = make(map[string]time.Time, r.cfg.Messages)
	)
	received := make(chan struct{})
	go func() {
		defer close(received)
		got := 0
		for ev := range receiver.events {
			if ev.Kind != client.EventMessage || ev.Message == nil || ev.MatchID != m.ID {
				continue
			}
			mu.Lock()
			sentAt, ok := pending[ev.Message.Content]
			delete(pending, ev.Message.Content)
			mu.Unlock()
			if !ok {
				continue
			}
			r.collector.AddDelivery(time.Since(sentAt))
			got++
			if got == r.cfg.Messages {
				return
			}
		}
	}()

	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()
	for n := 0; n < r.cfg.Messages; n++ {
		content := benchContent(m.ID, n)
		mu.Lock()
		pending[content] = time.Now()
		mu.Unlock()
		if err := sender.socket.SendMessage(m.ID, content, chat.MessageText, ""); err != nil {
			return fmt.Errorf("send: %w", err)
		}
		r.collector.AddSent()
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	select {
	case <-received:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(r.cfg.DrainTimeout):
		mu.Lock()
		lost := len(pending)
		mu.Unlock()
		return fmt.Errorf("%d of %d messages not delivered", lost, r.cfg.Messages)
	}
}

func benchContent(matchID string, n int) string {
	return strings.Join([]string{"bench", matchID, fmt.Sprint(n)}, " ")
}
