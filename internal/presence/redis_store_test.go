package presence

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kindred/chat-relay/internal/chat"
)

func newTestRedisStore(t *testing.T) *RedisStore {
	t.Helper()
	addr := os.Getenv("KINDRED_TEST_REDIS_ADDR")
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx := context.Background()
	if err := client.Ping(ctx).Err(); err != nil {
		t.Skipf("redis not available: %v", err)
	}
	t.Cleanup(func() {
		iter := client.Scan(ctx, 0, PresencePrefix+"test_*", 100).Iterator()
		for iter.Next(ctx) {
			client.Del(ctx, iter.Val())
		}
		client.Close()
	})
	return NewRedisStore(client, "relay-test")
}

func TestRedisStore_OnlineOffline(t *testing.T) {
	s := newTestRedisStore(t)
	ctx := context.Background()

	st, err := s.Get(ctx, "test_nobody")
	if err != nil || st != nil {
		t.Fatalf("expected nil status for unknown user, got %+v (err=%v)", st, err)
	}

	r := NewRegistry(s)
	r.Register(chat.Peer{ConnID: "c1", UserID: "test_dana"})

	st, err = s.Get(ctx, "test_dana")
	if err != nil {
		t.Fatal(err)
	}
	if st == nil || !st.Online || st.Server != "relay-test" {
		t.Fatalf("expected online on relay-test, got %+v", st)
	}

	before := time.Now().Add(-time.Second)
	r.Unregister("c1")

	st, err = s.Get(ctx, "test_dana")
	if err != nil {
		t.Fatal(err)
	}
	if st.Online {
		t.Fatal("expected offline after last connection closed")
	}
	if st.LastActive.Before(before.Truncate(time.Second)) {
		t.Errorf("last active %v not recorded", st.LastActive)
	}
}
