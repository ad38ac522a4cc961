package presence

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kindred/chat-relay/internal/log"
)

const (
	// PresencePrefix is the Redis key prefix for per-user presence hashes.
	PresencePrefix = "presence:user:"

	// OnlineTTL bounds how long an online flag survives a crashed node.
	OnlineTTL = 1 * time.Hour

	// LastActiveTTL is how long the last-active timestamp is retained.
	LastActiveTTL = 30 * 24 * time.Hour
)

// Status is a user's presence hash as stored in Redis.
type Status struct {
	Online     bool      `json:"online"`
	Server     string    `json:"server"`
	LastActive time.Time `json:"lastActive"`
}

// RedisStore records presence transitions in Redis hashes so other services
// can read last-active timestamps.
type RedisStore struct {
	client     *redis.Client
	serverName string // identifier for this relay instance
}

// NewRedisStore creates a presence store on an existing Redis client.
func NewRedisStore(client *redis.Client, serverName string) *RedisStore {
	return &RedisStore{client: client, serverName: serverName}
}

// MarkOnline flags the user online on this server.
func (s *RedisStore) MarkOnline(ctx context.Context, userID string, at time.Time) error {
	key := PresencePrefix + userID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"online":      "1",
		"server":      s.serverName,
		"last_active": at.Unix(),
	})
	pipe.Expire(ctx, key, OnlineTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: mark online: %w", err)
	}
	return nil
}

// MarkOffline clears the online flag and records the last-active time.
func (s *RedisStore) MarkOffline(ctx context.Context, userID string, lastActive time.Time) error {
	key := PresencePrefix + userID

	pipe := s.client.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"online":      "0",
		"server":      "",
		"last_active": lastActive.Unix(),
	})
	pipe.Expire(ctx, key, LastActiveTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: mark offline: %w", err)
	}
	return nil
}

// Get returns the stored status, or nil if the user has never connected.
func (s *RedisStore) Get(ctx context.Context, userID string) (*Status, error) {
	result, err := s.client.HGetAll(ctx, PresencePrefix+userID).Result()
	if err != nil {
		return nil, fmt.Errorf("presence: get: %w", err)
	}
	if len(result) == 0 {
		return nil, nil
	}

	lastActive, _ := strconv.ParseInt(result["last_active"], 10, 64)
	return &Status{
		Online:     result["online"] == "1",
		Server:     result["server"],
		LastActive: time.Unix(lastActive, 0).UTC(),
	}, nil
}

// RefreshOnline extends the online TTL for users still connected here.
func (s *RedisStore) RefreshOnline(ctx context.Context, userIDs []string) error {
	if len(userIDs) == 0 {
		return nil
	}
	pipe := s.client.Pipeline()
	for _, id := range userIDs {
		pipe.Expire(ctx, PresencePrefix+id, OnlineTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("presence: refresh: %w", err)
	}
	return nil
}

// KeepAlive refreshes the online TTL of every user registered in r until ctx
// is cancelled, so a node that dies without cleanup ages its users out.
func (s *RedisStore) KeepAlive(ctx context.Context, r *Registry, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			refreshCtx, cancel := context.WithTimeout(ctx, recorderTimeout)
			if err := s.RefreshOnline(refreshCtx, r.Users()); err != nil {
				logger := log.Component("presence")
				logger.Warn().Err(err).Msg("presence keepalive failed")
			}
			cancel()
		}
	}
}
