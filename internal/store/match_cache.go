package store

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kindred/chat-relay/internal/chat"
	"github.com/kindred/chat-relay/internal/log"
)

const (
	MatchCachePrefix     = "match:"
	DefaultMatchCacheTTL = 10 * time.Minute
)

// CachedDirectory serves match participant lookups from Redis hashes and
// falls through to the backing directory on a miss. Every join and send does
// a participant check, so this keeps those off the database.
type CachedDirectory struct {
	next MatchDirectory
	rdb  *redis.Client
	ttl  time.Duration
}

// NewCachedDirectory wraps next with a Redis cache.
func NewCachedDirectory(next MatchDirectory, rdb *redis.Client, ttl time.Duration) *CachedDirectory {
	if ttl <= 0 {
		ttl = DefaultMatchCacheTTL
	}
	return &CachedDirectory{next: next, rdb: rdb, ttl: ttl}
}

// GetMatch returns the cached match or loads and caches it. Redis errors
// degrade to the backing directory.
func (c *CachedDirectory) GetMatch(ctx context.Context, matchID string) (chat.Match, error) {
	key := MatchCachePrefix + matchID

	result, err := c.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		logger := log.Component("store")
		logger.Warn().Err(err).Str(log.FieldMatchID, matchID).Msg("match cache read failed")
	} else if len(result) > 0 {
		createdAt, _ := strconv.ParseInt(result["created_at"], 10, 64)
		return chat.Match{
			ID:        matchID,
			UserA:     result["user_a"],
			UserB:     result["user_b"],
			CreatedAt: time.Unix(createdAt, 0).UTC(),
		}, nil
	}

	m, err := c.next.GetMatch(ctx, matchID)
	if err != nil {
		return chat.Match{}, err
	}

	if err := c.put(ctx, m); err != nil {
		logger := log.Component("store")
		logger.Warn().Err(err).Str(log.FieldMatchID, matchID).Msg("match cache write failed")
	}
	return m, nil
}

// MatchesForUser is not cached.
func (c *CachedDirectory) MatchesForUser(ctx context.Context, userID string) ([]chat.Match, error) {
	return c.next.MatchesForUser(ctx, userID)
}

// Invalidate drops a cached match.
func (c *CachedDirectory) Invalidate(ctx context.Context, matchID string) error {
	if err := c.rdb.Del(ctx, MatchCachePrefix+matchID).Err(); err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("store: invalidate match %s: %w", matchID, err)
	}
	return nil
}

func (c *CachedDirectory) put(ctx context.Context, m chat.Match) error {
	key := MatchCachePrefix + m.ID

	pipe := c.rdb.Pipeline()
	pipe.HSet(ctx, key, map[string]interface{}{
		"user_a":     m.UserA,
		"user_b":     m.UserB,
		"created_at": m.CreatedAt.Unix(),
	})
	pipe.Expire(ctx, key, c.ttl)
	_, err := pipe.Exec(ctx)
	return err
}
