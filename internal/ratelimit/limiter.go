// Package ratelimit provides Redis-backed fixed-window rate limiting using
// INCR + EXPIRE. Message sends are limited per user on the realtime path and
// every authenticated REST call is limited per user on the HTTP path.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/kindred/chat-relay/internal/chat"
	"github.com/kindred/chat-relay/internal/config"
	"github.com/kindred/chat-relay/internal/log"
)

// Rule defines a rate limiting policy: the Redis key prefix, maximum number of
// requests allowed in the window, and the window duration.
type Rule struct {
	Key    string        // Redis key prefix (e.g., "rl:msg:", "rl:rest:")
	Limit  int           // max count in the window
	Window time.Duration // time window
}

// Default rules, overridden by config.
var (
	// RuleMessage allows 20 chat messages per 10 seconds per user.
	RuleMessage = Rule{Key: "rl:msg:", Limit: 20, Window: 10 * time.Second}

	// RuleREST allows 120 REST calls per minute per user.
	RuleREST = Rule{Key: "rl:rest:", Limit: 120, Window: time.Minute}
)

// RulesFromConfig builds the message and REST rules from cfg, falling back to
// the defaults for unset values.
func RulesFromConfig(cfg config.RateLimitConfig) (message, rest Rule) {
	message, rest = RuleMessage, RuleREST
	if cfg.MessageLimit > 0 {
		message.Limit = cfg.MessageLimit
	}
	if cfg.MessageWindow > 0 {
		message.Window = cfg.MessageWindow
	}
	if cfg.RESTLimit > 0 {
		rest.Limit = cfg.RESTLimit
	}
	if cfg.RESTWindow > 0 {
		rest.Window = cfg.RESTWindow
	}
	return message, rest
}

// windowScript counts one hit and returns the count with the window's
// remaining TTL in milliseconds. Starting the window and reading the TTL in
// the same script means a key can never be left without an expiry.
var windowScript = redis.NewScript(`
local n = redis.call("INCR", KEYS[1])
if n == 1 then
  redis.call("PEXPIRE", KEYS[1], ARGV[1])
end
return {n, redis.call("PTTL", KEYS[1])}
`)

// Limiter counts requests per identifier in fixed Redis windows.
type Limiter struct {
	client redis.Cmdable
}

func NewLimiter(client redis.Cmdable) *Limiter {
	return &Limiter{client: client}
}

// hit counts one request and returns the new count and the time left in the
// window.
func (l *Limiter) hit(ctx context.Context, identifier string, rule Rule) (int64, time.Duration, error) {
	res, err := windowScript.Run(ctx, l.client, []string{rule.Key + identifier}, rule.Window.Milliseconds()).Int64Slice()
	if err != nil {
		return 0, 0, err
	}
	if len(res) != 2 {
		return 0, 0, fmt.Errorf("ratelimit: unexpected script reply %v", res)
	}
	ttl := time.Duration(res[1]) * time.Millisecond
	if ttl <= 0 {
		ttl = rule.Window
	}
	return res[0], ttl, nil
}

// Allow counts one request and reports whether it is within rule. Redis
// errors fail open: the request is allowed and the error returned for
// logging.
func (l *Limiter) Allow(ctx context.Context, identifier string, rule Rule) (bool, error) {
	n, _, err := l.hit(ctx, identifier, rule)
	if err != nil {
		logger := log.Component("ratelimit")
		logger.Warn().Err(err).Str("key", rule.Key+identifier).Msg("rate limit check failed, failing open")
		return true, err
	}
	return n <= int64(rule.Limit), nil
}

// Remaining reports how many requests identifier has left in its current
// window without counting one.
func (l *Limiter) Remaining(ctx context.Context, identifier string, rule Rule) (int, error) {
	n, err := l.client.Get(ctx, rule.Key+identifier).Int()
	if errors.Is(err, redis.Nil) {
		return rule.Limit, nil
	}
	if err != nil {
		return rule.Limit, err
	}
	if left := rule.Limit - n; left > 0 {
		return left, nil
	}
	return 0, nil
}

// Policy binds a Limiter to one Rule.
type Policy struct {
	limiter *Limiter
	rule    Rule
}

func (l *Limiter) Policy(rule Rule) *Policy {
	return &Policy{limiter: l, rule: rule}
}

func (p *Policy) Rule() Rule { return p.rule }

// Check counts one request for identifier. Over the limit it returns a
// *chat.RateLimitError carrying the time left in the window. Redis failures
// fail open and return nil.
func (p *Policy) Check(ctx context.Context, identifier string) error {
	n, ttl, err := p.limiter.hit(ctx, identifier, p.rule)
	if err != nil {
		logger := log.Component("ratelimit")
		logger.Warn().Err(err).Str("key", p.rule.Key+identifier).Msg("rate limit check failed, failing open")
		return nil
	}
	if n <= int64(p.rule.Limit) {
		return nil
	}
	return &chat.RateLimitError{RetryAfter: ttl}
}
