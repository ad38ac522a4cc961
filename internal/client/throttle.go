package client

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/kindred/chat-relay/internal/chat"
)

const (
	// NotificationPollInterval is the minimum gap between notification polls.
	NotificationPollInterval = 2 * time.Second
	// RateLimitBackoff is how long polling pauses after the server throttles.
	RateLimitBackoff = 5 * time.Second
)

type stopper interface {
	Stop() bool
}

func realAfterFunc(d time.Duration, fn func()) stopper {
	return time.AfterFunc(d, fn)
}

// ThrottleOption configures a Throttle.
type ThrottleOption func(*Throttle)

// WithOnError sets a callback for errors from scheduled retries, which have
// no caller to return to.
func WithOnError(fn func(error)) ThrottleOption {
	return func(t *Throttle) { t.onError = fn }
}

func withClock(now func() time.Time, after func(time.Duration, func()) stopper) ThrottleOption {
	return func(t *Throttle) {
		t.now = now
		t.afterFunc = after
	}
}

// Throttle guards a background fetch. Calls closer together than the minimum
// interval, or made while backing off from a rate limit, are coalesced into
// a single scheduled retry. Concurrent fetches share one in-flight call.
type Throttle struct {
	fn          func(context.Context) error
	minInterval time.Duration
	backoff     time.Duration
	onError     func(error)

	now       func() time.Time
	afterFunc func(time.Duration, func()) stopper

	group  singleflight.Group
	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	lastRun      time.Time
	blockedUntil time.Time
	limited      bool
	pending      stopper
	pendingAt    time.Time
	stopped      bool
}

// NewThrottle wraps fn.
func NewThrottle(fn func(context.Context) error, minInterval, backoff time.Duration, opts ...ThrottleOption) *Throttle {
	ctx, cancel := context.WithCancel(context.Background())
	t := &Throttle{
		fn:          fn,
		minInterval: minInterval,
		backoff:     backoff,
		now:         time.Now,
		afterFunc:   realAfterFunc,
		ctx:         ctx,
		cancel:      cancel,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Trigger runs fn now if the interval and any backoff have elapsed, otherwise
// it makes sure exactly one retry is scheduled and returns nil. A rate-limit
// error from fn is swallowed and turned into a backoff plus one retry; if
// that retry is rate limited too, the error goes to the WithOnError callback.
func (t *Throttle) Trigger(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	now := t.now()
	if wait := t.waitLocked(now); wait > 0 {
		t.scheduleLocked(wait)
		t.mu.Unlock()
		return nil
	}
	t.lastRun = now
	t.mu.Unlock()
	return t.run(ctx)
}

// Fetch runs fn immediately regardless of the minimum interval, for loads the
// user asked for. It still honours a rate-limit backoff.
func (t *Throttle) Fetch(ctx context.Context) error {
	t.mu.Lock()
	if t.stopped {
		t.mu.Unlock()
		return nil
	}
	now := t.now()
	if wait := t.blockedUntil.Sub(now); wait > 0 {
		t.scheduleLocked(wait)
		t.mu.Unlock()
		return nil
	}
	t.lastRun = now
	t.mu.Unlock()
	return t.run(ctx)
}

func (t *Throttle) waitLocked(now time.Time) time.Duration {
	wait := t.blockedUntil.Sub(now)
	if !t.lastRun.IsZero() {
		if d := t.lastRun.Add(t.minInterval).Sub(now); d > wait {
			wait = d
		}
	}
	return wait
}

func (t *Throttle) run(ctx context.Context) error {
	return t.runAs(ctx, false)
}

// runAs calls fn. A rate limit on a first attempt becomes a backoff plus one
// retry; a rate limit on that retry is returned.
func (t *Throttle) runAs(ctx context.Context, afterLimit bool) error {
	_, err, _ := t.group.Do("fetch", func() (interface{}, error) {
		return nil, t.fn(ctx)
	})
	if err == nil || !errors.Is(err, chat.ErrRateLimited) {
		return err
	}

	wait := t.backoff
	if retry := chat.RetryAfter(err); retry > wait {
		wait = retry
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := t.now()
	if until := now.Add(wait); until.After(t.blockedUntil) {
		t.blockedUntil = until
	}
	if afterLimit {
		return err
	}
	if !t.stopped {
		t.limited = true
		t.scheduleLocked(t.blockedUntil.Sub(now))
	}
	return nil
}

// scheduleLocked arms the single retry timer. An armed timer that would fire
// before the new time is pushed back.
func (t *Throttle) scheduleLocked(wait time.Duration) {
	fireAt := t.now().Add(wait)
	if t.pending != nil {
		if !t.pendingAt.Before(fireAt) {
			return
		}
		t.pending.Stop()
	}
	t.pendingAt = fireAt
	t.pending = t.afterFunc(wait, t.retry)
}

func (t *Throttle) retry() {
	t.mu.Lock()
	t.pending = nil
	if t.stopped {
		t.mu.Unlock()
		return
	}
	now := t.now()
	if wait := t.blockedUntil.Sub(now); wait > 0 {
		t.scheduleLocked(wait)
		t.mu.Unlock()
		return
	}
	afterLimit := t.limited
	t.limited = false
	t.lastRun = now
	t.mu.Unlock()

	if err := t.runAs(t.ctx, afterLimit); err != nil && t.onError != nil {
		t.onError(err)
	}
}

// Pending reports whether a retry is scheduled.
func (t *Throttle) Pending() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.pending != nil
}

// Stop cancels any scheduled retry. Later calls are no-ops.
func (t *Throttle) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	if t.pending != nil {
		t.pending.Stop()
		t.pending = nil
	}
	t.cancel()
}
