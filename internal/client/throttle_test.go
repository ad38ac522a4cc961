package client

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kindred/chat-relay/internal/chat"
)

// fakeClock drives a Throttle without sleeping. Scheduled callbacks run only
// when the test calls fire.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	d       time.Duration
	fn      func()
	stopped bool
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()
	was := !t.stopped
	t.stopped = true
	return was
}

func newFakeClock() *fakeClock { return &fakeClock{now: t0} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, fn func()) stopper {
	c.mu.Lock()
	defer c.mu.Unlock()
	t := &fakeTimer{clock: c, d: d, fn: fn}
	c.timers = append(c.timers, t)
	return t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// scheduled returns the delays of timers that are still armed.
func (c *fakeClock) scheduled() []time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []time.Duration
	for _, t := range c.timers {
		if !t.stopped {
			out = append(out, t.d)
		}
	}
	return out
}

// fire advances past every armed timer and runs them in order.
func (c *fakeClock) fire() {
	c.mu.Lock()
	timers := c.timers
	c.timers = nil
	var run []*fakeTimer
	for _, t := range timers {
		if !t.stopped {
			t.stopped = true
			c.now = c.now.Add(t.d)
			run = append(run, t)
		}
	}
	c.mu.Unlock()
	for _, t := range run {
		t.fn()
	}
}

func (c *fakeClock) option() ThrottleOption {
	return withClock(c.Now, c.AfterFunc)
}

type countingFetch struct {
	calls atomic.Int32
	err   func(call int32) error
}

func (f *countingFetch) fetch(context.Context) error {
	n := f.calls.Add(1)
	if f.err != nil {
		return f.err(n)
	}
	return nil
}

// ---------------------------------------------------------------------------
// Test: coalescing
// ---------------------------------------------------------------------------

func TestThrottle_BurstCoalescesIntoOneRetry(t *testing.T) {
	clock := newFakeClock()
	f := &countingFetch{}
	th := NewThrottle(f.fetch, 2*time.Second, 5*time.Second, clock.option())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := th.Trigger(ctx); err != nil {
			t.Fatalf("Trigger %d: %v", i, err)
		}
		clock.Advance(500 * time.Millisecond)
	}

	if got := f.calls.Load(); got != 1 {
		t.Fatalf("calls within the interval = %d, want 1", got)
	}
	sched := clock.scheduled()
	if len(sched) != 1 {
		t.Fatalf("scheduled retries = %d, want 1", len(sched))
	}
	if sched[0] != 1500*time.Millisecond {
		t.Fatalf("retry delay = %s, want 1.5s", sched[0])
	}

	clock.fire()
	if got := f.calls.Load(); got != 2 {
		t.Fatalf("calls after retry = %d, want 2", got)
	}
	if th.Pending() {
		t.Fatal("no retry should remain scheduled")
	}
}

func TestThrottle_CallsAfterIntervalRunImmediately(t *testing.T) {
	clock := newFakeClock()
	f := &countingFetch{}
	th := NewThrottle(f.fetch, 2*time.Second, 5*time.Second, clock.option())

	_ = th.Trigger(context.Background())
	clock.Advance(2 * time.Second)
	_ = th.Trigger(context.Background())

	if got := f.calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
	if th.Pending() {
		t.Fatal("nothing should be scheduled")
	}
}

// ---------------------------------------------------------------------------
// Test: rate-limit backoff
// ---------------------------------------------------------------------------

func TestThrottle_RateLimitBacksOffAndRetriesOnce(t *testing.T) {
	tests := []struct {
		name       string
		retryAfter time.Duration
		wantDelay  time.Duration
	}{
		{"fixed backoff", 0, 5 * time.Second},
		{"shorter server hint", 2 * time.Second, 5 * time.Second},
		{"longer server hint", 8 * time.Second, 8 * time.Second},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := newFakeClock()
			f := &countingFetch{err: func(n int32) error {
				if n == 1 {
					return &chat.RateLimitError{RetryAfter: tt.retryAfter}
				}
				return nil
			}}
			th := NewThrottle(f.fetch, 0, 5*time.Second, clock.option())

			if err := th.Trigger(context.Background()); err != nil {
				t.Fatalf("rate limit should be swallowed, got %v", err)
			}
			// Calls during the backoff join the one scheduled retry.
			clock.Advance(time.Second)
			_ = th.Trigger(context.Background())
			_ = th.Fetch(context.Background())

			sched := clock.scheduled()
			if len(sched) != 1 || sched[0] != tt.wantDelay {
				t.Fatalf("scheduled = %v, want [%s]", sched, tt.wantDelay)
			}
			if got := f.calls.Load(); got != 1 {
				t.Fatalf("calls during backoff = %d, want 1", got)
			}

			clock.fire()
			if got := f.calls.Load(); got != 2 {
				t.Fatalf("calls after retry = %d, want 2", got)
			}
		})
	}
}

func TestThrottle_RateLimitPushesBackEarlierRetry(t *testing.T) {
	clock := newFakeClock()
	var th *Throttle
	var ranAt []time.Time
	f := &countingFetch{err: func(n int32) error {
		ranAt = append(ranAt, clock.Now())
		if n == 1 {
			// Another caller arrives mid-request and queues an interval retry.
			clock.Advance(500 * time.Millisecond)
			_ = th.Trigger(context.Background())
			return &chat.RateLimitError{}
		}
		return nil
	}}
	th = NewThrottle(f.fetch, 2*time.Second, 5*time.Second, clock.option())

	if err := th.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	sched := clock.scheduled()
	if len(sched) != 1 || sched[0] != 5*time.Second {
		t.Fatalf("scheduled = %v, want [5s]", sched)
	}

	clock.fire()
	if got := f.calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
	limitedAt := t0.Add(500 * time.Millisecond)
	if gap := ranAt[1].Sub(limitedAt); gap < 5*time.Second {
		t.Fatalf("retry ran %s after the rate limit, want at least 5s", gap)
	}
}

func TestThrottle_RetryWaitsOutBackoff(t *testing.T) {
	clock := newFakeClock()
	f := &countingFetch{err: func(n int32) error {
		if n == 1 {
			return &chat.RateLimitError{}
		}
		return nil
	}}
	th := NewThrottle(f.fetch, 0, 5*time.Second, clock.option())
	_ = th.Trigger(context.Background())

	// A retry firing inside the backoff window re-arms for the remainder.
	th.mu.Lock()
	th.blockedUntil = th.blockedUntil.Add(3 * time.Second)
	th.mu.Unlock()

	clock.fire()
	if got := f.calls.Load(); got != 1 {
		t.Fatalf("calls inside backoff = %d, want 1", got)
	}
	sched := clock.scheduled()
	if len(sched) != 1 || sched[0] != 3*time.Second {
		t.Fatalf("scheduled = %v, want [3s]", sched)
	}
	clock.fire()
	if got := f.calls.Load(); got != 2 {
		t.Fatalf("calls after backoff = %d, want 2", got)
	}
}

func TestThrottle_RepeatedRateLimitSurfaces(t *testing.T) {
	clock := newFakeClock()
	var surfaced []error
	f := &countingFetch{err: func(int32) error { return &chat.RateLimitError{} }}
	th := NewThrottle(f.fetch, 0, 5*time.Second, clock.option(),
		WithOnError(func(err error) { surfaced = append(surfaced, err) }))

	if err := th.Trigger(context.Background()); err != nil {
		t.Fatalf("first rate limit should be swallowed, got %v", err)
	}
	for i := 0; i < 5; i++ {
		clock.fire()
	}

	if got := f.calls.Load(); got != 2 {
		t.Fatalf("calls = %d, want 2", got)
	}
	if len(surfaced) != 1 || !errors.Is(surfaced[0], chat.ErrRateLimited) {
		t.Fatalf("surfaced = %v, want one rate-limit error", surfaced)
	}
	if th.Pending() {
		t.Fatal("no retry should follow a repeated rate limit")
	}

	// The backoff still holds for the next caller, who gets a fresh retry.
	clock.Advance(time.Second)
	if err := th.Trigger(context.Background()); err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	if got := f.calls.Load(); got != 2 || !th.Pending() {
		t.Fatalf("calls = %d, pending = %v", got, th.Pending())
	}
}

func TestThrottle_OtherErrorsReturned(t *testing.T) {
	boom := errors.New("boom")
	f := &countingFetch{err: func(int32) error { return boom }}
	th := NewThrottle(f.fetch, time.Second, time.Second, newFakeClock().option())

	if err := th.Trigger(context.Background()); !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}
}

func TestThrottle_RetryErrorsGoToCallback(t *testing.T) {
	clock := newFakeClock()
	boom := errors.New("boom")
	var got error
	f := &countingFetch{err: func(n int32) error {
		if n == 1 {
			return nil
		}
		return boom
	}}
	th := NewThrottle(f.fetch, time.Second, time.Second, clock.option(), WithOnError(func(err error) { got = err }))

	_ = th.Trigger(context.Background())
	_ = th.Trigger(context.Background())
	clock.fire()

	if !errors.Is(got, boom) {
		t.Fatalf("callback got %v, want boom", got)
	}
}

// ---------------------------------------------------------------------------
// Test: sharing and stop
// ---------------------------------------------------------------------------

func TestThrottle_ConcurrentFetchesShareOneCall(t *testing.T) {
	release := make(chan struct{})
	started := make(chan struct{}, 4)
	var calls atomic.Int32
	th := NewThrottle(func(context.Context) error {
		calls.Add(1)
		started <- struct{}{}
		<-release
		return nil
	}, 0, time.Second)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = th.Fetch(context.Background())
	}()
	<-started

	wg.Add(1)
	go func() {
		defer wg.Done()
		_ = th.Fetch(context.Background())
	}()
	// Give the second caller time to join the in-flight call.
	time.Sleep(50 * time.Millisecond)
	close(release)
	wg.Wait()

	if got := calls.Load(); got != 1 {
		t.Fatalf("calls = %d, want 1", got)
	}
}

func TestThrottle_StopCancelsRetry(t *testing.T) {
	clock := newFakeClock()
	f := &countingFetch{}
	th := NewThrottle(f.fetch, 2*time.Second, time.Second, clock.option())

	_ = th.Trigger(context.Background())
	_ = th.Trigger(context.Background())
	if !th.Pending() {
		t.Fatal("expected a scheduled retry")
	}

	th.Stop()
	if th.Pending() || len(clock.scheduled()) != 0 {
		t.Fatal("stop should cancel the retry")
	}
	_ = th.Trigger(context.Background())
	if got := f.calls.Load(); got != 1 {
		t.Fatalf("calls after stop = %d, want 1", got)
	}
}
