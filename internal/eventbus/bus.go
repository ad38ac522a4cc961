// Package eventbus is an in-process fan-out hub. Each subscriber receives
// events on its own buffered channel; when that buffer is full the event is
// dropped for that subscriber only, so a slow consumer never stalls the
// publisher. Unbounded subscribers queue instead of dropping.
package eventbus

import (
	"sync"
	"sync/atomic"
)

const defaultBuffer = 32

// Bus fans events of type T out to subscribers. It is safe for concurrent use.
type Bus[T any] struct {
	mu      sync.RWMutex
	subs    map[uint64]*subscriber[T]
	nextID  uint64
	bufSize int
	dropped atomic.Uint64
}

type subscriber[T any] struct {
	ch chan T
	q  *queue[T]
}

func (s *subscriber[T]) deliver(ev T) bool {
	if s.q != nil {
		s.q.push(ev)
		return true
	}
	select {
	case s.ch <- ev:
		return true
	default:
		return false
	}
}

func (s *subscriber[T]) close() {
	if s.q != nil {
		s.q.stop()
		return
	}
	close(s.ch)
}

// New creates a Bus whose subscriber channels hold bufSize events. A
// non-positive size uses a default of 32.
func New[T any](bufSize int) *Bus[T] {
	if bufSize <= 0 {
		bufSize = defaultBuffer
	}
	return &Bus[T]{subs: make(map[uint64]*subscriber[T]), bufSize: bufSize}
}

// Subscribe registers a subscriber and returns its id and receive channel.
// Callers must Unsubscribe to release it.
func (b *Bus[T]) Subscribe() (uint64, <-chan T) {
	ch := make(chan T, b.bufSize)
	return b.add(&subscriber[T]{ch: ch}), ch
}

// SubscribeUnbounded registers a subscriber that never misses an event: what
// it has not received yet is queued in memory. Events still arrive in
// publish order.
func (b *Bus[T]) SubscribeUnbounded() (uint64, <-chan T) {
	q := newQueue[T]()
	go q.pump()
	return b.add(&subscriber[T]{q: q}), q.out
}

func (b *Bus[T]) add(sub *subscriber[T]) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	id := b.nextID
	b.nextID++
	b.subs[id] = sub
	return id
}

// Unsubscribe removes the subscriber and closes its channel. Unknown ids are
// ignored.
func (b *Bus[T]) Unsubscribe(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if sub, ok := b.subs[id]; ok {
		delete(b.subs, id)
		sub.close()
	}
}

// Publish delivers ev to every subscriber, best effort for bounded ones.
func (b *Bus[T]) Publish(ev T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, sub := range b.subs {
		if !sub.deliver(ev) {
			b.dropped.Add(1)
		}
	}
}

// Close unsubscribes everyone.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		delete(b.subs, id)
		sub.close()
	}
}

// Size returns the number of subscribers.
func (b *Bus[T]) Size() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Dropped returns how many deliveries were skipped because a subscriber's
// buffer was full.
func (b *Bus[T]) Dropped() uint64 {
	return b.dropped.Load()
}
