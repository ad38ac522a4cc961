package eventbus

import "sync"

// queue is an unbounded FIFO drained into out by pump.
type queue[T any] struct {
	mu    sync.Mutex
	items []T
	wake  chan struct{}
	quit  chan struct{}
	once  sync.Once
	out   chan T
}

func newQueue[T any]() *queue[T] {
	return &queue[T]{
		wake: make(chan struct{}, 1),
		quit: make(chan struct{}),
		out:  make(chan T),
	}
}

func (q *queue[T]) push(ev T) {
	q.mu.Lock()
	q.items = append(q.items, ev)
	q.mu.Unlock()
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *queue[T]) pop() (T, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	var zero T
	if len(q.items) == 0 {
		return zero, false
	}
	ev := q.items[0]
	q.items[0] = zero
	q.items = q.items[1:]
	return ev, true
}

func (q *queue[T]) pump() {
	defer close(q.out)
	for {
		ev, ok := q.pop()
		if !ok {
			select {
			case <-q.wake:
				continue
			case <-q.quit:
				return
			}
		}
		select {
		case q.out <- ev:
		case <-q.quit:
			return
		}
	}
}

// stop ends the pump; queued events are discarded and out is closed.
func (q *queue[T]) stop() {
	q.once.Do(func() { close(q.quit) })
}
