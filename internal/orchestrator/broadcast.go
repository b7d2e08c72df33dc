package orchestrator

import (
	"context"
	"sync"
)

type subscriber[T any] struct {
	ch   chan T
	gone chan struct{}
	once sync.Once
}

// broadcaster fans values out to every current subscriber. Subscriber channels are
// never closed; unsubscribing only releases a publisher blocked on them.
type broadcaster[T any] struct {
	mu   sync.RWMutex
	subs map[*subscriber[T]]struct{}
	buf  int
}

func newBroadcaster[T any](buf int) *broadcaster[T] {
	return &broadcaster[T]{subs: make(map[*subscriber[T]]struct{}), buf: buf}
}

func (b *broadcaster[T]) subscribe() *subscriber[T] {
	s := &subscriber[T]{ch: make(chan T, b.buf), gone: make(chan struct{})}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

func (b *broadcaster[T]) unsubscribe(s *subscriber[T]) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
	s.once.Do(func() { close(s.gone) })
}

func (b *broadcaster[T]) snapshot() []*subscriber[T] {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]*subscriber[T], 0, len(b.subs))
	for s := range b.subs {
		out = append(out, s)
	}
	return out
}

// publish delivers v to every subscriber, waiting on slow ones until they take it,
// unsubscribe, or ctx ends.
func (b *broadcaster[T]) publish(ctx context.Context, v T) error {
	for _, s := range b.snapshot() {
		select {
		case s.ch <- v:
		case <-s.gone:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

// offer delivers v to every subscriber with room for it and drops it for the rest.
func (b *broadcaster[T]) offer(v T) {
	for _, s := range b.snapshot() {
		select {
		case s.ch <- v:
		default:
		}
	}
}

func (b *broadcaster[T]) len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
