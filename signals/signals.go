// Package signals provides a small observable value used to publish
// connection and playback state to any number of listeners.
package signals

import "sync"

// Value holds the latest value of T and fans every update out to its
// subscribers. Slow subscribers only ever see the most recent value.
type Value[T any] struct {
	mu   sync.Mutex
	v    T
	subs map[int]chan T
	next int
}

// New returns a Value initialised to v.
func New[T any](v T) *Value[T] {
	return &Value[T]{
		v:    v,
		subs: make(map[int]chan T),
	}
}

// Get returns the current value.
func (s *Value[T]) Get() T {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.v
}

// Set stores v and notifies subscribers.
func (s *Value[T]) Set(v T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v = v
	for _, ch := range s.subs {
		offer(ch, v)
	}
}

// Update applies fn to the current value under the lock and publishes the
// result.
func (s *Value[T]) Update(fn func(T) T) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.v = fn(s.v)
	for _, ch := range s.subs {
		offer(ch, s.v)
	}
}

// Subscribe returns a channel that immediately receives the current value
// and then every later one. The returned cancel func closes the channel and
// is safe to call more than once.
func (s *Value[T]) Subscribe() (<-chan T, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan T, 1)
	ch <- s.v

	id := s.next
	s.next++
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
}

// offer replaces any undelivered value with v. Callers hold s.mu.
func offer[T any](ch chan T, v T) {
	select {
	case ch <- v:
		return
	default:
	}

	select {
	case <-ch:
	default:
	}
	ch <- v
}
