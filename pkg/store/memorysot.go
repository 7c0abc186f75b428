package store

import (
	"context"
	"sync"
)

// MemorySourceOfTruth is an in-memory, process-local SourceOfTruth. Reads are
// reactive: every subscription receives the current state of its key
// immediately and is notified after every Write and Delete. Rapid successive
// writes are conflated, so a slow reader observes the latest settled value
// rather than every intermediate one.
type MemorySourceOfTruth[K comparable, V any] struct {
	mu      sync.Mutex
	values  map[K]V
	watches map[K]map[int]*memWatch[V]
	nextID  int
}

// memWatch is a single-slot, latest-wins delivery channel for one reader.
type memWatch[V any] struct {
	ch     chan ReadEvent[V]
	closed bool
}

// push replaces any undelivered event with ev. Callers hold the store mutex,
// so there is never more than one concurrent pusher.
func (w *memWatch[V]) push(ev ReadEvent[V]) {
	if w.closed {
		return
	}
	for {
		select {
		case w.ch <- ev:
			return
		default:
			select {
			case <-w.ch:
			default:
			}
		}
	}
}

// NewMemorySourceOfTruth creates an empty in-memory source of truth.
func NewMemorySourceOfTruth[K comparable, V any]() *MemorySourceOfTruth[K, V] {
	return &MemorySourceOfTruth[K, V]{
		values:  make(map[K]V),
		watches: make(map[K]map[int]*memWatch[V]),
	}
}

// Read returns a reactive stream of the key's state. The channel is closed
// when ctx is cancelled.
func (s *MemorySourceOfTruth[K, V]) Read(ctx context.Context, key K) <-chan ReadEvent[V] {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	w := &memWatch[V]{ch: make(chan ReadEvent[V], 1)}
	if s.watches[key] == nil {
		s.watches[key] = make(map[int]*memWatch[V])
	}
	s.watches[key][id] = w
	v, ok := s.values[key]
	w.push(ReadEvent[V]{Value: v, Present: ok})
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watches[key], id)
		w.closed = true
		close(w.ch)
		s.mu.Unlock()
	}()
	return w.ch
}

// Write commits the value and notifies every active reader of the key.
func (s *MemorySourceOfTruth[K, V]) Write(_ context.Context, key K, value V) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	for _, w := range s.watches[key] {
		w.push(ReadEvent[V]{Value: value, Present: true})
	}
	return nil
}

// Delete removes the value and notifies every active reader of the key.
func (s *MemorySourceOfTruth[K, V]) Delete(_ context.Context, key K) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	for _, w := range s.watches[key] {
		w.push(ReadEvent[V]{})
	}
	return nil
}
