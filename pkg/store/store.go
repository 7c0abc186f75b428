// Package store reconciles three layered data sources - an in-process memory
// cache, an optional durable source of truth, and a remote fetcher - into a
// single deduplicated, multicast, failure-isolated response stream per key.
package store

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"
)

// ErrStoreClosed is returned by Stream once the store's scope is cancelled.
var ErrStoreClosed = errors.New("store is closed")

// Config holds configuration for a Store.
type Config struct {
	// CacheCapacity is the maximum number of entries held by the memory layer.
	CacheCapacity int
	// DisableMemoryCache turns the memory layer off entirely.
	DisableMemoryCache bool
	// SubscriberBuffer is the per-subscriber queue of undelivered coordinator
	// events.
	SubscriberBuffer int
}

// NewConfigDefaults returns a Config with sensible defaults.
func NewConfigDefaults() *Config {
	return &Config{
		CacheCapacity:    1024,
		SubscriberBuffer: 16,
	}
}

// Store is the public entry point of the read pipeline. All shared state
// lives in its key-to-coordinator table and is torn down when the scope given
// to New is cancelled or Stop is called.
type Store[K comparable, O any] struct {
	cfg     Config
	fetcher Fetcher[K, O]
	sot     SourceOfTruth[K, O]
	mem     *MemoryCache[K, O]
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu     sync.Mutex
	coords map[K]*coordRef[K, O]
}

type coordRef[K comparable, O any] struct {
	coord *coordinator[K, O]
	refs  int
}

// New creates a Store bound to the given cancellation scope. The fetcher is
// required; sot may be nil when no durable layer exists.
func New[K comparable, O any](
	ctx context.Context,
	cfg *Config,
	fetcher Fetcher[K, O],
	sot SourceOfTruth[K, O],
	logger zerolog.Logger,
) (*Store[K, O], error) {
	if fetcher == nil {
		return nil, fmt.Errorf("fetcher cannot be nil")
	}
	if cfg == nil {
		cfg = NewConfigDefaults()
	}
	if cfg.CacheCapacity <= 0 {
		cfg.CacheCapacity = 1024
	}
	if cfg.SubscriberBuffer <= 0 {
		cfg.SubscriberBuffer = 16
	}

	var mem *MemoryCache[K, O]
	if !cfg.DisableMemoryCache {
		var err error
		mem, err = NewMemoryCache[K, O](cfg.CacheCapacity)
		if err != nil {
			return nil, err
		}
	}

	sctx, cancel := context.WithCancel(ctx)
	return &Store[K, O]{
		cfg:     *cfg,
		fetcher: fetcher,
		sot:     sot,
		mem:     mem,
		logger:  logger.With().Str("component", "Store").Logger(),
		ctx:     sctx,
		cancel:  cancel,
		coords:  make(map[K]*coordRef[K, O]),
	}, nil
}

// Subscription is one caller's view of a key's response stream. C is closed
// when the stream completes, the subscription is cancelled, or the stream
// terminates abnormally; in the last case Err reports the cause.
type Subscription[O any] struct {
	C <-chan Response[O]

	sub *subscriber[O]
}

// Cancel detaches the subscription. Shared upstream work continues while
// other subscribers remain attached.
func (s *Subscription[O]) Cancel() {
	if s.sub != nil {
		s.sub.cancel()
	}
}

// Err reports the abnormal termination cause, if any. It must only be called
// after C has been closed.
func (s *Subscription[O]) Err() error {
	if s.sub == nil {
		return nil
	}
	return s.sub.err
}

// Stream resolves the request's read plan, attaches to the key's coordinator
// and returns the response stream. A fetch-construction failure on an
// immediately triggered attempt is returned here rather than delivered as a
// response.
func (s *Store[K, O]) Stream(ctx context.Context, req ReadRequest[K]) (*Subscription[O], error) {
	if err := s.ctx.Err(); err != nil {
		return nil, ErrStoreClosed
	}

	// Memory short-circuit and, for refresh requests, the attach-time state.
	var preloaded Response[O]
	if s.mem != nil && req.consultsMemory() {
		if v, ok := s.mem.Get(req.Key); ok {
			if !req.Refresh() {
				out := make(chan Response[O], 1)
				out <- Data[O]{Value: v, From: Origin{Layer: LayerCache}}
				close(out)
				s.logger.Debug().Interface("key", req.Key).Msg("Memory cache hit.")
				return &Subscription[O]{C: out}, nil
			}
			preloaded = Data[O]{Value: v, From: Origin{Layer: LayerCache}}
		}
	}

	c, sub := s.attach(ctx, req)
	go c.pump(sub, req, preloaded)

	// Fresh and refresh requests always trigger; without a durable layer a
	// miss has nowhere else to go, so it triggers here too.
	immediate := !req.consultsDurable() || req.Refresh() || s.sot == nil
	if immediate {
		if err := c.triggerFetch(); err != nil {
			sub.cancel()
			return nil, fmt.Errorf("fetch for key '%v': %w", req.Key, err)
		}
	}

	return &Subscription[O]{C: sub.out, sub: sub}, nil
}

// Get is a single-shot convenience read: the first settled outcome of a
// Cached, non-refresh stream for the key.
func (s *Store[K, O]) Get(ctx context.Context, key K) (O, error) {
	var zero O
	sub, err := s.Stream(ctx, Cached(key, false))
	if err != nil {
		return zero, err
	}
	defer sub.Cancel()

	for resp := range sub.C {
		switch r := resp.(type) {
		case Data[O]:
			return r.Value, nil
		case ErrorException:
			return zero, r.Cause
		case ErrorMessage:
			return zero, errors.New(r.Text)
		case ErrorCustom:
			return zero, fmt.Errorf("fetch failed: %v", r.Payload)
		}
	}
	if err := sub.Err(); err != nil {
		return zero, err
	}
	if err := ctx.Err(); err != nil {
		return zero, err
	}
	return zero, fmt.Errorf("no data for key '%v'", key)
}

// Clear evicts one key from the memory cache.
func (s *Store[K, O]) Clear(key K) {
	if s.mem != nil {
		s.mem.Remove(key)
	}
}

// ClearAll evicts every key from the memory cache.
func (s *Store[K, O]) ClearAll() {
	if s.mem != nil {
		s.mem.Clear()
	}
}

// ClearDurable deletes the key from the source of truth when it supports
// deletion, and evicts it from the memory cache.
func (s *Store[K, O]) ClearDurable(ctx context.Context, key K) error {
	s.Clear(key)
	if s.sot == nil {
		return ErrDeleteUnsupported
	}
	d, ok := s.sot.(Deleter[K])
	if !ok {
		return ErrDeleteUnsupported
	}
	return d.Delete(ctx, key)
}

// Stop tears down every coordinator's in-flight fetch and durable
// subscription. The store cannot be used afterwards.
func (s *Store[K, O]) Stop() {
	s.logger.Info().Msg("Stopping store...")
	s.cancel()
}

// attach obtains or lazily creates the key's coordinator and registers a new
// subscriber, all under the arena lock.
func (s *Store[K, O]) attach(ctx context.Context, req ReadRequest[K]) (*coordinator[K, O], *subscriber[O]) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.coords[req.Key]
	if !ok {
		key := req.Key
		coord := newCoordinator(
			s.ctx, key, s.fetcher, s.sot, s.mem,
			func() { s.release(key) },
			s.logger.With().Interface("key", key).Logger(),
		)
		ref = &coordRef[K, O]{coord: coord}
		s.coords[key] = ref
	}
	ref.refs++
	return ref.coord, ref.coord.addSubscriber(ctx, s.cfg.SubscriberBuffer)
}

// release drops one reference to the key's coordinator, discarding it when
// the last subscriber has detached.
func (s *Store[K, O]) release(key K) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ref, ok := s.coords[key]
	if !ok {
		return
	}
	ref.refs--
	if ref.refs == 0 {
		delete(s.coords, key)
		ref.coord.cancel()
	}
}
