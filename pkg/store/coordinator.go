package store

import (
	"context"
	"sync"

	"github.com/rs/zerolog"
)

type eventKind int

const (
	// eventResponse carries a Response for delivery.
	eventResponse eventKind = iota
	// eventAttemptDone marks the end of a fetch attempt. Subscriptions with
	// no durable stream to keep them open complete on it.
	eventAttemptDone
	// eventComplete marks that nothing can emit again: the durable read has
	// ended and no fetch is in flight. All subscriptions complete.
	eventComplete
)

type coordEvent[O any] struct {
	kind eventKind
	resp Response[O]
}

// subscriber is one attached response stream. Hot coordinator events are
// queued on events from the moment of attachment; the pump goroutine forwards
// them to out after delivering the attach-time settled state.
type subscriber[O any] struct {
	id     uint64
	events chan coordEvent[O]
	out    chan Response[O]
	ctx    context.Context
	cancel context.CancelFunc

	// err records an abnormal termination cause. It is written by the pump
	// before out is closed and must only be read after out is closed.
	err error
}

// coordinator owns all shared per-key state: the at-most-one in-flight fetch
// attempt, the shared durable read subscription, and the set of attached
// subscribers. It exists only while at least one subscriber is attached; the
// Store's arena creates it lazily and cancels it when the last subscriber
// detaches.
type coordinator[K comparable, O any] struct {
	key     K
	fetcher Fetcher[K, O]
	sot     SourceOfTruth[K, O] // nil when no durable layer is configured
	mem     *MemoryCache[K, O]  // nil when the memory layer is disabled
	logger  zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc

	// release returns this coordinator's reference to the Store arena.
	release func()

	mu       sync.Mutex
	subs     map[uint64]*subscriber[O]
	nextSub  uint64
	inflight bool
	attempt  uint64

	// newFetch hands a constructed fetch stream to the run loop.
	newFetch chan (<-chan FetchResult[O])
	done     chan struct{}
}

func newCoordinator[K comparable, O any](
	parent context.Context,
	key K,
	fetcher Fetcher[K, O],
	sot SourceOfTruth[K, O],
	mem *MemoryCache[K, O],
	release func(),
	logger zerolog.Logger,
) *coordinator[K, O] {
	ctx, cancel := context.WithCancel(parent)
	c := &coordinator[K, O]{
		key:      key,
		fetcher:  fetcher,
		sot:      sot,
		mem:      mem,
		logger:   logger,
		ctx:      ctx,
		cancel:   cancel,
		release:  release,
		subs:     make(map[uint64]*subscriber[O]),
		newFetch: make(chan (<-chan FetchResult[O]), 1),
		done:     make(chan struct{}),
	}
	go c.run()
	return c
}

// addSubscriber registers a new subscriber. Called under the Store arena lock.
func (c *coordinator[K, O]) addSubscriber(ctx context.Context, buffer int) *subscriber[O] {
	sctx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	defer c.mu.Unlock()
	s := &subscriber[O]{
		id:     c.nextSub,
		events: make(chan coordEvent[O], buffer),
		out:    make(chan Response[O]),
		ctx:    sctx,
		cancel: cancel,
	}
	c.nextSub++
	c.subs[s.id] = s
	return s
}

// run is the merge task: it owns the shared durable read subscription and the
// consumption of the in-flight fetch stream, and serializes everything the
// coordinator broadcasts.
func (c *coordinator[K, O]) run() {
	defer close(c.done)

	var readCh <-chan ReadEvent[O]
	var readCancel context.CancelFunc
	if c.sot != nil {
		readCh, readCancel = c.subscribeRead()
		// The initial emission mirrors the settled state every subscriber
		// already receives at attach time; only changes flow from here.
		if _, ok := c.awaitRead(readCh); !ok {
			readCh = nil
		}
	}
	defer func() {
		if readCancel != nil {
			readCancel()
		}
	}()

	var fetchCh <-chan FetchResult[O]
	for {
		select {
		case <-c.ctx.Done():
			return
		case ch := <-c.newFetch:
			fetchCh = ch
		case ev, ok := <-readCh:
			if !ok {
				readCh = nil
				// The durable stream has ended. An in-flight attempt can
				// still emit, so completion is then decided at attempt end;
				// otherwise nothing can emit again.
				if !c.fetchInFlight() {
					c.broadcastEvent(coordEvent[O]{kind: eventComplete})
				}
				continue
			}
			c.relayReadEvent(ev, Origin{Layer: LayerSourceOfTruth})
		case res, ok := <-fetchCh:
			if !ok {
				fetchCh = nil
				c.endAttempt()
				if c.sot != nil && readCh == nil {
					c.broadcastEvent(coordEvent[O]{kind: eventComplete})
				}
				continue
			}
			readCh, readCancel = c.handleFetchResult(res, readCh, readCancel)
		}
	}
}

// handleFetchResult applies one fetcher emission. With a source of truth
// configured, fetched data round-trips through Write and the durable emission
// caused by that write is delivered, tagged with the fetch attempt, before the
// next fetcher emission is consumed. A failed write surfaces a WriteError and
// restarts the durable subscription from the last committed state.
func (c *coordinator[K, O]) handleFetchResult(
	res FetchResult[O],
	readCh <-chan ReadEvent[O],
	readCancel context.CancelFunc,
) (<-chan ReadEvent[O], context.CancelFunc) {
	origin := Origin{Layer: LayerFetcher, Attempt: c.currentAttempt()}

	switch r := res.(type) {
	case FetchData[O]:
		if c.sot == nil {
			if c.mem != nil {
				c.mem.Put(c.key, r.Value)
			}
			c.broadcast(Data[O]{Value: r.Value, From: origin})
			return readCh, readCancel
		}

		if err := c.sot.Write(c.ctx, c.key, r.Value); err != nil {
			c.logger.Error().Err(err).Msg("Durable write failed, restarting read stream.")
			c.broadcast(ErrorException{
				Cause: &WriteError[K]{Key: c.key, Value: r.Value, Cause: err},
				From:  Origin{Layer: LayerSourceOfTruth},
			})
			if readCancel != nil {
				readCancel()
			}
			readCh, readCancel = c.subscribeRead()
			// Resync attached subscribers to the last committed state.
			if ev, ok := c.awaitRead(readCh); ok {
				c.relayReadEvent(ev, Origin{Layer: LayerSourceOfTruth})
			} else {
				readCh = nil
			}
			return readCh, readCancel
		}

		if readCh == nil {
			// The durable read has ended; the write cannot be observed
			// through it, so deliver the fetched value directly.
			if c.mem != nil {
				c.mem.Put(c.key, r.Value)
			}
			c.broadcast(Data[O]{Value: r.Value, From: origin})
			return readCh, readCancel
		}

		// Write barrier: the next durable emission is attributed to this
		// write and is delivered with the fetch attempt's origin. An
		// external write landing inside the barrier window is
		// indistinguishable from the own write (conflating stores may
		// collapse the two emissions), so its value is carried under the
		// attempt's origin too.
		ev, ok := c.awaitRead(readCh)
		if !ok {
			readCh = nil
			if c.mem != nil {
				c.mem.Put(c.key, r.Value)
			}
			c.broadcast(Data[O]{Value: r.Value, From: origin})
			return readCh, readCancel
		}
		c.relayReadEvent(ev, origin)
		return readCh, readCancel

	case FetchException:
		c.broadcast(ErrorException{Cause: r.Cause, From: origin})
	case FetchMessage:
		c.broadcast(ErrorMessage{Text: r.Text, From: origin})
	case FetchCustom:
		c.broadcast(ErrorCustom{Payload: r.Payload, From: origin})
	}
	return readCh, readCancel
}

// relayReadEvent broadcasts one durable read emission. Absent values are not
// delivered; present values also refresh the memory layer.
func (c *coordinator[K, O]) relayReadEvent(ev ReadEvent[O], origin Origin) {
	switch {
	case ev.Err != nil:
		c.broadcast(ErrorException{
			Cause: &ReadError[K]{Key: c.key, Cause: ev.Err},
			From:  origin,
		})
	case ev.Present:
		if c.mem != nil {
			c.mem.Put(c.key, ev.Value)
		}
		c.broadcast(Data[O]{Value: ev.Value, From: origin})
	}
}

func (c *coordinator[K, O]) subscribeRead() (<-chan ReadEvent[O], context.CancelFunc) {
	rctx, cancel := context.WithCancel(c.ctx)
	return c.sot.Read(rctx, c.key), cancel
}

func (c *coordinator[K, O]) awaitRead(ch <-chan ReadEvent[O]) (ReadEvent[O], bool) {
	select {
	case ev, ok := <-ch:
		return ev, ok
	case <-c.ctx.Done():
		return ReadEvent[O]{}, false
	}
}

// triggerFetch starts a fetch attempt unless one is already in flight, in
// which case the caller shares it. The returned error is the
// construction-time failure of an attempt this call started; it is never
// converted into a response.
func (c *coordinator[K, O]) triggerFetch() error {
	c.mu.Lock()
	if c.inflight {
		c.mu.Unlock()
		return nil
	}
	c.inflight = true
	c.attempt++
	attempt := c.attempt
	c.mu.Unlock()

	ch, err := c.fetcher.Fetch(c.ctx, c.key)
	if err != nil {
		c.mu.Lock()
		c.inflight = false
		c.mu.Unlock()
		c.logger.Debug().Err(err).Uint64("attempt", attempt).Msg("Fetch construction failed.")
		c.broadcastEvent(coordEvent[O]{kind: eventAttemptDone})
		return err
	}

	c.logger.Debug().Uint64("attempt", attempt).Msg("Fetch attempt started.")
	c.broadcast(Loading{From: Origin{Layer: LayerFetcher, Attempt: attempt}})
	select {
	case c.newFetch <- ch:
	case <-c.ctx.Done():
	}
	return nil
}

func (c *coordinator[K, O]) currentAttempt() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.attempt
}

func (c *coordinator[K, O]) fetchInFlight() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inflight
}

func (c *coordinator[K, O]) endAttempt() {
	c.mu.Lock()
	c.inflight = false
	c.mu.Unlock()
	c.broadcastEvent(coordEvent[O]{kind: eventAttemptDone})
}

func (c *coordinator[K, O]) broadcast(resp Response[O]) {
	c.broadcastEvent(coordEvent[O]{kind: eventResponse, resp: resp})
}

// broadcastEvent queues an event for every subscriber attached right now.
// There is no replay for later joiners. A subscriber that stops consuming
// without cancelling backpressures the key once its queue fills.
func (c *coordinator[K, O]) broadcastEvent(ev coordEvent[O]) {
	c.mu.Lock()
	subs := make([]*subscriber[O], 0, len(c.subs))
	for _, s := range c.subs {
		subs = append(subs, s)
	}
	c.mu.Unlock()

	for _, s := range subs {
		select {
		case s.events <- ev:
		case <-s.ctx.Done():
		case <-c.ctx.Done():
			return
		}
	}
}

// pump is the per-subscriber delivery goroutine. It resolves the attach-time
// settled state (cold, per subscriber), triggers a deferred fetch when the
// read plan calls for one, and then forwards hot coordinator events in order.
func (c *coordinator[K, O]) pump(s *subscriber[O], req ReadRequest[K], preloaded Response[O]) {
	defer func() {
		s.cancel()
		c.detach(s)
		close(s.out)
	}()

	deliver := func(r Response[O]) bool {
		select {
		case s.out <- r:
			return true
		case <-s.ctx.Done():
			return false
		case <-c.ctx.Done():
			return false
		}
	}

	// awaitingAttempt is set while this subscription's own deferred trigger
	// has an attempt outstanding; a completion decided before that attempt
	// started does not apply to it.
	awaitingAttempt := false

	if preloaded != nil {
		if !deliver(preloaded) {
			return
		}
	}
	if c.sot != nil && req.consultsDurable() {
		ev, ok := c.readCurrent(s.ctx)
		needFetch := false
		switch {
		case !ok:
			needFetch = true
		case ev.Err != nil:
			// A failed durable read does not block the fetch.
			if !deliver(ErrorException{
				Cause: &ReadError[K]{Key: c.key, Cause: ev.Err},
				From:  Origin{Layer: LayerSourceOfTruth},
			}) {
				return
			}
			needFetch = true
		case ev.Present:
			if req.populatesMemory() && c.mem != nil {
				c.mem.Put(c.key, ev.Value)
			}
			if !deliver(Data[O]{Value: ev.Value, From: Origin{Layer: LayerSourceOfTruth}}) {
				return
			}
		default:
			needFetch = true
		}
		// Refresh requests trigger at subscribe time; only the miss path of a
		// non-refresh read triggers here.
		if needFetch && !req.Refresh() {
			if err := c.triggerFetch(); err != nil {
				s.err = err
				return
			}
			awaitingAttempt = true
		}
	}

	for {
		select {
		case <-s.ctx.Done():
			return
		case <-c.ctx.Done():
			return
		case ev := <-s.events:
			switch ev.kind {
			case eventComplete:
				if awaitingAttempt {
					continue
				}
				return
			case eventAttemptDone:
				awaitingAttempt = false
				if c.sot == nil {
					return
				}
			case eventResponse:
				if !deliver(ev.resp) {
					return
				}
			}
		}
	}
}

// readCurrent takes the first emission of a fresh durable subscription: the
// key's current settled state at this moment.
func (c *coordinator[K, O]) readCurrent(ctx context.Context) (ReadEvent[O], bool) {
	rctx, cancel := context.WithCancel(ctx)
	defer cancel()
	select {
	case ev, ok := <-c.sot.Read(rctx, c.key):
		return ev, ok
	case <-ctx.Done():
		return ReadEvent[O]{}, false
	case <-c.ctx.Done():
		return ReadEvent[O]{}, false
	}
}

func (c *coordinator[K, O]) detach(s *subscriber[O]) {
	c.mu.Lock()
	delete(c.subs, s.id)
	c.mu.Unlock()
	c.release()
}
