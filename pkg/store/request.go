package store

type policy int

const (
	policyFresh policy = iota
	policyCached
	policySkipMemory
)

// ReadRequest describes one read intent: a key plus the policy deciding which
// layers may answer and whether a fetch is forced. Construct requests with
// Fresh, Cached or SkipMemory.
type ReadRequest[K comparable] struct {
	Key     K
	policy  policy
	refresh bool
}

// Fresh always triggers a fetch; neither the memory cache nor the durable
// store is consulted to short-circuit emission.
func Fresh[K comparable](key K) ReadRequest[K] {
	return ReadRequest[K]{Key: key, policy: policyFresh}
}

// Cached serves from the memory cache when possible, then from the durable
// store, and fetches only on a miss. With refresh set, a fetch is triggered
// regardless of cache state while current cached/durable values are still
// delivered.
func Cached[K comparable](key K, refresh bool) ReadRequest[K] {
	return ReadRequest[K]{Key: key, policy: policyCached, refresh: refresh}
}

// SkipMemory behaves like Cached but never consults the memory cache; the
// durable store and the fetcher remain the source of emitted values.
func SkipMemory[K comparable](key K, refresh bool) ReadRequest[K] {
	return ReadRequest[K]{Key: key, policy: policySkipMemory, refresh: refresh}
}

// Refresh reports whether the request forces a fetch regardless of cache state.
func (r ReadRequest[K]) Refresh() bool { return r.refresh }

// consultsMemory reports whether the memory cache may answer this request.
func (r ReadRequest[K]) consultsMemory() bool { return r.policy == policyCached }

// consultsDurable reports whether attach-time durable state should be read.
func (r ReadRequest[K]) consultsDurable() bool { return r.policy != policyFresh }

// populatesMemory reports whether a durable value observed by this
// subscription should be written back to the memory cache.
func (r ReadRequest[K]) populatesMemory() bool { return r.policy == policyCached }
