package store

import "context"

// FetchResult is the closed set of outcomes a fetcher can emit: FetchData,
// FetchException, FetchMessage or FetchCustom.
type FetchResult[O any] interface {
	fetchResult()
}

// FetchData carries one fetched value.
type FetchData[O any] struct {
	Value O
}

func (FetchData[O]) fetchResult() {}

// FetchException reports a mid-stream fetch failure as an error value.
type FetchException struct {
	Cause error
}

func (FetchException) fetchResult() {}

// FetchMessage reports a mid-stream fetch failure described only by text.
type FetchMessage struct {
	Text string
}

func (FetchMessage) fetchResult() {}

// FetchCustom reports a mid-stream fetch failure with a caller-defined payload.
type FetchCustom struct {
	Payload any
}

func (FetchCustom) fetchResult() {}

// Fetcher produces, for a key, a stream of fetch outcomes. The error return
// of Fetch is the construction-time failure path: it is never converted into
// a response and escapes the call that started the stream. Failures emitted
// as FetchResult elements are recoverable and do not end the stream.
type Fetcher[K comparable, O any] interface {
	Fetch(ctx context.Context, key K) (<-chan FetchResult[O], error)
}

// FetcherFunc adapts a function to the Fetcher interface.
type FetcherFunc[K comparable, O any] func(ctx context.Context, key K) (<-chan FetchResult[O], error)

// Fetch calls the wrapped function.
func (f FetcherFunc[K, O]) Fetch(ctx context.Context, key K) (<-chan FetchResult[O], error) {
	return f(ctx, key)
}

// FetchOne adapts a single-shot producer. An error from fn is emitted as a
// FetchException element, not as a construction failure.
func FetchOne[K comparable, O any](fn func(ctx context.Context, key K) (O, error)) Fetcher[K, O] {
	return FetcherFunc[K, O](func(ctx context.Context, key K) (<-chan FetchResult[O], error) {
		out := make(chan FetchResult[O], 1)
		go func() {
			defer close(out)
			v, err := fn(ctx, key)
			if err != nil {
				out <- FetchException{Cause: err}
				return
			}
			out <- FetchData[O]{Value: v}
		}()
		return out, nil
	})
}

// FetchResultOf adapts a single-shot producer that already speaks in
// FetchResult terms.
func FetchResultOf[K comparable, O any](fn func(ctx context.Context, key K) FetchResult[O]) Fetcher[K, O] {
	return FetcherFunc[K, O](func(ctx context.Context, key K) (<-chan FetchResult[O], error) {
		out := make(chan FetchResult[O], 1)
		go func() {
			defer close(out)
			out <- fn(ctx, key)
		}()
		return out, nil
	})
}
