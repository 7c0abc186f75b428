package store

import (
	"context"
	"errors"
	"fmt"
)

// ErrDeleteUnsupported is returned when durable deletion is requested from a
// source of truth that does not implement Deleter.
var ErrDeleteUnsupported = errors.New("source of truth does not support delete")

// ReadEvent is one emission of a durable read stream: the current value of a
// key, its absence, or a read failure.
type ReadEvent[V any] struct {
	Value   V
	Present bool
	Err     error
}

// SourceOfTruth is the contract for a durable backing store. Read returns a
// reactive stream that emits the current state of the key immediately and
// re-emits whenever the underlying value changes, including after a
// successful Write. The returned channel is closed when ctx is cancelled or
// when the store can emit nothing further.
type SourceOfTruth[K comparable, V any] interface {
	Read(ctx context.Context, key K) <-chan ReadEvent[V]
	Write(ctx context.Context, key K, value V) error
}

// Deleter is the optional durable-eviction extension of SourceOfTruth.
type Deleter[K comparable] interface {
	Delete(ctx context.Context, key K) error
}

// Converter maps between the value type a source of truth persists and the
// output type delivered to callers. Conversion failures are surfaced as
// source-of-truth errors.
type Converter[O, V any] interface {
	ToOutput(value V) (O, error)
	FromOutput(output O) (V, error)
}

// ReadError wraps a durable read failure with the key it occurred for.
type ReadError[K comparable] struct {
	Key   K
	Cause error
}

func (e *ReadError[K]) Error() string {
	return fmt.Sprintf("source of truth read for key '%v': %v", e.Key, e.Cause)
}

func (e *ReadError[K]) Unwrap() error { return e.Cause }

// WriteError wraps a durable write failure with the key and the value that
// could not be committed.
type WriteError[K comparable] struct {
	Key   K
	Value any
	Cause error
}

func (e *WriteError[K]) Error() string {
	return fmt.Sprintf("source of truth write for key '%v': %v", e.Key, e.Cause)
}

func (e *WriteError[K]) Unwrap() error { return e.Cause }

// BindConverter adapts a source of truth persisting V into one exposing O.
// Read conversion failures surface as ReadEvent errors; write conversion
// failures fail the Write before the underlying store is touched.
func BindConverter[K comparable, O, V any](sot SourceOfTruth[K, V], conv Converter[O, V]) SourceOfTruth[K, O] {
	return &convertedSOT[K, O, V]{sot: sot, conv: conv}
}

type convertedSOT[K comparable, O, V any] struct {
	sot  SourceOfTruth[K, V]
	conv Converter[O, V]
}

func (s *convertedSOT[K, O, V]) Read(ctx context.Context, key K) <-chan ReadEvent[O] {
	in := s.sot.Read(ctx, key)
	out := make(chan ReadEvent[O], 1)
	go func() {
		defer close(out)
		for ev := range in {
			var oev ReadEvent[O]
			switch {
			case ev.Err != nil:
				oev.Err = ev.Err
			case ev.Present:
				o, err := s.conv.ToOutput(ev.Value)
				if err != nil {
					oev.Err = fmt.Errorf("convert durable value: %w", err)
				} else {
					oev = ReadEvent[O]{Value: o, Present: true}
				}
			}
			select {
			case out <- oev:
			case <-ctx.Done():
				return
			}
		}
	}()
	return out
}

func (s *convertedSOT[K, O, V]) Write(ctx context.Context, key K, value O) error {
	v, err := s.conv.FromOutput(value)
	if err != nil {
		return fmt.Errorf("convert output for write: %w", err)
	}
	return s.sot.Write(ctx, key, v)
}

func (s *convertedSOT[K, O, V]) Delete(ctx context.Context, key K) error {
	if d, ok := s.sot.(Deleter[K]); ok {
		return d.Delete(ctx, key)
	}
	return ErrDeleteUnsupported
}
