// Package firestorestore provides a Firestore-backed source of truth: one
// document per key in a single collection, with reactive reads built on
// Firestore snapshot listeners.
package firestorestore

import (
	"context"
	"fmt"

	"cloud.google.com/go/firestore"
	"github.com/illmade-knight/go-store/pkg/store"
	"github.com/rs/zerolog"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Config holds configuration for the Firestore source of truth.
type Config struct {
	CollectionName string
}

// SourceOfTruth is a durable store.SourceOfTruth backed by a Firestore
// collection. Read streams are driven by document snapshot listeners, so they
// re-emit on writes from any process, including this one.
type SourceOfTruth[K comparable, V any] struct {
	client     *firestore.Client
	collection string
	logger     zerolog.Logger
}

// New creates a new Firestore source of truth. The client's lifecycle is
// managed by the caller.
func New[K comparable, V any](cfg *Config, client *firestore.Client, logger zerolog.Logger) (*SourceOfTruth[K, V], error) {
	if client == nil {
		return nil, fmt.Errorf("firestore client cannot be nil")
	}
	if cfg.CollectionName == "" {
		return nil, fmt.Errorf("collection name cannot be empty")
	}

	logger.Info().Str("collection", cfg.CollectionName).Msg("FirestoreSourceOfTruth initialized.")

	return &SourceOfTruth[K, V]{
		client:     client,
		collection: cfg.CollectionName,
		logger:     logger.With().Str("component", "FirestoreSourceOfTruth").Logger(),
	}, nil
}

// Read returns a reactive stream of the key's document state. The channel is
// closed when ctx is cancelled or the snapshot listener fails terminally.
func (s *SourceOfTruth[K, V]) Read(ctx context.Context, key K) <-chan store.ReadEvent[V] {
	out := make(chan store.ReadEvent[V], 1)

	go func() {
		defer close(out)

		iter := s.doc(key).Snapshots(ctx)
		defer iter.Stop()

		for {
			snap, err := iter.Next()
			if err != nil {
				if ctx.Err() != nil || status.Code(err) == codes.Canceled {
					return
				}
				// Snapshot listener errors are terminal for this stream.
				s.emit(ctx, out, store.ReadEvent[V]{Err: fmt.Errorf("firestore snapshots for '%v': %w", key, err)})
				return
			}

			if !snap.Exists() {
				if !s.emit(ctx, out, store.ReadEvent[V]{}) {
					return
				}
				continue
			}

			var value V
			if err := snap.DataTo(&value); err != nil {
				s.logger.Error().Err(err).Str("key", fmt.Sprintf("%v", key)).Msg("Failed to map Firestore document data.")
				if !s.emit(ctx, out, store.ReadEvent[V]{Err: fmt.Errorf("firestore DataTo for '%v': %w", key, err)}) {
					return
				}
				continue
			}
			if !s.emit(ctx, out, store.ReadEvent[V]{Value: value, Present: true}) {
				return
			}
		}
	}()

	return out
}

// Write creates or overwrites the key's document.
func (s *SourceOfTruth[K, V]) Write(ctx context.Context, key K, value V) error {
	if _, err := s.doc(key).Set(ctx, value); err != nil {
		return fmt.Errorf("firestore set for '%v': %w", key, err)
	}
	return nil
}

// Delete removes the key's document.
func (s *SourceOfTruth[K, V]) Delete(ctx context.Context, key K) error {
	if _, err := s.doc(key).Delete(ctx); err != nil {
		return fmt.Errorf("firestore delete for '%v': %w", key, err)
	}
	return nil
}

func (s *SourceOfTruth[K, V]) doc(key K) *firestore.DocumentRef {
	return s.client.Collection(s.collection).Doc(fmt.Sprintf("%v", key))
}

func (s *SourceOfTruth[K, V]) emit(ctx context.Context, out chan<- store.ReadEvent[V], ev store.ReadEvent[V]) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
