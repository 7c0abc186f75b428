// Package redisstore provides a Redis-backed source of truth. Values are
// stored as JSON under a configurable key prefix; reactivity is provided by a
// per-key pub/sub notification channel published on every write and delete.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/illmade-knight/go-store/pkg/store"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// Config holds the configuration for the Redis client.
type Config struct {
	Addr     string
	Password string
	DB       int
	// KeyPrefix namespaces both values and change notifications. Defaults to
	// "store".
	KeyPrefix string
}

// changeNotice is the payload published on a key's notification channel.
type changeNotice struct {
	Notifier string `json:"notifier"`
	Event    string `json:"event"`
}

// SourceOfTruth is a durable store.SourceOfTruth backed by Redis. Every
// writer publishes a change notice, so readers re-emit on writes from any
// process sharing the prefix, including this one.
type SourceOfTruth[K comparable, V any] struct {
	redisClient *redis.Client
	logger      zerolog.Logger
	prefix      string
	notifierID  string
}

// New creates and connects a new Redis source of truth. It pings the Redis
// server to ensure connectivity before returning.
func New[K comparable, V any](ctx context.Context, cfg *Config, logger zerolog.Logger) (*SourceOfTruth[K, V], error) {
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	if err := rdb.Ping(ctx).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	prefix := cfg.KeyPrefix
	if prefix == "" {
		prefix = "store"
	}

	logger.Info().Str("redis_address", cfg.Addr).Str("key_prefix", prefix).Msg("Successfully connected to Redis.")

	return &SourceOfTruth[K, V]{
		redisClient: rdb,
		logger:      logger.With().Str("component", "RedisSourceOfTruth").Logger(),
		prefix:      prefix,
		notifierID:  uuid.NewString(),
	}, nil
}

// Read returns a reactive stream of the key's state: the current value
// immediately, then the state after every notified change. The channel is
// closed when ctx is cancelled.
func (s *SourceOfTruth[K, V]) Read(ctx context.Context, key K) <-chan store.ReadEvent[V] {
	out := make(chan store.ReadEvent[V], 1)

	go func() {
		defer close(out)

		// Subscribe before the initial read so no change can slip between.
		pubsub := s.redisClient.Subscribe(ctx, s.notifyChannel(key))
		defer func() { _ = pubsub.Close() }()
		if _, err := pubsub.Receive(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			s.emit(ctx, out, store.ReadEvent[V]{Err: fmt.Errorf("subscribe to change channel: %w", err)})
			return
		}

		if !s.emit(ctx, out, s.readCurrent(ctx, key)) {
			return
		}

		notices := pubsub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-notices:
				if !ok {
					return
				}
				if !s.emit(ctx, out, s.readCurrent(ctx, key)) {
					return
				}
			}
		}
	}()

	return out
}

// Write marshals the value to JSON, stores it, and notifies readers. The
// notification is best-effort: a committed write is reported as success even
// if the publish fails.
func (s *SourceOfTruth[K, V]) Write(ctx context.Context, key K, value V) error {
	jsonData, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("failed to marshal value for key '%v': %w", key, err)
	}
	if err := s.redisClient.Set(ctx, s.valueKey(key), jsonData, 0).Err(); err != nil {
		return fmt.Errorf("failed to set value in redis for key '%v': %w", key, err)
	}
	s.notify(ctx, key, "write")
	return nil
}

// Delete removes the key and notifies readers.
func (s *SourceOfTruth[K, V]) Delete(ctx context.Context, key K) error {
	if err := s.redisClient.Del(ctx, s.valueKey(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete key '%v' from redis: %w", key, err)
	}
	s.notify(ctx, key, "delete")
	return nil
}

// Close closes the Redis client connection.
func (s *SourceOfTruth[K, V]) Close() error {
	s.logger.Info().Msg("Closing Redis client connection...")
	return s.redisClient.Close()
}

// readCurrent fetches and unmarshals the key's current state.
func (s *SourceOfTruth[K, V]) readCurrent(ctx context.Context, key K) store.ReadEvent[V] {
	cachedData, err := s.redisClient.Get(ctx, s.valueKey(key)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return store.ReadEvent[V]{}
		}
		return store.ReadEvent[V]{Err: fmt.Errorf("redis get for key '%v': %w", key, err)}
	}
	var value V
	if err := json.Unmarshal([]byte(cachedData), &value); err != nil {
		return store.ReadEvent[V]{Err: fmt.Errorf("failed to unmarshal value for key '%v': %w", key, err)}
	}
	return store.ReadEvent[V]{Value: value, Present: true}
}

func (s *SourceOfTruth[K, V]) emit(ctx context.Context, out chan<- store.ReadEvent[V], ev store.ReadEvent[V]) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}

func (s *SourceOfTruth[K, V]) notify(ctx context.Context, key K, event string) {
	payload, err := json.Marshal(changeNotice{Notifier: s.notifierID, Event: event})
	if err != nil {
		payload = []byte(`{}`)
	}
	if err := s.redisClient.Publish(ctx, s.notifyChannel(key), payload).Err(); err != nil {
		s.logger.Warn().Err(err).Str("key", fmt.Sprintf("%v", key)).Msg("Failed to publish change notice.")
	}
}

func (s *SourceOfTruth[K, V]) valueKey(key K) string {
	return fmt.Sprintf("%s:%v", s.prefix, key)
}

func (s *SourceOfTruth[K, V]) notifyChannel(key K) string {
	return fmt.Sprintf("%s:changes:%v", s.prefix, key)
}
