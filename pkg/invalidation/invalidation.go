// Package invalidation lets a fleet of store instances share cache eviction:
// a Pub/Sub consumer decodes eviction events and drives the memory cache's
// Clear operations.
package invalidation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event is one cache invalidation notice. Key carries the wire form of the
// evicted key; All evicts everything.
type Event struct {
	ID  string `json:"id,omitempty"`
	Key string `json:"key,omitempty"`
	All bool   `json:"all,omitempty"`
}

// Clearer is the eviction surface the invalidator drives. A store.Store
// satisfies it.
type Clearer[K comparable] interface {
	Clear(key K)
	ClearAll()
}

// Config holds configuration for the Pub/Sub invalidation consumer.
type Config struct {
	SubscriptionID         string
	MaxOutstandingMessages int
	NumGoroutines          int
}

// NewConfigDefaults returns a Config with sensible defaults; the consumer
// will always need a subscription.
func NewConfigDefaults(subscriptionID string) *Config {
	return &Config{
		SubscriptionID:         subscriptionID,
		MaxOutstandingMessages: 100,
		NumGoroutines:          2,
	}
}

// Invalidator consumes invalidation events from a Pub/Sub subscription and
// applies them to a Clearer. Malformed events are logged and acknowledged;
// eviction is best-effort by design.
type Invalidator[K comparable] struct {
	subscription  *pubsub.Subscription
	clearer       Clearer[K]
	decodeKey     func(string) (K, error)
	logger        zerolog.Logger
	stopOnce      sync.Once
	cancelReceive context.CancelFunc
	doneChan      chan struct{}
}

// New creates an Invalidator reading from the configured subscription.
// decodeKey maps the wire form of a key to the store's key type; use
// StringKey when keys are plain strings.
func New[K comparable](
	cfg *Config,
	client *pubsub.Client,
	clearer Clearer[K],
	decodeKey func(string) (K, error),
	logger zerolog.Logger,
) (*Invalidator[K], error) {
	if clearer == nil {
		return nil, fmt.Errorf("clearer cannot be nil")
	}
	if decodeKey == nil {
		return nil, fmt.Errorf("decodeKey cannot be nil")
	}

	sub := client.Subscription(cfg.SubscriptionID)
	existsCtx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	exists, err := sub.Exists(existsCtx)
	if !exists || err != nil {
		return nil, fmt.Errorf("subscription %s does not exist: %w", cfg.SubscriptionID, err)
	}

	sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines

	return &Invalidator[K]{
		subscription: sub,
		clearer:      clearer,
		decodeKey:    decodeKey,
		logger:       logger.With().Str("component", "Invalidator").Str("subscription_id", cfg.SubscriptionID).Logger(),
		doneChan:     make(chan struct{}),
	}, nil
}

// StringKey is the identity key decoder.
func StringKey(s string) (string, error) { return s, nil }

// Start begins consuming invalidation events.
func (i *Invalidator[K]) Start(ctx context.Context) error {
	i.logger.Info().Msg("Starting invalidation consumer...")
	receiveCtx, cancel := context.WithCancel(ctx)
	i.cancelReceive = cancel

	go func() {
		defer close(i.doneChan)
		defer i.logger.Info().Msg("Invalidation Receive goroutine stopped.")

		err := i.subscription.Receive(receiveCtx, func(_ context.Context, msg *pubsub.Message) {
			// Invalidation is best-effort: every message is acknowledged.
			defer msg.Ack()
			i.apply(msg.Data)
		})
		if err != nil && !errors.Is(err, context.Canceled) {
			i.logger.Error().Err(err).Msg("Invalidation Receive call exited with error")
		}
	}()
	return nil
}

// apply decodes and executes one invalidation event.
func (i *Invalidator[K]) apply(data []byte) {
	var ev Event
	if err := json.Unmarshal(data, &ev); err != nil {
		i.logger.Warn().Err(err).Msg("Dropping malformed invalidation event.")
		return
	}
	if ev.All {
		i.logger.Debug().Str("event_id", ev.ID).Msg("Clearing all cached entries.")
		i.clearer.ClearAll()
		return
	}
	key, err := i.decodeKey(ev.Key)
	if err != nil {
		i.logger.Warn().Err(err).Str("raw_key", ev.Key).Msg("Dropping invalidation event with undecodable key.")
		return
	}
	i.logger.Debug().Str("event_id", ev.ID).Str("raw_key", ev.Key).Msg("Clearing cached entry.")
	i.clearer.Clear(key)
}

// Stop gracefully ceases consumption and waits for the Receive goroutine to
// finish.
func (i *Invalidator[K]) Stop() error {
	i.stopOnce.Do(func() {
		i.logger.Info().Msg("Stopping invalidation consumer...")
		if i.cancelReceive != nil {
			i.cancelReceive()
		}
		select {
		case <-i.doneChan:
		case <-time.After(30 * time.Second):
			i.logger.Error().Msg("Timeout waiting for invalidation Receive goroutine to stop.")
		}
	})
	return nil
}

// Done returns a channel that is closed when the consumer has shut down.
func (i *Invalidator[K]) Done() <-chan struct{} { return i.doneChan }

// Publish sends one invalidation event to the topic, assigning an event id
// when the caller has not.
func Publish(ctx context.Context, topic *pubsub.Topic, ev Event) error {
	if ev.ID == "" {
		ev.ID = uuid.NewString()
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal invalidation event: %w", err)
	}
	if _, err := topic.Publish(ctx, &pubsub.Message{Data: data}).Get(ctx); err != nil {
		return fmt.Errorf("failed to publish invalidation event: %w", err)
	}
	return nil
}
