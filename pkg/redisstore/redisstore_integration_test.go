//go:build integration

package redisstore_test

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/illmade-knight/go-store/pkg/redisstore"
	"github.com/illmade-knight/go-store/pkg/store"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type redisTestValue struct {
	ID   string
	Data []byte
}

func redisAddr() string {
	if addr := os.Getenv("REDIS_ADDR"); addr != "" {
		return addr
	}
	return "localhost:6379"
}

func TestRedisSourceOfTruth_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	cfg := &redisstore.Config{
		Addr:      redisAddr(),
		KeyPrefix: "go-store-test",
	}
	sot, err := redisstore.New[string, redisTestValue](ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sot.Close() })

	key := "integration-key"
	t.Cleanup(func() { _ = sot.Delete(context.Background(), key) })

	// The initial emission reflects absence.
	readCtx, readCancel := context.WithCancel(ctx)
	t.Cleanup(readCancel)
	events := sot.Read(readCtx, key)

	ev := receiveEvent(t, events)
	require.NoError(t, ev.Err)
	assert.False(t, ev.Present)

	// A write re-emits the committed value.
	want := redisTestValue{ID: "id-1", Data: []byte("payload")}
	require.NoError(t, sot.Write(ctx, key, want))

	ev = receiveEvent(t, events)
	require.NoError(t, ev.Err)
	require.True(t, ev.Present)
	assert.Equal(t, want, ev.Value)

	// A late reader receives the current value immediately.
	lateCtx, lateCancel := context.WithCancel(ctx)
	t.Cleanup(lateCancel)
	ev = receiveEvent(t, sot.Read(lateCtx, key))
	require.NoError(t, ev.Err)
	require.True(t, ev.Present)
	assert.Equal(t, want, ev.Value)

	// A delete re-emits absence.
	require.NoError(t, sot.Delete(ctx, key))
	ev = receiveEvent(t, events)
	require.NoError(t, ev.Err)
	assert.False(t, ev.Present)
}

func TestRedisSourceOfTruth_StorePipeline_Integration(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	cfg := &redisstore.Config{
		Addr:      redisAddr(),
		KeyPrefix: "go-store-pipeline-test",
	}
	sot, err := redisstore.New[string, string](ctx, cfg, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = sot.Close() })
	t.Cleanup(func() { _ = sot.Delete(context.Background(), "k") })

	fetcher := store.FetchOne(func(_ context.Context, key string) (string, error) {
		return "fetched-" + key, nil
	})
	s, err := store.New[string, string](ctx, nil, fetcher, sot, zerolog.Nop())
	require.NoError(t, err)
	t.Cleanup(s.Stop)

	// A cached miss round-trips through Redis before delivery.
	v, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, "fetched-k", v)

	ev := receiveEvent(t, sot.Read(ctx, "k"))
	require.NoError(t, ev.Err)
	require.True(t, ev.Present)
	assert.Equal(t, "fetched-k", ev.Value)
}

func receiveEvent[V any](t *testing.T, ch <-chan store.ReadEvent[V]) store.ReadEvent[V] {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "read stream closed unexpectedly")
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for read event")
		return store.ReadEvent[V]{}
	}
}
