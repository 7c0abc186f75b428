package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/illmade-knight/go-store/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func receiveEvent[V any](t *testing.T, ch <-chan store.ReadEvent[V]) store.ReadEvent[V] {
	t.Helper()
	select {
	case ev, ok := <-ch:
		require.True(t, ok, "read stream closed unexpectedly")
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for read event")
		return store.ReadEvent[V]{}
	}
}

func TestMemorySourceOfTruth_ReadIsReactive(t *testing.T) {
	// Arrange
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sot := store.NewMemorySourceOfTruth[string, string]()

	// Act & Assert: the first emission is the current (absent) state.
	events := sot.Read(ctx, "key")
	ev := receiveEvent(t, events)
	assert.False(t, ev.Present)

	// A write re-emits.
	require.NoError(t, sot.Write(ctx, "key", "v1"))
	ev = receiveEvent(t, events)
	require.True(t, ev.Present)
	assert.Equal(t, "v1", ev.Value)

	// A delete re-emits absence.
	require.NoError(t, sot.Delete(ctx, "key"))
	ev = receiveEvent(t, events)
	assert.False(t, ev.Present)
}

func TestMemorySourceOfTruth_InitialValue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sot := store.NewMemorySourceOfTruth[string, int]()
	require.NoError(t, sot.Write(ctx, "key", 42))

	ev := receiveEvent(t, sot.Read(ctx, "key"))
	require.True(t, ev.Present)
	assert.Equal(t, 42, ev.Value)
}

func TestMemorySourceOfTruth_ConflatesRapidWrites(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sot := store.NewMemorySourceOfTruth[string, int]()

	events := sot.Read(ctx, "key")
	ev := receiveEvent(t, events)
	require.False(t, ev.Present)

	// The reader is not draining, so successive writes collapse to the latest.
	for i := 1; i <= 5; i++ {
		require.NoError(t, sot.Write(ctx, "key", i))
	}

	ev = receiveEvent(t, events)
	require.True(t, ev.Present)
	assert.Equal(t, 5, ev.Value)
}

func TestMemorySourceOfTruth_CancelClosesStream(t *testing.T) {
	sot := store.NewMemorySourceOfTruth[string, string]()
	ctx, cancel := context.WithCancel(context.Background())

	events := sot.Read(ctx, "key")
	receiveEvent(t, events)
	cancel()

	select {
	case _, ok := <-events:
		assert.False(t, ok, "stream should be closed after cancellation")
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for stream to close")
	}
}

func TestMemorySourceOfTruth_KeysAreIndependent(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	sot := store.NewMemorySourceOfTruth[string, string]()

	eventsA := sot.Read(ctx, "a")
	receiveEvent(t, eventsA)

	require.NoError(t, sot.Write(ctx, "b", "other"))

	select {
	case ev := <-eventsA:
		t.Fatalf("reader of 'a' received an event for 'b': %+v", ev)
	case <-time.After(100 * time.Millisecond):
	}
}
