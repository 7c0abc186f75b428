package store_test

import (
	"testing"

	"github.com/illmade-knight/go-store/pkg/store"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryCache_Eviction(t *testing.T) {
	// Arrange
	mem, err := store.NewMemoryCache[string, int](2)
	require.NoError(t, err)

	// Act 1: Fill the cache.
	mem.Put("key1", 1)
	mem.Put("key2", 2)

	// Assert 1
	v1, ok := mem.Get("key1")
	require.True(t, ok)
	assert.Equal(t, 1, v1)
	assert.Equal(t, 2, mem.Len())

	// Act 2: key1 was just read, so key2 is least recently used. Inserting a
	// third key must evict key2.
	mem.Put("key3", 3)

	// Assert 2
	_, ok = mem.Get("key2")
	assert.False(t, ok, "key2 should have been evicted")
	_, ok = mem.Get("key1")
	assert.True(t, ok, "key1 should still be cached")
	_, ok = mem.Get("key3")
	assert.True(t, ok)
	assert.Equal(t, 2, mem.Len())
}

func TestMemoryCache_PutReplaces(t *testing.T) {
	mem, err := store.NewMemoryCache[string, string](2)
	require.NoError(t, err)

	mem.Put("key", "old")
	mem.Put("key", "new")

	v, ok := mem.Get("key")
	require.True(t, ok)
	assert.Equal(t, "new", v)
	assert.Equal(t, 1, mem.Len())
}

func TestMemoryCache_RemoveAndClear(t *testing.T) {
	mem, err := store.NewMemoryCache[string, int](5)
	require.NoError(t, err)

	mem.Put("a", 1)
	mem.Put("b", 2)

	mem.Remove("a")
	_, ok := mem.Get("a")
	assert.False(t, ok)
	assert.Equal(t, 1, mem.Len())

	mem.Clear()
	_, ok = mem.Get("b")
	assert.False(t, ok)
	assert.Equal(t, 0, mem.Len())
}

func TestMemoryCache_InvalidSize(t *testing.T) {
	_, err := store.NewMemoryCache[string, int](0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "maxSize must be greater than 0")
}
