// ABOUTME: Tests for the generic TTL cache.
// ABOUTME: Validates expiry semantics, miss behavior, deletion, and concurrency safety.

package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCache_GetSet(t *testing.T) {
	c := New[string](nil, "test")

	c.Set("key", "value", 5*time.Minute)

	got, ok := c.Get("key")
	require.True(t, ok)
	assert.Equal(t, "value", got)
}

func TestCache_Get_Miss(t *testing.T) {
	c := New[string](nil, "test")

	_, ok := c.Get("never-set")
	assert.False(t, ok)
}

func TestCache_Get_Expired(t *testing.T) {
	c := New[string](nil, "test")

	c.Set("key", "value", 10*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	// Expired entries are a miss without needing an explicit delete,
	// indistinguishable from never-set.
	_, ok := c.Get("key")
	assert.False(t, ok)
	assert.Equal(t, 0, c.Len(), "expired entry should be lazily removed on read")
}

func TestCache_Set_Overwrite(t *testing.T) {
	c := New[int](nil, "test")

	c.Set("key", 1, 5*time.Minute)
	c.Set("key", 2, 5*time.Minute)

	got, ok := c.Get("key")
	require.True(t, ok)
	assert.Equal(t, 2, got)
}

func TestCache_Delete(t *testing.T) {
	c := New[string](nil, "test")

	c.Set("key", "value", 5*time.Minute)

	assert.True(t, c.Delete("key"), "deleting an existing key reports true")
	assert.False(t, c.Delete("key"), "deleting a missing key reports false")

	_, ok := c.Get("key")
	assert.False(t, ok)
}

func TestCache_Clear(t *testing.T) {
	c := New[string](nil, "test")

	c.Set("a", "1", 5*time.Minute)
	c.Set("b", "2", 5*time.Minute)
	c.Clear()

	assert.Equal(t, 0, c.Len())
}

func TestCache_CleanExpired(t *testing.T) {
	c := New[string](nil, "test")

	c.Set("fresh", "v", 5*time.Minute)
	c.Set("stale-1", "v", 1*time.Millisecond)
	c.Set("stale-2", "v", 1*time.Millisecond)
	time.Sleep(10 * time.Millisecond)

	removed := c.CleanExpired()

	assert.Equal(t, 2, removed)
	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("fresh")
	assert.True(t, ok)
}

func TestCache_ConcurrentAccess(t *testing.T) {
	c := New[int](nil, "test")

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for j := 0; j < 100; j++ {
				key := fmt.Sprintf("key-%d", j%7)
				c.Set(key, n, time.Millisecond)
				c.Get(key)
				c.CleanExpired()
			}
		}(i)
	}
	wg.Wait()
}
