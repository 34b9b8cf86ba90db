package cache

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"

	"voicebridge-server/pkg/metrics"
)

func init() {
	metrics.EnableMetrics(false)
}

func TestLRUCacheSetGet(t *testing.T) {
	c := NewLRUCache("test", 4)

	c.Set("a", 1)
	c.Set("b", 2)

	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 1, v)

	_, ok = c.Get("missing")
	assert.False(t, ok)
	assert.Equal(t, 2, c.Len())
}

func TestLRUCacheEvictsLeastRecentlyUsed(t *testing.T) {
	c := NewLRUCache("test", 3)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Inserting capacity+1 distinct keys evicts exactly the LRU entry.
	c.Set("d", 4)

	assert.Equal(t, 3, c.Len())
	_, ok := c.Get("a")
	assert.False(t, ok, "oldest entry should have been evicted")

	for _, key := range []string{"b", "c", "d"} {
		_, ok := c.Get(key)
		assert.True(t, ok, "entry %s should survive", key)
	}
}

func TestLRUCacheGetPromotes(t *testing.T) {
	c := NewLRUCache("test", 3)

	c.Set("a", 1)
	c.Set("b", 2)
	c.Set("c", 3)

	// Touch "a" so "b" becomes the eviction candidate.
	_, ok := c.Get("a")
	assert.True(t, ok)

	c.Set("d", 4)

	_, ok = c.Get("a")
	assert.True(t, ok, "promoted entry must survive eviction")
	_, ok = c.Get("b")
	assert.False(t, ok, "least recently accessed entry must be evicted")
}

func TestLRUCacheUpdateExistingKey(t *testing.T) {
	c := NewLRUCache("test", 2)

	c.Set("a", 1)
	c.Set("a", 10)

	assert.Equal(t, 1, c.Len())
	v, ok := c.Get("a")
	assert.True(t, ok)
	assert.Equal(t, 10, v)
}

func TestLRUCacheDeleteAndClear(t *testing.T) {
	c := NewLRUCache("test", 8)

	for i := 0; i < 5; i++ {
		c.Set(fmt.Sprintf("k%d", i), i)
	}

	c.Delete("k2")
	assert.Equal(t, 4, c.Len())
	_, ok := c.Get("k2")
	assert.False(t, ok)

	c.Clear()
	assert.Equal(t, 0, c.Len())
}

func TestLRUCacheMinimumCapacity(t *testing.T) {
	c := NewLRUCache("test", 0)

	c.Set("a", 1)
	c.Set("b", 2)

	assert.Equal(t, 1, c.Len())
	_, ok := c.Get("b")
	assert.True(t, ok)
}
