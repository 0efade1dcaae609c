package cache

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestTTLCacheExpiry(t *testing.T) {
	c := NewTTLCache[float64](time.Minute)
	clock := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c.now = func() time.Time { return clock }

	c.Set("BTC", 42000)
	v, ok := c.Get("BTC")
	assert.True(t, ok)
	assert.Equal(t, 42000.0, v)

	clock = clock.Add(2 * time.Minute)
	_, ok = c.Get("BTC")
	assert.False(t, ok)
	assert.Equal(t, 1, c.Cleanup())
	assert.Zero(t, c.Len())
}

func TestTTLCacheConcurrentAccess(t *testing.T) {
	c := NewTTLCache[int](0)
	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			key := fmt.Sprintf("k%d", i)
			c.Set(key, i)
			v, ok := c.Get(key)
			assert.True(t, ok)
			assert.Equal(t, i, v)
		}(i)
	}
	wg.Wait()
	assert.Equal(t, 32, c.Len())
	c.Delete("k0")
	assert.Equal(t, 31, c.Len())
}
