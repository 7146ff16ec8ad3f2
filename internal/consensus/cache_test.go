package consensus

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradeflux/tradeflux/internal/market"
)

func testOutcome() Outcome {
	return Outcome{
		Direction:   market.DirectionLong,
		Confidence:  88.5,
		Score:       0.85,
		SourcesUsed: []string{"a", "b"},
	}
}

func newRedisCache(t *testing.T, ttl time.Duration) (*Cache, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	return NewCache(rdb, ttl), mr
}

func TestKeyStability(t *testing.T) {
	k1 := Key("NVDA", 450.0, []string{"a", "b"})
	k2 := Key("NVDA", 450.0, []string{"b", "a"})
	assert.Equal(t, k1, k2, "provider order must not change the key")

	// A sub-0.1% price move stays in the same bucket.
	k3 := Key("NVDA", 450.1, []string{"a", "b"})
	assert.Equal(t, k1, k3)

	// A 1% move lands in a different bucket.
	k4 := Key("NVDA", 454.5, []string{"a", "b"})
	assert.NotEqual(t, k1, k4)

	// A different provider set is a different key.
	k5 := Key("NVDA", 450.0, []string{"a"})
	assert.NotEqual(t, k1, k5)
}

func TestCacheRedisRoundTrip(t *testing.T) {
	c, _ := newRedisCache(t, time.Minute)
	ctx := context.Background()
	key := Key("NVDA", 450, []string{"a", "b"})

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)

	c.Put(ctx, key, testOutcome())

	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, testOutcome(), got)
}

func TestCacheRedisTTL(t *testing.T) {
	c, mr := newRedisCache(t, 2*time.Second)
	ctx := context.Background()
	key := Key("NVDA", 450, []string{"a"})

	c.Put(ctx, key, testOutcome())
	// Expire both stores: advance miniredis and the local clock window.
	mr.FastForward(3 * time.Second)
	c.mu.Lock()
	for _, el := range c.entries {
		el.Value.(*localEntry).expiresAt = time.Now().Add(-time.Second)
	}
	c.mu.Unlock()

	_, ok := c.Get(ctx, key)
	assert.False(t, ok)
}

func TestCacheLocalFallbackWhenRedisDown(t *testing.T) {
	c := NewCache(nil, time.Minute)
	ctx := context.Background()
	key := Key("BTCUSDT", 65000, []string{"a"})

	c.Put(ctx, key, testOutcome())
	got, ok := c.Get(ctx, key)
	require.True(t, ok)
	assert.Equal(t, testOutcome(), got)
}

func TestCacheLocalLRUEviction(t *testing.T) {
	c := NewCache(nil, time.Minute)
	ctx := context.Background()

	for i := 0; i < maxLocalEntries+10; i++ {
		c.Put(ctx, Key(fmt.Sprintf("SYM%d", i), 100, []string{"a"}), testOutcome())
	}

	assert.LessOrEqual(t, c.lru.Len(), maxLocalEntries)
	// The oldest entries were evicted.
	_, ok := c.Get(ctx, Key("SYM0", 100, []string{"a"}))
	assert.False(t, ok)
	// The newest survive.
	_, ok = c.Get(ctx, Key(fmt.Sprintf("SYM%d", maxLocalEntries+9), 100, []string{"a"}))
	assert.True(t, ok)
}
