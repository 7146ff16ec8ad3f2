package risk

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/config"
)

// maxVolEntries caps the in-process volatility store.
const maxVolEntries = 512

// staleRefreshFraction: entries older than this fraction of the TTL are
// refreshed asynchronously while the stale value is still served.
const staleRefreshFraction = 0.75

// VolLoader computes realized volatility for a symbol on a cache miss.
type VolLoader func(ctx context.Context, symbol string) (float64, error)

// VolatilityCache caches per-symbol realized volatility with a bounded
// store and asynchronous refresh of aging entries. Redis is the shared
// tier; a local map covers Redis outages.
type VolatilityCache struct {
	rdb    *redis.Client
	ttl    time.Duration
	loader VolLoader
	log    zerolog.Logger

	mu         sync.Mutex
	local      map[string]volEntry
	refreshing map[string]bool
}

type volEntry struct {
	value    float64
	loadedAt time.Time
}

// NewVolatilityCache creates a cache. rdb may be nil.
func NewVolatilityCache(rdb *redis.Client, ttl time.Duration, loader VolLoader) *VolatilityCache {
	return &VolatilityCache{
		rdb:        rdb,
		ttl:        ttl,
		loader:     loader,
		log:        config.NewLogger("vol_cache"),
		local:      make(map[string]volEntry),
		refreshing: make(map[string]bool),
	}
}

// Get returns the realized volatility for a symbol, loading it on a miss.
func (c *VolatilityCache) Get(ctx context.Context, symbol string) (float64, error) {
	key := "vol:" + symbol

	if c.rdb != nil {
		raw, err := c.rdb.Get(ctx, key).Result()
		if err == nil {
			if v, perr := strconv.ParseFloat(raw, 64); perr == nil {
				return v, nil
			}
		} else if err != redis.Nil {
			c.log.Debug().Err(err).Msg("Redis volatility read failed, using local tier")
		}
	}

	c.mu.Lock()
	entry, ok := c.local[symbol]
	c.mu.Unlock()
	if ok {
		age := time.Since(entry.loadedAt)
		if age < c.ttl {
			if age > time.Duration(float64(c.ttl)*staleRefreshFraction) {
				c.refreshAsync(symbol)
			}
			return entry.value, nil
		}
	}

	return c.load(ctx, symbol)
}

// load fetches fresh volatility and stores it in both tiers.
func (c *VolatilityCache) load(ctx context.Context, symbol string) (float64, error) {
	v, err := c.loader(ctx, symbol)
	if err != nil {
		return 0, err
	}
	c.store(ctx, symbol, v)
	return v, nil
}

func (c *VolatilityCache) store(ctx context.Context, symbol string, v float64) {
	if c.rdb != nil {
		if err := c.rdb.Set(ctx, "vol:"+symbol, strconv.FormatFloat(v, 'g', -1, 64), c.ttl).Err(); err != nil {
			c.log.Debug().Err(err).Msg("Redis volatility write failed")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.local[symbol] = volEntry{value: v, loadedAt: time.Now()}
	if len(c.local) > maxVolEntries {
		// Evict the oldest entry.
		var oldestSym string
		var oldestAt time.Time
		for sym, e := range c.local {
			if oldestSym == "" || e.loadedAt.Before(oldestAt) {
				oldestSym, oldestAt = sym, e.loadedAt
			}
		}
		delete(c.local, oldestSym)
	}
}

// refreshAsync reloads an aging entry in the background, at most once at
// a time per symbol.
func (c *VolatilityCache) refreshAsync(symbol string) {
	c.mu.Lock()
	if c.refreshing[symbol] {
		c.mu.Unlock()
		return
	}
	c.refreshing[symbol] = true
	c.mu.Unlock()

	go func() {
		defer func() {
			c.mu.Lock()
			delete(c.refreshing, symbol)
			c.mu.Unlock()
		}()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if _, err := c.load(ctx, symbol); err != nil {
			c.log.Warn().Err(err).Str("symbol", symbol).Msg("Async volatility refresh failed")
		}
	}()
}
