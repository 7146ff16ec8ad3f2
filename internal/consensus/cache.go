package consensus

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/tradeflux/tradeflux/internal/config"
	"github.com/tradeflux/tradeflux/internal/metrics"
)

// maxLocalEntries caps the in-process LRU used when Redis is unavailable.
const maxLocalEntries = 1024

// priceBucketStep quantizes prices into ~0.1% log buckets so back-to-back
// cycles with an unchanged price hit the same key.
const priceBucketStep = 0.001

// Cache absorbs back-to-back consensus computations with identical inputs.
// Redis is the primary store; a bounded in-process LRU covers Redis
// outages. A cache failure is always a miss, never an error.
type Cache struct {
	rdb *redis.Client
	ttl time.Duration
	log zerolog.Logger

	mu      sync.Mutex
	lru     *list.List               // front = most recent
	entries map[string]*list.Element // key -> element
}

type localEntry struct {
	key       string
	outcome   Outcome
	expiresAt time.Time
}

// NewCache creates a consensus cache. rdb may be nil for pure in-process
// operation.
func NewCache(rdb *redis.Client, ttl time.Duration) *Cache {
	return &Cache{
		rdb:     rdb,
		ttl:     ttl,
		log:     config.NewLogger("consensus_cache"),
		lru:     list.New(),
		entries: make(map[string]*list.Element),
	}
}

// Key derives the cache key from the symbol, the quantized price and the
// set of providers that answered this cycle.
func Key(symbol string, price float64, providers []string) string {
	bucket := int64(0)
	if price > 0 {
		bucket = int64(math.Floor(math.Log(price) / priceBucketStep))
	}

	sorted := make([]string, len(providers))
	copy(sorted, providers)
	sort.Strings(sorted)
	h := fnv.New64a()
	h.Write([]byte(strings.Join(sorted, ",")))

	return fmt.Sprintf("consensus:%s:%d:%x", symbol, bucket, h.Sum64())
}

// Get returns a cached outcome, if present and unexpired.
func (c *Cache) Get(ctx context.Context, key string) (Outcome, bool) {
	if c.rdb != nil {
		raw, err := c.rdb.Get(ctx, key).Bytes()
		if err == nil {
			var out Outcome
			if err := json.Unmarshal(raw, &out); err == nil {
				metrics.ConsensusCacheHits.WithLabelValues("hit").Inc()
				return out, true
			}
		} else if err != redis.Nil {
			c.log.Debug().Err(err).Msg("Redis consensus cache read failed, trying local")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		entry := el.Value.(*localEntry)
		// Timer-based expiration on read.
		if time.Now().After(entry.expiresAt) {
			c.lru.Remove(el)
			delete(c.entries, key)
		} else {
			c.lru.MoveToFront(el)
			metrics.ConsensusCacheHits.WithLabelValues("hit").Inc()
			return entry.outcome, true
		}
	}

	metrics.ConsensusCacheHits.WithLabelValues("miss").Inc()
	return Outcome{}, false
}

// Put stores an outcome under the key.
func (c *Cache) Put(ctx context.Context, key string, out Outcome) {
	raw, err := json.Marshal(out)
	if err != nil {
		c.log.Warn().Err(err).Msg("Failed to marshal consensus outcome for cache")
		return
	}

	if c.rdb != nil {
		if err := c.rdb.Set(ctx, key, raw, c.ttl).Err(); err != nil {
			c.log.Debug().Err(err).Msg("Redis consensus cache write failed")
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.entries[key]; ok {
		el.Value.(*localEntry).outcome = out
		el.Value.(*localEntry).expiresAt = time.Now().Add(c.ttl)
		c.lru.MoveToFront(el)
		return
	}
	el := c.lru.PushFront(&localEntry{key: key, outcome: out, expiresAt: time.Now().Add(c.ttl)})
	c.entries[key] = el

	// Hard cap with LRU eviction.
	for c.lru.Len() > maxLocalEntries {
		oldest := c.lru.Back()
		c.lru.Remove(oldest)
		delete(c.entries, oldest.Value.(*localEntry).key)
	}
}
