package cache

import (
	"context"
	"hash/fnv"
	"strconv"
	"sync"
	"time"

	"trading-control/pkg/exchanges/common"
)

const numShards = 16

// BookCache fronts a market data source with a short-lived, sharded cache of
// order books. Dry-run venues of every user share one instance so a symbol is
// fetched once per TTL no matter how many loops read it.
type BookCache struct {
	source common.MarketData
	ttl    time.Duration
	now    func() time.Time
	shards [numShards]*bookShard
}

type bookShard struct {
	mu    sync.RWMutex
	items map[string]bookEntry
}

type bookEntry struct {
	book      common.Orderbook
	fetchedAt time.Time
}

var _ common.MarketData = (*BookCache)(nil)

// NewBookCache wraps source. A ttl <= 0 disables caching.
func NewBookCache(source common.MarketData, ttl time.Duration) *BookCache {
	c := &BookCache{source: source, ttl: ttl, now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &bookShard{items: make(map[string]bookEntry)}
	}
	return c
}

func (c *BookCache) shard(key string) *bookShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

func cacheKey(symbol string, depth int) string {
	return symbol + "@" + strconv.Itoa(depth)
}

// GetOrderbook serves a cached book younger than the TTL, otherwise fetches.
func (c *BookCache) GetOrderbook(ctx context.Context, symbol string, depth int) (common.Orderbook, error) {
	key := cacheKey(symbol, depth)
	sh := c.shard(key)
	if c.ttl > 0 {
		sh.mu.RLock()
		entry, ok := sh.items[key]
		sh.mu.RUnlock()
		if ok && c.now().Sub(entry.fetchedAt) < c.ttl {
			return entry.book, nil
		}
	}

	book, err := c.source.GetOrderbook(ctx, symbol, depth)
	if err != nil {
		return common.Orderbook{}, err
	}
	if c.ttl > 0 {
		sh.mu.Lock()
		sh.items[key] = bookEntry{book: book, fetchedAt: c.now()}
		sh.mu.Unlock()
	}
	return book, nil
}

// Len returns total items across all shards.
func (c *BookCache) Len() int {
	total := 0
	for _, shard := range c.shards {
		shard.mu.RLock()
		total += len(shard.items)
		shard.mu.RUnlock()
	}
	return total
}

// Cleanup removes entries older than maxAge.
func (c *BookCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)

	for _, shard := range c.shards {
		shard.mu.Lock()
		for key, entry := range shard.items {
			if entry.fetchedAt.Before(cutoff) {
				delete(shard.items, key)
				removed++
			}
		}
		shard.mu.Unlock()
	}
	return removed
}
