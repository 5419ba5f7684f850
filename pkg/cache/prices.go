package cache

import (
	"hash/fnv"
	"sync"
	"time"
)

const numShards = 16

// PriceCache holds the latest reference price per contract, sharded to keep
// concurrent instruments off each other's locks.
type PriceCache struct {
	shards [numShards]*priceShard
	now    func() time.Time
}

type priceShard struct {
	mu    sync.RWMutex
	items map[string]Quote
}

// Quote is a cached price and where it came from.
type Quote struct {
	Price     float64   `json:"price"`
	Source    string    `json:"source"` // signal, ticker, fill
	UpdatedAt time.Time `json:"updated_at"`
}

// NewPriceCache creates an empty cache.
func NewPriceCache() *PriceCache {
	c := &PriceCache{now: time.Now}
	for i := 0; i < numShards; i++ {
		c.shards[i] = &priceShard{items: make(map[string]Quote)}
	}
	return c
}

func (c *PriceCache) shard(key string) *priceShard {
	h := fnv.New32a()
	h.Write([]byte(key))
	return c.shards[h.Sum32()%numShards]
}

// Set stores a price with an unspecified source.
func (c *PriceCache) Set(contract string, price float64) {
	c.Put(contract, price, "")
}

// Put stores a price tagged with its source. Non-positive prices are ignored.
func (c *PriceCache) Put(contract string, price float64, source string) {
	if price <= 0 {
		return
	}
	s := c.shard(contract)
	s.mu.Lock()
	s.items[contract] = Quote{Price: price, Source: source, UpdatedAt: c.now()}
	s.mu.Unlock()
}

// Get retrieves a price regardless of age.
func (c *PriceCache) Get(contract string) (float64, bool) {
	q, ok := c.Quote(contract)
	return q.Price, ok
}

// Quote retrieves the full cached entry.
func (c *PriceCache) Quote(contract string) (Quote, bool) {
	s := c.shard(contract)
	s.mu.RLock()
	q, ok := s.items[contract]
	s.mu.RUnlock()
	return q, ok
}

// GetFresh retrieves a price no older than maxAge.
func (c *PriceCache) GetFresh(contract string, maxAge time.Duration) (float64, bool) {
	q, ok := c.Quote(contract)
	if !ok || c.now().Sub(q.UpdatedAt) > maxAge {
		return 0, false
	}
	return q.Price, true
}

// Cleanup removes entries older than maxAge.
func (c *PriceCache) Cleanup(maxAge time.Duration) int {
	removed := 0
	cutoff := c.now().Add(-maxAge)
	for _, s := range c.shards {
		s.mu.Lock()
		for k, q := range s.items {
			if q.UpdatedAt.Before(cutoff) {
				delete(s.items, k)
				removed++
			}
		}
		s.mu.Unlock()
	}
	return removed
}

// Snapshot returns a copy of all cached quotes.
func (c *PriceCache) Snapshot() map[string]Quote {
	out := make(map[string]Quote)
	for _, s := range c.shards {
		s.mu.RLock()
		for k, q := range s.items {
			out[k] = q
		}
		s.mu.RUnlock()
	}
	return out
}
