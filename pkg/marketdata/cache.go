package marketdata

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// Cache wraps a Fetcher so concurrent runs for the same instrument and
// timeframe share one upstream request and its result for TTL.
type Cache struct {
	Fetcher Fetcher
	TTL     time.Duration

	group   singleflight.Group
	mu      sync.Mutex
	entries map[string]cacheEntry
	now     func() time.Time
}

type cacheEntry struct {
	snap *Snapshot
	at   time.Time
}

// NewCache returns a caching Fetcher.
func NewCache(f Fetcher, ttl time.Duration) *Cache {
	return &Cache{Fetcher: f, TTL: ttl, entries: make(map[string]cacheEntry), now: time.Now}
}

// Fetch implements Fetcher.
func (c *Cache) Fetch(ctx context.Context, instrument, timeframe string) (*Snapshot, error) {
	key := instrument + "|" + timeframe

	c.mu.Lock()
	if e, ok := c.entries[key]; ok && c.now().Sub(e.at) < c.TTL {
		c.mu.Unlock()
		return e.snap, nil
	}
	c.mu.Unlock()

	v, err, _ := c.group.Do(key, func() (any, error) {
		snap, err := c.Fetcher.Fetch(ctx, instrument, timeframe)
		if err != nil {
			return nil, err
		}
		c.mu.Lock()
		c.entries[key] = cacheEntry{snap: snap, at: c.now()}
		c.mu.Unlock()
		return snap, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Snapshot), nil
}
