// Package seen implements the bounded, TTL'd message-id cache from §4.6,
// built on jellydator/ttlcache/v3 the way WPAMesh's store package uses it
// for bounded lookup caches, instead of a hand-rolled LRU.
package seen

import (
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	// DefaultCapacity bounds the cache per §4.6.
	DefaultCapacity = 4096
	// DefaultTTL is the per-entry expiry per §4.6.
	DefaultTTL = time.Hour
)

// Cache tracks recently seen message ids so the engine can skip
// expensive insert/ingest work for ids it already knows about.
type Cache struct {
	c *ttlcache.Cache[string, time.Time]
}

// New creates a Cache with the given capacity and TTL. Capacity <= 0
// or ttl <= 0 fall back to the §4.6 defaults.
func New(capacity int, ttl time.Duration) *Cache {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	c := ttlcache.New[string, time.Time](
		ttlcache.WithTTL[string, time.Time](ttl),
		ttlcache.WithCapacity[string, time.Time](uint64(capacity)),
	)
	go c.Start()
	return &Cache{c: c}
}

// Touch records id as seen at now, refreshing its TTL.
func (c *Cache) Touch(id string, now time.Time) {
	c.c.Set(id, now, ttlcache.DefaultTTL)
}

// Contains reports whether id was touched within its TTL. A miss here
// does not mean the message is unknown — the store is authoritative.
func (c *Cache) Contains(id string) bool {
	item := c.c.Get(id)
	return item != nil
}

// Len reports the current number of live entries.
func (c *Cache) Len() int {
	return c.c.Len()
}

// Close stops the background TTL-eviction goroutine.
func (c *Cache) Close() {
	c.c.Stop()
}

// Rehydrate seeds the cache from persisted seen rows on cold start (§3.2).
func (c *Cache) Rehydrate(rows map[string]time.Time) {
	for id, lastSeen := range rows {
		c.c.Set(id, lastSeen, ttlcache.DefaultTTL)
	}
}
