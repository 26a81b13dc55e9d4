package store

import (
	"encoding/json"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// maxCacheEntries bounds the cache; free-text searches would otherwise
// grow it for a whole TTL window.
const maxCacheEntries = 1024

// queryCache memoizes read results until the next write or the TTL.
type queryCache struct {
	cache *gocache.Cache
	max   int
}

func newQueryCache(ttl time.Duration) *queryCache {
	return &queryCache{cache: gocache.New(ttl, 2*ttl), max: maxCacheEntries}
}

func (c *queryCache) get(key string) (any, bool) {
	return c.cache.Get(key)
}

// set stores v. A full cache first drops expired entries, then everything.
func (c *queryCache) set(key string, v any) {
	if c.cache.ItemCount() >= c.max {
		c.cache.DeleteExpired()
		if c.cache.ItemCount() >= c.max {
			c.cache.Flush()
		}
	}
	c.cache.Set(key, v, gocache.DefaultExpiration)
}

// flush drops every entry. Every write calls it.
func (c *queryCache) flush() {
	c.cache.Flush()
}

func filterKey(f Filter) string {
	b, _ := json.Marshal(f) // Filter always marshals
	return "query:" + string(b)
}

// cached returns the memoized value for key or computes and stores it.
func cached[T any](c *queryCache, key string, fn func() (T, error)) (T, error) {
	if v, ok := c.get(key); ok {
		return v.(T), nil
	}
	v, err := fn()
	if err != nil {
		return v, err
	}
	c.set(key, v)
	return v, nil
}
