package locator

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru"
)

// ttlCache layers expiry on top of hashicorp/golang-lru's v0.5 Cache, which
// predates the generic "expirable" variant. Concurrent access is guarded
// by a mutex.
type ttlCache struct {
	mu    sync.RWMutex
	cache *lru.Cache
	ttl   time.Duration
	now   func() time.Time
}

type ttlEntry struct {
	value     interface{}
	expiresAt time.Time
}

func newTTLCache(size int, ttl time.Duration) *ttlCache {
	c, err := lru.New(size)
	if err != nil {
		// lru.New only errors on size <= 0; callers always pass a
		// positive constant, so this is unreachable in practice.
		panic(err)
	}
	return &ttlCache{cache: c, ttl: ttl, now: time.Now}
}

func (c *ttlCache) get(key interface{}) (interface{}, bool) {
	c.mu.RLock()
	v, ok := c.cache.Get(key)
	c.mu.RUnlock()
	if !ok {
		return nil, false
	}
	entry := v.(ttlEntry)
	if c.now().After(entry.expiresAt) {
		c.mu.Lock()
		c.cache.Remove(key)
		c.mu.Unlock()
		return nil, false
	}
	return entry.value, true
}

func (c *ttlCache) set(key, value interface{}) {
	c.mu.Lock()
	c.cache.Add(key, ttlEntry{value: value, expiresAt: c.now().Add(c.ttl)})
	c.mu.Unlock()
}
