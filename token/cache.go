package token

import (
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/maltehedderich/api-gateway-go/gwcontext"
)

type cacheEntry struct {
	principal gwcontext.Principal
	expiresAt time.Time
}

// principalCache is a small in-process LRU caching recently validated
// signed-token Principals keyed by token hash, with a hard TTL applied
// independently of LRU recency so a cached entry can never outlive its
// revocation window (spec §5: "TTL ≤ 30s"). Grounded on the
// hashicorp/golang-lru/v2 usage pattern observed in the pack.
type principalCache struct {
	cache *lru.Cache[string, cacheEntry]
	ttl   time.Duration
}

func newPrincipalCache(size int, ttl time.Duration) *principalCache {
	c, err := lru.New[string, cacheEntry](size)
	if err != nil {
		// size <= 0 is a programmer error; fall back to a minimal cache
		// rather than propagating a constructor error through every
		// caller of token.New.
		c, _ = lru.New[string, cacheEntry](1)
	}
	return &principalCache{cache: c, ttl: ttl}
}

func (c *principalCache) get(key string) (*gwcontext.Principal, bool) {
	entry, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expiresAt) {
		c.cache.Remove(key)
		return nil, false
	}
	p := entry.principal
	return &p, true
}

func (c *principalCache) put(key string, p *gwcontext.Principal) {
	c.cache.Add(key, cacheEntry{principal: *p, expiresAt: time.Now().Add(c.ttl)})
}

func (c *principalCache) invalidate(key string) {
	c.cache.Remove(key)
}
