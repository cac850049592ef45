package query

import (
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/squirreldb/squirreldb/internal/backend"
)

// ParseCache is an LRU (capacity 1024 by default) keyed by the exact query
// text, caching the normalized QuerySpec (spec §4.2).
type ParseCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, *backend.QuerySpec]
}

func NewParseCache(capacity int) *ParseCache {
	if capacity <= 0 {
		capacity = 1024
	}

	c, _ := lru.New[string, *backend.QuerySpec](capacity)

	return &ParseCache{cache: c}
}

func (c *ParseCache) Get(key string) (*backend.QuerySpec, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.cache.Get(key)
}

func (c *ParseCache) Put(key string, spec *backend.QuerySpec) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Add(key, spec)
}

type resultEntry struct {
	result    any
	expiresAt time.Time
}

// ResultCache is an LRU (capacity 256 by default) keyed by query text,
// holding serialized results for a short TTL (default 5s). Only populated
// for queries without a `changes` clause (spec §4.2).
type ResultCache struct {
	mu    sync.Mutex
	cache *lru.Cache[string, resultEntry]
	ttl   time.Duration
}

func NewResultCache(capacity int, ttl time.Duration) *ResultCache {
	if capacity <= 0 {
		capacity = 256
	}

	if ttl <= 0 {
		ttl = 5 * time.Second
	}

	c, _ := lru.New[string, resultEntry](capacity)

	return &ResultCache{cache: c, ttl: ttl}
}

func (c *ResultCache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.cache.Get(key)
	if !ok {
		return nil, false
	}

	if time.Now().After(e.expiresAt) {
		c.cache.Remove(key)
		return nil, false
	}

	return e.result, true
}

func (c *ResultCache) Put(key string, result any) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.cache.Add(key, resultEntry{result: result, expiresAt: time.Now().Add(c.ttl)})
}

// InvalidateCollection removes every entry whose key textually references
// collection, covering both single- and double-quoted forms (spec §4.2).
func (c *ResultCache) InvalidateCollection(collection string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	needles := []string{
		"table('" + collection + "')",
		`table("` + collection + `")`,
		`"table":"` + collection + `"`,
	}

	for _, key := range c.cache.Keys() {
		for _, n := range needles {
			if strings.Contains(key, n) {
				c.cache.Remove(key)
				break
			}
		}
	}
}
