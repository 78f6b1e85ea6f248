// Package cache provides a small TTL cache for derived statistics, with
// dependency tags so a game completion can invalidate exactly the entries it
// staled. Capacity is LRU-bounded; expired entries are dropped on read.
package cache

import (
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

type entry struct {
	value   any
	expires time.Time
	tags    []string
}

// Cache is a tag-aware TTL cache. All methods are safe for concurrent use.
type Cache struct {
	mu     sync.Mutex
	lru    *lru.Cache[string, *entry]
	byTag  map[string]map[string]struct{}
	hits   uint64
	misses uint64
}

// New creates a cache holding at most size entries.
func New(size int) (*Cache, error) {
	c := &Cache{byTag: make(map[string]map[string]struct{})}
	l, err := lru.NewWithEvict[string, *entry](size, c.onEvict)
	if err != nil {
		return nil, err
	}
	c.lru = l
	return c, nil
}

// onEvict runs under c.mu: lru mutations happen only inside locked methods.
func (c *Cache) onEvict(key string, e *entry) {
	for _, t := range e.tags {
		if set, ok := c.byTag[t]; ok {
			delete(set, key)
			if len(set) == 0 {
				delete(c.byTag, t)
			}
		}
	}
}

// Get returns the cached value, or false when absent or expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Get(key)
	if !ok {
		c.misses++
		return nil, false
	}
	if time.Now().After(e.expires) {
		c.lru.Remove(key)
		c.misses++
		return nil, false
	}
	c.hits++
	return e.value, true
}

// Put stores value under key for ttl, indexed by the given dependency tags.
func (c *Cache) Put(key string, value any, ttl time.Duration, tags ...string) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Drop any previous tag index for this key first.
	if old, ok := c.lru.Peek(key); ok {
		c.onEvict(key, old)
	}
	c.lru.Add(key, &entry{value: value, expires: time.Now().Add(ttl), tags: tags})
	for _, t := range tags {
		set, ok := c.byTag[t]
		if !ok {
			set = make(map[string]struct{})
			c.byTag[t] = set
		}
		set[key] = struct{}{}
	}
}

// Invalidate removes every entry carrying the tag and returns the count
// removed.
func (c *Cache) Invalidate(tag string) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	set, ok := c.byTag[tag]
	if !ok {
		return 0
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	for _, k := range keys {
		c.lru.Remove(k)
	}
	return len(keys)
}

// Purge empties the cache.
func (c *Cache) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lru.Purge()
	c.byTag = make(map[string]map[string]struct{})
}

// Stats reports entry count and hit/miss counters.
func (c *Cache) Stats() (entries int, hits, misses uint64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len(), c.hits, c.misses
}
