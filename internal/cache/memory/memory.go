// Package memory provides the in-process fallback cache, used when Redis is
// not configured and by tests.
package memory

import (
	"context"
	"sync"
	"time"
)

type entry struct {
	value     []byte
	expiresAt time.Time
	tags      []string
}

// Cache is a TTL'd tag-indexed byte cache. Expiry is lazy: an expired entry
// is dropped on the Get that observes it.
type Cache struct {
	mu      sync.Mutex
	entries map[string]entry
	byTag   map[string]map[string]struct{}
}

func New() *Cache {
	return &Cache{
		entries: make(map[string]entry),
		byTag:   make(map[string]map[string]struct{}),
	}
}

func (c *Cache) Get(_ context.Context, fingerprint string) ([]byte, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[fingerprint]
	if !ok {
		return nil, false, nil
	}
	if time.Now().After(e.expiresAt) {
		c.dropLocked(fingerprint, e)
		return nil, false, nil
	}
	return e.value, true, nil
}

func (c *Cache) Put(_ context.Context, fingerprint string, value []byte, ttl time.Duration, tags []string) error {
	if ttl <= 0 {
		return nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if prev, ok := c.entries[fingerprint]; ok {
		c.dropLocked(fingerprint, prev)
	}
	c.entries[fingerprint] = entry{value: value, expiresAt: time.Now().Add(ttl), tags: tags}
	for _, tag := range tags {
		set, ok := c.byTag[tag]
		if !ok {
			set = make(map[string]struct{})
			c.byTag[tag] = set
		}
		set[fingerprint] = struct{}{}
	}
	return nil
}

func (c *Cache) InvalidateByTag(_ context.Context, tags ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, tag := range tags {
		for fp := range c.byTag[tag] {
			if e, ok := c.entries[fp]; ok {
				c.dropLocked(fp, e)
			}
		}
		delete(c.byTag, tag)
	}
	return nil
}

// Len reports the number of live entries; used by tests.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cache) dropLocked(fingerprint string, e entry) {
	delete(c.entries, fingerprint)
	for _, tag := range e.tags {
		if set, ok := c.byTag[tag]; ok {
			delete(set, fingerprint)
			if len(set) == 0 {
				delete(c.byTag, tag)
			}
		}
	}
}
