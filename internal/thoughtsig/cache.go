package thoughtsig

import (
	"container/list"
	"sync"
	"time"
)

// DefaultTTL and DefaultCapacity match spec.md §4.5's stated defaults.
const (
	DefaultTTL      = time.Hour
	DefaultCapacity = 200_000
)

type entry struct {
	fingerprint string
	signature   string
	expiresAt   time.Time
}

// Cache is a concurrent TTL+LRU map from fingerprint to signature. It is
// the only directly shared mutable structure across requests within a
// provider (spec.md §5), so every method takes its own lock.
type Cache struct {
	mu       sync.Mutex
	ttl      time.Duration
	capacity int
	now      func() time.Time

	order *list.List
	elems map[string]*list.Element
}

// NewCache builds a Cache with the given ttl/capacity. now defaults to
// time.Now if nil (tests pass a fixed clock).
func NewCache(ttl time.Duration, capacity int, now func() time.Time) *Cache {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	if now == nil {
		now = time.Now
	}
	return &Cache{
		ttl:      ttl,
		capacity: capacity,
		now:      now,
		order:    list.New(),
		elems:    make(map[string]*list.Element),
	}
}

// Put stores signature under fingerprint, refreshing its TTL and moving it
// to the front of the LRU order. Empty fingerprints are never stored.
func (c *Cache) Put(fingerprint, signature string) {
	if fingerprint == "" {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.elems[fingerprint]; ok {
		c.order.MoveToFront(elem)
		elem.Value.(*entry).signature = signature
		elem.Value.(*entry).expiresAt = c.now().Add(c.ttl)
		return
	}

	elem := c.order.PushFront(&entry{fingerprint: fingerprint, signature: signature, expiresAt: c.now().Add(c.ttl)})
	c.elems[fingerprint] = elem

	for c.order.Len() > c.capacity {
		c.evictOldest()
	}
}

// Get looks up fingerprint, returning ("", false) on a miss or an expired
// entry (which is evicted lazily).
func (c *Cache) Get(fingerprint string) (string, bool) {
	if fingerprint == "" {
		return "", false
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.elems[fingerprint]
	if !ok {
		return "", false
	}
	e := elem.Value.(*entry)
	if c.now().After(e.expiresAt) {
		c.order.Remove(elem)
		delete(c.elems, fingerprint)
		return "", false
	}
	c.order.MoveToFront(elem)
	return e.signature, true
}

// Len returns the number of live entries, including ones not yet lazily
// expired.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *Cache) evictOldest() {
	oldest := c.order.Back()
	if oldest == nil {
		return
	}
	c.order.Remove(oldest)
	delete(c.elems, oldest.Value.(*entry).fingerprint)
}
