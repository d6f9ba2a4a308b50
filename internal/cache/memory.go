package cache

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

// MemoryCache is a bounded in-process LRU with per-entry expiry, used when
// no Redis is configured and in tests.
type MemoryCache struct {
	maxEntries int
	clock      clockwork.Clock

	mu      sync.Mutex
	entries map[string]*entry
	head    *entry // most recently used
	tail    *entry // least recently used
}

type entry struct {
	key       string
	value     []byte
	expiresAt time.Time
	prev      *entry
	next      *entry
}

// NewMemoryCache creates a cache holding at most maxEntries items.
// A nil clock uses the real clock.
func NewMemoryCache(maxEntries int, clock clockwork.Clock) *MemoryCache {
	if maxEntries <= 0 {
		maxEntries = 1000
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &MemoryCache{
		maxEntries: maxEntries,
		clock:      clock,
		entries:    make(map[string]*entry),
	}
}

func (c *MemoryCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, ErrMiss
	}
	if !c.clock.Now().Before(e.expiresAt) {
		c.remove(e)
		return nil, ErrMiss
	}
	c.moveToFront(e)

	out := make([]byte, len(e.value))
	copy(out, e.value)
	return out, nil
}

func (c *MemoryCache) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	stored := make([]byte, len(value))
	copy(stored, value)
	expiresAt := c.clock.Now().Add(ttl)

	if e, ok := c.entries[key]; ok {
		e.value = stored
		e.expiresAt = expiresAt
		c.moveToFront(e)
		return nil
	}

	e := &entry{key: key, value: stored, expiresAt: expiresAt}
	c.entries[key] = e
	c.pushFront(e)

	if len(c.entries) > c.maxEntries {
		c.remove(c.tail)
	}
	return nil
}

func (c *MemoryCache) Delete(_ context.Context, keys ...string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	for _, k := range keys {
		if e, ok := c.entries[k]; ok {
			c.remove(e)
		}
	}
	return nil
}

// Len returns the number of stored entries, expired ones included
func (c *MemoryCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *MemoryCache) pushFront(e *entry) {
	e.prev = nil
	e.next = c.head
	if c.head != nil {
		c.head.prev = e
	}
	c.head = e
	if c.tail == nil {
		c.tail = e
	}
}

func (c *MemoryCache) unlink(e *entry) {
	if e.prev != nil {
		e.prev.next = e.next
	} else {
		c.head = e.next
	}
	if e.next != nil {
		e.next.prev = e.prev
	} else {
		c.tail = e.prev
	}
	e.prev, e.next = nil, nil
}

func (c *MemoryCache) moveToFront(e *entry) {
	if c.head == e {
		return
	}
	c.unlink(e)
	c.pushFront(e)
}

func (c *MemoryCache) remove(e *entry) {
	c.unlink(e)
	delete(c.entries, e.key)
}
