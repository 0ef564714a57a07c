package auth

import (
	"container/list"
	"sync"
	"time"
)

// nonceCache is a bounded LRU of recently accepted nonces for one key.
type nonceCache struct {
	ttl      time.Duration
	capacity int

	mu      sync.Mutex
	entries map[string]*list.Element
	order   *list.List
}

type cachedNonce struct {
	key    string
	seenAt time.Time
}

func newNonceCache(ttl time.Duration, capacity int) *nonceCache {
	return &nonceCache{
		ttl:      ttl,
		capacity: capacity,
		entries:  make(map[string]*list.Element),
		order:    list.New(),
	}
}

// Seen reports whether key is already cached and records it when it is not.
func (c *nonceCache) Seen(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(now)
	if _, ok := c.entries[key]; ok {
		return true
	}
	c.insert(key, now)
	return false
}

// Contains reports whether key is cached without recording it.
func (c *nonceCache) Contains(key string, now time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(now)
	_, ok := c.entries[key]
	return ok
}

func (c *nonceCache) Add(key string, now time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.expire(now)
	c.insert(key, now)
}

func (c *nonceCache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.order.Len()
}

func (c *nonceCache) insert(key string, now time.Time) {
	if elem, ok := c.entries[key]; ok {
		elem.Value = cachedNonce{key: key, seenAt: now}
		c.order.MoveToBack(elem)
		return
	}
	for c.capacity > 0 && c.order.Len() >= c.capacity {
		c.remove(c.order.Front())
	}
	c.entries[key] = c.order.PushBack(cachedNonce{key: key, seenAt: now})
}

// expire drops entries older than the window. Warm may insert out of order,
// so entries are checked until the first live one.
func (c *nonceCache) expire(now time.Time) {
	cutoff := now.Add(-c.ttl)
	for front := c.order.Front(); front != nil; front = c.order.Front() {
		if !front.Value.(cachedNonce).seenAt.Before(cutoff) {
			return
		}
		c.remove(front)
	}
}

func (c *nonceCache) remove(elem *list.Element) {
	if elem == nil {
		return
	}
	c.order.Remove(elem)
	delete(c.entries, elem.Value.(cachedNonce).key)
}
