package tagbox

import (
	"container/list"
	"sync"
)

type (
	// lruCache holds disposable per-identity actors. Evicted entries are
	// rebuilt on the next access
	lruCache[T any] struct {
		cache   map[string]*list.Element
		lru     *list.List
		maxSize int
		mu      sync.Mutex
	}

	constructor[T any] func() T

	cacheEntry[T any] struct {
		value T
		key   string
	}
)

func newLRUCache[T any](maxSize int) *lruCache[T] {
	if maxSize <= 0 {
		maxSize = DefaultTagStateCacheSize
	}
	return &lruCache[T]{
		cache:   map[string]*list.Element{},
		lru:     list.New(),
		maxSize: maxSize,
	}
}

// Get returns the entry for key, constructing it when missing
func (c *lruCache[T]) Get(key string, cons constructor[T]) T {
	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.cache[key]; ok {
		c.lru.MoveToFront(elem)
		return elem.Value.(*cacheEntry[T]).value
	}

	entry := &cacheEntry[T]{key: key, value: cons()}
	c.cache[key] = c.lru.PushFront(entry)
	if c.lru.Len() > c.maxSize {
		c.evictLast()
	}
	return entry.value
}

func (c *lruCache[T]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *lruCache[T]) evictLast() {
	back := c.lru.Back()
	if back != nil {
		c.lru.Remove(back)
		backEntry := back.Value.(*cacheEntry[T])
		delete(c.cache, backEntry.key)
	}
}
