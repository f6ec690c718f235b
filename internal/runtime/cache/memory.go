package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"
)

// MemoryOptions bounds the in-process store.
type MemoryOptions struct {
	// Capacity is the entry count that triggers compaction once exceeded.
	Capacity int
	// CompactionPercentage is the share of Capacity freed by a compaction.
	CompactionPercentage float64
	Now                  func() time.Time
}

type memoryItem struct {
	key   string
	entry Entry
}

type memoryCache struct {
	capacity int
	target   int
	now      func() time.Time

	mu      sync.Mutex
	order   *list.List
	entries map[string]*list.Element
}

// NewMemory returns an LRU store. Inserting past Capacity drops expired
// entries, then least recently used ones, until at most
// Capacity*(1-CompactionPercentage) remain.
func NewMemory(opts MemoryOptions) (Store, error) {
	if opts.Capacity <= 0 {
		return nil, errors.New("cache: memory capacity must be positive")
	}
	if opts.CompactionPercentage <= 0 || opts.CompactionPercentage > 1 {
		return nil, errors.New("cache: compaction percentage must be in (0,1]")
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	target := int(float64(opts.Capacity) * (1 - opts.CompactionPercentage))
	return &memoryCache{
		capacity: opts.Capacity,
		target:   target,
		now:      now,
		order:    list.New(),
		entries:  make(map[string]*list.Element),
	}, nil
}

func (c *memoryCache) Lookup(_ context.Context, key string) (Entry, bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	elem, ok := c.entries[key]
	if !ok {
		return Entry{}, false, nil
	}
	item := elem.Value.(*memoryItem)
	if !c.now().Before(item.entry.ExpiresAt) {
		c.removeElement(elem)
		return Entry{}, false, nil
	}
	c.order.MoveToFront(elem)
	return cloneEntry(item.entry), true, nil
}

func (c *memoryCache) Store(_ context.Context, key string, entry Entry) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if entry.StoredAt.IsZero() {
		entry.StoredAt = now
	}
	if !entry.ExpiresAt.After(now) {
		return nil
	}
	if elem, ok := c.entries[key]; ok {
		elem.Value.(*memoryItem).entry = cloneEntry(entry)
		c.order.MoveToFront(elem)
		return nil
	}
	c.entries[key] = c.order.PushFront(&memoryItem{key: key, entry: cloneEntry(entry)})
	if len(c.entries) > c.capacity {
		c.compact(now)
	}
	return nil
}

func (c *memoryCache) Len(_ context.Context) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return int64(len(c.entries)), nil
}

func (c *memoryCache) Close(_ context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.order.Init()
	c.entries = make(map[string]*list.Element)
	return nil
}

func (c *memoryCache) compact(now time.Time) {
	for elem := c.order.Back(); elem != nil; {
		prev := elem.Prev()
		if !now.Before(elem.Value.(*memoryItem).entry.ExpiresAt) {
			c.removeElement(elem)
		}
		elem = prev
	}
	for len(c.entries) > c.target {
		c.removeElement(c.order.Back())
	}
}

func (c *memoryCache) removeElement(elem *list.Element) {
	item := c.order.Remove(elem).(*memoryItem)
	delete(c.entries, item.key)
}
