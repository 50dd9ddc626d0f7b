package cache

import (
	"container/list"
	"context"
	"errors"
	"sync"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
)

var errNoTenant = errors.New("tenant id is required")

// ck is a composite cache key. Keying the maps on the pair keeps
// tenants apart without string concatenation games.
type ck struct {
	tenant string
	name   string
}

type memItem struct {
	key      ck
	data     []byte
	deadline time.Time
}

type memCounter struct {
	n        int64
	deadline time.Time
}

// MemoryCache is the in-process cache: LRU over a doubly linked list
// with per-item TTL, plus windowed counters for redelivery detection.
// Community tier uses it alone; the two-phase cache uses it as L1.
type MemoryCache struct {
	mu       sync.RWMutex
	capacity int
	index    map[ck]*list.Element
	order    *list.List // front = most recently used
	counters map[ck]*memCounter
}

// NewMemoryCache creates a cache bounded to capacity items.
// Non-positive capacities fall back to 10000.
func NewMemoryCache(capacity int) *MemoryCache {
	if capacity <= 0 {
		capacity = 10000
	}
	return &MemoryCache{
		capacity: capacity,
		index:    make(map[ck]*list.Element),
		order:    list.New(),
		counters: make(map[ck]*memCounter),
	}
}

// Set stores value under (tenant, key) for ttl. Existing entries are
// overwritten in place; inserts beyond capacity evict from the tail.
func (c *MemoryCache) Set(ctx context.Context, tenantID string, key string, value []byte, ttl time.Duration) error {
	if tenantID == "" {
		return errNoTenant
	}
	k := ck{tenantID, key}
	deadline := time.Now().Add(ttl)

	c.mu.Lock()
	defer c.mu.Unlock()

	if elem, ok := c.index[k]; ok {
		item := elem.Value.(*memItem)
		item.data = value
		item.deadline = deadline
		c.order.MoveToFront(elem)
		return nil
	}

	c.index[k] = c.order.PushFront(&memItem{key: k, data: value, deadline: deadline})
	for c.order.Len() > c.capacity {
		if tail := c.order.Back(); tail != nil {
			c.unlink(tail)
		}
	}
	return nil
}

// Get returns the stored value, or nil without error on a miss.
// Expired entries count as misses and are dropped on the spot.
func (c *MemoryCache) Get(ctx context.Context, tenantID string, key string) ([]byte, error) {
	if tenantID == "" {
		return nil, errNoTenant
	}
	k := ck{tenantID, key}

	c.mu.Lock()
	defer c.mu.Unlock()

	elem, ok := c.index[k]
	if !ok {
		return nil, nil
	}
	item := elem.Value.(*memItem)
	if time.Now().After(item.deadline) {
		c.unlink(elem)
		return nil, nil
	}
	c.order.MoveToFront(elem)
	return item.data, nil
}

// Delete removes (tenant, key). Missing keys are not an error.
func (c *MemoryCache) Delete(ctx context.Context, tenantID string, key string) error {
	if tenantID == "" {
		return errNoTenant
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if elem, ok := c.index[ck{tenantID, key}]; ok {
		c.unlink(elem)
	}
	return nil
}

// unlink drops an element from both the list and the index.
// Callers hold the write lock.
func (c *MemoryCache) unlink(elem *list.Element) {
	c.order.Remove(elem)
	delete(c.index, elem.Value.(*memItem).key)
}

// GetScoreEvent returns a cached score event, or nil on a miss.
func (c *MemoryCache) GetScoreEvent(ctx context.Context, tenantID string, txID string) (*domain.ScoreEvent, error) {
	data, err := c.Get(ctx, tenantID, scoreKey(txID))
	if err != nil || data == nil {
		return nil, err
	}
	return decodeScoreEvent(data)
}

// SetScoreEvent caches a score event for the redelivery fast path and
// the query surface.
func (c *MemoryCache) SetScoreEvent(ctx context.Context, tenantID string, txID string, ev *domain.ScoreEvent, ttl time.Duration) error {
	data, err := encodeScoreEvent(ev)
	if err != nil {
		return err
	}
	return c.Set(ctx, tenantID, scoreKey(txID), data, ttl)
}

// IncrementCounter bumps the counter for (tenant, key) and returns the
// new value. The first increment opens a window of the given length;
// an increment after the window lapses starts over at 1.
func (c *MemoryCache) IncrementCounter(ctx context.Context, tenantID string, key string, window time.Duration) (int64, error) {
	if tenantID == "" {
		return 0, errNoTenant
	}
	k := ck{tenantID, counterKey(key)}
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	counter, ok := c.counters[k]
	if !ok || now.After(counter.deadline) {
		c.counters[k] = &memCounter{n: 1, deadline: now.Add(window)}
		return 1, nil
	}
	counter.n++
	return counter.n, nil
}

// Stats reports current size and configured capacity.
func (c *MemoryCache) Stats() (size int, capacity int) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.order.Len(), c.capacity
}

// Ping always succeeds; the cache lives in-process.
func (c *MemoryCache) Ping(ctx context.Context) error {
	return nil
}

// Close discards all entries and counters.
func (c *MemoryCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.index = make(map[ck]*list.Element)
	c.order = list.New()
	c.counters = make(map[ck]*memCounter)
	return nil
}
