// Package cache provides a concurrent LRU cache bounded by entry weight and
// idle time, with a removal listener for entries it drops on its own.
package cache

import (
	"context"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

// Cause explains why the cache dropped an entry.
type Cause int

const (
	// CauseCapacity means the weight or entry budget was exceeded.
	CauseCapacity Cause = iota
	// CauseExpired means the entry sat idle longer than the expiry.
	CauseExpired
)

func (c Cause) String() string {
	switch c {
	case CauseCapacity:
		return "capacity"
	case CauseExpired:
		return "expired"
	default:
		return fmt.Sprintf("cause(%d)", int(c))
	}
}

// Weigher returns the weight an entry counts against MaxWeight.
type Weigher[K comparable, V any] func(key K, value V) int64

// RemovalListener is called for entries dropped by capacity or expiry.
// Explicit removals are never reported. Listeners run without the cache lock
// held and may call back into the cache.
type RemovalListener[K comparable, V any] func(key K, value V, cause Cause)

// Config configures a Cache. Zero limits mean unbounded.
type Config[K comparable, V any] struct {
	MaxWeight         int64
	MaxEntries        int
	ExpireAfterAccess time.Duration
	Weigher           Weigher[K, V]
	OnRemoval         RemovalListener[K, V]

	// Now overrides the clock, for tests.
	Now func() time.Time
}

// Stats is a snapshot of cache counters.
type Stats struct {
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

type entry[V any] struct {
	value    V
	weight   int64
	accessed time.Time
}

type removal[K comparable, V any] struct {
	key   K
	value V
	cause Cause
}

// Cache is safe for concurrent use.
type Cache[K comparable, V any] struct {
	cfg Config[K, V]

	mu     sync.Mutex
	lru    *simplelru.LRU[K, *entry[V]]
	weight int64

	hits      atomic.Uint64
	misses    atomic.Uint64
	evictions atomic.Uint64
}

// New creates a cache from cfg.
func New[K comparable, V any](cfg Config[K, V]) (*Cache[K, V], error) {
	if cfg.MaxWeight < 0 {
		return nil, fmt.Errorf("max weight must be >= 0, got %d", cfg.MaxWeight)
	}
	if cfg.MaxEntries < 0 {
		return nil, fmt.Errorf("max entries must be >= 0, got %d", cfg.MaxEntries)
	}
	if cfg.ExpireAfterAccess < 0 {
		return nil, fmt.Errorf("expiry must be >= 0, got %v", cfg.ExpireAfterAccess)
	}
	if cfg.Weigher == nil {
		cfg.Weigher = func(K, V) int64 { return 1 }
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	// Bounds are enforced here, not by simplelru, so that every drop goes
	// through the listener with its cause.
	lru, err := simplelru.NewLRU[K, *entry[V]](math.MaxInt, nil)
	if err != nil {
		return nil, fmt.Errorf("create lru: %w", err)
	}

	return &Cache[K, V]{cfg: cfg, lru: lru}, nil
}

// GetOrCreate returns the value for key, calling create and inserting its
// result if key is absent. created reports whether create was called.
// create runs under the cache lock and must not touch the cache.
func (c *Cache[K, V]) GetOrCreate(key K, create func() V) (value V, created bool) {
	now := c.cfg.Now()

	c.mu.Lock()
	removed := c.expireLocked(now, nil)
	if e, ok := c.lru.Get(key); ok {
		e.accessed = now
		value = e.value
		c.mu.Unlock()
		c.hits.Add(1)
		c.notify(removed)
		return value, false
	}

	value = create()
	c.addLocked(key, value, now)
	removed = c.shrinkLocked(removed)
	c.mu.Unlock()

	c.misses.Add(1)
	c.notify(removed)
	return value, true
}

// Get returns the value for key and refreshes its access time.
func (c *Cache[K, V]) Get(key K) (V, bool) {
	now := c.cfg.Now()

	c.mu.Lock()
	removed := c.expireLocked(now, nil)
	e, ok := c.lru.Get(key)
	if ok {
		e.accessed = now
	}
	c.mu.Unlock()

	c.notify(removed)
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Peek returns the value for key without refreshing it or touching the
// hit and miss counters.
func (c *Cache[K, V]) Peek(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok {
		var zero V
		return zero, false
	}
	return e.value, true
}

// Remove drops key without notifying the listener.
func (c *Cache[K, V]) Remove(key K) bool {
	return c.RemoveIf(key, nil)
}

// RemoveIf drops key if match accepts its current value (nil matches
// anything). The listener is not notified.
func (c *Cache[K, V]) RemoveIf(key K, match func(V) bool) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.lru.Peek(key)
	if !ok {
		return false
	}
	if match != nil && !match(e.value) {
		return false
	}
	c.weight -= e.weight
	c.lru.Remove(key)
	return true
}

// Sweep drops every entry idle since before now minus the expiry.
func (c *Cache[K, V]) Sweep(now time.Time) int {
	c.mu.Lock()
	removed := c.expireLocked(now, nil)
	c.mu.Unlock()

	c.notify(removed)
	return len(removed)
}

// Run sweeps expired entries every interval until ctx is done. A
// non-positive interval derives one from the expiry.
func (c *Cache[K, V]) Run(ctx context.Context, interval time.Duration) {
	ttl := c.cfg.ExpireAfterAccess
	if ttl <= 0 {
		return
	}
	if interval <= 0 {
		interval = min(max(ttl/4, time.Second), time.Minute)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.Sweep(c.cfg.Now())
		}
	}
}

// Len returns the number of entries.
func (c *Cache[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

// Weight returns the summed weight of all entries.
func (c *Cache[K, V]) Weight() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.weight
}

// Stats returns hit, miss and eviction counters.
func (c *Cache[K, V]) Stats() Stats {
	return Stats{
		Hits:      c.hits.Load(),
		Misses:    c.misses.Load(),
		Evictions: c.evictions.Load(),
	}
}

func (c *Cache[K, V]) addLocked(key K, value V, now time.Time) {
	w := c.cfg.Weigher(key, value)
	c.lru.Add(key, &entry[V]{value: value, weight: w, accessed: now})
	c.weight += w
}

// expireLocked removes idle entries, oldest access first.
func (c *Cache[K, V]) expireLocked(now time.Time, removed []removal[K, V]) []removal[K, V] {
	ttl := c.cfg.ExpireAfterAccess
	if ttl <= 0 {
		return removed
	}
	for {
		k, e, ok := c.lru.GetOldest()
		if !ok || now.Sub(e.accessed) < ttl {
			return removed
		}
		c.lru.RemoveOldest()
		c.weight -= e.weight
		removed = append(removed, removal[K, V]{key: k, value: e.value, cause: CauseExpired})
	}
}

// shrinkLocked evicts least recently accessed entries until both budgets hold.
func (c *Cache[K, V]) shrinkLocked(removed []removal[K, V]) []removal[K, V] {
	for c.overLocked() {
		k, e, ok := c.lru.RemoveOldest()
		if !ok {
			break
		}
		c.weight -= e.weight
		removed = append(removed, removal[K, V]{key: k, value: e.value, cause: CauseCapacity})
	}
	return removed
}

func (c *Cache[K, V]) overLocked() bool {
	if c.cfg.MaxWeight > 0 && c.weight > c.cfg.MaxWeight {
		return true
	}
	return c.cfg.MaxEntries > 0 && c.lru.Len() > c.cfg.MaxEntries
}

func (c *Cache[K, V]) notify(removed []removal[K, V]) {
	if len(removed) == 0 {
		return
	}
	c.evictions.Add(uint64(len(removed)))
	if c.cfg.OnRemoval == nil {
		return
	}
	for _, r := range removed {
		c.cfg.OnRemoval(r.key, r.value, r.cause)
	}
}
