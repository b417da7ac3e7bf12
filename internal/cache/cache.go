package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"marketgate/internal/clock"
	"marketgate/internal/metrics"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

const tier = "memory"

type entry struct {
	value     interface{}
	size      int64
	expiresAt time.Time
}

// Stats is the cache observability snapshot.
type Stats struct {
	EntryCount     int   `json:"entry_count"`
	EstimatedBytes int64 `json:"estimated_bytes"`
	MaxBytes       int64 `json:"max_bytes"`
}

// Cache is a TTL-bounded key/value store with a byte budget. When an insert
// would exceed the budget, the entry closest to expiring is evicted first.
// Safe for concurrent use; entries expire lazily on read and via the janitor.
type Cache struct {
	clock  clock.Clock
	logger *logrus.Logger

	mu       sync.Mutex
	items    map[string]*entry
	maxBytes int64
	curBytes int64

	// group coalesces concurrent loads for the same key. Duplicate misses
	// are tolerated, not forbidden.
	group singleflight.Group
}

func New(maxBytes int64, clk clock.Clock, logger *logrus.Logger) *Cache {
	return &Cache{
		clock:    clk,
		logger:   logger,
		items:    make(map[string]*entry),
		maxBytes: maxBytes,
	}
}

// estimateSize approximates the serialized byte length of a value. Exact
// accounting is not required, only monotonic comparability.
func estimateSize(v interface{}) int64 {
	data, err := json.Marshal(v)
	if err != nil {
		return int64(len(fmt.Sprint(v)))
	}
	return int64(len(data))
}

// Get returns the live value for key, expiring lazily on read.
func (c *Cache) Get(key string) (interface{}, bool) {
	c.mu.Lock()
	e, ok := c.items[key]
	if ok && !c.clock.Now().Before(e.expiresAt) {
		delete(c.items, key)
		c.curBytes -= e.size
		ok = false
	}
	var v interface{}
	if ok {
		v = e.value
	}
	c.mu.Unlock()

	metrics.RecordCacheAccess(tier, ok)
	return v, ok
}

// Set installs an entry with expiry now+ttl, evicting soonest-to-expire
// entries until the byte budget has room.
func (c *Cache) Set(key string, value interface{}, ttl time.Duration) {
	size := estimateSize(value)
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.items[key]; ok {
		c.curBytes -= old.size
		delete(c.items, key)
	}

	if c.maxBytes > 0 {
		for c.curBytes+size > c.maxBytes && len(c.items) > 0 {
			c.evictSoonestLocked()
		}
	}

	c.items[key] = &entry{value: value, size: size, expiresAt: now.Add(ttl)}
	c.curBytes += size
	metrics.CacheBytes.Set(float64(c.curBytes))
}

// evictSoonestLocked removes the entry with the nearest expiry. Caller holds
// the lock.
func (c *Cache) evictSoonestLocked() {
	var victim string
	var soonest time.Time
	first := true
	for k, e := range c.items {
		if first || e.expiresAt.Before(soonest) {
			victim, soonest = k, e.expiresAt
			first = false
		}
	}
	if first {
		return
	}
	c.curBytes -= c.items[victim].size
	delete(c.items, victim)
	metrics.CacheEvictions.Inc()
	c.logger.WithField("key", victim).Debug("Evicted cache entry for capacity")
}

// Has reports whether a live entry exists without counting a hit or miss.
func (c *Cache) Has(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.items[key]
	return ok && c.clock.Now().Before(e.expiresAt)
}

// Delete removes an entry.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.items[key]; ok {
		c.curBytes -= e.size
		delete(c.items, key)
		metrics.CacheBytes.Set(float64(c.curBytes))
	}
}

// Clear removes everything.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items = make(map[string]*entry)
	c.curBytes = 0
	metrics.CacheBytes.Set(0)
}

// GetMultiple returns the live values among keys.
func (c *Cache) GetMultiple(keys []string) map[string]interface{} {
	out := make(map[string]interface{}, len(keys))
	for _, k := range keys {
		if v, ok := c.Get(k); ok {
			out[k] = v
		}
	}
	return out
}

// SetMultiple installs every pair with the same TTL.
func (c *Cache) SetMultiple(values map[string]interface{}, ttl time.Duration) {
	for k, v := range values {
		c.Set(k, v, ttl)
	}
}

// Stats returns the observability snapshot.
func (c *Cache) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Stats{
		EntryCount:     len(c.items),
		EstimatedBytes: c.curBytes,
		MaxBytes:       c.maxBytes,
	}
}

// Load returns the cached value for key or fills it via fn, coalescing
// concurrent misses for the same key best-effort.
func (c *Cache) Load(key string, ttl time.Duration, fn func() (interface{}, error)) (interface{}, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		fresh, err := fn()
		if err != nil {
			return nil, err
		}
		c.Set(key, fresh, ttl)
		return fresh, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v, false, nil
}

// StartJanitor deletes expired entries on an interval so memory is not held
// hostage by keys nobody reads again.
func (c *Cache) StartJanitor(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				c.sweep()
			}
		}
	}()
}

func (c *Cache) sweep() {
	now := c.clock.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, e := range c.items {
		if !now.Before(e.expiresAt) {
			c.curBytes -= e.size
			delete(c.items, k)
			removed++
		}
	}
	if removed > 0 {
		metrics.CacheBytes.Set(float64(c.curBytes))
		c.logger.Debugf("Cache janitor removed %d expired entries", removed)
	}
}
