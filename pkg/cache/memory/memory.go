// Package memory is the in-process tier of the quote cache.
package memory

import (
	"context"
	"sync"
	"time"

	"coinvault/pkg/cache"
)

// Compile-time check that MemoryCache implements cache.Layer.
var _ cache.Layer = (*MemoryCache)(nil)

// MemoryCache is a map-backed cache.Layer with TTL expiry and least-recently-used eviction.
type MemoryCache struct {
	data map[string]*entry
	mu   sync.Mutex

	config MemoryCacheConfig

	cleanupTicker *time.Ticker
	stopCleanup   chan struct{}
	wg            sync.WaitGroup
}

type entry struct {
	value      []byte
	createdAt  time.Time
	expiresAt  time.Time
	accessedAt time.Time
}

// MemoryCacheConfig holds configuration for the memory cache
type MemoryCacheConfig struct {
	// Name is the cache layer identifier
	Name string

	// MaxSize is the maximum number of entries (0 = unlimited)
	MaxSize int

	// DefaultTTL applies when Set is called with a zero ttl
	DefaultTTL time.Duration

	// CleanupInterval is how often expired entries are swept
	CleanupInterval time.Duration
}

// NewMemoryCache creates the cache and starts its background sweeper.
func NewMemoryCache(config MemoryCacheConfig) *MemoryCache {
	if config.Name == "" {
		config.Name = "memory"
	}
	if config.DefaultTTL == 0 {
		config.DefaultTTL = 5 * time.Minute
	}
	if config.CleanupInterval == 0 {
		config.CleanupInterval = time.Minute
	}

	c := &MemoryCache{
		data:          make(map[string]*entry),
		config:        config,
		stopCleanup:   make(chan struct{}),
		cleanupTicker: time.NewTicker(config.CleanupInterval),
	}

	c.wg.Add(1)
	go c.cleanup()

	return c
}

// Get returns a copy of the stored bytes.
func (c *MemoryCache) Get(ctx context.Context, key string) ([]byte, error) {
	if err := cache.ValidateKey(key); err != nil {
		return nil, err
	}

	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]
	if !ok {
		return nil, cache.ErrKeyNotFound
	}
	if !now.Before(e.expiresAt) {
		delete(c.data, key)
		return nil, cache.ErrKeyNotFound
	}

	e.accessedAt = now
	return append([]byte(nil), e.value...), nil
}

// Set stores a copy of value. A zero ttl uses DefaultTTL.
func (c *MemoryCache) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}
	if value == nil {
		return cache.ErrInvalidValue
	}
	if ttl <= 0 {
		ttl = c.config.DefaultTTL
	}

	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.data[key]; !exists && c.config.MaxSize > 0 && len(c.data) >= c.config.MaxSize {
		c.evictLRU()
	}

	c.data[key] = &entry{
		value:      append([]byte(nil), value...),
		createdAt:  now,
		expiresAt:  now.Add(ttl),
		accessedAt: now,
	}

	return nil
}

// evictLRU drops the least recently accessed entry. Callers hold mu.
func (c *MemoryCache) evictLRU() {
	var lruKey string
	var lruTime time.Time

	for k, e := range c.data {
		if lruKey == "" || e.accessedAt.Before(lruTime) {
			lruKey = k
			lruTime = e.accessedAt
		}
	}

	if lruKey != "" {
		delete(c.data, lruKey)
	}
}

// Delete removes a key. Missing keys are not an error.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	if err := cache.ValidateKey(key); err != nil {
		return err
	}

	c.mu.Lock()
	delete(c.data, key)
	c.mu.Unlock()

	return nil
}

// Entry returns the stored entry with its timestamps, for inspection.
func (c *MemoryCache) Entry(key string) (cache.Entry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.data[key]
	if !ok {
		return cache.Entry{}, false
	}
	return cache.Entry{
		Key:       key,
		Value:     append([]byte(nil), e.value...),
		CreatedAt: e.createdAt,
		ExpiresAt: e.expiresAt,
	}, true
}

// Name returns the cache layer name.
func (c *MemoryCache) Name() string {
	return c.config.Name
}

// Close stops the sweeper and drops all entries.
func (c *MemoryCache) Close() error {
	c.cleanupTicker.Stop()
	close(c.stopCleanup)
	c.wg.Wait()

	c.mu.Lock()
	c.data = make(map[string]*entry)
	c.mu.Unlock()

	return nil
}

func (c *MemoryCache) cleanup() {
	defer c.wg.Done()

	for {
		select {
		case <-c.cleanupTicker.C:
			c.removeExpired()
		case <-c.stopCleanup:
			return
		}
	}
}

func (c *MemoryCache) removeExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	for key, e := range c.data {
		if !now.Before(e.expiresAt) {
			delete(c.data, key)
		}
	}
}

// Stats returns current cache statistics.
func (c *MemoryCache) Stats() MemoryCacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	stats := MemoryCacheStats{
		Size:     len(c.data),
		MaxSize:  c.config.MaxSize,
		Capacity: c.config.MaxSize,
	}
	if stats.Capacity == 0 {
		stats.Capacity = -1
	}
	return stats
}

// MemoryCacheStats holds cache statistics.
type MemoryCacheStats struct {
	Size     int // Current number of entries
	MaxSize  int // Maximum allowed entries (0 = unlimited)
	Capacity int // Effective capacity (-1 = unlimited)
}
