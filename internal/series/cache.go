package series

import (
	"crypto/sha256"
	"fmt"
	"sync"
	"time"

	"calseries/internal/storage"
)

// cacheEntry holds one cached expansion result.
type cacheEntry struct {
	seriesID   int64
	dates      []time.Time
	expiresAt  time.Time
	accessedAt time.Time
}

// CacheConfig holds configuration for the expansion cache.
type CacheConfig struct {
	TTL        time.Duration // How long entries stay valid
	MaxEntries int           // Maximum number of entries before cleanup
}

// DefaultCacheConfig provides sensible defaults for expansion caching.
var DefaultCacheConfig = CacheConfig{
	TTL:        15 * time.Minute,
	MaxEntries: 1000,
}

// ExpansionCache is a process-local cache for per-series expansion results.
// Entries are keyed by the full (series, exceptions, window) input, so a
// stale rule never answers for a mutated series as long as mutations call
// InvalidateSeries.
type ExpansionCache struct {
	mu      sync.RWMutex
	entries map[string]*cacheEntry
	ttl     time.Duration
	max     int
}

// NewExpansionCache creates an expansion cache with the given configuration.
func NewExpansionCache(config CacheConfig) *ExpansionCache {
	if config.TTL <= 0 {
		config.TTL = DefaultCacheConfig.TTL
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = DefaultCacheConfig.MaxEntries
	}
	return &ExpansionCache{
		entries: make(map[string]*cacheEntry),
		ttl:     config.TTL,
		max:     config.MaxEntries,
	}
}

func cacheKey(rec *storage.Series, exceptions []time.Time, rangeStart, rangeEnd time.Time) string {
	hasher := sha256.New()

	fmt.Fprintf(hasher, "%d\n%s\n", rec.ID, rec.RRule)
	hasher.Write([]byte(rec.Start.UTC().Format(time.RFC3339Nano)))
	hasher.Write([]byte(rec.End.UTC().Format(time.RFC3339Nano)))
	hasher.Write([]byte(rangeStart.UTC().Format(time.RFC3339Nano)))
	hasher.Write([]byte(rangeEnd.UTC().Format(time.RFC3339Nano)))
	for _, e := range exceptions {
		hasher.Write([]byte(e.UTC().Format(time.RFC3339Nano)))
	}

	return fmt.Sprintf("%x", hasher.Sum(nil))
}

// Get retrieves a cached expansion if present and not expired.
func (c *ExpansionCache) Get(rec *storage.Series, exceptions []time.Time, rangeStart, rangeEnd time.Time) ([]time.Time, bool) {
	key := cacheKey(rec, exceptions, rangeStart, rangeEnd)
	now := time.Now()

	c.mu.RLock()
	entry, exists := c.entries[key]
	c.mu.RUnlock()

	if !exists {
		return nil, false
	}
	if now.After(entry.expiresAt) {
		c.mu.Lock()
		delete(c.entries, key)
		c.mu.Unlock()
		return nil, false
	}

	c.mu.Lock()
	entry.accessedAt = now
	c.mu.Unlock()
	return entry.dates, true
}

// Set stores an expansion result.
func (c *ExpansionCache) Set(rec *storage.Series, exceptions []time.Time, rangeStart, rangeEnd time.Time, dates []time.Time) {
	key := cacheKey(rec, exceptions, rangeStart, rangeEnd)
	now := time.Now()

	c.mu.Lock()
	defer c.mu.Unlock()

	c.entries[key] = &cacheEntry{
		seriesID:   rec.ID,
		dates:      dates,
		expiresAt:  now.Add(c.ttl),
		accessedAt: now,
	}
	if len(c.entries) > c.max {
		c.cleanupLocked(now)
	}
}

// InvalidateSeries drops every cached expansion for the given series. Called
// after each mutation so queries never observe pre-mutation state.
func (c *ExpansionCache) InvalidateSeries(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, entry := range c.entries {
		if entry.seriesID == id {
			delete(c.entries, key)
		}
	}
}

// cleanupLocked removes expired entries and, if still over the limit, the
// least recently accessed ones.
func (c *ExpansionCache) cleanupLocked(now time.Time) {
	for key, entry := range c.entries {
		if now.After(entry.expiresAt) {
			delete(c.entries, key)
		}
	}

	for len(c.entries) > c.max {
		var oldestKey string
		var oldest time.Time
		for key, entry := range c.entries {
			if oldestKey == "" || entry.accessedAt.Before(oldest) {
				oldestKey = key
				oldest = entry.accessedAt
			}
		}
		delete(c.entries, oldestKey)
	}
}

// Len returns the number of cached entries.
func (c *ExpansionCache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
