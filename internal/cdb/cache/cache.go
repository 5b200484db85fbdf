// Package cache implements the Result Cache: a TTL- and memory-bounded
// store keyed by (session, command) mapping to a command's final
// CommandInfo, with LRU-and-memory-pressure eviction and periodic sweeps.
package cache

import (
	"sort"
	"sync"
	"time"

	"github.com/capulus-code-ninja/cdb-nexus/pkg/types"
)

// entry is one cached value plus its bookkeeping.
type entry struct {
	value        *types.CommandInfo
	createdAt    time.Time
	lastAccessed time.Time
	expiresAt    time.Time
	accessCount  int64
	sizeBytes    int64
	insertSeq    int64
}

// Statistics reports the cache's current shape, per spec's richer
// CacheStatistics Open Question decision (hit/miss/eviction/expiration
// counters alongside the size/usage figures).
type Statistics struct {
	TotalEntries        int
	ExpiredEntries      int
	TotalSizeBytes       int64
	TotalAccesses        int64
	AverageAccessCount   float64
	MemoryUsagePercent   float64
	Hits                 int64
	Misses               int64
	Evictions            int64
	Expirations          int64
}

// Cache is a concurrency-safe, TTL-and-memory-bounded key/value store
// keyed by a string (callers compose "<sessionId>/<commandId>" keys).
type Cache struct {
	cfg types.CacheConfiguration

	mu        sync.Mutex
	entries   map[string]*entry
	usedBytes int64
	nextSeq   int64

	hits, misses, evictions, expirations int64

	stopSweep chan struct{}
	sweepDone chan struct{}
}

// New returns an empty cache configured per cfg and starts its periodic
// sweep goroutine.
func New(cfg types.CacheConfiguration) *Cache {
	c := &Cache{
		cfg:       cfg,
		entries:   make(map[string]*entry),
		stopSweep: make(chan struct{}),
		sweepDone: make(chan struct{}),
	}
	go c.sweepLoop()
	return c
}

// Close stops the periodic sweep goroutine. Safe to call once.
func (c *Cache) Close() {
	close(c.stopSweep)
	<-c.sweepDone
}

func (c *Cache) sweepLoop() {
	defer close(c.sweepDone)
	if c.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(c.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.stopSweep:
			return
		case <-ticker.C:
			c.sweepExpired()
		}
	}
}

// estimateSize approximates a CommandInfo's memory footprint: ~2 bytes per
// rune across its string fields, plus a fixed overhead for the struct
// itself. The estimate is advisory only; eviction correctness never
// depends on its exactness.
func estimateSize(v *types.CommandInfo) int64 {
	if v == nil {
		return 100
	}
	size := int64(100)
	size += int64(len(v.CommandText)) * 2
	if v.AggregatedOutput != nil {
		size += int64(len(*v.AggregatedOutput)) * 2
	}
	if v.ErrorMessage != nil {
		size += int64(len(*v.ErrorMessage)) * 2
	}
	return size
}

// Get returns the cached value for key, or (nil, false) if absent or
// expired. An expired entry found during Get is removed immediately
// (lazy expiry).
func (c *Cache) Get(key string) (*types.CommandInfo, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses++
		return nil, false
	}
	if !e.expiresAt.After(time.Now()) {
		c.removeLocked(key, e)
		c.expirations++
		c.misses++
		return nil, false
	}

	e.lastAccessed = time.Now()
	e.accessCount++
	c.hits++
	return e.value, true
}

// Set stores value under key with the given ttl (or the configured default
// if ttl <= 0), overwriting any existing entry, then runs a memory-pressure
// eviction pass if the new total crosses the configured threshold.
func (c *Cache) Set(key string, value *types.CommandInfo, ttl time.Duration) {
	if ttl <= 0 {
		ttl = c.cfg.DefaultTTL
	}
	size := estimateSize(value)
	now := time.Now()

	c.mu.Lock()
	if old, ok := c.entries[key]; ok {
		c.usedBytes -= old.sizeBytes
	}
	c.nextSeq++
	c.entries[key] = &entry{
		value:        value,
		createdAt:    now,
		lastAccessed: now,
		expiresAt:    now.Add(ttl),
		accessCount:  0,
		sizeBytes:    size,
		insertSeq:    c.nextSeq,
	}
	c.usedBytes += size
	c.evictOnPressureLocked()
	c.mu.Unlock()
}

// Remove deletes key if present.
func (c *Cache) Remove(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if e, ok := c.entries[key]; ok {
		c.removeLocked(key, e)
	}
}

// Clear empties the cache.
func (c *Cache) Clear() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]*entry)
	c.usedBytes = 0
}

func (c *Cache) removeLocked(key string, e *entry) {
	delete(c.entries, key)
	c.usedBytes -= e.sizeBytes
}

// evictOnPressureLocked evicts least-recently-used entries (ties by
// ascending access count, then insertion order) until usage drops to 60%
// of max_memory_bytes. Must be called with c.mu held.
func (c *Cache) evictOnPressureLocked() {
	if c.cfg.MaxMemoryBytes <= 0 {
		return
	}
	usage := float64(c.usedBytes) / float64(c.cfg.MaxMemoryBytes)
	if usage < c.cfg.MemoryPressureThreshold {
		return
	}

	target := int64(float64(c.cfg.MaxMemoryBytes) * 0.6)
	victims := make([]string, 0, len(c.entries))
	for k := range c.entries {
		victims = append(victims, k)
	}
	sort.Slice(victims, func(i, j int) bool {
		a, b := c.entries[victims[i]], c.entries[victims[j]]
		if !a.lastAccessed.Equal(b.lastAccessed) {
			return a.lastAccessed.Before(b.lastAccessed)
		}
		if a.accessCount != b.accessCount {
			return a.accessCount < b.accessCount
		}
		return a.insertSeq < b.insertSeq
	})

	for _, k := range victims {
		if c.usedBytes <= target {
			break
		}
		c.removeLocked(k, c.entries[k])
		c.evictions++
	}
}

// sweepExpired removes entries whose TTL has elapsed, up to
// MaxEntriesPerCleanup per call, bounding sweep latency.
func (c *Cache) sweepExpired() {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	limit := c.cfg.MaxEntriesPerCleanup
	removed := 0
	for k, e := range c.entries {
		if limit > 0 && removed >= limit {
			break
		}
		if !e.expiresAt.After(now) {
			c.removeLocked(k, e)
			c.expirations++
			removed++
		}
	}
}

// Stats reports the cache's current shape.
func (c *Cache) Stats() Statistics {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	expired := 0
	var totalAccess int64
	for _, e := range c.entries {
		if !e.expiresAt.After(now) {
			expired++
		}
		totalAccess += e.accessCount
	}

	var avg float64
	if len(c.entries) > 0 {
		avg = float64(totalAccess) / float64(len(c.entries))
	}
	var usagePct float64
	if c.cfg.MaxMemoryBytes > 0 {
		usagePct = float64(c.usedBytes) / float64(c.cfg.MaxMemoryBytes) * 100
	}

	return Statistics{
		TotalEntries:       len(c.entries),
		ExpiredEntries:     expired,
		TotalSizeBytes:     c.usedBytes,
		TotalAccesses:      totalAccess,
		AverageAccessCount: avg,
		MemoryUsagePercent: usagePct,
		Hits:               c.hits,
		Misses:             c.misses,
		Evictions:          c.evictions,
		Expirations:        c.expirations,
	}
}
