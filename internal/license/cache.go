package license

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// CacheEntry represents a cached activated license
type CacheEntry struct {
	License   License   `json:"license"`
	CachedAt  time.Time `json:"cached_at"`
	ExpiresAt time.Time `json:"expires_at"`
	HitCount  int       `json:"hit_count"`
}

// ActivatedCache caches ACTIVATED records, which never change again.
// ASSIGNED records are not cached because they are still mutable.
type ActivatedCache struct {
	entries   map[string]CacheEntry
	mutex     sync.RWMutex
	ttl       time.Duration
	maxSize   int
	hitCount  int64
	missCount int64
	group     singleflight.Group
	stopChan  chan struct{}
	stopOnce  sync.Once
}

// NewActivatedCache creates a cache and starts its expiry sweeper.
func NewActivatedCache(ttl time.Duration, maxSize int) *ActivatedCache {
	cache := &ActivatedCache{
		entries:  make(map[string]CacheEntry),
		ttl:      ttl,
		maxSize:  maxSize,
		stopChan: make(chan struct{}),
	}

	go cache.cleanup()

	return cache
}

// Get retrieves an activated license from cache
func (c *ActivatedCache) Get(licenseKey string) (*License, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	entry, exists := c.entries[licenseKey]
	if !exists || time.Now().After(entry.ExpiresAt) {
		c.missCount++
		return nil, false
	}

	entry.HitCount++
	c.entries[licenseKey] = entry
	c.hitCount++

	return entry.License.Clone(), true
}

// Set stores lic if it is activated; other records are ignored.
func (c *ActivatedCache) Set(lic *License) {
	if lic == nil || lic.EffectiveStatus() != StatusActivated {
		return
	}

	c.mutex.Lock()
	defer c.mutex.Unlock()

	if c.maxSize <= 0 {
		return
	}
	if _, exists := c.entries[lic.LicenseKey]; !exists && len(c.entries) >= c.maxSize {
		c.evictOldest()
	}

	now := time.Now()
	c.entries[lic.LicenseKey] = CacheEntry{
		License:   *lic.Clone(),
		CachedAt:  now,
		ExpiresAt: now.Add(c.ttl),
	}
}

// GetOrLoad returns the cached record or calls load once per key, no
// matter how many callers miss concurrently. The bool reports a cache hit.
func (c *ActivatedCache) GetOrLoad(ctx context.Context, licenseKey string, load func(context.Context) (*License, error)) (*License, bool, error) {
	if lic, ok := c.Get(licenseKey); ok {
		return lic, true, nil
	}

	v, err, _ := c.group.Do(licenseKey, func() (interface{}, error) {
		lic, err := load(ctx)
		if err != nil {
			return nil, err
		}
		c.Set(lic)
		return lic, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*License).Clone(), false, nil
}

// Invalidate removes a license from cache
func (c *ActivatedCache) Invalidate(licenseKey string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.entries, licenseKey)
}

// GetStats returns cache statistics
func (c *ActivatedCache) GetStats() map[string]interface{} {
	c.mutex.RLock()
	defer c.mutex.RUnlock()

	totalRequests := c.hitCount + c.missCount
	hitRatio := float64(0)
	if totalRequests > 0 {
		hitRatio = float64(c.hitCount) / float64(totalRequests)
	}

	return map[string]interface{}{
		"entries":     len(c.entries),
		"max_size":    c.maxSize,
		"hit_count":   c.hitCount,
		"miss_count":  c.missCount,
		"hit_ratio":   hitRatio,
		"ttl_seconds": c.ttl.Seconds(),
	}
}

func (c *ActivatedCache) evictOldest() {
	var oldestKey string
	var oldestTime time.Time

	for key, entry := range c.entries {
		if oldestKey == "" || entry.CachedAt.Before(oldestTime) {
			oldestKey = key
			oldestTime = entry.CachedAt
		}
	}

	if oldestKey != "" {
		delete(c.entries, oldestKey)
	}
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (c *ActivatedCache) Stop() {
	c.stopOnce.Do(func() { close(c.stopChan) })
}

func (c *ActivatedCache) cleanup() {
	interval := 5 * time.Minute
	if c.ttl > 0 && c.ttl < interval {
		interval = c.ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mutex.Lock()
			now := time.Now()
			for key, entry := range c.entries {
				if now.After(entry.ExpiresAt) {
					delete(c.entries, key)
				}
			}
			c.mutex.Unlock()
		case <-c.stopChan:
			return
		}
	}
}
