package cache

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mikey/mailsentry/internal/core"
)

// MemoryCache is the in-memory implementation of the ReputationCache
// port. It is the only mutable shared structure in the scoring path:
// reads take a shared lock, population is single-writer-per-key via
// singleflight, so concurrent misses for one key share one upstream
// lookup.
type MemoryCache struct {
	entries     map[string]*core.ReputationEntry
	mu          sync.RWMutex
	group       singleflight.Group
	logger      *zap.Logger
	cleanupFreq time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewMemoryCache creates an in-memory reputation cache with a background
// expiry sweep.
func NewMemoryCache(logger *zap.Logger, cleanupFreq time.Duration) *MemoryCache {
	c := &MemoryCache{
		entries:     make(map[string]*core.ReputationEntry),
		logger:      logger,
		cleanupFreq: cleanupFreq,
		stopCh:      make(chan struct{}),
	}

	go c.startCleanupTask()

	return c
}

// GetOrFetch returns the cached entry for key or populates it with one
// upstream lookup shared across concurrent callers.
func (c *MemoryCache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (*core.ReputationEntry, error)) (*core.ReputationEntry, error) {
	if entry, ok := c.get(key); ok {
		return entry, nil
	}

	v, err, shared := c.group.Do(key, func() (interface{}, error) {
		// Re-check under the flight: another caller may have populated
		// the key between our miss and acquiring the flight.
		if entry, ok := c.get(key); ok {
			return entry, nil
		}

		entry, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if entry.ExpiresAt.IsZero() {
			entry.ExpiresAt = time.Now().Add(ttl)
		}

		c.mu.Lock()
		c.entries[key] = entry
		c.mu.Unlock()

		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	if shared {
		c.logger.Debug("Deduplicated concurrent cache population", zap.String("key", key))
	}
	return v.(*core.ReputationEntry), nil
}

func (c *MemoryCache) get(key string) (*core.ReputationEntry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	entry, ok := c.entries[key]
	if !ok || entry.Expired(time.Now()) {
		return nil, false
	}
	return entry, true
}

// Delete removes a cache entry.
func (c *MemoryCache) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	delete(c.entries, key)
	return nil
}

// Cleanup removes expired entries.
func (c *MemoryCache) Cleanup(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now()
	expiredCount := 0

	for key, entry := range c.entries {
		if entry.Expired(now) {
			delete(c.entries, key)
			expiredCount++
		}
	}

	c.logger.Debug("Cleaned up expired cache entries", zap.Int("expired_count", expiredCount))
	return nil
}

// startCleanupTask runs the periodic expiry sweep until Stop.
func (c *MemoryCache) startCleanupTask() {
	ticker := time.NewTicker(c.cleanupFreq)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			if err := c.Cleanup(context.Background()); err != nil {
				c.logger.Error("Failed to clean up cache", zap.Error(err))
			}
		case <-c.stopCh:
			return
		}
	}
}

// Stop stops the background cleanup task.
func (c *MemoryCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
	})
}
