package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mikey/mailsentry/internal/core"
)

// SQLiteCache is a SQLite implementation of the ReputationCache port, for
// single-node deployments that want lookups to survive restarts.
type SQLiteCache struct {
	db          *sql.DB
	group       singleflight.Group
	logger      *zap.Logger
	cleanupFreq time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewSQLiteCache creates a new SQLite-backed reputation cache.
func NewSQLiteCache(dbPath string, logger *zap.Logger, cleanupFreq time.Duration) (*SQLiteCache, error) {
	db, err := sql.Open("sqlite3", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite database: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS reputation_cache (
			cache_key TEXT PRIMARY KEY,
			score REAL,
			source TEXT,
			fetched_at TIMESTAMP,
			expires_at TIMESTAMP
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	_, err = db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_reputation_expires_at ON reputation_cache(expires_at)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create index: %w", err)
	}

	c := &SQLiteCache{
		db:          db,
		logger:      logger,
		cleanupFreq: cleanupFreq,
		stopCh:      make(chan struct{}),
	}

	go c.startCleanupTask()

	return c, nil
}

// GetOrFetch returns the cached entry for key or populates it, with
// single-flight deduplication of concurrent misses.
func (c *SQLiteCache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (*core.ReputationEntry, error)) (*core.ReputationEntry, error) {
	if entry, err := c.get(ctx, key); err == nil {
		return entry, nil
	}

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		if entry, err := c.get(ctx, key); err == nil {
			return entry, nil
		}

		entry, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		if entry.ExpiresAt.IsZero() {
			entry.ExpiresAt = time.Now().Add(ttl)
		}
		if err := c.set(ctx, entry); err != nil {
			c.logger.Error("Failed to store cache entry", zap.Error(err), zap.String("key", key))
		}
		return entry, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*core.ReputationEntry), nil
}

func (c *SQLiteCache) get(ctx context.Context, key string) (*core.ReputationEntry, error) {
	var entry core.ReputationEntry
	var fetchedAt, expiresAt string

	err := c.db.QueryRowContext(ctx, `
		SELECT cache_key, score, source, fetched_at, expires_at
		FROM reputation_cache
		WHERE cache_key = ? AND expires_at > datetime('now')
	`, key).Scan(&entry.Key, &entry.Score, &entry.Source, &fetchedAt, &expiresAt)
	if err != nil {
		return nil, err
	}

	if entry.FetchedAt, err = time.Parse(time.RFC3339, fetchedAt); err != nil {
		return nil, fmt.Errorf("failed to parse fetched_at timestamp: %w", err)
	}
	if entry.ExpiresAt, err = time.Parse(time.RFC3339, expiresAt); err != nil {
		return nil, fmt.Errorf("failed to parse expires_at timestamp: %w", err)
	}
	return &entry, nil
}

func (c *SQLiteCache) set(ctx context.Context, entry *core.ReputationEntry) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT OR REPLACE INTO reputation_cache (cache_key, score, source, fetched_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
	`, entry.Key, entry.Score, entry.Source,
		entry.FetchedAt.UTC().Format(time.RFC3339),
		entry.ExpiresAt.UTC().Format(time.RFC3339))
	return err
}

// Delete removes a cache entry.
func (c *SQLiteCache) Delete(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM reputation_cache WHERE cache_key = ?`, key)
	return err
}

// Cleanup removes expired entries.
func (c *SQLiteCache) Cleanup(ctx context.Context) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM reputation_cache WHERE expires_at <= datetime('now')`)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil {
		c.logger.Debug("Cleaned up expired cache entries", zap.Int64("expired_count", n))
	}
	return nil
}

func (c *SQLiteCache) startCleanupTask() {
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

// Stop stops the background cleanup task and closes the database.
func (c *SQLiteCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if err := c.db.Close(); err != nil {
			c.logger.Error("Failed to close SQLite database", zap.Error(err))
		}
	})
}
