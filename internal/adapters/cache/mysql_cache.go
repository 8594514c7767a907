package cache

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/mikey/mailsentry/internal/core"
)

// MySQLCache is a MySQL implementation of the ReputationCache port, for
// deployments where several gateway instances share one reputation view.
type MySQLCache struct {
	db          *sql.DB
	group       singleflight.Group
	logger      *zap.Logger
	cleanupFreq time.Duration
	stopCh      chan struct{}
	stopOnce    sync.Once
}

// NewMySQLCache creates a new MySQL-backed reputation cache. The DSN must
// enable parseTime so timestamps scan directly into time.Time.
func NewMySQLCache(dsn string, logger *zap.Logger, cleanupFreq time.Duration) (*MySQLCache, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	_, err = db.Exec(`
		CREATE TABLE IF NOT EXISTS reputation_cache (
			cache_key VARCHAR(255) PRIMARY KEY,
			score DOUBLE,
			source VARCHAR(64),
			fetched_at TIMESTAMP,
			expires_at TIMESTAMP,
			INDEX idx_reputation_expires_at (expires_at)
		)
	`)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create table: %w", err)
	}

	c := &MySQLCache{
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
func (c *MySQLCache) GetOrFetch(ctx context.Context, key string, ttl time.Duration, fetch func(ctx context.Context) (*core.ReputationEntry, error)) (*core.ReputationEntry, error) {
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

func (c *MySQLCache) get(ctx context.Context, key string) (*core.ReputationEntry, error) {
	var entry core.ReputationEntry

	err := c.db.QueryRowContext(ctx, `
		SELECT cache_key, score, source, fetched_at, expires_at
		FROM reputation_cache
		WHERE cache_key = ? AND expires_at > NOW()
	`, key).Scan(&entry.Key, &entry.Score, &entry.Source, &entry.FetchedAt, &entry.ExpiresAt)
	if err != nil {
		return nil, err
	}
	return &entry, nil
}

func (c *MySQLCache) set(ctx context.Context, entry *core.ReputationEntry) error {
	_, err := c.db.ExecContext(ctx, `
		INSERT INTO reputation_cache (cache_key, score, source, fetched_at, expires_at)
		VALUES (?, ?, ?, ?, ?)
		ON DUPLICATE KEY UPDATE
			score = VALUES(score),
			source = VALUES(source),
			fetched_at = VALUES(fetched_at),
			expires_at = VALUES(expires_at)
	`, entry.Key, entry.Score, entry.Source, entry.FetchedAt, entry.ExpiresAt)
	return err
}

// Delete removes a cache entry.
func (c *MySQLCache) Delete(ctx context.Context, key string) error {
	_, err := c.db.ExecContext(ctx, `DELETE FROM reputation_cache WHERE cache_key = ?`, key)
	return err
}

// Cleanup removes expired entries.
func (c *MySQLCache) Cleanup(ctx context.Context) error {
	res, err := c.db.ExecContext(ctx, `DELETE FROM reputation_cache WHERE expires_at <= NOW()`)
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err == nil {
		c.logger.Debug("Cleaned up expired cache entries", zap.Int64("expired_count", n))
	}
	return nil
}

func (c *MySQLCache) startCleanupTask() {
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
func (c *MySQLCache) Stop() {
	c.stopOnce.Do(func() {
		close(c.stopCh)
		if err := c.db.Close(); err != nil {
			c.logger.Error("Failed to close MySQL connection", zap.Error(err))
		}
	})
}
