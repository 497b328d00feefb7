package recipecache

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ladle-dev/ladle/pkg/models"
)

// Cache is the duplicate-recipe store backed by SQLite. A hit means
// the target URL was already extracted once, so the caller can return
// the stored result without charging budget or calling the paid
// extraction service. Entries do not expire; a recipe already known
// stays known.
type Cache struct {
	db     *sql.DB
	hits   atomic.Int64
	misses atomic.Int64
}

const createTable = `
CREATE TABLE IF NOT EXISTS recipes (
	url_hash TEXT PRIMARY KEY,
	url TEXT NOT NULL,
	body BLOB NOT NULL,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
`

// New creates a Cache with the given database path.
func New(dbPath string) (*Cache, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("open recipe cache db: %w", err)
	}

	if _, err := db.Exec(createTable); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate recipe cache db: %w", err)
	}

	return &Cache{db: db}, nil
}

// HashURL computes the cache key for a target URL.
func HashURL(url string) string {
	return fmt.Sprintf("%x", sha256.Sum256([]byte(url)))
}

// Get retrieves a previously extracted recipe. Returns false on miss.
func (c *Cache) Get(ctx context.Context, url string) ([]byte, bool) {
	var body []byte
	err := c.db.QueryRowContext(ctx,
		`SELECT body FROM recipes WHERE url_hash = ?`, HashURL(url),
	).Scan(&body)
	if err != nil {
		c.misses.Add(1)
		return nil, false
	}
	c.hits.Add(1)
	return body, true
}

// Put stores an extracted recipe.
func (c *Cache) Put(ctx context.Context, url string, body []byte) error {
	_, err := c.db.ExecContext(ctx,
		`INSERT OR REPLACE INTO recipes (url_hash, url, body, created_at) VALUES (?, ?, ?, ?)`,
		HashURL(url), url, body, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("recipe cache put: %w", err)
	}
	return nil
}

// Has reports whether a URL is already cached without counting a hit
// or miss.
func (c *Cache) Has(ctx context.Context, url string) (bool, error) {
	var one int
	err := c.db.QueryRowContext(ctx,
		`SELECT 1 FROM recipes WHERE url_hash = ?`, HashURL(url),
	).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("recipe cache lookup: %w", err)
	}
	return true, nil
}

// Stats returns cache performance metrics.
func (c *Cache) Stats(ctx context.Context) (models.CacheStats, error) {
	var count int64
	if err := c.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM recipes`).Scan(&count); err != nil {
		return models.CacheStats{}, fmt.Errorf("recipe cache stats: %w", err)
	}
	return models.CacheStats{
		Entries: count,
		Hits:    c.hits.Load(),
		Misses:  c.misses.Load(),
	}, nil
}

// Clear removes all cached recipes.
func (c *Cache) Clear(ctx context.Context) error {
	if _, err := c.db.ExecContext(ctx, `DELETE FROM recipes`); err != nil {
		return fmt.Errorf("recipe cache clear: %w", err)
	}
	return nil
}

// Close releases the database connection.
func (c *Cache) Close() error {
	return c.db.Close()
}
