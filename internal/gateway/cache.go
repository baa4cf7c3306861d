package gateway

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const cacheFile = ".mercsync/cache.db"

const cacheSchema = `
CREATE TABLE IF NOT EXISTS response_cache (
	generation TEXT NOT NULL,
	key        TEXT NOT NULL,
	status     INTEGER NOT NULL,
	headers    JSON NOT NULL,
	body       BLOB NOT NULL,
	stored_at  DATETIME NOT NULL,
	PRIMARY KEY (generation, key)
);
`

// Cache is the gateway's response store. Entries are grouped into
// generations named by the deploy version tag; Activate deletes every
// generation but the live one so exactly one is ever in service.
type Cache struct {
	conn       *sql.DB
	generation string
}

// CachedResponse is a stored upstream response.
type CachedResponse struct {
	Status  int
	Headers http.Header
	Body    []byte
}

// OpenCache opens (creating if needed) the cache database for the given
// generation tag.
func OpenCache(baseDir, generation string) (*Cache, error) {
	path := filepath.Join(baseDir, cacheFile)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("create cache dir: %w", err)
	}
	conn, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open cache: %w", err)
	}
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}
	conn.Exec("PRAGMA busy_timeout=500")
	if _, err := conn.Exec(cacheSchema); err != nil {
		conn.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}
	return &Cache{conn: conn, generation: generation}, nil
}

// Close closes the cache database.
func (c *Cache) Close() error {
	return c.conn.Close()
}

// Generation returns the live generation tag.
func (c *Cache) Generation() string {
	return c.generation
}

// Put stores a response under the live generation, overwriting any previous
// entry for the key.
func (c *Cache) Put(key string, resp CachedResponse) error {
	headers, err := json.Marshal(resp.Headers)
	if err != nil {
		return fmt.Errorf("cache put %s: marshal headers: %w", key, err)
	}
	_, err = c.conn.Exec(`
		INSERT OR REPLACE INTO response_cache (generation, key, status, headers, body, stored_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		c.generation, key, resp.Status, headers, resp.Body,
		time.Now().UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("cache put %s: %w", key, err)
	}
	return nil
}

// Get returns the cached response for key in the live generation, or nil.
func (c *Cache) Get(key string) (*CachedResponse, error) {
	var (
		resp       CachedResponse
		headersRaw []byte
	)
	err := c.conn.QueryRow(
		`SELECT status, headers, body FROM response_cache WHERE generation = ? AND key = ?`,
		c.generation, key).Scan(&resp.Status, &headersRaw, &resp.Body)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("cache get %s: %w", key, err)
	}
	if err := json.Unmarshal(headersRaw, &resp.Headers); err != nil {
		return nil, fmt.Errorf("cache get %s: headers: %w", key, err)
	}
	return &resp, nil
}

// Activate deletes every generation other than the live one and returns the
// number of entries removed.
func (c *Cache) Activate() (int64, error) {
	res, err := c.conn.Exec(`DELETE FROM response_cache WHERE generation != ?`, c.generation)
	if err != nil {
		return 0, fmt.Errorf("activate cache generation %s: %w", c.generation, err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}

// Count returns the number of entries in the live generation.
func (c *Cache) Count() (int64, error) {
	var n int64
	err := c.conn.QueryRow(
		`SELECT COUNT(*) FROM response_cache WHERE generation = ?`, c.generation).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count cache: %w", err)
	}
	return n, nil
}
