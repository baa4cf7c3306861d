package store

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/mercatus/mercsync/internal/entity"
	_ "modernc.org/sqlite"
)

const dbFile = ".mercsync/local.db"

// SQLite is the durable Store implementation.
type SQLite struct {
	conn    *sql.DB
	baseDir string
}

// Open opens an existing local store and applies any pending migrations.
func Open(baseDir string) (*SQLite, error) {
	dbPath := filepath.Join(baseDir, dbFile)
	if _, err := os.Stat(dbPath); os.IsNotExist(err) {
		return nil, fmt.Errorf("local store not found: run 'mercsync init' first")
	}
	return open(dbPath, baseDir, false)
}

// Initialize creates the local store, its schema, and the data directory.
func Initialize(baseDir string) (*SQLite, error) {
	dbPath := filepath.Join(baseDir, dbFile)
	if err := os.MkdirAll(filepath.Dir(dbPath), 0755); err != nil {
		return nil, fmt.Errorf("create store dir: %w", unavailable(err))
	}
	return open(dbPath, baseDir, true)
}

func open(dbPath, baseDir string, create bool) (*SQLite, error) {
	conn, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open local store: %w", unavailable(err))
	}

	// WAL lets the CLI read while the engine writes.
	if _, err := conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", unavailable(err))
	}
	if _, err := conn.Exec("PRAGMA busy_timeout=500"); err != nil {
		conn.Close()
		return nil, fmt.Errorf("set busy timeout: %w", unavailable(err))
	}
	conn.Exec("PRAGMA synchronous=NORMAL")

	if create {
		if _, err := conn.Exec(schema); err != nil {
			conn.Close()
			return nil, fmt.Errorf("create schema: %w", unavailable(err))
		}
	}

	s := &SQLite{conn: conn, baseDir: baseDir}
	if err := s.migrate(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

// Close closes the underlying database.
func (s *SQLite) Close() error {
	return s.conn.Close()
}

// BaseDir returns the directory the store was opened in.
func (s *SQLite) BaseDir() string {
	return s.baseDir
}

// unavailable tags a driver-level error as a storage availability failure.
func unavailable(err error) error {
	return fmt.Errorf("%w: %v", ErrStorageUnavailable, err)
}

// migrate brings an older store up to the current schema version.
func (s *SQLite) migrate() error {
	var raw string
	err := s.conn.QueryRow(`SELECT value FROM schema_info WHERE key = 'version'`).Scan(&raw)
	version := 0
	switch {
	case err == sql.ErrNoRows:
	case err != nil:
		// schema_info may not exist on a pre-1 store
		version = 0
	default:
		fmt.Sscanf(raw, "%d", &version)
	}

	if version < 1 {
		// Version 1 is the initial schema; re-running it is harmless.
		if _, err := s.conn.Exec(schema); err != nil {
			return unavailable(err)
		}
	}

	_, err = s.conn.Exec(`INSERT OR REPLACE INTO schema_info (key, value) VALUES ('version', ?)`,
		fmt.Sprintf("%d", schemaVersion))
	if err != nil {
		return unavailable(err)
	}
	return nil
}

// --- Record operations ---

// Put upserts records by (collection, id).
func (s *SQLite) Put(collection string, recs ...entity.Record) error {
	if len(recs) == 0 {
		return nil
	}
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("put %s: %w", collection, unavailable(err))
	}
	defer tx.Rollback()

	for _, rec := range recs {
		if rec.ID == "" {
			return fmt.Errorf("put %s: record missing id", collection)
		}
		_, err := tx.Exec(`
			INSERT INTO records (collection, id, data, updated_at)
			VALUES (?, ?, ?, ?)
			ON CONFLICT(collection, id) DO UPDATE SET data = excluded.data, updated_at = excluded.updated_at`,
			collection, rec.ID, []byte(rec.Data), now())
		if err != nil {
			return fmt.Errorf("put %s/%s: %w", collection, rec.ID, unavailable(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("put %s: %w", collection, unavailable(err))
	}
	return nil
}

// GetAll returns every record in the collection in insertion order.
func (s *SQLite) GetAll(collection string) ([]entity.Record, error) {
	rows, err := s.conn.Query(
		`SELECT id, data FROM records WHERE collection = ? ORDER BY rowid`, collection)
	if err != nil {
		return nil, fmt.Errorf("get all %s: %w", collection, unavailable(err))
	}
	defer rows.Close()

	var recs []entity.Record
	for rows.Next() {
		var rec entity.Record
		var data []byte
		if err := rows.Scan(&rec.ID, &data); err != nil {
			return nil, fmt.Errorf("scan %s record: %w", collection, unavailable(err))
		}
		rec.Data = data
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("get all %s: %w", collection, unavailable(err))
	}
	return recs, nil
}

// GetByID returns the record or nil when absent.
func (s *SQLite) GetByID(collection, id string) (*entity.Record, error) {
	var data []byte
	err := s.conn.QueryRow(
		`SELECT data FROM records WHERE collection = ? AND id = ?`, collection, id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get %s/%s: %w", collection, id, unavailable(err))
	}
	return &entity.Record{ID: id, Data: data}, nil
}

// Delete removes one record. Deleting an absent record is not an error.
func (s *SQLite) Delete(collection, id string) error {
	_, err := s.conn.Exec(`DELETE FROM records WHERE collection = ? AND id = ?`, collection, id)
	if err != nil {
		return fmt.Errorf("delete %s/%s: %w", collection, id, unavailable(err))
	}
	return nil
}

// Clear removes every record in the collection.
func (s *SQLite) Clear(collection string) error {
	_, err := s.conn.Exec(`DELETE FROM records WHERE collection = ?`, collection)
	if err != nil {
		return fmt.Errorf("clear %s: %w", collection, unavailable(err))
	}
	return nil
}

// ReplaceAll swaps the collection contents for recs atomically.
func (s *SQLite) ReplaceAll(collection string, recs []entity.Record) error {
	tx, err := s.conn.Begin()
	if err != nil {
		return fmt.Errorf("replace %s: %w", collection, unavailable(err))
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM records WHERE collection = ?`, collection); err != nil {
		return fmt.Errorf("replace %s: %w", collection, unavailable(err))
	}
	for _, rec := range recs {
		if rec.ID == "" {
			return fmt.Errorf("replace %s: record missing id", collection)
		}
		_, err := tx.Exec(
			`INSERT OR REPLACE INTO records (collection, id, data, updated_at) VALUES (?, ?, ?, ?)`,
			collection, rec.ID, []byte(rec.Data), now())
		if err != nil {
			return fmt.Errorf("replace %s/%s: %w", collection, rec.ID, unavailable(err))
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("replace %s: %w", collection, unavailable(err))
	}
	return nil
}

// --- Sync metadata ---

// SetSyncMeta records a completed refresh for the collection.
func (s *SQLite) SetSyncMeta(collection string, lastSync time.Time) error {
	_, err := s.conn.Exec(`
		INSERT OR REPLACE INTO sync_meta (collection, last_sync_at, synced_at)
		VALUES (?, ?, ?)`,
		collection, lastSync.UTC().Format(time.RFC3339Nano), now())
	if err != nil {
		return fmt.Errorf("set sync meta %s: %w", collection, unavailable(err))
	}
	return nil
}

// GetSyncMeta returns the refresh metadata or nil when never synced.
func (s *SQLite) GetSyncMeta(collection string) (*SyncMeta, error) {
	var lastStr, syncedStr string
	err := s.conn.QueryRow(
		`SELECT last_sync_at, synced_at FROM sync_meta WHERE collection = ?`, collection).
		Scan(&lastStr, &syncedStr)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get sync meta %s: %w", collection, unavailable(err))
	}

	meta := SyncMeta{Collection: collection}
	if meta.LastSyncAt, err = parseTimestamp(lastStr); err != nil {
		return nil, fmt.Errorf("sync meta %s: %w", collection, err)
	}
	if meta.SyncedAt, err = parseTimestamp(syncedStr); err != nil {
		return nil, fmt.Errorf("sync meta %s: %w", collection, err)
	}
	return &meta, nil
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

// parseTimestamp tries the formats SQLite hands back depending on whether a
// value came from CURRENT_TIMESTAMP or from Go.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02 15:04:05.999999999",
	}
	for _, f := range formats {
		if t, err := time.Parse(f, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized timestamp format: %q", s)
}
