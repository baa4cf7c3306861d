package store

// schema is the full SQLite schema for a freshly initialized local store.
const schema = `
CREATE TABLE IF NOT EXISTS records (
	collection  TEXT NOT NULL,
	id          TEXT NOT NULL,
	data        JSON NOT NULL,
	updated_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (collection, id)
);

CREATE TABLE IF NOT EXISTS pending_mutations (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	collection   TEXT NOT NULL,
	action       TEXT NOT NULL,
	record_id    TEXT NOT NULL DEFAULT '',
	payload      JSON,
	endpoint     TEXT NOT NULL,
	enqueued_at  DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP,
	retry_count  INTEGER NOT NULL DEFAULT 0,
	last_error   TEXT NOT NULL DEFAULT '',
	abandoned_at DATETIME
);

CREATE INDEX IF NOT EXISTS idx_pending_live
	ON pending_mutations(seq) WHERE abandoned_at IS NULL;

CREATE TABLE IF NOT EXISTS sync_meta (
	collection    TEXT PRIMARY KEY,
	last_sync_at  DATETIME NOT NULL,
	synced_at     DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS schema_info (
	key   TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// schemaVersion is bumped whenever migrate gains a new step.
const schemaVersion = 1
