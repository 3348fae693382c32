// Package store provides the on-device database backing the sync engine.
//
// A single SQLite database (embedded, WAL mode) holds three things:
//
//   - mirror: the last-known server state per entity record, overwritten
//     wholesale on each pull and read by the UI layer
//   - cursors: per-table replication watermarks, so restarts resume
//     incremental pulls instead of re-pulling from epoch
//   - mutations: the durable, ordered log of local write intents not yet
//     confirmed by the server
//
// The mirror and the queue are shared between the UI read path and the
// sync engine; WAL mode allows concurrent readers during sync writes.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// timeFormat is the fixed-width UTC timestamp layout used for all stored
// timestamps. Fixed width keeps SQL string comparison equivalent to time
// comparison, which the monotonic cursor guard relies on.
const timeFormat = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

// DB wraps the SQLite connection with sync-engine specific operations.
type DB struct {
	conn *sql.DB
	path string
}

// Open creates a database connection at the specified path.
//
// The database is opened in embedded mode with WAL for concurrent reads.
// If the database doesn't exist, it is created; call InitSchema before
// first use. The caller MUST call Close() when done.
//
// Example:
//
//	db, err := store.Open(filepath.Join(dataDir, "chartsync.db"))
//	if err != nil {
//	    return err
//	}
//	defer db.Close()
func Open(path string) (*DB, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	conn, err := sql.Open("sqlite3", fmt.Sprintf("file:%s", path))
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	if err := conn.Ping(); err != nil {
		_ = conn.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	conn.SetMaxOpenConns(25)
	conn.SetMaxIdleConns(5)
	conn.SetConnMaxLifetime(5 * time.Minute)

	db := &DB{
		conn: conn,
		path: path,
	}

	// WAL mode lets the UI read while a sync cycle writes
	if _, err := db.conn.Exec("PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA busy_timeout=5000"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to set busy timeout: %w", err)
	}

	if _, err := db.conn.Exec("PRAGMA foreign_keys=ON"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to enable foreign keys: %w", err)
	}

	return db, nil
}

// RawDB returns the underlying sql.DB connection.
// This is useful for integrating with other libraries that expect *sql.DB.
func (db *DB) RawDB() *sql.DB {
	return db.conn
}

// Path returns the filesystem path of the database file.
func (db *DB) Path() string {
	return db.path
}

// Close closes the database connection.
// Performs a WAL checkpoint to ensure all changes are persisted.
func (db *DB) Close() error {
	if db.conn == nil {
		return nil
	}

	if _, err := db.conn.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to checkpoint WAL: %v\n", err)
	}

	if err := db.conn.Close(); err != nil {
		return fmt.Errorf("failed to close database: %w", err)
	}

	db.conn = nil
	return nil
}

// InitSchema creates the database schema if it doesn't exist.
//
// This is idempotent - safe to call multiple times.
func (db *DB) InitSchema(ctx context.Context) error {
	schema := `
	-- Last-known server state, one row per mirrored record.
	-- Overwritten wholesale on pull; never partially merged.
	CREATE TABLE IF NOT EXISTS mirror (
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		payload TEXT NOT NULL,  -- JSON copy of the server row
		last_synced_at TEXT NOT NULL,
		PRIMARY KEY (table_name, record_id)
	);

	-- Replication watermark per table. last_ts only moves forward.
	CREATE TABLE IF NOT EXISTS cursors (
		table_name TEXT PRIMARY KEY,
		last_ts TEXT NOT NULL
	);

	-- Durable log of local write intents awaiting server confirmation.
	CREATE TABLE IF NOT EXISTS mutations (
		id TEXT PRIMARY KEY,
		table_name TEXT NOT NULL,
		record_id TEXT NOT NULL,
		action TEXT NOT NULL,  -- create, update, delete
		payload TEXT,          -- JSON
		device_id TEXT NOT NULL,
		local_ts TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',  -- pending, error
		attempts INTEGER NOT NULL DEFAULT 0,
		last_error TEXT,
		next_attempt_at TEXT,
		enqueued_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_mirror_table ON mirror(table_name);
	CREATE INDEX IF NOT EXISTS idx_mutations_status ON mutations(status, attempts);
	CREATE INDEX IF NOT EXISTS idx_mutations_order ON mutations(enqueued_at);
	`

	if _, err := db.conn.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}

	return nil
}
