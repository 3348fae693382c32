package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a requested mirror record does not exist.
var ErrNotFound = errors.New("record not found")

// Record is a mirrored copy of a server row.
type Record struct {
	Table        string
	ID           string
	Payload      json.RawMessage
	LastSyncedAt time.Time
}

// UpsertRecord inserts or replaces a mirrored record by primary key.
//
// The payload is stored wholesale; there is no field-level merging.
// Idempotent under retry.
func (db *DB) UpsertRecord(ctx context.Context, table, recordID string, payload []byte, syncedAt time.Time) error {
	if table == "" || recordID == "" {
		return fmt.Errorf("table and record id cannot be empty")
	}

	query := `
	INSERT INTO mirror (table_name, record_id, payload, last_synced_at)
	VALUES (?, ?, ?, ?)
	ON CONFLICT(table_name, record_id) DO UPDATE SET
		payload = excluded.payload,
		last_synced_at = excluded.last_synced_at
	`

	_, err := db.conn.ExecContext(ctx, query,
		table, recordID, string(payload), formatTime(syncedAt))
	if err != nil {
		return fmt.Errorf("failed to upsert record %s/%s: %w", table, recordID, err)
	}

	return nil
}

// GetRecord returns a mirrored record, or ErrNotFound.
func (db *DB) GetRecord(ctx context.Context, table, recordID string) (*Record, error) {
	query := `SELECT payload, last_synced_at FROM mirror WHERE table_name = ? AND record_id = ?`

	var payload, syncedAt string
	err := db.conn.QueryRowContext(ctx, query, table, recordID).Scan(&payload, &syncedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s/%s", ErrNotFound, table, recordID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query record %s/%s: %w", table, recordID, err)
	}

	ts, err := parseTime(syncedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to parse last_synced_at for %s/%s: %w", table, recordID, err)
	}

	return &Record{
		Table:        table,
		ID:           recordID,
		Payload:      json.RawMessage(payload),
		LastSyncedAt: ts,
	}, nil
}

// ListRecords returns all mirrored records for a table, ordered by record id.
// This is the UI-facing read path.
func (db *DB) ListRecords(ctx context.Context, table string) ([]Record, error) {
	query := `SELECT record_id, payload, last_synced_at FROM mirror WHERE table_name = ? ORDER BY record_id`

	rows, err := db.conn.QueryContext(ctx, query, table)
	if err != nil {
		return nil, fmt.Errorf("failed to list records for %s: %w", table, err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var id, payload, syncedAt string
		if err := rows.Scan(&id, &payload, &syncedAt); err != nil {
			return nil, fmt.Errorf("failed to scan record: %w", err)
		}
		ts, err := parseTime(syncedAt)
		if err != nil {
			return nil, fmt.Errorf("failed to parse last_synced_at for %s/%s: %w", table, id, err)
		}
		records = append(records, Record{
			Table:        table,
			ID:           id,
			Payload:      json.RawMessage(payload),
			LastSyncedAt: ts,
		})
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate records: %w", err)
	}

	return records, nil
}

// DeleteRecord removes a mirrored record.
// Returns nil if the record doesn't exist (idempotent).
func (db *DB) DeleteRecord(ctx context.Context, table, recordID string) error {
	query := `DELETE FROM mirror WHERE table_name = ? AND record_id = ?`
	if _, err := db.conn.ExecContext(ctx, query, table, recordID); err != nil {
		return fmt.Errorf("failed to delete record %s/%s: %w", table, recordID, err)
	}
	return nil
}

// CountRecords returns the number of mirrored records across all tables.
// A zero count means the mirror is empty and the next cycle is a bootstrap.
func (db *DB) CountRecords(ctx context.Context) (int, error) {
	var count int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM mirror`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count mirror records: %w", err)
	}
	return count, nil
}

// Cursor returns the replication watermark for a table.
//
// A table with no stored cursor returns the zero time, which makes the
// next pull a bootstrap from epoch.
func (db *DB) Cursor(ctx context.Context, table string) (time.Time, error) {
	var lastTS string
	err := db.conn.QueryRowContext(ctx,
		`SELECT last_ts FROM cursors WHERE table_name = ?`, table).Scan(&lastTS)
	if errors.Is(err, sql.ErrNoRows) {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to query cursor for %s: %w", table, err)
	}

	ts, err := parseTime(lastTS)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse cursor for %s: %w", table, err)
	}
	return ts, nil
}

// AdvanceCursor moves the replication watermark for a table forward.
//
// The cursor is monotonic: an advance to a timestamp at or before the
// stored watermark is a no-op, enforced in SQL so concurrent per-table
// pulls cannot interleave a backward move.
func (db *DB) AdvanceCursor(ctx context.Context, table string, ts time.Time) error {
	query := `
	INSERT INTO cursors (table_name, last_ts)
	VALUES (?, ?)
	ON CONFLICT(table_name) DO UPDATE SET
		last_ts = excluded.last_ts
	WHERE excluded.last_ts > cursors.last_ts
	`

	_, err := db.conn.ExecContext(ctx, query, table, formatTime(ts))
	if err != nil {
		return fmt.Errorf("failed to advance cursor for %s: %w", table, err)
	}
	return nil
}
