package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Action identifies the kind of local write intent.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// Mutation statuses stored in the queue. Terminal outcomes (ok, skipped)
// remove the row instead of being stored, so removal from the queue is the
// only way a mutation stops being accounted for.
const (
	StatusPending = "pending"
	StatusError   = "error"
)

// Mutation is one queued local write intent.
type Mutation struct {
	ID            string
	Table         string
	RecordID      string
	Action        Action
	Payload       json.RawMessage
	DeviceID      string
	LocalTS       time.Time
	Status        string
	Attempts      int
	LastError     string
	NextAttemptAt time.Time
	EnqueuedAt    time.Time
}

// QueueCounts summarizes the mutation queue for status reporting.
type QueueCounts struct {
	// Pending counts mutations eligible for the next drain, including
	// errored ones still under the attempt ceiling.
	Pending int

	// Failed counts mutations at or over the attempt ceiling, which need
	// a manual retry.
	Failed int
}

// Enqueue appends a mutation to the queue.
//
// Enqueue never requires the sync gate: local writes must remain possible
// while a cycle is in flight and while offline. A missing ID is filled
// with a fresh UUID; a missing enqueue time with now.
func (db *DB) Enqueue(ctx context.Context, m *Mutation) error {
	if m.Table == "" || m.RecordID == "" {
		return fmt.Errorf("mutation table and record id cannot be empty")
	}
	switch m.Action {
	case ActionCreate, ActionUpdate, ActionDelete:
	default:
		return fmt.Errorf("invalid mutation action %q", m.Action)
	}

	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.EnqueuedAt.IsZero() {
		m.EnqueuedAt = time.Now().UTC()
	}
	if m.Status == "" {
		m.Status = StatusPending
	}

	query := `
	INSERT INTO mutations (
		id, table_name, record_id, action, payload, device_id,
		local_ts, status, attempts, last_error, next_attempt_at, enqueued_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL, ?)
	`

	_, err := db.conn.ExecContext(ctx, query,
		m.ID,
		m.Table,
		m.RecordID,
		string(m.Action),
		nullableString(string(m.Payload)),
		m.DeviceID,
		formatTime(m.LocalTS),
		m.Status,
		formatTime(m.EnqueuedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue mutation for %s/%s: %w", m.Table, m.RecordID, err)
	}

	return nil
}

// PendingMutations returns mutations eligible for the next drain, oldest
// first: pending rows plus errored rows under the attempt ceiling whose
// backoff delay has elapsed.
func (db *DB) PendingMutations(ctx context.Context, maxAttempts int) ([]Mutation, error) {
	query := `
	SELECT id, table_name, record_id, action, payload, device_id,
	       local_ts, status, attempts, last_error, next_attempt_at, enqueued_at
	FROM mutations
	WHERE attempts < ?
	  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
	ORDER BY enqueued_at, id
	`

	rows, err := db.conn.QueryContext(ctx, query, maxAttempts, formatTime(time.Now()))
	if err != nil {
		return nil, fmt.Errorf("failed to query pending mutations: %w", err)
	}
	defer rows.Close()

	return scanMutations(rows)
}

// FailedMutations returns mutations that exhausted the attempt ceiling and
// await a manual retry.
func (db *DB) FailedMutations(ctx context.Context, maxAttempts int) ([]Mutation, error) {
	query := `
	SELECT id, table_name, record_id, action, payload, device_id,
	       local_ts, status, attempts, last_error, next_attempt_at, enqueued_at
	FROM mutations
	WHERE attempts >= ?
	ORDER BY enqueued_at, id
	`

	rows, err := db.conn.QueryContext(ctx, query, maxAttempts)
	if err != nil {
		return nil, fmt.Errorf("failed to query failed mutations: %w", err)
	}
	defer rows.Close()

	return scanMutations(rows)
}

// MarkOK retires a mutation after the server confirmed it.
// Idempotent: retiring an already-removed mutation is a no-op.
func (db *DB) MarkOK(ctx context.Context, id string) error {
	return db.remove(ctx, id)
}

// MarkSkipped retires a mutation the server resolved against under
// last-write-wins. Skipped is a terminal non-error outcome.
func (db *DB) MarkSkipped(ctx context.Context, id string) error {
	return db.remove(ctx, id)
}

func (db *DB) remove(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM mutations WHERE id = ?`, id); err != nil {
		return fmt.Errorf("failed to retire mutation %s: %w", id, err)
	}
	return nil
}

// MarkError records a failed push attempt, incrementing the attempt count
// and scheduling the next try. The mutation stays in the queue.
func (db *DB) MarkError(ctx context.Context, id, errMsg string, nextAttempt time.Time) error {
	query := `
	UPDATE mutations
	SET status = ?, attempts = attempts + 1, last_error = ?, next_attempt_at = ?
	WHERE id = ?
	`

	_, err := db.conn.ExecContext(ctx, query,
		StatusError, errMsg, formatTime(nextAttempt), id)
	if err != nil {
		return fmt.Errorf("failed to mark mutation %s as error: %w", id, err)
	}
	return nil
}

// RetryFailed resets attempt counts on permanently-failed mutations so the
// next cycle picks them up again. Returns how many were reset.
func (db *DB) RetryFailed(ctx context.Context, maxAttempts int) (int, error) {
	query := `
	UPDATE mutations
	SET status = ?, attempts = 0, next_attempt_at = NULL
	WHERE attempts >= ?
	`

	res, err := db.conn.ExecContext(ctx, query, StatusPending, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("failed to reset failed mutations: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to count reset mutations: %w", err)
	}
	return int(n), nil
}

// Counts returns queue totals for the status snapshot.
func (db *DB) Counts(ctx context.Context, maxAttempts int) (QueueCounts, error) {
	var c QueueCounts

	err := db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutations WHERE attempts < ?`, maxAttempts).Scan(&c.Pending)
	if err != nil {
		return c, fmt.Errorf("failed to count pending mutations: %w", err)
	}

	err = db.conn.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM mutations WHERE attempts >= ?`, maxAttempts).Scan(&c.Failed)
	if err != nil {
		return c, fmt.Errorf("failed to count failed mutations: %w", err)
	}

	return c, nil
}

func scanMutations(rows *sql.Rows) ([]Mutation, error) {
	var mutations []Mutation
	for rows.Next() {
		var (
			m                  Mutation
			action             string
			payload, lastError sql.NullString
			localTS, enqueued  string
			nextAttempt        sql.NullString
		)
		if err := rows.Scan(&m.ID, &m.Table, &m.RecordID, &action, &payload, &m.DeviceID,
			&localTS, &m.Status, &m.Attempts, &lastError, &nextAttempt, &enqueued); err != nil {
			return nil, fmt.Errorf("failed to scan mutation: %w", err)
		}

		m.Action = Action(action)
		if payload.Valid {
			m.Payload = json.RawMessage(payload.String)
		}
		m.LastError = lastError.String

		ts, err := parseTime(localTS)
		if err != nil {
			return nil, fmt.Errorf("failed to parse local_ts for mutation %s: %w", m.ID, err)
		}
		m.LocalTS = ts

		eq, err := parseTime(enqueued)
		if err != nil {
			return nil, fmt.Errorf("failed to parse enqueued_at for mutation %s: %w", m.ID, err)
		}
		m.EnqueuedAt = eq

		if nextAttempt.Valid {
			na, err := parseTime(nextAttempt.String)
			if err != nil {
				return nil, fmt.Errorf("failed to parse next_attempt_at for mutation %s: %w", m.ID, err)
			}
			m.NextAttemptAt = na
		}

		mutations = append(mutations, m)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate mutations: %w", err)
	}

	return mutations, nil
}

func nullableString(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
