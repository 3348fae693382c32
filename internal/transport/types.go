package transport

import (
	"encoding/json"
	"time"
)

// PullRequest asks the server for records changed after Since.
//
// TimeColumn names the change-detection column to order and filter by; the
// server rejects an unknown column with a schema error, which the
// replicator handles by retrying with the generic fallback column.
type PullRequest struct {
	Table      string    `json:"table"`
	Since      time.Time `json:"since"`
	TimeColumn string    `json:"timeColumn,omitempty"`
}

// PullResponse is one page of changed records.
type PullResponse struct {
	Records []json.RawMessage `json:"records"`
	Count   int               `json:"count"`

	// Timestamp is the new cursor: the time-column value of the last
	// record in the page, or the request's Since when the page is empty.
	Timestamp time.Time `json:"timestamp"`

	// HasMore is true iff the page was full; the caller must pull again
	// before considering the table caught up.
	HasMore bool `json:"hasMore"`
}

// Change is one queued mutation on the wire. Data carries the record
// payload with all local-only bookkeeping fields already stripped.
type Change struct {
	Table     string          `json:"table"`
	RecordID  string          `json:"record_id"`
	Action    string          `json:"action"`
	Data      json.RawMessage `json:"data,omitempty"`
	DeviceID  string          `json:"device_id"`
	Timestamp time.Time       `json:"timestamp"`
}

// PushRequest submits a batch of changes.
type PushRequest struct {
	Changes []Change `json:"changes"`
}

// Push result statuses.
const (
	StatusOK      = "ok"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

// PushResult is the per-mutation outcome.
type PushResult struct {
	RecordID string `json:"record_id"`
	Status   string `json:"status"`
	Error    string `json:"error,omitempty"`
}

// PushResponse enumerates every submitted change's outcome plus aggregates.
type PushResponse struct {
	Results   []PushResult `json:"results"`
	Processed int          `json:"processed"`
	OK        int          `json:"ok"`
	Errors    int          `json:"errors"`
}
