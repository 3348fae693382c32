// Package pull implements pull replication: incrementally hydrating the
// local mirror from the sync server, one cursor-gated page at a time.
package pull

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/carebridge/chartsync/internal/registry"
	"github.com/carebridge/chartsync/internal/store"
	"github.com/carebridge/chartsync/internal/transport"
)

// Server is the pull surface of the sync server.
type Server interface {
	Pull(ctx context.Context, req *transport.PullRequest) (*transport.PullResponse, error)
}

// Result reports one pull invocation.
type Result struct {
	// Count is how many records the page carried.
	Count int

	// NewCursor is the advanced watermark: the time-column value of the
	// page's last record, or the original since when the page was empty.
	NewCursor time.Time

	// HasMore is true iff the page was full; the caller must pull again
	// until it is false before considering the table caught up.
	HasMore bool
}

// Replicator fetches changed records per table and upserts them into the
// local mirror.
type Replicator struct {
	reg    *registry.Registry
	db     *store.DB
	server Server
	logger *log.Logger

	// maxTries bounds the transient-error retry per page fetch.
	maxTries uint
}

// New creates a Replicator. If logger is nil, a default stderr logger is
// used.
func New(reg *registry.Registry, db *store.DB, server Server, logger *log.Logger) *Replicator {
	if logger == nil {
		logger = log.New(os.Stderr, "[pull] ", log.LstdFlags)
	}
	return &Replicator{
		reg:      reg,
		db:       db,
		server:   server,
		logger:   logger,
		maxTries: 3,
	}
}

// Pull fetches one page of records changed after since and mirrors them.
//
// The table name must resolve via the registry. A schema-drift signal
// (configured time column missing on the server) is retried once with the
// generic fallback column; if that also fails the table is treated as
// empty for this cycle and the failure is logged, not returned.
//
// The cursor is advanced only after every record in the page has been
// mirrored, so a crash mid-write cannot move the watermark past
// un-mirrored data.
func (r *Replicator) Pull(ctx context.Context, tableName string, since time.Time) (*Result, error) {
	desc, err := r.reg.Lookup(tableName)
	if err != nil {
		return nil, err
	}

	resp, err := r.fetch(ctx, desc, since, desc.EffectiveTimeColumn())
	if transport.IsSchemaError(err) {
		resp, err = r.fetchFallback(ctx, desc, since)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to pull %s: %w", tableName, err)
	}
	if resp == nil {
		// Fail-soft: schema drift on both columns, table skipped this cycle
		return &Result{Count: 0, NewCursor: since, HasMore: false}, nil
	}

	now := time.Now().UTC()
	for _, raw := range resp.Records {
		id, err := recordID(raw)
		if err != nil {
			return nil, fmt.Errorf("failed to identify record in %s page: %w", tableName, err)
		}
		if err := r.db.UpsertRecord(ctx, tableName, id, raw, now); err != nil {
			return nil, fmt.Errorf("failed to mirror %s/%s: %w", tableName, id, err)
		}
	}

	newCursor := since
	if resp.Count > 0 {
		newCursor = resp.Timestamp
		if err := r.db.AdvanceCursor(ctx, tableName, newCursor); err != nil {
			return nil, fmt.Errorf("failed to advance cursor for %s: %w", tableName, err)
		}
	}

	return &Result{
		Count:     resp.Count,
		NewCursor: newCursor,
		HasMore:   resp.HasMore,
	}, nil
}

// PullAll drains a table: it pulls pages starting from the stored cursor
// until HasMore is false. Returns the total record count mirrored.
func (r *Replicator) PullAll(ctx context.Context, tableName string) (int, error) {
	since, err := r.db.Cursor(ctx, tableName)
	if err != nil {
		return 0, err
	}

	total := 0
	for {
		res, err := r.Pull(ctx, tableName, since)
		if err != nil {
			return total, err
		}
		total += res.Count

		if !res.HasMore {
			return total, nil
		}
		// A page that reports more data must move the cursor forward;
		// looping on an unmoved cursor would wedge the cycle.
		if !res.NewCursor.After(since) {
			return total, fmt.Errorf("pull %s: server reported more data without advancing cursor past %v",
				tableName, since)
		}
		since = res.NewCursor
	}
}

// fetchFallback retries a schema-drifted pull once with the generic
// fallback column. A second schema error returns (nil, nil): the caller
// treats the table as empty for this cycle.
func (r *Replicator) fetchFallback(ctx context.Context, desc registry.Descriptor, since time.Time) (*transport.PullResponse, error) {
	configured := desc.EffectiveTimeColumn()
	if configured == registry.DefaultTimeColumn {
		r.logger.Printf("WARNING: table %s missing time column %q, treating as empty this cycle",
			desc.ClientName, configured)
		return nil, nil
	}

	r.logger.Printf("WARNING: table %s missing time column %q, retrying with %q",
		desc.ClientName, configured, registry.DefaultTimeColumn)

	resp, err := r.fetch(ctx, desc, since, registry.DefaultTimeColumn)
	if transport.IsSchemaError(err) {
		r.logger.Printf("WARNING: table %s missing fallback column %q too, treating as empty this cycle",
			desc.ClientName, registry.DefaultTimeColumn)
		return nil, nil
	}
	return resp, err
}

// fetch requests one page, retrying transient transport failures with
// exponential backoff. Client errors (4xx) are not retried.
func (r *Replicator) fetch(ctx context.Context, desc registry.Descriptor, since time.Time, timeColumn string) (*transport.PullResponse, error) {
	req := &transport.PullRequest{
		Table:      desc.ClientName,
		Since:      since,
		TimeColumn: timeColumn,
	}

	operation := func() (*transport.PullResponse, error) {
		resp, err := r.server.Pull(ctx, req)
		if err != nil {
			if transport.IsClientError(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return resp, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 500 * time.Millisecond

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(r.maxTries))
}

// recordID extracts the primary key from a server record. Keys are
// usually strings, but numeric ids are accepted and normalized.
func recordID(raw json.RawMessage) (string, error) {
	var probe struct {
		ID json.RawMessage `json:"id"`
	}
	if err := json.Unmarshal(raw, &probe); err != nil {
		return "", fmt.Errorf("failed to parse record: %w", err)
	}
	if len(probe.ID) == 0 {
		return "", fmt.Errorf("record has no id field")
	}

	var s string
	if err := json.Unmarshal(probe.ID, &s); err == nil {
		if s == "" {
			return "", fmt.Errorf("record has empty id")
		}
		return s, nil
	}

	var n json.Number
	if err := json.Unmarshal(probe.ID, &n); err == nil {
		return n.String(), nil
	}

	return "", fmt.Errorf("record id %s is neither string nor number", probe.ID)
}
