// Package push implements push dispatch: draining the local mutation
// queue to the sync server under the last-write-wins conflict policy.
package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/carebridge/chartsync/internal/registry"
	"github.com/carebridge/chartsync/internal/store"
	"github.com/carebridge/chartsync/internal/transport"
)

// ErrEmptyBatch is returned when Push is called with no mutations.
var ErrEmptyBatch = errors.New("push: empty batch")

// localOnlyFields are bookkeeping fields that must never reach the server.
var localOnlyFields = []string{"device_id", "_sync_status", "_local_ts", "last_synced_at"}

// Server is the push surface of the sync server.
type Server interface {
	Push(ctx context.Context, req *transport.PushRequest) (*transport.PushResponse, error)
}

// ItemOutcome pairs a queued mutation with its push outcome, so retiring
// a mutation never depends on matching server results back by record id.
// Record ids are only unique per table; queue ids are unique outright.
type ItemOutcome struct {
	Mutation store.Mutation
	Status   string
	Error    string
}

// Outcome aggregates one push batch.
type Outcome struct {
	Items     []ItemOutcome
	Processed int
	OK        int
	Skipped   int
	Errors    int
}

// Config holds dispatcher configuration.
type Config struct {
	// MaxAttempts is the per-mutation attempt ceiling. A mutation that
	// errors this many times stops being retried automatically and is
	// surfaced as a persistent failure.
	MaxAttempts int

	// BackoffInitial and BackoffCap bound the retry delay schedule for
	// errored mutations: initial * 2^attempts, capped.
	BackoffInitial time.Duration
	BackoffCap     time.Duration

	// Logger for dispatch activity (default: stderr logger)
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		MaxAttempts:    8,
		BackoffInitial: 2 * time.Second,
		BackoffCap:     5 * time.Minute,
		Logger:         log.New(os.Stderr, "[push] ", log.LstdFlags),
	}
}

// Dispatcher submits queued mutations and retires them per outcome.
type Dispatcher struct {
	tables *registry.TableMap
	db     *store.DB
	server Server
	config *Config
}

// New creates a Dispatcher.
func New(tables *registry.TableMap, db *store.DB, server Server, config *Config) *Dispatcher {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[push] ", log.LstdFlags)
	}
	return &Dispatcher{
		tables: tables,
		db:     db,
		server: server,
		config: config,
	}
}

// MaxAttempts returns the configured attempt ceiling.
func (d *Dispatcher) MaxAttempts() int {
	return d.config.MaxAttempts
}

// Push submits a batch of mutations in one request and returns every
// item's outcome.
//
// Mutations whose logical table has no write mapping fail individually
// without blocking the rest of the batch. Local-only bookkeeping fields
// are stripped from each payload before transmission. The server resolves
// update conflicts by last-write-wins; a "skipped" result means the server
// record was newer and the local write was discarded, which is terminal
// and not an error.
func (d *Dispatcher) Push(ctx context.Context, mutations []store.Mutation) (*Outcome, error) {
	if len(mutations) == 0 {
		return nil, ErrEmptyBatch
	}

	outcome := &Outcome{}
	var changes []transport.Change
	var sent []store.Mutation // parallel to changes: the mutation behind each wire item

	for _, m := range mutations {
		physical, err := d.tables.Resolve(m.Table)
		if err != nil {
			// Partial failure is normal: record it and keep going
			d.config.Logger.Printf("WARNING: mutation %s: %v", m.ID, err)
			outcome.Items = append(outcome.Items, ItemOutcome{
				Mutation: m,
				Status:   transport.StatusError,
				Error:    err.Error(),
			})
			continue
		}

		data, err := stripLocalFields(m.Payload)
		if err != nil {
			outcome.Items = append(outcome.Items, ItemOutcome{
				Mutation: m,
				Status:   transport.StatusError,
				Error:    fmt.Sprintf("invalid payload: %v", err),
			})
			continue
		}

		changes = append(changes, transport.Change{
			Table:     physical,
			RecordID:  m.RecordID,
			Action:    string(m.Action),
			Data:      data,
			DeviceID:  m.DeviceID,
			Timestamp: m.LocalTS,
		})
		sent = append(sent, m)
	}

	if len(changes) > 0 {
		resp, err := d.send(ctx, &transport.PushRequest{Changes: changes})
		if err != nil {
			return nil, fmt.Errorf("failed to push batch of %d: %w", len(changes), err)
		}

		// Results answer changes positionally; a response that does not
		// line up one-to-one cannot be applied to the queue safely.
		if len(resp.Results) != len(sent) {
			return nil, fmt.Errorf("server returned %d results for %d changes", len(resp.Results), len(sent))
		}
		for i, res := range resp.Results {
			if res.RecordID != sent[i].RecordID {
				return nil, fmt.Errorf("server result %d names record %s, want %s",
					i, res.RecordID, sent[i].RecordID)
			}
			outcome.Items = append(outcome.Items, ItemOutcome{
				Mutation: sent[i],
				Status:   res.Status,
				Error:    res.Error,
			})
		}
	}

	for _, item := range outcome.Items {
		outcome.Processed++
		switch item.Status {
		case transport.StatusOK:
			outcome.OK++
		case transport.StatusSkipped:
			outcome.Skipped++
		default:
			outcome.Errors++
		}
	}

	return outcome, nil
}

// Drain pushes all eligible queued mutations and retires each per its
// outcome: ok and skipped remove the queue entry, error schedules a retry.
// A drain with an empty queue is a no-op, not an error.
func (d *Dispatcher) Drain(ctx context.Context) (*Outcome, error) {
	mutations, err := d.db.PendingMutations(ctx, d.config.MaxAttempts)
	if err != nil {
		return nil, err
	}
	if len(mutations) == 0 {
		return &Outcome{}, nil
	}

	outcome, err := d.Push(ctx, mutations)
	if err != nil {
		// The whole batch failed to transmit: every mutation gets an
		// error attempt so backoff applies uniformly.
		for _, m := range mutations {
			if markErr := d.markError(ctx, m, err.Error()); markErr != nil {
				d.config.Logger.Printf("WARNING: failed to record error for mutation %s: %v", m.ID, markErr)
			}
		}
		return nil, err
	}

	// Each item carries its own queue entry, so retirement is direct:
	// no result can retire a mutation other than the one it answers.
	for _, item := range outcome.Items {
		m := item.Mutation

		switch item.Status {
		case transport.StatusOK:
			err = d.db.MarkOK(ctx, m.ID)
		case transport.StatusSkipped:
			d.config.Logger.Printf("Mutation %s skipped: server record for %s/%s is newer",
				m.ID, m.Table, m.RecordID)
			err = d.db.MarkSkipped(ctx, m.ID)
		default:
			err = d.markError(ctx, m, item.Error)
		}
		if err != nil {
			return nil, fmt.Errorf("failed to retire mutation %s: %w", m.ID, err)
		}
	}

	d.config.Logger.Printf("Drained queue: processed=%d ok=%d skipped=%d errors=%d",
		outcome.Processed, outcome.OK, outcome.Skipped, outcome.Errors)

	return outcome, nil
}

// markError records a failed attempt and schedules the next one on the
// bounded exponential schedule.
func (d *Dispatcher) markError(ctx context.Context, m store.Mutation, errMsg string) error {
	delay := d.config.BackoffInitial << uint(m.Attempts)
	if delay > d.config.BackoffCap || delay <= 0 {
		delay = d.config.BackoffCap
	}
	return d.db.MarkError(ctx, m.ID, errMsg, time.Now().UTC().Add(delay))
}

// send transmits the batch, retrying transient transport failures.
func (d *Dispatcher) send(ctx context.Context, req *transport.PushRequest) (*transport.PushResponse, error) {
	operation := func() (*transport.PushResponse, error) {
		resp, err := d.server.Push(ctx, req)
		if err != nil {
			if transport.IsClientError(err) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		return resp, nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = d.config.BackoffInitial

	return backoff.Retry(ctx, operation,
		backoff.WithBackOff(bo),
		backoff.WithMaxTries(3))
}

// stripLocalFields removes local bookkeeping fields from a payload.
// A nil payload (deletes) passes through unchanged.
func stripLocalFields(payload json.RawMessage) (json.RawMessage, error) {
	if len(payload) == 0 {
		return nil, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(payload, &fields); err != nil {
		return nil, fmt.Errorf("failed to parse payload: %w", err)
	}

	for _, name := range localOnlyFields {
		delete(fields, name)
	}

	out, err := json.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("failed to re-encode payload: %w", err)
	}
	return out, nil
}
