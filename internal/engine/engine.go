// Package engine provides the sync orchestrator: the process-wide
// coordinator that sequences pull and push flows and reports sync health.
//
// The engine:
//  1. Gates cycles so at most one pull+push is in flight at a time
//  2. Pulls every registered table until its cursor is caught up
//  3. Drains the mutation queue through the push dispatcher
//  4. Tracks connectivity and publishes status snapshots
//
// Callers never block on a cycle; progress is observed through Status and
// Subscribe. Local writes may be enqueued at any time, including
// mid-cycle and offline - only the drain needs the gate.
package engine

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/carebridge/chartsync/internal/pull"
	"github.com/carebridge/chartsync/internal/push"
	"github.com/carebridge/chartsync/internal/registry"
	"github.com/carebridge/chartsync/internal/store"
)

// Phase is the orchestrator's user-visible state.
type Phase string

const (
	PhaseIdle    Phase = "idle"
	PhaseSyncing Phase = "syncing"
	PhaseOffline Phase = "offline"
	PhaseError   Phase = "error"
)

// ErrSyncInFlight is returned when a trigger arrives while a cycle is
// already running. The trigger is dropped, not queued.
var ErrSyncInFlight = errors.New("sync cycle already in flight")

// ErrOffline is returned when a trigger arrives while the device is
// offline. Mutations keep queueing; no network calls are attempted.
var ErrOffline = errors.New("device is offline")

// Probe checks server reachability. A nil Ping error means online.
type Probe interface {
	Ping(ctx context.Context) error
}

// Snapshot is the ephemeral status summary, recomputed on every cycle
// transition. It is never persisted.
type Snapshot struct {
	Phase        Phase     `json:"phase"`
	PendingCount int       `json:"pending_count"`
	FailedCount  int       `json:"failed_count"`
	Online       bool      `json:"is_online"`
	LastSync     time.Time `json:"last_sync,omitempty"`
	LastError    string    `json:"last_error,omitempty"`
}

// Config holds orchestrator configuration.
type Config struct {
	// SyncInterval is how often a periodic cycle is triggered.
	SyncInterval time.Duration

	// ProbeInterval is how often connectivity is checked.
	ProbeInterval time.Duration

	// Logger for engine activity
	Logger *log.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		SyncInterval:  5 * time.Minute,
		ProbeInterval: 30 * time.Second,
		Logger:        log.New(os.Stderr, "[engine] ", log.LstdFlags),
	}
}

// Engine orchestrates sync cycles.
type Engine struct {
	reg        *registry.Registry
	db         *store.DB
	replicator *pull.Replicator
	dispatcher *push.Dispatcher
	probe      Probe
	config     *Config

	// inFlight is the mutual-exclusion gate for cycles.
	inFlight atomic.Bool

	mu        sync.Mutex
	phase     Phase
	online    bool
	lastSync  time.Time
	lastError string

	subsMu sync.Mutex
	subs   map[chan Snapshot]struct{}

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an Engine. All collaborators are injected; pass a fake
// probe and transport-backed replicator/dispatcher in tests.
func New(reg *registry.Registry, db *store.DB, replicator *pull.Replicator,
	dispatcher *push.Dispatcher, probe Probe, config *Config) *Engine {
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = log.New(os.Stderr, "[engine] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Engine{
		reg:        reg,
		db:         db,
		replicator: replicator,
		dispatcher: dispatcher,
		probe:      probe,
		config:     config,
		phase:      PhaseIdle,
		subs:       make(map[chan Snapshot]struct{}),
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Start launches the periodic sync and connectivity loops. It returns
// immediately; use Stop for graceful shutdown.
func (e *Engine) Start() error {
	e.config.Logger.Println("Starting sync engine")

	// First probe runs synchronously so the initial state is accurate;
	// a reachable server triggers the bootstrap cycle.
	e.checkConnectivity()

	e.wg.Add(2)
	go e.syncLoop()
	go e.probeLoop()

	return nil
}

// Stop shuts the engine down and waits for its loops to finish. An
// in-flight cycle is not torn down; its network calls fail once the
// context is cancelled and the cycle winds down on its own.
func (e *Engine) Stop() {
	e.config.Logger.Println("Stopping sync engine")
	e.cancel()
	e.wg.Wait()
	e.config.Logger.Println("Sync engine stopped")
}

// TriggerSync starts a cycle in the background.
//
// A trigger while a cycle is in flight returns ErrSyncInFlight and is
// otherwise a no-op. A trigger while offline returns ErrOffline.
func (e *Engine) TriggerSync() error {
	if !e.Online() {
		return ErrOffline
	}
	if e.inFlight.Load() {
		return ErrSyncInFlight
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.runCycle(e.ctx)
	}()
	return nil
}

// Sync runs one cycle synchronously and returns its outcome. Used by the
// one-shot CLI path; the daemon path goes through TriggerSync.
//
// Connectivity is probed up front so a dead network fails fast with
// ErrOffline instead of burning retries per table.
func (e *Engine) Sync(ctx context.Context) error {
	if err := e.probe.Ping(ctx); err != nil {
		e.mu.Lock()
		e.online = false
		e.mu.Unlock()
		e.setPhase(PhaseOffline, "")
		return fmt.Errorf("%w: %v", ErrOffline, err)
	}

	e.mu.Lock()
	e.online = true
	e.mu.Unlock()

	return e.runCycle(ctx)
}

// SetOnline feeds the connectivity signal. Going offline preempts any
// state; regaining connectivity triggers a cycle.
func (e *Engine) SetOnline(online bool) {
	e.mu.Lock()
	changed := e.online != online
	e.online = online
	if !online {
		e.phase = PhaseOffline
	} else if changed && e.phase == PhaseOffline {
		e.phase = PhaseIdle
	}
	e.mu.Unlock()

	if !changed {
		return
	}

	if online {
		e.config.Logger.Println("Connectivity restored")
		e.publish()
		if err := e.TriggerSync(); err != nil && !errors.Is(err, ErrSyncInFlight) {
			e.config.Logger.Printf("Failed to trigger sync on reconnect: %v", err)
		}
	} else {
		e.config.Logger.Println("Connectivity lost")
		e.publish()
	}
}

// Online reports the last known connectivity state.
func (e *Engine) Online() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.online
}

// Status returns the current snapshot. Queue counts are recomputed from
// the store so the snapshot is accurate even between transitions.
func (e *Engine) Status() Snapshot {
	counts, err := e.db.Counts(e.ctx, e.dispatcher.MaxAttempts())
	if err != nil {
		e.config.Logger.Printf("Failed to read queue counts: %v", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	return Snapshot{
		Phase:        e.phase,
		PendingCount: counts.Pending,
		FailedCount:  counts.Failed,
		Online:       e.online,
		LastSync:     e.lastSync,
		LastError:    e.lastError,
	}
}

// Subscribe returns a channel receiving a snapshot on every phase
// transition, plus an unsubscribe function. Slow consumers miss updates
// rather than blocking the engine.
func (e *Engine) Subscribe() (<-chan Snapshot, func()) {
	ch := make(chan Snapshot, 8)

	e.subsMu.Lock()
	e.subs[ch] = struct{}{}
	e.subsMu.Unlock()

	unsubscribe := func() {
		e.subsMu.Lock()
		delete(e.subs, ch)
		e.subsMu.Unlock()
	}
	return ch, unsubscribe
}

// runCycle executes one exclusive pull+push cycle.
func (e *Engine) runCycle(ctx context.Context) error {
	if !e.inFlight.CompareAndSwap(false, true) {
		return ErrSyncInFlight
	}
	defer e.inFlight.Store(false)

	start := time.Now()
	e.setPhase(PhaseSyncing, "")
	e.config.Logger.Println("Sync cycle started")

	// Per-table pulls are independent streams with independent cursors;
	// run them concurrently but finish all before pushing.
	g, gctx := errgroup.WithContext(ctx)
	for _, table := range e.reg.Names() {
		g.Go(func() error {
			count, err := e.replicator.PullAll(gctx, table)
			if err != nil {
				return fmt.Errorf("pull %s: %w", table, err)
			}
			if count > 0 {
				e.config.Logger.Printf("Pulled %d records for %s", count, table)
			}
			return nil
		})
	}
	pullErr := g.Wait()

	// Drain the queue even when a pull failed: queued mutations should
	// not wait on an unrelated table's schema trouble.
	outcome, pushErr := e.dispatcher.Drain(ctx)
	if pushErr == nil && outcome.Processed > 0 {
		e.config.Logger.Printf("Pushed %d mutations (ok=%d skipped=%d errors=%d)",
			outcome.Processed, outcome.OK, outcome.Skipped, outcome.Errors)
	}

	err := errors.Join(pullErr, pushErr)
	if err != nil {
		// Distinguish a dead network from a server-side failure so the
		// status indicator offers the right remedy.
		if e.probeOffline(ctx) {
			e.mu.Lock()
			e.online = false
			e.mu.Unlock()
			e.setPhase(PhaseOffline, err.Error())
			e.config.Logger.Printf("Sync cycle interrupted by connectivity loss: %v", err)
		} else {
			e.setPhase(PhaseError, err.Error())
			e.config.Logger.Printf("Sync cycle failed: %v", err)
		}
		return err
	}

	e.mu.Lock()
	e.lastSync = time.Now().UTC()
	online := e.online
	e.mu.Unlock()

	// Offline preempts any state: a connectivity-lost signal that arrived
	// mid-cycle must not be overwritten by the cycle's success.
	if !online {
		e.setPhase(PhaseOffline, "")
	} else {
		e.setPhase(PhaseIdle, "")
	}
	e.config.Logger.Printf("Sync cycle complete in %v", time.Since(start).Round(time.Millisecond))
	return nil
}

// syncLoop triggers periodic cycles.
func (e *Engine) syncLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.SyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return

		case <-ticker.C:
			err := e.TriggerSync()
			if err != nil && !errors.Is(err, ErrSyncInFlight) && !errors.Is(err, ErrOffline) {
				e.config.Logger.Printf("Periodic sync trigger failed: %v", err)
			}
		}
	}
}

// probeLoop tracks connectivity.
func (e *Engine) probeLoop() {
	defer e.wg.Done()

	ticker := time.NewTicker(e.config.ProbeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.ctx.Done():
			return

		case <-ticker.C:
			e.checkConnectivity()
		}
	}
}

func (e *Engine) checkConnectivity() {
	ctx, cancel := context.WithTimeout(e.ctx, 10*time.Second)
	defer cancel()
	e.SetOnline(e.probe.Ping(ctx) == nil)
}

// probeOffline reports whether the server is unreachable right now.
func (e *Engine) probeOffline(ctx context.Context) bool {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return e.probe.Ping(probeCtx) != nil
}

// setPhase updates the phase and publishes a snapshot.
func (e *Engine) setPhase(phase Phase, lastError string) {
	e.mu.Lock()
	e.phase = phase
	e.lastError = lastError
	e.mu.Unlock()

	e.publish()
}

// publish fans the current snapshot out to subscribers.
func (e *Engine) publish() {
	snapshot := e.Status()

	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	for ch := range e.subs {
		select {
		case ch <- snapshot:
		default:
			// Slow consumer: drop rather than stall the cycle
		}
	}
}
