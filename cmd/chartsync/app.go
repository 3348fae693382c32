package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/spf13/cobra"

	"github.com/carebridge/chartsync/internal/config"
	"github.com/carebridge/chartsync/internal/engine"
	"github.com/carebridge/chartsync/internal/pull"
	"github.com/carebridge/chartsync/internal/push"
	"github.com/carebridge/chartsync/internal/registry"
	"github.com/carebridge/chartsync/internal/store"
	"github.com/carebridge/chartsync/internal/transport"
)

// app wires the runtime: settings, device identity, store, transport and
// the sync engine. Every command assembles the same stack.
type app struct {
	settings *config.Settings
	deviceID string
	db       *store.DB
	client   *transport.Client
	reg      *registry.Registry
	eng      *engine.Engine
}

// newApp builds the runtime for a command. logSink, when non-nil, receives
// all component logs (the daemon passes a rotated file writer).
func newApp(cmd *cobra.Command, logSink io.Writer) (*app, error) {
	dataDir, err := cmd.Flags().GetString("data-dir")
	if err != nil || dataDir == "" {
		dataDir = config.DefaultDataDir()
	}

	settings, err := config.Load(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	deviceID, err := config.DeviceID(settings.DataDir)
	if err != nil {
		return nil, err
	}

	db, err := store.Open(settings.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("failed to open local database: %w", err)
	}
	if err := db.InitSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger := func(prefix string) *log.Logger {
		if logSink != nil {
			return log.New(logSink, prefix, log.LstdFlags)
		}
		return log.New(os.Stderr, prefix, log.LstdFlags)
	}

	client, err := transport.New(&transport.Config{
		BaseURL: settings.ServerURL,
		Timeout: settings.RequestTimeout,
		Logger:  logger("[transport] "),
	})
	if err != nil {
		_ = db.Close()
		return nil, err
	}

	reg, err := registry.Default()
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	replicator := pull.New(reg, db, client, logger("[pull] "))
	dispatcher := push.New(registry.DefaultTableMap(), db, client, &push.Config{
		MaxAttempts:    settings.MaxAttempts,
		BackoffInitial: settings.BackoffInitial,
		BackoffCap:     settings.BackoffCap,
		Logger:         logger("[push] "),
	})

	eng := engine.New(reg, db, replicator, dispatcher, client, &engine.Config{
		SyncInterval:  settings.SyncInterval,
		ProbeInterval: settings.ProbeInterval,
		Logger:        logger("[engine] "),
	})

	return &app{
		settings: settings,
		deviceID: deviceID,
		db:       db,
		client:   client,
		reg:      reg,
		eng:      eng,
	}, nil
}

// close releases the runtime. The engine is stopped first so no cycle is
// mid-write when the database closes.
func (a *app) close() {
	a.eng.Stop()
	if err := a.db.Close(); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to close database: %v\n", err)
	}
}
