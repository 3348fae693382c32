package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/carebridge/chartsync/internal/engine"
)

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Run one sync cycle now",
	Long: `Run a single pull+push cycle against the sync server.

Each table is pulled from its stored cursor until caught up, then the
mutation queue is drained. Queued edits rejected by last-write-wins are
dropped (the server record was newer); transient failures stay queued
for the next cycle.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp(cmd, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
		defer cancel()

		before, err := a.db.CountRecords(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if err := a.eng.Sync(ctx); err != nil {
			if errors.Is(err, engine.ErrOffline) {
				fmt.Fprintf(os.Stderr, "Error: server %s is unreachable; queued edits will sync when connectivity returns\n",
					a.settings.ServerURL)
			} else {
				fmt.Fprintf(os.Stderr, "Error: sync failed: %v\n", err)
			}
			os.Exit(1)
		}

		after, err := a.db.CountRecords(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		status := a.eng.Status()
		fmt.Printf("Sync complete: %d records mirrored (%+d this cycle)\n", after, after-before)
		if status.PendingCount > 0 || status.FailedCount > 0 {
			fmt.Printf("Queue: %d pending, %d failed (see \"chartsync queue list\")\n",
				status.PendingCount, status.FailedCount)
		}
	},
}

func init() {
	rootCmd.AddCommand(syncCmd)
}
