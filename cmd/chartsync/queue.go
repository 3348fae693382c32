package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
)

var queueCmd = &cobra.Command{
	Use:   "queue",
	Short: "Inspect and manage the mutation queue",
}

var queueListCmd = &cobra.Command{
	Use:   "list",
	Short: "List queued mutations",
	Long: `List mutations waiting to be pushed.

Pending mutations are retried automatically with exponential backoff.
Mutations that exhausted their retry budget are listed as failed and stay
put until requeued with "chartsync queue retry".`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp(cmd, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		pending, err := a.db.PendingMutations(ctx, a.settings.MaxAttempts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		failed, err := a.db.FailedMutations(ctx, a.settings.MaxAttempts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if len(pending) == 0 && len(failed) == 0 {
			fmt.Println("Queue is empty")
			return
		}

		if len(pending) > 0 {
			fmt.Printf("Pending (%d):\n", len(pending))
			for _, m := range pending {
				fmt.Printf("  %s  %-12s %-7s %s  attempts=%d\n",
					m.EnqueuedAt.Format("2006-01-02 15:04:05"),
					m.Table, m.Action, m.RecordID, m.Attempts)
			}
		}
		if len(failed) > 0 {
			fmt.Printf("Failed (%d):\n", len(failed))
			for _, m := range failed {
				fmt.Printf("  %s  %-12s %-7s %s  attempts=%d  %s\n",
					m.EnqueuedAt.Format("2006-01-02 15:04:05"),
					m.Table, m.Action, m.RecordID, m.Attempts, m.LastError)
			}
		}
	},
}

var queueRetryCmd = &cobra.Command{
	Use:   "retry",
	Short: "Requeue permanently failed mutations",
	Long: `Reset the attempt count of mutations that exhausted their retry budget
so the next cycle pushes them again.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp(cmd, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		n, err := a.db.RetryFailed(ctx, a.settings.MaxAttempts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		if n == 0 {
			fmt.Println("No failed mutations to retry")
			return
		}
		fmt.Printf("Requeued %d mutations; they will push on the next sync\n", n)
	},
}

func init() {
	queueCmd.AddCommand(queueListCmd)
	queueCmd.AddCommand(queueRetryCmd)
	rootCmd.AddCommand(queueCmd)
}
