package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
)

var (
	labelStyle   = lipgloss.NewStyle().Bold(true).Width(10)
	okStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	warnStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	offlineStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show sync status",
	Long: `Show the device's sync health: connectivity, mirror size, queue depth
and per-table cursor positions.`,
	Run: func(cmd *cobra.Command, args []string) {
		a, err := newApp(cmd, nil)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()

		online := a.client.Ping(ctx) == nil

		counts, err := a.db.Counts(ctx, a.settings.MaxAttempts)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		records, err := a.db.CountRecords(ctx)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}

		fmt.Println(labelStyle.Render("Server") + serverLine(a.settings.ServerURL, online))
		fmt.Println(labelStyle.Render("Device") + a.deviceID)
		fmt.Println(labelStyle.Render("Mirror") + fmt.Sprintf("%d records", records))
		fmt.Println(labelStyle.Render("Queue") + queueLine(counts.Pending, counts.Failed))

		fmt.Println()
		fmt.Println(labelStyle.Render("Cursors"))
		for _, table := range a.reg.Names() {
			cursor, err := a.db.Cursor(ctx, table)
			if err != nil {
				fmt.Fprintf(os.Stderr, "Error: %v\n", err)
				os.Exit(1)
			}
			fmt.Printf("  %-14s %s\n", table, cursorLine(cursor))
		}

		if counts.Failed > 0 {
			fmt.Println()
			fmt.Println(warnStyle.Render(fmt.Sprintf(
				"%d mutations failed permanently; run \"chartsync queue retry\" to requeue them", counts.Failed)))
		}
	},
}

func serverLine(url string, online bool) string {
	if online {
		return url + " " + okStyle.Render("(online)")
	}
	return url + " " + offlineStyle.Render("(offline)")
}

func queueLine(pending, failed int) string {
	line := fmt.Sprintf("%d pending", pending)
	if failed > 0 {
		line += ", " + errStyle.Render(fmt.Sprintf("%d failed", failed))
	}
	return line
}

func cursorLine(cursor time.Time) string {
	if cursor.IsZero() {
		return offlineStyle.Render("never synced")
	}
	return cursor.Format(time.RFC3339)
}

func init() {
	rootCmd.AddCommand(statusCmd)
}
