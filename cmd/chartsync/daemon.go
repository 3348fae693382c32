package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/carebridge/chartsync/internal/config"
	"github.com/carebridge/chartsync/internal/statusboard"
)

var daemonCmd = &cobra.Command{
	Use:   "daemon",
	Short: "Run the sync engine continuously",
	Long: `Run the sync engine as a long-lived process.

The daemon triggers a cycle on a fixed interval, probes connectivity, and
syncs immediately when the server becomes reachable again. A WebSocket
status board broadcasts a snapshot on every state transition so chart UIs
can show live sync health:

  ws://localhost:<port>/ws        real-time snapshots
  http://localhost:<port>/status  current snapshot
  http://localhost:<port>/health  board health

Logs go to stderr and to a size-rotated file in the data directory.`,
	Run: func(cmd *cobra.Command, args []string) {
		dataDir, _ := cmd.Flags().GetString("data-dir")
		if dataDir == "" {
			dataDir = config.DefaultDataDir()
		}

		rotated := &lumberjack.Logger{
			Filename:   filepath.Join(dataDir, "chartsync.log"),
			MaxSize:    10, // megabytes
			MaxBackups: 3,
			MaxAge:     28, // days
			Compress:   true,
		}
		defer func() { _ = rotated.Close() }()

		a, err := newApp(cmd, io.MultiWriter(os.Stderr, rotated))
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		defer a.close()

		if err := a.eng.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start engine: %v\n", err)
			os.Exit(1)
		}

		port, _ := cmd.Flags().GetInt("port")
		if port == 0 {
			port = a.settings.BoardPort
		}
		board := statusboard.NewServer(a.eng, &statusboard.Config{Port: port})
		if err := board.Start(); err != nil {
			fmt.Fprintf(os.Stderr, "Error: failed to start status board: %v\n", err)
			os.Exit(1)
		}

		fmt.Printf("chartsync daemon started (device %s)\n", a.deviceID)
		fmt.Printf("Syncing with %s every %v\n", a.settings.ServerURL, a.settings.SyncInterval)
		fmt.Printf("Status board: ws://%s/ws\n", board.Addr())

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		<-ctx.Done()

		fmt.Println("\nShutting down...")
		if err := board.Stop(); err != nil {
			fmt.Fprintf(os.Stderr, "Error during shutdown: %v\n", err)
		}
	},
}

func init() {
	daemonCmd.Flags().IntP("port", "p", 0, "Status board port (default from config)")
	rootCmd.AddCommand(daemonCmd)
}
