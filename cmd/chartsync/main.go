// Command chartsync keeps a device's local chart mirror in step with the
// clinic sync server: it pulls changed records per table, pushes queued
// local mutations, and reports sync health.
package main

import (
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/carebridge/chartsync/internal/config"
)

var rootCmd = &cobra.Command{
	Use:   "chartsync",
	Short: "Offline-first sync for clinical chart data",
	Long: `chartsync maintains a local mirror of clinical chart tables (patients,
appointments, notes, medications, allergies, messages) and a durable queue
of local edits.

Pulls are incremental: each table keeps a watermark cursor and fetches only
records changed since the last sync, page by page. Local edits queue in the
device database even while offline and are pushed when connectivity returns;
the server resolves conflicting updates by last-write-wins.

Run a one-shot cycle with "chartsync sync", or keep the mirror fresh with
"chartsync daemon".`,
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().String("data-dir", config.DefaultDataDir(),
		"Directory holding the local database, config and logs")
	if err := viper.BindPFlag("data_dir", rootCmd.PersistentFlags().Lookup("data-dir")); err != nil {
		panic(err)
	}
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
