package main

import (
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "foreman",
	Short: "Worker fleet coordinator",
	Long: `Foreman coordinates a fleet of workers on shared projects: it tracks
tasks through their lifecycle, routes prioritized messages between
workers, supervises worker processes, and watches fleet health.

Core capabilities:
- Task store with a validated status lifecycle and completion metrics
- Priority message bus with per-recipient tiered delivery
- Worker supervisor with heartbeats and bounded restart backoff
- Health sweeps that flag workers whose heartbeats go stale
- HTTP status surface for dashboards and tooling`,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(versionCmd)
}
