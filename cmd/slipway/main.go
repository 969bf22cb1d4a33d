package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var version = "dev" // Will be set during build

var rootCmd = &cobra.Command{
	Use:   "slipway",
	Short: "Zero-downtime blue/green deployments",
	Long: `Slipway automates zero-downtime releases of containerized services
across a fixed pool of remote hosts.

Every project/environment pair owns two alternating slots (blue and green).
A deploy always lands dark in the non-active slot; traffic moves only on an
explicit promote, and the previous release stays available for rollback
until its grace window expires.`,
	Version: version,
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.AddCommand(deployCmd)
	rootCmd.AddCommand(promoteCmd)
	rootCmd.AddCommand(rollbackCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(cleanupCmd)
	rootCmd.AddCommand(historyCmd)
	rootCmd.AddCommand(environmentsCmd)
	rootCmd.AddCommand(versionCmd)
}
