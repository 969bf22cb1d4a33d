package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var configPath string

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the deployment server",
	Long: `Start the HTTP server that serves the deployment API, runs the
connection pool against the host inventory, and sweeps expired grace slots
in the background.`,
	RunE: runServe,
	// The command manages its own exit codes.
	SilenceUsage:  true,
	SilenceErrors: true,
}

func init() {
	serveCmd.Flags().StringVarP(&configPath, "config", "c", os.Getenv("SLIPWAY_CONFIG_FILE"), "Path to config file")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := LoadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(ExitConfigError)
	}

	logger := SetupLogger(cfg)
	logger.Info("starting slipway",
		"version", version,
		"config", configPath,
	)

	server, err := NewServer(cfg, logger)
	if err != nil {
		exitServerError(logger, "failed to create server", err)
	}

	if err := server.Start(context.Background()); err != nil {
		exitServerError(logger, "server error", err)
	}
	return nil
}

func exitServerError(logger interface{ Error(string, ...any) }, msg string, err error) {
	var sErr *ServerError
	if errors.As(err, &sErr) {
		logger.Error(msg, "error", sErr.Err, "operation", sErr.Op)
		os.Exit(sErr.ExitCode)
	}
	logger.Error(msg, "error", err)
	os.Exit(ExitConfigError)
}
