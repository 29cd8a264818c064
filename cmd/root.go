// Package cmd wires the minirag subcommands: the API server, the
// ingestion worker, schema migration and tenant administration.
package cmd

import (
	"log/slog"
	"strings"

	"github.com/spf13/cobra"

	"github.com/minirag/minirag/internal/log"
)

var (
	flagLogLevel string
	flagLogJSON  bool
)

var rootCmd = &cobra.Command{
	Use:   "minirag",
	Short: "minirag - multi-tenant retrieval-augmented chat backend",
	Long: `minirag ingests tenant knowledge sources into a vector index and
answers chat turns grounded in the retrieved passages.

Run "minirag serve" for the HTTP API and "minirag worker" for the
ingestion worker. Both can run in the same process group or scale
independently.`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagLogLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVar(&flagLogJSON, "log-json", false, "emit logs as JSON")
}

// newLogger builds the process logger from the persistent flags.
func newLogger() log.Logger {
	level := slog.LevelInfo
	switch strings.ToLower(flagLogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	}
	return log.New(log.Config{Level: level, JSON: flagLogJSON})
}
