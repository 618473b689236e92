package main

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settle",
		Short: "Measure how long page navigations take to settle",
		Long: `settle loads pages in headless Chrome and reports, for the initial load and for
single-page-application route changes, the time until all triggered resources have
finished loading and nothing new has loaded for a quiet period.`,
		SilenceUsage: true,
	}

	cmd.PersistentFlags().String("log-level", "info", "Log level (trace, debug, info, warn, error)")
	cmd.PersistentFlags().Bool("log-json", false, "Write logs as JSON instead of console output")

	cmd.AddCommand(newMeasureCmd())
	cmd.AddCommand(newInitCmd())
	return cmd
}

// newLogger builds the root logger from the persistent flags.
func newLogger(cmd *cobra.Command) zerolog.Logger {
	levelStr, _ := cmd.Flags().GetString("log-level")
	asJSON, _ := cmd.Flags().GetBool("log-json")

	level, err := zerolog.ParseLevel(levelStr)
	if err != nil {
		level = zerolog.InfoLevel
	}

	var w io.Writer = cmd.ErrOrStderr()
	if !asJSON {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.TimeOnly}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
