package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/asynctest/pkg/stores"
)

var (
	// Global flags
	configPath string
	dbPath     string
	verbose    bool
	jsonOutput bool
)

// Execute runs the root command
func Execute(ctx context.Context, version, commit, buildDate string) error {
	rootCmd := newRootCommand(version, commit, buildDate)
	return rootCmd.ExecuteContext(ctx)
}

func newRootCommand(version, commit, buildDate string) *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "asynctest",
		Short: "asynctest - async task runtime for test suites",
		Long: `asynctest runs test bodies as managed async tasks with deadlines.

Features:
  - Suspension primitives (await, wait until) bound to managed tasks
  - Batches of tasks joined against one shared deadline
  - Per-test timeouts, focused and excluded cases
  - Central configuration from YAML or CUE files, reloaded on change
  - Run history in SQLite, Prometheus metrics and OpenTelemetry traces`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, buildDate),
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				zerolog.SetGlobalLevel(zerolog.DebugLevel)
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "asynctest.yaml", "configuration file (YAML or CUE)")
	rootCmd.PersistentFlags().StringVar(&dbPath, "db", "asynctest.db", "run history database")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable verbose output")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")

	rootCmd.AddCommand(newConfigCommand())
	rootCmd.AddCommand(newHistoryCommand())
	rootCmd.AddCommand(newDemoCommand())

	return rootCmd
}

// openStore opens and migrates the history database.
func openStore(ctx context.Context) (*stores.SQLiteStore, error) {
	store, err := stores.NewSQLiteStore(stores.Config{Path: dbPath})
	if err != nil {
		return nil, err
	}
	if err := store.Init(ctx); err != nil {
		return nil, err
	}
	if err := store.Migrate(ctx); err != nil {
		_ = store.Close()
		return nil, err
	}

	log.Debug().Str("path", dbPath).Msg("Opened history database")
	return store, nil
}

// writeJSON prints v as indented JSON.
func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
