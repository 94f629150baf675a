package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/asynctest/pkg/lifecycle"
	"github.com/openfroyo/asynctest/pkg/stores"
)

func newHistoryCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Browse recorded test runs",
	}

	cmd.AddCommand(newHistoryListCommand())
	cmd.AddCommand(newHistoryShowCommand())
	cmd.AddCommand(newHistoryEventsCommand())
	cmd.AddCommand(newHistoryPruneCommand())

	return cmd
}

func newHistoryListCommand() *cobra.Command {
	var limit, offset int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List recorded runs, most recent first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			runs, err := store.ListRuns(cmd.Context(), limit, offset)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), runs)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tSTARTED\tPASSED\tFAILED\tTIMED OUT\tSKIPPED")
			for _, r := range runs {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%d\t%d\t%d\t%d\n",
					r.ID, r.Name, r.Status, r.StartedAt.Format(time.RFC3339),
					r.Passed, r.Failed, r.TimedOut, r.Skipped)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of runs")
	cmd.Flags().IntVar(&offset, "offset", 0, "number of runs to skip")

	return cmd
}

func newHistoryShowCommand() *cobra.Command {
	var outcome string

	cmd := &cobra.Command{
		Use:   "show RUN_ID",
		Short: "Show the test results of a run",
		Example: `  asynctest history show 5f0c...
  asynctest history show 5f0c... --outcome timed_out`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			var filter *lifecycle.Outcome
			if outcome != "" {
				o := lifecycle.Outcome(outcome)
				filter = &o
			}
			results, err := store.ListTestResults(cmd.Context(), run.ID, filter)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), struct {
					Run     *stores.Run           `json:"run"`
					Results []*stores.TestResult `json:"results"`
				}{run, results})
			}

			fmt.Fprintf(cmd.OutOrStdout(), "Run %s (%s): %s, %d tests\n", run.ID, run.Name, run.Status, run.Total)
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "OUTCOME\tDURATION\tTEST\tERROR")
			for _, r := range results {
				errMsg := ""
				if r.Error != nil {
					errMsg = *r.Error
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", r.Outcome, r.Duration.Round(time.Microsecond), r.Description, errMsg)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&outcome, "outcome", "", "only show results with this outcome (passed, failed, timed_out, skipped)")

	return cmd
}

func newHistoryEventsCommand() *cobra.Command {
	var (
		eventType string
		level     string
		limit     int
	)

	cmd := &cobra.Command{
		Use:   "events [RUN_ID]",
		Short: "Show recorded lifecycle events",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			var filter stores.EventFilter
			if len(args) == 1 {
				filter.RunID = &args[0]
			}
			if eventType != "" {
				filter.Type = &eventType
			}
			if level != "" {
				filter.Level = &level
			}

			events, err := store.GetEvents(cmd.Context(), filter, limit, 0)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), events)
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "TIME\tLEVEL\tTYPE\tMESSAGE")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.Timestamp.Format(time.RFC3339Nano), e.Level, e.Type, e.Message)
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&eventType, "type", "", "only show events of this type")
	cmd.Flags().StringVar(&level, "level", "", "only show events of this level")
	cmd.Flags().IntVar(&limit, "limit", 100, "maximum number of events")

	return cmd
}

func newHistoryPruneCommand() *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete runs older than a given age",
		RunE: func(cmd *cobra.Command, args []string) error {
			if olderThan <= 0 {
				return fmt.Errorf("--older-than must be positive")
			}

			store, err := openStore(cmd.Context())
			if err != nil {
				return err
			}
			defer store.Close()

			deleted, err := store.DeleteRunsBefore(cmd.Context(), time.Now().Add(-olderThan))
			if err != nil {
				return err
			}

			log.Info().Int64("deleted", deleted).Dur("older_than", olderThan).Msg("Pruned run history")
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 30*24*time.Hour, "age of the runs to delete")

	return cmd
}
