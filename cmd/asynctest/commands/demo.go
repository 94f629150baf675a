package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/openfroyo/asynctest/pkg/async"
	"github.com/openfroyo/asynctest/pkg/config"
	"github.com/openfroyo/asynctest/pkg/lifecycle"
	"github.com/openfroyo/asynctest/pkg/telemetry"
)

func newDemoCommand() *cobra.Command {
	var (
		name         string
		traceMode    string
		otlpEndpoint string
		metricsAddr  string
		record       bool
	)

	cmd := &cobra.Command{
		Use:   "demo",
		Short: "Run a built-in suite of async tests",
		Long: `Run a built-in suite that exercises await, wait until, run all,
expected errors, timeouts and excluded cases.

Settings are read from the configuration file when it exists. Results are
recorded in the history database unless --record=false.`,
		Example: `  # Run and record the demo suite
  asynctest demo

  # Print spans and debug logs, and serve metrics while running
  asynctest demo --trace stdout --metrics-addr :9090`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			cfg := telemetry.DefaultConfig()
			if traceMode == "stdout" {
				cfg = telemetry.DevelopmentConfig()
			}
			if verbose {
				cfg.Logging.Level = "debug"
			}
			if traceMode != "none" {
				cfg.Tracing.Enabled = true
				cfg.Tracing.Exporter = traceMode
				cfg.Tracing.Endpoint = otlpEndpoint
			}

			tel, err := telemetry.NewTelemetry(cfg)
			if err != nil {
				return err
			}
			defer func() {
				shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
				defer cancel()
				if err := tel.Shutdown(shutdownCtx); err != nil {
					log.Warn().Err(err).Msg("Failed to shut down telemetry")
				}
			}()

			svc, settings, err := loadSettings()
			if err != nil {
				return err
			}
			defer settings.Detach()
			log.Debug().Str("path", svc.Path()).Interface("settings", settings.Settings().Map()).Msg("Loaded settings")

			if metricsAddr != "" {
				srv := &http.Server{Addr: metricsAddr, Handler: tel.Metrics.Handler(), ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						log.Error().Err(err).Msg("Metrics server failed")
					}
				}()
				defer srv.Close()
				log.Info().Str("addr", metricsAddr).Msg("Serving metrics")
			}

			rt := async.New(async.WithConfig(settings), async.WithTelemetry(tel))

			runID := uuid.New().String()
			opts := []lifecycle.Option{
				lifecycle.WithEvents(tel.Events),
				lifecycle.WithRunID(runID),
				lifecycle.WithRunName(name),
			}
			if record {
				store, err := openStore(ctx)
				if err != nil {
					return err
				}
				defer store.Close()
				opts = append(opts, lifecycle.WithRecorder(store))
				tel.Events.Subscribe(store.EventSubscriber(log.Logger), telemetry.FilterByRunID(runID))
			}

			var (
				leakMu sync.Mutex
				leaked []string
			)
			tel.Events.Subscribe(func(e telemetry.Event) {
				leakMu.Lock()
				defer leakMu.Unlock()
				leaked = append(leaked, e.Test)
			}, telemetry.FilterByType(telemetry.EventTypeContextLeak))

			c := lifecycle.NewCollector()
			d := lifecycle.New(rt, c, opts...)
			declareDemoSuite(rt, d)

			if err := d.Start(ctx); err != nil {
				return err
			}
			results := c.Run(ctx)
			summary, err := d.Finish(ctx)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(cmd.OutOrStdout(), struct {
					RunID   string            `json:"run_id"`
					Summary lifecycle.Summary `json:"summary"`
				}{d.RunID(), summary})
			}

			out := cmd.OutOrStdout()
			for _, r := range results {
				switch {
				case r.Skipped:
					fmt.Fprintf(out, "SKIP  %s\n", r.Name)
				case r.Err != nil:
					fmt.Fprintf(out, "FAIL  %s (%s)\n      %v\n", r.Name, r.Duration.Round(time.Millisecond), r.Err)
				default:
					fmt.Fprintf(out, "PASS  %s (%s)\n", r.Name, r.Duration.Round(time.Millisecond))
				}
			}
			leakMu.Lock()
			for _, test := range leaked {
				fmt.Fprintf(out, "WARN  %s left managed tasks running\n", test)
			}
			leakMu.Unlock()
			fmt.Fprintf(out, "\nRun %s: %d passed, %d failed, %d timed out, %d skipped\n",
				d.RunID(), summary.Passed, summary.Failed, summary.TimedOut, summary.Skipped)
			return nil
		},
	}

	cmd.Flags().StringVar(&name, "name", "demo", "run name")
	cmd.Flags().StringVar(&traceMode, "trace", "none", "span exporter (none, stdout, otlp)")
	cmd.Flags().StringVar(&otlpEndpoint, "otlp-endpoint", "localhost:4317", "OTLP collector endpoint")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address")
	cmd.Flags().BoolVar(&record, "record", true, "record results in the history database")

	return cmd
}

// declareDemoSuite declares the demo cases on d.
func declareDemoSuite(rt *async.Runtime, d *lifecycle.Declarer) {
	d.Describe("suspension", func() {
		d.It("awaits a duration", func(ctx context.Context) error {
			return rt.Await(ctx, 20*time.Millisecond)
		})

		d.It("waits until a condition holds", func(ctx context.Context) error {
			var ready atomic.Bool
			time.AfterFunc(30*time.Millisecond, func() { ready.Store(true) })
			if err := rt.WaitUntil(ctx, ready.Load, async.WithTimeout(time.Second)); err != nil {
				return err
			}
			telemetry.FromContext(ctx).Debug("Condition held")
			return nil
		})

		d.It("reports a condition that never holds", func(ctx context.Context) error {
			return rt.WaitUntil(ctx, func() bool { return false }, async.WithTimeout(50*time.Millisecond))
		}, lifecycle.ExpectError())
	})

	d.Describe("batches", func() {
		square := rt.Wrap(func(ctx context.Context, args ...any) (any, error) {
			n := args[0].(int)
			if err := rt.Await(ctx, time.Duration(10*n)*time.Millisecond); err != nil {
				return nil, err
			}
			return n * n, nil
		}, async.WithName("square"))

		batch := func() []*async.Task {
			return []*async.Task{square.Bind(3), square.Bind(1), square.Bind(2)}
		}

		check := func(values []any) error {
			for i, want := range []int{9, 1, 4} {
				if values[i] != want {
					return fmt.Errorf("value %d = %v, want %d", i+1, values[i], want)
				}
			}
			return nil
		}

		d.It("runs tasks concurrently in input order", func(ctx context.Context) error {
			values, err := rt.RunAll(ctx, batch(), async.WithStrategy(config.StrategyConcurrent))
			if err != nil {
				return err
			}
			return check(values)
		})

		d.It("runs tasks sequentially", func(ctx context.Context) error {
			values, err := rt.RunAll(ctx, batch(), async.WithStrategy(config.StrategySequential))
			if err != nil {
				return err
			}
			return check(values)
		})

		d.It("names pending tasks on timeout", func(ctx context.Context) error {
			_, err := rt.RunAll(ctx, batch(), async.WithTimeout(15*time.Millisecond))
			if !async.IsTimeout(err) {
				return fmt.Errorf("expected a timeout, got %v", err)
			}
			return nil
		})
	})

	d.Describe("deadlines", func() {
		d.It("times out a slow test", func(ctx context.Context) error {
			return rt.Await(ctx, time.Second)
		}, lifecycle.WithTimeout(50*time.Millisecond))

		d.XIt("is not ready yet", func(ctx context.Context) error {
			return errors.New("not implemented")
		})
	})
}
