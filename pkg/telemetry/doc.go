// Package telemetry provides observability for the async test runtime.
//
// It bundles structured logging (zerolog), tracing (OpenTelemetry), metrics
// (Prometheus) and a small event publisher into a [Telemetry] value that the
// runtime and the lifecycle integration share.
//
// # Usage
//
//	cfg := telemetry.DevelopmentConfig()
//	tel, err := telemetry.NewTelemetry(cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer tel.Shutdown(context.Background())
//
//	rt := async.New(async.WithTelemetry(tel))
//
// Every component also works without telemetry: [Nop] returns an instance
// whose logger discards output, whose tracer never records and whose metrics
// and events are disabled.
//
// # Metrics
//
// The collector registers on a private registry, exposed through
// [Metrics.Registry] and [Metrics.Handler]:
//
//   - tasks_executed_total{status}, task_duration_seconds{status}, tasks_in_flight
//   - batches_total{strategy,outcome}, batch_duration_seconds{strategy}
//   - waits_total{primitive,outcome}, wait_polls_total
//   - tests_total{outcome}, test_duration_seconds{outcome}
//
// # Events
//
// The lifecycle integration publishes test.* and run.* events. Subscribers
// such as the SQLite history store receive them synchronously unless
// EventsConfig.EnableAsync is set.
package telemetry
