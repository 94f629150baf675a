// Package lifecycle integrates managed async tasks with a test-declaration
// API.
//
// A Declarer wraps every test body in a managed task and enforces a
// per-test deadline. Because a body cannot be forcibly interrupted, a test
// that outlives its deadline is reported as timed out and its context is
// cancelled while the body keeps running to completion on its own.
//
// Focused and excluded variants (FIt, XIt, FDescribe, XDescribe) only set
// flags; the Registrar decides which cases run. Collector is a Registrar
// that runs declared cases directly or as nested Go subtests:
//
//	c := lifecycle.NewCollector()
//	d := lifecycle.New(rt, c)
//	d.Describe("queue", func() {
//		d.It("drains", func(ctx context.Context) error {
//			return async.WaitUntil(ctx, q.Empty)
//		}, lifecycle.WithTimeout(time.Second))
//	})
//	c.RunTests(t)
//
// Results can be persisted by passing WithRecorder and published as
// telemetry events with WithEvents. Declarer.Finish records every declared
// case the Registrar did not run as skipped, so run summaries count excluded
// cases, cases in excluded suites and cases left out by focus alike.
package lifecycle
