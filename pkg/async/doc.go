// Package async is the execution core of asynctest: it turns ordinary
// functions into managed tasks, provides suspension primitives that are
// only legal inside a task, and runs batches of tasks against a shared
// deadline.
//
// # Tasks
//
// [Runtime.Wrap] adapts a [Func]. Binding arguments yields a [Task] that
// runs nothing until executed:
//
//	fetch := async.Wrap(func(ctx context.Context, args ...any) (any, error) {
//	    return client.Get(ctx, args[0].(string))
//	}, async.WithName("fetch"))
//
//	task := fetch.Bind("/health")
//	result := task.Execute(ctx)
//
// Execution never propagates a failure: a returned error or a panic is
// captured in [Result] as an execution [Error].
//
// # Active context
//
// A task body receives a context marked as active. [IsActive] reports the
// marker; [Runtime.Await], [Runtime.WaitUntil] and [Runtime.RunAll] fail
// with a context [Error] when it is absent. The marker lives in a derived
// context, so the caller's context is never modified and nesting restores
// itself. [InFlight] counts executing tasks process-wide and a [Scope]
// counts those started under one context.
//
// # Batches
//
//	values, err := async.RunAll(ctx, []*async.Task{
//	    fetch.Bind("/a"), fetch.Bind("/b"),
//	}, async.WithTimeout(200*time.Millisecond))
//
// Values come back in input order. A deadline miss yields a timeout
// [Error] whose Pending field lists 1-based indices; task failures yield a
// batch [Error] whose Failures field lists every failed index.
//
// # Configuration
//
// Default timeouts, polling interval, strategy and diagnostic flags come
// from a [config.Store]. The package-level functions use [Default]; tests
// that need isolation create their own runtime with [New].
package async
