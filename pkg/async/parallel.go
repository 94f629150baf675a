package async

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/openfroyo/asynctest/pkg/config"
	"github.com/openfroyo/asynctest/pkg/telemetry"
)

// RunAll executes tasks against one shared deadline and returns their
// values in input order, regardless of completion order.
//
// Under the concurrent strategy tasks run on a worker pool bounded by
// MaxParallel (zero means one worker per task). Under the sequential
// strategy a single worker runs them in input order. Either way the caller
// stops waiting once the deadline passes: RunAll then cancels the batch
// context, which cooperative tasks observe through Await and WaitUntil, and
// returns a timeout *Error naming the 1-based indices that had not
// completed. Tasks are never forcibly interrupted.
//
// When every task completed and at least one failed, RunAll returns a batch
// *Error listing each failed index and its message.
func (rt *Runtime) RunAll(ctx context.Context, tasks []*Task, opts ...CallOption) ([]any, error) {
	const op = "run_all"

	if !IsActive(ctx) {
		return nil, NewContextError(op)
	}
	if len(tasks) == 0 {
		return nil, NewArgumentError(op, "task list is empty").WithCode(ErrCodeInvalidBatch)
	}
	for i, t := range tasks {
		if t == nil || t.wrapped == nil {
			return nil, NewArgumentError(op, fmt.Sprintf("task %d is not a managed task", i+1)).
				WithCode(ErrCodeInvalidBatch)
		}
	}

	o, err := rt.callOptions(op, opts)
	if err != nil {
		return nil, err
	}

	ctx, span := rt.tracer.StartBatchSpan(ctx, len(tasks), o.strategy)
	timer := telemetry.NewTimer()

	values, err := rt.runBatch(ctx, op, tasks, o)

	outcome := "ok"
	switch {
	case IsTimeout(err):
		outcome = "timeout"
	case err != nil:
		outcome = "failed"
	}
	rt.metrics.RecordBatch(o.strategy, outcome, timer.Duration())
	telemetry.EndSpan(span, err)

	if err != nil {
		zl := telemetry.FromContext(ctx).Zerolog()
		zl.Debug().
			Err(err).
			Int("tasks", len(tasks)).
			Str("strategy", o.strategy).
			Msg("Batch failed")
	}

	return values, err
}

// runBatch dispatches tasks to the worker pool and joins it against the
// deadline.
func (rt *Runtime) runBatch(ctx context.Context, op string, tasks []*Task, o callOptions) ([]any, error) {
	batchCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	workerCount := len(tasks)
	if o.strategy == config.StrategySequential {
		workerCount = 1
	} else if o.maxParallel > 0 && o.maxParallel < workerCount {
		workerCount = o.maxParallel
	}

	// Work queue in input order.
	workQueue := make(chan int, len(tasks))
	for i := range tasks {
		workQueue <- i
	}
	close(workQueue)

	var (
		mu        sync.Mutex
		results   = make([]Result, len(tasks))
		completed = make([]bool, len(tasks))
		wg        sync.WaitGroup
	)

	for w := 0; w < workerCount; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()

			for i := range workQueue {
				// Stop picking up work once the batch is abandoned.
				if batchCtx.Err() != nil {
					return
				}

				result := tasks[i].Execute(batchCtx)

				mu.Lock()
				results[i] = result
				completed[i] = true
				mu.Unlock()
			}
		}()
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	deadline := time.NewTimer(rt.threshold(o.timeout))
	defer deadline.Stop()

	select {
	case <-done:
	case <-deadline.C:
		cancel()

		mu.Lock()
		var pending []int
		for i, ok := range completed {
			if !ok {
				pending = append(pending, i+1)
			}
		}
		mu.Unlock()

		// Every task may have finished while the deadline fired.
		if len(pending) > 0 {
			return nil, NewTimeoutError(op, o.timeout).
				WithPending(pending).
				WithDetail("strategy", o.strategy)
		}
		<-done
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	var failures []TaskFailure
	values := make([]any, len(tasks))
	for i, r := range results {
		if !r.Success {
			failures = append(failures, TaskFailure{
				Index:   i + 1,
				Name:    tasks[i].Name(),
				Message: failureMessage(r.Err),
				Err:     r.Err,
			})
			continue
		}
		values[i] = r.Value
	}

	if len(failures) > 0 {
		return nil, NewBatchError(op, len(tasks), failures)
	}
	return values, nil
}
