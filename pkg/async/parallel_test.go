package async

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/openfroyo/asynctest/pkg/config"
	"github.com/openfroyo/asynctest/pkg/telemetry"
)

// sleepTask returns a task that awaits d and then produces v.
func sleepTask(rt *Runtime, d time.Duration, v any) *Task {
	return rt.Wrap(func(ctx context.Context, _ ...any) (any, error) {
		if err := rt.Await(ctx, d); err != nil {
			return nil, err
		}
		return v, nil
	}).Bind()
}

func TestRunAll_PreservesInputOrder(t *testing.T) {
	rt := New()

	for _, strategy := range []string{config.StrategyConcurrent, config.StrategySequential} {
		t.Run(strategy, func(t *testing.T) {
			var values []any
			err := runInTask(t, rt, func(ctx context.Context) error {
				var err error
				values, err = rt.RunAll(ctx, []*Task{
					sleepTask(rt, 30*time.Millisecond, "A"),
					sleepTask(rt, 10*time.Millisecond, "B"),
					valueTask(rt, "C"),
				}, WithTimeout(time.Second), WithStrategy(strategy))
				return err
			})
			if err != nil {
				t.Fatalf("RunAll() error = %v", err)
			}

			want := []any{"A", "B", "C"}
			if !reflect.DeepEqual(values, want) {
				t.Errorf("RunAll() = %v, want %v", values, want)
			}
		})
	}
}

func TestRunAll_AggregatesFailures(t *testing.T) {
	rt := New()
	boom := errors.New("boom")

	failing := rt.Wrap(func(context.Context, ...any) (any, error) {
		return nil, boom
	})

	err := runInTask(t, rt, func(ctx context.Context) error {
		_, err := rt.RunAll(ctx, []*Task{valueTask(rt, "ok"), failing.Bind()},
			WithTimeout(200*time.Millisecond))
		return err
	})

	if !IsBatch(err) {
		t.Fatalf("RunAll() error = %v, want batch error", err)
	}
	msg := err.Error()
	if !strings.Contains(msg, "task 2") || !strings.Contains(msg, "boom") {
		t.Errorf("Error() = %q, want index 2 and boom", msg)
	}

	var e *Error
	errors.As(err, &e)
	if len(e.Failures) != 1 || e.Failures[0].Index != 2 || e.Failures[0].Message != "boom" {
		t.Errorf("Failures = %+v", e.Failures)
	}
	if !errors.Is(err, boom) {
		t.Error("batch error should wrap task errors")
	}
}

func TestRunAll_ListsEveryFailure(t *testing.T) {
	rt := New()
	fail := func(msg string) *Task {
		return rt.Wrap(func(context.Context, ...any) (any, error) {
			return nil, errors.New(msg)
		}, WithName(msg)).Bind()
	}

	err := runInTask(t, rt, func(ctx context.Context) error {
		_, err := rt.RunAll(ctx, []*Task{fail("first"), valueTask(rt, 1), fail("third")})
		return err
	})

	var e *Error
	if !errors.As(err, &e) || e.Class != ClassBatch {
		t.Fatalf("RunAll() error = %v, want batch error", err)
	}
	got := []int{e.Failures[0].Index, e.Failures[1].Index}
	if !reflect.DeepEqual(got, []int{1, 3}) {
		t.Errorf("failed indices = %v, want [1 3]", got)
	}
	want := "[batch] run_all: 2 of 3 tasks failed: task 1 (first): first; task 3 (third): third"
	if e.Error() != want {
		t.Errorf("Error() = %q, want %q", e.Error(), want)
	}
}

func TestRunAll_TimeoutNamesPendingTasks(t *testing.T) {
	rt := New()
	slow := sleepTask(rt, 500*time.Millisecond, "slow")

	start := time.Now()
	err := runInTask(t, rt, func(ctx context.Context) error {
		_, err := rt.RunAll(ctx, []*Task{slow}, WithTimeout(10*time.Millisecond))
		return err
	})
	elapsed := time.Since(start)

	if !IsTimeout(err) {
		t.Fatalf("RunAll() error = %v, want timeout", err)
	}
	var e *Error
	errors.As(err, &e)
	if !reflect.DeepEqual(e.Pending, []int{1}) {
		t.Errorf("Pending = %v, want [1]", e.Pending)
	}
	if e.Limit != 10*time.Millisecond {
		t.Errorf("Limit = %v, want 10ms", e.Limit)
	}
	if !strings.Contains(e.Error(), "pending tasks [1]") {
		t.Errorf("Error() = %q", e.Error())
	}
	if elapsed >= 400*time.Millisecond {
		t.Errorf("RunAll() waited %v past its deadline", elapsed)
	}

	// The abandoned task sees the batch context cancelled.
	select {
	case <-slow.Done():
	case <-time.After(time.Second):
		t.Fatal("slow task did not observe cancellation")
	}
	res, _ := slow.Result()
	if !errors.Is(res.Err, context.Canceled) {
		t.Errorf("slow task error = %v, want context.Canceled", res.Err)
	}
}

func TestRunAll_TimeoutWithPartialCompletion(t *testing.T) {
	rt := New()

	for _, strategy := range []string{config.StrategyConcurrent, config.StrategySequential} {
		t.Run(strategy, func(t *testing.T) {
			err := runInTask(t, rt, func(ctx context.Context) error {
				_, err := rt.RunAll(ctx, []*Task{
					valueTask(rt, "fast"),
					sleepTask(rt, time.Second, "slow"),
					sleepTask(rt, time.Second, "slower"),
				}, WithTimeout(30*time.Millisecond), WithStrategy(strategy))
				return err
			})

			var e *Error
			if !errors.As(err, &e) || e.Class != ClassTimeout {
				t.Fatalf("RunAll() error = %v, want timeout", err)
			}
			if !reflect.DeepEqual(e.Pending, []int{2, 3}) {
				t.Errorf("Pending = %v, want [2 3]", e.Pending)
			}
		})
	}
}

func TestRunAll_SequentialRunsInInputOrder(t *testing.T) {
	rt := New()
	var (
		mu    sync.Mutex
		order []int
	)
	record := rt.Wrap(func(ctx context.Context, args ...any) (any, error) {
		mu.Lock()
		order = append(order, args[0].(int))
		mu.Unlock()
		return nil, rt.Await(ctx, time.Duration(5-args[0].(int))*time.Millisecond)
	})

	err := runInTask(t, rt, func(ctx context.Context) error {
		_, err := rt.RunAll(ctx, []*Task{record.Bind(1), record.Bind(2), record.Bind(3)},
			WithStrategy(config.StrategySequential))
		return err
	})
	if err != nil {
		t.Fatalf("RunAll() error = %v", err)
	}
	if !reflect.DeepEqual(order, []int{1, 2, 3}) {
		t.Errorf("execution order = %v, want [1 2 3]", order)
	}
}

func TestRunAll_MaxParallelBound(t *testing.T) {
	rt := New()
	if err := rt.Config().Set(config.KeyMaxParallel, 2); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	var running, peak atomic.Int32
	work := rt.Wrap(func(ctx context.Context, _ ...any) (any, error) {
		n := running.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		defer running.Add(-1)
		return nil, rt.Await(ctx, 10*time.Millisecond)
	})

	tasks := make([]*Task, 6)
	for i := range tasks {
		tasks[i] = work.Bind()
	}

	err := runInTask(t, rt, func(ctx context.Context) error {
		_, err := rt.RunAll(ctx, tasks)
		return err
	})
	if err != nil {
		t.Fatalf("RunAll() error = %v", err)
	}
	if peak.Load() > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", peak.Load())
	}
}

func TestRunAll_InvalidArguments(t *testing.T) {
	rt := New()

	if _, err := rt.RunAll(context.Background(), []*Task{valueTask(rt, 1)}); !IsContext(err) {
		t.Errorf("RunAll() outside a task error = %v, want context error", err)
	}

	tests := []struct {
		name  string
		tasks []*Task
		opts  []CallOption
	}{
		{name: "empty", tasks: nil},
		{name: "nil task", tasks: []*Task{valueTask(rt, 1), nil}},
		{name: "zero value task", tasks: []*Task{{}}},
		{name: "zero timeout", tasks: []*Task{valueTask(rt, 1)}, opts: []CallOption{WithTimeout(0)}},
		{name: "unknown strategy", tasks: []*Task{valueTask(rt, 1)}, opts: []CallOption{WithStrategy("random")}},
		{name: "negative parallelism", tasks: []*Task{valueTask(rt, 1)}, opts: []CallOption{WithMaxParallel(-1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := runInTask(t, rt, func(ctx context.Context) error {
				_, err := rt.RunAll(ctx, tt.tasks, tt.opts...)
				return err
			})
			if !IsArgument(err) {
				t.Errorf("RunAll() error = %v, want argument error", err)
			}
		})
	}
}

func TestRunAll_TasksSeeActiveContext(t *testing.T) {
	rt := New()
	var depth atomic.Int32

	inspect := rt.Wrap(func(ctx context.Context, _ ...any) (any, error) {
		depth.Store(int32(Depth(ctx)))
		return IsActive(ctx), nil
	})

	var values []any
	err := runInTask(t, rt, func(ctx context.Context) error {
		var err error
		values, err = rt.RunAll(ctx, []*Task{inspect.Bind()})
		return err
	})
	if err != nil {
		t.Fatalf("RunAll() error = %v", err)
	}
	if values[0] != true || depth.Load() != 2 {
		t.Errorf("task saw active=%v depth=%d", values[0], depth.Load())
	}
}

func TestRunAll_TaskTimeoutIsBatchFailure(t *testing.T) {
	tel, err := telemetry.NewTelemetry(telemetry.DefaultConfig())
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	defer tel.Shutdown(context.Background())

	rt := New(WithTelemetry(tel))
	stuck := rt.Wrap(func(ctx context.Context, _ ...any) (any, error) {
		return nil, rt.WaitUntil(ctx, func() bool { return false },
			WithTimeout(5*time.Millisecond), WithInterval(time.Millisecond))
	}, WithName("stuck")).Bind()

	err = runInTask(t, rt, func(ctx context.Context) error {
		_, err := rt.RunAll(ctx, []*Task{valueTask(rt, "a"), stuck}, WithTimeout(time.Second))
		return err
	})

	if !IsBatch(err) {
		t.Fatalf("RunAll() error = %v, want batch error", err)
	}
	if IsTimeout(err) {
		t.Errorf("IsTimeout(%v) = true, a task timeout is not the batch deadline", err)
	}
	if !errors.Is(err, ErrTimeout) {
		t.Errorf("errors.Is(%v, ErrTimeout) = false, want the task timeout reachable", err)
	}

	families, err := tel.Metrics.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}
	outcomes := map[string]float64{}
	for _, mf := range families {
		if mf.GetName() != "asynctest_batches_total" {
			continue
		}
		for _, m := range mf.GetMetric() {
			for _, l := range m.GetLabel() {
				if l.GetName() == "outcome" {
					outcomes[l.GetValue()] += m.GetCounter().GetValue()
				}
			}
		}
	}
	if outcomes["failed"] != 1 || outcomes["timeout"] != 0 {
		t.Errorf("batch outcomes = %v, want one failed", outcomes)
	}
}
