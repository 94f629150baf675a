package async

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
)

func TestWrap_DeferredExecution(t *testing.T) {
	rt := New()
	var calls atomic.Int32

	w := rt.Wrap(func(_ context.Context, args ...any) (any, error) {
		calls.Add(1)
		return args[0].(int) + args[1].(int), nil
	}, WithName("sum"))

	task := w.Bind(2, 3)
	if calls.Load() != 0 {
		t.Fatal("Bind() must not run the function")
	}
	if task.State() != StateCreated {
		t.Errorf("State() = %v, want created", task.State())
	}
	if _, ok := task.Result(); ok {
		t.Error("Result() should report an unfinished task")
	}

	res := task.Execute(context.Background())
	if !res.Success || res.Value != 5 {
		t.Fatalf("Execute() = %+v, want success with 5", res)
	}
	if res.TaskID != task.ID() || task.ID() == "" {
		t.Errorf("TaskID = %q, ID() = %q", res.TaskID, task.ID())
	}
	if task.State() != StateSucceeded {
		t.Errorf("State() = %v, want succeeded", task.State())
	}
	if task.Name() != "sum" || w.Name() != "sum" {
		t.Errorf("Name() = %q", task.Name())
	}

	again := task.Execute(context.Background())
	if calls.Load() != 1 {
		t.Errorf("function ran %d times, want 1", calls.Load())
	}
	if again.Value != res.Value {
		t.Errorf("second Execute() = %+v, want recorded result", again)
	}
	select {
	case <-task.Done():
	default:
		t.Error("Done() should be closed after execution")
	}
}

func TestTask_ExecuteOnceUnderConcurrency(t *testing.T) {
	rt := New()
	var calls atomic.Int32
	task := rt.Wrap(func(context.Context, ...any) (any, error) {
		calls.Add(1)
		return "once", nil
	}).Bind()

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if res := task.Execute(context.Background()); res.Value != "once" {
				t.Errorf("Execute() = %+v", res)
			}
		}()
	}
	wg.Wait()

	if calls.Load() != 1 {
		t.Errorf("function ran %d times, want 1", calls.Load())
	}
}

func TestTask_ErrorCaptured(t *testing.T) {
	rt := New()
	boom := errors.New("boom")

	res := rt.Wrap(func(context.Context, ...any) (any, error) {
		return "ignored", boom
	}, WithName("explode")).Call(context.Background())

	if res.Success {
		t.Fatal("expected failure")
	}
	if res.Value != nil {
		t.Errorf("Value = %v, want nil on failure", res.Value)
	}
	if !IsExecution(res.Err) {
		t.Errorf("expected execution error, got %v", res.Err)
	}
	if !errors.Is(res.Err, boom) {
		t.Error("execution error should wrap the returned error")
	}
	if got := res.Err.Error(); got != "[execution] task explode failed: boom" {
		t.Errorf("Error() = %q", got)
	}
}

func TestTask_PanicCaptured(t *testing.T) {
	rt := New()

	task := rt.Wrap(func(context.Context, ...any) (any, error) {
		panic("kaboom")
	}).Bind()
	res := task.Execute(context.Background())

	if res.Success {
		t.Fatal("expected failure")
	}
	if task.State() != StateFailed {
		t.Errorf("State() = %v, want failed", task.State())
	}

	var e *Error
	if !errors.As(res.Err, &e) {
		t.Fatalf("expected *Error, got %T", res.Err)
	}
	if e.Code != ErrCodePanic {
		t.Errorf("Code = %q, want %q", e.Code, ErrCodePanic)
	}
	if len(e.Stack) == 0 {
		t.Error("panic stack not captured")
	}
	if !strings.Contains(e.Error(), "kaboom") {
		t.Errorf("Error() = %q, want panic value", e.Error())
	}
}

func TestTask_NilFunction(t *testing.T) {
	res := New().Wrap(nil).Call(context.Background())
	if res.Success || !IsExecution(res.Err) {
		t.Errorf("Call() = %+v, want execution error", res)
	}
}

func TestIsTask(t *testing.T) {
	rt := New()
	w := rt.Wrap(func(context.Context, ...any) (any, error) { return nil, nil })

	var plain Func = func(context.Context, ...any) (any, error) { return nil, nil }
	var nilWrapped *Wrapped

	tests := []struct {
		name string
		v    any
		want bool
	}{
		{name: "wrapped", v: w, want: true},
		{name: "bound task", v: w.Bind(1), want: true},
		{name: "plain func with same signature", v: plain, want: false},
		{name: "unrelated func", v: func() {}, want: false},
		{name: "nil wrapped", v: nilWrapped, want: false},
		{name: "nil", v: nil, want: false},
		{name: "string", v: "task", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsTask(tt.v); got != tt.want {
				t.Errorf("IsTask() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNestingRestoresActiveState(t *testing.T) {
	rt := New()
	ctx, scope := NewScope(context.Background())

	var (
		outerActive, innerActive    bool
		innerDepth, depthAfterInner int
		activeAfterInner            bool
	)

	inner := rt.Wrap(func(ctx context.Context, _ ...any) (any, error) {
		innerActive = IsActive(ctx)
		innerDepth = Depth(ctx)
		return nil, errors.New("inner fails")
	})

	outer := rt.Wrap(func(ctx context.Context, _ ...any) (any, error) {
		outerActive = IsActive(ctx)
		if res := inner.Call(ctx); res.Success {
			t.Error("inner task should fail")
		}
		activeAfterInner = IsActive(ctx)
		depthAfterInner = Depth(ctx)
		return nil, nil
	})

	if IsActive(ctx) {
		t.Fatal("context active before any task ran")
	}

	if res := outer.Call(ctx); !res.Success {
		t.Fatalf("outer task failed: %v", res.Err)
	}

	if !outerActive || !innerActive {
		t.Errorf("active inside bodies: outer=%v inner=%v, want true", outerActive, innerActive)
	}
	if innerDepth != 2 {
		t.Errorf("inner depth = %d, want 2", innerDepth)
	}
	if !activeAfterInner || depthAfterInner != 1 {
		t.Errorf("after inner: active=%v depth=%d, want true/1", activeAfterInner, depthAfterInner)
	}
	if IsActive(ctx) {
		t.Error("caller context active after the outer task returned")
	}
	if scope.InFlight() != 0 {
		t.Errorf("scope in-flight = %d, want 0", scope.InFlight())
	}
	if scope.Started() != 2 {
		t.Errorf("scope started = %d, want 2", scope.Started())
	}
}

func TestCurrentTask(t *testing.T) {
	rt := New()
	var seen *Task

	task := rt.Wrap(func(ctx context.Context, _ ...any) (any, error) {
		seen = CurrentTask(ctx)
		return nil, nil
	}).Bind()
	task.Execute(context.Background())

	if seen != task {
		t.Error("CurrentTask() should return the running task")
	}
	if CurrentTask(context.Background()) != nil {
		t.Error("CurrentTask() outside a task should be nil")
	}
}

func TestStateString(t *testing.T) {
	if StateRunning.String() != "running" || State(42).String() != "State(42)" {
		t.Errorf("unexpected state names: %s %s", StateRunning, State(42))
	}
}
