package async

import (
	"context"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"

	"github.com/openfroyo/asynctest/pkg/telemetry"
)

// Func is the signature of a function managed by the runtime. ctx is the
// task's context: suspension primitives called with it are legal.
type Func func(ctx context.Context, args ...any) (any, error)

// State is the lifecycle state of a task.
type State int32

const (
	StateCreated State = iota
	StateRunning
	StateSucceeded
	StateFailed
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateCreated:
		return "created"
	case StateRunning:
		return "running"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Result is the uniform outcome of a task execution. Failures are returned
// as data; Err is an *Error of class ClassExecution when Success is false.
type Result struct {
	TaskID    string
	Success   bool
	Value     any
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

// Wrapped is a function adapted by Wrap. Binding arguments to it yields a
// Task; calling it does not run anything until the Task is executed.
type Wrapped struct {
	rt   *Runtime
	fn   Func
	name string
}

// WrapOption configures a wrapped function.
type WrapOption func(*Wrapped)

// WithName names the tasks produced by a wrapped function. The name shows
// up in logs, spans and batch failure messages.
func WithName(name string) WrapOption {
	return func(w *Wrapped) {
		w.name = name
	}
}

// Name returns the configured name.
func (w *Wrapped) Name() string {
	return w.name
}

// Bind captures args and returns the task that will run fn with them.
func (w *Wrapped) Bind(args ...any) *Task {
	return &Task{
		id:      uuid.New().String(),
		wrapped: w,
		args:    args,
		done:    make(chan struct{}),
	}
}

// Call binds args and executes the task immediately.
func (w *Wrapped) Call(ctx context.Context, args ...any) Result {
	return w.Bind(args...).Execute(ctx)
}

// Task is a deferred unit of managed work. A task executes at most once;
// later executions return the recorded result.
type Task struct {
	id      string
	wrapped *Wrapped
	args    []any

	state  atomic.Int32
	once   sync.Once
	done   chan struct{}
	result Result
}

// ID returns the unique task identifier.
func (t *Task) ID() string {
	return t.id
}

// Name returns the name of the wrapped function, if any.
func (t *Task) Name() string {
	return t.wrapped.name
}

// State returns the current lifecycle state.
func (t *Task) State() State {
	return State(t.state.Load())
}

// Done is closed once the task has finished executing.
func (t *Task) Done() <-chan struct{} {
	return t.done
}

// Result returns the recorded result and whether the task has finished.
func (t *Task) Result() (Result, bool) {
	select {
	case <-t.done:
		return t.result, true
	default:
		return Result{}, false
	}
}

// Execute runs the task in a managed context derived from ctx. Errors and
// panics of the wrapped function are captured in the result and never
// propagate. ctx itself is left untouched, so the caller's view of
// IsActive is the same before and after.
func (t *Task) Execute(ctx context.Context) Result {
	t.once.Do(func() {
		t.result = t.run(ctx)
		close(t.done)
	})
	return t.result
}

func (t *Task) run(ctx context.Context) Result {
	rt := t.wrapped.rt
	settings := rt.config.Settings()

	logger := rt.log.WithTaskID(t.id)
	if name := t.Name(); name != "" {
		logger = logger.WithField("task", name)
	}

	taskCtx := logger.WithContext(enter(ctx, t))

	var span trace.Span
	if settings.Diagnostics.TraceTasks {
		taskCtx, span = rt.tracer.StartTaskSpan(taskCtx, t.id, t.Name())
	}

	taskStarted(taskCtx)
	defer taskFinished(taskCtx)
	rt.metrics.RecordTaskStarted()
	t.state.Store(int32(StateRunning))

	if settings.Diagnostics.Debug {
		logger.WithField("depth", Depth(taskCtx)).Debug("Task started")
	}

	start := time.Now()
	value, err := t.invoke(taskCtx)
	duration := time.Since(start)

	result := Result{
		TaskID:    t.id,
		Success:   err == nil,
		Value:     value,
		Err:       err,
		StartedAt: start,
		Duration:  duration,
	}

	status := StateSucceeded
	if err != nil {
		status = StateFailed
		result.Value = nil
	}
	t.state.Store(int32(status))
	rt.metrics.RecordTaskCompleted(status.String(), duration)

	if span != nil {
		telemetry.EndSpan(span, err)
	}

	if settings.Diagnostics.Debug {
		zl := logger.Zerolog()
		event := zl.Debug().Dur("duration", duration).Str("state", status.String())
		if err != nil {
			event = event.Err(err)
		}
		event.Msg("Task finished")
	}

	return result
}

// invoke calls the wrapped function inside a panic-capturing boundary.
func (t *Task) invoke(ctx context.Context) (value any, err error) {
	defer func() {
		if r := recover(); r != nil {
			cause, ok := r.(error)
			if !ok {
				cause = fmt.Errorf("%v", r)
			}
			err = NewExecutionError(t.label()+" panicked", cause).
				WithCode(ErrCodePanic).
				WithStack(debug.Stack())
			value = nil
		}
	}()

	if t.wrapped.fn == nil {
		return nil, NewExecutionError(t.label()+" has no function", nil)
	}

	value, err = t.wrapped.fn(ctx, t.args...)
	if err != nil {
		return nil, NewExecutionError(t.label()+" failed", err)
	}
	return value, nil
}

func (t *Task) label() string {
	if t.wrapped.name != "" {
		return "task " + t.wrapped.name
	}
	return "task"
}

// IsTask reports whether v was produced by Wrap: a *Wrapped or a *Task.
// Plain functions, including ones with the Func signature, are not tasks.
func IsTask(v any) bool {
	switch x := v.(type) {
	case *Wrapped:
		return x != nil
	case *Task:
		return x != nil
	default:
		return false
	}
}
