package async

import (
	"context"
	"errors"
	"testing"
)

// runInTask executes body as a managed task of rt and returns the error the
// body returned, unwrapped from its execution error.
func runInTask(t *testing.T, rt *Runtime, body func(ctx context.Context) error) error {
	t.Helper()

	res := rt.Wrap(func(ctx context.Context, _ ...any) (any, error) {
		return nil, body(ctx)
	}).Call(context.Background())
	if res.Success {
		return nil
	}

	var e *Error
	if !errors.As(res.Err, &e) || e.Class != ClassExecution {
		t.Fatalf("task result error = %v, want execution error", res.Err)
	}
	return e.Err
}

// valueTask returns a task producing v.
func valueTask(rt *Runtime, v any) *Task {
	return rt.Wrap(func(context.Context, ...any) (any, error) {
		return v, nil
	}).Bind()
}
