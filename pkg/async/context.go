package async

import (
	"context"
	"sync/atomic"
)

// inFlight counts managed tasks currently executing in the process.
var inFlight atomic.Int64

// frameKey is the context key for the active task frame.
type frameKey struct{}

// scopeKey is the context key for the enclosing Scope.
type scopeKey struct{}

// frame marks a context as belonging to a running managed task. Frames form
// a stack through parent; a task never mutates the context it was given.
type frame struct {
	task   *Task
	parent *frame
	depth  int
}

// IsActive reports whether ctx belongs to a running managed task.
func IsActive(ctx context.Context) bool {
	return currentFrame(ctx) != nil
}

// Depth returns the number of managed tasks nested in ctx.
func Depth(ctx context.Context) int {
	if f := currentFrame(ctx); f != nil {
		return f.depth
	}
	return 0
}

// CurrentTask returns the innermost task running in ctx, or nil.
func CurrentTask(ctx context.Context) *Task {
	if f := currentFrame(ctx); f != nil {
		return f.task
	}
	return nil
}

// InFlight returns the number of managed tasks currently executing in the
// process. It is zero whenever no task is running.
func InFlight() int64 {
	return inFlight.Load()
}

func currentFrame(ctx context.Context) *frame {
	if ctx == nil {
		return nil
	}
	f, _ := ctx.Value(frameKey{}).(*frame)
	return f
}

// enter derives the context a task body runs in.
func enter(ctx context.Context, t *Task) context.Context {
	parent := currentFrame(ctx)
	f := &frame{task: t, parent: parent, depth: 1}
	if parent != nil {
		f.depth = parent.depth + 1
	}
	return context.WithValue(ctx, frameKey{}, f)
}

// Scope counts the managed tasks started under a context. The lifecycle
// integration uses it to detect tasks still running after a test body
// returned.
type Scope struct {
	parent   *Scope
	inFlight atomic.Int64
	started  atomic.Int64
}

// NewScope returns a context carrying a new Scope nested in any scope
// already present in ctx.
func NewScope(ctx context.Context) (context.Context, *Scope) {
	s := &Scope{parent: ScopeFrom(ctx)}
	return context.WithValue(ctx, scopeKey{}, s), s
}

// ScopeFrom returns the innermost Scope in ctx, or nil.
func ScopeFrom(ctx context.Context) *Scope {
	if ctx == nil {
		return nil
	}
	s, _ := ctx.Value(scopeKey{}).(*Scope)
	return s
}

// InFlight returns the number of tasks started under the scope that are
// still executing.
func (s *Scope) InFlight() int64 {
	return s.inFlight.Load()
}

// Started returns the number of tasks started under the scope.
func (s *Scope) Started() int64 {
	return s.started.Load()
}

// taskStarted updates the process counter and every enclosing scope.
func taskStarted(ctx context.Context) {
	inFlight.Add(1)
	for s := ScopeFrom(ctx); s != nil; s = s.parent {
		s.inFlight.Add(1)
		s.started.Add(1)
	}
}

// taskFinished reverses taskStarted.
func taskFinished(ctx context.Context) {
	for s := ScopeFrom(ctx); s != nil; s = s.parent {
		s.inFlight.Add(-1)
	}
	inFlight.Add(-1)
}
