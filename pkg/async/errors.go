package async

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrorClass identifies the kind of failure reported by the runtime.
type ErrorClass string

const (
	// ClassContext indicates a primitive was used outside an active task.
	ClassContext ErrorClass = "context"

	// ClassArgument indicates an invalid timeout, interval, condition or
	// task list.
	ClassArgument ErrorClass = "argument"

	// ClassTimeout indicates a deadline passed before the awaited work
	// finished.
	ClassTimeout ErrorClass = "timeout"

	// ClassBatch aggregates the failures of one or more tasks in a batch.
	ClassBatch ErrorClass = "batch"

	// ClassExecution indicates a wrapped function returned an error or
	// panicked.
	ClassExecution ErrorClass = "execution"
)

// Error is a classified runtime error.
type Error struct {
	// Class is the error classification.
	Class ErrorClass `json:"class"`

	// Message is the human-readable error message.
	Message string `json:"message"`

	// Op is the operation that failed (await, wait_until, run_all, ...).
	Op string `json:"op,omitempty"`

	// Code is an optional error code for programmatic handling.
	Code string `json:"code,omitempty"`

	// Limit is the configured timeout for ClassTimeout errors.
	Limit time.Duration `json:"limit,omitempty"`

	// Pending lists the 1-based indices of batch tasks that had not
	// completed when the deadline passed.
	Pending []int `json:"pending,omitempty"`

	// Failures lists every failed task of a batch, in input order.
	Failures []TaskFailure `json:"failures,omitempty"`

	// Stack holds the goroutine stack of a recovered panic.
	Stack []byte `json:"-"`

	// Err is the underlying error.
	Err error `json:"-"`

	// Details contains additional context-specific information.
	Details map[string]interface{} `json:"details,omitempty"`
}

// TaskFailure describes one failed task of a batch.
type TaskFailure struct {
	// Index is the 1-based position of the task in the batch.
	Index int `json:"index"`

	// Name is the task name, if it has one.
	Name string `json:"name,omitempty"`

	// Message is the failure message of the task.
	Message string `json:"message"`

	// Err is the error the task reported.
	Err error `json:"-"`
}

// Error implements the error interface.
func (e *Error) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] ", e.Class)
	if e.Op != "" {
		b.WriteString(e.Op)
		b.WriteString(": ")
	}
	b.WriteString(e.Message)

	switch e.Class {
	case ClassTimeout:
		if len(e.Pending) > 0 {
			fmt.Fprintf(&b, ": pending tasks %v", e.Pending)
		}
	case ClassBatch:
		parts := make([]string, 0, len(e.Failures))
		for _, f := range e.Failures {
			if f.Name != "" {
				parts = append(parts, fmt.Sprintf("task %d (%s): %s", f.Index, f.Name, f.Message))
			} else {
				parts = append(parts, fmt.Sprintf("task %d: %s", f.Index, f.Message))
			}
		}
		if len(parts) > 0 {
			b.WriteString(": ")
			b.WriteString(strings.Join(parts, "; "))
		}
	}

	if e.Err != nil {
		b.WriteString(": ")
		b.WriteString(e.Err.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error and, for batch errors, the error of
// every failed task.
func (e *Error) Unwrap() []error {
	var errs []error
	if e.Err != nil {
		errs = append(errs, e.Err)
	}
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// Is reports whether target is an *Error of the same class. A target with a
// code also requires the codes to match.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	if e.Class != t.Class {
		return false
	}
	return t.Code == "" || e.Code == t.Code
}

// Sentinels for errors.Is.
var (
	ErrContext   = &Error{Class: ClassContext}
	ErrArgument  = &Error{Class: ClassArgument}
	ErrTimeout   = &Error{Class: ClassTimeout}
	ErrBatch     = &Error{Class: ClassBatch}
	ErrExecution = &Error{Class: ClassExecution}
)

// NewContextError reports that op was called outside an active task.
func NewContextError(op string) *Error {
	return &Error{
		Class:   ClassContext,
		Op:      op,
		Message: "called outside an active async context",
		Code:    ErrCodeNotActive,
	}
}

// NewArgumentError reports an invalid argument to op.
func NewArgumentError(op, message string) *Error {
	return &Error{
		Class:   ClassArgument,
		Op:      op,
		Message: message,
	}
}

// NewTimeoutError reports that op exceeded limit.
func NewTimeoutError(op string, limit time.Duration) *Error {
	return &Error{
		Class:   ClassTimeout,
		Op:      op,
		Message: fmt.Sprintf("exceeded %v", limit),
		Code:    ErrCodeDeadlineExceeded,
		Limit:   limit,
	}
}

// NewBatchError aggregates failures from a batch of total tasks.
func NewBatchError(op string, total int, failures []TaskFailure) *Error {
	return &Error{
		Class:    ClassBatch,
		Op:       op,
		Message:  fmt.Sprintf("%d of %d tasks failed", len(failures), total),
		Code:     ErrCodeTaskFailed,
		Failures: failures,
	}
}

// NewExecutionError reports a failure of a wrapped function.
func NewExecutionError(message string, err error) *Error {
	return &Error{
		Class:   ClassExecution,
		Message: message,
		Code:    ErrCodeTaskFailed,
		Err:     err,
	}
}

// WithOp sets the failing operation.
func (e *Error) WithOp(op string) *Error {
	e.Op = op
	return e
}

// WithCode adds an error code to an error.
func (e *Error) WithCode(code string) *Error {
	e.Code = code
	return e
}

// WithPending records the 1-based indices of incomplete batch tasks.
func (e *Error) WithPending(indices []int) *Error {
	e.Pending = indices
	return e
}

// WithStack records the stack of a recovered panic.
func (e *Error) WithStack(stack []byte) *Error {
	e.Stack = stack
	return e
}

// WithDetail adds a detail field to the error context.
func (e *Error) WithDetail(key string, value interface{}) *Error {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// IsContext returns true if the error is a context error.
func IsContext(err error) bool {
	return hasClass(err, ClassContext)
}

// IsArgument returns true if the error is an argument error.
func IsArgument(err error) bool {
	return hasClass(err, ClassArgument)
}

// IsTimeout returns true if the error is a timeout error. A batch error
// whose tasks timed out on their own is a batch error; use
// errors.Is(err, ErrTimeout) to search the whole tree.
func IsTimeout(err error) bool {
	return hasClass(err, ClassTimeout)
}

// IsBatch returns true if the error is a batch error.
func IsBatch(err error) bool {
	return hasClass(err, ClassBatch)
}

// IsExecution returns true if the error is an execution error.
func IsExecution(err error) bool {
	return hasClass(err, ClassExecution)
}

// hasClass checks the outermost *Error in the chain.
func hasClass(err error, class ErrorClass) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Class == class
	}
	return false
}

// failureMessage returns the message a batch reports for a task error.
// Execution errors are reported by their cause.
func failureMessage(err error) string {
	var e *Error
	if errors.As(err, &e) && e.Class == ClassExecution && e.Err != nil {
		return e.Err.Error()
	}
	if e != nil && e.Class == ClassExecution {
		return e.Message
	}
	return err.Error()
}

// Common error codes.
const (
	ErrCodeNotActive        = "NOT_ACTIVE"
	ErrCodeInvalidDuration  = "INVALID_DURATION"
	ErrCodeInvalidCondition = "INVALID_CONDITION"
	ErrCodeInvalidBatch     = "INVALID_BATCH"
	ErrCodeInvalidOption    = "INVALID_OPTION"
	ErrCodeDeadlineExceeded = "DEADLINE_EXCEEDED"
	ErrCodeTaskFailed       = "TASK_FAILED"
	ErrCodePanic            = "PANIC"
)
