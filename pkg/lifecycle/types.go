package lifecycle

import (
	"context"
	"time"
)

// Body is the function of an async test case. ctx is the context of a
// managed task, so suspension primitives may be called with it.
type Body func(ctx context.Context) error

// Options are the flags a Registrar receives with every test and suite.
type Options struct {
	// Focused asks the registrar to run only focused cases.
	Focused bool `json:"focused,omitempty"`

	// Excluded asks the registrar to skip the case.
	Excluded bool `json:"excluded,omitempty"`

	// ExpectError turns a failing body into a pass.
	ExpectError bool `json:"expect_error,omitempty"`

	// Timeout is the per-test deadline. Zero uses the runtime default.
	Timeout time.Duration `json:"timeout,omitempty"`
}

// Registrar is the test-declaration API the Declarer delegates to. It
// decides which registered cases run, based on Focused and Excluded.
type Registrar interface {
	// RegisterTest registers a test case. A non-nil error from body is a
	// test failure.
	RegisterTest(description string, opts Options, body func(ctx context.Context) error)

	// RegisterSuite registers a group of cases declared by body.
	RegisterSuite(name string, opts Options, body func())
}

// Outcome is the final state of a test case.
type Outcome string

const (
	OutcomePassed   Outcome = "passed"
	OutcomeFailed   Outcome = "failed"
	OutcomeTimedOut Outcome = "timed_out"
	OutcomeSkipped  Outcome = "skipped"
)

// TestRecord is the result of one test case.
type TestRecord struct {
	ID          string        `json:"id"`
	RunID       string        `json:"run_id"`
	Description string        `json:"description"`
	Outcome     Outcome       `json:"outcome"`
	Error       string        `json:"error,omitempty"`
	Options     Options       `json:"options"`
	StartedAt   time.Time     `json:"started_at"`
	Duration    time.Duration `json:"duration"`
	Leaked      int64         `json:"leaked,omitempty"`
}

// Summary counts test outcomes of a run.
type Summary struct {
	Total    int `json:"total"`
	Passed   int `json:"passed"`
	Failed   int `json:"failed"`
	TimedOut int `json:"timed_out"`
	Skipped  int `json:"skipped"`
}

// Add counts one outcome.
func (s *Summary) Add(outcome Outcome) {
	s.Total++
	switch outcome {
	case OutcomePassed:
		s.Passed++
	case OutcomeFailed:
		s.Failed++
	case OutcomeTimedOut:
		s.TimedOut++
	case OutcomeSkipped:
		s.Skipped++
	}
}

// RunRecord describes a run of declared tests.
type RunRecord struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Summary     Summary    `json:"summary"`
}

// Recorder persists runs and test results.
type Recorder interface {
	StartRun(ctx context.Context, run RunRecord) error
	RecordTest(ctx context.Context, record TestRecord) error
	FinishRun(ctx context.Context, run RunRecord) error
}
