package stores

import (
	"context"
	"time"

	"github.com/openfroyo/asynctest/pkg/lifecycle"
	"github.com/openfroyo/asynctest/pkg/telemetry"
)

// RunStatus represents the status of a test run
type RunStatus string

const (
	RunStatusRunning   RunStatus = "running"
	RunStatusCompleted RunStatus = "completed"
	RunStatusFailed    RunStatus = "failed"
)

// Run represents a recorded test run
type Run struct {
	ID          string     `json:"id"`
	Name        string     `json:"name"`
	Status      RunStatus  `json:"status"`
	StartedAt   time.Time  `json:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	Total       int        `json:"total"`
	Passed      int        `json:"passed"`
	Failed      int        `json:"failed"`
	TimedOut    int        `json:"timed_out"`
	Skipped     int        `json:"skipped"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

// Summary returns the outcome counts of the run.
func (r *Run) Summary() lifecycle.Summary {
	return lifecycle.Summary{
		Total:    r.Total,
		Passed:   r.Passed,
		Failed:   r.Failed,
		TimedOut: r.TimedOut,
		Skipped:  r.Skipped,
	}
}

// TestResult represents the recorded outcome of one test case
type TestResult struct {
	ID          string            `json:"id"`
	RunID       string            `json:"run_id"`
	Description string            `json:"description"`
	Outcome     lifecycle.Outcome `json:"outcome"`
	Error       *string           `json:"error,omitempty"`
	Focused     bool              `json:"focused"`
	Excluded    bool              `json:"excluded"`
	ExpectError bool              `json:"expect_error"`
	Timeout     time.Duration     `json:"timeout"`
	StartedAt   time.Time         `json:"started_at"`
	Duration    time.Duration     `json:"duration"`
	Leaked      int64             `json:"leaked"`
	CreatedAt   time.Time         `json:"created_at"`
}

// Event represents a persisted lifecycle event
type Event struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`
	RunID     *string   `json:"run_id,omitempty"`
	Test      *string   `json:"test,omitempty"`
	Type      string    `json:"type"`
	Source    string    `json:"source"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
	Data      string    `json:"data"` // JSON blob
	Timestamp time.Time `json:"timestamp"`
}

// EventFilter narrows GetEvents. Nil fields match everything.
type EventFilter struct {
	RunID *string
	Type  *string
	Level *string
}

// Store defines the persistence interface for test history
type Store interface {
	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error
	HealthCheck(ctx context.Context) error

	// Runs and results, as written by a lifecycle.Declarer
	lifecycle.Recorder
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, limit, offset int) ([]*Run, error)
	DeleteRun(ctx context.Context, id string) error
	DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error)
	ListTestResults(ctx context.Context, runID string, outcome *lifecycle.Outcome) ([]*TestResult, error)

	// Events
	AppendEvent(ctx context.Context, event telemetry.Event) (*Event, error)
	GetEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]*Event, error)
}
