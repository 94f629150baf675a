package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/asynctest/pkg/lifecycle"
	"github.com/openfroyo/asynctest/pkg/telemetry"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// memoryPath selects a private in-memory database.
const memoryPath = ":memory:"

// ErrNotFound is returned when a requested record does not exist.
var ErrNotFound = errors.New("not found")

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

var _ Store = (*SQLiteStore)(nil)

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}

	// Every connection to :memory: opens its own database.
	if cfg.Path == memoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

// Init opens the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)
	if s.cfg.Path != memoryPath {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	return s.db.PingContext(ctx)
}

// StartRun creates a run record in the running state.
func (s *SQLiteStore) StartRun(ctx context.Context, run lifecycle.RunRecord) error {
	query := `
		INSERT INTO runs (id, name, status, started_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	now := time.Now()
	_, err := s.db.ExecContext(ctx, query,
		run.ID,
		run.Name,
		RunStatusRunning,
		run.StartedAt,
		now,
		now,
	)
	if err != nil {
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// FinishRun stores the summary of a run and marks it completed, or failed
// when any test failed or timed out.
func (s *SQLiteStore) FinishRun(ctx context.Context, run lifecycle.RunRecord) error {
	query := `
		UPDATE runs
		SET status = ?, completed_at = ?, total = ?, passed = ?, failed = ?,
		    timed_out = ?, skipped = ?, updated_at = ?
		WHERE id = ?
	`

	status := RunStatusCompleted
	if run.Summary.Failed > 0 || run.Summary.TimedOut > 0 {
		status = RunStatusFailed
	}

	completedAt := run.CompletedAt
	if completedAt == nil {
		now := time.Now()
		completedAt = &now
	}

	result, err := s.db.ExecContext(ctx, query,
		status,
		completedAt,
		run.Summary.Total,
		run.Summary.Passed,
		run.Summary.Failed,
		run.Summary.TimedOut,
		run.Summary.Skipped,
		time.Now(),
		run.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to finish run: %w", err)
	}

	return requireRow(result, "run", run.ID)
}

// GetRun retrieves a run by ID
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	query := `
		SELECT id, name, status, started_at, completed_at, total, passed, failed,
		       timed_out, skipped, created_at, updated_at
		FROM runs
		WHERE id = ?
	`

	run, err := scanRun(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}

	return run, nil
}

// ListRuns lists runs with pagination, most recent first
func (s *SQLiteStore) ListRuns(ctx context.Context, limit, offset int) ([]*Run, error) {
	query := `
		SELECT id, name, status, started_at, completed_at, total, passed, failed,
		       timed_out, skipped, created_at, updated_at
		FROM runs
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	runs := []*Run{}
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating runs: %w", err)
	}

	return runs, nil
}

// DeleteRun deletes a run and its test results
func (s *SQLiteStore) DeleteRun(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete run: %w", err)
	}

	return requireRow(result, "run", id)
}

// DeleteRunsBefore deletes runs started before the given time and returns
// how many were removed.
func (s *SQLiteStore) DeleteRunsBefore(ctx context.Context, before time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE started_at < ?`, before)
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("failed to get rows affected: %w", err)
	}

	return rows, nil
}

// RecordTest stores the result of one test case.
func (s *SQLiteStore) RecordTest(ctx context.Context, record lifecycle.TestRecord) error {
	query := `
		INSERT INTO test_results (
			id, run_id, description, outcome, error, focused, excluded, expect_error,
			timeout_ns, started_at, duration_ns, leaked, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	var errMsg *string
	if record.Error != "" {
		errMsg = &record.Error
	}

	_, err := s.db.ExecContext(ctx, query,
		record.ID,
		record.RunID,
		record.Description,
		record.Outcome,
		errMsg,
		record.Options.Focused,
		record.Options.Excluded,
		record.Options.ExpectError,
		int64(record.Options.Timeout),
		record.StartedAt,
		int64(record.Duration),
		record.Leaked,
		time.Now(),
	)
	if err != nil {
		return fmt.Errorf("failed to record test result: %w", err)
	}

	return nil
}

// ListTestResults lists the results of a run in recording order, optionally
// filtered by outcome.
func (s *SQLiteStore) ListTestResults(ctx context.Context, runID string, outcome *lifecycle.Outcome) ([]*TestResult, error) {
	query := `
		SELECT id, run_id, description, outcome, error, focused, excluded, expect_error,
		       timeout_ns, started_at, duration_ns, leaked, created_at
		FROM test_results
		WHERE run_id = ?
		  AND (? IS NULL OR outcome = ?)
		ORDER BY created_at ASC, rowid ASC
	`

	rows, err := s.db.QueryContext(ctx, query, runID, outcome, outcome)
	if err != nil {
		return nil, fmt.Errorf("failed to list test results: %w", err)
	}
	defer rows.Close()

	results := []*TestResult{}
	for rows.Next() {
		var (
			r        TestResult
			timeout  int64
			duration int64
		)
		err := rows.Scan(
			&r.ID,
			&r.RunID,
			&r.Description,
			&r.Outcome,
			&r.Error,
			&r.Focused,
			&r.Excluded,
			&r.ExpectError,
			&timeout,
			&r.StartedAt,
			&duration,
			&r.Leaked,
			&r.CreatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan test result: %w", err)
		}
		r.Timeout = time.Duration(timeout)
		r.Duration = time.Duration(duration)
		results = append(results, &r)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating test results: %w", err)
	}

	return results, nil
}

// AppendEvent appends a telemetry event to the log
func (s *SQLiteStore) AppendEvent(ctx context.Context, event telemetry.Event) (*Event, error) {
	query := `
		INSERT INTO events (event_id, run_id, test, type, source, level, message, data, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	data := "{}"
	if len(event.Data) > 0 {
		b, err := json.Marshal(event.Data)
		if err != nil {
			return nil, fmt.Errorf("failed to encode event data: %w", err)
		}
		data = string(b)
	}

	stored := &Event{
		EventID:   event.ID,
		RunID:     nullable(event.RunID),
		Test:      nullable(event.Test),
		Type:      event.Type,
		Source:    event.Source,
		Level:     event.Level,
		Message:   event.Message,
		Data:      data,
		Timestamp: event.Timestamp,
	}

	result, err := s.db.ExecContext(ctx, query,
		stored.EventID,
		stored.RunID,
		stored.Test,
		stored.Type,
		stored.Source,
		stored.Level,
		stored.Message,
		stored.Data,
		stored.Timestamp,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to append event: %w", err)
	}

	id, err := result.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("failed to get event ID: %w", err)
	}

	stored.ID = id
	return stored, nil
}

// GetEvents retrieves events with optional filters and pagination, in the
// order they occurred
func (s *SQLiteStore) GetEvents(ctx context.Context, filter EventFilter, limit, offset int) ([]*Event, error) {
	query := `
		SELECT id, event_id, run_id, test, type, source, level, message, data, timestamp
		FROM events
		WHERE (? IS NULL OR run_id = ?)
		  AND (? IS NULL OR type = ?)
		  AND (? IS NULL OR level = ?)
		ORDER BY timestamp ASC, id ASC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query,
		filter.RunID, filter.RunID,
		filter.Type, filter.Type,
		filter.Level, filter.Level,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get events: %w", err)
	}
	defer rows.Close()

	events := []*Event{}
	for rows.Next() {
		event := &Event{}
		err := rows.Scan(
			&event.ID,
			&event.EventID,
			&event.RunID,
			&event.Test,
			&event.Type,
			&event.Source,
			&event.Level,
			&event.Message,
			&event.Data,
			&event.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		events = append(events, event)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}

	return events, nil
}

// EventSubscriber returns a telemetry subscriber that persists every event
// it receives. Write failures are logged and otherwise ignored.
func (s *SQLiteStore) EventSubscriber(logger zerolog.Logger) telemetry.EventSubscriber {
	return func(event telemetry.Event) {
		if _, err := s.AppendEvent(context.Background(), event); err != nil {
			logger.Warn().Err(err).Str("event", event.Type).Msg("Failed to persist event")
		}
	}
}

// rowScanner is implemented by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}

func scanRun(row rowScanner) (*Run, error) {
	run := &Run{}
	err := row.Scan(
		&run.ID,
		&run.Name,
		&run.Status,
		&run.StartedAt,
		&run.CompletedAt,
		&run.Total,
		&run.Passed,
		&run.Failed,
		&run.TimedOut,
		&run.Skipped,
		&run.CreatedAt,
		&run.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return run, nil
}

func requireRow(result sql.Result, kind, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}

	if rows == 0 {
		return fmt.Errorf("%s %s: %w", kind, id, ErrNotFound)
	}

	return nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
