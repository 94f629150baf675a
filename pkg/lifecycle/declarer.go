package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/openfroyo/asynctest/pkg/async"
	"github.com/openfroyo/asynctest/pkg/telemetry"
)

// ErrContextLeak reports managed tasks still running after a test body
// returned.
var ErrContextLeak = errors.New("managed tasks still running after test body returned")

// DefaultLeakGrace is the default of WithLeakGrace.
const DefaultLeakGrace = 50 * time.Millisecond

// Declarer registers async-aware tests and suites with a Registrar. Every
// registered body runs as a managed task under a per-test deadline.
type Declarer struct {
	rt        *async.Runtime
	registrar Registrar
	recorder  Recorder
	events    *telemetry.EventPublisher
	log       *telemetry.Logger
	runID     string
	runName   string

	leakGrace time.Duration

	mu        sync.Mutex
	path      []string
	suites    []Options
	summary   Summary
	cases     []*declaredCase
	startedAt time.Time
}

// declaredCase is a registered test case. Cases the registrar never ran
// are recorded as skipped when the run finishes.
type declaredCase struct {
	name string
	opts Options
	ran  bool
}

// Option configures a Declarer.
type Option func(*Declarer)

// WithRecorder persists runs and results to r.
func WithRecorder(r Recorder) Option {
	return func(d *Declarer) {
		d.recorder = r
	}
}

// WithEvents publishes test events to ep.
func WithEvents(ep *telemetry.EventPublisher) Option {
	return func(d *Declarer) {
		d.events = ep
	}
}

// WithLogger sets the logger. It defaults to the runtime logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Declarer) {
		d.log = telemetry.FromZerolog(logger)
	}
}

// WithRunID sets the run identifier. A random one is used otherwise.
func WithRunID(id string) Option {
	return func(d *Declarer) {
		d.runID = id
	}
}

// WithRunName sets a human-readable run name.
func WithRunName(name string) Option {
	return func(d *Declarer) {
		d.runName = name
	}
}

// WithLeakGrace sets how long a finished test waits for its abandoned
// managed tasks to observe cancellation before reporting them as leaked.
func WithLeakGrace(grace time.Duration) Option {
	return func(d *Declarer) {
		d.leakGrace = grace
	}
}

// New creates a Declarer. A nil runtime uses async.Default().
func New(rt *async.Runtime, registrar Registrar, opts ...Option) *Declarer {
	if rt == nil {
		rt = async.Default()
	}
	d := &Declarer{
		rt:        rt,
		registrar: registrar,
		log:       rt.Logger(),
		runID:     uuid.New().String(),
		leakGrace: DefaultLeakGrace,
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.WithRunID(d.runID)
	return d
}

// RunID returns the run identifier.
func (d *Declarer) RunID() string {
	return d.runID
}

// Summary returns the outcome counts so far.
func (d *Declarer) Summary() Summary {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.summary
}

// TestOption configures a single test case.
type TestOption func(*Options)

// WithTimeout sets the test deadline.
func WithTimeout(d time.Duration) TestOption {
	return func(o *Options) {
		o.Timeout = d
	}
}

// ExpectError makes a failing body count as a pass. Timeouts still fail.
func ExpectError() TestOption {
	return func(o *Options) {
		o.ExpectError = true
	}
}

// It registers an async test case.
func (d *Declarer) It(description string, fn Body, opts ...TestOption) {
	d.register(description, fn, Options{}, opts)
}

// FIt registers a focused async test case.
func (d *Declarer) FIt(description string, fn Body, opts ...TestOption) {
	d.register(description, fn, Options{Focused: true}, opts)
}

// XIt registers an excluded async test case.
func (d *Declarer) XIt(description string, fn Body, opts ...TestOption) {
	d.register(description, fn, Options{Excluded: true}, opts)
}

// Describe registers a suite.
func (d *Declarer) Describe(name string, fn func()) {
	d.describe(name, fn, Options{})
}

// FDescribe registers a focused suite.
func (d *Declarer) FDescribe(name string, fn func()) {
	d.describe(name, fn, Options{Focused: true})
}

// XDescribe registers an excluded suite.
func (d *Declarer) XDescribe(name string, fn func()) {
	d.describe(name, fn, Options{Excluded: true})
}

func (d *Declarer) describe(name string, fn func(), opts Options) {
	d.registrar.RegisterSuite(name, opts, func() {
		d.mu.Lock()
		d.path = append(d.path, name)
		d.suites = append(d.suites, opts)
		d.mu.Unlock()

		defer func() {
			d.mu.Lock()
			d.path = d.path[:len(d.path)-1]
			d.suites = d.suites[:len(d.suites)-1]
			d.mu.Unlock()
		}()

		fn()
	})
}

func (d *Declarer) register(description string, fn Body, base Options, opts []TestOption) {
	o := base
	for _, opt := range opts {
		opt(&o)
	}

	d.mu.Lock()
	name := strings.Join(append(append([]string(nil), d.path...), description), " ")
	// The registrar receives the case's own flags; the record carries the
	// flags inherited from enclosing suites as well.
	effective := o
	for _, suite := range d.suites {
		effective.Focused = effective.Focused || suite.Focused
		effective.Excluded = effective.Excluded || suite.Excluded
	}
	dc := &declaredCase{name: name, opts: effective}
	d.cases = append(d.cases, dc)
	d.mu.Unlock()

	d.registrar.RegisterTest(description, o, func(ctx context.Context) error {
		d.mu.Lock()
		dc.ran = true
		d.mu.Unlock()
		return d.run(ctx, name, fn, effective)
	})
}

// run executes one test body as a managed task and enforces its deadline.
// The body is not interrupted on timeout; the test stops waiting for it
// and its context is cancelled.
func (d *Declarer) run(ctx context.Context, name string, fn Body, o Options) error {
	timeout := o.Timeout
	if timeout <= 0 {
		timeout = d.rt.Config().DefaultTimeout()
	}

	logger := d.log.WithField("test", name)

	ctx, span := d.rt.Tracer().StartTestSpan(ctx, name)
	bodyCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	bodyCtx, scope := async.NewScope(bodyCtx)

	d.publish(telemetry.Event{
		Type:    telemetry.EventTypeTestStarted,
		Source:  "lifecycle",
		RunID:   d.runID,
		Test:    name,
		Level:   telemetry.EventLevelInfo,
		Message: fmt.Sprintf("%s started", name),
	})

	task := d.rt.Wrap(func(ctx context.Context, _ ...any) (any, error) {
		if fn == nil {
			return nil, errors.New("test body is nil")
		}
		return nil, fn(ctx)
	}, async.WithName(name)).Bind()

	start := time.Now()
	go task.Execute(bodyCtx)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	var (
		outcome Outcome
		err     error
		leaked  int64
	)

	select {
	case <-task.Done():
		res, _ := task.Result()
		elapsed := time.Since(start)

		switch {
		case elapsed > timeout:
			outcome = OutcomeTimedOut
			err = async.NewTimeoutError("it", timeout).WithDetail("elapsed", elapsed.String())
		case !res.Success && o.ExpectError:
			outcome = OutcomePassed
			logger.WithError(res.Err).Debug("Expected error")
		case !res.Success:
			outcome = OutcomeFailed
			err = res.Err
		default:
			outcome = OutcomePassed
		}

		if n := d.settle(scope); n > 0 && outcome != OutcomeTimedOut {
			leaked = n
			outcome = OutcomeFailed
			err = errors.Join(err, fmt.Errorf("%w: %d", ErrContextLeak, n))
			d.publish(telemetry.Event{
				Type:    telemetry.EventTypeContextLeak,
				Source:  "lifecycle",
				RunID:   d.runID,
				Test:    name,
				Level:   telemetry.EventLevelWarning,
				Message: fmt.Sprintf("%d managed task(s) still running after %s", n, name),
				Data:    map[string]interface{}{"in_flight": n},
			})
			logger.WithField("in_flight", n).Warn("Managed tasks leaked past test body")
		}

	case <-deadline.C:
		cancel()
		outcome = OutcomeTimedOut
		err = async.NewTimeoutError("it", timeout)

	case <-ctx.Done():
		cancel()
		outcome = OutcomeFailed
		err = ctx.Err()
	}

	duration := time.Since(start)
	telemetry.EndSpan(span, err)

	if err != nil {
		fields := map[string]interface{}{
			"outcome":  string(outcome),
			"duration": duration.String(),
		}
		if traceID := telemetry.TraceID(ctx); traceID != "" {
			fields["trace_id"] = traceID
		}
		logger.WithError(err).WithFields(fields).Error("Test failed")
	} else {
		logger.WithField("duration", duration.String()).Debug("Test passed")
	}

	record := TestRecord{
		ID:          task.ID(),
		RunID:       d.runID,
		Description: name,
		Outcome:     outcome,
		Options:     o,
		StartedAt:   start,
		Duration:    duration,
		Leaked:      leaked,
	}
	if err != nil {
		record.Error = err.Error()
	}
	d.finishTest(ctx, record, err)

	return err
}

// settle waits up to the leak grace period for the tasks of scope to
// finish and returns how many are still running.
func (d *Declarer) settle(scope *async.Scope) int64 {
	n := scope.InFlight()
	if n == 0 || d.leakGrace <= 0 {
		return n
	}

	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	deadline := time.Now().Add(d.leakGrace)
	for n > 0 && time.Now().Before(deadline) {
		<-ticker.C
		n = scope.InFlight()
	}
	return n
}

// finishTest counts, records and publishes a test result.
func (d *Declarer) finishTest(ctx context.Context, record TestRecord, err error) {
	d.mu.Lock()
	d.summary.Add(record.Outcome)
	d.mu.Unlock()

	d.rt.Metrics().RecordTest(string(record.Outcome), record.Duration)

	if d.recorder != nil {
		if recErr := d.recorder.RecordTest(context.WithoutCancel(ctx), record); recErr != nil {
			d.log.WithError(recErr).WithField("test", record.Description).Warn("Failed to record test result")
		}
	}

	if d.events != nil {
		if pubErr := d.events.PublishTestResult(d.runID, record.Description, string(record.Outcome), record.Duration, err); pubErr != nil {
			d.log.WithError(pubErr).Warn("Failed to publish test result")
		}
	}
}

// Start records the beginning of the run.
func (d *Declarer) Start(ctx context.Context) error {
	d.mu.Lock()
	d.startedAt = time.Now()
	run := RunRecord{ID: d.runID, Name: d.runName, StartedAt: d.startedAt}
	d.mu.Unlock()

	d.publish(telemetry.Event{
		Type:    telemetry.EventTypeRunStarted,
		Source:  "lifecycle",
		RunID:   d.runID,
		Level:   telemetry.EventLevelInfo,
		Message: "Run started",
	})
	d.log.WithField("name", d.runName).Info("Run started")

	if d.recorder == nil {
		return nil
	}
	if err := d.recorder.StartRun(ctx, run); err != nil {
		return fmt.Errorf("failed to record run start: %w", err)
	}
	return nil
}

// Finish records every declared case the registrar did not run as skipped
// and completes the run. This covers excluded cases, cases inside excluded
// suites and cases left out because other cases are focused.
func (d *Declarer) Finish(ctx context.Context) (Summary, error) {
	d.mu.Lock()
	var skipped []TestRecord
	for _, dc := range d.cases {
		if dc.ran {
			continue
		}
		skipped = append(skipped, TestRecord{
			ID:          uuid.New().String(),
			RunID:       d.runID,
			Description: dc.name,
			Outcome:     OutcomeSkipped,
			Options:     dc.opts,
		})
	}
	d.cases = nil
	d.mu.Unlock()

	for _, record := range skipped {
		d.finishTest(ctx, record, nil)
	}

	d.mu.Lock()
	completedAt := time.Now()
	run := RunRecord{
		ID:          d.runID,
		Name:        d.runName,
		StartedAt:   d.startedAt,
		CompletedAt: &completedAt,
		Summary:     d.summary,
	}
	d.mu.Unlock()

	counts := map[string]interface{}{
		"total":     run.Summary.Total,
		"passed":    run.Summary.Passed,
		"failed":    run.Summary.Failed,
		"timed_out": run.Summary.TimedOut,
		"skipped":   run.Summary.Skipped,
	}
	level := telemetry.EventLevelInfo
	if run.Summary.Failed > 0 || run.Summary.TimedOut > 0 {
		level = telemetry.EventLevelError
	}
	d.publish(telemetry.Event{
		Type:    telemetry.EventTypeRunCompleted,
		Source:  "lifecycle",
		RunID:   d.runID,
		Level:   level,
		Message: fmt.Sprintf("Run completed: %d passed, %d failed, %d timed out, %d skipped", run.Summary.Passed, run.Summary.Failed, run.Summary.TimedOut, run.Summary.Skipped),
		Data:    counts,
	})
	d.log.WithFields(counts).Info("Run completed")

	if d.recorder == nil {
		return run.Summary, nil
	}
	if err := d.recorder.FinishRun(ctx, run); err != nil {
		return run.Summary, fmt.Errorf("failed to record run completion: %w", err)
	}
	return run.Summary, nil
}

func (d *Declarer) publish(event telemetry.Event) {
	if d.events == nil {
		return
	}
	if err := d.events.Publish(event); err != nil {
		d.log.WithError(err).WithField("event", event.Type).Warn("Failed to publish event")
	}
}
