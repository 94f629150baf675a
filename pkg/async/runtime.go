package async

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/openfroyo/asynctest/pkg/config"
	"github.com/openfroyo/asynctest/pkg/telemetry"
)

// timeoutTestingThreshold replaces every deadline while timeout testing
// mode is on.
const timeoutTestingThreshold = time.Millisecond

// Runtime owns the configuration and telemetry used by tasks, suspension
// primitives and batches. The zero value is not usable; call New.
type Runtime struct {
	config  *config.Store
	log     *telemetry.Logger
	metrics *telemetry.Metrics
	tracer  *telemetry.Tracer

	// timeoutTestingMode forces every deadline to timeoutTestingThreshold
	// while errors still report the configured limit.
	timeoutTestingMode atomic.Bool
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithConfig sets the configuration store.
func WithConfig(store *config.Store) Option {
	return func(rt *Runtime) {
		rt.config = store
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(logger zerolog.Logger) Option {
	return func(rt *Runtime) {
		rt.log = telemetry.FromZerolog(logger)
	}
}

// WithMetrics sets the metrics collector.
func WithMetrics(metrics *telemetry.Metrics) Option {
	return func(rt *Runtime) {
		rt.metrics = metrics
	}
}

// WithTracer sets the tracer used when task tracing is enabled.
func WithTracer(tracer *telemetry.Tracer) Option {
	return func(rt *Runtime) {
		rt.tracer = tracer
	}
}

// WithTelemetry wires logger, metrics and tracer from tel.
func WithTelemetry(tel *telemetry.Telemetry) Option {
	return func(rt *Runtime) {
		rt.log = tel.Logger.NewComponentLogger("async")
		rt.metrics = tel.Metrics
		rt.tracer = tel.Tracer
	}
}

// New creates a runtime. Without options it uses a fresh configuration
// store and no-op telemetry.
func New(opts ...Option) *Runtime {
	rt := &Runtime{
		log:    telemetry.NopLogger(),
		tracer: telemetry.NopTracer(),
	}
	for _, opt := range opts {
		opt(rt)
	}
	if rt.config == nil {
		rt.config = config.NewStore(config.WithStoreLogger(rt.log.Zerolog()))
	}
	return rt
}

// Config returns the configuration store.
func (rt *Runtime) Config() *config.Store {
	return rt.config
}

// Logger returns the runtime logger. Task bodies receive a child of it,
// carrying the task ID, through telemetry.FromContext.
func (rt *Runtime) Logger() *telemetry.Logger {
	return rt.log
}

// Metrics returns the metrics collector, which may be nil.
func (rt *Runtime) Metrics() *telemetry.Metrics {
	return rt.metrics
}

// Tracer returns the tracer.
func (rt *Runtime) Tracer() *telemetry.Tracer {
	return rt.tracer
}

// Wrap adapts fn into a managed task factory.
func (rt *Runtime) Wrap(fn Func, opts ...WrapOption) *Wrapped {
	w := &Wrapped{rt: rt, fn: fn}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SetDefaultTimeout changes the default timeout of the runtime.
func (rt *Runtime) SetDefaultTimeout(d time.Duration) error {
	if d <= 0 {
		return NewArgumentError("set_default_timeout",
			fmt.Sprintf("timeout must be positive, got %v", d)).WithCode(ErrCodeInvalidDuration)
	}
	return rt.config.SetDefaultTimeout(d)
}

// Reset restores the built-in configuration and leaves timeout testing
// mode.
func (rt *Runtime) Reset() {
	rt.timeoutTestingMode.Store(false)
	rt.config.Reset()
}

// FullReset does what Reset does, then clears the section of the central
// configuration service and detaches from it.
func (rt *Runtime) FullReset() error {
	rt.timeoutTestingMode.Store(false)
	return rt.config.FullReset()
}

// threshold returns the deadline actually enforced for limit.
func (rt *Runtime) threshold(limit time.Duration) time.Duration {
	if rt.timeoutTestingMode.Load() {
		return timeoutTestingThreshold
	}
	return limit
}

// CallOption configures a single WaitUntil or RunAll call.
type CallOption func(*callOptions)

type callOptions struct {
	timeout     time.Duration
	interval    time.Duration
	strategy    string
	maxParallel int
}

// WithTimeout overrides the default timeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.timeout = d
	}
}

// WithInterval overrides the polling interval for one WaitUntil call.
func WithInterval(d time.Duration) CallOption {
	return func(o *callOptions) {
		o.interval = d
	}
}

// WithStrategy overrides the batch strategy for one RunAll call.
func WithStrategy(strategy string) CallOption {
	return func(o *callOptions) {
		o.strategy = strategy
	}
}

// WithMaxParallel overrides the concurrency bound for one RunAll call.
func WithMaxParallel(n int) CallOption {
	return func(o *callOptions) {
		o.maxParallel = n
	}
}

// callOptions resolves opts on top of the current settings.
func (rt *Runtime) callOptions(op string, opts []CallOption) (callOptions, error) {
	s := rt.config.Settings()
	o := callOptions{
		timeout:     s.DefaultTimeout,
		interval:    s.CheckInterval,
		strategy:    s.Strategy,
		maxParallel: s.MaxParallel,
	}
	for _, opt := range opts {
		opt(&o)
	}

	switch {
	case o.timeout <= 0:
		return o, NewArgumentError(op, fmt.Sprintf("timeout must be positive, got %v", o.timeout)).
			WithCode(ErrCodeInvalidDuration)
	case o.interval <= 0:
		return o, NewArgumentError(op, fmt.Sprintf("interval must be positive, got %v", o.interval)).
			WithCode(ErrCodeInvalidDuration)
	case o.strategy != config.StrategyConcurrent && o.strategy != config.StrategySequential:
		return o, NewArgumentError(op, fmt.Sprintf("unknown strategy %q", o.strategy)).
			WithCode(ErrCodeInvalidOption)
	case o.maxParallel < 0:
		return o, NewArgumentError(op, fmt.Sprintf("max parallel must not be negative, got %d", o.maxParallel)).
			WithCode(ErrCodeInvalidOption)
	}
	return o, nil
}

var defaultRuntime atomic.Pointer[Runtime]

func init() {
	defaultRuntime.Store(New())
}

// Default returns the process-wide runtime used by the package-level
// functions.
func Default() *Runtime {
	return defaultRuntime.Load()
}

// SetDefault replaces the process-wide runtime.
func SetDefault(rt *Runtime) {
	if rt == nil {
		rt = New()
	}
	defaultRuntime.Store(rt)
}

// Wrap adapts fn using the default runtime.
func Wrap(fn Func, opts ...WrapOption) *Wrapped {
	return Default().Wrap(fn, opts...)
}

// Await pauses for d using the default runtime.
func Await(ctx context.Context, d time.Duration) error {
	return Default().Await(ctx, d)
}

// WaitUntil polls cond using the default runtime.
func WaitUntil(ctx context.Context, cond Condition, opts ...CallOption) error {
	return Default().WaitUntil(ctx, cond, opts...)
}

// RunAll runs tasks using the default runtime.
func RunAll(ctx context.Context, tasks []*Task, opts ...CallOption) ([]any, error) {
	return Default().RunAll(ctx, tasks, opts...)
}

// SetDefaultTimeout changes the default timeout of the default runtime.
func SetDefaultTimeout(d time.Duration) error {
	return Default().SetDefaultTimeout(d)
}

// Reset restores the built-in configuration of the default runtime.
func Reset() {
	Default().Reset()
}

// FullReset fully resets the default runtime.
func FullReset() error {
	return Default().FullReset()
}
