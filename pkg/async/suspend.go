package async

import (
	"context"
	"fmt"
	"time"

	"github.com/openfroyo/asynctest/pkg/telemetry"
)

// Condition is polled by WaitUntil.
type Condition func() bool

// Await pauses the calling task for at least d. It must be called with the
// context of a running task. A zero duration returns immediately. If ctx is
// cancelled first, Await returns ctx.Err().
func (rt *Runtime) Await(ctx context.Context, d time.Duration) error {
	if !IsActive(ctx) {
		rt.metrics.RecordWait("await", "context_error")
		return NewContextError("await")
	}
	if d < 0 {
		rt.metrics.RecordWait("await", "argument_error")
		return NewArgumentError("await", fmt.Sprintf("duration must not be negative, got %v", d)).
			WithCode(ErrCodeInvalidDuration)
	}
	if d == 0 {
		rt.metrics.RecordWait("await", "ok")
		return nil
	}

	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		rt.metrics.RecordWait("await", "ok")
		return nil
	case <-ctx.Done():
		rt.metrics.RecordWait("await", "cancelled")
		return ctx.Err()
	}
}

// WaitUntil polls cond until it returns true or the timeout elapses. cond
// is evaluated once before any sleep, so a condition that already holds
// returns without delay. Between evaluations WaitUntil sleeps for the
// polling interval, shortened so it never sleeps past the deadline.
//
// The timeout defaults to the configured DefaultTimeout and the interval to
// CheckInterval. On timeout the returned *Error carries the configured
// limit.
func (rt *Runtime) WaitUntil(ctx context.Context, cond Condition, opts ...CallOption) error {
	const op = "wait_until"

	if !IsActive(ctx) {
		rt.metrics.RecordWait(op, "context_error")
		return NewContextError(op)
	}
	if cond == nil {
		rt.metrics.RecordWait(op, "argument_error")
		return NewArgumentError(op, "condition is nil").WithCode(ErrCodeInvalidCondition)
	}

	o, err := rt.callOptions(op, opts)
	if err != nil {
		rt.metrics.RecordWait(op, "argument_error")
		return err
	}

	logPolls := rt.config.Settings().Diagnostics.LogPolls
	logger := telemetry.FromContext(ctx)
	threshold := rt.threshold(o.timeout)
	start := time.Now()
	polls := 0

	poll := func() bool {
		polls++
		rt.metrics.RecordPoll()
		ok := cond()
		if logPolls {
			zl := logger.Zerolog()
			zl.Debug().
				Int("poll", polls).
				Bool("satisfied", ok).
				Dur("elapsed", time.Since(start)).
				Msg("Condition evaluated")
		}
		return ok
	}

	if poll() {
		rt.metrics.RecordWait(op, "ok")
		return nil
	}

	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		remaining := threshold - time.Since(start)
		if remaining <= 0 {
			rt.metrics.RecordWait(op, "timeout")
			return NewTimeoutError(op, o.timeout).
				WithDetail("polls", polls).
				WithDetail("interval", o.interval.String())
		}

		sleep := min(o.interval, remaining)
		if timer == nil {
			timer = time.NewTimer(sleep)
		} else {
			timer.Reset(sleep)
		}
		select {
		case <-timer.C:
		case <-ctx.Done():
			rt.metrics.RecordWait(op, "cancelled")
			return ctx.Err()
		}

		if poll() {
			rt.metrics.RecordWait(op, "ok")
			return nil
		}
	}
}
