package telemetry

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{name: "default", modify: func(*Config) {}},
		{name: "development", modify: func(c *Config) { *c = *DevelopmentConfig() }},
		{name: "missing service name", modify: func(c *Config) { c.ServiceName = "" }, wantErr: true},
		{name: "bad level", modify: func(c *Config) { c.Logging.Level = "loud" }, wantErr: true},
		{name: "bad format", modify: func(c *Config) { c.Logging.Format = "xml" }, wantErr: true},
		{
			name: "bad exporter",
			modify: func(c *Config) {
				c.Tracing.Enabled = true
				c.Tracing.Exporter = "zipkin"
			},
			wantErr: true,
		},
		{name: "sampling out of range", modify: func(c *Config) { c.Tracing.SamplingRate = 2 }, wantErr: true},
		{
			name: "async events without buffer",
			modify: func(c *Config) {
				c.Events.EnableAsync = true
				c.Events.BufferSize = 0
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.modify(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestLoggerWritesFields(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "debug", Format: "json"}, &buf)

	logger.NewComponentLogger("async").WithTaskID("t-1").Debug("task started")

	out := buf.String()
	for _, want := range []string{`"component":"async"`, `"task_id":"t-1"`, `"message":"task started"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output %q missing %s", out, want)
		}
	}
}

func TestLoggerDisabledLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "disabled", Format: "json"}, &buf)
	logger.Error("should not appear")

	if buf.Len() != 0 {
		t.Errorf("expected no output, got %q", buf.String())
	}
}

func TestFromContextFallsBackToNop(t *testing.T) {
	if FromContext(context.Background()) == nil {
		t.Fatal("FromContext() returned nil")
	}

	var buf bytes.Buffer
	logger := NewLoggerWithWriter(LoggingConfig{Level: "info", Format: "json"}, &buf).WithRunID("run-7")
	ctx := logger.WithContext(context.Background())
	if FromContext(ctx) != logger {
		t.Fatal("FromContext() should return the stored logger")
	}

	FromContext(ctx).WithFields(map[string]interface{}{"attempt": 2}).Warn("retrying")
	for _, want := range []string{`"run_id":"run-7"`, `"attempt":2`, `"level":"warn"`} {
		if !strings.Contains(buf.String(), want) {
			t.Errorf("log output %q missing %s", buf.String(), want)
		}
	}
}

func TestFromZerolog(t *testing.T) {
	var buf bytes.Buffer
	logger := FromZerolog(zerolog.New(&buf)).WithError(errors.New("boom"))
	logger.Info("wrapped")

	if !strings.Contains(buf.String(), `"error":"boom"`) {
		t.Errorf("log output %q missing error field", buf.String())
	}
}

func TestMetricsRecording(t *testing.T) {
	m, err := NewMetrics(DefaultConfig().Metrics)
	if err != nil {
		t.Fatalf("NewMetrics() error = %v", err)
	}

	m.RecordTaskStarted()
	m.RecordTaskCompleted("succeeded", 5*time.Millisecond)
	m.RecordBatch("concurrent", "timeout", time.Millisecond)
	m.RecordWait("wait_until", "ok")
	m.RecordPoll()
	m.RecordPoll()
	m.RecordTest("passed", time.Millisecond)

	want := map[string]float64{
		"asynctest_tasks_executed_total": 1,
		"asynctest_tasks_in_flight":      0,
		"asynctest_batches_total":        1,
		"asynctest_waits_total":          1,
		"asynctest_wait_polls_total":     2,
		"asynctest_tests_total":          1,
	}
	got := gatherValues(t, m)
	for name, w := range want {
		if got[name] != w {
			t.Errorf("%s = %v, want %v", name, got[name], w)
		}
	}
}

// gatherValues sums counter and gauge samples per metric family.
func gatherValues(t *testing.T, m *Metrics) map[string]float64 {
	t.Helper()

	families, err := m.Registry().Gather()
	if err != nil {
		t.Fatalf("Gather() error = %v", err)
	}

	values := make(map[string]float64)
	for _, mf := range families {
		for _, metric := range mf.GetMetric() {
			switch {
			case metric.GetCounter() != nil:
				values[mf.GetName()] += metric.GetCounter().GetValue()
			case metric.GetGauge() != nil:
				values[mf.GetName()] += metric.GetGauge().GetValue()
			}
		}
	}
	return values
}

func TestMetricsNilSafe(t *testing.T) {
	var m *Metrics
	m.RecordTaskStarted()
	m.RecordTaskCompleted("failed", time.Second)
	m.RecordBatch("sequential", "ok", time.Second)
	m.RecordWait("await", "ok")
	m.RecordPoll()
	m.RecordTest("failed", time.Second)

	if m.Registry() != nil {
		t.Error("nil metrics should have no registry")
	}

	disabled, _ := NewMetrics(MetricsConfig{})
	disabled.RecordTaskStarted()
	disabled.RecordPoll()
}

func TestTracerSpans(t *testing.T) {
	tracer, err := NewTracer(TracingConfig{Enabled: true, Exporter: "none", SamplingRate: 1}, "asynctest", "test")
	if err != nil {
		t.Fatalf("NewTracer() error = %v", err)
	}
	defer tracer.Shutdown(context.Background())

	ctx, span := tracer.StartBatchSpan(context.Background(), 3, "concurrent")
	if TraceID(ctx) == "" {
		t.Error("expected a trace ID for a sampled span")
	}
	_, child := tracer.StartTaskSpan(ctx, "task-1", "fetch")
	EndSpan(child, errors.New("boom"))
	EndSpan(span, nil)
}

func TestNopTracer(t *testing.T) {
	ctx, span := NopTracer().StartTestSpan(context.Background(), "case")
	defer span.End()

	if TraceID(ctx) != "" {
		t.Error("nop tracer should not produce a valid trace ID")
	}
}

func TestEventPublisherSync(t *testing.T) {
	ep, err := NewEventPublisher(EventsConfig{Enabled: true})
	if err != nil {
		t.Fatalf("NewEventPublisher() error = %v", err)
	}

	var got []Event
	ep.Subscribe(func(e Event) { got = append(got, e) }, FilterByRunID("run-1"))

	_ = ep.PublishTestResult("run-1", "a", "passed", time.Millisecond, nil)
	_ = ep.PublishTestResult("run-2", "b", "passed", time.Millisecond, nil)
	_ = ep.PublishTestResult("run-1", "c", "exploded", time.Millisecond, errors.New("boom"))

	if len(got) != 2 {
		t.Fatalf("received %d events, want 2", len(got))
	}
	if got[0].Type != EventTypeTestPassed || got[0].ID == "" {
		t.Errorf("first event = %+v", got[0])
	}
	if got[1].Type != EventTypeTestFailed || got[1].Data["error"] != "boom" {
		t.Errorf("second event = %+v", got[1])
	}
}

func TestEventPublisherAsyncFlushesOnShutdown(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{Enabled: true, EnableAsync: true, BufferSize: 8})

	received := make(chan Event, 8)
	ep.Subscribe(func(e Event) { received <- e }, nil)

	for i := 0; i < 3; i++ {
		if err := ep.Publish(Event{Type: EventTypeTestStarted}); err != nil {
			t.Fatalf("Publish() error = %v", err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := ep.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}

	if len(received) != 3 {
		t.Errorf("received %d events, want 3", len(received))
	}
}

func TestEventPublisherDisabled(t *testing.T) {
	ep, _ := NewEventPublisher(EventsConfig{})
	called := false
	ep.Subscribe(func(Event) { called = true }, nil)

	_ = ep.Publish(Event{Type: EventTypeRunStarted})
	if called {
		t.Error("disabled publisher delivered an event")
	}
}

func TestNewTelemetry(t *testing.T) {
	tel, err := NewTelemetry(DefaultConfig())
	if err != nil {
		t.Fatalf("NewTelemetry() error = %v", err)
	}
	if tel.Metrics.Registry() == nil {
		t.Error("default config should enable metrics")
	}
	if err := tel.Shutdown(context.Background()); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	bad := DefaultConfig()
	bad.Logging.Level = "nope"
	if _, err := NewTelemetry(bad); err == nil {
		t.Error("expected error for invalid config")
	}
}
