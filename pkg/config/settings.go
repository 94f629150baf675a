package config

import (
	"fmt"
	"math"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

// Section is the name under which the async runtime registers with a
// central configuration service.
const Section = "async"

// Setting keys, relative to Section.
const (
	KeyDefaultTimeout = "defaultTimeout"
	KeyCheckInterval  = "checkInterval"
	KeyMaxParallel    = "maxParallel"
	KeyStrategy       = "strategy"
	KeyDebug          = "debug"
	KeyTraceTasks     = "traceTasks"
	KeyLogPolls       = "logPolls"
)

// Batch execution strategies.
const (
	StrategyConcurrent = "concurrent"
	StrategySequential = "sequential"
)

// Built-in defaults.
const (
	DefaultTimeout       = 1000 * time.Millisecond
	DefaultCheckInterval = 10 * time.Millisecond
)

// Keys lists every recognised setting key in display order.
var Keys = []string{
	KeyDefaultTimeout,
	KeyCheckInterval,
	KeyMaxParallel,
	KeyStrategy,
	KeyDebug,
	KeyTraceTasks,
	KeyLogPolls,
}

// Settings is the effective configuration of the async runtime.
type Settings struct {
	// DefaultTimeout applies to WaitUntil, RunAll and test cases that do not
	// set their own timeout.
	DefaultTimeout time.Duration `json:"defaultTimeout" validate:"gt=0"`

	// CheckInterval is the polling interval used by WaitUntil.
	CheckInterval time.Duration `json:"checkInterval" validate:"gt=0"`

	// MaxParallel bounds the number of tasks a concurrent batch runs at
	// once. Zero means unbounded.
	MaxParallel int `json:"maxParallel" validate:"gte=0"`

	// Strategy selects how RunAll executes a batch.
	Strategy string `json:"strategy" validate:"required,oneof=concurrent sequential"`

	// Diagnostics toggles extra logging and tracing.
	Diagnostics Diagnostics `json:"diagnostics"`
}

// Diagnostics contains diagnostic flags.
type Diagnostics struct {
	// Debug enables debug-level logging of task lifecycle.
	Debug bool `json:"debug"`

	// TraceTasks records a span per executed task.
	TraceTasks bool `json:"traceTasks"`

	// LogPolls logs every condition evaluation performed by WaitUntil.
	LogPolls bool `json:"logPolls"`
}

// DefaultSettings returns the built-in settings.
func DefaultSettings() Settings {
	return Settings{
		DefaultTimeout: DefaultTimeout,
		CheckInterval:  DefaultCheckInterval,
		MaxParallel:    0,
		Strategy:       StrategyConcurrent,
	}
}

var validate = validator.New()

// Validate checks the settings against their constraints.
func (s Settings) Validate() error {
	if err := validate.Struct(s); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidValue, err)
	}
	return nil
}

// Map returns the settings as a flat key/value layer. Durations are encoded
// as Go duration strings.
func (s Settings) Map() map[string]any {
	return map[string]any{
		KeyDefaultTimeout: s.DefaultTimeout.String(),
		KeyCheckInterval:  s.CheckInterval.String(),
		KeyMaxParallel:    s.MaxParallel,
		KeyStrategy:       s.Strategy,
		KeyDebug:          s.Diagnostics.Debug,
		KeyTraceTasks:     s.Diagnostics.TraceTasks,
		KeyLogPolls:       s.Diagnostics.LogPolls,
	}
}

// settingsFromMap decodes a flat layer produced by merging. Unknown keys
// are rejected.
func settingsFromMap(m map[string]any) (Settings, error) {
	var s Settings
	for key, value := range m {
		if err := s.apply(key, value); err != nil {
			return Settings{}, err
		}
	}
	return s, nil
}

// apply decodes a single value into the field named by key.
func (s *Settings) apply(key string, value any) error {
	var err error
	switch key {
	case KeyDefaultTimeout:
		s.DefaultTimeout, err = ParseDuration(value)
	case KeyCheckInterval:
		s.CheckInterval, err = ParseDuration(value)
	case KeyMaxParallel:
		s.MaxParallel, err = parseInt(value)
	case KeyStrategy:
		s.Strategy, err = parseString(value)
	case KeyDebug:
		s.Diagnostics.Debug, err = parseBool(value)
	case KeyTraceTasks:
		s.Diagnostics.TraceTasks, err = parseBool(value)
	case KeyLogPolls:
		s.Diagnostics.LogPolls, err = parseBool(value)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKey, key)
	}
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrInvalidValue, key, err)
	}
	return nil
}

// NormalizeValue checks that value decodes for key and returns the form
// stored in configuration layers.
func NormalizeValue(key string, value any) (any, error) {
	var s Settings
	if err := s.apply(key, value); err != nil {
		return nil, err
	}
	return s.Map()[key], nil
}

// ParseDuration accepts a time.Duration, a Go duration string ("250ms"), or
// a number of milliseconds.
func ParseDuration(value any) (time.Duration, error) {
	switch v := value.(type) {
	case time.Duration:
		return v, nil
	case string:
		if d, err := time.ParseDuration(strings.TrimSpace(v)); err == nil {
			return d, nil
		}
		return 0, fmt.Errorf("invalid duration %q", v)
	case float64:
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("invalid duration %v", v)
		}
		return time.Duration(v * float64(time.Millisecond)), nil
	default:
		n, err := parseInt(value)
		if err != nil {
			return 0, fmt.Errorf("invalid duration %v (%T)", value, value)
		}
		return time.Duration(n) * time.Millisecond, nil
	}
}

func parseInt(value any) (int, error) {
	switch v := value.(type) {
	case int:
		return v, nil
	case int32:
		return int(v), nil
	case int64:
		return int(v), nil
	case uint:
		return int(v), nil
	case uint32:
		return int(v), nil
	case uint64:
		return int(v), nil
	case float64:
		if v != math.Trunc(v) {
			return 0, fmt.Errorf("expected integer, got %v", v)
		}
		return int(v), nil
	default:
		return 0, fmt.Errorf("expected integer, got %T", value)
	}
}

func parseString(value any) (string, error) {
	s, ok := value.(string)
	if !ok {
		return "", fmt.Errorf("expected string, got %T", value)
	}
	return s, nil
}

func parseBool(value any) (bool, error) {
	switch v := value.(type) {
	case bool:
		return v, nil
	case string:
		switch strings.ToLower(v) {
		case "true", "yes", "on", "1":
			return true, nil
		case "false", "no", "off", "0":
			return false, nil
		}
	}
	return false, fmt.Errorf("expected boolean, got %v", value)
}
