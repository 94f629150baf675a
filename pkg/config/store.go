package config

import (
	"fmt"
	"sync"
	"time"

	"dario.cat/mergo"
	"github.com/rs/zerolog"
)

// Store holds the runtime settings. Values are resolved from three layers:
// built-in defaults, values pushed by an attached central Service, and
// explicit overrides set in-process.
//
// A central change to a key replaces that key's override only when the
// override is older than the last central read. Overrides set after the
// last read are kept.
type Store struct {
	mu sync.RWMutex

	central   map[string]any
	overrides map[string]any
	stamps    map[string]uint64
	seq       uint64
	lastSync  uint64
	effective Settings

	service Service
	cancel  func()

	logger zerolog.Logger
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger used to report central merges.
func WithStoreLogger(logger zerolog.Logger) StoreOption {
	return func(s *Store) {
		s.logger = logger
	}
}

// NewStore creates a store holding the built-in defaults.
func NewStore(opts ...StoreOption) *Store {
	s := &Store{
		central:   make(map[string]any),
		overrides: make(map[string]any),
		stamps:    make(map[string]uint64),
		effective: DefaultSettings(),
		logger:    zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Settings returns the effective settings.
func (s *Store) Settings() Settings {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.effective
}

// DefaultTimeout returns the effective default timeout.
func (s *Store) DefaultTimeout() time.Duration {
	return s.Settings().DefaultTimeout
}

// CheckInterval returns the effective polling interval.
func (s *Store) CheckInterval() time.Duration {
	return s.Settings().CheckInterval
}

// Set records an explicit override for key. The resulting settings must
// validate or the override is rejected.
func (s *Store) Set(key string, value any) error {
	normalized, err := NormalizeValue(key, value)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	overrides := copyLayer(s.overrides)
	overrides[key] = normalized

	effective, err := resolve(s.central, overrides)
	if err != nil {
		return err
	}

	s.seq++
	s.overrides = overrides
	s.stamps[key] = s.seq
	s.effective = effective
	return nil
}

// SetDefaultTimeout overrides the default timeout.
func (s *Store) SetDefaultTimeout(d time.Duration) error {
	return s.Set(KeyDefaultTimeout, d)
}

// SetCheckInterval overrides the polling interval.
func (s *Store) SetCheckInterval(d time.Duration) error {
	return s.Set(KeyCheckInterval, d)
}

// Unset removes the override for key.
func (s *Store) Unset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.overrides, key)
	delete(s.stamps, key)
	s.recompute()
}

// Overrides returns a copy of the explicit overrides.
func (s *Store) Overrides() map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return copyLayer(s.overrides)
}

// Attach reads the async section from svc and subscribes to its changes.
// A previously attached service is detached first.
func (s *Store) Attach(svc Service) error {
	s.Detach()

	values, _ := svc.Get(Section)

	s.mu.Lock()
	central := make(map[string]any, len(values))
	for key, value := range values {
		normalized, err := NormalizeValue(key, value)
		if err != nil {
			s.logger.Warn().Err(err).Str("key", key).Msg("Ignoring central configuration value")
			continue
		}
		central[key] = normalized
	}
	if _, err := resolve(central, s.overrides); err != nil {
		s.mu.Unlock()
		return fmt.Errorf("central configuration rejected: %w", err)
	}
	s.central = central
	s.lastSync = s.seq
	s.service = svc
	s.recompute()
	s.mu.Unlock()

	cancel := svc.OnChange(Section, s.handleChange)

	s.mu.Lock()
	s.cancel = cancel
	s.mu.Unlock()

	s.logger.Debug().Int("keys", len(central)).Msg("Attached central configuration")
	return nil
}

// Detach stops listening to the attached service and drops its values.
// Explicit overrides are kept.
func (s *Store) Detach() {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.service = nil
	s.central = make(map[string]any)
	s.recompute()
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
}

// Service returns the attached central service, if any.
func (s *Store) Service() Service {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.service
}

// Reset drops every override and every central value so the store reports
// the built-in defaults. The service stays attached and later central
// changes still apply.
func (s *Store) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.central = make(map[string]any)
	s.overrides = make(map[string]any)
	s.stamps = make(map[string]uint64)
	s.lastSync = s.seq
	s.effective = DefaultSettings()
}

// FullReset resets the store, clears the async section of the attached
// service and detaches from it.
func (s *Store) FullReset() error {
	svc := s.Service()
	s.Detach()
	s.Reset()

	if svc != nil {
		if err := svc.Reset(Section); err != nil {
			return fmt.Errorf("failed to reset central configuration: %w", err)
		}
	}
	return nil
}

// handleChange merges a change pushed by the central service.
func (s *Store) handleChange(path string, _, newValue any) {
	_, key, err := SplitPath(path)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Ignoring central configuration change")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	central := copyLayer(s.central)
	if newValue == nil {
		delete(central, key)
	} else {
		normalized, err := NormalizeValue(key, newValue)
		if err != nil {
			s.logger.Warn().Err(err).Str("path", path).Msg("Ignoring central configuration change")
			return
		}
		central[key] = normalized
	}

	overrides := s.overrides
	if _, ok := s.overrides[key]; ok && s.stamps[key] <= s.lastSync {
		overrides = copyLayer(s.overrides)
		delete(overrides, key)
	}

	effective, err := resolve(central, overrides)
	if err != nil {
		s.logger.Warn().Err(err).Str("path", path).Msg("Rejected central configuration change")
		return
	}

	if len(overrides) != len(s.overrides) {
		delete(s.stamps, key)
		s.logger.Debug().Str("key", key).Msg("Central value replaced stale override")
	} else if _, ok := overrides[key]; ok {
		s.logger.Debug().Str("key", key).Msg("Kept override set after last central read")
	}

	s.central = central
	s.overrides = overrides
	s.lastSync = s.seq
	s.effective = effective
}

// recompute refreshes the effective settings. Callers hold mu. Layers that
// already passed validation cannot fail here; defaults are kept if they do.
func (s *Store) recompute() {
	effective, err := resolve(s.central, s.overrides)
	if err != nil {
		s.logger.Warn().Err(err).Msg("Configuration layers invalid, using defaults")
		effective = DefaultSettings()
	}
	s.effective = effective
}

// resolve merges defaults, central values and overrides, then validates.
func resolve(central, overrides map[string]any) (Settings, error) {
	merged := DefaultSettings().Map()
	for _, layer := range []map[string]any{central, overrides} {
		if err := mergo.Merge(&merged, layer, mergo.WithOverride); err != nil {
			return Settings{}, fmt.Errorf("failed to merge configuration: %w", err)
		}
	}

	settings, err := settingsFromMap(merged)
	if err != nil {
		return Settings{}, err
	}
	if err := settings.Validate(); err != nil {
		return Settings{}, err
	}
	return settings, nil
}
