package config

import (
	"errors"
	"fmt"
	"reflect"
	"sort"
	"strings"
	"sync"
)

// Configuration errors.
var (
	ErrUnknownKey   = errors.New("unknown configuration key")
	ErrInvalidValue = errors.New("invalid configuration value")
	ErrInvalidPath  = errors.New("invalid configuration path")
	ErrReadOnly     = errors.New("configuration source is read-only")
)

// ChangeFunc receives a change to a single key. path is the fully qualified
// key ("async.defaultTimeout"). newValue is nil when the key was removed.
type ChangeFunc func(path string, oldValue, newValue any)

// Service is a central configuration service shared by several components.
type Service interface {
	// Get returns a copy of the values stored under section.
	Get(section string) (map[string]any, bool)

	// Set stores value under a fully qualified key ("section.name").
	Set(key string, value any) error

	// OnChange registers fn for changes under section. The returned
	// function removes the registration.
	OnChange(section string, fn ChangeFunc) (cancel func())

	// Reset removes every value under section.
	Reset(section string) error
}

// SplitPath splits a fully qualified key into its section and name.
func SplitPath(path string) (section, name string, err error) {
	section, name, ok := strings.Cut(path, ".")
	if !ok || section == "" || name == "" {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidPath, path)
	}
	return section, name, nil
}

// JoinPath builds a fully qualified key.
func JoinPath(section, name string) string {
	return section + "." + name
}

// change is a pending notification.
type change struct {
	path     string
	old, new any
}

// MemoryService is an in-process Service. Notifications are delivered
// synchronously on the goroutine that made the change, after the internal
// lock is released.
type MemoryService struct {
	mu        sync.RWMutex
	sections  map[string]map[string]any
	listeners map[string]map[int]ChangeFunc
	nextID    int
}

// NewMemoryService creates an empty in-memory service.
func NewMemoryService() *MemoryService {
	return &MemoryService{
		sections:  make(map[string]map[string]any),
		listeners: make(map[string]map[int]ChangeFunc),
	}
}

// Get returns a copy of the values stored under section.
func (m *MemoryService) Get(section string) (map[string]any, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	values, ok := m.sections[section]
	if !ok {
		return nil, false
	}
	return copyLayer(values), true
}

// Sections returns the names of all non-empty sections, sorted.
func (m *MemoryService) Sections() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	names := make([]string, 0, len(m.sections))
	for name := range m.sections {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Set stores value under key and notifies listeners of the section.
func (m *MemoryService) Set(key string, value any) error {
	section, name, err := SplitPath(key)
	if err != nil {
		return err
	}

	m.mu.Lock()
	values, ok := m.sections[section]
	if !ok {
		values = make(map[string]any)
		m.sections[section] = values
	}
	old := values[name]
	values[name] = value
	m.mu.Unlock()

	if !reflect.DeepEqual(old, value) {
		m.notify(section, []change{{path: key, old: old, new: value}})
	}
	return nil
}

// Replace swaps the whole section for values and notifies listeners of
// every key that changed, was added or was removed.
func (m *MemoryService) Replace(section string, values map[string]any) {
	m.mu.Lock()
	old := m.sections[section]
	if len(values) == 0 {
		delete(m.sections, section)
	} else {
		m.sections[section] = copyLayer(values)
	}
	m.mu.Unlock()

	m.notify(section, diffLayers(section, old, values))
}

// Reset removes the section and notifies listeners of every removed key.
func (m *MemoryService) Reset(section string) error {
	m.Replace(section, nil)
	return nil
}

// OnChange registers fn for changes under section.
func (m *MemoryService) OnChange(section string, fn ChangeFunc) func() {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	if m.listeners[section] == nil {
		m.listeners[section] = make(map[int]ChangeFunc)
	}
	m.listeners[section][id] = fn

	var once sync.Once
	return func() {
		once.Do(func() {
			m.mu.Lock()
			defer m.mu.Unlock()
			delete(m.listeners[section], id)
		})
	}
}

// snapshot returns a copy of every section.
func (m *MemoryService) snapshot() map[string]any {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make(map[string]any, len(m.sections))
	for name, values := range m.sections {
		out[name] = copyLayer(values)
	}
	return out
}

func (m *MemoryService) notify(section string, changes []change) {
	if len(changes) == 0 {
		return
	}

	m.mu.RLock()
	ids := make([]int, 0, len(m.listeners[section]))
	for id := range m.listeners[section] {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	fns := make([]ChangeFunc, 0, len(ids))
	for _, id := range ids {
		fns = append(fns, m.listeners[section][id])
	}
	m.mu.RUnlock()

	for _, c := range changes {
		for _, fn := range fns {
			fn(c.path, c.old, c.new)
		}
	}
}

// diffLayers lists the changes that turn old into new, ordered by key.
func diffLayers(section string, old, new map[string]any) []change {
	keys := make(map[string]struct{}, len(old)+len(new))
	for k := range old {
		keys[k] = struct{}{}
	}
	for k := range new {
		keys[k] = struct{}{}
	}

	sorted := make([]string, 0, len(keys))
	for k := range keys {
		sorted = append(sorted, k)
	}
	sort.Strings(sorted)

	var changes []change
	for _, k := range sorted {
		ov, nv := old[k], new[k]
		if reflect.DeepEqual(ov, nv) {
			continue
		}
		changes = append(changes, change{path: JoinPath(section, k), old: ov, new: nv})
	}
	return changes
}

func copyLayer(values map[string]any) map[string]any {
	out := make(map[string]any, len(values))
	for k, v := range values {
		out[k] = v
	}
	return out
}
