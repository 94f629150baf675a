package config

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// FileService is a Service backed by a YAML or CUE file. Each top-level key
// of the file is a section. YAML files are rewritten on Set and Reset; CUE
// files are read-only.
type FileService struct {
	path        string
	format      string
	mem         *MemoryService
	logger      zerolog.Logger
	reloadDelay time.Duration

	writeMu sync.Mutex

	watchMu sync.Mutex
	watcher *fsnotify.Watcher
}

// FileServiceOption configures a FileService.
type FileServiceOption func(*FileService)

// WithFileLogger sets the logger used by the service.
func WithFileLogger(logger zerolog.Logger) FileServiceOption {
	return func(f *FileService) {
		f.logger = logger
	}
}

// WithReloadDelay sets the debounce delay applied to file change events.
func WithReloadDelay(d time.Duration) FileServiceOption {
	return func(f *FileService) {
		f.reloadDelay = d
	}
}

// NewFileService creates a service for path and loads it. A missing YAML
// file is treated as empty and created on the first write.
func NewFileService(path string, opts ...FileServiceOption) (*FileService, error) {
	format, err := formatOf(path)
	if err != nil {
		return nil, err
	}

	f := &FileService{
		path:        path,
		format:      format,
		mem:         NewMemoryService(),
		logger:      zerolog.Nop(),
		reloadDelay: 500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(f)
	}

	if err := f.Load(); err != nil {
		return nil, err
	}
	return f, nil
}

// Path returns the backing file path.
func (f *FileService) Path() string {
	return f.path
}

// Get returns a copy of the values stored under section.
func (f *FileService) Get(section string) (map[string]any, bool) {
	return f.mem.Get(section)
}

// Sections returns the sections present in the file.
func (f *FileService) Sections() []string {
	return f.mem.Sections()
}

// OnChange registers fn for changes under section, whether they come from
// Set, Reset or a reload of the file.
func (f *FileService) OnChange(section string, fn ChangeFunc) func() {
	return f.mem.OnChange(section, fn)
}

// Set stores value under key and persists the file.
func (f *FileService) Set(key string, value any) error {
	if f.format != "yaml" {
		return fmt.Errorf("%w: %s", ErrReadOnly, f.path)
	}
	if d, ok := value.(time.Duration); ok {
		value = d.String()
	}

	if err := f.mem.Set(key, value); err != nil {
		return err
	}
	return f.persist()
}

// Reset removes section and persists the file.
func (f *FileService) Reset(section string) error {
	if f.format != "yaml" {
		return fmt.Errorf("%w: %s", ErrReadOnly, f.path)
	}
	if err := f.mem.Reset(section); err != nil {
		return err
	}
	return f.persist()
}

// Load reads the file and notifies listeners of every difference with the
// previously loaded content.
func (f *FileService) Load() error {
	sections, err := f.read()
	if err != nil {
		return err
	}

	seen := make(map[string]bool, len(sections))
	for name, values := range sections {
		seen[name] = true
		f.mem.Replace(name, values)
	}
	for _, name := range f.mem.Sections() {
		if !seen[name] {
			f.mem.Replace(name, nil)
		}
	}

	f.logger.Debug().
		Str("path", f.path).
		Int("sections", len(sections)).
		Msg("Configuration file loaded")

	return nil
}

// read parses the file into sections.
func (f *FileService) read() (map[string]map[string]any, error) {
	data, err := os.ReadFile(f.path)
	if err != nil {
		if os.IsNotExist(err) && f.format == "yaml" {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read configuration file: %w", err)
	}

	var raw map[string]any
	switch f.format {
	case "yaml":
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return nil, fmt.Errorf("failed to parse YAML configuration %s: %w", f.path, err)
		}
	case "cue":
		v := cuecontext.New().CompileBytes(data, cue.Filename(f.path))
		if err := v.Err(); err != nil {
			return nil, fmt.Errorf("failed to compile CUE configuration %s: %w", f.path, err)
		}
		v, err = unifySchema(v)
		if err != nil {
			return nil, err
		}
		if err := v.Validate(cue.Concrete(true)); err != nil {
			return nil, fmt.Errorf("CUE configuration %s is invalid: %w", f.path, err)
		}
		if err := v.Decode(&raw); err != nil {
			return nil, fmt.Errorf("failed to decode CUE configuration %s: %w", f.path, err)
		}
	}

	sections := make(map[string]map[string]any, len(raw))
	for name, value := range raw {
		values, ok := value.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("section %q in %s is not a mapping", name, f.path)
		}
		sections[name] = values
	}
	return sections, nil
}

// persist writes every section back to the file.
func (f *FileService) persist() error {
	f.writeMu.Lock()
	defer f.writeMu.Unlock()

	data, err := yaml.Marshal(f.mem.snapshot())
	if err != nil {
		return fmt.Errorf("failed to encode configuration: %w", err)
	}

	if dir := filepath.Dir(f.path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("failed to create configuration directory: %w", err)
		}
	}

	tmp := f.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write configuration file: %w", err)
	}
	if err := os.Rename(tmp, f.path); err != nil {
		return fmt.Errorf("failed to replace configuration file: %w", err)
	}
	return nil
}

// Watch reloads the file whenever it changes until ctx is done. Bursts of
// events are coalesced using the reload delay.
func (f *FileService) Watch(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	// Editors often replace files, so watch the directory and filter by name.
	if err := watcher.Add(filepath.Dir(f.path)); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", f.path, err)
	}

	f.watchMu.Lock()
	if f.watcher != nil {
		_ = f.watcher.Close()
	}
	f.watcher = watcher
	f.watchMu.Unlock()

	go f.processEvents(ctx, watcher)

	f.logger.Info().Str("path", f.path).Msg("Started watching configuration file")
	return nil
}

// processEvents processes file system events and triggers reloads.
func (f *FileService) processEvents(ctx context.Context, watcher *fsnotify.Watcher) {
	var reloadTimer *time.Timer
	defer func() {
		if reloadTimer != nil {
			reloadTimer.Stop()
		}
	}()

	target := filepath.Clean(f.path)

	for {
		select {
		case <-ctx.Done():
			_ = watcher.Close()
			return

		case event, ok := <-watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != target {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}

			f.logger.Debug().
				Str("file", event.Name).
				Str("op", event.Op.String()).
				Msg("Configuration file changed")

			if reloadTimer != nil {
				reloadTimer.Stop()
			}
			reloadTimer = time.AfterFunc(f.reloadDelay, func() {
				if ctx.Err() != nil {
					return
				}
				if err := f.Load(); err != nil {
					f.logger.Error().Err(err).Msg("Failed to reload configuration file")
				}
			})

		case err, ok := <-watcher.Errors:
			if !ok {
				return
			}
			f.logger.Error().Err(err).Msg("Configuration watcher error")
		}
	}
}

// StopWatching stops the file watcher.
func (f *FileService) StopWatching() error {
	f.watchMu.Lock()
	defer f.watchMu.Unlock()

	if f.watcher == nil {
		return nil
	}
	err := f.watcher.Close()
	f.watcher = nil
	return err
}

func formatOf(path string) (string, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return "yaml", nil
	case ".cue":
		return "cue", nil
	default:
		return "", fmt.Errorf("unsupported configuration file %q: expected .yaml, .yml or .cue", path)
	}
}
