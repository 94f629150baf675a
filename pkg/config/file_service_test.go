package config

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func writeFile(t *testing.T, path, content string) {
	t.Helper()
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write %s: %v", path, err)
	}
}

func TestFileService_LoadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "asynctest.yaml")
	writeFile(t, path, `
async:
  defaultTimeout: 2s
  checkInterval: 25
  maxParallel: 4
  strategy: sequential
reporting:
  format: json
`)

	svc, err := NewFileService(path)
	if err != nil {
		t.Fatalf("NewFileService() error = %v", err)
	}

	store := NewStore()
	if err := store.Attach(svc); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	s := store.Settings()
	if s.DefaultTimeout != 2*time.Second {
		t.Errorf("DefaultTimeout = %v, want 2s", s.DefaultTimeout)
	}
	if s.CheckInterval != 25*time.Millisecond {
		t.Errorf("CheckInterval = %v, want 25ms", s.CheckInterval)
	}
	if s.MaxParallel != 4 || s.Strategy != StrategySequential {
		t.Errorf("settings = %+v", s)
	}

	if got := svc.Sections(); len(got) != 2 {
		t.Errorf("Sections() = %v, want 2 sections", got)
	}
}

func TestFileService_LoadCUE(t *testing.T) {
	path := filepath.Join(t.TempDir(), "asynctest.cue")
	writeFile(t, path, `
async: {
	defaultTimeout: "1500ms"
	maxParallel:    2 * 3
	debug:          true
}
`)

	svc, err := NewFileService(path)
	if err != nil {
		t.Fatalf("NewFileService() error = %v", err)
	}

	store := NewStore()
	if err := store.Attach(svc); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	s := store.Settings()
	if s.DefaultTimeout != 1500*time.Millisecond {
		t.Errorf("DefaultTimeout = %v, want 1.5s", s.DefaultTimeout)
	}
	if s.MaxParallel != 6 {
		t.Errorf("MaxParallel = %d, want 6", s.MaxParallel)
	}
	if !s.Diagnostics.Debug {
		t.Error("Debug should be enabled")
	}

	if err := svc.Set("async.debug", false); !errors.Is(err, ErrReadOnly) {
		t.Errorf("Set() on CUE source error = %v, want ErrReadOnly", err)
	}
}

func TestFileService_CUESchemaLeavesOtherSectionsOpen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "asynctest.cue")
	writeFile(t, path, `
async: checkInterval: 25
reporting: {
	format: "junit"
	anything: [1, 2]
}
`)

	svc, err := NewFileService(path)
	if err != nil {
		t.Fatalf("NewFileService() error = %v", err)
	}
	if _, ok := svc.Get("reporting"); !ok {
		t.Error("reporting section should be loaded")
	}

	store := NewStore()
	if err := store.Attach(svc); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if got := store.CheckInterval(); got != 25*time.Millisecond {
		t.Errorf("CheckInterval() = %v, want 25ms", got)
	}
}

func TestFileService_InvalidSources(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		name    string
		file    string
		content string
	}{
		{name: "bad yaml", file: "bad.yaml", content: "async: [unterminated"},
		{name: "non-mapping section", file: "flat.yaml", content: "async: 5\n"},
		{name: "bad cue", file: "bad.cue", content: "async: {"},
		{name: "incomplete cue", file: "open.cue", content: "async: { defaultTimeout: string }"},
		{name: "unknown cue key", file: "typo.cue", content: "async: { defaultTimout: \"1s\" }"},
		{name: "cue strategy", file: "strategy.cue", content: "async: { strategy: \"random\" }"},
		{name: "cue negative bound", file: "bound.cue", content: "async: { maxParallel: -1 }"},
		{name: "cue duration", file: "duration.cue", content: "async: { checkInterval: \"soon\" }"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(dir, tt.file)
			writeFile(t, path, tt.content)
			if _, err := NewFileService(path); err == nil {
				t.Error("expected an error")
			}
		})
	}

	if _, err := NewFileService(filepath.Join(dir, "config.toml")); err == nil {
		t.Error("expected unsupported extension error")
	}
}

func TestFileService_SetPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "asynctest.yml")

	svc, err := NewFileService(path)
	if err != nil {
		t.Fatalf("NewFileService() on missing file error = %v", err)
	}

	if err := svc.Set("async.defaultTimeout", 3*time.Second); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := svc.Set("async.strategy", "sequential"); err != nil {
		t.Fatalf("Set() error = %v", err)
	}

	reloaded, err := NewFileService(path)
	if err != nil {
		t.Fatalf("reload error = %v", err)
	}
	values, ok := reloaded.Get("async")
	if !ok {
		t.Fatal("async section not persisted")
	}
	if values["defaultTimeout"] != "3s" {
		t.Errorf("defaultTimeout = %v, want 3s", values["defaultTimeout"])
	}
	if values["strategy"] != "sequential" {
		t.Errorf("strategy = %v, want sequential", values["strategy"])
	}

	if err := reloaded.Reset("async"); err != nil {
		t.Fatalf("Reset() error = %v", err)
	}
	again, _ := NewFileService(path)
	if _, ok := again.Get("async"); ok {
		t.Error("Reset() should persist removal of the section")
	}
}

func TestFileService_LoadNotifiesDifferences(t *testing.T) {
	path := filepath.Join(t.TempDir(), "asynctest.yaml")
	writeFile(t, path, "async:\n  maxParallel: 1\n  debug: true\n")

	svc, err := NewFileService(path)
	if err != nil {
		t.Fatalf("NewFileService() error = %v", err)
	}
	changes, _ := recordChanges(svc, "async")

	writeFile(t, path, "async:\n  maxParallel: 2\n  debug: true\n")
	if err := svc.Load(); err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	if len(*changes) != 1 || (*changes)[0].path != "async.maxParallel" || (*changes)[0].new != 2 {
		t.Errorf("changes = %+v", *changes)
	}
}

func TestFileService_Watch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "asynctest.yaml")
	writeFile(t, path, "async:\n  defaultTimeout: 1s\n")

	svc, err := NewFileService(path,
		WithReloadDelay(20*time.Millisecond),
		WithFileLogger(zerolog.New(nil).Level(zerolog.Disabled)),
	)
	if err != nil {
		t.Fatalf("NewFileService() error = %v", err)
	}

	store := NewStore()
	if err := store.Attach(svc); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	if err := svc.Watch(ctx); err != nil {
		t.Fatalf("Watch() error = %v", err)
	}
	defer svc.StopWatching()

	writeFile(t, path, "async:\n  defaultTimeout: 4s\n")

	deadline := time.Now().Add(5 * time.Second)
	for store.DefaultTimeout() != 4*time.Second {
		if time.Now().After(deadline) {
			t.Fatalf("reload not observed, DefaultTimeout() = %v", store.DefaultTimeout())
		}
		time.Sleep(10 * time.Millisecond)
	}
}
