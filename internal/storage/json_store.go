package storage

import (
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	registryFileName = "devices.json"
	debounceDelay    = 500 * time.Millisecond
)

// JSONStore is an atomic JSON file store with debounced writes. An
// optional watcher reloads the registry when the file changes externally
// (another process pairing a device, a hand-edited file).
type JSONStore struct {
	mu      sync.Mutex
	path    string
	timer   *time.Timer
	pending *Registry

	watcher  *fsnotify.Watcher
	onReload func(*Registry)
}

// NewJSONStore creates a store in the given config directory.
func NewJSONStore(configDir string) *JSONStore {
	return &JSONStore{path: filepath.Join(configDir, registryFileName)}
}

// Path returns the file path used by this store.
func (s *JSONStore) Path() string { return s.path }

// Load reads the registry from disk. A missing or corrupt file yields an
// empty registry.
func (s *JSONStore) Load() (*Registry, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return NewRegistry(), nil
		}
		return nil, err
	}
	var registry Registry
	if err := json.Unmarshal(data, &registry); err != nil {
		slog.Warn("storage: corrupt registry, starting empty", "path", s.path, "err", err)
		return NewRegistry(), nil
	}
	return &registry, nil
}

// Save schedules a debounced write of the registry.
func (s *JSONStore) Save(registry *Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	copied := *registry
	s.pending = &copied

	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(debounceDelay, func() {
		s.mu.Lock()
		pending := s.pending
		s.mu.Unlock()
		if pending != nil {
			if err := s.writeAtomic(pending); err != nil {
				slog.Error("storage: failed to write registry", "path", s.path, "err", err)
			}
		}
	})
	return nil
}

// Flush forces an immediate write of any pending registry.
func (s *JSONStore) Flush() error {
	s.mu.Lock()
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	pending := s.pending
	s.mu.Unlock()
	if pending == nil {
		return nil
	}
	return s.writeAtomic(pending)
}

func (s *JSONStore) writeAtomic(registry *Registry) error {
	data, err := json.MarshalIndent(registry, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return err
	}
	tmpPath := s.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmpPath, s.path)
}

// Watch reloads the registry when the file changes on disk and delivers
// it to onReload. Stop the watcher with Close.
func (s *JSONStore) Watch(onReload func(*Registry)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		watcher.Close()
		return err
	}
	if err := watcher.Add(filepath.Dir(s.path)); err != nil {
		watcher.Close()
		return err
	}
	s.mu.Lock()
	s.watcher = watcher
	s.onReload = onReload
	s.mu.Unlock()

	go func() {
		for {
			select {
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if event.Name != s.path || !event.Has(fsnotify.Write|fsnotify.Create) {
					continue
				}
				registry, err := s.Load()
				if err != nil {
					slog.Warn("storage: reload failed", "err", err)
					continue
				}
				onReload(registry)
			case _, ok := <-watcher.Errors:
				if !ok {
					return
				}
			}
		}
	}()
	return nil
}

// Close stops the watcher, if started.
func (s *JSONStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.watcher != nil {
		err := s.watcher.Close()
		s.watcher = nil
		return err
	}
	return nil
}

// MemStore is an in-memory Store for tests.
type MemStore struct {
	mu       sync.Mutex
	registry *Registry
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{registry: NewRegistry()}
}

// Load returns a copy of the stored registry.
func (m *MemStore) Load() (*Registry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *m.registry
	return &copied, nil
}

// Save replaces the stored registry.
func (m *MemStore) Save(registry *Registry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := *registry
	m.registry = &copied
	return nil
}

// Flush is a no-op.
func (m *MemStore) Flush() error { return nil }

// Path identifies the store in logs.
func (m *MemStore) Path() string { return ":memory:" }
