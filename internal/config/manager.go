package config

import (
	"fmt"
	"sync"
)

// Manager provides thread-safe access to live configuration. Reload swaps a
// freshly validated config atomically; readers always see a consistent
// snapshot.
type Manager struct {
	mu  sync.RWMutex
	cfg *Config
}

// NewManager constructs a manager with an initial config. The input is
// cloned so later caller mutations do not leak into live readers.
func NewManager(initial *Config) *Manager {
	return &Manager{cfg: clone(initial)}
}

// Get returns the current config snapshot under a shared lock.
func (m *Manager) Get() *Config {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cfg
}

// Set clones and installs a new config under an exclusive lock.
func (m *Manager) Set(cfg *Config) {
	next := clone(cfg)
	m.mu.Lock()
	m.cfg = next
	m.mu.Unlock()
}

// Reload loads config from path and atomically swaps it into place.
func (m *Manager) Reload(path string) error {
	if path == "" {
		return fmt.Errorf("config reload path is required")
	}

	loaded, err := Load(path)
	if err != nil {
		return err
	}

	m.Set(loaded)
	return nil
}

func clone(cfg *Config) *Config {
	if cfg == nil {
		return nil
	}
	cp := *cfg
	return &cp
}
