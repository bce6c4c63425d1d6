package config

import (
	"log"
	"sync/atomic"
)

// Manager hands out the current immutable config and supports hot reload.
// Readers call Current() on every request; Reload swaps the pointer
// atomically so in-flight turns keep the snapshot they started with.
type Manager struct {
	path    string
	current atomic.Pointer[Config]
	logger  *log.Logger
}

// NewManager loads the initial config from path.
func NewManager(path string) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		path:   path,
		logger: log.New(log.Writer(), "[CONFIG] ", log.LstdFlags),
	}
	m.current.Store(cfg)
	return m, nil
}

// Current returns the active config snapshot.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// Reload re-reads the config file and swaps it in. The old snapshot stays
// valid for turns that already hold it.
func (m *Manager) Reload() error {
	cfg, err := Load(m.path)
	if err != nil {
		m.logger.Printf("⚠️ reload failed, keeping previous config: %v", err)
		return err
	}
	m.current.Store(cfg)
	m.logger.Printf("🔄 config reloaded from %s", m.path)
	return nil
}
