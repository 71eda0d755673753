package config

import (
	"log"
	"os"
	"sync"
	"time"
)

// Store owns the live configuration value and reloads it when the file's
// modification time changes. The monitor calls MaybeReload at the top of
// every cycle and works off the returned value for the rest of the cycle.
type Store struct {
	mu      sync.Mutex
	path    string
	current *Config
	modTime time.Time
	logger  *log.Logger
}

// NewStore performs the initial load. An initial load failure is fatal to
// the caller; it is returned rather than degraded.
func NewStore(path string, logger *log.Logger) (*Store, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}
	s := &Store{path: path, current: cfg, logger: logger}
	if info, err := os.Stat(path); err == nil {
		s.modTime = info.ModTime()
	}
	return s, nil
}

// Current returns the most recently loaded configuration.
func (s *Store) Current() *Config {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.current
}

// MaybeReload re-reads the config file if its mtime changed since the last
// load. On a parse or validation failure the previous config is retained
// and a warning is logged. The reloaded flag is true only when a new value
// was actually installed, so the initial load never reports a reload.
func (s *Store) MaybeReload() (*Config, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	info, err := os.Stat(s.path)
	if err != nil {
		s.logger.Printf("Warning: could not stat config file %s: %v", s.path, err)
		return s.current, false
	}
	if info.ModTime().Equal(s.modTime) {
		return s.current, false
	}

	cfg, err := Load(s.path)
	if err != nil {
		s.logger.Printf("Warning: config reload failed, keeping previous config: %v", err)
		// Remember the mtime anyway so a broken file does not warn every cycle.
		s.modTime = info.ModTime()
		return s.current, false
	}

	s.current = cfg
	s.modTime = info.ModTime()
	return s.current, true
}
