package config

import (
	"fmt"
	"sync"
)

// Holder provides thread-safe access to a mutable *Config and an immutable
// config file path. serve reads through a shared Holder, so a reload on
// SIGHUP or a file change updates config in exactly one place.
type Holder struct {
	mu   sync.RWMutex
	cfg  *Config
	path string // immutable after construction
	env  EnvOverrides
}

// NewHolder creates a Holder with the initial config, its file path, and
// the environment overrides to reapply on reload.
func NewHolder(cfg *Config, path string, env EnvOverrides) *Holder {
	return &Holder{
		cfg:  cfg,
		path: path,
		env:  env,
	}
}

// Config returns the current config snapshot.
func (h *Holder) Config() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Path returns the config file path.
func (h *Holder) Path() string {
	return h.path
}

// Update replaces the config.
func (h *Holder) Update(cfg *Config) {
	h.mu.Lock()
	defer h.mu.Unlock()

	h.cfg = cfg
}

// Reload re-reads the config file. On error the current config is kept.
func (h *Holder) Reload() (*Config, error) {
	cfg, err := LoadOrDefault(h.path)
	if err != nil {
		return nil, fmt.Errorf("reloading %s: %w", h.path, err)
	}

	h.env.apply(cfg)
	h.Update(cfg)

	return cfg, nil
}
