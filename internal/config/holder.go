package config

import "sync/atomic"

// Holder publishes the current configuration snapshot. Readers take one
// snapshot per unit of work and never see a half-applied reload.
type Holder struct {
	current atomic.Pointer[Config]
	path    string
}

// NewHolder wraps an already loaded configuration read from path.
func NewHolder(cfg *Config, path string) *Holder {
	h := &Holder{path: path}
	h.current.Store(cfg)
	return h
}

// Current returns the active snapshot. Callers must treat it as read-only.
func (h *Holder) Current() *Config {
	return h.current.Load()
}

// Path is the file the configuration was loaded from, possibly empty.
func (h *Holder) Path() string {
	return h.path
}

// Reload re-reads the configuration and swaps it in only if it is valid.
func (h *Holder) Reload() (*Config, error) {
	cfg, err := Load(h.path)
	if err != nil {
		return nil, err
	}
	h.current.Store(cfg)
	return cfg, nil
}

// Set replaces the snapshot.
func (h *Holder) Set(cfg *Config) {
	h.current.Store(cfg)
}
