package config

import (
	"reflect"
	"sync"
)

// Holder is the live configuration of a long-running command. Readers take
// the current *Config on every use; a SIGHUP reload installs a new one with
// Swap. The config file path is fixed for the life of the process.
type Holder struct {
	path string

	mu      sync.RWMutex
	cfg     *Config
	reloads int
}

// NewHolder wraps the config resolved at startup from the file at path.
func NewHolder(cfg *Config, path string) *Holder {
	return &Holder{cfg: cfg, path: path}
}

// Config returns the current config. Callers must not modify it.
func (h *Holder) Config() *Config {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.cfg
}

// Path returns the config file the process was started with.
func (h *Holder) Path() string {
	return h.path
}

// Swap installs cfg and returns the TOML names of the sections that differ
// from the config it replaces, in file order.
func (h *Holder) Swap(cfg *Config) []string {
	h.mu.Lock()
	defer h.mu.Unlock()

	changed := ChangedSections(h.cfg, cfg)
	h.cfg = cfg
	h.reloads++

	return changed
}

// Reloads returns how many times Swap has run.
func (h *Holder) Reloads() int {
	h.mu.RLock()
	defer h.mu.RUnlock()

	return h.reloads
}

// ChangedSections compares two configs section by section. A nil config
// differs in every section.
func ChangedSections(prev, next *Config) []string {
	if prev == nil || next == nil {
		return []string{"autosave", "remote", "fallback", "server", "validation", "logging"}
	}

	sections := []struct {
		name       string
		prev, next any
	}{
		{"autosave", prev.Autosave, next.Autosave},
		{"remote", prev.Remote, next.Remote},
		{"fallback", prev.Fallback, next.Fallback},
		{"server", prev.Server, next.Server},
		{"validation", prev.Validation, next.Validation},
		{"logging", prev.Logging, next.Logging},
	}

	var changed []string

	for _, s := range sections {
		if !reflect.DeepEqual(s.prev, s.next) {
			changed = append(changed, s.name)
		}
	}

	return changed
}
