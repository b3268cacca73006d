package config

import (
	"fmt"
	"time"

	"github.com/tonimelisma/autosave/internal/autosave"
)

// EngineOptions converts the [autosave] and [validation] sections into
// engine options.
func (c *Config) EngineOptions() (autosave.Options, error) {
	opts := autosave.DefaultOptions()

	durations := []struct {
		field string
		value string
		dst   *time.Duration
	}{
		{"autosave.debounce", c.Autosave.Debounce, &opts.Debounce},
		{"autosave.failsafe", c.Autosave.Failsafe, &opts.Failsafe},
		{"autosave.retry_backoff_base", c.Autosave.RetryBackoffBase, &opts.RetryBackoffBase},
		{"autosave.max_backoff", c.Autosave.MaxBackoff, &opts.MaxBackoff},
		{"autosave.save_timeout", c.Autosave.SaveTimeout, &opts.SaveTimeout},
	}

	for _, d := range durations {
		parsed, err := time.ParseDuration(d.value)
		if err != nil {
			return autosave.Options{}, fmt.Errorf("%s: %w", d.field, err)
		}

		*d.dst = parsed
	}

	opts.MaxRetries = c.Autosave.MaxRetries
	opts.FlushConcurrency = c.Autosave.FlushConcurrency
	opts.ReadOnlyFields = append([]string(nil), c.Validation.ReadOnly...)
	opts.Rules = make(map[string]string, len(c.Validation.Rules))

	for k, v := range c.Validation.Rules {
		opts.Rules[k] = v
	}

	return opts, nil
}

// TeardownTimeout bounds the final flush on shutdown.
func (c *Config) TeardownTimeout() time.Duration {
	return parseOr(c.Autosave.TeardownTimeout, defaultTeardownTimeout)
}

// ConnectTimeout bounds dialing the backend.
func (c *Config) ConnectTimeout() time.Duration {
	return parseOr(c.Remote.ConnectTimeout, defaultConnectTimeout)
}

// StaleAfter is the age after which an unreplayed fallback entry is
// dropped.
func (c *Config) StaleAfter() time.Duration {
	return parseOr(c.Fallback.StaleAfter, defaultStaleAfter)
}

// parseOr parses s, falling back to def for values Validate would reject.
func parseOr(s, def string) time.Duration {
	if d, err := time.ParseDuration(s); err == nil {
		return d
	}

	d, _ := time.ParseDuration(def) //nolint:errcheck // defaults are valid constants

	return d
}
