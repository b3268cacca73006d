package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValidate_Defaults(t *testing.T) {
	require.NoError(t, Validate(DefaultConfig()))
}

func TestValidate_Errors(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"bad debounce", func(c *Config) { c.Autosave.Debounce = "fast" }, "autosave.debounce: invalid duration"},
		{"tiny debounce", func(c *Config) { c.Autosave.Debounce = "1ms" }, "autosave.debounce: must be >="},
		{"failsafe not above debounce", func(c *Config) {
			c.Autosave.Debounce = "30s"
			c.Autosave.Failsafe = "30s"
		}, "autosave.failsafe: must be longer than debounce"},
		{"max backoff below base", func(c *Config) {
			c.Autosave.RetryBackoffBase = "10s"
			c.Autosave.MaxBackoff = "5s"
		}, "autosave.max_backoff"},
		{"negative retries", func(c *Config) { c.Autosave.MaxRetries = -1 }, "autosave.max_retries"},
		{"too many retries", func(c *Config) { c.Autosave.MaxRetries = 100 }, "autosave.max_retries"},
		{"zero concurrency", func(c *Config) { c.Autosave.FlushConcurrency = 0 }, "autosave.flush_concurrency"},
		{"short save timeout", func(c *Config) { c.Autosave.SaveTimeout = "10ms" }, "autosave.save_timeout"},
		{"endpoint scheme", func(c *Config) { c.Remote.Endpoint = "ws://x" }, "remote.endpoint: scheme"},
		{"endpoint host", func(c *Config) { c.Remote.Endpoint = "http://" }, "remote.endpoint: missing host"},
		{"connect timeout", func(c *Config) { c.Remote.ConnectTimeout = "0s" }, "remote.connect_timeout"},
		{"stale after", func(c *Config) { c.Fallback.StaleAfter = "1m" }, "fallback.stale_after"},
		{"listen", func(c *Config) { c.Server.Listen = "8080" }, "server.listen"},
		{"undefined rule", func(c *Config) { c.Validation.Rules["count"] = "no_such_rule" }, "validation.rules"},
		{"empty read-only", func(c *Config) { c.Validation.ReadOnly = []string{""} }, "validation.read_only"},
		{"duplicate read-only", func(c *Config) { c.Validation.ReadOnly = []string{"item", "item"} }, "duplicate field"},
		{"read-only with rule", func(c *Config) {
			c.Validation.ReadOnly = []string{"item"}
			c.Validation.Rules["item"] = "required"
		}, "also has a rule"},
		{"log level", func(c *Config) { c.Logging.LogLevel = "trace" }, "logging.log_level"},
		{"log format", func(c *Config) { c.Logging.LogFormat = "xml" }, "logging.log_format"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)

			err := Validate(cfg)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidate_AccumulatesAllErrors(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Autosave.MaxRetries = -1
	cfg.Remote.Endpoint = "nope"
	cfg.Logging.LogFormat = "xml"

	err := Validate(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "autosave.max_retries")
	assert.Contains(t, err.Error(), "remote.endpoint")
	assert.Contains(t, err.Error(), "logging.log_format")
}

func TestValidateResolved_RequiresPaths(t *testing.T) {
	cfg := DefaultConfig()

	err := ValidateResolved(cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fallback.path")
	assert.Contains(t, err.Error(), "server.db_path")

	cfg.Fallback.Path = "/tmp/pending.json"
	cfg.Server.DBPath = "/tmp/entities.db"
	require.NoError(t, ValidateResolved(cfg))
}
