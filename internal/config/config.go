// Package config implements TOML configuration loading, validation, and
// platform-specific path resolution for autosave. It supports a four-layer
// override chain: defaults -> config file -> environment -> CLI flags.
package config

// Config is the top-level configuration structure parsed from a TOML file.
// Durations are kept as strings so the file round-trips exactly; they are
// checked by Validate and parsed by the accessor methods.
type Config struct {
	Autosave   AutosaveConfig   `toml:"autosave"`
	Remote     RemoteConfig     `toml:"remote"`
	Fallback   FallbackConfig   `toml:"fallback"`
	Server     ServerConfig     `toml:"server"`
	Validation ValidationConfig `toml:"validation"`
	Logging    LoggingConfig    `toml:"logging"`
}

// AutosaveConfig controls when edits are saved and how failed saves are
// retried.
type AutosaveConfig struct {
	Debounce         string `toml:"debounce"`
	Failsafe         string `toml:"failsafe"`
	MaxRetries       int    `toml:"max_retries"`
	RetryBackoffBase string `toml:"retry_backoff_base"`
	MaxBackoff       string `toml:"max_backoff"`
	SaveTimeout      string `toml:"save_timeout"`
	TeardownTimeout  string `toml:"teardown_timeout"`
	FlushConcurrency int    `toml:"flush_concurrency"`
}

// RemoteConfig controls the HTTP binding to the backend.
type RemoteConfig struct {
	Endpoint       string `toml:"endpoint"`
	ConnectTimeout string `toml:"connect_timeout"`
	UserAgent      string `toml:"user_agent"`
}

// FallbackConfig controls the local store of edits that could not be sent.
// An empty Path means the platform data directory.
type FallbackConfig struct {
	Path       string `toml:"path"`
	StaleAfter string `toml:"stale_after"`
}

// ServerConfig controls the reference backend started by "serve".
type ServerConfig struct {
	Listen string `toml:"listen"`
	DBPath string `toml:"db_path"`
}

// ValidationConfig holds per-field rules checked before an edit is
// accepted, and the display-only fields that are never compared or sent.
// Rules map a field name to a validator tag such as "gte=0".
type ValidationConfig struct {
	Rules    map[string]string `toml:"rules"`
	ReadOnly []string          `toml:"read_only"`
}

// LoggingConfig controls log output behavior.
type LoggingConfig struct {
	LogLevel  string `toml:"log_level"`
	LogFile   string `toml:"log_file"`
	LogFormat string `toml:"log_format"`
}

// CLIOverrides holds values from CLI flags that override config file and
// environment settings. Pointer fields distinguish "not specified" (nil)
// from "explicitly set to the zero value".
type CLIOverrides struct {
	ConfigPath   string  // --config flag (empty = use default)
	Endpoint     *string // --endpoint flag
	FallbackPath *string // --fallback flag
	Listen       *string // --listen flag
	DBPath       *string // --db flag
}
