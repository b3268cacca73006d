package config

// Default values for configuration options. These are "layer 0" of the
// override chain.
const (
	defaultDebounce         = "3s"
	defaultFailsafe         = "30s"
	defaultMaxRetries       = 3
	defaultRetryBackoffBase = "1s"
	defaultMaxBackoff       = "30s"
	defaultSaveTimeout      = "10s"
	defaultTeardownTimeout  = "15s"
	defaultFlushConcurrency = 4
	defaultEndpoint         = "http://127.0.0.1:8080"
	defaultConnectTimeout   = "10s"
	defaultStaleAfter       = "720h"
	defaultListen           = "127.0.0.1:8080"
	defaultLogLevel         = "info"
	defaultLogFormat        = "auto"
)

// DefaultConfig returns a Config populated with all default values. It is
// the starting point for TOML decoding, so unset fields keep defaults.
func DefaultConfig() *Config {
	return &Config{
		Autosave: AutosaveConfig{
			Debounce:         defaultDebounce,
			Failsafe:         defaultFailsafe,
			MaxRetries:       defaultMaxRetries,
			RetryBackoffBase: defaultRetryBackoffBase,
			MaxBackoff:       defaultMaxBackoff,
			SaveTimeout:      defaultSaveTimeout,
			TeardownTimeout:  defaultTeardownTimeout,
			FlushConcurrency: defaultFlushConcurrency,
		},
		Remote: RemoteConfig{
			Endpoint:       defaultEndpoint,
			ConnectTimeout: defaultConnectTimeout,
		},
		Fallback: FallbackConfig{
			StaleAfter: defaultStaleAfter,
		},
		Server: ServerConfig{
			Listen: defaultListen,
		},
		Validation: ValidationConfig{
			Rules: make(map[string]string),
		},
		Logging: LoggingConfig{
			LogLevel:  defaultLogLevel,
			LogFormat: defaultLogFormat,
		},
	}
}
