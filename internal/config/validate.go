package config

import (
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/tonimelisma/autosave/internal/autosave"
)

// Validation range constants.
const (
	minDebounce         = 100 * time.Millisecond
	minSaveTimeout      = 1 * time.Second
	minConnectTimeout   = 1 * time.Second
	minStaleAfter       = 1 * time.Hour
	maxRetriesLimit     = 20
	minFlushConcurrency = 1
	maxFlushConcurrency = 64
)

// Validate checks all configuration values and returns all errors found.
// It accumulates every error rather than stopping at the first, so users
// see a complete report and can fix all issues in one pass.
func Validate(cfg *Config) error {
	var errs []error

	errs = append(errs, validateAutosave(&cfg.Autosave)...)
	errs = append(errs, validateRemote(&cfg.Remote)...)
	errs = append(errs, validateFallback(&cfg.Fallback)...)
	errs = append(errs, validateServer(&cfg.Server)...)
	errs = append(errs, validateValidation(&cfg.Validation)...)
	errs = append(errs, validateLogging(&cfg.Logging)...)

	return errors.Join(errs...)
}

// ValidateResolved checks constraints that only hold after the override
// chain has filled in platform paths.
func ValidateResolved(cfg *Config) error {
	var errs []error

	if cfg.Fallback.Path == "" {
		errs = append(errs, errors.New("fallback.path: could not determine a default, set it explicitly"))
	}

	if cfg.Server.DBPath == "" {
		errs = append(errs, errors.New("server.db_path: could not determine a default, set it explicitly"))
	}

	return errors.Join(errs...)
}

func validateAutosave(a *AutosaveConfig) []error {
	var errs []error

	errs = append(errs, validateDurationMin("autosave.debounce", a.Debounce, minDebounce)...)
	errs = append(errs, validateDurationMin("autosave.failsafe", a.Failsafe, minDebounce)...)
	errs = append(errs, validateDurationMin("autosave.retry_backoff_base", a.RetryBackoffBase, minDebounce)...)
	errs = append(errs, validateDurationMin("autosave.max_backoff", a.MaxBackoff, minDebounce)...)
	errs = append(errs, validateDurationMin("autosave.save_timeout", a.SaveTimeout, minSaveTimeout)...)
	errs = append(errs, validateDurationMin("autosave.teardown_timeout", a.TeardownTimeout, minSaveTimeout)...)

	if a.MaxRetries < 0 || a.MaxRetries > maxRetriesLimit {
		errs = append(errs, fmt.Errorf("autosave.max_retries: must be between 0 and %d, got %d",
			maxRetriesLimit, a.MaxRetries))
	}

	if a.FlushConcurrency < minFlushConcurrency || a.FlushConcurrency > maxFlushConcurrency {
		errs = append(errs, fmt.Errorf("autosave.flush_concurrency: must be between %d and %d, got %d",
			minFlushConcurrency, maxFlushConcurrency, a.FlushConcurrency))
	}

	// The failsafe bounds the wait under continuous editing, so it must
	// outlast the debounce.
	debounce, errD := time.ParseDuration(a.Debounce)
	failsafe, errF := time.ParseDuration(a.Failsafe)

	if errD == nil && errF == nil && failsafe <= debounce {
		errs = append(errs, fmt.Errorf("autosave.failsafe: must be longer than debounce (%s), got %s",
			debounce, failsafe))
	}

	base, errB := time.ParseDuration(a.RetryBackoffBase)
	maxB, errM := time.ParseDuration(a.MaxBackoff)

	if errB == nil && errM == nil && maxB < base {
		errs = append(errs, fmt.Errorf("autosave.max_backoff: must be >= retry_backoff_base (%s), got %s",
			base, maxB))
	}

	return errs
}

func validateRemote(r *RemoteConfig) []error {
	var errs []error

	u, err := url.Parse(r.Endpoint)

	switch {
	case err != nil:
		errs = append(errs, fmt.Errorf("remote.endpoint: %w", err))
	case u.Scheme != "http" && u.Scheme != "https":
		errs = append(errs, fmt.Errorf("remote.endpoint: scheme must be http or https, got %q", r.Endpoint))
	case u.Host == "":
		errs = append(errs, fmt.Errorf("remote.endpoint: missing host in %q", r.Endpoint))
	}

	errs = append(errs, validateDurationMin("remote.connect_timeout", r.ConnectTimeout, minConnectTimeout)...)

	return errs
}

func validateFallback(f *FallbackConfig) []error {
	return validateDurationMin("fallback.stale_after", f.StaleAfter, minStaleAfter)
}

func validateServer(s *ServerConfig) []error {
	if _, _, err := net.SplitHostPort(s.Listen); err != nil {
		return []error{fmt.Errorf("server.listen: %w", err)}
	}

	return nil
}

func validateValidation(v *ValidationConfig) []error {
	var errs []error

	if _, err := autosave.NewRuleValidator(v.Rules); err != nil {
		errs = append(errs, fmt.Errorf("validation.rules: %w", err))
	}

	seen := make(map[string]bool, len(v.ReadOnly))

	for _, name := range v.ReadOnly {
		if name == "" {
			errs = append(errs, errors.New("validation.read_only: field names must not be empty"))
			continue
		}

		if seen[name] {
			errs = append(errs, fmt.Errorf("validation.read_only: duplicate field %q", name))
		}

		seen[name] = true

		if _, ruled := v.Rules[name]; ruled {
			errs = append(errs, fmt.Errorf("validation.read_only: field %q also has a rule, but is never edited", name))
		}
	}

	return errs
}

func validateDurationMin(field, value string, minimum time.Duration) []error {
	d, err := time.ParseDuration(value)
	if err != nil {
		return []error{fmt.Errorf("%s: invalid duration %q: %w", field, value, err)}
	}

	if d < minimum {
		return []error{fmt.Errorf("%s: must be >= %s, got %s", field, minimum, d)}
	}

	return nil
}

func validateLogging(l *LoggingConfig) []error {
	var errs []error

	if !validLogLevels[l.LogLevel] {
		errs = append(errs, fmt.Errorf("logging.log_level: must be one of debug, info, warn, error; got %q", l.LogLevel))
	}

	if !validLogFormats[l.LogFormat] {
		errs = append(errs, fmt.Errorf("logging.log_format: must be one of auto, text, json; got %q", l.LogFormat))
	}

	return errs
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

var validLogFormats = map[string]bool{
	"auto": true,
	"text": true,
	"json": true,
}
