package config

import (
	"errors"
	"fmt"
	"os"

	"github.com/BurntSushi/toml"
)

// Load reads and parses a TOML config file, validates it, and returns the
// resulting Config. Unknown keys are fatal errors with "did you mean?"
// suggestions.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	md, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, fmt.Errorf("parsing config file %s: %w", path, err)
	}

	if err := checkUnknownKeys(&md); err != nil {
		return nil, err
	}

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return cfg, nil
}

// LoadOrDefault reads a TOML config file if it exists, otherwise returns
// a Config populated with all default values.
func LoadOrDefault(path string) (*Config, error) {
	if path == "" {
		return DefaultConfig(), nil
	}

	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return DefaultConfig(), nil
	}

	return Load(path)
}

// Resolve loads configuration and applies the override chain:
// defaults -> config file -> environment variables -> CLI flags. It
// returns the validated config and the config file path it was read from.
func Resolve(env EnvOverrides, cli CLIOverrides) (*Config, string, error) {
	// 1. Resolve config path: CLI > env > default
	cfgPath := DefaultConfigPath()
	if env.ConfigPath != "" {
		cfgPath = env.ConfigPath
	}

	if cli.ConfigPath != "" {
		cfgPath = cli.ConfigPath
	}

	// 2. Load config file (returns defaults if no file exists)
	cfg, err := LoadOrDefault(cfgPath)
	if err != nil {
		return nil, "", err
	}

	// 3. Apply env overrides
	if env.Endpoint != "" {
		cfg.Remote.Endpoint = env.Endpoint
	}

	if env.FallbackPath != "" {
		cfg.Fallback.Path = env.FallbackPath
	}

	// 4. Apply CLI overrides (pointer fields: nil = not specified)
	if cli.Endpoint != nil {
		cfg.Remote.Endpoint = *cli.Endpoint
	}

	if cli.FallbackPath != nil {
		cfg.Fallback.Path = *cli.FallbackPath
	}

	if cli.Listen != nil {
		cfg.Server.Listen = *cli.Listen
	}

	if cli.DBPath != nil {
		cfg.Server.DBPath = *cli.DBPath
	}

	// 5. Fill platform paths and expand ~
	if cfg.Fallback.Path == "" {
		cfg.Fallback.Path = DefaultFallbackPath()
	}

	if cfg.Server.DBPath == "" {
		cfg.Server.DBPath = DefaultDBPath()
	}

	cfg.Fallback.Path = expandTilde(cfg.Fallback.Path)
	cfg.Server.DBPath = expandTilde(cfg.Server.DBPath)

	// 6. Validate the final result
	if err := Validate(cfg); err != nil {
		return nil, "", fmt.Errorf("config validation: %w", err)
	}

	if err := ValidateResolved(cfg); err != nil {
		return nil, "", fmt.Errorf("config validation: %w", err)
	}

	return cfg, cfgPath, nil
}
