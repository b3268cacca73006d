package config

import (
	"os"
	"path/filepath"
	"runtime"
)

// Platform identifiers.
const (
	platformLinux  = "linux"
	platformDarwin = "darwin"
)

// Application directory name used across all platforms.
const appName = "autosave"

// File names inside the config and data directories.
const (
	configFileName   = "config.toml"
	fallbackFileName = "pending.json"
	dbFileName       = "entities.db"
)

// DefaultConfigDir returns the platform-specific directory for config files.
// On Linux, respects XDG_CONFIG_HOME (defaults to ~/.config/autosave).
// On macOS, uses ~/Library/Application Support/autosave.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}

		return filepath.Join(home, ".config", appName)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".config", appName)
	}
}

// DefaultDataDir returns the platform-specific directory for application
// data (fallback store, reference database).
// On Linux, respects XDG_DATA_HOME (defaults to ~/.local/share/autosave).
func DefaultDataDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}

	switch runtime.GOOS {
	case platformLinux:
		if xdg := os.Getenv("XDG_DATA_HOME"); xdg != "" {
			return filepath.Join(xdg, appName)
		}

		return filepath.Join(home, ".local", "share", appName)
	case platformDarwin:
		return filepath.Join(home, "Library", "Application Support", appName)
	default:
		return filepath.Join(home, ".local", "share", appName)
	}
}

// DefaultConfigPath returns the full path to the default config file.
func DefaultConfigPath() string {
	return joinIfSet(DefaultConfigDir(), configFileName)
}

// DefaultFallbackPath returns the default location of the fallback store.
func DefaultFallbackPath() string {
	return joinIfSet(DefaultDataDir(), fallbackFileName)
}

// DefaultDBPath returns the default location of the reference database.
func DefaultDBPath() string {
	return joinIfSet(DefaultDataDir(), dbFileName)
}

func joinIfSet(dir, name string) string {
	if dir == "" {
		return ""
	}

	return filepath.Join(dir, name)
}

// expandTilde replaces a leading "~/" with the user's home directory.
func expandTilde(path string) string {
	if len(path) < 2 || path[:2] != "~/" {
		return path
	}

	home, err := os.UserHomeDir()
	if err != nil {
		return path
	}

	return filepath.Join(home, path[2:])
}
