package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/joho/godotenv"
)

// Environment variable names for overrides.
const (
	EnvConfig       = "AUTOSAVE_CONFIG"
	EnvEndpoint     = "AUTOSAVE_ENDPOINT"
	EnvFallbackPath = "AUTOSAVE_FALLBACK_PATH"
)

// DotEnvFile is the optional file of environment overrides read from the
// working directory.
const DotEnvFile = ".env"

// EnvOverrides holds values derived from environment variables.
type EnvOverrides struct {
	ConfigPath   string // AUTOSAVE_CONFIG: override config file path
	Endpoint     string // AUTOSAVE_ENDPOINT: backend base URL
	FallbackPath string // AUTOSAVE_FALLBACK_PATH: fallback store file
}

// ReadEnvOverrides reads environment variables and returns any overrides found.
// This does not modify the Config; Resolve applies the fields.
func ReadEnvOverrides() EnvOverrides {
	return EnvOverrides{
		ConfigPath:   os.Getenv(EnvConfig),
		Endpoint:     os.Getenv(EnvEndpoint),
		FallbackPath: os.Getenv(EnvFallbackPath),
	}
}

// LoadDotEnv sets variables from the dotenv file at path that are not
// already set in the process environment. A missing file is not an error.
func LoadDotEnv(path string) error {
	err := godotenv.Load(path)
	if err == nil || errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	return fmt.Errorf("config: reading %s: %w", path, err)
}
