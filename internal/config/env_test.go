package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadEnvOverrides(t *testing.T) {
	t.Setenv(EnvConfig, "/etc/autosave.toml")
	t.Setenv(EnvEndpoint, "http://backend:8080")
	t.Setenv(EnvFallbackPath, "/data/pending.json")

	env := ReadEnvOverrides()
	assert.Equal(t, "/etc/autosave.toml", env.ConfigPath)
	assert.Equal(t, "http://backend:8080", env.Endpoint)
	assert.Equal(t, "/data/pending.json", env.FallbackPath)
}

func TestReadEnvOverrides_Empty(t *testing.T) {
	t.Setenv(EnvConfig, "")
	t.Setenv(EnvEndpoint, "")
	t.Setenv(EnvFallbackPath, "")

	assert.Equal(t, EnvOverrides{}, ReadEnvOverrides())
}

func TestLoadDotEnv_SetsOnlyUnsetVariables(t *testing.T) {
	t.Setenv(EnvEndpoint, "http://from-process:8080")
	t.Setenv(EnvFallbackPath, "")

	// t.Setenv restores the variable; unset it so the file can provide it.
	require.NoError(t, os.Unsetenv(EnvFallbackPath))

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte(
		EnvEndpoint+"=http://from-file:8080\n"+EnvFallbackPath+"=/data/pending.json\n"), 0o600))

	require.NoError(t, LoadDotEnv(path))

	env := ReadEnvOverrides()
	assert.Equal(t, "http://from-process:8080", env.Endpoint, "process environment wins")
	assert.Equal(t, "/data/pending.json", env.FallbackPath)
}

func TestLoadDotEnv_MissingFile(t *testing.T) {
	t.Parallel()

	assert.NoError(t, LoadDotEnv(filepath.Join(t.TempDir(), ".env")))
}

func TestLoadDotEnv_Malformed(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), ".env")
	require.NoError(t, os.WriteFile(path, []byte("NOT A VALID LINE '\n"), 0o600))

	assert.Error(t, LoadDotEnv(path))
}
