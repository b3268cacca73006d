package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/autosave/internal/config"
	"github.com/tonimelisma/autosave/internal/entity"
	"github.com/tonimelisma/autosave/internal/fallback"
	"github.com/tonimelisma/autosave/internal/refserver"
)

// Tests in this file run the full command tree against an in-process
// reference server. They set environment variables and rely on the global
// flag variables, so none of them run in parallel.

const testConfig = `[autosave]
debounce = "1h"
failsafe = "2h"
teardown_timeout = "5s"

[validation.rules]
count = "gte=0"
`

type cliEnv struct {
	store        *refserver.Store
	srv          *httptest.Server
	configPath   string
	fallbackPath string
}

func newCLIEnv(t *testing.T, wrap func(http.Handler) http.Handler) *cliEnv {
	t.Helper()

	dir := t.TempDir()
	t.Setenv("XDG_CONFIG_HOME", filepath.Join(dir, "config"))
	t.Setenv("XDG_DATA_HOME", filepath.Join(dir, "data"))
	t.Setenv(config.EnvConfig, "")
	t.Setenv(config.EnvEndpoint, "")
	t.Setenv(config.EnvFallbackPath, "")

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := refserver.OpenStore(context.Background(), filepath.Join(dir, "ref.db"), logger)
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	var h http.Handler = refserver.NewServer(store, logger).Handler()
	if wrap != nil {
		h = wrap(h)
	}

	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)

	configPath := filepath.Join(dir, "config.toml")
	require.NoError(t, os.WriteFile(configPath, []byte(testConfig), 0o600))

	return &cliEnv{
		store:        store,
		srv:          srv,
		configPath:   configPath,
		fallbackPath: filepath.Join(dir, "data", "pending.json"),
	}
}

// run executes the command tree with the environment's config, endpoint,
// and fallback store. It returns what the command wrote to stdout.
func (env *cliEnv) run(t *testing.T, args ...string) (string, error) {
	t.Helper()

	cmd := newRootCmd()

	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(append([]string{
		"--config", env.configPath,
		"--endpoint", env.srv.URL,
		"--fallback", env.fallbackPath,
		"--quiet",
	}, args...))

	err := cmd.ExecuteContext(context.Background())

	return out.String(), err
}

func (env *cliEnv) seed(t *testing.T, e entity.Entity) {
	t.Helper()

	res, err := env.store.Apply(context.Background(), []entity.Entity{e})
	require.NoError(t, err)
	require.Empty(t, res.Conflicts)
}

func (env *cliEnv) stored(t *testing.T, key entity.Key) entity.Entity {
	t.Helper()

	e, ok, err := env.store.Get(context.Background(), key)
	require.NoError(t, err)
	require.True(t, ok, "record %s not stored", key)

	return e
}

func fieldValue(t *testing.T, f entity.Fields, name string) any {
	t.Helper()

	v, ok := f.Get(name)
	require.True(t, ok, "field %q missing", name)

	return v
}

var keyFlour = entity.NewKey("store-1", "2026-03-02/flour")

func TestCLI_LoadJSON(t *testing.T) {
	env := newCLIEnv(t, nil)
	env.seed(t, entity.Entity{Key: keyFlour, Fields: entity.MustFields("count", 5, "note", "start")})

	out, err := env.run(t, "load", "store-1", "--json")
	require.NoError(t, err)

	var got []entityJSON
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "store-1", got[0].Owner)
	assert.Equal(t, "2026-03-02/flour", got[0].Record)
	assert.Equal(t, int64(1), got[0].Version)
	assert.Equal(t, int64(5), fieldValue(t, got[0].Fields, "count"))
}

func TestCLI_LoadTable(t *testing.T) {
	env := newCLIEnv(t, nil)
	env.seed(t, entity.Entity{Key: keyFlour, Fields: entity.MustFields("count", 5)})

	out, err := env.run(t, "load", "store-1")
	require.NoError(t, err)
	assert.Contains(t, out, "RECORD")
	assert.Contains(t, out, "2026-03-02/flour")
	assert.Contains(t, out, "count=5")
}

func TestCLI_EditSavesRecord(t *testing.T) {
	env := newCLIEnv(t, nil)
	env.seed(t, entity.Entity{Key: keyFlour, Fields: entity.MustFields("count", 5, "note", "start")})

	out, err := env.run(t, "edit", "store-1", "2026-03-02/flour", "count=7", "note=after delivery", "--json")
	require.NoError(t, err)

	var got entityJSON
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	assert.Equal(t, int64(2), got.Version)

	stored := env.stored(t, keyFlour)
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, int64(7), fieldValue(t, stored.Fields, "count"))
	assert.Equal(t, "after delivery", fieldValue(t, stored.Fields, "note"))
}

func TestCLI_EditCreatesRecord(t *testing.T) {
	env := newCLIEnv(t, nil)

	_, err := env.run(t, "edit", "store-1", "2026-03-02/sugar", "count=3")
	require.NoError(t, err)

	stored := env.stored(t, entity.NewKey("store-1", "2026-03-02/sugar"))
	assert.Equal(t, int64(1), stored.Version)
	assert.Equal(t, int64(3), fieldValue(t, stored.Fields, "count"))
}

func TestCLI_EditConflictKeepsServerState(t *testing.T) {
	var (
		env    *cliEnv
		bumped atomic.Bool
	)

	// Another client saves the record between our load and our save.
	env = newCLIEnv(t, func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method == http.MethodPost && bumped.CompareAndSwap(false, true) {
				_, err := env.store.Apply(r.Context(), []entity.Entity{
					{Key: keyFlour, Fields: entity.MustFields("count", 40), Version: 1},
				})
				assert.NoError(t, err)
			}

			next.ServeHTTP(w, r)
		})
	})
	env.seed(t, entity.Entity{Key: keyFlour, Fields: entity.MustFields("count", 5)})

	out, err := env.run(t, "edit", "store-1", "2026-03-02/flour", "count=7")
	require.ErrorIs(t, err, errConflictReported)
	assert.Equal(t, exitConflict, exitCode(err))

	assert.Contains(t, out, "Conflict on store-1/2026-03-02/flour")
	assert.Contains(t, out, "LOCAL (v1)")
	assert.Contains(t, out, "SERVER (v2)")

	stored := env.stored(t, keyFlour)
	assert.Equal(t, int64(2), stored.Version)
	assert.Equal(t, int64(40), fieldValue(t, stored.Fields, "count"), "conflicting edit must not overwrite")

	entries, err := fallback.NewFileStore(env.fallbackPath, 0, nil).Entries(context.Background())
	require.NoError(t, err)
	assert.Empty(t, entries, "conflicts are not kept for replay")
}

func TestCLI_EditRejectsInvalidValue(t *testing.T) {
	env := newCLIEnv(t, nil)
	env.seed(t, entity.Entity{Key: keyFlour, Fields: entity.MustFields("count", 5)})

	_, err := env.run(t, "edit", "store-1", "2026-03-02/flour", "count=-1")
	require.ErrorIs(t, err, entity.ErrValidation)

	stored := env.stored(t, keyFlour)
	assert.Equal(t, int64(1), stored.Version)
}

func TestCLI_ReplaySendsPendingEdits(t *testing.T) {
	env := newCLIEnv(t, nil)

	fb := fallback.NewFileStore(env.fallbackPath, 0, nil)
	require.NoError(t, fb.Put(context.Background(), entity.Entity{
		Key: keyFlour, Fields: entity.MustFields("count", 9),
	}))

	out, err := env.run(t, "replay", "--json")
	require.NoError(t, err)

	var got []replayJSON
	require.NoError(t, json.Unmarshal([]byte(out), &got))
	require.Len(t, got, 1)
	assert.Equal(t, "saved", got[0].Result)
	assert.Equal(t, int64(1), got[0].Version)

	assert.Equal(t, int64(9), fieldValue(t, env.stored(t, keyFlour).Fields, "count"))

	out, err = env.run(t, "pending", "--json")
	require.NoError(t, err)
	assert.JSONEq(t, "[]", out)
}

func TestCLI_ReplayConflictKeepsEntry(t *testing.T) {
	env := newCLIEnv(t, nil)
	env.seed(t, entity.Entity{Key: keyFlour, Fields: entity.MustFields("count", 5)})
	env.seed(t, entity.Entity{Key: keyFlour, Fields: entity.MustFields("count", 6), Version: 1})

	fb := fallback.NewFileStore(env.fallbackPath, 0, nil)
	require.NoError(t, fb.Put(context.Background(), entity.Entity{
		Key: keyFlour, Fields: entity.MustFields("count", 9), Version: 1,
	}))

	out, err := env.run(t, "replay")
	require.ErrorIs(t, err, errConflictReported)
	assert.Contains(t, out, "conflict")
	assert.Contains(t, out, "local version 1, server version 2")

	assert.Equal(t, int64(6), fieldValue(t, env.stored(t, keyFlour).Fields, "count"))

	out, err = env.run(t, "pending", "--json")
	require.NoError(t, err)

	var pending []pendingJSON
	require.NoError(t, json.Unmarshal([]byte(out), &pending))
	require.Len(t, pending, 1)
	assert.Equal(t, "2026-03-02/flour", pending[0].Record)
	assert.False(t, pending[0].UpdatedAt.IsZero())
}

func TestCLI_PendingTable(t *testing.T) {
	env := newCLIEnv(t, nil)

	fb := fallback.NewFileStore(env.fallbackPath, 0, nil)
	require.NoError(t, fb.Put(context.Background(), entity.Entity{
		Key: keyFlour, Fields: entity.MustFields("count", 9), Version: 4,
	}))

	out, err := env.run(t, "pending")
	require.NoError(t, err)
	assert.Contains(t, out, "OWNER")
	assert.Contains(t, out, "2026-03-02/flour")
	assert.Contains(t, out, "count=9")
}

func TestCLI_UnknownConfigKey(t *testing.T) {
	env := newCLIEnv(t, nil)
	require.NoError(t, os.WriteFile(env.configPath, []byte("[autosave]\ndebunce = \"1s\"\n"), 0o600))

	_, err := env.run(t, "pending")
	require.Error(t, err)
	assert.Contains(t, err.Error(), `did you mean "autosave.debounce"`)
}

func TestCLI_FlushWithoutWatcher(t *testing.T) {
	env := newCLIEnv(t, nil)

	_, err := env.run(t, "flush")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no running watcher")
}
