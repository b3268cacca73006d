package fallback

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/autosave/internal/entity"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestStore(t *testing.T) *FileStore {
	t.Helper()

	return NewFileStore(filepath.Join(t.TempDir(), "state", "pending.json"), 0, testLogger())
}

var (
	keyFlour = entity.NewKey("store-1", "2026-03-02/flour")
	keySugar = entity.NewKey("store-1", "2026-03-02/sugar")
)

func TestFileStore_PutAndPending(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, entity.Entity{Key: keySugar, Fields: entity.MustFields("count", 3), Version: 8}))
	require.NoError(t, s.Put(ctx, entity.Entity{Key: keyFlour, Fields: entity.MustFields("count", 7, "note", "après"), Version: 2}))

	got, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, got, 2)

	assert.Equal(t, keyFlour, got[0].Key)
	assert.Equal(t, int64(2), got[0].Version)
	assert.Equal(t, []string{"count", "note"}, got[0].Fields.Names())

	count, _ := got[0].Fields.Get("count")
	assert.Equal(t, int64(7), count)

	assert.Equal(t, keySugar, got[1].Key)
}

func TestFileStore_PutReplacesEntry(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, entity.Entity{Key: keyFlour, Fields: entity.MustFields("count", 1), Version: 1}))
	require.NoError(t, s.Put(ctx, entity.Entity{Key: keyFlour, Fields: entity.MustFields("count", 2), Version: 1}))

	got, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1, "at most one entry per key")

	count, _ := got[0].Fields.Get("count")
	assert.Equal(t, int64(2), count)
}

func TestFileStore_PutRejectsInvalidEntity(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	err := s.Put(context.Background(), entity.Entity{Fields: entity.MustFields("count", 1)})
	require.Error(t, err)

	_, statErr := os.Stat(s.Path())
	assert.True(t, os.IsNotExist(statErr))
}

func TestFileStore_Remove(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, entity.Entity{Key: keyFlour, Fields: entity.MustFields("count", 1)}))
	require.NoError(t, s.Put(ctx, entity.Entity{Key: keySugar, Fields: entity.MustFields("count", 2)}))

	require.NoError(t, s.Remove(ctx, keyFlour))
	require.NoError(t, s.Remove(ctx, keyFlour), "removing an absent key is a no-op")

	got, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, keySugar, got[0].Key)

	require.NoError(t, s.Remove(ctx, keySugar))

	_, err = os.Stat(s.Path())
	assert.True(t, os.IsNotExist(err), "empty store removes its file")
}

func TestFileStore_MissingFileIsEmpty(t *testing.T) {
	t.Parallel()

	got, err := newTestStore(t).Pending(context.Background())
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileStore_FilePermissions(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	require.NoError(t, s.Put(context.Background(), entity.Entity{Key: keyFlour, Fields: entity.MustFields("count", 1)}))

	info, err := os.Stat(s.Path())
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(filePerms), info.Mode().Perm())

	dirInfo, err := os.Stat(filepath.Dir(s.Path()))
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(dirPerms), dirInfo.Mode().Perm())

	_, err = os.Stat(s.Path() + ".tmp")
	assert.True(t, os.IsNotExist(err), "temp file should not linger")
}

func TestFileStore_SurvivesReopen(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "pending.json")
	ctx := context.Background()

	require.NoError(t, NewFileStore(path, 0, testLogger()).Put(ctx,
		entity.Entity{Key: keyFlour, Fields: entity.MustFields("count", 9), Version: 4}))

	got, err := NewFileStore(path, 0, testLogger()).Pending(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, int64(4), got[0].Version)
}

func TestFileStore_CorruptFile(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), dirPerms))
	require.NoError(t, os.WriteFile(s.Path(), []byte("{not json"), filePerms))

	_, err := s.Pending(ctx)
	require.ErrorIs(t, err, ErrCorruptStore)

	matches, err := filepath.Glob(s.Path() + ".corrupt-*")
	require.NoError(t, err)
	assert.Len(t, matches, 1, "corrupt file is moved aside")

	got, err := s.Pending(ctx)
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestFileStore_PutRecoversFromCorruptFile(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), dirPerms))
	require.NoError(t, os.WriteFile(s.Path(), []byte("garbage"), filePerms))

	require.NoError(t, s.Put(ctx, entity.Entity{Key: keyFlour, Fields: entity.MustFields("count", 1)}))

	got, err := s.Pending(ctx)
	require.NoError(t, err)
	require.Len(t, got, 1)
}

func TestFileStore_SkipsInvalidKeys(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)

	require.NoError(t, os.MkdirAll(filepath.Dir(s.Path()), dirPerms))
	require.NoError(t, os.WriteFile(s.Path(), []byte(`{
		"no-separator": {"fields": {"count": 1}, "version": 0},
		"store-1/2026-03-02%2Fflour": {"fields": {"count": 5}, "version": 3}
	}`), filePerms))

	entries, err := s.Entries(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, keyFlour, entries[0].Key)
	assert.Equal(t, int64(3), entries[0].Version)
}

func TestFileStore_CleanStale(t *testing.T) {
	t.Parallel()

	s := newTestStore(t)
	ctx := context.Background()

	now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	s.nowFunc = func() time.Time { return now }

	require.NoError(t, s.Put(ctx, entity.Entity{Key: keyFlour, Fields: entity.MustFields("count", 1)}))

	now = now.Add(10 * 24 * time.Hour)
	require.NoError(t, s.Put(ctx, entity.Entity{Key: keySugar, Fields: entity.MustFields("count", 2)}))

	deleted, err := s.CleanStale(7 * 24 * time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, deleted)

	entries, err := s.Entries(ctx)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, keySugar, entries[0].Key)
	assert.Equal(t, now, entries[0].UpdatedAt)
}

func TestFileStore_CanceledContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	s := newTestStore(t)
	require.ErrorIs(t, s.Put(ctx, entity.Entity{Key: keyFlour}), context.Canceled)

	_, err := s.Pending(ctx)
	require.ErrorIs(t, err, context.Canceled)
	require.ErrorIs(t, s.Remove(ctx, keyFlour), context.Canceled)
}

func TestFileStore_PutCleansWithConfiguredAge(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name     string
		maxAge   time.Duration
		after    time.Duration
		wantKept bool
	}{
		{"configured age keeps older entry", 60 * 24 * time.Hour, 40 * 24 * time.Hour, true},
		{"configured age drops expired entry", 60 * 24 * time.Hour, 61 * 24 * time.Hour, false},
		{"default age", 0, 31 * 24 * time.Hour, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			s := NewFileStore(filepath.Join(t.TempDir(), "pending.json"), tt.maxAge, testLogger())
			ctx := context.Background()

			now := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
			s.nowFunc = func() time.Time { return now }

			require.NoError(t, s.Put(ctx, entity.Entity{Key: keyFlour, Fields: entity.MustFields("count", 1)}))

			now = now.Add(tt.after)
			require.NoError(t, s.Put(ctx, entity.Entity{Key: keySugar, Fields: entity.MustFields("count", 2)}))

			got, err := s.Pending(ctx)
			require.NoError(t, err)

			keys := make([]entity.Key, 0, len(got))
			for _, e := range got {
				keys = append(keys, e.Key)
			}

			assert.Contains(t, keys, keySugar)

			if tt.wantKept {
				assert.Contains(t, keys, keyFlour)
			} else {
				assert.NotContains(t, keys, keyFlour)
			}
		})
	}
}
