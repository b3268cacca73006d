// Package fallback is the local durable binding of the autosave fallback
// store: edits that could not reach the server are kept in one JSON file,
// at most one entry per entity, until they are replayed.
package fallback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/tonimelisma/autosave/internal/autosave"
	"github.com/tonimelisma/autosave/internal/entity"
)

// ErrCorruptStore is returned when the fallback file cannot be parsed as
// JSON. The corrupt file is moved aside so new entries can be written.
var ErrCorruptStore = errors.New("fallback: corrupt store file")

// filePerms restricts the store to owner-only because it holds user data.
const filePerms = 0o600

// dirPerms for the directory holding the store.
const dirPerms = 0o700

// StaleEntryAge is the TTL of an entry that was never replayed, used when
// the store is created without one.
const StaleEntryAge = 30 * 24 * time.Hour

// cleanThrottle prevents excessive rewrites. CleanStale runs at most once
// per interval from Put.
const cleanThrottle = 1 * time.Hour

var _ autosave.FallbackStore = (*FileStore)(nil)

// Record is the on-disk form of one entry. The file is a JSON object
// mapping the composite key string to a Record.
type Record struct {
	Fields    entity.Fields `json:"fields"`
	Version   int64         `json:"version"`
	UpdatedAt time.Time     `json:"updatedAt"`
}

// Entry is a decoded fallback entry.
type Entry struct {
	Key entity.Key
	Record
}

// Entity returns the entry as the entity to replay.
func (e Entry) Entity() entity.Entity {
	return entity.Entity{Key: e.Key, Fields: e.Fields.Clone(), Version: e.Version}
}

// FileStore is a FallbackStore backed by a single JSON file. Every write
// replaces the file atomically (temp file + rename). Thread-safe.
type FileStore struct {
	path    string
	maxAge  time.Duration
	logger  *slog.Logger
	nowFunc func() time.Time

	mu sync.Mutex

	cleanMu   sync.Mutex
	lastClean time.Time
}

// NewFileStore creates a FileStore at path. The file and its directory are
// created on first write. Entries not updated within maxAge are dropped by
// the periodic cleanup in Put; maxAge <= 0 means StaleEntryAge.
func NewFileStore(path string, maxAge time.Duration, logger *slog.Logger) *FileStore {
	if logger == nil {
		logger = slog.Default()
	}

	if maxAge <= 0 {
		maxAge = StaleEntryAge
	}

	return &FileStore{
		path:    path,
		maxAge:  maxAge,
		logger:  logger,
		nowFunc: time.Now,
	}
}

// Path returns the location of the store file.
func (s *FileStore) Path() string {
	return s.path
}

// Put stores e, replacing any earlier entry for its key.
func (s *FileStore) Put(ctx context.Context, e entity.Entity) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	if err := e.Validate(); err != nil {
		return fmt.Errorf("fallback: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readLocked()
	if err != nil && !errors.Is(err, ErrCorruptStore) {
		return err
	}

	records[e.Key.String()] = Record{
		Fields:    e.Fields.Clone(),
		Version:   e.Version,
		UpdatedAt: s.nowFunc().UTC(),
	}

	if err := s.writeLocked(records); err != nil {
		return err
	}

	s.logger.Debug("fallback entry written",
		slog.String("key", e.Key.String()),
		slog.Int64("version", e.Version),
	)

	s.cleanMu.Lock()
	due := s.nowFunc().Sub(s.lastClean) >= cleanThrottle
	if due {
		s.lastClean = s.nowFunc()
	}
	s.cleanMu.Unlock()

	if due {
		if _, err := s.cleanLocked(records, s.maxAge); err != nil {
			s.logger.Warn("stale fallback cleanup failed", slog.String("error", err.Error()))
		}
	}

	return nil
}

// Pending returns every stored entity in key order.
func (s *FileStore) Pending(ctx context.Context) ([]entity.Entity, error) {
	entries, err := s.Entries(ctx)
	if err != nil {
		return nil, err
	}

	out := make([]entity.Entity, len(entries))
	for i, e := range entries {
		out[i] = e.Entity()
	}

	return out, nil
}

// Entries returns every stored entry in key order. Entries whose key cannot
// be parsed are skipped with a warning.
func (s *FileStore) Entries(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	records, err := s.readLocked()
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(records))

	for raw, rec := range records {
		key, err := entity.ParseKey(raw)
		if err != nil {
			s.logger.Warn("skipping fallback entry with invalid key",
				slog.String("key", raw),
				slog.String("error", err.Error()),
			)

			continue
		}

		entries = append(entries, Entry{Key: key, Record: rec})
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Key.Less(entries[j].Key)
	})

	return entries, nil
}

// Remove deletes the entry for key. No error if there is none.
func (s *FileStore) Remove(ctx context.Context, key entity.Key) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readLocked()
	if err != nil {
		return err
	}

	if _, ok := records[key.String()]; !ok {
		return nil
	}

	delete(records, key.String())

	return s.writeLocked(records)
}

// CleanStale removes entries not updated within maxAge. Returns the number
// of entries deleted.
func (s *FileStore) CleanStale(maxAge time.Duration) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	records, err := s.readLocked()
	if err != nil {
		return 0, err
	}

	return s.cleanLocked(records, maxAge)
}

func (s *FileStore) cleanLocked(records map[string]Record, maxAge time.Duration) (int, error) {
	cutoff := s.nowFunc().Add(-maxAge)
	deleted := 0

	for k, rec := range records {
		if rec.UpdatedAt.Before(cutoff) {
			s.logger.Info("deleted stale fallback entry",
				slog.String("key", k),
				slog.Duration("age", s.nowFunc().Sub(rec.UpdatedAt)),
			)

			delete(records, k)
			deleted++
		}
	}

	if deleted == 0 {
		return 0, nil
	}

	return deleted, s.writeLocked(records)
}

// readLocked loads the store file. A missing file is an empty store. A
// corrupt file is moved aside and reported with ErrCorruptStore together
// with an empty map.
func (s *FileStore) readLocked() (map[string]Record, error) {
	records := make(map[string]Record)

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return records, nil
		}

		return nil, fmt.Errorf("fallback: reading store file: %w", err)
	}

	if len(data) == 0 {
		return records, nil
	}

	if err := json.Unmarshal(data, &records); err != nil {
		aside := fmt.Sprintf("%s.corrupt-%d", s.path, s.nowFunc().Unix())

		s.logger.Warn("corrupt fallback file, moving aside",
			slog.String("path", s.path),
			slog.String("moved_to", aside),
			slog.String("error", err.Error()),
		)

		if mvErr := os.Rename(s.path, aside); mvErr != nil && !os.IsNotExist(mvErr) {
			s.logger.Warn("failed to move corrupt fallback file",
				slog.String("path", s.path),
				slog.String("error", mvErr.Error()),
			)
		}

		return make(map[string]Record), fmt.Errorf("%w: %w", ErrCorruptStore, err)
	}

	return records, nil
}

// writeLocked replaces the store file atomically. An empty store removes
// the file.
func (s *FileStore) writeLocked(records map[string]Record) error {
	if len(records) == 0 {
		if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("fallback: removing empty store file: %w", err)
		}

		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), dirPerms); err != nil {
		return fmt.Errorf("fallback: creating store dir: %w", err)
	}

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("fallback: marshaling entries: %w", err)
	}

	tmpPath := s.path + ".tmp"

	if err := os.WriteFile(tmpPath, data, filePerms); err != nil {
		return fmt.Errorf("fallback: writing temp file: %w", err)
	}

	if err := os.Rename(tmpPath, s.path); err != nil {
		os.Remove(tmpPath) // best-effort cleanup
		return fmt.Errorf("fallback: renaming temp file: %w", err)
	}

	return nil
}
