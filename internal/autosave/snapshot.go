package autosave

import (
	"fmt"
	"slices"
	stdsync "sync"

	"github.com/tonimelisma/autosave/internal/entity"
)

// SnapshotStore holds, per entity, the last server-acknowledged state. It is
// the ground truth for dirty comparison. Snapshots are cloned on the way in
// and out so callers can never mutate a stored baseline in place.
//
// Thread-safe. Construct one per view (or per application) and pass it by
// reference; there is no package-level instance.
type SnapshotStore struct {
	mu    stdsync.RWMutex
	byKey map[entity.Key]entity.Snapshot
}

// NewSnapshotStore creates an empty store.
func NewSnapshotStore() *SnapshotStore {
	return &SnapshotStore{byKey: make(map[entity.Key]entity.Snapshot)}
}

// Get returns the snapshot for key.
func (s *SnapshotStore) Get(key entity.Key) (entity.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap, ok := s.byKey[key]
	if !ok {
		return entity.Snapshot{}, false
	}

	snap.Fields = snap.Fields.Clone()

	return snap, true
}

// Put replaces the snapshot for snap.Key wholesale. A version lower than the
// stored one is rejected: versions only move forward.
func (s *SnapshotStore) Put(snap entity.Snapshot) error {
	if snap.Version < 0 {
		return fmt.Errorf("autosave: snapshot %s has negative version %d", snap.Key, snap.Version)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if cur, ok := s.byKey[snap.Key]; ok && snap.Version < cur.Version {
		return fmt.Errorf("autosave: snapshot %s version would decrease from %d to %d",
			snap.Key, cur.Version, snap.Version)
	}

	snap.Fields = snap.Fields.Clone()
	s.byKey[snap.Key] = snap

	return nil
}

// Delete removes the snapshot for key.
func (s *SnapshotStore) Delete(key entity.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	delete(s.byKey, key)
}

// Keys returns all keys in deterministic order.
func (s *SnapshotStore) Keys() []entity.Key {
	s.mu.RLock()
	keys := make([]entity.Key, 0, len(s.byKey))

	for k := range s.byKey {
		keys = append(keys, k)
	}
	s.mu.RUnlock()

	sortKeys(keys)

	return keys
}

// Len returns the number of snapshots.
func (s *SnapshotStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return len(s.byKey)
}

func sortKeys(keys []entity.Key) {
	slices.SortFunc(keys, func(a, b entity.Key) int {
		switch {
		case a.Less(b):
			return -1
		case b.Less(a):
			return 1
		default:
			return 0
		}
	})
}
