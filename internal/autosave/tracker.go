package autosave

import (
	"fmt"
	stdsync "sync"
	"time"

	"github.com/tonimelisma/autosave/internal/entity"
)

// DirtyTracker compares the in-memory state of each entity to its
// SnapshotStore baseline. It is the single place where in-memory entity
// state is mutated: edits go through MarkEdited, server-acknowledged state
// through Adopt, Acknowledge, or Rebase.
//
// An entity is dirty iff any comparable field differs from the baseline.
// Fields named in readOnly and display-only values (nested objects, arrays)
// are not comparable. An entity with no baseline has never been synced and
// is dirty as soon as it has in-memory state.
type DirtyTracker struct {
	mu        stdsync.Mutex
	snapshots *SnapshotStore
	current   map[entity.Key]entity.Fields
	readOnly  map[string]bool
	nowFunc   func() time.Time // injectable for deterministic tests
}

// NewDirtyTracker creates a tracker over snapshots. readOnly lists field
// names excluded from comparison and from outgoing payloads.
func NewDirtyTracker(snapshots *SnapshotStore, readOnly []string) *DirtyTracker {
	ro := make(map[string]bool, len(readOnly))
	for _, name := range readOnly {
		ro[name] = true
	}

	return &DirtyTracker{
		snapshots: snapshots,
		current:   make(map[entity.Key]entity.Fields),
		readOnly:  ro,
		nowFunc:   time.Now,
	}
}

// MarkEdited applies patch to the in-memory state of key and reports
// whether the entity is now dirty. Fields absent from patch keep their
// current value.
func (t *DirtyTracker) MarkEdited(key entity.Key, patch entity.Fields) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.current[key]
	if !ok {
		if snap, found := t.snapshots.Get(key); found {
			cur = snap.Fields
		}
	}

	t.current[key] = cur.Merge(patch)

	return t.isDirtyLocked(key)
}

// IsClean reports whether no comparable field of key differs from its
// baseline. Unknown keys are clean.
func (t *DirtyTracker) IsClean(key entity.Key) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	return !t.isDirtyLocked(key)
}

func (t *DirtyTracker) isDirtyLocked(key entity.Key) bool {
	cur, ok := t.current[key]
	if !ok {
		return false
	}

	snap, ok := t.snapshots.Get(key)
	if !ok {
		return true
	}

	return !cur.Equal(snap.Fields, t.readOnly)
}

// Adopt atomically replaces both the baseline and the in-memory state of
// key with a server-provided state, clearing dirtiness. Used on fresh load
// and on explicit reload after a conflict.
func (t *DirtyTracker) Adopt(key entity.Key, fields entity.Fields, version int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	snap := entity.Snapshot{Key: key, Fields: fields, Version: version, SyncedAt: t.nowFunc()}
	if err := t.snapshots.Put(snap); err != nil {
		return err
	}

	t.current[key] = fields.Clone()

	return nil
}

// Acknowledge applies a successful save. The baseline becomes acked. If the
// in-memory state still equals what was sent, it takes the acknowledged
// values and the entity is clean; if it was edited while the save was in
// flight those newer edits are kept and the entity stays dirty. Reports
// whether the entity is still dirty.
func (t *DirtyTracker) Acknowledge(sent, acked entity.Entity) (bool, error) {
	if acked.Key != sent.Key {
		return false, fmt.Errorf("autosave: acknowledgement key %s does not match sent key %s", acked.Key, sent.Key)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.snapshots.Put(entity.NewSnapshot(acked, t.nowFunc())); err != nil {
		return false, err
	}

	cur := t.current[sent.Key]
	if cur.Equal(sent.Fields, t.readOnly) {
		// Overlay keeps display-only values the server did not echo back.
		t.current[sent.Key] = cur.Merge(acked.Fields)
	}

	return t.isDirtyLocked(sent.Key), nil
}

// Rebase makes server the new baseline while keeping the locally changed
// fields on top of it, so the next save carries the local values with the
// server's version. Fields the user did not touch take the server's value.
// This is only ever invoked by an explicit caller decision after a
// conflict.
func (t *DirtyTracker) Rebase(server entity.Entity) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.rebaseLocked(server)
}

// AcknowledgeReplay applies a successful save that did not start from the
// in-memory state, such as a replayed fallback entry. The baseline becomes
// acked; fields changed locally against the previous baseline stay on top,
// every other field takes the acknowledged value. Reports whether the
// entity is still dirty.
func (t *DirtyTracker) AcknowledgeReplay(acked entity.Entity) (bool, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if err := t.rebaseLocked(acked); err != nil {
		return false, err
	}

	return t.isDirtyLocked(acked.Key), nil
}

func (t *DirtyTracker) rebaseLocked(server entity.Entity) error {
	key := server.Key
	next := server.Fields.Clone()

	if cur, ok := t.current[key]; ok {
		if old, found := t.snapshots.Get(key); found {
			for _, name := range old.Fields.Diff(cur, t.readOnly) {
				if v, present := cur.Get(name); present {
					_ = next.Set(name, v)
				}
			}
		} else {
			next = next.Merge(cur)
		}
	}

	if err := t.snapshots.Put(entity.NewSnapshot(server, t.nowFunc())); err != nil {
		return err
	}

	t.current[key] = next

	return nil
}

// Current returns the in-memory state of key with its baseline version
// (0 when never synced).
func (t *DirtyTracker) Current(key entity.Key) (entity.Entity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	return t.currentLocked(key)
}

func (t *DirtyTracker) currentLocked(key entity.Key) (entity.Entity, bool) {
	cur, ok := t.current[key]
	if !ok {
		return entity.Entity{}, false
	}

	var version int64
	if snap, found := t.snapshots.Get(key); found {
		version = snap.Version
	}

	return entity.Entity{Key: key, Fields: cur.Clone(), Version: version}, true
}

// Payload returns the outgoing form of key: in-memory fields stripped of
// read-only and display values, carrying the baseline version.
func (t *DirtyTracker) Payload(key entity.Key) (entity.Entity, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	e, ok := t.currentLocked(key)
	if !ok {
		return entity.Entity{}, false
	}

	e.Fields = e.Fields.Without(t.readOnly)

	return e, true
}

// Baseline returns the last-synced snapshot of key.
func (t *DirtyTracker) Baseline(key entity.Key) (entity.Snapshot, bool) {
	return t.snapshots.Get(key)
}

// Changed returns the names of comparable fields of key that differ from
// the baseline.
func (t *DirtyTracker) Changed(key entity.Key) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	cur, ok := t.current[key]
	if !ok {
		return nil
	}

	snap, _ := t.snapshots.Get(key)

	return snap.Fields.Diff(cur, t.readOnly)
}

// Discard forgets key entirely: in-memory state and baseline.
func (t *DirtyTracker) Discard(key entity.Key) {
	t.mu.Lock()
	defer t.mu.Unlock()

	delete(t.current, key)
	t.snapshots.Delete(key)
}

// Dirty returns the keys of all dirty entities in deterministic order.
func (t *DirtyTracker) Dirty() []entity.Key {
	t.mu.Lock()
	defer t.mu.Unlock()

	var keys []entity.Key

	for k := range t.current {
		if t.isDirtyLocked(k) {
			keys = append(keys, k)
		}
	}

	sortKeys(keys)

	return keys
}

// Entities returns the in-memory state of the given keys; unknown keys are
// skipped.
func (t *DirtyTracker) Entities(keys []entity.Key) []entity.Entity {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]entity.Entity, 0, len(keys))

	for _, k := range keys {
		if e, ok := t.currentLocked(k); ok {
			out = append(out, e)
		}
	}

	return out
}
