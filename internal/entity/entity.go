package entity

import (
	"fmt"
	"time"
)

// Entity is a uniquely addressable record under auto-save.
type Entity struct {
	Key     Key    `json:"key"`
	Fields  Fields `json:"fields"`
	Version int64  `json:"version"`
}

// Clone returns a copy with independent Fields.
func (e Entity) Clone() Entity {
	return Entity{Key: e.Key, Fields: e.Fields.Clone(), Version: e.Version}
}

// Validate checks the structural invariants every entity must satisfy
// before it is sent or adopted.
func (e Entity) Validate() error {
	if e.Key.Record == "" {
		return fmt.Errorf("entity %s: empty record ID", e.Key)
	}

	if e.Version < 0 {
		return fmt.Errorf("entity %s: negative version %d", e.Key, e.Version)
	}

	return nil
}

// Snapshot is the last entity state known to be persisted and acknowledged
// by the backend. Snapshots are replaced wholesale, never mutated.
type Snapshot struct {
	Key      Key
	Fields   Fields
	Version  int64
	SyncedAt time.Time
}

// NewSnapshot builds a Snapshot from an acknowledged entity.
func NewSnapshot(e Entity, syncedAt time.Time) Snapshot {
	return Snapshot{
		Key:      e.Key,
		Fields:   e.Fields.Clone(),
		Version:  e.Version,
		SyncedAt: syncedAt,
	}
}

// Entity returns the snapshot as an Entity.
func (s Snapshot) Entity() Entity {
	return Entity{Key: s.Key, Fields: s.Fields.Clone(), Version: s.Version}
}
