package autosave

import (
	"context"

	"github.com/tonimelisma/autosave/internal/entity"
)

// Scope narrows a Load to the entities a view displays.
type Scope struct {
	Owner string
}

// BatchResult is the per-entity outcome of a batch save. Entities named in
// neither slice were not accounted for by the backend.
type BatchResult struct {
	Accepted  []entity.Entity
	Conflicts []*entity.ConflictError
}

// Gateway is the persistence backend. A save whose version does not match
// the stored version must be rejected with an *entity.ConflictError.
// Network and timeout failures are reported as *entity.TransientError and
// malformed responses as *entity.FatalError; unclassified errors are
// treated as transient.
type Gateway interface {
	Load(ctx context.Context, scope Scope) ([]entity.Entity, error)
	SaveBatch(ctx context.Context, entities []entity.Entity) (BatchResult, error)
	SaveOne(ctx context.Context, e entity.Entity) (entity.Entity, error)
}

// FallbackStore is the local durable store for edits that could not reach
// the backend. At most one entry per key is held; Put overwrites.
type FallbackStore interface {
	Put(ctx context.Context, e entity.Entity) error
	Pending(ctx context.Context) ([]entity.Entity, error)
	Remove(ctx context.Context, key entity.Key) error
}
