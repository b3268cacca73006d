package remote

import "github.com/tonimelisma/autosave/internal/entity"

// Wire paths.
const (
	PathEntities  = "/entities"
	PathBatch     = "/entities/batch"
	PathHealth    = "/healthz"
	HeaderRequest = "X-Request-ID"
)

// BatchRequest is the body of POST /entities/batch.
type BatchRequest struct {
	Entities []entity.Entity `json:"entities"`
}

// BatchResponse is the body of a 200 or 409 batch response. On 409 the
// accepted entities were applied and the conflicting ones were not.
type BatchResponse struct {
	Accepted  []entity.Entity `json:"accepted"`
	Conflicts []Conflict      `json:"conflicts,omitempty"`
}

// Conflict is the server's view of one rejected entity.
type Conflict struct {
	Key           entity.Key    `json:"key"`
	ServerFields  entity.Fields `json:"serverFields"`
	ServerVersion int64         `json:"serverVersion"`
}

// ListResponse is the body of GET /entities.
type ListResponse struct {
	Entities []entity.Entity `json:"entities"`
}

// ErrorResponse is the body of every non-2xx, non-409 response.
type ErrorResponse struct {
	Error     string `json:"error"`
	RequestID string `json:"requestId,omitempty"`
}
