package autosave

import (
	"time"

	"github.com/tonimelisma/autosave/internal/entity"
)

// EventKind identifies a save lifecycle notification.
type EventKind int

// Event kinds.
const (
	EventSaving EventKind = iota
	EventSaved
	EventConflict
	EventRetrying
	EventFailed
	EventFatal
	EventFallback
)

func (k EventKind) String() string {
	switch k {
	case EventSaving:
		return "saving"
	case EventSaved:
		return "saved"
	case EventConflict:
		return "conflict"
	case EventRetrying:
		return "retrying"
	case EventFailed:
		return "failed"
	case EventFatal:
		return "fatal"
	case EventFallback:
		return "fallback"
	default:
		return "unknown"
	}
}

// Event is a save lifecycle notification. Conflict events carry the
// *entity.ConflictError in Err.
type Event struct {
	Kind    EventKind
	Key     entity.Key
	Reason  FlushReason
	Version int64
	Attempt int
	Delay   time.Duration
	Err     error
	At      time.Time
}

// Conflict returns the conflict carried by a conflict event.
func (ev Event) Conflict() (*entity.ConflictError, bool) {
	if ev.Err == nil {
		return nil, false
	}

	return entity.AsConflict(ev.Err)
}
