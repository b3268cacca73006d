package entity

import (
	"errors"
	"fmt"
)

// Sentinel errors for the save error taxonomy.
// Use errors.Is(err, entity.ErrConflict) to classify.
var (
	ErrValidation = errors.New("entity: validation failed")
	ErrConflict   = errors.New("entity: version conflict")
	ErrTransient  = errors.New("entity: transient failure")
	ErrFatal      = errors.New("entity: fatal save failure")
)

// ValidationError reports a field value outside its allowed domain. It is
// raised at edit time and never reaches the network.
type ValidationError struct {
	Key   Key
	Field string
	Value any
	Rule  string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("entity %s: field %q value %v violates %q", e.Key, e.Field, e.Value, e.Rule)
}

func (e *ValidationError) Unwrap() error {
	return ErrValidation
}

// ConflictError reports that the backend's version no longer matches the
// version this client last synced. It carries both sides so the caller can
// decide; the engine never resolves it on its own.
type ConflictError struct {
	Key              Key
	AttemptedFields  Fields
	AttemptedVersion int64
	ServerFields     Fields
	ServerVersion    int64
}

func (e *ConflictError) Error() string {
	return fmt.Sprintf("entity %s: version conflict (sent %d, server has %d)",
		e.Key, e.AttemptedVersion, e.ServerVersion)
}

func (e *ConflictError) Unwrap() error {
	return ErrConflict
}

// ServerEntity returns the server's current state as an Entity.
func (e *ConflictError) ServerEntity() Entity {
	return Entity{Key: e.Key, Fields: e.ServerFields.Clone(), Version: e.ServerVersion}
}

// TransientError wraps a network or timeout failure. Transient failures are
// retried with backoff before being surfaced.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s: transient failure: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() []error {
	return []error{ErrTransient, e.Err}
}

// FatalError wraps a malformed response or schema mismatch. It aborts the
// save cycle for the affected entities.
type FatalError struct {
	Op  string
	Err error
}

func (e *FatalError) Error() string {
	return fmt.Sprintf("%s: fatal: %v", e.Op, e.Err)
}

func (e *FatalError) Unwrap() []error {
	return []error{ErrFatal, e.Err}
}

// AsConflict extracts a *ConflictError from err.
func AsConflict(err error) (*ConflictError, bool) {
	var ce *ConflictError
	if errors.As(err, &ce) {
		return ce, true
	}

	return nil, false
}
