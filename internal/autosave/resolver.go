package autosave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/tonimelisma/autosave/internal/entity"
)

// Outcome is the resolution of one entity in a save round trip. Exactly
// one of Accepted and Err is set.
type Outcome struct {
	Key      entity.Key
	Sent     entity.Entity
	Accepted *entity.Entity
	Err      error
}

// Resolver performs save round trips against a Gateway and classifies each
// per-entity result as accepted, conflict, transient, or fatal. It does
// not touch engine state.
type Resolver struct {
	gateway Gateway
	timeout time.Duration
	logger  *slog.Logger
}

// NewResolver creates a resolver. timeout bounds every round trip; zero
// means no bound beyond the caller's context.
func NewResolver(gateway Gateway, timeout time.Duration, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}

	return &Resolver{gateway: gateway, timeout: timeout, logger: logger}
}

// SaveOne sends a single entity.
func (r *Resolver) SaveOne(ctx context.Context, sent entity.Entity) Outcome {
	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	acked, err := r.gateway.SaveOne(ctx, sent)

	r.logger.Debug("save round trip",
		slog.String("key", sent.Key.String()),
		slog.Int64("version", sent.Version),
		slog.Duration("elapsed", time.Since(start)),
		slog.Bool("ok", err == nil),
	)

	if err != nil {
		return Outcome{Key: sent.Key, Sent: sent, Err: r.checkConflict(sent, classify("save", err))}
	}

	return r.accept(sent, acked)
}

// SaveBatch sends entities in one round trip and returns one Outcome per
// sent entity, in input order. A transport-level failure fails every
// entity alike; otherwise each entity resolves independently.
func (r *Resolver) SaveBatch(ctx context.Context, batch []entity.Entity) []Outcome {
	if len(batch) == 0 {
		return nil
	}

	ctx, cancel := r.withTimeout(ctx)
	defer cancel()

	start := time.Now()
	result, err := r.gateway.SaveBatch(ctx, batch)

	r.logger.Debug("batch save round trip",
		slog.Int("entities", len(batch)),
		slog.Duration("elapsed", time.Since(start)),
		slog.Bool("ok", err == nil),
	)

	outcomes := make([]Outcome, len(batch))

	if err != nil {
		classified := classify("save batch", err)
		for i, sent := range batch {
			outcomes[i] = Outcome{Key: sent.Key, Sent: sent, Err: classified}
		}

		return outcomes
	}

	accepted := make(map[entity.Key]entity.Entity, len(result.Accepted))
	for _, a := range result.Accepted {
		accepted[a.Key] = a
	}

	conflicts := make(map[entity.Key]*entity.ConflictError, len(result.Conflicts))
	for _, c := range result.Conflicts {
		if c != nil {
			conflicts[c.Key] = c
		}
	}

	for i, sent := range batch {
		if a, ok := accepted[sent.Key]; ok {
			outcomes[i] = r.accept(sent, a)
			continue
		}

		if c, ok := conflicts[sent.Key]; ok {
			outcomes[i] = Outcome{Key: sent.Key, Sent: sent, Err: r.checkConflict(sent, c)}
			continue
		}

		outcomes[i] = Outcome{
			Key:  sent.Key,
			Sent: sent,
			Err: &entity.FatalError{
				Op:  "save batch",
				Err: fmt.Errorf("entity %s missing from response", sent.Key),
			},
		}
	}

	return outcomes
}

func (r *Resolver) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if r.timeout <= 0 {
		return context.WithCancel(ctx)
	}

	return context.WithTimeout(ctx, r.timeout)
}

// accept checks an acknowledgement before it may become a baseline: the
// key must match and the version must have moved forward.
func (r *Resolver) accept(sent, acked entity.Entity) Outcome {
	out := Outcome{Key: sent.Key, Sent: sent}

	switch {
	case acked.Key != sent.Key:
		out.Err = &entity.FatalError{
			Op:  "save",
			Err: fmt.Errorf("acknowledged key %s does not match sent key %s", acked.Key, sent.Key),
		}
	case acked.Version <= sent.Version:
		out.Err = &entity.FatalError{
			Op:  "save",
			Err: fmt.Errorf("entity %s acknowledged at version %d, sent %d", sent.Key, acked.Version, sent.Version),
		}
	default:
		if err := acked.Validate(); err != nil {
			out.Err = &entity.FatalError{Op: "save", Err: err}
			return out
		}

		a := acked.Clone()
		out.Accepted = &a
	}

	return out
}

// checkConflict turns a conflict that cannot be a real version mismatch
// into a fatal error.
func (r *Resolver) checkConflict(sent entity.Entity, err error) error {
	ce, ok := entity.AsConflict(err)
	if !ok {
		return err
	}

	if ce.Key != sent.Key || ce.ServerVersion == sent.Version {
		return &entity.FatalError{
			Op:  "save",
			Err: fmt.Errorf("malformed conflict for %s: sent version %d, server version %d", sent.Key, sent.Version, ce.ServerVersion),
		}
	}

	if ce.AttemptedFields.Len() == 0 {
		ce.AttemptedFields = sent.Fields.Clone()
		ce.AttemptedVersion = sent.Version
	}

	return ce
}

// classify maps a gateway error onto the save error taxonomy. Errors that
// carry no classification, including context deadlines, are transient.
func classify(op string, err error) error {
	switch {
	case errors.Is(err, entity.ErrConflict),
		errors.Is(err, entity.ErrTransient),
		errors.Is(err, entity.ErrFatal):
		return err
	default:
		return &entity.TransientError{Op: op, Err: err}
	}
}

// isBlocking reports whether err parks a task until the caller acts.
func isBlocking(err error) bool {
	return errors.Is(err, entity.ErrConflict) || errors.Is(err, entity.ErrFatal)
}
