package autosave

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	stdsync "sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/tonimelisma/autosave/internal/entity"
)

// ErrClosed is returned by Engine operations after Teardown.
var ErrClosed = errors.New("autosave: engine closed")

// Default engine options.
const (
	DefaultDebounce         = 3 * time.Second
	DefaultFailsafe         = 30 * time.Second
	DefaultMaxRetries       = 3
	DefaultRetryBackoffBase = 1 * time.Second
	DefaultMaxBackoff       = 30 * time.Second
	DefaultSaveTimeout      = 10 * time.Second
	defaultEventBuffer      = 256
	defaultFlushConcurrency = 4
)

// Options configures an Engine.
type Options struct {
	Debounce         time.Duration
	Failsafe         time.Duration
	MaxRetries       int
	RetryBackoffBase time.Duration
	MaxBackoff       time.Duration
	SaveTimeout      time.Duration

	// ReadOnlyFields are excluded from dirty comparison and payloads.
	ReadOnlyFields []string
	// Rules maps field names to validator tags checked on every edit.
	Rules map[string]string

	EventBuffer      int
	FlushConcurrency int
}

// DefaultOptions returns the default engine options.
func DefaultOptions() Options {
	return Options{
		Debounce:         DefaultDebounce,
		Failsafe:         DefaultFailsafe,
		MaxRetries:       DefaultMaxRetries,
		RetryBackoffBase: DefaultRetryBackoffBase,
		MaxBackoff:       DefaultMaxBackoff,
		SaveTimeout:      DefaultSaveTimeout,
		EventBuffer:      defaultEventBuffer,
		FlushConcurrency: defaultFlushConcurrency,
	}
}

// EngineConfig holds the collaborators of an Engine. Gateway is required;
// everything else has a default.
type EngineConfig struct {
	Gateway   Gateway
	Fallback  FallbackStore
	Clock     Clock
	Logger    *slog.Logger
	Snapshots *SnapshotStore
	Options   Options

	// Dispatch runs flushes triggered by timers and blur. Defaults to a new
	// goroutine per flush; tests pass a synchronous dispatcher.
	Dispatch func(func())
}

// Engine wires the tracker, scheduler, differ, and resolver around one
// Gateway. Edits are applied to memory immediately and persisted when the
// debounce or failsafe timer fires, on blur, on explicit Flush, or on
// Teardown. The engine mutex is never held across gateway or fallback I/O.
type Engine struct {
	mu        stdsync.Mutex
	gateway   Gateway
	fallback  FallbackStore
	clock     Clock
	logger    *slog.Logger
	opts      Options
	tracker   *DirtyTracker
	differ    *Differ
	sched     *Scheduler
	resolver  *Resolver
	rules     *RuleValidator
	dispatch  func(func())
	inflight  map[entity.Key]chan struct{}
	conflicts map[entity.Key]*entity.ConflictError
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     stdsync.WaitGroup

	evMu     stdsync.RWMutex
	events   chan Event
	evClosed bool
}

// NewEngine creates an Engine.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Gateway == nil {
		return nil, errors.New("autosave: engine requires a gateway")
	}

	opts := cfg.Options
	if opts.EventBuffer <= 0 {
		opts.EventBuffer = defaultEventBuffer
	}

	if opts.FlushConcurrency <= 0 {
		opts.FlushConcurrency = defaultFlushConcurrency
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	clock := cfg.Clock
	if clock == nil {
		clock = SystemClock()
	}

	snapshots := cfg.Snapshots
	if snapshots == nil {
		snapshots = NewSnapshotStore()
	}

	rules, err := NewRuleValidator(opts.Rules)
	if err != nil {
		return nil, err
	}

	dispatch := cfg.Dispatch
	if dispatch == nil {
		dispatch = func(f func()) { go f() }
	}

	ctx, cancel := context.WithCancel(context.Background())

	e := &Engine{
		gateway:   cfg.Gateway,
		fallback:  cfg.Fallback,
		clock:     clock,
		logger:    logger,
		opts:      opts,
		tracker:   NewDirtyTracker(snapshots, opts.ReadOnlyFields),
		differ:    NewDiffer(opts.ReadOnlyFields),
		resolver:  NewResolver(cfg.Gateway, opts.SaveTimeout, logger),
		rules:     rules,
		dispatch:  dispatch,
		inflight:  make(map[entity.Key]chan struct{}),
		conflicts: make(map[entity.Key]*entity.ConflictError),
		ctx:       ctx,
		cancel:    cancel,
		events:    make(chan Event, opts.EventBuffer),
	}

	e.tracker.nowFunc = clock.Now
	e.sched = NewScheduler(SchedulerConfig{
		Debounce:         opts.Debounce,
		Failsafe:         opts.Failsafe,
		MaxRetries:       opts.MaxRetries,
		RetryBackoffBase: opts.RetryBackoffBase,
		MaxBackoff:       opts.MaxBackoff,
	}, clock, e.onDue, logger)

	return e, nil
}

// Events returns the lifecycle event channel. It is closed by Teardown.
// Events are dropped, with a warning, when the buffer is full.
func (e *Engine) Events() <-chan Event {
	return e.events
}

// Load fetches scope from the gateway and adopts every returned entity
// that has no local edits, conflict, or save in flight. Entities with
// local state are left untouched so a reload never discards edits.
func (e *Engine) Load(ctx context.Context, scope Scope) ([]entity.Entity, error) {
	loaded, err := e.gateway.Load(ctx, scope)
	if err != nil {
		return nil, fmt.Errorf("autosave: loading %q: %w", scope.Owner, err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return nil, ErrClosed
	}

	for _, ent := range loaded {
		if err := ent.Validate(); err != nil {
			return nil, &entity.FatalError{Op: "load", Err: err}
		}

		if _, busy := e.inflight[ent.Key]; busy {
			continue
		}

		if _, conflicted := e.conflicts[ent.Key]; conflicted {
			continue
		}

		if !e.tracker.IsClean(ent.Key) {
			continue
		}

		if err := e.tracker.Adopt(ent.Key, ent.Fields, ent.Version); err != nil {
			e.logger.Warn("skipping stale entity on load",
				slog.String("key", ent.Key.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	return loaded, nil
}

// Edit applies patch to the in-memory state of key. The patch is validated
// first; a rejected edit changes nothing. Edits to an entity with an
// unresolved conflict are rejected with that conflict until the caller
// reloads, rebases, or discards.
func (e *Engine) Edit(key entity.Key, patch entity.Fields) error {
	if err := e.rules.Check(key, patch); err != nil {
		return err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	if ce, ok := e.conflicts[key]; ok {
		return ce
	}

	if e.tracker.MarkEdited(key, patch) {
		e.sched.Edited(key)
		return nil
	}

	// Edited back to the baseline: nothing to save.
	if _, busy := e.inflight[key]; !busy {
		e.sched.Cancel(key)
	}

	return nil
}

// EditGrid applies a full set of visible rows. Rows are diffed against the
// in-memory state and only rows that actually changed are edited, so
// touching one row of a large grid dirties exactly one entity.
func (e *Engine) EditGrid(rows []entity.Entity) error {
	previous := e.tracker.Entities(keysOf(rows))

	var errs []error

	for _, changed := range e.differ.Diff(previous, rows) {
		if err := e.Edit(changed.Key, changed.Fields); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Blur forces an immediate asynchronous flush of key, as when the user
// leaves a row.
func (e *Engine) Blur(key entity.Key) {
	e.onDue(key, ReasonBlur)
}

// Flush saves key now and waits for the result. If a save of key is
// already in flight, Flush waits for it and then saves any edits made
// meanwhile. Flushing a clean entity makes no gateway call.
func (e *Engine) Flush(ctx context.Context, key entity.Key) error {
	return e.flush(ctx, key, ReasonManual, true)
}

// FlushAll saves every dirty entity that is not in flight or blocked in a
// single batch round trip. The returned error joins per-entity failures.
func (e *Engine) FlushAll(ctx context.Context) error {
	e.mu.Lock()

	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}

	var (
		batch []entity.Entity
		dones = make(map[entity.Key]chan struct{})
	)

	for _, key := range e.tracker.Dirty() {
		if _, busy := e.inflight[key]; busy {
			continue
		}

		if _, conflicted := e.conflicts[key]; conflicted {
			continue
		}

		payload, done, ok := e.beginLocked(key)
		if !ok {
			continue
		}

		batch = append(batch, payload)
		dones[key] = done
	}
	e.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}

	for _, p := range batch {
		e.emit(Event{Kind: EventSaving, Key: p.Key, Reason: ReasonManual, Version: p.Version})
	}

	var errs []error

	for _, out := range e.resolver.SaveBatch(ctx, batch) {
		if err := e.finish(ctx, out, dones[out.Key], ReasonManual); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Teardown is the unload path. Timers of clean entities are cancelled,
// every dirty entity without a conflict is flushed once (bounded by ctx),
// and whatever is still dirty afterwards is written to the fallback store.
// The engine is closed afterwards and the event channel is closed.
func (e *Engine) Teardown(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}

	for _, key := range e.sched.Keys() {
		if _, busy := e.inflight[key]; !busy && e.tracker.IsClean(key) {
			e.sched.Cancel(key)
		}
	}

	var toFlush []entity.Key

	for _, key := range e.tracker.Dirty() {
		if _, conflicted := e.conflicts[key]; !conflicted {
			toFlush = append(toFlush, key)
		}
	}
	e.mu.Unlock()

	g := new(errgroup.Group)
	g.SetLimit(e.opts.FlushConcurrency)

	for _, key := range toFlush {
		g.Go(func() error {
			if err := e.flush(ctx, key, ReasonUnload, true); err != nil {
				e.logger.Warn("unload flush failed",
					slog.String("key", key.String()),
					slog.String("error", err.Error()),
				)
			}

			return nil
		})
	}

	_ = g.Wait()

	err := e.persistUnsaved(ctx)

	e.mu.Lock()
	e.closed = true
	e.sched.StopAll()
	e.mu.Unlock()

	e.cancel()
	e.wg.Wait()

	e.evMu.Lock()
	e.evClosed = true
	close(e.events)
	e.evMu.Unlock()

	return err
}

// persistUnsaved writes every dirty entity without a conflict to the
// fallback store.
func (e *Engine) persistUnsaved(ctx context.Context) error {
	e.mu.Lock()

	var unsaved []entity.Entity

	for _, key := range e.tracker.Dirty() {
		if _, conflicted := e.conflicts[key]; conflicted {
			continue
		}

		if payload, ok := e.tracker.Payload(key); ok {
			unsaved = append(unsaved, payload)
		}
	}
	e.mu.Unlock()

	if len(unsaved) == 0 {
		return nil
	}

	if e.fallback == nil {
		return fmt.Errorf("autosave: %d unsaved entities discarded: no fallback store", len(unsaved))
	}

	var errs []error

	for _, payload := range unsaved {
		if err := e.putFallback(ctx, payload); err != nil {
			errs = append(errs, err)
		}
	}

	return errors.Join(errs...)
}

// Retry re-arms an entity parked in Error after a transient or fatal
// failure and flushes it immediately. Conflicts are not retriable; use
// Reload or Rebase.
func (e *Engine) Retry(ctx context.Context, key entity.Key) error {
	e.mu.Lock()

	if ce, ok := e.conflicts[key]; ok {
		e.mu.Unlock()
		return ce
	}

	e.sched.Reset(key)
	e.mu.Unlock()

	return e.flush(ctx, key, ReasonManual, true)
}

// Reload resolves a conflict by discarding the local edits of key and
// adopting the server state carried by the conflict.
func (e *Engine) Reload(ctx context.Context, key entity.Key) error {
	e.mu.Lock()

	ce, ok := e.conflicts[key]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("autosave: %s has no conflict to reload", key)
	}

	server := ce.ServerEntity()

	e.tracker.Discard(key)
	if err := e.tracker.Adopt(key, server.Fields, server.Version); err != nil {
		e.mu.Unlock()
		return fmt.Errorf("autosave: reloading %s: %w", key, err)
	}

	delete(e.conflicts, key)
	e.sched.Cancel(key)
	e.mu.Unlock()

	e.logger.Info("conflict resolved by reload",
		slog.String("key", key.String()),
		slog.Int64("version", server.Version),
	)

	return e.removeFallback(ctx, key)
}

// Rebase resolves a conflict by keeping the local edits of key on top of
// the server's version. The entity is re-armed and saved by the next
// debounce.
func (e *Engine) Rebase(key entity.Key) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	ce, ok := e.conflicts[key]
	if !ok {
		return fmt.Errorf("autosave: %s has no conflict to rebase", key)
	}

	if err := e.tracker.Rebase(ce.ServerEntity()); err != nil {
		return fmt.Errorf("autosave: rebasing %s: %w", key, err)
	}

	delete(e.conflicts, key)
	e.sched.Reset(key)

	if !e.tracker.IsClean(key) {
		e.sched.Edited(key)
	} else {
		e.sched.Cancel(key)
	}

	e.logger.Info("conflict resolved by rebase",
		slog.String("key", key.String()),
		slog.Int64("version", ce.ServerVersion),
	)

	return nil
}

// Discard forgets key entirely: local edits, baseline, pending timers,
// conflict, and fallback entry.
func (e *Engine) Discard(ctx context.Context, key entity.Key) error {
	e.mu.Lock()
	e.tracker.Discard(key)
	e.sched.Cancel(key)
	delete(e.conflicts, key)
	e.mu.Unlock()

	return e.removeFallback(ctx, key)
}

// Replay sends every fallback entry through the normal save path. Accepted
// entries are removed from the fallback store; conflicting entries are
// kept and surface as conflicts; transient failures are kept for a later
// replay. Entries whose key is in flight or conflicted are skipped.
func (e *Engine) Replay(ctx context.Context) ([]Outcome, error) {
	if e.fallback == nil {
		return nil, nil
	}

	pending, err := e.fallback.Pending(ctx)
	if err != nil {
		return nil, fmt.Errorf("autosave: reading fallback entries: %w", err)
	}

	var outcomes []Outcome

	for _, entry := range pending {
		e.mu.Lock()

		if e.closed {
			e.mu.Unlock()
			return outcomes, ErrClosed
		}

		_, busy := e.inflight[entry.Key]
		_, conflicted := e.conflicts[entry.Key]

		if busy || conflicted {
			e.mu.Unlock()
			continue
		}

		done := make(chan struct{})
		e.inflight[entry.Key] = done
		e.mu.Unlock()

		e.emit(Event{Kind: EventSaving, Key: entry.Key, Reason: ReasonReplay, Version: entry.Version})

		out := e.resolver.SaveOne(ctx, entry)
		e.finishReplay(ctx, out, done)
		outcomes = append(outcomes, out)
	}

	return outcomes, nil
}

func (e *Engine) finishReplay(ctx context.Context, out Outcome, done chan struct{}) {
	key := out.Key
	remove := false

	e.mu.Lock()

	switch {
	case out.Err == nil:
		remove = true
		e.applyReplayAckLocked(out)
		e.emit(Event{Kind: EventSaved, Key: key, Reason: ReasonReplay, Version: out.Accepted.Version})
	case errors.Is(out.Err, entity.ErrConflict):
		ce, _ := entity.AsConflict(out.Err)
		// The replayed values are the user's edit: they stay in memory,
		// dirty against the loaded baseline, until Reload or Rebase.
		e.tracker.MarkEdited(key, ce.AttemptedFields)

		e.conflicts[key] = ce
		e.sched.Failed(key, ce, true)
		e.logger.Warn("replay conflict",
			slog.String("key", key.String()),
			slog.Int64("sent_version", ce.AttemptedVersion),
			slog.Int64("server_version", ce.ServerVersion),
		)
		e.emit(Event{Kind: EventConflict, Key: key, Reason: ReasonReplay, Version: ce.ServerVersion, Err: ce})
	default:
		e.logger.Warn("replay failed",
			slog.String("key", key.String()),
			slog.String("error", out.Err.Error()),
		)
		e.emit(Event{Kind: EventFailed, Key: key, Reason: ReasonReplay, Err: out.Err})
	}

	delete(e.inflight, key)
	close(done)
	e.mu.Unlock()

	if remove {
		if err := e.removeFallback(ctx, key); err != nil {
			e.logger.Warn("removing replayed fallback entry",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
		}
	}
}

// applyReplayAckLocked adopts a replayed acknowledgement. Local edits made
// against the previous baseline stay on top of it; a clean entity takes
// the acknowledged state.
func (e *Engine) applyReplayAckLocked(out Outcome) {
	key := out.Key

	stillDirty, err := e.tracker.AcknowledgeReplay(*out.Accepted)
	if err != nil {
		e.logger.Warn("acknowledging replayed entity", slog.String("key", key.String()), slog.String("error", err.Error()))
		return
	}

	if stillDirty {
		e.sched.Edited(key)
	} else {
		e.sched.Cancel(key)
	}
}

// State returns the scheduler state of key.
func (e *Engine) State(key entity.Key) TaskState {
	return e.sched.State(key)
}

// Conflict returns the unresolved conflict of key.
func (e *Engine) Conflict(key entity.Key) (*entity.ConflictError, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	ce, ok := e.conflicts[key]

	return ce, ok
}

// Current returns the in-memory state of key with its baseline version.
func (e *Engine) Current(key entity.Key) (entity.Entity, bool) {
	return e.tracker.Current(key)
}

// Baseline returns the last server-acknowledged state of key.
func (e *Engine) Baseline(key entity.Key) (entity.Snapshot, bool) {
	return e.tracker.Baseline(key)
}

// HasUnsavedChanges reports whether any entity is dirty.
func (e *Engine) HasUnsavedChanges() bool {
	return e.UnsavedCount() > 0
}

// UnsavedCount returns the number of dirty entities.
func (e *Engine) UnsavedCount() int {
	return len(e.tracker.Dirty())
}

// onDue is the scheduler callback: it hands the flush to the dispatcher.
func (e *Engine) onDue(key entity.Key, reason FlushReason) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}

	e.wg.Add(1)
	e.mu.Unlock()

	e.dispatch(func() {
		defer e.wg.Done()

		if err := e.flush(e.ctx, key, reason, false); err != nil {
			e.logger.Debug("flush ended with error",
				slog.String("key", key.String()),
				slog.String("reason", reason.String()),
				slog.String("error", err.Error()),
			)
		}
	})
}

// flush saves one key. When a save of key is in flight, wait selects
// between waiting for it and re-checking, or recording the request so the
// in-flight save is followed by a new cycle.
func (e *Engine) flush(ctx context.Context, key entity.Key, reason FlushReason, wait bool) error {
	for {
		e.mu.Lock()

		if e.closed {
			e.mu.Unlock()
			return ErrClosed
		}

		if done, busy := e.inflight[key]; busy {
			if !wait {
				e.sched.Edited(key)
				e.mu.Unlock()

				return nil
			}

			e.mu.Unlock()

			select {
			case <-done:
				continue
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		if ce, ok := e.conflicts[key]; ok {
			e.mu.Unlock()
			return ce
		}

		if e.tracker.IsClean(key) {
			e.sched.Cancel(key)
			e.mu.Unlock()

			return nil
		}

		payload, done, ok := e.beginLocked(key)
		if !ok {
			task, _ := e.sched.Task(key)
			e.mu.Unlock()

			return task.LastErr
		}
		e.mu.Unlock()

		e.emit(Event{Kind: EventSaving, Key: key, Reason: reason, Version: payload.Version})

		return e.finish(ctx, e.resolver.SaveOne(ctx, payload), done, reason)
	}
}

// beginLocked moves key to InFlight and registers its done channel.
func (e *Engine) beginLocked(key entity.Key) (entity.Entity, chan struct{}, bool) {
	payload, ok := e.tracker.Payload(key)
	if !ok || !e.sched.Begin(key) {
		return entity.Entity{}, nil, false
	}

	done := make(chan struct{})
	e.inflight[key] = done

	return payload, done, true
}

// finish applies the outcome of a save: acknowledgement on success,
// conflict or fatal parking, transient retry plus fallback write.
func (e *Engine) finish(ctx context.Context, out Outcome, done chan struct{}, reason FlushReason) error {
	key := out.Key

	var (
		fallbackPut    *entity.Entity
		fallbackRemove bool
	)

	e.mu.Lock()

	if out.Err == nil {
		stillDirty, err := e.tracker.Acknowledge(out.Sent, *out.Accepted)
		if err != nil {
			out.Err = &entity.FatalError{Op: "save", Err: err}
		} else {
			e.sched.Succeeded(key, stillDirty)
			fallbackRemove = true

			e.logger.Debug("saved",
				slog.String("key", key.String()),
				slog.String("reason", reason.String()),
				slog.Int64("version", out.Accepted.Version),
				slog.Bool("still_dirty", stillDirty),
			)
			e.emit(Event{Kind: EventSaved, Key: key, Reason: reason, Version: out.Accepted.Version})
		}
	}

	if out.Err != nil {
		fallbackPut = e.failLocked(key, out, reason)
	}

	delete(e.inflight, key)
	close(done)
	e.mu.Unlock()

	switch {
	case fallbackRemove:
		if err := e.removeFallback(ctx, key); err != nil {
			e.logger.Warn("removing fallback entry",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
		}
	case fallbackPut != nil:
		if err := e.putFallback(ctx, *fallbackPut); err != nil {
			e.logger.Warn("writing fallback entry",
				slog.String("key", key.String()),
				slog.String("error", err.Error()),
			)
		}
	}

	return out.Err
}

// failLocked records a failed save. It returns the entity to write to the
// fallback store, if any.
func (e *Engine) failLocked(key entity.Key, out Outcome, reason FlushReason) *entity.Entity {
	if ce, ok := entity.AsConflict(out.Err); ok {
		e.conflicts[key] = ce
		e.sched.Failed(key, ce, true)

		e.logger.Warn("save conflict",
			slog.String("key", key.String()),
			slog.Int64("sent_version", ce.AttemptedVersion),
			slog.Int64("server_version", ce.ServerVersion),
		)
		e.emit(Event{Kind: EventConflict, Key: key, Reason: reason, Version: ce.ServerVersion, Err: ce})

		return nil
	}

	if isBlocking(out.Err) {
		e.sched.Failed(key, out.Err, true)

		e.logger.Error("save failed",
			slog.String("key", key.String()),
			slog.String("error", out.Err.Error()),
		)
		e.emit(Event{Kind: EventFatal, Key: key, Reason: reason, Err: out.Err})

		return nil
	}

	retrying, delay, attempt := e.sched.Failed(key, out.Err, false)
	if retrying {
		e.logger.Warn("save failed, retrying",
			slog.String("key", key.String()),
			slog.Int("attempt", attempt),
			slog.Duration("delay", delay),
			slog.String("error", out.Err.Error()),
		)
		e.emit(Event{Kind: EventRetrying, Key: key, Reason: reason, Attempt: attempt, Delay: delay, Err: out.Err})
	} else {
		e.emit(Event{Kind: EventFailed, Key: key, Reason: reason, Attempt: attempt, Err: out.Err})
	}

	payload, ok := e.tracker.Payload(key)
	if !ok || e.fallback == nil {
		return nil
	}

	return &payload
}

func (e *Engine) putFallback(ctx context.Context, payload entity.Entity) error {
	if e.fallback == nil {
		return nil
	}

	if err := e.fallback.Put(context.WithoutCancel(ctx), payload); err != nil {
		return fmt.Errorf("autosave: writing fallback entry for %s: %w", payload.Key, err)
	}

	e.emit(Event{Kind: EventFallback, Key: payload.Key, Version: payload.Version})

	return nil
}

func (e *Engine) removeFallback(ctx context.Context, key entity.Key) error {
	if e.fallback == nil {
		return nil
	}

	if err := e.fallback.Remove(context.WithoutCancel(ctx), key); err != nil {
		return fmt.Errorf("autosave: removing fallback entry for %s: %w", key, err)
	}

	return nil
}

func (e *Engine) emit(ev Event) {
	ev.At = e.clock.Now()

	e.evMu.RLock()
	defer e.evMu.RUnlock()

	if e.evClosed {
		return
	}

	select {
	case e.events <- ev:
	default:
		e.logger.Warn("event buffer full, dropping event",
			slog.String("kind", ev.Kind.String()),
			slog.String("key", ev.Key.String()),
		)
	}
}

func keysOf(rows []entity.Entity) []entity.Key {
	keys := make([]entity.Key, len(rows))
	for i, r := range rows {
		keys[i] = r.Key
	}

	return keys
}
