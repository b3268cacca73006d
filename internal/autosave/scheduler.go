package autosave

import (
	"log/slog"
	stdsync "sync"
	"time"

	"github.com/tonimelisma/autosave/internal/entity"
)

// TaskState is the per-key save state.
type TaskState int

// Save task states.
const (
	TaskIdle TaskState = iota
	TaskPending
	TaskInFlight
	TaskError
)

func (s TaskState) String() string {
	switch s {
	case TaskIdle:
		return "idle"
	case TaskPending:
		return "pending"
	case TaskInFlight:
		return "in_flight"
	case TaskError:
		return "error"
	default:
		return "unknown"
	}
}

// FlushReason records why a save was started.
type FlushReason int

// Flush reasons.
const (
	ReasonDebounce FlushReason = iota
	ReasonFailsafe
	ReasonBlur
	ReasonUnload
	ReasonRetry
	ReasonManual
	ReasonReplay
)

func (r FlushReason) String() string {
	switch r {
	case ReasonDebounce:
		return "debounce"
	case ReasonFailsafe:
		return "failsafe"
	case ReasonBlur:
		return "blur"
	case ReasonUnload:
		return "unload"
	case ReasonRetry:
		return "retry"
	case ReasonManual:
		return "manual"
	case ReasonReplay:
		return "replay"
	default:
		return "unknown"
	}
}

// SaveTask is the scheduling record of one dirty entity. Exported fields are
// a read-only view returned by Scheduler.Task.
type SaveTask struct {
	Key              entity.Key
	State            TaskState
	ArmedAt          time.Time
	DebounceDeadline time.Time
	FailsafeDeadline time.Time
	RetryDeadline    time.Time
	Attempt          int
	// Blocked is set for conflicts and fatal errors: only an explicit
	// caller action (Retry, Reload, Rebase, Discard) moves the task on.
	Blocked bool
	LastErr error

	requeue bool

	debounce, failsafe, retry          Timer
	debounceGen, failsafeGen, retryGen uint64
}

// SchedulerConfig holds the timing knobs of the Scheduler.
type SchedulerConfig struct {
	Debounce         time.Duration
	Failsafe         time.Duration
	MaxRetries       int
	RetryBackoffBase time.Duration
	MaxBackoff       time.Duration
}

// Scheduler is the per-key timer state machine deciding when a dirty entity
// becomes eligible to flush. It performs no I/O: when a timer fires it calls
// onDue, outside its own lock, and the engine starts the save.
//
//	Idle     --edit-->            Pending   (debounce armed, failsafe armed once)
//	Pending  --edit-->            Pending   (debounce restarted)
//	Pending  --debounce/failsafe/blur/unload--> InFlight
//	InFlight --edit-->            InFlight  (requeued for after resolution)
//	InFlight --success-->         Idle, or Pending if still dirty
//	InFlight --transient-->       Pending (retry timer) or Error when exhausted
//	InFlight --conflict/fatal-->  Error (blocked)
type Scheduler struct {
	mu      stdsync.Mutex
	cfg     SchedulerConfig
	clock   Clock
	backoff Backoff
	tasks   map[entity.Key]*SaveTask
	onDue   func(entity.Key, FlushReason)
	logger  *slog.Logger
	gen     uint64
}

// NewScheduler creates a scheduler. onDue is invoked when a key becomes
// eligible to flush.
func NewScheduler(cfg SchedulerConfig, clock Clock, onDue func(entity.Key, FlushReason), logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}

	return &Scheduler{
		cfg:     cfg,
		clock:   clock,
		backoff: NewBackoff(cfg.RetryBackoffBase, cfg.MaxBackoff),
		tasks:   make(map[entity.Key]*SaveTask),
		onDue:   onDue,
		logger:  logger,
	}
}

// Edited records an edit to key and arms or refreshes its timers.
func (s *Scheduler) Edited(key entity.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := s.taskLocked(key)

	switch task.State {
	case TaskIdle:
		s.toPendingLocked(task)
	case TaskPending:
		if task.retry != nil {
			s.deferRetryLocked(task)
			return
		}

		s.armDebounceLocked(task)
	case TaskInFlight:
		task.requeue = true
	case TaskError:
		if task.Blocked {
			return
		}

		// Retries were exhausted; a fresh edit starts a fresh cycle.
		task.Attempt = 0
		task.LastErr = nil
		s.toPendingLocked(task)
	}
}

// Begin moves key to InFlight, stopping its timers. It returns false when
// key is already in flight (the edit is requeued instead) or blocked.
func (s *Scheduler) Begin(key entity.Key) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := s.taskLocked(key)

	if task.State == TaskInFlight {
		task.requeue = true
		return false
	}

	if task.State == TaskError && task.Blocked {
		return false
	}

	s.stopTimersLocked(task)
	task.State = TaskInFlight
	task.requeue = false

	return true
}

// Succeeded resolves an in-flight save. If the entity is still dirty
// (edited while in flight) a new Pending cycle is armed; otherwise the task
// is destroyed.
func (s *Scheduler) Succeeded(key entity.Key, stillDirty bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[key]
	if !ok {
		return
	}

	s.stopTimersLocked(task)

	if !stillDirty {
		delete(s.tasks, key)
		return
	}

	task.State = TaskIdle
	task.Attempt = 0
	task.LastErr = nil
	task.requeue = false
	s.toPendingLocked(task)
}

// Failed resolves an in-flight save that did not succeed. Blocked failures
// (conflict, fatal) park the task in Error. Transient failures schedule a
// retry after backoff until MaxRetries is exhausted. It returns whether a
// retry was scheduled, its delay, and the failure count so far.
func (s *Scheduler) Failed(key entity.Key, err error, blocked bool) (bool, time.Duration, int) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := s.taskLocked(key)
	s.stopTimersLocked(task)
	task.LastErr = err
	task.requeue = false

	if blocked {
		task.State = TaskError
		task.Blocked = true

		return false, 0, task.Attempt
	}

	task.Attempt++

	if task.Attempt > s.cfg.MaxRetries {
		task.State = TaskError
		task.Blocked = false

		s.logger.Warn("save retries exhausted",
			slog.String("key", key.String()),
			slog.Int("attempts", task.Attempt),
			slog.String("error", errString(err)),
		)

		return false, 0, task.Attempt
	}

	delay := s.backoff.Delay(task.Attempt - 1)
	task.State = TaskPending
	task.RetryDeadline = s.clock.Now().Add(delay)
	s.gen++
	task.retryGen = s.gen
	task.retry = s.clock.AfterFunc(delay, s.fire(key, task.retryGen, ReasonRetry))

	return true, delay, task.Attempt
}

// Reset clears any error state of key and leaves it Idle, ready for an
// immediate flush. Used for explicit caller retries.
func (s *Scheduler) Reset(key entity.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task := s.taskLocked(key)
	if task.State == TaskInFlight {
		return
	}

	s.stopTimersLocked(task)
	task.State = TaskIdle
	task.Attempt = 0
	task.Blocked = false
	task.LastErr = nil
}

// Cancel stops the timers of key and destroys its task.
func (s *Scheduler) Cancel(key entity.Key) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task, ok := s.tasks[key]; ok {
		s.stopTimersLocked(task)
		delete(s.tasks, key)
	}
}

// StopAll stops every timer and destroys all tasks.
func (s *Scheduler) StopAll() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for k, task := range s.tasks {
		s.stopTimersLocked(task)
		delete(s.tasks, k)
	}
}

// State returns the state of key; keys without a task are Idle.
func (s *Scheduler) State(key entity.Key) TaskState {
	s.mu.Lock()
	defer s.mu.Unlock()

	if task, ok := s.tasks[key]; ok {
		return task.State
	}

	return TaskIdle
}

// Task returns a copy of the task for key.
func (s *Scheduler) Task(key entity.Key) (SaveTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	task, ok := s.tasks[key]
	if !ok {
		return SaveTask{}, false
	}

	cp := *task
	cp.debounce, cp.failsafe, cp.retry = nil, nil, nil

	return cp, true
}

// Keys returns the keys of all live tasks.
func (s *Scheduler) Keys() []entity.Key {
	s.mu.Lock()
	keys := make([]entity.Key, 0, len(s.tasks))

	for k := range s.tasks {
		keys = append(keys, k)
	}
	s.mu.Unlock()

	sortKeys(keys)

	return keys
}

func (s *Scheduler) taskLocked(key entity.Key) *SaveTask {
	task, ok := s.tasks[key]
	if !ok {
		task = &SaveTask{Key: key, State: TaskIdle}
		s.tasks[key] = task
	}

	return task
}

// toPendingLocked starts a new Pending cycle: the failsafe timer is armed
// once here and is not touched by later edits.
func (s *Scheduler) toPendingLocked(task *SaveTask) {
	now := s.clock.Now()
	task.State = TaskPending
	task.ArmedAt = now

	if s.cfg.Failsafe > 0 {
		task.FailsafeDeadline = now.Add(s.cfg.Failsafe)
		s.gen++
		task.failsafeGen = s.gen
		task.failsafe = s.clock.AfterFunc(s.cfg.Failsafe, s.fire(task.Key, task.failsafeGen, ReasonFailsafe))
	}

	s.armDebounceLocked(task)
}

func (s *Scheduler) armDebounceLocked(task *SaveTask) {
	if task.debounce != nil {
		task.debounce.Stop()
	}

	task.DebounceDeadline = s.clock.Now().Add(s.cfg.Debounce)
	s.gen++
	task.debounceGen = s.gen
	task.debounce = s.clock.AfterFunc(s.cfg.Debounce, s.fire(task.Key, task.debounceGen, ReasonDebounce))
}

// deferRetryLocked handles an edit while a retry is waiting out its
// backoff. The retry still carries the edit, but fires no earlier than its
// backoff deadline and no earlier than one debounce after the edit.
func (s *Scheduler) deferRetryLocked(task *SaveTask) {
	now := s.clock.Now()

	at := now.Add(s.cfg.Debounce)
	if task.RetryDeadline.After(at) {
		at = task.RetryDeadline
	}

	if at.Equal(task.RetryDeadline) {
		return
	}

	task.retry.Stop()
	task.RetryDeadline = at
	s.gen++
	task.retryGen = s.gen
	task.retry = s.clock.AfterFunc(at.Sub(now), s.fire(task.Key, task.retryGen, ReasonRetry))
}

func (s *Scheduler) stopTimersLocked(task *SaveTask) {
	for _, t := range []Timer{task.debounce, task.failsafe, task.retry} {
		if t != nil {
			t.Stop()
		}
	}

	task.debounce, task.failsafe, task.retry = nil, nil, nil
	task.debounceGen, task.failsafeGen, task.retryGen = 0, 0, 0
}

// fire returns the timer callback for one armed timer. A callback whose
// generation no longer matches the task (stopped or re-armed in the
// meantime) is ignored.
func (s *Scheduler) fire(key entity.Key, gen uint64, reason FlushReason) func() {
	return func() {
		s.mu.Lock()

		task, ok := s.tasks[key]
		if !ok || task.State != TaskPending || !task.owns(gen) {
			s.mu.Unlock()
			return
		}
		s.mu.Unlock()

		s.logger.Debug("save due",
			slog.String("key", key.String()),
			slog.String("reason", reason.String()),
		)

		s.onDue(key, reason)
	}
}

func (t *SaveTask) owns(gen uint64) bool {
	return gen != 0 && (gen == t.debounceGen || gen == t.failsafeGen || gen == t.retryGen)
}

func errString(err error) string {
	if err == nil {
		return ""
	}

	return err.Error()
}
