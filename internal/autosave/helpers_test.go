package autosave

import (
	"context"
	"io"
	"log/slog"
	"slices"
	stdsync "sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/tonimelisma/autosave/internal/entity"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// fakeClock is a manually advanced Clock. Timers fire synchronously inside
// Advance, in deadline order, with the clock lock released.
type fakeClock struct {
	mu     stdsync.Mutex
	now    time.Time
	seq    int
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	seq     int
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()

	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.seq++
	t := &fakeTimer{clock: c, at: c.now.Add(d), seq: c.seq, f: f}
	c.timers = append(c.timers, t)

	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.fired || t.stopped {
		return false
	}

	t.stopped = true

	return true
}

// Advance moves the clock forward by d, firing every timer that comes due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()

		var next *fakeTimer

		live := c.timers[:0]
		for _, t := range c.timers {
			if t.fired || t.stopped {
				continue
			}

			live = append(live, t)

			if t.at.After(target) {
				continue
			}

			if next == nil || t.at.Before(next.at) || (t.at.Equal(next.at) && t.seq < next.seq) {
				next = t
			}
		}

		c.timers = live

		if next == nil {
			c.now = target
			c.mu.Unlock()

			return
		}

		if next.at.After(c.now) {
			c.now = next.at
		}

		next.fired = true
		c.mu.Unlock()

		next.f()
	}
}

// fakeGateway is an in-memory versioned backend with the same optimistic
// check as the reference server.
type fakeGateway struct {
	mu        stdsync.Mutex
	now       func() time.Time
	server    map[entity.Key]entity.Entity
	calls     [][]entity.Entity
	callTimes []time.Time
	failures  []error
	failKeys  map[entity.Key]error
	beforeRPC func()
}

func newFakeGateway(now func() time.Time) *fakeGateway {
	return &fakeGateway{
		now:      now,
		server:   make(map[entity.Key]entity.Entity),
		failKeys: make(map[entity.Key]error),
	}
}

func (g *fakeGateway) seed(e entity.Entity) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.server[e.Key] = e.Clone()
}

// bump simulates another client saving key.
func (g *fakeGateway) bump(key entity.Key, patch entity.Fields) entity.Entity {
	g.mu.Lock()
	defer g.mu.Unlock()

	cur := g.server[key]
	next := entity.Entity{Key: key, Fields: cur.Fields.Merge(patch), Version: cur.Version + 1}
	g.server[key] = next

	return next.Clone()
}

func (g *fakeGateway) failNext(errs ...error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures = append(g.failures, errs...)
}

func (g *fakeGateway) failKey(key entity.Key, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failKeys[key] = err
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()

	return len(g.calls)
}

func (g *fakeGateway) call(i int) []entity.Entity {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.calls[i]
}

func (g *fakeGateway) firstCallAt() time.Time {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.callTimes[0]
}

func (g *fakeGateway) stored(key entity.Key) entity.Entity {
	g.mu.Lock()
	defer g.mu.Unlock()

	return g.server[key].Clone()
}

func (g *fakeGateway) Load(_ context.Context, scope Scope) ([]entity.Entity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	var out []entity.Entity

	for k, e := range g.server {
		if k.Owner == scope.Owner {
			out = append(out, e.Clone())
		}
	}

	slices.SortFunc(out, func(a, b entity.Entity) int {
		if a.Key.Less(b.Key) {
			return -1
		}

		if b.Key.Less(a.Key) {
			return 1
		}

		return 0
	})

	return out, nil
}

func (g *fakeGateway) record(batch []entity.Entity) (func(), error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp := make([]entity.Entity, len(batch))
	for i, e := range batch {
		cp[i] = e.Clone()
	}

	g.calls = append(g.calls, cp)
	if g.now != nil {
		g.callTimes = append(g.callTimes, g.now())
	}

	hook := g.beforeRPC

	if len(g.failures) > 0 {
		err := g.failures[0]
		g.failures = g.failures[1:]

		return hook, err
	}

	return hook, nil
}

func (g *fakeGateway) apply(e entity.Entity) (entity.Entity, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	if err, ok := g.failKeys[e.Key]; ok {
		return entity.Entity{}, err
	}

	cur := g.server[e.Key]
	if e.Version != cur.Version {
		return entity.Entity{}, &entity.ConflictError{
			Key:              e.Key,
			AttemptedFields:  e.Fields.Clone(),
			AttemptedVersion: e.Version,
			ServerFields:     cur.Fields.Clone(),
			ServerVersion:    cur.Version,
		}
	}

	next := entity.Entity{Key: e.Key, Fields: cur.Fields.Merge(e.Fields), Version: cur.Version + 1}
	g.server[e.Key] = next

	return next.Clone(), nil
}

func (g *fakeGateway) SaveOne(_ context.Context, e entity.Entity) (entity.Entity, error) {
	hook, err := g.record([]entity.Entity{e})
	if hook != nil {
		hook()
	}

	if err != nil {
		return entity.Entity{}, err
	}

	return g.apply(e)
}

func (g *fakeGateway) SaveBatch(_ context.Context, batch []entity.Entity) (BatchResult, error) {
	hook, err := g.record(batch)
	if hook != nil {
		hook()
	}

	if err != nil {
		return BatchResult{}, err
	}

	var res BatchResult

	for _, e := range batch {
		acked, err := g.apply(e)
		if ce, ok := entity.AsConflict(err); ok {
			res.Conflicts = append(res.Conflicts, ce)
			continue
		}

		if err != nil {
			return BatchResult{}, err
		}

		res.Accepted = append(res.Accepted, acked)
	}

	return res, nil
}

// memFallback is an in-memory FallbackStore.
type memFallback struct {
	mu      stdsync.Mutex
	entries map[entity.Key]entity.Entity
}

func newMemFallback() *memFallback {
	return &memFallback{entries: make(map[entity.Key]entity.Entity)}
}

func (m *memFallback) Put(_ context.Context, e entity.Entity) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries[e.Key] = e.Clone()

	return nil
}

func (m *memFallback) Pending(_ context.Context) ([]entity.Entity, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	keys := make([]entity.Key, 0, len(m.entries))
	for k := range m.entries {
		keys = append(keys, k)
	}

	sortKeys(keys)

	out := make([]entity.Entity, 0, len(keys))
	for _, k := range keys {
		out = append(out, m.entries[k].Clone())
	}

	return out, nil
}

func (m *memFallback) Remove(_ context.Context, key entity.Key) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	delete(m.entries, key)

	return nil
}

func (m *memFallback) get(key entity.Key) (entity.Entity, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.entries[key]

	return e, ok
}

type engineFixture struct {
	engine   *Engine
	clock    *fakeClock
	gateway  *fakeGateway
	fallback *memFallback
}

func testOptions() Options {
	return Options{
		Debounce:         2 * time.Second,
		Failsafe:         30 * time.Second,
		MaxRetries:       2,
		RetryBackoffBase: time.Second,
		MaxBackoff:       10 * time.Second,
		SaveTimeout:      5 * time.Second,
	}
}

func newEngineFixture(t *testing.T, mutate ...func(*Options)) *engineFixture {
	t.Helper()

	clock := newFakeClock()
	gw := newFakeGateway(clock.Now)
	fb := newMemFallback()

	opts := testOptions()
	for _, m := range mutate {
		m(&opts)
	}

	e, err := NewEngine(EngineConfig{
		Gateway:  gw,
		Fallback: fb,
		Clock:    clock,
		Logger:   testLogger(),
		Options:  opts,
		Dispatch: func(f func()) { f() },
	})
	require.NoError(t, err)

	e.sched.backoff.randFloat = func() float64 { return 0.5 }

	return &engineFixture{engine: e, clock: clock, gateway: gw, fallback: fb}
}

// load seeds the gateway with entities and loads their owners.
func (f *engineFixture) load(t *testing.T, entities ...entity.Entity) {
	t.Helper()

	owners := make(map[string]bool)

	for _, e := range entities {
		f.gateway.seed(e)
		owners[e.Key.Owner] = true
	}

	for owner := range owners {
		_, err := f.engine.Load(context.Background(), Scope{Owner: owner})
		require.NoError(t, err)
	}
}

// drain returns the events emitted so far.
func (f *engineFixture) drain() []Event {
	var out []Event

	for {
		select {
		case ev, ok := <-f.engine.Events():
			if !ok {
				return out
			}

			out = append(out, ev)
		default:
			return out
		}
	}
}

func kinds(events []Event) []EventKind {
	out := make([]EventKind, len(events))
	for i, ev := range events {
		out[i] = ev.Kind
	}

	return out
}

func countField(t *testing.T, e entity.Entity) int64 {
	t.Helper()

	v, ok := e.Fields.Get("count")
	require.True(t, ok, "entity %s has no count", e.Key)

	n, ok := v.(int64)
	require.True(t, ok, "count of %s is %T", e.Key, v)

	return n
}
