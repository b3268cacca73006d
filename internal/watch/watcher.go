package watch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/tonimelisma/autosave/internal/entity"
)

// Watch timing constants.
const (
	// settleDelay coalesces the burst of events an editor produces for one
	// save (truncate, write, chmod, or write-temp-and-rename).
	settleDelay         = 100 * time.Millisecond
	watchErrInitBackoff = 1 * time.Second
	watchErrMaxBackoff  = 30 * time.Second
	watchErrBackoffMult = 2
)

// GridSink receives parsed grids. *autosave.Engine satisfies it.
type GridSink interface {
	EditGrid(rows []entity.Entity) error
}

// fsWatcher is the subset of *fsnotify.Watcher the watch loop uses.
type fsWatcher interface {
	Add(name string) error
	Close() error
	Events() <-chan fsnotify.Event
	Errors() <-chan error
}

type fsnotifyWatcher struct {
	w *fsnotify.Watcher
}

func (f fsnotifyWatcher) Add(name string) error { return f.w.Add(name) }
func (f fsnotifyWatcher) Close() error { return f.w.Close() }
func (f fsnotifyWatcher) Events() <-chan fsnotify.Event { return f.w.Events }
func (f fsnotifyWatcher) Errors() <-chan error { return f.w.Errors }

func newFsnotifyWatcher() (fsWatcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	return fsnotifyWatcher{w: w}, nil
}

// GridWatcher watches one grid file and feeds each new version of it to a
// GridSink.
type GridWatcher struct {
	path   string
	owner  string
	sink   GridSink
	logger *slog.Logger

	settle time.Duration
	// OnApply, if set, is called after every attempt to apply the grid with
	// the number of rows read and the apply error.
	OnApply func(rows int, err error)

	watcherFactory func() (fsWatcher, error)
	sleepFunc      func(ctx context.Context, d time.Duration) error
}

// NewGridWatcher creates a watcher of the grid file at path whose rows
// belong to owner.
func NewGridWatcher(path, owner string, sink GridSink, logger *slog.Logger) *GridWatcher {
	if logger == nil {
		logger = slog.Default()
	}

	return &GridWatcher{
		path:           filepath.Clean(path),
		owner:          owner,
		sink:           sink,
		logger:         logger,
		settle:         settleDelay,
		watcherFactory: newFsnotifyWatcher,
		sleepFunc:      timeSleep,
	}
}

// Apply reads the grid file once and hands it to the sink. A missing file
// is not an error.
func (g *GridWatcher) Apply() error {
	data, err := os.ReadFile(g.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}

		return fmt.Errorf("watch: reading grid %s: %w", g.path, err)
	}

	rows, err := ParseGrid(data, g.owner)
	if err == nil {
		err = g.sink.EditGrid(rows)
	}

	if g.OnApply != nil {
		g.OnApply(len(rows), err)
	}

	if err != nil {
		return err
	}

	g.logger.Debug("grid applied", slog.String("path", g.path), slog.Int("rows", len(rows)))

	return nil
}

// Watch applies the grid once, then again after every change to the file,
// until ctx is canceled. The parent directory is watched so editors that
// replace the file by rename are followed.
func (g *GridWatcher) Watch(ctx context.Context) error {
	if g.sink == nil {
		return errors.New("watch: no grid sink")
	}

	watcher, err := g.watcherFactory()
	if err != nil {
		return fmt.Errorf("watch: creating watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(filepath.Dir(g.path)); err != nil {
		return fmt.Errorf("watch: watching %s: %w", filepath.Dir(g.path), err)
	}

	if err := g.Apply(); err != nil {
		g.logger.Warn("initial grid apply failed", slog.String("error", err.Error()))
	}

	g.logger.Info("watching grid", slog.String("path", g.path), slog.String("owner", g.owner))

	return g.watchLoop(ctx, watcher)
}

func (g *GridWatcher) watchLoop(ctx context.Context, watcher fsWatcher) error {
	settle := time.NewTimer(g.settle)
	if !settle.Stop() {
		<-settle.C
	}
	defer settle.Stop()

	errBackoff := watchErrInitBackoff

	for {
		select {
		case <-ctx.Done():
			return nil

		case ev, ok := <-watcher.Events():
			if !ok {
				return nil
			}

			if !g.relevant(ev) {
				continue
			}

			settle.Reset(g.settle)

			errBackoff = watchErrInitBackoff

		case <-settle.C:
			if err := g.Apply(); err != nil {
				g.logger.Warn("grid apply failed",
					slog.String("path", g.path),
					slog.String("error", err.Error()),
				)
			}

		case watchErr, ok := <-watcher.Errors():
			if !ok {
				return nil
			}

			g.logger.Warn("filesystem watcher error",
				slog.String("error", watchErr.Error()),
				slog.Duration("backoff", errBackoff),
			)

			if sleepErr := g.sleepFunc(ctx, errBackoff); sleepErr != nil {
				return nil
			}

			errBackoff *= watchErrBackoffMult
			if errBackoff > watchErrMaxBackoff {
				errBackoff = watchErrMaxBackoff
			}
		}
	}
}

// relevant reports whether ev may have changed the grid file contents.
func (g *GridWatcher) relevant(ev fsnotify.Event) bool {
	if filepath.Clean(ev.Name) != g.path {
		return false
	}

	// Mode changes alone do not change the grid.
	if ev.Has(fsnotify.Chmod) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Write) {
		return false
	}

	return ev.Has(fsnotify.Create) || ev.Has(fsnotify.Write) || ev.Has(fsnotify.Rename)
}

// timeSleep waits for the given duration or until the context is canceled.
func timeSleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
