package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/autosave/internal/autosave"
	"github.com/tonimelisma/autosave/internal/config"
	"github.com/tonimelisma/autosave/internal/entity"
	"github.com/tonimelisma/autosave/internal/watch"
)

const gridFilePermissions = 0o644

func newWatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "watch <owner> <grid.json>",
		Short: "Auto-save the records of an owner edited in a grid file",
		Long: `Watch a JSON grid file and auto-save every edited row.

If the grid file does not exist it is created from the owner's records.
Each save of the file is compared against the previous rows; changed rows
are saved after the debounce interval, or by the failsafe interval while
edits keep coming. Edits left by an earlier run in the local fallback are
replayed first.

SIGHUP ("autosave flush") reloads the config file and saves all pending
edits immediately. SIGINT/SIGTERM saves pending edits and exits; edits
that cannot be sent are kept locally for "autosave replay".`,
		Args: cobra.ExactArgs(2),
		RunE: runWatch,
	}
}

func runWatch(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd)
	owner, gridPath := args[0], args[1]

	cfg := cc.Holder.Config()

	release, err := acquireWatchLock(watchLock{
		Fallback:  cfg.Fallback.Path,
		Endpoint:  cfg.Remote.Endpoint,
		Owner:     owner,
		Grid:      gridPath,
		StartedAt: time.Now().UTC(),
	})
	if err != nil {
		return err
	}
	defer release()

	ctx := shutdownContext(cmd.Context(), cc.Logger)

	s, err := cc.newSession()
	if err != nil {
		return err
	}

	reported := cc.reportEvents(s.engine)

	go handleHangups(ctx, cc, s.engine, cliOverrides(cmd))

	watchErr := watchGrid(ctx, cc, s, owner, gridPath)

	if s.engine.HasUnsavedChanges() {
		cc.Statusf("Saving %d pending record(s)...\n", s.engine.UnsavedCount())
	}

	teardownErr := s.teardown(ctx, cc)

	<-reported

	return errors.Join(watchErr, teardownErr)
}

func watchGrid(ctx context.Context, cc *CLIContext, s *session, owner, gridPath string) error {
	loaded, err := s.engine.Load(ctx, autosave.Scope{Owner: owner})
	if err != nil {
		return fmt.Errorf("loading %q: %w", owner, err)
	}

	created, err := seedGrid(gridPath, loaded)
	if err != nil {
		return err
	}

	if created {
		cc.Statusf("Wrote %d record(s) of %q to %s.\n", len(loaded), owner, gridPath)
	}

	replayPending(ctx, cc, s.engine)

	w := watch.NewGridWatcher(gridPath, owner, s.engine, cc.Logger)
	w.OnApply = func(rows int, err error) {
		if err != nil {
			cc.Statusf("Grid not applied: %v\n", err)
			return
		}

		cc.Logger.Debug("grid applied", slog.Int("rows", rows))
	}

	cc.Statusf("Watching %s for %q. Press Ctrl-C to stop.\n", gridPath, owner)

	return w.Watch(ctx)
}

// seedGrid writes entities to path as a grid unless the file exists.
// Reports whether the file was created.
func seedGrid(path string, entities []entity.Entity) (bool, error) {
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, os.ErrNotExist) {
		return false, fmt.Errorf("checking grid file: %w", err)
	}

	data, err := watch.FormatGrid(entities)
	if err != nil {
		return false, err
	}

	if err := os.MkdirAll(filepath.Dir(path), dataDirPermissions); err != nil {
		return false, fmt.Errorf("creating grid directory: %w", err)
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, gridFilePermissions); err != nil {
		return false, fmt.Errorf("writing grid file: %w", err)
	}

	if err := os.Rename(tmp, path); err != nil {
		os.Remove(tmp)

		return false, fmt.Errorf("renaming grid file: %w", err)
	}

	return true, nil
}

// replayPending sends edits kept by an earlier run. Failures are reported
// and left in the fallback store.
func replayPending(ctx context.Context, cc *CLIContext, engine *autosave.Engine) {
	outcomes, err := engine.Replay(ctx)
	if err != nil {
		cc.Logger.Warn("replaying local edits failed", slog.String("error", err.Error()))
		return
	}

	if len(outcomes) > 0 {
		saved, conflicts, failed := countOutcomes(outcomes)
		cc.Statusf("Replayed %d local edit(s): %d saved, %d conflicts, %d failed.\n",
			len(outcomes), saved, conflicts, failed)
	}
}

// handleHangups reloads the config and saves every pending edit on each
// SIGHUP. Engine options are fixed for the life of the engine; the reload
// applies to the teardown timeout and logging of this run.
func handleHangups(ctx context.Context, cc *CLIContext, engine *autosave.Engine, cli config.CLIOverrides) {
	for range notifyHangup(ctx) {
		cfg, _, err := config.Resolve(config.ReadEnvOverrides(), cli)
		if err != nil {
			cc.Logger.Warn("config reload failed, keeping previous config", slog.String("error", err.Error()))
		} else {
			changed := cc.Holder.Swap(cfg)
			cc.Logger.Info("config reloaded",
				slog.String("path", cc.Holder.Path()),
				slog.Any("changed", changed),
				slog.Int("reloads", cc.Holder.Reloads()),
			)

			if slices.Contains(changed, "autosave") || slices.Contains(changed, "fallback") {
				cc.Logger.Warn("engine timing and fallback settings take effect on the next watch start")
			}
		}

		if err := engine.FlushAll(ctx); err != nil && !errors.Is(err, autosave.ErrClosed) {
			cc.Logger.Warn("flush on SIGHUP incomplete", slog.String("error", err.Error()))
		}
	}
}

func newFlushCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "flush",
		Short: "Ask the running watcher to save pending edits now",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cc := mustCLIContext(cmd)

			held, err := signalWatcher(cc.Holder.Config().Fallback.Path)
			if err != nil {
				return err
			}

			cc.Statusf("Flush requested from watcher %d (%q via %s).\n", held.PID, held.Owner, held.Endpoint)

			return nil
		},
	}
}
