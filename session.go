package main

import (
	"context"
	"fmt"

	"github.com/tonimelisma/autosave/internal/autosave"
	"github.com/tonimelisma/autosave/internal/fallback"
)

// session bundles the engine of one command run with its fallback store.
type session struct {
	engine   *autosave.Engine
	fallback *fallback.FileStore
}

// newSession builds an engine over the remote binding and the fallback
// store from the current config.
func (cc *CLIContext) newSession() (*session, error) {
	cfg := cc.Holder.Config()

	opts, err := cfg.EngineOptions()
	if err != nil {
		return nil, fmt.Errorf("engine options: %w", err)
	}

	store := fallback.NewFileStore(cfg.Fallback.Path, cfg.StaleAfter(), cc.Logger)

	engine, err := autosave.NewEngine(autosave.EngineConfig{
		Gateway:  cc.newRemoteClient(),
		Fallback: store,
		Logger:   cc.Logger,
		Options:  opts,
	})
	if err != nil {
		return nil, fmt.Errorf("creating engine: %w", err)
	}

	return &session{engine: engine, fallback: store}, nil
}

// teardown runs the unload path bounded by the configured teardown
// timeout. It detaches from ctx so a canceled command still gets its
// unload flush.
func (s *session) teardown(ctx context.Context, cc *CLIContext) error {
	tctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cc.Holder.Config().TeardownTimeout())
	defer cancel()

	if err := s.engine.Teardown(tctx); err != nil {
		return fmt.Errorf("saving unsent edits locally: %w", err)
	}

	return nil
}

// reportEvents prints engine events as status lines until the event
// channel is closed by Teardown. The returned channel is closed when
// reporting is done.
func (cc *CLIContext) reportEvents(engine *autosave.Engine) <-chan struct{} {
	done := make(chan struct{})

	go func() {
		defer close(done)

		for ev := range engine.Events() {
			switch ev.Kind {
			case autosave.EventSaving:
				cc.Logger.Debug(formatEvent(ev))
			default:
				cc.Statusf("%s\n", formatEvent(ev))
			}
		}
	}()

	return done
}
