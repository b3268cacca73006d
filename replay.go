package main

import (
	"errors"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/autosave/internal/autosave"
	"github.com/tonimelisma/autosave/internal/entity"
)

func newReplayCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "replay",
		Short: "Send edits kept locally to the backend",
		Long: `Send every edit kept in the local fallback through the normal save path.

Saved edits are removed from the fallback. Edits that conflict with a newer
server version are kept and reported; nothing is overwritten. Edits older
than fallback.stale_after are dropped first.`,
		Args: cobra.NoArgs,
		RunE: runReplay,
	}
}

// replayJSON is the JSON output form of one replay outcome.
type replayJSON struct {
	Owner    string        `json:"owner"`
	Record   string        `json:"record"`
	Result   string        `json:"result"`
	Version  int64         `json:"version,omitempty"`
	Error    string        `json:"error,omitempty"`
	Conflict *conflictJSON `json:"conflict,omitempty"`
}

func runReplay(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd)
	ctx := cmd.Context()

	s, err := cc.newSession()
	if err != nil {
		return err
	}

	removed, err := s.fallback.CleanStale(cc.Holder.Config().StaleAfter())
	if err != nil {
		cc.Logger.Warn("cleaning stale fallback entries failed", slog.String("error", err.Error()))
	} else if removed > 0 {
		cc.Statusf("Dropped %d stale local edit(s).\n", removed)
	}

	outcomes, replayErr := s.engine.Replay(ctx)

	if err := s.teardown(ctx, cc); err != nil {
		replayErr = errors.Join(replayErr, err)
	}

	if replayErr != nil {
		return fmt.Errorf("replaying local edits: %w", replayErr)
	}

	if err := printOutcomes(cc, outcomes); err != nil {
		return err
	}

	if _, conflicts, _ := countOutcomes(outcomes); conflicts > 0 {
		return fmt.Errorf("%w: %d local edit(s) were kept", errConflictReported, conflicts)
	}

	return nil
}

func printOutcomes(cc *CLIContext, outcomes []autosave.Outcome) error {
	if cc.Flags.JSON {
		out := make([]replayJSON, 0, len(outcomes))
		for _, o := range outcomes {
			out = append(out, toReplayJSON(o))
		}

		return printJSON(cc.Out, out)
	}

	if len(outcomes) == 0 {
		cc.Statusf("No pending edits.\n")
		return nil
	}

	rows := make([][]string, 0, len(outcomes))

	for _, o := range outcomes {
		r := toReplayJSON(o)

		detail := r.Error
		if r.Version > 0 {
			detail = "version " + strconv.FormatInt(r.Version, 10)
		}

		if r.Conflict != nil {
			detail = fmt.Sprintf("local version %d, server version %d",
				r.Conflict.AttemptedVersion, r.Conflict.ServerVersion)
		}

		rows = append(rows, []string{r.Owner, r.Record, r.Result, detail})
	}

	printTable(cc.Out, []string{"OWNER", "RECORD", "RESULT", "DETAIL"}, rows)

	return nil
}

func toReplayJSON(o autosave.Outcome) replayJSON {
	r := replayJSON{Owner: o.Key.Owner, Record: o.Key.Record}

	switch {
	case o.Err == nil && o.Accepted != nil:
		r.Result = "saved"
		r.Version = o.Accepted.Version
	case errors.Is(o.Err, entity.ErrConflict):
		r.Result = "conflict"
		if ce, ok := entity.AsConflict(o.Err); ok {
			cj := toConflictJSON(ce)
			r.Conflict = &cj
		}
	case errors.Is(o.Err, entity.ErrFatal):
		r.Result = "rejected"
		r.Error = o.Err.Error()
	default:
		r.Result = "failed"
		if o.Err != nil {
			r.Error = o.Err.Error()
		}
	}

	return r
}

// countOutcomes splits replay outcomes into saved, conflicting, and failed.
func countOutcomes(outcomes []autosave.Outcome) (saved, conflicts, failed int) {
	for _, o := range outcomes {
		switch {
		case o.Err == nil:
			saved++
		case errors.Is(o.Err, entity.ErrConflict):
			conflicts++
		default:
			failed++
		}
	}

	return saved, conflicts, failed
}
