package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/autosave/internal/autosave"
	"github.com/tonimelisma/autosave/internal/entity"
)

func newEditCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "edit <owner> <record> <field>=<value>...",
		Short: "Edit one record and save it",
		Long: `Edit one record and save it immediately.

Values are read as JSON when they parse as JSON (numbers, true, false,
null, quoted strings) and as plain strings otherwise:

  autosave edit store-1 2026-03-02/flour count=7 note="after delivery"

If the record was changed by someone else since it was loaded, both
versions are printed and nothing is overwritten. If the backend cannot be
reached, the edit is kept locally for "autosave replay".`,
		Args: cobra.MinimumNArgs(3),
		RunE: runEdit,
	}
}

func runEdit(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd)
	ctx := cmd.Context()
	key := entity.NewKey(args[0], args[1])

	patch, err := parseAssignments(args[2:])
	if err != nil {
		return err
	}

	s, err := cc.newSession()
	if err != nil {
		return err
	}

	reported := cc.reportEvents(s.engine)

	saveErr := editAndFlush(ctx, s.engine, key, patch)
	teardownErr := s.teardown(ctx, cc)

	<-reported

	if ce, ok := entity.AsConflict(saveErr); ok {
		if cc.Flags.JSON {
			if err := printJSON(cc.Out, toConflictJSON(ce)); err != nil {
				return err
			}
		} else {
			printConflict(cc.Out, ce)
		}

		return fmt.Errorf("%w on %s: reload and edit again", errConflictReported, formatKey(key))
	}

	if saveErr != nil {
		if errors.Is(saveErr, entity.ErrTransient) && teardownErr == nil {
			cc.Statusf("Backend unavailable; the edit was kept locally. Run \"autosave replay\" to send it.\n")
		}

		return errors.Join(fmt.Errorf("saving %s: %w", formatKey(key), saveErr), teardownErr)
	}

	if teardownErr != nil {
		return teardownErr
	}

	snap, _ := s.engine.Baseline(key)

	if cc.Flags.JSON {
		return printJSON(cc.Out, toEntityJSON(snap.Entity()))
	}

	cc.Statusf("Saved %s at version %d.\n", formatKey(key), snap.Version)

	return nil
}

// editAndFlush loads the owner of key so the edit carries the current
// server version, applies patch, and saves it.
func editAndFlush(ctx context.Context, engine *autosave.Engine, key entity.Key, patch entity.Fields) error {
	if _, err := engine.Load(ctx, autosave.Scope{Owner: key.Owner}); err != nil {
		return err
	}

	if err := engine.Edit(key, patch); err != nil {
		return err
	}

	return engine.Flush(ctx, key)
}

// parseAssignments parses name=value arguments into a patch. A value that
// is valid JSON is decoded (numbers keep full precision); anything else is
// taken as a literal string.
func parseAssignments(args []string) (entity.Fields, error) {
	var patch entity.Fields

	for _, arg := range args {
		name, raw, ok := strings.Cut(arg, "=")
		if !ok || name == "" {
			return entity.Fields{}, fmt.Errorf("invalid assignment %q: expected <field>=<value>", arg)
		}

		if _, dup := patch.Get(name); dup {
			return entity.Fields{}, fmt.Errorf("field %q assigned more than once", name)
		}

		if err := patch.Set(name, parseValue(raw)); err != nil {
			return entity.Fields{}, fmt.Errorf("field %q: %w", name, err)
		}
	}

	return patch, nil
}

func parseValue(raw string) any {
	if !json.Valid([]byte(raw)) {
		return raw
	}

	dec := json.NewDecoder(bytes.NewReader([]byte(raw)))
	dec.UseNumber()

	var v any
	if err := dec.Decode(&v); err != nil {
		return raw
	}

	return v
}
