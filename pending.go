package main

import (
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/autosave/internal/fallback"
)

func newPendingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "pending",
		Short: "List edits kept locally because they could not be sent",
		Args:  cobra.NoArgs,
		RunE:  runPending,
	}
}

// pendingJSON is the JSON output form of one fallback entry.
type pendingJSON struct {
	entityJSON
	UpdatedAt time.Time `json:"updatedAt"`
}

func runPending(cmd *cobra.Command, _ []string) error {
	cc := mustCLIContext(cmd)
	store := fallback.NewFileStore(cc.Holder.Config().Fallback.Path, cc.Holder.Config().StaleAfter(), cc.Logger)

	entries, err := store.Entries(cmd.Context())
	if err != nil {
		return err
	}

	if cc.Flags.JSON {
		out := make([]pendingJSON, 0, len(entries))
		for _, e := range entries {
			out = append(out, pendingJSON{entityJSON: toEntityJSON(e.Entity()), UpdatedAt: e.UpdatedAt})
		}

		return printJSON(cc.Out, out)
	}

	if len(entries) == 0 {
		cc.Statusf("No pending edits.\n")
		return nil
	}

	rows := make([][]string, 0, len(entries))
	for _, e := range entries {
		rows = append(rows, []string{
			e.Key.Owner,
			e.Key.Record,
			strconv.FormatInt(e.Version, 10),
			formatTime(e.UpdatedAt),
			formatFields(e.Fields),
		})
	}

	printTable(cc.Out, []string{"OWNER", "RECORD", "VERSION", "KEPT", "FIELDS"}, rows)

	return nil
}
