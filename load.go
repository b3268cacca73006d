package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/tonimelisma/autosave/internal/autosave"
	"github.com/tonimelisma/autosave/internal/entity"
)

func newLoadCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "load <owner>",
		Short: "Print the records of an owner",
		Args:  cobra.ExactArgs(1),
		RunE:  runLoad,
	}
}

func runLoad(cmd *cobra.Command, args []string) error {
	cc := mustCLIContext(cmd)
	owner := args[0]

	entities, err := cc.newRemoteClient().Load(cmd.Context(), autosave.Scope{Owner: owner})
	if err != nil {
		return fmt.Errorf("loading %q: %w", owner, err)
	}

	if cc.Flags.JSON {
		return printEntitiesJSON(cc, entities)
	}

	if len(entities) == 0 {
		cc.Statusf("No records for %q.\n", owner)
		return nil
	}

	printEntitiesTable(cc, entities)

	return nil
}

func printEntitiesJSON(cc *CLIContext, entities []entity.Entity) error {
	out := make([]entityJSON, 0, len(entities))
	for _, e := range entities {
		out = append(out, toEntityJSON(e))
	}

	return printJSON(cc.Out, out)
}

func printEntitiesTable(cc *CLIContext, entities []entity.Entity) {
	rows := make([][]string, 0, len(entities))
	for _, e := range entities {
		rows = append(rows, []string{e.Key.Record, strconv.FormatInt(e.Version, 10), formatFields(e.Fields)})
	}

	printTable(cc.Out, []string{"RECORD", "VERSION", "FIELDS"}, rows)
}
