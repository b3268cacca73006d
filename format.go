package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/tonimelisma/autosave/internal/autosave"
	"github.com/tonimelisma/autosave/internal/entity"
)

// statusf prints a status message to stderr unless quiet mode is set.
func statusf(quiet bool, format string, args ...any) {
	if !quiet {
		fmt.Fprintf(os.Stderr, format, args...)
	}
}

// Statusf prints a status message to stderr unless quiet mode is set.
// Method form of statusf, so commands need not thread the quiet flag.
func (cc *CLIContext) Statusf(format string, args ...any) {
	statusf(cc.Flags.Quiet, format, args...)
}

// formatTime returns a compact timestamp for display.
func formatTime(t time.Time) string {
	now := time.Now()

	// Same calendar year: show "Jan  2 15:04"
	if t.Year() == now.Year() {
		return t.Local().Format("Jan _2 15:04")
	}

	// Different year: show "Jan  2  2006"
	return t.Local().Format("Jan _2  2006")
}

// formatKey returns the human form of a key. Unlike Key.String it does not
// escape, so it is for display only.
func formatKey(k entity.Key) string {
	return k.Owner + "/" + k.Record
}

// formatValue renders a normalized field value.
func formatValue(v any) string {
	switch x := v.(type) {
	case nil:
		return "null"
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'g', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339)
	}

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}

	return string(data)
}

// formatFields renders fields as "name=value" pairs in field order.
func formatFields(f entity.Fields) string {
	parts := make([]string, 0, f.Len())
	for _, field := range f.All() {
		parts = append(parts, field.Name+"="+formatValue(field.Value))
	}

	return strings.Join(parts, " ")
}

// formatEvent renders one engine lifecycle event as a status line.
func formatEvent(ev autosave.Event) string {
	key := formatKey(ev.Key)

	switch ev.Kind {
	case autosave.EventSaving:
		return fmt.Sprintf("saving %s (%s)", key, ev.Reason)
	case autosave.EventSaved:
		return fmt.Sprintf("saved %s at version %d", key, ev.Version)
	case autosave.EventConflict:
		if ce, ok := ev.Conflict(); ok {
			return fmt.Sprintf("conflict on %s: local version %d, server version %d",
				key, ce.AttemptedVersion, ce.ServerVersion)
		}

		return "conflict on " + key
	case autosave.EventRetrying:
		return fmt.Sprintf("retrying %s in %s (attempt %d): %v",
			key, ev.Delay.Round(time.Millisecond), ev.Attempt, ev.Err)
	case autosave.EventFailed:
		return fmt.Sprintf("save of %s failed: %v", key, ev.Err)
	case autosave.EventFatal:
		return fmt.Sprintf("save of %s rejected: %v", key, ev.Err)
	case autosave.EventFallback:
		return fmt.Sprintf("kept %s locally for replay", key)
	default:
		return fmt.Sprintf("%s %s", ev.Kind, key)
	}
}

// printTable writes aligned columns to the given writer.
// headers and each row must have the same length.
func printTable(w io.Writer, headers []string, rows [][]string) {
	// Compute column widths.
	widths := make([]int, len(headers))
	for i, h := range headers {
		widths[i] = len(h)
	}

	for _, row := range rows {
		for i, cell := range row {
			if len(cell) > widths[i] {
				widths[i] = len(cell)
			}
		}
	}

	printRow(w, headers, widths)

	for _, row := range rows {
		printRow(w, row, widths)
	}
}

// printRow writes a single padded row.
func printRow(w io.Writer, cells []string, widths []int) {
	parts := make([]string, len(cells))
	for i, cell := range cells {
		parts[i] = fmt.Sprintf("%-*s", widths[i], cell)
	}

	fmt.Fprintln(w, strings.TrimRight(strings.Join(parts, "  "), " "))
}

// printJSON writes v as indented JSON.
func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")

	if err := enc.Encode(v); err != nil {
		return fmt.Errorf("encoding JSON output: %w", err)
	}

	return nil
}

// entityJSON is the JSON output form of one entity.
type entityJSON struct {
	Owner   string        `json:"owner"`
	Record  string        `json:"record"`
	Version int64         `json:"version"`
	Fields  entity.Fields `json:"fields"`
}

func toEntityJSON(e entity.Entity) entityJSON {
	return entityJSON{Owner: e.Key.Owner, Record: e.Key.Record, Version: e.Version, Fields: e.Fields}
}

// conflictJSON is the JSON output form of a save conflict.
type conflictJSON struct {
	Owner            string        `json:"owner"`
	Record           string        `json:"record"`
	AttemptedVersion int64         `json:"attemptedVersion"`
	AttemptedFields  entity.Fields `json:"attemptedFields"`
	ServerVersion    int64         `json:"serverVersion"`
	ServerFields     entity.Fields `json:"serverFields"`
}

func toConflictJSON(ce *entity.ConflictError) conflictJSON {
	return conflictJSON{
		Owner:            ce.Key.Owner,
		Record:           ce.Key.Record,
		AttemptedVersion: ce.AttemptedVersion,
		AttemptedFields:  ce.AttemptedFields,
		ServerVersion:    ce.ServerVersion,
		ServerFields:     ce.ServerFields,
	}
}

// printConflict writes both sides of a conflict field by field, local
// fields first, then fields only the server has.
func printConflict(w io.Writer, ce *entity.ConflictError) {
	fmt.Fprintf(w, "Conflict on %s: the record was changed by someone else.\n\n", formatKey(ce.Key))

	names := ce.AttemptedFields.Names()
	for _, name := range ce.ServerFields.Names() {
		if _, ok := ce.AttemptedFields.Get(name); !ok {
			names = append(names, name)
		}
	}

	rows := make([][]string, 0, len(names))

	for _, name := range names {
		local, hasLocal := ce.AttemptedFields.Get(name)
		server, hasServer := ce.ServerFields.Get(name)

		row := []string{name, "-", "-", ""}
		if hasLocal {
			row[1] = formatValue(local)
		}

		if hasServer {
			row[2] = formatValue(server)
		}

		if hasLocal != hasServer || !entity.ValuesEqual(local, server) {
			row[3] = "*"
		}

		rows = append(rows, row)
	}

	printTable(w, []string{
		"FIELD",
		fmt.Sprintf("LOCAL (v%d)", ce.AttemptedVersion),
		fmt.Sprintf("SERVER (v%d)", ce.ServerVersion),
		"DIFFERS",
	}, rows)
}
