// Package watch feeds edits from a JSON grid file into an autosave engine.
// Every time the file is written the whole grid is re-read and handed to
// EditGrid, which saves only the rows that actually changed.
package watch

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/tonimelisma/autosave/internal/entity"
)

// ErrInvalidGrid is returned by ParseGrid for malformed grid files.
var ErrInvalidGrid = errors.New("watch: invalid grid")

// Row is one line of a grid file.
type Row struct {
	Record string        `json:"record"`
	Fields entity.Fields `json:"fields"`
}

// ParseGrid decodes a grid file: a JSON array of rows. Every row becomes an
// entity of owner. Record IDs must be present and unique.
func ParseGrid(data []byte, owner string) ([]entity.Entity, error) {
	var rows []Row
	if err := json.Unmarshal(data, &rows); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidGrid, err)
	}

	out := make([]entity.Entity, 0, len(rows))
	seen := make(map[entity.Key]bool, len(rows))

	for i, r := range rows {
		if r.Record == "" {
			return nil, fmt.Errorf("%w: row %d has no record ID", ErrInvalidGrid, i)
		}

		key := entity.NewKey(owner, r.Record)
		if seen[key] {
			return nil, fmt.Errorf("%w: duplicate record %q", ErrInvalidGrid, r.Record)
		}

		seen[key] = true

		out = append(out, entity.Entity{Key: key, Fields: r.Fields})
	}

	return out, nil
}

// FormatGrid encodes entities as a grid file, the inverse of ParseGrid.
func FormatGrid(entities []entity.Entity) ([]byte, error) {
	rows := make([]Row, len(entities))
	for i, e := range entities {
		rows[i] = Row{Record: e.Key.Record, Fields: e.Fields}
	}

	data, err := json.MarshalIndent(rows, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("watch: encoding grid: %w", err)
	}

	return append(data, '\n'), nil
}
