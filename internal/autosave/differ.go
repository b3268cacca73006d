package autosave

import (
	"github.com/tonimelisma/autosave/internal/entity"
)

// Differ selects the entities of a candidate set that actually changed, so
// outgoing batches scale with the number of touched rows rather than the
// size of the visible grid.
type Differ struct {
	readOnly map[string]bool
}

// NewDiffer creates a Differ that ignores the named read-only fields in
// addition to display-only values (nested objects and arrays).
func NewDiffer(readOnly []string) *Differ {
	ro := make(map[string]bool, len(readOnly))
	for _, name := range readOnly {
		ro[name] = true
	}

	return &Differ{readOnly: ro}
}

// Diff matches candidate entities to previousSynced by composite key and
// returns, in candidate order, those whose comparable fields differ. A
// candidate with no previous counterpart is new and always included.
// Returned entities are stripped of read-only and display-only fields.
func (d *Differ) Diff(previousSynced, candidate []entity.Entity) []entity.Entity {
	prev := make(map[entity.Key]entity.Entity, len(previousSynced))
	for _, e := range previousSynced {
		prev[e.Key] = e
	}

	var out []entity.Entity

	for _, c := range candidate {
		p, ok := prev[c.Key]
		if ok && p.Fields.Equal(c.Fields, d.readOnly) {
			continue
		}

		out = append(out, entity.Entity{
			Key:     c.Key,
			Fields:  c.Fields.Without(d.readOnly),
			Version: c.Version,
		})
	}

	return out
}
