// Package autosave implements optimistic auto-save for grids of small
// records. It owns dirty tracking against server-acknowledged snapshots,
// per-key debounce and failsafe scheduling, minimal batch diffing, and
// version-checked saves through a Gateway.
//
// Engine is the entry point: Edit and EditGrid mutate memory, timers decide
// when a dirty entity is flushed, and conflicts are parked until the caller
// chooses Reload, Rebase, or Discard. Failed transient saves are written to
// a FallbackStore and replayed later through the same save path.
package autosave
