// Package layout implements the section layout model of a generated character sheet.
//
// A Schema declares the sections of the sheet, each holding an ordered set of
// subsections. Two pieces of working state are built on top of it:
//
//   - Selection stores one "included" flag per subsection. A section's state is
//     never stored: it is derived from its children every time it is read. A section
//     is Selected when every child is selected, Unselected when none is, and Partial
//     otherwise. Its boolean flag is true when at least one child is selected.
//
//   - Ordering is a permutation of the schema's section keys that controls the order
//     in which sections are rendered. Button moves (MoveRelative) and drag-and-drop
//     moves (MoveTo) both go through the same two primitives.
//
// Both types report every successful mutation to a single observer, synchronously,
// before the mutating call returns. The configsync package uses that hook to persist
// the state after each change.
//
// # Merging persisted state
//
// MergeSelection and MergeOrder reconcile a stored snapshot with the current schema:
// unknown keys are dropped, missing keys fall back to defaults, and section keys missing
// from a stored order are appended in schema order. This lets the schema gain sections
// without invalidating older snapshots.
package layout
