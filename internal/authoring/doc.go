// Package authoring implements the in-memory state machine of a workout in
// progress.
//
// # States
//
//	active ──BeginFinish──▶ finishing ──MarkFinished──▶ completed
//	  ▲                        │
//	  └─────DismissFinish──────┘
//	active | finishing ──Cancel──▶ cancelled
//
// completed and cancelled are terminal.
//
// # Mutations
//
// While active, every structural mutation is applied synchronously to the
// session and appended to the event log. Numeric input is coerced, never
// rejected: a malformed weight is zero. After each mutation the full draft is
// handed to the DraftSaver, which debounces the durable write.
//
// Completing a set fills blank weight/reps from the ghost table (same
// exercise, same set index, most recent completed session) and starts a rest
// countdown; un-completing stops it. Rest state is tracked by set id and is
// rebuilt from the event log when a draft is resumed.
//
// The machine is not safe for concurrent use; the device drives it from a
// single goroutine.
package authoring
