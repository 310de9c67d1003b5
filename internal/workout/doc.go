// Package workout defines the data model shared by the authoring flow, the
// sync engine and the server.
//
// # Records
//
//   - Session: one workout from start to finish or cancel. Its ID is assigned
//     on the device and never changes; every upstream write is idempotent on it.
//   - ExerciseLog / Set: the ordered structure authored during a session.
//   - Event: an append-only audit entry recorded while authoring.
//   - Draft: the persisted, resumable state of an active session.
//   - Template: a reusable session layout.
//
// # Volume
//
// TotalVolume sums weight × reps over completed sets only. Incomplete sets
// never contribute, whatever policy finished the session.
//
// # Ghost values
//
// A GhostTable maps an exercise to the sets of the most recent completed
// session containing it. Authoring and the finish resolver use it to fill
// blank weight/reps by set index.
package workout
