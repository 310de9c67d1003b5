// Package harness runs end-to-end sync scenarios: devices authoring,
// finishing and syncing sessions against a real server over HTTP, with
// connectivity loss and process restarts scripted in between.
//
// # Scenario Format
//
// Scenarios are defined in YAML files with the following structure:
//
//	name: offline_finish_then_drain
//	description: "A session finished offline is queued and drained later"
//	devices: [phone, tablet]
//	steps:
//	  - do: offline
//	  - do: start
//	  - do: add_exercise
//	    args: { exercise_id: squat, name: Back Squat }
//	  - do: add_set
//	    args: { exercise: 0 }
//	  - do: finish
//	    args: { policy: delete }
//	  - device: tablet
//	    do: sync
//	assertions:
//	  - type: queue_length
//	    queue: workouts
//	    count: 0
//
// Steps without a device run on the first one. A step marked "fails: true"
// must return an error.
//
// # Actions
//
//   - start, add_exercise, add_set, set, complete, effort, finish, cancel:
//     author the device's session; every step restores the draft first
//   - sync, offline, online: drive the sync coordinator and connectivity
//   - restart: drop the runtime and boot a new one over the same state
//   - advance: move the shared clock
//   - server_delete: delete the device's last finished session on the server
//   - save_template: save a template to the device library
//
// # Deterministic Testing
//
// Devices and server share one settable clock starting at testutil.Epoch,
// ids come from per-device sequences, and the end state snapshot leaves out
// ids and timestamps. The snapshot is compared against
// testdata/golden/{name}.golden.
package harness
