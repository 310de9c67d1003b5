package kv

// Storage keys, one entry per key:
//
//	lastSyncAt:<userId>[:<module>]
//	pendingWorkoutIds:<userId>
//	pendingWorkoutPayload:<userId>:<workoutId>
//	pendingTemplateIds:<userId>
//	pendingTemplatePayload:<userId>:<id>
//	rejectedWorkoutIds:<userId> (and rejectedTemplate...)
//	workoutsCache:<userId>
//	templates:<userId>
//	restPrefs:<userId>
//	draft:<sessionId>

// DraftPrefix prefixes every persisted draft.
const DraftPrefix = "draft:"

// DraftKey is the key of the draft for a session.
func DraftKey(sessionID string) string {
	return DraftPrefix + sessionID
}

// LastSyncKey is the watermark key for a user, optionally scoped to a module.
func LastSyncKey(userID, module string) string {
	if module == "" {
		return "lastSyncAt:" + userID
	}
	return "lastSyncAt:" + userID + ":" + module
}

// WorkoutsCacheKey is the local read cache key for a user.
func WorkoutsCacheKey(userID string) string {
	return "workoutsCache:" + userID
}

// QueueIDsKey is the ordered id-list key of a named queue ("Workout",
// "Template") for an owner.
func QueueIDsKey(queue, owner string) string {
	return "pending" + queue + "Ids:" + owner
}

// QueuePayloadKey is the payload key of one queue entry.
func QueuePayloadKey(queue, owner, id string) string {
	return "pending" + queue + "Payload:" + owner + ":" + id
}

// RejectedIDsKey is the id-list of entries parked after a validation failure.
func RejectedIDsKey(queue, owner string) string {
	return "rejected" + queue + "Ids:" + owner
}

// RejectedPayloadKey is the payload key of a parked entry.
func RejectedPayloadKey(queue, owner, id string) string {
	return "rejected" + queue + "Payload:" + owner + ":" + id
}

// TemplatesKey is the local template library of a user.
func TemplatesKey(userID string) string {
	return "templates:" + userID
}

// RestPrefsKey holds a user's rest duration per exercise, carried from one
// session to the next.
func RestPrefsKey(userID string) string {
	return "restPrefs:" + userID
}
