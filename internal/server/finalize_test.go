package server

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/liftsync/internal/canonical"
	"github.com/roach88/liftsync/internal/wire"
	"github.com/roach88/liftsync/internal/workout"
)

type setRow struct {
	ExerciseIndex int
	SetIndex      int
	ExerciseID    string
	SetID         string
	Reps          float64
	Weight        float64
	Completed     bool
}

func setRows(t *testing.T, s *Store, workoutID string) []setRow {
	t.Helper()
	rows, err := s.db.Query(`
		SELECT exercise_index, set_index, exercise_id, set_id, reps, weight, is_completed
		FROM extension_sets WHERE workout_id = ?
		ORDER BY exercise_index, set_index
	`, workoutID)
	require.NoError(t, err)
	defer rows.Close()

	var out []setRow
	for rows.Next() {
		var r setRow
		require.NoError(t, rows.Scan(&r.ExerciseIndex, &r.SetIndex, &r.ExerciseID, &r.SetID, &r.Reps, &r.Weight, &r.Completed))
		out = append(out, r)
	}
	require.NoError(t, rows.Err())
	return out
}

func TestFinalizeWritesSnapshotAndRelationalRows(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	w := finished("w1")

	updatedAt, err := s.Finalize(ctx, "alice", "strength", completeRequest(w))
	require.NoError(t, err)
	assert.Equal(t, epochMillis, updatedAt)

	var (
		status   string
		snapshot []byte
		hash     string
	)
	require.NoError(t, s.db.QueryRow(`SELECT status, snapshot, snapshot_hash FROM workouts WHERE id = 'w1'`).
		Scan(&status, &snapshot, &hash))
	assert.Equal(t, "completed", status)
	want, err := canonical.Marshal(w)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(snapshot))
	assert.Equal(t, canonical.Hash(canonical.DomainSnapshot, snapshot), hash)

	var volume float64
	require.NoError(t, s.db.QueryRow(`SELECT total_volume FROM session_extensions WHERE workout_id = 'w1'`).Scan(&volume))
	assert.Equal(t, 855.0, volume)

	assert.Equal(t, []setRow{
		{0, 0, "bench", "w1-s1", 8, 60, true},
		{0, 1, "bench", "w1-s2", 6, 62.5, true},
	}, setRows(t, s, "w1"))
	assert.Equal(t, 1, count(t, s, `SELECT COUNT(*) FROM exercises WHERE id = 'bench'`))
	assert.Equal(t, 2, count(t, s, `SELECT COUNT(*) FROM workout_events WHERE workout_id = 'w1'`))
}

func TestFinalizeIsIdempotent(t *testing.T) {
	s, clk := createTestStore(t)
	ctx := context.Background()
	req := completeRequest(finished("w1"))

	first, err := s.Finalize(ctx, "alice", "strength", req)
	require.NoError(t, err)
	rowsBefore := setRows(t, s, "w1")
	var hashBefore string
	require.NoError(t, s.db.QueryRow(`SELECT snapshot_hash FROM workouts WHERE id = 'w1'`).Scan(&hashBefore))

	clk.Advance(time.Minute)
	second, err := s.Finalize(ctx, "alice", "strength", req)
	require.NoError(t, err)

	assert.Equal(t, first, second, "identical resubmission keeps its tick")
	assert.Equal(t, 1, count(t, s, `SELECT COUNT(*) FROM workouts`))
	assert.Equal(t, 1, count(t, s, `SELECT COUNT(*) FROM session_extensions`))
	assert.Equal(t, rowsBefore, setRows(t, s, "w1"))
	assert.Equal(t, 2, count(t, s, `SELECT COUNT(*) FROM workout_events`))

	var hashAfter string
	require.NoError(t, s.db.QueryRow(`SELECT snapshot_hash FROM workouts WHERE id = 'w1'`).Scan(&hashAfter))
	assert.Equal(t, hashBefore, hashAfter)
}

func TestFinalizeReplacesSetsOnChange(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()
	w := finished("w1")

	first, err := s.Finalize(ctx, "alice", "strength", completeRequest(w))
	require.NoError(t, err)

	w.Exercises[0].Sets = w.Exercises[0].Sets[:1]
	w.Exercises[0].Sets[0].Reps = 10
	w.Exercises = append(w.Exercises, workout.ExerciseLog{
		ExerciseID: "row",
		Name:       "Barbell Row",
		Sets:       []workout.Set{{ID: "w1-s3", Reps: 12, Weight: 50, IsCompleted: true}},
	})
	w.TotalVolume = workout.TotalVolume(w.Exercises)

	req := completeRequest(w)
	req.Events = append(req.Events, workout.Event{ID: "w1-e3", SessionID: "w1", At: w.StartTime, Type: workout.EventSetChanged})
	second, err := s.Finalize(ctx, "alice", "strength", req)
	require.NoError(t, err)

	assert.Greater(t, second, first)
	assert.Equal(t, []setRow{
		{0, 0, "bench", "w1-s1", 10, 60, true},
		{1, 0, "row", "w1-s3", 12, 50, true},
	}, setRows(t, s, "w1"))
	assert.Equal(t, 2, count(t, s, `SELECT COUNT(*) FROM exercises`))
	assert.Equal(t, 3, count(t, s, `SELECT COUNT(*) FROM workout_events`))
}

func TestFinalizeKeepsFirstCatalogName(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	w := finished("w1")
	w.Exercises[0].Name = "Café Press"
	_, err := s.Finalize(ctx, "alice", "strength", completeRequest(w))
	require.NoError(t, err)

	w2 := finished("w2")
	w2.Exercises[0].Name = "Renamed"
	_, err = s.Finalize(ctx, "alice", "strength", completeRequest(w2))
	require.NoError(t, err)

	var name string
	require.NoError(t, s.db.QueryRow(`SELECT name FROM exercises WHERE id = 'bench'`).Scan(&name))
	assert.Equal(t, "Café Press", name)
}

func TestFinalizeRejectsForeignOwner(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, err := s.Finalize(ctx, "alice", "strength", completeRequest(finished("w1")))
	require.NoError(t, err)

	_, err = s.Finalize(ctx, "bob", "strength", completeRequest(finished("w1")))
	require.Error(t, err)
	assert.True(t, wire.IsForbidden(err))

	var owner string
	require.NoError(t, s.db.QueryRow(`SELECT user_id FROM workouts WHERE id = 'w1'`).Scan(&owner))
	assert.Equal(t, "alice", owner)
}

func TestFinalizeValidatesModuleAndEvents(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, err := s.Finalize(ctx, "alice", "cardio", completeRequest(finished("w1")))
	assert.True(t, wire.IsValidation(err))

	req := completeRequest(finished("w1"))
	req.Events[0].SessionID = "other"
	_, err = s.Finalize(ctx, "alice", "strength", req)
	assert.True(t, wire.IsValidation(err))

	assert.Equal(t, 0, count(t, s, `SELECT COUNT(*) FROM workouts`))
}

func TestFinalizeDefaultsEmptyModule(t *testing.T) {
	s, _ := createTestStore(t)
	w := finished("w1")
	w.Module = ""

	_, err := s.Finalize(context.Background(), "alice", "strength", completeRequest(w))
	require.NoError(t, err)

	var module string
	require.NoError(t, s.db.QueryRow(`SELECT module FROM workouts WHERE id = 'w1'`).Scan(&module))
	assert.Equal(t, "strength", module)
}

func TestFinalizeRollsBackOnFailure(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	// Fail the last step of the transaction.
	_, err := s.db.Exec(`
		CREATE TRIGGER fail_events BEFORE INSERT ON workout_events
		BEGIN SELECT RAISE(ABORT, 'event write failed'); END
	`)
	require.NoError(t, err)

	_, err = s.Finalize(ctx, "alice", "strength", completeRequest(finished("w1")))
	require.Error(t, err)
	assert.False(t, wire.IsValidation(err))

	assert.Equal(t, 0, count(t, s, `SELECT COUNT(*) FROM workouts`))
	assert.Equal(t, 0, count(t, s, `SELECT COUNT(*) FROM session_extensions`))
	assert.Equal(t, 0, count(t, s, `SELECT COUNT(*) FROM extension_sets`))
	assert.Equal(t, 0, count(t, s, `SELECT COUNT(*) FROM exercises`))

	// The retry after the failure is a from-scratch write.
	_, err = s.db.Exec(`DROP TRIGGER fail_events`)
	require.NoError(t, err)
	_, err = s.Finalize(ctx, "alice", "strength", completeRequest(finished("w1")))
	require.NoError(t, err)
	assert.Len(t, setRows(t, s, "w1"), 2)
	assert.Equal(t, 2, count(t, s, `SELECT COUNT(*) FROM workout_events`))
}

func TestFinalizeRevivesTombstone(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, err := s.Finalize(ctx, "alice", "strength", completeRequest(finished("w1")))
	require.NoError(t, err)
	deletedAt, err := s.Delete(ctx, "alice", "strength", "w1")
	require.NoError(t, err)

	revived, err := s.Finalize(ctx, "alice", "strength", completeRequest(finished("w1")))
	require.NoError(t, err)
	assert.Greater(t, revived, deletedAt)
	assert.Len(t, setRows(t, s, "w1"), 2)
	assert.Equal(t, 0, count(t, s, `SELECT COUNT(*) FROM workouts WHERE deleted_at IS NOT NULL`))
}
