package server

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/roach88/liftsync/internal/clock"
	"github.com/roach88/liftsync/internal/testutil"
	"github.com/roach88/liftsync/internal/wire"
	"github.com/roach88/liftsync/internal/workout"
)

var epochMillis = clock.Millis(testutil.Epoch)

// createTestStore creates a store in a temp directory on a frozen clock.
func createTestStore(t *testing.T) (*Store, *testutil.FakeClock) {
	t.Helper()
	clk := testutil.NewFakeClock(time.Time{})
	s, err := Open(filepath.Join(t.TempDir(), "server.db"), WithStoreClock(clk))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s, clk
}

// finished returns a completed two-set bench session with volume 855.
func finished(id string) workout.Session {
	start := testutil.Epoch
	done := start.Add(10 * time.Minute)
	end := start.Add(45 * time.Minute)
	return workout.Session{
		ID:          id,
		Module:      workout.DefaultModule,
		Status:      workout.StatusCompleted,
		StartTime:   start,
		EndTime:     &end,
		DurationSec: 2700,
		Exercises: []workout.ExerciseLog{{
			ExerciseID: "bench",
			Name:       "Bench Press",
			Sets: []workout.Set{
				{ID: id + "-s1", Reps: 8, Weight: 60, IsCompleted: true, CompletedAt: &done, RestSec: workout.IntPtr(120)},
				{ID: id + "-s2", Reps: 6, Weight: 62.5, IsCompleted: true, CompletedAt: &done},
			},
		}},
		TotalVolume: 855,
		Effort:      workout.IntPtr(7),
	}
}

func completeRequest(s workout.Session) wire.CompleteRequest {
	return wire.CompleteRequest{
		Workout: s,
		Events: []workout.Event{
			{ID: s.ID + "-e1", SessionID: s.ID, At: s.StartTime, Type: workout.EventExerciseAdded, Payload: map[string]any{"exerciseId": "bench"}},
			{ID: s.ID + "-e2", SessionID: s.ID, At: s.StartTime.Add(time.Minute), Type: workout.EventFinished},
		},
		RestByExerciseID: map[string]int{"bench": 120},
	}
}

func count(t *testing.T, s *Store, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRowContext(context.Background(), query, args...).Scan(&n))
	return n
}
