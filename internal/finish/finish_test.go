package finish

import (
	"math/rand/v2"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/liftsync/internal/testutil"
	"github.com/roach88/liftsync/internal/workout"
)

func session(exercises ...workout.ExerciseLog) workout.Session {
	return workout.Session{
		ID:        "s1",
		Module:    workout.DefaultModule,
		Status:    workout.StatusActive,
		StartTime: testutil.Epoch,
		Exercises: exercises,
	}
}

func bench(sets ...workout.Set) workout.ExerciseLog {
	return workout.ExerciseLog{ExerciseID: "bench", Name: "Bench Press", Sets: sets}
}

func TestParsePolicy(t *testing.T) {
	for _, name := range []string{"delete", "complete", "keep"} {
		p, err := ParsePolicy(name)
		require.NoError(t, err)
		assert.Equal(t, Policy(name), p)
	}
	_, err := ParsePolicy("discard")
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestDeleteDropsIncompleteSets(t *testing.T) {
	s := session(bench(
		workout.Set{ID: "a", Reps: 5, Weight: 100, IsCompleted: true},
		workout.Set{ID: "b", Reps: 5, Weight: 100},
	))
	end := testutil.Epoch.Add(45 * time.Minute)

	out, err := Resolve(s, PolicyDelete, nil, end)
	require.NoError(t, err)

	require.Len(t, out.Exercises, 1)
	require.Len(t, out.Exercises[0].Sets, 1)
	assert.Equal(t, "a", out.Exercises[0].Sets[0].ID)
	assert.Equal(t, 500.0, out.TotalVolume)
	assert.Equal(t, workout.StatusCompleted, out.Status)
	require.NotNil(t, out.EndTime)
	assert.True(t, out.EndTime.Equal(end))
	assert.Equal(t, int64(45*60), out.DurationSec)

	assert.Len(t, s.Exercises[0].Sets, 2, "input is not modified")
	assert.Equal(t, workout.StatusActive, s.Status)
}

func TestDeleteDropsEmptiedExercises(t *testing.T) {
	s := session(
		bench(workout.Set{ID: "a", Reps: 5, Weight: 100}),
		workout.ExerciseLog{ExerciseID: "row", Name: "Row", Sets: []workout.Set{{ID: "r", Reps: 10, Weight: 50, IsCompleted: true}}},
		workout.ExerciseLog{ExerciseID: "curl", Name: "Curl", Sets: []workout.Set{}},
	)
	out, err := Resolve(s, PolicyDelete, nil, testutil.Epoch)
	require.NoError(t, err)
	require.Len(t, out.Exercises, 1)
	assert.Equal(t, "row", out.Exercises[0].ExerciseID)
	assert.Equal(t, 500.0, out.TotalVolume)
}

func TestCompleteFillsFromGhosts(t *testing.T) {
	s := session(bench(
		workout.Set{ID: "a", Reps: 5, Weight: 100, IsCompleted: true},
		workout.Set{ID: "b"},
		workout.Set{ID: "c", Weight: 70},
		workout.Set{ID: "d"},
	))
	ghosts := workout.GhostTable{"bench": {
		{Reps: 8, Weight: 60, IsCompleted: true},
		{Reps: 8, Weight: 60, IsCompleted: true},
		{Reps: 6, Weight: 65, IsCompleted: true},
	}}
	end := testutil.Epoch.Add(time.Hour)

	out, err := Resolve(s, PolicyComplete, ghosts, end)
	require.NoError(t, err)

	sets := out.Exercises[0].Sets
	require.Len(t, sets, 4)
	for _, set := range sets {
		assert.True(t, set.IsCompleted, "set %s", set.ID)
	}
	assert.Equal(t, workout.Set{ID: "b", Reps: 8, Weight: 60, IsCompleted: true, CompletedAt: &end}, sets[1])
	assert.Equal(t, 70.0, sets[2].Weight, "entered weight is kept")
	assert.Equal(t, 6.0, sets[2].Reps)
	assert.Equal(t, 0.0, sets[3].Weight, "no ghost at index 3")
	assert.Nil(t, sets[0].CompletedAt, "already-completed sets keep their stamp")

	assert.Equal(t, 500.0+480+420, out.TotalVolume)
}

func TestKeepLeavesSetsAlone(t *testing.T) {
	s := session(bench(
		workout.Set{ID: "a", Reps: 8, Weight: 60, IsCompleted: true},
		workout.Set{ID: "b", Reps: 8, Weight: 60},
	))
	out, err := Resolve(s, PolicyKeep, nil, testutil.Epoch.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, out.Exercises[0].Sets, 2)
	assert.False(t, out.Exercises[0].Sets[1].IsCompleted)
	assert.Equal(t, 480.0, out.TotalVolume, "incomplete sets contribute nothing")
}

func TestResolveRejectsUnknownPolicy(t *testing.T) {
	_, err := Resolve(session(), Policy("nope"), nil, testutil.Epoch)
	assert.ErrorIs(t, err, ErrUnknownPolicy)
}

func TestDurationNeverNegative(t *testing.T) {
	out, err := Resolve(session(), PolicyKeep, nil, testutil.Epoch.Add(-time.Minute))
	require.NoError(t, err)
	assert.Equal(t, int64(0), out.DurationSec)
	assert.NotNil(t, out.Exercises)
}

// randomSession builds a session with random completion flags and values.
func randomSession(r *rand.Rand) workout.Session {
	var exercises []workout.ExerciseLog
	for i := range r.IntN(4) {
		ex := workout.ExerciseLog{ExerciseID: []string{"bench", "squat", "row", "dead"}[i], Sets: []workout.Set{}}
		for j := range r.IntN(5) {
			set := workout.Set{ID: ex.ExerciseID + string(rune('a'+j)), IsCompleted: r.IntN(2) == 0}
			if r.IntN(3) > 0 {
				set.Weight = float64(r.IntN(20) * 5)
			}
			if r.IntN(3) > 0 {
				set.Reps = float64(r.IntN(12))
			}
			ex.Sets = append(ex.Sets, set)
		}
		exercises = append(exercises, ex)
	}
	return session(exercises...)
}

func randomGhosts(r *rand.Rand) workout.GhostTable {
	g := workout.GhostTable{}
	for _, id := range []string{"bench", "squat", "row"} {
		for range r.IntN(4) {
			g[id] = append(g[id], workout.Set{Weight: float64(1 + r.IntN(20)*5), Reps: float64(1 + r.IntN(10)), IsCompleted: true})
		}
	}
	return g
}

func TestResolveProperties(t *testing.T) {
	r := rand.New(rand.NewPCG(7, 11))
	end := testutil.Epoch.Add(time.Hour)

	for i := 0; i < 500; i++ {
		s := randomSession(r)
		ghosts := randomGhosts(r)

		del, err := Resolve(s, PolicyDelete, ghosts, end)
		require.NoError(t, err)
		for _, ex := range del.Exercises {
			assert.NotEmpty(t, ex.Sets)
			for _, set := range ex.Sets {
				assert.True(t, set.IsCompleted)
			}
		}

		comp, err := Resolve(s, PolicyComplete, ghosts, end)
		require.NoError(t, err)
		for ei, ex := range comp.Exercises {
			for si, set := range ex.Sets {
				require.True(t, set.IsCompleted)
				orig := s.Exercises[ei].Sets[si]
				if ghost, ok := ghosts.Ghost(ex.ExerciseID, si); ok && !orig.IsCompleted {
					if orig.Weight == 0 {
						assert.Equal(t, ghost.Weight, set.Weight)
					}
					if orig.Reps == 0 {
						assert.Equal(t, ghost.Reps, set.Reps)
					}
				}
			}
		}

		keep, err := Resolve(s, PolicyKeep, ghosts, end)
		require.NoError(t, err)
		assert.Equal(t, s.SetCount(), keep.SetCount())

		for _, out := range []workout.Session{del, comp, keep} {
			var want float64
			for _, ex := range out.Exercises {
				for _, set := range ex.Sets {
					if set.IsCompleted {
						want += set.Weight * set.Reps
					}
				}
			}
			assert.Equal(t, want, out.TotalVolume)
			assert.Equal(t, out.TotalVolume, workout.TotalVolume(out.Exercises), "volume is stable under recomputation")
		}
	}
}

func TestResolverNotifiesObservers(t *testing.T) {
	clk := testutil.NewFakeClock(testutil.Epoch.Add(30 * time.Minute))
	r := NewResolver(clk, nil)

	var seen []string
	r.OnFinished(func(s workout.Session) { seen = append(seen, "first:"+s.ID) })
	r.OnFinished(func(s workout.Session) { seen = append(seen, "second:"+s.ID) })

	out, err := r.Finish(session(bench(workout.Set{ID: "a", Reps: 1, Weight: 1, IsCompleted: true})), PolicyKeep, nil)
	require.NoError(t, err)
	assert.Equal(t, int64(1800), out.DurationSec)
	assert.Equal(t, []string{"first:s1", "second:s1"}, seen)

	_, err = r.Finish(session(), Policy("x"), nil)
	require.Error(t, err)
	assert.Len(t, seen, 2, "observers are not called on failure")
}
