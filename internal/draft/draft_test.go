package draft

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/liftsync/internal/kv"
	"github.com/roach88/liftsync/internal/testutil"
	"github.com/roach88/liftsync/internal/workout"
)

func activeDraft(id string) workout.Draft {
	return workout.Draft{
		Session: workout.Session{
			ID:        id,
			Status:    workout.StatusActive,
			StartTime: testutil.Epoch,
			Exercises: []workout.ExerciseLog{{ExerciseID: "bench", Name: "Bench Press", Sets: []workout.Set{{ID: "s1"}}}},
		},
		Events:           []workout.Event{{ID: "e1", SessionID: id, Type: workout.EventSetAdded}},
		RestByExerciseID: map[string]int{"bench": 90},
	}
}

func TestSaveIsDebounced(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemoryStore()
	s := New(mem, WithDebounce(20*time.Millisecond))

	require.NoError(t, s.Save(ctx, activeDraft("a")))
	require.NoError(t, s.Save(ctx, activeDraft("a")))

	_, ok, err := mem.Get(ctx, kv.DraftKey("a"))
	require.NoError(t, err)
	assert.False(t, ok, "write must wait for the debounce window")
	assert.True(t, s.Pending("a"))

	require.Eventually(t, func() bool {
		_, ok, _ := mem.Get(ctx, kv.DraftKey("a"))
		return ok
	}, time.Second, 5*time.Millisecond)
	assert.False(t, s.Pending("a"))
}

func TestFlushWritesPendingDrafts(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemoryStore()
	clk := testutil.NewFakeClock(testutil.Epoch)
	s := New(mem, WithDebounce(time.Hour), WithClock(clk))

	require.NoError(t, s.Save(ctx, activeDraft("a")))
	require.NoError(t, s.Flush(ctx))

	var got workout.Draft
	ok, err := kv.GetJSON(ctx, mem, kv.DraftKey("a"), &got)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "a", got.Session.ID)
	assert.Equal(t, 90, got.RestByExerciseID["bench"])
	assert.Len(t, got.Events, 1)
	assert.True(t, got.SavedAt.Equal(testutil.Epoch))
}

func TestSaveCopiesDraft(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemoryStore(), WithDebounce(time.Hour))

	d := activeDraft("a")
	require.NoError(t, s.Save(ctx, d))
	d.Session.Exercises[0].Sets[0].Reps = 42
	d.RestByExerciseID["bench"] = 1

	got, ok, err := s.Load(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 0.0, got.Session.Exercises[0].Sets[0].Reps)
	assert.Equal(t, 90, got.RestByExerciseID["bench"])
}

func TestClearCancelsPendingWrite(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemoryStore()
	s := New(mem, WithDebounce(10*time.Millisecond))

	require.NoError(t, s.SaveNow(ctx, activeDraft("a")))
	require.NoError(t, s.Save(ctx, activeDraft("a")))
	require.NoError(t, s.Clear(ctx, "a"))

	time.Sleep(40 * time.Millisecond)
	_, ok, err := mem.Get(ctx, kv.DraftKey("a"))
	require.NoError(t, err)
	assert.False(t, ok, "a cleared draft must not be resurrected by its timer")
}

func TestLoadMostRecentActive(t *testing.T) {
	ctx := context.Background()
	mem := kv.NewMemoryStore()
	clk := testutil.NewFakeClock(testutil.Epoch)
	s := New(mem, WithDebounce(0), WithClock(clk))

	_, ok, err := s.LoadMostRecentActive(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Save(ctx, activeDraft("older")))
	clk.Advance(time.Minute)
	require.NoError(t, s.Save(ctx, activeDraft("newer")))
	clk.Advance(time.Minute)
	done := activeDraft("finished")
	done.Session.Status = workout.StatusCompleted
	require.NoError(t, s.Save(ctx, done))
	require.NoError(t, mem.Set(ctx, kv.DraftKey("garbage"), []byte("{")))

	got, ok, err := s.LoadMostRecentActive(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "newer", got.Session.ID)
}

func TestLoadMostRecentActiveSeesPendingDraft(t *testing.T) {
	ctx := context.Background()
	s := New(kv.NewMemoryStore(), WithDebounce(time.Hour))

	require.NoError(t, s.Save(ctx, activeDraft("pending")))

	got, ok, err := s.LoadMostRecentActive(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "pending", got.Session.ID)
}

func TestSaveRequiresSessionID(t *testing.T) {
	s := New(kv.NewMemoryStore())
	assert.Error(t, s.Save(context.Background(), workout.Draft{}))
	assert.Error(t, s.SaveNow(context.Background(), workout.Draft{}))
}
