package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/liftsync/internal/kv"
	"github.com/roach88/liftsync/internal/testutil"
	"github.com/roach88/liftsync/internal/wire"
)

const owner = "u1"

func newQueue(t *testing.T, name string) (*Queue, *kv.MemoryStore) {
	t.Helper()
	store := kv.NewMemoryStore()
	return New(store, name, WithClock(testutil.NewFakeClock(testutil.Epoch))), store
}

type body struct {
	N int `json:"n"`
}

func decode(t *testing.T, m Mutation) body {
	t.Helper()
	var b body
	require.NoError(t, json.Unmarshal(m.Payload, &b))
	return b
}

func TestEnqueueKeepsInsertionOrder(t *testing.T) {
	ctx := context.Background()
	q, store := newQueue(t, WorkoutQueue)

	for _, id := range []string{"A", "B", "C"} {
		_, err := q.Enqueue(ctx, owner, KindWorkout, id, body{})
		require.NoError(t, err)
	}
	ids, err := q.List(ctx, owner)
	require.NoError(t, err)
	assert.Equal(t, []string{"A", "B", "C"}, ids)

	_, ok, err := store.Get(ctx, "pendingWorkoutIds:u1")
	require.NoError(t, err)
	assert.True(t, ok)
	_, ok, err = store.Get(ctx, "pendingWorkoutPayload:u1:B")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestEnqueueRequiresTarget(t *testing.T) {
	q, _ := newQueue(t, WorkoutQueue)
	_, err := q.Enqueue(context.Background(), owner, KindWorkout, "", body{})
	assert.ErrorIs(t, err, ErrMissingTarget)
}

func TestReenqueueReplacesPayloadInPlace(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, WorkoutQueue)

	_, _ = q.Enqueue(ctx, owner, KindWorkout, "A", body{N: 1})
	_, _ = q.Enqueue(ctx, owner, KindWorkout, "B", body{N: 1})
	m, err := q.Enqueue(ctx, owner, KindWorkout, "A", body{N: 2})
	require.NoError(t, err)
	assert.Equal(t, 1, m.Rev)

	ids, _ := q.List(ctx, owner)
	assert.Equal(t, []string{"A", "B"}, ids)
	got, ok, err := q.Get(ctx, owner, "A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 2, decode(t, got).N)
}

func TestDequeueRemovesIDAndPayload(t *testing.T) {
	ctx := context.Background()
	q, store := newQueue(t, WorkoutQueue)
	_, _ = q.Enqueue(ctx, owner, KindWorkout, "A", body{})

	require.NoError(t, q.Dequeue(ctx, owner, "A"))
	ids, _ := q.List(ctx, owner)
	assert.Empty(t, ids)
	assert.Equal(t, 0, store.Len())
}

func TestDanglingIDIsDroppedSilently(t *testing.T) {
	ctx := context.Background()
	q, store := newQueue(t, WorkoutQueue)
	_, _ = q.Enqueue(ctx, owner, KindWorkout, "A", body{})
	_, _ = q.Enqueue(ctx, owner, KindWorkout, "B", body{})
	require.NoError(t, store.Remove(ctx, kv.QueuePayloadKey(WorkoutQueue, owner, "A")))

	entries, err := q.Entries(ctx, owner)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "B", entries[0].ID)

	ids, _ := q.List(ctx, owner)
	assert.Equal(t, []string{"B"}, ids, "the dangling id is removed from the list")
}

func TestDrainHaltsOnFirstFailure(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, WorkoutQueue)
	for _, id := range []string{"A", "B", "C"} {
		_, _ = q.Enqueue(ctx, owner, KindWorkout, id, body{})
	}

	var attempted []string
	res, err := q.Drain(ctx, owner, func(_ context.Context, m Mutation) error {
		attempted = append(attempted, m.ID)
		if m.ID == "B" {
			return errors.New("connection refused")
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"A", "B"}, attempted, "C is never attempted")
	assert.Equal(t, []string{"A"}, res.Pushed)
	assert.Equal(t, "B", res.Blocked)
	assert.True(t, wire.IsTransient(res.Err))

	ids, _ := q.List(ctx, owner)
	assert.Equal(t, []string{"B", "C"}, ids)

	// The next pass resumes where the last one stopped.
	res, err = q.Drain(ctx, owner, func(context.Context, Mutation) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []string{"B", "C"}, res.Pushed)
	n, _ := q.Len(ctx, owner)
	assert.Zero(t, n)
}

func TestDrainStopsOnUnauthorized(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, WorkoutQueue)
	_, _ = q.Enqueue(ctx, owner, KindWorkout, "A", body{})
	_, _ = q.Enqueue(ctx, owner, KindWorkout, "B", body{})

	res, err := q.Drain(ctx, owner, func(context.Context, Mutation) error {
		return wire.Errorf(wire.CodeUnauthorized, "expired")
	})
	require.NoError(t, err)
	assert.True(t, wire.IsUnauthorized(res.Err))
	assert.Empty(t, res.Parked)
	n, _ := q.Len(ctx, owner)
	assert.Equal(t, 2, n)
}

func TestDrainParksValidationFailures(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, WorkoutQueue)
	for _, id := range []string{"A", "B", "C"} {
		_, _ = q.Enqueue(ctx, owner, KindWorkout, id, body{})
	}

	res, err := q.Drain(ctx, owner, func(_ context.Context, m Mutation) error {
		if m.ID == "B" {
			return wire.Errorf(wire.CodeValidation, "exercises: incomplete value")
		}
		return nil
	})
	require.NoError(t, err)
	assert.NoError(t, res.Err)
	assert.Equal(t, []string{"A", "C"}, res.Pushed)
	require.Len(t, res.Parked, 1)
	assert.Equal(t, "B", res.Parked[0].Mutation.ID)
	assert.Contains(t, res.Parked[0].Reason, "VALIDATION")

	n, _ := q.Len(ctx, owner)
	assert.Zero(t, n, "a rejected payload is not retried")

	rejected, err := q.Rejected(ctx, owner)
	require.NoError(t, err)
	require.Len(t, rejected, 1)
	assert.Equal(t, "B", rejected[0].Mutation.ID)
	assert.True(t, rejected[0].RejectedAt.Equal(testutil.Epoch))
}

func TestTemplateUpdateChainsBehindCreate(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, TemplateQueue)

	create, err := q.Enqueue(ctx, owner, KindTemplateCreate, "t1", body{N: 1})
	require.NoError(t, err)
	upd1, err := q.Enqueue(ctx, owner, KindTemplateUpdate, "t1", body{N: 2})
	require.NoError(t, err)
	upd2, err := q.Enqueue(ctx, owner, KindTemplateUpdate, "t1", body{N: 3})
	require.NoError(t, err)

	assert.Equal(t, "t1", create.ID)
	assert.Equal(t, "t1~1", upd1.ID)
	assert.Equal(t, "t1", upd1.After)
	assert.Equal(t, "t1~1", upd2.ID, "a trailing update is coalesced")
	assert.Equal(t, 1, upd2.Rev)

	ids, _ := q.List(ctx, owner)
	assert.Equal(t, []string{"t1", "t1~1"}, ids)

	// An update for a template with nothing pending needs no chain.
	solo, err := q.Enqueue(ctx, owner, KindTemplateUpdate, "t2", body{})
	require.NoError(t, err)
	assert.Equal(t, "t2", solo.ID)
	assert.Empty(t, solo.After)
}

func TestDrainNeverPushesUpdateBeforeCreate(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, TemplateQueue)
	_, _ = q.Enqueue(ctx, owner, KindTemplateCreate, "t1", body{N: 1})
	_, _ = q.Enqueue(ctx, owner, KindTemplateUpdate, "t1", body{N: 2})

	var pushed []string
	res, err := q.Drain(ctx, owner, func(ctx context.Context, m Mutation) error {
		pushed = append(pushed, string(m.Kind))
		if m.Kind == KindTemplateCreate {
			// A newer create payload lands while this one is in flight.
			_, err := q.Enqueue(ctx, owner, KindTemplateCreate, "t1", body{N: 9})
			require.NoError(t, err)
		}
		return nil
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"template-create"}, pushed)
	assert.Equal(t, "t1~1", res.Blocked)
	ids, _ := q.List(ctx, owner)
	assert.Equal(t, []string{"t1", "t1~1"}, ids, "the stale ack leaves the newer create queued")

	got, _, _ := q.Get(ctx, owner, "t1")
	assert.Equal(t, 9, decode(t, got).N)

	res, err = q.Drain(ctx, owner, func(context.Context, Mutation) error { return nil })
	require.NoError(t, err)
	assert.Equal(t, []string{"t1", "t1~1"}, res.Pushed)
}

func TestQueuesAreSeparatePerOwner(t *testing.T) {
	ctx := context.Background()
	q, _ := newQueue(t, WorkoutQueue)
	_, _ = q.Enqueue(ctx, "u1", KindWorkout, "A", body{})
	_, _ = q.Enqueue(ctx, "u2", KindWorkout, "B", body{})

	ids, _ := q.List(ctx, "u1")
	assert.Equal(t, []string{"A"}, ids)
	ids, _ = q.List(ctx, "u2")
	assert.Equal(t, []string{"B"}, ids)
}
