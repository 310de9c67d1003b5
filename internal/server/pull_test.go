package server

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/liftsync/internal/wire"
	"github.com/roach88/liftsync/internal/workout"
)

func pulledIDs(t *testing.T, resp wire.PullResponse) []string {
	t.Helper()
	ids := make([]string, 0, len(resp.Workouts))
	for _, w := range resp.Workouts {
		id, _, err := w.Head()
		require.NoError(t, err)
		ids = append(ids, id)
	}
	return ids
}

func TestPullOrdersByServerTimeAndFiltersStrictly(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	var ticks []int64
	for _, id := range []string{"w3", "w1", "w2"} {
		tick, err := s.Finalize(ctx, "alice", "strength", completeRequest(finished(id)))
		require.NoError(t, err)
		ticks = append(ticks, tick)
	}

	resp, err := s.Pull(ctx, "alice", wire.PullRequest{Limit: wire.PullLimit})
	require.NoError(t, err)
	assert.Equal(t, []string{"w3", "w1", "w2"}, pulledIDs(t, resp))
	assert.Equal(t, ticks[2], resp.ServerTime)
	for i, w := range resp.Workouts {
		assert.Equal(t, ticks[i], w.ServerUpdatedAt)
		assert.Nil(t, w.DeletedAt)
	}

	resp, err = s.Pull(ctx, "alice", wire.PullRequest{Since: ticks[0], Limit: wire.PullLimit})
	require.NoError(t, err)
	assert.Equal(t, []string{"w1", "w2"}, pulledIDs(t, resp), "since is exclusive")

	resp, err = s.Pull(ctx, "alice", wire.PullRequest{Since: resp.ServerTime, Limit: wire.PullLimit})
	require.NoError(t, err)
	assert.Empty(t, resp.Workouts)
	assert.NotNil(t, resp.Workouts)
	assert.NotNil(t, resp.Deleted)
}

func TestPullIsScopedToCallerAndModule(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, err := s.Finalize(ctx, "alice", "strength", completeRequest(finished("a1")))
	require.NoError(t, err)
	_, err = s.Finalize(ctx, "bob", "strength", completeRequest(finished("b1")))
	require.NoError(t, err)
	cardio := finished("a2")
	cardio.Module = "cardio"
	_, err = s.Finalize(ctx, "alice", "cardio", completeRequest(cardio))
	require.NoError(t, err)

	resp, err := s.Pull(ctx, "alice", wire.PullRequest{Limit: wire.PullLimit})
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, pulledIDs(t, resp))

	resp, err = s.Pull(ctx, "alice", wire.PullRequest{Module: "cardio", Limit: wire.PullLimit})
	require.NoError(t, err)
	assert.Equal(t, []string{"a2"}, pulledIDs(t, resp))

	resp, err = s.Pull(ctx, "bob", wire.PullRequest{Module: workout.DefaultModule, Limit: wire.PullLimit})
	require.NoError(t, err)
	assert.Equal(t, []string{"b1"}, pulledIDs(t, resp))
}

func TestPullHonoursLimit(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := s.Finalize(ctx, "alice", "strength", completeRequest(finished(fmt.Sprintf("w%d", i))))
		require.NoError(t, err)
	}

	page, err := s.Pull(ctx, "alice", wire.PullRequest{Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"w0", "w1"}, pulledIDs(t, page))
	assert.True(t, page.Full(2))

	next, err := s.Pull(ctx, "alice", wire.PullRequest{Since: page.Workouts[1].ServerUpdatedAt, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, []string{"w2", "w3"}, pulledIDs(t, next))

	// Out-of-range limits fall back to the protocol maximum.
	all, err := s.Pull(ctx, "alice", wire.PullRequest{Limit: 0})
	require.NoError(t, err)
	assert.Len(t, all.Workouts, 5)
}

func TestPullReportsTombstones(t *testing.T) {
	s, _ := createTestStore(t)
	ctx := context.Background()

	_, err := s.Finalize(ctx, "alice", "strength", completeRequest(finished("w1")))
	require.NoError(t, err)
	_, err = s.Finalize(ctx, "alice", "strength", completeRequest(finished("w2")))
	require.NoError(t, err)
	deletedAt, err := s.Delete(ctx, "alice", "strength", "w1")
	require.NoError(t, err)

	resp, err := s.Pull(ctx, "alice", wire.PullRequest{Limit: wire.PullLimit})
	require.NoError(t, err)
	assert.Equal(t, []string{"w2"}, pulledIDs(t, resp))
	assert.Equal(t, []wire.Tombstone{{ID: "w1", DeletedAt: deletedAt}}, resp.Deleted)
	assert.Equal(t, deletedAt, resp.ServerTime)
}
