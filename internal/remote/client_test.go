package remote

import (
	"context"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/liftsync/internal/kv"
	"github.com/roach88/liftsync/internal/server"
	"github.com/roach88/liftsync/internal/syncer"
	"github.com/roach88/liftsync/internal/testutil"
	"github.com/roach88/liftsync/internal/wire"
	"github.com/roach88/liftsync/internal/workout"
)

var _ syncer.Transport = (*Client)(nil)

func newBackend(t *testing.T) *httptest.Server {
	t.Helper()
	store, err := server.Open(filepath.Join(t.TempDir(), "server.db"),
		server.WithStoreClock(testutil.NewFakeClock(time.Time{})))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	v, err := server.NewValidator()
	require.NoError(t, err)
	srv := httptest.NewServer(server.NewHandler(store, v, server.StaticTokens{"tok": "alice"}))
	t.Cleanup(srv.Close)
	return srv
}

func newClient(t *testing.T, url string) *Client {
	t.Helper()
	c, err := New(url)
	require.NoError(t, err)
	return c
}

func session(id string) workout.Session {
	end := testutil.Epoch.Add(30 * time.Minute)
	return workout.Session{
		ID:          id,
		Module:      workout.DefaultModule,
		Status:      workout.StatusCompleted,
		StartTime:   testutil.Epoch,
		EndTime:     &end,
		DurationSec: 1800,
		Exercises: []workout.ExerciseLog{{
			ExerciseID: "squat",
			Name:       "Back Squat",
			Sets:       []workout.Set{{ID: id + "-s1", Reps: 5, Weight: 100, IsCompleted: true}},
		}},
		TotalVolume: 500,
	}
}

func TestClientRoundTrip(t *testing.T) {
	c := newClient(t, newBackend(t).URL)
	ctx := context.Background()

	ack, err := c.PushWorkout(ctx, "tok", wire.CompleteRequest{Workout: session("w1")})
	require.NoError(t, err)
	assert.True(t, ack.OK)
	assert.Equal(t, "w1", ack.WorkoutID)

	page, err := c.Pull(ctx, "tok", wire.PullRequest{Module: workout.DefaultModule, Limit: wire.PullLimit})
	require.NoError(t, err)
	require.Len(t, page.Workouts, 1)
	id, module, err := page.Workouts[0].Head()
	require.NoError(t, err)
	assert.Equal(t, "w1", id)
	assert.Equal(t, workout.DefaultModule, module)
	assert.Equal(t, ack.ServerUpdatedAt, page.Workouts[0].ServerUpdatedAt)

	del, err := c.DeleteWorkout(ctx, "tok", workout.DefaultModule, "w1")
	require.NoError(t, err)
	page, err = c.Pull(ctx, "tok", wire.PullRequest{Since: ack.ServerUpdatedAt, Limit: wire.PullLimit})
	require.NoError(t, err)
	assert.Equal(t, []wire.Tombstone{{ID: "w1", DeletedAt: del.ServerUpdatedAt}}, page.Deleted)
}

func TestClientTemplates(t *testing.T) {
	c := newClient(t, newBackend(t).URL)
	ctx := context.Background()
	tpl := workout.Template{
		ID:        "t1",
		Module:    workout.DefaultModule,
		Name:      "Legs",
		Exercises: []workout.TemplateExercise{{ExerciseID: "squat", Name: "Back Squat", Sets: 5}},
		UpdatedAt: testutil.Epoch,
	}

	_, err := c.PushTemplate(ctx, "tok", tpl, false)
	assert.True(t, wire.IsNotFound(err), "update before create")

	created, err := c.PushTemplate(ctx, "tok", tpl, true)
	require.NoError(t, err)
	tpl.Name = "Legs B"
	updated, err := c.PushTemplate(ctx, "tok", tpl, false)
	require.NoError(t, err)
	assert.Greater(t, updated.ServerUpdatedAt, created.ServerUpdatedAt)

	list, err := c.Templates(ctx, "tok", workout.DefaultModule)
	require.NoError(t, err)
	assert.Equal(t, []workout.Template{tpl}, list)
}

func TestClientMapsServerErrors(t *testing.T) {
	c := newClient(t, newBackend(t).URL)
	ctx := context.Background()

	_, err := c.Pull(ctx, "", wire.PullRequest{})
	assert.True(t, wire.IsUnauthorized(err))

	bad := session("w1")
	bad.Status = workout.StatusActive
	_, err = c.PushWorkout(ctx, "tok", wire.CompleteRequest{Workout: bad})
	require.Error(t, err)
	assert.True(t, wire.IsValidation(err))
	assert.False(t, wire.IsTransient(err))
}

func TestClientMapsStatusWithoutBody(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		check  func(error) bool
	}{
		{"bad gateway", http.StatusBadGateway, "<html>upstream down</html>", wire.IsTransient},
		{"rate limited", http.StatusTooManyRequests, "", wire.IsTransient},
		{"unprocessable", http.StatusUnprocessableEntity, "nope", wire.IsValidation},
		{"gone", http.StatusNotFound, "", wire.IsNotFound},
		{"coded body", http.StatusForbidden, `{"error":{"code":"FORBIDDEN","message":"not yours"}}`, wire.IsForbidden},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			_, err := newClient(t, srv.URL).Pull(context.Background(), "tok", wire.PullRequest{})
			require.Error(t, err)
			assert.True(t, tt.check(err), "got %v", err)

			var werr *wire.Error
			require.ErrorAs(t, err, &werr)
			assert.Equal(t, tt.status, werr.Status)
		})
	}
}

func TestClientNetworkFailureIsTransient(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := newClient(t, url).Pull(context.Background(), "tok", wire.PullRequest{})
	require.Error(t, err)
	assert.True(t, wire.IsTransient(err))
}

func TestRequestsAreBoundedOnlyByContext(t *testing.T) {
	c, err := New("http://localhost:1")
	require.NoError(t, err)
	assert.Zero(t, c.http.Timeout)

	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	t.Cleanup(slow.Close)
	c, err = New(slow.URL)
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err = c.Pull(ctx, "tok", wire.PullRequest{})
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestNewRejectsBadURL(t *testing.T) {
	_, err := New("ftp://example.com")
	assert.Error(t, err)
	_, err = New("://nope")
	assert.Error(t, err)
}

func TestCoordinatorOverHTTP(t *testing.T) {
	c := newClient(t, newBackend(t).URL)
	ctx := context.Background()
	coord := syncer.New(c, kv.NewMemoryStore())
	alice := syncer.Identity{UserID: "alice", Token: "tok"}

	res, err := coord.PushFinished(ctx, alice, wire.CompleteRequest{Workout: session("w1")})
	require.NoError(t, err)
	require.True(t, res.Pushed)
	require.NotNil(t, res.Sync)
	assert.Equal(t, 1, res.Sync.Updated)

	entry, ok, err := coord.Cache("alice").Get(ctx, "w1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, res.ServerUpdatedAt, entry.ServerUpdatedAt)

	mark, err := coord.Watermark(ctx, "alice", workout.DefaultModule)
	require.NoError(t, err)
	assert.Equal(t, res.ServerUpdatedAt, mark)
}
