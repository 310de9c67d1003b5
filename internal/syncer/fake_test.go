package syncer

import (
	"context"
	"encoding/json"
	"sort"
	"sync"

	"github.com/roach88/liftsync/internal/wire"
	"github.com/roach88/liftsync/internal/workout"
)

type fakeRow struct {
	payload   json.RawMessage
	updatedAt int64
	deletedAt *int64
}

// fakeServer is an in-memory reconciliation endpoint with failure injection.
type fakeServer struct {
	mu        sync.Mutex
	tick      int64
	rows      map[string]*fakeRow
	templates map[string]workout.Template
	calls     []string

	failPush     map[string]error // by workout id
	failTemplate map[string]error // by template id
	failPull     error
}

func newFakeServer() *fakeServer {
	return &fakeServer{
		tick:         1000,
		rows:         map[string]*fakeRow{},
		templates:    map[string]workout.Template{},
		failPush:     map[string]error{},
		failTemplate: map[string]error{},
	}
}

func (f *fakeServer) next() int64 {
	f.tick++
	return f.tick
}

func (f *fakeServer) put(id string, s workout.Session) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, _ := json.Marshal(s)
	t := f.next()
	f.rows[id] = &fakeRow{payload: data, updatedAt: t}
	return t
}

func (f *fakeServer) remove(id string) int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.next()
	row := f.rows[id]
	row.updatedAt = t
	row.deletedAt = &t
	return t
}

func (f *fakeServer) Pull(_ context.Context, token string, req wire.PullRequest) (wire.PullResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, "pull")
	if token == "" {
		return wire.PullResponse{}, wire.Errorf(wire.CodeUnauthorized, "missing token")
	}
	if f.failPull != nil {
		return wire.PullResponse{}, f.failPull
	}

	type item struct {
		id  string
		row *fakeRow
	}
	var items []item
	for id, row := range f.rows {
		if row.updatedAt > req.Since {
			items = append(items, item{id, row})
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].row.updatedAt < items[j].row.updatedAt })
	if len(items) > req.Limit {
		items = items[:req.Limit]
	}

	resp := wire.PullResponse{ServerTime: f.tick, Workouts: []wire.PulledWorkout{}, Deleted: []wire.Tombstone{}}
	for _, it := range items {
		if it.row.deletedAt != nil {
			resp.Deleted = append(resp.Deleted, wire.Tombstone{ID: it.id, DeletedAt: *it.row.deletedAt})
			continue
		}
		resp.Workouts = append(resp.Workouts, wire.PulledWorkout{Workout: it.row.payload, ServerUpdatedAt: it.row.updatedAt})
	}
	return resp, nil
}

func (f *fakeServer) PushWorkout(_ context.Context, token string, req wire.CompleteRequest) (wire.CompleteResponse, error) {
	f.mu.Lock()
	f.calls = append(f.calls, "push:"+req.Workout.ID)
	if token == "" {
		f.mu.Unlock()
		return wire.CompleteResponse{}, wire.Errorf(wire.CodeUnauthorized, "missing token")
	}
	if err := f.failPush[req.Workout.ID]; err != nil {
		f.mu.Unlock()
		return wire.CompleteResponse{}, err
	}
	f.mu.Unlock()
	t := f.put(req.Workout.ID, req.Workout)
	return wire.CompleteResponse{OK: true, WorkoutID: req.Workout.ID, ServerUpdatedAt: t}, nil
}

func (f *fakeServer) PushTemplate(_ context.Context, token string, t workout.Template, create bool) (wire.TemplateResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	verb := "put:"
	if create {
		verb = "post:"
	}
	f.calls = append(f.calls, verb+t.ID)
	if err := f.failTemplate[t.ID]; err != nil {
		return wire.TemplateResponse{}, err
	}
	f.templates[t.ID] = t
	return wire.TemplateResponse{OK: true, TemplateID: t.ID, ServerUpdatedAt: f.next()}, nil
}

func (f *fakeServer) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}
