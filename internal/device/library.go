package device

import (
	"context"
	"fmt"
	"sort"

	"github.com/roach88/liftsync/internal/kv"
	"github.com/roach88/liftsync/internal/outbox"
	"github.com/roach88/liftsync/internal/workout"
)

// SaveTemplate stores t in the local library and sends it upstream. A
// template without an id gets one and is created; a known id is an update.
// The drain result reports whether it reached the server or stayed queued.
func (r *Runtime) SaveTemplate(ctx context.Context, t workout.Template) (workout.Template, outbox.DrainResult, error) {
	r.mu.Lock()
	id := r.identity
	if id.UserID == "" {
		r.mu.Unlock()
		return workout.Template{}, outbox.DrainResult{}, ErrNoIdentity
	}
	if t.ID == "" {
		t.ID = r.ids.Generate()
	}
	if t.Module == "" {
		t.Module = r.module
	}
	if t.Exercises == nil {
		t.Exercises = []workout.TemplateExercise{}
	}
	t.UpdatedAt = r.clock.Now()

	lib, err := r.library(ctx)
	if err != nil {
		r.mu.Unlock()
		return workout.Template{}, outbox.DrainResult{}, err
	}
	_, known := lib[t.ID]
	lib[t.ID] = t
	err = kv.SetJSON(ctx, r.store, kv.TemplatesKey(id.UserID), lib)
	r.mu.Unlock()
	if err != nil {
		return workout.Template{}, outbox.DrainResult{}, fmt.Errorf("save template %s: %w", t.ID, err)
	}

	res, err := r.coord.SaveTemplate(ctx, id, t, !known)
	if err != nil {
		return t, res, err
	}
	r.logger.Info("template saved", "template_id", t.ID, "create", !known, "pushed", len(res.Pushed) > 0)
	return t, res, nil
}

// Templates lists the local library ordered by name.
func (r *Runtime) Templates(ctx context.Context) ([]workout.Template, error) {
	r.mu.Lock()
	lib, err := r.library(ctx)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	out := make([]workout.Template, 0, len(lib))
	for _, t := range lib {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Name != out[j].Name {
			return out[i].Name < out[j].Name
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

// library reads the template library. Callers hold r.mu.
func (r *Runtime) library(ctx context.Context) (map[string]workout.Template, error) {
	lib := map[string]workout.Template{}
	if r.identity.UserID == "" {
		return lib, nil
	}
	if _, err := kv.GetJSON(ctx, r.store, kv.TemplatesKey(r.identity.UserID), &lib); err != nil {
		return nil, fmt.Errorf("load templates: %w", err)
	}
	return lib, nil
}

// HistoryEntry is one cached session.
type HistoryEntry struct {
	Session         workout.Session
	ServerUpdatedAt int64
}

// Pending reports whether the server has not confirmed the session yet.
func (h HistoryEntry) Pending() bool { return h.ServerUpdatedAt == 0 }

// History lists cached sessions of this runtime's module, newest first.
func (r *Runtime) History(ctx context.Context) ([]HistoryEntry, error) {
	user := r.Identity().UserID
	if user == "" {
		return nil, ErrNoIdentity
	}
	c := r.coord.Cache(user)
	sessions, err := c.Sessions(ctx, r.module)
	if err != nil {
		return nil, err
	}
	snap, err := c.Load(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]HistoryEntry, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, HistoryEntry{Session: s, ServerUpdatedAt: snap[s.ID].ServerUpdatedAt})
	}
	return out, nil
}

// QueueStatus is the state of both pending queues.
type QueueStatus struct {
	Workouts          []outbox.Mutation
	Templates         []outbox.Mutation
	RejectedWorkouts  []outbox.Rejection
	RejectedTemplates []outbox.Rejection
	Watermark         int64
}

// Queue reports the pending and parked mutations of the signed-in user.
func (r *Runtime) Queue(ctx context.Context) (QueueStatus, error) {
	user := r.Identity().UserID
	if user == "" {
		return QueueStatus{}, ErrNoIdentity
	}
	var (
		st  QueueStatus
		err error
	)
	if st.Workouts, err = r.coord.Workouts().Entries(ctx, user); err != nil {
		return st, err
	}
	if st.Templates, err = r.coord.Templates().Entries(ctx, user); err != nil {
		return st, err
	}
	if st.RejectedWorkouts, err = r.coord.Workouts().Rejected(ctx, user); err != nil {
		return st, err
	}
	if st.RejectedTemplates, err = r.coord.Templates().Rejected(ctx, user); err != nil {
		return st, err
	}
	if st.Watermark, err = r.coord.Watermark(ctx, user, r.module); err != nil {
		return st, err
	}
	return st, nil
}
