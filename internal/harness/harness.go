package harness

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http/httptest"
	"strconv"
	"strings"
	"time"

	"github.com/roach88/liftsync/internal/authoring"
	"github.com/roach88/liftsync/internal/device"
	"github.com/roach88/liftsync/internal/finish"
	"github.com/roach88/liftsync/internal/ids"
	"github.com/roach88/liftsync/internal/kv"
	"github.com/roach88/liftsync/internal/remote"
	"github.com/roach88/liftsync/internal/server"
	"github.com/roach88/liftsync/internal/syncer"
	"github.com/roach88/liftsync/internal/testutil"
	"github.com/roach88/liftsync/internal/wire"
	"github.com/roach88/liftsync/internal/workout"
)

// The single user every scenario runs as.
var identity = syncer.Identity{UserID: "alice", Token: "tok-alice"}

// world is one server and the scenario's devices, sharing one clock.
type world struct {
	clock   *testutil.FakeClock
	server  *server.Store
	http    *httptest.Server
	remote  *remote.Client
	logger  *slog.Logger
	devices map[string]*rig
	names   []string
}

// rig is one device: durable local state and the runtime currently over it.
type rig struct {
	name         string
	state        *kv.SQLiteStore
	ids          ids.Generator
	rt           *device.Runtime
	offline      bool
	lastFinished string
}

// Run executes a scenario and returns the result.
//
// Each scenario runs against a fresh in-memory server database and fresh
// in-memory device state. The clock starts at testutil.Epoch and only moves
// on "advance" steps; ids are sequences named after each device.
//
// A returned error means the world could not be built or inspected; step
// and assertion failures are reported in the result.
func Run(scenario *Scenario) (*Result, error) {
	ctx := context.Background()
	w, err := newWorld(scenario.Devices)
	if err != nil {
		return nil, err
	}
	defer w.close()

	result := NewResult(scenario.Name)
	for i, step := range scenario.Steps {
		r := w.device(step.Device)
		line, err := w.apply(ctx, r, step)
		switch {
		case err != nil && step.Fails:
			result.AddStep(fmt.Sprintf("%s %s: failed", r.name, step.Do))
		case err != nil:
			result.AddStep(fmt.Sprintf("%s %s: error", r.name, step.Do))
			result.AddError(fmt.Sprintf("steps[%d] %s on %s: %v", i, step.Do, r.name, err))
		case step.Fails:
			result.AddStep(fmt.Sprintf("%s %s", r.name, line))
			result.AddError(fmt.Sprintf("steps[%d] %s on %s: expected failure", i, step.Do, r.name))
		default:
			result.AddStep(fmt.Sprintf("%s %s", r.name, line))
		}
	}

	if err := w.capture(ctx, &result.State); err != nil {
		return nil, fmt.Errorf("failed to capture state: %w", err)
	}
	for _, msg := range EvaluateAssertions(result.State, scenario.Assertions, scenario.Devices[0]) {
		result.AddError(msg)
	}
	return result, nil
}

func newWorld(names []string) (*world, error) {
	w := &world{
		clock:   testutil.NewFakeClock(testutil.Epoch),
		logger:  slog.New(slog.NewTextHandler(io.Discard, nil)), // Suppress logs in tests
		devices: make(map[string]*rig, len(names)),
		names:   names,
	}

	st, err := server.Open(":memory:", server.WithStoreClock(w.clock), server.WithStoreLogger(w.logger))
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory server store: %w", err)
	}
	w.server = st
	v, err := server.NewValidator()
	if err != nil {
		w.close()
		return nil, err
	}
	w.http = httptest.NewServer(server.NewHandler(st, v,
		server.StaticTokens{identity.Token: identity.UserID},
		server.WithLogger(w.logger)))
	if w.remote, err = remote.New(w.http.URL, remote.WithLogger(w.logger)); err != nil {
		w.close()
		return nil, err
	}

	for _, name := range names {
		state, err := kv.OpenSQLite(":memory:")
		if err != nil {
			w.close()
			return nil, fmt.Errorf("failed to create device state for %s: %w", name, err)
		}
		r := &rig{name: name, state: state, ids: ids.NewSequence(name)}
		w.devices[name] = r
		w.boot(r)
	}
	return w, nil
}

// boot puts a fresh runtime over the device's state, as a process start would.
func (w *world) boot(r *rig) {
	r.rt = device.New(r.state, w.remote,
		device.WithIdentity(identity),
		device.WithClock(w.clock),
		device.WithIDs(r.ids),
		device.WithDebounce(0),
		device.WithLogger(w.logger.With("device", r.name)),
	)
	if r.offline {
		_, _ = r.rt.SetOnline(context.Background(), false)
	}
}

func (w *world) close() {
	for _, r := range w.devices {
		if r.rt != nil {
			_ = r.rt.Close(context.Background())
		}
		_ = r.state.Close()
	}
	if w.http != nil {
		w.http.Close()
	}
	if w.server != nil {
		_ = w.server.Close()
	}
}

func (w *world) device(name string) *rig {
	if name == "" {
		name = w.names[0]
	}
	return w.devices[name]
}

// apply runs one step and describes its observable outcome.
func (w *world) apply(ctx context.Context, r *rig, step Step) (string, error) {
	a := args(step.Args)
	switch step.Do {
	case ActionStart:
		m, err := r.rt.StartSession(ctx, a.str("template"))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("start: %d exercise(s)", len(m.Session().Exercises)), nil

	case ActionAddExercise:
		m, err := active(ctx, r)
		if err != nil {
			return "", err
		}
		name := a.str("name")
		idx, err := m.AddExercise(ctx, a.str("exercise_id"), name)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("add_exercise: [%d] %s", idx, name), nil

	case ActionAddSet:
		m, err := active(ctx, r)
		if err != nil {
			return "", err
		}
		ex := a.int("exercise")
		idx, err := m.AddSet(ctx, ex)
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("add_set: [%d][%d]", ex, idx), nil

	case ActionSet:
		m, err := active(ctx, r)
		if err != nil {
			return "", err
		}
		ex, set := a.int("exercise"), a.int("set")
		if err := m.UpdateSet(ctx, ex, set, a.patch()); err != nil {
			return "", err
		}
		return fmt.Sprintf("set: [%d][%d] %s", ex, set, formatSet(m.Session().Exercises[ex].Sets[set])), nil

	case ActionComplete:
		m, err := active(ctx, r)
		if err != nil {
			return "", err
		}
		ex, set := a.int("exercise"), a.int("set")
		done, err := m.ToggleComplete(ctx, ex, set)
		if err != nil {
			return "", err
		}
		s := m.Session().Exercises[ex].Sets[set]
		if !done {
			return fmt.Sprintf("complete: [%d][%d] reopened", ex, set), nil
		}
		return fmt.Sprintf("complete: [%d][%d] %s rest %ds", ex, set, formatSet(s), *s.RestSec), nil

	case ActionEffort:
		m, err := active(ctx, r)
		if err != nil {
			return "", err
		}
		if err := m.SetEffort(ctx, a.int("value")); err != nil {
			return "", err
		}
		return fmt.Sprintf("effort: %d", a.int("value")), nil

	case ActionFinish:
		policy, err := finish.ParsePolicy(a.strOr("policy", string(finish.PolicyDelete)))
		if err != nil {
			return "", err
		}
		if _, _, err := r.rt.Restore(ctx); err != nil {
			return "", err
		}
		res, err := r.rt.Finish(ctx, policy)
		if err != nil {
			return "", err
		}
		r.lastFinished = res.Session.ID
		outcome := "pushed"
		switch {
		case res.Push.Rejected:
			outcome = "rejected"
		case res.Push.Queued:
			outcome = "queued"
		}
		return fmt.Sprintf("finish %s: %d set(s) volume %s %s",
			policy, res.Session.SetCount(), formatNumber(res.Session.TotalVolume), outcome), nil

	case ActionCancel:
		if _, _, err := r.rt.Restore(ctx); err != nil {
			return "", err
		}
		if err := r.rt.Cancel(ctx); err != nil {
			return "", err
		}
		return "cancel", nil

	case ActionSync:
		rep, err := r.rt.Sync(ctx, syncer.TriggerManual)
		if err != nil {
			return "", err
		}
		return "sync: " + describeReport(rep), nil

	case ActionOffline:
		r.offline = true
		if _, err := r.rt.SetOnline(ctx, false); err != nil {
			return "", err
		}
		return "offline", nil

	case ActionOnline:
		r.offline = false
		rep, err := r.rt.SetOnline(ctx, true)
		if err != nil {
			return "", err
		}
		if rep == nil {
			return "online", nil
		}
		return "online: " + describeReport(*rep), nil

	case ActionRestart:
		// The old runtime is dropped without Close: drafts are written
		// synchronously, so this is what a kill leaves behind.
		w.boot(r)
		m, ok, err := r.rt.Restore(ctx)
		if err != nil {
			return "", err
		}
		if !ok {
			return "restart: no session", nil
		}
		return fmt.Sprintf("restart: restored %d exercise(s)", len(m.Session().Exercises)), nil

	case ActionAdvance:
		d, err := time.ParseDuration(a.str("duration"))
		if err != nil {
			return "", fmt.Errorf("advance: %w", err)
		}
		w.clock.Advance(d)
		return "advance: " + d.String(), nil

	case ActionServerDelete:
		if r.lastFinished == "" {
			return "", errors.New("server_delete: device has not finished a session")
		}
		if _, err := w.server.Delete(ctx, identity.UserID, r.rt.Module(), r.lastFinished); err != nil {
			return "", err
		}
		return "server_delete: last finished session", nil

	case ActionSaveTemplate:
		t := workout.Template{ID: a.str("id"), Name: a.str("name")}
		for _, ex := range a.list("exercises") {
			ea := args(ex)
			t.Exercises = append(t.Exercises, workout.TemplateExercise{
				ExerciseID: ea.str("exercise_id"),
				Name:       ea.str("name"),
				Sets:       ea.int("sets"),
			})
		}
		saved, res, err := r.rt.SaveTemplate(ctx, t)
		if err != nil {
			return "", err
		}
		outcome := "pushed"
		if res.Blocked != "" {
			outcome = "queued"
		}
		return fmt.Sprintf("save_template: %s %s", saved.Name, outcome), nil
	}
	return "", fmt.Errorf("unknown action %q", step.Do)
}

// active returns the device's session in progress, restoring its draft.
func active(ctx context.Context, r *rig) (*authoring.Machine, error) {
	m, ok, err := r.rt.Restore(ctx)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, device.ErrNoSession
	}
	return m, nil
}

func describeReport(rep syncer.Report) string {
	line := fmt.Sprintf("pushed=%d updated=%d deleted=%d",
		len(rep.Workouts.Pushed)+len(rep.Templates.Pushed), rep.Updated, rep.Deleted)
	if rep.Workouts.Blocked != "" || rep.Templates.Blocked != "" {
		line += " blocked"
	}
	if rep.PullErr != nil {
		line += " pull-failed"
	}
	return line
}

// capture fills the snapshot from every device and the server.
func (w *world) capture(ctx context.Context, snap *Snapshot) error {
	for _, name := range w.names {
		r := w.devices[name]
		ds := DeviceState{History: []HistoryItem{}, Templates: []string{}}

		_, ds.Active = r.rt.Active()
		if !ds.Active {
			_, ok, err := r.rt.Restore(ctx)
			if err != nil {
				return err
			}
			ds.Active = ok
		}

		history, err := r.rt.History(ctx)
		if err != nil {
			return err
		}
		for _, h := range history {
			ds.History = append(ds.History, HistoryItem{SessionSummary: summarize(h.Session), Synced: !h.Pending()})
		}

		q, err := r.rt.Queue(ctx)
		if err != nil {
			return err
		}
		ds.PendingWorkouts = len(q.Workouts)
		ds.PendingTemplates = len(q.Templates)
		ds.RejectedWorkouts = len(q.RejectedWorkouts)
		ds.RejectedTemplates = len(q.RejectedTemplates)

		templates, err := r.rt.Templates(ctx)
		if err != nil {
			return err
		}
		for _, t := range templates {
			ds.Templates = append(ds.Templates, t.Name)
		}
		snap.Devices[name] = ds
	}

	page, err := w.remote.Pull(ctx, identity.Token, wire.PullRequest{Limit: wire.PullLimit})
	if err != nil {
		return fmt.Errorf("pull server state: %w", err)
	}
	snap.Server = ServerState{
		Workouts:  make([]SessionSummary, 0, len(page.Workouts)),
		Deleted:   len(page.Deleted),
		Templates: []string{},
	}
	for _, pw := range page.Workouts {
		var s workout.Session
		if err := json.Unmarshal(pw.Workout, &s); err != nil {
			return fmt.Errorf("decode server workout: %w", err)
		}
		snap.Server.Workouts = append(snap.Server.Workouts, summarize(s))
	}
	templates, err := w.remote.Templates(ctx, identity.Token, workout.DefaultModule)
	if err != nil {
		return fmt.Errorf("list server templates: %w", err)
	}
	for _, t := range templates {
		snap.Server.Templates = append(snap.Server.Templates, t.Name)
	}
	return nil
}

func summarize(s workout.Session) SessionSummary {
	out := SessionSummary{
		Exercises: make([]string, 0, len(s.Exercises)),
		Sets:      s.SetCount(),
		Volume:    s.TotalVolume,
	}
	for _, ex := range s.Exercises {
		sets := make([]string, 0, len(ex.Sets))
		for _, set := range ex.Sets {
			sets = append(sets, formatSet(set))
		}
		out.Exercises = append(out.Exercises, ex.Name+": "+strings.Join(sets, ", "))
	}
	return out
}

// formatSet renders weight x reps, marking sets that are not complete.
func formatSet(s workout.Set) string {
	out := formatNumber(s.Weight) + "x" + formatNumber(s.Reps)
	if !s.IsCompleted {
		out += " open"
	}
	return out
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
