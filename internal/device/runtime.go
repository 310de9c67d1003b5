// Package device wires the client side end to end: the authoring machine,
// its draft store, the finish resolver, the local cache and the sync
// coordinator.
//
// A Runtime owns at most one session in progress. Finishing it resolves the
// record, clears the draft, writes the local cache, and pushes (or queues)
// the result.
package device

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/liftsync/internal/authoring"
	"github.com/roach88/liftsync/internal/clock"
	"github.com/roach88/liftsync/internal/draft"
	"github.com/roach88/liftsync/internal/finish"
	"github.com/roach88/liftsync/internal/ids"
	"github.com/roach88/liftsync/internal/kv"
	"github.com/roach88/liftsync/internal/syncer"
	"github.com/roach88/liftsync/internal/wire"
	"github.com/roach88/liftsync/internal/workout"
)

var (
	// ErrSessionActive is returned when starting while a session is in progress.
	ErrSessionActive = errors.New("a session is already in progress")
	// ErrNoSession is returned when no session is in progress.
	ErrNoSession = errors.New("no session in progress")
	// ErrNoIdentity is returned for operations that need a user id.
	ErrNoIdentity = errors.New("no user identity configured")
	// ErrUnknownTemplate is returned when starting from a template that is not in the library.
	ErrUnknownTemplate = errors.New("unknown template")
)

// Runtime is the device-side engine.
//
// Thread-safety: safe for concurrent use; authoring calls on the returned
// Machine must come from one goroutine.
type Runtime struct {
	store    kv.Store
	clock    clock.Clock
	ids      ids.Generator
	logger   *slog.Logger
	module   string
	debounce time.Duration
	syncOpts []syncer.Option

	drafts   *draft.Store
	gate     *syncer.Gate
	coord    *syncer.Coordinator
	resolver *finish.Resolver

	mu       sync.Mutex
	identity syncer.Identity
	active   *authoring.Machine
}

// Option configures a Runtime.
type Option func(*Runtime)

// WithIdentity sets the signed-in user.
func WithIdentity(id syncer.Identity) Option {
	return func(r *Runtime) { r.identity = id }
}

// WithModule sets the module tag of new sessions and pulls.
func WithModule(m string) Option {
	return func(r *Runtime) {
		if m != "" {
			r.module = m
		}
	}
}

// WithClock sets the wall clock.
func WithClock(c clock.Clock) Option {
	return func(r *Runtime) { r.clock = c }
}

// WithIDs sets the id generator for sessions, sets, events and templates.
func WithIDs(g ids.Generator) Option {
	return func(r *Runtime) { r.ids = g }
}

// WithDebounce sets the draft write debounce.
func WithDebounce(d time.Duration) Option {
	return func(r *Runtime) { r.debounce = d }
}

// WithLogger sets the logger shared by every component.
func WithLogger(l *slog.Logger) Option {
	return func(r *Runtime) { r.logger = l }
}

// WithSyncOptions passes options through to the coordinator.
func WithSyncOptions(opts ...syncer.Option) Option {
	return func(r *Runtime) { r.syncOpts = append(r.syncOpts, opts...) }
}

// New creates a runtime over store, talking to the server through t.
func New(store kv.Store, t syncer.Transport, opts ...Option) *Runtime {
	r := &Runtime{
		store:    store,
		clock:    clock.System{},
		ids:      ids.UUIDv7Generator{},
		logger:   slog.Default(),
		module:   workout.DefaultModule,
		debounce: draft.DefaultDebounce,
	}
	for _, opt := range opts {
		opt(r)
	}

	r.drafts = draft.New(store,
		draft.WithDebounce(r.debounce),
		draft.WithClock(r.clock),
		draft.WithLogger(r.logger),
	)
	r.gate = syncer.NewGate(t)
	r.coord = syncer.New(r.gate, store, append([]syncer.Option{
		syncer.WithClock(r.clock),
		syncer.WithLogger(r.logger),
	}, r.syncOpts...)...)
	r.resolver = finish.NewResolver(r.clock, r.logger)
	return r
}

// Coordinator exposes the sync coordinator.
func (r *Runtime) Coordinator() *syncer.Coordinator { return r.coord }

// Module returns the module tag of this runtime.
func (r *Runtime) Module() string { return r.module }

// OnFinished registers an observer for every resolved session.
func (r *Runtime) OnFinished(o finish.Observer) { r.resolver.OnFinished(o) }

// OnSynced registers an observer for every sync cycle.
func (r *Runtime) OnSynced(o syncer.Observer) { r.coord.OnSynced(o) }

// Identity returns the signed-in user.
func (r *Runtime) Identity() syncer.Identity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.identity
}

// Startup restores the most recent active draft, then syncs when a user is
// signed in.
func (r *Runtime) Startup(ctx context.Context) (*authoring.Machine, *syncer.Report, error) {
	m, _, err := r.Restore(ctx)
	if err != nil {
		return nil, nil, err
	}
	if r.Identity().Token == "" {
		return m, nil, nil
	}
	rep, err := r.Sync(ctx, syncer.TriggerAppStart)
	if err != nil {
		return m, &rep, err
	}
	return m, &rep, nil
}

// Login switches the signed-in user and syncs immediately.
func (r *Runtime) Login(ctx context.Context, id syncer.Identity) (syncer.Report, error) {
	r.mu.Lock()
	r.identity = id
	r.mu.Unlock()
	return r.Sync(ctx, syncer.TriggerLogin)
}

// Sync runs one cycle for the signed-in user.
func (r *Runtime) Sync(ctx context.Context, trigger syncer.Trigger) (syncer.Report, error) {
	return r.coord.Sync(ctx, r.Identity(), r.module, trigger)
}

// SetOnline records the network state. An offline → online transition runs
// a sync cycle, whose report is returned.
func (r *Runtime) SetOnline(ctx context.Context, online bool) (*syncer.Report, error) {
	if !r.gate.SetOnline(online) {
		return nil, nil
	}
	rep, err := r.Sync(ctx, syncer.TriggerOnline)
	return &rep, err
}

// Online reports the network state.
func (r *Runtime) Online() bool { return r.gate.Online() }

// Restore resumes the most recently saved active draft, if any.
func (r *Runtime) Restore(ctx context.Context) (*authoring.Machine, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return r.active, true, nil
	}

	d, ok, err := r.drafts.LoadMostRecentActive(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("restore draft: %w", err)
	}
	if !ok {
		return nil, false, nil
	}
	ghosts, err := r.ghosts(ctx, d.Session.Module, d.Session.ID)
	if err != nil {
		return nil, false, err
	}
	m, err := authoring.Resume(r.machineConfig(ghosts), d)
	if err != nil {
		return nil, false, err
	}
	r.active = m
	r.logger.Info("session restored",
		"session_id", m.ID(),
		"exercises", len(d.Session.Exercises),
		"events", len(d.Events),
	)
	return m, true, nil
}

// Active returns the session in progress.
func (r *Runtime) Active() (*authoring.Machine, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.active, r.active != nil
}

// StartSession begins a new session, optionally from a library template.
// The draft is written immediately so the session survives a crash before
// its first edit.
func (r *Runtime) StartSession(ctx context.Context, templateID string) (*authoring.Machine, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active != nil {
		return nil, ErrSessionActive
	}

	opts := authoring.StartOptions{Module: r.module}
	if templateID != "" {
		lib, err := r.library(ctx)
		if err != nil {
			return nil, err
		}
		tpl, ok := lib[templateID]
		if !ok {
			return nil, fmt.Errorf("start from %s: %w", templateID, ErrUnknownTemplate)
		}
		opts.Template = &tpl
	}
	prefs, err := r.restPrefs(ctx)
	if err != nil {
		return nil, err
	}
	opts.RestByExerciseID = prefs

	ghosts, err := r.ghosts(ctx, r.module, "")
	if err != nil {
		return nil, err
	}
	m := authoring.Start(r.machineConfig(ghosts), opts)
	if err := r.drafts.SaveNow(ctx, m.Draft()); err != nil {
		return nil, fmt.Errorf("start session: %w", err)
	}
	r.active = m
	r.logger.Info("session started", "session_id", m.ID(), "module", r.module, "template_id", templateID)
	return m, nil
}

// FinishResult describes one finished session.
type FinishResult struct {
	Session workout.Session
	Push    syncer.PushResult
}

// Finish resolves the session in progress with policy, hands it to the
// cache and pushes it. The local cache reflects the session before any
// network call is made. The draft is released only once the workout sits in
// the pending queue, so an interrupted finish leaves one or the other.
func (r *Runtime) Finish(ctx context.Context, policy finish.Policy) (FinishResult, error) {
	r.mu.Lock()
	m, id := r.active, r.identity
	r.mu.Unlock()
	if m == nil {
		return FinishResult{}, ErrNoSession
	}
	if id.UserID == "" {
		return FinishResult{}, ErrNoIdentity
	}

	if m.State() == authoring.StateActive {
		if err := m.BeginFinish(ctx); err != nil {
			return FinishResult{}, err
		}
	}
	resolved, err := r.resolver.Finish(m.Session(), policy, m.Ghosts())
	if err != nil {
		return FinishResult{}, err
	}
	if err := m.MarkFinished(ctx, resolved, string(policy)); err != nil {
		return FinishResult{}, err
	}

	r.mu.Lock()
	r.active = nil
	r.mu.Unlock()

	if err := r.saveRestPrefs(ctx, m.RestPreferences()); err != nil {
		r.logger.Warn("save rest preferences", "error", err)
	}
	if err := r.coord.Cache(id.UserID).RecordLocal(ctx, resolved); err != nil {
		return FinishResult{Session: resolved}, fmt.Errorf("finish %s: %w", resolved.ID, err)
	}

	staged, err := r.coord.StageFinished(ctx, id, wire.CompleteRequest{
		Workout:          resolved,
		Events:           m.Events(),
		RestByExerciseID: m.RestPreferences(),
	})
	if err != nil {
		return FinishResult{Session: resolved}, fmt.Errorf("finish %s: %w", resolved.ID, err)
	}
	if err := m.ReleaseDraft(ctx); err != nil {
		r.logger.Warn("release finished draft", "session_id", resolved.ID, "error", err)
	}

	push, err := r.coord.PushStaged(ctx, id, staged)
	res := FinishResult{Session: resolved, Push: push}
	if err != nil {
		return res, fmt.Errorf("finish %s: %w", resolved.ID, err)
	}
	r.logger.Info("session finished",
		"session_id", resolved.ID,
		"policy", string(policy),
		"total_volume", resolved.TotalVolume,
		"pushed", push.Pushed,
		"queued", push.Queued,
		"rejected", push.Rejected,
	)
	return res, nil
}

// Cancel discards the session in progress and its draft.
func (r *Runtime) Cancel(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.active == nil {
		return ErrNoSession
	}
	if err := r.active.Cancel(ctx); err != nil {
		return err
	}
	r.logger.Info("session cancelled", "session_id", r.active.ID())
	r.active = nil
	return nil
}

// Close flushes pending draft writes.
func (r *Runtime) Close(ctx context.Context) error {
	return r.drafts.Close(ctx)
}

func (r *Runtime) machineConfig(ghosts workout.GhostTable) authoring.Config {
	return authoring.Config{
		Drafts: r.drafts,
		Clock:  r.clock,
		IDs:    r.ids,
		Ghosts: ghosts,
		Logger: r.logger,
	}
}

func (r *Runtime) ghosts(ctx context.Context, module, excludeID string) (workout.GhostTable, error) {
	if r.identity.UserID == "" {
		return workout.GhostTable{}, nil
	}
	g, err := r.coord.Cache(r.identity.UserID).Ghosts(ctx, module, excludeID)
	if err != nil {
		return nil, fmt.Errorf("load ghosts: %w", err)
	}
	return g, nil
}

func (r *Runtime) restPrefs(ctx context.Context) (map[string]int, error) {
	prefs := map[string]int{}
	if r.identity.UserID == "" {
		return prefs, nil
	}
	if _, err := kv.GetJSON(ctx, r.store, kv.RestPrefsKey(r.identity.UserID), &prefs); err != nil {
		return nil, fmt.Errorf("load rest preferences: %w", err)
	}
	return prefs, nil
}

func (r *Runtime) saveRestPrefs(ctx context.Context, prefs map[string]int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.identity.UserID == "" || len(prefs) == 0 {
		return nil
	}
	cur, err := r.restPrefs(ctx)
	if err != nil {
		return err
	}
	for k, v := range prefs {
		cur[k] = v
	}
	return kv.SetJSON(ctx, r.store, kv.RestPrefsKey(r.identity.UserID), cur)
}
