// Package syncer reconciles the device with the server.
//
// A cycle runs strictly in order: drain the workout queue, drain the
// template queue, pull everything changed since the watermark, merge it into
// the local read cache, advance the watermark. Each step is best effort: a
// failed drain or pull ends that resource's work for the cycle and the next
// step still runs. Only an authorization failure aborts the whole cycle.
package syncer

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/roach88/liftsync/internal/cache"
	"github.com/roach88/liftsync/internal/clock"
	"github.com/roach88/liftsync/internal/kv"
	"github.com/roach88/liftsync/internal/outbox"
	"github.com/roach88/liftsync/internal/wire"
	"github.com/roach88/liftsync/internal/workout"
)

// DefaultMaxPages bounds the pull pages fetched in one cycle.
const DefaultMaxPages = 10

// Transport is the client side of the reconciliation endpoint.
type Transport interface {
	Pull(ctx context.Context, token string, req wire.PullRequest) (wire.PullResponse, error)
	PushWorkout(ctx context.Context, token string, req wire.CompleteRequest) (wire.CompleteResponse, error)
	PushTemplate(ctx context.Context, token string, t workout.Template, create bool) (wire.TemplateResponse, error)
}

// Identity is the authenticated caller of a cycle.
type Identity struct {
	UserID string
	Token  string
}

// Trigger names what started a cycle.
type Trigger string

const (
	TriggerAppStart   Trigger = "app-start"
	TriggerLogin      Trigger = "login"
	TriggerOnline     Trigger = "online"
	TriggerDirectPush Trigger = "direct-push"
	TriggerManual     Trigger = "manual"
)

// Report describes one cycle.
type Report struct {
	Trigger Trigger
	UserID  string
	Module  string

	Workouts  outbox.DrainResult
	Templates outbox.DrainResult

	Pages   int
	Updated int
	Deleted int
	PullErr error

	WatermarkBefore int64
	WatermarkAfter  int64

	// Aborted is set when an authorization failure ended the cycle early.
	Aborted bool
}

// Observer is notified after every cycle, including aborted ones.
type Observer func(Report)

// Coordinator runs sync cycles.
//
// Thread-safety: safe for concurrent use; cycles are serialized.
type Coordinator struct {
	transport Transport
	kv        kv.Store
	workouts  *outbox.Queue
	templates *outbox.Queue
	clock     clock.Clock
	logger    *slog.Logger
	pageSize  int
	maxPages  int

	cycle sync.Mutex

	obsMu     sync.RWMutex
	observers []Observer
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Coordinator) { c.logger = l }
}

// WithClock sets the clock used by the queues.
func WithClock(cl clock.Clock) Option {
	return func(c *Coordinator) { c.clock = cl }
}

// WithPageSize sets the rows requested per pull.
func WithPageSize(n int) Option {
	return func(c *Coordinator) { c.pageSize = n }
}

// WithMaxPages bounds the pull pages per cycle.
func WithMaxPages(n int) Option {
	return func(c *Coordinator) { c.maxPages = n }
}

// New creates a coordinator over the device store.
func New(t Transport, store kv.Store, opts ...Option) *Coordinator {
	c := &Coordinator{
		transport: t,
		kv:        store,
		clock:     clock.System{},
		logger:    slog.Default(),
		pageSize:  wire.PullLimit,
		maxPages:  DefaultMaxPages,
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.pageSize <= 0 || c.pageSize > wire.PullLimit {
		c.pageSize = wire.PullLimit
	}
	if c.maxPages <= 0 {
		c.maxPages = 1
	}
	qopts := []outbox.Option{outbox.WithClock(c.clock), outbox.WithLogger(c.logger)}
	c.workouts = outbox.New(store, outbox.WorkoutQueue, qopts...)
	c.templates = outbox.New(store, outbox.TemplateQueue, qopts...)
	return c
}

// Workouts returns the workout queue.
func (c *Coordinator) Workouts() *outbox.Queue { return c.workouts }

// Templates returns the template queue.
func (c *Coordinator) Templates() *outbox.Queue { return c.templates }

// Cache returns the local read cache of user.
func (c *Coordinator) Cache(user string) *cache.Cache { return cache.New(c.kv, user) }

// OnSynced registers an observer.
func (c *Coordinator) OnSynced(o Observer) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.observers = append(c.observers, o)
}

// Sync runs one cycle for id, restricted to module when non-empty.
//
// Transient failures are recorded in the report, not returned. The returned
// error is an authorization failure or a local storage failure.
func (c *Coordinator) Sync(ctx context.Context, id Identity, module string, trigger Trigger) (Report, error) {
	c.cycle.Lock()
	defer c.cycle.Unlock()

	rep := Report{Trigger: trigger, UserID: id.UserID, Module: module}
	err := c.run(ctx, id, module, &rep)
	if wire.IsUnauthorized(err) {
		rep.Aborted = true
		c.logger.Warn("sync aborted", "trigger", string(trigger), "user", id.UserID, "error", err)
	}
	c.notify(rep)
	return rep, err
}

func (c *Coordinator) run(ctx context.Context, id Identity, module string, rep *Report) error {
	log := c.logger.With("trigger", string(rep.Trigger), "user", id.UserID)

	res, err := c.workouts.Drain(ctx, id.UserID, c.pushWorkout(id))
	rep.Workouts = res
	if err != nil {
		return fmt.Errorf("drain workouts: %w", err)
	}
	if wire.IsUnauthorized(res.Err) {
		return res.Err
	}
	c.logDrain(log, "workouts", res)

	res, err = c.templates.Drain(ctx, id.UserID, c.pushTemplate(id))
	rep.Templates = res
	if err != nil {
		return fmt.Errorf("drain templates: %w", err)
	}
	if wire.IsUnauthorized(res.Err) {
		return res.Err
	}
	c.logDrain(log, "templates", res)

	return c.pull(ctx, id, module, rep, log)
}

// pull fetches pages until one comes back short or the page cap is hit,
// applying and advancing the watermark after every page.
func (c *Coordinator) pull(ctx context.Context, id Identity, module string, rep *Report, log *slog.Logger) error {
	mark := newWatermark(c.kv, id.UserID, module)
	cur, err := mark.Load(ctx)
	if err != nil {
		return err
	}
	rep.WatermarkBefore, rep.WatermarkAfter = cur, cur
	store := c.Cache(id.UserID)

	for rep.Pages < c.maxPages {
		resp, err := c.transport.Pull(ctx, id.Token, wire.PullRequest{Since: cur, Module: module, Limit: c.pageSize})
		if err != nil {
			if wire.IsUnauthorized(err) {
				return err
			}
			rep.PullErr = err
			log.Warn("pull failed", "since", cur, "error", err)
			return nil
		}
		rep.Pages++

		updates, deleted, highest := split(resp, log)
		if _, err := store.Apply(ctx, updates, deleted); err != nil {
			return err
		}
		rep.Updated += len(updates)
		rep.Deleted += len(deleted)

		full := resp.Full(c.pageSize)
		next := max(cur, highest)
		if !full {
			next = max(next, resp.ServerTime)
		}
		if cur, err = mark.Advance(ctx, next); err != nil {
			return err
		}
		rep.WatermarkAfter = cur
		if !full {
			break
		}
	}

	log.Info("pull applied",
		"pages", rep.Pages,
		"updated", rep.Updated,
		"deleted", rep.Deleted,
		"watermark_before", rep.WatermarkBefore,
		"watermark_after", rep.WatermarkAfter)
	return nil
}

// split separates a page into cache updates and deleted ids, and returns
// the highest row or tombstone time seen.
func split(resp wire.PullResponse, log *slog.Logger) ([]cache.Entry, []string, int64) {
	var highest int64
	updates := make([]cache.Entry, 0, len(resp.Workouts))
	var deleted []string
	for _, w := range resp.Workouts {
		highest = max(highest, w.ServerUpdatedAt)
		id, module, err := w.Head()
		if err != nil {
			log.Warn("skipping pulled row", "error", err)
			continue
		}
		if w.DeletedAt != nil {
			highest = max(highest, *w.DeletedAt)
			deleted = append(deleted, id)
			continue
		}
		updates = append(updates, cache.Entry{
			ID:              id,
			Module:          module,
			Payload:         w.Workout,
			ServerUpdatedAt: w.ServerUpdatedAt,
		})
	}
	for _, t := range resp.Deleted {
		highest = max(highest, t.DeletedAt)
		deleted = append(deleted, t.ID)
	}
	return updates, deleted, highest
}

func (c *Coordinator) pushWorkout(id Identity) outbox.PushFunc {
	return func(ctx context.Context, m outbox.Mutation) error {
		var req wire.CompleteRequest
		if err := json.Unmarshal(m.Payload, &req); err != nil {
			return wire.Errorf(wire.CodeValidation, "decode queued workout %s: %v", m.ID, err)
		}
		_, err := c.transport.PushWorkout(ctx, id.Token, req)
		return err
	}
}

func (c *Coordinator) pushTemplate(id Identity) outbox.PushFunc {
	return func(ctx context.Context, m outbox.Mutation) error {
		var t workout.Template
		if err := json.Unmarshal(m.Payload, &t); err != nil {
			return wire.Errorf(wire.CodeValidation, "decode queued template %s: %v", m.ID, err)
		}
		_, err := c.transport.PushTemplate(ctx, id.Token, t, m.Kind == outbox.KindTemplateCreate)
		return err
	}
}

func (c *Coordinator) logDrain(log *slog.Logger, queue string, res outbox.DrainResult) {
	attrs := []any{"queue", queue, "pushed", len(res.Pushed), "parked", len(res.Parked)}
	if res.Err != nil {
		log.Warn("drain halted", append(attrs, "blocked", res.Blocked, "error", res.Err)...)
		return
	}
	log.Debug("drain complete", attrs...)
}

func (c *Coordinator) notify(rep Report) {
	c.obsMu.RLock()
	observers := append([]Observer(nil), c.observers...)
	c.obsMu.RUnlock()
	for _, o := range observers {
		o(rep)
	}
}
