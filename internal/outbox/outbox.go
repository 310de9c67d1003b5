// Package outbox is the device's durable queue of upstream writes that the
// server has not acknowledged yet.
//
// Each named queue ("Workout", "Template") keeps, per owner, an ordered
// id-list under one key and every entry's payload under its own key, so the
// list stays small however large the payloads get. An id whose payload is
// missing is a dangling reference and is dropped on the next read.
//
// Entries for the same target are ordered explicitly: an entry enqueued while
// an earlier entry for its target is still listed carries that entry's id in
// After, and Drain never pushes it before the predecessor has been
// acknowledged.
package outbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"sync"
	"time"

	"github.com/roach88/liftsync/internal/clock"
	"github.com/roach88/liftsync/internal/kv"
	"github.com/roach88/liftsync/internal/wire"
)

// Queue names.
const (
	WorkoutQueue  = "Workout"
	TemplateQueue = "Template"
)

// Kind is the class of upstream write.
type Kind string

const (
	KindWorkout        Kind = "workout"
	KindTemplateCreate Kind = "template-create"
	KindTemplateUpdate Kind = "template-update"
)

// ErrMissingTarget is returned when enqueueing without a target id.
var ErrMissingTarget = errors.New("target id is required")

// Mutation is one queued upstream write.
type Mutation struct {
	// ID is the entry key: the target id, or target~n for a follow-up entry.
	ID       string `json:"id"`
	TargetID string `json:"targetId"`
	Kind     Kind   `json:"kind"`
	// After is the entry that must be acknowledged before this one is pushed.
	After      string          `json:"after,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueuedAt"`
	// Rev counts payload replacements; Ack only removes the revision it pushed.
	Rev int `json:"rev"`
}

// Rejection is an entry parked after a permanent failure.
type Rejection struct {
	Mutation   Mutation  `json:"mutation"`
	Reason     string    `json:"reason"`
	RejectedAt time.Time `json:"rejectedAt"`
}

// Queue is one named pending mutation queue.
//
// Thread-safety: safe for concurrent use. Read-modify-write of the id-list
// is serialized by an internal mutex; pushes during Drain run unlocked.
type Queue struct {
	kv     kv.Store
	name   string
	clock  clock.Clock
	logger *slog.Logger

	mu sync.Mutex
}

// Option configures a Queue.
type Option func(*Queue)

// WithClock sets the clock stamping EnqueuedAt and RejectedAt.
func WithClock(c clock.Clock) Option {
	return func(q *Queue) { q.clock = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) { q.logger = l }
}

// New creates the queue called name over store.
func New(store kv.Store, name string, opts ...Option) *Queue {
	q := &Queue{kv: store, name: name, clock: clock.System{}, logger: slog.Default()}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

// Enqueue adds a write for targetID and returns the stored entry.
//
// When nothing for targetID is listed the entry id is targetID. Otherwise a
// workout or create replaces the payload of the first listed entry in place,
// an update replaces a listed trailing update, and an update behind a listed
// create gets a fresh entry chained to it through After.
func (q *Queue) Enqueue(ctx context.Context, owner string, kind Kind, targetID string, payload any) (Mutation, error) {
	if targetID == "" {
		return Mutation{}, ErrMissingTarget
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return Mutation{}, fmt.Errorf("encode %s payload: %w", kind, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	ids, err := q.ids(ctx, owner)
	if err != nil {
		return Mutation{}, err
	}

	var first, latest *Mutation
	for _, id := range ids {
		m, ok, err := q.load(ctx, owner, id)
		if err != nil {
			return Mutation{}, err
		}
		if !ok || m.TargetID != targetID {
			continue
		}
		if first == nil {
			first = &m
		}
		latest = &m
	}

	now := q.clock.Now()
	switch {
	case latest == nil:
		m := Mutation{ID: targetID, TargetID: targetID, Kind: kind, Payload: data, EnqueuedAt: now}
		if slices.Contains(ids, m.ID) {
			// Dangling id left behind by a lost payload; reuse its slot.
			return m, q.store(ctx, owner, m)
		}
		return m, q.append(ctx, owner, ids, m)

	case kind != KindTemplateUpdate:
		m := *first
		m.Kind = kind
		m.Payload = data
		m.Rev++
		return m, q.store(ctx, owner, m)

	case latest.Kind == KindTemplateUpdate:
		m := *latest
		m.Payload = data
		m.Rev++
		return m, q.store(ctx, owner, m)

	default:
		m := Mutation{
			ID:         q.nextID(ids, targetID),
			TargetID:   targetID,
			Kind:       kind,
			After:      latest.ID,
			Payload:    data,
			EnqueuedAt: now,
		}
		return m, q.append(ctx, owner, ids, m)
	}
}

// List returns the listed entry ids in enqueue order.
func (q *Queue) List(ctx context.Context, owner string) ([]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ids(ctx, owner)
}

// Entries returns the listed entries in order, dequeueing any id whose
// payload is missing.
func (q *Queue) Entries(ctx context.Context, owner string) ([]Mutation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	ids, err := q.ids(ctx, owner)
	if err != nil {
		return nil, err
	}
	out := make([]Mutation, 0, len(ids))
	live := make([]string, 0, len(ids))
	for _, id := range ids {
		m, ok, err := q.load(ctx, owner, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			q.logger.Warn("dropping dangling queue entry", "queue", q.name, "owner", owner, "id", id)
			continue
		}
		out = append(out, m)
		live = append(live, id)
	}
	if len(live) != len(ids) {
		if err := q.setIDs(ctx, owner, live); err != nil {
			return nil, err
		}
	}
	return out, nil
}

// Get returns one entry.
func (q *Queue) Get(ctx context.Context, owner, id string) (Mutation, bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx, owner, id)
}

// Len returns the number of listed entries.
func (q *Queue) Len(ctx context.Context, owner string) (int, error) {
	ids, err := q.List(ctx, owner)
	return len(ids), err
}

// Dequeue removes an entry and its payload.
func (q *Queue) Dequeue(ctx context.Context, owner, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.remove(ctx, owner, id)
}

// Ack removes m if its stored revision is still the one that was pushed.
// It reports false when a newer payload arrived meanwhile and stays queued.
func (q *Queue) Ack(ctx context.Context, owner string, m Mutation) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	cur, ok, err := q.load(ctx, owner, m.ID)
	if err != nil {
		return false, err
	}
	if ok && cur.Rev != m.Rev {
		return false, nil
	}
	return true, q.remove(ctx, owner, m.ID)
}

// Park moves m from the queue to the rejected list.
func (q *Queue) Park(ctx context.Context, owner string, m Mutation, reason error) (Rejection, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	r := Rejection{Mutation: m, RejectedAt: q.clock.Now()}
	if reason != nil {
		r.Reason = reason.Error()
	}
	var rejected []string
	if _, err := kv.GetJSON(ctx, q.kv, kv.RejectedIDsKey(q.name, owner), &rejected); err != nil {
		return Rejection{}, fmt.Errorf("read rejected ids: %w", err)
	}
	if err := kv.SetJSON(ctx, q.kv, kv.RejectedPayloadKey(q.name, owner, m.ID), r); err != nil {
		return Rejection{}, fmt.Errorf("park %s: %w", m.ID, err)
	}
	if !slices.Contains(rejected, m.ID) {
		rejected = append(rejected, m.ID)
		if err := kv.SetJSON(ctx, q.kv, kv.RejectedIDsKey(q.name, owner), rejected); err != nil {
			return Rejection{}, fmt.Errorf("park %s: %w", m.ID, err)
		}
	}
	return r, q.remove(ctx, owner, m.ID)
}

// Rejected returns the parked entries in the order they were parked.
func (q *Queue) Rejected(ctx context.Context, owner string) ([]Rejection, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	var ids []string
	if _, err := kv.GetJSON(ctx, q.kv, kv.RejectedIDsKey(q.name, owner), &ids); err != nil {
		return nil, fmt.Errorf("read rejected ids: %w", err)
	}
	out := make([]Rejection, 0, len(ids))
	for _, id := range ids {
		var r Rejection
		ok, err := kv.GetJSON(ctx, q.kv, kv.RejectedPayloadKey(q.name, owner, id), &r)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, r)
		}
	}
	return out, nil
}

func (q *Queue) ids(ctx context.Context, owner string) ([]string, error) {
	var ids []string
	if _, err := kv.GetJSON(ctx, q.kv, kv.QueueIDsKey(q.name, owner), &ids); err != nil {
		return nil, fmt.Errorf("read %s queue: %w", q.name, err)
	}
	return ids, nil
}

func (q *Queue) setIDs(ctx context.Context, owner string, ids []string) error {
	if len(ids) == 0 {
		return q.kv.Remove(ctx, kv.QueueIDsKey(q.name, owner))
	}
	if err := kv.SetJSON(ctx, q.kv, kv.QueueIDsKey(q.name, owner), ids); err != nil {
		return fmt.Errorf("write %s queue: %w", q.name, err)
	}
	return nil
}

func (q *Queue) load(ctx context.Context, owner, id string) (Mutation, bool, error) {
	var m Mutation
	ok, err := kv.GetJSON(ctx, q.kv, kv.QueuePayloadKey(q.name, owner, id), &m)
	if err != nil {
		return Mutation{}, false, fmt.Errorf("read %s entry %s: %w", q.name, id, err)
	}
	return m, ok, nil
}

func (q *Queue) store(ctx context.Context, owner string, m Mutation) error {
	if err := kv.SetJSON(ctx, q.kv, kv.QueuePayloadKey(q.name, owner, m.ID), m); err != nil {
		return fmt.Errorf("write %s entry %s: %w", q.name, m.ID, err)
	}
	return nil
}

// append writes the payload before listing the id, so a crash in between
// leaves an orphan payload rather than a dangling id.
func (q *Queue) append(ctx context.Context, owner string, ids []string, m Mutation) error {
	if err := q.store(ctx, owner, m); err != nil {
		return err
	}
	return q.setIDs(ctx, owner, append(ids, m.ID))
}

func (q *Queue) remove(ctx context.Context, owner, id string) error {
	ids, err := q.ids(ctx, owner)
	if err != nil {
		return err
	}
	if i := slices.Index(ids, id); i >= 0 {
		if err := q.setIDs(ctx, owner, slices.Delete(ids, i, i+1)); err != nil {
			return err
		}
	}
	if err := q.kv.Remove(ctx, kv.QueuePayloadKey(q.name, owner, id)); err != nil {
		return fmt.Errorf("remove %s entry %s: %w", q.name, id, err)
	}
	return nil
}

func (q *Queue) nextID(ids []string, targetID string) string {
	for n := 1; ; n++ {
		id := targetID + "~" + strconv.Itoa(n)
		if !slices.Contains(ids, id) {
			return id
		}
	}
}

// PushFunc delivers one entry upstream.
type PushFunc func(ctx context.Context, m Mutation) error

// DrainResult reports one drain pass.
type DrainResult struct {
	Pushed  []string
	Parked  []Rejection
	Blocked string // entry that halted the drain, if any
	// Err is the failure that halted the drain. Unauthorized and transient
	// failures halt; permanent ones park the entry and draining continues.
	Err error
}

// Drain pushes the listed entries in order and acknowledges each success.
// It stops at the first transient or authorization failure, leaving that
// entry and everything after it queued in order.
func (q *Queue) Drain(ctx context.Context, owner string, push PushFunc) (DrainResult, error) {
	var res DrainResult
	entries, err := q.Entries(ctx, owner)
	if err != nil {
		return res, err
	}

	for _, m := range entries {
		if err := ctx.Err(); err != nil {
			res.Blocked = m.ID
			res.Err = err
			return res, nil
		}
		if m.After != "" {
			_, listed, err := q.Get(ctx, owner, m.After)
			if err != nil {
				return res, err
			}
			if listed {
				res.Blocked = m.ID
				res.Err = fmt.Errorf("entry %s waits for %s", m.ID, m.After)
				return res, nil
			}
		}

		pushErr := push(ctx, m)
		switch {
		case pushErr == nil:
			if _, err := q.Ack(ctx, owner, m); err != nil {
				return res, err
			}
			res.Pushed = append(res.Pushed, m.ID)

		case wire.IsUnauthorized(pushErr) || wire.IsTransient(pushErr):
			res.Blocked = m.ID
			res.Err = pushErr
			return res, nil

		default:
			// A permanent failure never succeeds on retry. It is parked and
			// draining continues, so entries behind it are not held up.
			r, err := q.Park(ctx, owner, m, pushErr)
			if err != nil {
				return res, err
			}
			q.logger.Error("queue entry rejected",
				"queue", q.name, "owner", owner, "id", m.ID, "error", pushErr)
			res.Parked = append(res.Parked, r)
		}
	}
	return res, nil
}
