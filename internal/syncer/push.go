package syncer

import (
	"context"
	"fmt"

	"github.com/roach88/liftsync/internal/outbox"
	"github.com/roach88/liftsync/internal/wire"
	"github.com/roach88/liftsync/internal/workout"
)

// PushResult describes a direct finish push.
type PushResult struct {
	// Pushed is set when the server acknowledged the workout.
	Pushed          bool
	ServerUpdatedAt int64
	// Queued is set when the workout went to the pending queue instead.
	Queued bool
	// Rejected is set when the server refused the payload as invalid; it
	// was parked, not queued.
	Rejected bool
	// PushErr is the failure of the direct attempt, if any.
	PushErr error
	// Sync is the re-pull cycle that follows a successful push.
	Sync *Report
}

// Staged is a finished workout already written to the pending queue.
type Staged struct {
	Entry   outbox.Mutation
	Request wire.CompleteRequest
	// Behind is set when other entries are queued ahead of this one.
	Behind bool
}

// StageFinished writes a finished workout to the pending queue. Callers stage
// before dropping their own copy of the session, so a process kill during the
// push leaves the entry for the next cycle to drain.
func (c *Coordinator) StageFinished(ctx context.Context, id Identity, req wire.CompleteRequest) (Staged, error) {
	target := req.Workout.ID
	ahead, err := c.workouts.List(ctx, id.UserID)
	if err != nil {
		return Staged{}, err
	}
	m, err := c.workouts.Enqueue(ctx, id.UserID, outbox.KindWorkout, target, req)
	if err != nil {
		return Staged{}, fmt.Errorf("queue workout %s: %w", target, err)
	}
	s := Staged{Entry: m, Request: req}
	for _, other := range ahead {
		if other != m.ID {
			s.Behind = true
			break
		}
	}
	return s, nil
}

// PushStaged sends a staged workout straight to the server. On success the
// entry is acknowledged and a cycle runs to fetch the server-assigned update
// time. On a transient or authorization failure the entry stays queued for
// the next cycle; a validation failure parks it.
//
// A workout staged behind other entries is left queued rather than pushed
// out of order.
func (c *Coordinator) PushStaged(ctx context.Context, id Identity, s Staged) (PushResult, error) {
	var res PushResult
	target := s.Request.Workout.ID
	if s.Behind {
		res.Queued = true
		return res, nil
	}

	ack, pushErr := c.transport.PushWorkout(ctx, id.Token, s.Request)
	if pushErr == nil {
		if _, err := c.workouts.Ack(ctx, id.UserID, s.Entry); err != nil {
			return res, fmt.Errorf("ack workout %s: %w", target, err)
		}
		res.Pushed = true
		res.ServerUpdatedAt = ack.ServerUpdatedAt
		rep, err := c.Sync(ctx, id, s.Request.Workout.Module, TriggerDirectPush)
		res.Sync = &rep
		if err != nil && !wire.IsUnauthorized(err) {
			return res, err
		}
		return res, nil
	}

	res.PushErr = pushErr
	if wire.IsPermanent(pushErr) {
		if _, err := c.workouts.Park(ctx, id.UserID, s.Entry, pushErr); err != nil {
			return res, err
		}
		res.Rejected = true
		c.logger.Error("finished workout rejected", "workout_id", target, "error", pushErr)
		return res, nil
	}
	res.Queued = true
	c.logger.Warn("finished workout queued", "workout_id", target, "error", pushErr)
	return res, nil
}

// PushFinished stages a finished workout and pushes it.
func (c *Coordinator) PushFinished(ctx context.Context, id Identity, req wire.CompleteRequest) (PushResult, error) {
	s, err := c.StageFinished(ctx, id, req)
	if err != nil {
		return PushResult{}, err
	}
	return c.PushStaged(ctx, id, s)
}

// SaveTemplate queues a template create (create=true) or update and drains
// the template queue once. The returned drain result tells whether it
// reached the server.
func (c *Coordinator) SaveTemplate(ctx context.Context, id Identity, t workout.Template, create bool) (outbox.DrainResult, error) {
	kind := outbox.KindTemplateUpdate
	if create {
		kind = outbox.KindTemplateCreate
	}
	if _, err := c.templates.Enqueue(ctx, id.UserID, kind, t.ID, t); err != nil {
		return outbox.DrainResult{}, fmt.Errorf("queue template %s: %w", t.ID, err)
	}

	c.cycle.Lock()
	defer c.cycle.Unlock()
	res, err := c.templates.Drain(ctx, id.UserID, c.pushTemplate(id))
	if err != nil {
		return res, fmt.Errorf("drain templates: %w", err)
	}
	return res, nil
}
