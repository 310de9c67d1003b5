// Package finish turns a session at the end of authoring into the immutable
// record that is cached locally and pushed upstream.
package finish

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/roach88/liftsync/internal/clock"
	"github.com/roach88/liftsync/internal/workout"
)

// Policy decides what happens to incomplete sets.
type Policy string

const (
	// PolicyDelete discards incomplete sets and exercises left without sets.
	PolicyDelete Policy = "delete"
	// PolicyComplete marks every incomplete set complete, filling blanks from ghosts.
	PolicyComplete Policy = "complete"
	// PolicyKeep leaves sets as they are.
	PolicyKeep Policy = "keep"
)

// ErrUnknownPolicy is returned for a policy name that is not one of the three.
var ErrUnknownPolicy = errors.New("unknown finish policy")

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch p := Policy(s); p {
	case PolicyDelete, PolicyComplete, PolicyKeep:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

// Resolve applies policy to a copy of s and returns the finished record.
//
// The result has status completed, EndTime = end, DurationSec derived from
// the time range, and TotalVolume over the sets that are completed after
// the policy ran. s itself is not modified.
func Resolve(s workout.Session, policy Policy, ghosts workout.GhostTable, end time.Time) (workout.Session, error) {
	if _, err := ParsePolicy(string(policy)); err != nil {
		return workout.Session{}, err
	}
	out := s.Clone()

	switch policy {
	case PolicyDelete:
		kept := make([]workout.ExerciseLog, 0, len(out.Exercises))
		for _, ex := range out.Exercises {
			sets := make([]workout.Set, 0, len(ex.Sets))
			for _, set := range ex.Sets {
				if set.IsCompleted {
					sets = append(sets, set)
				}
			}
			if len(sets) == 0 {
				continue
			}
			ex.Sets = sets
			kept = append(kept, ex)
		}
		out.Exercises = kept

	case PolicyComplete:
		for i := range out.Exercises {
			ex := &out.Exercises[i]
			for j := range ex.Sets {
				set := &ex.Sets[j]
				if set.IsCompleted {
					continue
				}
				if ghost, ok := ghosts.Ghost(ex.ExerciseID, j); ok {
					if set.Weight == 0 {
						set.Weight = ghost.Weight
					}
					if set.Reps == 0 {
						set.Reps = ghost.Reps
					}
				}
				stamp := end
				set.IsCompleted = true
				set.CompletedAt = &stamp
			}
		}
	}

	if out.Exercises == nil {
		out.Exercises = []workout.ExerciseLog{}
	}
	out.Status = workout.StatusCompleted
	out.EndTime = &end
	out.DurationSec = durationSec(out.StartTime, end)
	out.TotalVolume = workout.TotalVolume(out.Exercises)
	return out, nil
}

func durationSec(start, end time.Time) int64 {
	d := end.Sub(start)
	if d < 0 {
		return 0
	}
	return int64(d / time.Second)
}

// Observer is notified with every record the Resolver produces.
type Observer func(workout.Session)

// Resolver stamps finish times from a clock and notifies observers.
//
// Thread-safety: OnFinished and Finish may be called concurrently.
type Resolver struct {
	clock  clock.Clock
	logger *slog.Logger

	mu        sync.RWMutex
	observers []Observer
}

// NewResolver creates a Resolver. A nil clock means the system clock.
func NewResolver(c clock.Clock, logger *slog.Logger) *Resolver {
	if c == nil {
		c = clock.System{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{clock: c, logger: logger}
}

// OnFinished registers an observer. Observers run synchronously, in
// registration order, after a successful Finish.
func (r *Resolver) OnFinished(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Finish resolves s at the clock's current time.
func (r *Resolver) Finish(s workout.Session, policy Policy, ghosts workout.GhostTable) (workout.Session, error) {
	out, err := Resolve(s, policy, ghosts, r.clock.Now())
	if err != nil {
		return workout.Session{}, err
	}
	r.logger.Debug("session resolved",
		"session_id", out.ID,
		"policy", string(policy),
		"sets", out.SetCount(),
		"total_volume", out.TotalVolume)

	r.mu.RLock()
	observers := append([]Observer(nil), r.observers...)
	r.mu.RUnlock()
	for _, o := range observers {
		o(out.Clone())
	}
	return out, nil
}
