package authoring

import (
	"context"
	"time"

	"github.com/roach88/liftsync/internal/workout"
)

// AddExercise appends an exercise with no sets and returns its index.
// An empty exerciseID gets a generated one.
func (m *Machine) AddExercise(ctx context.Context, exerciseID, name string) (int, error) {
	if err := m.requireActive(); err != nil {
		return 0, err
	}
	if exerciseID == "" {
		exerciseID = m.cfg.IDs.Generate()
	}
	m.session.Exercises = append(m.session.Exercises, workout.ExerciseLog{
		ExerciseID: exerciseID,
		Name:       name,
		Sets:       []workout.Set{},
	})
	idx := len(m.session.Exercises) - 1
	m.record(workout.EventExerciseAdded, map[string]any{
		"exerciseIndex": idx,
		"exerciseId":    exerciseID,
		"name":          name,
	})
	return idx, m.Persist(ctx)
}

// RemoveExercise removes an exercise and all its sets.
func (m *Machine) RemoveExercise(ctx context.Context, exIdx int) error {
	if err := m.requireActive(); err != nil {
		return err
	}
	ex, err := m.exercise(exIdx)
	if err != nil {
		return err
	}
	exerciseID := ex.ExerciseID
	if m.rest != nil && m.rest.ExerciseID == exerciseID && m.restOnExercise(exIdx) {
		m.stopRest(false)
	}
	m.session.Exercises = append(m.session.Exercises[:exIdx], m.session.Exercises[exIdx+1:]...)
	m.record(workout.EventExerciseRemoved, map[string]any{
		"exerciseIndex": exIdx,
		"exerciseId":    exerciseID,
	})
	return m.Persist(ctx)
}

// SetExerciseRest sets the default rest of one exercise log.
func (m *Machine) SetExerciseRest(ctx context.Context, exIdx, sec int) error {
	if err := m.requireActive(); err != nil {
		return err
	}
	ex, err := m.exercise(exIdx)
	if err != nil {
		return err
	}
	if sec < 0 {
		sec = 0
	}
	ex.RestSec = workout.IntPtr(sec)
	return m.Persist(ctx)
}

// AddSet appends a blank set to an exercise and returns its index.
func (m *Machine) AddSet(ctx context.Context, exIdx int) (int, error) {
	if err := m.requireActive(); err != nil {
		return 0, err
	}
	ex, err := m.exercise(exIdx)
	if err != nil {
		return 0, err
	}
	set := workout.Set{ID: m.cfg.IDs.Generate()}
	ex.Sets = append(ex.Sets, set)
	idx := len(ex.Sets) - 1
	m.record(workout.EventSetAdded, map[string]any{
		"exerciseIndex": exIdx,
		"exerciseId":    ex.ExerciseID,
		"setIndex":      idx,
		"setId":         set.ID,
	})
	return idx, m.Persist(ctx)
}

// RemoveSet removes one set.
func (m *Machine) RemoveSet(ctx context.Context, exIdx, setIdx int) error {
	if err := m.requireActive(); err != nil {
		return err
	}
	ex, set, err := m.set(exIdx, setIdx)
	if err != nil {
		return err
	}
	setID := set.ID
	if m.rest != nil && m.rest.SetID == setID {
		m.stopRest(false)
	}
	ex.Sets = append(ex.Sets[:setIdx], ex.Sets[setIdx+1:]...)
	m.record(workout.EventSetRemoved, map[string]any{
		"exerciseIndex": exIdx,
		"exerciseId":    ex.ExerciseID,
		"setIndex":      setIdx,
		"setId":         setID,
	})
	return m.Persist(ctx)
}

// SetPatch carries raw, uncoerced field values. Nil fields are untouched.
type SetPatch struct {
	Weight      *string
	Reps        *string
	DurationSec *string
	Distance    *string
}

// UpdateSet applies raw field input to a set. Malformed numbers become zero.
func (m *Machine) UpdateSet(ctx context.Context, exIdx, setIdx int, patch SetPatch) error {
	if err := m.requireActive(); err != nil {
		return err
	}
	ex, set, err := m.set(exIdx, setIdx)
	if err != nil {
		return err
	}

	changes := map[string]any{}
	if patch.Weight != nil {
		set.Weight = workout.ParseNumber(*patch.Weight)
		changes["weight"] = set.Weight
	}
	if patch.Reps != nil {
		set.Reps = workout.ParseNumber(*patch.Reps)
		changes["reps"] = set.Reps
	}
	if patch.DurationSec != nil {
		set.DurationSec = workout.FloatPtr(workout.ParseNumber(*patch.DurationSec))
		changes["durationSec"] = *set.DurationSec
	}
	if patch.Distance != nil {
		set.Distance = workout.FloatPtr(workout.ParseNumber(*patch.Distance))
		changes["distance"] = *set.Distance
	}
	if len(changes) == 0 {
		return nil
	}

	m.record(workout.EventSetChanged, map[string]any{
		"exerciseIndex": exIdx,
		"exerciseId":    ex.ExerciseID,
		"setIndex":      setIdx,
		"setId":         set.ID,
		"changes":       changes,
	})
	return m.Persist(ctx)
}

// SetWeight is UpdateSet for the weight field.
func (m *Machine) SetWeight(ctx context.Context, exIdx, setIdx int, raw string) error {
	return m.UpdateSet(ctx, exIdx, setIdx, SetPatch{Weight: &raw})
}

// SetReps is UpdateSet for the reps field.
func (m *Machine) SetReps(ctx context.Context, exIdx, setIdx int, raw string) error {
	return m.UpdateSet(ctx, exIdx, setIdx, SetPatch{Reps: &raw})
}

// ToggleComplete flips a set's completion flag and reports the new value.
//
// Completing fills a zero weight or zero reps from the ghost value at the
// same exercise and set index, stamps the completion time, and starts the
// rest countdown. Un-completing clears the stamp and stops the countdown if
// it belongs to this set.
func (m *Machine) ToggleComplete(ctx context.Context, exIdx, setIdx int) (bool, error) {
	if err := m.requireActive(); err != nil {
		return false, err
	}
	ex, set, err := m.set(exIdx, setIdx)
	if err != nil {
		return false, err
	}
	now := m.cfg.Clock.Now()

	if set.IsCompleted {
		set.IsCompleted = false
		set.CompletedAt = nil
		m.record(workout.EventSetUncompleted, map[string]any{
			"exerciseIndex": exIdx,
			"exerciseId":    ex.ExerciseID,
			"setIndex":      setIdx,
			"setId":         set.ID,
		})
		if m.rest != nil && m.rest.SetID == set.ID {
			m.stopRest(false)
		}
		return false, m.Persist(ctx)
	}

	ghostFilled := false
	if ghost, ok := m.cfg.Ghosts.Ghost(ex.ExerciseID, setIdx); ok {
		if set.Weight == 0 && ghost.Weight != 0 {
			set.Weight = ghost.Weight
			ghostFilled = true
		}
		if set.Reps == 0 && ghost.Reps != 0 {
			set.Reps = ghost.Reps
			ghostFilled = true
		}
	}
	set.IsCompleted = true
	set.CompletedAt = &now

	duration := m.restDuration(ex)
	set.RestSec = workout.IntPtr(duration)

	m.record(workout.EventSetCompleted, map[string]any{
		"exerciseIndex": exIdx,
		"exerciseId":    ex.ExerciseID,
		"setIndex":      setIdx,
		"setId":         set.ID,
		"weight":        set.Weight,
		"reps":          set.Reps,
		"ghostFilled":   ghostFilled,
	})

	if m.rest != nil {
		m.stopRest(true)
	}
	m.rest = &Rest{ExerciseID: ex.ExerciseID, SetID: set.ID, StartedAt: now, DurationSec: duration}
	m.record(workout.EventRestStarted, map[string]any{
		"exerciseId":  ex.ExerciseID,
		"setId":       set.ID,
		"durationSec": duration,
	})
	return true, m.Persist(ctx)
}

// SetRestPreference stores the rest duration for an exercise; it applies to
// countdowns started afterwards.
func (m *Machine) SetRestPreference(ctx context.Context, exerciseID string, sec int) error {
	if err := m.requireActive(); err != nil {
		return err
	}
	if sec < 0 {
		sec = 0
	}
	m.restPrefs[exerciseID] = sec
	return m.Persist(ctx)
}

// StopRest ends the running countdown, recording the actual rest taken on
// the set that started it. No-op without a running countdown.
func (m *Machine) StopRest(ctx context.Context) error {
	if err := m.requireActive(); err != nil {
		return err
	}
	if m.rest == nil {
		return nil
	}
	m.stopRest(true)
	return m.Persist(ctx)
}

// SetEffort records the overall effort rating. Negative input is coerced to zero.
func (m *Machine) SetEffort(ctx context.Context, effort int) error {
	if err := m.requireActive(); err != nil {
		return err
	}
	if effort < 0 {
		effort = 0
	}
	m.session.Effort = workout.IntPtr(effort)
	m.record(workout.EventEffortChanged, map[string]any{"effort": effort})
	return m.Persist(ctx)
}

func (m *Machine) restDuration(ex *workout.ExerciseLog) int {
	if sec, ok := m.restPrefs[ex.ExerciseID]; ok && sec > 0 {
		return sec
	}
	if ex.RestSec != nil && *ex.RestSec > 0 {
		return *ex.RestSec
	}
	return workout.DefaultRestSec
}

func (m *Machine) restOnExercise(exIdx int) bool {
	for _, set := range m.session.Exercises[exIdx].Sets {
		if set.ID == m.rest.SetID {
			return true
		}
	}
	return false
}

// stopRest clears the countdown; recordActual stores elapsed time on the set.
func (m *Machine) stopRest(recordActual bool) {
	r := m.rest
	m.rest = nil
	now := m.cfg.Clock.Now()
	elapsed := int(now.Sub(r.StartedAt) / time.Second)
	if elapsed < 0 {
		elapsed = 0
	}
	if recordActual {
		if set := m.findSet(r.SetID); set != nil {
			set.ActualRestSec = workout.IntPtr(elapsed)
		}
	}
	m.record(workout.EventRestStopped, map[string]any{
		"exerciseId": r.ExerciseID,
		"setId":      r.SetID,
		"elapsedSec": elapsed,
	})
}
