package authoring

import (
	"context"
	"fmt"
	"time"

	"github.com/roach88/liftsync/internal/workout"
)

// BeginFinish opens the finish dialog: active → finishing. A running rest
// countdown is stopped and its actual duration recorded.
func (m *Machine) BeginFinish(ctx context.Context) error {
	if err := m.requireActive(); err != nil {
		return err
	}
	if m.rest != nil {
		m.stopRest(true)
	}
	m.state = StateFinishing
	m.record(workout.EventFinishOpened, nil)
	return m.Persist(ctx)
}

// DismissFinish closes the finish dialog without side effects beyond the
// event: finishing → active.
func (m *Machine) DismissFinish(ctx context.Context) error {
	if m.state != StateFinishing {
		return ErrNotFinishing
	}
	m.state = StateActive
	m.record(workout.EventFinishDismissed, nil)
	return m.Persist(ctx)
}

// MarkFinished records the finished event and adopts the resolved record:
// finishing → completed. The draft stays on disk until ReleaseDraft, so the
// caller can store the record elsewhere first.
func (m *Machine) MarkFinished(ctx context.Context, resolved workout.Session, policy string) error {
	if m.state != StateFinishing {
		return ErrNotFinishing
	}
	if resolved.ID != m.session.ID {
		return fmt.Errorf("mark finished: resolved session %s does not match %s", resolved.ID, m.session.ID)
	}
	m.record(workout.EventFinished, map[string]any{
		"policy":      policy,
		"totalVolume": resolved.TotalVolume,
	})
	m.session = resolved.Clone()
	m.state = StateCompleted
	return nil
}

// ReleaseDraft removes the draft of a finished session. It fails with
// ErrNotFinishing before MarkFinished.
func (m *Machine) ReleaseDraft(ctx context.Context) error {
	if m.state != StateCompleted {
		return ErrNotFinishing
	}
	if m.cfg.Drafts == nil {
		return nil
	}
	if err := m.cfg.Drafts.Clear(ctx, m.session.ID); err != nil {
		return fmt.Errorf("clear finished draft: %w", err)
	}
	return nil
}

// FinishedSession returns the resolved record after MarkFinished.
func (m *Machine) FinishedSession() (workout.Session, bool) {
	if m.state != StateCompleted {
		return workout.Session{}, false
	}
	return m.session.Clone(), true
}

// Cancel discards the session: active | finishing → cancelled. The draft is
// removed irreversibly and nothing is sent upstream.
func (m *Machine) Cancel(ctx context.Context) error {
	if m.state == StateCompleted || m.state == StateCancelled {
		return ErrTerminal
	}
	m.rest = nil
	m.state = StateCancelled
	now := m.cfg.Clock.Now()
	m.session.Status = workout.StatusCancelled
	m.session.EndTime = &now
	m.record(workout.EventCancelled, nil)
	if m.cfg.Drafts != nil {
		if err := m.cfg.Drafts.Clear(ctx, m.session.ID); err != nil {
			return fmt.Errorf("clear cancelled draft: %w", err)
		}
	}
	return nil
}

// restFromEvents replays rest_started / rest_stopped to find the countdown
// that was running when the draft was saved.
func restFromEvents(events []workout.Event) *Rest {
	var rest *Rest
	for _, ev := range events {
		switch ev.Type {
		case workout.EventRestStarted:
			rest = &Rest{
				ExerciseID:  payloadString(ev.Payload, "exerciseId"),
				SetID:       payloadString(ev.Payload, "setId"),
				StartedAt:   ev.At,
				DurationSec: payloadInt(ev.Payload, "durationSec"),
			}
		case workout.EventRestStopped, workout.EventFinished, workout.EventCancelled:
			rest = nil
		}
	}
	return rest
}

// RestRemaining returns the countdown left at the machine clock's now.
func (m *Machine) RestRemaining() time.Duration {
	if m.rest == nil {
		return 0
	}
	return m.rest.Remaining(m.cfg.Clock.Now())
}

func payloadString(p map[string]any, key string) string {
	s, _ := p[key].(string)
	return s
}

func payloadInt(p map[string]any, key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	default:
		return 0
	}
}
