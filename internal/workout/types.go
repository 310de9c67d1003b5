package workout

import (
	"time"
)

// Status is the lifecycle state of a session.
type Status string

const (
	StatusActive    Status = "active"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// DefaultModule tags sessions when no module is configured.
const DefaultModule = "strength"

// DefaultRestSec is the rest countdown used when neither the exercise nor
// the user preference configures one.
const DefaultRestSec = 120

// Set is one set of an exercise.
type Set struct {
	ID            string     `json:"id"`
	Reps          float64    `json:"reps"`
	Weight        float64    `json:"weight"`
	IsCompleted   bool       `json:"isCompleted"`
	CompletedAt   *time.Time `json:"completedAt,omitempty"`
	RestSec       *int       `json:"restSec,omitempty"`
	ActualRestSec *int       `json:"actualRestSec,omitempty"`
	DurationSec   *float64   `json:"durationSec,omitempty"`
	Distance      *float64   `json:"distance,omitempty"`
}

// Volume returns weight × reps, or zero for an incomplete set.
func (s Set) Volume() float64 {
	if !s.IsCompleted {
		return 0
	}
	return s.Weight * s.Reps
}

// ExerciseLog is an exercise performed within a session.
type ExerciseLog struct {
	ExerciseID string `json:"exerciseId"`
	Name       string `json:"name"`
	Sets       []Set  `json:"sets"`
	RestSec    *int   `json:"restSec,omitempty"`
}

// Session is the unit of work.
type Session struct {
	ID          string        `json:"id"`
	Module      string        `json:"module"`
	Status      Status        `json:"status"`
	StartTime   time.Time     `json:"startTime"`
	EndTime     *time.Time    `json:"endTime,omitempty"`
	DurationSec int64         `json:"durationSec,omitempty"`
	Exercises   []ExerciseLog `json:"exercises"`
	TotalVolume float64       `json:"totalVolume"`
	Effort      *int          `json:"effort,omitempty"`
	TemplateID  string        `json:"templateId,omitempty"`
}

// Clone returns a deep copy so callers can hand out sessions without
// sharing slices or pointers with the owner.
func (s Session) Clone() Session {
	out := s
	out.EndTime = cloneTime(s.EndTime)
	out.Effort = cloneInt(s.Effort)
	if s.Exercises != nil {
		out.Exercises = make([]ExerciseLog, len(s.Exercises))
		for i, ex := range s.Exercises {
			out.Exercises[i] = ex.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the exercise log.
func (e ExerciseLog) Clone() ExerciseLog {
	out := e
	out.RestSec = cloneInt(e.RestSec)
	if e.Sets != nil {
		out.Sets = make([]Set, len(e.Sets))
		for i, set := range e.Sets {
			out.Sets[i] = set.Clone()
		}
	}
	return out
}

// Clone returns a deep copy of the set.
func (s Set) Clone() Set {
	out := s
	out.CompletedAt = cloneTime(s.CompletedAt)
	out.RestSec = cloneInt(s.RestSec)
	out.ActualRestSec = cloneInt(s.ActualRestSec)
	out.DurationSec = cloneFloat(s.DurationSec)
	out.Distance = cloneFloat(s.Distance)
	return out
}

// SetCount returns the number of sets across all exercises.
func (s Session) SetCount() int {
	n := 0
	for _, ex := range s.Exercises {
		n += len(ex.Sets)
	}
	return n
}

// EventType tags an authoring event.
type EventType string

const (
	EventExerciseAdded   EventType = "exercise_added"
	EventExerciseRemoved EventType = "exercise_removed"
	EventSetAdded        EventType = "set_added"
	EventSetRemoved      EventType = "set_removed"
	EventSetChanged      EventType = "set_changed"
	EventSetCompleted    EventType = "set_completed"
	EventSetUncompleted  EventType = "set_uncompleted"
	EventRestStarted     EventType = "rest_started"
	EventRestStopped     EventType = "rest_stopped"
	EventEffortChanged   EventType = "effort_changed"
	EventFinishOpened    EventType = "finish_opened"
	EventFinishDismissed EventType = "finish_dismissed"
	EventFinished        EventType = "finished"
	EventCancelled       EventType = "cancelled"
)

// Event is an append-only authoring log entry. Events are never mutated
// after they are appended.
type Event struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionId"`
	At        time.Time      `json:"at"`
	Type      EventType      `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Draft is the locally persisted authoring state of an active session.
type Draft struct {
	Session          Session        `json:"session"`
	Events           []Event        `json:"events"`
	RestByExerciseID map[string]int `json:"restByExerciseId,omitempty"`
	SavedAt          time.Time      `json:"savedAt"`
}

// TemplateExercise is one exercise slot of a template.
type TemplateExercise struct {
	ExerciseID string `json:"exerciseId"`
	Name       string `json:"name"`
	Sets       int    `json:"sets"`
	RestSec    *int   `json:"restSec,omitempty"`
}

// Template is a reusable session layout.
type Template struct {
	ID        string             `json:"id"`
	Module    string             `json:"module"`
	Name      string             `json:"name"`
	Exercises []TemplateExercise `json:"exercises"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func cloneInt(i *int) *int {
	if i == nil {
		return nil
	}
	v := *i
	return &v
}

func cloneFloat(f *float64) *float64 {
	if f == nil {
		return nil
	}
	v := *f
	return &v
}

// IntPtr is a convenience for optional integer fields.
func IntPtr(v int) *int { return &v }

// FloatPtr is a convenience for optional float fields.
func FloatPtr(v float64) *float64 { return &v }
