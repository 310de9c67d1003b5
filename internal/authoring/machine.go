package authoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/roach88/liftsync/internal/clock"
	"github.com/roach88/liftsync/internal/ids"
	"github.com/roach88/liftsync/internal/workout"
)

// State is the authoring state.
type State string

const (
	StateActive    State = "active"
	StateFinishing State = "finishing"
	StateCompleted State = "completed"
	StateCancelled State = "cancelled"
)

var (
	// ErrNotActive is returned for a mutation outside the active state.
	ErrNotActive = errors.New("session is not active")
	// ErrNotFinishing is returned when finishing without BeginFinish.
	ErrNotFinishing = errors.New("session is not finishing")
	// ErrTerminal is returned for any transition out of a terminal state.
	ErrTerminal = errors.New("session already ended")
	// ErrOutOfRange is returned for an exercise or set index that does not exist.
	ErrOutOfRange = errors.New("index out of range")
)

// DraftSaver receives the draft after every change. The draft store
// implements it with a debounced write.
type DraftSaver interface {
	Save(ctx context.Context, d workout.Draft) error
	Clear(ctx context.Context, sessionID string) error
}

// Config holds the collaborators of a Machine.
type Config struct {
	Drafts DraftSaver
	Clock  clock.Clock
	IDs    ids.Generator
	Ghosts workout.GhostTable
	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Clock == nil {
		c.Clock = clock.System{}
	}
	if c.IDs == nil {
		c.IDs = ids.UUIDv7Generator{}
	}
	if c.Ghosts == nil {
		c.Ghosts = workout.GhostTable{}
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return c
}

// StartOptions configures a new session.
type StartOptions struct {
	Module           string
	Template         *workout.Template
	RestByExerciseID map[string]int
}

// Rest is a running rest countdown.
type Rest struct {
	ExerciseID  string
	SetID       string
	StartedAt   time.Time
	DurationSec int
}

// Remaining returns the time left at now, never negative.
func (r Rest) Remaining(now time.Time) time.Duration {
	left := time.Duration(r.DurationSec)*time.Second - now.Sub(r.StartedAt)
	if left < 0 {
		return 0
	}
	return left
}

// Machine is the authoring state machine of one session.
type Machine struct {
	cfg       Config
	session   workout.Session
	events    []workout.Event
	restPrefs map[string]int
	state     State
	rest      *Rest
}

// Start begins a new active session. Nothing is persisted until the first
// mutation or an explicit Persist.
func Start(cfg Config, opts StartOptions) *Machine {
	cfg = cfg.withDefaults()
	module := opts.Module
	if module == "" {
		module = workout.DefaultModule
	}

	m := &Machine{
		cfg:       cfg,
		state:     StateActive,
		restPrefs: make(map[string]int),
		session: workout.Session{
			ID:        cfg.IDs.Generate(),
			Module:    module,
			Status:    workout.StatusActive,
			StartTime: cfg.Clock.Now(),
			Exercises: []workout.ExerciseLog{},
		},
	}
	for k, v := range opts.RestByExerciseID {
		m.restPrefs[k] = v
	}

	if tpl := opts.Template; tpl != nil {
		m.session.TemplateID = tpl.ID
		for _, te := range tpl.Exercises {
			ex := workout.ExerciseLog{
				ExerciseID: te.ExerciseID,
				Name:       te.Name,
				RestSec:    copyInt(te.RestSec),
				Sets:       make([]workout.Set, 0, te.Sets),
			}
			for i := 0; i < te.Sets; i++ {
				ex.Sets = append(ex.Sets, workout.Set{ID: cfg.IDs.Generate()})
			}
			m.session.Exercises = append(m.session.Exercises, ex)
		}
	}
	return m
}

// Resume restores a machine verbatim from a draft, including its event log
// and rest preferences. The running rest countdown is rebuilt from the log.
func Resume(cfg Config, d workout.Draft) (*Machine, error) {
	if d.Session.Status != workout.StatusActive {
		return nil, fmt.Errorf("resume draft %s: status %q: %w", d.Session.ID, d.Session.Status, ErrNotActive)
	}
	cfg = cfg.withDefaults()
	m := &Machine{
		cfg:       cfg,
		session:   d.Session.Clone(),
		events:    append([]workout.Event(nil), d.Events...),
		restPrefs: make(map[string]int, len(d.RestByExerciseID)),
		state:     StateActive,
	}
	if m.session.Exercises == nil {
		m.session.Exercises = []workout.ExerciseLog{}
	}
	for k, v := range d.RestByExerciseID {
		m.restPrefs[k] = v
	}
	m.rest = restFromEvents(m.events)
	if m.rest != nil && m.findSet(m.rest.SetID) == nil {
		m.rest = nil
	}
	return m, nil
}

// SetGhosts replaces the ghost table used to fill blank sets.
func (m *Machine) SetGhosts(g workout.GhostTable) {
	if g == nil {
		g = workout.GhostTable{}
	}
	m.cfg.Ghosts = g
}

// Ghosts returns the ghost table in use.
func (m *Machine) Ghosts() workout.GhostTable { return m.cfg.Ghosts }

// ID returns the session id.
func (m *Machine) ID() string { return m.session.ID }

// State returns the authoring state.
func (m *Machine) State() State { return m.state }

// Session returns a copy of the in-memory session.
func (m *Machine) Session() workout.Session { return m.session.Clone() }

// Events returns a copy of the event log.
func (m *Machine) Events() []workout.Event {
	return append([]workout.Event(nil), m.events...)
}

// RestPreferences returns a copy of the per-exercise rest durations.
func (m *Machine) RestPreferences() map[string]int {
	out := make(map[string]int, len(m.restPrefs))
	for k, v := range m.restPrefs {
		out[k] = v
	}
	return out
}

// Rest returns the running rest countdown, if any.
func (m *Machine) Rest() (Rest, bool) {
	if m.rest == nil {
		return Rest{}, false
	}
	return *m.rest, true
}

// Draft returns the persistable state of the machine.
func (m *Machine) Draft() workout.Draft {
	return workout.Draft{
		Session:          m.session.Clone(),
		Events:           m.Events(),
		RestByExerciseID: m.RestPreferences(),
	}
}

// Persist hands the current draft to the draft saver.
func (m *Machine) Persist(ctx context.Context) error {
	if m.cfg.Drafts == nil {
		return nil
	}
	if err := m.cfg.Drafts.Save(ctx, m.Draft()); err != nil {
		return fmt.Errorf("persist draft: %w", err)
	}
	return nil
}

func (m *Machine) requireActive() error {
	switch m.state {
	case StateActive:
		return nil
	case StateCompleted, StateCancelled:
		return ErrTerminal
	default:
		return ErrNotActive
	}
}

func (m *Machine) record(t workout.EventType, payload map[string]any) {
	m.events = append(m.events, workout.Event{
		ID:        m.cfg.IDs.Generate(),
		SessionID: m.session.ID,
		At:        m.cfg.Clock.Now(),
		Type:      t,
		Payload:   payload,
	})
}

func (m *Machine) exercise(exIdx int) (*workout.ExerciseLog, error) {
	if exIdx < 0 || exIdx >= len(m.session.Exercises) {
		return nil, fmt.Errorf("exercise %d: %w", exIdx, ErrOutOfRange)
	}
	return &m.session.Exercises[exIdx], nil
}

func (m *Machine) set(exIdx, setIdx int) (*workout.ExerciseLog, *workout.Set, error) {
	ex, err := m.exercise(exIdx)
	if err != nil {
		return nil, nil, err
	}
	if setIdx < 0 || setIdx >= len(ex.Sets) {
		return nil, nil, fmt.Errorf("exercise %d set %d: %w", exIdx, setIdx, ErrOutOfRange)
	}
	return ex, &ex.Sets[setIdx], nil
}

func (m *Machine) findSet(setID string) *workout.Set {
	for i := range m.session.Exercises {
		for j := range m.session.Exercises[i].Sets {
			if m.session.Exercises[i].Sets[j].ID == setID {
				return &m.session.Exercises[i].Sets[j]
			}
		}
	}
	return nil
}

func copyInt(p *int) *int {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
