// Package draft persists in-progress sessions so authoring survives process
// kills.
//
// One draft exists per session id, stored under kv.DraftKey. Saves are
// debounced: rapid field edits coalesce into a single write once mutations
// pause for the debounce window (150ms by default). Flush forces pending
// writes, Clear removes a draft and cancels any pending write for it.
//
// On start, LoadMostRecentActive returns the newest draft whose session is
// still active; restoring it verbatim resumes authoring where it stopped.
package draft

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/roach88/liftsync/internal/clock"
	"github.com/roach88/liftsync/internal/kv"
	"github.com/roach88/liftsync/internal/workout"
)

// DefaultDebounce is the inactivity window before a draft is written.
const DefaultDebounce = 150 * time.Millisecond

// Store is the draft store.
//
// Thread-safety: safe for concurrent use. Debounced writes run on timer
// goroutines and are serialized with Save, Flush and Clear by an internal
// mutex, so a cleared draft is never resurrected by a late timer.
type Store struct {
	kv       kv.Store
	clock    clock.Clock
	debounce time.Duration
	logger   *slog.Logger

	mu      sync.Mutex
	pending map[string]workout.Draft
	timers  map[string]*time.Timer
}

// Option configures a Store.
type Option func(*Store)

// WithDebounce sets the debounce window. Zero or negative writes on every Save.
func WithDebounce(d time.Duration) Option {
	return func(s *Store) { s.debounce = d }
}

// WithClock sets the clock used to stamp SavedAt.
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the logger for background write failures.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a draft store over the given persistence port.
func New(store kv.Store, opts ...Option) *Store {
	s := &Store{
		kv:       store,
		clock:    clock.System{},
		debounce: DefaultDebounce,
		logger:   slog.Default(),
		pending:  make(map[string]workout.Draft),
		timers:   make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Save schedules d to be written after the debounce window. A later Save
// for the same session replaces the pending draft and restarts the window.
func (s *Store) Save(ctx context.Context, d workout.Draft) error {
	if d.Session.ID == "" {
		return fmt.Errorf("save draft: session id is required")
	}
	d = snapshot(d)
	d.SavedAt = s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.debounce <= 0 {
		return s.write(ctx, d)
	}

	id := d.Session.ID
	s.pending[id] = d
	if t, ok := s.timers[id]; ok {
		t.Stop()
	}
	s.timers[id] = time.AfterFunc(s.debounce, func() { s.fire(id) })
	return nil
}

// SaveNow writes d immediately, discarding any pending write for it.
func (s *Store) SaveNow(ctx context.Context, d workout.Draft) error {
	if d.Session.ID == "" {
		return fmt.Errorf("save draft: session id is required")
	}
	d = snapshot(d)
	d.SavedAt = s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked(d.Session.ID)
	return s.write(ctx, d)
}

// Flush writes every pending draft now.
func (s *Store) Flush(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for id, d := range s.pending {
		s.cancelLocked(id)
		if err := s.write(ctx, d); err != nil {
			return err
		}
	}
	return nil
}

// Pending reports whether a debounced write is outstanding for sessionID.
func (s *Store) Pending(sessionID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.pending[sessionID]
	return ok
}

// Load returns the draft for sessionID, preferring a pending unwritten one.
func (s *Store) Load(ctx context.Context, sessionID string) (workout.Draft, bool, error) {
	s.mu.Lock()
	if d, ok := s.pending[sessionID]; ok {
		s.mu.Unlock()
		return snapshot(d), true, nil
	}
	s.mu.Unlock()

	var d workout.Draft
	ok, err := kv.GetJSON(ctx, s.kv, kv.DraftKey(sessionID), &d)
	if err != nil {
		return workout.Draft{}, false, fmt.Errorf("load draft: %w", err)
	}
	return d, ok, nil
}

// LoadMostRecentActive returns the most recently saved draft whose session
// is still active. Undecodable drafts are skipped and logged.
func (s *Store) LoadMostRecentActive(ctx context.Context) (workout.Draft, bool, error) {
	keys, err := s.kv.Keys(ctx, kv.DraftPrefix)
	if err != nil {
		return workout.Draft{}, false, fmt.Errorf("list drafts: %w", err)
	}

	candidates := make(map[string]workout.Draft, len(keys))
	for _, key := range keys {
		var d workout.Draft
		ok, err := kv.GetJSON(ctx, s.kv, key, &d)
		if err != nil {
			s.logger.Warn("skipping unreadable draft", "key", key, "error", err)
			continue
		}
		if ok {
			candidates[strings.TrimPrefix(key, kv.DraftPrefix)] = d
		}
	}

	s.mu.Lock()
	for id, d := range s.pending {
		candidates[id] = snapshot(d)
	}
	s.mu.Unlock()

	var best workout.Draft
	found := false
	for _, d := range candidates {
		if d.Session.Status != workout.StatusActive {
			continue
		}
		if !found || d.SavedAt.After(best.SavedAt) ||
			(d.SavedAt.Equal(best.SavedAt) && d.Session.ID > best.Session.ID) {
			best = d
			found = true
		}
	}
	return best, found, nil
}

// Clear removes the draft for sessionID and cancels any pending write.
func (s *Store) Clear(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancelLocked(sessionID)
	if err := s.kv.Remove(ctx, kv.DraftKey(sessionID)); err != nil {
		return fmt.Errorf("clear draft: %w", err)
	}
	return nil
}

// Close stops pending timers after writing what they would have written.
func (s *Store) Close(ctx context.Context) error {
	return s.Flush(ctx)
}

func (s *Store) fire(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	d, ok := s.pending[id]
	if !ok {
		return
	}
	delete(s.pending, id)
	delete(s.timers, id)
	if err := s.write(context.Background(), d); err != nil {
		s.logger.Error("debounced draft write failed", "session_id", id, "error", err)
	}
}

func (s *Store) cancelLocked(id string) {
	if t, ok := s.timers[id]; ok {
		t.Stop()
		delete(s.timers, id)
	}
	delete(s.pending, id)
}

func (s *Store) write(ctx context.Context, d workout.Draft) error {
	if err := kv.SetJSON(ctx, s.kv, kv.DraftKey(d.Session.ID), d); err != nil {
		return fmt.Errorf("write draft: %w", err)
	}
	return nil
}

// snapshot copies a draft so later authoring mutations cannot reach it.
func snapshot(d workout.Draft) workout.Draft {
	out := workout.Draft{
		Session: d.Session.Clone(),
		SavedAt: d.SavedAt,
	}
	if d.Events != nil {
		out.Events = make([]workout.Event, len(d.Events))
		copy(out.Events, d.Events)
	}
	if d.RestByExerciseID != nil {
		out.RestByExerciseID = make(map[string]int, len(d.RestByExerciseID))
		for k, v := range d.RestByExerciseID {
			out.RestByExerciseID[k] = v
		}
	}
	return out
}
