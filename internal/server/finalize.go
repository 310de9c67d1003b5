package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"golang.org/x/text/unicode/norm"

	"github.com/roach88/liftsync/internal/canonical"
	"github.com/roach88/liftsync/internal/clock"
	"github.com/roach88/liftsync/internal/wire"
	"github.com/roach88/liftsync/internal/workout"
)

// Finalize durably stores a finished session for userID in one transaction:
// the snapshot row, the structured extension, catalog entries, a full
// replacement of the set rows, and any events not stored yet.
//
// Finalize is idempotent on the session id. Resubmitting an identical
// snapshot stores only unseen events and returns the existing
// serverUpdatedAt; a changed snapshot overwrites the previous one with a
// new tick. A session owned by another user is FORBIDDEN.
func (s *Store) Finalize(ctx context.Context, userID, module string, req wire.CompleteRequest) (int64, error) {
	w := req.Workout
	if w.Module == "" {
		w.Module = module
	}
	if w.Module != module {
		return 0, wire.Errorf(wire.CodeValidation, "workout module %q does not match %q", w.Module, module)
	}
	for _, e := range req.Events {
		if e.SessionID != "" && e.SessionID != w.ID {
			return 0, wire.Errorf(wire.CodeValidation, "event %s belongs to session %s", e.ID, e.SessionID)
		}
	}

	snapshot, hash, err := canonical.MarshalAndHash(canonical.DomainSnapshot, w)
	if err != nil {
		return 0, fmt.Errorf("finalize %s: %w", w.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("finalize %s: begin: %w", w.ID, err)
	}
	defer tx.Rollback()

	var (
		owner      string
		prevHash   sql.NullString
		prevUpdate int64
		deletedAt  sql.NullInt64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT user_id, snapshot_hash, server_updated_at, deleted_at
		FROM workouts WHERE id = ?
	`, w.ID).Scan(&owner, &prevHash, &prevUpdate, &deletedAt)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("finalize %s: lookup: %w", w.ID, err)
	}
	if exists && owner != userID {
		return 0, wire.Errorf(wire.CodeForbidden, "workout %s belongs to another user", w.ID)
	}

	if exists && !deletedAt.Valid && prevHash.Valid && prevHash.String == hash {
		if err := insertEvents(ctx, tx, w.ID, req.Events); err != nil {
			return 0, fmt.Errorf("finalize %s: %w", w.ID, err)
		}
		if err := tx.Commit(); err != nil {
			return 0, fmt.Errorf("finalize %s: commit: %w", w.ID, err)
		}
		s.logger.Debug("finalize unchanged", "workout", w.ID, "user", userID)
		return prevUpdate, nil
	}

	now, err := s.tick(ctx, tx)
	if err != nil {
		return 0, fmt.Errorf("finalize %s: %w", w.ID, err)
	}

	if err := writeSnapshot(ctx, tx, userID, w, snapshot, hash, now); err != nil {
		return 0, fmt.Errorf("finalize %s: %w", w.ID, err)
	}
	if err := writeRelational(ctx, tx, w, now); err != nil {
		return 0, fmt.Errorf("finalize %s: %w", w.ID, err)
	}
	if err := insertEvents(ctx, tx, w.ID, req.Events); err != nil {
		return 0, fmt.Errorf("finalize %s: %w", w.ID, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("finalize %s: commit: %w", w.ID, err)
	}
	s.logger.Info("workout finalized",
		"workout", w.ID,
		"user", userID,
		"module", w.Module,
		"sets", w.SetCount(),
		"events", len(req.Events),
		"server_updated_at", now,
	)
	return now, nil
}

// writeSnapshot upserts the session row. A finalize after a delete
// revives the row: the later write wins.
func writeSnapshot(ctx context.Context, tx *sql.Tx, userID string, w workout.Session, snapshot []byte, hash string, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO workouts
		(id, user_id, module, status, start_time, end_time, snapshot, snapshot_hash, server_updated_at, deleted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, NULL)
		ON CONFLICT(id) DO UPDATE SET
			module = excluded.module,
			status = excluded.status,
			start_time = excluded.start_time,
			end_time = excluded.end_time,
			snapshot = excluded.snapshot,
			snapshot_hash = excluded.snapshot_hash,
			server_updated_at = excluded.server_updated_at,
			deleted_at = NULL
	`,
		w.ID,
		userID,
		w.Module,
		string(w.Status),
		clock.Millis(w.StartTime),
		millisPtr(w.EndTime),
		snapshot,
		hash,
		now,
	)
	if err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return nil
}

// writeRelational upserts the extension row and catalog entries, then
// replaces every set row of the session in the record's order.
func writeRelational(ctx context.Context, tx *sql.Tx, w workout.Session, now int64) error {
	_, err := tx.ExecContext(ctx, `
		INSERT INTO session_extensions
		(workout_id, module, total_volume, effort, duration_sec, template_id)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(workout_id) DO UPDATE SET
			module = excluded.module,
			total_volume = excluded.total_volume,
			effort = excluded.effort,
			duration_sec = excluded.duration_sec,
			template_id = excluded.template_id
	`,
		w.ID,
		w.Module,
		workout.TotalVolume(w.Exercises),
		intPtr(w.Effort),
		w.DurationSec,
		nullString(w.TemplateID),
	)
	if err != nil {
		return fmt.Errorf("write extension: %w", err)
	}

	for _, ex := range w.Exercises {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO exercises (id, name, created_at)
			VALUES (?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, ex.ExerciseID, norm.NFC.String(ex.Name), now)
		if err != nil {
			return fmt.Errorf("write exercise %s: %w", ex.ExerciseID, err)
		}
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM extension_sets WHERE workout_id = ?`, w.ID); err != nil {
		return fmt.Errorf("clear sets: %w", err)
	}
	for i, ex := range w.Exercises {
		for j, set := range ex.Sets {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO extension_sets
				(workout_id, exercise_index, set_index, exercise_id, set_id, reps, weight,
				 is_completed, completed_at, rest_sec, actual_rest_sec, duration_sec, distance)
				VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			`,
				w.ID, i, j, ex.ExerciseID, set.ID, set.Reps, set.Weight,
				set.IsCompleted,
				millisPtr(set.CompletedAt),
				intPtr(set.RestSec),
				intPtr(set.ActualRestSec),
				floatPtr(set.DurationSec),
				floatPtr(set.Distance),
			)
			if err != nil {
				return fmt.Errorf("write set %d/%d: %w", i, j, err)
			}
		}
	}
	return nil
}

// insertEvents appends events, ignoring ids already stored.
func insertEvents(ctx context.Context, tx *sql.Tx, workoutID string, events []workout.Event) error {
	for _, e := range events {
		payload := []byte("{}")
		if len(e.Payload) > 0 {
			var err error
			if payload, err = canonical.Marshal(e.Payload); err != nil {
				return fmt.Errorf("event %s payload: %w", e.ID, err)
			}
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO workout_events (id, workout_id, type, at, payload)
			VALUES (?, ?, ?, ?, ?)
			ON CONFLICT(id) DO NOTHING
		`, e.ID, workoutID, string(e.Type), clock.Millis(e.At), string(payload))
		if err != nil {
			return fmt.Errorf("write event %s: %w", e.ID, err)
		}
	}
	return nil
}

func millisPtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return clock.Millis(*t)
}

func intPtr(v *int) any {
	if v == nil {
		return nil
	}
	return *v
}

func floatPtr(v *float64) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}
