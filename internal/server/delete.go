package server

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/roach88/liftsync/internal/wire"
)

// Delete turns userID's session into a tombstone. The structured extension
// and set rows are removed and the snapshot cleared; the row itself stays so
// pull can report the deletion. Events are kept.
//
// Deleting a tombstone again returns its original deletedAt.
func (s *Store) Delete(ctx context.Context, userID, module, id string) (int64, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("delete %s: begin: %w", id, err)
	}
	defer tx.Rollback()

	var (
		owner     string
		rowModule string
		deletedAt sql.NullInt64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT user_id, module, deleted_at FROM workouts WHERE id = ?
	`, id).Scan(&owner, &rowModule, &deletedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, wire.Errorf(wire.CodeNotFound, "workout %s not found", id)
	}
	if err != nil {
		return 0, fmt.Errorf("delete %s: lookup: %w", id, err)
	}
	if owner != userID {
		return 0, wire.Errorf(wire.CodeForbidden, "workout %s belongs to another user", id)
	}
	if rowModule != module {
		return 0, wire.Errorf(wire.CodeNotFound, "workout %s not found in %s", id, module)
	}
	if deletedAt.Valid {
		return deletedAt.Int64, nil
	}

	now, err := s.tick(ctx, tx)
	if err != nil {
		return 0, fmt.Errorf("delete %s: %w", id, err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM extension_sets WHERE workout_id = ?`, id); err != nil {
		return 0, fmt.Errorf("delete %s: sets: %w", id, err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM session_extensions WHERE workout_id = ?`, id); err != nil {
		return 0, fmt.Errorf("delete %s: extension: %w", id, err)
	}
	_, err = tx.ExecContext(ctx, `
		UPDATE workouts
		SET snapshot = NULL, snapshot_hash = NULL, deleted_at = ?, server_updated_at = ?
		WHERE id = ?
	`, now, now, id)
	if err != nil {
		return 0, fmt.Errorf("delete %s: tombstone: %w", id, err)
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("delete %s: commit: %w", id, err)
	}
	s.logger.Info("workout deleted", "workout", id, "user", userID, "deleted_at", now)
	return now, nil
}
