package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/liftsync/internal/wire"
)

// Pull returns userID's sessions and tombstones changed strictly after
// req.Since, ordered by serverUpdatedAt ascending and capped at req.Limit.
//
// ServerTime is the last tick the server assigned, read in the same
// transaction as the rows. Every later write gets a greater tick, so a client
// that stores ServerTime as its watermark cannot skip one.
func (s *Store) Pull(ctx context.Context, userID string, req wire.PullRequest) (wire.PullResponse, error) {
	limit := req.Limit
	if limit <= 0 || limit > wire.PullLimit {
		limit = wire.PullLimit
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return wire.PullResponse{}, fmt.Errorf("pull: begin: %w", err)
	}
	defer tx.Rollback()

	serverTime, err := lastTick(ctx, tx)
	if err != nil {
		return wire.PullResponse{}, fmt.Errorf("pull: %w", err)
	}

	rows, err := tx.QueryContext(ctx, `
		SELECT id, snapshot, server_updated_at, deleted_at
		FROM workouts
		WHERE user_id = ? AND server_updated_at > ? AND (? = '' OR module = ?)
		ORDER BY server_updated_at ASC, id ASC
		LIMIT ?
	`, userID, req.Since, req.Module, req.Module, limit)
	if err != nil {
		return wire.PullResponse{}, fmt.Errorf("pull: query: %w", err)
	}
	defer rows.Close()

	resp := wire.PullResponse{
		ServerTime: serverTime,
		Workouts:   []wire.PulledWorkout{},
		Deleted:    []wire.Tombstone{},
	}
	for rows.Next() {
		var (
			id        string
			snapshot  []byte
			updatedAt int64
			deletedAt sql.NullInt64
		)
		if err := rows.Scan(&id, &snapshot, &updatedAt, &deletedAt); err != nil {
			return wire.PullResponse{}, fmt.Errorf("pull: scan: %w", err)
		}
		if deletedAt.Valid {
			resp.Deleted = append(resp.Deleted, wire.Tombstone{ID: id, DeletedAt: deletedAt.Int64})
			continue
		}
		resp.Workouts = append(resp.Workouts, wire.PulledWorkout{
			Workout:         json.RawMessage(snapshot),
			ServerUpdatedAt: updatedAt,
		})
	}
	if err := rows.Err(); err != nil {
		return wire.PullResponse{}, fmt.Errorf("pull: rows: %w", err)
	}
	return resp, nil
}
