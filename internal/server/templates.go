package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/roach88/liftsync/internal/canonical"
	"github.com/roach88/liftsync/internal/wire"
	"github.com/roach88/liftsync/internal/workout"
)

// SaveTemplate upserts a template by id. A create for an id that already
// exists is treated as a retry and overwrites it; an update for an unknown
// id is NOT_FOUND. Saving an unchanged body keeps the stored tick.
func (s *Store) SaveTemplate(ctx context.Context, userID, module string, t workout.Template, create bool) (int64, error) {
	if t.Module == "" {
		t.Module = module
	}
	if t.Module != module {
		return 0, wire.Errorf(wire.CodeValidation, "template module %q does not match %q", t.Module, module)
	}

	body, hash, err := canonical.MarshalAndHash(canonical.DomainTemplate, t)
	if err != nil {
		return 0, fmt.Errorf("save template %s: %w", t.ID, err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("save template %s: begin: %w", t.ID, err)
	}
	defer tx.Rollback()

	var (
		owner      string
		prevHash   string
		prevUpdate int64
	)
	err = tx.QueryRowContext(ctx, `
		SELECT user_id, body_hash, server_updated_at FROM templates WHERE id = ?
	`, t.ID).Scan(&owner, &prevHash, &prevUpdate)
	exists := err == nil
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return 0, fmt.Errorf("save template %s: lookup: %w", t.ID, err)
	}
	switch {
	case exists && owner != userID:
		return 0, wire.Errorf(wire.CodeForbidden, "template %s belongs to another user", t.ID)
	case !exists && !create:
		return 0, wire.Errorf(wire.CodeNotFound, "template %s not found", t.ID)
	case exists && prevHash == hash:
		return prevUpdate, nil
	}

	now, err := s.tick(ctx, tx)
	if err != nil {
		return 0, fmt.Errorf("save template %s: %w", t.ID, err)
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO templates (id, user_id, module, name, body, body_hash, server_updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			module = excluded.module,
			name = excluded.name,
			body = excluded.body,
			body_hash = excluded.body_hash,
			server_updated_at = excluded.server_updated_at
	`, t.ID, userID, t.Module, t.Name, body, hash, now)
	if err != nil {
		return 0, fmt.Errorf("save template %s: %w", t.ID, err)
	}
	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("save template %s: commit: %w", t.ID, err)
	}
	s.logger.Info("template saved", "template", t.ID, "user", userID, "create", create)
	return now, nil
}

// Templates lists userID's templates for module ordered by name.
func (s *Store) Templates(ctx context.Context, userID, module string) ([]workout.Template, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT body FROM templates
		WHERE user_id = ? AND module = ?
		ORDER BY name ASC, id ASC
	`, userID, module)
	if err != nil {
		return nil, fmt.Errorf("list templates: %w", err)
	}
	defer rows.Close()

	out := []workout.Template{}
	for rows.Next() {
		var body []byte
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("list templates: scan: %w", err)
		}
		var t workout.Template
		if err := json.Unmarshal(body, &t); err != nil {
			return nil, fmt.Errorf("list templates: decode: %w", err)
		}
		out = append(out, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list templates: rows: %w", err)
	}
	return out, nil
}
