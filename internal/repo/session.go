package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opencode-core/engine/pkg/types"
)

// PutSession inserts or replaces a session by id.
func (r *Repo) PutSession(ctx context.Context, s *types.Session) error {
	summary, err := marshalJSON(s.Summary)
	if err != nil {
		return err
	}
	share, err := marshalJSON(s.Share)
	if err != nil {
		return err
	}
	customPrompt, err := marshalJSON(s.CustomPrompt)
	if err != nil {
		return err
	}
	permission, err := marshalJSON(s.Permission)
	if err != nil {
		return err
	}
	revert, err := marshalJSON(s.Revert)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO sessions (id, project_id, directory, parent_id, title, version, summary, share, custom_prompt, permission, revert, created, updated, compacting, archived)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			directory=excluded.directory, parent_id=excluded.parent_id, title=excluded.title,
			version=excluded.version, summary=excluded.summary, share=excluded.share,
			custom_prompt=excluded.custom_prompt, permission=excluded.permission,
			revert=excluded.revert, updated=excluded.updated,
			compacting=excluded.compacting, archived=excluded.archived
	`, s.ID, s.ProjectID, s.Directory, s.ParentID, s.Title, s.Version,
		summary, share, customPrompt, permission, revert,
		s.Time.Created, s.Time.Updated, s.Time.Compacting, s.Time.Archived)
	if err != nil {
		return fmt.Errorf("put session %s: %w", s.ID, err)
	}
	return nil
}

// GetSession returns the session with id, or ErrNotFound.
func (r *Repo) GetSession(ctx context.Context, id string) (*types.Session, error) {
	row := r.db.QueryRowContext(ctx, sessionSelect+` WHERE id = ?`, id)
	return scanSession(row)
}

// ListSessionsByProject returns every session owned by projectID, newest
// first by update time.
func (r *Repo) ListSessionsByProject(ctx context.Context, projectID string) ([]*types.Session, error) {
	rows, err := r.db.QueryContext(ctx, sessionSelect+` WHERE project_id = ? ORDER BY updated DESC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list sessions for project %s: %w", projectID, err)
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListChildSessions returns every session whose parent_id is parentID (for
// fork/subtask trees).
func (r *Repo) ListChildSessions(ctx context.Context, parentID string) ([]*types.Session, error) {
	rows, err := r.db.QueryContext(ctx, sessionSelect+` WHERE parent_id = ? ORDER BY created ASC`, parentID)
	if err != nil {
		return nil, fmt.Errorf("list child sessions of %s: %w", parentID, err)
	}
	defer rows.Close()

	var out []*types.Session
	for rows.Next() {
		s, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// DeleteSession removes a session and, via ON DELETE CASCADE, every message,
// part, todo and diff it owns.
func (r *Repo) DeleteSession(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete session %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const sessionSelect = `
	SELECT id, project_id, directory, parent_id, title, version, summary, share, custom_prompt, permission, revert, created, updated, compacting, archived
	FROM sessions`

func scanSession(row rowScanner) (*types.Session, error) {
	var s types.Session
	var parentID sql.NullString
	var summary, share, customPrompt, permission, revert sql.NullString
	var compacting, archived sql.NullInt64

	if err := row.Scan(&s.ID, &s.ProjectID, &s.Directory, &parentID, &s.Title, &s.Version,
		&summary, &share, &customPrompt, &permission, &revert,
		&s.Time.Created, &s.Time.Updated, &compacting, &archived); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	if parentID.Valid {
		s.ParentID = &parentID.String
	}
	if compacting.Valid {
		s.Time.Compacting = &compacting.Int64
	}
	if archived.Valid {
		s.Time.Archived = &archived.Int64
	}
	if err := unmarshalJSON(summary, &s.Summary); err != nil {
		return nil, fmt.Errorf("decode session summary: %w", err)
	}
	if share.Valid && share.String != "" && share.String != "null" {
		s.Share = &types.SessionShare{}
		if err := unmarshalJSON(share, s.Share); err != nil {
			return nil, fmt.Errorf("decode session share: %w", err)
		}
	}
	if customPrompt.Valid && customPrompt.String != "" && customPrompt.String != "null" {
		s.CustomPrompt = &types.CustomPrompt{}
		if err := unmarshalJSON(customPrompt, s.CustomPrompt); err != nil {
			return nil, fmt.Errorf("decode custom prompt: %w", err)
		}
	}
	if err := unmarshalJSON(permission, &s.Permission); err != nil {
		return nil, fmt.Errorf("decode session permission rules: %w", err)
	}
	if revert.Valid && revert.String != "" && revert.String != "null" {
		s.Revert = &types.SessionRevert{}
		if err := unmarshalJSON(revert, s.Revert); err != nil {
			return nil, fmt.Errorf("decode session revert: %w", err)
		}
	}

	return &s, nil
}
