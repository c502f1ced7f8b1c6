package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opencode-core/engine/pkg/types"
)

// AddFileDiff records one accumulated per-file diff for a session. Unlike
// most repository writes this is append-only: a session's summary.diffs is
// the running total of edits made across every turn, not a point-in-time
// snapshot (spec.md §3).
func (r *Repo) AddFileDiff(ctx context.Context, id, sessionID string, created int64, d types.FileDiff) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO file_diffs (id, session_id, path, additions, deletions, diff, created)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET additions=excluded.additions, deletions=excluded.deletions, diff=excluded.diff
	`, id, sessionID, d.Path, d.Additions, d.Deletions, d.Diff, created)
	if err != nil {
		return fmt.Errorf("add file diff %s: %w", id, err)
	}
	return nil
}

// ListFileDiffs returns every accumulated diff for a session, oldest first.
func (r *Repo) ListFileDiffs(ctx context.Context, sessionID string) ([]types.FileDiff, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT path, additions, deletions, diff FROM file_diffs WHERE session_id = ? ORDER BY created ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list file diffs for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []types.FileDiff
	for rows.Next() {
		var d types.FileDiff
		if err := rows.Scan(&d.Path, &d.Additions, &d.Deletions, &d.Diff); err != nil {
			return nil, fmt.Errorf("scan file diff: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

// PutShare inserts or replaces the share handle for a session.
func (r *Repo) PutShare(ctx context.Context, sessionID string, share *types.SessionShare, created int64) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO shares (id, session_id, secret, url, created)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET secret=excluded.secret, url=excluded.url
	`, share.ID, sessionID, share.Secret, share.URL, created)
	if err != nil {
		return fmt.Errorf("put share for session %s: %w", sessionID, err)
	}
	return nil
}

// GetShare returns the share handle for a session, or ErrNotFound.
func (r *Repo) GetShare(ctx context.Context, sessionID string) (*types.SessionShare, error) {
	var share types.SessionShare
	err := r.db.QueryRowContext(ctx, `
		SELECT id, secret, url FROM shares WHERE session_id = ?
	`, sessionID).Scan(&share.ID, &share.Secret, &share.URL)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get share for session %s: %w", sessionID, err)
	}
	return &share, nil
}

// DeleteShare revokes a session's share handle.
func (r *Repo) DeleteShare(ctx context.Context, sessionID string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM shares WHERE session_id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("delete share for session %s: %w", sessionID, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
