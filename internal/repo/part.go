package repo

import (
	"context"
	"errors"
	"database/sql"
	"fmt"

	"github.com/opencode-core/engine/pkg/types"
)

// PutPart inserts or replaces a part by id. Parts are stored as a single
// JSON blob (the "body" column) since their shape is discriminated by
// Type — this mirrors the teacher's path-keyed "part/<messageID>/<id>.json"
// storage, which also kept the whole part as one opaque document.
func (r *Repo) PutPart(ctx context.Context, part types.Part) error {
	body, err := marshalJSON(part)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO parts (id, session_id, message_id, type, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET body = excluded.body
	`, part.PartID(), part.PartSessionID(), part.PartMessageID(), part.PartType(), body)
	if err != nil {
		return fmt.Errorf("put part %s: %w", part.PartID(), err)
	}
	return nil
}

// GetPart returns the part with id, or ErrNotFound.
func (r *Repo) GetPart(ctx context.Context, id string) (types.Part, error) {
	var body string
	err := r.db.QueryRowContext(ctx, `SELECT body FROM parts WHERE id = ?`, id).Scan(&body)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get part %s: %w", id, err)
	}
	return types.UnmarshalPart([]byte(body))
}

// ListParts returns every part belonging to a message, in id order (which is
// creation order, since part ids are ULIDs).
func (r *Repo) ListParts(ctx context.Context, messageID string) ([]types.Part, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT body FROM parts WHERE message_id = ? ORDER BY id ASC`, messageID)
	if err != nil {
		return nil, fmt.Errorf("list parts for message %s: %w", messageID, err)
	}
	defer rows.Close()

	var out []types.Part
	for rows.Next() {
		var body string
		if err := rows.Scan(&body); err != nil {
			return nil, fmt.Errorf("scan part body: %w", err)
		}
		part, err := types.UnmarshalPart([]byte(body))
		if err != nil {
			return nil, fmt.Errorf("decode part: %w", err)
		}
		out = append(out, part)
	}
	return out, rows.Err()
}

// DeletePart removes a single part.
func (r *Repo) DeletePart(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM parts WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete part %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
