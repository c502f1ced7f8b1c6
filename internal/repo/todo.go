package repo

import (
	"context"
	"fmt"

	"github.com/opencode-core/engine/pkg/types"
)

// ReplaceTodos atomically replaces a session's entire todo list, matching
// the teacher's todoread/todowrite tools which always operate on the full
// list rather than incremental patches.
func (r *Repo) ReplaceTodos(ctx context.Context, sessionID string, todos []types.Todo) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace todos: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM todos WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("clear todos: %w", err)
	}

	for i, t := range todos {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO todos (id, session_id, content, status, priority, position)
			VALUES (?, ?, ?, ?, ?, ?)
		`, t.ID, sessionID, t.Content, t.Status, t.Priority, i); err != nil {
			return fmt.Errorf("insert todo %s: %w", t.ID, err)
		}
	}

	return tx.Commit()
}

// ListTodos returns a session's todo list in display order.
func (r *Repo) ListTodos(ctx context.Context, sessionID string) ([]types.Todo, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, content, status, priority FROM todos WHERE session_id = ? ORDER BY position ASC
	`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list todos for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []types.Todo
	for rows.Next() {
		var t types.Todo
		t.SessionID = sessionID
		if err := rows.Scan(&t.ID, &t.Content, &t.Status, &t.Priority); err != nil {
			return nil, fmt.Errorf("scan todo: %w", err)
		}
		out = append(out, t)
	}
	return out, rows.Err()
}
