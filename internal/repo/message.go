package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opencode-core/engine/pkg/types"
)

// PutMessage inserts or replaces a message by id.
func (r *Repo) PutMessage(ctx context.Context, m *types.Message) error {
	model, err := marshalJSON(m.Model)
	if err != nil {
		return err
	}
	attachments, err := marshalJSON(m.Attachments)
	if err != nil {
		return err
	}
	tokens, err := marshalJSON(m.Tokens)
	if err != nil {
		return err
	}
	msgErr, err := marshalJSON(m.Error)
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, agent, model, attachments, parent_id, model_id, provider_id, system, mode, path, finish, cost, tokens, summary, summary_of, error, created, completed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role=excluded.role, agent=excluded.agent, model=excluded.model, attachments=excluded.attachments,
			parent_id=excluded.parent_id, model_id=excluded.model_id, provider_id=excluded.provider_id,
			system=excluded.system, mode=excluded.mode, path=excluded.path, finish=excluded.finish,
			cost=excluded.cost, tokens=excluded.tokens, summary=excluded.summary, summary_of=excluded.summary_of,
			error=excluded.error, completed=excluded.completed
	`, m.ID, m.SessionID, m.Role, m.Agent, model, attachments, m.ParentID, m.ModelID, m.ProviderID,
		m.System, m.Mode, m.Path, m.Finish, m.Cost, tokens, m.Summary, m.SummaryOf, msgErr,
		m.Time.Created, m.Time.Completed)
	if err != nil {
		return fmt.Errorf("put message %s: %w", m.ID, err)
	}
	return nil
}

// GetMessage returns the message with id, or ErrNotFound.
func (r *Repo) GetMessage(ctx context.Context, id string) (*types.Message, error) {
	row := r.db.QueryRowContext(ctx, messageSelect+` WHERE id = ?`, id)
	return scanMessage(row)
}

// ListMessages returns every message in a session, oldest first.
func (r *Repo) ListMessages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	rows, err := r.db.QueryContext(ctx, messageSelect+` WHERE session_id = ? ORDER BY created ASC`, sessionID)
	if err != nil {
		return nil, fmt.Errorf("list messages for session %s: %w", sessionID, err)
	}
	defer rows.Close()

	var out []*types.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// DeleteMessage removes a message and (via cascade) its parts.
func (r *Repo) DeleteMessage(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM messages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete message %s: %w", id, err)
	}
	n, _ := res.RowsAffected()
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

const messageSelect = `
	SELECT id, session_id, role, agent, model, attachments, parent_id, model_id, provider_id, system, mode, path, finish, cost, tokens, summary, summary_of, error, created, completed
	FROM messages`

func scanMessage(row rowScanner) (*types.Message, error) {
	var m types.Message
	var agent, modelJSON, attachments, parentID, modelID, providerID, system, mode, path, finish, summaryOf, errJSON sql.NullString
	var cost sql.NullFloat64
	var tokens sql.NullString
	var completed sql.NullInt64

	if err := row.Scan(&m.ID, &m.SessionID, &m.Role, &agent, &modelJSON, &attachments, &parentID, &modelID, &providerID,
		&system, &mode, &path, &finish, &cost, &tokens, &m.Summary, &summaryOf, &errJSON,
		&m.Time.Created, &completed); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan message: %w", err)
	}

	m.Agent = agent.String
	m.ParentID = parentID.String
	m.ModelID = modelID.String
	m.ProviderID = providerID.String
	m.System = system.String
	m.Mode = mode.String
	m.Path = path.String
	m.SummaryOf = summaryOf.String
	m.Cost = cost.Float64
	if finish.Valid {
		m.Finish = &finish.String
	}
	if completed.Valid {
		m.Time.Completed = &completed.Int64
	}
	if modelJSON.Valid && modelJSON.String != "" && modelJSON.String != "null" {
		m.Model = &types.ModelRef{}
		if err := unmarshalJSON(modelJSON, m.Model); err != nil {
			return nil, fmt.Errorf("decode message model: %w", err)
		}
	}
	if err := unmarshalJSON(attachments, &m.Attachments); err != nil {
		return nil, fmt.Errorf("decode message attachments: %w", err)
	}
	if tokens.Valid && tokens.String != "" && tokens.String != "null" {
		m.Tokens = &types.TokenUsage{}
		if err := unmarshalJSON(tokens, m.Tokens); err != nil {
			return nil, fmt.Errorf("decode message tokens: %w", err)
		}
	}
	if errJSON.Valid && errJSON.String != "" && errJSON.String != "null" {
		m.Error = &types.MessageError{}
		if err := unmarshalJSON(errJSON, m.Error); err != nil {
			return nil, fmt.Errorf("decode message error: %w", err)
		}
	}

	return &m, nil
}
