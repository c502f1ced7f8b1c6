package repo

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/opencode-core/engine/pkg/types"
)

// ErrNotFound is returned when a lookup by id finds no row, mirroring the
// legacy storage.Storage.ErrNotFound sentinel so callers written against
// that contract keep working unchanged.
var ErrNotFound = errors.New("not found")

// PutProject inserts or replaces a project by id.
func (r *Repo) PutProject(ctx context.Context, p *types.Project) error {
	sandboxes, err := marshalJSON(p.Sandboxes)
	if err != nil {
		return err
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT INTO projects (id, worktree, vcs, name, icon_url, icon_color, sandboxes, created, updated, initialized)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			worktree=excluded.worktree, vcs=excluded.vcs, name=excluded.name,
			icon_url=excluded.icon_url, icon_color=excluded.icon_color,
			sandboxes=excluded.sandboxes, updated=excluded.updated, initialized=excluded.initialized
	`, p.ID, p.Worktree, p.VCS, p.Name, p.IconURL, p.IconColor, sandboxes, p.Time.Created, p.Time.Updated, p.Time.Initialized)
	if err != nil {
		return fmt.Errorf("put project %s: %w", p.ID, err)
	}
	return nil
}

// GetProject returns the project with id, or ErrNotFound.
func (r *Repo) GetProject(ctx context.Context, id string) (*types.Project, error) {
	row := r.db.QueryRowContext(ctx, `
		SELECT id, worktree, vcs, name, icon_url, icon_color, sandboxes, created, updated, initialized
		FROM projects WHERE id = ?
	`, id)
	return scanProject(row)
}

// ListProjects returns every known project, ordered by creation time.
func (r *Repo) ListProjects(ctx context.Context) ([]*types.Project, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, worktree, vcs, name, icon_url, icon_color, sandboxes, created, updated, initialized
		FROM projects ORDER BY created ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	defer rows.Close()

	var out []*types.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProject(row rowScanner) (*types.Project, error) {
	var p types.Project
	var sandboxes sql.NullString
	var icon, color, name, vcs sql.NullString
	var initialized sql.NullInt64

	if err := row.Scan(&p.ID, &p.Worktree, &vcs, &name, &icon, &color, &sandboxes, &p.Time.Created, &p.Time.Updated, &initialized); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("scan project: %w", err)
	}
	p.VCS = vcs.String
	p.Name = name.String
	p.IconURL = icon.String
	p.IconColor = color.String
	if initialized.Valid {
		p.Time.Initialized = &initialized.Int64
	}
	if err := unmarshalJSON(sandboxes, &p.Sandboxes); err != nil {
		return nil, fmt.Errorf("decode project sandboxes: %w", err)
	}
	return &p, nil
}
