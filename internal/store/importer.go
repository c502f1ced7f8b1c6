package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	jsonpatch "github.com/evanphx/json-patch"

	"github.com/opencode-core/engine/pkg/types"
)

// legacyTree walks a directory of ".json" files laid out the way the
// predecessor file-based store wrote them: "<kind>/<...path segments>.json".
// This mirrors the path-keyed scheme read by storage.Storage.Get/Scan in the
// legacy implementation — e.g. "project/<id>.json",
// "session/<projectID>/<sessionID>.json", "message/<sessionID>/<msgID>.json",
// "part/<messageID>/<partID>.json".
type legacyTree struct {
	root string
}

// ImportResult summarizes a completed one-shot import.
type ImportResult struct {
	ProjectsImported int
	SessionsImported int
	MessagesImported int
	PartsImported    int
	PartsUnchanged   int // parts whose stored body already matched the import, via json-patch structural equality
	Skipped          []string // "<kind>/<path>: <reason>"
}

// Import reads the legacy JSON tree rooted at legacyRoot and inserts every
// record into db, skipping (and recording) any record whose foreign key
// can't be satisfied — e.g. a message referencing a session that was never
// written, or a part referencing a missing message. It writes a completion
// marker row last, so a crash mid-import leaves no marker and a retry
// re-imports cleanly (inserts are idempotent via INSERT OR REPLACE).
func Import(ctx context.Context, db *sql.DB, legacyRoot string) (*ImportResult, error) {
	tree := &legacyTree{root: legacyRoot}
	result := &ImportResult{}

	knownSessions := make(map[string]bool)
	knownMessages := make(map[string]bool)

	if err := tree.walkKind("project", func(relPath string, data json.RawMessage) error {
		var p types.Project
		if err := json.Unmarshal(data, &p); err != nil {
			result.Skipped = append(result.Skipped, fmt.Sprintf("project/%s: decode: %v", relPath, err))
			return nil
		}
		if err := insertProject(ctx, db, &p); err != nil {
			result.Skipped = append(result.Skipped, fmt.Sprintf("project/%s: insert: %v", relPath, err))
			return nil
		}
		result.ProjectsImported++
		return nil
	}); err != nil {
		return nil, err
	}

	if err := tree.walkKind("session", func(relPath string, data json.RawMessage) error {
		var s types.Session
		if err := json.Unmarshal(data, &s); err != nil {
			result.Skipped = append(result.Skipped, fmt.Sprintf("session/%s: decode: %v", relPath, err))
			return nil
		}
		if err := insertSession(ctx, db, &s); err != nil {
			result.Skipped = append(result.Skipped, fmt.Sprintf("session/%s: insert (likely missing project %s): %v", relPath, s.ProjectID, err))
			return nil
		}
		knownSessions[s.ID] = true
		result.SessionsImported++
		return nil
	}); err != nil {
		return nil, err
	}

	if err := tree.walkKind("message", func(relPath string, data json.RawMessage) error {
		var m types.Message
		if err := json.Unmarshal(data, &m); err != nil {
			result.Skipped = append(result.Skipped, fmt.Sprintf("message/%s: decode: %v", relPath, err))
			return nil
		}
		if !knownSessions[m.SessionID] {
			result.Skipped = append(result.Skipped, fmt.Sprintf("message/%s: orphaned, session %s not imported", relPath, m.SessionID))
			return nil
		}
		if err := insertMessage(ctx, db, &m); err != nil {
			result.Skipped = append(result.Skipped, fmt.Sprintf("message/%s: insert: %v", relPath, err))
			return nil
		}
		knownMessages[m.ID] = true
		result.MessagesImported++
		return nil
	}); err != nil {
		return nil, err
	}

	if err := tree.walkKind("part", func(relPath string, data json.RawMessage) error {
		part, err := types.UnmarshalPart(data)
		if err != nil {
			result.Skipped = append(result.Skipped, fmt.Sprintf("part/%s: decode: %v", relPath, err))
			return nil
		}
		if !knownMessages[part.PartMessageID()] {
			result.Skipped = append(result.Skipped, fmt.Sprintf("part/%s: orphaned, message %s not imported", relPath, part.PartMessageID()))
			return nil
		}
		changed, err := insertPart(ctx, db, part, data)
		if err != nil {
			result.Skipped = append(result.Skipped, fmt.Sprintf("part/%s: insert: %v", relPath, err))
			return nil
		}
		if changed {
			result.PartsImported++
		} else {
			result.PartsUnchanged++
		}
		return nil
	}); err != nil {
		return nil, err
	}

	markerID := fmt.Sprintf("import_%d", time.Now().UnixNano())
	if _, err := db.ExecContext(ctx,
		`INSERT INTO import_markers (id, source_path, imported_at, skipped) VALUES (?, ?, ?, ?)`,
		markerID, legacyRoot, time.Now().UnixMilli(), len(result.Skipped),
	); err != nil {
		return result, fmt.Errorf("write import marker: %w", err)
	}

	return result, nil
}

func (t *legacyTree) walkKind(kind string, fn func(relPath string, data json.RawMessage) error) error {
	base := filepath.Join(t.root, kind)
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return nil
	}

	return filepath.WalkDir(base, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(path, ".json") {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read %s: %w", path, err)
		}
		rel, _ := filepath.Rel(base, path)
		return fn(rel, data)
	})
}

func insertProject(ctx context.Context, db *sql.DB, p *types.Project) error {
	sandboxes, _ := json.Marshal(p.Sandboxes)
	_, err := db.ExecContext(ctx, `
		INSERT INTO projects (id, worktree, vcs, name, icon_url, icon_color, sandboxes, created, updated, initialized)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			worktree=excluded.worktree, vcs=excluded.vcs, name=excluded.name,
			icon_url=excluded.icon_url, icon_color=excluded.icon_color,
			sandboxes=excluded.sandboxes, updated=excluded.updated, initialized=excluded.initialized
	`, p.ID, p.Worktree, p.VCS, p.Name, p.IconURL, p.IconColor, string(sandboxes), p.Time.Created, p.Time.Updated, p.Time.Initialized)
	return err
}

func insertSession(ctx context.Context, db *sql.DB, s *types.Session) error {
	summary, _ := json.Marshal(s.Summary)
	share, _ := json.Marshal(s.Share)
	customPrompt, _ := json.Marshal(s.CustomPrompt)
	permission, _ := json.Marshal(s.Permission)
	revert, _ := json.Marshal(s.Revert)

	_, err := db.ExecContext(ctx, `
		INSERT INTO sessions (id, project_id, directory, parent_id, title, version, summary, share, custom_prompt, permission, revert, created, updated, compacting, archived)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			directory=excluded.directory, title=excluded.title, version=excluded.version,
			summary=excluded.summary, share=excluded.share, custom_prompt=excluded.custom_prompt,
			permission=excluded.permission, revert=excluded.revert, updated=excluded.updated,
			compacting=excluded.compacting, archived=excluded.archived
	`, s.ID, s.ProjectID, s.Directory, s.ParentID, s.Title, s.Version,
		string(summary), string(share), string(customPrompt), string(permission), string(revert),
		s.Time.Created, s.Time.Updated, s.Time.Compacting, s.Time.Archived)
	return err
}

func insertMessage(ctx context.Context, db *sql.DB, m *types.Message) error {
	model, _ := json.Marshal(m.Model)
	attachments, _ := json.Marshal(m.Attachments)
	tokens, _ := json.Marshal(m.Tokens)
	msgErr, _ := json.Marshal(m.Error)

	_, err := db.ExecContext(ctx, `
		INSERT INTO messages (id, session_id, role, agent, model, attachments, parent_id, model_id, provider_id, system, mode, path, finish, cost, tokens, summary, summary_of, error, created, completed)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			role=excluded.role, agent=excluded.agent, model=excluded.model, attachments=excluded.attachments,
			parent_id=excluded.parent_id, model_id=excluded.model_id, provider_id=excluded.provider_id,
			system=excluded.system, mode=excluded.mode, path=excluded.path, finish=excluded.finish,
			cost=excluded.cost, tokens=excluded.tokens, summary=excluded.summary, summary_of=excluded.summary_of,
			error=excluded.error, completed=excluded.completed
	`, m.ID, m.SessionID, m.Role, m.Agent, string(model), string(attachments), m.ParentID, m.ModelID, m.ProviderID,
		m.System, m.Mode, m.Path, m.Finish, m.Cost, string(tokens), m.Summary, m.SummaryOf, string(msgErr),
		m.Time.Created, m.Time.Completed)
	return err
}

// insertPart upserts a part's body, skipping the write entirely when a prior
// import already stored a structurally identical body. Parts carry large
// tool-output payloads, so re-running the one-shot import against an
// unchanged legacy tree (the common case: a crash left the marker row
// missing) would otherwise rewrite every row verbatim. jsonpatch.Equal
// compares the two documents by value rather than by byte, so whitespace or
// key-order differences between export passes don't defeat the check. It
// reports whether the row was actually written.
func insertPart(ctx context.Context, db *sql.DB, part types.Part, raw json.RawMessage) (bool, error) {
	var existing []byte
	err := db.QueryRowContext(ctx, `SELECT body FROM parts WHERE id = ?`, part.PartID()).Scan(&existing)
	switch {
	case err == nil:
		if jsonpatch.Equal(existing, raw) {
			return false, nil
		}
	case err != sql.ErrNoRows:
		return false, err
	}

	_, err = db.ExecContext(ctx, `
		INSERT INTO parts (id, session_id, message_id, type, body)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET body=excluded.body
	`, part.PartID(), part.PartSessionID(), part.PartMessageID(), part.PartType(), string(raw))
	if err != nil {
		return false, err
	}
	return true, nil
}
