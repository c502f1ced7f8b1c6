package repo

import (
	"context"
	"fmt"

	"github.com/opencode-core/engine/pkg/types"
)

// PermissionScope names which entity a standalone ruleset row belongs to.
// Session-scoped rules live inline on the session row (types.Session.
// Permission); project- and agent-scoped rulesets, which are shared across
// many sessions, live in the permission_rules table instead.
type PermissionScope string

const (
	ScopeProject PermissionScope = "project"
	ScopeAgent   PermissionScope = "agent"
)

// ReplaceRuleset atomically replaces the ruleset for (scope, scopeID).
func (r *Repo) ReplaceRuleset(ctx context.Context, scope PermissionScope, scopeID string, rules []types.PermissionRule) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace ruleset: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM permission_rules WHERE scope = ? AND scope_id = ?`, scope, scopeID); err != nil {
		return fmt.Errorf("clear ruleset: %w", err)
	}

	for i, rule := range rules {
		id := fmt.Sprintf("%s:%s:%d", scope, scopeID, i)
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO permission_rules (id, scope, scope_id, tool, key, action, position)
			VALUES (?, ?, ?, ?, ?, ?, ?)
		`, id, scope, scopeID, rule.Tool, rule.Key, rule.Action, i); err != nil {
			return fmt.Errorf("insert rule %d: %w", i, err)
		}
	}

	return tx.Commit()
}

// Ruleset returns the rules for (scope, scopeID) in evaluation order.
func (r *Repo) Ruleset(ctx context.Context, scope PermissionScope, scopeID string) ([]types.PermissionRule, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT tool, key, action FROM permission_rules WHERE scope = ? AND scope_id = ? ORDER BY position ASC
	`, scope, scopeID)
	if err != nil {
		return nil, fmt.Errorf("load ruleset: %w", err)
	}
	defer rows.Close()

	var out []types.PermissionRule
	for rows.Next() {
		var rule types.PermissionRule
		var key string
		if err := rows.Scan(&rule.Tool, &key, &rule.Action); err != nil {
			return nil, fmt.Errorf("scan rule: %w", err)
		}
		rule.Key = key
		out = append(out, rule)
	}
	return out, rows.Err()
}
