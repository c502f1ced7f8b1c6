package permission

import (
	"context"
	"fmt"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/opencode-core/engine/internal/repo"
	"github.com/opencode-core/engine/pkg/types"
)

// Gate evaluates a tool call against layered permission rulesets and, when a
// rule resolves to "ask", delegates to a Checker for interactive approval.
//
// Rulesets are evaluated in order: session (inline on the session row),
// then agent, then project. Within a ruleset, rules are first-match-wins in
// declared order; a tool call with no matching rule anywhere defaults to
// ActionAsk, the same default DefaultAgentPermissions uses.
type Gate struct {
	repo    *repo.Repo
	checker *Checker
	doom    *DoomLoopDetector
}

// NewGate creates a permission gate backed by a repository for ruleset
// lookups and a Checker for interactive ask/respond flows.
func NewGate(r *repo.Repo, checker *Checker) *Gate {
	return &Gate{repo: r, checker: checker, doom: NewDoomLoopDetector()}
}

// Evaluate resolves the action for (tool, key) across a session's inline
// rules and its agent/project rulesets, then applies that action: allow
// returns nil, deny returns a RejectedError, ask blocks on the Checker.
func (g *Gate) Evaluate(ctx context.Context, sessionID, agentName, projectID string, session *types.Session, req Request) error {
	if g.doom.Check(sessionID, string(req.Type), req.Pattern) {
		return &RejectedError{
			SessionID: sessionID,
			Type:      PermDoomLoop,
			CallID:    req.CallID,
			Message:   fmt.Sprintf("tool %q called with the same input %d times in a row, refusing to continue", req.Type, DoomLoopThreshold),
		}
	}

	action, err := g.resolve(ctx, sessionID, agentName, projectID, session, req)
	if err != nil {
		return err
	}
	return g.checker.Check(ctx, req, action)
}

func (g *Gate) resolve(ctx context.Context, sessionID, agentName, projectID string, session *types.Session, req Request) (PermissionAction, error) {
	if session != nil {
		if action, ok := matchRuleset(session.Permission, req); ok {
			return action, nil
		}
	}

	if agentName != "" {
		rules, err := g.repo.Ruleset(ctx, repo.ScopeAgent, agentName)
		if err != nil {
			return "", fmt.Errorf("load agent ruleset: %w", err)
		}
		if action, ok := matchRuleset(rules, req); ok {
			return action, nil
		}
	}

	if projectID != "" {
		rules, err := g.repo.Ruleset(ctx, repo.ScopeProject, projectID)
		if err != nil {
			return "", fmt.Errorf("load project ruleset: %w", err)
		}
		if action, ok := matchRuleset(rules, req); ok {
			return action, nil
		}
	}

	return ActionAsk, nil
}

// matchRuleset returns the action of the first rule matching req's tool and
// every pattern in req.Pattern (or the tool's bare name when req carries no
// pattern), in declared order.
func matchRuleset(rules []types.PermissionRule, req Request) (PermissionAction, bool) {
	keys := req.Pattern
	if len(keys) == 0 {
		keys = []string{string(req.Type)}
	}

	for _, rule := range rules {
		if rule.Tool != "" && rule.Tool != string(req.Type) {
			continue
		}
		if matchesAllKeys(rule.Key, keys) {
			return PermissionAction(rule.Action), true
		}
	}
	return "", false
}

func matchesAllKeys(pattern string, keys []string) bool {
	if pattern == "" || pattern == "*" {
		return true
	}
	for _, key := range keys {
		ok, err := doublestar.Match(pattern, key)
		if err != nil || !ok {
			return false
		}
	}
	return true
}
