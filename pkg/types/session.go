package types

// Session is an ordered conversation, owned by a Project.
type Session struct {
	ID         string             `json:"id"`
	ProjectID  string             `json:"projectID"`
	Directory  string             `json:"directory"`
	ParentID   *string            `json:"parentID,omitempty"`
	Title      string             `json:"title"`
	Version    string             `json:"version"`
	Summary    SessionSummary     `json:"summary"`
	Share      *SessionShare      `json:"share,omitempty"`
	Time       SessionTime        `json:"time"`
	Revert     *SessionRevert     `json:"revert,omitempty"`
	// CustomPrompt overrides the provider-specific base system prompt for
	// every turn run in this session (SPEC_FULL §3).
	CustomPrompt *CustomPrompt `json:"customPrompt,omitempty"`
	// Permission is the session-level ruleset override. It takes precedence
	// over the owning agent's and project's rulesets (spec.md §3).
	Permission []PermissionRule `json:"permission,omitempty"`
}

// SessionSummary contains accumulated statistics about code changes made
// during the session's turns.
type SessionSummary struct {
	Additions int        `json:"additions"`
	Deletions int        `json:"deletions"`
	Files     int        `json:"files"`
	Diffs     []FileDiff `json:"diffs,omitempty"`
}

// FileDiff is one accumulated per-file diff record (spec.md §3).
type FileDiff struct {
	Path      string `json:"path"`
	Additions int    `json:"additions"`
	Deletions int    `json:"deletions"`
	Diff      string `json:"diff"` // unified diff text
}

// SessionTime contains session lifecycle timestamps, all Unix millis.
type SessionTime struct {
	Created    int64  `json:"created"`
	Updated    int64  `json:"updated"`
	Compacting *int64 `json:"compacting,omitempty"`
	Archived   *int64 `json:"archived,omitempty"`
}

// SessionShare is an opaque handle to an externally published session.
type SessionShare struct {
	ID     string `json:"id"`
	Secret string `json:"secret"`
	URL    string `json:"url"`
}

// SessionRevert anchors a session to an earlier point for revert/unrevert.
type SessionRevert struct {
	MessageID string  `json:"messageID"`
	PartID    *string `json:"partID,omitempty"`
	Snapshot  *string `json:"snapshot,omitempty"`
	Diff      *string `json:"diff,omitempty"`
}

// CustomPrompt is a custom system prompt configuration, either loaded from
// a file or supplied inline, with template variable substitution.
type CustomPrompt struct {
	Type      string            `json:"type"` // "file" | "inline"
	Value     string            `json:"value"`
	LoadedAt  *int64            `json:"loadedAt,omitempty"`
	Variables map[string]string `json:"variables,omitempty"`
}
