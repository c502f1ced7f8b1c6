package types

// Message is either a "user" or "assistant" message within a session.
// time.Completed is unset while the message is in flight; at most one
// message per session may be in flight at any moment (spec.md §3).
type Message struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID"`
	Role      string      `json:"role"` // "user" | "assistant"
	Time      MessageTime `json:"time"`

	// User-specific fields.
	Agent       string       `json:"agent,omitempty"`
	Model       *ModelRef    `json:"model,omitempty"`
	Attachments []Attachment `json:"attachments,omitempty"`

	// Assistant-specific fields.
	ParentID   string        `json:"parentID,omitempty"` // the user message this responds to
	ModelID    string        `json:"modelID,omitempty"`
	ProviderID string        `json:"providerID,omitempty"`
	System     string        `json:"system,omitempty"` // system prompt snapshot
	Mode       string        `json:"mode,omitempty"`
	Path       string        `json:"path,omitempty"`
	Finish     *string       `json:"finish,omitempty"`
	Cost       float64       `json:"cost,omitempty"`
	Tokens     *TokenUsage   `json:"tokens,omitempty"`
	Summary    bool          `json:"summary,omitempty"`
	SummaryOf  string        `json:"summaryOf,omitempty"` // id of the last compacted message
	Error      *MessageError `json:"error,omitempty"`
}

// Attachment is a reference to a file attached to a user message.
type Attachment struct {
	Filename  string `json:"filename"`
	MediaType string `json:"mediaType"`
	URL       string `json:"url"`
	Source    string `json:"source,omitempty"` // originating file path
}

// MessageTime contains message lifecycle timestamps, all Unix millis.
type MessageTime struct {
	Created   int64  `json:"created"`
	Completed *int64 `json:"completed,omitempty"`
}

// ModelRef references a specific model from a provider.
type ModelRef struct {
	ProviderID string `json:"providerID"`
	ModelID    string `json:"modelID"`
}

// TokenUsage contains token usage statistics for a message. Input, Output
// and Cache grow monotonically while the message is in flight.
type TokenUsage struct {
	Input     int        `json:"input"`
	Output    int        `json:"output"`
	Reasoning int        `json:"reasoning,omitempty"`
	Cache     CacheUsage `json:"cache,omitempty"`
}

// CacheUsage contains prompt-cache hit/write statistics.
type CacheUsage struct {
	Read  int `json:"read"`
	Write int `json:"write"`
}

// ErrorKind is one of the canonical error kinds from spec.md §7.
type ErrorKind string

const (
	ErrorAborted       ErrorKind = "Aborted"
	ErrorAuth          ErrorKind = "AuthError"
	ErrorOutputLength  ErrorKind = "OutputLengthError"
	ErrorOverflow      ErrorKind = "OverflowError"
	ErrorBusy          ErrorKind = "Busy"
	ErrorToolBlocked   ErrorKind = "ToolBlocked"
	ErrorPermDenied    ErrorKind = "PermissionDenied"
	ErrorNotFound      ErrorKind = "NotFound"
	ErrorUnknown       ErrorKind = "Unknown"
)

// MessageError is the structured error recorded on an assistant message
// when a turn ends abnormally.
type MessageError struct {
	Type    ErrorKind `json:"type"`
	Message string    `json:"message"`
}
