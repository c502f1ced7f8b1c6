package types

import (
	"encoding/json"
	"fmt"
)

// Part represents a component of an assistant (or synthetic user) message.
// Part ids are sortable and strictly increasing within a message.
type Part interface {
	PartType() string
	PartID() string
	PartSessionID() string
	PartMessageID() string
}

// PartTime contains timing information for a message part, Unix millis.
type PartTime struct {
	Start *int64 `json:"start,omitempty"`
	End   *int64 `json:"end,omitempty"`
}

// TextPart represents a text content part. Synthetic text is fed into
// prompt reconstruction but filtered out of UI-facing transcript listings.
type TextPart struct {
	ID        string         `json:"id"`
	SessionID string         `json:"sessionID"`
	MessageID string         `json:"messageID"`
	Type      string         `json:"type"` // always "text"
	Text      string         `json:"text"`
	Synthetic bool           `json:"synthetic,omitempty"`
	Time      PartTime       `json:"time,omitempty"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

func (p *TextPart) PartType() string      { return "text" }
func (p *TextPart) PartID() string        { return p.ID }
func (p *TextPart) PartSessionID() string { return p.SessionID }
func (p *TextPart) PartMessageID() string { return p.MessageID }

// ReasoningPart represents extended thinking/reasoning content.
type ReasoningPart struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionID"`
	MessageID string   `json:"messageID"`
	Type      string   `json:"type"` // always "reasoning"
	Text      string   `json:"text"`
	Time      PartTime `json:"time,omitempty"`
}

func (p *ReasoningPart) PartType() string      { return "reasoning" }
func (p *ReasoningPart) PartID() string        { return p.ID }
func (p *ReasoningPart) PartSessionID() string { return p.SessionID }
func (p *ReasoningPart) PartMessageID() string { return p.MessageID }

// ToolPartState is the tool-part state-machine discriminant. A part starts
// pending and moves to exactly one terminal state, never back.
type ToolPartState string

const (
	ToolStatePending   ToolPartState = "pending"
	ToolStateCompleted ToolPartState = "completed"
	ToolStateError     ToolPartState = "error"
)

// ToolPart represents a tool call and its eventual result. Payload shape
// depends on State: pending carries Input/Raw; completed additionally
// carries Output/Title/Metadata/Attachments/Time and may later gain
// Compacted; error carries Error/Time instead of Output.
type ToolPart struct {
	ID          string          `json:"id"`
	SessionID   string          `json:"sessionID"`
	MessageID   string          `json:"messageID"`
	Type        string          `json:"type"` // always "tool"
	ToolCallID  string          `json:"toolCallID"`
	ToolName    string          `json:"toolName"`
	State       ToolPartState   `json:"state"`
	Input       json.RawMessage `json:"input,omitempty"`
	Raw         json.RawMessage `json:"raw,omitempty"` // pending: raw provider arguments, pre-validation
	Output      *string         `json:"output,omitempty"`
	Error       *string         `json:"error,omitempty"`
	Title       *string         `json:"title,omitempty"`
	Metadata    map[string]any  `json:"metadata,omitempty"`
	Attachments []Attachment    `json:"attachments,omitempty"`
	Time        PartTime        `json:"time,omitempty"`
	// Compacted is set once the prune pass has elided this output from
	// future prompt reconstruction. The output itself is retained for
	// direct retrieval by id.
	Compacted *int64 `json:"compacted,omitempty"`
}

func (p *ToolPart) PartType() string      { return "tool" }
func (p *ToolPart) PartID() string        { return p.ID }
func (p *ToolPart) PartSessionID() string { return p.SessionID }
func (p *ToolPart) PartMessageID() string { return p.MessageID }

// Transition moves the tool part to a terminal state. Calling it on an
// already-terminal part is a logic error in the caller.
func (p *ToolPart) Transition(state ToolPartState) error {
	if p.State == ToolStateCompleted || p.State == ToolStateError {
		return fmt.Errorf("tool part %s already terminal (%s), cannot transition to %s", p.ID, p.State, state)
	}
	p.State = state
	return nil
}

// FilePart represents a file attachment surfaced on an assistant message.
type FilePart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "file"
	Filename  string `json:"filename"`
	MediaType string `json:"mediaType"`
	URL       string `json:"url"`
	Source    string `json:"source,omitempty"`
}

func (p *FilePart) PartType() string      { return "file" }
func (p *FilePart) PartID() string        { return p.ID }
func (p *FilePart) PartSessionID() string { return p.SessionID }
func (p *FilePart) PartMessageID() string { return p.MessageID }

// StepStartPart marks the beginning of one model step within a turn.
type StepStartPart struct {
	ID        string `json:"id"`
	SessionID string `json:"sessionID"`
	MessageID string `json:"messageID"`
	Type      string `json:"type"` // always "step-start"
}

func (p *StepStartPart) PartType() string      { return "step-start" }
func (p *StepStartPart) PartID() string        { return p.ID }
func (p *StepStartPart) PartSessionID() string { return p.SessionID }
func (p *StepStartPart) PartMessageID() string { return p.MessageID }

// StepFinishPart marks the end of one model step, carrying the usage and
// cost accrued during that step.
type StepFinishPart struct {
	ID        string      `json:"id"`
	SessionID string      `json:"sessionID"`
	MessageID string      `json:"messageID"`
	Type      string      `json:"type"` // always "step-finish"
	Usage     *TokenUsage `json:"usage,omitempty"`
	Cost      float64     `json:"cost,omitempty"`
}

func (p *StepFinishPart) PartType() string      { return "step-finish" }
func (p *StepFinishPart) PartID() string        { return p.ID }
func (p *StepFinishPart) PartSessionID() string { return p.SessionID }
func (p *StepFinishPart) PartMessageID() string { return p.MessageID }

// PatchPart carries file-patch metadata for a set of changes applied
// together during a turn (e.g. one batch tool invocation touching several
// files).
type PatchPart struct {
	ID        string   `json:"id"`
	SessionID string   `json:"sessionID"`
	MessageID string   `json:"messageID"`
	Type      string   `json:"type"` // always "patch"
	Files     []string `json:"files"`
	Hash      string   `json:"hash,omitempty"`
}

func (p *PatchPart) PartType() string      { return "patch" }
func (p *PatchPart) PartID() string        { return p.ID }
func (p *PatchPart) PartSessionID() string { return p.SessionID }
func (p *PatchPart) PartMessageID() string { return p.MessageID }

// RawPart is used to sniff a part's type before unmarshaling into the
// concrete implementation.
type RawPart struct {
	ID   string          `json:"id"`
	Type string          `json:"type"`
	Data json.RawMessage `json:"-"`
}

// UnmarshalPart unmarshals a JSON part into the appropriate concrete type.
func UnmarshalPart(data []byte) (Part, error) {
	var raw RawPart
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, err
	}

	switch raw.Type {
	case "text":
		var p TextPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "reasoning":
		var p ReasoningPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "tool":
		var p ToolPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "file":
		var p FilePart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "step-start":
		var p StepStartPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "step-finish":
		var p StepFinishPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	case "patch":
		var p PatchPart
		if err := json.Unmarshal(data, &p); err != nil {
			return nil, err
		}
		return &p, nil
	default:
		return nil, fmt.Errorf("unknown part type %q", raw.Type)
	}
}
