// Package session provides session management functionality.
package session

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"
	"time"

	"github.com/opencode-core/engine/internal/event"
	"github.com/opencode-core/engine/internal/id"
	"github.com/opencode-core/engine/internal/permission"
	"github.com/opencode-core/engine/internal/provider"
	"github.com/opencode-core/engine/internal/repo"
	"github.com/opencode-core/engine/internal/tool"
	"github.com/opencode-core/engine/pkg/types"
)

// Service manages session operations: CRUD over the repository plus
// dispatching turns to a Processor.
type Service struct {
	repo *repo.Repo

	mu       sync.RWMutex
	active   map[string]*ActiveSession
	abortChs map[string]chan struct{}

	processor *Processor
}

// ActiveSession tracks an active processing session.
type ActiveSession struct {
	SessionID string
	AbortCh   chan struct{}
	StartTime time.Time
}

// NewService creates a session service with no processor wired; Create,
// Get, and the other CRUD operations work, but ProcessMessage will return
// the no-processor placeholder response.
func NewService(r *repo.Repo) *Service {
	return &Service{
		repo:     r,
		active:   make(map[string]*ActiveSession),
		abortChs: make(map[string]chan struct{}),
	}
}

// NewServiceWithProcessor creates a session service with a fully wired
// turn processor.
func NewServiceWithProcessor(
	r *repo.Repo,
	providerReg *provider.Registry,
	toolReg *tool.Registry,
	gate *permission.Gate,
	permChecker *permission.Checker,
	truncator *tool.Truncator,
	defaultProviderID string,
	defaultModelID string,
) *Service {
	s := &Service{
		repo:     r,
		active:   make(map[string]*ActiveSession),
		abortChs: make(map[string]chan struct{}),
	}
	s.processor = NewProcessor(providerReg, toolReg, r, gate, permChecker, truncator, defaultProviderID, defaultModelID)
	return s
}

// GetProcessor returns the session processor, or nil if none is wired.
func (s *Service) GetProcessor() *Processor {
	return s.processor
}

// ListProjects returns every project this engine instance has seen.
func (s *Service) ListProjects(ctx context.Context) ([]*types.Project, error) {
	return s.repo.ListProjects(ctx)
}

// ProjectForDirectory returns the project owning directory, keyed the same
// way Create derives a session's ProjectID.
func (s *Service) ProjectForDirectory(ctx context.Context, directory string) (*types.Project, error) {
	return s.repo.GetProject(ctx, hashDirectory(directory))
}

// UpdateProject patches a project's display name and/or icon and persists
// the result. Empty fields in updates leave the existing value untouched.
func (s *Service) UpdateProject(ctx context.Context, projectID string, name, iconURL, iconColor string) (*types.Project, error) {
	project, err := s.repo.GetProject(ctx, projectID)
	if err != nil {
		return nil, err
	}
	if name != "" {
		project.Name = name
	}
	if iconURL != "" {
		project.IconURL = iconURL
	}
	if iconColor != "" {
		project.IconColor = iconColor
	}
	if err := s.repo.PutProject(ctx, project); err != nil {
		return nil, err
	}
	return project, nil
}

// Create creates a new session under directory, creating its owning
// project row if this is the first session seen for that directory.
func (s *Service) Create(ctx context.Context, directory string, title string) (*types.Session, error) {
	now := time.Now().UnixMilli()
	projectID := hashDirectory(directory)

	if _, err := s.repo.GetProject(ctx, projectID); err != nil {
		project := &types.Project{
			ID:       projectID,
			Worktree: directory,
			Time:     types.ProjectTime{Created: now, Updated: now},
		}
		if err := s.repo.PutProject(ctx, project); err != nil {
			return nil, fmt.Errorf("failed to create project: %w", err)
		}
	}

	if title == "" {
		title = "New Session"
	}

	session := &types.Session{
		ID:        id.New(id.KindSession),
		ProjectID: projectID,
		Directory: directory,
		Title:     title,
		Version:   "1",
		Time:      types.SessionTime{Created: now, Updated: now},
	}

	if err := s.repo.PutSession(ctx, session); err != nil {
		return nil, fmt.Errorf("failed to save session: %w", err)
	}

	event.Publish(event.Event{
		Type: event.SessionCreated,
		Data: event.SessionCreatedData{Info: session},
	})

	return session, nil
}

// Get retrieves a session by ID.
func (s *Service) Get(ctx context.Context, sessionID string) (*types.Session, error) {
	return s.repo.GetSession(ctx, sessionID)
}

// Update applies the given field updates to a session.
func (s *Service) Update(ctx context.Context, sessionID string, updates map[string]any) (*types.Session, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	if title, ok := updates["title"].(string); ok {
		session.Title = title
	}
	session.Time.Updated = time.Now().UnixMilli()

	if err := s.repo.PutSession(ctx, session); err != nil {
		return nil, err
	}

	event.Publish(event.Event{
		Type: event.SessionUpdated,
		Data: event.SessionUpdatedData{Info: session},
	})

	return session, nil
}

// Delete removes a session and every message it owns.
func (s *Service) Delete(ctx context.Context, sessionID string) error {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	if err := s.repo.DeleteSession(ctx, sessionID); err != nil {
		return err
	}

	event.Publish(event.Event{
		Type: event.SessionDeleted,
		Data: event.SessionDeletedData{Info: session},
	})

	return nil
}

// List lists sessions for a directory, or every session across every
// project when directory is empty.
func (s *Service) List(ctx context.Context, directory string) ([]*types.Session, error) {
	if directory == "" {
		projects, err := s.repo.ListProjects(ctx)
		if err != nil {
			return nil, err
		}
		var all []*types.Session
		for _, project := range projects {
			sessions, err := s.repo.ListSessionsByProject(ctx, project.ID)
			if err != nil {
				return nil, err
			}
			all = append(all, sessions...)
		}
		return all, nil
	}

	return s.repo.ListSessionsByProject(ctx, hashDirectory(directory))
}

// GetChildren returns sessions forked from sessionID.
func (s *Service) GetChildren(ctx context.Context, sessionID string) ([]*types.Session, error) {
	return s.repo.ListChildSessions(ctx, sessionID)
}

// Fork creates a new session sharing directory with sessionID and copies
// every message up to and including messageID into it.
func (s *Service) Fork(ctx context.Context, sessionID, messageID string) (*types.Session, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	newSession, err := s.Create(ctx, session.Directory, session.Title+" (fork)")
	if err != nil {
		return nil, err
	}
	newSession.ParentID = &sessionID

	messages, err := s.GetMessages(ctx, sessionID)
	if err != nil {
		return nil, err
	}

	for _, msg := range messages {
		parts, err := s.GetParts(ctx, msg.ID)
		if err != nil {
			return nil, err
		}

		newMsg := *msg
		newMsg.ID = id.New(id.KindMessage)
		newMsg.SessionID = newSession.ID
		if err := s.AddMessage(ctx, newSession.ID, &newMsg); err != nil {
			return nil, err
		}
		for _, part := range parts {
			newPart := rebindPart(part, id.New(id.KindPart), newSession.ID, newMsg.ID)
			if err := s.repo.PutPart(ctx, newPart); err != nil {
				return nil, err
			}
		}

		if msg.ID == messageID {
			break
		}
	}

	if err := s.repo.PutSession(ctx, newSession); err != nil {
		return nil, err
	}

	return newSession, nil
}

// Abort cancels the in-flight turn for sessionID, if any.
func (s *Service) Abort(ctx context.Context, sessionID string) error {
	if s.processor != nil {
		return s.processor.Abort(sessionID)
	}
	return nil
}

// Share marks sessionID shared and returns its share URL.
func (s *Service) Share(ctx context.Context, sessionID string) (string, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return "", err
	}

	share := &types.SessionShare{
		ID:     id.New(id.KindShare),
		Secret: id.New(id.KindShare),
		URL:    fmt.Sprintf("https://opencode.ai/share/%s", sessionID),
	}
	session.Share = share
	session.Time.Updated = time.Now().UnixMilli()

	if err := s.repo.PutShare(ctx, sessionID, share, session.Time.Updated); err != nil {
		return "", err
	}
	if err := s.repo.PutSession(ctx, session); err != nil {
		return "", err
	}

	return share.URL, nil
}

// Unshare removes sharing from a session.
func (s *Service) Unshare(ctx context.Context, sessionID string) error {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	session.Share = nil
	session.Time.Updated = time.Now().UnixMilli()

	if err := s.repo.DeleteShare(ctx, sessionID); err != nil {
		return err
	}
	return s.repo.PutSession(ctx, session)
}

// Summarize returns a session's accumulated diff summary.
func (s *Service) Summarize(ctx context.Context, sessionID string) (*types.SessionSummary, error) {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	return &session.Summary, nil
}

// GetDiffs returns the accumulated file diffs for a session.
func (s *Service) GetDiffs(ctx context.Context, sessionID string) ([]types.FileDiff, error) {
	return s.repo.ListFileDiffs(ctx, sessionID)
}

// GetTodos returns the todo list for a session.
func (s *Service) GetTodos(ctx context.Context, sessionID string) ([]types.Todo, error) {
	return s.repo.ListTodos(ctx, sessionID)
}

// Revert marks a session reverted to messageID (and optionally partID).
func (s *Service) Revert(ctx context.Context, sessionID, messageID string, partID *string) error {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	session.Revert = &types.SessionRevert{MessageID: messageID, PartID: partID}
	session.Time.Updated = time.Now().UnixMilli()

	return s.repo.PutSession(ctx, session)
}

// Unrevert clears a session's revert state.
func (s *Service) Unrevert(ctx context.Context, sessionID string) error {
	session, err := s.repo.GetSession(ctx, sessionID)
	if err != nil {
		return err
	}

	session.Revert = nil
	session.Time.Updated = time.Now().UnixMilli()

	return s.repo.PutSession(ctx, session)
}

// RespondPermission delivers a user's permission decision to the checker
// blocked on that request, if the processor has one wired.
func (s *Service) RespondPermission(ctx context.Context, permChecker *permission.Checker, requestID, action string) error {
	if permChecker == nil {
		return fmt.Errorf("no permission checker configured")
	}
	permChecker.Respond(requestID, action)
	return nil
}

// AddMessage persists a message.
func (s *Service) AddMessage(ctx context.Context, sessionID string, msg *types.Message) error {
	return s.repo.PutMessage(ctx, msg)
}

// GetMessages returns every message for a session, in creation order.
func (s *Service) GetMessages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	return s.repo.ListMessages(ctx, sessionID)
}

// GetParts returns every part for a message.
func (s *Service) GetParts(ctx context.Context, messageID string) ([]types.Part, error) {
	return s.repo.ListParts(ctx, messageID)
}

// ProcessMessage saves a user message and, if a processor is wired, runs a
// full agentic turn for it. Without a processor it records a placeholder
// assistant response explaining why.
func (s *Service) ProcessMessage(
	ctx context.Context,
	session *types.Session,
	content string,
	model *types.ModelRef,
	onUpdate func(msg *types.Message, parts []types.Part),
) (*types.Message, []types.Part, error) {
	userMsg := &types.Message{
		ID:        id.New(id.KindMessage),
		SessionID: session.ID,
		Role:      "user",
		Time:      types.MessageTime{Created: time.Now().UnixMilli()},
	}
	if model != nil {
		userMsg.Model = model
		userMsg.ProviderID = model.ProviderID
		userMsg.ModelID = model.ModelID
	}

	if err := s.AddMessage(ctx, session.ID, userMsg); err != nil {
		return nil, nil, err
	}
	event.Publish(event.Event{
		Type: event.MessageCreated,
		Data: event.MessageCreatedData{Info: userMsg},
	})

	userPart := &types.TextPart{
		ID:        id.New(id.KindPart),
		SessionID: session.ID,
		MessageID: userMsg.ID,
		Type:      "text",
		Text:      content,
	}
	if err := s.repo.PutPart(ctx, userPart); err != nil {
		return nil, nil, err
	}

	if s.processor != nil {
		var finalMsg *types.Message
		var finalParts []types.Part

		err := s.processor.Process(ctx, session.ID, DefaultAgent(), func(msg *types.Message, parts []types.Part) {
			finalMsg = msg
			finalParts = parts
			if onUpdate != nil {
				onUpdate(msg, parts)
			}
		})
		return finalMsg, finalParts, err
	}

	assistantMsg := &types.Message{
		ID:        id.New(id.KindMessage),
		SessionID: session.ID,
		Role:      "assistant",
		Time:      types.MessageTime{Created: time.Now().UnixMilli()},
	}
	if model != nil {
		assistantMsg.ProviderID = model.ProviderID
		assistantMsg.ModelID = model.ModelID
	}

	parts := []types.Part{
		&types.TextPart{
			ID:        id.New(id.KindPart),
			SessionID: session.ID,
			MessageID: assistantMsg.ID,
			Type:      "text",
			Text:      "No provider configured for this engine instance.",
		},
	}

	if err := s.AddMessage(ctx, session.ID, assistantMsg); err != nil {
		return nil, nil, err
	}
	for _, part := range parts {
		if err := s.repo.PutPart(ctx, part); err != nil {
			return nil, nil, err
		}
	}

	if onUpdate != nil {
		onUpdate(assistantMsg, parts)
	}

	return assistantMsg, parts, nil
}

// hashDirectory derives a stable project id from a worktree path so the
// same directory always maps to the same project across process restarts.
func hashDirectory(directory string) string {
	h := sha256.New()
	h.Write([]byte(directory))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// rebindPart clones part onto a new id, session, and message, so a forked
// session gets its own copy of a part rather than retargeting the
// original's row (parts are looked up and upserted by id, so reusing the
// source id would overwrite it in place instead of duplicating it).
func rebindPart(part types.Part, newID, sessionID, messageID string) types.Part {
	switch p := part.(type) {
	case *types.TextPart:
		clone := *p
		clone.ID, clone.SessionID, clone.MessageID = newID, sessionID, messageID
		return &clone
	case *types.ReasoningPart:
		clone := *p
		clone.ID, clone.SessionID, clone.MessageID = newID, sessionID, messageID
		return &clone
	case *types.ToolPart:
		clone := *p
		clone.ID, clone.SessionID, clone.MessageID = newID, sessionID, messageID
		return &clone
	case *types.FilePart:
		clone := *p
		clone.ID, clone.SessionID, clone.MessageID = newID, sessionID, messageID
		return &clone
	case *types.StepStartPart:
		clone := *p
		clone.ID, clone.SessionID, clone.MessageID = newID, sessionID, messageID
		return &clone
	case *types.StepFinishPart:
		clone := *p
		clone.ID, clone.SessionID, clone.MessageID = newID, sessionID, messageID
		return &clone
	case *types.PatchPart:
		clone := *p
		clone.ID, clone.SessionID, clone.MessageID = newID, sessionID, messageID
		return &clone
	default:
		return part
	}
}
