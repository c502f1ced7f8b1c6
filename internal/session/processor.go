package session

import (
	"context"
	"sync"

	"github.com/opencode-core/engine/internal/hooks"
	"github.com/opencode-core/engine/internal/permission"
	"github.com/opencode-core/engine/internal/provider"
	"github.com/opencode-core/engine/internal/repo"
	"github.com/opencode-core/engine/internal/tool"
	"github.com/opencode-core/engine/pkg/types"
)

// Processor drives the agentic turn loop for a session: it composes the
// completion request, streams the provider response, dispatches tool
// calls, and persists every message/part revision as it happens.
type Processor struct {
	providerRegistry  *provider.Registry
	toolRegistry      *tool.Registry
	repo              *repo.Repo
	permissionGate    *permission.Gate
	permissionChecker *permission.Checker
	truncator         *tool.Truncator
	lock              *Lock
	hooks             *hooks.Dispatcher

	// Default provider and model to use when not specified
	defaultProviderID string
	defaultModelID    string

	// mu protects sessions, which exists purely for introspection
	// (GetActiveState); turn exclusion itself is enforced by lock.
	mu       sync.Mutex
	sessions map[string]*sessionState
}

// sessionState tracks the assistant message a turn is producing. Exclusion
// across concurrent turns on the same session is handled by Processor.lock
// (one Token per sessionID); this struct only tracks what the turn is
// writing.
type sessionState struct {
	message *types.Message
	parts   []types.Part
	step    int
	retries int
}

// ProcessCallback is called with message updates during processing.
type ProcessCallback func(msg *types.Message, parts []types.Part)

// NewProcessor creates a new session processor. gate enforces the layered
// ruleset for every gated tool call, bash included (see
// internal/permission.Gate.Evaluate); permChecker is the underlying
// approve/ask primitive gate delegates to.
func NewProcessor(
	providerReg *provider.Registry,
	toolReg *tool.Registry,
	r *repo.Repo,
	gate *permission.Gate,
	permChecker *permission.Checker,
	truncator *tool.Truncator,
	defaultProviderID string,
	defaultModelID string,
) *Processor {
	if defaultProviderID == "" {
		defaultProviderID = "anthropic"
	}
	if defaultModelID == "" {
		defaultModelID = "claude-sonnet-4-20250514"
	}
	return &Processor{
		providerRegistry:  providerReg,
		toolRegistry:      toolReg,
		repo:              r,
		permissionGate:    gate,
		permissionChecker: permChecker,
		truncator:         truncator,
		lock:              NewLock(),
		hooks:             hooks.New(),
		defaultProviderID: defaultProviderID,
		defaultModelID:    defaultModelID,
		sessions:          make(map[string]*sessionState),
	}
}

// Hooks returns the processor's lifecycle hook dispatcher, so callers can
// register tool.execute.validate, tool.result.transform, session.stop and
// notification.send listeners before sessions start processing.
func (p *Processor) Hooks() *hooks.Dispatcher {
	return p.hooks
}

// Process handles a new user message and generates an assistant response.
// It returns ErrBusy if a turn is already running for sessionID: callers
// must wait for the session to free up and retry rather than queue behind
// it, so a slow or stuck turn never builds up a silent backlog.
func (p *Processor) Process(ctx context.Context, sessionID string, agent *Agent, callback ProcessCallback) error {
	token, err := p.lock.Acquire(ctx, sessionID)
	if err != nil {
		return err
	}
	defer token.Release()

	turnCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go func() {
		select {
		case <-token.Done():
			cancel()
		case <-turnCtx.Done():
		}
	}()

	state := &sessionState{}
	p.mu.Lock()
	p.sessions[sessionID] = state
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.sessions, sessionID)
		p.mu.Unlock()
	}()

	loopErr := p.runLoop(turnCtx, sessionID, state, agent, callback)

	reason := hooks.StopReasonStop
	if loopErr != nil {
		reason = hooks.StopReasonError
	}
	p.hooks.Stop(context.Background(), hooks.StopInput{SessionID: sessionID, Reason: reason})

	return loopErr
}

// Abort cancels the in-flight turn for sessionID, if any.
func (p *Processor) Abort(sessionID string) error {
	p.lock.Cancel(sessionID)
	return nil
}

// IsProcessing returns whether a session currently has a turn in progress.
func (p *Processor) IsProcessing(sessionID string) bool {
	return p.lock.AssertUnlocked(sessionID) != nil
}

// GetActiveState returns the in-flight assistant message and parts for
// sessionID, if a turn is currently running.
func (p *Processor) GetActiveState(sessionID string) (*types.Message, []types.Part, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	state, ok := p.sessions[sessionID]
	if !ok {
		return nil, nil, false
	}
	return state.message, state.parts, true
}
