package session

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/cloudwego/eino/schema"
	"github.com/oklog/ulid/v2"

	"github.com/opencode-core/engine/internal/event"
	"github.com/opencode-core/engine/internal/hooks"
	"github.com/opencode-core/engine/internal/logging"
	"github.com/opencode-core/engine/internal/provider"
	"github.com/opencode-core/engine/pkg/types"
)

const (
	// MaxSteps is the maximum number of agentic loop iterations.
	MaxSteps = 50
	// MaxRetries is the maximum number of retries for API errors.
	MaxRetries = 10
	// RetryInitialInterval is the initial interval for exponential backoff.
	RetryInitialInterval = time.Second
	// RetryMaxInterval is the maximum interval for exponential backoff.
	RetryMaxInterval = 30 * time.Second
	// RetryMaxElapsedTime is the maximum total time for retries.
	RetryMaxElapsedTime = 2 * time.Minute
	// MaxContextTokens is the fallback context budget when a model doesn't
	// report its own context window.
	MaxContextTokens = 150000
)

// newRetryBackoff creates a new exponential backoff with jitter for API retries.
// Uses cenkalti/backoff for better retry behavior including jitter to prevent
// thundering herd problems and context-aware cancellation.
func newRetryBackoff(ctx context.Context) backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = RetryInitialInterval
	b.MaxInterval = RetryMaxInterval
	b.MaxElapsedTime = RetryMaxElapsedTime
	b.RandomizationFactor = 0.5 // Add jitter
	b.Multiplier = 2.0
	b.Reset()
	return backoff.WithContext(backoff.WithMaxRetries(b, MaxRetries), ctx)
}

// runLoop executes the agentic loop.
func (p *Processor) runLoop(
	ctx context.Context,
	sessionID string,
	state *sessionState,
	agent *Agent,
	callback ProcessCallback,
) error {
	session, err := p.loadSession(ctx, sessionID)
	if err != nil {
		return fmt.Errorf("session not found: %w", err)
	}

	messages, err := p.loadMessages(ctx, sessionID)
	if err != nil {
		return err
	}

	if len(messages) == 0 {
		return fmt.Errorf("no messages in session")
	}

	lastMsg := messages[len(messages)-1]
	if lastMsg.Role != "user" {
		return fmt.Errorf("expected user message, got %s", lastMsg.Role)
	}

	providerID := p.defaultProviderID
	modelID := p.defaultModelID

	if lastMsg.Model != nil {
		providerID = lastMsg.Model.ProviderID
		modelID = lastMsg.Model.ModelID
	}

	prov, err := p.providerRegistry.Get(providerID)
	if err != nil {
		return fmt.Errorf("provider not found: %w", err)
	}

	model, err := p.providerRegistry.GetModel(providerID, modelID)
	if err != nil {
		return fmt.Errorf("model not found: %w", err)
	}

	now := time.Now().UnixMilli()
	assistantMsg := &types.Message{
		ID:         generatePartID(),
		SessionID:  sessionID,
		Role:       "assistant",
		ParentID:   lastMsg.ID,
		ProviderID: providerID,
		ModelID:    modelID,
		Mode:       lastMsg.Agent,
		Time: types.MessageTime{
			Created: now,
		},
	}
	state.message = assistantMsg

	if err := p.repo.PutMessage(ctx, assistantMsg); err != nil {
		return fmt.Errorf("failed to save message: %w", err)
	}

	callback(assistantMsg, nil)

	event.Publish(event.Event{
		Type: event.MessageCreated,
		Data: event.MessageCreatedData{Info: assistantMsg},
	})

	if session != nil && len(messages) == 1 {
		if text, ok := firstTextContent(ctx, p, lastMsg); ok {
			p.ensureTitle(ctx, session, text)
		}
	}

	if agent == nil {
		agent = DefaultAgent()
	}

	maxSteps := agent.MaxSteps
	if maxSteps <= 0 {
		maxSteps = MaxSteps
	}

	step := 0
	retryBackoff := newRetryBackoff(ctx)

	for {
		select {
		case <-ctx.Done():
			assistantMsg.Error = &types.MessageError{
				Type:    types.ErrorAborted,
				Message: "processing aborted",
			}
			p.saveMessage(ctx, sessionID, assistantMsg)
			return ctx.Err()
		default:
		}

		if step >= maxSteps {
			assistantMsg.Error = &types.MessageError{
				Type:    types.ErrorUnknown,
				Message: "maximum steps reached",
			}
			p.saveMessage(ctx, sessionID, assistantMsg)
			return fmt.Errorf("max steps exceeded")
		}

		if err := p.pruneMessages(ctx, sessionID, messages); err != nil {
			logging.Warn().Err(err).Str("session_id", sessionID).Msg("prune failed, continuing with unpruned history")
		}

		if overflow, reason := p.contextOverflow(messages, model); overflow {
			if err := p.compactMessages(ctx, sessionID, messages); err != nil {
				logging.Warn().Err(err).Str("session_id", sessionID).Str("reason", reason).Msg("compaction failed, continuing with uncompacted history")
			} else {
				p.hooks.Stop(ctx, hooks.StopInput{SessionID: sessionID, Reason: hooks.StopReasonCompact})
			}
			messages, _ = p.loadMessages(ctx, sessionID)
		}

		req, err := p.buildCompletionRequest(ctx, sessionID, messages, assistantMsg, agent, model)
		if err != nil {
			return fmt.Errorf("failed to build request: %w", err)
		}

		stream, err := prov.CreateCompletion(ctx, req)
		if err != nil {
			nextInterval := retryBackoff.NextBackOff()
			if nextInterval == backoff.Stop {
				assistantMsg.Error = &types.MessageError{
					Type:    types.ErrorUnknown,
					Message: err.Error(),
				}
				p.saveMessage(ctx, sessionID, assistantMsg)
				return err
			}
			logging.Warn().Err(err).Str("session_id", sessionID).Dur("retry_in", nextInterval).Msg("completion request failed, retrying")
			time.Sleep(nextInterval)
			continue
		}

		finishReason, err := p.processStream(ctx, stream, state, callback)
		stream.Close()

		if err != nil {
			nextInterval := retryBackoff.NextBackOff()
			if nextInterval == backoff.Stop {
				assistantMsg.Error = &types.MessageError{
					Type:    types.ErrorUnknown,
					Message: err.Error(),
				}
				p.saveMessage(ctx, sessionID, assistantMsg)
				return err
			}
			logging.Warn().Err(err).Str("session_id", sessionID).Dur("retry_in", nextInterval).Msg("stream error, retrying")
			time.Sleep(nextInterval)
			continue
		}

		retryBackoff.Reset()

		switch finishReason {
		case "stop", "end_turn":
			finish := "stop"
			assistantMsg.Finish = &finish
			now := time.Now().UnixMilli()
			assistantMsg.Time.Completed = &now
			p.saveMessage(ctx, sessionID, assistantMsg)
			return nil

		case "tool_use", "tool_calls", "tool-calls":
			if err := p.executeToolCalls(ctx, state, agent, callback); err != nil {
				// Tool execution errors are captured per-part; the loop continues.
				logging.Debug().Err(err).Str("session_id", sessionID).Msg("tool execution returned an error")
			}
			step++
			continue

		case "max_tokens", "length":
			finish := "max_tokens"
			assistantMsg.Finish = &finish
			assistantMsg.Error = &types.MessageError{
				Type:    types.ErrorOutputLength,
				Message: "output length limit reached",
			}
			p.saveMessage(ctx, sessionID, assistantMsg)
			return nil

		case "error":
			nextInterval := retryBackoff.NextBackOff()
			if nextInterval == backoff.Stop {
				return fmt.Errorf("stream error: max retries exceeded")
			}
			time.Sleep(nextInterval)
			continue

		default:
			assistantMsg.Finish = &finishReason
			p.saveMessage(ctx, sessionID, assistantMsg)
			return nil
		}
	}
}

// loadSession loads a session by ID.
func (p *Processor) loadSession(ctx context.Context, sessionID string) (*types.Session, error) {
	return p.repo.GetSession(ctx, sessionID)
}

// loadMessages loads all messages for a session in creation order.
func (p *Processor) loadMessages(ctx context.Context, sessionID string) ([]*types.Message, error) {
	return p.repo.ListMessages(ctx, sessionID)
}

// saveMessage saves an assistant message and publishes its update.
func (p *Processor) saveMessage(ctx context.Context, sessionID string, msg *types.Message) error {
	now := time.Now().UnixMilli()
	msg.Time.Updated = &now

	if err := p.repo.PutMessage(ctx, msg); err != nil {
		return err
	}

	event.Publish(event.Event{
		Type: event.MessageUpdated,
		Data: event.MessageUpdatedData{Info: msg},
	})

	return nil
}

// savePart saves a part for a message.
func (p *Processor) savePart(ctx context.Context, messageID string, part types.Part) error {
	return p.repo.PutPart(ctx, part)
}

// contextOverflow reports whether the running token total for messages
// leaves less than the model's output budget of headroom in its context
// window: input+output+cache.read > contextLimit-min(outputLimit,hardCap).
func (p *Processor) contextOverflow(messages []*types.Message, model *types.Model) (bool, string) {
	var input, output, cacheRead int
	for _, msg := range messages {
		if msg.Tokens == nil {
			continue
		}
		input += msg.Tokens.Input
		output += msg.Tokens.Output
		cacheRead += msg.Tokens.Cache.Read
	}

	contextLimit := model.ContextLength
	if contextLimit <= 0 {
		contextLimit = MaxContextTokens
	}

	const hardOutputCap = 32000
	outputBudget := model.MaxOutputTokens
	if outputBudget <= 0 || outputBudget > hardOutputCap {
		outputBudget = hardOutputCap
	}

	used := input + output + cacheRead
	if used > contextLimit-outputBudget {
		return true, fmt.Sprintf("used=%d limit=%d budget=%d", used, contextLimit, outputBudget)
	}
	return false, ""
}

// buildCompletionRequest builds an LLM completion request.
func (p *Processor) buildCompletionRequest(
	ctx context.Context,
	sessionID string,
	messages []*types.Message,
	currentMsg *types.Message,
	agent *Agent,
	model *types.Model,
) (*provider.CompletionRequest, error) {
	session, _ := p.loadSession(ctx, sessionID)
	systemPrompt := NewSystemPrompt(session, agent, currentMsg.ProviderID, currentMsg.ModelID)

	var einoMessages []*schema.Message

	einoMessages = append(einoMessages, &schema.Message{
		Role:    schema.System,
		Content: systemPrompt.Build(),
	})

	cutoffID := latestSummaryCutoff(messages)

	for _, msg := range messages {
		if cutoffID != "" && msg.ID <= cutoffID && !msg.Summary {
			continue
		}
		if msg.Error != nil && !p.hasUsableContent(ctx, msg) {
			continue
		}

		parts, err := p.loadParts(ctx, msg.ID)
		if err != nil {
			continue
		}

		einoMsg := p.convertMessage(msg, parts)
		einoMessages = append(einoMessages, einoMsg)
	}

	tools, err := p.resolveTools(agent, model)
	if err != nil {
		return nil, err
	}

	maxTokens := model.MaxOutputTokens
	if maxTokens <= 0 {
		maxTokens = 8192
	}

	req := &provider.CompletionRequest{
		Model:       model.ID,
		Messages:    einoMessages,
		Tools:       tools,
		MaxTokens:   maxTokens,
		Temperature: agent.Temperature,
		TopP:        agent.TopP,
	}

	return req, nil
}

// loadParts loads all parts for a message.
func (p *Processor) loadParts(ctx context.Context, messageID string) ([]types.Part, error) {
	return p.repo.ListParts(ctx, messageID)
}

// latestSummaryCutoff returns the SummaryOf id of the most recent summary
// message in messages, or "" if none. Messages at or before that id (other
// than the summary itself) were folded into it by compactMessages and are
// dropped from prompt reconstruction.
func latestSummaryCutoff(messages []*types.Message) string {
	var cutoff string
	for _, msg := range messages {
		if msg.Summary && msg.SummaryOf > cutoff {
			cutoff = msg.SummaryOf
		}
	}
	return cutoff
}

// hasUsableContent checks if a message has content worth including.
func (p *Processor) hasUsableContent(ctx context.Context, msg *types.Message) bool {
	parts, err := p.loadParts(ctx, msg.ID)
	if err != nil {
		return false
	}
	return len(parts) > 0
}

// firstTextContent extracts the text of the first text part of msg, if any.
func firstTextContent(ctx context.Context, p *Processor, msg *types.Message) (string, bool) {
	parts, err := p.loadParts(ctx, msg.ID)
	if err != nil {
		return "", false
	}
	for _, part := range parts {
		if tp, ok := part.(*types.TextPart); ok && tp.Text != "" {
			return tp.Text, true
		}
	}
	return "", false
}

// convertMessage converts a types.Message to schema.Message.
func (p *Processor) convertMessage(msg *types.Message, parts []types.Part) *schema.Message {
	role := schema.Assistant
	switch msg.Role {
	case "user":
		role = schema.User
	case "system":
		role = schema.System
	case "tool":
		role = schema.Tool
	}

	var content string
	var toolCalls []schema.ToolCall
	var toolCallID string

	for _, part := range parts {
		switch pt := part.(type) {
		case *types.TextPart:
			content += pt.Text
		case *types.ToolPart:
			if msg.Role == "assistant" {
				toolCalls = append(toolCalls, schema.ToolCall{
					ID: pt.ToolCallID,
					Function: schema.FunctionCall{
						Name:      pt.ToolName,
						Arguments: string(pt.Input),
					},
				})
			} else {
				toolCallID = pt.ToolCallID
				if pt.Output != nil {
					content = *pt.Output
				} else if pt.Error != nil {
					content = "Error: " + *pt.Error
				}
			}
		}
	}

	einoMsg := &schema.Message{
		Role:      role,
		Content:   content,
		ToolCalls: toolCalls,
	}

	if toolCallID != "" {
		einoMsg.ToolCallID = toolCallID
	}

	return einoMsg
}

// resolveTools returns tools enabled for the agent.
func (p *Processor) resolveTools(agent *Agent, model *types.Model) ([]*schema.ToolInfo, error) {
	if !model.SupportsTools {
		return nil, nil
	}

	allTools := p.toolRegistry.List()

	var result []*schema.ToolInfo

	for _, t := range allTools {
		if !agent.ToolEnabled(t.ID()) {
			continue
		}

		params := parseJSONSchemaToParams(t.Parameters())
		result = append(result, &schema.ToolInfo{
			Name:        t.ID(),
			Desc:        t.Description(),
			ParamsOneOf: schema.NewParamsOneOfByParams(params),
		})
	}

	return result, nil
}

// parseJSONSchemaToParams converts JSON Schema to Eino ParameterInfo.
func parseJSONSchemaToParams(schemaJSON json.RawMessage) map[string]*schema.ParameterInfo {
	var jsonSchema struct {
		Properties map[string]struct {
			Type        string `json:"type"`
			Description string `json:"description"`
		} `json:"properties"`
		Required []string `json:"required"`
	}

	if err := json.Unmarshal(schemaJSON, &jsonSchema); err != nil {
		return nil
	}

	requiredSet := make(map[string]bool)
	for _, r := range jsonSchema.Required {
		requiredSet[r] = true
	}

	params := make(map[string]*schema.ParameterInfo)
	for name, prop := range jsonSchema.Properties {
		paramType := schema.String
		switch prop.Type {
		case "integer":
			paramType = schema.Integer
		case "number":
			paramType = schema.Number
		case "boolean":
			paramType = schema.Boolean
		case "array":
			paramType = schema.Array
		case "object":
			paramType = schema.Object
		}

		params[name] = &schema.ParameterInfo{
			Type:     paramType,
			Desc:     prop.Description,
			Required: requiredSet[name],
		}
	}

	return params
}

// generatePartID generates a new ULID for parts.
func generatePartID() string {
	return ulid.Make().String()
}

// ptr returns a pointer to the given value.
func ptr[T any](v T) *T {
	return &v
}

// processStream is defined in stream.go

// Stub for io.EOF check - the actual implementation is in stream.go
var _ = io.EOF
