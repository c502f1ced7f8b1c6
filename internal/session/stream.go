package session

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/opencode-core/engine/internal/event"
	"github.com/opencode-core/engine/internal/logging"
	"github.com/opencode-core/engine/internal/provider"
	"github.com/opencode-core/engine/pkg/types"
)

// MinEventInterval is the minimum time between streaming part-update
// events. This keeps a fast-streaming provider from overwhelming SSE
// subscribers with a delta per token.
const MinEventInterval = 20 * time.Millisecond

// processStream drains a completion stream, building up text/reasoning/tool
// parts as chunks arrive and publishing part.updated events for each
// change. It returns the stream's finish reason.
func (p *Processor) processStream(
	ctx context.Context,
	stream *provider.CompletionStream,
	state *sessionState,
	callback ProcessCallback,
) (string, error) {
	var currentTextPart *types.TextPart
	var currentReasoningPart *types.ReasoningPart
	currentToolParts := make(map[string]*types.ToolPart)
	accumulatedToolInputs := make(map[string]string)
	var finishReason string
	var accumulatedContent string
	var lastEventTime time.Time

	stepStartPart := &types.StepStartPart{
		ID:        generatePartID(),
		SessionID: state.message.SessionID,
		MessageID: state.message.ID,
		Type:      "step-start",
	}
	state.parts = append(state.parts, stepStartPart)
	p.savePart(ctx, state.message.ID, stepStartPart)
	event.Publish(event.Event{
		Type: event.PartUpdated,
		Data: event.MessagePartUpdatedData{Part: stepStartPart},
	})
	callback(state.message, state.parts)

	chunkCount := 0
	for {
		select {
		case <-ctx.Done():
			return "error", ctx.Err()
		default:
		}

		msg, err := stream.Recv()
		if err == io.EOF {
			logging.Debug().Str("session_id", state.message.SessionID).Int("chunks", chunkCount).Msg("stream finished")
			break
		}
		if err != nil {
			logging.Warn().Err(err).Str("session_id", state.message.SessionID).Msg("stream receive error")
			return "error", err
		}
		chunkCount++

		finishReason = p.processMessageChunk(ctx, msg, state, callback,
			&currentTextPart, &currentReasoningPart, currentToolParts,
			&accumulatedContent, accumulatedToolInputs, &lastEventTime)

		if finishReason != "" {
			break
		}
	}

	now := time.Now().UnixMilli()
	if currentTextPart != nil {
		currentTextPart.Time.End = &now
		p.savePart(ctx, state.message.ID, currentTextPart)
	}
	if currentReasoningPart != nil {
		currentReasoningPart.Time.End = &now
		p.savePart(ctx, state.message.ID, currentReasoningPart)
	}

	for _, toolPart := range currentToolParts {
		if key := toolKey(toolPart); key != "" {
			if accInput, ok := accumulatedToolInputs[key]; ok && len(toolPart.Input) == 0 {
				toolPart.Input = []byte(accInput)
			}
		}
		toolPart.Time.Start = &now
		p.savePart(ctx, state.message.ID, toolPart)
		event.Publish(event.Event{
			Type: event.PartUpdated,
			Data: event.MessagePartUpdatedData{Part: toolPart},
		})
	}

	if finishReason == "" {
		if len(currentToolParts) > 0 {
			finishReason = "tool-calls"
		} else {
			finishReason = "stop"
		}
	}
	if finishReason == "tool_use" {
		finishReason = "tool-calls"
	}

	stepFinishPart := &types.StepFinishPart{
		ID:        generatePartID(),
		SessionID: state.message.SessionID,
		MessageID: state.message.ID,
		Type:      "step-finish",
		Usage:     state.message.Tokens,
		Cost:      state.message.Cost,
	}
	state.parts = append(state.parts, stepFinishPart)
	p.savePart(ctx, state.message.ID, stepFinishPart)
	event.Publish(event.Event{
		Type: event.PartUpdated,
		Data: event.MessagePartUpdatedData{Part: stepFinishPart},
	})
	callback(state.message, state.parts)

	logging.Debug().Str("session_id", state.message.SessionID).Str("finish_reason", finishReason).Int("parts", len(state.parts)).Msg("turn step finished")

	return finishReason, nil
}

// toolKey returns the accumulation key a ToolPart was registered under in
// currentToolParts/accumulatedToolInputs; it mirrors the lookup key chosen
// when the part was created in processMessageChunk.
func toolKey(part *types.ToolPart) string {
	return part.ToolCallID
}

// throttledPublish publishes e, sleeping first if the previous publish on
// lastEventTime was too recent. This keeps a fast stream from emitting part
// updates faster than SSE subscribers can usefully render them.
func throttledPublish(e event.Event, lastEventTime *time.Time) {
	if lastEventTime != nil && !lastEventTime.IsZero() {
		if elapsed := time.Since(*lastEventTime); elapsed < MinEventInterval {
			time.Sleep(MinEventInterval - elapsed)
		}
	}
	event.Publish(e)
	if lastEventTime != nil {
		*lastEventTime = time.Now()
	}
}

// processMessageChunk folds one streamed schema.Message chunk into the
// in-progress text/reasoning/tool parts for the current step.
func (p *Processor) processMessageChunk(
	ctx context.Context,
	msg *schema.Message,
	state *sessionState,
	callback ProcessCallback,
	currentTextPart **types.TextPart,
	currentReasoningPart **types.ReasoningPart,
	currentToolParts map[string]*types.ToolPart,
	accumulatedContent *string,
	accumulatedToolInputs map[string]string,
	lastEventTime *time.Time,
) string {
	var finishReason string

	if msg.Content != "" {
		if *currentTextPart == nil {
			now := time.Now().UnixMilli()
			*currentTextPart = &types.TextPart{
				ID:        generatePartID(),
				SessionID: state.message.SessionID,
				MessageID: state.message.ID,
				Type:      "text",
				Text:      msg.Content,
				Time:      types.PartTime{Start: &now},
			}
			state.parts = append(state.parts, *currentTextPart)
			*accumulatedContent = msg.Content

			throttledPublish(event.Event{
				Type: event.PartUpdated,
				Data: event.MessagePartUpdatedData{
					Part:  *currentTextPart,
					Delta: msg.Content,
				},
			}, lastEventTime)
			callback(state.message, state.parts)
		} else {
			var delta string
			if strings.HasPrefix(msg.Content, *accumulatedContent) {
				delta = msg.Content[len(*accumulatedContent):]
				(*currentTextPart).Text = msg.Content
				*accumulatedContent = msg.Content
			} else {
				delta = msg.Content
				*accumulatedContent += msg.Content
				(*currentTextPart).Text = *accumulatedContent
			}

			throttledPublish(event.Event{
				Type: event.PartUpdated,
				Data: event.MessagePartUpdatedData{
					Part:  *currentTextPart,
					Delta: delta,
				},
			}, lastEventTime)
			callback(state.message, state.parts)
		}
	}

	if msg.ReasoningContent != "" {
		if *currentReasoningPart == nil {
			now := time.Now().UnixMilli()
			*currentReasoningPart = &types.ReasoningPart{
				ID:        generatePartID(),
				SessionID: state.message.SessionID,
				MessageID: state.message.ID,
				Type:      "reasoning",
				Text:      msg.ReasoningContent,
				Time:      types.PartTime{Start: &now},
			}
			state.parts = append(state.parts, *currentReasoningPart)
		} else {
			(*currentReasoningPart).Text = msg.ReasoningContent
		}
		callback(state.message, state.parts)
	}

	// The eino streaming model identifies tool calls by Index: a start
	// event carries ID+Name, delta events carry only Arguments at the
	// same Index.
	for _, tc := range msg.ToolCalls {
		var lookupKey string
		if tc.Index != nil {
			lookupKey = fmt.Sprintf("idx:%d", *tc.Index)
		} else if tc.ID != "" {
			lookupKey = tc.ID
		} else {
			logging.Debug().Str("session_id", state.message.SessionID).Msg("skipping tool call chunk with no index or id")
			continue
		}

		toolPart, exists := currentToolParts[lookupKey]

		if !exists && tc.ID != "" && tc.Function.Name != "" {
			now := time.Now().UnixMilli()
			toolPart = &types.ToolPart{
				ID:         generatePartID(),
				SessionID:  state.message.SessionID,
				MessageID:  state.message.ID,
				Type:       "tool",
				ToolCallID: tc.ID,
				ToolName:   tc.Function.Name,
				State:      types.ToolStatePending,
				Time:       types.PartTime{Start: &now},
			}
			currentToolParts[lookupKey] = toolPart
			accumulatedToolInputs[lookupKey] = ""
			state.parts = append(state.parts, toolPart)
			callback(state.message, state.parts)
		}

		if tc.Function.Arguments != "" && toolPart != nil {
			accumulatedToolInputs[lookupKey] += tc.Function.Arguments
			toolPart.Raw = []byte(accumulatedToolInputs[lookupKey])

			event.Publish(event.Event{
				Type: event.PartUpdated,
				Data: event.MessagePartUpdatedData{Part: toolPart},
			})
			callback(state.message, state.parts)
		}
	}

	if msg.ResponseMeta != nil {
		if state.message.Tokens == nil {
			state.message.Tokens = &types.TokenUsage{}
		}
		if msg.ResponseMeta.Usage != nil {
			state.message.Tokens.Input = msg.ResponseMeta.Usage.PromptTokens
			state.message.Tokens.Output = msg.ResponseMeta.Usage.CompletionTokens
		}
		if msg.ResponseMeta.FinishReason != "" {
			finishReason = msg.ResponseMeta.FinishReason
		}
	}

	return finishReason
}
