package session

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/cloudwego/eino/schema"

	"github.com/opencode-core/engine/internal/event"
	"github.com/opencode-core/engine/internal/id"
	"github.com/opencode-core/engine/internal/logging"
	"github.com/opencode-core/engine/internal/provider"
	"github.com/opencode-core/engine/pkg/types"
)

// CompactionConfig controls message compaction behavior.
type CompactionConfig struct {
	// MinMessagesToKeep is the minimum number of recent messages left
	// uncompacted at the tail of the conversation.
	MinMessagesToKeep int

	// SummaryMaxTokens bounds the length of the generated summary.
	SummaryMaxTokens int

	// ContextThreshold is unused by contextOverflow's budget-based trigger
	// but kept for callers that want a simple percentage-of-window check.
	ContextThreshold float64
}

// DefaultCompactionConfig is the compaction configuration used when a
// session doesn't override it.
var DefaultCompactionConfig = CompactionConfig{
	MinMessagesToKeep: 4,
	SummaryMaxTokens:  2000,
	ContextThreshold:  0.75,
}

// compactionSystemPrompt instructs the model to summarize a conversation
// prefix so the turn loop can drop it from future prompt reconstruction
// while retaining enough context to continue the work.
const compactionSystemPrompt = `You are a conversation summarizer. Create a concise summary of the conversation that preserves key context for continuing the discussion.

Focus on:
1. What was accomplished
2. Current work in progress
3. Files involved
4. Next steps
5. Any key user requests or constraints

Be concise but detailed enough that work can continue seamlessly.`

// compactMessages summarizes every message except the most recent
// MinMessagesToKeep into a single synthetic assistant message, marking the
// tool parts it folded over as Compacted so they are skipped during future
// prompt reconstruction (buildCompletionRequest) without losing their
// output for direct retrieval by id.
func (p *Processor) compactMessages(ctx context.Context, sessionID string, messages []*types.Message) error {
	if len(messages) <= DefaultCompactionConfig.MinMessagesToKeep {
		return nil
	}

	session, err := p.loadSession(ctx, sessionID)
	if err != nil {
		return err
	}

	now := time.Now().UnixMilli()
	session.Time.Compacting = &now
	p.repo.PutSession(ctx, session)
	defer func() {
		session.Time.Compacting = nil
		p.repo.PutSession(ctx, session)
		event.Publish(event.Event{Type: event.SessionUpdated, Data: event.SessionUpdatedData{Info: session}})
	}()

	compactEnd := len(messages) - DefaultCompactionConfig.MinMessagesToKeep
	toCompact := messages[:compactEnd]
	lastCompacted := toCompact[len(toCompact)-1]

	model, err := p.providerRegistry.DefaultModel()
	if err != nil {
		return fmt.Errorf("no default model for compaction: %w", err)
	}
	prov, err := p.providerRegistry.Get(model.ProviderID)
	if err != nil {
		return err
	}

	summaryPrompt := p.buildSummaryPrompt(ctx, toCompact)

	stream, err := prov.CreateCompletion(ctx, &provider.CompletionRequest{
		Model: model.ID,
		Messages: []*schema.Message{
			{Role: schema.System, Content: compactionSystemPrompt},
			{Role: schema.User, Content: summaryPrompt},
		},
		MaxTokens: DefaultCompactionConfig.SummaryMaxTokens,
	})
	if err != nil {
		return fmt.Errorf("failed to start compaction completion: %w", err)
	}
	defer stream.Close()

	var fullText strings.Builder
	for {
		msg, err := stream.Recv()
		if err == io.EOF {
			break
		}
		if err != nil {
			return fmt.Errorf("compaction stream error: %w", err)
		}
		fullText.WriteString(msg.Content)
	}

	summaryMsg := &types.Message{
		ID:         id.New(id.KindMessage),
		SessionID:  sessionID,
		Role:       "assistant",
		ParentID:   lastCompacted.ID,
		ProviderID: model.ProviderID,
		ModelID:    model.ID,
		Summary:    true,
		SummaryOf:  lastCompacted.ID,
		Time:       types.MessageTime{Created: now},
		Tokens: &types.TokenUsage{
			Input:  estimateTokens(summaryPrompt),
			Output: estimateTokens(fullText.String()),
		},
	}
	if err := p.repo.PutMessage(ctx, summaryMsg); err != nil {
		return fmt.Errorf("failed to save summary message: %w", err)
	}
	event.Publish(event.Event{Type: event.MessageCreated, Data: event.MessageCreatedData{Info: summaryMsg}})

	summaryPart := &types.TextPart{
		ID:        id.New(id.KindPart),
		SessionID: sessionID,
		MessageID: summaryMsg.ID,
		Type:      "text",
		Text:      fullText.String(),
		Synthetic: true,
	}
	if err := p.repo.PutPart(ctx, summaryPart); err != nil {
		return fmt.Errorf("failed to save summary part: %w", err)
	}
	event.Publish(event.Event{Type: event.PartUpdated, Data: event.MessagePartUpdatedData{Part: summaryPart}})

	for _, msg := range toCompact {
		parts, err := p.loadParts(ctx, msg.ID)
		if err != nil {
			continue
		}
		for _, part := range parts {
			toolPart, ok := part.(*types.ToolPart)
			if !ok || toolPart.Compacted != nil {
				continue
			}
			toolPart.Compacted = &now
			if err := p.repo.PutPart(ctx, toolPart); err != nil {
				logging.Warn().Err(err).Str("part_id", toolPart.ID).Msg("failed to mark tool part compacted")
			}
		}
	}

	logging.Debug().Str("session_id", sessionID).Int("messages_compacted", len(toCompact)).Msg("compaction finished")
	return nil
}

// buildSummaryPrompt renders a transcript of messages for the summarizer,
// including tool call titles and (truncated) outputs for context.
func (p *Processor) buildSummaryPrompt(ctx context.Context, messages []*types.Message) string {
	var prompt strings.Builder
	prompt.WriteString("Please summarize the following conversation, focusing on:\n")
	prompt.WriteString("1. Key decisions and outcomes\n")
	prompt.WriteString("2. Files that were modified\n")
	prompt.WriteString("3. Important context for continuing the work\n\n")
	prompt.WriteString("---\n\n")

	for _, msg := range messages {
		if msg.Role == "user" {
			prompt.WriteString("USER:\n")
		} else {
			prompt.WriteString("ASSISTANT:\n")
		}

		parts, err := p.loadParts(ctx, msg.ID)
		if err != nil {
			continue
		}

		for _, part := range parts {
			switch pt := part.(type) {
			case *types.TextPart:
				prompt.WriteString(pt.Text)
				prompt.WriteString("\n")
			case *types.ToolPart:
				prompt.WriteString(fmt.Sprintf("[Tool: %s]\n", pt.ToolName))
				if pt.Output != nil {
					output := *pt.Output
					if len(output) > 500 {
						output = output[:500] + "..."
					}
					prompt.WriteString(output)
					prompt.WriteString("\n")
				}
			}
		}
		prompt.WriteString("\n")
	}

	return prompt.String()
}

// estimateTokens gives a rough token count (~4 bytes/token) for text whose
// exact tokenization the provider hasn't reported yet.
func estimateTokens(text string) int {
	return len(text) / 4
}
