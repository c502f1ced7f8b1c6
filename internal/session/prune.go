package session

import (
	"context"
	"time"

	"github.com/opencode-core/engine/internal/logging"
	"github.com/opencode-core/engine/pkg/types"
)

const (
	// PruneProtect is the budget of completed-tool-output tokens, counted
	// newest-first, that stays fully visible to future prompt
	// reconstruction before any pruning is considered.
	PruneProtect = 40000
	// PruneMinimum is the minimum amount of prunable tool-output tokens
	// beyond PruneProtect required before a prune pass marks anything.
	// This keeps prune from nibbling a few tokens at a time.
	PruneMinimum = 20000
	// PruneProtectedUserTurns is the number of most recent user turns
	// whose tool output prune never touches, regardless of size.
	PruneProtectedUserTurns = 2
)

// pruneMessages walks parts newest to oldest, skipping the last
// PruneProtectedUserTurns user turns, and marks completed tool outputs
// older than the PruneProtect budget as compacted once the prunable total
// clears PruneMinimum. It is a pure metadata change: the output text is
// never altered or deleted, only elided from future prompt reconstruction
// via its Compacted marker. Already-compacted parts still count toward
// the accumulated budget but are never re-marked, so running pruneMessages
// twice without new turns produces no new compacted marks.
func (p *Processor) pruneMessages(ctx context.Context, sessionID string, messages []*types.Message) error {
	protectedFrom := protectedUserTurnStart(messages, PruneProtectedUserTurns)

	type candidate struct {
		part   *types.ToolPart
		tokens int
	}

	var accumulated int
	var prunable []candidate

	for i := len(messages) - 1; i >= 0; i-- {
		if i >= protectedFrom {
			continue
		}
		parts, err := p.loadParts(ctx, messages[i].ID)
		if err != nil {
			continue
		}
		for _, part := range parts {
			toolPart, ok := part.(*types.ToolPart)
			if !ok || toolPart.State != types.ToolStateCompleted || toolPart.Output == nil {
				continue
			}
			tokens := estimateTokens(*toolPart.Output)

			if toolPart.Compacted != nil {
				accumulated += tokens
				continue
			}
			if accumulated < PruneProtect {
				accumulated += tokens
				continue
			}
			prunable = append(prunable, candidate{part: toolPart, tokens: tokens})
		}
	}

	var prunableTotal int
	for _, c := range prunable {
		prunableTotal += c.tokens
	}
	if prunableTotal < PruneMinimum {
		return nil
	}

	now := time.Now().UnixMilli()
	for _, c := range prunable {
		c.part.Compacted = &now
		if err := p.repo.PutPart(ctx, c.part); err != nil {
			logging.Warn().Err(err).Str("part_id", c.part.ID).Msg("failed to mark tool part pruned")
		}
	}

	logging.Debug().Str("session_id", sessionID).Int("parts_pruned", len(prunable)).Msg("prune finished")
	return nil
}

// protectedUserTurnStart returns the index of the first message in the last
// n user turns (a turn is a user message plus everything up to the next
// user message), so messages at or after that index are never pruned.
// With fewer than n user turns in the whole history, it returns 0 and
// every message is protected.
func protectedUserTurnStart(messages []*types.Message, n int) int {
	userTurns := 0
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == "user" {
			userTurns++
			if userTurns == n {
				return i
			}
		}
	}
	return 0
}
