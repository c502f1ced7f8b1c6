package session

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/sergi/go-diff/diffmatchpatch"

	"github.com/opencode-core/engine/internal/event"
	"github.com/opencode-core/engine/internal/hooks"
	"github.com/opencode-core/engine/internal/logging"
	"github.com/opencode-core/engine/internal/permission"
	"github.com/opencode-core/engine/internal/tool"
	"github.com/opencode-core/engine/pkg/types"
)

// toolPermissionType maps a tool name to the permission type the gate
// should evaluate it under. Tools absent from this map run unconditionally
// (read-only or otherwise side-effect-free tools like Read, Glob, Grep,
// List, TodoRead, TodoWrite).
func toolPermissionType(toolName string) (permission.PermissionType, bool) {
	switch toolName {
	case "Bash":
		return permission.PermBash, true
	case "Write", "Edit":
		return permission.PermEdit, true
	case "WebFetch":
		return permission.PermWebFetch, true
	default:
		return "", false
	}
}

// executeToolCalls runs every pending tool part queued on state, in order.
// A failing tool captures its error on the part and does not stop the
// remaining calls from running.
func (p *Processor) executeToolCalls(
	ctx context.Context,
	state *sessionState,
	agent *Agent,
	callback ProcessCallback,
) error {
	var pending []*types.ToolPart
	for _, part := range state.parts {
		if toolPart, ok := part.(*types.ToolPart); ok && toolPart.State == types.ToolStatePending {
			pending = append(pending, toolPart)
		}
	}

	for _, toolPart := range pending {
		if err := p.executeSingleTool(ctx, state, agent, toolPart, callback); err != nil {
			logging.Debug().Err(err).Str("tool", toolPart.ToolName).Str("call_id", toolPart.ToolCallID).Msg("tool call failed")
		}
	}

	return nil
}

// executeSingleTool dispatches one tool call: permission gate, execution,
// output truncation, then part persistence.
func (p *Processor) executeSingleTool(
	ctx context.Context,
	state *sessionState,
	agent *Agent,
	toolPart *types.ToolPart,
	callback ProcessCallback,
) error {
	t, ok := p.toolRegistry.Get(toolPart.ToolName)
	if !ok {
		return p.failTool(ctx, state, toolPart, callback, fmt.Sprintf("tool not found: %s", toolPart.ToolName))
	}

	validated := p.hooks.Validate(ctx, hooks.ValidateInput{
		Tool:      toolPart.ToolName,
		SessionID: state.message.SessionID,
		CallID:    toolPart.ToolCallID,
		Args:      []byte(toolPart.Input),
	})
	if validated.Blocked {
		return p.failTool(ctx, state, toolPart, callback, validated.Reason)
	}
	if validated.Args != nil {
		toolPart.Input = json.RawMessage(validated.Args)
	}

	session, _ := p.loadSession(ctx, state.message.SessionID)

	if permType, needsGate := toolPermissionType(toolPart.ToolName); needsGate {
		req := permission.Request{
			Type:      permType,
			Pattern:   toolPermissionPattern(permType, toolPart),
			SessionID: state.message.SessionID,
			MessageID: state.message.ID,
			CallID:    toolPart.ToolCallID,
			Title:     fmt.Sprintf("Allow %s?", toolPart.ToolName),
		}
		projectID := ""
		if session != nil {
			projectID = session.ProjectID
		}
		p.hooks.Notify(ctx, hooks.NotifyInput{SessionID: state.message.SessionID, Type: "permission.ask"})
		if err := p.permissionGate.Evaluate(ctx, state.message.SessionID, agent.Name, projectID, session, req); err != nil {
			return p.failTool(ctx, state, toolPart, callback, err.Error())
		}
	}

	abortCh := make(chan struct{})
	go func() {
		<-ctx.Done()
		close(abortCh)
	}()

	toolCtx := &tool.Context{
		SessionID: state.message.SessionID,
		MessageID: state.message.ID,
		CallID:    toolPart.ToolCallID,
		Agent:     agent.Name,
		WorkDir:   state.message.Path,
		AbortCh:   abortCh,
		Extra: map[string]any{
			"model": state.message.ModelID,
		},
	}

	toolCtx.OnMetadata = func(title string, meta map[string]any) {
		t := title
		toolPart.Title = &t
		if toolPart.Metadata == nil {
			toolPart.Metadata = make(map[string]any)
		}
		for k, v := range meta {
			toolPart.Metadata[k] = v
		}

		event.PublishSync(event.Event{
			Type: event.PartUpdated,
			Data: event.MessagePartUpdatedData{Part: toolPart},
		})
		callback(state.message, state.parts)
	}

	result, err := t.Execute(ctx, toolPart.Input, toolCtx)
	if err != nil {
		return p.failTool(ctx, state, toolPart, callback, err.Error())
	}

	transformed := p.hooks.Transform(ctx, hooks.TransformInput{
		Tool:      toolPart.ToolName,
		SessionID: state.message.SessionID,
		CallID:    toolPart.ToolCallID,
		Title:     result.Title,
		Output:    result.Output,
		Metadata:  result.Metadata,
	})
	result.Title, result.Output, result.Metadata = transformed.Title, transformed.Output, transformed.Metadata

	output, err := p.truncator.Truncate(toolPart.ID, result.Output, tool.DirectionTail)
	if err != nil {
		logging.Warn().Err(err).Str("tool", toolPart.ToolName).Msg("failed to truncate tool output, using untruncated text")
		output = result.Output
	}

	now := time.Now().UnixMilli()
	if err := toolPart.Transition(types.ToolStateCompleted); err != nil {
		return err
	}
	toolPart.Output = &output
	title := result.Title
	toolPart.Title = &title
	toolPart.Time.End = &now

	if result.Metadata != nil {
		if toolPart.Metadata == nil {
			toolPart.Metadata = make(map[string]any)
		}
		for k, v := range result.Metadata {
			toolPart.Metadata[k] = v
		}
	}

	if len(result.Attachments) > 0 {
		toolPart.Attachments = make([]types.Attachment, len(result.Attachments))
		for i, att := range result.Attachments {
			toolPart.Attachments[i] = types.Attachment{
				Filename:  att.Filename,
				MediaType: att.MediaType,
				URL:       att.URL,
			}
		}
	}

	if err := p.recordDiff(ctx, state, toolPart); err != nil {
		logging.Warn().Err(err).Str("tool", toolPart.ToolName).Msg("failed to record file diff")
	}

	p.savePart(ctx, state.message.ID, toolPart)
	event.PublishSync(event.Event{
		Type: event.PartUpdated,
		Data: event.MessagePartUpdatedData{Part: toolPart},
	})
	callback(state.message, state.parts)
	return nil
}

// toolPermissionPattern extracts the pattern the gate should match rules
// against: the bash command line, or the file path for edit-like tools.
func toolPermissionPattern(permType permission.PermissionType, toolPart *types.ToolPart) []string {
	var input map[string]any
	if err := json.Unmarshal(toolPart.Input, &input); err != nil {
		return nil
	}
	switch permType {
	case permission.PermBash:
		if cmd, ok := input["command"].(string); ok {
			return []string{cmd}
		}
	case permission.PermEdit:
		if path, ok := input["filePath"].(string); ok {
			return []string{path}
		}
	case permission.PermWebFetch:
		if url, ok := input["url"].(string); ok {
			return []string{url}
		}
	}
	return nil
}

// failTool marks toolPart as errored, persists and publishes it, and
// returns the failure as an error to the caller.
func (p *Processor) failTool(
	ctx context.Context,
	state *sessionState,
	toolPart *types.ToolPart,
	callback ProcessCallback,
	errMsg string,
) error {
	now := time.Now().UnixMilli()
	if toolPart.State != types.ToolStateCompleted && toolPart.State != types.ToolStateError {
		_ = toolPart.Transition(types.ToolStateError)
	}
	toolPart.Error = &errMsg
	toolPart.Time.End = &now

	p.savePart(ctx, state.message.ID, toolPart)
	event.PublishSync(event.Event{
		Type: event.PartUpdated,
		Data: event.MessagePartUpdatedData{Part: toolPart},
	})
	callback(state.message, state.parts)
	return fmt.Errorf("%s", errMsg)
}

// recordDiff captures a before/after file diff reported via tool metadata
// and folds it into the session's running diff summary.
func (p *Processor) recordDiff(ctx context.Context, state *sessionState, toolPart *types.ToolPart) error {
	if toolPart.Metadata == nil {
		return nil
	}

	path, ok := toolPart.Metadata["file"].(string)
	if !ok || path == "" {
		return nil
	}
	before, okBefore := toolPart.Metadata["before"].(string)
	after, okAfter := toolPart.Metadata["after"].(string)
	if !okBefore || !okAfter {
		return nil
	}

	session, err := p.loadSession(ctx, state.message.SessionID)
	if err != nil {
		return err
	}

	relPath := path
	if session.Directory != "" {
		if rp, err := filepath.Rel(session.Directory, path); err == nil {
			relPath = rp
		}
	}

	diffText, additions, deletions := computeDiff(before, after, relPath)

	diffID := session.ID + ":" + relPath
	now := time.Now().UnixMilli()
	fileDiff := types.FileDiff{Path: relPath, Additions: additions, Deletions: deletions, Diff: diffText}
	if err := p.repo.AddFileDiff(ctx, diffID, session.ID, now, fileDiff); err != nil {
		return err
	}

	diffs, err := p.repo.ListFileDiffs(ctx, session.ID)
	if err != nil {
		return err
	}
	session.Summary.Diffs = diffs
	adds, dels := 0, 0
	for _, d := range diffs {
		adds += d.Additions
		dels += d.Deletions
	}
	session.Summary.Additions = adds
	session.Summary.Deletions = dels
	session.Summary.Files = len(diffs)
	session.Time.Updated = now

	if err := p.repo.PutSession(ctx, session); err != nil {
		return err
	}

	event.Publish(event.Event{
		Type: event.SessionUpdated,
		Data: event.SessionUpdatedData{Info: session},
	})
	event.Publish(event.Event{
		Type: event.FileEdited,
		Data: event.FileEditedData{File: relPath},
	})

	toolPart.Metadata["diff"] = diffText
	return nil
}

// computeDiff returns a unified-diff rendering of before->after along with
// the added/deleted line counts.
func computeDiff(before, after, path string) (string, int, int) {
	dmp := diffmatchpatch.New()
	a, b, lineArray := dmp.DiffLinesToChars(before, after)
	diffs := dmp.DiffMain(a, b, false)
	diffs = dmp.DiffCharsToLines(diffs, lineArray)

	additions, deletions := 0, 0
	for _, d := range diffs {
		switch d.Type {
		case diffmatchpatch.DiffInsert:
			additions += countLines(d.Text)
		case diffmatchpatch.DiffDelete:
			deletions += countLines(d.Text)
		}
	}

	return generateUnifiedDiff(diffs, path), additions, deletions
}

func countLines(text string) int {
	if text == "" {
		return 0
	}
	lines := strings.Count(text, "\n")
	if !strings.HasSuffix(text, "\n") {
		lines++
	}
	return lines
}

// generateUnifiedDiff renders a diffmatchpatch line diff as unified-diff
// text with a few lines of context around each change.
func generateUnifiedDiff(diffs []diffmatchpatch.Diff, path string) string {
	hasChanges := false
	for _, d := range diffs {
		if d.Type != diffmatchpatch.DiffEqual {
			hasChanges = true
			break
		}
	}
	if !hasChanges {
		return ""
	}

	type diffLine struct {
		text     string
		diffType diffmatchpatch.Operation
	}
	var allLines []diffLine
	for _, d := range diffs {
		lines := strings.Split(d.Text, "\n")
		if len(lines) > 0 && lines[len(lines)-1] == "" {
			lines = lines[:len(lines)-1]
		}
		for _, line := range lines {
			allLines = append(allLines, diffLine{text: line, diffType: d.Type})
		}
	}

	const contextLines = 3
	type hunk struct {
		startOld, countOld int
		startNew, countNew int
		lines              []diffLine
	}

	var hunks []hunk
	var currentHunk *hunk

	closeHunk := func() {
		for _, l := range currentHunk.lines {
			switch l.diffType {
			case diffmatchpatch.DiffEqual:
				currentHunk.countOld++
				currentHunk.countNew++
			case diffmatchpatch.DiffDelete:
				currentHunk.countOld++
			case diffmatchpatch.DiffInsert:
				currentHunk.countNew++
			}
		}
		hunks = append(hunks, *currentHunk)
		currentHunk = nil
	}

	for i, line := range allLines {
		isChange := line.diffType != diffmatchpatch.DiffEqual

		if isChange {
			if currentHunk == nil {
				contextStart := i - contextLines
				if contextStart < 0 {
					contextStart = 0
				}
				startOld, startNew := 1, 1
				for j := 0; j < contextStart; j++ {
					switch allLines[j].diffType {
					case diffmatchpatch.DiffEqual:
						startOld++
						startNew++
					case diffmatchpatch.DiffDelete:
						startOld++
					case diffmatchpatch.DiffInsert:
						startNew++
					}
				}
				currentHunk = &hunk{startOld: startOld, startNew: startNew}
				for j := contextStart; j < i; j++ {
					currentHunk.lines = append(currentHunk.lines, allLines[j])
				}
			}
			currentHunk.lines = append(currentHunk.lines, line)
		} else if currentHunk != nil {
			nextChangeIdx := -1
			for j := i + 1; j < len(allLines) && j <= i+contextLines*2; j++ {
				if allLines[j].diffType != diffmatchpatch.DiffEqual {
					nextChangeIdx = j
					break
				}
			}

			if nextChangeIdx != -1 {
				currentHunk.lines = append(currentHunk.lines, line)
			} else {
				for j := i; j < len(allLines) && j < i+contextLines; j++ {
					if allLines[j].diffType == diffmatchpatch.DiffEqual {
						currentHunk.lines = append(currentHunk.lines, allLines[j])
					} else {
						break
					}
				}
				closeHunk()
			}
		}
	}
	if currentHunk != nil {
		closeHunk()
	}

	var buf strings.Builder
	buf.WriteString("Index: " + path + "\n")
	buf.WriteString("===================================================================\n")
	buf.WriteString("--- " + path + "\n")
	buf.WriteString("+++ " + path + "\n")

	for _, h := range hunks {
		buf.WriteString(fmt.Sprintf("@@ -%d,%d +%d,%d @@\n", h.startOld, h.countOld, h.startNew, h.countNew))
		for _, line := range h.lines {
			switch line.diffType {
			case diffmatchpatch.DiffEqual:
				buf.WriteString(" ")
			case diffmatchpatch.DiffDelete:
				buf.WriteString("-")
			case diffmatchpatch.DiffInsert:
				buf.WriteString("+")
			}
			buf.WriteString(line.text)
			buf.WriteString("\n")
		}
	}

	return buf.String()
}
