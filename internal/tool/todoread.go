package tool

import (
	"context"
	"encoding/json"
	"fmt"

	einotool "github.com/cloudwego/eino/components/tool"
	"github.com/opencode-core/engine/internal/repo"
	"github.com/opencode-core/engine/pkg/types"
)

const todoreadDescription = `Use this tool to read your todo list`

// TodoReadTool reads the current todo list for a session.
type TodoReadTool struct {
	workDir string
	repo    *repo.Repo
}

// NewTodoReadTool creates a new todoread tool.
func NewTodoReadTool(workDir string, r *repo.Repo) *TodoReadTool {
	return &TodoReadTool{
		workDir: workDir,
		repo:    r,
	}
}

func (t *TodoReadTool) ID() string          { return "todoread" }
func (t *TodoReadTool) Description() string { return todoreadDescription }

func (t *TodoReadTool) Parameters() json.RawMessage {
	return json.RawMessage(`{
		"type": "object",
		"properties": {},
		"required": []
	}`)
}

func (t *TodoReadTool) Execute(ctx context.Context, input json.RawMessage, toolCtx *Context) (*Result, error) {
	todos, err := t.repo.ListTodos(ctx, toolCtx.SessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to get todos: %w", err)
	}
	if todos == nil {
		todos = []types.Todo{}
	}

	nonCompleted := 0
	for _, todo := range todos {
		if todo.Status != types.TodoCompleted {
			nonCompleted++
		}
	}

	output, _ := json.MarshalIndent(todos, "", "  ")
	return &Result{
		Title:  fmt.Sprintf("%d todos", nonCompleted),
		Output: string(output),
		Metadata: map[string]any{
			"todos": todos,
		},
	}, nil
}

func (t *TodoReadTool) EinoTool() einotool.InvokableTool {
	return &einoToolWrapper{tool: t}
}
