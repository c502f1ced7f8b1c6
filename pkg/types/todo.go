package types

// TodoStatus is the lifecycle state of a Todo item.
type TodoStatus string

const (
	TodoPending    TodoStatus = "pending"
	TodoInProgress TodoStatus = "in_progress"
	TodoCompleted  TodoStatus = "completed"
	TodoCancelled  TodoStatus = "cancelled"
)

// TodoPriority orders a session's todo list for display.
type TodoPriority string

const (
	TodoLow    TodoPriority = "low"
	TodoMedium TodoPriority = "medium"
	TodoHigh   TodoPriority = "high"
)

// Todo is one entry in a session's task list, maintained by the
// todoread/todowrite tools.
type Todo struct {
	ID        string       `json:"id"`
	SessionID string       `json:"sessionID"`
	Content   string       `json:"content"`
	Status    TodoStatus   `json:"status"`
	Priority  TodoPriority `json:"priority,omitempty"`
}
