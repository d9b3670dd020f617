package workflow

// Action is the outcome a human applies to a task.
type Action string

const (
	ActionApprove Action = "approve"
	ActionReject  Action = "reject"
)

// TaskAction is one approval decision on a task.
type TaskAction struct {
	TaskID   string
	Action   Action
	Operator string
	Comment  string
}
