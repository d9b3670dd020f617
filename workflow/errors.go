package workflow

import (
	"errors"
	"fmt"
)

// Standard error definitions
var (
	ErrDefinitionNotFound  = errors.New("definition not found")
	ErrInstanceNotFound    = errors.New("instance not found")
	ErrTaskNotFound        = errors.New("task not found")
	ErrNotPublished        = errors.New("definition is not published")
	ErrDefinitionImmutable = errors.New("published definition cannot be modified")
	ErrCannotAdvance       = errors.New("cannot determine next step")
	ErrUnknownAction       = errors.New("unknown task action")
	ErrInvalidDelegate     = errors.New("invalid delegation target")

	// ErrApprovalGuard matches every *GuardError through errors.Is.
	ErrApprovalGuard = errors.New("approval guard violated")
)

// GuardKind tags the precondition a GuardError reports.
type GuardKind string

const (
	// GuardOutOfOrder: the task's node is not the instance's current node.
	GuardOutOfOrder GuardKind = "out_of_order"
	// GuardNotPending: the task already reached a terminal status.
	GuardNotPending GuardKind = "not_pending"
	// GuardNotAssignee: the operator does not hold the task.
	GuardNotAssignee GuardKind = "not_assignee"
	// GuardTerminal: the instance is already approved or rejected.
	GuardTerminal GuardKind = "terminal"
)

// GuardError reports a task acted on out of turn or with a violated
// precondition. No state is mutated when it is returned.
type GuardError struct {
	Kind    GuardKind
	TaskID  string
	NodeID  string
	Message string
}

func (e *GuardError) Error() string {
	return e.Message
}

// Is makes errors.Is(err, ErrApprovalGuard) hold for every GuardError.
func (e *GuardError) Is(target error) bool {
	return target == ErrApprovalGuard
}

// AsGuardError unwraps err into a *GuardError.
func AsGuardError(err error) (*GuardError, bool) {
	var g *GuardError
	if errors.As(err, &g) {
		return g, true
	}
	return nil, false
}

func outOfOrder(taskID, nodeID string) *GuardError {
	return &GuardError{
		Kind:    GuardOutOfOrder,
		TaskID:  taskID,
		NodeID:  nodeID,
		Message: "process has not reached this node; out-of-order approval rejected",
	}
}

func notPending(taskID, nodeID string) *GuardError {
	return &GuardError{
		Kind:    GuardNotPending,
		TaskID:  taskID,
		NodeID:  nodeID,
		Message: fmt.Sprintf("task %s is no longer pending", taskID),
	}
}

func notAssignee(taskID, nodeID, operator string) *GuardError {
	return &GuardError{
		Kind:    GuardNotAssignee,
		TaskID:  taskID,
		NodeID:  nodeID,
		Message: fmt.Sprintf("role %s is not the assignee of task %s", operator, taskID),
	}
}

func terminal(instanceID string) *GuardError {
	return &GuardError{
		Kind:    GuardTerminal,
		Message: fmt.Sprintf("process instance %s has already finished", instanceID),
	}
}
