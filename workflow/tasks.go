package workflow

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/songzhibin97/gkit/generator"
	"go.uber.org/zap"

	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/types"
)

// Advancer is the part of the instance state machine the task manager talks to.
type Advancer interface {
	// CurrentNode returns the cursor and status of an instance.
	CurrentNode(instanceID string) (string, types.InstanceStatus, error)
	// ApplyTaskAction applies a task outcome. On error the instance is unchanged.
	ApplyTaskAction(action TaskAction) error
	// RecordDelegation appends a delegation entry to the instance log.
	RecordDelegation(task types.Task, operator string) error
}

// TaskFilter selects tasks; zero fields match everything.
type TaskFilter struct {
	InstanceID   string
	NodeID       string
	AssigneeRole string
	Status       types.TaskStatus
}

func (f TaskFilter) match(t *types.Task) bool {
	return (f.InstanceID == "" || t.InstanceID == f.InstanceID) &&
		(f.NodeID == "" || t.NodeID == f.NodeID) &&
		(f.AssigneeRole == "" || t.AssigneeRole == f.AssigneeRole) &&
		(f.Status == "" || t.Status == f.Status)
}

// TaskManager exclusively owns the task collection. Every mutation made
// between begin and commit is journaled so the whole operation can be undone.
type TaskManager struct {
	tasks    map[string]*types.Task
	order    []string
	advancer Advancer
	generate generator.Generator
	now      func() int64
	emit     func(events.Event)
	logger   *zap.Logger

	journal map[string]*types.Task
	touched []string
}

func newTaskManager(generate generator.Generator, now func() int64, emit func(events.Event), logger *zap.Logger) *TaskManager {
	return &TaskManager{
		tasks:    make(map[string]*types.Task),
		generate: generate,
		now:      now,
		emit:     emit,
		logger:   logger,
	}
}

// CreateTask allocates a pending task. Uniqueness per node is the caller's concern.
func (tm *TaskManager) CreateTask(instanceID, nodeID, role string) (types.Task, error) {
	id, err := tm.generate.NextID()
	if err != nil {
		return types.Task{}, fmt.Errorf("failed to generate task ID: %w", err)
	}
	task := &types.Task{
		ID:           strconv.FormatUint(id, 10),
		InstanceID:   instanceID,
		NodeID:       nodeID,
		AssigneeRole: role,
		Status:       types.TaskPending,
		CreatedAt:    tm.now(),
	}
	tm.record(task.ID, nil)
	tm.tasks[task.ID] = task
	tm.order = append(tm.order, task.ID)

	tm.emit(events.Event{
		Type:       events.TaskCreated,
		InstanceID: instanceID,
		TaskID:     task.ID,
		NodeID:     nodeID,
		Data:       map[string]interface{}{"assignee_role": role},
	})
	return *task, nil
}

// Approve approves a pending task and asks the state machine to advance.
func (tm *TaskManager) Approve(action TaskAction) (types.Task, error) {
	action.Action = ActionApprove
	return tm.decide(action, types.TaskApproved, events.TaskApproved)
}

// Reject rejects a pending task, which vetoes the whole instance.
func (tm *TaskManager) Reject(action TaskAction) (types.Task, error) {
	action.Action = ActionReject
	return tm.decide(action, types.TaskRejected, events.TaskRejected)
}

func (tm *TaskManager) decide(action TaskAction, status types.TaskStatus, eventType string) (types.Task, error) {
	task, ok := tm.tasks[action.TaskID]
	if !ok {
		return types.Task{}, fmt.Errorf("%w: id=%s", ErrTaskNotFound, action.TaskID)
	}
	if task.Status != types.TaskPending {
		tm.logger.Debug("ignoring action on settled task",
			zap.String("task_id", task.ID), zap.String("status", string(task.Status)))
		return *task, nil
	}

	current, instStatus, err := tm.advancer.CurrentNode(task.InstanceID)
	if err != nil {
		return types.Task{}, err
	}
	if instStatus.Terminal() {
		return types.Task{}, terminal(task.InstanceID)
	}
	if task.NodeID != current {
		return types.Task{}, outOfOrder(task.ID, task.NodeID)
	}

	// tentative flip; the state machine reads it while applying the outcome
	tm.record(task.ID, task)
	prev := *task
	task.Status = status
	task.CompletedAt = tm.now()

	// queued ahead of the advance it causes; a failed operation discards it
	tm.emit(events.Event{
		Type:       eventType,
		InstanceID: task.InstanceID,
		TaskID:     task.ID,
		NodeID:     task.NodeID,
		Data:       map[string]interface{}{"operator": action.Operator, "comment": action.Comment},
	})
	if err := tm.advancer.ApplyTaskAction(action); err != nil {
		*task = prev
		return types.Task{}, err
	}
	return *task, nil
}

// Delegate hands a pending task from operatorRole to toRole.
func (tm *TaskManager) Delegate(taskID, toRole, operatorRole string) (types.Task, error) {
	task, ok := tm.tasks[taskID]
	if !ok {
		return types.Task{}, fmt.Errorf("%w: id=%s", ErrTaskNotFound, taskID)
	}
	if task.Status != types.TaskPending {
		return types.Task{}, notPending(task.ID, task.NodeID)
	}
	if task.AssigneeRole != operatorRole {
		return types.Task{}, notAssignee(task.ID, task.NodeID, operatorRole)
	}
	if toRole == "" || toRole == task.AssigneeRole {
		return types.Task{}, fmt.Errorf("%w: %q", ErrInvalidDelegate, toRole)
	}

	tm.record(task.ID, task)
	prev := *task
	task.DelegatedFrom = task.AssigneeRole
	task.DelegatedAt = tm.now()
	task.AssigneeRole = toRole

	if err := tm.advancer.RecordDelegation(*task, operatorRole); err != nil {
		*task = prev
		return types.Task{}, err
	}

	tm.emit(events.Event{
		Type:       events.TaskDelegated,
		InstanceID: task.InstanceID,
		TaskID:     task.ID,
		NodeID:     task.NodeID,
		Data:       map[string]interface{}{"from": task.DelegatedFrom, "to": toRole},
	})
	return *task, nil
}

// Cancel moves every pending task among taskIDs to cancelled and returns them.
func (tm *TaskManager) Cancel(taskIDs []string, reason string) []types.Task {
	var cancelled []types.Task
	for _, id := range taskIDs {
		task, ok := tm.tasks[id]
		if !ok || task.Status != types.TaskPending {
			continue
		}
		tm.record(task.ID, task)
		task.Status = types.TaskCancelled
		task.CancelReason = reason
		task.CancelledAt = tm.now()
		cancelled = append(cancelled, *task)

		tm.emit(events.Event{
			Type:       events.TaskCancelled,
			InstanceID: task.InstanceID,
			TaskID:     task.ID,
			NodeID:     task.NodeID,
			Data:       map[string]interface{}{"reason": reason},
		})
	}
	return cancelled
}

// Task returns a copy of a task.
func (tm *TaskManager) Task(id string) (types.Task, bool) {
	task, ok := tm.tasks[id]
	if !ok {
		return types.Task{}, false
	}
	return *task, true
}

// TasksForNode returns the tasks of one node of an instance in creation order.
func (tm *TaskManager) TasksForNode(instanceID, nodeID string) []types.Task {
	return tm.List(TaskFilter{InstanceID: instanceID, NodeID: nodeID})
}

// List returns the tasks matching filter in creation order.
func (tm *TaskManager) List(filter TaskFilter) []types.Task {
	out := make([]types.Task, 0)
	for _, id := range tm.order {
		if t := tm.tasks[id]; filter.match(t) {
			out = append(out, *t)
		}
	}
	return out
}

func (tm *TaskManager) load(tasks []types.Task) {
	tm.tasks = make(map[string]*types.Task, len(tasks))
	tm.order = tm.order[:0]
	for i := range tasks {
		t := tasks[i]
		if _, dup := tm.tasks[t.ID]; !dup {
			tm.order = append(tm.order, t.ID)
		}
		tm.tasks[t.ID] = &t
	}
	sort.SliceStable(tm.order, func(i, j int) bool {
		return tm.tasks[tm.order[i]].CreatedAt < tm.tasks[tm.order[j]].CreatedAt
	})
}

func (tm *TaskManager) begin() {
	tm.journal = make(map[string]*types.Task)
	tm.touched = tm.touched[:0]
}

// record saves the value of a task before its first change in the operation;
// a nil prior marks a task created by the operation.
func (tm *TaskManager) record(id string, prior *types.Task) {
	if tm.journal == nil {
		return
	}
	if _, seen := tm.journal[id]; seen {
		return
	}
	if prior != nil {
		cp := *prior
		prior = &cp
	}
	tm.journal[id] = prior
	tm.touched = append(tm.touched, id)
}

// dirty returns the current value of every task touched by the operation.
func (tm *TaskManager) dirty() []types.Task {
	out := make([]types.Task, 0, len(tm.touched))
	for _, id := range tm.touched {
		out = append(out, *tm.tasks[id])
	}
	return out
}

func (tm *TaskManager) rollback() {
	for i := len(tm.touched) - 1; i >= 0; i-- {
		id := tm.touched[i]
		prior := tm.journal[id]
		if prior == nil {
			delete(tm.tasks, id)
			tm.removeFromOrder(id)
			continue
		}
		*tm.tasks[id] = *prior
	}
	tm.journal = nil
	tm.touched = tm.touched[:0]
}

func (tm *TaskManager) commit() {
	tm.journal = nil
	tm.touched = tm.touched[:0]
}

func (tm *TaskManager) removeFromOrder(id string) {
	for i := len(tm.order) - 1; i >= 0; i-- {
		if tm.order[i] == id {
			tm.order = append(tm.order[:i], tm.order[i+1:]...)
			return
		}
	}
}

// snapshot returns every task in creation order.
func (tm *TaskManager) snapshot() []types.Task {
	return tm.List(TaskFilter{})
}
