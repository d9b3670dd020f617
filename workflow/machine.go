package workflow

import (
	"fmt"
	"sort"

	"go.uber.org/zap"

	"github.com/songzhibin97/approval-engine/events"
	"github.com/songzhibin97/approval-engine/graph"
	"github.com/songzhibin97/approval-engine/types"
)

// TaskCoordinator is the part of the task manager the state machine talks to.
type TaskCoordinator interface {
	CreateTask(instanceID, nodeID, role string) (types.Task, error)
	Cancel(taskIDs []string, reason string) []types.Task
	TasksForNode(instanceID, nodeID string) []types.Task
	Task(id string) (types.Task, bool)
}

// InstanceFilter selects instances; zero fields match everything.
type InstanceFilter struct {
	DefinitionID string
	Status       types.InstanceStatus
	CreatedBy    string
}

func (f InstanceFilter) match(inst *types.Instance) bool {
	return (f.DefinitionID == "" || inst.DefinitionID == f.DefinitionID) &&
		(f.Status == "" || inst.Status == f.Status) &&
		(f.CreatedBy == "" || inst.CreatedBy == f.CreatedBy)
}

const (
	reasonPeerApproved = "peer approved under MATCH_ANY"
	reasonRejected     = "node rejected"
)

// Machine owns the instance collection and moves instances between approval
// nodes. Task changes go through the TaskCoordinator only.
type Machine struct {
	instances map[string]*types.Instance
	order     []string
	resolver  *graph.Resolver
	tasks     TaskCoordinator
	now       func() int64
	emit      func(events.Event)
	logger    *zap.Logger

	journal map[string]*types.Instance
	touched []string
}

func newMachine(resolver *graph.Resolver, tasks TaskCoordinator, now func() int64, emit func(events.Event), logger *zap.Logger) *Machine {
	return &Machine{
		instances: make(map[string]*types.Instance),
		resolver:  resolver,
		tasks:     tasks,
		now:       now,
		emit:      emit,
		logger:    logger,
	}
}

// Start creates a running instance from a frozen copy of def and moves it to
// its first approval node, or straight to approved when none lies on the path.
// Nothing is created when the first resting node cannot be resolved.
func (m *Machine) Start(def types.Definition, instanceID string, form map[string]interface{}, createdBy string) (types.Instance, error) {
	snapshot := def.Clone()
	g := graph.New(snapshot.Nodes, snapshot.Edges)
	start, ok := g.Start()
	if !ok {
		return types.Instance{}, fmt.Errorf("%w: definition %s has no start node", ErrCannotAdvance, def.ID)
	}

	form = types.CloneMap(form)
	if form == nil {
		form = make(map[string]interface{})
	}
	target, err := m.walk(g, start.ID, types.FormContext{Form: form})
	if err != nil {
		return types.Instance{}, err
	}

	now := m.now()
	inst := &types.Instance{
		InstanceID:         instanceID,
		DefinitionID:       def.ID,
		DefinitionSnapshot: &snapshot,
		CurrentNodeID:      start.ID,
		Status:             types.InstanceRunning,
		FormData:           form,
		ApprovalRecords:    make(map[string]*types.ApprovalRecord),
		Logs:               []types.LogEntry{{Action: types.LogStart, NodeID: start.ID, Operator: createdBy, At: now}},
		CreatedBy:          createdBy,
		CreatedAt:          now,
		UpdatedAt:          now,
	}
	m.emit(events.Event{
		Type:       events.InstanceStarted,
		InstanceID: instanceID,
		NodeID:     start.ID,
		Data:       map[string]interface{}{"definition_id": def.ID, "created_by": createdBy},
	})
	if err := m.arrive(inst, target); err != nil {
		return types.Instance{}, err
	}

	m.track(instanceID, nil)
	m.instances[instanceID] = inst
	m.order = append(m.order, instanceID)
	m.logger.Info("instance started",
		zap.String("instance_id", instanceID),
		zap.String("definition_id", def.ID),
		zap.String("current_node", inst.CurrentNodeID),
		zap.String("status", string(inst.Status)))
	return inst.Clone(), nil
}

// CurrentNode returns the cursor and status of an instance.
func (m *Machine) CurrentNode(instanceID string) (string, types.InstanceStatus, error) {
	inst, ok := m.instances[instanceID]
	if !ok {
		return "", "", fmt.Errorf("%w: id=%s", ErrInstanceNotFound, instanceID)
	}
	return inst.CurrentNodeID, inst.Status, nil
}

// ApplyTaskAction applies an approve or reject outcome of a task whose status
// the task manager has already flipped. On error the instance is left as it was.
func (m *Machine) ApplyTaskAction(action TaskAction) error {
	task, ok := m.tasks.Task(action.TaskID)
	if !ok {
		return fmt.Errorf("%w: id=%s", ErrTaskNotFound, action.TaskID)
	}
	inst, ok := m.instances[task.InstanceID]
	if !ok {
		return fmt.Errorf("%w: id=%s", ErrInstanceNotFound, task.InstanceID)
	}
	if inst.Status.Terminal() {
		return terminal(inst.InstanceID)
	}
	if inst.CurrentNodeID != task.NodeID {
		return outOfOrder(task.ID, task.NodeID)
	}
	if inst.DefinitionSnapshot == nil {
		return fmt.Errorf("%w: instance %s has no definition snapshot", ErrCannotAdvance, inst.InstanceID)
	}
	g := graph.New(inst.DefinitionSnapshot.Nodes, inst.DefinitionSnapshot.Edges)
	node, ok := g.Node(task.NodeID)
	if !ok {
		return fmt.Errorf("%w: node %s missing from snapshot", ErrCannotAdvance, task.NodeID)
	}

	prior := inst.Clone()
	var err error
	switch action.Action {
	case ActionApprove:
		err = m.approve(inst, g, node, task, action)
	case ActionReject:
		err = m.reject(inst, node, task, action)
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAction, action.Action)
	}
	if err != nil {
		*inst = prior
		return err
	}
	return nil
}

func (m *Machine) approve(inst *types.Instance, g *graph.Graph, node types.Node, task types.Task, action TaskAction) error {
	rec := m.approvalRecord(inst, node)
	rec.ApprovedTaskIDs = rec.ApprovedTaskIDs.Add(task.ID)

	if !rec.Satisfied() {
		m.track(inst.InstanceID, inst)
		inst.ApprovalRecords[node.ID] = rec
		m.appendLog(inst, types.LogApprove, task, action)
		return nil
	}

	// resolve before touching anything so a dead end leaves no trace
	next, err := m.walk(g, node.ID, types.FormContext{Form: inst.FormData})
	if err != nil {
		m.logger.Warn("cannot advance after consensus",
			zap.String("instance_id", inst.InstanceID),
			zap.String("node_id", node.ID),
			zap.Error(err))
		return err
	}

	m.track(inst.InstanceID, inst)
	inst.ApprovalRecords[node.ID] = rec
	m.tasks.Cancel(m.pendingSiblings(inst.InstanceID, node.ID), reasonPeerApproved)
	m.appendLog(inst, types.LogApprove, task, action)
	return m.arrive(inst, next)
}

func (m *Machine) reject(inst *types.Instance, node types.Node, task types.Task, action TaskAction) error {
	rec := m.approvalRecord(inst, node)
	rec.RejectedTaskIDs = rec.RejectedTaskIDs.Add(task.ID)

	m.track(inst.InstanceID, inst)
	inst.ApprovalRecords[node.ID] = rec
	inst.Status = types.InstanceRejected
	inst.CurrentNodeID = ""
	m.tasks.Cancel(m.pendingSiblings(inst.InstanceID, node.ID), reasonRejected)
	m.appendLog(inst, types.LogReject, task, action)

	m.emit(events.Event{
		Type:       events.InstanceRejected,
		InstanceID: inst.InstanceID,
		TaskID:     task.ID,
		NodeID:     node.ID,
		Data:       map[string]interface{}{"operator": action.Operator},
	})
	return nil
}

// RecordDelegation appends a delegation entry to the instance log.
func (m *Machine) RecordDelegation(task types.Task, operator string) error {
	inst, ok := m.instances[task.InstanceID]
	if !ok {
		return fmt.Errorf("%w: id=%s", ErrInstanceNotFound, task.InstanceID)
	}
	m.track(inst.InstanceID, inst)
	now := m.now()
	inst.Logs = append(inst.Logs, types.LogEntry{
		Action:   types.LogDelegate,
		NodeID:   task.NodeID,
		TaskID:   task.ID,
		Operator: operator,
		Comment:  task.DelegatedFrom + " -> " + task.AssigneeRole,
		At:       now,
	})
	inst.UpdatedAt = now
	return nil
}

// walk resolves from a node through gateways to the next resting node, an
// approval or end node. It mutates nothing.
func (m *Machine) walk(g *graph.Graph, from string, ctx types.FormContext) (types.Node, error) {
	visited := map[string]bool{from: true}
	current := from
	for step := 0; step < graph.MaxWalkSteps; step++ {
		next, ok := m.resolver.NextNode(g, current, ctx)
		if !ok {
			return types.Node{}, fmt.Errorf("%w: no matching or default edge from %s", ErrCannotAdvance, current)
		}
		if visited[next] {
			return types.Node{}, fmt.Errorf("%w: cycle through %s", ErrCannotAdvance, next)
		}
		visited[next] = true
		node, ok := g.Node(next)
		if !ok {
			return types.Node{}, fmt.Errorf("%w: unknown node %s", ErrCannotAdvance, next)
		}
		switch node.Type {
		case types.NodeEnd:
			return node, nil
		case types.NodeApproval:
			if len(node.Roles()) == 0 {
				return types.Node{}, fmt.Errorf("%w: approval node %s has no approver roles", ErrCannotAdvance, node.ID)
			}
			return node, nil
		}
		current = next
	}
	return types.Node{}, fmt.Errorf("%w: walk exceeded %d steps", ErrCannotAdvance, graph.MaxWalkSteps)
}

// arrive rests the cursor on node: end approves the instance, an approval
// node gets its tasks and record.
func (m *Machine) arrive(inst *types.Instance, node types.Node) error {
	inst.UpdatedAt = m.now()
	if node.Type == types.NodeEnd {
		inst.Status = types.InstanceApproved
		inst.CurrentNodeID = ""
		m.emit(events.Event{
			Type:       events.InstanceApproved,
			InstanceID: inst.InstanceID,
			NodeID:     node.ID,
		})
		return nil
	}

	inst.CurrentNodeID = node.ID
	if err := m.enterApproval(inst, node); err != nil {
		return err
	}
	m.emit(events.Event{
		Type:       events.InstanceAdvanced,
		InstanceID: inst.InstanceID,
		NodeID:     node.ID,
		Data:       map[string]interface{}{"label": graph.Label(node)},
	})
	return nil
}

// enterApproval upserts the tasks and record of an approval node, keyed by
// (instance, node). A node that already has a record is left alone.
func (m *Machine) enterApproval(inst *types.Instance, node types.Node) error {
	if _, ok := inst.ApprovalRecords[node.ID]; ok {
		return nil
	}
	rec := &types.ApprovalRecord{Mode: node.Mode()}
	for _, role := range node.Roles() {
		task, err := m.tasks.CreateTask(inst.InstanceID, node.ID, role)
		if err != nil {
			return err
		}
		rec.TaskIDs = rec.TaskIDs.Add(task.ID)
	}
	inst.ApprovalRecords[node.ID] = rec
	return nil
}

// approvalRecord returns a working copy of the node's record, seeding one from
// the node's live tasks when the instance has none.
func (m *Machine) approvalRecord(inst *types.Instance, node types.Node) *types.ApprovalRecord {
	if rec, ok := inst.ApprovalRecords[node.ID]; ok && rec != nil {
		return rec.Clone()
	}
	rec := &types.ApprovalRecord{Mode: node.Mode()}
	for _, t := range m.tasks.TasksForNode(inst.InstanceID, node.ID) {
		if t.Status != types.TaskCancelled {
			rec.TaskIDs = rec.TaskIDs.Add(t.ID)
		}
	}
	return rec
}

func (m *Machine) pendingSiblings(instanceID, nodeID string) []string {
	var ids []string
	for _, t := range m.tasks.TasksForNode(instanceID, nodeID) {
		if t.Status == types.TaskPending {
			ids = append(ids, t.ID)
		}
	}
	return ids
}

func (m *Machine) appendLog(inst *types.Instance, action string, task types.Task, ta TaskAction) {
	now := m.now()
	inst.Logs = append(inst.Logs, types.LogEntry{
		Action:   action,
		NodeID:   task.NodeID,
		TaskID:   task.ID,
		Operator: ta.Operator,
		Comment:  ta.Comment,
		At:       now,
	})
	inst.UpdatedAt = now
}

// Get returns a copy of an instance.
func (m *Machine) Get(id string) (types.Instance, bool) {
	inst, ok := m.instances[id]
	if !ok {
		return types.Instance{}, false
	}
	return inst.Clone(), true
}

// List returns copies of the instances matching filter in creation order.
func (m *Machine) List(filter InstanceFilter) []types.Instance {
	out := make([]types.Instance, 0)
	for _, id := range m.order {
		if inst := m.instances[id]; filter.match(inst) {
			out = append(out, inst.Clone())
		}
	}
	return out
}

func (m *Machine) load(instances map[string]types.Instance) {
	m.instances = make(map[string]*types.Instance, len(instances))
	m.order = make([]string, 0, len(instances))
	for id, inst := range instances {
		cp := inst.Clone()
		if cp.InstanceID == "" {
			cp.InstanceID = id
		}
		if cp.ApprovalRecords == nil {
			cp.ApprovalRecords = make(map[string]*types.ApprovalRecord)
		}
		m.instances[cp.InstanceID] = &cp
		m.order = append(m.order, cp.InstanceID)
	}
	sort.SliceStable(m.order, func(i, j int) bool {
		a, b := m.instances[m.order[i]], m.instances[m.order[j]]
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return a.InstanceID < b.InstanceID
	})
}

func (m *Machine) begin() {
	m.journal = make(map[string]*types.Instance)
	m.touched = m.touched[:0]
}

// track saves an instance before its first change in the operation; a nil
// prior marks an instance created by the operation.
func (m *Machine) track(id string, prior *types.Instance) {
	if m.journal == nil {
		return
	}
	if _, seen := m.journal[id]; seen {
		return
	}
	if prior != nil {
		cp := prior.Clone()
		prior = &cp
	}
	m.journal[id] = prior
	m.touched = append(m.touched, id)
}

func (m *Machine) dirty() []types.Instance {
	out := make([]types.Instance, 0, len(m.touched))
	for _, id := range m.touched {
		out = append(out, m.instances[id].Clone())
	}
	return out
}

func (m *Machine) rollback() {
	for i := len(m.touched) - 1; i >= 0; i-- {
		id := m.touched[i]
		prior := m.journal[id]
		if prior == nil {
			delete(m.instances, id)
			for j := len(m.order) - 1; j >= 0; j-- {
				if m.order[j] == id {
					m.order = append(m.order[:j], m.order[j+1:]...)
					break
				}
			}
			continue
		}
		*m.instances[id] = *prior
	}
	m.journal = nil
	m.touched = m.touched[:0]
}

func (m *Machine) commit() {
	m.journal = nil
	m.touched = m.touched[:0]
}

func (m *Machine) snapshot() map[string]types.Instance {
	out := make(map[string]types.Instance, len(m.instances))
	for id, inst := range m.instances {
		out[id] = inst.Clone()
	}
	return out
}
