package types

import "encoding/json"

// NodeType is the kind of a node in a process definition graph.
type NodeType string

const (
	NodeStart    NodeType = "start"
	NodeApproval NodeType = "approval"
	NodeGateway  NodeType = "gateway"
	NodeEnd      NodeType = "end"
)

// ApprovalMode decides how many approvals satisfy an approval node.
type ApprovalMode string

const (
	// MatchAll (会签) requires every assigned approver to approve.
	MatchAll ApprovalMode = "MATCH_ALL"
	// MatchAny (或签) is satisfied by the first approval.
	MatchAny ApprovalMode = "MATCH_ANY"
)

// Operator is a comparison operator of a structured condition.
type Operator string

const (
	OpEq  Operator = "eq"
	OpNeq Operator = "neq"
	OpGt  Operator = "gt"
	OpGte Operator = "gte"
	OpLt  Operator = "lt"
	OpLte Operator = "lte"
)

// DefinitionStatus is the publication state of a definition.
type DefinitionStatus string

const (
	DefinitionDraft     DefinitionStatus = "draft"
	DefinitionPublished DefinitionStatus = "published"
)

// InstanceStatus is the lifecycle state of a process instance.
type InstanceStatus string

const (
	InstanceRunning  InstanceStatus = "running"
	InstanceApproved InstanceStatus = "approved"
	InstanceRejected InstanceStatus = "rejected"
)

// Terminal reports whether no further transitions are allowed.
func (s InstanceStatus) Terminal() bool {
	return s == InstanceApproved || s == InstanceRejected
}

// TaskStatus is the lifecycle state of an approval task.
type TaskStatus string

const (
	TaskPending   TaskStatus = "pending"
	TaskApproved  TaskStatus = "approved"
	TaskRejected  TaskStatus = "rejected"
	TaskCancelled TaskStatus = "cancelled"
)

// Log actions recorded on an instance.
const (
	LogStart    = "start"
	LogApprove  = "approve"
	LogReject   = "reject"
	LogDelegate = "delegate"
	LogCancel   = "cancel"
)

// Definition is a process definition. It is immutable once published.
type Definition struct {
	ID            string           `json:"id" yaml:"id"`
	DefinitionKey string           `json:"definitionKey" yaml:"definitionKey"`
	Name          string           `json:"name,omitempty" yaml:"name,omitempty"`
	Version       int              `json:"version" yaml:"version"`
	Status        DefinitionStatus `json:"status" yaml:"status"`
	Nodes         []Node           `json:"nodes" yaml:"nodes"`
	Edges         []Edge           `json:"edges" yaml:"edges"`
	CreatedAt     int64            `json:"createdAt,omitempty" yaml:"createdAt,omitempty"`
	PublishedAt   int64            `json:"publishedAt,omitempty" yaml:"publishedAt,omitempty"`
}

// Clone returns a deep copy of the definition.
func (d Definition) Clone() Definition {
	out := d
	out.Nodes = make([]Node, len(d.Nodes))
	for i, n := range d.Nodes {
		out.Nodes[i] = n.Clone()
	}
	out.Edges = make([]Edge, len(d.Edges))
	for i, e := range d.Edges {
		out.Edges[i] = e.Clone()
	}
	return out
}

// Node is a vertex of the definition graph.
type Node struct {
	ID     string      `json:"id" yaml:"id"`
	Type   NodeType    `json:"type" yaml:"type"`
	Name   string      `json:"name,omitempty" yaml:"name,omitempty"`
	Label  string      `json:"label,omitempty" yaml:"label,omitempty"`
	Config *NodeConfig `json:"config,omitempty" yaml:"config,omitempty"`
}

// Clone returns a deep copy of the node.
func (n Node) Clone() Node {
	if n.Config != nil {
		cfg := *n.Config
		cfg.ApproverRoles = append([]string(nil), n.Config.ApproverRoles...)
		n.Config = &cfg
	}
	return n
}

// Roles returns the configured approver roles with duplicates and blanks removed.
func (n Node) Roles() []string {
	if n.Config == nil {
		return nil
	}
	seen := make(map[string]bool, len(n.Config.ApproverRoles))
	roles := make([]string, 0, len(n.Config.ApproverRoles))
	for _, r := range n.Config.ApproverRoles {
		if r == "" || seen[r] {
			continue
		}
		seen[r] = true
		roles = append(roles, r)
	}
	return roles
}

// Mode returns the approval mode, MatchAll when unset.
func (n Node) Mode() ApprovalMode {
	if n.Config == nil || n.Config.ApprovalMode == "" {
		return MatchAll
	}
	return n.Config.ApprovalMode
}

// NodeConfig holds the settings of an approval node.
type NodeConfig struct {
	ApproverRoles []string     `json:"approverRoles" yaml:"approverRoles"`
	ApprovalMode  ApprovalMode `json:"approvalMode" yaml:"approvalMode"`
}

// EdgeRef points at a node.
type EdgeRef struct {
	NodeID string `json:"nodeId" yaml:"nodeId"`
}

// Edge connects two nodes. Only gateway outgoing edges carry a condition or default marker.
type Edge struct {
	ID        string     `json:"id" yaml:"id"`
	From      EdgeRef    `json:"from" yaml:"from"`
	To        EdgeRef    `json:"to" yaml:"to"`
	Condition *Condition `json:"condition,omitempty" yaml:"condition,omitempty"`
	IsDefault bool       `json:"isDefault,omitempty" yaml:"isDefault,omitempty"`
}

// Clone returns a deep copy of the edge.
func (e Edge) Clone() Edge {
	if e.Condition != nil {
		c := *e.Condition
		e.Condition = &c
	}
	return e
}

// UnmarshalJSON accepts both the canonical {from:{nodeId}} shape and the
// flat {source, target} shape emitted by older designer versions.
func (e *Edge) UnmarshalJSON(data []byte) error {
	type plain Edge
	var raw struct {
		plain
		Source string `json:"source"`
		Target string `json:"target"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	*e = Edge(raw.plain)
	if e.From.NodeID == "" {
		e.From.NodeID = raw.Source
	}
	if e.To.NodeID == "" {
		e.To.NodeID = raw.Target
	}
	return nil
}

// Condition guards a gateway edge. Either Left/Op/Right or Expression is set.
type Condition struct {
	Left       string      `json:"left,omitempty" yaml:"left,omitempty"`
	Op         Operator    `json:"op,omitempty" yaml:"op,omitempty"`
	Right      interface{} `json:"right" yaml:"right"`
	Expression string      `json:"expression,omitempty" yaml:"expression,omitempty"`
}

// FormContext is the evaluation context of conditions.
type FormContext struct {
	Form map[string]interface{} `json:"form"`
}

// PathStep is one approval node of an approval path.
type PathStep struct {
	ID    string `json:"id"`
	Label string `json:"label"`
}

// IDSet is an insertion-ordered set of identifiers.
type IDSet []string

// Contains reports whether id is a member.
func (s IDSet) Contains(id string) bool {
	for _, v := range s {
		if v == id {
			return true
		}
	}
	return false
}

// Add appends id unless already present.
func (s IDSet) Add(id string) IDSet {
	if s.Contains(id) {
		return s
	}
	return append(s, id)
}

// ApprovalRecord tracks the consensus state of one approval node of an instance.
type ApprovalRecord struct {
	Mode            ApprovalMode `json:"mode"`
	TaskIDs         IDSet        `json:"taskIds"`
	ApprovedTaskIDs IDSet        `json:"approvedTaskIds"`
	RejectedTaskIDs IDSet        `json:"rejectedTaskIds"`
}

// Clone returns a deep copy of the record.
func (r ApprovalRecord) Clone() *ApprovalRecord {
	return &ApprovalRecord{
		Mode:            r.Mode,
		TaskIDs:         append(IDSet(nil), r.TaskIDs...),
		ApprovedTaskIDs: append(IDSet(nil), r.ApprovedTaskIDs...),
		RejectedTaskIDs: append(IDSet(nil), r.RejectedTaskIDs...),
	}
}

// Satisfied reports whether the recorded approvals meet the consensus mode.
func (r ApprovalRecord) Satisfied() bool {
	if len(r.TaskIDs) == 0 {
		return false
	}
	if r.Mode == MatchAny {
		return len(r.ApprovedTaskIDs) > 0
	}
	for _, id := range r.TaskIDs {
		if !r.ApprovedTaskIDs.Contains(id) {
			return false
		}
	}
	return true
}

// LogEntry is one audit record of an instance.
type LogEntry struct {
	Action   string `json:"action"`
	NodeID   string `json:"nodeId,omitempty"`
	TaskID   string `json:"taskId,omitempty"`
	Operator string `json:"operator,omitempty"`
	Comment  string `json:"comment,omitempty"`
	At       int64  `json:"at"`
}

// Instance is a running or finished execution of a definition snapshot.
// CurrentNodeID is empty once the instance is terminal.
type Instance struct {
	InstanceID         string                     `json:"instanceId"`
	DefinitionID       string                     `json:"definitionId"`
	DefinitionSnapshot *Definition                `json:"definitionSnapshot"`
	CurrentNodeID      string                     `json:"currentNodeId"`
	Status             InstanceStatus             `json:"status"`
	FormData           map[string]interface{}     `json:"formData"`
	ApprovalRecords    map[string]*ApprovalRecord `json:"approvalRecords"`
	Logs               []LogEntry                 `json:"logs"`
	CreatedBy          string                     `json:"createdBy"`
	CreatedAt          int64                      `json:"createdAt"`
	UpdatedAt          int64                      `json:"updatedAt"`
}

// Clone returns a deep copy of the instance.
func (i Instance) Clone() Instance {
	out := i
	if i.DefinitionSnapshot != nil {
		snap := i.DefinitionSnapshot.Clone()
		out.DefinitionSnapshot = &snap
	}
	out.FormData = CloneMap(i.FormData)
	out.ApprovalRecords = make(map[string]*ApprovalRecord, len(i.ApprovalRecords))
	for k, r := range i.ApprovalRecords {
		if r == nil {
			continue
		}
		out.ApprovalRecords[k] = r.Clone()
	}
	out.Logs = append([]LogEntry(nil), i.Logs...)
	return out
}

// Task is a single approver's unit of work on an approval node.
type Task struct {
	ID            string     `json:"id"`
	InstanceID    string     `json:"instanceId"`
	NodeID        string     `json:"nodeId"`
	AssigneeRole  string     `json:"assigneeRole"`
	Status        TaskStatus `json:"status"`
	DelegatedFrom string     `json:"delegatedFrom,omitempty"`
	DelegatedAt   int64      `json:"delegatedAt,omitempty"`
	CancelReason  string     `json:"cancelReason,omitempty"`
	CancelledAt   int64      `json:"cancelledAt,omitempty"`
	CompletedAt   int64      `json:"completedAt,omitempty"`
	CreatedAt     int64      `json:"createdAt"`
}

// CloneMap deep-copies nested maps and slices of a form value mapping.
func CloneMap(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return nil
	}
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v interface{}) interface{} {
	switch val := v.(type) {
	case map[string]interface{}:
		return CloneMap(val)
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	default:
		return v
	}
}
