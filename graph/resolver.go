package graph

import (
	"strings"

	"github.com/songzhibin97/approval-engine/rules"
	"github.com/songzhibin97/approval-engine/types"
)

// MaxWalkSteps bounds every graph walk regardless of the visited-set guard.
const MaxWalkSteps = 200

const fallbackLabel = "Approval Node"

// Resolver walks definition graphs with a condition Evaluator. It holds no
// mutable state and is safe for concurrent use.
type Resolver struct {
	evaluator rules.Evaluator
}

// NewResolver creates a Resolver. A nil evaluator selects rules' default.
func NewResolver(evaluator rules.Evaluator) *Resolver {
	if evaluator == nil {
		evaluator = rules.NewConditionEvaluator()
	}
	return &Resolver{evaluator: evaluator}
}

var defaultResolver = NewResolver(nil)

// NextNode resolves the next node with the default resolver.
func NextNode(g *Graph, fromNodeID string, ctx types.FormContext) (string, bool) {
	return defaultResolver.NextNode(g, fromNodeID, ctx)
}

// BuildApprovalPath builds the approval path with the default resolver.
func BuildApprovalPath(source interface{}, ctx types.FormContext) []types.PathStep {
	return defaultResolver.BuildApprovalPath(source, ctx)
}

// NextNode picks exactly one outgoing edge of fromNodeID and returns its target.
// A single unconditioned edge is followed unconditionally. Otherwise the first
// edge, in definition order, whose condition holds wins; failing that the
// default edge is taken. It returns false when no edge can be chosen.
func (r *Resolver) NextNode(g *Graph, fromNodeID string, ctx types.FormContext) (string, bool) {
	if g == nil {
		return "", false
	}
	out := g.Outgoing(fromNodeID)
	if len(out) == 1 && out[0].Condition == nil {
		return out[0].To.NodeID, true
	}
	for _, e := range out {
		if e.Condition != nil && r.evaluator.Evaluate(*e.Condition, ctx) {
			return e.To.NodeID, true
		}
	}
	for _, e := range out {
		if e.IsDefault {
			return e.To.NodeID, true
		}
	}
	return "", false
}

// BuildApprovalPath walks source from its start node and returns, in order,
// the approval nodes this submission visits. The walk stops at an end node,
// an unresolvable step, a revisited node or MaxWalkSteps. It has no side effects.
func (r *Resolver) BuildApprovalPath(source interface{}, ctx types.FormContext) []types.PathStep {
	g := Resolve(source)
	if g == nil {
		return nil
	}
	start, ok := g.Start()
	if !ok {
		return nil
	}

	path := make([]types.PathStep, 0)
	visited := map[string]bool{start.ID: true}
	current := start.ID
	for step := 0; step < MaxWalkSteps; step++ {
		next, ok := r.NextNode(g, current, ctx)
		if !ok || visited[next] {
			break
		}
		visited[next] = true
		node, ok := g.Node(next)
		if !ok {
			break
		}
		if node.Type == types.NodeEnd {
			break
		}
		if node.Type == types.NodeApproval {
			path = append(path, types.PathStep{ID: node.ID, Label: Label(node)})
		}
		current = next
	}
	return path
}

// Label returns the display label of an approval node: the explicit label,
// else one derived from its roles and mode, else its name.
func Label(n types.Node) string {
	if n.Label != "" {
		return n.Label
	}
	if roles := n.Roles(); len(roles) > 0 {
		if n.Mode() == types.MatchAny {
			return strings.Join(roles, "/") + "（或签）"
		}
		return strings.Join(roles, "+") + "（会签）"
	}
	if n.Name != "" {
		return n.Name
	}
	return fallbackLabel
}
