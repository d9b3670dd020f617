package graph

import (
	"errors"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/songzhibin97/approval-engine/types"
)

// ErrInvalidDefinition wraps every validation failure.
var ErrInvalidDefinition = errors.New("invalid process definition")

// Validate checks the structural invariants a definition must satisfy before it
// can be published. All violations are reported together.
func Validate(def types.Definition) error {
	var issues []error
	add := func(format string, args ...interface{}) {
		issues = append(issues, fmt.Errorf(format, args...))
	}

	g := New(def.Nodes, def.Edges)

	seen := make(map[string]bool, len(def.Nodes))
	starts, ends := 0, 0
	for _, n := range def.Nodes {
		if n.ID == "" {
			add("node with empty id")
			continue
		}
		if seen[n.ID] {
			add("duplicate node id %q", n.ID)
		}
		seen[n.ID] = true

		switch n.Type {
		case types.NodeStart:
			starts++
		case types.NodeEnd:
			ends++
		case types.NodeApproval:
			if len(n.Roles()) == 0 {
				add("approval node %q has no approver roles", n.ID)
			}
			if mode := n.Mode(); mode != types.MatchAll && mode != types.MatchAny {
				add("approval node %q has unknown approval mode %q", n.ID, mode)
			}
		case types.NodeGateway:
		default:
			add("node %q has unknown type %q", n.ID, n.Type)
		}
	}
	if starts != 1 {
		add("definition must have exactly one start node, found %d", starts)
	}
	if ends == 0 {
		add("definition must have at least one end node")
	}

	for _, e := range def.Edges {
		from, okFrom := g.Node(e.From.NodeID)
		if !okFrom {
			add("edge %q starts at unknown node %q", e.ID, e.From.NodeID)
		}
		if _, ok := g.Node(e.To.NodeID); !ok {
			add("edge %q ends at unknown node %q", e.ID, e.To.NodeID)
		}
		if okFrom && from.Type != types.NodeGateway && (e.Condition != nil || e.IsDefault) {
			add("edge %q carries a condition or default marker but does not leave a gateway", e.ID)
		}
		if e.Condition != nil && e.Condition.Expression == "" && e.Condition.Left == "" {
			add("edge %q has a condition without a field", e.ID)
		}
		if e.Condition != nil && e.Condition.Expression == "" && !knownOperator(e.Condition.Op) {
			add("edge %q has a condition with unknown operator %q", e.ID, e.Condition.Op)
		}
	}

	for _, n := range def.Nodes {
		if n.Type != types.NodeStart && len(g.Incoming(n.ID)) == 0 {
			add("node %q has no incoming edge", n.ID)
		}
		if n.Type != types.NodeEnd && len(g.Outgoing(n.ID)) == 0 {
			add("node %q has no outgoing edge", n.ID)
		}
		if n.Type == types.NodeGateway {
			validateGateway(g, n, add)
		}
	}

	if cycle := findCycle(g); cycle != "" {
		add("definition contains a cycle through node %q", cycle)
	}

	if len(issues) == 0 {
		return nil
	}
	return fmt.Errorf("%w: %w", ErrInvalidDefinition, errors.Join(issues...))
}

func knownOperator(op types.Operator) bool {
	switch op {
	case types.OpEq, types.OpNeq, types.OpGt, types.OpGte, types.OpLt, types.OpLte:
		return true
	}
	return false
}

func validateGateway(g *Graph, n types.Node, add func(string, ...interface{})) {
	out := g.Outgoing(n.ID)
	if len(out) < 2 {
		add("gateway %q needs at least two outgoing edges, found %d", n.ID, len(out))
	}
	defaults := 0
	for _, e := range out {
		switch {
		case e.IsDefault:
			defaults++
			if e.Condition != nil {
				add("default edge %q of gateway %q must not carry a condition", e.ID, n.ID)
			}
		case e.Condition == nil:
			add("edge %q of gateway %q needs a condition", e.ID, n.ID)
		}
	}
	if defaults != 1 {
		add("gateway %q must have exactly one default edge, found %d", n.ID, defaults)
	}
}

// findCycle returns a node on a cycle, or "" when the graph is acyclic.
func findCycle(g *Graph) string {
	const (
		white = iota
		grey
		black
	)
	color := make(map[string]int, len(g.nodes))
	var visit func(id string) string
	visit = func(id string) string {
		color[id] = grey
		for _, e := range g.Outgoing(id) {
			switch color[e.To.NodeID] {
			case grey:
				return e.To.NodeID
			case white:
				if _, ok := g.Node(e.To.NodeID); !ok {
					continue
				}
				if c := visit(e.To.NodeID); c != "" {
					return c
				}
			}
		}
		color[id] = black
		return ""
	}
	for _, n := range g.nodes {
		if color[n.ID] == white {
			if c := visit(n.ID); c != "" {
				return c
			}
		}
	}
	return ""
}

// Decode parses a definition document. YAML is a superset of JSON, so both
// encodings are accepted.
func Decode(data []byte) (types.Definition, error) {
	var def types.Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return types.Definition{}, fmt.Errorf("failed to decode definition: %w", err)
	}
	return def, nil
}
