// Package graph holds the single notion of a process graph used by preview,
// history and live progression: definition resolution, gateway resolution,
// approval path building and publish-time validation.
package graph

import (
	"encoding/json"

	"github.com/songzhibin97/approval-engine/types"
)

// Graph is an indexed, read-only view over the nodes and edges of a definition.
type Graph struct {
	nodes    []types.Node
	edges    []types.Edge
	index    map[string]int
	outgoing map[string][]int
	incoming map[string][]int
}

// New builds a Graph over nodes and edges. Edge order is preserved per node.
func New(nodes []types.Node, edges []types.Edge) *Graph {
	g := &Graph{
		nodes:    nodes,
		edges:    edges,
		index:    make(map[string]int, len(nodes)),
		outgoing: make(map[string][]int),
		incoming: make(map[string][]int),
	}
	for i, n := range nodes {
		if _, dup := g.index[n.ID]; !dup {
			g.index[n.ID] = i
		}
	}
	for i, e := range edges {
		g.outgoing[e.From.NodeID] = append(g.outgoing[e.From.NodeID], i)
		g.incoming[e.To.NodeID] = append(g.incoming[e.To.NodeID], i)
	}
	return g
}

// Resolve returns the graph behind a definition, a frozen snapshot, an instance,
// or a raw decoded document shaped {nodes, edges} or {definitionSnapshot: {...}}.
// It returns nil when source carries no graph.
func Resolve(source interface{}) *Graph {
	switch src := source.(type) {
	case nil:
		return nil
	case *Graph:
		return src
	case types.Definition:
		return New(src.Nodes, src.Edges)
	case *types.Definition:
		if src == nil {
			return nil
		}
		return New(src.Nodes, src.Edges)
	case types.Instance:
		return Resolve(src.DefinitionSnapshot)
	case *types.Instance:
		if src == nil {
			return nil
		}
		return Resolve(src.DefinitionSnapshot)
	case json.RawMessage:
		return resolveRaw(src)
	case []byte:
		return resolveRaw(src)
	case map[string]interface{}:
		return resolveDocument(src)
	}
	return nil
}

func resolveRaw(data []byte) *Graph {
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil
	}
	return resolveDocument(doc)
}

func resolveDocument(doc map[string]interface{}) *Graph {
	_, hasNodes := doc["nodes"]
	_, hasEdges := doc["edges"]
	if hasNodes && hasEdges {
		data, err := json.Marshal(doc)
		if err != nil {
			return nil
		}
		var def types.Definition
		if err := json.Unmarshal(data, &def); err != nil {
			return nil
		}
		return New(def.Nodes, def.Edges)
	}
	if nested, ok := doc["definitionSnapshot"].(map[string]interface{}); ok {
		return resolveDocument(nested)
	}
	return nil
}

// Nodes returns the nodes in definition order.
func (g *Graph) Nodes() []types.Node {
	return g.nodes
}

// Edges returns the edges in definition order.
func (g *Graph) Edges() []types.Edge {
	return g.edges
}

// Node looks up a node by id.
func (g *Graph) Node(id string) (types.Node, bool) {
	i, ok := g.index[id]
	if !ok {
		return types.Node{}, false
	}
	return g.nodes[i], true
}

// Outgoing returns the outgoing edges of a node in definition order.
func (g *Graph) Outgoing(id string) []types.Edge {
	return g.pick(g.outgoing[id])
}

// Incoming returns the incoming edges of a node in definition order.
func (g *Graph) Incoming(id string) []types.Edge {
	return g.pick(g.incoming[id])
}

func (g *Graph) pick(idx []int) []types.Edge {
	out := make([]types.Edge, len(idx))
	for i, j := range idx {
		out[i] = g.edges[j]
	}
	return out
}

// Start returns the first start node.
func (g *Graph) Start() (types.Node, bool) {
	for _, n := range g.nodes {
		if n.Type == types.NodeStart {
			return n, true
		}
	}
	return types.Node{}, false
}
