package workflow

import (
	"errors"
	"fmt"

	"github.com/google/uuid"
)

// ErrNodeNotFound is returned for lookups of unknown node ids.
var ErrNodeNotFound = errors.New("node not found")

// Edge is a directed control/data link between two resident nodes. An empty
// Condition means "always take".
type Edge struct {
	ID        string `json:"id"`
	SourceID  string `json:"source_id"`
	TargetID  string `json:"target_id"`
	Condition string `json:"condition,omitempty"`
}

// Graph is the arena holding one workflow's nodes and edges. Insertion order
// is preserved: it breaks topological ties and defines child execution
// order. Graph is not safe for concurrent mutation; the engine builds it
// fully before execution begins.
type Graph struct {
	ID   string
	Name string

	nodes     map[string]*Node
	nodeOrder []string
	edges     map[string]*Edge
	edgeOrder []string
}

// NewGraph creates an empty workflow graph.
func NewGraph(name string) *Graph {
	return &Graph{
		ID:    uuid.NewString(),
		Name:  name,
		nodes: make(map[string]*Node),
		edges: make(map[string]*Edge),
	}
}

// AddNode registers a node in the arena.
func (g *Graph) AddNode(node *Node) error {
	if node == nil || node.ID == "" {
		return fmt.Errorf("node must have an id")
	}
	if err := node.Validate(); err != nil {
		return err
	}
	if _, exists := g.nodes[node.ID]; exists {
		return fmt.Errorf("node %s already registered", node.ID)
	}
	g.nodes[node.ID] = node
	g.nodeOrder = append(g.nodeOrder, node.ID)
	return nil
}

// AddChild appends child under parent, keeping the id arena consistent:
// the child's ParentID is set iff it appears in the parent's children list.
func (g *Graph) AddChild(parentID, childID string) error {
	parent, ok := g.nodes[parentID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, parentID)
	}
	child, ok := g.nodes[childID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, childID)
	}
	for _, existing := range parent.Children {
		if existing == childID {
			return fmt.Errorf("node %s is already a child of %s", childID, parentID)
		}
	}
	parent.Children = append(parent.Children, childID)
	child.ParentID = parentID
	return nil
}

// AddEdge links two resident nodes. Both endpoints must already be
// registered; a dangling endpoint is an error, never a silent drop.
func (g *Graph) AddEdge(sourceID, targetID, condition string) (*Edge, error) {
	if _, ok := g.nodes[sourceID]; !ok {
		return nil, fmt.Errorf("edge source %w: %s", ErrNodeNotFound, sourceID)
	}
	if _, ok := g.nodes[targetID]; !ok {
		return nil, fmt.Errorf("edge target %w: %s", ErrNodeNotFound, targetID)
	}
	edge := &Edge{
		ID:        uuid.NewString(),
		SourceID:  sourceID,
		TargetID:  targetID,
		Condition: condition,
	}
	g.edges[edge.ID] = edge
	g.edgeOrder = append(g.edgeOrder, edge.ID)
	return edge, nil
}

// Node returns the node with the given id.
func (g *Graph) Node(id string) (*Node, error) {
	node, ok := g.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNodeNotFound, id)
	}
	return node, nil
}

// Nodes returns all nodes in insertion order.
func (g *Graph) Nodes() []*Node {
	out := make([]*Node, 0, len(g.nodeOrder))
	for _, id := range g.nodeOrder {
		out = append(out, g.nodes[id])
	}
	return out
}

// NodeCount returns the number of registered nodes.
func (g *Graph) NodeCount() int { return len(g.nodeOrder) }

// Edges returns all edges in insertion order.
func (g *Graph) Edges() []*Edge {
	out := make([]*Edge, 0, len(g.edgeOrder))
	for _, id := range g.edgeOrder {
		out = append(out, g.edges[id])
	}
	return out
}

// IncomingEdges returns the edges targeting nodeID, in insertion order.
func (g *Graph) IncomingEdges(nodeID string) []*Edge {
	var out []*Edge
	for _, id := range g.edgeOrder {
		if e := g.edges[id]; e.TargetID == nodeID {
			out = append(out, e)
		}
	}
	return out
}

// OutgoingEdges returns the edges leaving nodeID, in insertion order.
func (g *Graph) OutgoingEdges(nodeID string) []*Edge {
	var out []*Edge
	for _, id := range g.edgeOrder {
		if e := g.edges[id]; e.SourceID == nodeID {
			out = append(out, e)
		}
	}
	return out
}
