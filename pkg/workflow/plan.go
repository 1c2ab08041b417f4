package workflow

import (
	"fmt"
)

// Plan is the planner's declarative description of a workflow graph. Edge
// definitions reference endpoints by planner-local node name and are
// resolved to node ids at materialization time.
type Plan struct {
	Name  string           `json:"name"`
	Goal  string           `json:"goal,omitempty"`
	Nodes []NodeDefinition `json:"nodes"`
	Edges []EdgeDefinition `json:"edges,omitempty"`
}

// NodeDefinition declares one node of a plan.
type NodeDefinition struct {
	Name     string         `json:"name"`
	Type     NodeType       `json:"type"`
	Config   map[string]any `json:"config,omitempty"`
	Parent   string         `json:"parent,omitempty"`
	Children []string       `json:"children,omitempty"`
}

// EdgeDefinition declares one edge of a plan by node name.
type EdgeDefinition struct {
	Source    string `json:"source"`
	Target    string `json:"target"`
	Condition string `json:"condition,omitempty"`
}

// Materialize converts the plan into a graph: every node definition becomes
// a registered node (validated against the schema registry when one is
// supplied), and every edge definition is resolved through the name→id map.
// An edge name that does not resolve fails materialization.
func (p *Plan) Materialize(schemas *SchemaRegistry) (*Graph, error) {
	graph := NewGraph(p.Name)
	nameToID := make(map[string]string, len(p.Nodes))

	for i, def := range p.Nodes {
		if def.Name == "" {
			return nil, fmt.Errorf("plan node %d has no name", i)
		}
		if _, dup := nameToID[def.Name]; dup {
			return nil, fmt.Errorf("plan declares node name %q twice", def.Name)
		}

		node := NewNode(def.Name, def.Type, def.Config)
		if schemas != nil {
			if err := schemas.ValidateConfig(node); err != nil {
				return nil, fmt.Errorf("plan node %q: %w", def.Name, err)
			}
		}
		if err := graph.AddNode(node); err != nil {
			return nil, err
		}
		nameToID[def.Name] = node.ID
	}

	// Parent/child wiring after all nodes exist, honoring schema
	// allowed-child constraints.
	for _, def := range p.Nodes {
		for _, childName := range def.Children {
			childID, ok := nameToID[childName]
			if !ok {
				return nil, fmt.Errorf("plan node %q lists unknown child %q", def.Name, childName)
			}
			if schemas != nil {
				parent, _ := graph.Node(nameToID[def.Name])
				child, _ := graph.Node(childID)
				if err := schemas.ValidateChild(parent, child); err != nil {
					return nil, fmt.Errorf("plan node %q: %w", def.Name, err)
				}
			}
			if err := graph.AddChild(nameToID[def.Name], childID); err != nil {
				return nil, err
			}
		}
	}

	for _, def := range p.Edges {
		sourceID, ok := nameToID[def.Source]
		if !ok {
			return nil, fmt.Errorf("edge references unknown node %q", def.Source)
		}
		targetID, ok := nameToID[def.Target]
		if !ok {
			return nil, fmt.Errorf("edge references unknown node %q", def.Target)
		}
		if _, err := graph.AddEdge(sourceID, targetID, def.Condition); err != nil {
			return nil, err
		}
	}

	return graph, nil
}
