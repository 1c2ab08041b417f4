// Package workflow implements the workflow agent's execution engine: the
// node/edge graph model, plan materialization, node type schemas,
// topological and condition-aware scheduling, hierarchical execution,
// dependency-graph mode, and the retry-aware execution result contract.
package workflow

import (
	"fmt"

	"github.com/google/uuid"
)

// NodeType is the declared type of a node. The effective type used for
// executor dispatch may be overridden by config key _custom_type.
type NodeType string

// Built-in node types.
const (
	NodeStart       NodeType = "START"
	NodeEnd         NodeType = "END"
	NodeLLM         NodeType = "LLM"
	NodeAPI         NodeType = "API"
	NodeCode        NodeType = "CODE"
	NodeCondition   NodeType = "CONDITION"
	NodeLoop        NodeType = "LOOP"
	NodeParallel    NodeType = "PARALLEL"
	NodeKnowledge   NodeType = "KNOWLEDGE"
	NodeClassify    NodeType = "CLASSIFY"
	NodeTemplate    NodeType = "TEMPLATE"
	NodeMCP         NodeType = "MCP"
	NodeGeneric     NodeType = "GENERIC"
	NodeFile        NodeType = "FILE"
	NodeDataProcess NodeType = "DATA_PROCESS"
	NodeHuman       NodeType = "HUMAN"
	NodeContainer   NodeType = "CONTAINER"
)

// BuiltinNodeTypes lists every type the registry ships a schema for.
var BuiltinNodeTypes = []NodeType{
	NodeStart, NodeEnd, NodeLLM, NodeAPI, NodeCode, NodeCondition,
	NodeLoop, NodeParallel, NodeKnowledge, NodeClassify, NodeTemplate,
	NodeMCP, NodeGeneric, NodeFile, NodeDataProcess, NodeHuman, NodeContainer,
}

// Config keys with engine-level meaning.
const (
	ConfigCustomType      = "_custom_type"
	ConfigIsContainer     = "is_container"
	ConfigContainerConfig = "container_config"
)

// Node is one executable unit in the graph. Nodes live in the workflow's
// arena and reference their parent and children by id, never by pointer, so
// the parent/children relationship cannot form reference cycles.
type Node struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Type      NodeType       `json:"type"`
	Config    map[string]any `json:"config,omitempty"`
	ParentID  string         `json:"parent_id,omitempty"`
	Children  []string       `json:"children,omitempty"`
	Collapsed bool           `json:"collapsed,omitempty"`
	Output    any            `json:"output,omitempty"`
}

// NewNode creates a node with a fresh id.
func NewNode(name string, nodeType NodeType, config map[string]any) *Node {
	if config == nil {
		config = map[string]any{}
	}
	return &Node{
		ID:     uuid.NewString(),
		Name:   name,
		Type:   nodeType,
		Config: config,
	}
}

// EffectiveType returns the type used for executor dispatch:
// config._custom_type when set, the declared type otherwise.
func (n *Node) EffectiveType() NodeType {
	if custom, ok := n.Config[ConfigCustomType].(string); ok && custom != "" {
		return NodeType(custom)
	}
	return n.Type
}

// IsContainer reports whether the node dispatches to a container executor.
func (n *Node) IsContainer() bool {
	v, _ := n.Config[ConfigIsContainer].(bool)
	return v
}

// ContainerConfig returns the container configuration mapping, if any.
func (n *Node) ContainerConfig() (map[string]any, bool) {
	cfg, ok := n.Config[ConfigContainerConfig].(map[string]any)
	return cfg, ok
}

// Validate checks node-local invariants: container nodes must carry a
// container_config, and the children list must be duplicate-free.
func (n *Node) Validate() error {
	if n.IsContainer() {
		if _, ok := n.ContainerConfig(); !ok {
			return fmt.Errorf("node %s declares is_container without container_config", n.ID)
		}
	}
	seen := make(map[string]bool, len(n.Children))
	for _, child := range n.Children {
		if seen[child] {
			return fmt.Errorf("node %s lists child %s more than once", n.ID, child)
		}
		seen[child] = true
	}
	return nil
}
