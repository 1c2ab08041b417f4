package workflow

import (
	"fmt"
	"log/slog"
	"strings"
)

// OutputRef is a parsed data-flow reference of the form "node.output" or
// "node.output.field" found in a node's config values.
type OutputRef struct {
	// ConfigKey is the config entry holding the reference.
	ConfigKey string
	// SourceName is the referenced node's name.
	SourceName string
	// Field selects one key of the source output map; empty means the
	// whole output.
	Field string
}

// ParseOutputRef parses a config string value as an output reference.
// Returns false when the value is not a reference.
func ParseOutputRef(key, value string) (OutputRef, bool) {
	parts := strings.Split(value, ".")
	if len(parts) < 2 || parts[1] != "output" {
		return OutputRef{}, false
	}
	ref := OutputRef{ConfigKey: key, SourceName: parts[0]}
	if ref.SourceName == "" {
		return OutputRef{}, false
	}
	if len(parts) > 2 {
		ref.Field = strings.Join(parts[2:], ".")
	}
	return ref, true
}

// OutputRefs scans the node's config for output references, in no
// particular order guarantee beyond the config key set.
func OutputRefs(node *Node) []OutputRef {
	var refs []OutputRef
	for key, value := range node.Config {
		s, ok := value.(string)
		if !ok {
			continue
		}
		if ref, ok := ParseOutputRef(key, s); ok {
			refs = append(refs, ref)
		}
	}
	return refs
}

// DependencyBuilder derives data-flow edges from config references: a node
// whose config mentions "upstream.output" depends on the node named
// upstream. Self references and references to unknown nodes are dropped
// with a warning, never turned into edges.
type DependencyBuilder struct {
	logger *slog.Logger
}

// NewDependencyBuilder creates a builder.
func NewDependencyBuilder(logger *slog.Logger) *DependencyBuilder {
	if logger == nil {
		logger = slog.Default()
	}
	return &DependencyBuilder{logger: logger}
}

// Build adds one unconditional edge per distinct (source, target) reference
// pair to the graph. Existing edges between the pair are not duplicated.
func (b *DependencyBuilder) Build(g *Graph) error {
	byName := make(map[string]*Node, g.NodeCount())
	for _, node := range g.Nodes() {
		byName[node.Name] = node
	}

	existing := make(map[string]bool)
	for _, edge := range g.Edges() {
		existing[edge.SourceID+"→"+edge.TargetID] = true
	}

	for _, node := range g.Nodes() {
		for _, ref := range OutputRefs(node) {
			source, ok := byName[ref.SourceName]
			if !ok {
				b.logger.Warn("dropping reference to unknown node",
					"node", node.Name, "config_key", ref.ConfigKey, "reference", ref.SourceName)
				continue
			}
			if source.ID == node.ID {
				b.logger.Warn("dropping self reference",
					"node", node.Name, "config_key", ref.ConfigKey)
				continue
			}
			key := source.ID + "→" + node.ID
			if existing[key] {
				continue
			}
			if _, err := g.AddEdge(source.ID, node.ID, ""); err != nil {
				return fmt.Errorf("add dependency edge %s→%s: %w", source.Name, node.Name, err)
			}
			existing[key] = true
		}
	}
	return nil
}

// ResolveConfig returns a copy of the node's config with every output
// reference replaced by the referenced value. A reference whose source has
// not produced an output, or whose field is absent, resolves to nil.
func ResolveConfig(g *Graph, node *Node, outputs map[string]any) map[string]any {
	byName := make(map[string]*Node, g.NodeCount())
	for _, n := range g.Nodes() {
		byName[n.Name] = n
	}

	resolved := make(map[string]any, len(node.Config))
	for key, value := range node.Config {
		resolved[key] = value
		s, ok := value.(string)
		if !ok {
			continue
		}
		ref, ok := ParseOutputRef(key, s)
		if !ok {
			continue
		}
		source, ok := byName[ref.SourceName]
		if !ok || source.ID == node.ID {
			continue
		}
		output, ok := outputs[source.ID]
		if !ok {
			resolved[key] = nil
			continue
		}
		if ref.Field == "" {
			resolved[key] = output
			continue
		}
		if outputMap, ok := output.(map[string]any); ok {
			resolved[key] = outputMap[ref.Field]
		} else {
			resolved[key] = nil
		}
	}
	return resolved
}
