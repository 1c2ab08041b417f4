package workflow

import (
	"fmt"
	"regexp"
	"sync"
)

// FieldSpec describes one config field of a node type, JSON-Schema style.
type FieldSpec struct {
	Type        string `json:"type"` // string, number, integer, boolean, array, object
	Description string `json:"description,omitempty"`
	Default     any    `json:"default,omitempty"`
}

// Constraint restricts the value of one config field.
type Constraint struct {
	Field   string   `json:"field"`
	Kind    string   `json:"kind"` // range, enum, pattern
	Min     *float64 `json:"min,omitempty"`
	Max     *float64 `json:"max,omitempty"`
	Enum    []any    `json:"enum,omitempty"`
	Pattern string   `json:"pattern,omitempty"`
}

// NodeSchema describes a node type's configuration shape, output shape,
// allowed children, and constraints. AllowedChildTypes is non-empty iff the
// type may host children.
type NodeSchema struct {
	Type              NodeType             `json:"type"`
	Description       string               `json:"description,omitempty"`
	Properties        map[string]FieldSpec `json:"properties,omitempty"`
	Required          []string             `json:"required,omitempty"`
	OutputProperties  map[string]FieldSpec `json:"output_properties,omitempty"`
	AllowedChildTypes []NodeType           `json:"allowed_child_types,omitempty"`
	Constraints       []Constraint         `json:"constraints,omitempty"`
}

// AllowsChildren reports whether nodes of this type may host children.
func (s *NodeSchema) AllowsChildren() bool { return len(s.AllowedChildTypes) > 0 }

// SchemaRegistry holds the schema for each known node type.
type SchemaRegistry struct {
	mu      sync.RWMutex
	schemas map[NodeType]*NodeSchema
}

// NewSchemaRegistry creates a registry preloaded with the built-in schemas.
func NewSchemaRegistry() *SchemaRegistry {
	r := &SchemaRegistry{schemas: make(map[NodeType]*NodeSchema)}
	for _, schema := range builtinSchemas() {
		r.schemas[schema.Type] = schema
	}
	return r
}

// Register adds or replaces the schema for a node type. Self-describing
// node definitions register here when loaded.
func (r *SchemaRegistry) Register(schema *NodeSchema) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.schemas[schema.Type] = schema
}

// Schema returns the schema for a node type.
func (r *SchemaRegistry) Schema(t NodeType) (*NodeSchema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.schemas[t]
	return s, ok
}

// ValidateConfig checks a node's config against its type schema: required
// fields present (after applying defaults), primitive types matching, and
// constraints passing. Unknown node types pass so custom types registered at
// runtime stay usable before their definitions load.
func (r *SchemaRegistry) ValidateConfig(node *Node) error {
	schema, ok := r.Schema(node.Type)
	if !ok {
		return nil
	}

	// Apply defaults before checking required fields.
	for name, spec := range schema.Properties {
		if _, present := node.Config[name]; !present && spec.Default != nil {
			node.Config[name] = spec.Default
		}
	}

	for _, required := range schema.Required {
		if _, present := node.Config[required]; !present {
			return fmt.Errorf("node type %s requires config field %q", node.Type, required)
		}
	}

	for name, value := range node.Config {
		spec, known := schema.Properties[name]
		if !known {
			continue
		}
		if !typeMatches(spec.Type, value) {
			return fmt.Errorf("config field %q must be %s, got %T", name, spec.Type, value)
		}
	}

	for _, constraint := range schema.Constraints {
		value, present := node.Config[constraint.Field]
		if !present {
			continue
		}
		if err := checkConstraint(constraint, value); err != nil {
			return err
		}
	}
	return nil
}

// ValidateChild enforces the parent schema's allowed-child policy.
func (r *SchemaRegistry) ValidateChild(parent, child *Node) error {
	schema, ok := r.Schema(parent.Type)
	if !ok {
		return nil
	}
	if !schema.AllowsChildren() {
		return fmt.Errorf("node type %s does not host children", parent.Type)
	}
	for _, allowed := range schema.AllowedChildTypes {
		if allowed == child.Type {
			return nil
		}
	}
	return fmt.Errorf("node type %s does not allow child type %s", parent.Type, child.Type)
}

func typeMatches(want string, value any) bool {
	switch want {
	case "string":
		_, ok := value.(string)
		return ok
	case "boolean":
		_, ok := value.(bool)
		return ok
	case "number":
		_, ok := toFloat(value)
		return ok
	case "integer":
		switch value.(type) {
		case int, int32, int64:
			return true
		case float64:
			f := value.(float64)
			return f == float64(int64(f))
		}
		return false
	case "array":
		switch value.(type) {
		case []any, []string:
			return true
		}
		return false
	case "object":
		_, ok := value.(map[string]any)
		return ok
	default:
		return true
	}
}

func checkConstraint(c Constraint, value any) error {
	switch c.Kind {
	case "range":
		f, ok := toFloat(value)
		if !ok {
			return fmt.Errorf("field %q range constraint needs a numeric value, got %T", c.Field, value)
		}
		if c.Min != nil && f < *c.Min {
			return fmt.Errorf("field %q value %v below minimum %v", c.Field, f, *c.Min)
		}
		if c.Max != nil && f > *c.Max {
			return fmt.Errorf("field %q value %v above maximum %v", c.Field, f, *c.Max)
		}
	case "enum":
		for _, allowed := range c.Enum {
			if allowed == value {
				return nil
			}
		}
		return fmt.Errorf("field %q value %v not in allowed set", c.Field, value)
	case "pattern":
		s, ok := value.(string)
		if !ok {
			return fmt.Errorf("field %q pattern constraint needs a string value, got %T", c.Field, value)
		}
		matched, err := regexp.MatchString(c.Pattern, s)
		if err != nil {
			return fmt.Errorf("field %q has invalid pattern %q: %w", c.Field, c.Pattern, err)
		}
		if !matched {
			return fmt.Errorf("field %q value %q does not match pattern %q", c.Field, s, c.Pattern)
		}
	}
	return nil
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

func floatPtr(f float64) *float64 { return &f }

// builtinSchemas returns the predefined schema set for the built-in node
// types. GENERIC permits every built-in type as a child, including itself.
func builtinSchemas() []*NodeSchema {
	return []*NodeSchema{
		{Type: NodeStart, Description: "workflow entry point"},
		{Type: NodeEnd, Description: "workflow exit point"},
		{
			Type:        NodeLLM,
			Description: "LLM completion node",
			Properties: map[string]FieldSpec{
				"prompt":      {Type: "string", Description: "prompt template"},
				"model":       {Type: "string"},
				"temperature": {Type: "number", Default: 0.7},
				"max_tokens":  {Type: "integer"},
			},
			Required: []string{"prompt"},
			Constraints: []Constraint{
				{Field: "temperature", Kind: "range", Min: floatPtr(0), Max: floatPtr(2)},
			},
			OutputProperties: map[string]FieldSpec{"text": {Type: "string"}},
		},
		{
			Type:        NodeAPI,
			Description: "HTTP API call node",
			Properties: map[string]FieldSpec{
				"url":     {Type: "string"},
				"method":  {Type: "string", Default: "GET"},
				"headers": {Type: "object"},
				"body":    {Type: "object"},
			},
			Required: []string{"url"},
			Constraints: []Constraint{
				{Field: "method", Kind: "enum", Enum: []any{"GET", "POST", "PUT", "PATCH", "DELETE"}},
			},
		},
		{
			Type:        NodeCode,
			Description: "sandboxed code execution node",
			Properties: map[string]FieldSpec{
				"code":            {Type: "string"},
				"language":        {Type: "string", Default: "python"},
				"timeout_seconds": {Type: "number", Default: float64(30)},
			},
			Constraints: []Constraint{
				{Field: "timeout_seconds", Kind: "range", Min: floatPtr(1), Max: floatPtr(600)},
			},
		},
		{
			Type:        NodeCondition,
			Description: "conditional branch node",
			Properties: map[string]FieldSpec{
				"expression": {Type: "string"},
			},
			Required: []string{"expression"},
		},
		{
			Type:              NodeLoop,
			Description:       "iteration over a collection or count",
			Properties:        map[string]FieldSpec{"max_iterations": {Type: "integer", Default: 10}},
			AllowedChildTypes: []NodeType{NodeLLM, NodeAPI, NodeCode, NodeCondition, NodeDataProcess, NodeGeneric},
			Constraints: []Constraint{
				{Field: "max_iterations", Kind: "range", Min: floatPtr(1), Max: floatPtr(1000)},
			},
		},
		{
			Type:              NodeParallel,
			Description:       "parallel fan-out of children",
			AllowedChildTypes: []NodeType{NodeLLM, NodeAPI, NodeCode, NodeDataProcess, NodeGeneric},
		},
		{
			Type:        NodeKnowledge,
			Description: "knowledge-base retrieval node",
			Properties: map[string]FieldSpec{
				"query": {Type: "string"},
				"top_k": {Type: "integer", Default: 5},
			},
			Required: []string{"query"},
		},
		{
			Type:        NodeClassify,
			Description: "classification node",
			Properties: map[string]FieldSpec{
				"categories": {Type: "array"},
			},
			Required: []string{"categories"},
		},
		{
			Type:        NodeTemplate,
			Description: "text template rendering node",
			Properties: map[string]FieldSpec{
				"template": {Type: "string"},
			},
			Required: []string{"template"},
		},
		{
			Type:        NodeMCP,
			Description: "MCP tool invocation node",
			Properties: map[string]FieldSpec{
				"server": {Type: "string"},
				"tool":   {Type: "string"},
				"args":   {Type: "object"},
			},
			Required: []string{"server", "tool"},
		},
		{
			Type:              NodeGeneric,
			Description:       "general-purpose composite node",
			AllowedChildTypes: BuiltinNodeTypes,
		},
		{
			Type:        NodeFile,
			Description: "file read/write node",
			Properties: map[string]FieldSpec{
				"path":      {Type: "string"},
				"operation": {Type: "string", Default: "read"},
			},
			Required: []string{"path"},
			Constraints: []Constraint{
				{Field: "operation", Kind: "enum", Enum: []any{"read", "write", "append"}},
			},
		},
		{
			Type:        NodeDataProcess,
			Description: "data transformation node",
			Properties: map[string]FieldSpec{
				"operation": {Type: "string"},
			},
		},
		{
			Type:        NodeHuman,
			Description: "human-in-the-loop checkpoint",
			Properties: map[string]FieldSpec{
				"prompt":          {Type: "string"},
				"timeout_seconds": {Type: "number"},
			},
		},
		{
			Type:        NodeContainer,
			Description: "container runtime node",
			Properties: map[string]FieldSpec{
				"image":   {Type: "string"},
				"command": {Type: "array"},
			},
			Required: []string{"image"},
		},
	}
}
