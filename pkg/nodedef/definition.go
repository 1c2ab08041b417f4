// Package nodedef implements self-describing node types: YAML definition
// documents loaded from a definitions directory, optional companion scripts,
// and an executor that runs a definition (leaf or nested) against input data.
package nodedef

import (
	"fmt"

	"github.com/triadflow/triad/pkg/workflow"
)

// Executor types a definition may declare.
const (
	ExecutorCode       = "code"
	ExecutorLLM        = "llm"
	ExecutorParallel   = "parallel"
	ExecutorSequential = "sequential"
)

// Failure policies for child execution.
const (
	OnFailureAbort    = "abort"
	OnFailureSkip     = "skip"
	OnFailureContinue = "continue"
)

// Output aggregation strategies for nested definitions.
const (
	AggregateMerge = "merge"
	AggregateList  = "list"
	AggregateFirst = "first"
	AggregateLast  = "last"
)

// Parameter declares one input of a node definition.
type Parameter struct {
	Name        string `yaml:"name"`
	Type        string `yaml:"type"`
	Description string `yaml:"description,omitempty"`
	Required    bool   `yaml:"required,omitempty"`
	Default     any    `yaml:"default,omitempty"`
}

// Returns declares the output shape of a node definition.
type Returns struct {
	Type        string `yaml:"type,omitempty"`
	Description string `yaml:"description,omitempty"`
}

// Nested declares child nodes of a composite definition.
type Nested struct {
	Parallel bool     `yaml:"parallel,omitempty"`
	Children []string `yaml:"children"`
}

// Retry bounds re-execution of a failing leaf.
type Retry struct {
	MaxAttempts int `yaml:"max_attempts,omitempty"`
}

// ErrorStrategy controls failure handling during child execution.
type ErrorStrategy struct {
	OnFailure string `yaml:"on_failure,omitempty"`
	Retry     Retry  `yaml:"retry,omitempty"`
}

// Execution holds runtime limits for the definition.
type Execution struct {
	TimeoutSeconds float64 `yaml:"timeout_seconds,omitempty"`
	Sandbox        bool    `yaml:"sandbox,omitempty"`
}

// Definition is one self-describing node type, parsed from its YAML document.
type Definition struct {
	Name              string        `yaml:"name"`
	Kind              string        `yaml:"kind"`
	Description       string        `yaml:"description,omitempty"`
	Version           string        `yaml:"version,omitempty"`
	Author            string        `yaml:"author,omitempty"`
	Tags              []string      `yaml:"tags,omitempty"`
	Category          string        `yaml:"category,omitempty"`
	ExecutorType      string        `yaml:"executor_type"`
	Language          string        `yaml:"language,omitempty"`
	Parameters        []Parameter   `yaml:"parameters,omitempty"`
	Returns           Returns       `yaml:"returns,omitempty"`
	Nested            *Nested       `yaml:"nested,omitempty"`
	ErrorStrategy     ErrorStrategy `yaml:"error_strategy,omitempty"`
	Execution         Execution     `yaml:"execution,omitempty"`
	OutputAggregation string        `yaml:"output_aggregation,omitempty"`
}

// HasChildren reports whether the definition is a composite.
func (d *Definition) HasChildren() bool {
	return d.Nested != nil && len(d.Nested.Children) > 0
}

// Validate checks structural invariants of a parsed definition.
func (d *Definition) Validate() error {
	if d.Name == "" {
		return fmt.Errorf("definition has no name")
	}
	if d.Kind != "node" {
		return fmt.Errorf("definition %s: kind must be %q, got %q", d.Name, "node", d.Kind)
	}
	switch d.ExecutorType {
	case ExecutorCode, ExecutorLLM, ExecutorParallel, ExecutorSequential, "":
	default:
		return fmt.Errorf("definition %s: unknown executor_type %q", d.Name, d.ExecutorType)
	}
	if d.Nested != nil && len(d.Nested.Children) == 0 {
		return fmt.Errorf("definition %s: nested block with no children", d.Name)
	}
	switch d.ErrorStrategy.OnFailure {
	case OnFailureAbort, OnFailureSkip, OnFailureContinue, "":
	default:
		return fmt.Errorf("definition %s: unknown on_failure %q", d.Name, d.ErrorStrategy.OnFailure)
	}
	switch d.OutputAggregation {
	case AggregateMerge, AggregateList, AggregateFirst, AggregateLast, "":
	default:
		return fmt.Errorf("definition %s: unknown output_aggregation %q", d.Name, d.OutputAggregation)
	}
	seen := make(map[string]bool, len(d.Parameters))
	for _, p := range d.Parameters {
		if p.Name == "" {
			return fmt.Errorf("definition %s: parameter without a name", d.Name)
		}
		if seen[p.Name] {
			return fmt.Errorf("definition %s: duplicate parameter %q", d.Name, p.Name)
		}
		seen[p.Name] = true
	}
	return nil
}

// ApplyInputs validates required parameters against inputs and returns a
// copy with declared defaults filled in.
func (d *Definition) ApplyInputs(inputs map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(inputs)+len(d.Parameters))
	for k, v := range inputs {
		out[k] = v
	}
	for _, p := range d.Parameters {
		if _, present := out[p.Name]; present {
			continue
		}
		if p.Default != nil {
			out[p.Name] = p.Default
			continue
		}
		if p.Required {
			return nil, fmt.Errorf("definition %s: missing required parameter %q", d.Name, p.Name)
		}
	}
	return out, nil
}

// Schema converts the definition into a node type schema so plans can
// declare nodes of this type and get config validation for free.
func (d *Definition) Schema() *workflow.NodeSchema {
	schema := &workflow.NodeSchema{
		Type:        workflow.NodeType(d.Name),
		Description: d.Description,
		Properties:  make(map[string]workflow.FieldSpec, len(d.Parameters)),
	}
	for _, p := range d.Parameters {
		schema.Properties[p.Name] = workflow.FieldSpec{
			Type:        p.Type,
			Description: p.Description,
			Default:     p.Default,
		}
		if p.Required {
			schema.Required = append(schema.Required, p.Name)
		}
	}
	return schema
}
