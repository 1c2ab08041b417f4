package nodedef

import (
	"context"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triadflow/triad/pkg/workflow"
)

func writeDefinition(t *testing.T, dir, name, body string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name+".yaml"), []byte(body), 0o644))
}

func newTestLoader(t *testing.T) (*Loader, string) {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scripts"), 0o755))
	return NewLoader(dir, nil), dir
}

type fakeSandbox struct {
	result SandboxResult
	err    error
	calls  atomic.Int32
}

func (s *fakeSandbox) Run(_ context.Context, _, _ string, inputs map[string]any, _ time.Duration) (SandboxResult, error) {
	s.calls.Add(1)
	if s.err != nil {
		return SandboxResult{}, s.err
	}
	if s.result.Output == nil && s.result.Stderr == "" && !s.result.TimedOut {
		return SandboxResult{Output: map[string]any{"echo": inputs}}, nil
	}
	return s.result, nil
}

func TestParseRejectsUnknownFields(t *testing.T) {
	_, err := Parse([]byte("name: x\nkind: node\nbogus_field: 1\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot parse YAML")
}

func TestParseRejectsEmptyNestedChildren(t *testing.T) {
	_, err := Parse([]byte("name: x\nkind: node\nnested:\n  parallel: true\n  children: []\n"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no children")
}

func TestParseRejectsWrongKind(t *testing.T) {
	_, err := Parse([]byte("name: x\nkind: workflow\n"))
	require.Error(t, err)
}

func TestLoadUnknownDefinition(t *testing.T) {
	loader, _ := newTestLoader(t)
	runner := NewRunner(loader)

	result := runner.Execute(context.Background(), "ghost", nil)
	require.False(t, result.OK)
	assert.Equal(t, workflow.ErrCodeNodeNotFound, result.ErrorCode)
}

func TestEchoLeafAppliesDefaults(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeDefinition(t, dir, "greet", `
name: greet
kind: node
executor_type: sequential
parameters:
  - name: who
    type: string
    required: true
  - name: greeting
    type: string
    default: hello
`)
	runner := NewRunner(loader)

	result := runner.Execute(context.Background(), "greet", map[string]any{"who": "world"})
	require.True(t, result.OK)
	output := result.Output.(map[string]any)
	assert.Equal(t, "world", output["who"])
	assert.Equal(t, "hello", output["greeting"])

	missing := runner.Execute(context.Background(), "greet", nil)
	require.False(t, missing.OK)
	assert.Equal(t, workflow.ErrCodeValidationFailed, missing.ErrorCode)
}

func TestCodeLeafRunsScript(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeDefinition(t, dir, "transform", `
name: transform
kind: node
executor_type: code
language: python
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scripts", "transform.py"), []byte("print()"), 0o644))

	sandbox := &fakeSandbox{result: SandboxResult{Output: map[string]any{"rows": 3}}}
	runner := NewRunner(loader, WithSandbox(sandbox))

	result := runner.Execute(context.Background(), "transform", map[string]any{"x": 1})
	require.True(t, result.OK)
	assert.Equal(t, map[string]any{"rows": 3}, result.Output)
	assert.EqualValues(t, 1, sandbox.calls.Load())
}

func TestCodeLeafTranslatesTimeout(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeDefinition(t, dir, "slow", `
name: slow
kind: node
executor_type: code
language: python
execution:
  timeout_seconds: 1
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scripts", "slow.py"), []byte(""), 0o644))

	runner := NewRunner(loader, WithSandbox(&fakeSandbox{result: SandboxResult{TimedOut: true}}))
	result := runner.Execute(context.Background(), "slow", nil)
	require.False(t, result.OK)
	assert.Equal(t, workflow.ErrCodeTimeout, result.ErrorCode)
}

func TestCodeLeafStderrBecomesError(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeDefinition(t, dir, "broken", `
name: broken
kind: node
executor_type: code
language: python
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scripts", "broken.py"), []byte(""), 0o644))

	runner := NewRunner(loader, WithSandbox(&fakeSandbox{result: SandboxResult{Stderr: "NameError: x"}}))
	result := runner.Execute(context.Background(), "broken", nil)
	require.False(t, result.OK)
	assert.Contains(t, result.ErrorMessage, "NameError")
}

func TestLeafRetryHonorsMaxAttempts(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeDefinition(t, dir, "flaky", `
name: flaky
kind: node
executor_type: code
language: python
error_strategy:
  retry:
    max_attempts: 3
`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "scripts", "flaky.py"), []byte(""), 0o644))

	sandbox := &fakeSandbox{result: SandboxResult{Stderr: "always fails"}}
	runner := NewRunner(loader, WithSandbox(sandbox))

	result := runner.Execute(context.Background(), "flaky", nil)
	require.False(t, result.OK)
	assert.EqualValues(t, 3, sandbox.calls.Load())
	assert.Equal(t, 2, result.Metadata.RetryCount)
}

func nestedFixture(t *testing.T, aggregation string, parallel bool, onFailure string) *Runner {
	t.Helper()
	loader, dir := newTestLoader(t)

	writeDefinition(t, dir, "child-a", "name: child-a\nkind: node\nexecutor_type: sequential\n")
	writeDefinition(t, dir, "child-b", "name: child-b\nkind: node\nexecutor_type: sequential\n")

	parent := "name: parent\nkind: node\nexecutor_type: parallel\n"
	parent += "nested:\n  parallel: " + boolStr(parallel) + "\n  children: [child-a, child-b]\n"
	if aggregation != "" {
		parent += "output_aggregation: " + aggregation + "\n"
	}
	if onFailure != "" {
		parent += "error_strategy:\n  on_failure: " + onFailure + "\n"
	}
	writeDefinition(t, dir, "parent", parent)
	return NewRunner(loader)
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}

func TestParallelChildrenMergeAggregation(t *testing.T) {
	runner := nestedFixture(t, AggregateMerge, true, "")
	result := runner.Execute(context.Background(), "parent", map[string]any{"x": 1})
	require.True(t, result.OK)

	output := result.Output.(map[string]any)
	require.Contains(t, output, "child-a")
	require.Contains(t, output, "child-b")
	// Echo leaves return their inputs.
	assert.Equal(t, map[string]any{"x": 1}, output["child-a"])
}

func TestParallelChildrenListAggregation(t *testing.T) {
	runner := nestedFixture(t, AggregateList, true, "")
	result := runner.Execute(context.Background(), "parent", map[string]any{"x": 1})
	require.True(t, result.OK)

	output := result.Output.(map[string]any)
	results := output["results"].([]any)
	assert.Len(t, results, 2)
}

func TestFirstAndLastAggregation(t *testing.T) {
	first := nestedFixture(t, AggregateFirst, false, "")
	result := first.Execute(context.Background(), "parent", map[string]any{"tag": "v"})
	require.True(t, result.OK)
	assert.Equal(t, map[string]any{"tag": "v"}, result.Output)

	last := nestedFixture(t, AggregateLast, false, "")
	result = last.Execute(context.Background(), "parent", map[string]any{"tag": "v"})
	require.True(t, result.OK)
	assert.Equal(t, map[string]any{"tag": "v"}, result.Output)
}

func TestSequentialChildrenThreadOutputs(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeDefinition(t, dir, "enrich", `
name: enrich
kind: node
executor_type: sequential
parameters:
  - name: stage_one
    type: string
    default: done
`)
	writeDefinition(t, dir, "consume", "name: consume\nkind: node\nexecutor_type: sequential\n")
	writeDefinition(t, dir, "chain", `
name: chain
kind: node
executor_type: sequential
nested:
  parallel: false
  children: [enrich, consume]
output_aggregation: last
`)

	runner := NewRunner(loader)
	result := runner.Execute(context.Background(), "chain", map[string]any{"seed": 1})
	require.True(t, result.OK)

	// consume saw enrich's default threaded into its inputs.
	output := result.Output.(map[string]any)
	assert.Equal(t, "done", output["stage_one"])
	assert.Equal(t, 1, output["seed"])
}

func TestAbortShortCircuitsOnChildFailure(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeDefinition(t, dir, "bad", `
name: bad
kind: node
executor_type: sequential
parameters:
  - name: must_have
    type: string
    required: true
`)
	writeDefinition(t, dir, "never", "name: never\nkind: node\nexecutor_type: sequential\n")
	writeDefinition(t, dir, "strict-parent", `
name: strict-parent
kind: node
executor_type: sequential
nested:
  parallel: false
  children: [bad, never]
error_strategy:
  on_failure: abort
`)

	runner := NewRunner(loader)
	result := runner.Execute(context.Background(), "strict-parent", nil)
	require.False(t, result.OK)
	assert.Contains(t, result.ErrorMessage, "bad")

	output := result.Output.(map[string]any)
	children := output["children_results"].(map[string]any)
	assert.Contains(t, children, "bad")
	assert.NotContains(t, children, "never") // short-circuited
}

func TestContinueKeepsGoingOnChildFailure(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeDefinition(t, dir, "bad", `
name: bad
kind: node
executor_type: sequential
parameters:
  - name: must_have
    type: string
    required: true
`)
	writeDefinition(t, dir, "good", "name: good\nkind: node\nexecutor_type: sequential\n")
	writeDefinition(t, dir, "lenient-parent", `
name: lenient-parent
kind: node
executor_type: sequential
nested:
  parallel: false
  children: [bad, good]
error_strategy:
  on_failure: continue
output_aggregation: list
`)

	runner := NewRunner(loader)
	result := runner.Execute(context.Background(), "lenient-parent", map[string]any{"x": 1})
	require.True(t, result.OK)

	output := result.Output.(map[string]any)
	results := output["results"].([]any)
	assert.Len(t, results, 1) // only the surviving child
}

func TestLoaderInvalidateForcesReload(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeDefinition(t, dir, "v", "name: v\nkind: node\nexecutor_type: sequential\ndescription: one\n")

	def, err := loader.Load("v")
	require.NoError(t, err)
	assert.Equal(t, "one", def.Description)

	writeDefinition(t, dir, "v", "name: v\nkind: node\nexecutor_type: sequential\ndescription: two\n")
	def, err = loader.Load("v")
	require.NoError(t, err)
	assert.Equal(t, "one", def.Description) // still cached

	loader.Invalidate("v")
	def, err = loader.Load("v")
	require.NoError(t, err)
	assert.Equal(t, "two", def.Description)
}

func TestRegisterSchemasExposesDefinitionTypes(t *testing.T) {
	loader, dir := newTestLoader(t)
	writeDefinition(t, dir, "sentiment", `
name: sentiment
kind: node
executor_type: llm
parameters:
  - name: text
    type: string
    required: true
  - name: threshold
    type: number
    default: 0.5
`)

	registry := workflow.NewSchemaRegistry()
	require.NoError(t, loader.RegisterSchemas(registry))

	schema, ok := registry.Schema(workflow.NodeType("sentiment"))
	require.True(t, ok)
	assert.Equal(t, []string{"text"}, schema.Required)

	node := workflow.NewNode("s", workflow.NodeType("sentiment"), map[string]any{"text": "hi"})
	require.NoError(t, registry.ValidateConfig(node))
	assert.Equal(t, 0.5, node.Config["threshold"])
}
