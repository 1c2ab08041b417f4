package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseOutputRef(t *testing.T) {
	tests := []struct {
		value  string
		ok     bool
		source string
		field  string
	}{
		{"fetch.output", true, "fetch", ""},
		{"fetch.output.rows", true, "fetch", "rows"},
		{"fetch.output.meta.count", true, "fetch", "meta.count"},
		{"plain string", false, "", ""},
		{"fetch", false, "", ""},
		{"fetch.result", false, "", ""},
		{".output", false, "", ""},
	}
	for _, tt := range tests {
		ref, ok := ParseOutputRef("key", tt.value)
		assert.Equal(t, tt.ok, ok, tt.value)
		if ok {
			assert.Equal(t, tt.source, ref.SourceName, tt.value)
			assert.Equal(t, tt.field, ref.Field, tt.value)
		}
	}
}

func TestDependencyBuilderAddsEdges(t *testing.T) {
	g := NewGraph("deps")
	fetch := NewNode("fetch", NodeAPI, map[string]any{"url": "https://x"})
	process := NewNode("process", NodeDataProcess, map[string]any{"input": "fetch.output"})
	report := NewNode("report", NodeTemplate, map[string]any{
		"template": "t",
		"data":     "process.output.result",
	})
	for _, n := range []*Node{fetch, process, report} {
		require.NoError(t, g.AddNode(n))
	}

	require.NoError(t, NewDependencyBuilder(nil).Build(g))

	require.Len(t, g.Edges(), 2)
	order, err := TopologicalOrder(g)
	require.NoError(t, err)
	assert.Equal(t, []string{fetch.ID, process.ID, report.ID}, order)
}

func TestDependencyBuilderDropsBadReferences(t *testing.T) {
	g := NewGraph("deps")
	selfish := NewNode("selfish", NodeDataProcess, map[string]any{"input": "selfish.output"})
	lonely := NewNode("lonely", NodeDataProcess, map[string]any{"input": "ghost.output"})
	require.NoError(t, g.AddNode(selfish))
	require.NoError(t, g.AddNode(lonely))

	require.NoError(t, NewDependencyBuilder(nil).Build(g))
	assert.Empty(t, g.Edges())
}

func TestDependencyBuilderSkipsDuplicateEdges(t *testing.T) {
	g := NewGraph("deps")
	src := NewNode("src", NodeAPI, map[string]any{"url": "https://x"})
	dst := NewNode("dst", NodeDataProcess, map[string]any{
		"a": "src.output.first",
		"b": "src.output.second",
	})
	require.NoError(t, g.AddNode(src))
	require.NoError(t, g.AddNode(dst))

	require.NoError(t, NewDependencyBuilder(nil).Build(g))
	assert.Len(t, g.Edges(), 1)
}

func TestResolveConfigDereferencesOutputs(t *testing.T) {
	g := NewGraph("resolve")
	fetch := NewNode("fetch", NodeAPI, map[string]any{"url": "https://x"})
	process := NewNode("process", NodeDataProcess, map[string]any{
		"whole":   "fetch.output",
		"field":   "fetch.output.rows",
		"missing": "fetch.output.absent",
		"literal": "just text",
		"number":  7,
	})
	require.NoError(t, g.AddNode(fetch))
	require.NoError(t, g.AddNode(process))

	outputs := map[string]any{
		fetch.ID: map[string]any{"rows": 42},
	}
	resolved := ResolveConfig(g, process, outputs)

	assert.Equal(t, map[string]any{"rows": 42}, resolved["whole"])
	assert.Equal(t, 42, resolved["field"])
	assert.Nil(t, resolved["missing"])
	assert.Equal(t, "just text", resolved["literal"])
	assert.Equal(t, 7, resolved["number"])
}

func TestResolveConfigUnproducedSourceIsNil(t *testing.T) {
	g := NewGraph("resolve")
	fetch := NewNode("fetch", NodeAPI, map[string]any{"url": "https://x"})
	process := NewNode("process", NodeDataProcess, map[string]any{"input": "fetch.output"})
	require.NoError(t, g.AddNode(fetch))
	require.NoError(t, g.AddNode(process))

	resolved := ResolveConfig(g, process, map[string]any{})
	assert.Nil(t, resolved["input"])
}
