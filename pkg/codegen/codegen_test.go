package codegen

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triadflow/triad/pkg/nodedef"
)

func registeredNames(names ...string) func() []string {
	return func() []string { return names }
}

func TestAnalyzeFindsGap(t *testing.T) {
	a := NewGapAnalyzer(registeredNames("http_fetch", "text_summary"))

	result := a.Analyze("I need a moving average over sensor values")
	require.True(t, result.HasGap)
	assert.Contains(t, result.MissingCapabilities, "average")
	assert.Contains(t, result.InferredParameters, "values")
	assert.Contains(t, result.InferredParameters, "window")
	assert.Equal(t, LangPython, result.SuggestedLanguage)
	assert.NotEmpty(t, result.SuggestedNodeName)
}

func TestAnalyzeRecognizesCoverage(t *testing.T) {
	a := NewGapAnalyzer(registeredNames("moving_average_node"))
	result := a.Analyze("compute the average of these values")
	assert.False(t, result.HasGap)
	assert.Equal(t, "moving_average_node", result.MatchedNode)
}

func TestLanguageHeuristic(t *testing.T) {
	a := NewGapAnalyzer(registeredNames())

	result := a.Analyze("sum values inside the browser DOM")
	assert.Equal(t, LangJavaScript, result.SuggestedLanguage)

	result = a.Analyze("sum these values")
	assert.Equal(t, LangPython, result.SuggestedLanguage)
}

func TestAnalyzeChineseCapability(t *testing.T) {
	a := NewGapAnalyzer(registeredNames())
	result := a.Analyze("我需要一个斐波那契数列生成器")
	require.True(t, result.HasGap)
	assert.Contains(t, result.MissingCapabilities, "斐波那契")
	assert.Contains(t, result.InferredParameters, "n")
	assert.Equal(t, "fibonacci_node", result.SuggestedNodeName)
}

func TestGenerateProducesLoadableDefinition(t *testing.T) {
	a := NewGapAnalyzer(registeredNames())
	g := NewGenerator()

	result := a.Analyze("safe divide two numbers")
	gen, err := g.Generate("safe divide two numbers", result)
	require.NoError(t, err)
	assert.Equal(t, "divide", gen.Template)
	assert.Contains(t, gen.Code, "division by zero")

	// The generated YAML must parse under the strict definition loader.
	def, err := nodedef.Parse(gen.Definition)
	require.NoError(t, err)
	assert.Equal(t, gen.Name, def.Name)
	assert.Equal(t, nodedef.ExecutorCode, def.ExecutorType)
	assert.True(t, def.Execution.Sandbox)
}

func TestGenerateFallsBackToEcho(t *testing.T) {
	g := NewGenerator()
	gen, err := g.Generate("do something novel", GapResult{
		HasGap:            true,
		SuggestedNodeName: "novel_node",
		SuggestedLanguage: LangPython,
	})
	require.NoError(t, err)
	assert.Equal(t, "echo", gen.Template)
	assert.Contains(t, gen.Code, "input_data")
}

func TestSecurityCheckRejectsDangerousCode(t *testing.T) {
	bad := []string{
		"import os\nos.remove('x')",
		"import subprocess",
		"eval(user_input)",
		"open('/etc/passwd')",
		"__import__('os')",
		"const fs = require('fs')",
		"fetch('https://evil.example')",
	}
	for _, code := range bad {
		assert.Error(t, CheckSecurity(code), code)
	}

	assert.NoError(t, CheckSecurity("values = input_data.get('values', [])\noutput_data = {'r': sum(values)}"))
	// Every shipped template passes its own gate.
	for _, tmpl := range logicTemplates {
		assert.NoError(t, CheckSecurity(tmpl.python))
		assert.NoError(t, CheckSecurity(tmpl.js))
	}
}

func TestRegisterWritesAndUnregisterRemoves(t *testing.T) {
	dir := t.TempDir()
	svc := NewRegistrationService(dir, nil)

	gen := &Generated{
		Name:       "sum_node",
		Language:   LangPython,
		Definition: []byte("name: sum_node\nkind: node\nexecutor_type: code\nlanguage: python\n"),
		Code:       "output_data = {'r': sum(input_data.get('values', []))}",
	}
	require.NoError(t, svc.Register(gen))

	assert.FileExists(t, filepath.Join(dir, "sum_node.yaml"))
	assert.FileExists(t, filepath.Join(dir, "scripts", "sum_node.py"))

	// Duplicate registration is refused.
	require.Error(t, svc.Register(gen))

	require.NoError(t, svc.Unregister("sum_node", LangPython))
	assert.NoFileExists(t, filepath.Join(dir, "sum_node.yaml"))
	assert.NoFileExists(t, filepath.Join(dir, "scripts", "sum_node.py"))
}

func TestRegisterRollsBackOnScriptFailure(t *testing.T) {
	dir := t.TempDir()
	svc := NewRegistrationService(dir, nil)

	// Occupy the script path with a directory so the write fails after
	// the definition landed.
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "scripts", "blocked_node.py"), 0o755))

	err := svc.Register(&Generated{
		Name:       "blocked_node",
		Language:   LangPython,
		Definition: []byte("name: blocked_node\nkind: node\n"),
		Code:       "output_data = {}",
	})
	require.Error(t, err)
	assert.NoFileExists(t, filepath.Join(dir, "blocked_node.yaml"))
}

func TestPipelineEndToEnd(t *testing.T) {
	dir := t.TempDir()
	pipeline := NewPipeline(
		NewGapAnalyzer(registeredNames("http_fetch")),
		NewGenerator(),
		NewRegistrationService(dir, nil),
		nil,
	)

	result, gen, err := pipeline.Extend("calculate the sum of a list of values")
	require.NoError(t, err)
	require.True(t, result.HasGap)
	require.NotNil(t, gen)
	assert.FileExists(t, filepath.Join(dir, gen.Name+".yaml"))

	// The registered artifact is executable via the definition runner.
	loader := nodedef.NewLoader(dir, nil)
	def, err := loader.Load(gen.Name)
	require.NoError(t, err)
	assert.Equal(t, nodedef.ExecutorCode, def.ExecutorType)

	// Covered capability short-circuits without generating.
	coveredPipeline := NewPipeline(
		NewGapAnalyzer(registeredNames("moving_average_node")),
		NewGenerator(),
		NewRegistrationService(dir, nil),
		nil,
	)
	covered, gen2, err := coveredPipeline.Extend("compute the average of a series")
	require.NoError(t, err)
	assert.False(t, covered.HasGap)
	assert.Nil(t, gen2)
}
