package codegen

import (
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// Generated is the synthesis output for one node: the YAML definition
// document and the companion script body.
type Generated struct {
	Name       string `json:"name"`
	Language   string `json:"language"`
	Definition []byte `json:"definition"`
	Code       string `json:"code"`
	Template   string `json:"template"`
}

// forbiddenPatterns reject generated code that reaches outside the numeric
// and collection stdlib surface the sandbox allows.
var forbiddenPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?m)^\s*import\s+os\b`),
	regexp.MustCompile(`(?m)^\s*import\s+subprocess\b`),
	regexp.MustCompile(`(?m)^\s*import\s+(socket|urllib|requests|http)\b`),
	regexp.MustCompile(`(?m)^\s*from\s+(os|subprocess|socket|urllib)\b`),
	regexp.MustCompile(`\beval\s*\(`),
	regexp.MustCompile(`\bexec\s*\(`),
	regexp.MustCompile(`\bopen\s*\(`),
	regexp.MustCompile(`\b__import__\s*\(`),
	regexp.MustCompile(`\brequire\s*\(\s*['"](fs|child_process|net|http)['"]`),
	regexp.MustCompile(`\bprocess\.(exit|env)\b`),
	regexp.MustCompile(`\bfetch\s*\(`),
}

// CheckSecurity rejects code that touches processes, file or network I/O,
// or dynamic evaluation.
func CheckSecurity(code string) error {
	for _, re := range forbiddenPatterns {
		if loc := re.FindString(code); loc != "" {
			return fmt.Errorf("generated code rejected by security check: %q", strings.TrimSpace(loc))
		}
	}
	return nil
}

type template struct {
	keywords []string
	python   string
	js       string
}

// logicTemplates is the fixed template set; matching is first-hit over the
// task's capability keywords, with the parameter echo as fallback.
var logicTemplates = []template{
	{
		keywords: []string{"average", "mean", "移动平均"},
		python: `values = input_data.get("values", [])
window = int(input_data.get("window", 3) or 3)
if window <= 0:
    window = 1
result = []
for i in range(len(values)):
    lo = max(0, i - window + 1)
    chunk = values[lo:i + 1]
    result.append(sum(chunk) / len(chunk))
output_data = {"result": result}`,
		js: `const values = input_data.values || [];
const window = Math.max(1, input_data.window || 3);
const result = values.map((_, i) => {
  const chunk = values.slice(Math.max(0, i - window + 1), i + 1);
  return chunk.reduce((a, b) => a + b, 0) / chunk.length;
});
output_data = { result };`,
	},
	{
		keywords: []string{"sum", "求和"},
		python: `values = input_data.get("values", [])
output_data = {"result": sum(values)}`,
		js: `const values = input_data.values || [];
output_data = { result: values.reduce((a, b) => a + b, 0) };`,
	},
	{
		keywords: []string{"fibonacci", "斐波那契"},
		python: `n = int(input_data.get("n", 10) or 10)
series = []
a, b = 0, 1
for _ in range(max(0, n)):
    series.append(a)
    a, b = b, a + b
output_data = {"result": series}`,
		js: `const n = Math.max(0, input_data.n || 10);
const series = [];
let a = 0, b = 1;
for (let i = 0; i < n; i++) { series.push(a); [a, b] = [b, a + b]; }
output_data = { result: series };`,
	},
	{
		keywords: []string{"divide", "除法"},
		python: `numerator = input_data.get("numerator", 0)
denominator = input_data.get("denominator", 1)
if denominator == 0:
    output_data = {"result": None, "error": "division by zero"}
else:
    output_data = {"result": numerator / denominator}`,
		js: `const numerator = input_data.numerator || 0;
const denominator = input_data.denominator;
output_data = denominator === 0 || denominator == null
  ? { result: null, error: "division by zero" }
  : { result: numerator / denominator };`,
	},
}

var echoTemplate = template{
	python: `output_data = dict(input_data)`,
	js:     `output_data = { ...input_data };`,
}

// Generator synthesizes node definitions and scripts from the template set.
type Generator struct{}

// NewGenerator creates a generator.
func NewGenerator() *Generator { return &Generator{} }

// Generate builds the YAML definition and script for the gap described by
// result. The code is security-checked before being returned.
func (g *Generator) Generate(task string, result GapResult) (*Generated, error) {
	if !result.HasGap {
		return nil, fmt.Errorf("no gap to generate for")
	}
	language := result.SuggestedLanguage
	if language == "" {
		language = LangPython
	}

	tmpl, tmplName := pickTemplate(task, result.MissingCapabilities)
	code := tmpl.python
	if language == LangJavaScript {
		code = tmpl.js
	}
	if err := CheckSecurity(code); err != nil {
		return nil, err
	}

	definition, err := buildDefinition(result, language, task)
	if err != nil {
		return nil, err
	}
	return &Generated{
		Name:       result.SuggestedNodeName,
		Language:   language,
		Definition: definition,
		Code:       code,
		Template:   tmplName,
	}, nil
}

func pickTemplate(task string, capabilities []string) (template, string) {
	haystack := strings.ToLower(task) + " " + strings.ToLower(strings.Join(capabilities, " "))
	for _, tmpl := range logicTemplates {
		for _, kw := range tmpl.keywords {
			if strings.Contains(haystack, kw) {
				return tmpl, tmpl.keywords[0]
			}
		}
	}
	return echoTemplate, "echo"
}

func buildDefinition(result GapResult, language, task string) ([]byte, error) {
	params := make([]map[string]any, 0, len(result.InferredParameters))
	for _, p := range result.InferredParameters {
		params = append(params, map[string]any{
			"name":     p,
			"type":     "any",
			"required": false,
		})
	}
	doc := map[string]any{
		"name":          result.SuggestedNodeName,
		"kind":          "node",
		"description":   "generated for: " + strings.TrimSpace(task),
		"version":       "0.1.0",
		"author":        "codegen-pipeline",
		"category":      "generated",
		"executor_type": "code",
		"language":      language,
		"parameters":    params,
		"execution": map[string]any{
			"timeout_seconds": 30,
			"sandbox":         true,
		},
	}
	out, err := yaml.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("marshal generated definition: %w", err)
	}
	return out, nil
}
