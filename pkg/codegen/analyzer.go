// Package codegen implements the self-extension pipeline: gap analysis over
// the registered node set, template-based YAML and script synthesis with a
// static security check, and registration with rollback.
package codegen

import (
	"regexp"
	"strings"
)

// Languages the generator can emit.
const (
	LangPython     = "python"
	LangJavaScript = "javascript"
)

// GapResult is the outcome of analyzing a task against the registered
// capability set.
type GapResult struct {
	HasGap              bool     `json:"has_gap"`
	SuggestedNodeName   string   `json:"suggested_node_name,omitempty"`
	SuggestedLanguage   string   `json:"suggested_language,omitempty"`
	InferredParameters  []string `json:"inferred_parameters,omitempty"`
	MissingCapabilities []string `json:"missing_capabilities,omitempty"`
	Confidence          float64  `json:"confidence"`
	MatchedNode         string   `json:"matched_node,omitempty"`
}

// webTerms steer the language heuristic toward javascript.
var webTerms = []string{"dom", "browser", "webpage", "html", "css", "frontend", "网页", "浏览器"}

// capabilityTerms recognized in task descriptions, with the parameters a
// node serving that capability would need.
var capabilityTerms = map[string][]string{
	"average":   {"values", "window"},
	"mean":      {"values", "window"},
	"移动平均":      {"values", "window"},
	"sum":       {"values"},
	"求和":        {"values"},
	"fibonacci": {"n"},
	"斐波那契":      {"n"},
	"divide":    {"numerator", "denominator"},
	"除法":        {"numerator", "denominator"},
	"sort":      {"values"},
	"排序":        {"values"},
	"filter":    {"values", "predicate"},
	"过滤":        {"values", "predicate"},
}

var nameSanitizer = regexp.MustCompile(`[^a-z0-9_]+`)

// GapAnalyzer decides whether the registered nodes cover a task.
type GapAnalyzer struct {
	registered func() []string
}

// NewGapAnalyzer creates an analyzer over a snapshot function returning the
// currently-registered node names.
func NewGapAnalyzer(registered func() []string) *GapAnalyzer {
	return &GapAnalyzer{registered: registered}
}

// Analyze extracts capability terms from the task and checks them against
// the registered node names. A capability with no matching node is a gap.
func (a *GapAnalyzer) Analyze(task string) GapResult {
	lower := strings.ToLower(task)

	var missing []string
	var params []string
	seen := make(map[string]bool)
	for term, termParams := range capabilityTerms {
		if !strings.Contains(lower, term) {
			continue
		}
		if name, ok := a.findCovering(term); ok {
			return GapResult{HasGap: false, MatchedNode: name, Confidence: 0.9}
		}
		missing = append(missing, term)
		for _, p := range termParams {
			if !seen[p] {
				seen[p] = true
				params = append(params, p)
			}
		}
	}

	if len(missing) == 0 {
		// Nothing recognizable either way: assume a generic gap with
		// low confidence so a human can decide.
		return GapResult{
			HasGap:             true,
			SuggestedNodeName:  suggestName(task),
			SuggestedLanguage:  suggestLanguage(lower),
			InferredParameters: []string{"input"},
			Confidence:         0.3,
		}
	}

	return GapResult{
		HasGap:              true,
		SuggestedNodeName:   suggestName(missing[0]),
		SuggestedLanguage:   suggestLanguage(lower),
		InferredParameters:  params,
		MissingCapabilities: missing,
		Confidence:          0.7,
	}
}

func (a *GapAnalyzer) findCovering(term string) (string, bool) {
	for _, name := range a.registered() {
		if strings.Contains(strings.ToLower(name), normalizeTerm(term)) {
			return name, true
		}
	}
	return "", false
}

// normalizeTerm maps localized capability terms to the english token node
// names are expected to carry.
func normalizeTerm(term string) string {
	switch term {
	case "移动平均":
		return "average"
	case "求和":
		return "sum"
	case "斐波那契":
		return "fibonacci"
	case "除法":
		return "divide"
	case "排序":
		return "sort"
	case "过滤":
		return "filter"
	default:
		return term
	}
}

func suggestLanguage(lowerTask string) string {
	for _, term := range webTerms {
		if strings.Contains(lowerTask, term) {
			return LangJavaScript
		}
	}
	return LangPython
}

func suggestName(seed string) string {
	name := strings.ToLower(strings.TrimSpace(normalizeTerm(seed)))
	name = strings.ReplaceAll(name, " ", "_")
	name = nameSanitizer.ReplaceAllString(name, "")
	if name == "" {
		name = "custom_node"
	}
	if len(name) > 40 {
		name = name[:40]
	}
	return name + "_node"
}
