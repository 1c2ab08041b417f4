package rules

import (
	"fmt"
	"log/slog"
	"strings"
)

// UserInput is the structured request the generator derives rules from.
type UserInput struct {
	Start          string                `json:"start"`
	Goal           string                `json:"goal"`
	Description    string                `json:"description,omitempty"`
	AllowedTools   []string              `json:"allowed_tools,omitempty"`
	ToolConfigs    map[string]ToolConfig `json:"tool_configs,omitempty"`
	MaxIterations  int                   `json:"max_iterations,omitempty"`
	TimeoutSeconds float64               `json:"timeout_seconds,omitempty"`
}

// ToolConfig constrains one tool's usage.
type ToolConfig struct {
	ForbiddenOperations []string `json:"forbidden_operations,omitempty"`
}

// forbiddenFields are payload field names whose presence in a call context
// triggers the generated privacy rule.
var forbiddenFields = []string{
	"password", "passwd", "secret", "token", "api_key", "credit_card",
	"ssn", "身份证", "密码", "银行卡",
}

// Generator derives session rules from structured user input: a
// goal-alignment guard carrying the extracted keyword set, a privacy guard
// over call-context fields, per-tool forbidden-operation guards, and
// iteration/timeout ceilings when the input sets them.
type Generator struct {
	checker *AlignmentChecker
	logger  *slog.Logger
}

// NewGenerator creates a rule generator.
func NewGenerator(checker *AlignmentChecker, logger *slog.Logger) *Generator {
	if checker == nil {
		checker = NewAlignmentChecker()
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Generator{checker: checker, logger: logger}
}

// FromUserInput produces the generated rule set for one session. Rule ids
// embed sessionID so repeated sessions never collide.
func (g *Generator) FromUserInput(sessionID string, input UserInput) []*Rule {
	var generated []*Rule

	if input.Goal != "" {
		generated = append(generated, g.goalAlignmentRule(sessionID, input))
	}
	generated = append(generated, g.privacyRule(sessionID))
	generated = append(generated, g.toolRules(sessionID, input)...)

	if input.MaxIterations > 0 {
		generated = append(generated, &Rule{
			ID:          fmt.Sprintf("gen_%s_max_iterations", sessionID),
			Name:        "session iteration limit",
			Category:    CategoryExecution,
			Source:      SourceGenerated,
			Description: fmt.Sprintf("terminate after %d iterations", input.MaxIterations),
			Condition:   ExprCondition(fmt.Sprintf("iteration_count > %d", input.MaxIterations)),
			Action:      ActionForceTerminate,
			Priority:    10,
			Enabled:     true,
		})
	}
	if input.TimeoutSeconds > 0 {
		generated = append(generated, &Rule{
			ID:          fmt.Sprintf("gen_%s_timeout", sessionID),
			Name:        "session timeout",
			Category:    CategoryExecution,
			Source:      SourceGenerated,
			Description: fmt.Sprintf("terminate after %.0f seconds", input.TimeoutSeconds),
			Condition:   ExprCondition(fmt.Sprintf("elapsed_seconds > %v", input.TimeoutSeconds)),
			Action:      ActionForceTerminate,
			Priority:    10,
			Enabled:     true,
		})
	}

	g.logger.Info("rules generated from user input",
		"session_id", sessionID, "count", len(generated))
	return generated
}

// goalAlignmentRule builds the GOAL-category rule whose metadata carries the
// keyword set extracted from the goal (and start state) text.
func (g *Generator) goalAlignmentRule(sessionID string, input UserInput) *Rule {
	keywords := ExtractKeywords(input.Goal)
	if input.Start != "" {
		keywords = append(keywords, ExtractKeywords(input.Start)...)
	}
	checker := g.checker
	goal := input.Goal

	return &Rule{
		ID:          fmt.Sprintf("gen_%s_goal_alignment", sessionID),
		Name:        "generated goal alignment",
		Category:    CategoryGoal,
		Source:      SourceGenerated,
		Description: fmt.Sprintf("actions must serve the goal %q", input.Goal),
		Condition: PredicateCondition(func(env map[string]any) bool {
			action, _ := env["action_description"].(string)
			if action == "" {
				return false
			}
			return !checker.Aligned(goal, action, env)
		}),
		Action:   ActionSuggestCorrection,
		Priority: 20,
		Enabled:  true,
		Metadata: map[string]any{
			"keywords":   keywords,
			"goal":       input.Goal,
			"suggestion": "adjust the action to serve the stated goal",
		},
	}
}

// privacyRule fires when the call context exposes a forbidden field, either
// as a field list or as payload keys.
func (g *Generator) privacyRule(sessionID string) *Rule {
	return &Rule{
		ID:          fmt.Sprintf("gen_%s_privacy", sessionID),
		Name:        "privacy field guard",
		Category:    CategoryData,
		Source:      SourceGenerated,
		Description: "reject access to sensitive fields",
		Condition:   PredicateCondition(containsForbiddenField),
		Action:      ActionRejectDecision,
		Priority:    5,
		Enabled:     true,
		Metadata: map[string]any{
			"correction_type": "field_restriction",
			"suggestion":      "restrict the query to non-sensitive fields",
		},
	}
}

// toolRules builds one TOOL rule per tool that declares forbidden
// operations. Matching is a case-insensitive substring check against the
// request's operation field.
func (g *Generator) toolRules(sessionID string, input UserInput) []*Rule {
	var out []*Rule
	for tool, cfg := range input.ToolConfigs {
		if len(cfg.ForbiddenOperations) == 0 {
			continue
		}
		toolName := tool
		forbidden := make([]string, len(cfg.ForbiddenOperations))
		for i, op := range cfg.ForbiddenOperations {
			forbidden[i] = strings.ToLower(op)
		}

		out = append(out, &Rule{
			ID:          fmt.Sprintf("gen_%s_tool_%s", sessionID, toolName),
			Name:        fmt.Sprintf("forbidden operations for %s", toolName),
			Category:    CategoryTool,
			Source:      SourceGenerated,
			Description: fmt.Sprintf("%s may not perform: %s", toolName, strings.Join(cfg.ForbiddenOperations, ", ")),
			Condition: PredicateCondition(func(env map[string]any) bool {
				if name, _ := env["tool"].(string); name != toolName {
					return false
				}
				operation, _ := env["operation"].(string)
				if operation == "" {
					return false
				}
				lower := strings.ToLower(operation)
				for _, op := range forbidden {
					if strings.Contains(lower, op) {
						return true
					}
				}
				return false
			}),
			Action:   ActionRejectDecision,
			Priority: 5,
			Enabled:  true,
			Metadata: map[string]any{
				"tool":                 toolName,
				"forbidden_operations": cfg.ForbiddenOperations,
			},
		})
	}
	return out
}

// containsForbiddenField checks an explicit fields list first, then payload
// keys.
func containsForbiddenField(env map[string]any) bool {
	match := func(name string) bool {
		lower := strings.ToLower(name)
		for _, f := range forbiddenFields {
			if strings.Contains(lower, f) {
				return true
			}
		}
		return false
	}

	switch fields := env["fields"].(type) {
	case []string:
		for _, f := range fields {
			if match(f) {
				return true
			}
		}
	case []any:
		for _, f := range fields {
			if s, ok := f.(string); ok && match(s) {
				return true
			}
		}
	}

	if payload, ok := env["payload"].(map[string]any); ok {
		for key := range payload {
			if match(key) {
				return true
			}
		}
	}
	return false
}
