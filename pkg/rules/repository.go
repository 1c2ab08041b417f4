package rules

import (
	"log/slog"
)

// Repository extends Engine with category and source filtering and ships the
// default guard set applied to every session. Generated rules with opaque
// predicate conditions register here alongside configured expression rules.
type Repository struct {
	*Engine
}

// NewRepository creates a repository with the default rules installed.
func NewRepository(logger *slog.Logger) *Repository {
	r := &Repository{Engine: NewEngine(logger)}
	r.installDefaults()
	return r
}

// NewEmptyRepository creates a repository without the default rule set.
// Tests use this to control the exact rules in play.
func NewEmptyRepository(logger *slog.Logger) *Repository {
	return &Repository{Engine: NewEngine(logger)}
}

// ListByCategory returns rules in one category, priority-sorted.
func (r *Repository) ListByCategory(category Category) []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked(func(rule *Rule) bool { return rule.Category == category })
}

// ListBySource returns rules from one source, priority-sorted.
func (r *Repository) ListBySource(source Source) []*Rule {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.sortedLocked(func(rule *Rule) bool { return rule.Source == source })
}

// EvaluateByCategory evaluates only the enabled rules of one category.
func (r *Repository) EvaluateByCategory(category Category, env map[string]any) []Violation {
	return r.evaluateRules(r.ListByCategory(category), env)
}

// installDefaults registers the built-in guard rules: iteration and token
// ceilings, goal-alignment floor, and the per-node execution timeout.
func (r *Repository) installDefaults() {
	defaults := []*Rule{
		{
			ID:          "default_max_iterations",
			Name:        "max iterations",
			Category:    CategoryExecution,
			Source:      SourceSystem,
			Description: "terminate runaway loops past 10 iterations",
			Condition:   ExprCondition("iteration_count > 10"),
			Action:      ActionForceTerminate,
			Priority:    10,
			Enabled:     true,
		},
		{
			ID:          "default_max_tokens",
			Name:        "max tokens",
			Category:    CategoryExecution,
			Source:      SourceSystem,
			Description: "terminate sessions past 10000 tokens",
			Condition:   ExprCondition("token_count > 10000"),
			Action:      ActionForceTerminate,
			Priority:    10,
			Enabled:     true,
		},
		{
			ID:          "default_goal_alignment",
			Name:        "goal alignment",
			Category:    CategoryGoal,
			Source:      SourceSystem,
			Description: "suggest correction when the action drifts from the goal",
			Condition:   ExprCondition("alignment_score < 0.5"),
			Action:      ActionSuggestCorrection,
			Priority:    20,
			Enabled:     true,
			Metadata: map[string]any{
				"suggestion": "re-align the next action with the stated goal",
			},
		},
		{
			ID:          "default_node_timeout",
			Name:        "node execution timeout",
			Category:    CategoryExecution,
			Source:      SourceSystem,
			Description: "terminate nodes running longer than 60 seconds",
			Condition:   ExprCondition("node_execution_seconds > 60"),
			Action:      ActionForceTerminate,
			Priority:    10,
			Enabled:     true,
		},
	}

	for _, rule := range defaults {
		if err := r.Add(rule); err != nil {
			r.logger.Error("failed to install default rule", "rule_id", rule.ID, "error", err)
		}
	}
}
