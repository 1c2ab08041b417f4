// Package rules implements the categorized rule repository, the restricted
// expression evaluator that guards rule and edge conditions, rule generation
// from user goals, goal-alignment scoring, and the decision validator that
// screens planner decisions before execution.
package rules

import (
	"time"
)

// Category classifies what a rule guards.
type Category string

// Rule categories.
const (
	CategoryBehavior  Category = "BEHAVIOR"
	CategoryTool      Category = "TOOL"
	CategoryData      Category = "DATA"
	CategoryExecution Category = "EXECUTION"
	CategoryGoal      Category = "GOAL"
)

// Source records where a rule came from.
type Source string

// Rule sources.
const (
	SourceUser      Source = "USER"
	SourceSystem    Source = "SYSTEM"
	SourceTool      Source = "TOOL"
	SourceGenerated Source = "GENERATED"
)

// Action is what a triggered rule requests.
type Action string

// Rule actions, ordered from advisory to terminal.
const (
	ActionLogWarning        Action = "LOG_WARNING"
	ActionSuggestCorrection Action = "SUGGEST_CORRECTION"
	ActionRejectDecision    Action = "REJECT_DECISION"
	ActionForceTerminate    Action = "FORCE_TERMINATE"
)

// Predicate is an opaque condition evaluated against the scoped context.
// Generated rules use predicates; configured rules use expression strings.
type Predicate func(env map[string]any) bool

// Condition is the sum of the two rule condition shapes. Exactly one of
// Expression or Predicate should be set; when both are set the predicate
// wins. An empty condition never triggers.
type Condition struct {
	Expression string
	Predicate  Predicate
}

// IsZero reports whether the condition has neither shape.
func (c Condition) IsZero() bool {
	return c.Expression == "" && c.Predicate == nil
}

// ExprCondition builds an expression-string condition.
func ExprCondition(expression string) Condition {
	return Condition{Expression: expression}
}

// PredicateCondition builds an opaque-predicate condition.
func PredicateCondition(p Predicate) Condition {
	return Condition{Predicate: p}
}

// Rule is one guard in the repository. Priority sorts ascending: smaller
// values evaluate first and the sort is stable, so rules added earlier win
// ties.
type Rule struct {
	ID          string         `json:"id"`
	Name        string         `json:"name"`
	Category    Category       `json:"category"`
	Source      Source         `json:"source"`
	Description string         `json:"description,omitempty"`
	Condition   Condition      `json:"-"`
	Action      Action         `json:"action"`
	Priority    int            `json:"priority"`
	Enabled     bool           `json:"enabled"`
	Metadata    map[string]any `json:"metadata,omitempty"`
	CreatedAt   time.Time      `json:"created_at"`
	UpdatedAt   time.Time      `json:"updated_at"`
}

// Violation records one triggered rule.
type Violation struct {
	RuleID          string         `json:"rule_id"`
	RuleName        string         `json:"rule_name"`
	Action          Action         `json:"action"`
	ContextSnapshot map[string]any `json:"context_snapshot,omitempty"`
	Message         string         `json:"message"`
	Timestamp       time.Time      `json:"timestamp"`
}
