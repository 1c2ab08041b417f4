package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func exprRule(id string, priority int, condition string, action Action) *Rule {
	return &Rule{
		ID:        id,
		Name:      id,
		Category:  CategoryBehavior,
		Source:    SourceSystem,
		Condition: ExprCondition(condition),
		Action:    action,
		Priority:  priority,
		Enabled:   true,
	}
}

func TestAddDuplicateRuleFails(t *testing.T) {
	e := NewEngine(nil)
	require.NoError(t, e.Add(exprRule("r1", 1, "x > 1", ActionLogWarning)))

	err := e.Add(exprRule("r1", 2, "x > 2", ActionRejectDecision))
	require.ErrorIs(t, err, ErrDuplicateRule)

	// Repository unchanged: the original rule still evaluates.
	got, err := e.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, 1, got.Priority)
	assert.Len(t, e.List(), 1)
}

func TestListSortsByPriorityStable(t *testing.T) {
	e := NewEngine(nil)
	require.NoError(t, e.Add(exprRule("low", 10, "true", ActionLogWarning)))
	require.NoError(t, e.Add(exprRule("first-high", 1, "true", ActionLogWarning)))
	require.NoError(t, e.Add(exprRule("second-high", 1, "true", ActionLogWarning)))

	ids := make([]string, 0, 3)
	for _, r := range e.List() {
		ids = append(ids, r.ID)
	}
	assert.Equal(t, []string{"first-high", "second-high", "low"}, ids)
}

func TestEvaluateReturnsViolationsInPriorityOrder(t *testing.T) {
	e := NewEngine(nil)
	require.NoError(t, e.Add(exprRule("warn", 20, "count > 0", ActionLogWarning)))
	require.NoError(t, e.Add(exprRule("terminate", 1, "count > 5", ActionForceTerminate)))
	require.NoError(t, e.Add(exprRule("quiet", 5, "count > 100", ActionRejectDecision)))

	violations := e.Evaluate(map[string]any{"count": 7})
	require.Len(t, violations, 2)
	assert.Equal(t, "terminate", violations[0].RuleID)
	assert.Equal(t, ActionForceTerminate, violations[0].Action)
	assert.Equal(t, "warn", violations[1].RuleID)
}

func TestDisabledRulesSkipped(t *testing.T) {
	e := NewEngine(nil)
	r := exprRule("r1", 1, "true", ActionRejectDecision)
	r.Enabled = false
	require.NoError(t, e.Add(r))

	assert.Empty(t, e.Evaluate(map[string]any{}))

	require.NoError(t, e.SetEnabled("r1", true))
	assert.Len(t, e.Evaluate(map[string]any{}), 1)
}

func TestMalformedConditionDoesNotAbortEvaluation(t *testing.T) {
	e := NewEngine(nil)
	require.NoError(t, e.Add(exprRule("broken", 1, "((", ActionForceTerminate)))
	require.NoError(t, e.Add(exprRule("missing-var", 2, "no_such_var > 10", ActionRejectDecision)))
	require.NoError(t, e.Add(exprRule("fires", 3, "count > 1", ActionLogWarning)))

	violations := e.Evaluate(map[string]any{"count": 2})
	require.Len(t, violations, 1)
	assert.Equal(t, "fires", violations[0].RuleID)
}

func TestPredicatePanicTreatedAsUntriggered(t *testing.T) {
	e := NewEngine(nil)
	r := exprRule("panicky", 1, "", ActionRejectDecision)
	r.Condition = PredicateCondition(func(map[string]any) bool { panic("bad predicate") })
	require.NoError(t, e.Add(r))
	require.NoError(t, e.Add(exprRule("fires", 2, "true", ActionLogWarning)))

	violations := e.Evaluate(map[string]any{})
	require.Len(t, violations, 1)
	assert.Equal(t, "fires", violations[0].RuleID)
}

func TestRemoveAndUpdate(t *testing.T) {
	e := NewEngine(nil)
	require.NoError(t, e.Add(exprRule("r1", 1, "true", ActionLogWarning)))

	updated := exprRule("r1", 99, "false", ActionLogWarning)
	require.NoError(t, e.Update(updated))
	got, err := e.Get("r1")
	require.NoError(t, err)
	assert.Equal(t, 99, got.Priority)
	assert.False(t, got.CreatedAt.IsZero())

	require.NoError(t, e.Remove("r1"))
	assert.ErrorIs(t, e.Remove("r1"), ErrRuleNotFound)
	_, err = e.Get("r1")
	assert.ErrorIs(t, err, ErrRuleNotFound)
}
