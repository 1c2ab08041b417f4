package rules

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrDuplicateRule is returned when adding a rule whose id is already
// registered. The repository is left unchanged.
var ErrDuplicateRule = errors.New("rule id already registered")

// ErrRuleNotFound is returned by lookups and updates for unknown rule ids.
var ErrRuleNotFound = errors.New("rule not found")

// Engine holds a priority-sorted rule list and evaluates enabled rules
// against a scoped context. Mutation and evaluation are serialized with a
// read-write mutex because the HTTP API exposes rule CRUD while workflows
// run.
type Engine struct {
	mu        sync.RWMutex
	rules     map[string]*Rule
	order     []string // rule ids, insertion order; evaluation re-sorts by priority
	evaluator *Evaluator
	logger    *slog.Logger
}

// NewEngine creates an empty rule engine.
func NewEngine(logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		rules:     make(map[string]*Rule),
		evaluator: NewEvaluator(logger),
		logger:    logger,
	}
}

// Evaluator exposes the engine's restricted expression evaluator so other
// components (edge conditions) share the compile cache.
func (e *Engine) Evaluator() *Evaluator { return e.evaluator }

// Add registers a rule. Adding an id that already exists returns
// ErrDuplicateRule and leaves the repository unchanged.
func (e *Engine) Add(rule *Rule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("rule must have an id")
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if _, exists := e.rules[rule.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateRule, rule.ID)
	}

	now := time.Now()
	if rule.CreatedAt.IsZero() {
		rule.CreatedAt = now
	}
	rule.UpdatedAt = now

	e.rules[rule.ID] = rule
	e.order = append(e.order, rule.ID)
	e.logger.Debug("rule added", "rule_id", rule.ID, "category", rule.Category, "priority", rule.Priority)
	return nil
}

// Remove deletes a rule by id.
func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.rules[id]; !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	delete(e.rules, id)
	for i, rid := range e.order {
		if rid == id {
			e.order = append(e.order[:i], e.order[i+1:]...)
			break
		}
	}
	return nil
}

// Update replaces the stored rule with the same id, preserving CreatedAt.
func (e *Engine) Update(rule *Rule) error {
	if rule == nil || rule.ID == "" {
		return fmt.Errorf("rule must have an id")
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	existing, ok := e.rules[rule.ID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, rule.ID)
	}
	rule.CreatedAt = existing.CreatedAt
	rule.UpdatedAt = time.Now()
	e.rules[rule.ID] = rule
	return nil
}

// Get returns the rule with the given id.
func (e *Engine) Get(id string) (*Rule, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	rule, ok := e.rules[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	return rule, nil
}

// List returns all rules sorted by ascending priority. The sort is stable:
// equal priorities keep insertion order.
func (e *Engine) List() []*Rule {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.sortedLocked(nil)
}

// SetEnabled toggles a rule without replacing it.
func (e *Engine) SetEnabled(id string, enabled bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	rule, ok := e.rules[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrRuleNotFound, id)
	}
	rule.Enabled = enabled
	rule.UpdatedAt = time.Now()
	return nil
}

// Evaluate walks enabled rules in priority order and returns a violation for
// each rule whose condition holds against env. A condition that fails to
// evaluate is logged and treated as untriggered; it never aborts evaluation
// of the remaining rules.
func (e *Engine) Evaluate(env map[string]any) []Violation {
	e.mu.RLock()
	sorted := e.sortedLocked(nil)
	e.mu.RUnlock()
	return e.evaluateRules(sorted, env)
}

// evaluateRules applies the shared trigger logic to an already-sorted slice.
func (e *Engine) evaluateRules(sorted []*Rule, env map[string]any) []Violation {
	var violations []Violation
	for _, rule := range sorted {
		if !rule.Enabled || rule.Condition.IsZero() {
			continue
		}
		if !e.triggered(rule, env) {
			continue
		}
		violations = append(violations, Violation{
			RuleID:          rule.ID,
			RuleName:        rule.Name,
			Action:          rule.Action,
			ContextSnapshot: snapshotEnv(env),
			Message:         violationMessage(rule),
			Timestamp:       time.Now(),
		})
	}
	return violations
}

// triggered runs one rule condition, containing predicate panics.
func (e *Engine) triggered(rule *Rule, env map[string]any) (fired bool) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Warn("rule predicate panicked, treating as untriggered",
				"rule_id", rule.ID, "panic", r)
			fired = false
		}
	}()

	if rule.Condition.Predicate != nil {
		return rule.Condition.Predicate(env)
	}
	return e.evaluator.EvalBoolSafe(rule.Condition.Expression, env)
}

// sortedLocked returns rules sorted by priority, optionally filtered.
// Callers must hold at least the read lock.
func (e *Engine) sortedLocked(keep func(*Rule) bool) []*Rule {
	out := make([]*Rule, 0, len(e.order))
	for _, id := range e.order {
		rule := e.rules[id]
		if keep == nil || keep(rule) {
			out = append(out, rule)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].Priority < out[j].Priority })
	return out
}

func violationMessage(rule *Rule) string {
	if rule.Description != "" {
		return fmt.Sprintf("rule %q triggered: %s", rule.Name, rule.Description)
	}
	return fmt.Sprintf("rule %q triggered", rule.Name)
}

func snapshotEnv(env map[string]any) map[string]any {
	if env == nil {
		return nil
	}
	snap := make(map[string]any, len(env))
	for k, v := range env {
		snap[k] = v
	}
	return snap
}
