package rules

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Evaluator compiles and runs restricted condition expressions. Identifier
// lookup resolves only against the caller-supplied environment map, so a
// condition can never read state outside its scope. Compiled programs are
// cached by source text.
//
// The expression language (expr-lang) covers the restricted surface the
// rules need: literals, comparisons, boolean operators (both && and `and`
// spellings), arithmetic, and a fixed builtin set (abs, min, max, len, sum,
// all, any, int, float, string, ...).
type Evaluator struct {
	mu     sync.Mutex
	cache  map[string]*vm.Program
	logger *slog.Logger
}

// NewEvaluator creates an expression evaluator.
func NewEvaluator(logger *slog.Logger) *Evaluator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Evaluator{
		cache:  make(map[string]*vm.Program),
		logger: logger,
	}
}

// EvalBool evaluates condition against env and returns the boolean result.
// Compile and runtime errors are returned to the caller; rule evaluation
// treats them as "condition false" per the graceful-degradation policy.
func (e *Evaluator) EvalBool(condition string, env map[string]any) (bool, error) {
	if condition == "" {
		return false, nil
	}
	if env == nil {
		env = map[string]any{}
	}

	program, err := e.compile(condition)
	if err != nil {
		return false, fmt.Errorf("compile condition %q: %w", condition, err)
	}

	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", condition, err)
	}

	result, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q evaluated to %T, want bool", condition, out)
	}
	return result, nil
}

// EvalBoolSafe evaluates condition and maps any error to false with a warn
// log. This is the documented policy for rule and edge conditions: a
// malformed condition never aborts evaluation of the rest.
func (e *Evaluator) EvalBoolSafe(condition string, env map[string]any) bool {
	result, err := e.EvalBool(condition, env)
	if err != nil {
		e.logger.Warn("condition evaluation failed, treating as false",
			"condition", condition, "error", err)
		return false
	}
	return result
}

func (e *Evaluator) compile(condition string) (*vm.Program, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if p, ok := e.cache[condition]; ok {
		return p, nil
	}
	program, err := expr.Compile(condition, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}
	e.cache[condition] = program
	return program, nil
}
