package rules

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvalBool(t *testing.T) {
	e := NewEvaluator(nil)

	tests := []struct {
		name      string
		condition string
		env       map[string]any
		want      bool
		wantErr   bool
	}{
		{
			name:      "numeric comparison true",
			condition: "quality > 0.8",
			env:       map[string]any{"quality": 0.95},
			want:      true,
		},
		{
			name:      "numeric comparison false",
			condition: "quality > 0.8",
			env:       map[string]any{"quality": 0.5},
		},
		{
			name:      "boolean operators",
			condition: "count > 1 && count < 10",
			env:       map[string]any{"count": 5},
			want:      true,
		},
		{
			name:      "word-form operators",
			condition: "count > 1 and not (count > 10)",
			env:       map[string]any{"count": 5},
			want:      true,
		},
		{
			name:      "safe builtins",
			condition: "len(items) >= 2 && max(1, 3) == 3",
			env:       map[string]any{"items": []any{1, 2, 3}},
			want:      true,
		},
		{
			name:      "arithmetic",
			condition: "(a + b) * 2 == 10",
			env:       map[string]any{"a": 2, "b": 3},
			want:      true,
		},
		{
			name:      "string comparison",
			condition: `status == "completed"`,
			env:       map[string]any{"status": "completed"},
			want:      true,
		},
		{
			name:      "unknown identifier errors",
			condition: "no_such > 10",
			env:       map[string]any{"x": 1},
			wantErr:   true,
		},
		{
			name:      "syntax error",
			condition: "((",
			env:       map[string]any{},
			wantErr:   true,
		},
		{
			name:      "non-bool result errors",
			condition: "1 + 1",
			env:       map[string]any{},
			wantErr:   true,
		},
		{
			name:      "empty condition is false",
			condition: "",
			env:       map[string]any{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := e.EvalBool(tt.condition, tt.env)
			if tt.wantErr {
				require.Error(t, err)
				assert.False(t, got)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEvalBoolSafeMapsErrorsToFalse(t *testing.T) {
	e := NewEvaluator(nil)
	assert.False(t, e.EvalBoolSafe("((", map[string]any{}))
	assert.False(t, e.EvalBoolSafe("missing > 1", map[string]any{}))
	assert.True(t, e.EvalBoolSafe("x > 1", map[string]any{"x": 2}))
}

// Conditions must resolve identifiers only from the supplied context.
func TestEvaluatorPurity(t *testing.T) {
	e := NewEvaluator(nil)

	// The same condition against two different scopes sees only its own scope.
	first, err := e.EvalBool("x > 1", map[string]any{"x": 5})
	require.NoError(t, err)
	assert.True(t, first)

	_, err = e.EvalBool("x > 1", map[string]any{"y": 5})
	assert.Error(t, err, "identifier from another scope must not resolve")
}
