package workflow

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoNodeContext(t *testing.T) (*ExecutionContext, *Node, *Node) {
	t.Helper()
	g := NewGraph("ctx")
	a := NewNode("a", NodeGeneric, nil)
	b := NewNode("b", NodeGeneric, nil)
	require.NoError(t, g.AddNode(a))
	require.NoError(t, g.AddNode(b))
	return NewExecutionContext(g), a, b
}

func TestExecutionContextSeedsPending(t *testing.T) {
	ctx, a, b := twoNodeContext(t)
	for _, id := range []string{a.ID, b.ID} {
		state, ok := ctx.State(id)
		require.True(t, ok)
		assert.Equal(t, StatePending, state)
	}
	assert.Equal(t, WorkflowRunning, ctx.Status)
	assert.Equal(t, 2, ctx.TotalNodes())
}

func TestLegalTransitions(t *testing.T) {
	ctx, a, b := twoNodeContext(t)

	require.NoError(t, ctx.Transition(a.ID, StateRunning))
	require.NoError(t, ctx.Transition(a.ID, StateFailed))
	require.NoError(t, ctx.Transition(a.ID, StateRunning)) // retry
	require.NoError(t, ctx.Transition(a.ID, StateExecuted))

	require.NoError(t, ctx.Transition(b.ID, StateSkipped))
}

func TestIllegalTransitionsRejected(t *testing.T) {
	ctx, a, b := twoNodeContext(t)

	// pending cannot jump straight to executed or failed.
	require.Error(t, ctx.Transition(a.ID, StateExecuted))
	require.Error(t, ctx.Transition(a.ID, StateFailed))

	// executed is terminal.
	require.NoError(t, ctx.Transition(a.ID, StateRunning))
	require.NoError(t, ctx.Transition(a.ID, StateExecuted))
	require.Error(t, ctx.Transition(a.ID, StateRunning))

	// skipped is terminal.
	require.NoError(t, ctx.Transition(b.ID, StateSkipped))
	require.Error(t, ctx.Transition(b.ID, StateRunning))

	// unknown node.
	require.Error(t, ctx.Transition("ghost", StateRunning))
}

func TestCountsAlwaysPartition(t *testing.T) {
	ctx, a, b := twoNodeContext(t)

	sum := func() int {
		total := 0
		for _, n := range ctx.Counts() {
			total += n
		}
		return total
	}

	assert.Equal(t, 2, sum())
	require.NoError(t, ctx.Transition(a.ID, StateRunning))
	assert.Equal(t, 2, sum())
	require.NoError(t, ctx.Transition(a.ID, StateExecuted))
	require.NoError(t, ctx.Transition(b.ID, StateSkipped))
	assert.Equal(t, 2, sum())
}

func TestProgressCountsSettledNodes(t *testing.T) {
	ctx, a, b := twoNodeContext(t)
	assert.Zero(t, ctx.Progress())

	require.NoError(t, ctx.Transition(a.ID, StateRunning))
	assert.Zero(t, ctx.Progress()) // running is not settled

	require.NoError(t, ctx.Transition(a.ID, StateExecuted))
	assert.InDelta(t, 0.5, ctx.Progress(), 1e-9)

	require.NoError(t, ctx.Transition(b.ID, StateSkipped))
	assert.InDelta(t, 1.0, ctx.Progress(), 1e-9)
}

func TestRecordErrorStampsTimestamp(t *testing.T) {
	ctx, a, _ := twoNodeContext(t)
	ctx.RecordError(ErrorEntry{NodeID: a.ID, ErrorType: string(ErrCodeTimeout), ActionTaken: "retry"})
	require.Len(t, ctx.ErrorLog, 1)
	assert.False(t, ctx.ErrorLog[0].Timestamp.IsZero())
	assert.Equal(t, 1, ctx.Metrics["errors"])
}

func TestRetryPolicyDelayGrowth(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.Equal(t, p.BaseDelay, p.Delay(0))
	assert.Equal(t, 2*p.BaseDelay, p.Delay(1))
	assert.Equal(t, 4*p.BaseDelay, p.Delay(2))
}

func TestShouldRetryHonorsCodeAndBudget(t *testing.T) {
	p := DefaultRetryPolicy()
	assert.True(t, p.ShouldRetry(ErrCodeTimeout, 0))
	assert.True(t, p.ShouldRetry(ErrCodeUpstream, 1))
	assert.False(t, p.ShouldRetry(ErrCodeTimeout, 2)) // budget spent
	assert.False(t, p.ShouldRetry(ErrCodeValidationFailed, 0))
	assert.False(t, p.ShouldRetry(ErrCodeInternal, 0))
}
