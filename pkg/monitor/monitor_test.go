package monitor

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triadflow/triad/pkg/bus"
)

func newTestMonitor(t *testing.T) (*StateMonitor, *bus.Bus) {
	t.Helper()
	b := bus.New()
	t.Cleanup(b.Close)
	m := NewStateMonitor(b, prometheus.NewRegistry(), nil)
	m.Start()
	t.Cleanup(m.Stop)
	return m, b
}

func waitForState(t *testing.T, m *StateMonitor, workflowID string, cond func(*WorkflowState) bool) *WorkflowState {
	t.Helper()
	var state *WorkflowState
	require.Eventually(t, func() bool {
		s, ok := m.WorkflowState(workflowID)
		if ok && cond(s) {
			state = s
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)
	return state
}

func TestMonitorTracksLifecycle(t *testing.T) {
	m, b := newTestMonitor(t)

	b.Publish(&bus.WorkflowExecutionStartedEvent{
		BaseEvent: bus.NewBase("test"), WorkflowID: "wf", NodeCount: 2,
	})
	b.Publish(&bus.NodeExecutionEvent{
		BaseEvent: bus.NewBase("test"), WorkflowID: "wf", NodeID: "n1",
		Status: bus.NodeStatusRunning, Inputs: map[string]any{"x": 1},
	})

	state := waitForState(t, m, "wf", func(s *WorkflowState) bool {
		return len(s.RunningNodes) == 1
	})
	assert.Equal(t, "running", state.Status)
	assert.Equal(t, 2, state.NodeCount)
	assert.Contains(t, state.NodeInputs, "n1")

	b.Publish(&bus.NodeExecutionEvent{
		BaseEvent: bus.NewBase("test"), WorkflowID: "wf", NodeID: "n1",
		Status: bus.NodeStatusCompleted, Output: map[string]any{"y": 2},
	})
	b.Publish(&bus.WorkflowExecutionCompletedEvent{
		BaseEvent: bus.NewBase("test"), WorkflowID: "wf", Success: true, Summary: "done",
	})

	state = waitForState(t, m, "wf", func(s *WorkflowState) bool {
		return s.Status == "completed"
	})
	assert.Empty(t, state.RunningNodes)
	assert.Equal(t, []string{"n1"}, state.ExecutedNodes)
	assert.Equal(t, true, state.Result["success"])
}

func TestNodeEventWithoutWorkflowIDDropped(t *testing.T) {
	m, b := newTestMonitor(t)

	b.Publish(&bus.NodeExecutionEvent{
		BaseEvent: bus.NewBase("test"), NodeID: "orphan", Status: bus.NodeStatusRunning,
	})
	// Give dispatch a moment, then confirm nothing was recorded.
	time.Sleep(50 * time.Millisecond)
	assert.Empty(t, m.AllWorkflowStates())
}

func TestCompletedWithoutStartedCreatesMinimalRecord(t *testing.T) {
	m, b := newTestMonitor(t)

	b.Publish(&bus.WorkflowExecutionCompletedEvent{
		BaseEvent: bus.NewBase("test"), WorkflowID: "late", Success: false,
		FailedNode: "n3", ErrorMessage: "upstream down",
	})

	state := waitForState(t, m, "late", func(s *WorkflowState) bool {
		return s.Status == "failed"
	})
	assert.Equal(t, "n3", state.Result["failed_node"])
}

func TestReadsAreDeepCopies(t *testing.T) {
	m, b := newTestMonitor(t)

	b.Publish(&bus.WorkflowExecutionStartedEvent{
		BaseEvent: bus.NewBase("test"), WorkflowID: "wf", NodeCount: 1,
	})
	b.Publish(&bus.NodeExecutionEvent{
		BaseEvent: bus.NewBase("test"), WorkflowID: "wf", NodeID: "n1",
		Status: bus.NodeStatusCompleted, Output: map[string]any{"nested": map[string]any{"k": "v"}},
	})

	state := waitForState(t, m, "wf", func(s *WorkflowState) bool {
		return len(s.ExecutedNodes) == 1
	})

	// Mutating the returned copy must not leak into the monitor.
	state.ExecutedNodes[0] = "tampered"
	state.NodeOutputs["n1"].(map[string]any)["nested"].(map[string]any)["k"] = "tampered"

	fresh, ok := m.WorkflowState("wf")
	require.True(t, ok)
	assert.Equal(t, []string{"n1"}, fresh.ExecutedNodes)
	assert.Equal(t, "v", fresh.NodeOutputs["n1"].(map[string]any)["nested"].(map[string]any)["k"])
}

func TestSystemStatusCounts(t *testing.T) {
	m, b := newTestMonitor(t)

	for _, id := range []string{"a", "b", "c"} {
		b.Publish(&bus.WorkflowExecutionStartedEvent{
			BaseEvent: bus.NewBase("test"), WorkflowID: id, NodeCount: 1,
		})
	}
	b.Publish(&bus.NodeExecutionEvent{
		BaseEvent: bus.NewBase("test"), WorkflowID: "a", NodeID: "n1", Status: bus.NodeStatusRunning,
	})
	b.Publish(&bus.WorkflowExecutionCompletedEvent{
		BaseEvent: bus.NewBase("test"), WorkflowID: "b", Success: true,
	})
	b.Publish(&bus.WorkflowExecutionCompletedEvent{
		BaseEvent: bus.NewBase("test"), WorkflowID: "c", Success: false,
	})

	require.Eventually(t, func() bool {
		s := m.Status()
		return s.TotalWorkflows == 3 && s.RunningWorkflows == 1 &&
			s.CompletedWorkflows == 1 && s.FailedWorkflows == 1 && s.ActiveNodes == 1
	}, time.Second, 5*time.Millisecond)
}

func TestCompressionHookSwapsAtomically(t *testing.T) {
	m, b := newTestMonitor(t)

	var first, second atomic.Int32
	m.EnableCompression(func(map[string]any) { first.Add(1) })
	m.EnableCompression(func(map[string]any) { second.Add(1) })

	b.Publish(&bus.WorkflowExecutionCompletedEvent{
		BaseEvent: bus.NewBase("test"), WorkflowID: "wf", Success: true,
	})

	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	// The replaced handler never fires.
	assert.Zero(t, first.Load())

	m.DisableCompression()
	b.Publish(&bus.WorkflowExecutionCompletedEvent{
		BaseEvent: bus.NewBase("test"), WorkflowID: "wf2", Success: true,
	})
	time.Sleep(50 * time.Millisecond)
	assert.EqualValues(t, 1, second.Load())
}

func TestReflectionManagerStoresHistory(t *testing.T) {
	b := bus.New()
	defer b.Close()
	rm := NewReflectionManager(b, nil)
	rm.Start()
	defer rm.Stop()

	b.Publish(&bus.WorkflowReflectionCompletedEvent{
		BaseEvent: bus.NewBase("test"), WorkflowID: "wf",
		Assessment: "partial", ShouldRetry: true, Confidence: 0.6,
		Issues: []string{"missing data"},
	})
	b.Publish(&bus.WorkflowReflectionCompletedEvent{
		BaseEvent: bus.NewBase("test"), WorkflowID: "wf",
		Assessment: "good", ShouldRetry: false, Confidence: 0.9,
	})

	var summary *ReflectionSummary
	require.Eventually(t, func() bool {
		s, ok := rm.Summary("wf")
		if ok && len(s.History) == 2 {
			summary = s
			return true
		}
		return false
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, "good", summary.Latest.Assessment)
	assert.False(t, summary.Latest.ShouldRetry)
	assert.Equal(t, "partial", summary.History[0].Assessment)

	// Copies again: mutate and re-read.
	summary.History[0].Assessment = "tampered"
	fresh, _ := rm.Summary("wf")
	assert.Equal(t, "partial", fresh.History[0].Assessment)
}

func TestReflectionSummaryUnknownWorkflow(t *testing.T) {
	b := bus.New()
	defer b.Close()
	rm := NewReflectionManager(b, nil)
	_, ok := rm.Summary("missing")
	assert.False(t, ok)
}
