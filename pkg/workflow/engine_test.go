package workflow

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/triadflow/triad/pkg/bus"
	"github.com/triadflow/triad/pkg/wfcontext"
)

func fastRetry(codes ...ErrorCode) RetryPolicy {
	return RetryPolicy{
		MaxRetries:     2,
		BaseDelay:      time.Millisecond,
		BackoffFactor:  2.0,
		RetryableCodes: codes,
	}
}

func staticExecutor(output map[string]any) NodeExecutor {
	return ExecutorFunc(func(_ context.Context, _ string, _ map[string]any, _ map[string]any) (map[string]any, error) {
		return output, nil
	})
}

func TestLinearPipelineExecutesInOrder(t *testing.T) {
	registry := NewExecutorRegistry()
	var calls []string
	registry.SetDefault(ExecutorFunc(func(_ context.Context, nodeID string, _ map[string]any, inputs map[string]any) (map[string]any, error) {
		calls = append(calls, nodeID)
		return map[string]any{"from": nodeID, "inputs": inputs}, nil
	}))

	engine := NewEngine(registry, nil)
	plan := &Plan{
		Name: "pipeline",
		Nodes: []NodeDefinition{
			{Name: "fetch", Type: NodeAPI, Config: map[string]any{"url": "https://example.com/data"}},
			{Name: "process", Type: NodeDataProcess},
			{Name: "summarize", Type: NodeLLM, Config: map[string]any{"prompt": "summarize"}},
		},
		Edges: []EdgeDefinition{
			{Source: "fetch", Target: "process"},
			{Source: "process", Target: "summarize"},
		},
	}

	result, err := engine.ExecutePlan(context.Background(), plan, nil)
	require.NoError(t, err)
	require.True(t, result.Success)
	assert.Len(t, result.ExecutedNodes, 3)
	assert.Empty(t, result.SkippedNodes)
	assert.Len(t, calls, 3)

	// Each node's output is recorded under its id.
	assert.Len(t, result.Outputs, 3)
}

func TestDownstreamReceivesUpstreamOutput(t *testing.T) {
	registry := NewExecutorRegistry()
	var processInputs map[string]any
	registry.Register(NodeAPI, staticExecutor(map[string]any{"rows": 42}))
	registry.Register(NodeDataProcess, ExecutorFunc(func(_ context.Context, _ string, _ map[string]any, inputs map[string]any) (map[string]any, error) {
		processInputs = inputs
		return map[string]any{"done": true}, nil
	}))

	engine := NewEngine(registry, nil)
	plan := &Plan{
		Name: "dataflow",
		Nodes: []NodeDefinition{
			{Name: "fetch", Type: NodeAPI, Config: map[string]any{"url": "https://example.com"}},
			{Name: "process", Type: NodeDataProcess},
		},
		Edges: []EdgeDefinition{{Source: "fetch", Target: "process"}},
	}

	graph, err := plan.Materialize(engine.Schemas())
	require.NoError(t, err)
	result := engine.ExecuteWorkflow(context.Background(), graph, nil)
	require.True(t, result.Success)

	var fetchID string
	for _, node := range graph.Nodes() {
		if node.Name == "fetch" {
			fetchID = node.ID
		}
	}
	require.NotEmpty(t, fetchID)
	require.Contains(t, processInputs, fetchID)
	assert.Equal(t, map[string]any{"rows": 42}, processInputs[fetchID])
}

func TestConditionalBranchSkipsOtherArm(t *testing.T) {
	registry := NewExecutorRegistry()
	registry.Register(NodeClassify, staticExecutor(map[string]any{"quality": 0.9}))

	engine := NewEngine(registry, nil)
	plan := &Plan{
		Name: "branching",
		Nodes: []NodeDefinition{
			{Name: "check", Type: NodeClassify, Config: map[string]any{"categories": []any{"good", "bad"}}},
			{Name: "publish", Type: NodeGeneric},
			{Name: "revise", Type: NodeGeneric},
			{Name: "notify", Type: NodeGeneric},
		},
		Edges: []EdgeDefinition{
			{Source: "check", Target: "publish", Condition: "quality > 0.8"},
			{Source: "check", Target: "revise", Condition: "quality <= 0.8"},
			{Source: "revise", Target: "notify"},
		},
	}

	graph, err := plan.Materialize(engine.Schemas())
	require.NoError(t, err)
	result := engine.ExecuteWorkflow(context.Background(), graph, nil)
	require.True(t, result.Success)

	names := nodeNames(graph, result.ExecutedNodes)
	assert.ElementsMatch(t, []string{"check", "publish"}, names)

	// Skip propagates: notify's only parent was skipped, so the
	// unconditional edge from it is dead too.
	skippedNames := nodeNames(graph, result.SkippedNodes)
	assert.ElementsMatch(t, []string{"revise", "notify"}, skippedNames)
}

func TestRetryRecoversTransientFailure(t *testing.T) {
	registry := NewExecutorRegistry()
	var attempts atomic.Int32
	registry.SetDefault(ExecutorFunc(func(_ context.Context, _ string, _ map[string]any, _ map[string]any) (map[string]any, error) {
		if attempts.Add(1) <= 2 {
			return nil, NewExecError(ErrCodeUpstream, "backend unavailable")
		}
		return map[string]any{"ok": true}, nil
	}))

	engine := NewEngine(registry, nil, WithRetryPolicy(fastRetry(ErrCodeUpstream)))
	graph := NewGraph("retry")
	node := NewNode("flaky", NodeAPI, map[string]any{"url": "https://example.com"})
	require.NoError(t, graph.AddNode(node))

	execCtx := NewExecutionContext(graph)
	wctx := wfcontext.NewWorkflow(graph.ID)

	result := engine.ExecuteNodeWithResult(context.Background(), graph, execCtx, wctx, node.ID, nil, nil)
	require.True(t, result.OK)
	assert.Equal(t, 2, result.Metadata.RetryCount)
	assert.EqualValues(t, 3, attempts.Load())

	state, _ := execCtx.State(node.ID)
	assert.Equal(t, StateExecuted, state)
	// Both failures are in the error log even though the node recovered.
	assert.Len(t, execCtx.ErrorLog, 2)
}

func TestRetryExhaustionFailsWorkflow(t *testing.T) {
	registry := NewExecutorRegistry()
	var attempts atomic.Int32
	registry.SetDefault(ExecutorFunc(func(_ context.Context, _ string, _ map[string]any, _ map[string]any) (map[string]any, error) {
		attempts.Add(1)
		return nil, NewExecError(ErrCodeTimeout, "deadline blown")
	}))

	engine := NewEngine(registry, nil, WithRetryPolicy(fastRetry(ErrCodeTimeout)))
	plan := &Plan{
		Name:  "doomed",
		Nodes: []NodeDefinition{{Name: "slow", Type: NodeGeneric}},
	}

	result, err := engine.ExecutePlan(context.Background(), plan, nil)
	require.NoError(t, err)
	require.False(t, result.Success)
	assert.Equal(t, ErrCodeTimeout, result.ErrorCode)
	assert.NotEmpty(t, result.FailedNode)
	assert.EqualValues(t, 3, attempts.Load()) // initial try + 2 retries
}

func TestNonRetryableErrorFailsFast(t *testing.T) {
	registry := NewExecutorRegistry()
	var attempts atomic.Int32
	registry.SetDefault(ExecutorFunc(func(_ context.Context, _ string, _ map[string]any, _ map[string]any) (map[string]any, error) {
		attempts.Add(1)
		return nil, NewExecError(ErrCodeValidationFailed, "bad input shape")
	}))

	engine := NewEngine(registry, nil, WithRetryPolicy(fastRetry(ErrCodeTimeout)))
	plan := &Plan{Name: "strict", Nodes: []NodeDefinition{{Name: "only", Type: NodeGeneric}}}

	result, err := engine.ExecutePlan(context.Background(), plan, nil)
	require.NoError(t, err)
	require.False(t, result.Success)
	assert.Equal(t, ErrCodeValidationFailed, result.ErrorCode)
	assert.EqualValues(t, 1, attempts.Load())
}

func TestCycleFailsBeforeExecution(t *testing.T) {
	registry := NewExecutorRegistry()
	var attempts atomic.Int32
	registry.SetDefault(ExecutorFunc(func(_ context.Context, _ string, _ map[string]any, _ map[string]any) (map[string]any, error) {
		attempts.Add(1)
		return map[string]any{}, nil
	}))

	engine := NewEngine(registry, nil)
	plan := &Plan{
		Name: "cyclic",
		Nodes: []NodeDefinition{
			{Name: "a", Type: NodeGeneric},
			{Name: "b", Type: NodeGeneric},
		},
		Edges: []EdgeDefinition{
			{Source: "a", Target: "b"},
			{Source: "b", Target: "a"},
		},
	}

	result, err := engine.ExecutePlan(context.Background(), plan, nil)
	require.NoError(t, err)
	require.False(t, result.Success)
	assert.Equal(t, ErrCodeCycleDetected, result.ErrorCode)
	assert.Empty(t, result.ExecutedNodes)
	assert.Zero(t, attempts.Load())
}

func TestMalformedEdgeConditionTreatedAsFalse(t *testing.T) {
	registry := NewExecutorRegistry()
	registry.SetDefault(staticExecutor(map[string]any{"quality": 0.9}))

	eventBus := bus.New()
	defer eventBus.Close()
	warnings := make(chan bus.Event, 8)
	eventBus.Subscribe(bus.EventExecutionProgress, func(e bus.Event) { warnings <- e })

	engine := NewEngine(registry, nil, WithBus(eventBus))
	plan := &Plan{
		Name: "bad-condition",
		Nodes: []NodeDefinition{
			{Name: "src", Type: NodeGeneric},
			{Name: "dst", Type: NodeGeneric},
		},
		Edges: []EdgeDefinition{{Source: "src", Target: "dst", Condition: "quality >"}},
	}

	graph, err := plan.Materialize(engine.Schemas())
	require.NoError(t, err)
	result := engine.ExecuteWorkflow(context.Background(), graph, nil)

	// The workflow still completes; the unevaluable edge is just dead.
	require.True(t, result.Success)
	assert.Equal(t, []string{"dst"}, nodeNames(graph, result.SkippedNodes))

	require.Eventually(t, func() bool {
		for {
			select {
			case e := <-warnings:
				if pe, ok := e.(*bus.ExecutionProgressEvent); ok && pe.Status == "warning" {
					return true
				}
			default:
				return false
			}
		}
	}, time.Second, 10*time.Millisecond)
}

func TestWorkflowCancellation(t *testing.T) {
	registry := NewExecutorRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	registry.SetDefault(ExecutorFunc(func(_ context.Context, _ string, _ map[string]any, _ map[string]any) (map[string]any, error) {
		cancel() // cancel after the first node runs
		return map[string]any{}, nil
	}))

	engine := NewEngine(registry, nil)
	plan := &Plan{
		Name: "cancellable",
		Nodes: []NodeDefinition{
			{Name: "first", Type: NodeGeneric},
			{Name: "second", Type: NodeGeneric},
		},
		Edges: []EdgeDefinition{{Source: "first", Target: "second"}},
	}

	result, err := engine.ExecutePlan(ctx, plan, nil)
	require.NoError(t, err)
	require.False(t, result.Success)
	assert.Equal(t, ErrCodeCancelled, result.ErrorCode)
	assert.Len(t, result.ExecutedNodes, 1)
}

func TestNodeStatesPartitionNodeSet(t *testing.T) {
	registry := NewExecutorRegistry()
	registry.Register(NodeClassify, staticExecutor(map[string]any{"quality": 0.2}))

	engine := NewEngine(registry, nil)
	plan := &Plan{
		Name: "partition",
		Nodes: []NodeDefinition{
			{Name: "check", Type: NodeClassify, Config: map[string]any{"categories": []any{"x"}}},
			{Name: "publish", Type: NodeGeneric},
			{Name: "revise", Type: NodeGeneric},
		},
		Edges: []EdgeDefinition{
			{Source: "check", Target: "publish", Condition: "quality > 0.8"},
			{Source: "check", Target: "revise", Condition: "quality <= 0.8"},
		},
	}

	graph, err := plan.Materialize(engine.Schemas())
	require.NoError(t, err)

	execCtx := NewExecutionContext(graph)
	wctx := wfcontext.NewWorkflow(graph.ID)
	order, err := TopologicalOrder(graph)
	require.NoError(t, err)
	for _, id := range order {
		run, _ := engine.shouldExecute(graph, execCtx, wctx, id)
		if !run {
			require.NoError(t, execCtx.Transition(id, StateSkipped))
			continue
		}
		res := engine.ExecuteNodeWithResult(context.Background(), graph, execCtx, wctx, id, nil, nil)
		require.True(t, res.OK)

		// Every node is in exactly one state at every step.
		total := 0
		for _, n := range execCtx.Counts() {
			total += n
		}
		assert.Equal(t, graph.NodeCount(), total)
	}

	counts := execCtx.Counts()
	assert.Equal(t, 2, counts[StateExecuted])
	assert.Equal(t, 1, counts[StateSkipped])
}

func TestIdenticalPlanYieldsIdenticalOrder(t *testing.T) {
	registry := NewExecutorRegistry()
	engine := NewEngine(registry, nil)
	plan := &Plan{
		Name: "diamond",
		Nodes: []NodeDefinition{
			{Name: "a", Type: NodeGeneric},
			{Name: "b", Type: NodeGeneric},
			{Name: "c", Type: NodeGeneric},
			{Name: "d", Type: NodeGeneric},
		},
		Edges: []EdgeDefinition{
			{Source: "a", Target: "b"},
			{Source: "a", Target: "c"},
			{Source: "b", Target: "d"},
			{Source: "c", Target: "d"},
		},
	}

	first, err := engine.ExecutePlan(context.Background(), plan, nil)
	require.NoError(t, err)
	second, err := engine.ExecutePlan(context.Background(), plan, nil)
	require.NoError(t, err)

	require.True(t, first.Success)
	require.True(t, second.Success)

	// Node ids are fresh per materialization, so compare by name: the
	// insertion-order tie-break makes both runs visit b before c.
	firstGraph, err := plan.Materialize(engine.Schemas())
	require.NoError(t, err)
	secondGraph, err := plan.Materialize(engine.Schemas())
	require.NoError(t, err)

	firstOrder, err := TopologicalOrder(firstGraph)
	require.NoError(t, err)
	secondOrder, err := TopologicalOrder(secondGraph)
	require.NoError(t, err)
	assert.Equal(t, nodeNames(firstGraph, firstOrder), nodeNames(secondGraph, secondOrder))
	assert.Equal(t, []string{"a", "b", "c", "d"}, nodeNames(firstGraph, firstOrder))
}

func TestOutputValidatorDowngradesToValidationFailed(t *testing.T) {
	registry := NewExecutorRegistry()
	registry.SetDefault(staticExecutor(map[string]any{"text": ""}))

	engine := NewEngine(registry, nil, WithRetryPolicy(fastRetry(ErrCodeTimeout)))
	graph := NewGraph("validated")
	node := NewNode("llm", NodeLLM, map[string]any{"prompt": "write"})
	require.NoError(t, graph.AddNode(node))

	execCtx := NewExecutionContext(graph)
	wctx := wfcontext.NewWorkflow(graph.ID)

	validator := func(output map[string]any) error {
		if s, _ := output["text"].(string); s == "" {
			return assert.AnError
		}
		return nil
	}

	result := engine.ExecuteNodeWithResult(context.Background(), graph, execCtx, wctx, node.ID, nil, validator)
	require.False(t, result.OK)
	assert.Equal(t, ErrCodeValidationFailed, result.ErrorCode)
	assert.Zero(t, result.Metadata.RetryCount)
}

func TestExecutorPanicBecomesInternalError(t *testing.T) {
	registry := NewExecutorRegistry()
	registry.SetDefault(ExecutorFunc(func(_ context.Context, _ string, _ map[string]any, _ map[string]any) (map[string]any, error) {
		panic("boom")
	}))

	engine := NewEngine(registry, nil)
	plan := &Plan{Name: "panicky", Nodes: []NodeDefinition{{Name: "only", Type: NodeGeneric}}}

	result, err := engine.ExecutePlan(context.Background(), plan, nil)
	require.NoError(t, err)
	require.False(t, result.Success)
	assert.Equal(t, ErrCodeInternal, result.ErrorCode)
	assert.Contains(t, result.ErrorMessage, "boom")
}

func TestExecuteHierarchicalNodeRunsChildrenFirst(t *testing.T) {
	registry := NewExecutorRegistry()
	var calls []string
	registry.SetDefault(ExecutorFunc(func(_ context.Context, nodeID string, _ map[string]any, _ map[string]any) (map[string]any, error) {
		calls = append(calls, nodeID)
		return map[string]any{"id": nodeID}, nil
	}))

	engine := NewEngine(registry, nil)
	graph := NewGraph("tree")
	parent := NewNode("parent", NodeGeneric, nil)
	childA := NewNode("child-a", NodeGeneric, nil)
	childB := NewNode("child-b", NodeGeneric, nil)
	require.NoError(t, graph.AddNode(parent))
	require.NoError(t, graph.AddNode(childA))
	require.NoError(t, graph.AddNode(childB))
	require.NoError(t, graph.AddChild(parent.ID, childA.ID))
	require.NoError(t, graph.AddChild(parent.ID, childB.ID))

	execCtx := NewExecutionContext(graph)
	wctx := wfcontext.NewWorkflow(graph.ID)

	out, err := engine.ExecuteHierarchicalNode(context.Background(), graph, execCtx, wctx, parent.ID)
	require.NoError(t, err)
	assert.Equal(t, "completed", out["status"])
	require.Equal(t, []string{childA.ID, childB.ID, parent.ID}, calls)

	children := out["children_results"].(map[string]any)
	assert.Len(t, children, 2)
}

func TestWorkflowEventsPublished(t *testing.T) {
	registry := NewExecutorRegistry()
	eventBus := bus.New()
	defer eventBus.Close()

	var started, completed atomic.Int32
	eventBus.Subscribe(bus.EventWorkflowExecutionStarted, func(bus.Event) { started.Add(1) })
	eventBus.Subscribe(bus.EventWorkflowExecutionCompleted, func(bus.Event) { completed.Add(1) })

	nodeEvents := make(chan *bus.NodeExecutionEvent, 16)
	eventBus.Subscribe(bus.EventNodeExecution, func(e bus.Event) {
		if ne, ok := e.(*bus.NodeExecutionEvent); ok {
			nodeEvents <- ne
		}
	})

	engine := NewEngine(registry, nil, WithBus(eventBus))
	plan := &Plan{Name: "observed", Nodes: []NodeDefinition{{Name: "only", Type: NodeGeneric}}}

	result, err := engine.ExecutePlan(context.Background(), plan, nil)
	require.NoError(t, err)
	require.True(t, result.Success)

	require.Eventually(t, func() bool {
		return started.Load() == 1 && completed.Load() == 1 && len(nodeEvents) >= 2
	}, time.Second, 10*time.Millisecond)

	running := <-nodeEvents
	done := <-nodeEvents
	assert.Equal(t, bus.NodeStatusRunning, running.Status)
	assert.Equal(t, bus.NodeStatusCompleted, done.Status)
}

func nodeNames(g *Graph, ids []string) []string {
	names := make([]string, 0, len(ids))
	for _, id := range ids {
		if node, err := g.Node(id); err == nil {
			names = append(names, node.Name)
		}
	}
	return names
}
