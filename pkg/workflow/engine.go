package workflow

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/triadflow/triad/pkg/bus"
	"github.com/triadflow/triad/pkg/rules"
	"github.com/triadflow/triad/pkg/wfcontext"
)

// eventSource tags every event the engine publishes.
const eventSource = "workflow-agent"

// OutputValidator inspects a successful node output and may reject it,
// downgrading the result to VALIDATION_FAILED.
type OutputValidator func(output map[string]any) error

// Engine materializes plans and runs workflow graphs. It owns no graph
// state itself; each run gets a fresh ExecutionContext, so one engine
// serves many workflows.
type Engine struct {
	executors *ExecutorRegistry
	schemas   *SchemaRegistry
	evaluator *rules.Evaluator
	eventBus  *bus.Bus
	retry     RetryPolicy
	logger    *slog.Logger
}

// EngineOption configures an Engine.
type EngineOption func(*Engine)

// WithBus attaches the event bus; without it the engine runs silently.
func WithBus(b *bus.Bus) EngineOption {
	return func(e *Engine) { e.eventBus = b }
}

// WithRetryPolicy overrides the engine-level default retry policy.
func WithRetryPolicy(p RetryPolicy) EngineOption {
	return func(e *Engine) { e.retry = p }
}

// WithLogger sets the engine logger.
func WithLogger(l *slog.Logger) EngineOption {
	return func(e *Engine) { e.logger = l }
}

// NewEngine creates an execution engine.
func NewEngine(executors *ExecutorRegistry, schemas *SchemaRegistry, opts ...EngineOption) *Engine {
	if executors == nil {
		executors = NewExecutorRegistry()
	}
	if schemas == nil {
		schemas = NewSchemaRegistry()
	}
	e := &Engine{
		executors: executors,
		schemas:   schemas,
		evaluator: rules.NewEvaluator(nil),
		retry:     DefaultRetryPolicy(),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Schemas returns the node schema registry.
func (e *Engine) Schemas() *SchemaRegistry { return e.schemas }

// Executors returns the executor registry.
func (e *Engine) Executors() *ExecutorRegistry { return e.executors }

// ExecutePlan materializes the plan and runs the resulting graph to
// completion. Materialization errors (unknown edge endpoints, schema
// violations) fail before anything executes.
func (e *Engine) ExecutePlan(ctx context.Context, plan *Plan, wctx *wfcontext.Workflow) (*WorkflowResult, error) {
	graph, err := plan.Materialize(e.schemas)
	if err != nil {
		return nil, fmt.Errorf("materialize plan %q: %w", plan.Name, err)
	}
	return e.ExecuteWorkflow(ctx, graph, wctx), nil
}

// ExecuteWorkflow runs the graph in topological order with condition-aware
// scheduling. A node runs when it has no incoming edges, or when at least
// one incoming edge is live: its source executed and its condition (if any)
// holds against the merged scope of the source output and workflow
// variables. Nodes with no live incoming edge are skipped. A cycle fails
// the workflow before any node executes.
func (e *Engine) ExecuteWorkflow(ctx context.Context, graph *Graph, wctx *wfcontext.Workflow) *WorkflowResult {
	started := time.Now()
	if wctx == nil {
		wctx = wfcontext.NewWorkflow(graph.ID)
	}
	execCtx := NewExecutionContext(graph)

	order, err := TopologicalOrder(graph)
	if err != nil {
		execCtx.Finish(WorkflowFailed)
		result := &WorkflowResult{
			WorkflowID:    graph.ID,
			Summary:       err.Error(),
			ErrorCode:     ErrCodeCycleDetected,
			ErrorMessage:  err.Error(),
			ExecutedNodes: []string{},
			ExecutionTime: time.Since(started),
		}
		e.publishCompleted(graph, result)
		return result
	}

	e.publish(&bus.WorkflowExecutionStartedEvent{
		BaseEvent:    bus.NewBase(eventSource),
		WorkflowID:   graph.ID,
		WorkflowName: graph.Name,
		NodeCount:    graph.NodeCount(),
	})

	var executed []string
	var skipped []string

	for _, nodeID := range order {
		if ctx.Err() != nil {
			return e.failWorkflow(ctx, graph, execCtx, started, executed, nodeID,
				ErrCodeCancelled, "workflow cancelled")
		}

		node, _ := graph.Node(nodeID)

		run, reason := e.shouldExecute(graph, execCtx, wctx, nodeID)
		if !run {
			if err := execCtx.Transition(nodeID, StateSkipped); err != nil {
				e.logger.Warn("skip transition failed", "node_id", nodeID, "error", err)
			}
			skipped = append(skipped, nodeID)
			e.publish(&bus.NodeExecutionEvent{
				BaseEvent:  bus.NewBase(eventSource),
				WorkflowID: graph.ID,
				NodeID:     nodeID,
				NodeType:   string(node.EffectiveType()),
				Status:     bus.NodeStatusSkipped,
				Error:      reason,
			})
			continue
		}

		result := e.ExecuteNodeWithResult(ctx, graph, execCtx, wctx, nodeID, nil, nil)
		if !result.OK {
			return e.failWorkflow(ctx, graph, execCtx, started, executed, nodeID,
				result.ErrorCode, result.ErrorMessage)
		}
		executed = append(executed, nodeID)
		e.publishProgress(graph.ID, nodeID, execCtx, "node completed")
	}

	execCtx.Finish(WorkflowCompleted)
	result := &WorkflowResult{
		Success:       true,
		Summary:       fmt.Sprintf("executed %d nodes, skipped %d", len(executed), len(skipped)),
		WorkflowID:    graph.ID,
		ExecutedNodes: executed,
		SkippedNodes:  skipped,
		Diagnostics:   map[string]any{"error_log": execCtx.ErrorLog},
		ExecutionTime: time.Since(started),
		Outputs:       wctx.NodeOutputs(),
	}
	e.publishCompleted(graph, result)
	return result
}

// ExecuteNodeWithResult runs one node under the given (or engine default)
// retry policy and returns the structured result. The node must currently
// be pending or failed-awaiting-retry. On success the output validator, if
// any, may downgrade the result to VALIDATION_FAILED; validation failures
// are not retried.
func (e *Engine) ExecuteNodeWithResult(
	ctx context.Context,
	graph *Graph,
	execCtx *ExecutionContext,
	wctx *wfcontext.Workflow,
	nodeID string,
	policy *RetryPolicy,
	validator OutputValidator,
) ExecutionResult {
	started := time.Now()

	node, err := graph.Node(nodeID)
	if err != nil {
		return Fail(nodeID, ErrCodeNodeNotFound, err.Error(), time.Since(started), 0)
	}
	executor, err := e.executors.Resolve(node)
	if err != nil {
		return Fail(nodeID, ErrCodeInternal, err.Error(), time.Since(started), 0)
	}
	if policy == nil {
		policy = &e.retry
	}

	inputs := e.collectInputs(graph, wctx, nodeID)
	execCtx.RecordInput(nodeID, inputs)

	attempt := 0
	for {
		if err := execCtx.Transition(nodeID, StateRunning); err != nil {
			return Fail(nodeID, ErrCodeInternal, err.Error(), time.Since(started), attempt)
		}
		e.publish(&bus.NodeExecutionEvent{
			BaseEvent:  bus.NewBase(eventSource),
			WorkflowID: graph.ID,
			NodeID:     nodeID,
			NodeType:   string(node.EffectiveType()),
			Status:     bus.NodeStatusRunning,
			Inputs:     inputs,
		})

		output, execErr := e.runExecutor(ctx, executor, node, inputs)

		if execErr == nil && validator != nil {
			if verr := validator(output); verr != nil {
				execErr = NewExecError(ErrCodeValidationFailed, "output validation failed: %v", verr)
			}
		}

		if execErr == nil {
			node.Output = output
			wctx.SetNodeOutput(nodeID, output)
			execCtx.RecordOutput(nodeID, output)
			if err := execCtx.Transition(nodeID, StateExecuted); err != nil {
				e.logger.Warn("executed transition failed", "node_id", nodeID, "error", err)
			}
			e.publish(&bus.NodeExecutionEvent{
				BaseEvent:  bus.NewBase(eventSource),
				WorkflowID: graph.ID,
				NodeID:     nodeID,
				NodeType:   string(node.EffectiveType()),
				Status:     bus.NodeStatusCompleted,
				Output:     output,
			})
			return Ok(nodeID, output, time.Since(started), attempt)
		}

		code, message := classifyError(execErr)
		if err := execCtx.Transition(nodeID, StateFailed); err != nil {
			e.logger.Warn("failed transition rejected", "node_id", nodeID, "error", err)
		}

		retrying := policy.ShouldRetry(code, attempt)
		action := "fail"
		if retrying {
			action = "retry"
		}
		execCtx.RecordError(ErrorEntry{
			NodeID:       nodeID,
			ErrorType:    string(code),
			ErrorMessage: message,
			Attempt:      attempt,
			ActionTaken:  action,
		})
		e.publish(&bus.NodeExecutionEvent{
			BaseEvent:  bus.NewBase(eventSource),
			WorkflowID: graph.ID,
			NodeID:     nodeID,
			NodeType:   string(node.EffectiveType()),
			Status:     bus.NodeStatusFailed,
			Error:      message,
		})

		if !retrying {
			return Fail(nodeID, code, message, time.Since(started), attempt)
		}

		select {
		case <-ctx.Done():
			return Fail(nodeID, ErrCodeCancelled, "cancelled during retry backoff", time.Since(started), attempt)
		case <-time.After(policy.Delay(attempt)):
		}
		attempt++
		e.logger.Debug("retrying node", "node_id", nodeID, "attempt", attempt)
	}
}

// ExecuteHierarchicalNode executes a parent node's children in definition
// order, then the parent itself, and returns the aggregate. Container
// parents dispatch to the registered container executor via the normal
// resolve path.
func (e *Engine) ExecuteHierarchicalNode(ctx context.Context, graph *Graph, execCtx *ExecutionContext, wctx *wfcontext.Workflow, nodeID string) (map[string]any, error) {
	parent, err := graph.Node(nodeID)
	if err != nil {
		return nil, err
	}

	childrenResults := make(map[string]any, len(parent.Children))
	for _, childID := range parent.Children {
		result := e.ExecuteNodeWithResult(ctx, graph, execCtx, wctx, childID, nil, nil)
		if !result.OK {
			return map[string]any{
				"status":           "failed",
				"node_id":          nodeID,
				"failed_child":     childID,
				"error":            result.ErrorMessage,
				"children_results": childrenResults,
			}, fmt.Errorf("child %s failed: %s", childID, result.ErrorMessage)
		}
		childrenResults[childID] = result.Output
	}

	result := e.ExecuteNodeWithResult(ctx, graph, execCtx, wctx, nodeID, nil, nil)
	if !result.OK {
		return map[string]any{
			"status":           "failed",
			"node_id":          nodeID,
			"error":            result.ErrorMessage,
			"children_results": childrenResults,
		}, errors.New(result.ErrorMessage)
	}

	return map[string]any{
		"status":           "completed",
		"node_id":          nodeID,
		"output":           result.Output,
		"children_results": childrenResults,
	}, nil
}

// collectInputs gathers the outputs of every incoming edge's source, keyed
// by source node id. Absent source outputs are omitted, not nil-filled.
func (e *Engine) collectInputs(graph *Graph, wctx *wfcontext.Workflow, nodeID string) map[string]any {
	inputs := make(map[string]any)
	for _, edge := range graph.IncomingEdges(nodeID) {
		if output, ok := wctx.NodeOutput(edge.SourceID); ok {
			inputs[edge.SourceID] = output
		}
	}
	return inputs
}

// shouldExecute applies the condition rule: no incoming edges means run;
// otherwise at least one incoming edge must be live. An edge is live when
// its source executed and its condition is empty or holds. Condition
// evaluation errors degrade to false and emit a warning progress event.
func (e *Engine) shouldExecute(graph *Graph, execCtx *ExecutionContext, wctx *wfcontext.Workflow, nodeID string) (bool, string) {
	incoming := graph.IncomingEdges(nodeID)
	if len(incoming) == 0 {
		return true, ""
	}

	reason := "no live incoming edge"
	for _, edge := range incoming {
		state, ok := execCtx.State(edge.SourceID)
		if !ok || state != StateExecuted {
			continue
		}
		if edge.Condition == "" {
			return true, ""
		}

		env := wctx.Vars()
		if output, ok := wctx.NodeOutput(edge.SourceID); ok {
			if outputMap, ok := output.(map[string]any); ok {
				for k, v := range outputMap {
					env[k] = v
				}
			}
		}
		live, err := e.evaluator.EvalBool(edge.Condition, env)
		if err != nil {
			e.logger.Warn("edge condition evaluation failed, treating as false",
				"edge_id", edge.ID, "condition", edge.Condition, "error", err)
			e.publish(&bus.ExecutionProgressEvent{
				BaseEvent:  bus.NewBase(eventSource),
				WorkflowID: graph.ID,
				NodeID:     nodeID,
				Status:     "warning",
				Progress:   execCtx.Progress(),
				Message:    fmt.Sprintf("edge %s condition %q failed to evaluate: %v", edge.ID, edge.Condition, err),
			})
			continue
		}
		if live {
			return true, ""
		}
	}
	return false, reason
}

// runExecutor invokes the executor with panic containment.
func (e *Engine) runExecutor(ctx context.Context, executor NodeExecutor, node *Node, inputs map[string]any) (output map[string]any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = NewExecError(ErrCodeInternal, "executor panicked: %v", r)
		}
	}()
	return executor.Execute(ctx, node.ID, node.Config, inputs)
}

// failWorkflow finalizes a failed run: outstanding pending and running
// nodes are marked failed when the failure is a cancellation, the
// completion event carries the failed node, and the result summarizes.
func (e *Engine) failWorkflow(
	ctx context.Context,
	graph *Graph,
	execCtx *ExecutionContext,
	started time.Time,
	executed []string,
	failedNode string,
	code ErrorCode,
	message string,
) *WorkflowResult {
	_ = ctx
	if code == ErrCodeCancelled {
		for _, id := range execCtx.InState(StatePending) {
			if err := execCtx.Transition(id, StateRunning); err == nil {
				_ = execCtx.Transition(id, StateFailed)
			}
			execCtx.RecordError(ErrorEntry{
				NodeID:       id,
				ErrorType:    string(ErrCodeCancelled),
				ErrorMessage: "workflow cancelled before node ran",
				ActionTaken:  "fail",
			})
		}
	}

	execCtx.Finish(WorkflowFailed)
	result := &WorkflowResult{
		WorkflowID:    graph.ID,
		Summary:       fmt.Sprintf("workflow failed at node %s: %s", failedNode, message),
		ExecutedNodes: executed,
		FailedNode:    failedNode,
		ErrorCode:     code,
		ErrorMessage:  message,
		Diagnostics:   map[string]any{"error_log": execCtx.ErrorLog},
		ExecutionTime: time.Since(started),
	}
	e.publishCompleted(graph, result)
	return result
}

func (e *Engine) publishCompleted(graph *Graph, result *WorkflowResult) {
	e.publish(&bus.WorkflowExecutionCompletedEvent{
		BaseEvent:     bus.NewBase(eventSource),
		WorkflowID:    graph.ID,
		Success:       result.Success,
		Summary:       result.Summary,
		FailedNode:    result.FailedNode,
		ErrorMessage:  result.ErrorMessage,
		ExecutedNodes: result.ExecutedNodes,
	})
}

func (e *Engine) publishProgress(workflowID, nodeID string, execCtx *ExecutionContext, message string) {
	e.publish(&bus.ExecutionProgressEvent{
		BaseEvent:  bus.NewBase(eventSource),
		WorkflowID: workflowID,
		NodeID:     nodeID,
		Status:     "progress",
		Progress:   execCtx.Progress(),
		Message:    message,
	})
}

func (e *Engine) publish(event bus.Event) {
	if e.eventBus != nil {
		e.eventBus.Publish(event)
	}
}

// classifyError maps an executor error to an error code, honoring
// *ExecError classification and context sentinel errors.
func classifyError(err error) (ErrorCode, string) {
	var execErr *ExecError
	if errors.As(err, &execErr) {
		return execErr.Code, execErr.Message
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrCodeTimeout, err.Error()
	}
	if errors.Is(err, context.Canceled) {
		return ErrCodeCancelled, err.Error()
	}
	return ErrCodeInternal, err.Error()
}
