package agent

import (
	"context"
	"log/slog"

	"github.com/google/uuid"

	"github.com/triadflow/triad/pkg/bus"
	"github.com/triadflow/triad/pkg/wfcontext"
	"github.com/triadflow/triad/pkg/workflow"
)

const workflowAgentSource = "workflow-agent"

// WorkflowAgent owns the execution engine and the context tree. It runs
// plans handed over by the conversation agent, reflects on every finished
// run, and re-runs a plan when the reflector advises it.
type WorkflowAgent struct {
	engine    *workflow.Engine
	contexts  *wfcontext.Manager
	reflector Reflector
	eventBus  *bus.Bus
	maxReruns int
	logger    *slog.Logger
}

// WorkflowAgentOption customizes a WorkflowAgent.
type WorkflowAgentOption func(*WorkflowAgent)

// WithReflector installs the post-execution reflector.
func WithReflector(r Reflector) WorkflowAgentOption {
	return func(a *WorkflowAgent) { a.reflector = r }
}

// WithWorkflowBus attaches the event bus for reflection events.
func WithWorkflowBus(b *bus.Bus) WorkflowAgentOption {
	return func(a *WorkflowAgent) { a.eventBus = b }
}

// WithMaxReruns bounds how often a plan is re-run on reflector advice.
func WithMaxReruns(n int) WorkflowAgentOption {
	return func(a *WorkflowAgent) { a.maxReruns = n }
}

// WithWorkflowLogger sets the logger.
func WithWorkflowLogger(l *slog.Logger) WorkflowAgentOption {
	return func(a *WorkflowAgent) { a.logger = l }
}

// NewWorkflowAgent creates the workflow agent.
func NewWorkflowAgent(engine *workflow.Engine, contexts *wfcontext.Manager, opts ...WorkflowAgentOption) *WorkflowAgent {
	a := &WorkflowAgent{
		engine:    engine,
		contexts:  contexts,
		reflector: HeuristicReflector{Policy: workflow.DefaultRetryPolicy()},
		maxReruns: 1,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Engine exposes the underlying execution engine.
func (a *WorkflowAgent) Engine() *workflow.Engine { return a.engine }

// RunPlan executes one plan for a session. The plan is re-materialized for
// every attempt so a re-run starts from a clean graph and context.
func (a *WorkflowAgent) RunPlan(ctx context.Context, sessionID string, plan *workflow.Plan) (*workflow.WorkflowResult, *Reflection, error) {
	session := a.contexts.Session(sessionID)

	var result *workflow.WorkflowResult
	var reflection *Reflection
	for attempt := 0; ; attempt++ {
		wctxID := uuid.NewString()
		wctx := session.Workflow(wctxID)

		var err error
		result, err = a.engine.ExecutePlan(ctx, plan, wctx)
		if err != nil {
			session.DestroyWorkflow(wctxID)
			return nil, nil, err
		}

		reflection = a.reflect(ctx, sessionID, result)
		if reflection == nil || !reflection.ShouldRetry || attempt >= a.maxReruns {
			return result, reflection, nil
		}

		a.logger.Info("reflector advised re-run",
			"session_id", sessionID,
			"workflow_id", result.WorkflowID,
			"attempt", attempt+1)
		session.DestroyWorkflow(wctxID)
	}
}

// reflect runs the reflector and publishes the reflection event. Reflector
// failures are logged and swallowed; the run result stands on its own.
func (a *WorkflowAgent) reflect(ctx context.Context, sessionID string, result *workflow.WorkflowResult) *Reflection {
	if a.reflector == nil {
		return nil
	}
	reflection, err := a.reflector.Reflect(ctx, result)
	if err != nil {
		a.logger.Warn("reflection failed",
			"workflow_id", result.WorkflowID, "error", err)
		return nil
	}

	if a.eventBus != nil {
		a.eventBus.Publish(&bus.WorkflowReflectionCompletedEvent{
			BaseEvent:   bus.NewBase(workflowAgentSource),
			WorkflowID:  result.WorkflowID,
			SessionID:   sessionID,
			Assessment:  reflection.Assessment,
			Issues:      reflection.Issues,
			ShouldRetry: reflection.ShouldRetry,
			Confidence:  reflection.Confidence,
		})
	}
	return &reflection
}
