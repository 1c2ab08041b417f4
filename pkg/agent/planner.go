// Package agent implements the three cooperating agents of the runtime:
// the conversation agent that plans, the workflow agent that executes, and
// the coordinator agent that supervises. Planning and reflection are
// pluggable interfaces so the loop can run against an LLM or a scripted
// implementation.
package agent

import (
	"context"

	"github.com/triadflow/triad/pkg/workflow"
)

// Decision action types emitted by planners.
const (
	ActionCreatePlan      = "create_plan"
	ActionExecuteWorkflow = "execute_workflow"
	ActionRespond         = "respond"
)

// Context is everything the planner sees for one iteration.
type Context struct {
	SessionID      string                   `json:"session_id"`
	Goal           string                   `json:"goal"`
	Iteration      int                      `json:"iteration"`
	Notes          []string                 `json:"notes,omitempty"`
	LastResult     *workflow.WorkflowResult `json:"last_result,omitempty"`
	LastReflection *Reflection              `json:"last_reflection,omitempty"`
}

// Decision is one structured action proposed by the planner.
type Decision struct {
	ActionType string         `json:"action_type"`
	Payload    map[string]any `json:"payload,omitempty"`
	Rationale  string         `json:"rationale,omitempty"`
}

// Planner proposes the next decision for a session.
type Planner interface {
	Decide(ctx context.Context, pctx Context) (Decision, error)
}

// Reflection is the post-execution assessment of one workflow run.
type Reflection struct {
	Assessment             string         `json:"assessment"`
	Issues                 []string       `json:"issues,omitempty"`
	Recommendations        []string       `json:"recommendations,omitempty"`
	Confidence             float64        `json:"confidence"`
	ShouldRetry            bool           `json:"should_retry"`
	SuggestedModifications map[string]any `json:"suggested_modifications,omitempty"`
}

// Reflector assesses a finished workflow run and advises on retrying.
type Reflector interface {
	Reflect(ctx context.Context, result *workflow.WorkflowResult) (Reflection, error)
}

// ReflectorFunc adapts a function to the Reflector interface.
type ReflectorFunc func(ctx context.Context, result *workflow.WorkflowResult) (Reflection, error)

// Reflect implements Reflector.
func (f ReflectorFunc) Reflect(ctx context.Context, result *workflow.WorkflowResult) (Reflection, error) {
	return f(ctx, result)
}

// HeuristicReflector is the stock reflector used when no LLM is configured:
// it reads the result itself. Failed runs with a retryable error code
// recommend a retry; everything else passes through.
type HeuristicReflector struct {
	Policy workflow.RetryPolicy
}

// Reflect implements Reflector.
func (r HeuristicReflector) Reflect(_ context.Context, result *workflow.WorkflowResult) (Reflection, error) {
	if result.Success {
		return Reflection{
			Assessment: "workflow completed: " + result.Summary,
			Confidence: 0.9,
		}, nil
	}
	reflection := Reflection{
		Assessment: "workflow failed at node " + result.FailedNode,
		Issues:     []string{result.ErrorMessage},
		Confidence: 0.6,
	}
	for _, code := range r.Policy.RetryableCodes {
		if code == result.ErrorCode {
			reflection.ShouldRetry = true
			reflection.Recommendations = append(reflection.Recommendations,
				"transient failure, re-run the plan")
			break
		}
	}
	return reflection, nil
}
