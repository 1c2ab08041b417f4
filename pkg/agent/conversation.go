package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/triadflow/triad/pkg/bus"
	"github.com/triadflow/triad/pkg/injection"
	"github.com/triadflow/triad/pkg/rules"
	"github.com/triadflow/triad/pkg/workflow"
)

// Loop limits. A session that neither responds nor terminates within the
// iteration budget fails rather than spinning.
const (
	DefaultMaxIterations     = 10
	maxConsecutiveRejections = 3
)

// SessionResult is the outcome of one conversation session.
type SessionResult struct {
	Response          string                     `json:"response,omitempty"`
	Results           []*workflow.WorkflowResult `json:"results,omitempty"`
	Iterations        int                        `json:"iterations"`
	Terminated        bool                       `json:"terminated"`
	TerminationReason string                     `json:"termination_reason,omitempty"`
}

// ConversationAgent runs the planning loop: it drains queued context
// injections at the defined points, asks the planner for a decision,
// screens the decision through the validator, and hands workflow plans to
// the workflow agent. A task termination event on the bus stops the loop.
type ConversationAgent struct {
	planner    Planner
	validator  *rules.Validator
	injections *injection.Manager
	workflows  *WorkflowAgent
	eventBus   *bus.Bus
	maxIter    int
	logger     *slog.Logger
}

// ConversationAgentOption customizes a ConversationAgent.
type ConversationAgentOption func(*ConversationAgent)

// WithValidator installs the decision validator.
func WithValidator(v *rules.Validator) ConversationAgentOption {
	return func(a *ConversationAgent) { a.validator = v }
}

// WithInjections attaches the context injection manager.
func WithInjections(m *injection.Manager) ConversationAgentOption {
	return func(a *ConversationAgent) { a.injections = m }
}

// WithConversationBus attaches the event bus for termination handling.
func WithConversationBus(b *bus.Bus) ConversationAgentOption {
	return func(a *ConversationAgent) { a.eventBus = b }
}

// WithMaxIterations bounds the planning loop.
func WithMaxIterations(n int) ConversationAgentOption {
	return func(a *ConversationAgent) { a.maxIter = n }
}

// WithConversationLogger sets the logger.
func WithConversationLogger(l *slog.Logger) ConversationAgentOption {
	return func(a *ConversationAgent) { a.logger = l }
}

// NewConversationAgent creates the conversation agent.
func NewConversationAgent(planner Planner, workflows *WorkflowAgent, opts ...ConversationAgentOption) *ConversationAgent {
	a := &ConversationAgent{
		planner:   planner,
		workflows: workflows,
		maxIter:   DefaultMaxIterations,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Run drives one session from goal to response. The loop stops when the
// planner responds, a termination event arrives for the session, the
// iteration budget runs out, or ctx is cancelled.
func (a *ConversationAgent) Run(ctx context.Context, sessionID, goal string) (*SessionResult, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	result := &SessionResult{}

	// The termination flag is written from the bus delivery goroutine and
	// read by the loop after cancellation.
	var termMu sync.Mutex
	var termReason string
	terminated := false
	checkTerminated := func() (bool, string) {
		termMu.Lock()
		defer termMu.Unlock()
		return terminated, termReason
	}

	if a.eventBus != nil {
		sub := a.eventBus.Subscribe(bus.EventTaskTermination, func(e bus.Event) {
			term, ok := e.(*bus.TaskTerminationEvent)
			if !ok || (term.TaskID != sessionID && term.TaskID != "") {
				return
			}
			termMu.Lock()
			terminated = true
			termReason = term.Reason
			termMu.Unlock()
			cancel()
		})
		defer a.eventBus.Unsubscribe(sub)
	}

	if a.validator != nil {
		a.validator.SetGoal(goal)
	}

	pctx := Context{SessionID: sessionID, Goal: goal}
	pctx.Notes = append(pctx.Notes, a.drain(sessionID, injection.PointPreLoop)...)

	rejections := 0
	for iter := 0; iter < a.maxIter; iter++ {
		if err := ctx.Err(); err != nil {
			result.Iterations = iter
			if done, reason := checkTerminated(); done {
				result.Terminated = true
				result.TerminationReason = reason
				return result, nil
			}
			return result, err
		}

		pctx.Iteration = iter
		pctx.Notes = append(pctx.Notes, a.drain(sessionID, injection.PointPreThinking)...)

		decision, err := a.planner.Decide(ctx, pctx)
		if err != nil {
			result.Iterations = iter + 1
			if done, reason := checkTerminated(); done {
				result.Terminated = true
				result.TerminationReason = reason
				return result, nil
			}
			return result, fmt.Errorf("planner: %w", err)
		}
		pctx.Notes = append(pctx.Notes, a.drain(sessionID, injection.PointPostThinking)...)

		decision, ok := a.screen(sessionID, decision, &pctx)
		if !ok {
			rejections++
			if rejections >= maxConsecutiveRejections {
				result.Iterations = iter + 1
				return result, fmt.Errorf("planner decisions rejected %d times in a row", rejections)
			}
			continue
		}
		rejections = 0

		switch decision.ActionType {
		case ActionRespond:
			response, _ := decision.Payload["response"].(string)
			result.Response = response
			result.Iterations = iter + 1
			return result, nil

		case ActionCreatePlan, ActionExecuteWorkflow:
			plan, err := decodePlan(decision.Payload)
			if err != nil {
				pctx.Notes = append(pctx.Notes, "previous plan was malformed: "+err.Error())
				continue
			}
			runResult, reflection, err := a.workflows.RunPlan(ctx, sessionID, plan)
			if err != nil {
				result.Iterations = iter + 1
				if done, reason := checkTerminated(); done {
					result.Terminated = true
					result.TerminationReason = reason
					return result, nil
				}
				return result, fmt.Errorf("run plan %q: %w", plan.Name, err)
			}
			result.Results = append(result.Results, runResult)
			pctx.LastResult = runResult
			pctx.LastReflection = reflection

		default:
			a.logger.Warn("unknown decision action",
				"session_id", sessionID, "action_type", decision.ActionType)
			pctx.Notes = append(pctx.Notes,
				"action "+decision.ActionType+" is not supported; use create_plan or respond")
		}
	}

	result.Iterations = a.maxIter
	return result, fmt.Errorf("no response after %d iterations", a.maxIter)
}

// drain empties the injection queue for one point into note strings.
func (a *ConversationAgent) drain(sessionID string, point injection.Point) []string {
	if a.injections == nil {
		return nil
	}
	pending := a.injections.PendingInjections(sessionID, point)
	notes := make([]string, 0, len(pending))
	for _, inj := range pending {
		notes = append(notes, fmt.Sprintf("[%s] %s", inj.Type, inj.Content))
	}
	return notes
}

// screen validates one decision. Modified decisions proceed with the
// corrected payload; rejected decisions feed the validator's suggestions
// back into the planner context.
func (a *ConversationAgent) screen(sessionID string, decision Decision, pctx *Context) (Decision, bool) {
	if a.validator == nil {
		return decision, true
	}
	verdict := a.validator.Validate(rules.ValidationRequest{
		DecisionID: uuid.NewString(),
		ActionType: decision.ActionType,
		SessionID:  sessionID,
		Payload:    decision.Payload,
	})
	switch verdict.Status {
	case rules.StatusApproved:
		return decision, true
	case rules.StatusModified:
		if verdict.ModifiedPayload != nil {
			decision.Payload = verdict.ModifiedPayload
		}
		return decision, true
	default:
		for _, s := range verdict.Suggestions {
			pctx.Notes = append(pctx.Notes, "decision rejected: "+s)
		}
		if len(verdict.Suggestions) == 0 {
			pctx.Notes = append(pctx.Notes, "decision rejected by rule screening")
		}
		return decision, false
	}
}

// decodePlan converts a decision payload into a workflow plan. The payload
// either embeds the plan under "plan" or is itself the plan document.
func decodePlan(payload map[string]any) (*workflow.Plan, error) {
	doc := payload
	if embedded, ok := payload["plan"].(map[string]any); ok {
		doc = embedded
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var plan workflow.Plan
	if err := json.Unmarshal(raw, &plan); err != nil {
		return nil, err
	}
	if len(plan.Nodes) == 0 {
		return nil, fmt.Errorf("plan has no nodes")
	}
	return &plan, nil
}
