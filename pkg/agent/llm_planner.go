package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/triadflow/triad/pkg/llm"
	"github.com/triadflow/triad/pkg/workflow"
)

const plannerSystemPrompt = `You plan workflows as JSON decisions. Reply with one JSON object:
{"action_type": "create_plan" | "respond", "payload": {...}, "rationale": "..."}
For create_plan the payload carries a "plan" object with "name", "nodes"
(each: name, type, config) and "edges" (each: source, target, optional
condition). For respond the payload carries a "response" string.`

// LLMPlanner asks a completion client for the next decision.
type LLMPlanner struct {
	client llm.Client
}

// NewLLMPlanner wraps a completion client.
func NewLLMPlanner(client llm.Client) *LLMPlanner {
	return &LLMPlanner{client: client}
}

// Decide implements Planner.
func (p *LLMPlanner) Decide(ctx context.Context, pctx Context) (Decision, error) {
	encoded, err := json.Marshal(pctx)
	if err != nil {
		return Decision{}, fmt.Errorf("encode planner context: %w", err)
	}
	response, err := p.client.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: plannerSystemPrompt},
		{Role: llm.RoleUser, Content: string(encoded)},
	})
	if err != nil {
		return Decision{}, err
	}

	doc, ok := llm.ExtractJSONObject(response)
	if !ok {
		// A bare-text reply is treated as the final response.
		return Decision{
			ActionType: ActionRespond,
			Payload:    map[string]any{"response": strings.TrimSpace(response)},
		}, nil
	}

	raw, err := json.Marshal(doc)
	if err != nil {
		return Decision{}, err
	}
	var decision Decision
	if err := json.Unmarshal(raw, &decision); err != nil {
		return Decision{}, fmt.Errorf("decode decision: %w", err)
	}
	if decision.ActionType == "" {
		return Decision{}, fmt.Errorf("decision has no action_type")
	}
	return decision, nil
}

const reflectorSystemPrompt = `You assess finished workflow runs. Reply with one JSON object:
{"assessment": "...", "issues": [...], "recommendations": [...],
 "confidence": 0.0-1.0, "should_retry": bool, "suggested_modifications": {}}`

// LLMReflector asks a completion client to assess a workflow result.
type LLMReflector struct {
	client   llm.Client
	fallback Reflector
}

// NewLLMReflector wraps a completion client. Client failures fall back to
// the heuristic reflector so execution never stalls on reflection.
func NewLLMReflector(client llm.Client) *LLMReflector {
	return &LLMReflector{
		client:   client,
		fallback: HeuristicReflector{Policy: workflow.DefaultRetryPolicy()},
	}
}

// Reflect implements Reflector.
func (r *LLMReflector) Reflect(ctx context.Context, result *workflow.WorkflowResult) (Reflection, error) {
	encoded, err := json.Marshal(result)
	if err != nil {
		return Reflection{}, fmt.Errorf("encode workflow result: %w", err)
	}
	response, err := r.client.Complete(ctx, []llm.Message{
		{Role: llm.RoleSystem, Content: reflectorSystemPrompt},
		{Role: llm.RoleUser, Content: string(encoded)},
	})
	if err != nil {
		return r.fallback.Reflect(ctx, result)
	}

	doc, ok := llm.ExtractJSONObject(response)
	if !ok {
		return r.fallback.Reflect(ctx, result)
	}
	raw, err := json.Marshal(doc)
	if err != nil {
		return Reflection{}, err
	}
	var reflection Reflection
	if err := json.Unmarshal(raw, &reflection); err != nil {
		return r.fallback.Reflect(ctx, result)
	}
	return reflection, nil
}
