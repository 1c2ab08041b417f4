package rules

import (
	"fmt"
	"log/slog"
	"time"
)

// ValidationStatus is the validator's verdict on a proposed decision.
type ValidationStatus string

// Validation statuses.
const (
	StatusApproved  ValidationStatus = "APPROVED"
	StatusModified  ValidationStatus = "MODIFIED"
	StatusRejected  ValidationStatus = "REJECTED"
	StatusEscalated ValidationStatus = "ESCALATED"
)

// ValidationRequest is a proposed decision from the planner.
type ValidationRequest struct {
	DecisionID string         `json:"decision_id,omitempty"`
	ActionType string         `json:"action_type"`
	SessionID  string         `json:"session_id,omitempty"`
	Payload    map[string]any `json:"payload,omitempty"`
	Context    map[string]any `json:"context,omitempty"`
}

// ValidationResult is the validator's response.
type ValidationResult struct {
	Status          ValidationStatus `json:"status"`
	Violations      []Violation      `json:"violations,omitempty"`
	Suggestions     []string         `json:"suggestions,omitempty"`
	ModifiedPayload map[string]any   `json:"modified_payload,omitempty"`
	AlignmentScore  *float64         `json:"alignment_score,omitempty"`
}

// decisionCategories are evaluated, in order, for every decision.
var decisionCategories = []Category{
	CategoryBehavior, CategoryTool, CategoryData, CategoryExecution,
}

// Validator screens planner decisions against the rule repository and the
// session goal before the workflow agent acts on them.
type Validator struct {
	repo    *Repository
	checker *AlignmentChecker
	goal    string
	logger  *slog.Logger
}

// NewValidator creates a decision validator. checker may be nil to disable
// goal-alignment screening.
func NewValidator(repo *Repository, checker *AlignmentChecker, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{repo: repo, checker: checker, logger: logger}
}

// SetGoal installs the session goal used for alignment screening.
func (v *Validator) SetGoal(goal string) { v.goal = goal }

// Validate applies the four decision rule categories and the goal check to
// one proposed decision and derives the final status from the worst
// requested action.
func (v *Validator) Validate(req ValidationRequest) ValidationResult {
	env := v.buildEnv(req)

	var violations []Violation
	for _, category := range decisionCategories {
		violations = append(violations, v.repo.EvaluateByCategory(category, env)...)
	}

	result := ValidationResult{}

	if v.goal != "" && v.checker != nil {
		if action, _ := req.Payload["action_description"].(string); action != "" {
			score := v.checker.Score(v.goal, action, req.Context)
			result.AlignmentScore = &score
			if score < v.checker.Threshold {
				violations = append(violations, Violation{
					RuleID:   "goal_alignment_check",
					RuleName: "goal alignment check",
					Action:   ActionSuggestCorrection,
					Message:  fmt.Sprintf("action alignment %.2f below threshold %.2f", score, v.checker.Threshold),
					ContextSnapshot: map[string]any{
						"action_description": action,
						"goal":               v.goal,
					},
					Timestamp: time.Now(),
				})
			}
		}
	}

	result.Violations = violations
	result.Suggestions = v.collectSuggestions(violations)
	result.Status = deriveStatus(violations)

	if result.Status == StatusModified {
		result.ModifiedPayload = v.autoCorrect(req.Payload, violations)
	}

	if result.Status != StatusApproved {
		v.logger.Info("decision validation flagged",
			"decision_id", req.DecisionID,
			"action_type", req.ActionType,
			"status", result.Status,
			"violations", len(violations))
	}
	return result
}

// buildEnv merges request context, payload, and identity fields into the
// rule evaluation scope. Payload keys shadow context keys.
func (v *Validator) buildEnv(req ValidationRequest) map[string]any {
	env := make(map[string]any, len(req.Context)+len(req.Payload)+4)
	for k, val := range req.Context {
		env[k] = val
	}
	for k, val := range req.Payload {
		env[k] = val
	}
	env["action_type"] = req.ActionType
	env["decision_id"] = req.DecisionID
	env["session_id"] = req.SessionID
	env["payload"] = req.Payload
	return env
}

// collectSuggestions deduplicates suggestions from rule metadata and
// violation messages, preserving first-seen order.
func (v *Validator) collectSuggestions(violations []Violation) []string {
	var out []string
	seen := make(map[string]bool)
	add := func(s string) {
		if s != "" && !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}

	for _, violation := range violations {
		if rule, err := v.repo.Get(violation.RuleID); err == nil {
			if s, _ := rule.Metadata["suggestion"].(string); s != "" {
				add(s)
			}
		}
		if violation.Action == ActionSuggestCorrection {
			add(violation.Message)
		}
	}
	return out
}

// autoCorrect applies metadata-driven correction hints to a copy of the
// payload. The only hint currently understood is field_restriction, which
// marks the payload for downstream narrowing.
func (v *Validator) autoCorrect(payload map[string]any, violations []Violation) map[string]any {
	corrected := make(map[string]any, len(payload)+1)
	for k, val := range payload {
		corrected[k] = val
	}

	for _, violation := range violations {
		rule, err := v.repo.Get(violation.RuleID)
		if err != nil {
			continue
		}
		if ct, _ := rule.Metadata["correction_type"].(string); ct == "field_restriction" {
			corrected["_needs_field_restriction"] = true
		}
	}
	return corrected
}

// deriveStatus maps the violation set to a verdict: none approves; any
// rejection or termination rejects; otherwise every remaining action is
// advisory and the decision passes as modified.
func deriveStatus(violations []Violation) ValidationStatus {
	if len(violations) == 0 {
		return StatusApproved
	}

	advisoryOnly := true
	for _, violation := range violations {
		switch violation.Action {
		case ActionRejectDecision, ActionForceTerminate:
			return StatusRejected
		case ActionSuggestCorrection, ActionLogWarning:
		default:
			advisoryOnly = false
		}
	}
	if advisoryOnly {
		return StatusModified
	}
	return StatusRejected
}
