package supervision

import (
	"log/slog"
	"sync"
	"time"

	"github.com/triadflow/triad/pkg/bus"
	"github.com/triadflow/triad/pkg/injection"
)

const eventSource = "supervision-coordinator"

// Intervention actions consumed by the facade.
const (
	InterventionWarning   = "WARNING"
	InterventionReplace   = "REPLACE"
	InterventionTerminate = "TERMINATE"
)

// Intervention statuses recorded on the audit trail.
const (
	StatusWarningInjected = "warning_injected"
	StatusContentReplaced = "content_replaced"
	StatusTaskTerminated  = "task_terminated"
	StatusUnknownAction   = "unknown_action"
)

// Info describes one intervention to execute.
type Info struct {
	SessionID        string `json:"session_id"`
	Action           string `json:"action"`
	Content          string `json:"content,omitempty"`
	TriggerRule      string `json:"trigger_rule,omitempty"`
	TriggerCondition string `json:"trigger_condition,omitempty"`
}

// AuditEntry is one record on the unified supervision audit log.
type AuditEntry struct {
	Kind      string    `json:"kind"`
	SessionID string    `json:"session_id,omitempty"`
	Action    string    `json:"action,omitempty"`
	Status    string    `json:"status,omitempty"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Coordinator orchestrates the supervision modules: it owns the
// conversation checks, the efficiency monitor, and the strategy repository,
// publishes intervention and termination events, and accumulates an audit
// log for inspection.
type Coordinator struct {
	Conversation *ConversationModule
	Efficiency   *EfficiencyMonitor
	Strategies   *StrategyRepository

	mu       sync.Mutex
	audit    []AuditEntry
	eventBus *bus.Bus
	logger   *slog.Logger
}

// NewCoordinator wires the supervision modules together.
func NewCoordinator(eventBus *bus.Bus, logger *slog.Logger) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		Conversation: NewConversationModule(logger),
		Efficiency:   NewEfficiencyMonitor(DefaultThresholds()),
		Strategies:   NewStrategyRepository(),
		eventBus:     eventBus,
		logger:       logger,
	}
}

// CheckInput runs the conversation checks and records the result.
func (c *Coordinator) CheckInput(sessionID, text string) ComprehensiveCheckResult {
	result := c.Conversation.CheckAll(text)
	if !result.Passed {
		c.record(AuditEntry{
			Kind:      "conversation_check",
			SessionID: sessionID,
			Action:    result.Action,
			Detail:    joinIssues(result.Issues),
		})
	}
	return result
}

// RecordIntervention publishes the intervention event and appends it to the
// audit log.
func (c *Coordinator) RecordIntervention(info Info, status string) {
	if c.eventBus != nil {
		c.eventBus.Publish(&bus.InterventionEvent{
			BaseEvent:        bus.NewBase(eventSource),
			SessionID:        info.SessionID,
			Action:           info.Action,
			Content:          info.Content,
			TriggerRule:      info.TriggerRule,
			TriggerCondition: info.TriggerCondition,
			Status:           status,
		})
	}
	c.record(AuditEntry{
		Kind:      "intervention",
		SessionID: info.SessionID,
		Action:    info.Action,
		Status:    status,
		Detail:    info.TriggerRule,
	})
	c.logger.Info("intervention recorded",
		"session_id", info.SessionID, "action", info.Action, "status", status)
}

// InitiateTermination publishes a TaskTerminationEvent; the orchestrating
// agent consumes it and cancels the workflow.
func (c *Coordinator) InitiateTermination(taskID, reason, severity string, graceful bool, workflowID string) {
	if c.eventBus != nil {
		c.eventBus.Publish(&bus.TaskTerminationEvent{
			BaseEvent:  bus.NewBase(eventSource),
			TaskID:     taskID,
			WorkflowID: workflowID,
			Reason:     reason,
			Severity:   severity,
			Graceful:   graceful,
		})
	}
	c.record(AuditEntry{
		Kind:   "termination",
		Action: InterventionTerminate,
		Status: StatusTaskTerminated,
		Detail: reason,
	})
	c.logger.Warn("task termination initiated",
		"task_id", taskID, "workflow_id", workflowID, "reason", reason, "graceful", graceful)
}

// AuditLog returns a copy of the accumulated audit entries.
func (c *Coordinator) AuditLog() []AuditEntry {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]AuditEntry, len(c.audit))
	copy(out, c.audit)
	return out
}

func (c *Coordinator) record(entry AuditEntry) {
	entry.Timestamp = time.Now()
	c.mu.Lock()
	c.audit = append(c.audit, entry)
	c.mu.Unlock()
}

func joinIssues(issues []string) string {
	out := ""
	for i, issue := range issues {
		if i > 0 {
			out += ","
		}
		out += issue
	}
	return out
}

// Facade executes interventions by feeding the context injection channel.
type Facade struct {
	coordinator *Coordinator
	injections  *injection.Manager
	logger      *slog.Logger
}

// NewFacade creates the intervention executor.
func NewFacade(coordinator *Coordinator, injections *injection.Manager, logger *slog.Logger) *Facade {
	if logger == nil {
		logger = slog.Default()
	}
	return &Facade{coordinator: coordinator, injections: injections, logger: logger}
}

// ExecuteIntervention dispatches on info.Action. Warnings and replacements
// surface as injections before the planner's next thinking step; terminate
// queues an intervention injection. Unknown actions are recorded and
// otherwise ignored.
func (f *Facade) ExecuteIntervention(info Info) string {
	reason := info.TriggerRule
	if reason == "" {
		reason = info.TriggerCondition
	}

	var status string
	switch info.Action {
	case InterventionWarning:
		f.injections.InjectWarning(info.SessionID, info.Content, "", info.TriggerRule,
			injection.WithSource(eventSource))
		status = StatusWarningInjected
	case InterventionReplace:
		// Replacement content must reach the planner mid-session, so it
		// queues at the pre-thinking point rather than the supplement
		// default.
		f.injections.InjectSupplement(info.SessionID, info.Content, "",
			injection.WithSource(eventSource),
			injection.WithReason(reason),
			injection.WithPriority(40),
			injection.WithPoint(injection.PointPreThinking))
		status = StatusContentReplaced
	case InterventionTerminate:
		f.injections.InjectIntervention(info.SessionID, info.Content, "",
			injection.WithSource(eventSource),
			injection.WithReason(reason))
		status = StatusTaskTerminated
	default:
		f.logger.Warn("unknown intervention action", "action", info.Action)
		status = StatusUnknownAction
	}

	f.coordinator.RecordIntervention(info, status)
	return status
}
