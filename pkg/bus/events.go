// Package bus provides the typed in-process event bus that couples the
// conversation, workflow, and coordinator agents. Events are published
// asynchronously and delivered FIFO per subscriber; subscribers register by
// event type and must retain the returned subscription token to unsubscribe.
package bus

import "time"

// EventType identifies a category of event on the bus. Subscribers register
// for exactly one type per subscription.
type EventType string

// Event types used by the core runtime.
const (
	EventWorkflowExecutionStarted   EventType = "workflow.execution.started"
	EventWorkflowExecutionCompleted EventType = "workflow.execution.completed"
	EventNodeExecution              EventType = "workflow.node.execution"
	EventExecutionProgress          EventType = "workflow.execution.progress"
	EventWorkflowReflectionCompleted EventType = "workflow.reflection.completed"
	EventIntervention               EventType = "supervision.intervention"
	EventContextInjection           EventType = "supervision.context.injection"
	EventTaskTermination            EventType = "supervision.task.termination"
)

// Node execution status values carried by NodeExecutionEvent.Status.
const (
	NodeStatusRunning   = "running"
	NodeStatusCompleted = "completed"
	NodeStatusFailed    = "failed"
	NodeStatusSkipped   = "skipped"
)

// Event is implemented by every value published on the bus. Consumers filter
// by Type and use type assertions to access payload fields.
type Event interface {
	// Type returns the event type tag used for subscription routing.
	Type() EventType
	// Source identifies the component that published the event.
	Source() string
	// OccurredAt returns the time the event was created, not delivered.
	OccurredAt() time.Time
}

// BaseEvent carries the fields common to every event. Concrete events embed
// it and add their own payload fields.
type BaseEvent struct {
	EventSource string    `json:"source"`
	Timestamp   time.Time `json:"timestamp"`
}

// NewBase constructs a BaseEvent stamped with the current time.
func NewBase(source string) BaseEvent {
	return BaseEvent{EventSource: source, Timestamp: time.Now()}
}

// Source implements Event.
func (b BaseEvent) Source() string { return b.EventSource }

// OccurredAt implements Event.
func (b BaseEvent) OccurredAt() time.Time { return b.Timestamp }

// WorkflowExecutionStartedEvent is published when a workflow begins executing.
type WorkflowExecutionStartedEvent struct {
	BaseEvent
	WorkflowID   string `json:"workflow_id"`
	WorkflowName string `json:"workflow_name,omitempty"`
	SessionID    string `json:"session_id,omitempty"`
	NodeCount    int    `json:"node_count"`
}

// Type implements Event.
func (*WorkflowExecutionStartedEvent) Type() EventType { return EventWorkflowExecutionStarted }

// WorkflowExecutionCompletedEvent is published when a workflow finishes,
// successfully or not. Consumers must rely on Success and FailedNode rather
// than on the presence of optional fields.
type WorkflowExecutionCompletedEvent struct {
	BaseEvent
	WorkflowID    string         `json:"workflow_id"`
	SessionID     string         `json:"session_id,omitempty"`
	Success       bool           `json:"success"`
	Summary       string         `json:"summary,omitempty"`
	FailedNode    string         `json:"failed_node,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	ExecutedNodes []string       `json:"executed_nodes,omitempty"`
	Result        map[string]any `json:"result,omitempty"`
}

// Type implements Event.
func (*WorkflowExecutionCompletedEvent) Type() EventType { return EventWorkflowExecutionCompleted }

// NodeExecutionEvent is published around each node execution: once with
// status running before the executor is invoked, then once with status
// completed or failed.
type NodeExecutionEvent struct {
	BaseEvent
	WorkflowID string         `json:"workflow_id"`
	NodeID     string         `json:"node_id"`
	NodeType   string         `json:"node_type,omitempty"`
	Status     string         `json:"status"`
	Inputs     map[string]any `json:"inputs,omitempty"`
	Output     any            `json:"output,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Type implements Event.
func (*NodeExecutionEvent) Type() EventType { return EventNodeExecution }

// ExecutionProgressEvent reports incremental workflow progress in [0, 1].
// It is also used at warning level for lintable build problems such as
// malformed edge conditions.
type ExecutionProgressEvent struct {
	BaseEvent
	WorkflowID string         `json:"workflow_id"`
	NodeID     string         `json:"node_id,omitempty"`
	Status     string         `json:"status"`
	Progress   float64        `json:"progress"`
	Message    string         `json:"message,omitempty"`
	Metadata   map[string]any `json:"metadata,omitempty"`
}

// Type implements Event.
func (*ExecutionProgressEvent) Type() EventType { return EventExecutionProgress }

// WorkflowReflectionCompletedEvent carries the reflector's post-execution
// assessment and retry guidance.
type WorkflowReflectionCompletedEvent struct {
	BaseEvent
	WorkflowID  string   `json:"workflow_id"`
	SessionID   string   `json:"session_id,omitempty"`
	Assessment  string   `json:"assessment"`
	Issues      []string `json:"issues,omitempty"`
	ShouldRetry bool     `json:"should_retry"`
	Confidence  float64  `json:"confidence"`
}

// Type implements Event.
func (*WorkflowReflectionCompletedEvent) Type() EventType { return EventWorkflowReflectionCompleted }

// InterventionEvent is published by the supervision coordinator whenever an
// intervention executes, for audit and observation.
type InterventionEvent struct {
	BaseEvent
	SessionID        string `json:"session_id"`
	Action           string `json:"action"`
	Content          string `json:"content,omitempty"`
	TriggerRule      string `json:"trigger_rule,omitempty"`
	TriggerCondition string `json:"trigger_condition,omitempty"`
	Status           string `json:"status,omitempty"`
}

// Type implements Event.
func (*InterventionEvent) Type() EventType { return EventIntervention }

// ContextInjectionEvent announces that a context injection was queued for a
// session.
type ContextInjectionEvent struct {
	BaseEvent
	SessionID      string `json:"session_id"`
	InjectionType  string `json:"injection_type"`
	InjectionPoint string `json:"injection_point"`
	Reason         string `json:"reason,omitempty"`
	Priority       int    `json:"priority"`
}

// Type implements Event.
func (*ContextInjectionEvent) Type() EventType { return EventContextInjection }

// TaskTerminationEvent requests termination of a running task. The
// orchestrating agent consumes it and cancels the workflow's context.
type TaskTerminationEvent struct {
	BaseEvent
	TaskID     string `json:"task_id"`
	WorkflowID string `json:"workflow_id,omitempty"`
	Reason     string `json:"reason"`
	Severity   string `json:"severity,omitempty"`
	Graceful   bool   `json:"graceful"`
}

// Type implements Event.
func (*TaskTerminationEvent) Type() EventType { return EventTaskTermination }
