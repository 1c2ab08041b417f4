package workflow

import (
	"fmt"
	"sync"
	"time"
)

// NodeState is a node's position in the execution state machine.
type NodeState string

// Node states. Transitions: pending→running, running→executed,
// running→failed, failed→running (retry), pending→skipped. Skipped and
// executed are terminal; failed is terminal once the retry policy gives up.
const (
	StatePending  NodeState = "pending"
	StateRunning  NodeState = "running"
	StateExecuted NodeState = "executed"
	StateFailed   NodeState = "failed"
	StateSkipped  NodeState = "skipped"
)

// WorkflowStatus is the run-level status.
type WorkflowStatus string

// Workflow statuses.
const (
	WorkflowRunning   WorkflowStatus = "running"
	WorkflowCompleted WorkflowStatus = "completed"
	WorkflowFailed    WorkflowStatus = "failed"
)

// ErrorEntry records one node failure and the action taken.
type ErrorEntry struct {
	NodeID       string    `json:"node_id"`
	ErrorType    string    `json:"error_type"`
	ErrorMessage string    `json:"error_message"`
	Attempt      int       `json:"attempt"`
	ActionTaken  string    `json:"action_taken"`
	Timestamp    time.Time `json:"timestamp"`
}

// legalTransitions encodes the node state machine.
var legalTransitions = map[NodeState][]NodeState{
	StatePending: {StateRunning, StateSkipped},
	StateRunning: {StateExecuted, StateFailed},
	StateFailed:  {StateRunning}, // retry
}

// ExecutionContext is the monitor's view of one workflow run. Every node id
// belongs to exactly one state at any instant; transitions are checked
// against the state machine. The mutex guards parallel child execution
// within one workflow's task tree.
type ExecutionContext struct {
	mu sync.Mutex

	WorkflowID string
	states     map[string]NodeState

	NodeInputs  map[string]map[string]any
	NodeOutputs map[string]any
	ErrorLog    []ErrorEntry
	Metrics     map[string]int

	StartedAt   time.Time
	CompletedAt time.Time
	Status      WorkflowStatus
}

// NewExecutionContext seeds the context with every graph node pending.
func NewExecutionContext(graph *Graph) *ExecutionContext {
	states := make(map[string]NodeState, graph.NodeCount())
	for _, node := range graph.Nodes() {
		states[node.ID] = StatePending
	}
	return &ExecutionContext{
		WorkflowID:  graph.ID,
		states:      states,
		NodeInputs:  make(map[string]map[string]any),
		NodeOutputs: make(map[string]any),
		Metrics:     make(map[string]int),
		StartedAt:   time.Now(),
		Status:      WorkflowRunning,
	}
}

// Transition moves a node to next, enforcing the state machine.
func (c *ExecutionContext) Transition(nodeID string, next NodeState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	current, ok := c.states[nodeID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrNodeNotFound, nodeID)
	}
	for _, allowed := range legalTransitions[current] {
		if allowed == next {
			c.states[nodeID] = next
			c.Metrics["transitions"]++
			return nil
		}
	}
	return fmt.Errorf("illegal node state transition %s → %s for %s", current, next, nodeID)
}

// State returns the node's current state.
func (c *ExecutionContext) State(nodeID string) (NodeState, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.states[nodeID]
	return s, ok
}

// InState returns the node ids currently in state, in no particular order.
func (c *ExecutionContext) InState(state NodeState) []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []string
	for id, s := range c.states {
		if s == state {
			out = append(out, id)
		}
	}
	return out
}

// Counts returns the number of nodes per state.
func (c *ExecutionContext) Counts() map[NodeState]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[NodeState]int, 5)
	for _, s := range c.states {
		out[s]++
	}
	return out
}

// TotalNodes returns the size of the tracked node set.
func (c *ExecutionContext) TotalNodes() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.states)
}

// RecordInput stores the inputs collected for a node.
func (c *ExecutionContext) RecordInput(nodeID string, inputs map[string]any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.NodeInputs[nodeID] = inputs
}

// RecordOutput stores a node's output.
func (c *ExecutionContext) RecordOutput(nodeID string, output any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.NodeOutputs[nodeID] = output
	c.Metrics["nodes_executed"]++
}

// RecordError appends to the error log.
func (c *ExecutionContext) RecordError(entry ErrorEntry) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry.Timestamp = time.Now()
	c.ErrorLog = append(c.ErrorLog, entry)
	c.Metrics["errors"]++
}

// Finish marks the run complete or failed.
func (c *ExecutionContext) Finish(status WorkflowStatus) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Status = status
	c.CompletedAt = time.Now()
}

// Progress returns completed/total in [0, 1]. Skipped nodes count as
// settled so a heavily-branched workflow still reaches 1.
func (c *ExecutionContext) Progress() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.states) == 0 {
		return 1
	}
	settled := 0
	for _, s := range c.states {
		if s == StateExecuted || s == StateSkipped || s == StateFailed {
			settled++
		}
	}
	return float64(settled) / float64(len(c.states))
}
