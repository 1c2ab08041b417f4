// Package monitor implements the event-sourced observation layer: the
// workflow state monitor and the reflection context manager. Both subscribe
// to the bus, keep per-workflow records under a mutex, and hand out deep
// copies so callers can never mutate shared state.
package monitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/triadflow/triad/pkg/bus"
)

// WorkflowState is the monitor's record of one workflow.
type WorkflowState struct {
	WorkflowID    string         `json:"workflow_id"`
	Status        string         `json:"status"`
	NodeCount     int            `json:"node_count"`
	StartedAt     time.Time      `json:"started_at"`
	CompletedAt   time.Time      `json:"completed_at,omitempty"`
	RunningNodes  []string       `json:"running_nodes"`
	ExecutedNodes []string       `json:"executed_nodes"`
	FailedNodes   []string       `json:"failed_nodes"`
	SkippedNodes  []string       `json:"skipped_nodes"`
	NodeInputs    map[string]any `json:"node_inputs"`
	NodeOutputs   map[string]any `json:"node_outputs"`
	Errors        []string       `json:"errors"`
	Result        map[string]any `json:"result,omitempty"`
}

// SystemStatus summarizes every tracked workflow.
type SystemStatus struct {
	TotalWorkflows     int `json:"total_workflows"`
	RunningWorkflows   int `json:"running_workflows"`
	CompletedWorkflows int `json:"completed_workflows"`
	FailedWorkflows    int `json:"failed_workflows"`
	ActiveNodes        int `json:"active_nodes"`
}

// Compressor receives a summarized state payload when compression is on.
type Compressor func(summary map[string]any)

// StateMonitor tracks workflow progress from bus events.
type StateMonitor struct {
	mu     sync.Mutex
	states map[string]*WorkflowState

	eventBus *bus.Bus
	subs     []*bus.Subscription
	// compressSub is the currently-registered compression handler's
	// token; swapping the hook unsubscribes it before re-subscribing.
	compressSub *bus.Subscription
	logger      *slog.Logger

	workflowsStarted   prometheus.Counter
	workflowsCompleted *prometheus.CounterVec
	activeWorkflows    prometheus.Gauge
}

// NewStateMonitor creates a monitor. Metrics register against reg; pass nil
// to use the default registerer.
func NewStateMonitor(eventBus *bus.Bus, reg prometheus.Registerer, logger *slog.Logger) *StateMonitor {
	if logger == nil {
		logger = slog.Default()
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	m := &StateMonitor{
		states:   make(map[string]*WorkflowState),
		eventBus: eventBus,
		logger:   logger,
		workflowsStarted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "triad_workflows_started_total",
			Help: "Workflows the monitor has seen start.",
		}),
		workflowsCompleted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "triad_workflows_completed_total",
			Help: "Workflows finished, by outcome.",
		}, []string{"outcome"}),
		activeWorkflows: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "triad_workflows_active",
			Help: "Workflows currently running.",
		}),
	}
	reg.MustRegister(m.workflowsStarted, m.workflowsCompleted, m.activeWorkflows)
	// Delivery is best-effort under backpressure; surface the shed count so
	// operators can see when it degraded.
	reg.MustRegister(prometheus.NewCounterFunc(prometheus.CounterOpts{
		Name: "triad_bus_dropped_events_total",
		Help: "Events shed from full subscriber queues.",
	}, func() float64 { return float64(eventBus.DroppedCount()) }))
	return m
}

// Start subscribes to workflow lifecycle and node events. The tokens are
// retained so Stop can remove exactly these handlers.
func (m *StateMonitor) Start() {
	m.subs = append(m.subs,
		m.eventBus.Subscribe(bus.EventWorkflowExecutionStarted, m.onStarted),
		m.eventBus.Subscribe(bus.EventWorkflowExecutionCompleted, m.onCompleted),
		m.eventBus.Subscribe(bus.EventNodeExecution, m.onNodeEvent),
	)
}

// Stop unsubscribes every retained token, including the compression hook.
func (m *StateMonitor) Stop() {
	for _, sub := range m.subs {
		m.eventBus.Unsubscribe(sub)
	}
	m.subs = nil
	if m.compressSub != nil {
		m.eventBus.Unsubscribe(m.compressSub)
		m.compressSub = nil
	}
}

// EnableCompression routes a summary of every completion event to fn. A
// previously-installed handler is unsubscribed first so exactly one
// compression handler is live at any time.
func (m *StateMonitor) EnableCompression(fn Compressor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.compressSub != nil {
		m.eventBus.Unsubscribe(m.compressSub)
	}
	m.compressSub = m.eventBus.Subscribe(bus.EventWorkflowExecutionCompleted, func(e bus.Event) {
		ce, ok := e.(*bus.WorkflowExecutionCompletedEvent)
		if !ok {
			return
		}
		fn(map[string]any{
			"workflow_id": ce.WorkflowID,
			"success":     ce.Success,
			"summary":     ce.Summary,
			"node_count":  len(ce.ExecutedNodes),
		})
	})
}

// DisableCompression removes the compression hook, if any.
func (m *StateMonitor) DisableCompression() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.compressSub != nil {
		m.eventBus.Unsubscribe(m.compressSub)
		m.compressSub = nil
	}
}

func (m *StateMonitor) onStarted(e bus.Event) {
	se, ok := e.(*bus.WorkflowExecutionStartedEvent)
	if !ok {
		return
	}
	m.mu.Lock()
	m.states[se.WorkflowID] = &WorkflowState{
		WorkflowID:  se.WorkflowID,
		Status:      "running",
		NodeCount:   se.NodeCount,
		StartedAt:   se.OccurredAt(),
		NodeInputs:  make(map[string]any),
		NodeOutputs: make(map[string]any),
	}
	m.mu.Unlock()
	m.workflowsStarted.Inc()
	m.activeWorkflows.Inc()
}

func (m *StateMonitor) onCompleted(e bus.Event) {
	ce, ok := e.(*bus.WorkflowExecutionCompletedEvent)
	if !ok {
		return
	}
	m.mu.Lock()
	state, exists := m.states[ce.WorkflowID]
	if !exists {
		// Out-of-order delivery or a monitor restart: create a
		// minimal record rather than dropping the completion.
		state = &WorkflowState{
			WorkflowID:  ce.WorkflowID,
			NodeInputs:  make(map[string]any),
			NodeOutputs: make(map[string]any),
		}
		m.states[ce.WorkflowID] = state
	}
	outcome := "completed"
	if !ce.Success {
		outcome = "failed"
	}
	state.Status = outcome
	state.CompletedAt = ce.OccurredAt()
	state.Result = map[string]any{
		"success":        ce.Success,
		"summary":        ce.Summary,
		"failed_node":    ce.FailedNode,
		"error_message":  ce.ErrorMessage,
		"executed_nodes": append([]string(nil), ce.ExecutedNodes...),
	}
	m.mu.Unlock()

	m.workflowsCompleted.WithLabelValues(outcome).Inc()
	if exists {
		m.activeWorkflows.Dec()
	}
}

func (m *StateMonitor) onNodeEvent(e bus.Event) {
	ne, ok := e.(*bus.NodeExecutionEvent)
	if !ok {
		return
	}
	if ne.WorkflowID == "" {
		// Definition-level node events carry no workflow; nothing to
		// attribute them to.
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	state, exists := m.states[ne.WorkflowID]
	if !exists {
		state = &WorkflowState{
			WorkflowID:  ne.WorkflowID,
			Status:      "running",
			NodeInputs:  make(map[string]any),
			NodeOutputs: make(map[string]any),
		}
		m.states[ne.WorkflowID] = state
	}

	switch ne.Status {
	case bus.NodeStatusRunning:
		state.RunningNodes = appendUnique(state.RunningNodes, ne.NodeID)
		if ne.Inputs != nil {
			state.NodeInputs[ne.NodeID] = ne.Inputs
		}
	case bus.NodeStatusCompleted:
		state.RunningNodes = remove(state.RunningNodes, ne.NodeID)
		state.ExecutedNodes = appendUnique(state.ExecutedNodes, ne.NodeID)
		if ne.Output != nil {
			state.NodeOutputs[ne.NodeID] = ne.Output
		}
	case bus.NodeStatusFailed:
		state.RunningNodes = remove(state.RunningNodes, ne.NodeID)
		state.FailedNodes = appendUnique(state.FailedNodes, ne.NodeID)
		if ne.Error != "" {
			state.Errors = append(state.Errors, ne.NodeID+": "+ne.Error)
		}
	case bus.NodeStatusSkipped:
		state.SkippedNodes = appendUnique(state.SkippedNodes, ne.NodeID)
	}
}

// WorkflowState returns a deep copy of one workflow's record.
func (m *StateMonitor) WorkflowState(workflowID string) (*WorkflowState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	state, ok := m.states[workflowID]
	if !ok {
		return nil, false
	}
	return copyState(state), true
}

// AllWorkflowStates returns deep copies of every tracked record.
func (m *StateMonitor) AllWorkflowStates() map[string]*WorkflowState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]*WorkflowState, len(m.states))
	for id, state := range m.states {
		out[id] = copyState(state)
	}
	return out
}

// Status aggregates counts across every tracked workflow.
func (m *StateMonitor) Status() SystemStatus {
	m.mu.Lock()
	defer m.mu.Unlock()
	status := SystemStatus{TotalWorkflows: len(m.states)}
	for _, state := range m.states {
		switch state.Status {
		case "running":
			status.RunningWorkflows++
		case "completed":
			status.CompletedWorkflows++
		case "failed":
			status.FailedWorkflows++
		}
		status.ActiveNodes += len(state.RunningNodes)
	}
	return status
}

func copyState(s *WorkflowState) *WorkflowState {
	out := &WorkflowState{
		WorkflowID:    s.WorkflowID,
		Status:        s.Status,
		NodeCount:     s.NodeCount,
		StartedAt:     s.StartedAt,
		CompletedAt:   s.CompletedAt,
		RunningNodes:  append([]string(nil), s.RunningNodes...),
		ExecutedNodes: append([]string(nil), s.ExecutedNodes...),
		FailedNodes:   append([]string(nil), s.FailedNodes...),
		SkippedNodes:  append([]string(nil), s.SkippedNodes...),
		Errors:        append([]string(nil), s.Errors...),
		NodeInputs:    copyValue(s.NodeInputs).(map[string]any),
		NodeOutputs:   copyValue(s.NodeOutputs).(map[string]any),
	}
	if s.Result != nil {
		out.Result = copyValue(s.Result).(map[string]any)
	}
	return out
}

// copyValue deep-copies nested maps and slices; scalars pass through.
func copyValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		out := make(map[string]any, len(t))
		for k, val := range t {
			out[k] = copyValue(val)
		}
		return out
	case []any:
		out := make([]any, len(t))
		for i, val := range t {
			out[i] = copyValue(val)
		}
		return out
	case []string:
		return append([]string(nil), t...)
	default:
		return v
	}
}

func appendUnique(list []string, v string) []string {
	for _, existing := range list {
		if existing == v {
			return list
		}
	}
	return append(list, v)
}

func remove(list []string, v string) []string {
	out := list[:0]
	for _, existing := range list {
		if existing != v {
			out = append(out, existing)
		}
	}
	return out
}
