package agent

import (
	"log/slog"
	"strings"

	"github.com/triadflow/triad/pkg/monitor"
	"github.com/triadflow/triad/pkg/supervision"
)

// CoordinatorAgent bundles the supervision side of the runtime: input
// screening, intervention execution, and the two event-driven monitors. It
// does not plan or execute; it observes and intervenes.
type CoordinatorAgent struct {
	Supervision *supervision.Coordinator
	Facade      *supervision.Facade
	States      *monitor.StateMonitor
	Reflections *monitor.ReflectionManager

	logger *slog.Logger
}

// NewCoordinatorAgent wires the coordinator from its already-constructed
// parts. Any nil monitor is simply not started.
func NewCoordinatorAgent(
	sup *supervision.Coordinator,
	facade *supervision.Facade,
	states *monitor.StateMonitor,
	reflections *monitor.ReflectionManager,
	logger *slog.Logger,
) *CoordinatorAgent {
	if logger == nil {
		logger = slog.Default()
	}
	return &CoordinatorAgent{
		Supervision: sup,
		Facade:      facade,
		States:      states,
		Reflections: reflections,
		logger:      logger,
	}
}

// Start subscribes the monitors to the bus.
func (c *CoordinatorAgent) Start() {
	if c.States != nil {
		c.States.Start()
	}
	if c.Reflections != nil {
		c.Reflections.Start()
	}
	c.logger.Info("coordinator agent started")
}

// Stop unsubscribes the monitors.
func (c *CoordinatorAgent) Stop() {
	if c.States != nil {
		c.States.Stop()
	}
	if c.Reflections != nil {
		c.Reflections.Stop()
	}
	c.logger.Info("coordinator agent stopped")
}

// CheckUserInput screens input before it reaches the planner. Blocked input
// triggers a warning intervention so the refusal shows up in the session's
// context and on the audit trail.
func (c *CoordinatorAgent) CheckUserInput(sessionID, text string) supervision.ComprehensiveCheckResult {
	result := c.Supervision.CheckInput(sessionID, text)
	if result.Action == supervision.ActionBlock && c.Facade != nil {
		c.Facade.ExecuteIntervention(supervision.Info{
			SessionID:        sessionID,
			Action:           supervision.InterventionWarning,
			Content:          "input blocked: " + strings.Join(result.Issues, ", "),
			TriggerCondition: "conversation_check",
		})
	}
	return result
}

// ExecuteIntervention applies one strategy decision through the facade.
func (c *CoordinatorAgent) ExecuteIntervention(info supervision.Info) string {
	if c.Facade == nil {
		return supervision.StatusUnknownAction
	}
	return c.Facade.ExecuteIntervention(info)
}

// Status snapshots the system counters.
func (c *CoordinatorAgent) Status() monitor.SystemStatus {
	if c.States == nil {
		return monitor.SystemStatus{}
	}
	return c.States.Status()
}
