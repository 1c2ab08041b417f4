package supervision

import (
	"sync"
	"time"
)

// Alert types raised by the efficiency monitor.
const (
	AlertSlowExecution = "slow_execution"
	AlertMemoryOveruse = "memory_overuse"
	AlertCPUOveruse    = "cpu_overuse"
)

// NodeMetrics is one node execution's resource sample.
type NodeMetrics struct {
	NodeID          string    `json:"node_id"`
	MemoryMB        float64   `json:"memory_mb"`
	CPUPercent      float64   `json:"cpu_percent"`
	DurationSeconds float64   `json:"duration_seconds"`
	RecordedAt      time.Time `json:"recorded_at"`
}

// EfficiencyThresholds bound acceptable workflow resource usage. All
// comparisons are strict: a value equal to its threshold is not a breach.
type EfficiencyThresholds struct {
	MaxTotalDurationSeconds float64 `json:"max_total_duration_seconds"`
	MaxMemoryMB             float64 `json:"max_memory_mb"`
	MaxCPUPercent           float64 `json:"max_cpu_percent"`
	MaxNodeDurationSeconds  float64 `json:"max_node_duration_seconds"`
}

// DefaultThresholds returns the stock limits.
func DefaultThresholds() EfficiencyThresholds {
	return EfficiencyThresholds{
		MaxTotalDurationSeconds: 300,
		MaxMemoryMB:             1024,
		MaxCPUPercent:           80,
		MaxNodeDurationSeconds:  60,
	}
}

// Alert is one threshold breach.
type Alert struct {
	Type       string  `json:"type"`
	WorkflowID string  `json:"workflow_id"`
	NodeID     string  `json:"node_id,omitempty"`
	Value      float64 `json:"value"`
	Threshold  float64 `json:"threshold"`
}

// WorkflowSummary aggregates one workflow's recorded node metrics.
type WorkflowSummary struct {
	WorkflowID    string  `json:"workflow_id"`
	NodeCount     int     `json:"node_count"`
	TotalDuration float64 `json:"total_duration"`
	MaxMemoryMB   float64 `json:"max_memory_mb"`
	MaxCPUPercent float64 `json:"max_cpu_percent"`
}

// EfficiencyMonitor records per-node resource samples and checks them
// against the configured thresholds.
type EfficiencyMonitor struct {
	mu         sync.RWMutex
	thresholds EfficiencyThresholds
	samples    map[string][]NodeMetrics // keyed by workflow id
}

// NewEfficiencyMonitor creates a monitor with the given thresholds.
func NewEfficiencyMonitor(thresholds EfficiencyThresholds) *EfficiencyMonitor {
	return &EfficiencyMonitor{
		thresholds: thresholds,
		samples:    make(map[string][]NodeMetrics),
	}
}

// Record stores one node's resource sample under its workflow.
func (m *EfficiencyMonitor) Record(workflowID string, sample NodeMetrics) {
	if sample.RecordedAt.IsZero() {
		sample.RecordedAt = time.Now()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.samples[workflowID] = append(m.samples[workflowID], sample)
}

// Summary aggregates the workflow's samples: duration sums, memory and CPU
// take the max.
func (m *EfficiencyMonitor) Summary(workflowID string) WorkflowSummary {
	m.mu.RLock()
	defer m.mu.RUnlock()

	summary := WorkflowSummary{WorkflowID: workflowID}
	for _, s := range m.samples[workflowID] {
		summary.NodeCount++
		summary.TotalDuration += s.DurationSeconds
		if s.MemoryMB > summary.MaxMemoryMB {
			summary.MaxMemoryMB = s.MemoryMB
		}
		if s.CPUPercent > summary.MaxCPUPercent {
			summary.MaxCPUPercent = s.CPUPercent
		}
	}
	return summary
}

// CheckThresholds returns every breach for the workflow: workflow-level
// duration/memory/CPU plus a per-node slow_execution alert for any node
// over the node duration limit.
func (m *EfficiencyMonitor) CheckThresholds(workflowID string) []Alert {
	summary := m.Summary(workflowID)

	var alerts []Alert
	if summary.TotalDuration > m.thresholds.MaxTotalDurationSeconds {
		alerts = append(alerts, Alert{
			Type:       AlertSlowExecution,
			WorkflowID: workflowID,
			Value:      summary.TotalDuration,
			Threshold:  m.thresholds.MaxTotalDurationSeconds,
		})
	}
	if summary.MaxMemoryMB > m.thresholds.MaxMemoryMB {
		alerts = append(alerts, Alert{
			Type:       AlertMemoryOveruse,
			WorkflowID: workflowID,
			Value:      summary.MaxMemoryMB,
			Threshold:  m.thresholds.MaxMemoryMB,
		})
	}
	if summary.MaxCPUPercent > m.thresholds.MaxCPUPercent {
		alerts = append(alerts, Alert{
			Type:       AlertCPUOveruse,
			WorkflowID: workflowID,
			Value:      summary.MaxCPUPercent,
			Threshold:  m.thresholds.MaxCPUPercent,
		})
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.samples[workflowID] {
		if s.DurationSeconds > m.thresholds.MaxNodeDurationSeconds {
			alerts = append(alerts, Alert{
				Type:       AlertSlowExecution,
				WorkflowID: workflowID,
				NodeID:     s.NodeID,
				Value:      s.DurationSeconds,
				Threshold:  m.thresholds.MaxNodeDurationSeconds,
			})
		}
	}
	return alerts
}

// Reset drops all samples for one workflow.
func (m *EfficiencyMonitor) Reset(workflowID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.samples, workflowID)
}
