package monitor

import (
	"log/slog"
	"sync"
	"time"

	"github.com/triadflow/triad/pkg/bus"
)

// ReflectionEntry is one stored reflection result.
type ReflectionEntry struct {
	Assessment  string    `json:"assessment"`
	Issues      []string  `json:"issues,omitempty"`
	ShouldRetry bool      `json:"should_retry"`
	Confidence  float64   `json:"confidence"`
	Timestamp   time.Time `json:"timestamp"`
}

// ReflectionSummary is the query view of one workflow's reflections.
type ReflectionSummary struct {
	WorkflowID string            `json:"workflow_id"`
	Latest     *ReflectionEntry  `json:"latest,omitempty"`
	History    []ReflectionEntry `json:"history"`
}

// ReflectionManager stores per-workflow reflection history from bus events.
type ReflectionManager struct {
	mu      sync.Mutex
	records map[string]*ReflectionSummary

	eventBus    *bus.Bus
	sub         *bus.Subscription
	compressSub *bus.Subscription
	logger      *slog.Logger
}

// NewReflectionManager creates a reflection manager.
func NewReflectionManager(eventBus *bus.Bus, logger *slog.Logger) *ReflectionManager {
	if logger == nil {
		logger = slog.Default()
	}
	return &ReflectionManager{
		records:  make(map[string]*ReflectionSummary),
		eventBus: eventBus,
		logger:   logger,
	}
}

// Start subscribes to reflection events, retaining the token.
func (m *ReflectionManager) Start() {
	m.sub = m.eventBus.Subscribe(bus.EventWorkflowReflectionCompleted, m.onReflection)
}

// Stop removes the retained subscriptions.
func (m *ReflectionManager) Stop() {
	if m.sub != nil {
		m.eventBus.Unsubscribe(m.sub)
		m.sub = nil
	}
	if m.compressSub != nil {
		m.eventBus.Unsubscribe(m.compressSub)
		m.compressSub = nil
	}
}

// EnableCompression routes each reflection's summary to fn, replacing any
// previously-installed handler atomically.
func (m *ReflectionManager) EnableCompression(fn Compressor) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.compressSub != nil {
		m.eventBus.Unsubscribe(m.compressSub)
	}
	m.compressSub = m.eventBus.Subscribe(bus.EventWorkflowReflectionCompleted, func(e bus.Event) {
		re, ok := e.(*bus.WorkflowReflectionCompletedEvent)
		if !ok {
			return
		}
		fn(map[string]any{
			"workflow_id":  re.WorkflowID,
			"assessment":   re.Assessment,
			"should_retry": re.ShouldRetry,
			"confidence":   re.Confidence,
		})
	})
}

// DisableCompression removes the compression hook, if any.
func (m *ReflectionManager) DisableCompression() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.compressSub != nil {
		m.eventBus.Unsubscribe(m.compressSub)
		m.compressSub = nil
	}
}

func (m *ReflectionManager) onReflection(e bus.Event) {
	re, ok := e.(*bus.WorkflowReflectionCompletedEvent)
	if !ok {
		return
	}
	entry := ReflectionEntry{
		Assessment:  re.Assessment,
		Issues:      append([]string(nil), re.Issues...),
		ShouldRetry: re.ShouldRetry,
		Confidence:  re.Confidence,
		Timestamp:   re.OccurredAt(),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	record, exists := m.records[re.WorkflowID]
	if !exists {
		record = &ReflectionSummary{WorkflowID: re.WorkflowID}
		m.records[re.WorkflowID] = record
	}
	record.Latest = &entry
	record.History = append(record.History, entry)
}

// Summary returns a deep copy of the workflow's reflection record.
func (m *ReflectionManager) Summary(workflowID string) (*ReflectionSummary, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	record, ok := m.records[workflowID]
	if !ok {
		return nil, false
	}
	out := &ReflectionSummary{
		WorkflowID: record.WorkflowID,
		History:    make([]ReflectionEntry, len(record.History)),
	}
	for i, entry := range record.History {
		out.History[i] = copyEntry(entry)
	}
	if record.Latest != nil {
		latest := copyEntry(*record.Latest)
		out.Latest = &latest
	}
	return out, true
}

func copyEntry(e ReflectionEntry) ReflectionEntry {
	e.Issues = append([]string(nil), e.Issues...)
	return e
}
