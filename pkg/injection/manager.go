// Package injection implements the context injection manager: a per-session
// priority queue of typed context fragments the supervisor hands to the
// planner at defined points of its loop.
package injection

import (
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/triadflow/triad/pkg/bus"
)

// Type classifies an injection by purpose.
type Type string

// Injection types.
const (
	TypeWarning      Type = "WARNING"
	TypeIntervention Type = "INTERVENTION"
	TypeMemory       Type = "MEMORY"
	TypeObservation  Type = "OBSERVATION"
	TypeSupplement   Type = "SUPPLEMENT"
)

// Point is where in the planner loop an injection is delivered.
type Point string

// Injection points.
const (
	PointPreLoop      Point = "PRE_LOOP"
	PointPreThinking  Point = "PRE_THINKING"
	PointPostThinking Point = "POST_THINKING"
	PointIntervention Point = "INTERVENTION"
)

// PointFor maps an injection type to its delivery point: warnings surface
// just before thinking, interventions at the intervention point, everything
// else ahead of the loop.
func PointFor(t Type) Point {
	switch t {
	case TypeWarning:
		return PointPreThinking
	case TypeIntervention:
		return PointIntervention
	default:
		return PointPreLoop
	}
}

// Injection is one queued context fragment.
type Injection struct {
	ID        string         `json:"id"`
	SessionID string         `json:"session_id"`
	Type      Type           `json:"injection_type"`
	Point     Point          `json:"injection_point"`
	Content   string         `json:"content"`
	Source    string         `json:"source,omitempty"`
	Reason    string         `json:"reason,omitempty"`
	Priority  int            `json:"priority"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	CreatedAt time.Time      `json:"created_at"`
}

// Option customizes one injection.
type Option func(*Injection)

// WithSource tags the injecting component.
func WithSource(source string) Option {
	return func(i *Injection) { i.Source = source }
}

// WithReason records why the injection was created.
func WithReason(reason string) Option {
	return func(i *Injection) { i.Reason = reason }
}

// WithPriority overrides the default priority (lower drains first).
func WithPriority(priority int) Option {
	return func(i *Injection) { i.Priority = priority }
}

// WithPoint overrides the delivery point derived from the injection type.
func WithPoint(point Point) Option {
	return func(i *Injection) { i.Point = point }
}

// WithMetadata attaches free-form metadata.
func WithMetadata(md map[string]any) Option {
	return func(i *Injection) { i.Metadata = md }
}

// Manager queues injections per session and drains them per injection
// point in priority order.
type Manager struct {
	mu       sync.Mutex
	queues   map[string][]*Injection // keyed by session id
	eventBus *bus.Bus
	logger   *slog.Logger
}

// NewManager creates an injection manager. The bus is optional.
func NewManager(eventBus *bus.Bus, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		queues:   make(map[string][]*Injection),
		eventBus: eventBus,
		logger:   logger,
	}
}

// Inject queues a typed injection for the session; the delivery point
// derives from the type.
func (m *Manager) Inject(sessionID string, t Type, content string, opts ...Option) *Injection {
	inj := &Injection{
		ID:        uuid.NewString(),
		SessionID: sessionID,
		Type:      t,
		Point:     PointFor(t),
		Content:   content,
		Priority:  50,
		CreatedAt: time.Now(),
	}
	for _, opt := range opts {
		opt(inj)
	}

	m.mu.Lock()
	m.queues[sessionID] = append(m.queues[sessionID], inj)
	m.mu.Unlock()

	if m.eventBus != nil {
		m.eventBus.Publish(&bus.ContextInjectionEvent{
			BaseEvent:      bus.NewBase("injection-manager"),
			SessionID:      sessionID,
			InjectionType:  string(inj.Type),
			InjectionPoint: string(inj.Point),
			Reason:         inj.Reason,
			Priority:       inj.Priority,
		})
	}
	m.logger.Debug("context injection queued",
		"session_id", sessionID, "type", t, "point", inj.Point, "priority", inj.Priority)
	return inj
}

// PendingInjections drains and returns the session's queued injections for
// one injection point, lowest priority value first. Ties keep insertion
// order. Injections for other points stay queued.
func (m *Manager) PendingInjections(sessionID string, point Point) []*Injection {
	m.mu.Lock()
	defer m.mu.Unlock()

	queue := m.queues[sessionID]
	var drained, remaining []*Injection
	for _, inj := range queue {
		if inj.Point == point {
			drained = append(drained, inj)
		} else {
			remaining = append(remaining, inj)
		}
	}
	m.queues[sessionID] = remaining

	sort.SliceStable(drained, func(i, j int) bool {
		return drained[i].Priority < drained[j].Priority
	})
	return drained
}

// PendingCount returns the number of queued injections for a session.
func (m *Manager) PendingCount(sessionID string) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.queues[sessionID])
}

// ClearSession drops every queued injection for the session.
func (m *Manager) ClearSession(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.queues, sessionID)
}

// coalesce keeps the legacy calling convention alive: callers pass the text
// positionally or via a content option value; the first non-empty wins.
func coalesce(positional, keyword string) string {
	if positional != "" {
		return positional
	}
	return keyword
}

// InjectWarning queues a WARNING. warningMessage and content follow the
// legacy positional-or-keyword contract; ruleID, when set, defaults the
// reason.
func (m *Manager) InjectWarning(sessionID, warningMessage, content, ruleID string, opts ...Option) *Injection {
	text := coalesce(warningMessage, content)
	all := opts
	if ruleID != "" {
		all = append([]Option{WithReason("rule " + ruleID + " triggered")}, opts...)
	}
	return m.Inject(sessionID, TypeWarning, text, all...)
}

// InjectIntervention queues an INTERVENTION.
func (m *Manager) InjectIntervention(sessionID, interventionMessage, content string, opts ...Option) *Injection {
	return m.Inject(sessionID, TypeIntervention, coalesce(interventionMessage, content), opts...)
}

// InjectMemory queues a MEMORY fragment.
func (m *Manager) InjectMemory(sessionID, memory, content string, opts ...Option) *Injection {
	return m.Inject(sessionID, TypeMemory, coalesce(memory, content), opts...)
}

// InjectObservation queues an OBSERVATION.
func (m *Manager) InjectObservation(sessionID, observation, content string, opts ...Option) *Injection {
	return m.Inject(sessionID, TypeObservation, coalesce(observation, content), opts...)
}

// InjectSupplement queues a SUPPLEMENT.
func (m *Manager) InjectSupplement(sessionID, supplement, content string, opts ...Option) *Injection {
	return m.Inject(sessionID, TypeSupplement, coalesce(supplement, content), opts...)
}
