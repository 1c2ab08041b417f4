// Package wfcontext provides the hierarchical execution context tree:
// one global manager per user owns sessions, sessions own workflow contexts,
// and a workflow context stores the outputs produced by its nodes. Contexts
// are created when a workflow begins and destroyed explicitly; there is no
// cross-workflow visibility.
package wfcontext

import (
	"sync"
)

// Manager is the global (per-user) context root.
type Manager struct {
	mu       sync.RWMutex
	userID   string
	sessions map[string]*Session
}

// NewManager creates the global context for one user.
func NewManager(userID string) *Manager {
	return &Manager{
		userID:   userID,
		sessions: make(map[string]*Session),
	}
}

// UserID returns the owning user identifier.
func (m *Manager) UserID() string { return m.userID }

// Session returns the session context for id, creating it on first use.
func (m *Manager) Session(id string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		s = &Session{id: id, workflows: make(map[string]*Workflow)}
		m.sessions[id] = s
	}
	return s
}

// DestroySession removes the session and every workflow context it owns.
func (m *Manager) DestroySession(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, id)
}

// SessionCount returns the number of live sessions.
func (m *Manager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Session scopes workflow contexts to one conversation session.
type Session struct {
	mu        sync.RWMutex
	id        string
	workflows map[string]*Workflow
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// Workflow returns the workflow context for id, creating it on first use.
func (s *Session) Workflow(id string) *Workflow {
	s.mu.Lock()
	defer s.mu.Unlock()
	w, ok := s.workflows[id]
	if !ok {
		w = NewWorkflow(id)
		s.workflows[id] = w
	}
	return w
}

// DestroyWorkflow removes one workflow context and its stored outputs.
func (s *Session) DestroyWorkflow(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.workflows, id)
}

// WorkflowCount returns the number of live workflow contexts.
func (s *Session) WorkflowCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.workflows)
}

// Workflow stores per-workflow execution state: the last output produced by
// each node, plus free-form variables that feed condition evaluation. It is
// accessed only by the executor task tree of its workflow; the mutex exists
// for parallel child execution within that tree.
type Workflow struct {
	mu      sync.RWMutex
	id      string
	outputs map[string]any
	vars    map[string]any
}

// NewWorkflow creates a standalone workflow context. Engine code uses this
// directly when no session scoping is needed.
func NewWorkflow(id string) *Workflow {
	return &Workflow{
		id:      id,
		outputs: make(map[string]any),
		vars:    make(map[string]any),
	}
}

// ID returns the workflow identifier.
func (w *Workflow) ID() string { return w.id }

// SetNodeOutput stores the output a node produced, replacing any previous
// value for that node.
func (w *Workflow) SetNodeOutput(nodeID string, output any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.outputs[nodeID] = output
}

// NodeOutput returns the last stored output for nodeID. The second return
// is false when the node has not produced an output.
func (w *Workflow) NodeOutput(nodeID string) (any, bool) {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out, ok := w.outputs[nodeID]
	return out, ok
}

// NodeOutputs returns a shallow copy of the full output map.
func (w *Workflow) NodeOutputs() map[string]any {
	w.mu.RLock()
	defer w.mu.RUnlock()
	out := make(map[string]any, len(w.outputs))
	for k, v := range w.outputs {
		out[k] = v
	}
	return out
}

// SetVar stores a workflow-scoped variable used by edge condition scopes.
func (w *Workflow) SetVar(key string, value any) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.vars[key] = value
}

// Vars returns a shallow copy of the workflow variable bag.
func (w *Workflow) Vars() map[string]any {
	w.mu.RLock()
	defer w.mu.RUnlock()
	vars := make(map[string]any, len(w.vars))
	for k, v := range w.vars {
		vars[k] = v
	}
	return vars
}
