package supervision

import (
	"fmt"
	"sort"
	"sync"
)

// Strategy actions.
const (
	StrategyWarn      = "warn"
	StrategyBlock     = "block"
	StrategyTerminate = "terminate"
	StrategyLog       = "log"
)

// Strategy is a named response to a trigger condition.
type Strategy struct {
	Name              string         `json:"name"`
	TriggerConditions []string       `json:"trigger_conditions"`
	Action            string         `json:"action"`
	Priority          int            `json:"priority"`
	ActionParams      map[string]any `json:"action_params,omitempty"`
	Enabled           bool           `json:"enabled"`
}

// StrategyRepository holds registered supervision strategies.
type StrategyRepository struct {
	mu         sync.RWMutex
	strategies map[string]*Strategy
	order      []string
}

// NewStrategyRepository creates an empty repository.
func NewStrategyRepository() *StrategyRepository {
	return &StrategyRepository{strategies: make(map[string]*Strategy)}
}

// Register adds a strategy; re-registering an existing name is an error.
func (r *StrategyRepository) Register(s *Strategy) error {
	if s.Name == "" {
		return fmt.Errorf("strategy must have a name")
	}
	switch s.Action {
	case StrategyWarn, StrategyBlock, StrategyTerminate, StrategyLog:
	default:
		return fmt.Errorf("strategy %s: unknown action %q", s.Name, s.Action)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.strategies[s.Name]; exists {
		return fmt.Errorf("strategy %s already registered", s.Name)
	}
	r.strategies[s.Name] = s
	r.order = append(r.order, s.Name)
	return nil
}

// SetEnabled toggles a strategy.
func (r *StrategyRepository) SetEnabled(name string, enabled bool) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.strategies[name]
	if !ok {
		return fmt.Errorf("strategy %s not found", name)
	}
	s.Enabled = enabled
	return nil
}

// FindByCondition returns enabled strategies whose trigger set contains
// cond exactly, ascending by priority.
func (r *StrategyRepository) FindByCondition(cond string) []*Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var matched []*Strategy
	for _, name := range r.order {
		s := r.strategies[name]
		if !s.Enabled {
			continue
		}
		for _, trigger := range s.TriggerConditions {
			if trigger == cond {
				matched = append(matched, s)
				break
			}
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		return matched[i].Priority < matched[j].Priority
	})
	return matched
}

// List returns every registered strategy in registration order.
func (r *StrategyRepository) List() []*Strategy {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Strategy, 0, len(r.order))
	for _, name := range r.order {
		out = append(out, r.strategies[name])
	}
	return out
}
