package workflow

import (
	"context"
	"fmt"
	"sync"
)

// NodeExecutor runs one node. Implementations exist per integration (HTTP,
// DB, LLM, container, sandbox); the engine assumes nothing beyond this
// signature. A returned error should wrap an *ExecError when the
// implementation can classify the failure.
type NodeExecutor interface {
	Execute(ctx context.Context, nodeID string, config map[string]any, inputs map[string]any) (map[string]any, error)
}

// ExecutorFunc adapts a function to NodeExecutor.
type ExecutorFunc func(ctx context.Context, nodeID string, config map[string]any, inputs map[string]any) (map[string]any, error)

// Execute implements NodeExecutor.
func (f ExecutorFunc) Execute(ctx context.Context, nodeID string, config map[string]any, inputs map[string]any) (map[string]any, error) {
	return f(ctx, nodeID, config, inputs)
}

// ExecError is a classified execution failure. Executors return it (wrapped
// or bare) so the retry policy can decide on the error code.
type ExecError struct {
	Code    ErrorCode
	Message string
}

// Error implements error.
func (e *ExecError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewExecError builds a classified execution error.
func NewExecError(code ErrorCode, format string, args ...any) *ExecError {
	return &ExecError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// ExecutorRegistry maps node types to executors. Dispatch resolves the
// (declared type, _custom_type, is_container) triple explicitly: container
// nodes go to the container executor, then the custom type, then the
// declared type, then the registry default.
type ExecutorRegistry struct {
	mu        sync.RWMutex
	executors map[NodeType]NodeExecutor
	container NodeExecutor
	fallback  NodeExecutor
}

// NewExecutorRegistry creates a registry whose default executor echoes
// inputs, so START/END and data-relay nodes work without registration.
func NewExecutorRegistry() *ExecutorRegistry {
	return &ExecutorRegistry{
		executors: make(map[NodeType]NodeExecutor),
		fallback: ExecutorFunc(func(_ context.Context, _ string, _ map[string]any, inputs map[string]any) (map[string]any, error) {
			if inputs == nil {
				inputs = map[string]any{}
			}
			return inputs, nil
		}),
	}
}

// Register installs the executor for a node type.
func (r *ExecutorRegistry) Register(t NodeType, executor NodeExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.executors[t] = executor
}

// RegisterContainer installs the executor used for is_container nodes.
func (r *ExecutorRegistry) RegisterContainer(executor NodeExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.container = executor
}

// SetDefault replaces the fallback executor.
func (r *ExecutorRegistry) SetDefault(executor NodeExecutor) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = executor
}

// Resolve picks the executor for a node per the dispatch triple.
func (r *ExecutorRegistry) Resolve(node *Node) (NodeExecutor, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if node.IsContainer() {
		if r.container == nil {
			return nil, fmt.Errorf("node %s is a container but no container executor is registered", node.ID)
		}
		return r.container, nil
	}
	if executor, ok := r.executors[node.EffectiveType()]; ok {
		return executor, nil
	}
	if executor, ok := r.executors[node.Type]; ok {
		return executor, nil
	}
	if r.fallback != nil {
		return r.fallback, nil
	}
	return nil, fmt.Errorf("no executor registered for node type %s", node.EffectiveType())
}
