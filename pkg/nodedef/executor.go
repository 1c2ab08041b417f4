package nodedef

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"dario.cat/mergo"

	"github.com/triadflow/triad/pkg/bus"
	"github.com/triadflow/triad/pkg/workflow"
)

const eventSource = "nodedef-runner"

// SandboxResult is what a sandbox run produced.
type SandboxResult struct {
	Output   map[string]any
	Stderr   string
	TimedOut bool
}

// CodeSandbox runs a companion script in isolation with input_data bound to
// the node's inputs.
type CodeSandbox interface {
	Run(ctx context.Context, language, script string, inputs map[string]any, timeout time.Duration) (SandboxResult, error)
}

// LLMExecutor runs llm-type definitions.
type LLMExecutor interface {
	ExecuteDefinition(ctx context.Context, def *Definition, inputs map[string]any) (map[string]any, error)
}

// childResult tracks one child execution for aggregation.
type childResult struct {
	name   string
	output map[string]any
	err    error
}

// Runner executes self-describing nodes: leaf definitions dispatch by
// executor_type, composite definitions run their children in parallel or
// sequence and aggregate per output_aggregation.
type Runner struct {
	loader   *Loader
	sandbox  CodeSandbox
	llm      LLMExecutor
	eventBus *bus.Bus
	logger   *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithSandbox installs the code sandbox.
func WithSandbox(s CodeSandbox) RunnerOption {
	return func(r *Runner) { r.sandbox = s }
}

// WithLLMExecutor installs the llm dispatcher.
func WithLLMExecutor(l LLMExecutor) RunnerOption {
	return func(r *Runner) { r.llm = l }
}

// WithBus attaches the event bus.
func WithBus(b *bus.Bus) RunnerOption {
	return func(r *Runner) { r.eventBus = b }
}

// WithLogger sets the runner logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner creates a definition runner over the loader.
func NewRunner(loader *Loader, opts ...RunnerOption) *Runner {
	r := &Runner{loader: loader, logger: slog.Default()}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Execute runs the named definition against inputs and returns the
// structured result. Unknown names and malformed documents fail without
// executing anything.
func (r *Runner) Execute(ctx context.Context, name string, inputs map[string]any) workflow.ExecutionResult {
	started := time.Now()

	def, err := r.loader.Load(name)
	if err != nil {
		code := workflow.ErrCodeInternal
		if errors.Is(err, ErrDefinitionNotFound) || errors.Is(err, os.ErrNotExist) {
			code = workflow.ErrCodeNodeNotFound
		}
		return workflow.Fail(name, code, err.Error(), time.Since(started), 0)
	}

	r.publishStarted(def)

	resolved, err := def.ApplyInputs(inputs)
	if err != nil {
		result := workflow.Fail(name, workflow.ErrCodeValidationFailed, err.Error(), time.Since(started), 0)
		r.publishFinished(def, result)
		return result
	}

	var result workflow.ExecutionResult
	if def.HasChildren() {
		result = r.executeChildren(ctx, def, resolved, started)
	} else {
		result = r.executeLeaf(ctx, def, resolved, started)
	}
	r.publishFinished(def, result)
	return result
}

// NodeExecutor adapts the runner into the workflow engine's executor
// contract, so self-describing types plug into graph execution directly.
func (r *Runner) NodeExecutor() workflow.NodeExecutor {
	return workflow.ExecutorFunc(func(ctx context.Context, _ string, config map[string]any, inputs map[string]any) (map[string]any, error) {
		name, _ := config["definition"].(string)
		if name == "" {
			name, _ = config[workflow.ConfigCustomType].(string)
		}
		if name == "" {
			return nil, workflow.NewExecError(workflow.ErrCodeValidationFailed, "node config names no definition")
		}
		merged := make(map[string]any, len(config)+len(inputs))
		for k, v := range config {
			merged[k] = v
		}
		for k, v := range inputs {
			merged[k] = v
		}
		result := r.Execute(ctx, name, merged)
		if !result.OK {
			return nil, workflow.NewExecError(result.ErrorCode, "%s", result.ErrorMessage)
		}
		output, _ := result.Output.(map[string]any)
		return output, nil
	})
}

func (r *Runner) executeLeaf(ctx context.Context, def *Definition, inputs map[string]any, started time.Time) workflow.ExecutionResult {
	maxAttempts := def.ErrorStrategy.Retry.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var lastErr error
	var lastCode workflow.ErrorCode
	for attempt := 0; attempt < maxAttempts; attempt++ {
		output, code, err := r.dispatch(ctx, def, inputs)
		if err == nil {
			return workflow.Ok(def.Name, output, time.Since(started), attempt)
		}
		lastErr, lastCode = err, code
		if ctx.Err() != nil {
			return workflow.Fail(def.Name, workflow.ErrCodeCancelled, ctx.Err().Error(), time.Since(started), attempt)
		}
		r.logger.Warn("definition attempt failed",
			"definition", def.Name, "attempt", attempt, "error", err)
	}
	return workflow.Fail(def.Name, lastCode, lastErr.Error(), time.Since(started), maxAttempts-1)
}

func (r *Runner) dispatch(ctx context.Context, def *Definition, inputs map[string]any) (map[string]any, workflow.ErrorCode, error) {
	switch def.ExecutorType {
	case ExecutorCode:
		return r.runScript(ctx, def, inputs)
	case ExecutorLLM:
		if r.llm == nil {
			return nil, workflow.ErrCodeInternal, fmt.Errorf("definition %s: no llm executor configured", def.Name)
		}
		output, err := r.llm.ExecuteDefinition(ctx, def, inputs)
		if err != nil {
			return nil, workflow.ErrCodeUpstream, err
		}
		return output, "", nil
	default:
		// Trivial echo for definitions with no runnable body.
		return inputs, "", nil
	}
}

func (r *Runner) runScript(ctx context.Context, def *Definition, inputs map[string]any) (map[string]any, workflow.ErrorCode, error) {
	if r.sandbox == nil {
		return nil, workflow.ErrCodeInternal, fmt.Errorf("definition %s: no sandbox configured", def.Name)
	}
	script, err := r.loader.ScriptPath(def)
	if err != nil {
		return nil, workflow.ErrCodeValidationFailed, err
	}

	timeout := time.Duration(def.Execution.TimeoutSeconds * float64(time.Second))
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	result, err := r.sandbox.Run(ctx, def.Language, script, inputs, timeout)
	if err != nil {
		return nil, workflow.ErrCodeInternal, err
	}
	if result.TimedOut {
		return nil, workflow.ErrCodeTimeout, fmt.Errorf("definition %s: script timed out after %s", def.Name, timeout)
	}
	if result.Stderr != "" {
		return nil, workflow.ErrCodeInternal, fmt.Errorf("definition %s: %s", def.Name, result.Stderr)
	}
	return result.Output, "", nil
}

func (r *Runner) executeChildren(ctx context.Context, def *Definition, inputs map[string]any, started time.Time) workflow.ExecutionResult {
	var results []childResult
	if def.Nested.Parallel {
		results = r.runParallel(ctx, def, inputs)
	} else {
		results = r.runSequential(ctx, def, inputs)
	}

	childrenResults := make(map[string]any, len(results))
	for _, cr := range results {
		if cr.err != nil {
			childrenResults[cr.name] = map[string]any{"error": cr.err.Error()}
		} else {
			childrenResults[cr.name] = cr.output
		}
	}

	onFailure := def.ErrorStrategy.OnFailure
	if onFailure == "" {
		onFailure = OnFailureAbort
	}
	if onFailure == OnFailureAbort {
		for _, cr := range results {
			if cr.err != nil {
				return workflow.ExecutionResult{
					ErrorCode:    workflow.ErrCodeUpstream,
					ErrorMessage: fmt.Sprintf("child %s failed: %v", cr.name, cr.err),
					Output:       map[string]any{"children_results": childrenResults},
					Metadata: workflow.ResultMetadata{
						NodeID:          def.Name,
						ExecutionTimeMS: time.Since(started).Milliseconds(),
					},
				}
			}
		}
	}

	aggregated := aggregate(def.OutputAggregation, results)
	return workflow.Ok(def.Name, aggregated, time.Since(started), 0)
}

func (r *Runner) runParallel(ctx context.Context, def *Definition, inputs map[string]any) []childResult {
	results := make([]childResult, len(def.Nested.Children))
	var wg sync.WaitGroup
	for i, child := range def.Nested.Children {
		wg.Add(1)
		go func(i int, child string) {
			defer wg.Done()
			res := r.Execute(ctx, child, inputs)
			results[i] = toChildResult(child, res)
		}(i, child)
	}
	wg.Wait()
	return results
}

// runSequential threads outputs forward: each successful child's output is
// merged over the accumulated inputs for the next child.
func (r *Runner) runSequential(ctx context.Context, def *Definition, inputs map[string]any) []childResult {
	results := make([]childResult, 0, len(def.Nested.Children))

	acc := make(map[string]any, len(inputs))
	for k, v := range inputs {
		acc[k] = v
	}

	abort := def.ErrorStrategy.OnFailure == "" || def.ErrorStrategy.OnFailure == OnFailureAbort
	for _, child := range def.Nested.Children {
		res := r.Execute(ctx, child, acc)
		cr := toChildResult(child, res)
		results = append(results, cr)
		if cr.err != nil {
			if abort {
				break
			}
			continue
		}
		if err := mergo.Merge(&acc, cr.output, mergo.WithOverride); err != nil {
			r.logger.Warn("merging child output failed",
				"definition", def.Name, "child", child, "error", err)
		}
	}
	return results
}

func toChildResult(name string, res workflow.ExecutionResult) childResult {
	if !res.OK {
		return childResult{name: name, err: fmt.Errorf("%s: %s", res.ErrorCode, res.ErrorMessage)}
	}
	output, _ := res.Output.(map[string]any)
	return childResult{name: name, output: output}
}

// aggregate folds surviving child outputs per the declared strategy.
func aggregate(strategy string, results []childResult) map[string]any {
	switch strategy {
	case AggregateList:
		list := make([]any, 0, len(results))
		for _, cr := range results {
			if cr.err == nil {
				list = append(list, cr.output)
			}
		}
		return map[string]any{"results": list}
	case AggregateFirst:
		for _, cr := range results {
			if cr.err == nil {
				return cr.output
			}
		}
		return map[string]any{}
	case AggregateLast:
		for i := len(results) - 1; i >= 0; i-- {
			if results[i].err == nil {
				return results[i].output
			}
		}
		return map[string]any{}
	default: // merge
		merged := make(map[string]any, len(results))
		for _, cr := range results {
			if cr.err == nil {
				merged[cr.name] = cr.output
			}
		}
		return merged
	}
}

func (r *Runner) publishStarted(def *Definition) {
	if r.eventBus == nil {
		return
	}
	params := make([]string, 0, len(def.Parameters))
	for _, p := range def.Parameters {
		params = append(params, p.Name)
	}
	var children []string
	if def.Nested != nil {
		children = def.Nested.Children
	}
	r.eventBus.Publish(&bus.NodeExecutionEvent{
		BaseEvent: bus.NewBase(eventSource),
		NodeID:    def.Name,
		NodeType:  def.ExecutorType,
		Status:    bus.NodeStatusRunning,
		Inputs: map[string]any{
			"description": def.Description,
			"version":     def.Version,
			"parameters":  params,
			"children":    children,
		},
	})
}

func (r *Runner) publishFinished(def *Definition, result workflow.ExecutionResult) {
	if r.eventBus == nil {
		return
	}
	event := &bus.NodeExecutionEvent{
		BaseEvent: bus.NewBase(eventSource),
		NodeID:    def.Name,
		NodeType:  def.ExecutorType,
	}
	if result.OK {
		event.Status = bus.NodeStatusCompleted
		event.Output = result.Output
	} else {
		event.Status = bus.NodeStatusFailed
		event.Error = result.ErrorMessage
	}
	r.eventBus.Publish(event)
}

