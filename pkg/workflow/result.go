package workflow

import (
	"time"
)

// ErrorCode classifies an execution failure.
type ErrorCode string

// Error codes surfaced by node execution.
const (
	ErrCodeInternal         ErrorCode = "INTERNAL_ERROR"
	ErrCodeValidationFailed ErrorCode = "VALIDATION_FAILED"
	ErrCodeTimeout          ErrorCode = "TIMEOUT"
	ErrCodeRateLimit        ErrorCode = "RATE_LIMIT"
	ErrCodeUpstream         ErrorCode = "UPSTREAM_ERROR"
	ErrCodeCancelled        ErrorCode = "CANCELLED"
	ErrCodeNodeNotFound     ErrorCode = "NODE_NOT_FOUND"
	ErrCodeCycleDetected    ErrorCode = "CYCLE_DETECTED"
)

// ResultMetadata always accompanies an execution result.
type ResultMetadata struct {
	NodeID          string `json:"node_id"`
	ExecutionTimeMS int64  `json:"execution_time_ms"`
	RetryCount      int    `json:"retry_count"`
}

// ExecutionResult is the discriminated outcome of one node execution:
// either Ok with an output, or Failure with a code and message. Check OK
// rather than probing optional fields.
type ExecutionResult struct {
	OK           bool           `json:"ok"`
	Output       any            `json:"output,omitempty"`
	ErrorCode    ErrorCode      `json:"error_code,omitempty"`
	ErrorMessage string         `json:"error_message,omitempty"`
	Metadata     ResultMetadata `json:"metadata"`
}

// Ok builds a success result.
func Ok(nodeID string, output any, elapsed time.Duration, retries int) ExecutionResult {
	return ExecutionResult{
		OK:     true,
		Output: output,
		Metadata: ResultMetadata{
			NodeID:          nodeID,
			ExecutionTimeMS: elapsed.Milliseconds(),
			RetryCount:      retries,
		},
	}
}

// Fail builds a failure result.
func Fail(nodeID string, code ErrorCode, message string, elapsed time.Duration, retries int) ExecutionResult {
	return ExecutionResult{
		ErrorCode:    code,
		ErrorMessage: message,
		Metadata: ResultMetadata{
			NodeID:          nodeID,
			ExecutionTimeMS: elapsed.Milliseconds(),
			RetryCount:      retries,
		},
	}
}

// RetryPolicy governs re-execution of failed nodes. The delay before retry
// attempt n is BaseDelay * BackoffFactor^n.
type RetryPolicy struct {
	MaxRetries     int           `json:"max_retries"`
	BaseDelay      time.Duration `json:"base_delay"`
	BackoffFactor  float64       `json:"backoff_factor"`
	RetryableCodes []ErrorCode   `json:"retryable_codes"`
}

// DefaultRetryPolicy retries transient failures twice with exponential
// backoff.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:    2,
		BaseDelay:     500 * time.Millisecond,
		BackoffFactor: 2.0,
		RetryableCodes: []ErrorCode{
			ErrCodeTimeout, ErrCodeRateLimit, ErrCodeUpstream,
		},
	}
}

// ShouldRetry reports whether a failure with code after attempt (0-based)
// warrants another try.
func (p RetryPolicy) ShouldRetry(code ErrorCode, attempt int) bool {
	if attempt >= p.MaxRetries {
		return false
	}
	for _, retryable := range p.RetryableCodes {
		if retryable == code {
			return true
		}
	}
	return false
}

// Delay returns the backoff before retry attempt (0-based).
func (p RetryPolicy) Delay(attempt int) time.Duration {
	delay := float64(p.BaseDelay)
	for i := 0; i < attempt; i++ {
		delay *= p.BackoffFactor
	}
	return time.Duration(delay)
}

// WorkflowResult is the user-visible outcome of one workflow run.
type WorkflowResult struct {
	Success       bool           `json:"success"`
	Summary       string         `json:"summary"`
	WorkflowID    string         `json:"workflow_id"`
	ExecutedNodes []string       `json:"executed_nodes"`
	SkippedNodes  []string       `json:"skipped_nodes,omitempty"`
	FailedNode    string         `json:"failed_node,omitempty"`
	ErrorCode     ErrorCode      `json:"error_code,omitempty"`
	ErrorMessage  string         `json:"error_message,omitempty"`
	Diagnostics   map[string]any `json:"diagnostics,omitempty"`
	ExecutionTime time.Duration  `json:"execution_time"`
	Outputs       map[string]any `json:"outputs,omitempty"`
}
