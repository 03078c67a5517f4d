package workflow

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/BaSui01/dagflow/types"
)

// ErrNotFound is wrapped by lookups for unknown definitions and executions.
var ErrNotFound = errors.New("not found")

// GraphErrorKind classifies a GraphValidationError.
type GraphErrorKind string

const (
	// DuplicateStepName means two steps share a name
	DuplicateStepName GraphErrorKind = "duplicate_step_name"
	// UnknownDependency means a step references a step that does not exist
	UnknownDependency GraphErrorKind = "unknown_dependency"
	// CircularDependency means the dependency graph contains a cycle
	CircularDependency GraphErrorKind = "circular_dependency"
	// InvalidStep means a step is malformed (type, config, condition)
	InvalidStep GraphErrorKind = "invalid_step"
)

// GraphValidationError is returned when a definition cannot be compiled.
type GraphValidationError struct {
	Kind   GraphErrorKind `json:"kind"`
	Steps  []string       `json:"steps,omitempty"`
	Detail string         `json:"detail"`
}

func (e *GraphValidationError) Error() string {
	if len(e.Steps) > 0 {
		return fmt.Sprintf("graph validation failed (%s) [%s]: %s", e.Kind, strings.Join(e.Steps, ", "), e.Detail)
	}
	return fmt.Sprintf("graph validation failed (%s): %s", e.Kind, e.Detail)
}

// Code implements types.Coded.
func (e *GraphValidationError) Code() types.ErrorCode { return types.ErrGraphValidation }

func graphError(kind GraphErrorKind, detail string, steps ...string) *GraphValidationError {
	return &GraphValidationError{Kind: kind, Steps: steps, Detail: detail}
}

// InvalidInputError lists every input variable problem found before an
// execution is created.
type InvalidInputError struct {
	Problems []string `json:"problems"`
}

func (e *InvalidInputError) Error() string {
	return "invalid input variables: " + strings.Join(e.Problems, "; ")
}

// Code implements types.Coded.
func (e *InvalidInputError) Code() types.ErrorCode { return types.ErrInvalidInput }

// UnboundVariableError is returned when a condition references a variable
// that has no binding in the execution.
type UnboundVariableError struct {
	Variable string `json:"variable"`
}

func (e *UnboundVariableError) Error() string {
	return fmt.Sprintf("unbound variable: %s", e.Variable)
}

// Code implements types.Coded.
func (e *UnboundVariableError) Code() types.ErrorCode { return types.ErrUnboundVariable }

// Retryable reports false: the bindings do not change between attempts.
func (e *UnboundVariableError) Retryable() bool { return false }

// NoEligibleAgentError is returned when no agent instance satisfies an
// assignment request.
type NoEligibleAgentError struct {
	Step         string         `json:"step"`
	Capabilities []string       `json:"capabilities,omitempty"`
	Strategy     AssignStrategy `json:"strategy"`
	Reason       string         `json:"reason,omitempty"`
}

func (e *NoEligibleAgentError) Error() string {
	msg := fmt.Sprintf("no eligible agent for step %s (strategy=%s, capabilities=%v)", e.Step, e.Strategy, e.Capabilities)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

// Code implements types.Coded.
func (e *NoEligibleAgentError) Code() types.ErrorCode { return types.ErrNoEligibleAgent }

// Retryable reports true: agents may come online between attempts.
func (e *NoEligibleAgentError) Retryable() bool { return true }

// StepTimeoutError is returned when a single attempt exceeds its timeout.
type StepTimeoutError struct {
	Step    string        `json:"step"`
	Attempt int           `json:"attempt"`
	Timeout time.Duration `json:"timeout"`
}

func (e *StepTimeoutError) Error() string {
	return fmt.Sprintf("step %s attempt %d timed out after %s", e.Step, e.Attempt, e.Timeout)
}

// Code implements types.Coded.
func (e *StepTimeoutError) Code() types.ErrorCode { return types.ErrStepTimeout }

// Retryable reports true.
func (e *StepTimeoutError) Retryable() bool { return true }

// ApprovalTimeoutError terminates an execution whose approval gate was never
// acknowledged.
type ApprovalTimeoutError struct {
	ExecutionID string        `json:"execution_id"`
	Step        string        `json:"step,omitempty"`
	Timeout     time.Duration `json:"timeout"`
}

func (e *ApprovalTimeoutError) Error() string {
	if e.Step == "" {
		return fmt.Sprintf("execution %s: approval not received within %s", e.ExecutionID, e.Timeout)
	}
	return fmt.Sprintf("execution %s: approval for step %s not received within %s", e.ExecutionID, e.Step, e.Timeout)
}

// Code implements types.Coded.
func (e *ApprovalTimeoutError) Code() types.ErrorCode { return types.ErrApprovalTimeout }

// NotCancellableError is returned by Cancel for terminal executions.
type NotCancellableError struct {
	ExecutionID string          `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
}

func (e *NotCancellableError) Error() string {
	return fmt.Sprintf("execution %s is %s and cannot be cancelled", e.ExecutionID, e.Status)
}

// Code implements types.Coded.
func (e *NotCancellableError) Code() types.ErrorCode { return types.ErrNotCancellable }

// NotAwaitingApprovalError is returned by Approve when no gate is open.
type NotAwaitingApprovalError struct {
	ExecutionID string          `json:"execution_id"`
	Status      ExecutionStatus `json:"status"`
}

func (e *NotAwaitingApprovalError) Error() string {
	return fmt.Sprintf("execution %s is %s, not awaiting approval", e.ExecutionID, e.Status)
}

// Code implements types.Coded.
func (e *NotAwaitingApprovalError) Code() types.ErrorCode { return types.ErrNotAwaitingApproval }

type permanentError struct {
	err error
}

func (e *permanentError) Error() string   { return e.err.Error() }
func (e *permanentError) Unwrap() error   { return e.err }
func (e *permanentError) Retryable() bool { return false }

// Permanent marks a handler error as not worth retrying. The step fails on
// the current attempt regardless of its max_retries.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return &permanentError{err: err}
}

// isRetryable classifies a step attempt error. Errors that say nothing about
// themselves are retried per policy.
func isRetryable(err error) bool {
	var r interface{ Retryable() bool }
	if errors.As(err, &r) {
		return r.Retryable()
	}
	var te *types.Error
	if errors.As(err, &te) {
		return te.Retryable
	}
	return true
}

func errorCode(err error) string {
	return string(types.GetErrorCode(err))
}
