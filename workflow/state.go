package workflow

import (
	"time"
)

// ExecutionStatus is the status of a workflow execution
type ExecutionStatus string

const (
	ExecutionPending          ExecutionStatus = "pending"
	ExecutionRunning          ExecutionStatus = "running"
	ExecutionAwaitingApproval ExecutionStatus = "awaiting_approval"
	ExecutionCompleted        ExecutionStatus = "completed"
	ExecutionFailed           ExecutionStatus = "failed"
	ExecutionCancelled        ExecutionStatus = "cancelled"
)

// IsTerminal reports whether the execution can no longer change.
func (s ExecutionStatus) IsTerminal() bool {
	return s == ExecutionCompleted || s == ExecutionFailed || s == ExecutionCancelled
}

// StepStatus is the status of a step execution
type StepStatus string

const (
	StepPending   StepStatus = "pending"
	StepRunning   StepStatus = "running"
	StepCompleted StepStatus = "completed"
	StepFailed    StepStatus = "failed"
	StepSkipped   StepStatus = "skipped"
	StepCancelled StepStatus = "cancelled"
)

// IsTerminal reports whether the step can no longer change.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped, StepCancelled:
		return true
	}
	return false
}

// CanTransition reports whether from → to is a legal step transition.
// Retries stay in running and only bump the attempt count.
func (s StepStatus) CanTransition(to StepStatus) bool {
	switch s {
	case StepPending:
		return to == StepRunning || to == StepSkipped || to == StepCancelled
	case StepRunning:
		return to == StepCompleted || to == StepFailed || to == StepCancelled
	}
	return false
}

// Execution is one run of a definition.
type Execution struct {
	ID                string          `json:"id"`
	DefinitionID      string          `json:"definition_id"`
	DefinitionVersion string          `json:"definition_version,omitempty"`
	Status            ExecutionStatus `json:"status"`
	InputVariables    map[string]any  `json:"input_variables,omitempty"`
	StartedAt         *time.Time      `json:"started_at,omitempty"`
	CompletedAt       *time.Time      `json:"completed_at,omitempty"`
	Error             string          `json:"error,omitempty"`
	// PendingApproval is the gated step id, or "*" for the definition gate.
	PendingApproval string    `json:"pending_approval,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// DefinitionGate is the PendingApproval value of a definition-level gate.
const DefinitionGate = "*"

// Clone returns a copy safe to hand to observers.
func (e *Execution) Clone() *Execution {
	if e == nil {
		return nil
	}
	cp := *e
	if e.InputVariables != nil {
		cp.InputVariables = make(map[string]any, len(e.InputVariables))
		for k, v := range e.InputVariables {
			cp.InputVariables[k] = v
		}
	}
	cp.StartedAt = cloneTime(e.StartedAt)
	cp.CompletedAt = cloneTime(e.CompletedAt)
	return &cp
}

// StepExecution is the record of one step within an execution. Retries
// reuse the record and increment AttemptCount.
type StepExecution struct {
	ID              string     `json:"id"`
	ExecutionID     string     `json:"execution_id"`
	StepID          string     `json:"step_id"`
	StepName        string     `json:"step_name"`
	Status          StepStatus `json:"status"`
	AttemptCount    int        `json:"attempt_count"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	Output          any        `json:"output,omitempty"`
	Error           string     `json:"error,omitempty"`
	AgentInstanceID string     `json:"agent_instance_id,omitempty"`
	// Degraded marks a best-effort step that failed; dependents saw it as completed.
	Degraded bool `json:"degraded,omitempty"`
}

// Clone returns a copy safe to hand to observers.
func (s *StepExecution) Clone() *StepExecution {
	if s == nil {
		return nil
	}
	cp := *s
	cp.StartedAt = cloneTime(s.StartedAt)
	cp.CompletedAt = cloneTime(s.CompletedAt)
	return &cp
}

// ExecutionStatusView is the result of Engine.GetStatus.
type ExecutionStatusView struct {
	ExecutionID     string                `json:"execution_id"`
	Status          ExecutionStatus       `json:"status"`
	Steps           map[string]StepStatus `json:"per_step_status"`
	Error           string                `json:"error,omitempty"`
	PendingApproval string                `json:"pending_approval,omitempty"`
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

func timePtr(t time.Time) *time.Time { return &t }
