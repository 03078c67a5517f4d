package store

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/BaSui01/dagflow/workflow"
)

// definitionRecord 保存定义的可查询列与完整 JSON 文档。
// 布尔和计数列不设默认值，否则 GORM 会把零值替换为默认值写入。
type definitionRecord struct {
	ID          string    `gorm:"primaryKey;size:64"`
	Name        string    `gorm:"size:255;not null;index:idx_workflow_definitions_name"`
	Version     string    `gorm:"size:64"`
	Description string    `gorm:"type:text"`
	IsActive    bool      `gorm:"not null"`
	Body        string    `gorm:"type:text;not null"`
	CreatedAt   time.Time `gorm:"index:idx_workflow_definitions_created_at"`
	UpdatedAt   time.Time `gorm:"autoUpdateTime:false"`
}

func (definitionRecord) TableName() string {
	return "workflow_definitions"
}

type executionRecord struct {
	ID                string `gorm:"primaryKey;size:64"`
	DefinitionID      string `gorm:"size:64;not null;index:idx_workflow_executions_definition_id"`
	DefinitionVersion string `gorm:"size:64"`
	Status            string `gorm:"size:32;not null;index:idx_workflow_executions_status"`
	InputVariables    string `gorm:"type:text"`
	StartedAt         *time.Time
	CompletedAt       *time.Time
	Error             string    `gorm:"type:text"`
	PendingApproval   string    `gorm:"size:64"`
	CreatedAt         time.Time `gorm:"index:idx_workflow_executions_created_at"`
	UpdatedAt         time.Time `gorm:"autoUpdateTime:false"`
}

func (executionRecord) TableName() string {
	return "workflow_executions"
}

type stepExecutionRecord struct {
	ExecutionID     string `gorm:"primaryKey;size:64"`
	StepID          string `gorm:"primaryKey;size:64"`
	ID              string `gorm:"size:64;not null"`
	StepName        string `gorm:"size:255;not null"`
	Status          string `gorm:"size:32;not null"`
	AttemptCount    int    `gorm:"not null"`
	StartedAt       *time.Time
	CompletedAt     *time.Time
	Output          string `gorm:"type:text"`
	Error           string `gorm:"type:text"`
	AgentInstanceID string `gorm:"size:64"`
	Degraded        bool   `gorm:"not null"`
}

func (stepExecutionRecord) TableName() string {
	return "workflow_step_executions"
}

// --- 领域对象与记录之间的转换 ---

func toDefinitionRecord(def *workflow.Definition) (*definitionRecord, error) {
	body, err := json.Marshal(def)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal definition: %w", err)
	}
	return &definitionRecord{
		ID:          def.ID,
		Name:        def.Name,
		Version:     def.Version,
		Description: def.Description,
		IsActive:    def.IsActive,
		Body:        string(body),
		CreatedAt:   def.CreatedAt,
		UpdatedAt:   def.UpdatedAt,
	}, nil
}

func (r *definitionRecord) toDefinition() (*workflow.Definition, error) {
	var def workflow.Definition
	if err := json.Unmarshal([]byte(r.Body), &def); err != nil {
		return nil, fmt.Errorf("failed to unmarshal definition %s: %w", r.ID, err)
	}
	def.ID = r.ID
	def.IsActive = r.IsActive
	def.CreatedAt = r.CreatedAt
	def.UpdatedAt = r.UpdatedAt
	return &def, nil
}

func toExecutionRecord(e *workflow.Execution) (*executionRecord, error) {
	vars, err := marshalOptional(e.InputVariables)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal input variables: %w", err)
	}
	createdAt := e.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now()
	}
	return &executionRecord{
		ID:                e.ID,
		DefinitionID:      e.DefinitionID,
		DefinitionVersion: e.DefinitionVersion,
		Status:            string(e.Status),
		InputVariables:    vars,
		StartedAt:         e.StartedAt,
		CompletedAt:       e.CompletedAt,
		Error:             e.Error,
		PendingApproval:   e.PendingApproval,
		CreatedAt:         createdAt,
		UpdatedAt:         e.UpdatedAt,
	}, nil
}

func (r *executionRecord) toExecution() (*workflow.Execution, error) {
	e := &workflow.Execution{
		ID:                r.ID,
		DefinitionID:      r.DefinitionID,
		DefinitionVersion: r.DefinitionVersion,
		Status:            workflow.ExecutionStatus(r.Status),
		StartedAt:         r.StartedAt,
		CompletedAt:       r.CompletedAt,
		Error:             r.Error,
		PendingApproval:   r.PendingApproval,
		CreatedAt:         r.CreatedAt,
		UpdatedAt:         r.UpdatedAt,
	}
	if r.InputVariables != "" {
		if err := json.Unmarshal([]byte(r.InputVariables), &e.InputVariables); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input variables of %s: %w", r.ID, err)
		}
	}
	return e, nil
}

func toStepExecutionRecord(s *workflow.StepExecution) (*stepExecutionRecord, error) {
	out, err := marshalOptional(s.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal step output: %w", err)
	}
	return &stepExecutionRecord{
		ExecutionID:     s.ExecutionID,
		StepID:          s.StepID,
		ID:              s.ID,
		StepName:        s.StepName,
		Status:          string(s.Status),
		AttemptCount:    s.AttemptCount,
		StartedAt:       s.StartedAt,
		CompletedAt:     s.CompletedAt,
		Output:          out,
		Error:           s.Error,
		AgentInstanceID: s.AgentInstanceID,
		Degraded:        s.Degraded,
	}, nil
}

func (r *stepExecutionRecord) toStepExecution() (*workflow.StepExecution, error) {
	s := &workflow.StepExecution{
		ID:              r.ID,
		ExecutionID:     r.ExecutionID,
		StepID:          r.StepID,
		StepName:        r.StepName,
		Status:          workflow.StepStatus(r.Status),
		AttemptCount:    r.AttemptCount,
		StartedAt:       r.StartedAt,
		CompletedAt:     r.CompletedAt,
		Error:           r.Error,
		AgentInstanceID: r.AgentInstanceID,
		Degraded:        r.Degraded,
	}
	if r.Output != "" {
		if err := json.Unmarshal([]byte(r.Output), &s.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output of step %s: %w", r.StepID, err)
		}
	}
	return s, nil
}

// marshalOptional 将 nil 编码为空字符串
func marshalOptional(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	if m, ok := v.(map[string]any); ok && m == nil {
		return "", nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
