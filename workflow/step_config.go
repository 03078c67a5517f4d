package workflow

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// StepConfig is the typed form of Step.Config. Exactly one variant exists per
// step type and it is resolved once, when the definition is compiled.
type StepConfig interface {
	StepType() StepType
}

// TaskConfig configures a task step.
type TaskConfig struct {
	// Handler selects the registered handler; empty means "task".
	Handler string         `json:"handler,omitempty"`
	Params  map[string]any `json:"params,omitempty"`
}

func (*TaskConfig) StepType() StepType { return StepTypeTask }

// ResourceRequest is the headroom an agent step needs from its instance.
type ResourceRequest struct {
	CPU      float64 `json:"cpu,omitempty"`
	MemoryMB int64   `json:"memory_mb,omitempty"`
}

// IsZero reports whether no resources were requested.
func (r ResourceRequest) IsZero() bool { return r.CPU == 0 && r.MemoryMB == 0 }

// AgentConfig configures an agent step.
type AgentConfig struct {
	// Handler selects the registered handler; empty means "agent".
	Handler           string          `json:"handler,omitempty"`
	Capabilities      []string        `json:"capabilities,omitempty"`
	Strategy          AssignStrategy  `json:"strategy,omitempty"`
	AgentDefinitionID string          `json:"agent_definition_id,omitempty"`
	AgentInstanceID   string          `json:"agent_instance_id,omitempty"`
	Resources         ResourceRequest `json:"resources,omitempty"`
	Params            map[string]any  `json:"params,omitempty"`
}

func (*AgentConfig) StepType() StepType { return StepTypeAgent }

// ConditionConfig configures a condition step.
type ConditionConfig struct {
	OnTrue  []string `json:"on_true,omitempty"`
	OnFalse []string `json:"on_false,omitempty"`

	Expression string    `json:"-"`
	Condition  Condition `json:"-"`
}

func (*ConditionConfig) StepType() StepType { return StepTypeCondition }

// ParallelConfig lists the children of a parallel marker.
type ParallelConfig struct {
	Children []string `json:"children,omitempty"`
}

func (*ParallelConfig) StepType() StepType { return StepTypeParallel }

// SequentialConfig lists the ordered children of a sequential marker.
type SequentialConfig struct {
	Children []string `json:"children,omitempty"`
}

func (*SequentialConfig) StepType() StepType { return StepTypeSequential }

var (
	taskKeys  = []string{"handler", "params"}
	agentKeys = []string{"handler", "capabilities", "strategy", "agent_definition_id", "agent_instance_id", "resources", "params"}
)

func decodeStepConfig(s Step) (StepConfig, error) {
	if s.Type != StepTypeCondition && s.ConditionExpression != "" {
		return nil, errors.New("condition_expression is only valid on condition steps")
	}
	raw, err := json.Marshal(s.Config)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if s.Config == nil {
		raw = []byte("{}")
	}

	switch s.Type {
	case StepTypeTask:
		cfg := &TaskConfig{}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("task config: %w", err)
		}
		cfg.Params = mergeExtras(cfg.Params, s.Config, taskKeys)
		return cfg, nil

	case StepTypeAgent:
		cfg := &AgentConfig{}
		if err := json.Unmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("agent config: %w", err)
		}
		if cfg.Strategy != "" && !cfg.Strategy.Valid() {
			return nil, fmt.Errorf("unknown assignment strategy %q", cfg.Strategy)
		}
		if cfg.Resources.CPU < 0 || cfg.Resources.MemoryMB < 0 {
			return nil, errors.New("resource requests must be >= 0")
		}
		cfg.Params = mergeExtras(cfg.Params, s.Config, agentKeys)
		return cfg, nil

	case StepTypeCondition:
		cfg := &ConditionConfig{}
		if err := strictUnmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("condition config: %w", err)
		}
		if s.ConditionExpression == "" {
			return nil, errors.New("condition step requires condition_expression")
		}
		cond, err := ParseCondition(s.ConditionExpression)
		if err != nil {
			return nil, err
		}
		cfg.Expression = s.ConditionExpression
		cfg.Condition = cond
		return cfg, nil

	case StepTypeParallel:
		cfg := &ParallelConfig{}
		if err := strictUnmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("parallel config: %w", err)
		}
		return cfg, nil

	case StepTypeSequential:
		cfg := &SequentialConfig{}
		if err := strictUnmarshal(raw, cfg); err != nil {
			return nil, fmt.Errorf("sequential config: %w", err)
		}
		return cfg, nil
	}
	return nil, fmt.Errorf("unknown step_type %q", s.Type)
}

func strictUnmarshal(raw []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

// mergeExtras folds config keys the variant does not know about into params
// so handler-specific settings can sit at the top level of config.
func mergeExtras(params, config map[string]any, known []string) map[string]any {
	for k, v := range config {
		if containsString(known, k) {
			continue
		}
		if params == nil {
			params = make(map[string]any)
		}
		if _, exists := params[k]; !exists {
			params[k] = v
		}
	}
	return params
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
