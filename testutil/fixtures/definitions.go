// =============================================================================
// 📦 测试数据工厂 - 工作流定义
// =============================================================================
// 提供预定义的工作流定义与 Agent 实例，用于测试
// =============================================================================
package fixtures

import (
	"strconv"

	"github.com/BaSui01/dagflow/workflow"
)

// =============================================================================
// 🧩 工作流定义工厂
// =============================================================================

// FanOutDefinition 返回 A → {B, C} 的扇出定义
func FanOutDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name:        "fan-out",
		Description: "one root, two parallel dependents",
		Steps: []workflow.Step{
			{Name: "A", Type: workflow.StepTypeTask},
			{Name: "B", Type: workflow.StepTypeTask, DependsOn: []string{"A"}},
			{Name: "C", Type: workflow.StepTypeTask, DependsOn: []string{"A"}},
		},
	}
}

// ChainDefinition 返回按顺序串联的定义
func ChainDefinition(names ...string) *workflow.Definition {
	def := &workflow.Definition{Name: "chain"}
	for i, name := range names {
		step := workflow.Step{Name: name, Type: workflow.StepTypeTask}
		if i > 0 {
			step.DependsOn = []string{names[i-1]}
		}
		def.Steps = append(def.Steps, step)
	}
	return def
}

// BranchingDefinition 返回按 ${approved} 分支的定义
func BranchingDefinition() *workflow.Definition {
	return &workflow.Definition{
		Name: "branching",
		Variables: []workflow.Variable{
			{Name: "approved", DataType: workflow.DataTypeBoolean, IsRequired: true},
		},
		Steps: []workflow.Step{
			{
				Name:                "check",
				Type:                workflow.StepTypeCondition,
				ConditionExpression: "${approved}",
				Config: map[string]any{
					"on_true":  []any{"ship"},
					"on_false": []any{"refund"},
				},
			},
			{Name: "ship", Type: workflow.StepTypeTask},
			{Name: "refund", Type: workflow.StepTypeTask},
		},
	}
}

// ApprovalDefinition 返回需要整体审批的扇出定义
func ApprovalDefinition() *workflow.Definition {
	def := FanOutDefinition()
	def.Name = "approval"
	def.RequiresApproval = true
	return def
}

// AgentDefinition 返回包含 agent 步骤的定义
func AgentDefinition(capabilities ...string) *workflow.Definition {
	caps := make([]any, len(capabilities))
	for i, c := range capabilities {
		caps[i] = c
	}
	return &workflow.Definition{
		Name: "agents",
		Steps: []workflow.Step{
			{Name: "draft", Type: workflow.StepTypeAgent, Config: map[string]any{"capabilities": caps}},
			{Name: "review", Type: workflow.StepTypeAgent, DependsOn: []string{"draft"}, Config: map[string]any{"capabilities": caps}},
		},
	}
}

// =============================================================================
// 🤖 Agent 实例工厂
// =============================================================================

// AgentInstances 返回 n 个具备给定能力的实例，ID 为 agent-1..agent-n
func AgentInstances(n int, capabilities ...string) []workflow.AgentInstance {
	out := make([]workflow.AgentInstance, n)
	for i := range out {
		out[i] = workflow.AgentInstance{
			ID:           "agent-" + strconv.Itoa(i+1),
			Name:         "test-agent",
			Capabilities: append([]string(nil), capabilities...),
			Resources:    workflow.AgentResources{CPU: 2, MemoryMB: 2048},
		}
	}
	return out
}
