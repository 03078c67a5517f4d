package workflow

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name     string
		def      *Definition
		wantKind GraphErrorKind
	}{
		{
			name:     "no steps",
			def:      &Definition{Name: "empty"},
			wantKind: InvalidStep,
		},
		{
			name:     "unknown step type",
			def:      &Definition{Name: "d", Steps: []Step{{Name: "a", Type: "lambda"}}},
			wantKind: InvalidStep,
		},
		{
			name:     "condition without expression",
			def:      &Definition{Name: "d", Steps: []Step{{Name: "c", Type: StepTypeCondition}}},
			wantKind: InvalidStep,
		},
		{
			name:     "expression on a task",
			def:      &Definition{Name: "d", Steps: []Step{{Name: "t", Type: StepTypeTask, ConditionExpression: "true"}}},
			wantKind: InvalidStep,
		},
		{
			name:     "malformed expression",
			def:      &Definition{Name: "d", Steps: []Step{{Name: "c", Type: StepTypeCondition, ConditionExpression: "${"}}},
			wantKind: InvalidStep,
		},
		{
			name: "duplicate names",
			def: &Definition{Name: "d", Steps: []Step{
				{Name: "a", Type: StepTypeTask},
				{Name: "a", Type: StepTypeTask},
			}},
			wantKind: DuplicateStepName,
		},
		{
			name: "unknown dependency",
			def: &Definition{Name: "d", Steps: []Step{
				{Name: "a", Type: StepTypeTask, DependsOn: []string{"ghost"}},
			}},
			wantKind: UnknownDependency,
		},
		{
			name: "gate on a non condition step",
			def: &Definition{Name: "d", Steps: []Step{
				{Name: "a", Type: StepTypeTask},
				{Name: "b", Type: StepTypeTask, When: &BranchGate{Step: "a", Branch: true}},
			}},
			wantKind: InvalidStep,
		},
		{
			name: "branch target missing",
			def: &Definition{Name: "d", Steps: []Step{
				{Name: "c", Type: StepTypeCondition, ConditionExpression: "true", Config: map[string]any{"on_true": []any{"nowhere"}}},
			}},
			wantKind: UnknownDependency,
		},
		{
			name: "conflicting gates",
			def: &Definition{Name: "d", Steps: []Step{
				{Name: "c", Type: StepTypeCondition, ConditionExpression: "true", Config: map[string]any{"on_true": []any{"x"}, "on_false": []any{"x"}}},
				{Name: "x", Type: StepTypeTask},
			}},
			wantKind: InvalidStep,
		},
		{
			name: "unknown condition config key",
			def: &Definition{Name: "d", Steps: []Step{
				{Name: "c", Type: StepTypeCondition, ConditionExpression: "true", Config: map[string]any{"on_maybe": []any{"x"}}},
			}},
			wantKind: InvalidStep,
		},
		{
			name: "unknown strategy",
			def: &Definition{Name: "d", Steps: []Step{
				{Name: "a", Type: StepTypeAgent, Config: map[string]any{"strategy": "random"}},
			}},
			wantKind: InvalidStep,
		},
		{
			name: "marker child missing",
			def: &Definition{Name: "d", Steps: []Step{
				{Name: "p", Type: StepTypeParallel, Config: map[string]any{"children": []any{"ghost"}}},
			}},
			wantKind: UnknownDependency,
		},
		{
			name: "cycle through a gate",
			def: &Definition{Name: "d", Steps: []Step{
				{Name: "c", Type: StepTypeCondition, ConditionExpression: "true", DependsOn: []string{"x"}, Config: map[string]any{"on_true": []any{"x"}}},
				{Name: "x", Type: StepTypeTask},
			}},
			wantKind: CircularDependency,
		},
		{
			name: "negative step retries",
			def: &Definition{Name: "d", Steps: []Step{
				{Name: "a", Type: StepTypeTask, MaxRetries: intPtr(-1)},
			}},
			wantKind: InvalidStep,
		},
		{
			name: "bad variable default",
			def: &Definition{
				Name:      "d",
				Variables: []Variable{{Name: "n", DataType: DataTypeInteger, Default: "ten"}},
				Steps:     []Step{{Name: "a", Type: StepTypeTask}},
			},
			wantKind: InvalidStep,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Compile(tt.def, CompileOptions{})
			require.Error(t, err)
			var gve *GraphValidationError
			require.True(t, errors.As(err, &gve), "got %T: %v", err, err)
			assert.Equal(t, tt.wantKind, gve.Kind)
		})
	}
}

func TestCompile_NodeSettings(t *testing.T) {
	def := &Definition{
		Name:           "settings",
		TimeoutSeconds: 30,
		MaxRetries:     2,
		Steps: []Step{
			{Name: "inherit", Type: StepTypeTask},
			{Name: "override", Type: StepTypeTask, TimeoutSeconds: 5, MaxRetries: intPtr(0), RetryBaseDelayMs: 10, RetryMaxDelayMs: 100},
			{ID: "custom-id", Name: "named", Type: StepTypeTask, DependsOn: []string{"inherit", "inherit"}, Config: map[string]any{"handler": "http", "url": "https://example.com"}},
		},
	}
	g, err := Compile(def, CompileOptions{DefaultTimeout: time.Minute})
	require.NoError(t, err)
	assert.Equal(t, 3, g.Len())

	inherit, ok := g.NodeByName("inherit")
	require.True(t, ok)
	assert.Equal(t, 30*time.Second, inherit.Timeout)
	assert.Equal(t, 2, inherit.MaxRetries)
	assert.Nil(t, inherit.Retry)
	assert.Equal(t, []string{"custom-id"}, inherit.Dependents)

	override, _ := g.NodeByName("override")
	assert.Equal(t, 5*time.Second, override.Timeout)
	assert.Equal(t, 0, override.MaxRetries)
	require.NotNil(t, override.Retry)
	assert.Equal(t, 10*time.Millisecond, override.Retry.BaseDelay)

	named, ok := g.Node("custom-id")
	require.True(t, ok)
	assert.Equal(t, []string{"inherit"}, named.Deps)
	cfg, ok := named.Config.(*TaskConfig)
	require.True(t, ok)
	assert.Equal(t, "http", cfg.Handler)
	assert.Equal(t, map[string]any{"url": "https://example.com"}, cfg.Params)

	noDefaults, err := Compile(&Definition{Name: "x", Steps: []Step{{Name: "a", Type: StepTypeTask}}}, CompileOptions{DefaultTimeout: time.Minute})
	require.NoError(t, err)
	a, _ := noDefaults.NodeByName("a")
	assert.Equal(t, time.Minute, a.Timeout)
}

func TestCompile_ParallelMarker(t *testing.T) {
	def := &Definition{
		Name: "parallel",
		Steps: []Step{
			{Name: "start", Type: StepTypeTask},
			{Name: "fan", Type: StepTypeParallel, DependsOn: []string{"start"}, Config: map[string]any{"children": []any{"x", "y"}}},
			{Name: "x", Type: StepTypeTask},
			{Name: "y", Type: StepTypeTask},
			{Name: "join", Type: StepTypeTask, DependsOn: []string{"fan"}},
		},
	}
	g, err := Compile(def, CompileOptions{})
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"start"}, {"x", "y"}, {"fan"}, {"join"}}, g.LayerNames())
}

func TestCompile_DoesNotModifyDefinition(t *testing.T) {
	def := fanOutDefinition()
	_, err := Compile(def, CompileOptions{})
	require.NoError(t, err)
	for _, s := range def.Steps {
		assert.Empty(t, s.ID)
	}
}

func TestDefinition_Clone(t *testing.T) {
	def := fanOutDefinition()
	def.Steps[0].Config = map[string]any{"k": "v"}
	cp := def.Clone()
	cp.Steps[0].Name = "changed"
	cp.Steps[1].DependsOn[0] = "changed"
	cp.Steps[0].Config["k"] = "other"

	assert.Equal(t, "A", def.Steps[0].Name)
	assert.Equal(t, "A", def.Steps[1].DependsOn[0])
	assert.Equal(t, "v", def.Steps[0].Config["k"])

	s, ok := def.StepByName("B")
	require.True(t, ok)
	assert.Equal(t, []string{"A"}, s.DependsOn)
}

const yamlDefinition = `
name: release
version: "3"
variables:
  - name: env
    data_type: string
    is_required: true
steps:
  - name: build
    step_type: task
    config:
      handler: shell
      command: make build
  - name: is_prod
    step_type: condition
    condition_expression: ${is_prod_env}
    depends_on_steps: [build]
    config:
      on_true: [canary]
  - name: canary
    step_type: task
  - name: deploy
    step_type: task
    depends_on_steps: [build]
    requires_approval: true
`

func TestDecodeDefinition_YAML(t *testing.T) {
	def, err := DecodeDefinition([]byte(yamlDefinition), FormatYAML)
	require.NoError(t, err)
	assert.Equal(t, "release", def.Name)
	assert.Equal(t, "3", def.Version)
	require.Len(t, def.Steps, 4)
	assert.Equal(t, StepTypeCondition, def.Steps[1].Type)
	assert.True(t, def.Steps[3].RequiresApproval)

	layers, err := (&DependencyResolver{}).ResolveDefinition(def)
	require.NoError(t, err)
	assert.Equal(t, [][]string{{"build"}, {"deploy", "is_prod"}, {"canary"}}, layers)
}

func TestDecodeDefinition_RejectsUnknownFields(t *testing.T) {
	_, err := DecodeDefinition([]byte(`{"name":"x","steps":[{"name":"a","step_type":"task"}],"surprise":1}`), FormatJSON)
	assert.Error(t, err)

	_, err = DecodeDefinition([]byte("name: x\nbogus: true\nsteps:\n  - name: a\n    step_type: task\n"), FormatYAML)
	assert.Error(t, err)

	_, err = DecodeDefinition([]byte(`{"name":"x","steps":[]}`), "toml")
	assert.Error(t, err)
}

func TestDefinitionFile_RoundTrip(t *testing.T) {
	dir := t.TempDir()
	def := fanOutDefinition()
	def.Description = "round trip"

	for _, name := range []string{"def.json", "def.yaml"} {
		path := filepath.Join(dir, name)
		require.NoError(t, SaveDefinitionFile(def, path))

		loaded, err := LoadDefinitionFile(path)
		require.NoError(t, err)
		assert.Equal(t, def.Name, loaded.Name)
		assert.Equal(t, def.Description, loaded.Description)
		assert.Equal(t, def.Steps, loaded.Steps)
	}

	_, err := LoadDefinitionFile(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestFormatFromContentType(t *testing.T) {
	assert.Equal(t, FormatYAML, FormatFromContentType("application/x-yaml"))
	assert.Equal(t, FormatYAML, FormatFromContentType("text/yaml; charset=utf-8"))
	assert.Equal(t, FormatJSON, FormatFromContentType("application/json"))
	assert.Equal(t, FormatJSON, FormatFromContentType(""))
}
