package workflow

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// StepType defines the kind of a workflow step
type StepType string

const (
	// StepTypeTask invokes a registered step handler
	StepTypeTask StepType = "task"
	// StepTypeAgent assigns an agent instance and invokes the agent handler
	StepTypeAgent StepType = "agent"
	// StepTypeCondition evaluates a condition and selects a branch
	StepTypeCondition StepType = "condition"
	// StepTypeParallel groups children that may run concurrently
	StepTypeParallel StepType = "parallel"
	// StepTypeSequential groups children that run one after another
	StepTypeSequential StepType = "sequential"
)

// IsMarker reports whether the step type is a structural marker.
func (t StepType) IsMarker() bool {
	return t == StepTypeParallel || t == StepTypeSequential
}

func (t StepType) valid() bool {
	switch t {
	case StepTypeTask, StepTypeAgent, StepTypeCondition, StepTypeParallel, StepTypeSequential:
		return true
	}
	return false
}

// DataType is the declared type of a workflow variable
type DataType string

const (
	DataTypeString  DataType = "string"
	DataTypeNumber  DataType = "number"
	DataTypeInteger DataType = "integer"
	DataTypeBoolean DataType = "boolean"
	DataTypeObject  DataType = "object"
	DataTypeArray   DataType = "array"
	DataTypeAny     DataType = "any"
)

// Variable declares an input variable of a definition.
type Variable struct {
	Name        string   `json:"name" yaml:"name"`
	DataType    DataType `json:"data_type,omitempty" yaml:"data_type,omitempty"`
	IsRequired  bool     `json:"is_required,omitempty" yaml:"is_required,omitempty"`
	Default     any      `json:"default,omitempty" yaml:"default,omitempty"`
	Description string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// BranchGate ties a step to one branch of a condition step.
type BranchGate struct {
	Step   string `json:"step" yaml:"step"`
	Branch bool   `json:"branch" yaml:"branch"`
}

// Step is a single unit of work in a definition.
type Step struct {
	ID                  string         `json:"id,omitempty" yaml:"id,omitempty"`
	Name                string         `json:"name" yaml:"name"`
	Type                StepType       `json:"step_type" yaml:"step_type"`
	Order               int            `json:"step_order,omitempty" yaml:"step_order,omitempty"`
	DependsOn           []string       `json:"depends_on_steps,omitempty" yaml:"depends_on_steps,omitempty"`
	TimeoutSeconds      int            `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	MaxRetries          *int           `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	Config              map[string]any `json:"config,omitempty" yaml:"config,omitempty"`
	ConditionExpression string         `json:"condition_expression,omitempty" yaml:"condition_expression,omitempty"`
	When                *BranchGate    `json:"when,omitempty" yaml:"when,omitempty"`
	ContinueOnFailure   bool           `json:"continue_on_failure,omitempty" yaml:"continue_on_failure,omitempty"`
	RequiresApproval    bool           `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
	// RetryBaseDelayMs and RetryMaxDelayMs override the engine backoff for this step.
	RetryBaseDelayMs int `json:"retry_base_delay_ms,omitempty" yaml:"retry_base_delay_ms,omitempty"`
	RetryMaxDelayMs  int `json:"retry_max_delay_ms,omitempty" yaml:"retry_max_delay_ms,omitempty"`
}

// Definition is a versioned blueprint of steps and variables.
type Definition struct {
	ID                     string     `json:"id,omitempty" yaml:"id,omitempty"`
	Name                   string     `json:"name" yaml:"name"`
	Version                string     `json:"version,omitempty" yaml:"version,omitempty"`
	Description            string     `json:"description,omitempty" yaml:"description,omitempty"`
	Steps                  []Step     `json:"steps" yaml:"steps"`
	Variables              []Variable `json:"variables,omitempty" yaml:"variables,omitempty"`
	TimeoutSeconds         int        `json:"timeout_seconds,omitempty" yaml:"timeout_seconds,omitempty"`
	MaxRetries             int        `json:"max_retries,omitempty" yaml:"max_retries,omitempty"`
	IsActive               bool       `json:"is_active" yaml:"is_active"`
	RequiresApproval       bool       `json:"requires_approval,omitempty" yaml:"requires_approval,omitempty"`
	ApprovalTimeoutSeconds int        `json:"approval_timeout_seconds,omitempty" yaml:"approval_timeout_seconds,omitempty"`
	CreatedAt              time.Time  `json:"created_at,omitempty" yaml:"created_at,omitempty"`
	UpdatedAt              time.Time  `json:"updated_at,omitempty" yaml:"updated_at,omitempty"`
}

// Clone returns a deep copy of the definition's structure. Config maps and
// defaults are copied one level deep; values below that are shared and must
// be treated as read-only.
func (d *Definition) Clone() *Definition {
	if d == nil {
		return nil
	}
	cp := *d
	cp.Steps = make([]Step, len(d.Steps))
	for i, s := range d.Steps {
		s.DependsOn = append([]string(nil), s.DependsOn...)
		if s.MaxRetries != nil {
			n := *s.MaxRetries
			s.MaxRetries = &n
		}
		if s.When != nil {
			w := *s.When
			s.When = &w
		}
		if s.Config != nil {
			cfg := make(map[string]any, len(s.Config))
			for k, v := range s.Config {
				cfg[k] = v
			}
			s.Config = cfg
		}
		cp.Steps[i] = s
	}
	cp.Variables = append([]Variable(nil), d.Variables...)
	return &cp
}

// StepByName returns the step with the given name.
func (d *Definition) StepByName(name string) (*Step, bool) {
	for i := range d.Steps {
		if d.Steps[i].Name == name {
			return &d.Steps[i], true
		}
	}
	return nil, false
}

// Node is a compiled step with dependencies resolved to step ids.
type Node struct {
	Step       Step
	ID         string
	Deps       []string
	Dependents []string
	Config     StepConfig
	Gate       *NodeGate
	Timeout    time.Duration
	MaxRetries int
	Retry      *RetryPolicy
}

// NodeGate is a resolved BranchGate.
type NodeGate struct {
	StepID string
	Branch bool
}

// Graph is the compiled, validated form of a Definition.
type Graph struct {
	nodes  map[string]*Node
	byName map[string]string
	order  []string
	layers [][]string
}

// Node returns a node by step id.
func (g *Graph) Node(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// NodeByName returns a node by step name.
func (g *Graph) NodeByName(name string) (*Node, bool) {
	id, ok := g.byName[name]
	if !ok {
		return nil, false
	}
	return g.nodes[id], true
}

// Order returns step ids in a topological order.
func (g *Graph) Order() []string {
	return append([]string(nil), g.order...)
}

// Layers returns the resolved layers as step ids.
func (g *Graph) Layers() [][]string {
	out := make([][]string, len(g.layers))
	for i, l := range g.layers {
		out[i] = append([]string(nil), l...)
	}
	return out
}

// LayerNames returns the resolved layers as step names.
func (g *Graph) LayerNames() [][]string {
	out := make([][]string, len(g.layers))
	for i, l := range g.layers {
		names := make([]string, len(l))
		for j, id := range l {
			names[j] = g.nodes[id].Step.Name
		}
		out[i] = names
	}
	return out
}

// Len returns the number of steps.
func (g *Graph) Len() int { return len(g.nodes) }

// CompileOptions carries engine-wide defaults applied during compilation.
type CompileOptions struct {
	DefaultTimeout time.Duration
}

// Compile validates a definition and resolves it to a Graph. Step ids missing
// from the definition are derived from step names. The definition is not
// modified.
func Compile(def *Definition, opts CompileOptions) (*Graph, error) {
	if def == nil {
		return nil, graphError(InvalidStep, "definition is nil")
	}
	if len(def.Steps) == 0 {
		return nil, graphError(InvalidStep, "definition has no steps")
	}
	if err := validateVariables(def.Variables); err != nil {
		return nil, graphError(InvalidStep, "variables: "+err.Error())
	}
	if def.ApprovalTimeoutSeconds < 0 || def.TimeoutSeconds < 0 || def.MaxRetries < 0 {
		return nil, graphError(InvalidStep, "timeouts and max_retries must be >= 0")
	}

	steps := make(map[string]*Step, len(def.Steps))
	ids := make(map[string]string, len(def.Steps))
	seenIDs := make(map[string]string, len(def.Steps))
	var dups []string
	for i := range def.Steps {
		s := &def.Steps[i]
		if strings.TrimSpace(s.Name) == "" {
			return nil, graphError(InvalidStep, fmt.Sprintf("step at index %d has no name", i))
		}
		if _, ok := steps[s.Name]; ok {
			dups = append(dups, s.Name)
			continue
		}
		id := s.ID
		if id == "" {
			id = s.Name
		}
		if id == DefinitionGate {
			return nil, graphError(InvalidStep, fmt.Sprintf("step id %q is reserved for the definition approval gate", id), s.Name)
		}
		if other, ok := seenIDs[id]; ok {
			return nil, graphError(InvalidStep, fmt.Sprintf("step id %q used by %s and %s", id, other, s.Name), other, s.Name)
		}
		seenIDs[id] = s.Name
		steps[s.Name] = s
		ids[s.Name] = id
	}
	if len(dups) > 0 {
		sort.Strings(dups)
		return nil, graphError(DuplicateStepName, "step names must be unique", dups...)
	}

	// Type and config checks run before dependency resolution so marker
	// children are known.
	configs := make(map[string]StepConfig, len(steps))
	for _, s := range def.Steps {
		if !s.Type.valid() {
			return nil, graphError(InvalidStep, fmt.Sprintf("unknown step_type %q", s.Type), s.Name)
		}
		cfg, err := decodeStepConfig(s)
		if err != nil {
			return nil, graphError(InvalidStep, err.Error(), s.Name)
		}
		configs[s.Name] = cfg
		if s.TimeoutSeconds < 0 {
			return nil, graphError(InvalidStep, "timeout_seconds must be >= 0", s.Name)
		}
		if s.MaxRetries != nil && *s.MaxRetries < 0 {
			return nil, graphError(InvalidStep, "max_retries must be >= 0", s.Name)
		}
	}

	deps := make(map[string][]string, len(steps))
	for _, s := range def.Steps {
		deps[s.Name] = append(deps[s.Name], s.DependsOn...)
	}

	// Markers: children inherit the marker's explicit deps; a sequential
	// marker chains its children; the marker itself waits for its children.
	for _, s := range def.Steps {
		var children []string
		sequential := false
		switch c := configs[s.Name].(type) {
		case *ParallelConfig:
			children = c.Children
		case *SequentialConfig:
			children = c.Children
			sequential = true
		default:
			continue
		}
		for i, child := range children {
			if child == s.Name {
				return nil, graphError(InvalidStep, "marker lists itself as a child", s.Name)
			}
			if _, ok := steps[child]; !ok {
				return nil, graphError(UnknownDependency, fmt.Sprintf("marker child %q does not exist", child), s.Name)
			}
			deps[child] = append(deps[child], s.DependsOn...)
			if sequential && i > 0 {
				deps[child] = append(deps[child], children[i-1])
			}
		}
		if sequential && len(children) > 0 {
			deps[s.Name] = append(deps[s.Name], children[len(children)-1])
		} else {
			deps[s.Name] = append(deps[s.Name], children...)
		}
	}

	// Branch gates come from a step's `when` or a condition's on_true/on_false.
	gates := make(map[string]*BranchGate, len(steps))
	setGate := func(target string, g BranchGate) error {
		if prev, ok := gates[target]; ok && *prev != g {
			return graphError(InvalidStep, fmt.Sprintf("conflicting branch gates on %q", target), target)
		}
		gates[target] = &g
		return nil
	}
	for _, s := range def.Steps {
		if s.When != nil {
			if err := setGate(s.Name, *s.When); err != nil {
				return nil, err
			}
		}
		if c, ok := configs[s.Name].(*ConditionConfig); ok {
			for _, t := range c.OnTrue {
				if err := setGate(t, BranchGate{Step: s.Name, Branch: true}); err != nil {
					return nil, err
				}
			}
			for _, t := range c.OnFalse {
				if err := setGate(t, BranchGate{Step: s.Name, Branch: false}); err != nil {
					return nil, err
				}
			}
		}
	}
	for _, target := range sortedKeys(gates) {
		g := gates[target]
		if _, ok := steps[target]; !ok {
			return nil, graphError(UnknownDependency, fmt.Sprintf("branch target %q does not exist", target), g.Step)
		}
		cond, ok := steps[g.Step]
		if !ok {
			return nil, graphError(UnknownDependency, fmt.Sprintf("gate references unknown step %q", g.Step), target)
		}
		if cond.Type != StepTypeCondition {
			return nil, graphError(InvalidStep, fmt.Sprintf("gate step %q is not a condition step", g.Step), target)
		}
		if g.Step == target {
			return nil, graphError(InvalidStep, "step gated on itself", target)
		}
		deps[target] = append(deps[target], g.Step)
	}

	entries := make([]DependencyEntry, 0, len(def.Steps))
	for _, s := range def.Steps {
		entries = append(entries, DependencyEntry{Name: s.Name, Order: s.Order, DependsOn: deps[s.Name]})
	}
	layers, err := (&DependencyResolver{}).Resolve(entries)
	if err != nil {
		return nil, err
	}

	g := &Graph{
		nodes:  make(map[string]*Node, len(steps)),
		byName: ids,
		layers: make([][]string, len(layers)),
	}
	for _, s := range def.Steps {
		node := &Node{
			Step:       s,
			ID:         ids[s.Name],
			Config:     configs[s.Name],
			MaxRetries: def.MaxRetries,
		}
		node.Step.ID = node.ID
		if s.MaxRetries != nil {
			node.MaxRetries = *s.MaxRetries
		}
		switch {
		case s.TimeoutSeconds > 0:
			node.Timeout = time.Duration(s.TimeoutSeconds) * time.Second
		case def.TimeoutSeconds > 0:
			node.Timeout = time.Duration(def.TimeoutSeconds) * time.Second
		default:
			node.Timeout = opts.DefaultTimeout
		}
		if s.RetryBaseDelayMs > 0 || s.RetryMaxDelayMs > 0 {
			node.Retry = &RetryPolicy{
				BaseDelay: time.Duration(s.RetryBaseDelayMs) * time.Millisecond,
				MaxDelay:  time.Duration(s.RetryMaxDelayMs) * time.Millisecond,
			}
		}
		if gate, ok := gates[s.Name]; ok {
			node.Gate = &NodeGate{StepID: ids[gate.Step], Branch: gate.Branch}
		}
		for _, dep := range dedupe(deps[s.Name]) {
			node.Deps = append(node.Deps, ids[dep])
		}
		g.nodes[node.ID] = node
	}
	for _, id := range sortedKeys(g.nodes) {
		for _, dep := range g.nodes[id].Deps {
			g.nodes[dep].Dependents = append(g.nodes[dep].Dependents, id)
		}
	}
	for i, layer := range layers {
		g.layers[i] = make([]string, len(layer))
		for j, name := range layer {
			g.layers[i][j] = ids[name]
			g.order = append(g.order, ids[name])
		}
	}
	return g, nil
}

func dedupe(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
